package storage

import (
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// DataRequirements names the stream and service types a consumer needs at
// the same time. The zero value requires nothing.
type DataRequirements struct {
	streams  []string
	services []string
}

// NewRequirements builds a requirement set. Names are deduplicated and
// sorted; empty names are ignored.
func NewRequirements(streams, services []string) DataRequirements {
	return DataRequirements{
		streams:  normalize(streams),
		services: normalize(services),
	}
}

func normalize(names []string) []string {
	if len(names) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n != "" {
			set[n] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Streams returns the required stream types in sorted order.
func (r DataRequirements) Streams() []string {
	return append([]string(nil), r.streams...)
}

// Services returns the required service types in sorted order.
func (r DataRequirements) Services() []string {
	return append([]string(nil), r.services...)
}

func (r DataRequirements) IsEmpty() bool {
	return len(r.streams) == 0 && len(r.services) == 0
}

// Merge returns the union of r and other.
func (r DataRequirements) Merge(other DataRequirements) DataRequirements {
	return NewRequirements(
		append(r.Streams(), other.streams...),
		append(r.Services(), other.services...),
	)
}

func (r DataRequirements) Equal(other DataRequirements) bool {
	return equalNames(r.streams, other.streams) && equalNames(r.services, other.services)
}

func equalNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Hash is stable across processes: equal requirement sets hash equally.
func (r DataRequirements) Hash() uint64 {
	d := xxhash.New()
	for _, n := range r.streams {
		_, _ = d.WriteString("s\x00")
		_, _ = d.WriteString(n)
		_, _ = d.WriteString("\x00")
	}
	for _, n := range r.services {
		_, _ = d.WriteString("v\x00")
		_, _ = d.WriteString(n)
		_, _ = d.WriteString("\x00")
	}
	return d.Sum64()
}

func (r DataRequirements) String() string {
	return "streams=[" + strings.Join(r.streams, ",") + "] services=[" + strings.Join(r.services, ",") + "]"
}
