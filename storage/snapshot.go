package storage

import "sort"

// Snapshot is a composite read handle: every stream and service chunk in it
// is locked, or the snapshot is invalid and holds nothing.
type Snapshot struct {
	Streams  []*LockedData
	Services []*LockedData
}

// IsValid reports whether the snapshot holds at least one chunk and all of
// its chunks are still locked.
func (s *Snapshot) IsValid() bool {
	if s == nil || len(s.Streams)+len(s.Services) == 0 {
		return false
	}
	for _, l := range s.Streams {
		if !l.IsValid() {
			return false
		}
	}
	for _, l := range s.Services {
		if !l.IsValid() {
			return false
		}
	}
	return true
}

// Release unlocks every chunk. Safe to call more than once.
func (s *Snapshot) Release() {
	if s == nil {
		return
	}
	for _, l := range s.Streams {
		l.Release()
	}
	for _, l := range s.Services {
		l.Release()
	}
}

// Stream returns the stream chunk of the given type, or nil.
func (s *Snapshot) Stream(name string) *LockedData {
	if s == nil {
		return nil
	}
	return find(s.Streams, name)
}

// Service returns the service chunk of the given type, or nil.
func (s *Snapshot) Service(name string) *LockedData {
	if s == nil {
		return nil
	}
	return find(s.Services, name)
}

func find(list []*LockedData, name string) *LockedData {
	for _, l := range list {
		if l.Name() == name {
			return l
		}
	}
	return nil
}

// Associates merges the service versions recorded by every stream chunk.
// When two streams recorded different versions of one service, the first
// stream in the snapshot wins.
func (s *Snapshot) Associates() map[string]string {
	if s == nil {
		return nil
	}
	out := make(map[string]string)
	for _, l := range s.Streams {
		for name, v := range l.associates {
			if _, ok := out[name]; !ok {
				out[name] = v
			}
		}
	}
	return out
}

// Stale lists the services in the snapshot whose locked version differs from
// the version a stream chunk recorded when it was committed.
func (s *Snapshot) Stale() []string {
	if s == nil {
		return nil
	}
	var stale []string
	for _, svc := range s.Services {
		for _, st := range s.Streams {
			v, ok := st.associates[svc.Name()]
			if ok && v != svc.Version() {
				stale = append(stale, svc.Name())
				break
			}
		}
	}
	sort.Strings(stale)
	return stale
}
