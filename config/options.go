package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Options is a free-form option tree, as decoded from a YAML mapping. The
// getters never panic: a missing key or a value of the wrong type yields the
// default.
type Options map[string]any

// Has reports whether key is set.
func (o Options) Has(key string) bool {
	_, ok := o[key]
	return ok
}

// Keys returns the option names in sorted order.
func (o Options) Keys() []string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (o Options) GetString(key, defaultVal string) string {
	if val, ok := o[key]; ok {
		switch v := val.(type) {
		case string:
			return v
		case int, int64, float64, bool:
			return fmt.Sprint(v)
		}
	}
	return defaultVal
}

func (o Options) GetInt(key string, defaultVal int) int {
	if val, ok := o[key]; ok {
		switch v := val.(type) {
		case int:
			return v
		case int64:
			return int(v)
		case int32:
			return int(v)
		case uint64:
			return int(v)
		case float64:
			return int(v)
		case string:
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				return n
			}
		}
	}
	return defaultVal
}

func (o Options) GetInt64(key string, defaultVal int64) int64 {
	if val, ok := o[key]; ok {
		switch v := val.(type) {
		case int:
			return int64(v)
		case int64:
			return v
		case uint64:
			return int64(v)
		case float64:
			return int64(v)
		case string:
			if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
				return n
			}
		}
	}
	return defaultVal
}

func (o Options) GetBool(key string, defaultVal bool) bool {
	if val, ok := o[key]; ok {
		switch v := val.(type) {
		case bool:
			return v
		case string:
			if b, err := strconv.ParseBool(v); err == nil {
				return b
			}
		}
	}
	return defaultVal
}

// GetDuration accepts a duration string ("250ms", "14d") or a number of
// seconds.
func (o Options) GetDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := o[key]; ok {
		switch v := val.(type) {
		case time.Duration:
			return v
		case string:
			if d, err := parseDurationWithDays(v); err == nil {
				return d
			}
		case int:
			return time.Duration(v) * time.Second
		case float64:
			return time.Duration(v * float64(time.Second))
		}
	}
	return defaultVal
}

// GetStringSlice accepts a YAML sequence of strings or a comma separated
// string.
func (o Options) GetStringSlice(key string, defaultVal []string) []string {
	if val, ok := o[key]; ok {
		switch v := val.(type) {
		case []string:
			return v
		case string:
			var out []string
			for _, part := range strings.Split(v, ",") {
				if part = strings.TrimSpace(part); part != "" {
					out = append(out, part)
				}
			}
			return out
		case []any:
			result := make([]string, 0, len(v))
			for _, item := range v {
				if str, ok := item.(string); ok {
					result = append(result, str)
				}
			}
			if len(result) == len(v) {
				return result
			}
		}
	}
	return defaultVal
}

// Sub returns the nested mapping under key, or an empty Options.
func (o Options) Sub(key string) Options {
	if val, ok := o[key]; ok {
		switch v := val.(type) {
		case Options:
			return v
		case map[string]any:
			return Options(v)
		}
	}
	return Options{}
}

// parseDurationWithDays parses durations that may include days (e.g., "14d")
func parseDurationWithDays(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "d") {
		days := strings.TrimSuffix(s, "d")
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
