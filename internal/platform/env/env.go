package env

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Source resolves configuration keys. The zero value is not usable; use OS or Chain.
type Source struct {
	lookup func(string) (string, bool)
}

// OS reads keys from the process environment.
var OS = Source{lookup: os.LookupEnv}

// Map returns a Source backed by a static map.
func Map(values map[string]string) Source {
	return Source{lookup: func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}}
}

// Chain consults each source in order and returns the first hit.
func Chain(sources ...Source) Source {
	return Source{lookup: func(key string) (string, bool) {
		for _, s := range sources {
			if s.lookup == nil {
				continue
			}
			if v, ok := s.lookup(key); ok {
				return v, true
			}
		}
		return "", false
	}}
}

// Lookup returns the first key (in order) that is set to a non-blank value.
func (s Source) Lookup(keys ...string) (string, string, bool) {
	for _, key := range keys {
		if v, ok := s.lookup(key); ok && strings.TrimSpace(v) != "" {
			return key, strings.TrimSpace(v), true
		}
	}
	return "", "", false
}

func (s Source) String(def string, keys ...string) string {
	if _, v, ok := s.Lookup(keys...); ok {
		return v
	}
	return def
}

func (s Source) Duration(def time.Duration, keys ...string) (time.Duration, error) {
	if key, v, ok := s.Lookup(keys...); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("parse %s: %w", key, err)
		}
		return d, nil
	}
	return def, nil
}

// Seconds accepts either a bare integer number of seconds or a Go duration string.
func (s Source) Seconds(def time.Duration, keys ...string) (time.Duration, error) {
	if key, v, ok := s.Lookup(keys...); ok {
		if n, err := strconv.Atoi(v); err == nil {
			if n < 0 {
				return 0, fmt.Errorf("parse %s: must be >= 0", key)
			}
			return time.Duration(n) * time.Second, nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("parse %s: %w", key, err)
		}
		return d, nil
	}
	return def, nil
}

func (s Source) Bool(def bool, keys ...string) (bool, error) {
	if key, v, ok := s.Lookup(keys...); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("parse %s: %w", key, err)
		}
		return b, nil
	}
	return def, nil
}

func (s Source) Int(def int, keys ...string) (int, error) {
	if key, v, ok := s.Lookup(keys...); ok {
		i, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("parse %s: %w", key, err)
		}
		return i, nil
	}
	return def, nil
}

// List splits a comma-separated value into trimmed, non-empty items.
func (s Source) List(keys ...string) []string {
	_, v, ok := s.Lookup(keys...)
	if !ok {
		return nil
	}
	return SplitList(v)
}

// Prefixed collects every key starting with prefix, keyed by the remainder.
// Only the process environment can be enumerated, so this always reads os.Environ.
func Prefixed(prefix string) map[string]string {
	out := map[string]string{}
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, prefix) {
			continue
		}
		name := strings.TrimPrefix(key, prefix)
		if name == "" {
			continue
		}
		out[name] = value
	}
	return out
}

func SplitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func String(key string, def string) string {
	return OS.String(def, key)
}

func Duration(key string, def time.Duration) (time.Duration, error) {
	return OS.Duration(def, key)
}

func Bool(key string, def bool) (bool, error) {
	return OS.Bool(def, key)
}

func Int(key string, def int) (int, error) {
	return OS.Int(def, key)
}
