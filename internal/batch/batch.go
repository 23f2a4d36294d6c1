// Package batch enumerates the units of work a grid worker may claim: keys of
// an explicit manifest, groups of files matched by glob patterns, or the
// immediate entries of a source directory.
package batch

import (
	"errors"
	"fmt"
	"math/rand/v2"
)

// ErrConfiguration classifies fatal setup problems found before any claim.
var ErrConfiguration = errors.New("configuration error")

// ConfigurationError names the offending setting.
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Key == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Key, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return ErrConfiguration
}

// ConfigErr builds a *ConfigurationError.
func ConfigErr(key, format string, args ...any) error {
	return &ConfigurationError{Key: key, Reason: fmt.Sprintf(format, args...)}
}

// Unit is one claimable piece of work. ID is the batch key (or entry name for
// directory scans); Path is the source path when the unit maps to one entry.
type Unit struct {
	ID    string
	Path  string
	IsDir bool
}

// Set is the result of an enumeration. Files holds every source file matched
// by the configured patterns; staging uses it to pick each batch's inputs.
type Set struct {
	Units []Unit
	Files []string
}

// IDs returns the unit identifiers in order.
func (s Set) IDs() []string {
	out := make([]string, 0, len(s.Units))
	for _, u := range s.Units {
		out = append(out, u.ID)
	}
	return out
}

// Shuffle returns a shuffled copy of units. Workers start from different
// batches so they rarely race for the same lock.
func Shuffle(units []Unit, rng *rand.Rand) []Unit {
	out := append([]Unit(nil), units...)
	if rng == nil {
		rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
		return out
	}
	rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

func unitsFromKeys(keys []string) []Unit {
	seen := make(map[string]struct{}, len(keys))
	out := make([]Unit, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, Unit{ID: k})
	}
	return out
}
