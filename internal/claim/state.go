package claim

import (
	"context"
	"errors"
	"fmt"

	"github.com/animus-labs/animus-grid/internal/batch"
	"github.com/animus-labs/animus-grid/internal/storage"
)

type State int

const (
	StateUnclaimed State = iota
	StateLocked
	StateProcessed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnclaimed:
		return "unclaimed"
	case StateLocked:
		return "locked"
	case StateProcessed:
		return "processed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// State reports the dominant marker of u: PROCESSED, then FAILED, then LOCKED.
func (p *Protocol) State(ctx context.Context, u batch.Unit) (State, error) {
	m := p.scheme.Markers(u)
	for _, c := range []struct {
		path  string
		state State
	}{
		{m.Processed, StateProcessed},
		{m.Failed, StateFailed},
		{m.Lock, StateLocked},
	} {
		ok, err := p.backend.Exists(ctx, c.path)
		if err != nil {
			return StateUnclaimed, fmt.Errorf("check %s: %w", c.path, err)
		}
		if ok {
			return c.state, nil
		}
	}
	return StateUnclaimed, nil
}

// FailureRecord is one FAILED marker and its payload.
type FailureRecord struct {
	Batch   string
	Path    string
	Payload string
}

// Summary counts markers across a batch set. Each marker kind is counted
// independently, so a unit caught mid-transition may appear twice.
type Summary struct {
	Processed int
	Locked    int
	Failed    int
	Total     int
	Failures  []FailureRecord
}

// Tally recounts the markers of every unit and collects failure payloads.
func (p *Protocol) Tally(ctx context.Context, units []batch.Unit) (Summary, error) {
	s := Summary{Total: len(units)}
	for _, u := range units {
		m := p.scheme.Markers(u)
		ok, err := p.backend.Exists(ctx, m.Processed)
		if err != nil {
			return s, fmt.Errorf("check %s: %w", m.Processed, err)
		}
		if ok {
			s.Processed++
		}
		if ok, err = p.backend.Exists(ctx, m.Lock); err != nil {
			return s, fmt.Errorf("check %s: %w", m.Lock, err)
		}
		if ok {
			s.Locked++
		}
		payload, err := p.backend.ReadText(ctx, m.ErrorFile)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			if ok, err := p.backend.Exists(ctx, m.Failed); err != nil {
				return s, fmt.Errorf("check %s: %w", m.Failed, err)
			} else if ok {
				s.Failed++
				s.Failures = append(s.Failures, FailureRecord{Batch: u.ID, Path: m.Failed})
			}
		case err != nil:
			return s, fmt.Errorf("read %s: %w", m.ErrorFile, err)
		default:
			s.Failed++
			s.Failures = append(s.Failures, FailureRecord{Batch: u.ID, Path: m.Failed, Payload: payload})
		}
	}
	return s, nil
}

// ResetErrors deletes the FAILED markers of units so the next run retries them.
func (p *Protocol) ResetErrors(ctx context.Context, units []batch.Unit) (int, error) {
	n := 0
	for _, u := range units {
		m := p.scheme.Markers(u)
		err := p.backend.Delete(ctx, m.Failed)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return n, fmt.Errorf("delete %s: %w", m.Failed, err)
		}
		p.logger.Info("removed failure marker", "batch", u.ID, "marker", m.Failed)
		n++
	}
	return n, nil
}
