// Package claim implements the marker state machine that lets independent
// workers share a batch workload through a storage backend:
//
//	UNCLAIMED -> LOCKED -> PROCESSED | FAILED
//
// with LOCKED falling back to UNCLAIMED once it is older than the lock timeout.
package claim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/animus-labs/animus-grid/internal/batch"
	"github.com/animus-labs/animus-grid/internal/storage"
)

const DefaultLockTimeout = 3 * time.Hour

// Outcome is the control result of a claim attempt.
type Outcome int

const (
	Claimed Outcome = iota
	AlreadyClaimed
	AlreadyDone
	AlreadyFailed
	LostRace
)

func (o Outcome) String() string {
	switch o {
	case Claimed:
		return "claimed"
	case AlreadyClaimed:
		return "already_claimed"
	case AlreadyDone:
		return "already_done"
	case AlreadyFailed:
		return "already_failed"
	case LostRace:
		return "lost_race"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

type Options struct {
	LockTimeout  time.Duration
	IgnoreErrors bool
	WorkerID     string
	Logger       *slog.Logger
	Now          func() time.Time
}

type Protocol struct {
	backend      storage.Backend
	scheme       Scheme
	lockTimeout  time.Duration
	ignoreErrors bool
	workerID     string
	logger       *slog.Logger
	now          func() time.Time
}

func New(backend storage.Backend, scheme Scheme, opts Options) (*Protocol, error) {
	if backend == nil {
		return nil, errors.New("backend is required")
	}
	if scheme == nil {
		return nil, errors.New("marker scheme is required")
	}
	p := &Protocol{
		backend:      backend,
		scheme:       scheme,
		lockTimeout:  opts.LockTimeout,
		ignoreErrors: opts.IgnoreErrors,
		workerID:     opts.WorkerID,
		logger:       opts.Logger,
		now:          opts.Now,
	}
	if p.lockTimeout <= 0 {
		p.lockTimeout = DefaultLockTimeout
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.now == nil {
		p.now = time.Now
	}
	p.logger = p.logger.With("component", "claim")
	return p, nil
}

func (p *Protocol) Scheme() Scheme { return p.scheme }

// EnsureNamespace creates the coordinator location. It is idempotent.
func (p *Protocol) EnsureNamespace(ctx context.Context) error {
	ns := p.scheme.Namespace()
	if err := p.backend.EnsureDir(ctx, ns); err != nil {
		return fmt.Errorf("ensure coordinator namespace %s: %w", ns, err)
	}
	return nil
}

// Claim is the handle returned for a won lock.
type Claim struct {
	Unit      batch.Unit
	Markers   Markers
	Token     string
	ClaimedAt time.Time
	// RetriedFailure is set when a FAILED marker was ignored for this claim.
	RetriedFailure bool
}

type lockToken struct {
	Worker    string    `json:"worker"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// AttemptClaim tries to move u from UNCLAIMED to LOCKED. Only Claimed
// returns a usable claim; the other outcomes mean skip this unit.
func (p *Protocol) AttemptClaim(ctx context.Context, u batch.Unit) (Claim, Outcome, error) {
	m := p.scheme.Markers(u)
	log := p.logger.With("batch", u.ID)

	locked, err := p.backend.Exists(ctx, m.Lock)
	if err != nil {
		return Claim{}, 0, fmt.Errorf("check lock %s: %w", m.Lock, err)
	}
	if locked {
		stale, err := p.expired(ctx, m.Lock)
		if err != nil {
			return Claim{}, 0, err
		}
		if !stale {
			return Claim{}, AlreadyClaimed, nil
		}
		log.Info("reclaiming expired lock", "lock", m.Lock, "timeout", p.lockTimeout.String())
		if err := storage.IgnoreNotFound(p.backend.Delete(ctx, m.Lock)); err != nil {
			return Claim{}, 0, fmt.Errorf("delete expired lock %s: %w", m.Lock, err)
		}
	}

	done, err := p.backend.Exists(ctx, m.Processed)
	if err != nil {
		return Claim{}, 0, fmt.Errorf("check processed %s: %w", m.Processed, err)
	}
	if done {
		return Claim{}, AlreadyDone, nil
	}

	failed, err := p.backend.Exists(ctx, m.Failed)
	if err != nil {
		return Claim{}, 0, fmt.Errorf("check failed %s: %w", m.Failed, err)
	}
	if failed && !p.ignoreErrors {
		return Claim{}, AlreadyFailed, nil
	}

	now := p.now()
	token, err := json.Marshal(lockToken{Worker: p.workerID, ClaimedAt: now.UTC()})
	if err != nil {
		return Claim{}, 0, err
	}
	if err := p.createLock(ctx, m, token); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			log.Debug("lost race for lock", "lock", m.Lock)
			return Claim{}, LostRace, nil
		}
		return Claim{}, 0, fmt.Errorf("create lock %s: %w", m.Lock, err)
	}
	log.Debug("claimed batch", "lock", m.Lock)
	return Claim{Unit: u, Markers: m, Token: string(token), ClaimedAt: now, RetriedFailure: failed}, Claimed, nil
}

func (p *Protocol) createLock(ctx context.Context, m Markers, token []byte) error {
	if !m.Dir {
		var content []byte
		if m.Owner == m.Lock {
			content = token
		}
		return p.backend.CreateExclusive(ctx, m.Lock, content)
	}
	if err := p.backend.CreateDirExclusive(ctx, m.Lock); err != nil {
		return err
	}
	if m.Owner != "" {
		if err := p.backend.WriteText(ctx, m.Owner, string(token)); err != nil {
			return fmt.Errorf("write owner: %w", err)
		}
	}
	return nil
}

// expired reports whether the lock is older than the timeout. A lock that
// disappears while being inspected counts as expired.
func (p *Protocol) expired(ctx context.Context, lock string) (bool, error) {
	mt, err := p.backend.ModTime(ctx, lock)
	if errors.Is(err, storage.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("lock age %s: %w", lock, err)
	}
	return p.now().Sub(mt) > p.lockTimeout, nil
}

// FinalizeResult describes the terminal transition. Stale is set when the
// lock was gone or taken over by another worker.
type FinalizeResult struct {
	State   State
	Payload string
	Stale   bool
}

// Finalize records the outcome of a claimed unit: PROCESSED when procErr is
// nil, FAILED with the formatted payload otherwise. The lock is released in
// both cases.
func (p *Protocol) Finalize(ctx context.Context, c Claim, procErr error) (FinalizeResult, error) {
	log := p.logger.With("batch", c.Unit.ID)
	var (
		res FinalizeResult
		err error
	)
	if procErr == nil {
		res.State = StateProcessed
		res.Stale, err = p.succeed(ctx, c)
	} else {
		res.State = StateFailed
		res.Payload = FormatError(c.Unit.ID, procErr)
		res.Stale, err = p.fail(ctx, c, res.Payload)
	}
	if err != nil {
		return res, err
	}
	if res.Stale {
		log.Warn("lock was removed by another worker; consider increasing lock_timeout to avoid repeated processing",
			"lock", c.Markers.Lock, "lock_timeout", p.lockTimeout.String(), "error", ErrStaleLock)
	}
	return res, nil
}

func (p *Protocol) renamer(m Markers) (storage.Renamer, bool) {
	if !m.Carry {
		return nil, false
	}
	r, ok := p.backend.(storage.Renamer)
	return r, ok
}

func (p *Protocol) succeed(ctx context.Context, c Claim) (bool, error) {
	m := c.Markers
	var stale bool
	if r, ok := p.renamer(m); ok {
		moved, lost, err := p.move(ctx, r, c, m.Processed)
		if err != nil {
			return false, err
		}
		stale = lost
		if !moved {
			if err := p.createTerminal(ctx, m, m.Processed); err != nil {
				return false, err
			}
		}
	} else {
		if err := p.createTerminal(ctx, m, m.Processed); err != nil {
			return false, err
		}
		var err error
		if stale, err = p.releaseLock(ctx, c); err != nil {
			return false, err
		}
	}
	if c.RetriedFailure {
		if err := storage.IgnoreNotFound(p.backend.Delete(ctx, m.Failed)); err != nil {
			return stale, fmt.Errorf("delete old failure %s: %w", m.Failed, err)
		}
	}
	return stale, nil
}

func (p *Protocol) fail(ctx context.Context, c Claim, payload string) (bool, error) {
	m := c.Markers
	var stale bool
	if r, ok := p.renamer(m); ok {
		if err := storage.IgnoreNotFound(p.backend.Delete(ctx, m.Failed)); err != nil {
			return false, fmt.Errorf("delete old failure %s: %w", m.Failed, err)
		}
		var err error
		if _, stale, err = p.move(ctx, r, c, m.Failed); err != nil {
			return false, err
		}
	}
	if m.Dir {
		if err := p.createTerminal(ctx, m, m.Failed); err != nil {
			return false, err
		}
	}
	if err := p.backend.WriteText(ctx, m.ErrorFile, payload); err != nil {
		return false, fmt.Errorf("write failure %s: %w", m.ErrorFile, err)
	}
	if _, ok := p.renamer(m); !ok {
		var err error
		if stale, err = p.releaseLock(ctx, c); err != nil {
			return false, err
		}
	}
	return stale, nil
}

// move renames the lock onto a terminal marker when this claim still owns
// it. A lock owned by someone else is left in place and reported stale. When
// the target already exists the lock is released instead of carried.
func (p *Protocol) move(ctx context.Context, r storage.Renamer, c Claim, to string) (moved, stale bool, err error) {
	m := c.Markers
	owned, err := p.ownsLock(ctx, c)
	if err != nil {
		return false, false, err
	}
	if !owned {
		return false, true, nil
	}
	taken, err := p.backend.Exists(ctx, to)
	if err != nil {
		return false, false, fmt.Errorf("check %s: %w", to, err)
	}
	if taken {
		lost, releaseErr := p.releaseLock(ctx, c)
		return false, lost, releaseErr
	}

	err = r.Rename(ctx, m.Lock, to)
	if errors.Is(err, storage.ErrNotFound) {
		return false, true, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("rename %s to %s: %w", m.Lock, to, err)
	}
	if m.Owner != "" && m.Dir {
		owner := storage.Join(to, ownerFileName)
		if err := storage.IgnoreNotFound(p.backend.Delete(ctx, owner)); err != nil {
			return true, false, fmt.Errorf("delete owner %s: %w", owner, err)
		}
	}
	return true, false, nil
}

func (p *Protocol) createTerminal(ctx context.Context, m Markers, target string) error {
	var err error
	if m.Dir {
		err = p.backend.CreateDirExclusive(ctx, target)
	} else {
		err = p.backend.CreateExclusive(ctx, target, nil)
	}
	if err != nil && !errors.Is(err, storage.ErrAlreadyExists) {
		return fmt.Errorf("create %s: %w", target, err)
	}
	return nil
}

// ownsLock reports whether the lock still carries this claim's token.
// Schemes without an owner record always own their lock.
func (p *Protocol) ownsLock(ctx context.Context, c Claim) (bool, error) {
	m := c.Markers
	if m.Owner == "" {
		return true, nil
	}
	content, err := p.backend.ReadText(ctx, m.Owner)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read lock owner %s: %w", m.Owner, err)
	}
	return content == c.Token, nil
}

// releaseLock deletes the lock if this claim still owns it and reports
// whether it was stale.
func (p *Protocol) releaseLock(ctx context.Context, c Claim) (bool, error) {
	m := c.Markers
	owned, err := p.ownsLock(ctx, c)
	if err != nil {
		return false, err
	}
	if !owned {
		return true, nil
	}
	err = p.backend.Delete(ctx, m.Lock)
	if errors.Is(err, storage.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("delete lock %s: %w", m.Lock, err)
	}
	return false, nil
}

// Release drops a claim without recording an outcome, leaving the unit
// claimable again.
func (p *Protocol) Release(ctx context.Context, c Claim) error {
	stale, err := p.releaseLock(ctx, c)
	if err != nil {
		return err
	}
	if stale {
		p.logger.Warn("lock already gone on release", "batch", c.Unit.ID, "lock", c.Markers.Lock)
	}
	return nil
}
