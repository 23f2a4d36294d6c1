// Package driver runs one worker's pass over a batch set: stagger, enumerate,
// claim each unit, process it, record the outcome, and report a recount.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/animus-labs/animus-grid/internal/batch"
	"github.com/animus-labs/animus-grid/internal/claim"
	"github.com/animus-labs/animus-grid/internal/staging"
	"github.com/animus-labs/animus-grid/internal/storage"
)

const DefaultMaxStagger = 60 * time.Second

// Stager prepares and publishes local workspaces around the processing step.
type Stager interface {
	Prepare(ctx context.Context, u batch.Unit, files []string) (staging.Workspace, error)
	Publish(ctx context.Context, u batch.Unit, ws staging.Workspace, declared []string) error
	Cleanup(ws staging.Workspace) error
}

// Recorder receives run metrics.
type Recorder interface {
	RecordClaim(ctx context.Context, outcome claim.Outcome)
	RecordBatch(ctx context.Context, status string, elapsed time.Duration)
}

type Options struct {
	Source    batch.Source
	Backends  batch.Backends
	Protocol  *claim.Protocol
	Processor Processor
	Params    map[string]string

	MaxStagger time.Duration
	Sleep      func(ctx context.Context, d time.Duration) error
	Rand       *rand.Rand

	Stager  Stager
	Metrics Recorder
	Logger  *slog.Logger
	Now     func() time.Time
}

type Driver struct {
	opts   Options
	logger *slog.Logger
}

func New(opts Options) (*Driver, error) {
	if opts.Protocol == nil {
		return nil, errors.New("claim protocol is required")
	}
	if opts.Processor == nil {
		return nil, errors.New("processor is required")
	}
	if opts.Sleep == nil {
		opts.Sleep = sleep
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Metrics == nil {
		opts.Metrics = nopRecorder{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{opts: opts, logger: logger.With("component", "driver")}, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (d *Driver) intn(n int) int {
	if d.opts.Rand != nil {
		return d.opts.Rand.IntN(n)
	}
	return rand.IntN(n)
}

func (d *Driver) jitter() time.Duration {
	limit := d.opts.MaxStagger
	if limit <= 0 {
		return 0
	}
	if d.opts.Rand != nil {
		return time.Duration(d.opts.Rand.Int64N(int64(limit) + 1))
	}
	return time.Duration(rand.Int64N(int64(limit) + 1))
}

// Run executes one pass. Configuration and infrastructure errors abort the
// run; processing failures are recorded per unit and never do.
func (d *Driver) Run(ctx context.Context) (Report, error) {
	wait := d.jitter()
	d.logger.Info("staggering start", "wait", wait.String())
	if err := d.opts.Sleep(ctx, wait); err != nil {
		return Report{}, err
	}

	if err := d.opts.Protocol.EnsureNamespace(ctx); err != nil {
		return Report{}, err
	}

	var (
		report Report
		units  []batch.Unit
		err    error
	)
	if d.scanMode() {
		units, report.Results, err = d.runScan(ctx)
	} else {
		units, report.Results, err = d.runSet(ctx)
	}
	if err != nil {
		return report, err
	}

	report.Summary, err = d.opts.Protocol.Tally(ctx, units)
	if err != nil {
		return report, fmt.Errorf("recount markers: %w", err)
	}
	d.logSummary(report.Summary)
	return report, nil
}

func (d *Driver) scanMode() bool {
	src := d.opts.Source
	return src.Manifest == "" && len(src.Patterns) == 0 && src.ScanDir != ""
}

func (d *Driver) runSet(ctx context.Context) ([]batch.Unit, []Result, error) {
	set, err := batch.Enumerate(ctx, d.opts.Backends, d.opts.Source)
	if err != nil {
		return nil, nil, err
	}
	d.logger.Info("identified batches", "count", len(set.Units))

	order := batch.Shuffle(set.Units, d.opts.Rand)
	results := make([]Result, 0, len(order))
	for _, u := range order {
		if err := ctx.Err(); err != nil {
			return set.Units, results, err
		}
		res, err := d.handle(ctx, u, batch.FilesFor(set.Files, u.ID))
		if err != nil {
			return set.Units, results, err
		}
		results = append(results, res)
	}
	return set.Units, results, nil
}

// runScan rescans the source directory after every unit so entries added
// during the run are picked up, choosing a random untried entry each time.
func (d *Driver) runScan(ctx context.Context) ([]batch.Unit, []Result, error) {
	tried := map[string]batch.Unit{}
	var (
		all     []batch.Unit
		results []Result
	)
	for {
		if err := ctx.Err(); err != nil {
			return all, results, err
		}
		set, err := batch.Enumerate(ctx, d.opts.Backends, d.opts.Source)
		if err != nil {
			return all, results, err
		}
		var candidates []batch.Unit
		for _, u := range set.Units {
			if _, ok := tried[u.ID]; !ok {
				candidates = append(candidates, u)
			}
		}
		if len(candidates) == 0 {
			return all, results, nil
		}
		u := candidates[d.intn(len(candidates))]
		tried[u.ID] = u
		all = append(all, u)

		var files []string
		if !u.IsDir && u.Path != "" {
			files = []string{u.Path}
		}
		res, err := d.handle(ctx, u, files)
		if err != nil {
			return all, results, err
		}
		results = append(results, res)
	}
}

func (d *Driver) handle(ctx context.Context, u batch.Unit, files []string) (Result, error) {
	c, outcome, err := d.opts.Protocol.AttemptClaim(ctx, u)
	if err != nil {
		return Result{}, fmt.Errorf("claim %s: %w", u.ID, err)
	}
	d.opts.Metrics.RecordClaim(ctx, outcome)
	res := Result{Unit: u, Outcome: outcome}
	if outcome != claim.Claimed {
		d.logger.Debug("skipping batch", "batch", u.ID, "outcome", outcome.String())
		return res, nil
	}

	log := d.logger.With("batch", u.ID)
	log.Info("processing batch")
	start := d.opts.Now()
	outputs, procErr := d.process(ctx, c, files)
	var ab *abortError
	if errors.As(procErr, &ab) {
		if relErr := d.opts.Protocol.Release(context.WithoutCancel(ctx), c); relErr != nil {
			log.Error("release lock", "error", relErr)
		}
		return res, ab.err
	}
	res.Outputs = outputs
	res.Err = AsProcessingError(u.ID, procErr)

	var finErr error
	if res.Err != nil {
		finErr = res.Err
	}
	fin, err := d.opts.Protocol.Finalize(ctx, c, finErr)
	if err != nil {
		return res, fmt.Errorf("finalize %s: %w", u.ID, err)
	}
	res.Stale = fin.Stale
	d.opts.Metrics.RecordBatch(ctx, res.Status(), d.opts.Now().Sub(start))
	if res.Err != nil {
		log.Error("batch failed; continuing", "error", fin.Payload)
	} else {
		log.Info("finished batch", "outputs", len(outputs))
	}
	return res, nil
}

// abortError stops the whole run instead of failing one batch.
type abortError struct {
	err error
}

func (e *abortError) Error() string { return e.err.Error() }
func (e *abortError) Unwrap() error { return e.err }

// batchErr keeps err as a batch failure unless the run is being cancelled.
func batchErr(ctx context.Context, err error) error {
	if err != nil && ctx.Err() != nil {
		return &abortError{err: ctx.Err()}
	}
	return err
}

// process runs the processor, wrapped in staging when configured. Errors are
// batch failures unless they are an *abortError.
func (d *Driver) process(ctx context.Context, c claim.Claim, files []string) ([]string, error) {
	task := Task{Unit: c.Unit, Params: d.opts.Params, LockPath: c.Markers.Lock}
	if d.opts.Stager == nil {
		outputs, err := d.opts.Processor.Process(ctx, task)
		return outputs, batchErr(ctx, err)
	}

	ws, err := d.opts.Stager.Prepare(ctx, c.Unit, files)
	if errors.Is(err, storage.ErrAlreadyExists) {
		return nil, &abortError{err: err}
	}
	defer func() {
		if err := d.opts.Stager.Cleanup(ws); err != nil {
			d.logger.Warn("remove local workspace", "batch", c.Unit.ID, "error", err)
		}
	}()
	if err != nil {
		return nil, batchErr(ctx, err)
	}

	task.InputDir, task.OutputDir = ws.InputDir, ws.OutputDir
	outputs, err := d.opts.Processor.Process(ctx, task)
	if err != nil {
		return outputs, batchErr(ctx, err)
	}
	if err := d.opts.Stager.Publish(ctx, c.Unit, ws, outputs); err != nil {
		return outputs, batchErr(ctx, err)
	}
	return outputs, nil
}

func (d *Driver) logSummary(s claim.Summary) {
	d.logger.Info("finished current process",
		"processed", s.Processed,
		"locked", s.Locked,
		"errors", s.Failed,
		"total", s.Total,
	)
	if s.Failed == 0 {
		return
	}
	for _, f := range s.Failures {
		d.logger.Error("batch has error marker", "batch", f.Batch, "marker", f.Path, "error", f.Payload)
	}
	d.logger.Warn("found error markers; rerun with ignore_error_files=true after fixing the cause",
		"errors", s.Failed)
}

type nopRecorder struct{}

func (nopRecorder) RecordClaim(context.Context, claim.Outcome)         {}
func (nopRecorder) RecordBatch(context.Context, string, time.Duration) {}
