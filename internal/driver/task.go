package driver

import (
	"context"
	"errors"

	"github.com/animus-labs/animus-grid/internal/batch"
	"github.com/animus-labs/animus-grid/internal/claim"
)

// Task is what the processing step sees for one claimed unit.
type Task struct {
	Unit   batch.Unit
	Params map[string]string
	// InputDir and OutputDir are set when remote staging is enabled.
	InputDir  string
	OutputDir string
	// LockPath is the held lock marker. File and folder marker styles turn
	// its content into the terminal marker.
	LockPath string
}

// Processor runs the user workload for one unit and returns the output paths
// it declares, if any.
type Processor interface {
	Process(ctx context.Context, task Task) ([]string, error)
}

type ProcessFunc func(ctx context.Context, task Task) ([]string, error)

func (f ProcessFunc) Process(ctx context.Context, task Task) ([]string, error) {
	return f(ctx, task)
}

// ProcessingError is a per-batch failure of the processing step.
type ProcessingError struct {
	Batch     string
	ErrorKind string
	Message   string
	Err       error
}

func (e *ProcessingError) Error() string { return e.Message }
func (e *ProcessingError) Kind() string  { return e.ErrorKind }
func (e *ProcessingError) Unwrap() error { return e.Err }

// AsProcessingError classifies err for batch id.
func AsProcessingError(id string, err error) *ProcessingError {
	if err == nil {
		return nil
	}
	var pe *ProcessingError
	if errors.As(err, &pe) {
		out := *pe
		if out.Batch == "" {
			out.Batch = id
		}
		if out.ErrorKind == "" {
			out.ErrorKind = "Error"
		}
		return &out
	}
	return &ProcessingError{Batch: id, ErrorKind: claim.ErrorKind(err), Message: err.Error(), Err: err}
}

// Result is the explicit per-unit outcome of a run.
type Result struct {
	Unit    batch.Unit
	Outcome claim.Outcome
	Outputs []string
	Err     *ProcessingError
	Stale   bool
}

func (r Result) Status() string {
	switch {
	case r.Outcome != claim.Claimed:
		return "skipped"
	case r.Err != nil:
		return "failed"
	default:
		return "processed"
	}
}

type Report struct {
	Results []Result
	Summary claim.Summary
}

// Claimed counts units this worker processed in the run.
func (r Report) Claimed() int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == claim.Claimed {
			n++
		}
	}
	return n
}

// HasErrors reports whether FAILED markers exist across the batch set.
func (r Report) HasErrors() bool {
	return r.Summary.Failed > 0
}
