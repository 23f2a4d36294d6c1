package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/animus-labs/animus-grid/internal/claim"
	"github.com/animus-labs/animus-grid/internal/config"
	"github.com/animus-labs/animus-grid/internal/runtimeexec"
)

const (
	exitOK     = 0
	exitFailed = 1
	exitConfig = 2
)

var errUsage = errors.New("usage")

type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() []error {
	return []error{e.err, errUsage}
}

type app struct {
	stdout     io.Writer
	stderr     io.Writer
	loadConfig func() (config.Config, error)
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{stdout: stdout, stderr: stderr, loadConfig: config.FromEnv}
}

func execute(ctx context.Context, args []string, a *app) int {
	root := a.rootCommand()
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	code := exitCode(err)
	if err != nil {
		newLogger(a.stderr, "info").Error("gridworker failed", "error", err, "exit_code", code)
	}
	return code
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case config.IsConfigurationError(err),
		errors.Is(err, errUsage),
		errors.Is(err, runtimeexec.ErrCommandRequired):
		return exitConfig
	default:
		return exitFailed
	}
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "gridworker",
		Short: "Claim and process batches shared through file markers",
		Long: `gridworker enumerates batches from a manifest, a file pattern or a
directory, claims each one with a lock marker in a shared location and runs
the configured process on it. Any number of workers can run side by side;
each batch is processed by at most one of them at a time.

Settings come from the environment (see GRID_* and gw_* keys), optionally
overlaid by the YAML file named in GRID_CONFIG_FILE.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err: err}
	})

	root.AddCommand(a.runCommand(), a.statusCommand(), a.resetErrorsCommand())
	return root
}

func (a *app) runCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run [-- command args...]",
		Short: "Process every unclaimed batch once",
		Long: `Process every unclaimed batch once.

Without GRID_IMAGE the arguments are the command to run per batch. With
GRID_IMAGE set they are passed to the container instead. Failed batches get
an error marker and do not change the exit status.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer w.close()

			processor, err := w.processor(args)
			if err != nil {
				return err
			}
			report, err := w.run(cmd.Context(), processor)
			if err != nil {
				return err
			}
			w.logger.Info("run complete",
				"claimed", report.Claimed(),
				"has_errors", report.HasErrors(),
			)
			return nil
		},
	}
}

func (a *app) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Count batch markers without claiming anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer w.close()

			units, err := w.units(cmd.Context())
			if err != nil {
				return err
			}
			summary, err := w.protocol.Tally(cmd.Context(), units)
			if err != nil {
				return fmt.Errorf("count markers: %w", err)
			}
			return writeSummary(cmd.OutOrStdout(), summary)
		},
	}
}

func (a *app) resetErrorsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-errors",
		Short: "Delete error markers so the next run retries those batches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer w.close()

			units, err := w.units(cmd.Context())
			if err != nil {
				return err
			}
			n, err := w.protocol.ResetErrors(cmd.Context(), units)
			if err != nil {
				return err
			}
			w.logger.Info("error markers removed", "count", n)
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d error markers\n", n)
			return nil
		},
	}
}

type summaryView struct {
	Processed int           `json:"processed"`
	Locked    int           `json:"locked"`
	Errors    int           `json:"errors"`
	Total     int           `json:"total"`
	Failures  []failureView `json:"failures,omitempty"`
}

type failureView struct {
	Batch   string `json:"batch"`
	Marker  string `json:"marker"`
	Payload string `json:"payload,omitempty"`
}

func writeSummary(w io.Writer, s claim.Summary) error {
	view := summaryView{Processed: s.Processed, Locked: s.Locked, Errors: s.Failed, Total: s.Total}
	for _, f := range s.Failures {
		view.Failures = append(view.Failures, failureView{Batch: f.Batch, Marker: f.Path, Payload: f.Payload})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(view)
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}
