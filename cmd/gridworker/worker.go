package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/animus-labs/animus-grid/internal/backend"
	"github.com/animus-labs/animus-grid/internal/batch"
	"github.com/animus-labs/animus-grid/internal/claim"
	"github.com/animus-labs/animus-grid/internal/config"
	"github.com/animus-labs/animus-grid/internal/driver"
	"github.com/animus-labs/animus-grid/internal/platform/httpserver"
	"github.com/animus-labs/animus-grid/internal/platform/observability"
	"github.com/animus-labs/animus-grid/internal/platform/workerid"
	"github.com/animus-labs/animus-grid/internal/runtimeexec"
	"github.com/animus-labs/animus-grid/internal/staging"
)

const serviceName = "gridworker"

// worker is everything one command invocation needs, opened from Config.
type worker struct {
	cfg      config.Config
	logger   *slog.Logger
	stores   *backend.Set
	protocol *claim.Protocol
	source   batch.Source
	metrics  *observability.Metrics

	stopServer context.CancelFunc
	serverDone chan struct{}
	app        *app
}

func (a *app) open(ctx context.Context) (*worker, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := newLogger(a.stderr, cfg.LogLevel)

	id := cfg.WorkerID
	if id == "" {
		id = workerid.New()
	}
	logger = logger.With("worker", id)

	scheme, err := cfg.Scheme()
	if err != nil {
		return nil, err
	}
	source, err := cfg.BatchSource(scheme.IsMarker)
	if err != nil {
		return nil, err
	}

	stores, err := backend.Open(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	protocol, err := claim.New(stores.Markers, scheme, claim.Options{
		LockTimeout:  cfg.LockTimeout,
		IgnoreErrors: cfg.IgnoreErrors,
		WorkerID:     id,
		Logger:       logger,
	})
	if err != nil {
		_ = stores.Close()
		return nil, err
	}

	w := &worker{
		cfg:      cfg,
		logger:   logger,
		stores:   stores,
		protocol: protocol,
		source:   source,
		app:      a,
	}
	if cfg.MetricsAddr != "" {
		if err := w.serveMetrics(ctx); err != nil {
			w.close()
			return nil, err
		}
	}
	return w, nil
}

func (w *worker) serveMetrics(ctx context.Context) error {
	metrics, handler, err := observability.NewMetrics(ctx)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	w.metrics = metrics

	srvCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.stopServer = cancel
	w.serverDone = make(chan struct{})
	h := httpserver.NewHandler(w.logger, serviceName, handler, httpserver.ReadinessCheck{
		Name:  "markers",
		Check: w.stores.Ping,
	})
	go func() {
		defer close(w.serverDone)
		err := httpserver.Run(srvCtx, w.logger, httpserver.Config{
			Service: serviceName,
			Addr:    w.cfg.MetricsAddr,
		}, h)
		if err != nil {
			w.logger.Error("metrics server stopped", "error", err)
		}
	}()
	return nil
}

func (w *worker) close() {
	if w.stopServer != nil {
		w.stopServer()
		<-w.serverDone
	}
	if w.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := w.metrics.Shutdown(ctx); err != nil {
			w.logger.Warn("metrics shutdown", "error", err)
		}
		cancel()
	}
	if err := w.stores.Close(); err != nil {
		w.logger.Warn("close storage", "error", err)
	}
}

func (w *worker) backends() batch.Backends {
	return batch.Backends{Manifests: w.stores.Manifests, Data: w.stores.Data}
}

// units lists the batch set without claiming anything.
func (w *worker) units(ctx context.Context) ([]batch.Unit, error) {
	set, err := batch.Enumerate(ctx, w.backends(), w.source)
	if err != nil {
		return nil, err
	}
	return set.Units, nil
}

func (w *worker) processor(args []string) (driver.Processor, error) {
	if w.cfg.Docker.Image != "" {
		return runtimeexec.NewDockerProcessor(w.cfg.Docker.Image, args, runtimeexec.DockerOptions{
			DockerBin: w.cfg.Docker.Binary,
			Resources: runtimeexec.Resources{
				CPUs:   w.cfg.Docker.CPUs,
				Memory: w.cfg.Docker.Memory,
				GPUs:   w.cfg.Docker.GPUs,
			},
			Stdout: w.app.stdout,
			Stderr: w.app.stderr,
		})
	}
	return runtimeexec.NewCommandProcessor(args, runtimeexec.CommandOptions{
		Stdout: w.app.stdout,
		Stderr: w.app.stderr,
	})
}

func (w *worker) run(ctx context.Context, processor driver.Processor) (driver.Report, error) {
	opts := driver.Options{
		Source:     w.source,
		Backends:   w.backends(),
		Protocol:   w.protocol,
		Processor:  processor,
		Params:     w.cfg.Params,
		MaxStagger: w.cfg.MaxStagger,
		Logger:     w.logger,
	}
	if w.metrics != nil {
		opts.Metrics = w.metrics
	}
	if w.cfg.Staging.Enabled {
		stager, err := staging.New(w.stores.Transfer(), w.cfg.StagingConfig(), w.logger)
		if err != nil {
			return driver.Report{}, err
		}
		opts.Stager = stager
	}

	d, err := driver.New(opts)
	if err != nil {
		return driver.Report{}, err
	}
	return d.Run(ctx)
}
