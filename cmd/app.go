package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/simreg/regq/internal/config"
	"github.com/simreg/regq/internal/infrastructure/memory"
	"github.com/simreg/regq/internal/infrastructure/postgres"
	"github.com/simreg/regq/internal/infrastructure/sqlite"
	"github.com/simreg/regq/internal/log"
	"github.com/simreg/regq/internal/metrics"
	"github.com/simreg/regq/internal/queue"
	"github.com/simreg/regq/internal/registrations/domain"
	"github.com/simreg/regq/internal/tracing"
)

// application holds the wired components shared by the commands.
type application struct {
	cfg      config.Config
	store    io.Closer
	feed     *queue.Feed
	svc      *queue.Service
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	tracing  *tracing.Provider
}

// openApp validates the loaded config and opens the record store.
func openApp(ctx context.Context) (*application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	repo, store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	tp, err := tracing.NewProvider(tracing.FromConfig(cfg.Tracing, version))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("creating tracer: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	feed := queue.NewFeed()
	svc := queue.NewService(repo, feed, queue.ServiceConfigFrom(cfg.Cache),
		queue.WithMetrics(m), queue.WithTracer(tp.Tracer()))

	return &application{
		cfg:      cfg,
		store:    store,
		feed:     feed,
		svc:      svc,
		registry: reg,
		metrics:  m,
		tracing:  tp,
	}, nil
}

// queueOptions are passed to every queue component.
func (a *application) queueOptions() []queue.Option {
	return []queue.Option{
		queue.WithMetrics(a.metrics),
		queue.WithTracer(a.tracing.Tracer()),
		queue.WithFeed(a.feed),
		queue.WithDispatchInterval(a.cfg.Queue.DispatchInterval),
	}
}

// traceFlushTimeout bounds how long Close waits on the span exporter.
const traceFlushTimeout = 5 * time.Second

// Close flushes traces and closes the store.
func (a *application) Close() {
	if err := a.tracing.Shutdown(context.Background(), traceFlushTimeout); err != nil {
		log.ErrorErr(log.CatTracing, "Failed to flush traces", err)
	}
	a.feed.Close()
	if err := a.store.Close(); err != nil {
		log.ErrorErr(log.CatDB, "Failed to close record store", err)
	}
}

// openStore opens the repository selected by store.driver.
func openStore(ctx context.Context, sc config.StoreConfig) (domain.RecordRepository, io.Closer, error) {
	switch sc.Driver {
	case "", "sqlite":
		db, err := sqlite.NewDB(sc.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("opening database %s: %w", sc.Path, err)
		}
		return db.RecordRepository(), db, nil
	case "postgres":
		db, err := postgres.NewDB(ctx, sc.DSN, postgres.Options{MaxConns: sc.MaxConns})
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		return db.RecordRepository(), db, nil
	case "memory":
		repo := memory.NewRecordRepository()
		return repo, repo, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", sc.Driver)
	}
}
