package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/dabom10/Nong-View/internal/cache/featurestore"
	"github.com/dabom10/Nong-View/internal/cache/redisstore"
	"github.com/dabom10/Nong-View/internal/core/config"
	"github.com/dabom10/Nong-View/internal/core/health"
	"github.com/dabom10/Nong-View/internal/core/observability"
	"github.com/dabom10/Nong-View/internal/cropping"
	"github.com/dabom10/Nong-View/internal/crs"
	"github.com/dabom10/Nong-View/internal/export"
	"github.com/dabom10/Nong-View/internal/features"
	"github.com/dabom10/Nong-View/internal/jobevents"
	"github.com/dabom10/Nong-View/internal/jobs"
	h3mapper "github.com/dabom10/Nong-View/internal/mapper/h3"
	"github.com/dabom10/Nong-View/internal/metrics"
	"github.com/dabom10/Nong-View/internal/raster/geotiff"
	"github.com/dabom10/Nong-View/internal/service"
)

// app holds the wired components of one process.
type app struct {
	svc     *service.Service
	manager *jobs.Manager
	checks  map[string]health.Check
	scrape  http.Handler
	obs     *observability.Metrics
	closers []func() error
}

func build(ctx context.Context, cfg config.Config, log *slog.Logger) (*app, error) {
	a := &app{checks: map[string]health.Check{}}

	p := metrics.New(metrics.BuildInfo{
		Version:   Version,
		Revision:  os.Getenv("BUILD_REVISION"),
		Branch:    os.Getenv("BUILD_BRANCH"),
		BuildDate: os.Getenv("BUILD_DATE"),
	})
	p.SetCapacity("jobs", cfg.JobMaxWorkers)
	p.SetCapacity("crop", cfg.CropWorkers)
	m := observability.NewMetrics(p.Registerer())
	a.scrape, a.obs = p.Handler(), m

	var (
		cli  *redisstore.Client
		repo jobs.Repository
		err  error
	)
	if cfg.RedisAddr != "" {
		cli, err = redisstore.New(ctx, cfg.RedisAddr,
			redisstore.WithPassword(cfg.RedisPassword),
			redisstore.WithDB(cfg.RedisDB))
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		a.closers = append(a.closers, cli.Close)
		a.checks["redis"] = cli.Ping
	}
	if cfg.JobStore == "redis" {
		repo = jobs.NewRedisRepository(cli, cfg.JobTTL)
	}

	var store features.Store = features.Dir{Root: cfg.AnalysisRoot}
	if cli != nil && cfg.LayerCacheEnabled() {
		store = featurestore.NewCachedStore(cli, store, cfg.LayerCacheTTL,
			featurestore.WithMetrics(m), featurestore.WithLogger(log))
	}

	var sink jobevents.Sink = jobevents.Nop{}
	if cfg.Events.Enabled {
		pub, err := jobevents.NewPublisher(jobevents.Config{
			Brokers: cfg.Events.BrokerList(),
			Topic:   cfg.Events.Topic,
			Queue:   cfg.Events.Queue,
		}, log)
		if err != nil {
			a.close(log)
			return nil, fmt.Errorf("job events: %w", err)
		}
		a.closers = append(a.closers, pub.Close)
		sink = pub
	}

	a.manager = jobs.NewManager(log, repo,
		jobs.WithMaxWorkers(cfg.JobMaxWorkers),
		jobs.WithEvents(sink),
		jobs.WithMetrics(m))

	tr := crs.NewTransformer(cfg.CRSCacheSize)
	cells := h3mapper.New()
	engine := cropping.New(log, geotiff.Opener{}, geotiff.Writer{}, tr,
		cropping.WithWorkers(cfg.CropWorkers),
		cropping.WithCells(cells, cfg.H3Res),
		cropping.WithMetrics(m))
	exporter := export.New(log, store, tr, filepath.Join(cfg.OutputDir, "exports"),
		export.WithCells(cells, cfg.H3Res),
		export.WithMetrics(m))

	a.svc = service.New(log, a.manager, engine, exporter,
		service.DirResolver{Root: cfg.RasterRoot}, tr, filepath.Join(cfg.OutputDir, "crops"))

	a.checks["output_dir"] = writableDir(cfg.OutputDir)
	a.checks["raster_root"] = readableDir(cfg.RasterRoot)
	return a, nil
}

// close stops the manager before the stores it writes to.
func (a *app) close(log *slog.Logger) {
	if a.manager != nil {
		if err := a.manager.Close(context.Background()); err != nil {
			log.Warn("job manager close", "err", err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Warn("close", "err", err)
		}
	}
}

func writableDir(dir string) health.Check {
	return func(context.Context) error {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		f, err := os.CreateTemp(dir, ".ready-*")
		if err != nil {
			return err
		}
		name := f.Name()
		return errors.Join(f.Close(), os.Remove(name))
	}
}

func readableDir(dir string) health.Check {
	return func(context.Context) error {
		st, err := os.Stat(dir)
		if err != nil {
			return err
		}
		if !st.IsDir() {
			return fmt.Errorf("%s is not a directory", dir)
		}
		return nil
	}
}
