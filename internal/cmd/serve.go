package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/freqops/freqops/internal/config"
	"github.com/freqops/freqops/internal/observability"
	"github.com/freqops/freqops/internal/server"
	"github.com/freqops/freqops/internal/server/handlers"
	"github.com/freqops/freqops/pkg/archive"
	"github.com/freqops/freqops/pkg/backend"
	"github.com/freqops/freqops/pkg/bots"
	"github.com/freqops/freqops/pkg/dispatch"
	"github.com/freqops/freqops/pkg/emergency"
	"github.com/freqops/freqops/pkg/eventbus"
	"github.com/freqops/freqops/pkg/gate"
	"github.com/freqops/freqops/pkg/strategy"
	"github.com/freqops/freqops/pkg/task"
)

const sweepInterval = time.Minute

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the management API and the task orchestrator",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	if err := observability.Init(cfg.Logging.Level, cfg.Logging.Profile); err != nil {
		return err
	}
	defer observability.Sync()
	log := observability.ServerLogger

	health := handlers.NewHealthManager(versionInfo.Version)

	// Task store.
	var (
		store task.Store
		sweep func(context.Context) int
	)
	switch cfg.Orchestrator.Store {
	case config.StorePostgres:
		pg, err := task.OpenPostgresStore(ctx, cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		store = pg
		sweep = func(ctx context.Context) int {
			n, err := pg.Sweep(ctx, cfg.Orchestrator.Retention)
			if err != nil {
				log.Warn("retention sweep", zap.Error(err))
			}
			return n
		}
		health.RegisterChecker("postgres", handlers.CheckerFunc(func(ctx context.Context) error {
			_, err := pg.List(ctx, task.Filter{Status: task.StatusRunning})
			return err
		}))
	default:
		mem := task.NewMemoryStore()
		store = mem
		sweep = func(context.Context) int { return mem.Sweep(cfg.Orchestrator.Retention) }
	}

	catalog, err := strategy.New(cfg.Strategies.Dir, cfg.Strategies.Patterns, log.Named("strategy"))
	if err != nil {
		return err
	}

	registry := bots.NewRegistry()
	if cfg.Fleet.Manifest != "" {
		manifest, err := bots.LoadManifest(cfg.Fleet.Manifest)
		if err != nil {
			return err
		}
		manifest.Seed(registry)
		log.Info("fleet manifest loaded",
			zap.String("path", cfg.Fleet.Manifest),
			zap.Int("bots", len(manifest.Bots)))
	}

	g := gate.New(cfg.Orchestrator.MaxConcurrentTasks)

	// Execution path: either run freqtrade locally or bridge commands to
	// detached workers over the stream.
	var (
		execBackend dispatch.Backend
		pub         *eventbus.Publisher
	)
	if cfg.Orchestrator.Execution == config.ExecutionStream {
		bus, err := eventbus.New(ctx, eventbus.Config{
			Addr:           cfg.Redis.Addr,
			Password:       cfg.Redis.Password,
			DB:             cfg.Redis.DB,
			MaxLen:         cfg.Redis.MaxLen,
			PublishRate:    cfg.Redis.PublishRate,
			PublishRetries: cfg.Redis.PublishRetries,
		}, log.Named("eventbus"))
		if err != nil {
			return err
		}
		defer func() { _ = bus.Close() }()
		health.RegisterChecker("redis", handlers.CheckerFunc(bus.Ping))

		pub = eventbus.NewPublisher(bus, "management")
		router := backend.NewResultRouter()
		execBackend = backend.NewStream(pub, router, log.Named("backend"))

		listener := backend.NewResultListener(bus, router, "management",
			"mgmt-"+uuid.New().String()[:8], log.Named("results"))
		go func() {
			if err := listener.Run(ctx); err != nil {
				log.Error("result listener stopped", zap.Error(err))
			}
		}()
	} else {
		execBackend = &backend.Freqtrade{
			Binary:      cfg.Freqtrade.Binary,
			UserDataDir: cfg.Freqtrade.UserDataDir,
			TempDir:     cfg.Freqtrade.TempDir,
			Logger:      log.Named("freqtrade"),
		}
	}

	var onTerminal func(task.Task)
	if cfg.Archive.Enabled {
		arch, err := archive.New(ctx, archive.Config{
			Bucket:          cfg.Archive.Bucket,
			Region:          cfg.Archive.Region,
			Endpoint:        cfg.Archive.Endpoint,
			Prefix:          cfg.Archive.Prefix,
			AccessKeyID:     cfg.Archive.AccessKeyID,
			SecretAccessKey: cfg.Archive.SecretAccessKey,
			ForcePathStyle:  cfg.Archive.PathStyle,
		}, log.Named("archive"))
		if err != nil {
			return err
		}
		onTerminal = arch.OnTerminal
	}

	disp := dispatch.New(store, g, execBackend, dispatch.Options{
		Timeout:    cfg.Orchestrator.TaskTimeout,
		Strategies: catalog,
		OnTerminal: onTerminal,
		Logger:     log.Named("dispatch"),
	})

	// Live bots stop through the task that runs them.
	botStopper := bots.StopperFunc(func(ctx context.Context, b bots.Bot) error {
		if b.TaskID == "" {
			return nil
		}
		err := disp.Stop(ctx, b.TaskID)
		if errors.Is(err, task.ErrNotFound) {
			return nil
		}
		return err
	})

	coordOpts := emergency.Options{
		Registry: registry,
		Stopper:  botStopper,
		Logger:   log.Named("emergency"),
	}
	if pub != nil {
		coordOpts.Bus = pub
	}
	coordinator := emergency.New(store, disp, coordOpts)

	srv := server.New(cfg.Server.Host, cfg.Server.Port, server.Deps{
		Tasks:     handlers.NewTaskHandler(disp, store),
		Emergency: handlers.NewEmergencyHandler(coordinator),
		Bots:      handlers.NewBotsHandler(registry),
		Health:    health,
		Logger:    log.Named("http"),
	})

	httpSrv := &http.Server{
		Addr:         srv.Addr(),
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Terminal tasks are dropped after the retention window.
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := sweep(ctx); n > 0 {
					log.Info("terminal tasks swept", zap.Int("removed", n))
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		log.Info("management api listening",
			zap.String("addr", httpSrv.Addr),
			zap.String("execution", cfg.Orchestrator.Execution))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	if err := disp.Shutdown(shCtx); err != nil {
		log.Warn("dispatcher shutdown", zap.Error(err))
	}
	log.Info("shutdown complete")
	return nil
}
