package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/freqops/freqops/internal/observability"
	"github.com/freqops/freqops/pkg/backend"
	"github.com/freqops/freqops/pkg/eventbus"
	"github.com/freqops/freqops/pkg/gate"
	"github.com/freqops/freqops/pkg/task"
	"github.com/freqops/freqops/pkg/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a detached task execution worker",
	Long: `Consumes RUN_TASK, STOP_TASK and EMERGENCY_STOP_ALL commands from
the command stream, executes tasks with the freqtrade CLI, and publishes
results back to the management process.`,
	RunE: runWorker,
}

func runWorker(cmd *cobra.Command, _ []string) error {
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

	consumer := "worker-" + uuid.New().String()[:8]

	w := worker.New(worker.Options{
		Bridge:  bus,
		Results: eventbus.NewPublisher(bus, consumer),
		Store:   task.NewMemoryStore(),
		Gate:    gate.New(cfg.Orchestrator.MaxConcurrentTasks),
		Backend: &backend.Freqtrade{
			Binary:      cfg.Freqtrade.Binary,
			UserDataDir: cfg.Freqtrade.UserDataDir,
			TempDir:     cfg.Freqtrade.TempDir,
			Logger:      log.Named("freqtrade"),
		},
		Timeout:  cfg.Orchestrator.TaskTimeout,
		Consumer: consumer,
		Logger:   log.Named("worker"),
	})

	log.Info("worker consuming commands",
		zap.String("consumer", consumer),
		zap.String("stream", eventbus.StreamCommands))
	return w.Run(ctx)
}
