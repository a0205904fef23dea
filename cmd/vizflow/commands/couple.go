package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/vizflow/internal/infrastructure/config"
	"github.com/GriffinCanCode/vizflow/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/vizflow/internal/infrastructure/server"
	"github.com/GriffinCanCode/vizflow/internal/insitu/orchestrator"
	"github.com/GriffinCanCode/vizflow/internal/insitu/pipeline"
	"github.com/GriffinCanCode/vizflow/internal/object"
	"github.com/GriffinCanCode/vizflow/internal/shared/id"
	"github.com/GriffinCanCode/vizflow/internal/shm"
)

type coupleOptions struct {
	handshake string
	rank      int
	moduleID  int
	interval  time.Duration
	maxRetry  time.Duration
}

func newCoupleCmd(root *rootOptions) *cobra.Command {
	opts := &coupleOptions{}
	cmd := &cobra.Command{
		Use:   "couple",
		Short: "Couple to a simulation and journal the objects it sends",
		Long: `couple reads the simulation's handshake file, connects this module rank
and runs execution cycles until interrupted. Received objects are logged and
the newest of each port kept alive; session state is served on the status
address when the server is enabled.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("handshake") {
				cfg.Coupling.HandshakePath = opts.handshake
			}
			if flags.Changed("rank") {
				cfg.Coupling.Rank = opts.rank
			}
			if flags.Changed("module-id") {
				cfg.Coupling.ModuleID = opts.moduleID
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if cfg.Coupling.HandshakePath == "" {
				return errors.New("no handshake file: pass --handshake or set VIZFLOW_COUPLING_HANDSHAKE_PATH")
			}

			base, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer base.Sync()
			logger := base.ForRank(cfg.Coupling.ModuleName, cfg.Coupling.ModuleID, cfg.Coupling.Rank)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return couple(ctx, cfg, opts, logger.Logger)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.handshake, "handshake", "", "handshake file written by the simulation")
	flags.IntVar(&opts.rank, "rank", 0, "module rank")
	flags.IntVar(&opts.moduleID, "module-id", 1, "module id announced to the simulation")
	flags.DurationVar(&opts.interval, "interval", 100*time.Millisecond, "time between execution cycles")
	flags.DurationVar(&opts.maxRetry, "max-retry", 5*time.Second, "longest wait between connect attempts")
	return cmd
}

func couple(ctx context.Context, cfg *config.Config, opts *coupleOptions, logger *zap.Logger) error {
	backend := newBackend(cfg)
	arena, err := shm.Create(backend, id.ArenaName(cfg.Shm.Prefix), cfg.Shm.ArenaSize, cfg.ArenaOptions())
	if err != nil {
		return fmt.Errorf("failed to create arena: %w", err)
	}
	defer func() {
		if err := arena.Remove(); err != nil {
			logger.Warn("Failed to remove arena", zap.Error(err))
		}
	}()
	logger.Info("Arena created", zap.String("arena", arena.Name()), zap.Int("size", cfg.Shm.ArenaSize))

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.NewMetrics(promReg)

	reg := object.NewRegistry(arena, cfg.Coupling.ModuleID, cfg.Coupling.Rank, logger)
	journal := pipeline.NewJournal(logger, int(cfg.Coupling.KeepTimesteps))
	orch := orchestrator.New(backend, reg, journal, cfg.Orchestrator(), logger, metrics)

	var srv *server.Server
	if cfg.Server.Enabled {
		srv = server.New(server.Config{
			Addr:     cfg.Server.Addr(),
			Status:   orch,
			Arena:    arena,
			Metrics:  metrics,
			Gatherer: promReg,
			Logger:   logger,
		})
		if err := srv.Start(); err != nil {
			return fmt.Errorf("failed to start status server: %w", err)
		}
	}

	logger.Info("Waiting for simulation", zap.String("handshake", cfg.Coupling.HandshakePath))
	runErr := orch.Run(ctx, orchestrator.RunOptions{Interval: opts.interval, MaxRetryInterval: opts.maxRetry})

	logger.Info("Shutting down gracefully")
	var errs []error
	errs = append(errs, runErr)
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, srv.Shutdown(shutdownCtx))
		cancel()
	}
	errs = append(errs, orch.Close())
	if removed, err := orch.RemoveShm(); err != nil {
		errs = append(errs, err)
	} else if len(removed) > 0 {
		logger.Info("Removed stale object channels", zap.Strings("names", removed))
	}
	errs = append(errs, journal.Close())
	return errors.Join(errs...)
}
