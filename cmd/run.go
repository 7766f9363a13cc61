package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/ecordell/optgen/helpers"
	"github.com/fatih/color"
	"github.com/gin-gonic/gin"
	"github.com/jzelinskie/cobrautil/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	v1 "github.com/tzwfy520/MultiProtCollector-SSH/api/v1"
	"github.com/tzwfy520/MultiProtCollector-SSH/internal/config"
	"github.com/tzwfy520/MultiProtCollector-SSH/internal/handlers"
	"github.com/tzwfy520/MultiProtCollector-SSH/internal/server"
	"github.com/tzwfy520/MultiProtCollector-SSH/internal/services"
	"github.com/tzwfy520/MultiProtCollector-SSH/internal/store"
	"github.com/tzwfy520/MultiProtCollector-SSH/internal/store/migrations"
	"github.com/tzwfy520/MultiProtCollector-SSH/pkg/transport"
)

func NewRunCommand(cfg *config.Configuration) *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the fleet controller",
		Example: `  # Run the controller with an in-memory database
  controller run

  # Run the controller with persistent state and a faster dispatch cadence
  controller run --data-folder /var/lib/controller --scheduler-dispatch-interval 500ms`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateConfiguration(cfg); err != nil {
				return err
			}

			zap.S().Infow("using configuration",
				"server", helpers.Flatten(cfg.DebugMap()),
				"scheduler", helpers.Flatten(cfg.Scheduler.DebugMap()),
				"heartbeat", helpers.Flatten(cfg.Heartbeat.DebugMap()),
				"transport", helpers.Flatten(cfg.Transport.DebugMap()),
			)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
			wg := sync.WaitGroup{}
			wg.Add(1)

			// init store
			dbPath := filepath.Join(cfg.DataFolder, "controller.duckdb")
			if cfg.DataFolder == "" {
				dbPath = ":memory:"
				zap.S().Warn("data-folder not set, using in-memory database (data will not persist)")
			}
			db, err := store.NewDB(dbPath)
			if err != nil {
				zap.S().Errorw("failed to initialize database", "error", err)
				return err
			}
			s := store.NewStore(db)
			defer s.Close()

			if err := migrations.Run(ctx, db); err != nil {
				zap.S().Errorw("failed to run migrations", "error", err)
				return err
			}
			zap.S().Info("database initialized successfully")

			// init services
			registry := services.NewRegistry(s)
			taskSrv := services.NewTaskService(s)
			correlator := services.NewCorrelator(s, services.CorrelatorConfig{
				BackoffBase: cfg.Scheduler.BackoffBase,
				BackoffMax:  cfg.Scheduler.BackoffMax,
			})

			publisher := transport.NewHTTPPublisher(cfg.Transport.Timeout)
			dispatcher := services.NewDispatcher(registry, s, publisher, services.DispatcherConfig{
				Interval:              cfg.Scheduler.DispatchInterval,
				HighPriorityThreshold: cfg.Scheduler.HighPriorityThreshold,
				HandoffBackoff:        cfg.Scheduler.HandoffBackoff,
			})
			defer dispatcher.Close()
			go dispatcher.Run(ctx)

			monitor := services.NewMonitor(s, services.MonitorConfig{
				HeartbeatInterval: cfg.Heartbeat.Interval,
				MissedIntervals:   cfg.Heartbeat.MissedIntervals,
				BackoffBase:       cfg.Scheduler.BackoffBase,
				BackoffMax:        cfg.Scheduler.BackoffMax,
			})
			defer monitor.Close()
			go monitor.Run(ctx)

			// init handlers
			h := handlers.New(registry, taskSrv, correlator)

			srv, err := server.NewServer(cfg, func(router *gin.RouterGroup) {
				v1.RegisterHandlers(router, h)
			})
			if err != nil {
				zap.S().Errorw("failed to create http server", "error", err)
				return err
			}

			go func() {
				defer func() {
					wg.Done()
					cancel()
				}()
				zap.S().Infof("Starting HTTP server on port %d", cfg.HTTPPort)

				if err := srv.Start(ctx); err != nil {
					if !errors.Is(err, http.ErrServerClosed) {
						zap.S().Errorw("failed to start http server", "error", err)
					}
				}
			}()

			go func() {
				<-ctx.Done()
				stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				srv.Stop(stopCtx)
			}()

			<-ctx.Done()
			wg.Wait()

			zap.S().Info("controller shutdown")

			return nil
		},
	}

	registerFlags(runCmd, cfg)

	return runCmd
}

func registerFlags(cmd *cobra.Command, config *config.Configuration) {
	nfs := cobrautil.NewNamedFlagSets(cmd)

	serverFlagSet := nfs.FlagSet(color.New(color.FgBlue, color.Bold).Sprint("Server"))
	registerServerFlags(serverFlagSet, config)

	schedulerFlagSet := nfs.FlagSet(color.New(color.FgBlue, color.Bold).Sprint("Scheduler"))
	registerSchedulerFlags(schedulerFlagSet, config)

	heartbeatFlagSet := nfs.FlagSet(color.New(color.FgBlue, color.Bold).Sprint("Heartbeat"))
	registerHeartbeatFlags(heartbeatFlagSet, config)

	transportFlagSet := nfs.FlagSet(color.New(color.FgBlue, color.Bold).Sprint("Transport"))
	registerTransportFlags(transportFlagSet, config)

	nfs.AddFlagSets(cmd)
}

func validateConfiguration(cfg *config.Configuration) error {
	switch cfg.ServerMode {
	case config.ServerModeProd, config.ServerModeDev:
	default:
		return fmt.Errorf("invalid server mode %q: must be %q or %q", cfg.ServerMode, config.ServerModeProd, config.ServerModeDev)
	}

	if cfg.HTTPPort < 1 || cfg.HTTPPort > 65535 {
		return fmt.Errorf("invalid http-port %d: must be between 1 and 65535", cfg.HTTPPort)
	}

	if cfg.Scheduler.DispatchInterval <= 0 {
		return fmt.Errorf("invalid scheduler-dispatch-interval %s: must be positive", cfg.Scheduler.DispatchInterval)
	}

	if cfg.Scheduler.HighPriorityThreshold < 1 || cfg.Scheduler.HighPriorityThreshold > 10 {
		return fmt.Errorf("invalid scheduler-high-priority-threshold %d: must be between 1 and 10", cfg.Scheduler.HighPriorityThreshold)
	}

	if cfg.Heartbeat.Interval <= 0 {
		return fmt.Errorf("invalid heartbeat-interval %s: must be positive", cfg.Heartbeat.Interval)
	}

	if cfg.Heartbeat.MissedIntervals < 1 {
		return fmt.Errorf("invalid heartbeat-missed-intervals %d: must be at least 1", cfg.Heartbeat.MissedIntervals)
	}

	return nil
}

func registerServerFlags(flagSet *pflag.FlagSet, config *config.Configuration) {
	flagSet.IntVar(&config.HTTPPort, "server-http-port", config.HTTPPort, "Port on which the HTTP server is listening")
	flagSet.StringVar(&config.ServerMode, "server-mode", config.ServerMode, "Server mode: either prod or dev")
	flagSet.StringVar(&config.DataFolder, "data-folder", config.DataFolder, "Path to the persistent data folder")
}

func registerSchedulerFlags(flagSet *pflag.FlagSet, config *config.Configuration) {
	flagSet.DurationVar(&config.Scheduler.DispatchInterval, "scheduler-dispatch-interval", config.Scheduler.DispatchInterval, "Interval between scheduling passes")
	flagSet.IntVar(&config.Scheduler.HighPriorityThreshold, "scheduler-high-priority-threshold", config.Scheduler.HighPriorityThreshold, "Priority at or above which tasks go to the least-loaded collector")
	flagSet.DurationVar(&config.Scheduler.BackoffBase, "scheduler-backoff-base", config.Scheduler.BackoffBase, "Base delay of the exponential retry backoff")
	flagSet.DurationVar(&config.Scheduler.BackoffMax, "scheduler-backoff-max", config.Scheduler.BackoffMax, "Upper bound of the exponential retry backoff")
	flagSet.DurationVar(&config.Scheduler.HandoffBackoff, "scheduler-handoff-backoff", config.Scheduler.HandoffBackoff, "Delay before re-dispatching a task whose assignment delivery failed")
}

func registerHeartbeatFlags(flagSet *pflag.FlagSet, config *config.Configuration) {
	flagSet.DurationVar(&config.Heartbeat.Interval, "heartbeat-interval", config.Heartbeat.Interval, "Expected collector heartbeat cadence and monitor sweep period")
	flagSet.IntVar(&config.Heartbeat.MissedIntervals, "heartbeat-missed-intervals", config.Heartbeat.MissedIntervals, "Number of silent intervals before a collector is demoted offline")
}

func registerTransportFlags(flagSet *pflag.FlagSet, config *config.Configuration) {
	flagSet.DurationVar(&config.Transport.Timeout, "transport-timeout", config.Transport.Timeout, "Per-request timeout for assignment delivery")
}
