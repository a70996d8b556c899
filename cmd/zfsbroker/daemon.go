package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/doughall/zfsbroker/internal/broker"
	"github.com/doughall/zfsbroker/internal/scheduler"
	"github.com/doughall/zfsbroker/internal/shutdown"
	"github.com/doughall/zfsbroker/internal/systemd"
	"github.com/doughall/zfsbroker/internal/version"
)

// shutdownTimeout is how long the daemon waits for graceful shutdown.
const shutdownTimeout = 30 * time.Second

func newDaemonCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the broker in the foreground and scrub pools on schedule",
		Long: `Run the broker as a long-lived service (systemd Type=notify). The helper
connection is primed at startup, and pools listed under scrub_schedules are
scrubbed on their cron schedules.`,
		Args: cobra.NoArgs,
		RunE: runDaemon,
	}
}

// Lifecycle:
//  1. Load configuration and assemble the broker
//  2. Prime the helper connection (never installs)
//  3. Start the scrub scheduler
//  4. Notify systemd that the service is ready and start the watchdog
//  5. Wait for SIGTERM/SIGINT
//  6. Notify systemd that the service is stopping
//  7. Coordinated shutdown with timeout
func runDaemon(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	logger := a.logger

	logger.Info("broker starting",
		slog.String("version", version.Version),
		slog.String("helper_version", version.HelperVersion),
		slog.String("commit", version.Commit),
		slog.String("build_time", version.BuildTime),
		slog.String("socket_path", a.cfg.SocketPath),
		slog.Int("scrub_schedules", len(a.cfg.ScrubSchedules)),
	)

	coordinator := shutdown.NewCoordinator(logger)
	if a.journal != nil {
		coordinator.Register("journal", a.journal)
	}
	coordinator.Register("broker", a.broker)

	var history scheduler.History
	if a.journal != nil {
		history = a.journal
	}
	sched, err := scheduler.New(a.cfg.ScrubSchedules, a.broker, history, logger)
	if err != nil {
		a.close()
		return &exitError{code: exitUsage, err: err}
	}
	coordinator.Register("scheduler", sched)

	a.broker.ConnectToAuthorization()
	go sched.Run(ctx)

	nextRuns := sched.NextRuns()
	for pool, next := range nextRuns {
		logger.Info("scrub scheduled",
			slog.String("pool", pool),
			slog.Time("next_run", next),
		)
	}

	systemd.NotifyReady()
	systemd.NotifyStatus(fmt.Sprintf("serving; %d scrub schedule(s)", len(nextRuns)))
	logger.Info("broker ready")

	systemd.StartWatchdog(ctx, func() bool {
		return watchdogHealthy(a.broker)
	})

	<-ctx.Done()
	logger.Info("shutdown signal received")
	systemd.NotifyStopping()
	systemd.NotifyStatus("stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := coordinator.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", slog.String("error", err.Error()))
		return err
	}
	logger.Info("broker stopped")
	return nil
}

// watchdogHealthy withholds the ping while the helper connection is
// invalidated and starts a fresh connect attempt so a recovered helper is
// picked up on the next tick.
func watchdogHealthy(b *broker.Broker) bool {
	if b.Healthy() {
		return true
	}
	b.ConnectToAuthorization()
	return false
}
