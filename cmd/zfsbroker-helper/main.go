// ZFS Broker Helper - Entry Point
//
// zfsbroker-helper is the privileged half of zfsbroker. It runs as root under
// systemd and listens on a Unix socket for requests from the broker, which
// has already authorized each one through polkit. Each request is validated
// again and carried out with zpool or zfs.
//
// The installer probes an installed helper with --version, which prints the
// helper version on the first line.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/doughall/zfsbroker/internal/executor"
	"github.com/doughall/zfsbroker/internal/helper"
	"github.com/doughall/zfsbroker/internal/logging"
	"github.com/doughall/zfsbroker/internal/systemd"
	"github.com/doughall/zfsbroker/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "zfsbroker-helper: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		socketPath string
		logLevel   string
		zpoolPath  string
		zfsPath    string
	)
	cmd := &cobra.Command{
		Use:           "zfsbroker-helper",
		Short:         "Privileged helper serving zfsbroker requests",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := logging.SetupLogger(logLevel)
			tool := &zfsTool{
				exec:   executor.New(),
				zpool:  zpoolPath,
				zfs:    zfsPath,
				logger: logging.WithComponent(logger, "zfs"),
			}
			return serve(cmd.Context(), socketPath, tool, logger)
		},
	}
	cmd.Version = version.HelperVersion
	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.Flags().StringVar(&socketPath, "socket", helper.DefaultSocketPath, "Unix socket to listen on")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&zpoolPath, "zpool", "zpool", "zpool executable")
	cmd.Flags().StringVar(&zfsPath, "zfs", "zfs", "zfs executable")
	return cmd
}

// serve runs the helper server until ctx is cancelled.
func serve(ctx context.Context, socketPath string, tool *zfsTool, logger *slog.Logger) error {
	if os.Geteuid() != 0 {
		logger.Warn("helper is not running as root; zfs commands will likely fail")
	}

	server := helper.NewServer(socketPath, version.HelperVersion, logger)
	tool.register(server)

	logger.Info("helper starting",
		slog.String("version", version.HelperVersion),
		slog.String("commit", version.Commit),
		slog.String("socket", socketPath),
	)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(ctx) }()

	systemd.NotifyReady()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	systemd.NotifyStopping()
	logger.Info("helper shutting down")
	return <-errCh
}
