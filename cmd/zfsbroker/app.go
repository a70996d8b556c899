package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/doughall/zfsbroker/internal/broker"
	"github.com/doughall/zfsbroker/internal/config"
	"github.com/doughall/zfsbroker/internal/installer"
	"github.com/doughall/zfsbroker/internal/journal"
	"github.com/doughall/zfsbroker/internal/logging"
	"github.com/doughall/zfsbroker/internal/rights"
	"github.com/doughall/zfsbroker/internal/version"
)

// closeTimeout bounds how long a command waits for the broker to wind down.
const closeTimeout = 5 * time.Second

// app is the broker and its collaborators, built from configuration.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	rights    *rights.Polkit
	installer *installer.Installer
	journal   *journal.Journal
	broker    *broker.Broker
}

// newApp loads configuration and assembles the broker. The journal is
// optional: if another process holds it the broker runs without history.
func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	callTimeout, _ := cfg.CallTimeoutDuration()

	logger := logging.SetupLogger(cfg.LogLevel)
	store := rights.NewPolkit(cfg.ActionPrefix, logger)

	inst := installer.New(installer.Config{
		BundledPath:     cfg.HelperBundlePath,
		InstalledPath:   cfg.HelperInstallPath,
		BundledVersion:  version.HelperVersion,
		BundledChecksum: cfg.HelperChecksum,
		InstallCommand:  cfg.InstallCommand,
	}, store, logger)

	a := &app{
		cfg:       cfg,
		logger:    logger,
		rights:    store,
		installer: inst,
	}

	var recorder broker.Recorder
	if j, err := journal.Open(cfg.JournalPath, cfg.JournalMaxEntries); err != nil {
		logger.Warn("operation journal unavailable, history will not be recorded",
			slog.String("path", cfg.JournalPath),
			slog.String("error", err.Error()),
		)
	} else {
		a.journal = j
		recorder = j.Recorder(logging.WithComponent(logger, "journal"))
	}

	a.broker = broker.New(broker.Options{
		Rights:    store,
		Installer: inst,
		Dialer: &broker.HelperDialer{
			SocketPath:    cfg.SocketPath,
			BrokerVersion: version.Version,
			HelperVersion: version.HelperVersion,
			Logger:        logging.WithComponent(logger, "helper"),
		},
		Recorder:    recorder,
		MaxFailures: cfg.RetryBudget(),
		CallTimeout: callTimeout,
		Logger:      logger,
	})

	logger.Debug("broker assembled",
		slog.String("version", version.Version),
		slog.String("helper_version", version.HelperVersion),
		slog.String("socket_path", cfg.SocketPath),
		slog.Int("max_failures", cfg.RetryBudget()),
		slog.Bool("journal", a.journal != nil),
	)
	return a, nil
}

// run dispatches req and waits for its reply. The broker answers every
// request exactly once, including when ctx is cancelled.
func (a *app) run(ctx context.Context, req broker.Request) error {
	done := make(chan error, 1)
	a.broker.ConnectToAuthorization()
	a.broker.Dispatch(ctx, req, func(err error) { done <- err })
	return <-done
}

// close releases the broker, the polkit connection and the journal.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	if err := a.broker.Shutdown(ctx); err != nil {
		a.logger.Warn("broker shutdown incomplete", slog.String("error", err.Error()))
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.logger.Warn("failed to close journal", slog.String("error", err.Error()))
		}
	}
}

// wrapOperation turns a broker error into a command error naming the operation.
func wrapOperation(what string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", what, err)
}
