// ZFS Broker - Entry Point
//
// zfsbroker performs privileged ZFS pool and filesystem operations for an
// unprivileged user. Every operation is authorized through polkit, queued
// until the root helper is reachable, and forwarded over the helper socket.
// A missing or outdated helper is reinstalled on demand.
//
// Configuration is loaded from /etc/zfsbroker/config.yaml (or the path given
// by --config). A missing file yields defaults.
//
// Subcommands:
//
//	import, mount, unmount, load-key, scrub   privileged operations
//	install                                   force a helper reinstall
//	status                                    connection and helper state
//	history                                   recent operation outcomes
//	daemon                                    long-running broker with scheduled scrubs
//	version                                   build information
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/doughall/zfsbroker/internal/config"
	"github.com/doughall/zfsbroker/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	err := newRootCommand().ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "zfsbroker: %v\n", err)
	}
	stop()
	os.Exit(exitCode(err))
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "zfsbroker",
		Short: "Privileged ZFS operations through an authorized root helper",
		Long: `zfsbroker imports pools, mounts and unmounts filesystems, loads encryption
keys and controls scrubs on behalf of an unprivileged user.

Each operation asks polkit for the matching right, then runs through the
zfsbroker helper. The helper is installed or updated automatically when a
connection to it fails.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.Version = version.Info()
	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	root.PersistentFlags().String("config", config.DefaultConfigPath, "path to configuration file")
	root.PersistentFlags().Bool("json", false, "output in JSON format")

	root.AddCommand(
		newImportCommand(),
		newMountCommand(),
		newUnmountCommand(),
		newLoadKeyCommand(),
		newScrubCommand(),
		newInstallCommand(),
		newStatusCommand(),
		newHistoryCommand(),
		newDaemonCommand(),
		newVersionCommand(),
		newConfigCommand(),
	)
	return root
}

// outputFormatter prints results either as JSON or as plain text.
type outputFormatter struct {
	jsonMode bool
	w        io.Writer
}

func newOutputFormatter(cmd *cobra.Command) *outputFormatter {
	jsonMode, _ := cmd.Flags().GetBool("json")
	return &outputFormatter{jsonMode: jsonMode, w: cmd.OutOrStdout()}
}

// Print writes data as indented JSON.
func (f *outputFormatter) Print(data any) error {
	out, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	_, err = fmt.Fprintln(f.w, string(out))
	return err
}

// Success reports a finished operation.
func (f *outputFormatter) Success(message string, data map[string]any) error {
	if f.jsonMode {
		out := map[string]any{
			"success": true,
			"message": message,
		}
		for k, v := range data {
			out[k] = v
		}
		return f.Print(out)
	}
	_, err := fmt.Fprintln(f.w, message)
	return err
}

// loadConfig reads the file named by --config.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, &exitError{code: exitUsage, err: err}
	}
	return cfg, nil
}

// errNoPassphrase is returned when load-key gets an empty passphrase.
var errNoPassphrase = errors.New("no passphrase given")
