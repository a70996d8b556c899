package main

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/doughall/zfsbroker/internal/broker"
)

// maxPassphraseLen matches the ZFS limit for passphrase keys.
const maxPassphraseLen = 512

func newImportCommand() *cobra.Command {
	var req broker.ImportPoolsRequest
	cmd := &cobra.Command{
		Use:   "import [pool|guid]...",
		Short: "Import pools (all importable pools when none are named)",
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Pools = args
			return runOperation(cmd, req, importMessage(req))
		},
	}
	cmd.Flags().StringSliceVarP(&req.SearchPaths, "dir", "d", nil, "search for devices in this directory (repeatable)")
	cmd.Flags().StringVarP(&req.AltRoot, "altroot", "R", "", "alternate root for imported pools")
	cmd.Flags().BoolVar(&req.ReadOnly, "read-only", false, "import read-only")
	cmd.Flags().BoolVarP(&req.Force, "force", "f", false, "import pools that appear to be in use")
	return cmd
}

func importMessage(req broker.ImportPoolsRequest) string {
	if len(req.Pools) == 0 {
		return "imported all available pools"
	}
	return "imported " + strings.Join(req.Pools, ", ")
}

func newMountCommand() *cobra.Command {
	var req broker.MountFilesystemsRequest
	cmd := &cobra.Command{
		Use:   "mount [filesystem]...",
		Short: "Mount filesystems (all mountable filesystems when none are named)",
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Filesystems = args
			msg := "mounted all filesystems"
			if len(args) > 0 {
				msg = "mounted " + strings.Join(args, ", ")
			}
			return runOperation(cmd, req, msg)
		},
	}
	cmd.Flags().BoolVarP(&req.Recursive, "recursive", "r", false, "also mount descendant filesystems")
	return cmd
}

func newUnmountCommand() *cobra.Command {
	var req broker.UnmountFilesystemsRequest
	cmd := &cobra.Command{
		Use:   "unmount filesystem...",
		Short: "Unmount filesystems",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Filesystems = args
			return runOperation(cmd, req, "unmounted "+strings.Join(args, ", "))
		},
	}
	cmd.Flags().BoolVarP(&req.Force, "force", "f", false, "unmount even if busy")
	return cmd
}

func newLoadKeyCommand() *cobra.Command {
	var mount bool
	cmd := &cobra.Command{
		Use:   "load-key filesystem",
		Short: "Load the encryption key of a filesystem",
		Long: `Load the encryption key of a filesystem. The passphrase is prompted for on a
terminal, or read from the first line of standard input otherwise.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			passphrase, err := readPassphrase(cmd.InOrStdin(), cmd.ErrOrStderr(), args[0])
			if err != nil {
				return &exitError{code: exitUsage, err: err}
			}
			defer clear(passphrase)

			req := broker.LoadKeyRequest{Filesystem: args[0], Passphrase: passphrase, Mount: mount}
			return runOperation(cmd, req, "loaded key for "+args[0])
		},
	}
	cmd.Flags().BoolVarP(&mount, "mount", "m", false, "mount the filesystem after loading the key")
	return cmd
}

// readPassphrase prompts without echo when in is a terminal, and otherwise
// reads a single line.
func readPassphrase(in io.Reader, prompt io.Writer, filesystem string) ([]byte, error) {
	var passphrase []byte
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprintf(prompt, "Passphrase for %s: ", filesystem)
		p, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return nil, fmt.Errorf("read passphrase: %w", err)
		}
		passphrase = p
	} else {
		line, err := bufio.NewReaderSize(in, maxPassphraseLen+2).ReadSlice('\n')
		if err != nil && err != io.EOF {
			if err == bufio.ErrBufferFull {
				return nil, fmt.Errorf("passphrase longer than %d bytes", maxPassphraseLen)
			}
			return nil, fmt.Errorf("read passphrase: %w", err)
		}
		passphrase = bytes.Clone(bytes.TrimRight(line, "\r\n"))
		clear(line)
	}

	if len(passphrase) == 0 {
		return nil, errNoPassphrase
	}
	if len(passphrase) > maxPassphraseLen {
		clear(passphrase)
		return nil, fmt.Errorf("passphrase longer than %d bytes", maxPassphraseLen)
	}
	return passphrase, nil
}

func newScrubCommand() *cobra.Command {
	var pause, stop bool
	cmd := &cobra.Command{
		Use:   "scrub pool",
		Short: "Start, pause or stop a pool scrub",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			action, err := scrubAction(pause, stop)
			if err != nil {
				return &exitError{code: exitUsage, err: err}
			}
			req := broker.ScrubPoolRequest{Pool: args[0], Action: action}
			return runOperation(cmd, req, fmt.Sprintf("scrub %s: %s", action, args[0]))
		},
	}
	cmd.Flags().BoolVarP(&pause, "pause", "p", false, "pause a running scrub")
	cmd.Flags().BoolVarP(&stop, "stop", "s", false, "stop a running scrub")
	return cmd
}

func scrubAction(pause, stop bool) (broker.ScrubAction, error) {
	switch {
	case pause && stop:
		return "", fmt.Errorf("--pause and --stop are mutually exclusive")
	case pause:
		return broker.ScrubPause, nil
	case stop:
		return broker.ScrubStop, nil
	default:
		return broker.ScrubStart, nil
	}
}

// runOperation dispatches req through a freshly assembled broker.
func runOperation(cmd *cobra.Command, req broker.Request, message string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.run(cmd.Context(), req); err != nil {
		return wrapOperation(string(req.Command()), err)
	}
	return newOutputFormatter(cmd).Success(message, map[string]any{
		"command": req.Command(),
		"target":  req.Target(),
	})
}
