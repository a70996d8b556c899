package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/doughall/zfsbroker/internal/broker"
	"github.com/doughall/zfsbroker/internal/codec"
	"github.com/doughall/zfsbroker/internal/executor"
	"github.com/doughall/zfsbroker/internal/helper"
)

// Error codes reported to the broker.
const (
	codeInvalidRequest = "invalid_request"
	codeExecFailed     = "exec_failed"
	codeTimeout        = "timeout"
	codeExitStatus     = "exit_status"
)

// Per-command time limits. Imports scan devices and can be slow.
const (
	importTimeout = 10 * time.Minute
	mountTimeout  = 5 * time.Minute
	keyTimeout    = 2 * time.Minute
	scrubTimeout  = time.Minute
)

// zfsTool runs zpool and zfs on behalf of the broker.
type zfsTool struct {
	exec   *executor.Executor
	zpool  string
	zfs    string
	logger *slog.Logger
}

// register installs a handler for each privileged command.
func (z *zfsTool) register(s *helper.Server) {
	s.Handle(helper.CommandImportPools, z.importPools)
	s.Handle(helper.CommandMountFilesystems, z.mountFilesystems)
	s.Handle(helper.CommandUnmountFilesystems, z.unmountFilesystems)
	s.Handle(helper.CommandLoadKey, z.loadKey)
	s.Handle(helper.CommandScrubPool, z.scrubPool)
}

// decode unpacks and re-validates a request. The helper does not trust the
// broker's validation.
func decode[T broker.Request](payload codec.RawMessage) (T, error) {
	var req T
	if err := codec.Unmarshal(payload, &req); err != nil {
		return req, &helper.RemoteError{Code: codeInvalidRequest, Message: "decode request: " + err.Error()}
	}
	if err := req.Validate(); err != nil {
		return req, &helper.RemoteError{Code: codeInvalidRequest, Message: err.Error()}
	}
	return req, nil
}

func (z *zfsTool) importPools(ctx context.Context, payload codec.RawMessage) (any, error) {
	req, err := decode[broker.ImportPoolsRequest](payload)
	if err != nil {
		return nil, err
	}
	return nil, z.runAll(ctx, importTimeout, importArgs(z.zpool, req))
}

func (z *zfsTool) mountFilesystems(ctx context.Context, payload codec.RawMessage) (any, error) {
	req, err := decode[broker.MountFilesystemsRequest](payload)
	if err != nil {
		return nil, err
	}
	return nil, z.runAll(ctx, mountTimeout, mountArgs(z.zfs, req))
}

func (z *zfsTool) unmountFilesystems(ctx context.Context, payload codec.RawMessage) (any, error) {
	req, err := decode[broker.UnmountFilesystemsRequest](payload)
	if err != nil {
		return nil, err
	}
	return nil, z.runAll(ctx, mountTimeout, unmountArgs(z.zfs, req))
}

func (z *zfsTool) loadKey(ctx context.Context, payload codec.RawMessage) (any, error) {
	req, err := decode[broker.LoadKeyRequest](payload)
	if err != nil {
		return nil, err
	}
	defer clear(req.Passphrase)

	input := make([]byte, 0, len(req.Passphrase)+1)
	input = append(append(input, req.Passphrase...), '\n')
	defer clear(input)

	if err := z.run(ctx, keyTimeout, input, []string{z.zfs, "load-key", "-L", "prompt", req.Filesystem}); err != nil {
		return nil, err
	}
	if req.Mount {
		return nil, z.run(ctx, mountTimeout, nil, []string{z.zfs, "mount", req.Filesystem})
	}
	return nil, nil
}

func (z *zfsTool) scrubPool(ctx context.Context, payload codec.RawMessage) (any, error) {
	req, err := decode[broker.ScrubPoolRequest](payload)
	if err != nil {
		return nil, err
	}
	return nil, z.run(ctx, scrubTimeout, nil, scrubArgs(z.zpool, req))
}

// runAll runs each command in turn and stops at the first failure.
func (z *zfsTool) runAll(ctx context.Context, timeout time.Duration, commands [][]string) error {
	for _, argv := range commands {
		if err := z.run(ctx, timeout, nil, argv); err != nil {
			return err
		}
	}
	return nil
}

func (z *zfsTool) run(ctx context.Context, timeout time.Duration, input []byte, argv []string) error {
	z.logger.Debug("running", slog.Any("argv", argv))

	result, err := z.exec.RunWithInput(ctx, timeout, input, argv[0], argv[1:]...)
	if err != nil {
		return &helper.RemoteError{Code: codeExecFailed, Message: err.Error()}
	}
	switch {
	case result.TimedOut:
		return &helper.RemoteError{Code: codeTimeout, Message: fmt.Sprintf("%s timed out after %s", argv[0], timeout)}
	case !result.Succeeded():
		msg := result.Diagnostic()
		if msg == "" {
			msg = fmt.Sprintf("%s exited with status %d", argv[0], result.ExitCode)
		}
		return &helper.RemoteError{Code: codeExitStatus, Message: msg}
	}
	return nil
}

// importArgs builds one zpool import per named pool, or a single import -a.
func importArgs(zpool string, req broker.ImportPoolsRequest) [][]string {
	base := []string{zpool, "import"}
	for _, dir := range req.SearchPaths {
		base = append(base, "-d", dir)
	}
	if req.AltRoot != "" {
		base = append(base, "-R", req.AltRoot)
	}
	if req.ReadOnly {
		base = append(base, "-o", "readonly=on")
	}
	if req.Force {
		base = append(base, "-f")
	}

	if len(req.Pools) == 0 {
		return [][]string{append(base, "-a")}
	}
	commands := make([][]string, 0, len(req.Pools))
	for _, pool := range req.Pools {
		argv := append([]string(nil), base...)
		commands = append(commands, append(argv, pool))
	}
	return commands
}

func mountArgs(zfs string, req broker.MountFilesystemsRequest) [][]string {
	if len(req.Filesystems) == 0 {
		return [][]string{{zfs, "mount", "-a"}}
	}
	commands := make([][]string, 0, len(req.Filesystems))
	for _, fs := range req.Filesystems {
		if req.Recursive {
			commands = append(commands, []string{zfs, "mount", "-R", fs})
		} else {
			commands = append(commands, []string{zfs, "mount", fs})
		}
	}
	return commands
}

func unmountArgs(zfs string, req broker.UnmountFilesystemsRequest) [][]string {
	commands := make([][]string, 0, len(req.Filesystems))
	for _, fs := range req.Filesystems {
		argv := []string{zfs, "unmount"}
		if req.Force {
			argv = append(argv, "-f")
		}
		commands = append(commands, append(argv, fs))
	}
	return commands
}

func scrubArgs(zpool string, req broker.ScrubPoolRequest) []string {
	switch req.Action {
	case broker.ScrubPause:
		return []string{zpool, "scrub", "-p", req.Pool}
	case broker.ScrubStop:
		return []string{zpool, "scrub", "-s", req.Pool}
	default:
		return []string{zpool, "scrub", req.Pool}
	}
}
