package broker

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/doughall/zfsbroker/internal/helper"
	"github.com/doughall/zfsbroker/internal/rights"
)

// maxNameLength is the longest dataset or pool name ZFS accepts.
const maxNameLength = 255

// Request is one of the five privileged operations. Each variant is its own
// wire payload.
type Request interface {
	Command() helper.Command
	Right() rights.Right
	// Target names what the request acts on, for logs and the journal.
	Target() string
	Validate() error
}

// ImportPoolsRequest imports pools by name or numeric GUID. An empty Pools
// imports every pool available for import.
type ImportPoolsRequest struct {
	Pools       []string `cbor:"pools,omitempty"`
	SearchPaths []string `cbor:"search_paths,omitempty"`
	AltRoot     string   `cbor:"altroot,omitempty"`
	ReadOnly    bool     `cbor:"readonly,omitempty"`
	Force       bool     `cbor:"force,omitempty"`
}

func (ImportPoolsRequest) Command() helper.Command { return helper.CommandImportPools }
func (ImportPoolsRequest) Right() rights.Right     { return rights.ImportPools }

func (r ImportPoolsRequest) Target() string {
	if len(r.Pools) == 0 {
		return "all"
	}
	return strings.Join(r.Pools, ",")
}

func (r ImportPoolsRequest) Validate() error {
	for _, pool := range r.Pools {
		// Numeric GUIDs are accepted as-is.
		if _, err := strconv.ParseUint(pool, 10, 64); err == nil {
			continue
		}
		if err := validatePoolName(pool); err != nil {
			return err
		}
	}
	for _, path := range r.SearchPaths {
		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("search path %q is not absolute", path)
		}
	}
	if r.AltRoot != "" && !strings.HasPrefix(r.AltRoot, "/") {
		return fmt.Errorf("altroot %q is not absolute", r.AltRoot)
	}
	return nil
}

// MountFilesystemsRequest mounts the named filesystems. An empty Filesystems
// mounts every mountable filesystem of the imported pools.
type MountFilesystemsRequest struct {
	Filesystems []string `cbor:"filesystems,omitempty"`
	// Recursive also mounts descendants of each named filesystem.
	Recursive bool `cbor:"recursive,omitempty"`
}

func (MountFilesystemsRequest) Command() helper.Command { return helper.CommandMountFilesystems }
func (MountFilesystemsRequest) Right() rights.Right     { return rights.MountFilesystems }

func (r MountFilesystemsRequest) Target() string {
	if len(r.Filesystems) == 0 {
		return "all"
	}
	return strings.Join(r.Filesystems, ",")
}

func (r MountFilesystemsRequest) Validate() error {
	return validateDatasetNames(r.Filesystems)
}

// UnmountFilesystemsRequest unmounts the named filesystems.
type UnmountFilesystemsRequest struct {
	Filesystems []string `cbor:"filesystems"`
	Force       bool     `cbor:"force,omitempty"`
}

func (UnmountFilesystemsRequest) Command() helper.Command { return helper.CommandUnmountFilesystems }
func (UnmountFilesystemsRequest) Right() rights.Right     { return rights.UnmountFilesystems }

func (r UnmountFilesystemsRequest) Target() string {
	return strings.Join(r.Filesystems, ",")
}

func (r UnmountFilesystemsRequest) Validate() error {
	if len(r.Filesystems) == 0 {
		return errors.New("no filesystems to unmount")
	}
	return validateDatasetNames(r.Filesystems)
}

// LoadKeyRequest loads the encryption key of an encryption root.
type LoadKeyRequest struct {
	Filesystem string `cbor:"filesystem"`
	Passphrase []byte `cbor:"passphrase"`
	// Mount mounts the filesystem once its key is loaded.
	Mount bool `cbor:"mount,omitempty"`
}

func (LoadKeyRequest) Command() helper.Command { return helper.CommandLoadKey }
func (LoadKeyRequest) Right() rights.Right     { return rights.LoadKey }
func (r LoadKeyRequest) Target() string        { return r.Filesystem }

func (r LoadKeyRequest) Validate() error {
	if err := validateDatasetName(r.Filesystem); err != nil {
		return err
	}
	if len(r.Passphrase) == 0 {
		return errors.New("empty passphrase")
	}
	return nil
}

// String keeps the passphrase out of logs and %v output.
func (r LoadKeyRequest) String() string {
	return fmt.Sprintf("LoadKeyRequest{Filesystem:%s Mount:%t}", r.Filesystem, r.Mount)
}

// ScrubAction selects what a scrub request does.
type ScrubAction string

const (
	ScrubStart ScrubAction = "start"
	ScrubPause ScrubAction = "pause"
	ScrubStop  ScrubAction = "stop"
)

// ScrubPoolRequest starts, pauses or stops a scrub. An empty Action starts one.
type ScrubPoolRequest struct {
	Pool   string      `cbor:"pool"`
	Action ScrubAction `cbor:"action,omitempty"`
}

func (ScrubPoolRequest) Command() helper.Command { return helper.CommandScrubPool }
func (ScrubPoolRequest) Right() rights.Right     { return rights.ScrubPool }
func (r ScrubPoolRequest) Target() string        { return r.Pool }

func (r ScrubPoolRequest) Validate() error {
	switch r.Action {
	case "", ScrubStart, ScrubPause, ScrubStop:
	default:
		return fmt.Errorf("unknown scrub action %q", r.Action)
	}
	return validatePoolName(r.Pool)
}

func validateDatasetNames(names []string) error {
	for _, name := range names {
		if err := validateDatasetName(name); err != nil {
			return err
		}
	}
	return nil
}

// validateDatasetName checks a filesystem name such as "tank/home/alice".
func validateDatasetName(name string) error {
	if err := validateName("filesystem", name); err != nil {
		return err
	}
	if strings.ContainsAny(name, "@#") {
		return fmt.Errorf("filesystem %q names a snapshot or bookmark", name)
	}
	for _, component := range strings.Split(name, "/") {
		if component == "" || component == "." || component == ".." {
			return fmt.Errorf("filesystem %q has an empty or relative component", name)
		}
	}
	return nil
}

func validatePoolName(name string) error {
	if err := validateName("pool", name); err != nil {
		return err
	}
	if strings.ContainsAny(name, "/@#") {
		return fmt.Errorf("pool %q contains a dataset separator", name)
	}
	return nil
}

// validateName rejects names that could be mistaken for options by zfs/zpool
// or that no pool or dataset can carry.
func validateName(kind, name string) error {
	switch {
	case name == "":
		return fmt.Errorf("empty %s name", kind)
	case len(name) > maxNameLength:
		return fmt.Errorf("%s name longer than %d bytes", kind, maxNameLength)
	case strings.HasPrefix(name, "-"):
		return fmt.Errorf("%s %q starts with '-'", kind, name)
	}
	for _, r := range name {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%s %q contains whitespace or control characters", kind, name)
		}
	}
	return nil
}
