// Package sysinfo describes the host as far as ZFS is concerned: the kernel
// the ZFS module was built against, the module version, and the ZFS
// filesystems currently mounted.
//
// Information collected:
//   - Platform and platform version: ubuntu 24.04, debian 12, etc.
//   - Kernel version and architecture
//   - ZFS kernel module version (from /sys/module/zfs/version)
//   - Mounted ZFS filesystems with space usage
package sysinfo

import (
	"context"
	"errors"
	"os"
	"runtime"
	"sort"
	"strings"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
)

// zfsModuleVersionPath holds the loaded module version. Replaced in tests.
var zfsModuleVersionPath = "/sys/module/zfs/version"

// HostInfo contains static information about the host.
type HostInfo struct {
	// Platform is the distribution name (ubuntu, debian, fedora)
	Platform string `json:"platform"`

	// PlatformVersion is the distribution version (22.04, 12, etc.)
	PlatformVersion string `json:"platform_version"`

	// KernelVersion is the running kernel version string
	KernelVersion string `json:"kernel_version"`

	// KernelArch is the kernel architecture (x86_64, aarch64)
	KernelArch string `json:"kernel_arch"`

	// Arch is the Go architecture (amd64, arm64) - matches binary arch
	Arch string `json:"arch"`

	// Hostname is the system hostname
	Hostname string `json:"hostname"`

	// ZFSModule is the loaded ZFS module version, empty when not loaded.
	ZFSModule string `json:"zfs_module,omitempty"`
}

// Collect gathers host information. Missing pieces are left empty.
func Collect(ctx context.Context) (*HostInfo, error) {
	info := &HostInfo{Arch: runtime.GOARCH}

	hostInfo, err := host.InfoWithContext(ctx)
	if err == nil {
		info.Platform = hostInfo.Platform
		info.PlatformVersion = hostInfo.PlatformVersion
		info.KernelVersion = hostInfo.KernelVersion
		info.KernelArch = hostInfo.KernelArch
		info.Hostname = hostInfo.Hostname
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	info.ZFSModule = ZFSModuleVersion()
	return info, nil
}

// ZFSModuleVersion returns the loaded ZFS module version, or "" if the
// module is not loaded.
func ZFSModuleVersion() string {
	data, err := os.ReadFile(zfsModuleVersionPath)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Mount is a mounted ZFS filesystem.
type Mount struct {
	Filesystem  string  `json:"filesystem"`
	Mountpoint  string  `json:"mountpoint"`
	ReadOnly    bool    `json:"read_only"`
	Total       uint64  `json:"total_bytes"`
	Used        uint64  `json:"used_bytes"`
	UsedPercent float64 `json:"used_percent"`
}

// partitionLister is the part of gopsutil/disk used here. Replaced in tests.
var partitionLister = func(ctx context.Context) ([]disk.PartitionStat, error) {
	return disk.PartitionsWithContext(ctx, true)
}

var usageOf = disk.UsageWithContext

// ZFSMounts lists mounted ZFS filesystems sorted by name. Usage is left at
// zero for mountpoints that cannot be queried.
func ZFSMounts(ctx context.Context) ([]Mount, error) {
	parts, err := partitionLister(ctx)
	if err != nil {
		return nil, err
	}

	var mounts []Mount
	for _, p := range parts {
		if p.Fstype != "zfs" {
			continue
		}
		m := Mount{
			Filesystem: p.Device,
			Mountpoint: p.Mountpoint,
			ReadOnly:   hasOption(p.Opts, "ro"),
		}
		if u, err := usageOf(ctx, p.Mountpoint); err == nil {
			m.Total = u.Total
			m.Used = u.Used
			m.UsedPercent = u.UsedPercent
		} else if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		mounts = append(mounts, m)
	}

	sort.Slice(mounts, func(i, j int) bool { return mounts[i].Filesystem < mounts[j].Filesystem })
	return mounts, nil
}

func hasOption(opts []string, want string) bool {
	for _, o := range opts {
		if o == want {
			return true
		}
	}
	return false
}
