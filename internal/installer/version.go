package installer

import (
	"fmt"
	"strconv"
	"strings"
)

// VersionNone is reported when no helper is installed.
const VersionNone = "none"

// VersionUnknown is reported when a helper binary exists but could not tell
// us its version. It never matches a bundled version.
const VersionUnknown = "unknown"

// VersionInfo compares the installed helper with the one bundled with the broker.
type VersionInfo struct {
	Installed string
	Bundled   string

	// Checksums are empty when they could not be computed.
	InstalledChecksum string
	BundledChecksum   string
}

// NeedsInstall reports whether the installed helper is missing or differs
// from the bundle in version or checksum.
func (v VersionInfo) NeedsInstall() bool {
	if v.Installed == VersionNone || v.Installed == VersionUnknown {
		return true
	}
	if v.Installed != v.Bundled {
		return true
	}
	if v.InstalledChecksum != "" && v.BundledChecksum != "" {
		return v.InstalledChecksum != v.BundledChecksum
	}
	return false
}

// Reason describes why NeedsInstall is true, for logs and status output.
func (v VersionInfo) Reason() string {
	switch {
	case v.Installed == VersionNone:
		return "helper not installed"
	case v.Installed == VersionUnknown:
		return "installed helper did not report a version"
	case v.Installed != v.Bundled:
		if v.IsDowngrade() {
			return fmt.Sprintf("installed helper %s is newer than bundled %s", v.Installed, v.Bundled)
		}
		return fmt.Sprintf("installed helper %s differs from bundled %s", v.Installed, v.Bundled)
	case v.NeedsInstall():
		return "installed helper binary does not match the bundle"
	default:
		return "up to date"
	}
}

// IsDowngrade reports whether installing the bundle would replace a newer helper.
// The broker still installs its own bundle, since it speaks that helper's protocol.
func (v VersionInfo) IsDowngrade() bool {
	installed, err := ParseSemVer(v.Installed)
	if err != nil {
		return false
	}
	bundled, err := ParseSemVer(v.Bundled)
	if err != nil {
		return false
	}
	return installed.Compare(bundled) > 0
}

// SemVer represents a semantic version (major.minor.patch).
type SemVer struct {
	Major int
	Minor int
	Patch int
}

// ParseSemVer parses a semantic version string like "1.2.3" into a SemVer.
// A leading "v" is accepted.
func ParseSemVer(version string) (SemVer, error) {
	parts := strings.Split(strings.TrimPrefix(version, "v"), ".")
	if len(parts) != 3 {
		return SemVer{}, fmt.Errorf("invalid semver format: %s (expected major.minor.patch)", version)
	}

	var nums [3]int
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil {
			return SemVer{}, fmt.Errorf("invalid version component %q in %s", part, version)
		}
		nums[i] = n
	}

	return SemVer{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// Compare returns -1, 0 or 1 as v is less than, equal to or greater than other.
func (v SemVer) Compare(other SemVer) int {
	switch {
	case v.Major != other.Major:
		return cmpInt(v.Major, other.Major)
	case v.Minor != other.Minor:
		return cmpInt(v.Minor, other.Minor)
	default:
		return cmpInt(v.Patch, other.Patch)
	}
}

// String returns the semantic version as a string (e.g., "1.2.3").
func (v SemVer) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
