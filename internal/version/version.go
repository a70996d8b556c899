// Package version provides build-time version information for the broker.
// Version, HelperVersion, Commit, and BuildTime are populated via ldflags
// during the build process. For development builds, default values are used.
package version

// Build information variables, set via ldflags at build time:
//
//	go build -ldflags "-X github.com/doughall/zfsbroker/internal/version.Version=1.0.0 \
//	                   -X github.com/doughall/zfsbroker/internal/version.HelperVersion=1.0.0 \
//	                   -X github.com/doughall/zfsbroker/internal/version.Commit=abc123 \
//	                   -X github.com/doughall/zfsbroker/internal/version.BuildTime=2025-01-29T12:00:00Z"
var (
	// Version is the semantic version of the broker (e.g., "1.0.0", "dev").
	Version = "dev"

	// HelperVersion is the version of the helper bundled with this broker.
	// A running helper reporting any other version is replaced.
	HelperVersion = "dev"

	// Commit is the git commit hash from which the binary was built.
	Commit = "unknown"

	// BuildTime is the timestamp when the binary was built (RFC3339 format).
	BuildTime = "unknown"
)

// Info returns a formatted string with all version information.
func Info() string {
	return "zfsbroker " + Version + " (helper: " + HelperVersion + ", commit: " + Commit + ", built: " + BuildTime + ")"
}
