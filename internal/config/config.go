// Package config provides configuration management for the ZFS broker.
// It uses koanf v2 to load configuration from YAML files and supports
// saving configuration back (e.g., `zfsbroker config init`).
//
// Configuration is loaded from /etc/zfsbroker/config.yaml by default.
// A missing file is not an error: every field has a usable default.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	goyaml "gopkg.in/yaml.v3"

	"github.com/doughall/zfsbroker/internal/scheduler"
)

// DefaultConfigPath is the default location for the broker configuration file.
const DefaultConfigPath = "/etc/zfsbroker/config.yaml"

// Defaults for optional fields.
const (
	DefaultSocketPath        = "/run/zfsbroker/helper.sock"
	DefaultHelperBundlePath  = "/usr/lib/zfsbroker/zfsbroker-helper"
	DefaultHelperInstallPath = "/usr/libexec/zfsbroker/zfsbroker-helper"
	DefaultHelperUnit        = "zfsbroker-helper.service"
	DefaultActionPrefix      = "io.zfsbroker"
	DefaultJournalMaxEntries = 1000
	DefaultMaxFailures       = 2
)

// DefaultInstallCommand installs the bundle through pkexec. "{bundle}" is
// replaced by the bundled helper path.
var DefaultInstallCommand = []string{"pkexec", "/usr/lib/zfsbroker/install-helper", "{bundle}"}

// Config holds the broker configuration loaded from the YAML config file.
// Fields are tagged for both koanf (loading) and yaml (saving).
type Config struct {
	// SocketPath is the Unix socket the helper listens on.
	SocketPath string `koanf:"socket_path" yaml:"socket_path"`

	// HelperBundlePath is the helper binary shipped with the broker.
	HelperBundlePath string `koanf:"helper_bundle_path" yaml:"helper_bundle_path"`

	// HelperInstallPath is where the install command places the helper.
	HelperInstallPath string `koanf:"helper_install_path" yaml:"helper_install_path"`

	// HelperChecksum, if set, is the expected SHA-256 of the bundled helper.
	HelperChecksum string `koanf:"helper_checksum" yaml:"helper_checksum,omitempty"`

	// HelperUnit is the systemd unit running the helper, shown by status.
	HelperUnit string `koanf:"helper_unit" yaml:"helper_unit"`

	// InstallCommand is the privileged command that installs the helper.
	InstallCommand []string `koanf:"install_command" yaml:"install_command"`

	// MaxFailures is the number of connection failures an operation survives.
	// Default: 2. Set to -1 for no retries.
	MaxFailures int `koanf:"max_failures" yaml:"max_failures"`

	// CallTimeout bounds each helper call, e.g. "10m". Empty or "0" means no limit.
	CallTimeout string `koanf:"call_timeout" yaml:"call_timeout,omitempty"`

	// ActionPrefix prefixes the polkit action IDs, e.g. "io.zfsbroker.scrub-pool".
	ActionPrefix string `koanf:"action_prefix" yaml:"action_prefix"`

	// LogLevel controls the verbosity of broker logging.
	// Valid values: "debug", "info", "warn", "error".
	// Default: "info".
	LogLevel string `koanf:"log_level" yaml:"log_level"`

	// JournalPath is the bbolt file holding the operation history.
	// Default: $XDG_STATE_HOME/zfsbroker/journal.db.
	JournalPath string `koanf:"journal_path" yaml:"journal_path"`

	// JournalMaxEntries bounds the operation history. Default: 1000.
	JournalMaxEntries int `koanf:"journal_max_entries" yaml:"journal_max_entries"`

	// ScrubSchedules maps pool names to cron expressions, e.g. {"tank": "@monthly"}.
	ScrubSchedules map[string]string `koanf:"scrub_schedules" yaml:"scrub_schedules,omitempty"`
}

// Validation errors returned by Load.
var (
	ErrInvalidMaxFailures  = errors.New("max_failures must be -1 or greater")
	ErrInvalidCallTimeout  = errors.New("call_timeout must be a non-negative duration")
	ErrInvalidLogLevel     = errors.New("log_level must be one of debug, info, warn, error")
	ErrRelativePath        = errors.New("paths must be absolute")
	ErrEmptyInstallCommand = errors.New("install_command must not be empty")
)

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads configuration from the specified YAML file path.
// It applies defaults for optional fields and validates the result.
// A file that does not exist yields the defaults.
func Load(path string) (*Config, error) {
	// Pool names may contain dots but never slashes.
	k := koanf.New("/")

	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config %s: %w", path, err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// max_failures: 0 is meaningful, so only an absent key gets the default.
	if !k.Exists("max_failures") {
		cfg.MaxFailures = DefaultMaxFailures
	}
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyDefaults sets default values for optional configuration fields.
func (c *Config) applyDefaults() {
	if c.SocketPath == "" {
		c.SocketPath = DefaultSocketPath
	}
	if c.HelperBundlePath == "" {
		c.HelperBundlePath = DefaultHelperBundlePath
	}
	if c.HelperInstallPath == "" {
		c.HelperInstallPath = DefaultHelperInstallPath
	}
	if c.HelperUnit == "" {
		c.HelperUnit = DefaultHelperUnit
	}
	if len(c.InstallCommand) == 0 {
		c.InstallCommand = append([]string(nil), DefaultInstallCommand...)
	}
	if c.ActionPrefix == "" {
		c.ActionPrefix = DefaultActionPrefix
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.JournalPath == "" {
		c.JournalPath = DefaultJournalPath()
	}
	if c.JournalMaxEntries == 0 {
		c.JournalMaxEntries = DefaultJournalMaxEntries
	}
}

// validate checks that configuration fields are valid.
func (c *Config) validate() error {
	if c.MaxFailures < -1 {
		return ErrInvalidMaxFailures
	}
	if _, err := c.CallTimeoutDuration(); err != nil {
		return err
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return ErrInvalidLogLevel
	}
	for name, path := range map[string]string{
		"socket_path":         c.SocketPath,
		"helper_bundle_path":  c.HelperBundlePath,
		"helper_install_path": c.HelperInstallPath,
		"journal_path":        c.JournalPath,
	} {
		if !filepath.IsAbs(path) {
			return fmt.Errorf("%s %q: %w", name, path, ErrRelativePath)
		}
	}
	if strings.TrimSpace(c.InstallCommand[0]) == "" {
		return ErrEmptyInstallCommand
	}
	for pool, expr := range c.ScrubSchedules {
		if err := scheduler.ValidateSchedule(expr); err != nil {
			return fmt.Errorf("scrub_schedules.%s: %w", pool, err)
		}
	}
	return nil
}

// DefaultJournalPath returns the journal location in the user's state
// directory, or under /var/lib when no home directory is known.
func DefaultJournalPath() string {
	if dir := os.Getenv("XDG_STATE_HOME"); filepath.IsAbs(dir) {
		return filepath.Join(dir, "zfsbroker", "journal.db")
	}
	if home, err := os.UserHomeDir(); err == nil && filepath.IsAbs(home) {
		return filepath.Join(home, ".local", "state", "zfsbroker", "journal.db")
	}
	return "/var/lib/zfsbroker/journal.db"
}

// CallTimeoutDuration parses CallTimeout. Zero means no limit.
func (c *Config) CallTimeoutDuration() (time.Duration, error) {
	if c.CallTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.CallTimeout)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCallTimeout, c.CallTimeout)
	}
	return d, nil
}

// RetryBudget converts MaxFailures to the broker's budget, where -1 means none.
func (c *Config) RetryBudget() int {
	if c.MaxFailures < 0 {
		return 0
	}
	return c.MaxFailures
}

// Save writes cfg as YAML to path, creating the parent directory. The file
// is world-readable; it holds no secrets.
func Save(path string, cfg *Config) error {
	data, err := goyaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}
