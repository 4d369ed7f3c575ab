// Package config loads archhost settings from defaults, an optional YAML
// file and ARCHHOST_* environment variables.
package config

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// ARCHHOST_PORTS_START for ports.start.
const EnvPrefix = "ARCHHOST"

// Config is the full archhost configuration.
type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Data      DataConfig      `mapstructure:"data"`
	Server    ServerConfig    `mapstructure:"server"`
	Ports     PortsConfig     `mapstructure:"ports"`
	Wait      WaitConfig      `mapstructure:"wait"`
	Output    OutputConfig    `mapstructure:"output"`
	Callbacks CallbacksConfig `mapstructure:"callbacks"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Log       LogConfig       `mapstructure:"log"`
}

// HTTPConfig controls the REST API listener.
type HTTPConfig struct {
	Listen         string `mapstructure:"listen"`
	MaxUploadBytes int64  `mapstructure:"max_upload_bytes"`
}

// DatabaseConfig locates the SQLite database file.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// DataConfig locates the uploaded game data. Each instance gets
// <dir>/<id>/game.archipelago.
type DataConfig struct {
	Dir string `mapstructure:"dir"`
}

// ServerConfig describes the game server executable and how to talk to it.
type ServerConfig struct {
	Executable      string `mapstructure:"executable"`
	WorkDir         string `mapstructure:"work_dir"`
	ReadyMarker     string `mapstructure:"ready_marker"`
	ShutdownCommand string `mapstructure:"shutdown_command"`
	Address         string `mapstructure:"address"`
}

// PortsConfig is the inclusive range game servers are assigned ports from.
type PortsConfig struct {
	Start int `mapstructure:"start"`
	End   int `mapstructure:"end"`
}

// WaitConfig bounds startup and shutdown waits as interval × checks.
type WaitConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	StartupChecks  int           `mapstructure:"startup_checks"`
	ShutdownChecks int           `mapstructure:"shutdown_checks"`
}

// OutputConfig sizes the per-instance output ring.
type OutputConfig struct {
	BufferLines int `mapstructure:"buffer_lines"`
}

// CallbacksConfig controls start-completion callbacks.
type CallbacksConfig struct {
	// Secret signs callback deliveries. When empty a random secret is
	// generated at startup.
	Secret  string        `mapstructure:"secret"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// AuditConfig controls lifecycle event retention. Zero keeps events forever.
type AuditConfig struct {
	Retention time.Duration `mapstructure:"retention"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Listen:         ":8000",
			MaxUploadBytes: 64 << 20,
		},
		Database: DatabaseConfig{
			Path: "archhost.db",
		},
		Data: DataConfig{
			Dir: "arch_games",
		},
		Server: ServerConfig{
			Executable:      "ArchipelagoServer",
			ReadyMarker:     "server listening",
			ShutdownCommand: "/exit",
			Address:         "localhost",
		},
		Ports: PortsConfig{
			Start: 38281,
			End:   38300,
		},
		Wait: WaitConfig{
			Interval:       500 * time.Millisecond,
			StartupChecks:  10,
			ShutdownChecks: 20,
		},
		Output: OutputConfig{
			BufferLines: 1000,
		},
		Callbacks: CallbacksConfig{
			Timeout: 5 * time.Second,
		},
		Audit: AuditConfig{
			Retention: 30 * 24 * time.Hour,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// SetDefaults registers every default on v so that environment overrides
// are picked up by Unmarshal.
func SetDefaults(v *viper.Viper) {
	defaults := Default()

	v.SetDefault("http.listen", defaults.HTTP.Listen)
	v.SetDefault("http.max_upload_bytes", defaults.HTTP.MaxUploadBytes)

	v.SetDefault("database.path", defaults.Database.Path)
	v.SetDefault("data.dir", defaults.Data.Dir)

	v.SetDefault("server.executable", defaults.Server.Executable)
	v.SetDefault("server.work_dir", defaults.Server.WorkDir)
	v.SetDefault("server.ready_marker", defaults.Server.ReadyMarker)
	v.SetDefault("server.shutdown_command", defaults.Server.ShutdownCommand)
	v.SetDefault("server.address", defaults.Server.Address)

	v.SetDefault("ports.start", defaults.Ports.Start)
	v.SetDefault("ports.end", defaults.Ports.End)

	v.SetDefault("wait.interval", defaults.Wait.Interval)
	v.SetDefault("wait.startup_checks", defaults.Wait.StartupChecks)
	v.SetDefault("wait.shutdown_checks", defaults.Wait.ShutdownChecks)

	v.SetDefault("output.buffer_lines", defaults.Output.BufferLines)

	v.SetDefault("callbacks.secret", defaults.Callbacks.Secret)
	v.SetDefault("callbacks.timeout", defaults.Callbacks.Timeout)

	v.SetDefault("audit.retention", defaults.Audit.Retention)

	v.SetDefault("log.level", defaults.Log.Level)
}

// New returns a viper instance with defaults and environment overrides set
// up. If configFile is not empty it is read as well.
func New(configFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	// ARCHHOST_PORTS_START for ports.start
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configFile, err)
		}
	}
	return v, nil
}

// Load reads the configuration from v into a Config struct and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// SlogLevel converts the configured level name. Unknown names map to info.
func (c *LogConfig) SlogLevel() slog.Level {
	switch c.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Validate checks the Config for invalid values and returns all validation
// errors found.
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError
	add := func(field string, value any, msg string) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: msg})
	}

	if c.HTTP.Listen == "" {
		add("http.listen", c.HTTP.Listen, "must not be empty")
	}
	if c.HTTP.MaxUploadBytes <= 0 {
		add("http.max_upload_bytes", c.HTTP.MaxUploadBytes, "must be positive")
	}
	if c.Database.Path == "" {
		add("database.path", c.Database.Path, "must not be empty")
	}
	if c.Data.Dir == "" {
		add("data.dir", c.Data.Dir, "must not be empty")
	}
	if c.Server.Executable == "" {
		add("server.executable", c.Server.Executable, "must not be empty")
	}
	if c.Server.ReadyMarker == "" {
		add("server.ready_marker", c.Server.ReadyMarker, "must not be empty")
	}
	if c.Server.ShutdownCommand == "" {
		add("server.shutdown_command", c.Server.ShutdownCommand, "must not be empty")
	}

	if c.Ports.Start < 1 || c.Ports.Start > 65535 {
		add("ports.start", c.Ports.Start, "must be between 1 and 65535")
	}
	if c.Ports.End < 1 || c.Ports.End > 65535 {
		add("ports.end", c.Ports.End, "must be between 1 and 65535")
	}
	if c.Ports.Start > c.Ports.End {
		add("ports.end", c.Ports.End, fmt.Sprintf("must not be below ports.start (%d)", c.Ports.Start))
	}

	if c.Wait.Interval <= 0 {
		add("wait.interval", c.Wait.Interval, "must be positive")
	}
	if c.Wait.StartupChecks < 1 {
		add("wait.startup_checks", c.Wait.StartupChecks, "must be at least 1")
	}
	if c.Wait.ShutdownChecks < 1 {
		add("wait.shutdown_checks", c.Wait.ShutdownChecks, "must be at least 1")
	}
	if c.Output.BufferLines < 1 {
		add("output.buffer_lines", c.Output.BufferLines, "must be at least 1")
	}
	if c.Callbacks.Timeout <= 0 {
		add("callbacks.timeout", c.Callbacks.Timeout, "must be positive")
	}
	if c.Audit.Retention < 0 {
		add("audit.retention", c.Audit.Retention, "must not be negative")
	}
	if !slices.Contains(ValidLogLevels(), c.Log.Level) {
		add("log.level", c.Log.Level, fmt.Sprintf("must be one of %v", ValidLogLevels()))
	}
	return errs
}
