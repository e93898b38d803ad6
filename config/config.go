// Package config loads orchestrator.toml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/vinayprograms/orchestrator/milestone"
	"github.com/vinayprograms/orchestrator/scheduler"
	"github.com/vinayprograms/orchestrator/shutdown"
	"github.com/vinayprograms/orchestrator/spawner"
	"github.com/vinayprograms/orchestrator/state"
	"github.com/vinayprograms/orchestrator/tasks"
)

// Environment overrides.
const (
	EnvStatePath   = "ORCHESTRATOR_STATE_PATH"
	EnvIngestURL   = "MILESTONE_INGEST_URL"
	EnvHTTPAddr    = "ORCHESTRATOR_HTTP_ADDR"
	EnvNATSURL     = "ORCHESTRATOR_NATS_URL"
	EnvLogLevel    = "ORCHESTRATOR_LOG_LEVEL"
	EnvOTLPEnabled = "ORCHESTRATOR_TELEMETRY"
)

// Config is the whole orchestrator configuration.
type Config struct {
	State     StateConfig                     `toml:"state"`
	Tasks     TasksConfig                     `toml:"tasks"`
	Milestone milestone.Config                `toml:"milestone"`
	Approval  ApprovalConfig                  `toml:"approval"`
	ToolGate  ToolGateConfig                  `toml:"toolgate"`
	Agents    map[string]spawner.AgentCommand `toml:"agents"`
	Schedule  []scheduler.Entry               `toml:"schedule"`
	Alerts    AlertsConfig                    `toml:"alerts"`
	HTTP      HTTPConfig                      `toml:"http"`
	Logging   LoggingConfig                   `toml:"logging"`
	Telemetry TelemetryConfig                 `toml:"telemetry"`
	Shutdown  shutdown.Config                 `toml:"shutdown"`

	// path is the file the config was read from.
	path string
}

// StateConfig locates the snapshot.
type StateConfig struct {
	Path   string       `toml:"path"`
	Limits state.Limits `toml:"limits"`
}

// TasksConfig tunes the engine.
type TasksConfig struct {
	MaxRetries     int           `toml:"max_retries"`
	RetryBackoff   time.Duration `toml:"retry_backoff"`
	HandlerTimeout time.Duration `toml:"handler_timeout"`

	// AlertThreshold is the consecutive-failure count that raises an alert.
	AlertThreshold int `toml:"alert_threshold"`

	// AgentTempDir holds payload and result files. Empty uses os.TempDir.
	AgentTempDir string `toml:"agent_temp_dir"`
}

// Engine converts to the engine's own config.
func (t TasksConfig) Engine() tasks.Config {
	return tasks.Config{
		MaxRetries:     t.MaxRetries,
		RetryBackoff:   t.RetryBackoff,
		HandlerTimeout: t.HandlerTimeout,
	}
}

// ApprovalConfig points at the YAML approval policy. Empty uses the
// built-in policy.
type ApprovalConfig struct {
	PolicyFile string `toml:"policy_file"`
}

// ToolGateConfig points at the TOML agent manifest.
type ToolGateConfig struct {
	ManifestFile string `toml:"manifest_file"`
}

// AlertsConfig configures alert sinks. Alerts are always logged; a NATS
// URL adds a NATS sink.
type AlertsConfig struct {
	NATSURL string `toml:"nats_url"`
	Subject string `toml:"subject"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr           string        `toml:"addr"`
	ReadTimeout    time.Duration `toml:"read_timeout"`
	WriteTimeout   time.Duration `toml:"write_timeout"`
	RequestTimeout time.Duration `toml:"request_timeout"`
}

// LoggingConfig selects level and format.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// TelemetryConfig configures OTLP span export.
type TelemetryConfig struct {
	Enabled     bool              `toml:"enabled"`
	ServiceName string            `toml:"service_name"`
	Endpoint    string            `toml:"endpoint"`
	Protocol    string            `toml:"protocol"`
	Insecure    bool              `toml:"insecure"`
	Debug       bool              `toml:"debug"`
	Headers     map[string]string `toml:"headers"`
}

// Default returns the configuration used for unset fields.
func Default() *Config {
	ec := tasks.DefaultConfig()
	return &Config{
		State: StateConfig{
			Path:   "orchestrator-state.json",
			Limits: state.DefaultLimits(),
		},
		Tasks: TasksConfig{
			MaxRetries:     ec.MaxRetries,
			RetryBackoff:   ec.RetryBackoff,
			HandlerTimeout: ec.HandlerTimeout,
			AlertThreshold: 3,
		},
		Milestone: milestone.DefaultConfig(),
		Agents:    map[string]spawner.AgentCommand{},
		Alerts: AlertsConfig{
			Subject: "orchestrator.alerts",
		},
		HTTP: HTTPConfig{
			Addr:           "127.0.0.1:8080",
			ReadTimeout:    10 * time.Second,
			WriteTimeout:   30 * time.Second,
			RequestTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "orchestrator",
			Protocol:    "grpc",
		},
		Shutdown: shutdown.DefaultConfig(),
	}
}

// Load reads path over the defaults, applies env overrides and
// validates. An empty path yields defaults plus env.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config %s: unknown key %s", path, undecoded[0])
		}
		cfg.path = path
		cfg.resolvePaths(filepath.Dir(path))
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes TOML content over the defaults without touching env.
func Parse(content string) (*Config, error) {
	cfg := Default()
	if _, err := toml.Decode(content, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Path returns the file the config was loaded from, if any.
func (c *Config) Path() string {
	return c.path
}

// resolvePaths makes file references relative to the config directory.
func (c *Config) resolvePaths(dir string) {
	rel := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}
	c.State.Path = rel(c.State.Path)
	c.Approval.PolicyFile = rel(c.Approval.PolicyFile)
	c.ToolGate.ManifestFile = rel(c.ToolGate.ManifestFile)
	c.Tasks.AgentTempDir = rel(c.Tasks.AgentTempDir)
	for id, a := range c.Agents {
		a.Dir = rel(a.Dir)
		c.Agents[id] = a
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvStatePath); v != "" {
		c.State.Path = v
	}
	if v := os.Getenv(EnvIngestURL); v != "" {
		c.Milestone.IngestURL = v
	}
	if v := os.Getenv(EnvHTTPAddr); v != "" {
		c.HTTP.Addr = v
	}
	if v := os.Getenv(EnvNATSURL); v != "" {
		c.Alerts.NATSURL = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv(EnvOTLPEnabled); v == "1" || v == "true" {
		c.Telemetry.Enabled = true
	}
}

// Validate rejects configurations the orchestrator cannot run with.
func (c *Config) Validate() error {
	if c.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	if c.Tasks.MaxRetries < 0 {
		return fmt.Errorf("tasks.max_retries must be >= 0")
	}
	if c.Tasks.HandlerTimeout < 0 || c.Tasks.RetryBackoff < 0 {
		return fmt.Errorf("tasks durations must be >= 0")
	}
	if c.Milestone.MaxAttempts < 1 {
		return fmt.Errorf("milestone.max_attempts must be >= 1")
	}
	for id, a := range c.Agents {
		if a.Command == "" {
			return fmt.Errorf("agents.%s.command is required", id)
		}
	}
	if err := scheduler.Validate(c.Schedule); err != nil {
		return fmt.Errorf("schedule: %w", err)
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	switch c.Telemetry.Protocol {
	case "", "grpc", "http":
	default:
		return fmt.Errorf("telemetry.protocol must be grpc or http, got %q", c.Telemetry.Protocol)
	}
	return nil
}
