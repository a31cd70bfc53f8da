// Package config handles loading and validating scriptbox configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Counter scopes for whitelist ceilings.
const (
	ScopeExecution = "execution"
	ScopeProcess   = "process"
)

// Config is the root configuration for scriptbox.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Default: ~/.scriptbox. Override: SCRIPTBOX_DATA_DIR env var.
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Whitelist     WhitelistConfig      `json:"whitelist" yaml:"whitelist"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite default under data_dir
	HTTP          *HTTPConfig          `json:"http,omitempty" yaml:"http,omitempty"`                   // nil = HTTP API disabled
	Scheduler     *SchedulerConfig     `json:"scheduler,omitempty" yaml:"scheduler,omitempty"`         // nil = scheduled scripts disabled
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// SandboxConfig configures script execution limits.
type SandboxConfig struct {
	TimeoutMs           int    `json:"timeout_ms" yaml:"timeout_ms"`                       // Default: 5000.
	GlobalStepLimit     int64  `json:"global_step_limit" yaml:"global_step_limit"`         // Default: 10000.
	MaxConcurrent       int64  `json:"max_concurrent" yaml:"max_concurrent"`               // Default: 8.
	MaxDiagnosticLength int    `json:"max_diagnostic_length" yaml:"max_diagnostic_length"` // Default: 1000 runes.
	MaxOutputLength     int    `json:"max_output_length" yaml:"max_output_length"`         // Default: 1000 bytes.
	MaxExecutionSteps   uint64 `json:"max_execution_steps" yaml:"max_execution_steps"`     // Interpreter step cap. 0 = disabled.
}

// Timeout returns the default execution timeout.
func (s *SandboxConfig) Timeout() time.Duration {
	if s != nil && s.TimeoutMs > 0 {
		return time.Duration(s.TimeoutMs) * time.Millisecond
	}
	return 5 * time.Second
}

// StepLimit returns the per-execution global step ceiling.
func (s *SandboxConfig) StepLimit() int64 {
	if s != nil && s.GlobalStepLimit > 0 {
		return s.GlobalStepLimit
	}
	return 10000
}

// Workers returns the size of the execution worker pool.
func (s *SandboxConfig) Workers() int64 {
	if s != nil && s.MaxConcurrent > 0 {
		return s.MaxConcurrent
	}
	return 8
}

// DiagnosticLimit returns the maximum diagnostic length in runes.
func (s *SandboxConfig) DiagnosticLimit() int {
	if s != nil && s.MaxDiagnosticLength > 0 {
		return s.MaxDiagnosticLength
	}
	return 1000
}

// OutputLimit returns the maximum captured print output in bytes.
func (s *SandboxConfig) OutputLimit() int {
	if s != nil && s.MaxOutputLength > 0 {
		return s.MaxOutputLength
	}
	return 1000
}

// WhitelistConfig configures the capabilities scripts may invoke.
type WhitelistConfig struct {
	CounterScope        string       `json:"counter_scope" yaml:"counter_scope" validate:"omitempty,oneof=execution process"` // Default: "execution".
	DisableBuiltinRules bool         `json:"disable_builtin_rules" yaml:"disable_builtin_rules"`                              // Drop the full-access rules for Starlark builtins.
	Rules               []RuleConfig `json:"rules" yaml:"rules" validate:"dive"`
}

// Scope returns the counter scope, defaulting to per-execution counters.
func (w *WhitelistConfig) Scope() string {
	if w != nil && w.CounterScope != "" {
		return w.CounterScope
	}
	return ScopeExecution
}

// RuleConfig is one whitelist entry for a host type.
// An entry listing no methods grants every method of the type.
type RuleConfig struct {
	Type           string         `json:"type" yaml:"type" validate:"required"`
	MaxInvocations int64          `json:"max_invocations" yaml:"max_invocations" validate:"gte=0"` // 0 = no class ceiling.
	AllMethods     bool           `json:"all_methods" yaml:"all_methods"`                          // Grant every method even when methods are listed.
	Methods        []MethodConfig `json:"methods,omitempty" yaml:"methods,omitempty" validate:"unique=Name,dive"`
}

// MethodConfig is a per-method entry of a RuleConfig.
type MethodConfig struct {
	Name           string `json:"name" yaml:"name" validate:"required"`
	MaxInvocations int64  `json:"max_invocations" yaml:"max_invocations" validate:"gte=0"` // 0 = no method ceiling.
	Inheritable    *bool  `json:"inheritable,omitempty" yaml:"inheritable,omitempty"`      // Also grant on subtypes. Default: true
}

// StorageConfig configures stored script persistence.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Default: <data_dir>/scriptbox.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: SCRIPTBOX_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
	ConnectAttempts  int    `json:"connect_attempts" yaml:"connect_attempts"`       // Default: 5
}

// HTTPConfig configures the HTTP API.
type HTTPConfig struct {
	Enabled             bool              `json:"enabled" yaml:"enabled"`
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs"`
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080".
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	APIKeyUserMapping   map[string]string `json:"api_key_user_mapping" yaml:"api_key_user_mapping"` // API key hash → user ID.
	PrivilegedUsers     []string          `json:"privileged_users" yaml:"privileged_users"`         // Users allowed to run scripts without instrumentation.
	RateLimit           RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
	AuditLog            bool              `json:"audit_log" yaml:"audit_log"`           // Record every API run as a JSON line.
	AuditLogPath        string            `json:"audit_log_path" yaml:"audit_log_path"` // Default: <data_dir>/audit.jsonl.
}

// Addr returns the listen address with a default of ":8080".
func (h *HTTPConfig) Addr() string {
	if h != nil && h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8080"
}

// RateLimitConfig configures per-user rate limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// SchedulerConfig configures execution of stored trigger scripts on cron schedules.
type SchedulerConfig struct {
	Enabled                bool `json:"enabled" yaml:"enabled"`
	PollIntervalSeconds    int  `json:"poll_interval_seconds" yaml:"poll_interval_seconds"`         // Default: 30.
	MaxConcurrentJobs      int  `json:"max_concurrent_jobs" yaml:"max_concurrent_jobs"`             // Default: 5.
	MissedJobWindowSeconds int  `json:"missed_job_window_seconds" yaml:"missed_job_window_seconds"` // Default: 3600 (1 hour).
}

// PollInterval returns the poll interval with a default of 30s.
func (s *SchedulerConfig) PollInterval() time.Duration {
	if s != nil && s.PollIntervalSeconds > 0 {
		return time.Duration(s.PollIntervalSeconds) * time.Second
	}
	return 30 * time.Second
}

// MaxConcurrent returns the max concurrent jobs with a default of 5.
func (s *SchedulerConfig) MaxConcurrent() int {
	if s != nil && s.MaxConcurrentJobs > 0 {
		return s.MaxConcurrentJobs
	}
	return 5
}

// MissedJobWindow returns the window for recovering missed executions.
// Jobs missed more than this duration ago are skipped. Default: 1 hour.
func (s *SchedulerConfig) MissedJobWindow() time.Duration {
	if s != nil && s.MissedJobWindowSeconds > 0 {
		return time.Duration(s.MissedJobWindowSeconds) * time.Second
	}
	return 1 * time.Hour
}

// ObservabilityConfig configures metrics and tracing.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// AnomalyConfig configures detection of users whose scripts keep hitting the sandbox.
type AnomalyConfig struct {
	Enabled                bool    `json:"enabled" yaml:"enabled"`
	ViolationRateThreshold float64 `json:"violation_rate_threshold" yaml:"violation_rate_threshold"` // 0.0–1.0. 0 = disabled.
	WindowSeconds          int     `json:"window_seconds" yaml:"window_seconds"`                     // Default: 300.
	MinRuns                int     `json:"min_runs" yaml:"min_runs"`                                 // Runs in the window before a rate counts. Default: 5.
	BlockSeconds           int     `json:"block_seconds" yaml:"block_seconds"`                       // Refuse ad-hoc runs of a flagged user this long. 0 = only log.
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "scriptbox"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// DefaultConfigPath returns the default config file path (~/.scriptbox/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/scriptbox.yaml"
	}
	return filepath.Join(home, ".scriptbox", "config.yaml")
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	cfg := &Config{}
	applyEnv(cfg)
	return cfg
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyEnv applies SCRIPTBOX_* environment overrides.
func applyEnv(cfg *Config) {
	if v := os.Getenv("SCRIPTBOX_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("SCRIPTBOX_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sandbox.TimeoutMs = n
		}
	}
	if v := os.Getenv("SCRIPTBOX_GLOBAL_STEP_LIMIT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Sandbox.GlobalStepLimit = n
		}
	}
	if v := os.Getenv("SCRIPTBOX_DB_DSN"); v != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{Driver: "postgres"}
		}
		if cfg.Storage.Postgres == nil {
			cfg.Storage.Postgres = &PostgresStorageConfig{}
		}
		cfg.Storage.Postgres.DSN = v
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".scriptbox")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "scriptbox.db")
}

// AuditLogPath returns the audit log path, under the data directory unless configured.
func (c *Config) AuditLogPath() string {
	if c.HTTP != nil && c.HTTP.AuditLogPath != "" {
		return c.HTTP.AuditLogPath
	}
	return filepath.Join(c.ResolvedDataDir(), "audit.jsonl")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

func (c *Config) validate() error {
	if c.Sandbox.TimeoutMs < 0 {
		return fmt.Errorf("sandbox.timeout_ms must not be negative")
	}
	if c.Sandbox.GlobalStepLimit < 0 {
		return fmt.Errorf("sandbox.global_step_limit must not be negative")
	}
	if c.Sandbox.MaxConcurrent < 0 {
		return fmt.Errorf("sandbox.max_concurrent must not be negative")
	}
	switch c.Whitelist.Scope() {
	case ScopeExecution, ScopeProcess:
	default:
		return fmt.Errorf("whitelist.counter_scope %q is not supported (use execution or process)", c.Whitelist.CounterScope)
	}
	for i, r := range c.Whitelist.Rules {
		if r.Type == "" {
			return fmt.Errorf("whitelist.rules[%d].type is required", i)
		}
	}
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite":
		case "postgres":
			if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
				return fmt.Errorf("storage.postgres.dsn is required for the postgres driver")
			}
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if c.HTTP != nil && c.HTTP.Enabled && len(c.HTTP.APIKeyUserMapping) == 0 {
		return fmt.Errorf("http.api_key_user_mapping must contain at least one key when the HTTP API is enabled")
	}
	return nil
}
