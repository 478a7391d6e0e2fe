package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	EventBus  EventBusConfig  `mapstructure:"eventbus"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Approval  ApprovalConfig  `mapstructure:"approval"`
	Agents    AgentsConfig    `mapstructure:"agents"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Audit     AuditConfig     `mapstructure:"audit"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	GRPCPort     int           `mapstructure:"grpc_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	RateLimit    float64       `mapstructure:"rate_limit"`
	RateBurst    int           `mapstructure:"rate_burst"`
}

// StoreConfig selects and configures the state store backend
type StoreConfig struct {
	Backend   string         `mapstructure:"backend"`
	TTL       time.Duration  `mapstructure:"ttl"`
	KeyPrefix string         `mapstructure:"key_prefix"`
	Redis     RedisConfig    `mapstructure:"redis"`
	SQLite    SQLiteConfig   `mapstructure:"sqlite"`
	Postgres  PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// SQLiteConfig holds the SQLite database location
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PostgresConfig holds the PostgreSQL connection string
type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

// EventBusConfig holds NATS configuration
type EventBusConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	URL        string        `mapstructure:"url"`
	StreamName string        `mapstructure:"stream_name"`
	MaxAge     time.Duration `mapstructure:"max_age"`
}

// TelemetryConfig holds telemetry configuration
type TelemetryConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	PrometheusPort int     `mapstructure:"prometheus_port"`
	JaegerEndpoint string  `mapstructure:"jaeger_endpoint"`
	ServiceName    string  `mapstructure:"service_name"`
	ServiceVersion string  `mapstructure:"service_version"`
	SampleRate     float64 `mapstructure:"sample_rate"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
	ErrorPath  string `mapstructure:"error_path"`
}

// EngineConfig tunes the execution engine
type EngineConfig struct {
	Kind            string        `mapstructure:"kind"`
	MaxConcurrent   int           `mapstructure:"max_concurrent"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	ResumeOnStart   bool          `mapstructure:"resume_on_start"`
}

// ApprovalConfig configures the approval gate and the default review policy
type ApprovalConfig struct {
	Policy       string        `mapstructure:"policy"`
	ReviewLimit  int           `mapstructure:"review_limit"`
	ReviewWindow time.Duration `mapstructure:"review_window"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	RegoFile     string        `mapstructure:"rego_file"`
}

// LLMConfig holds credentials and model selection for a hosted model provider
type LLMConfig struct {
	APIKey    string `mapstructure:"api_key"`
	Model     string `mapstructure:"model"`
	MaxTokens int    `mapstructure:"max_tokens"`
	BaseURL   string `mapstructure:"base_url"`
}

// AgentsConfig wires agent names to implementations
type AgentsConfig struct {
	Anthropic   LLMConfig         `mapstructure:"anthropic"`
	OpenAI      LLMConfig         `mapstructure:"openai"`
	Endpoints   map[string]string `mapstructure:"endpoints"`
	RateLimit   float64           `mapstructure:"rate_limit"`
	RateBurst   int               `mapstructure:"rate_burst"`
	HTTPTimeout time.Duration     `mapstructure:"http_timeout"`
}

// AuditConfig configures the rotating audit trail of approval decisions
type AuditConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// SchedulerConfig lists recurring workflow triggers
type SchedulerConfig struct {
	Enabled   bool             `mapstructure:"enabled"`
	Schedules []ScheduleConfig `mapstructure:"schedules"`
}

// ScheduleConfig binds a cron expression to a workflow kind
type ScheduleConfig struct {
	Name string `mapstructure:"name"`
	Cron string `mapstructure:"cron"`
	Kind string `mapstructure:"kind"`
}

// PipelineConfig defines the step sequence, inline or from a YAML file
type PipelineConfig struct {
	File  string       `mapstructure:"file"`
	Steps []StepConfig `mapstructure:"steps"`
}

// StepConfig is the configuration form of a step definition
type StepConfig struct {
	Name               string        `mapstructure:"name"`
	Agent              string        `mapstructure:"agent"`
	MaxRetries         int           `mapstructure:"max_retries"`
	RetryDelayBase     time.Duration `mapstructure:"retry_delay_base"`
	Timeout            time.Duration `mapstructure:"timeout"`
	RequiresApproval   bool          `mapstructure:"requires_approval"`
	CompensationAction string        `mapstructure:"compensation_action"`
	State              string        `mapstructure:"state"`
}

var (
	storeBackends    = []string{"memory", "redis", "sqlite", "postgres"}
	approvalPolicies = []string{"always", "auto_approve", "review_first_n", "rego"}
)

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	return LoadFromFile("")
}

// LoadFromFile loads configuration from a specific file
func LoadFromFile(configFile string) (*Config, error) {
	return LoadWithViper(viper.New(), configFile)
}

// LoadWithViper loads configuration into a caller-supplied viper instance, which lets
// command-line flags bound to it take precedence over file and environment values.
func LoadWithViper(v *viper.Viper, configFile string) (*Config, error) {
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/contentflow")

	if configFile != "" {
		v.SetConfigFile(configFile)
	}

	v.SetEnvPrefix("CONTENTFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks cross-field constraints that defaults cannot express
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if !contains(storeBackends, c.Store.Backend) {
		return fmt.Errorf("store.backend must be one of %v, got %q", storeBackends, c.Store.Backend)
	}
	if c.Store.TTL <= 0 {
		return fmt.Errorf("store.ttl must be positive")
	}
	switch c.Store.Backend {
	case "redis":
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("store.redis.addr is required for the redis backend")
		}
	case "sqlite":
		if c.Store.SQLite.Path == "" {
			return fmt.Errorf("store.sqlite.path is required for the sqlite backend")
		}
	case "postgres":
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn is required for the postgres backend")
		}
	}

	if c.Engine.MaxConcurrent <= 0 {
		return fmt.Errorf("engine.max_concurrent must be positive")
	}

	if !contains(approvalPolicies, c.Approval.Policy) {
		return fmt.Errorf("approval.policy must be one of %v, got %q", approvalPolicies, c.Approval.Policy)
	}
	if c.Approval.Policy == "rego" && c.Approval.RegoFile == "" {
		return fmt.Errorf("approval.rego_file is required for the rego policy")
	}
	if c.Approval.ReviewWindow <= 0 {
		return fmt.Errorf("approval.review_window must be positive")
	}

	if c.Audit.Enabled && c.Audit.File == "" {
		return fmt.Errorf("audit.file is required when the audit trail is enabled")
	}

	for i, s := range c.Scheduler.Schedules {
		if s.Cron == "" {
			return fmt.Errorf("scheduler.schedules[%d]: cron expression is required", i)
		}
	}

	return nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.grpc_port", 0)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.rate_limit", 5.0)
	v.SetDefault("server.rate_burst", 20)

	// Store defaults
	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.ttl", "24h")
	v.SetDefault("store.key_prefix", "")
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.sqlite.path", "contentflow.db")
	v.SetDefault("store.postgres.dsn", "")

	// Event bus defaults
	v.SetDefault("eventbus.enabled", false)
	v.SetDefault("eventbus.url", "nats://localhost:4222")
	v.SetDefault("eventbus.stream_name", "CONTENTFLOW_EVENTS")
	v.SetDefault("eventbus.max_age", "24h")

	// Telemetry defaults
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.prometheus_port", 9091)
	v.SetDefault("telemetry.jaeger_endpoint", "")
	v.SetDefault("telemetry.service_name", "contentflow")
	v.SetDefault("telemetry.service_version", "1.0.0")
	v.SetDefault("telemetry.sample_rate", 1.0)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output_path", "stdout")
	v.SetDefault("logging.error_path", "stderr")

	// Engine defaults
	v.SetDefault("engine.kind", "content")
	v.SetDefault("engine.max_concurrent", 16)
	v.SetDefault("engine.shutdown_timeout", "30s")
	v.SetDefault("engine.resume_on_start", true)

	// Approval defaults
	v.SetDefault("approval.policy", "review_first_n")
	v.SetDefault("approval.review_limit", 3)
	v.SetDefault("approval.review_window", "24h")
	v.SetDefault("approval.poll_interval", "2s")
	v.SetDefault("approval.rego_file", "")

	// Agent defaults
	v.SetDefault("agents.anthropic.api_key", "")
	v.SetDefault("agents.anthropic.model", "claude-3-5-sonnet-20241022")
	v.SetDefault("agents.anthropic.max_tokens", 4096)
	v.SetDefault("agents.anthropic.base_url", "")
	v.SetDefault("agents.openai.api_key", "")
	v.SetDefault("agents.openai.model", "gpt-4o-mini")
	v.SetDefault("agents.openai.max_tokens", 2048)
	v.SetDefault("agents.openai.base_url", "")
	v.SetDefault("agents.rate_limit", 2.0)
	v.SetDefault("agents.rate_burst", 4)
	v.SetDefault("agents.http_timeout", "60s")

	// Scheduler defaults
	v.SetDefault("scheduler.enabled", false)

	// Audit defaults
	v.SetDefault("audit.enabled", false)
	v.SetDefault("audit.file", "contentflow-audit.log")
	v.SetDefault("audit.max_size_mb", 100)
	v.SetDefault("audit.max_backups", 10)
	v.SetDefault("audit.max_age_days", 30)
	v.SetDefault("audit.compress", true)

	// Pipeline defaults
	v.SetDefault("pipeline.file", "")
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
