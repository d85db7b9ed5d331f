package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"agentgate/internal/domain"
)

// Duration wraps time.Duration with YAML support for "30s" style values.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the top-level gateway configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Logger     LoggerConfig     `yaml:"logger"`
	Tracer     TracerConfig     `yaml:"tracer"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	RateLimits RateLimitsConfig `yaml:"rate_limits"`
	Breaker    BreakerConfig    `yaml:"breaker"`
	Providers  []ProviderConfig `yaml:"providers"`
	Agents     []AgentConfig    `yaml:"agents"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Stats      StatsConfig      `yaml:"stats"`
}

// ServerConfig holds the HTTP surface settings.
type ServerConfig struct {
	Addr            string            `yaml:"addr"`
	ShutdownTimeout Duration          `yaml:"shutdown_timeout"`
	RequestsPerMin  int               `yaml:"requests_per_min"` // transport-level IP guard
	Burst           int               `yaml:"burst"`
	TrustedProxies  []string          `yaml:"trusted_proxies"`
	WSOrigins       []string          `yaml:"ws_origins"`
	AuthTokens      []AuthTokenConfig `yaml:"auth_tokens"`
}

// AuthTokenConfig is one static bearer token entry.
type AuthTokenConfig struct {
	Token string `yaml:"token"`
	Name  string `yaml:"name"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
	Output string `yaml:"output"` // "stdout", "stderr", or a file path
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "noop"
}

// DispatchConfig bounds a single dispatch call.
type DispatchConfig struct {
	// AttemptTimeout bounds each provider attempt so one slow provider
	// cannot consume the budget left for fallbacks.
	AttemptTimeout   Duration `yaml:"attempt_timeout"`
	MaxMessageBytes  int      `yaml:"max_message_bytes"`
	MaxMessageTokens int      `yaml:"max_message_tokens"`
	StreamBuffer     int      `yaml:"stream_buffer"`
}

// RateLimitsConfig holds the per-endpoint-class admission table.
type RateLimitsConfig struct {
	Classes []RateLimitClassConfig `yaml:"classes"`
	// SweepSchedule is a cron expression for the expired-window sweep.
	SweepSchedule string `yaml:"sweep_schedule"`
}

// RateLimitClassConfig configures one endpoint class.
type RateLimitClassConfig struct {
	Name   string   `yaml:"name"`
	Limit  int      `yaml:"limit"`
	Window Duration `yaml:"window"`
}

// BreakerConfig configures the per-provider circuit breaker.
type BreakerConfig struct {
	MaxFailures uint32   `yaml:"max_failures"`
	Timeout     Duration `yaml:"timeout"`
	Interval    Duration `yaml:"interval"`
}

// PoolConfig configures HTTP connection pooling for provider clients.
type PoolConfig struct {
	MaxIdleConns        int      `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int      `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int      `yaml:"max_conns_per_host"`
	IdleConnTimeout     Duration `yaml:"idle_conn_timeout"`
}

// ProviderConfig configures one inference backend client.
type ProviderConfig struct {
	Name        string     `yaml:"name"`
	Type        string     `yaml:"type"` // openai, anthropic, gemini, ollama, bedrock
	Model       string     `yaml:"model"`
	APIKey      string     `yaml:"api_key"`
	BaseURL     string     `yaml:"base_url"`
	Region      string     `yaml:"region"` // bedrock only
	ConnTimeout Duration   `yaml:"conn_timeout"`
	RespTimeout Duration   `yaml:"resp_timeout"`
	Pool        PoolConfig `yaml:"pool"`
}

// AgentConfig defines one agent profile in YAML form.
type AgentConfig struct {
	ID             string   `yaml:"id"`
	Provider       string   `yaml:"provider"`
	Fallbacks      []string `yaml:"fallbacks"`
	Model          string   `yaml:"model"`
	SpecializedFor []string `yaml:"specialized_for"`
}

// Profile converts the YAML form to the domain profile.
func (a AgentConfig) Profile() domain.AgentProviderProfile {
	return domain.AgentProviderProfile{
		AgentID:           a.ID,
		PrimaryProvider:   a.Provider,
		FallbackProviders: a.Fallbacks,
		Model:             a.Model,
		SpecializedFor:    a.SpecializedFor,
	}
}

// CatalogConfig points at an optional SQLite agent catalog. When Path is set,
// profiles load from the catalog instead of the inline agents list.
type CatalogConfig struct {
	Path string `yaml:"path"`
}

// StatsConfig configures the optional aggregate-snapshot persistence.
type StatsConfig struct {
	SnapshotPath     string `yaml:"snapshot_path"`
	SnapshotSchedule string `yaml:"snapshot_schedule"` // cron expression
}

// Built-in endpoint classes. "general" is the permissive default applied to
// unknown classes.
const (
	ClassAgentChat = "agent-chat"
	ClassGeneral   = "general"
)

// Defaults applied after unmarshal for anything the file leaves unset.
func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = Duration(15 * time.Second)
	}
	if c.Server.RequestsPerMin == 0 {
		c.Server.RequestsPerMin = 300
	}
	if c.Server.Burst == 0 {
		c.Server.Burst = 50
	}
	if len(c.Server.WSOrigins) == 0 {
		c.Server.WSOrigins = []string{"localhost:*", "127.0.0.1:*"}
	}
	if c.Dispatch.AttemptTimeout == 0 {
		c.Dispatch.AttemptTimeout = Duration(8 * time.Second)
	}
	if c.Dispatch.MaxMessageBytes == 0 {
		c.Dispatch.MaxMessageBytes = 32 * 1024
	}
	if c.Dispatch.MaxMessageTokens == 0 {
		c.Dispatch.MaxMessageTokens = 8000
	}
	if c.Dispatch.StreamBuffer == 0 {
		c.Dispatch.StreamBuffer = 16
	}
	if c.RateLimits.SweepSchedule == "" {
		c.RateLimits.SweepSchedule = "@every 5m"
	}
	if !c.hasClass(ClassAgentChat) {
		c.RateLimits.Classes = append(c.RateLimits.Classes, RateLimitClassConfig{
			Name: ClassAgentChat, Limit: 30, Window: Duration(time.Hour),
		})
	}
	if !c.hasClass(ClassGeneral) {
		c.RateLimits.Classes = append(c.RateLimits.Classes, RateLimitClassConfig{
			Name: ClassGeneral, Limit: 120, Window: Duration(time.Minute),
		})
	}
}

func (c *Config) hasClass(name string) bool {
	for _, cl := range c.RateLimits.Classes {
		if cl.Name == name {
			return true
		}
	}
	return false
}

// Classes returns the admission table keyed by class name.
func (c *Config) Classes() map[string]domain.RateLimitClass {
	out := make(map[string]domain.RateLimitClass, len(c.RateLimits.Classes))
	for _, cl := range c.RateLimits.Classes {
		out[cl.Name] = domain.RateLimitClass{
			Name:   cl.Name,
			Limit:  cl.Limit,
			Window: cl.Window.Std(),
		}
	}
	return out
}

// Load reads, expands, and validates the configuration at path.
// ${VAR} references in the file are expanded from the environment, so API
// keys stay out of the file itself. A handful of AGENTGATE_* variables
// override their file counterparts.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.NewDomainError("config.Load", domain.ErrConfigLoad, err.Error())
	}

	expanded := os.Expand(string(raw), func(key string) string {
		return os.Getenv(key)
	})

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, domain.NewDomainError("config.Load", domain.ErrConfigLoad, err.Error())
	}

	applyEnvOverrides(&cfg)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENTGATE_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("AGENTGATE_LOG_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("AGENTGATE_LOG_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("AGENTGATE_CATALOG"); v != "" {
		cfg.Catalog.Path = v
	}
}
