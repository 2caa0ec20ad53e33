package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultBindAddr = "127.0.0.1:8787"
	defaultLogLevel = "info"
)

type HeartbeatConfig struct {
	// IntervalSeconds is the ping period. A connection silent for three
	// intervals is closed.
	IntervalSeconds int `yaml:"interval_seconds"`
}

type AuthConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
	// MaxAttempts caps non-auth frames tolerated before authentication.
	MaxAttempts int `yaml:"max_attempts"`
	BcryptCost  int `yaml:"bcrypt_cost"`
}

type IngestConfig struct {
	FreshnessWindowSeconds int   `yaml:"freshness_window_seconds"`
	ReplayTTLSeconds       int   `yaml:"replay_ttl_seconds"`
	RateLimit              int   `yaml:"rate_limit"`
	RateWindowSeconds      int   `yaml:"rate_window_seconds"`
	MaxBodyBytes           int64 `yaml:"max_body_bytes"`
	// PayloadSchemaFile optionally replaces the built-in payload schema.
	PayloadSchemaFile string `yaml:"payload_schema_file"`
}

type DeliveryConfig struct {
	AckTimeoutSeconds    int `yaml:"ack_timeout_seconds"`
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
	// MaxAttempts counts the first send. Exhausted events follow OnExhausted.
	MaxAttempts int `yaml:"max_attempts"`
	// OnExhausted is "dead_letter" or "drop".
	OnExhausted            string `yaml:"on_exhausted"`
	FallbackTimeoutSeconds int    `yaml:"fallback_timeout_seconds"`
}

type QueueConfig struct {
	MaxDepth      int `yaml:"max_depth"`
	RetentionDays int `yaml:"retention_days"`
	DrainBatch    int `yaml:"drain_batch"`
	// DrainIntervalSeconds is the period of the background pass that drains
	// queues of agents that are already connected.
	DrainIntervalSeconds int `yaml:"drain_interval_seconds"`
}

type StoreConfig struct {
	// Backend is "sqlite" or "memory".
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

type MaintenanceConfig struct {
	PurgeSchedule           string `yaml:"purge_schedule"`
	RetentionSchedule       string `yaml:"retention_schedule"`
	DeadLetterRetentionDays int    `yaml:"dead_letter_retention_days"`
	AuditLogRetentionDays   int    `yaml:"audit_log_retention_days"`
}

// CORSConfig controls cross-origin access to the admin API.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// ConnectLimitConfig throttles WebSocket upgrades and admin calls per client
// address. It is separate from the per-agent ingest limit.
type ConnectLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

type OTelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	// PublicURL is the externally reachable base used to build agent webhook URLs.
	PublicURL string `yaml:"public_url"`
	LogLevel  string `yaml:"log_level"`

	// AdminToken guards /api/*. Empty disables the admin API.
	AdminToken string `yaml:"admin_token"`
	// SigningSecret is the producer's shared HMAC secret.
	SigningSecret string `yaml:"signing_secret"`
	// EndpointKey is the 32-byte (hex or base64) key sealing callback endpoints.
	EndpointKey string `yaml:"endpoint_key"`

	// AllowOrigins controls which Origin headers are accepted for browser WS connections.
	AllowOrigins []string `yaml:"allow_origins"`

	// ShutdownReconnectAfterMs is suggested to agents when the relay stops.
	ShutdownReconnectAfterMs int `yaml:"shutdown_reconnect_after_ms"`

	Heartbeat   HeartbeatConfig   `yaml:"heartbeat"`
	Auth        AuthConfig        `yaml:"auth"`
	Ingest      IngestConfig      `yaml:"ingest"`
	Delivery    DeliveryConfig    `yaml:"delivery"`
	Queue       QueueConfig       `yaml:"queue"`
	Store       StoreConfig       `yaml:"store"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	OTel        OTelConfig        `yaml:"otel"`

	CORS         CORSConfig         `yaml:"cors"`
	ConnectLimit ConnectLimitConfig `yaml:"connect_limit"`

	// NeedsInit is set when no config.yaml exists yet.
	NeedsInit bool `yaml:"-"`
}

func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Heartbeat.IntervalSeconds) * time.Second
}

func (c Config) AuthTimeout() time.Duration {
	return time.Duration(c.Auth.TimeoutSeconds) * time.Second
}

func (c Config) FreshnessWindow() time.Duration {
	return time.Duration(c.Ingest.FreshnessWindowSeconds) * time.Second
}

func (c Config) ReplayTTL() time.Duration {
	return time.Duration(c.Ingest.ReplayTTLSeconds) * time.Second
}

func (c Config) RateWindow() time.Duration {
	return time.Duration(c.Ingest.RateWindowSeconds) * time.Second
}

func (c Config) AckTimeout() time.Duration {
	return time.Duration(c.Delivery.AckTimeoutSeconds) * time.Second
}

func (c Config) AckSweepInterval() time.Duration {
	return time.Duration(c.Delivery.SweepIntervalSeconds) * time.Second
}

func (c Config) DrainInterval() time.Duration {
	return time.Duration(c.Queue.DrainIntervalSeconds) * time.Second
}

func (c Config) FallbackTimeout() time.Duration {
	return time.Duration(c.Delivery.FallbackTimeoutSeconds) * time.Second
}

func (c Config) ShutdownReconnectAfter() time.Duration {
	return time.Duration(c.ShutdownReconnectAfterMs) * time.Millisecond
}

// DBPath returns the sqlite path, defaulting under the home directory.
func (c Config) DBPath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return filepath.Join(c.HomeDir, "hookrelay.db")
}

// WebhookBaseURL is PublicURL or, failing that, http://BindAddr.
func (c Config) WebhookBaseURL() string {
	if c.PublicURL != "" {
		return strings.TrimRight(c.PublicURL, "/")
	}
	return "http://" + c.BindAddr
}

func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint summarises the settings that matter for a running relay.
// Secrets are excluded.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|public=%s|log=%s|hb=%d|ack=%d|attempts=%d|exhausted=%s|depth=%d|rate=%d/%d|store=%s|origins=%v",
		c.BindAddr, c.PublicURL, c.LogLevel, c.Heartbeat.IntervalSeconds, c.Delivery.AckTimeoutSeconds,
		c.Delivery.MaxAttempts, c.Delivery.OnExhausted, c.Queue.MaxDepth, c.Ingest.RateLimit,
		c.Ingest.RateWindowSeconds, c.Store.Backend, c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:                 DefaultBindAddr,
		LogLevel:                 defaultLogLevel,
		ShutdownReconnectAfterMs: 5000,
		Heartbeat:                HeartbeatConfig{IntervalSeconds: 30},
		Auth: AuthConfig{
			TimeoutSeconds: 10,
			MaxAttempts:    5,
		},
		Ingest: IngestConfig{
			FreshnessWindowSeconds: 300,
			ReplayTTLSeconds:       600,
			RateLimit:              100,
			RateWindowSeconds:      60,
			MaxBodyBytes:           1 << 20,
		},
		Delivery: DeliveryConfig{
			AckTimeoutSeconds:      30,
			SweepIntervalSeconds:   5,
			MaxAttempts:            3,
			OnExhausted:            "dead_letter",
			FallbackTimeoutSeconds: 10,
		},
		Queue: QueueConfig{
			MaxDepth:      1000,
			RetentionDays: 7,
			DrainBatch:    50,

			DrainIntervalSeconds: 30,
		},
		Store: StoreConfig{Backend: "sqlite"},
		ConnectLimit: ConnectLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 60,
			BurstSize:         20,
		},
		Maintenance: MaintenanceConfig{
			PurgeSchedule:           "@every 1m",
			RetentionSchedule:       "@every 1h",
			DeadLetterRetentionDays: 30,
			AuditLogRetentionDays:   90,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("HOOKRELAY_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".hookrelay")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads <homeDir>/config.yaml over the defaults, then applies
// HOOKRELAY_* environment overrides.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create hookrelay home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsInit = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Save writes cfg to <HomeDir>/config.yaml.
func Save(cfg Config) error {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return fmt.Errorf("create hookrelay home: %w", err)
	}
	return os.WriteFile(ConfigPath(cfg.HomeDir), out, 0o600)
}

func normalize(cfg *Config) {
	d := defaultConfig()
	if cfg.BindAddr == "" {
		cfg.BindAddr = d.BindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = d.LogLevel
	}
	if cfg.Heartbeat.IntervalSeconds <= 0 {
		cfg.Heartbeat.IntervalSeconds = d.Heartbeat.IntervalSeconds
	}
	if cfg.Auth.TimeoutSeconds <= 0 {
		cfg.Auth.TimeoutSeconds = d.Auth.TimeoutSeconds
	}
	if cfg.Auth.MaxAttempts <= 0 {
		cfg.Auth.MaxAttempts = d.Auth.MaxAttempts
	}
	if cfg.Ingest.FreshnessWindowSeconds <= 0 {
		cfg.Ingest.FreshnessWindowSeconds = d.Ingest.FreshnessWindowSeconds
	}
	if cfg.Ingest.ReplayTTLSeconds <= 0 {
		cfg.Ingest.ReplayTTLSeconds = d.Ingest.ReplayTTLSeconds
	}
	if cfg.Ingest.RateLimit <= 0 {
		cfg.Ingest.RateLimit = d.Ingest.RateLimit
	}
	if cfg.Ingest.RateWindowSeconds <= 0 {
		cfg.Ingest.RateWindowSeconds = d.Ingest.RateWindowSeconds
	}
	if cfg.Ingest.MaxBodyBytes <= 0 {
		cfg.Ingest.MaxBodyBytes = d.Ingest.MaxBodyBytes
	}
	if cfg.Delivery.AckTimeoutSeconds <= 0 {
		cfg.Delivery.AckTimeoutSeconds = d.Delivery.AckTimeoutSeconds
	}
	if cfg.Delivery.SweepIntervalSeconds <= 0 {
		cfg.Delivery.SweepIntervalSeconds = d.Delivery.SweepIntervalSeconds
	}
	if cfg.Delivery.MaxAttempts <= 0 {
		cfg.Delivery.MaxAttempts = d.Delivery.MaxAttempts
	}
	cfg.Delivery.OnExhausted = strings.ToLower(strings.TrimSpace(cfg.Delivery.OnExhausted))
	if cfg.Delivery.OnExhausted == "" {
		cfg.Delivery.OnExhausted = d.Delivery.OnExhausted
	}
	if cfg.Delivery.FallbackTimeoutSeconds <= 0 {
		cfg.Delivery.FallbackTimeoutSeconds = d.Delivery.FallbackTimeoutSeconds
	}
	if cfg.Queue.MaxDepth <= 0 {
		cfg.Queue.MaxDepth = d.Queue.MaxDepth
	}
	if cfg.Queue.DrainBatch <= 0 {
		cfg.Queue.DrainBatch = d.Queue.DrainBatch
	}
	if cfg.Queue.DrainIntervalSeconds <= 0 {
		cfg.Queue.DrainIntervalSeconds = d.Queue.DrainIntervalSeconds
	}
	cfg.Store.Backend = strings.ToLower(strings.TrimSpace(cfg.Store.Backend))
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = d.Store.Backend
	}
	if cfg.Maintenance.PurgeSchedule == "" {
		cfg.Maintenance.PurgeSchedule = d.Maintenance.PurgeSchedule
	}
	if cfg.Maintenance.RetentionSchedule == "" {
		cfg.Maintenance.RetentionSchedule = d.Maintenance.RetentionSchedule
	}
}

func validate(cfg Config) error {
	switch cfg.Delivery.OnExhausted {
	case "dead_letter", "drop":
	default:
		return fmt.Errorf("delivery.on_exhausted must be dead_letter or drop, got %q", cfg.Delivery.OnExhausted)
	}
	switch cfg.Store.Backend {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("store.backend must be sqlite or memory, got %q", cfg.Store.Backend)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("HOOKRELAY_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("HOOKRELAY_PUBLIC_URL"); raw != "" {
		cfg.PublicURL = raw
	}
	if raw := os.Getenv("HOOKRELAY_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("HOOKRELAY_ADMIN_TOKEN"); raw != "" {
		cfg.AdminToken = raw
	}
	if raw := os.Getenv("HOOKRELAY_SIGNING_SECRET"); raw != "" {
		cfg.SigningSecret = raw
	}
	if raw := os.Getenv("HOOKRELAY_ENDPOINT_KEY"); raw != "" {
		cfg.EndpointKey = raw
	}
	if raw := os.Getenv("HOOKRELAY_STORE_BACKEND"); raw != "" {
		cfg.Store.Backend = raw
	}
	if raw := os.Getenv("HOOKRELAY_DB_PATH"); raw != "" {
		cfg.Store.Path = raw
	}
	if raw := os.Getenv("HOOKRELAY_HEARTBEAT_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Heartbeat.IntervalSeconds = v
		}
	}
	if raw := os.Getenv("HOOKRELAY_ACK_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Delivery.AckTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("HOOKRELAY_RATE_LIMIT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Ingest.RateLimit = v
		}
	}
	if raw := os.Getenv("HOOKRELAY_QUEUE_MAX_DEPTH"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Queue.MaxDepth = v
		}
	}
	if raw := os.Getenv("HOOKRELAY_OTEL_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.OTel.Enabled = v
		}
	}
}
