package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned by Validate; the gateway refuses to start on it.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config captures runtime configuration sourced from an optional YAML file and environment variables.
type Config struct {
	Environment  string `yaml:"environment"`
	HTTPPort     string `yaml:"http_port"`
	DatabasePath string `yaml:"database_path"`
	LogDir       string `yaml:"log_dir"`
	Debug        bool   `yaml:"debug"`

	Gateway       GatewayConfig      `yaml:"gateway"`
	Backend       BackendConfig      `yaml:"backend"`
	Policy        PolicyConfig       `yaml:"policy"`
	Security      SecurityConfig     `yaml:"security"`
	Notifications NotificationConfig `yaml:"notifications"`
}

// GatewayConfig identifies this gateway towards the ledger. ID also seeds the device privacy salt.
type GatewayConfig struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	Location     string   `yaml:"location"`
	Capabilities []string `yaml:"capabilities"`
	// Secret signs the short-lived assertion attached to every backend call. Empty disables it.
	Secret string `yaml:"secret"`
	// SaltScheme picks how the device privacy salt is derived: "hkdf" or "legacy".
	// Use legacy when hashed device IDs must match gateways already deployed with it.
	SaltScheme string `yaml:"salt_scheme"`
}

// BackendConfig configures the endpoint pool and the retrying backend gateway.
type BackendConfig struct {
	StaticNodes         []string      `yaml:"static_nodes"`
	DiscoveryDomains    []string      `yaml:"discovery_domains"`
	APIVersion          string        `yaml:"api_version"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	ConnectionTimeout   time.Duration `yaml:"connection_timeout"`
	CallTimeout         time.Duration `yaml:"call_timeout"`
	MaxAttempts         int           `yaml:"max_attempts"`
	RetryBackoff        time.Duration `yaml:"retry_backoff"`
	NoEndpointWait      time.Duration `yaml:"no_endpoint_wait"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	// ForwardAudit ships decision records to the audit-logging chaincode.
	ForwardAudit bool `yaml:"forward_audit"`
	// MaxResponseBytes caps a single backend response body.
	MaxResponseBytes int64 `yaml:"max_response_bytes"`
}

// PolicyConfig configures the local store, sync cadence and the decision engine.
type PolicyConfig struct {
	SyncInterval    time.Duration `yaml:"sync_interval"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	DefaultDecision string        `yaml:"default_decision"`
	IncludeDisabled bool          `yaml:"include_disabled"`
}

// SecurityConfig guards the local API.
type SecurityConfig struct {
	// AdminSecret verifies bearer JWTs on mutating routes. Empty disables admin routes.
	AdminSecret string `yaml:"admin_secret"`
	// AdminWhitelist is a comma-separated list of IPs/CIDRs allowed to reach admin routes.
	AdminWhitelist string  `yaml:"admin_whitelist"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

// NotificationConfig lists shoutrrr service URLs that receive operator alerts.
type NotificationConfig struct {
	URLs []string `yaml:"urls"`
}

// Defaults returns the configuration the gateway boots with when nothing is supplied.
func Defaults() Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "local"
	}
	return Config{
		Environment:  "development",
		HTTPPort:     "8081",
		DatabasePath: filepath.Join("data", "policies.db"),
		LogDir:       filepath.Join("data", "logs"),
		Gateway: GatewayConfig{
			ID:           "gateway-" + host,
			Name:         "EdgeGate",
			Location:     "default",
			Capabilities: []string{"mqtt", "coap", "policy_enforcement"},
			SaltScheme:   "hkdf",
		},
		Backend: BackendConfig{
			StaticNodes:         []string{"localhost:8080"},
			DiscoveryDomains:    []string{"_beacon-io._tcp.beacon.local"},
			APIVersion:          "v1",
			HealthCheckInterval: 30 * time.Second,
			ConnectionTimeout:   10 * time.Second,
			CallTimeout:         10 * time.Second,
			MaxAttempts:         3,
			RetryBackoff:        500 * time.Millisecond,
			NoEndpointWait:      time.Second,
			HeartbeatInterval:   time.Minute,
			MaxResponseBytes:    32 << 20,
		},
		Policy: PolicyConfig{
			SyncInterval:    5 * time.Minute,
			CleanupInterval: 10 * time.Minute,
			RefreshInterval: time.Minute,
			DefaultDecision: "deny",
		},
		Security: SecurityConfig{
			AdminWhitelist: "127.0.0.0/8,::1/128,10.0.0.0/8,172.16.0.0/12,192.168.0.0/16",
			RateLimitRPS:   200,
			RateLimitBurst: 400,
		},
	}
}

// Load starts from Defaults, overlays the YAML file at path (if non-empty) and then
// EDGEGATE_* environment variables, validates the result and ensures the data directory exists.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path == "" {
		path = os.Getenv("EDGEGATE_CONFIG")
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return Config{}, fmt.Errorf("ensure data directory: %w", err)
	}

	return cfg, nil
}

// Validate reports configuration errors that must stop the process at startup.
func (c Config) Validate() error {
	switch c.Policy.DefaultDecision {
	case "allow", "deny":
	default:
		return fmt.Errorf("%w: default decision %q must be allow or deny", ErrInvalidConfig, c.Policy.DefaultDecision)
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("%w: database path is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.Gateway.ID) == "" {
		return fmt.Errorf("%w: gateway id is required", ErrInvalidConfig)
	}
	if c.Backend.MaxAttempts < 1 {
		return fmt.Errorf("%w: backend max attempts must be at least 1", ErrInvalidConfig)
	}
	if c.Backend.MaxResponseBytes < 1 {
		return fmt.Errorf("%w: backend max response bytes must be positive", ErrInvalidConfig)
	}
	switch c.Gateway.SaltScheme {
	case "hkdf", "legacy":
	default:
		return fmt.Errorf("%w: salt scheme %q must be hkdf or legacy", ErrInvalidConfig, c.Gateway.SaltScheme)
	}
	if c.Policy.RefreshInterval <= 0 || c.Backend.HealthCheckInterval <= 0 || c.Policy.SyncInterval <= 0 {
		return fmt.Errorf("%w: intervals must be positive", ErrInvalidConfig)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Environment = getEnv("EDGEGATE_ENV", cfg.Environment)
	cfg.HTTPPort = getEnv("EDGEGATE_HTTP_PORT", cfg.HTTPPort)
	cfg.DatabasePath = getEnv("EDGEGATE_DB_PATH", cfg.DatabasePath)
	cfg.LogDir = getEnv("EDGEGATE_LOG_DIR", cfg.LogDir)
	cfg.Debug = getEnvBool("EDGEGATE_DEBUG", cfg.Debug)

	cfg.Gateway.ID = getEnv("EDGEGATE_GATEWAY_ID", cfg.Gateway.ID)
	cfg.Gateway.Name = getEnv("EDGEGATE_GATEWAY_NAME", cfg.Gateway.Name)
	cfg.Gateway.Location = getEnv("EDGEGATE_GATEWAY_LOCATION", cfg.Gateway.Location)
	cfg.Gateway.Secret = getEnv("EDGEGATE_GATEWAY_SECRET", cfg.Gateway.Secret)
	cfg.Gateway.SaltScheme = strings.ToLower(getEnv("EDGEGATE_SALT_SCHEME", cfg.Gateway.SaltScheme))

	cfg.Backend.StaticNodes = getEnvList("EDGEGATE_BACKEND_NODES", cfg.Backend.StaticNodes)
	cfg.Backend.HealthCheckInterval = getEnvDuration("EDGEGATE_HEALTH_INTERVAL", cfg.Backend.HealthCheckInterval)
	cfg.Backend.ConnectionTimeout = getEnvDuration("EDGEGATE_CONNECTION_TIMEOUT", cfg.Backend.ConnectionTimeout)
	cfg.Backend.CallTimeout = getEnvDuration("EDGEGATE_CALL_TIMEOUT", cfg.Backend.CallTimeout)
	cfg.Backend.MaxAttempts = getEnvInt("EDGEGATE_MAX_ATTEMPTS", cfg.Backend.MaxAttempts)
	cfg.Backend.ForwardAudit = getEnvBool("EDGEGATE_FORWARD_AUDIT", cfg.Backend.ForwardAudit)
	if n := getEnvInt("EDGEGATE_MAX_RESPONSE_BYTES", 0); n > 0 {
		cfg.Backend.MaxResponseBytes = int64(n)
	}

	cfg.Policy.SyncInterval = getEnvDuration("EDGEGATE_SYNC_INTERVAL", cfg.Policy.SyncInterval)
	cfg.Policy.CleanupInterval = getEnvDuration("EDGEGATE_CLEANUP_INTERVAL", cfg.Policy.CleanupInterval)
	cfg.Policy.RefreshInterval = getEnvDuration("EDGEGATE_REFRESH_INTERVAL", cfg.Policy.RefreshInterval)
	cfg.Policy.DefaultDecision = strings.ToLower(getEnv("EDGEGATE_DEFAULT_DECISION", cfg.Policy.DefaultDecision))

	cfg.Security.AdminSecret = getEnv("EDGEGATE_ADMIN_SECRET", cfg.Security.AdminSecret)
	cfg.Security.AdminWhitelist = getEnv("EDGEGATE_ADMIN_WHITELIST", cfg.Security.AdminWhitelist)

	cfg.Notifications.URLs = getEnvList("EDGEGATE_NOTIFY_URLS", cfg.Notifications.URLs)
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}

	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
