package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for ticketbridge.
type Config struct {
	General  GeneralConfig  `json:"general" yaml:"general"`
	Session  SessionConfig  `json:"session" yaml:"session"`
	Delivery DeliveryConfig `json:"delivery" yaml:"delivery"`
	Relay    RelayConfig    `json:"relay" yaml:"relay"`
	Gateway  GatewayConfig  `json:"gateway" yaml:"gateway"`
	Backend  BackendConfig  `json:"backend" yaml:"backend"`
	Store    StoreConfig    `json:"store" yaml:"store"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel" yaml:"logLevel" env:"TICKETBRIDGE_LOG_LEVEL"`
	LogFile  string `json:"logFile,omitempty" yaml:"logFile,omitempty" env:"TICKETBRIDGE_LOG_FILE"`
}

// SessionConfig configures the WhatsApp Web session and its readiness gate.
type SessionConfig struct {
	Name                string `json:"name" yaml:"name" env:"TICKETBRIDGE_SESSION_NAME"`
	URL                 string `json:"url" yaml:"url" env:"TICKETBRIDGE_SESSION_URL"`
	ProfileDir          string `json:"profileDir" yaml:"profileDir" env:"TICKETBRIDGE_SESSION_PROFILE_DIR"`
	Headless            bool   `json:"headless" yaml:"headless" env:"TICKETBRIDGE_SESSION_HEADLESS"`
	HelperScript        string `json:"helperScript,omitempty" yaml:"helperScript,omitempty" env:"TICKETBRIDGE_SESSION_HELPER_SCRIPT"`
	LoginTimeoutSeconds int    `json:"loginTimeoutSeconds" yaml:"loginTimeoutSeconds" env:"TICKETBRIDGE_SESSION_LOGIN_TIMEOUT"`
	ContactSuffix       string `json:"contactSuffix" yaml:"contactSuffix" env:"TICKETBRIDGE_SESSION_CONTACT_SUFFIX"`
	ReadyIntervalMillis int    `json:"readyIntervalMillis" yaml:"readyIntervalMillis" env:"TICKETBRIDGE_SESSION_READY_INTERVAL_MS"`
	ReadyTimeoutSeconds int    `json:"readyTimeoutSeconds" yaml:"readyTimeoutSeconds" env:"TICKETBRIDGE_SESSION_READY_TIMEOUT"`
}

// DeliveryConfig configures the outbound delivery pipeline.
type DeliveryConfig struct {
	MaxAttempts     int `json:"maxAttempts" yaml:"maxAttempts" env:"TICKETBRIDGE_DELIVERY_MAX_ATTEMPTS"`
	BaseDelayMillis int `json:"baseDelayMillis" yaml:"baseDelayMillis" env:"TICKETBRIDGE_DELIVERY_BASE_DELAY_MS"`
	// Serialize makes concurrent sends take turns on the single session.
	// Set to false to let them interleave.
	Serialize bool `json:"serialize" yaml:"serialize" env:"TICKETBRIDGE_DELIVERY_SERIALIZE"`
}

type RelayConfig struct {
	Workers   int `json:"workers" yaml:"workers" env:"TICKETBRIDGE_RELAY_WORKERS"`
	QueueSize int `json:"queueSize" yaml:"queueSize" env:"TICKETBRIDGE_RELAY_QUEUE_SIZE"`
}

type GatewayConfig struct {
	Host string `json:"host" yaml:"host" env:"TICKETBRIDGE_GATEWAY_HOST"`
	Port int    `json:"port" yaml:"port" env:"TICKETBRIDGE_GATEWAY_PORT"`
	// Events enables the websocket event stream on /events.
	Events bool `json:"events" yaml:"events" env:"TICKETBRIDGE_GATEWAY_EVENTS"`
}

// BackendConfig points at the ticketing application's ingestion endpoint.
type BackendConfig struct {
	IngestURL      string `json:"ingestURL" yaml:"ingestURL" env:"TICKETBRIDGE_BACKEND_INGEST_URL"`
	AuthToken      string `json:"authToken,omitempty" yaml:"authToken,omitempty" env:"TICKETBRIDGE_BACKEND_AUTH_TOKEN"`
	TimeoutSeconds int    `json:"timeoutSeconds" yaml:"timeoutSeconds" env:"TICKETBRIDGE_BACKEND_TIMEOUT"`
	// LegacyPayload posts {"numero","texto"} instead of {"senderId","body"}
	// for backends still on the old field names.
	LegacyPayload bool `json:"legacyPayload" yaml:"legacyPayload" env:"TICKETBRIDGE_BACKEND_LEGACY_PAYLOAD"`
}

type StoreConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" env:"TICKETBRIDGE_STORE_ENABLED"`
	DBPath  string `json:"dbPath" yaml:"dbPath" env:"TICKETBRIDGE_STORE_DB_PATH"`
}

type MetricsConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled" env:"TICKETBRIDGE_METRICS_ENABLED"`
	Endpoint string `json:"endpoint" yaml:"endpoint" env:"TICKETBRIDGE_METRICS_ENDPOINT"`
}

func (c SessionConfig) ReadyInterval() time.Duration {
	return time.Duration(c.ReadyIntervalMillis) * time.Millisecond
}

func (c SessionConfig) ReadyTimeout() time.Duration {
	return time.Duration(c.ReadyTimeoutSeconds) * time.Second
}

func (c SessionConfig) LoginTimeout() time.Duration {
	return time.Duration(c.LoginTimeoutSeconds) * time.Second
}

func (c DeliveryConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelayMillis) * time.Millisecond
}

func (c BackendConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DefaultConfigDir returns the default config directory (~/.ticketbridge).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ticketbridge"
	}
	return filepath.Join(home, ".ticketbridge")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Load reads a YAML or JSON config file (by extension), expands ${VAR}
// references, applies TICKETBRIDGE_* environment overrides and validates.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isJSON(path) {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	if err := finish(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv returns the defaults with environment overrides applied. Used when
// no config file exists.
func FromEnv() (*Config, error) {
	cfg := Defaults()
	if err := finish(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func finish(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("environment overrides: %w", err)
	}

	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Session.ProfileDir = ExpandPath(cfg.Session.ProfileDir)
	cfg.Session.HelperScript = ExpandPath(cfg.Session.HelperScript)
	cfg.Store.DBPath = ExpandPath(cfg.Store.DBPath)

	if err := Validate(cfg); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	return nil
}

func isJSON(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}

// envVarPattern matches ${VAR} and ${VAR:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty; an unset
// variable without a default is left as is.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name := groups[1]
		fallback, hasDefault := groups[2], strings.Contains(match, ":-")

		if val, ok := os.LookupEnv(name); ok && val != "" {
			return val
		}
		if hasDefault {
			return fallback
		}
		return match
	})
}

// Save writes cfg as YAML, or JSON when path ends in .json.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isJSON(path) {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values and reports every problem
// at once.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Session.URL == "" {
		errs = append(errs, "session.url is required")
	}
	if cfg.Session.ContactSuffix == "" || !strings.HasPrefix(cfg.Session.ContactSuffix, "@") {
		errs = append(errs, "session.contactSuffix must start with @")
	}
	if cfg.Session.ReadyIntervalMillis < 1 {
		errs = append(errs, "session.readyIntervalMillis must be >= 1")
	}
	if cfg.Session.ReadyTimeoutSeconds < 1 {
		errs = append(errs, "session.readyTimeoutSeconds must be >= 1")
	}
	if cfg.Session.LoginTimeoutSeconds < 1 {
		errs = append(errs, "session.loginTimeoutSeconds must be >= 1")
	}

	if cfg.Delivery.MaxAttempts < 1 || cfg.Delivery.MaxAttempts > 10 {
		errs = append(errs, "delivery.maxAttempts must be between 1 and 10")
	}
	if cfg.Delivery.BaseDelayMillis < 0 {
		errs = append(errs, "delivery.baseDelayMillis must be >= 0")
	}

	if cfg.Relay.Workers < 1 || cfg.Relay.Workers > 64 {
		errs = append(errs, "relay.workers must be between 1 and 64")
	}
	if cfg.Relay.QueueSize < 1 {
		errs = append(errs, "relay.queueSize must be >= 1")
	}

	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		errs = append(errs, "gateway.port must be between 0 and 65535")
	}

	if u, err := url.Parse(cfg.Backend.IngestURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, "backend.ingestURL must be an absolute URL")
	}
	if cfg.Backend.TimeoutSeconds < 1 {
		errs = append(errs, "backend.timeoutSeconds must be >= 1")
	}

	if cfg.Store.Enabled && cfg.Store.DBPath == "" {
		errs = append(errs, "store.dbPath is required when the store is enabled")
	}
	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
		errs = append(errs, "metrics.endpoint must start with /")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
