package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for AquaSync Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Service      ServiceConfig      `yaml:"service"`
	Docstore     DocstoreConfig     `yaml:"docstore"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	API          APIConfig          `yaml:"api"`
	WebSocket    WebSocketConfig    `yaml:"websocket"`
	InfluxDB     InfluxDBConfig     `yaml:"influxdb"`
	Logging      LoggingConfig      `yaml:"logging"`
	Engine       EngineConfig       `yaml:"engine"`
	Subscription SubscriptionConfig `yaml:"subscription"`
}

// ServiceConfig contains service-level identity settings.
type ServiceConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"`
}

// DocstoreConfig contains document store (SQLite) settings.
type DocstoreConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains observer WebSocket settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings for the
// optional usage telemetry mirror.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// EngineConfig contains the synchronization engine's timing settings.
//
// These are engine-internal timeouts; no operation accepts a
// caller-supplied deadline.
type EngineConfig struct {
	// AckTimeout is how long a control command waits for a device
	// acknowledgment before resolving failure.
	AckTimeout time.Duration `yaml:"ack_timeout"`

	// LivenessInterval is how often the liveness sweep runs.
	LivenessInterval time.Duration `yaml:"liveness_interval"`

	// LivenessThreshold is the maximum silence before a device is
	// considered offline.
	LivenessThreshold time.Duration `yaml:"liveness_threshold"`
}

// SubscriptionConfig contains entitlement window settings.
type SubscriptionConfig struct {
	// DefaultDuration is the entitlement window length applied when a
	// subscription is activated.
	DefaultDuration time.Duration `yaml:"default_duration"`

	// DefaultPlanName is recorded in pastPlans when a window with no
	// explicit plan name is archived.
	DefaultPlanName string `yaml:"default_plan_name"`
}

// UnmarshalYAML parses engine durations from strings like "5s".
// Fields absent from the file keep their defaults.
func (c *EngineConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		AckTimeout        string `yaml:"ack_timeout"`
		LivenessInterval  string `yaml:"liveness_interval"`
		LivenessThreshold string `yaml:"liveness_threshold"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	for _, f := range []struct {
		text string
		dst  *time.Duration
	}{
		{raw.AckTimeout, &c.AckTimeout},
		{raw.LivenessInterval, &c.LivenessInterval},
		{raw.LivenessThreshold, &c.LivenessThreshold},
	} {
		if f.text == "" {
			continue
		}
		d, err := time.ParseDuration(f.text)
		if err != nil {
			return fmt.Errorf("parsing engine duration %q: %w", f.text, err)
		}
		*f.dst = d
	}
	return nil
}

// UnmarshalYAML parses the subscription window duration from strings
// like "720h".
func (c *SubscriptionConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		DefaultDuration string `yaml:"default_duration"`
		DefaultPlanName string `yaml:"default_plan_name"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	if raw.DefaultDuration != "" {
		d, err := time.ParseDuration(raw.DefaultDuration)
		if err != nil {
			return fmt.Errorf("parsing subscription duration %q: %w", raw.DefaultDuration, err)
		}
		c.DefaultDuration = d
	}
	if raw.DefaultPlanName != "" {
		c.DefaultPlanName = raw.DefaultPlanName
	}
	return nil
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: AQUASYNC_SECTION_KEY
// For example: AQUASYNC_DOCSTORE_PATH, AQUASYNC_MQTT_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			ID:       "aquasync-001",
			Name:     "AquaSync Core",
			Timezone: "UTC",
		},
		Docstore: DocstoreConfig{
			Path:        "./data/aquasync.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "aquasync-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 3001,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Engine: EngineConfig{
			AckTimeout:        5 * time.Second,
			LivenessInterval:  60 * time.Second,
			LivenessThreshold: 60 * time.Second,
		},
		Subscription: SubscriptionConfig{
			DefaultDuration: 720 * time.Hour,
			DefaultPlanName: "standard",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: AQUASYNC_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Docstore
	if v := os.Getenv("AQUASYNC_DOCSTORE_PATH"); v != "" {
		cfg.Docstore.Path = v
	}

	// MQTT
	if v := os.Getenv("AQUASYNC_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("AQUASYNC_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("AQUASYNC_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("AQUASYNC_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// InfluxDB
	if v := os.Getenv("AQUASYNC_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Service.ID == "" {
		errs = append(errs, "service.id is required")
	}

	if c.Docstore.Path == "" {
		errs = append(errs, "docstore.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.Engine.AckTimeout <= 0 {
		errs = append(errs, "engine.ack_timeout must be positive")
	}
	if c.Engine.LivenessInterval <= 0 {
		errs = append(errs, "engine.liveness_interval must be positive")
	}
	if c.Engine.LivenessThreshold <= 0 {
		errs = append(errs, "engine.liveness_threshold must be positive")
	}

	if c.Subscription.DefaultDuration <= 0 {
		errs = append(errs, "subscription.default_duration must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
