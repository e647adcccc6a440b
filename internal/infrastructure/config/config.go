package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for WearLink Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Session   SessionConfig   `yaml:"session"`
	Transport TransportConfig `yaml:"transport"`
	Simulator SimulatorConfig `yaml:"simulator"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
}

// SessionConfig controls the device session.
type SessionConfig struct {
	// Mode is "live" or "simulator".
	Mode string `yaml:"mode"`

	// Variant is "release" or "debug".
	Variant string `yaml:"variant"`

	// AutoInitialize starts a session with Mode and Variant at startup.
	AutoInitialize bool `yaml:"auto_initialize"`

	ReleaseAppID string `yaml:"release_app_id"`
	DebugAppID   string `yaml:"debug_app_id"`

	// SendTimeout is in seconds.
	SendTimeout int `yaml:"send_timeout"`
}

// TransportConfig contains settings for each transport endpoint.
type TransportConfig struct {
	Tethered TetheredConfig `yaml:"tethered"`
	BlueZ    BlueZConfig    `yaml:"bluez"`
}

// TetheredConfig locates the device simulator.
type TetheredConfig struct {
	URL            string `yaml:"url"`
	DialTimeout    int    `yaml:"dial_timeout"`
	// RequestTimeout, in seconds, bounds each synchronous call. The device
	// loop is blocked for the duration of the call.
	RequestTimeout int    `yaml:"request_timeout"`
}

// BlueZConfig selects the Bluetooth adapter and companion agent.
type BlueZConfig struct {
	Adapter      string `yaml:"adapter"`
	AgentBusName string `yaml:"agent_bus_name"`
	AgentPath    string `yaml:"agent_path"`
}

// SimulatorConfig controls the debug harness and the managed simulator
// process.
type SimulatorConfig struct {
	// HarnessEnabled wraps debug-variant sessions with synthetic replies.
	HarnessEnabled bool `yaml:"harness_enabled"`

	// MinDelay and MaxDelay bound the reply delay, in milliseconds.
	MinDelay int      `yaml:"min_delay"`
	MaxDelay int      `yaml:"max_delay"`
	Markers  []string `yaml:"markers"`

	Process SimulatorProcessConfig `yaml:"process"`
}

// SimulatorProcessConfig contains settings for managing the simulator executable.
type SimulatorProcessConfig struct {
	// Managed indicates whether WearLink should start the simulator in
	// simulator mode. If false, it is expected to be running already.
	Managed bool `yaml:"managed"`

	Binary string   `yaml:"binary"`
	Args   []string `yaml:"args"`

	// RestartOnFailure enables automatic restart if the simulator crashes.
	RestartOnFailure bool `yaml:"restart_on_failure"`

	// RestartDelaySeconds is the time to wait before restarting (in seconds).
	RestartDelaySeconds int `yaml:"restart_delay_seconds"`

	// MaxRestartAttempts limits restart attempts. 0 means unlimited.
	MaxRestartAttempts int `yaml:"max_restart_attempts"`
}

// DatabaseConfig contains SQLite settings for the event history journal.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// RetentionDays prunes history older than this. 0 keeps everything.
	RetentionDays int `yaml:"retention_days"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
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

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
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

	// Events mirrors log records at or above this level into LOG events.
	Events string `yaml:"events"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains bearer-token settings. An empty secret disables API
// authentication.
type JWTConfig struct {
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: WEARLINK_SECTION_KEY
// For example: WEARLINK_DATABASE_PATH, WEARLINK_API_PORT
//
// An empty path skips the file and uses defaults plus the environment.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Session: SessionConfig{
			Mode:         "live",
			Variant:      "release",
			ReleaseAppID: "64655bbc-555c-484d-827b-4aef68ff6f5e",
			DebugAppID:   "c04a5671-7e39-46e7-b911-1911dbb2fe05",
			SendTimeout:  30,
		},
		Transport: TransportConfig{
			Tethered: TetheredConfig{
				URL:            "ws://127.0.0.1:7381",
				DialTimeout:    10,
				RequestTimeout: 2,
			},
			BlueZ: BlueZConfig{
				Adapter:      "hci0",
				AgentBusName: "org.wearlink.Agent",
				AgentPath:    "/org/wearlink/Agent",
			},
		},
		Simulator: SimulatorConfig{
			HarnessEnabled: true,
			MinDelay:       5000,
			MaxDelay:       10000,
			Markers:        []string{"logs"},
			Process: SimulatorProcessConfig{
				Binary:              "/usr/bin/wearable-simulator",
				RestartOnFailure:    true,
				RestartDelaySeconds: 5,
				MaxRestartAttempts:  10,
			},
		},
		Database: DatabaseConfig{
			Path:          "./data/wearlink.db",
			WALMode:       true,
			BusyTimeout:   5,
			RetentionDays: 7,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "wearlink-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8380,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 45,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
			Events: "info",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: WEARLINK_SECTION_KEY
func applyEnvOverrides(cfg *Config) error {
	var errs []string

	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %q is not an integer", key, v))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %q is not a boolean", key, v))
				return
			}
			*dst = b
		}
	}

	// Session
	str("WEARLINK_SESSION_MODE", &cfg.Session.Mode)
	str("WEARLINK_SESSION_VARIANT", &cfg.Session.Variant)
	flag("WEARLINK_SESSION_AUTO_INITIALIZE", &cfg.Session.AutoInitialize)
	num("WEARLINK_SESSION_SEND_TIMEOUT", &cfg.Session.SendTimeout)

	// Transport
	str("WEARLINK_TETHERED_URL", &cfg.Transport.Tethered.URL)
	str("WEARLINK_BLUEZ_ADAPTER", &cfg.Transport.BlueZ.Adapter)

	// Simulator
	flag("WEARLINK_SIMULATOR_HARNESS_ENABLED", &cfg.Simulator.HarnessEnabled)
	flag("WEARLINK_SIMULATOR_MANAGED", &cfg.Simulator.Process.Managed)
	str("WEARLINK_SIMULATOR_BINARY", &cfg.Simulator.Process.Binary)

	// Database
	flag("WEARLINK_DATABASE_ENABLED", &cfg.Database.Enabled)
	str("WEARLINK_DATABASE_PATH", &cfg.Database.Path)

	// MQTT
	flag("WEARLINK_MQTT_ENABLED", &cfg.MQTT.Enabled)
	str("WEARLINK_MQTT_HOST", &cfg.MQTT.Broker.Host)
	num("WEARLINK_MQTT_PORT", &cfg.MQTT.Broker.Port)
	str("WEARLINK_MQTT_USERNAME", &cfg.MQTT.Auth.Username)
	str("WEARLINK_MQTT_PASSWORD", &cfg.MQTT.Auth.Password)

	// API
	str("WEARLINK_API_HOST", &cfg.API.Host)
	num("WEARLINK_API_PORT", &cfg.API.Port)

	// InfluxDB
	flag("WEARLINK_INFLUXDB_ENABLED", &cfg.InfluxDB.Enabled)
	str("WEARLINK_INFLUXDB_URL", &cfg.InfluxDB.URL)
	str("WEARLINK_INFLUXDB_TOKEN", &cfg.InfluxDB.Token)

	// Logging
	str("WEARLINK_LOG_LEVEL", &cfg.Logging.Level)
	str("WEARLINK_LOG_FORMAT", &cfg.Logging.Format)

	// Security
	str("WEARLINK_JWT_SECRET", &cfg.Security.JWT.Secret)

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// Validate checks the configuration for errors and security issues.
func (c *Config) Validate() error {
	var errs []string

	switch c.Session.Mode {
	case "live", "simulator":
	default:
		errs = append(errs, `session.mode must be "live" or "simulator"`)
	}
	switch c.Session.Variant {
	case "release", "debug":
	default:
		errs = append(errs, `session.variant must be "release" or "debug"`)
	}
	if c.Session.ReleaseAppID == "" || c.Session.DebugAppID == "" {
		errs = append(errs, "session.release_app_id and session.debug_app_id are required")
	}
	if c.Session.SendTimeout < 1 {
		errs = append(errs, "session.send_timeout must be at least 1 second")
	}

	if !strings.HasPrefix(c.Transport.Tethered.URL, "ws://") && !strings.HasPrefix(c.Transport.Tethered.URL, "wss://") {
		errs = append(errs, "transport.tethered.url must be a ws:// or wss:// URL")
	}

	if c.Simulator.MinDelay < 0 || c.Simulator.MaxDelay < c.Simulator.MinDelay {
		errs = append(errs, "simulator delays must satisfy 0 <= min_delay <= max_delay")
	}
	if c.Simulator.Process.Managed && c.Simulator.Process.Binary == "" {
		errs = append(errs, "simulator.process.binary is required when managed")
	}

	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when the history journal is enabled")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required when enabled")
	}

	// An empty secret disables auth; a set one must be strong enough that
	// tokens cannot be forged.
	const minJWTSecretLength = 32
	if s := c.Security.JWT.Secret; s != "" && len(s) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
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

// GetSendTimeout returns the device send timeout as a Duration.
func (c *Config) GetSendTimeout() time.Duration {
	return time.Duration(c.Session.SendTimeout) * time.Second
}
