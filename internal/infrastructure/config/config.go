package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// MinSyncInterval is the shortest automatic sync interval accepted.
const MinSyncInterval = 10 * time.Second

// Config is the root configuration structure for the bioauth service.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Sync      SyncConfig      `yaml:"sync"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DeviceConfig identifies the attendance terminal.
type DeviceConfig struct {
	IP       string `yaml:"ip"`
	Port     int    `yaml:"port"`
	DeviceID int    `yaml:"device_id"`
	CommKey  int    `yaml:"comm_key"`

	// Timeout bounds connect and each device exchange.
	// Default: 5s
	Timeout time.Duration `yaml:"timeout"`

	// CaptureDir, when set, reads attendance and roster data from capture
	// files instead of the live device.
	CaptureDir string `yaml:"capture_dir"`

	Name  string `yaml:"name"`
	Model string `yaml:"model"`
}

// Address returns the device "host:port".
func (d DeviceConfig) Address() string {
	return net.JoinHostPort(d.IP, strconv.Itoa(d.Port))
}

// SyncConfig controls reconciliation runs.
type SyncConfig struct {
	AutoEnabled bool `yaml:"auto_enabled"`

	// Interval between automatic runs. Must be at least MinSyncInterval
	// when AutoEnabled is set. Default: 5m
	Interval time.Duration `yaml:"interval"`

	// StaleAfter flags IN_PROGRESS sync logs older than this. Default: 30m
	StaleAfter time.Duration `yaml:"stale_after"`

	// Retry enables one retry of a timed-out or corrupted device read.
	// Default: true
	Retry bool `yaml:"retry"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
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

// MQTTReconnectConfig contains MQTT reconnection settings in seconds.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains WebSocket hub settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
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
}

// Load builds the configuration.
//
// The loading order is:
//  1. Default values
//  2. YAML file values, when path is not empty
//  3. A .env file beside the YAML file (or in the working directory), if present
//  4. Environment variables
//
// A .env file never overrides variables already set in the environment.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	envFile := ".env"
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
		envFile = filepath.Join(filepath.Dir(path), ".env")
	}

	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("reading %s: %w", envFile, err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			Timeout: 5 * time.Second,
		},
		Sync: SyncConfig{
			Interval:   5 * time.Minute,
			StaleAfter: 30 * time.Minute,
			Retry:      true,
		},
		Database: DatabaseConfig{
			Path:        "./data/bioauth.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "bioauth",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 60,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			Org:           "bioauth",
			Bucket:        "attendance",
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Malformed numeric or boolean values are reported together.
func applyEnvOverrides(cfg *Config) error {
	var errs []string

	setString := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	setInt := func(name string, dst *int) {
		v := os.Getenv(name)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %q is not an integer", name, v))
			return
		}
		*dst = n
	}
	setMillis := func(name string, dst *time.Duration) {
		var ms int
		before := len(errs)
		setInt(name, &ms)
		if len(errs) == before && os.Getenv(name) != "" {
			*dst = time.Duration(ms) * time.Millisecond
		}
	}
	setBool := func(name string, dst *bool) {
		v := os.Getenv(name)
		if v == "" {
			return
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %q is not a boolean", name, v))
			return
		}
		*dst = b
	}

	// Device
	setString("ZKTECO_IP", &cfg.Device.IP)
	setInt("ZKTECO_PORT", &cfg.Device.Port)
	setInt("ZKTECO_DEVICE_ID", &cfg.Device.DeviceID)
	setInt("ZKTECO_COMM_KEY", &cfg.Device.CommKey)
	setMillis("ZKTECO_TIMEOUT_MS", &cfg.Device.Timeout)
	setString("ZKTECO_CAPTURE_DIR", &cfg.Device.CaptureDir)

	// Sync
	setBool("AUTO_SYNC_ENABLED", &cfg.Sync.AutoEnabled)
	setMillis("SYNC_INTERVAL", &cfg.Sync.Interval)

	// Database
	setString("BIOAUTH_DB_PATH", &cfg.Database.Path)

	// MQTT
	setString("BIOAUTH_MQTT_HOST", &cfg.MQTT.Broker.Host)
	setInt("BIOAUTH_MQTT_PORT", &cfg.MQTT.Broker.Port)

	// InfluxDB
	setString("BIOAUTH_INFLUXDB_URL", &cfg.InfluxDB.URL)
	setString("BIOAUTH_INFLUXDB_TOKEN", &cfg.InfluxDB.Token)

	// API
	setInt("BIOAUTH_API_PORT", &cfg.API.Port)

	// Logging
	setString("BIOAUTH_LOG_LEVEL", &cfg.Logging.Level)

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// Validate checks the configuration for errors.
// All problems are reported in a single error.
func (c *Config) Validate() error {
	var errs []string

	// Device
	if c.Device.IP == "" {
		errs = append(errs, "device.ip is required (set ZKTECO_IP)")
	}
	if c.Device.Port < 1 || c.Device.Port > 65535 {
		errs = append(errs, "device.port must be between 1 and 65535 (set ZKTECO_PORT)")
	}
	if c.Device.Timeout <= 0 {
		errs = append(errs, "device.timeout must be positive")
	}

	// Sync
	if c.Sync.AutoEnabled && c.Sync.Interval < MinSyncInterval {
		errs = append(errs, fmt.Sprintf("sync.interval must be at least %s when auto sync is enabled", MinSyncInterval))
	}
	if c.Sync.StaleAfter <= 0 {
		errs = append(errs, "sync.stale_after must be positive")
	}

	// Database
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// MQTT
	if c.MQTT.Enabled {
		if c.MQTT.Broker.Host == "" {
			errs = append(errs, "mqtt.broker.host is required when mqtt is enabled")
		}
		if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
			errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errs = append(errs, "mqtt.qos must be 0, 1, or 2")
		}
	}

	// InfluxDB
	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when influxdb is enabled")
		}
		if c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb.bucket is required when influxdb is enabled")
		}
	}

	// API
	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
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
