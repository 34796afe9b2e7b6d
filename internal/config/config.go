package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/openambit/ambit-sync/pkg/crypto"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	API      APIConfig      `yaml:"api"`
	Database DatabaseConfig `yaml:"database"`
	NATS     NATSConfig     `yaml:"nats"`
	JWT      JWTConfig      `yaml:"jwt"`
	Admin    AdminConfig    `yaml:"admin"`
	Log      LogConfig      `yaml:"log"`
	Devices  []DeviceConfig `yaml:"devices"`
	Sync     SyncConfig     `yaml:"sync"`
	Upload   UploadConfig   `yaml:"upload"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// APIConfig represents status API configuration
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // postgres | sqlite3
	DSN    string `yaml:"dsn"`
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	URL               string        `yaml:"url"`
	ClientID          string        `yaml:"client_id"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// JWTConfig represents JWT configuration
type JWTConfig struct {
	Secret          string        `yaml:"secret"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
}

// AdminConfig holds the single status API account
type AdminConfig struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"` // bcrypt
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console | json
}

// DeviceConfig is one watch reachable through the device bridge
type DeviceConfig struct {
	Handle  string `yaml:"handle"`
	Address string `yaml:"address"`
}

// SyncConfig represents sync orchestrator configuration
type SyncConfig struct {
	Interval       time.Duration `yaml:"interval"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
	ChunkSize      int           `yaml:"chunk_size"`
	MaxLogs        int           `yaml:"max_logs"`
	MaxLogSize     uint32        `yaml:"max_log_size"`
	MaxLogFailures int           `yaml:"max_log_failures"`
	LatestFirmware string        `yaml:"latest_firmware"`
	OrbitalURL     string        `yaml:"orbital_url"`
	OrbitalTimeout time.Duration `yaml:"orbital_timeout"`
}

// UploadConfig represents upload queue configuration
type UploadConfig struct {
	Workers        int           `yaml:"workers"`
	BatchSize      int           `yaml:"batch_size"`
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	Cloud          CloudConfig   `yaml:"cloud"`
}

// CloudConfig selects and configures the cloud upload client
type CloudConfig struct {
	Mode     string        `yaml:"mode"` // http | mqtt
	Endpoint string        `yaml:"endpoint"`
	Token    string        `yaml:"token"`
	Timeout  time.Duration `yaml:"timeout"`
	MQTT     MQTTConfig    `yaml:"mqtt"`
}

// MQTTConfig represents MQTT broker configuration
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// SnapshotConfig represents the debug snapshot sinks
type SnapshotConfig struct {
	Enabled bool          `yaml:"enabled"`
	Dir     string        `yaml:"dir"`
	Buffer  int           `yaml:"buffer"`
	Timeout time.Duration `yaml:"timeout"`
	S3      S3Config      `yaml:"s3"`
}

// S3Config represents an S3 compatible bucket
type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

// Load loads configuration from file. A .env file next to the process is
// applied to the environment first.
func Load(filename string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes a YAML document, applies environment overrides and defaults
// and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Apply environment overrides
	cfg.applyEnvOverrides()

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}

	if driver := os.Getenv("DATABASE_DRIVER"); driver != "" {
		c.Database.Driver = driver
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		c.JWT.Secret = jwtSecret
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}

	if token := os.Getenv("CLOUD_TOKEN"); token != "" {
		c.Upload.Cloud.Token = token
	}

	if key := os.Getenv("S3_ACCESS_KEY_ID"); key != "" {
		c.Snapshot.S3.AccessKeyID = key
	}

	if secret := os.Getenv("S3_SECRET_ACCESS_KEY"); secret != "" {
		c.Snapshot.S3.SecretAccessKey = secret
	}

	if port := os.Getenv("API_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.API.Port = p
		}
	}
}

func (c *Config) setDefaults() {
	if c.Server.Name == "" {
		c.Server.Name = "ambit-sync"
	}

	if c.API.Port == 0 {
		c.API.Port = 8090
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite3"
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite3" {
		c.Database.DSN = "ambit-sync.db"
	}

	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = 10
	}
	if c.NATS.ReconnectInterval == 0 {
		c.NATS.ReconnectInterval = 2 * time.Second
	}

	if c.JWT.AccessTokenTTL == 0 {
		c.JWT.AccessTokenTTL = 15 * time.Minute
	}
	if c.JWT.RefreshTokenTTL == 0 {
		c.JWT.RefreshTokenTTL = 7 * 24 * time.Hour
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}

	if c.Sync.Interval == 0 {
		c.Sync.Interval = time.Minute
	}
	if c.Sync.ConnectTimeout == 0 {
		c.Sync.ConnectTimeout = 5 * time.Second
	}
	if c.Sync.CallTimeout == 0 {
		c.Sync.CallTimeout = 3 * time.Second
	}
	if c.Sync.ChunkSize == 0 {
		c.Sync.ChunkSize = 1024
	}
	if c.Sync.MaxLogs == 0 {
		c.Sync.MaxLogs = 4096
	}
	if c.Sync.MaxLogSize == 0 {
		c.Sync.MaxLogSize = 16 << 20
	}
	if c.Sync.MaxLogFailures == 0 {
		c.Sync.MaxLogFailures = 3
	}
	if c.Sync.OrbitalTimeout == 0 {
		c.Sync.OrbitalTimeout = 30 * time.Second
	}

	if c.Upload.Workers == 0 {
		c.Upload.Workers = 2
	}
	if c.Upload.BatchSize == 0 {
		c.Upload.BatchSize = 8
	}
	if c.Upload.MaxAttempts == 0 {
		c.Upload.MaxAttempts = 8
	}
	if c.Upload.InitialBackoff == 0 {
		c.Upload.InitialBackoff = 5 * time.Second
	}
	if c.Upload.MaxBackoff == 0 {
		c.Upload.MaxBackoff = 30 * time.Minute
	}
	if c.Upload.Multiplier == 0 {
		c.Upload.Multiplier = 2
	}
	if c.Upload.PollInterval == 0 {
		c.Upload.PollInterval = 10 * time.Second
	}
	if c.Upload.Cloud.Mode == "" {
		c.Upload.Cloud.Mode = "http"
	}
	if c.Upload.Cloud.Timeout == 0 {
		c.Upload.Cloud.Timeout = 30 * time.Second
	}
	if c.Upload.Cloud.MQTT.TopicPrefix == "" {
		c.Upload.Cloud.MQTT.TopicPrefix = "ambit"
	}

	if c.Snapshot.Dir == "" {
		c.Snapshot.Dir = "snapshots"
	}
	if c.Snapshot.S3.Region == "" {
		c.Snapshot.S3.Region = "us-east-1"
	}
}

// Validate checks the values that have no usable default
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite3":
	default:
		return fmt.Errorf("database.driver %q must be postgres or sqlite3", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	if c.Admin.PasswordHash != "" {
		if err := crypto.CheckPasswordHash(c.Admin.PasswordHash); err != nil {
			return fmt.Errorf("admin.password_hash: %w", err)
		}
	}

	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if d.Handle == "" || d.Address == "" {
			return fmt.Errorf("devices[%d]: handle and address are required", i)
		}
		if seen[d.Handle] {
			return fmt.Errorf("devices[%d]: duplicate handle %q", i, d.Handle)
		}
		seen[d.Handle] = true
	}

	if c.Sync.ChunkSize < 0 || c.Sync.ChunkSize > 0xFFF0 {
		return fmt.Errorf("sync.chunk_size %d out of range", c.Sync.ChunkSize)
	}
	if c.Sync.MaxLogFailures < 0 {
		return errors.New("sync.max_log_failures must not be negative")
	}

	if c.Upload.Multiplier < 1 {
		return fmt.Errorf("upload.multiplier %.2f must be at least 1", c.Upload.Multiplier)
	}
	if c.Upload.MaxBackoff < c.Upload.InitialBackoff {
		return errors.New("upload.max_backoff must not be below upload.initial_backoff")
	}

	switch c.Upload.Cloud.Mode {
	case "http":
	case "mqtt":
		if c.Upload.Cloud.MQTT.Broker == "" {
			return errors.New("upload.cloud.mqtt.broker is required in mqtt mode")
		}
	default:
		return fmt.Errorf("upload.cloud.mode %q must be http or mqtt", c.Upload.Cloud.Mode)
	}

	if c.Snapshot.S3.Enabled && c.Snapshot.S3.Bucket == "" {
		return errors.New("snapshot.s3.bucket is required when s3 snapshots are enabled")
	}

	return nil
}

// Device returns the configured device with the given handle
func (c *Config) Device(handle string) (DeviceConfig, bool) {
	for _, d := range c.Devices {
		if d.Handle == handle {
			return d, true
		}
	}
	return DeviceConfig{}, false
}
