package main

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds everything a supervisor or worker reads at startup.
// Server and SecureServer are nil when the block is absent from the file.
type Config struct {
	DB              DBConfig            `mapstructure:"db" yaml:"db"`
	Server          *ServerConfig       `mapstructure:"server" yaml:"server,omitempty"`
	SecureServer    *SecureServerConfig `mapstructure:"secureServer" yaml:"secureServer,omitempty"`
	Debug           bool                `mapstructure:"debug" yaml:"debug"`
	Workers         int                 `mapstructure:"workers" yaml:"workers"`
	ShutdownTimeout time.Duration       `mapstructure:"shutdownTimeout" yaml:"shutdownTimeout"`
	Log             LoggingConfig       `mapstructure:"log" yaml:"log"`
	Metrics         *MetricsConfig      `mapstructure:"metrics" yaml:"metrics,omitempty"`
}

// DBConfig describes the backend and the per-worker connection pool.
type DBConfig struct {
	Driver     string `mapstructure:"driver" yaml:"driver"`
	ConnString string `mapstructure:"connString" yaml:"connString"`
	Username   string `mapstructure:"username" yaml:"username"`
	Password   string `mapstructure:"password" yaml:"password"`
	// Pool is the maximum number of live connections per worker.
	Pool int `mapstructure:"pool" yaml:"pool"`
	// Timeout is the idle timeout; bare numbers are milliseconds.
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Debug          bool          `mapstructure:"debug" yaml:"debug"`
	Query          string        `mapstructure:"query" yaml:"query"`
	AcquireTimeout time.Duration `mapstructure:"acquireTimeout" yaml:"acquireTimeout"`
	MaxWaiters     int           `mapstructure:"maxWaiters" yaml:"maxWaiters"`
	DrainTimeout   time.Duration `mapstructure:"drainTimeout" yaml:"drainTimeout"`
	// FailFast makes a failed connection attempt terminate the worker.
	FailFast bool `mapstructure:"failFast" yaml:"failFast"`
}

// ServerConfig is a plaintext listener.
type ServerConfig struct {
	Host           string        `mapstructure:"host" yaml:"host"`
	Port           int           `mapstructure:"port" yaml:"port"`
	MaxConnections int           `mapstructure:"maxConnections" yaml:"maxConnections,omitempty"`
	ReadTimeout    time.Duration `mapstructure:"readTimeout" yaml:"readTimeout,omitempty"`
	WriteTimeout   time.Duration `mapstructure:"writeTimeout" yaml:"writeTimeout,omitempty"`
}

// SecureServerConfig is a TLS listener.
type SecureServerConfig struct {
	ServerConfig `mapstructure:",squash" yaml:",inline"`
	EnableHTTP2  bool       `mapstructure:"enableHTTP2" yaml:"enableHTTP2"`
	Options      TLSOptions `mapstructure:"options" yaml:"options"`
}

// TLSOptions holds filesystem paths (or inline PEM) for the certificate material.
type TLSOptions struct {
	Key        string `mapstructure:"key" yaml:"key,omitempty"`
	Cert       string `mapstructure:"cert" yaml:"cert,omitempty"`
	Pfx        string `mapstructure:"pfx" yaml:"pfx,omitempty"`
	Passphrase string `mapstructure:"passphrase" yaml:"passphrase,omitempty"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level    string `mapstructure:"level" yaml:"level"`
	Encoding string `mapstructure:"encoding" yaml:"encoding"`
}

// MetricsConfig enables the supervisor's prometheus endpoint and worker stats reporting.
type MetricsConfig struct {
	Host     string        `mapstructure:"host" yaml:"host"`
	Port     int           `mapstructure:"port" yaml:"port"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

var defaultQueries = map[string]string{
	DriverPostgres: "SELECT authority, identifier FROM pix_cross_reference WHERE source_identifier = $1",
	DriverMySQL:    "SELECT authority, identifier FROM pix_cross_reference WHERE source_identifier = ?",
}

// ConfigError reports an invalid configuration value.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Key, e.Reason)
}

// DefaultConfig returns the configuration used when no file is present.
// It declares no listener, so a worker started from it fails at bootstrap.
func DefaultConfig() *Config {
	return &Config{
		DB: DBConfig{
			Driver:       DriverPostgres,
			Pool:         4,
			Timeout:      30 * time.Second,
			DrainTimeout: 10 * time.Second,
			FailFast:     true,
		},
		ShutdownTimeout: 30 * time.Second,
		Log: LoggingConfig{
			Level:    "info",
			Encoding: "console",
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("db.driver", d.DB.Driver)
	v.SetDefault("db.pool", d.DB.Pool)
	v.SetDefault("db.timeout", d.DB.Timeout)
	v.SetDefault("db.drainTimeout", d.DB.DrainTimeout)
	v.SetDefault("db.failFast", d.DB.FailFast)
	v.SetDefault("db.debug", false)
	v.SetDefault("db.acquireTimeout", time.Duration(0))
	v.SetDefault("db.maxWaiters", 0)
	v.SetDefault("debug", false)
	v.SetDefault("workers", 0)
	v.SetDefault("shutdownTimeout", d.ShutdownTimeout)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.encoding", d.Log.Encoding)
}

// LoadConfig reads path (YAML, JSON or TOML by extension) with PIX_* environment
// overrides, e.g. PIX_DB_PASSWORD. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PIX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range []string{"db.connString", "db.username", "db.password", "db.driver"} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		millisecondsHook,
		mapstructure.StringToTimeDurationHookFunc(),
	))
	if err := v.Unmarshal(cfg, hook); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.normalize()
	return cfg, nil
}

// millisecondsHook decodes bare numbers into durations as milliseconds,
// the unit the idle timeout has always been configured in.
func millisecondsHook(_ reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if to != reflect.TypeOf(time.Duration(0)) {
		return data, nil
	}
	switch n := data.(type) {
	case int:
		return time.Duration(n) * time.Millisecond, nil
	case int64:
		return time.Duration(n) * time.Millisecond, nil
	case uint64:
		return time.Duration(n) * time.Millisecond, nil
	case float64:
		return time.Duration(n * float64(time.Millisecond)), nil
	case string:
		if ms, err := strconv.ParseFloat(n, 64); err == nil {
			return time.Duration(ms * float64(time.Millisecond)), nil
		}
	}
	return data, nil
}

func (c *Config) normalize() {
	c.DB.Driver = strings.ToLower(c.DB.Driver)
	if c.DB.Query == "" {
		c.DB.Query = defaultQueries[c.DB.Driver]
	}
	if c.Metrics != nil && c.Metrics.Interval <= 0 {
		c.Metrics.Interval = 15 * time.Second
	}
}

// Validate checks values that would otherwise fail late inside a worker.
// Listener presence is checked by the bootstrap, not here.
func (c *Config) Validate() error {
	if _, ok := defaultQueries[c.DB.Driver]; !ok {
		return &ConfigError{Key: "db.driver", Reason: fmt.Sprintf("unsupported driver %q", c.DB.Driver)}
	}
	if c.DB.Pool < 1 {
		return &ConfigError{Key: "db.pool", Reason: "must be at least 1"}
	}
	if c.DB.Timeout < 0 {
		return &ConfigError{Key: "db.timeout", Reason: "must not be negative"}
	}
	if c.DB.AcquireTimeout < 0 {
		return &ConfigError{Key: "db.acquireTimeout", Reason: "must not be negative"}
	}
	if c.DB.MaxWaiters < 0 {
		return &ConfigError{Key: "db.maxWaiters", Reason: "must not be negative"}
	}
	if c.Workers < 0 {
		return &ConfigError{Key: "workers", Reason: "must not be negative"}
	}
	if c.Server != nil {
		if err := validatePort("server.port", c.Server.Port); err != nil {
			return err
		}
	}
	if c.SecureServer != nil {
		if err := validatePort("secureServer.port", c.SecureServer.Port); err != nil {
			return err
		}
	}
	if c.Metrics != nil {
		if err := validatePort("metrics.port", c.Metrics.Port); err != nil {
			return err
		}
	}
	return nil
}

func validatePort(key string, port int) error {
	if port < 0 || port > 65535 {
		return &ConfigError{Key: key, Reason: fmt.Sprintf("invalid port %d", port)}
	}
	return nil
}

// Address returns host:port.
func (s *ServerConfig) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Address returns host:port of the metrics endpoint.
func (m *MetricsConfig) Address() string {
	return net.JoinHostPort(m.Host, strconv.Itoa(m.Port))
}

// DumpYAML renders the effective configuration with secrets masked.
func (c *Config) DumpYAML() ([]byte, error) {
	redacted := *c
	if redacted.DB.Password != "" {
		redacted.DB.Password = "********"
	}
	if redacted.SecureServer != nil && redacted.SecureServer.Options.Passphrase != "" {
		secure := *redacted.SecureServer
		secure.Options.Passphrase = "********"
		redacted.SecureServer = &secure
	}
	out, err := yaml.Marshal(&redacted)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return out, nil
}
