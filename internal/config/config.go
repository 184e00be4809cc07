// Package config loads runtime settings from defaults, an optional YAML
// file and TESSERA_ environment variables, in increasing precedence.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. TESSERA_SERVER_ADDR.
const EnvPrefix = "TESSERA"

// Config holds application configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	Session SessionConfig `mapstructure:"session"`
	Catalog CatalogConfig `mapstructure:"catalog"`
	Intent  IntentConfig  `mapstructure:"intent"`
	Store   StoreConfig   `mapstructure:"store"`
	Audit   AuditConfig   `mapstructure:"audit"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SessionConfig bounds session lifetimes and concurrency.
type SessionConfig struct {
	AwaitTimeout  time.Duration `mapstructure:"await_timeout"`
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// BusyPolicy is "queue" or "reject".
	BusyPolicy   string        `mapstructure:"busy_policy"`
	HistoryLimit int           `mapstructure:"history_limit"`
	StreamIdle   time.Duration `mapstructure:"stream_idle"`
	QueueSize    int           `mapstructure:"queue_size"`
}

// CatalogConfig locates capability declarations and their handlers.
type CatalogConfig struct {
	Manifest string `mapstructure:"manifest"`
	Dir      string `mapstructure:"dir"`
	Commands string `mapstructure:"commands"`
	// DefaultDeadline applies to capabilities that declare none.
	DefaultDeadline time.Duration `mapstructure:"default_deadline"`
}

type IntentConfig struct {
	Rules string `mapstructure:"rules"`
}

// StoreConfig selects the snapshot store and its middlewares.
type StoreConfig struct {
	// Driver is "memory", "file" or "redis".
	Driver   string        `mapstructure:"driver"`
	Path     string        `mapstructure:"path"`
	RedisURL string        `mapstructure:"redis_url"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
	// DistributedLock coordinates replicas through the redis store.
	DistributedLock bool `mapstructure:"distributed_lock"`
	// EncryptionKey is a base64 AES-256 key. Empty disables encryption.
	EncryptionKey string   `mapstructure:"encryption_key"`
	FallbackKeys  []string `mapstructure:"fallback_keys"`
	PIIPatterns   []string `mapstructure:"pii_patterns"`
}

// AuditConfig enables the SQL transition audit. An empty driver disables it.
type AuditConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("session.await_timeout", 5*time.Minute)
	v.SetDefault("session.ttl", 30*time.Minute)
	v.SetDefault("session.sweep_interval", 30*time.Second)
	v.SetDefault("session.busy_policy", "queue")
	v.SetDefault("session.history_limit", 256)
	v.SetDefault("session.stream_idle", 30*time.Second)
	v.SetDefault("session.queue_size", 64)
	v.SetDefault("catalog.manifest", "capabilities.yaml")
	v.SetDefault("catalog.dir", "")
	v.SetDefault("catalog.commands", "commands.yaml")
	v.SetDefault("catalog.default_deadline", 10*time.Second)
	v.SetDefault("intent.rules", "intents.yaml")
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.path", ".tessera/sessions")
	v.SetDefault("store.redis_url", "redis://localhost:6379/0")
	v.SetDefault("store.prefix", "tessera:session:")
	v.SetDefault("store.ttl", 0)
	v.SetDefault("store.distributed_lock", false)
	v.SetDefault("store.encryption_key", "")
	v.SetDefault("store.fallback_keys", []string{})
	v.SetDefault("store.pii_patterns", []string{})
	v.SetDefault("audit.driver", "")
	v.SetDefault("audit.dsn", "")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "tessera")
}

// Load reads configuration. path may be empty, in which case TESSERA_CONFIG
// or ./tessera.yaml is used when present.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	explicit := path != ""
	if explicit {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("tessera")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate rejects unknown enum values and malformed keys.
func (c Config) Validate() error {
	var errs []error
	switch c.Session.BusyPolicy {
	case "queue", "reject":
	default:
		errs = append(errs, fmt.Errorf("session.busy_policy: unknown value %q", c.Session.BusyPolicy))
	}
	switch c.Store.Driver {
	case "memory", "file", "redis":
	default:
		errs = append(errs, fmt.Errorf("store.driver: unknown value %q", c.Store.Driver))
	}
	if c.Store.DistributedLock && c.Store.Driver != "redis" {
		errs = append(errs, errors.New("store.distributed_lock requires the redis driver"))
	}
	switch c.Audit.Driver {
	case "", "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("audit.driver: unknown value %q", c.Audit.Driver))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown value %q", c.Log.Format))
	}
	if _, _, err := c.Store.Keys(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Keys decodes the encryption keys. A nil active key means encryption is off.
func (s StoreConfig) Keys() (active []byte, fallback [][]byte, err error) {
	if s.EncryptionKey == "" {
		return nil, nil, nil
	}
	active, err = decodeKey("store.encryption_key", s.EncryptionKey)
	if err != nil {
		return nil, nil, err
	}
	for i, k := range s.FallbackKeys {
		key, err := decodeKey(fmt.Sprintf("store.fallback_keys[%d]", i), k)
		if err != nil {
			return nil, nil, err
		}
		fallback = append(fallback, key)
	}
	return active, fallback, nil
}

func decodeKey(field, s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%s: key must decode to 32 bytes, got %d", field, len(key))
	}
	return key, nil
}
