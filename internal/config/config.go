package config

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Sync      SyncConfig
	Scheduler SchedulerConfig
	Gateway   GatewayConfig
	Payments  PaymentsConfig
}

type ServerConfig struct {
	Port string
}

type DatabaseConfig struct {
	// Driver is "postgres" or "memory". The memory store is for local runs only.
	Driver   string
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
}

type AuthConfig struct {
	JWTSecret     string
	CronSecret    string
	EncryptionKey []byte
}

type SyncConfig struct {
	Workers       int
	BatchSize     int
	PollInterval  time.Duration
	CallTimeout   time.Duration
	MaxRetries    int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	StaleAfter    time.Duration
	ProviderRate  float64
	ProviderBurst int
}

type SchedulerConfig struct {
	Interval time.Duration
}

type GatewayConfig struct {
	RateLimit  int
	RateWindow time.Duration
	KeyTTL     time.Duration
}

type PaymentsConfig struct {
	WebhookSecret string
}

// DSN builds the lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
	)
}

// URL builds the postgres:// form used by the migrator.
func (d DatabaseConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

func (r RedisConfig) Addr() string {
	if r.Host == "" {
		return ""
	}
	return r.Host + ":" + r.Port
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")

	v.SetDefault("db.driver", "postgres")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", "5432")
	v.SetDefault("db.user", "postgres")
	v.SetDefault("db.password", "password")
	v.SetDefault("db.name", "isp_netsync")
	v.SetDefault("db.sslmode", "disable")

	v.SetDefault("redis.host", "")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.password", "")

	v.SetDefault("jwt.secret", "your-super-secret-key-change-in-production")
	v.SetDefault("cron.secret", "")
	v.SetDefault("encryption.key", "")

	v.SetDefault("sync.workers", 4)
	v.SetDefault("sync.batch_size", 20)
	v.SetDefault("sync.poll_interval", "5s")
	v.SetDefault("sync.call_timeout", "15s")
	v.SetDefault("sync.max_retries", 3)
	v.SetDefault("sync.backoff_base", "30s")
	v.SetDefault("sync.backoff_max", "30m")
	v.SetDefault("sync.stale_after", "5m")
	v.SetDefault("sync.provider_rate", 5.0)
	v.SetDefault("sync.provider_burst", 10)

	v.SetDefault("scheduler.interval", "24h")

	v.SetDefault("gateway.rate_limit", 100)
	v.SetDefault("gateway.rate_window", "60s")
	v.SetDefault("gateway.key_ttl", "30s")

	v.SetDefault("payment.webhook_secret", "")
}

// Load reads .env (if present), environment variables and any flags already
// parsed into fs. Environment names are the dotted keys upper-cased with
// dots replaced by underscores, e.g. SYNC_WORKERS, DB_HOST.
func Load(fs *pflag.FlagSet) (*Config, error) {
	godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", err)
		}
	}

	key, err := decodeKey(v.GetString("encryption.key"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{Port: v.GetString("port")},
		Database: DatabaseConfig{
			Driver:   v.GetString("db.driver"),
			Host:     v.GetString("db.host"),
			Port:     v.GetString("db.port"),
			User:     v.GetString("db.user"),
			Password: v.GetString("db.password"),
			Name:     v.GetString("db.name"),
			SSLMode:  v.GetString("db.sslmode"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("redis.host"),
			Port:     v.GetString("redis.port"),
			Password: v.GetString("redis.password"),
		},
		Auth: AuthConfig{
			JWTSecret:     v.GetString("jwt.secret"),
			CronSecret:    v.GetString("cron.secret"),
			EncryptionKey: key,
		},
		Sync: SyncConfig{
			Workers:       v.GetInt("sync.workers"),
			BatchSize:     v.GetInt("sync.batch_size"),
			PollInterval:  v.GetDuration("sync.poll_interval"),
			CallTimeout:   v.GetDuration("sync.call_timeout"),
			MaxRetries:    v.GetInt("sync.max_retries"),
			BackoffBase:   v.GetDuration("sync.backoff_base"),
			BackoffMax:    v.GetDuration("sync.backoff_max"),
			StaleAfter:    v.GetDuration("sync.stale_after"),
			ProviderRate:  v.GetFloat64("sync.provider_rate"),
			ProviderBurst: v.GetInt("sync.provider_burst"),
		},
		Scheduler: SchedulerConfig{Interval: v.GetDuration("scheduler.interval")},
		Gateway: GatewayConfig{
			RateLimit:  v.GetInt("gateway.rate_limit"),
			RateWindow: v.GetDuration("gateway.rate_window"),
			KeyTTL:     v.GetDuration("gateway.key_ttl"),
		},
		Payments: PaymentsConfig{WebhookSecret: v.GetString("payment.webhook_secret")},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Sync.Workers < 1 {
		return fmt.Errorf("sync.workers must be at least 1, got %d", c.Sync.Workers)
	}
	if c.Sync.MaxRetries < 0 {
		return fmt.Errorf("sync.max_retries must not be negative")
	}
	if c.Sync.CallTimeout <= 0 {
		return fmt.Errorf("sync.call_timeout must be positive")
	}
	if c.Gateway.RateLimit < 1 || c.Gateway.RateWindow <= 0 {
		return fmt.Errorf("gateway rate limit must be positive")
	}
	switch c.Database.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unknown db.driver %q", c.Database.Driver)
	}
	return nil
}

// decodeKey accepts a 32-byte key as hex or base64. An empty value yields a
// nil key, which disables credential sealing (integrations cannot be saved).
func decodeKey(raw string) ([]byte, error) {
	if raw == "" {
		return nil, nil
	}
	if b, err := hex.DecodeString(raw); err == nil && len(b) == 32 {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(raw); err == nil && len(b) == 32 {
		return b, nil
	}
	return nil, fmt.Errorf("encryption.key must be 32 bytes encoded as hex or base64")
}
