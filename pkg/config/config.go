package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string
	Timezone  string

	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Log       LogConfig
	Reconcile ReconcileConfig
	Invoices  InvoicesConfig
	Rosters   RostersConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Issuer     string
	Expiration time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

// ReconcileConfig tunes the status reconciler daemon.
type ReconcileConfig struct {
	ListenerEnabled      bool
	ListenerMinReconnect time.Duration
	ListenerMaxReconnect time.Duration
	SweepEnabled         bool
	SweepSchedule        string
	SweepTimeout         time.Duration
	Workers              int
	QueueSize            int
}

// InvoicesConfig governs caching of invoice totals.
type InvoicesConfig struct {
	CacheEnabled bool
	CacheTTL     time.Duration
}

// RostersConfig controls where exported session rosters are written.
type RostersConfig struct {
	StorageDir      string
	Retention       time.Duration
	CleanupSchedule string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	return fromViper(v), nil
}

func fromViper(v *viper.Viper) *Config {
	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")
	cfg.Timezone = v.GetString("TIMEZONE")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret:     v.GetString("JWT_SECRET"),
		Issuer:     v.GetString("JWT_ISSUER"),
		Expiration: parseDuration(v.GetString("JWT_EXPIRATION"), 24*time.Hour),
	}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Reconcile = ReconcileConfig{
		ListenerEnabled:      v.GetBool("ENABLE_LISTENER"),
		ListenerMinReconnect: parseDuration(v.GetString("LISTENER_MIN_RECONNECT"), 10*time.Second),
		ListenerMaxReconnect: parseDuration(v.GetString("LISTENER_MAX_RECONNECT"), time.Minute),
		SweepEnabled:         v.GetBool("ENABLE_SWEEP"),
		SweepSchedule:        v.GetString("SWEEP_SCHEDULE"),
		SweepTimeout:         parseDuration(v.GetString("SWEEP_TIMEOUT"), 4*time.Minute),
		Workers:              v.GetInt("RECONCILE_WORKERS"),
		QueueSize:            v.GetInt("RECONCILE_QUEUE_SIZE"),
	}

	cfg.Invoices = InvoicesConfig{
		CacheEnabled: v.GetBool("ENABLE_INVOICE_CACHE"),
		CacheTTL:     parseDuration(v.GetString("INVOICE_CACHE_TTL"), 10*time.Minute),
	}

	cfg.Rosters = RostersConfig{
		StorageDir:      v.GetString("ROSTER_STORAGE_DIR"),
		Retention:       parseDuration(v.GetString("ROSTER_RETENTION"), 30*24*time.Hour),
		CleanupSchedule: v.GetString("ROSTER_CLEANUP_SCHEDULE"),
	}

	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")
	v.SetDefault("TIMEZONE", "Europe/Zurich")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "ecole_peg")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_ISSUER", "ecole-peg")
	v.SetDefault("JWT_EXPIRATION", "24h")

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("ENABLE_LISTENER", true)
	v.SetDefault("LISTENER_MIN_RECONNECT", "10s")
	v.SetDefault("LISTENER_MAX_RECONNECT", "1m")
	v.SetDefault("ENABLE_SWEEP", true)
	v.SetDefault("SWEEP_SCHEDULE", "0 */15 * * * *")
	v.SetDefault("SWEEP_TIMEOUT", "4m")
	v.SetDefault("RECONCILE_WORKERS", 4)
	v.SetDefault("RECONCILE_QUEUE_SIZE", 256)

	v.SetDefault("ENABLE_INVOICE_CACHE", false)
	v.SetDefault("INVOICE_CACHE_TTL", "10m")

	v.SetDefault("ROSTER_STORAGE_DIR", "./rosters")
	v.SetDefault("ROSTER_RETENTION", "720h")
	v.SetDefault("ROSTER_CLEANUP_SCHEDULE", "0 30 3 * * *")
}

// Location resolves the configured timezone used to compute "today".
func (c *Config) Location() *time.Location {
	if c == nil || c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}
