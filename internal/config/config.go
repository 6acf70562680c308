package config

import (
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/xtrntr/papertrade/internal/models"
)

// Config holds all configuration for the application
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Market   MarketConfig   `mapstructure:"market"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

type AppConfig struct {
	Port           string   `mapstructure:"port"`
	Env            string   `mapstructure:"env"` // e.g., "local", "prod"
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type AuthConfig struct {
	SecretKey string        `mapstructure:"secret_key"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type PostgresConfig struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	DB       string `mapstructure:"db"`
	SSLMode  string `mapstructure:"sslmode"`
}

// ConnString builds a postgres:// URL from the individual settings
func (p PostgresConfig) ConnString() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(p.User, p.Password),
		Host:     p.Host + ":" + p.Port,
		Path:     "/" + p.DB,
		RawQuery: url.Values{"sslmode": []string{p.SSLMode}}.Encode(),
	}
	return u.String()
}

type StorageConfig struct {
	Driver string `mapstructure:"driver"` // "postgres" or "memory"
}

type MarketConfig struct {
	TickInterval  time.Duration `mapstructure:"tick_interval"`
	DefaultSymbol string        `mapstructure:"default_symbol"`
	Seed          int64         `mapstructure:"seed"` // 0 picks a time based seed
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"` // empty disables the snapshot cache
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"` // empty disables trade events
	Topic   string   `mapstructure:"topic"`
}

type LoggerConfig struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"` // "json" or "console"
}

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// LoadConfig reads configuration from .env file, environment variables, and defaults.
func LoadConfig() (*Config, error) {
	v := viper.New()

	if err := godotenv.Load(); err != nil {
		log.Println("Note: No .env file found, relying on System Env Vars")
	}

	setDefaults(v)

	// "postgres.host" -> "POSTGRES_HOST"
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnv(v, "app.port", "app.env", "app.allowed_origins")
	bindEnv(v, "auth.token_ttl")
	bindEnv(v, "postgres.user", "postgres.password", "postgres.host", "postgres.port", "postgres.db", "postgres.sslmode")
	bindEnv(v, "storage.driver")
	bindEnv(v, "market.tick_interval", "market.default_symbol", "market.seed")
	bindEnv(v, "redis.addr", "redis.password", "redis.db")
	bindEnv(v, "kafka.brokers", "kafka.topic")
	bindEnv(v, "logger.level", "logger.encoding")

	// SECRET_KEY is accepted as a shorter alias
	if err := v.BindEnv("auth.secret_key", "AUTH_SECRET_KEY", "SECRET_KEY"); err != nil {
		log.Printf("Could not bind env var for key auth.secret_key: %v", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %v", err)
	}
	cfg.App.AllowedOrigins = splitList(cfg.App.AllowedOrigins)
	cfg.Kafka.Brokers = splitList(cfg.Kafka.Brokers)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.port", ":8000")
	v.SetDefault("app.env", "local")
	v.SetDefault("app.allowed_origins", []string{"http://localhost:5173", "http://127.0.0.1:5173"})

	v.SetDefault("auth.secret_key", "")
	v.SetDefault("auth.token_ttl", 30*time.Minute)

	v.SetDefault("postgres.user", "postgres")
	v.SetDefault("postgres.password", "postgres")
	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", "5433")
	v.SetDefault("postgres.db", "app_db")
	v.SetDefault("postgres.sslmode", "disable")

	v.SetDefault("storage.driver", DriverPostgres)

	v.SetDefault("market.tick_interval", time.Second)
	v.SetDefault("market.default_symbol", "GEMINI")
	v.SetDefault("market.seed", 0)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "trades")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.encoding", "json")
}

// Validate checks settings that would otherwise fail at first use
func (c *Config) Validate() error {
	if c.Auth.SecretKey == "" {
		if c.App.Env != "local" {
			return fmt.Errorf("auth secret key must be set outside local env")
		}
		c.Auth.SecretKey = "local-development-secret"
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth token ttl must be positive")
	}
	switch c.Storage.Driver {
	case DriverPostgres, DriverMemory:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Market.TickInterval <= 0 {
		return fmt.Errorf("market tick interval must be positive")
	}
	c.Market.DefaultSymbol = models.NormalizeSymbol(c.Market.DefaultSymbol)
	if !models.ValidSymbol(c.Market.DefaultSymbol) {
		return fmt.Errorf("invalid market default symbol %q", c.Market.DefaultSymbol)
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("kafka topic cannot be empty when brokers are set")
	}
	return nil
}

// splitList accepts both real lists and a single comma separated env value
func splitList(in []string) []string {
	out := []string{}
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// bindEnv is a helper to bind multiple keys at once
func bindEnv(v *viper.Viper, keys ...string) {
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			log.Printf("Could not bind env var for key %s: %v", key, err)
		}
	}
}
