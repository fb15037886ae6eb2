package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default location of the service config.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                      string        `yaml:"port"`
	LogLevel                  string        `yaml:"logLevel"`
	StoreDriver               string        `yaml:"storeDriver"`
	DatabaseURL               string        `yaml:"databaseURL"`
	RedisAddr                 string        `yaml:"redisAddr"`
	RedisPassword             string        `yaml:"redisPassword"`
	AuthJWKSURL               string        `yaml:"authJwksURL"`
	JWTIssuer                 string        `yaml:"jwtIssuer"`
	JWTAudience               string        `yaml:"jwtAudience"`
	JWTLeeway                 time.Duration `yaml:"jwtLeeway"`
	MaxActiveReservations     int           `yaml:"maxActiveReservations"`
	PickupWindowHours         int           `yaml:"pickupWindowHours"`
	LoanPeriodDays            int           `yaml:"loanPeriodDays"`
	MaxExtensionDays          int           `yaml:"maxExtensionDays"`
	SweepInterval             time.Duration `yaml:"sweepInterval"`
	SweepBatchSize            int           `yaml:"sweepBatchSize"`
	ReserveRateLimitPerMinute int           `yaml:"reserveRateLimitPerMinute"`
	EventsBackend             string        `yaml:"eventsBackend"`
	EventsStream              string        `yaml:"eventsStream"`
	AMQPURL                   string        `yaml:"amqpURL"`
	AMQPExchange              string        `yaml:"amqpExchange"`
	TrustedProxyCIDRs         []string      `yaml:"trustedProxyCidrs"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	if v := os.Getenv("RESERVATION_PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("RESERVATION_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("RESERVATION_STORE_DRIVER"); v != "" {
		cfg.StoreDriver = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("RESERVATION_AUTH_JWKS_URL"); v != "" {
		cfg.AuthJWKSURL = v
	}
	if v := os.Getenv("RESERVATION_JWT_ISSUER"); v != "" {
		cfg.JWTIssuer = v
	}
	if v := os.Getenv("RESERVATION_JWT_AUDIENCE"); v != "" {
		cfg.JWTAudience = v
	}
	if v := os.Getenv("RESERVATION_JWT_LEEWAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.JWTLeeway = d
		}
	}
	if v := os.Getenv("RESERVATION_MAX_ACTIVE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxActiveReservations = n
		}
	}
	if v := os.Getenv("RESERVATION_PICKUP_WINDOW_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PickupWindowHours = n
		}
	}
	if v := os.Getenv("RESERVATION_LOAN_PERIOD_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LoanPeriodDays = n
		}
	}
	if v := os.Getenv("RESERVATION_MAX_EXTENSION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxExtensionDays = n
		}
	}
	if v := os.Getenv("RESERVATION_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SweepInterval = d
		}
	}
	if v := os.Getenv("RESERVATION_SWEEP_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SweepBatchSize = n
		}
	}
	if v := os.Getenv("RESERVATION_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ReserveRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("RESERVATION_EVENTS_BACKEND"); v != "" {
		cfg.EventsBackend = v
	}
	if v := os.Getenv("RESERVATION_EVENTS_STREAM"); v != "" {
		cfg.EventsStream = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
	if v := os.Getenv("RESERVATION_AMQP_EXCHANGE"); v != "" {
		cfg.AMQPExchange = v
	}
	if v := os.Getenv("RESERVATION_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitList(v)
	}
}

func applyDefaults(cfg *FileConfig) {
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = "postgres"
	}
	cfg.EventsBackend = strings.ToLower(strings.TrimSpace(cfg.EventsBackend))
	if cfg.EventsBackend == "" {
		cfg.EventsBackend = "none"
	}
	if cfg.EventsStream == "" {
		cfg.EventsStream = "libreserve:reservation-events"
	}
	if cfg.MaxActiveReservations == 0 {
		cfg.MaxActiveReservations = 5
	}
	if cfg.PickupWindowHours == 0 {
		cfg.PickupWindowHours = 48
	}
	if cfg.LoanPeriodDays == 0 {
		cfg.LoanPeriodDays = 14
	}
	if cfg.MaxExtensionDays == 0 {
		cfg.MaxExtensionDays = 30
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.SweepBatchSize == 0 {
		cfg.SweepBatchSize = 100
	}
	if cfg.ReserveRateLimitPerMinute == 0 {
		cfg.ReserveRateLimitPerMinute = 30
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	switch cfg.StoreDriver {
	case "postgres":
		if cfg.DatabaseURL == "" {
			return errors.New("config: databaseURL is required for storeDriver=postgres (set in config.yaml or DATABASE_URL)")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown storeDriver %q (postgres or memory)", cfg.StoreDriver)
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	if strings.TrimSpace(cfg.AuthJWKSURL) == "" {
		return errors.New("config: authJwksURL is required (set in config.yaml or RESERVATION_AUTH_JWKS_URL)")
	}
	if cfg.MaxActiveReservations < 1 {
		return errors.New("config: maxActiveReservations must be > 0")
	}
	if cfg.PickupWindowHours < 1 {
		return errors.New("config: pickupWindowHours must be > 0")
	}
	if cfg.LoanPeriodDays < 1 {
		return errors.New("config: loanPeriodDays must be > 0")
	}
	if cfg.MaxExtensionDays < 1 {
		return errors.New("config: maxExtensionDays must be > 0")
	}
	if cfg.SweepInterval < time.Second {
		return errors.New("config: sweepInterval must be at least 1s")
	}
	if cfg.SweepBatchSize < 1 {
		return errors.New("config: sweepBatchSize must be > 0")
	}
	if cfg.ReserveRateLimitPerMinute < 1 {
		return errors.New("config: reserveRateLimitPerMinute must be > 0")
	}
	switch cfg.EventsBackend {
	case "none", "redis":
	case "amqp":
		if strings.TrimSpace(cfg.AMQPURL) == "" {
			return errors.New("config: amqpURL is required when eventsBackend=amqp (set in config.yaml or AMQP_URL)")
		}
	default:
		return fmt.Errorf("config: unknown eventsBackend %q (none, redis or amqp)", cfg.EventsBackend)
	}
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
