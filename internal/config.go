package internal

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"http_server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Security      SecurityConfig      `mapstructure:"security"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Gateway       GatewayConfig       `mapstructure:"gateway"`
	Payments      PaymentsConfig      `mapstructure:"payments"`
}

type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	BaseURL           string        `mapstructure:"base_url"`
	AllowedOrigins    string        `mapstructure:"allowed_origins"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
}

type DatabaseConfig struct {
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Source          string        `mapstructure:"source"`
}

type SecurityConfig struct {
	// Bcrypt hash of the static API key the surrounding loan system presents.
	APIKeyHash string `mapstructure:"api_key_hash"`
	// Shared secret the gateway uses to sign callback tokens.
	CallbackSecret string `mapstructure:"callback_secret"`
}

// GatewayConfig is the injected client configuration for one gateway
// environment. Sandbox and production are two values of this struct, never
// process-wide state.
type GatewayConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	ConsumerKey    string        `mapstructure:"consumer_key"`
	ConsumerSecret string        `mapstructure:"consumer_secret"`
	ShortCode      string        `mapstructure:"short_code"`
	Passkey        string        `mapstructure:"passkey"`
	CallbackURL    string        `mapstructure:"callback_url"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// PaymentsConfig carries the operational tuning knobs of the payments core.
// The expiry window and the callback grace period are deliberately
// configurable; no single value is "correct".
type PaymentsConfig struct {
	ExpiryWindow        time.Duration `mapstructure:"expiry_window"`
	SweepInterval       time.Duration `mapstructure:"sweep_interval"`
	SweepBatchSize      int           `mapstructure:"sweep_batch_size"`
	SweepWorkers        int           `mapstructure:"sweep_workers"`
	CallbackGracePeriod time.Duration `mapstructure:"callback_grace_period"`
	MaxAttempts         int           `mapstructure:"max_attempts"`
}

type ObservabilityConfig struct {
	Logging LoggingConfig `mapstructure:"logging"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ----------------- DEFAULTS -----------------

func (c *PaymentsConfig) ApplyDefaults() {
	if c.ExpiryWindow <= 0 {
		c.ExpiryWindow = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.SweepBatchSize <= 0 {
		c.SweepBatchSize = 100
	}
	if c.SweepWorkers <= 0 {
		c.SweepWorkers = 10
	}
	if c.CallbackGracePeriod <= 0 {
		c.CallbackGracePeriod = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
}

func (c *GatewayConfig) ApplyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
}

// ----------------- ENV LOADING -----------------

// LoadConfigFromEnv builds a config purely from environment variables, for
// container deployments where no config file is mounted.
func LoadConfigFromEnv() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:              getEnvAsInt("HTTP_SERVER_PORT", 8080),
			BaseURL:           getEnv("HTTP_SERVER_BASE_URL", ""),
			AllowedOrigins:    getEnv("HTTP_SERVER_ALLOWED_ORIGINS", "*"),
			ReadHeaderTimeout: getEnvAsDuration("HTTP_SERVER_READ_HEADER_TIMEOUT", 5*time.Second),
			ReadTimeout:       getEnvAsDuration("HTTP_SERVER_READ_TIMEOUT", 10*time.Second),
			IdleTimeout:       getEnvAsDuration("HTTP_SERVER_IDLE_TIMEOUT", 60*time.Second),
			WriteTimeout:      getEnvAsDuration("HTTP_SERVER_WRITE_TIMEOUT", 10*time.Second),
		},
		Database: DatabaseConfig{
			MaxOpenConns:    getEnvAsInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
			ConnMaxIdleTime: getEnvAsDuration("DATABASE_CONN_MAX_IDLE_TIME", 5*time.Minute),
			Source:          getEnv("DATABASE_SOURCE", ""),
		},
		Security: SecurityConfig{
			APIKeyHash:     getEnv("SECURITY_API_KEY_HASH", ""),
			CallbackSecret: getEnv("SECURITY_CALLBACK_SECRET", ""),
		},
		Gateway: GatewayConfig{
			BaseURL:        getEnv("GATEWAY_BASE_URL", ""),
			ConsumerKey:    getEnv("GATEWAY_CONSUMER_KEY", ""),
			ConsumerSecret: getEnv("GATEWAY_CONSUMER_SECRET", ""),
			ShortCode:      getEnv("GATEWAY_SHORT_CODE", ""),
			Passkey:        getEnv("GATEWAY_PASSKEY", ""),
			CallbackURL:    getEnv("GATEWAY_CALLBACK_URL", ""),
			Timeout:        getEnvAsDuration("GATEWAY_TIMEOUT", 15*time.Second),
		},
		Payments: PaymentsConfig{
			ExpiryWindow:        getEnvAsDuration("PAYMENTS_EXPIRY_WINDOW", 5*time.Minute),
			SweepInterval:       getEnvAsDuration("PAYMENTS_SWEEP_INTERVAL", time.Minute),
			SweepBatchSize:      getEnvAsInt("PAYMENTS_SWEEP_BATCH_SIZE", 100),
			SweepWorkers:        getEnvAsInt("PAYMENTS_SWEEP_WORKERS", 10),
			CallbackGracePeriod: getEnvAsDuration("PAYMENTS_CALLBACK_GRACE_PERIOD", 30*time.Second),
			MaxAttempts:         getEnvAsInt("PAYMENTS_MAX_ATTEMPTS", 3),
		},
		Observability: ObservabilityConfig{
			Logging: LoggingConfig{
				Level:  getEnv("LOGGING_LEVEL", "info"),
				Format: getEnv("LOGGING_FORMAT", "json"),
			},
		},
	}
	return cfg
}

// ----------------- HELPERS -----------------

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultVal
}

// ----------------- VALIDATION -----------------

func (c *Config) Validate() error {
	var errs []string

	if err := c.Server.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("server config: %v", err))
	}

	if err := c.Database.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("database config: %v", err))
	}

	if err := c.Gateway.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("gateway config: %v", err))
	}

	if err := c.Payments.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("payments config: %v", err))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

func (c *ServerConfig) Validate() error {
	if c.AllowedOrigins != "" {
		origins := strings.Split(c.AllowedOrigins, ",")
		for _, origin := range origins {
			origin = strings.TrimSpace(origin)
			if origin == "*" {
				continue
			}
			if _, err := url.Parse(origin); err != nil {
				return fmt.Errorf("invalid allowed origin %s: %w", origin, err)
			}
		}
	}
	if c.ReadTimeout < c.ReadHeaderTimeout {
		return errors.New("read_timeout must be >= read_header_timeout")
	}
	return nil
}

func (c *DatabaseConfig) Validate() error {
	if c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("max_idle_conns cannot be greater than max_open_conns")
	}
	return nil
}

func (c *DatabaseConfig) GetDSN() string {
	return c.Source
}

func (c *GatewayConfig) Validate() error {
	if c.BaseURL == "" {
		return errors.New("base_url is required")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("invalid base_url: %w", err)
	}
	if c.ShortCode == "" {
		return errors.New("short_code is required")
	}
	if c.CallbackURL == "" {
		return errors.New("callback_url is required")
	}
	return nil
}

func (c *PaymentsConfig) Validate() error {
	if c.ExpiryWindow > 0 && c.SweepInterval > c.ExpiryWindow {
		return errors.New("sweep_interval should not exceed expiry_window")
	}
	if c.MaxAttempts < 0 {
		return errors.New("max_attempts cannot be negative")
	}
	return nil
}
