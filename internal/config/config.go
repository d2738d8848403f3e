package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/example/faceauth/internal/extractor"
	"github.com/example/faceauth/internal/repository"
)

// EnvPrefix is prepended to every environment override, e.g. FACEAUTH_HTTP_ADDR.
const EnvPrefix = "FACEAUTH"

// Config is the full service configuration.
type Config struct {
	HTTP         HTTPConfig         `mapstructure:"http"`
	Log          LogConfig          `mapstructure:"log"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Extractor    ExtractorConfig    `mapstructure:"extractor"`
	Store        StoreConfig        `mapstructure:"store"`
	Verification VerificationConfig `mapstructure:"verification"`
	JWT          JWTConfig          `mapstructure:"jwt"`
	MQTT         MQTTConfig         `mapstructure:"mqtt"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig configures the result cache. An empty Addr disables it.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	ResultTTL time.Duration `mapstructure:"result_ttl"`
}

type ExtractorConfig struct {
	Addr        string        `mapstructure:"addr"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Timeout     time.Duration `mapstructure:"timeout"`
	FacePolicy  string        `mapstructure:"face_policy"`
	Workers     int           `mapstructure:"workers"`
}

type StoreConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type VerificationConfig struct {
	Threshold float64 `mapstructure:"threshold"`
}

type JWTConfig struct {
	Secret   string        `mapstructure:"secret"`
	Audience string        `mapstructure:"audience"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	TopicPrefix string `mapstructure:"topic_prefix"`
}

// Load reads defaults, then the optional config file at path, then
// FACEAUTH_* environment variables. The result is validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", "15s")
	v.SetDefault("http.max_body_bytes", 20<<20)
	v.SetDefault("http.cors_origins", []string{"*"})

	v.SetDefault("log.level", "info")

	v.SetDefault("database.driver", repository.DriverPostgres)
	v.SetDefault("database.dsn", "host=localhost user=postgres password=postgres dbname=faceauth port=5432 sslmode=disable")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.conn_max_lifetime", "1h")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.result_ttl", "5m")

	v.SetDefault("extractor.addr", "extractor:50051")
	v.SetDefault("extractor.dial_timeout", "5s")
	v.SetDefault("extractor.timeout", "10s")
	v.SetDefault("extractor.face_policy", string(extractor.FirstDetectedFace))
	v.SetDefault("extractor.workers", 4)

	v.SetDefault("store.timeout", "3s")

	v.SetDefault("verification.threshold", 0.6)

	v.SetDefault("jwt.secret", "dev-secret")
	v.SetDefault("jwt.audience", "")
	v.SetDefault("jwt.ttl", "1h")

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "faceauth")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.topic_prefix", "faceauth/events")
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Verification.Threshold <= 0 {
		errs = append(errs, fmt.Errorf("verification.threshold must be > 0, got %v", c.Verification.Threshold))
	}
	switch c.Database.Driver {
	case repository.DriverPostgres, repository.DriverSQLite:
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not supported", c.Database.Driver))
	}
	if _, err := extractor.ParseFacePolicy(c.Extractor.FacePolicy); err != nil {
		errs = append(errs, fmt.Errorf("extractor.face_policy: %w", err))
	}
	if c.Extractor.Workers < 1 {
		errs = append(errs, fmt.Errorf("extractor.workers must be >= 1, got %d", c.Extractor.Workers))
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("http.max_body_bytes must be > 0, got %d", c.HTTP.MaxBodyBytes))
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required when mqtt is enabled"))
	}
	return errors.Join(errs...)
}
