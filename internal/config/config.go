// Package config loads process settings from the environment (MAES_*),
// an optional .env file and an optional config file.
package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "MAES"

type Config struct {
	HTTPAddr string
	GRPCAddr string

	PostgresDSN string
	RedisURL    string
	RedisPrefix string

	JWTSecret     string
	JWTIssuer     string
	TokenTTL      time.Duration
	ServiceSecret string

	LockoutThreshold int
	LockoutDuration  time.Duration

	ConnectivityTimeout time.Duration
	ConnectivityPoll    time.Duration

	RateLimitRPS   float64
	RateLimitBurst int
	CORSOrigins    []string
	MaxBodyBytes   int64

	RolesFile string

	// Optional super admin created at startup when absent.
	BootstrapEmail    string
	BootstrapPassword string

	LogLevel string
	LogDev   bool
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http-addr", ":8080")
	v.SetDefault("grpc-addr", ":9090")
	v.SetDefault("pg-dsn", "")
	v.SetDefault("redis-url", "")
	v.SetDefault("redis-prefix", "maes")
	v.SetDefault("jwt-secret", "")
	v.SetDefault("jwt-issuer", "maes-platform")
	v.SetDefault("token-ttl", 8*time.Hour)
	v.SetDefault("service-secret", "")
	v.SetDefault("lockout-threshold", 5)
	v.SetDefault("lockout-duration", 30*time.Minute)
	v.SetDefault("connectivity-timeout", 30*time.Second)
	v.SetDefault("connectivity-poll", 500*time.Millisecond)
	v.SetDefault("rate-limit-rps", 20.0)
	v.SetDefault("rate-limit-burst", 40)
	v.SetDefault("cors-origins", []string{"*"})
	v.SetDefault("max-body-bytes", int64(1<<20))
	v.SetDefault("roles-file", "")
	v.SetDefault("bootstrap-email", "")
	v.SetDefault("bootstrap-password", "")
	v.SetDefault("log-level", "info")
	v.SetDefault("log-dev", false)
}

// Load reads .env (best effort), the optional config file, the environment
// and any bound flags, in increasing order of precedence.
func Load(configFile string, flags *pflag.FlagSet) (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "read config %s", configFile)
		}
	}
	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, errors.Wrap(err, "bind flags")
		}
	}

	cfg := Config{
		HTTPAddr:            v.GetString("http-addr"),
		GRPCAddr:            v.GetString("grpc-addr"),
		PostgresDSN:         v.GetString("pg-dsn"),
		RedisURL:            v.GetString("redis-url"),
		RedisPrefix:         v.GetString("redis-prefix"),
		JWTSecret:           v.GetString("jwt-secret"),
		JWTIssuer:           v.GetString("jwt-issuer"),
		TokenTTL:            v.GetDuration("token-ttl"),
		ServiceSecret:       v.GetString("service-secret"),
		LockoutThreshold:    v.GetInt("lockout-threshold"),
		LockoutDuration:     v.GetDuration("lockout-duration"),
		ConnectivityTimeout: v.GetDuration("connectivity-timeout"),
		ConnectivityPoll:    v.GetDuration("connectivity-poll"),
		RateLimitRPS:        v.GetFloat64("rate-limit-rps"),
		RateLimitBurst:      v.GetInt("rate-limit-burst"),
		CORSOrigins:         v.GetStringSlice("cors-origins"),
		MaxBodyBytes:        v.GetInt64("max-body-bytes"),
		RolesFile:           v.GetString("roles-file"),
		BootstrapEmail:      v.GetString("bootstrap-email"),
		BootstrapPassword:   v.GetString("bootstrap-password"),
		LogLevel:            v.GetString("log-level"),
		LogDev:              v.GetBool("log-dev"),
	}
	return cfg, cfg.Validate()
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var result *multierror.Error
	if c.HTTPAddr == "" {
		result = multierror.Append(result, errors.New("http-addr is required"))
	}
	if len(c.JWTSecret) < 32 {
		result = multierror.Append(result, errors.New("jwt-secret must be at least 32 bytes"))
	}
	if c.ServiceSecret == "" {
		result = multierror.Append(result, errors.New("service-secret is required"))
	}
	if c.TokenTTL <= 0 {
		result = multierror.Append(result, errors.New("token-ttl must be positive"))
	}
	if c.LockoutThreshold <= 0 {
		result = multierror.Append(result, errors.New("lockout-threshold must be positive"))
	}
	if c.BootstrapEmail != "" && len(c.BootstrapPassword) < 8 {
		result = multierror.Append(result, errors.New("bootstrap-password must be at least 8 characters"))
	}
	if c.ConnectivityTimeout <= 0 {
		result = multierror.Append(result, errors.New("connectivity-timeout must be positive"))
	}
	return result.ErrorOrNil()
}
