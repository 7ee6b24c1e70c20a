// Package config loads server configuration from environment variables over
// built-in defaults.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	Redis          RedisConfig
	Signaling      SignalingConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// SignalingConfig tunes the relay, batcher, health monitor, and diagnostics.
type SignalingConfig struct {
	OfferTTL         time.Duration
	StatusTTL        time.Duration
	AnswersCacheTTL  time.Duration
	BatchMaxSize     int
	BatchDelay       time.Duration
	SweepPeriod      time.Duration
	IdleThreshold    time.Duration
	IceTrimThreshold int64
	IceTrimKeep      int64
}

func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("port", "8080")
	v.SetDefault("environment", "development")
	v.SetDefault("allowed_origins", "http://localhost:3000,http://localhost:5173")
	v.SetDefault("jwt_secret", "change-me-in-production")
	v.SetDefault("redis_host", "localhost")
	v.SetDefault("redis_port", "6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("offer_ttl", "2h")
	v.SetDefault("status_ttl", "90m")
	v.SetDefault("answers_cache_ttl", "3s")
	v.SetDefault("batch_max_size", 5)
	v.SetDefault("batch_delay", "100ms")
	v.SetDefault("sweep_period", "30s")
	v.SetDefault("idle_threshold", "60s")
	v.SetDefault("ice_trim_threshold", 20)
	v.SetDefault("ice_trim_keep", 10)

	return &Config{
		Port:           v.GetString("port"),
		Environment:    v.GetString("environment"),
		AllowedOrigins: strings.Split(v.GetString("allowed_origins"), ","),
		JWTSecret:      v.GetString("jwt_secret"),
		Redis: RedisConfig{
			Host:     v.GetString("redis_host"),
			Port:     v.GetString("redis_port"),
			Password: v.GetString("redis_password"),
			DB:       v.GetInt("redis_db"),
		},
		Signaling: SignalingConfig{
			OfferTTL:         v.GetDuration("offer_ttl"),
			StatusTTL:        v.GetDuration("status_ttl"),
			AnswersCacheTTL:  v.GetDuration("answers_cache_ttl"),
			BatchMaxSize:     v.GetInt("batch_max_size"),
			BatchDelay:       v.GetDuration("batch_delay"),
			SweepPeriod:      v.GetDuration("sweep_period"),
			IdleThreshold:    v.GetDuration("idle_threshold"),
			IceTrimThreshold: v.GetInt64("ice_trim_threshold"),
			IceTrimKeep:      v.GetInt64("ice_trim_keep"),
		},
	}, nil
}
