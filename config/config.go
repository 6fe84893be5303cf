// Package config loads the gateway settings from the environment, with an
// optional .env file for local development.
package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds every runtime setting of the gateway.
type Config struct {
	Port       string
	AdminToken string

	DBDriver string
	DBDSN    string

	RedisAddr     string
	RedisPassword string
	QueuePrefix   string

	AMQPURL     string
	EventPrefix string

	CRMBaseURL      string
	CRMAuthURL      string
	CRMClientID     string
	CRMClientSecret string

	MediaDir    string
	MediaMaxAge time.Duration

	S3Endpoint  string
	S3Region    string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3PublicURL string

	LogLevel  string
	LogFormat string
}

// Load reads the environment. Variables take precedence over the .env file.
func Load() *Config {
	if err := godotenv.Load(); err == nil {
		log.Info().Msg("Loaded settings from .env file")
	}

	cfg := &Config{
		Port:       getenv("PORT", "8080"),
		AdminToken: os.Getenv("ADMIN_TOKEN"),

		DBDriver: getenv("DB_DRIVER", "sqlite"),
		DBDSN:    getenv("DB_DSN", "file:data/wagate.db?_pragma=busy_timeout(10000)"),

		RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		QueuePrefix:   getenv("QUEUE_PREFIX", "relay"),

		AMQPURL:     os.Getenv("AMQP_URL"),
		EventPrefix: getenv("EVENT_PREFIX", "wagate"),

		CRMBaseURL:      os.Getenv("CRM_BASE_URL"),
		CRMAuthURL:      os.Getenv("CRM_AUTH_URL"),
		CRMClientID:     os.Getenv("CRM_CLIENT_ID"),
		CRMClientSecret: os.Getenv("CRM_CLIENT_SECRET"),

		MediaDir:    getenv("MEDIA_DIR", "data/media"),
		MediaMaxAge: getduration("MEDIA_MAX_AGE", 720*time.Hour),

		S3Endpoint:  os.Getenv("S3_ENDPOINT"),
		S3Region:    getenv("S3_REGION", "us-east-1"),
		S3Bucket:    os.Getenv("S3_BUCKET"),
		S3AccessKey: os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey: os.Getenv("S3_SECRET_KEY"),
		S3PublicURL: os.Getenv("S3_PUBLIC_URL"),

		LogLevel:  getenv("LOG_LEVEL", "info"),
		LogFormat: getenv("LOG_FORMAT", "console"),
	}

	if cfg.AdminToken == "" {
		log.Warn().Msg("ADMIN_TOKEN is empty, admin endpoints are unprotected")
	}
	if cfg.CRMBaseURL == "" {
		log.Warn().Msg("CRM_BASE_URL is empty, incoming messages cannot be delivered")
	}
	return cfg
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getduration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Unparseable duration, using default")
		return fallback
	}
	return d
}
