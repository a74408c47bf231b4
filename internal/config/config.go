package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the modmail relay.
type Config struct {
	AppName                string
	AppEnv                 string
	AppPort                string
	BotPrefix              string
	BotOwners              []string
	DatabaseURL            string
	DatabaseSchema         string
	DatabaseMaxAttempts    int
	DatabaseRetryDelay     time.Duration
	RedisURL               string
	NATSURL                string
	NATSSubjectPrefix      string
	NATSRequestTimeout     time.Duration
	JWTSecret              string
	ThreadCloseDelay       time.Duration
	ThreadLockTTL          time.Duration
	CloudinaryCloudName    string
	CloudinaryAPIKey       string
	CloudinaryAPISecret    string
	CloudinaryUploadFolder string
	SnowflakeNode          int64
}

// HTTPAddress returns the address the read-only API should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// CloudinaryEnabled reports whether attachment re-hosting credentials are present.
func (c Config) CloudinaryEnabled() bool {
	return c.CloudinaryCloudName != "" && c.CloudinaryAPIKey != "" && c.CloudinaryAPISecret != ""
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("MODMAIL")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "Modmail")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("bot.prefix", "=")
	v.SetDefault("database.schema", "modmail")
	v.SetDefault("database.max_attempts", 5)
	v.SetDefault("database.retry_delay", "5s")
	v.SetDefault("nats.subject_prefix", "modmail")
	v.SetDefault("nats.request_timeout", "10s")
	v.SetDefault("thread.close_delay", "5s")
	v.SetDefault("thread.lock_ttl", "2m")
	v.SetDefault("cloudinary.folder", "modmail/attachments")
	v.SetDefault("snowflake.node", 1)

	retryDelay, err := parseDuration(v, "database.retry_delay")
	if err != nil {
		return Config{}, err
	}
	requestTimeout, err := parseDuration(v, "nats.request_timeout")
	if err != nil {
		return Config{}, err
	}
	closeDelay, err := parseDuration(v, "thread.close_delay")
	if err != nil {
		return Config{}, err
	}
	lockTTL, err := parseDuration(v, "thread.lock_ttl")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppName:                v.GetString("app.name"),
		AppEnv:                 v.GetString("app.env"),
		AppPort:                v.GetString("app.port"),
		BotPrefix:              v.GetString("bot.prefix"),
		BotOwners:              splitList(v.GetString("bot.owners")),
		DatabaseURL:            v.GetString("database.url"),
		DatabaseSchema:         v.GetString("database.schema"),
		DatabaseMaxAttempts:    v.GetInt("database.max_attempts"),
		DatabaseRetryDelay:     retryDelay,
		RedisURL:               v.GetString("redis.url"),
		NATSURL:                v.GetString("nats.url"),
		NATSSubjectPrefix:      v.GetString("nats.subject_prefix"),
		NATSRequestTimeout:     requestTimeout,
		JWTSecret:              v.GetString("jwt.secret"),
		ThreadCloseDelay:       closeDelay,
		ThreadLockTTL:          lockTTL,
		CloudinaryCloudName:    v.GetString("cloudinary.cloud_name"),
		CloudinaryAPIKey:       v.GetString("cloudinary.api_key"),
		CloudinaryAPISecret:    v.GetString("cloudinary.api_secret"),
		CloudinaryUploadFolder: v.GetString("cloudinary.folder"),
		SnowflakeNode:          v.GetInt64("snowflake.node"),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("database url must be provided")
	}
	if cfg.NATSURL == "" {
		return Config{}, fmt.Errorf("nats url must be provided")
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}

	if cfg.DatabaseMaxAttempts <= 0 {
		cfg.DatabaseMaxAttempts = 5
	}
	if cfg.BotPrefix == "" {
		cfg.BotPrefix = "="
	}

	return cfg, nil
}

func parseDuration(v *viper.Viper, key string) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s: must not be negative", key)
	}
	return d, nil
}

func splitList(input string) []string {
	parts := strings.Split(input, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
