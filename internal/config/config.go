/**
 * @description
 * This package handles the configuration management for the ledger service. It uses
 * the Viper library to read configuration from environment variables and an optional
 * .env file.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverSQLite   = "sqlite"
)

// Config holds all the configuration variables for the ledger service.
type Config struct {
	ServerPort                string `mapstructure:"SERVER_PORT"`
	StoreDriver               string `mapstructure:"STORE_DRIVER"`
	DatabaseURL               string `mapstructure:"DATABASE_URL"`
	SQLitePath                string `mapstructure:"SQLITE_PATH"`
	MigrateOnStart            bool   `mapstructure:"MIGRATE_ON_START"`
	RedisURL                  string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix      string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL               string `mapstructure:"RABBITMQ_URL"`
	LedgerEventExchange       string `mapstructure:"LEDGER_EVENT_EXCHANGE"`
	InboundEventExchange      string `mapstructure:"INBOUND_EVENT_EXCHANGE"`
	InboundEventQueue         string `mapstructure:"INBOUND_EVENT_QUEUE"`
	JWTHMACSecret             string `mapstructure:"JWT_HMAC_SECRET"`
	JWKSURL                   string `mapstructure:"JWKS_URL"`
	InternalAPIKey            string `mapstructure:"INTERNAL_API_KEY"`
	StreakTimezone            string `mapstructure:"STREAK_TIMEZONE"`
	GlobalGoalTarget          int64  `mapstructure:"GLOBAL_GOAL_TARGET"`
	LedgerOpTimeoutSeconds    int    `mapstructure:"LEDGER_OP_TIMEOUT_SECONDS"`
	DropRateLimitPerMinute    int    `mapstructure:"DROP_RATE_LIMIT_PER_MINUTE"`
	ClaimRateLimitPerMinute   int    `mapstructure:"CLAIM_RATE_LIMIT_PER_MINUTE"`
	CouponExpirySchedule      string `mapstructure:"COUPON_EXPIRY_SCHEDULE"`
	SponsorshipExpirySchedule string `mapstructure:"SPONSORSHIP_EXPIRY_SCHEDULE"`
	ReconcileSchedule         string `mapstructure:"RECONCILE_SCHEDULE"`
	LogLevel                  string `mapstructure:"LOG_LEVEL"`
	LogFormat                 string `mapstructure:"LOG_FORMAT"`
}

// OpTimeout is the bound on a single ledger transaction.
func (c Config) OpTimeout() time.Duration {
	return time.Duration(c.LedgerOpTimeoutSeconds) * time.Second
}

// LoadConfig reads configuration from environment variables and an optional .env
// file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("STORE_DRIVER", StoreDriverPostgres)
	viper.SetDefault("SQLITE_PATH", "dishdrop-ledger.db")
	viper.SetDefault("MIGRATE_ON_START", true)
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "dishdrop:rate_limit")
	viper.SetDefault("LEDGER_EVENT_EXCHANGE", "dishdrop.ledger")
	viper.SetDefault("INBOUND_EVENT_EXCHANGE", "dishdrop.events")
	viper.SetDefault("INBOUND_EVENT_QUEUE", "ledger_service.events")
	viper.SetDefault("STREAK_TIMEZONE", "UTC")
	viper.SetDefault("GLOBAL_GOAL_TARGET", 0)
	viper.SetDefault("LEDGER_OP_TIMEOUT_SECONDS", 5)
	viper.SetDefault("DROP_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("CLAIM_RATE_LIMIT_PER_MINUTE", 20)
	viper.SetDefault("COUPON_EXPIRY_SCHEDULE", "*/5 * * * *")
	viper.SetDefault("SPONSORSHIP_EXPIRY_SCHEDULE", "* * * * *")
	viper.SetDefault("RECONCILE_SCHEDULE", "0 3 * * *")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "json")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("STORE_DRIVER")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("SQLITE_PATH")
	_ = viper.BindEnv("MIGRATE_ON_START")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "LEDGER_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("LEDGER_EVENT_EXCHANGE")
	_ = viper.BindEnv("INBOUND_EVENT_EXCHANGE")
	_ = viper.BindEnv("INBOUND_EVENT_QUEUE")
	_ = viper.BindEnv("JWT_HMAC_SECRET")
	_ = viper.BindEnv("JWKS_URL", "JWKS_URL", "CLERK_JWKS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "LEDGER_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("STREAK_TIMEZONE")
	_ = viper.BindEnv("GLOBAL_GOAL_TARGET")
	_ = viper.BindEnv("LEDGER_OP_TIMEOUT_SECONDS")
	_ = viper.BindEnv("DROP_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("CLAIM_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("COUPON_EXPIRY_SCHEDULE")
	_ = viper.BindEnv("SPONSORSHIP_EXPIRY_SCHEDULE")
	_ = viper.BindEnv("RECONCILE_SCHEDULE")
	_ = viper.BindEnv("LOG_LEVEL")
	_ = viper.BindEnv("LOG_FORMAT")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}

	config.StoreDriver = strings.ToLower(strings.TrimSpace(config.StoreDriver))
	switch config.StoreDriver {
	case StoreDriverPostgres, StoreDriverSQLite:
	default:
		log.Printf("level=warn component=config msg=\"unknown STORE_DRIVER; using postgres\" value=%q", config.StoreDriver)
		config.StoreDriver = StoreDriverPostgres
	}

	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.JWTHMACSecret = strings.TrimSpace(config.JWTHMACSecret)
	config.JWKSURL = strings.TrimSpace(config.JWKSURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "dishdrop:rate_limit"
	}
	config.StreakTimezone = strings.TrimSpace(config.StreakTimezone)
	if config.StreakTimezone == "" {
		config.StreakTimezone = "UTC"
	}

	if config.GlobalGoalTarget < 0 {
		log.Printf("level=warn component=config msg=\"negative global goal target; coercing to zero\" value=%d", config.GlobalGoalTarget)
		config.GlobalGoalTarget = 0
	}
	if config.LedgerOpTimeoutSeconds <= 0 {
		log.Printf("level=warn component=config msg=\"invalid LEDGER_OP_TIMEOUT_SECONDS; using default\" value=%d", config.LedgerOpTimeoutSeconds)
		config.LedgerOpTimeoutSeconds = 5
	}
	if config.DropRateLimitPerMinute < 0 {
		config.DropRateLimitPerMinute = 30
	}
	if config.ClaimRateLimitPerMinute < 0 {
		config.ClaimRateLimitPerMinute = 20
	}

	config.LogLevel = strings.ToLower(strings.TrimSpace(config.LogLevel))
	config.LogFormat = strings.ToLower(strings.TrimSpace(config.LogFormat))
	if config.LogFormat != "json" && config.LogFormat != "text" {
		config.LogFormat = "json"
	}

	return
}
