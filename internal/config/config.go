package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StoreRedis    = "redis"
	StoreDynamoDB = "dynamodb"
	StoreMemory   = "memory"
)

type Config struct {
	Server   ServerConfig
	Store    string
	DynamoDB DynamoDBConfig
	Redis    RedisConfig
	OTP      OTPConfig
	Dispatch DispatchConfig
}

type ServerConfig struct {
	Port              string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	AllowedOrigins    []string
	OTPRoutesPerMin   float64
	OTPRoutesBurst    int
	// TrustProxyHeaders keys rate limits on X-Forwarded-For. Enable only behind a proxy that sets it.
	TrustProxyHeaders bool
}

type DynamoDBConfig struct {
	Endpoint         string
	Region           string
	AccessKeyID      string
	SecretKey        string
	CredentialsTable string
	AccountsTable    string
}

type RedisConfig struct {
	URL         string
	Endpoint    string
	Password    string
	DB          int
	DialTimeout time.Duration
	OpTimeout   time.Duration
}

type OTPConfig struct {
	TTL             time.Duration
	MaxAttempts     int
	ResendCooldown  time.Duration
	ResetSessionTTL time.Duration
	HashCost        int
}

type DispatchConfig struct {
	SNSRegion    string
	SNSEndpoint  string
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	RequireEmail bool
	RequireSMS   bool
}

// DefaultOTPConfig returns the stock lifetimes and limits.
func DefaultOTPConfig() OTPConfig {
	return OTPConfig{
		TTL:             5 * time.Minute,
		MaxAttempts:     5,
		ResendCooldown:  30 * time.Second,
		ResetSessionTTL: 10 * time.Minute,
		HashCost:        10,
	}
}

func Load() (*Config, error) {
	// .env is optional; real deployments inject the environment directly
	_ = godotenv.Load()

	defaults := DefaultOTPConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:              getEnv("PORT", "8080"),
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			AllowedOrigins:    strings.Split(getEnv("ALLOWED_ORIGINS", "*"), ","),
			OTPRoutesPerMin:   float64(getEnvAsInt("OTP_ROUTE_RATE_PER_MIN", 10)),
			OTPRoutesBurst:    getEnvAsInt("OTP_ROUTE_BURST", 10),
			TrustProxyHeaders: getEnvAsBool("TRUST_PROXY_HEADERS", false),
		},
		Store: strings.ToLower(getEnv("STORE_BACKEND", StoreRedis)),
		DynamoDB: DynamoDBConfig{
			Endpoint:         getEnv("DYNAMODB_ENDPOINT", ""),
			Region:           getEnv("DYNAMODB_REGION", "us-east-1"),
			AccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretKey:        getEnv("AWS_SECRET_ACCESS_KEY", ""),
			CredentialsTable: getEnv("DYNAMODB_CREDENTIALS_TABLE", "OTPCredentials"),
			AccountsTable:    getEnv("DYNAMODB_ACCOUNTS_TABLE", "Accounts"),
		},
		Redis: RedisConfig{
			URL:         getEnv("REDIS_URL", ""),
			Endpoint:    getEnv("REDIS_ENDPOINT", "localhost:6379"),
			Password:    getEnv("REDIS_PASSWORD", ""),
			DB:          getEnvAsInt("REDIS_DB", 0),
			DialTimeout: getEnvAsDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			OpTimeout:   getEnvAsDuration("REDIS_OP_TIMEOUT", 3*time.Second),
		},
		OTP: OTPConfig{
			TTL:             getEnvAsDuration("OTP_TTL", defaults.TTL),
			MaxAttempts:     getEnvAsInt("OTP_MAX_ATTEMPTS", defaults.MaxAttempts),
			ResendCooldown:  getEnvAsDuration("OTP_RESEND_COOLDOWN", defaults.ResendCooldown),
			ResetSessionTTL: getEnvAsDuration("OTP_RESET_SESSION_TTL", defaults.ResetSessionTTL),
			HashCost:        getEnvAsInt("OTP_HASH_COST", defaults.HashCost),
		},
		Dispatch: DispatchConfig{
			SNSRegion:    getEnv("DISPATCH_SNS_REGION", "us-east-1"),
			SNSEndpoint:  getEnv("DISPATCH_SNS_ENDPOINT", ""),
			SMTPHost:     getEnv("SMTP_HOST", "localhost"),
			SMTPPort:     getEnvAsInt("SMTP_PORT", 1025),
			SMTPUsername: getEnv("SMTP_USERNAME", ""),
			SMTPPassword: getEnv("SMTP_PASSWORD", ""),
			SMTPFrom:     getEnv("SMTP_FROM", "noreply@servicehub.local"),
			RequireEmail: getEnvAsBool("DISPATCH_REQUIRE_EMAIL", true),
			RequireSMS:   getEnvAsBool("DISPATCH_REQUIRE_SMS", false),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Store {
	case StoreRedis, StoreDynamoDB, StoreMemory:
	default:
		return fmt.Errorf("STORE_BACKEND must be one of redis, dynamodb, memory; got %q", c.Store)
	}
	return c.OTP.Validate()
}

func (c OTPConfig) Validate() error {
	if c.TTL < time.Second {
		return fmt.Errorf("OTP_TTL must be at least 1s")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("OTP_MAX_ATTEMPTS must be positive")
	}
	if c.ResendCooldown < 0 {
		return fmt.Errorf("OTP_RESEND_COOLDOWN must not be negative")
	}
	if c.ResetSessionTTL < time.Second {
		return fmt.Errorf("OTP_RESET_SESSION_TTL must be at least 1s")
	}
	// bcrypt.MinCost..bcrypt.MaxCost
	if c.HashCost < 4 || c.HashCost > 31 {
		return fmt.Errorf("OTP_HASH_COST must be between 4 and 31")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvAsDuration accepts Go durations ("90s") or bare seconds ("300").
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}
