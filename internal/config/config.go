package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBConnectTimeout  time.Duration

	// Token
	JWTSecret     string
	TokenValidity time.Duration

	// Password
	BcryptCost int

	// Throttle
	ThrottleWindow          time.Duration
	ThrottleLimit           int
	ThrottleCleanupInterval time.Duration
	ThrottleIdleWindows     int

	// Login Rate Limit
	LoginRateLimit int // req/min/IP

	// Server
	ServerPort string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.DBMaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", 10)
	cfg.DBMaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", 5)
	cfg.DBConnMaxLifetime = getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute)
	cfg.DBConnectTimeout = getEnvDuration("DB_CONNECT_TIMEOUT", 5*time.Second)
	cfg.TokenValidity = getEnvDuration("TOKEN_VALIDITY", 1*time.Hour)
	cfg.BcryptCost = getEnvInt("BCRYPT_COST", 10)
	cfg.ThrottleWindow = getEnvDuration("THROTTLE_WINDOW", 1*time.Minute)
	cfg.ThrottleLimit = getEnvInt("THROTTLE_LIMIT", 10)
	cfg.ThrottleCleanupInterval = getEnvDuration("THROTTLE_CLEANUP_INTERVAL", 5*time.Minute)
	cfg.ThrottleIdleWindows = getEnvInt("THROTTLE_IDLE_WINDOWS", 2)
	cfg.LoginRateLimit = getEnvInt("LOGIN_RATE_LIMIT", 20)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate は値の範囲を検証する。
// 0以下のウィンドウや上限はスロットルを無効化してしまうため拒否する。
func (c *Config) validate() error {
	if c.DBMaxOpenConns <= 0 {
		return fmt.Errorf("DB_MAX_OPEN_CONNS must be positive, got %d", c.DBMaxOpenConns)
	}
	if c.DBMaxIdleConns < 0 || c.DBMaxIdleConns > c.DBMaxOpenConns {
		return fmt.Errorf("DB_MAX_IDLE_CONNS must be between 0 and DB_MAX_OPEN_CONNS, got %d", c.DBMaxIdleConns)
	}
	if c.DBConnectTimeout <= 0 {
		return fmt.Errorf("DB_CONNECT_TIMEOUT must be positive, got %v", c.DBConnectTimeout)
	}
	if c.TokenValidity <= 0 {
		return fmt.Errorf("TOKEN_VALIDITY must be positive, got %v", c.TokenValidity)
	}
	if c.ThrottleWindow <= 0 {
		return fmt.Errorf("THROTTLE_WINDOW must be positive, got %v", c.ThrottleWindow)
	}
	if c.ThrottleLimit <= 0 {
		return fmt.Errorf("THROTTLE_LIMIT must be positive, got %d", c.ThrottleLimit)
	}
	if c.ThrottleCleanupInterval <= 0 {
		return fmt.Errorf("THROTTLE_CLEANUP_INTERVAL must be positive, got %v", c.ThrottleCleanupInterval)
	}
	if c.ThrottleIdleWindows < 1 {
		return fmt.Errorf("THROTTLE_IDLE_WINDOWS must be at least 1, got %d", c.ThrottleIdleWindows)
	}
	if c.LoginRateLimit <= 0 {
		return fmt.Errorf("LOGIN_RATE_LIMIT must be positive, got %d", c.LoginRateLimit)
	}
	return nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
