package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Environment
	AppEnv string

	// Database
	DatabaseURL string

	// Session
	SessionSecret         string
	SessionMaxAge         int
	SessionRememberMaxAge int

	// Auth policy
	LockoutThreshold       int
	LockoutDuration        time.Duration
	TwoFactorCodeLength    int
	TwoFactorCodeLifetime  time.Duration
	PendingSessionLifetime time.Duration
	TwoFactorResendLimit   int
	TwoFactorResendWindow  time.Duration

	// ローカル検証用のバイパス。本番環境では有効化できない。
	BypassEmailVerification bool
	BypassTwoFactor         bool

	// Redis（未設定の場合はプロセス内ストアを使う）
	RedisURL string

	// RabbitMQ（未設定の場合はログ出力の通知にフォールバックする）
	AMQPURL        string
	NotifyExchange string

	// Rate Limit
	RateLimitLogin   int
	RateLimitGeneral int

	// Retention
	LoginAttemptRetentionDays int

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string
}

// IsProduction は本番環境として起動しているかどうかを返す。
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
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

	cfg.SessionSecret = os.Getenv("SESSION_SECRET")
	if cfg.SessionSecret == "" {
		missing = append(missing, "SESSION_SECRET")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.AppEnv = getEnvString("APP_ENV", "production")
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 86400)
	cfg.SessionRememberMaxAge = getEnvInt("SESSION_REMEMBER_MAX_AGE", 30*86400)
	cfg.LockoutThreshold = getEnvInt("AUTH_LOCKOUT_THRESHOLD", 5)
	cfg.LockoutDuration = getEnvDuration("AUTH_LOCKOUT_DURATION", 15*time.Minute)
	cfg.TwoFactorCodeLength = getEnvInt("AUTH_2FA_CODE_LENGTH", 6)
	cfg.TwoFactorCodeLifetime = getEnvDuration("AUTH_2FA_CODE_LIFETIME", 5*time.Minute)
	cfg.PendingSessionLifetime = getEnvDuration("AUTH_PENDING_SESSION_LIFETIME", 30*time.Minute)
	cfg.TwoFactorResendLimit = getEnvInt("AUTH_2FA_RESEND_LIMIT", 3)
	cfg.TwoFactorResendWindow = getEnvDuration("AUTH_2FA_RESEND_WINDOW", 5*time.Minute)
	cfg.BypassEmailVerification = getEnvBool("AUTH_BYPASS_EMAIL_VERIFICATION")
	cfg.BypassTwoFactor = getEnvBool("AUTH_BYPASS_TWO_FACTOR")
	cfg.RedisURL = getEnvString("REDIS_URL", "")
	cfg.AMQPURL = getEnvString("AMQP_URL", "")
	cfg.NotifyExchange = getEnvString("NOTIFY_EXCHANGE", "notifications")
	cfg.RateLimitLogin = getEnvInt("RATE_LIMIT_LOGIN", 20)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.LoginAttemptRetentionDays = getEnvInt("LOGIN_ATTEMPT_RETENTION_DAYS", 90)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	if err := cfg.validateAuthPolicy(); err != nil {
		return nil, err
	}

	if cfg.IsProduction() && (cfg.BypassEmailVerification || cfg.BypassTwoFactor) {
		return nil, fmt.Errorf("auth bypass flags cannot be enabled when APP_ENV=production")
	}

	return cfg, nil
}

const (
	minTwoFactorCodeLength = 4
	maxTwoFactorCodeLength = 10
)

// validateAuthPolicy は認証ポリシーの値が正であることを確認する。
// 0以下の閾値や期間はロックアウトやレート制限を無効化してしまうため起動を拒否する。
func (c *Config) validateAuthPolicy() error {
	var invalid []string

	ints := []struct {
		key string
		val int
	}{
		{"AUTH_LOCKOUT_THRESHOLD", c.LockoutThreshold},
		{"AUTH_2FA_RESEND_LIMIT", c.TwoFactorResendLimit},
	}
	for _, v := range ints {
		if v.val <= 0 {
			invalid = append(invalid, v.key)
		}
	}

	durations := []struct {
		key string
		val time.Duration
	}{
		{"AUTH_LOCKOUT_DURATION", c.LockoutDuration},
		{"AUTH_2FA_CODE_LIFETIME", c.TwoFactorCodeLifetime},
		{"AUTH_PENDING_SESSION_LIFETIME", c.PendingSessionLifetime},
		{"AUTH_2FA_RESEND_WINDOW", c.TwoFactorResendWindow},
	}
	for _, v := range durations {
		if v.val <= 0 {
			invalid = append(invalid, v.key)
		}
	}

	if len(invalid) > 0 {
		return fmt.Errorf("auth policy values must be positive: %v", invalid)
	}

	if c.TwoFactorCodeLength < minTwoFactorCodeLength || c.TwoFactorCodeLength > maxTwoFactorCodeLength {
		return fmt.Errorf("AUTH_2FA_CODE_LENGTH must be between %d and %d, got %d",
			minTwoFactorCodeLength, maxTwoFactorCodeLength, c.TwoFactorCodeLength)
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

// getEnvBool は "true" または "1" の場合のみtrueを返す。
func getEnvBool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "true", "1":
		return true
	default:
		return false
	}
}
