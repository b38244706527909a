package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type RedisMode string

const (
	RedisModeStandalone RedisMode = "standalone"
	// RedisModeEmbedded runs an in-process miniredis instance. Intended for
	// local development and CI, not production.
	RedisModeEmbedded RedisMode = "embedded"
)

type Config struct {
	Addr string

	// HMAC secret used to verify identity tokens minted by the identity
	// collaborator. The gateway never mints identity tokens itself.
	IdentityJWTSecret string

	// Admission redirect destinations. Denials are resolved by redirecting
	// to one of these, never by a dead-end error.
	SigninPath     string
	OnboardingPath string
	DashboardPath  string
	BillingPath    string
	FeedbackPath   string

	// SessionTokenTTL bounds how long a minted session token stays valid.
	SessionTokenTTL time.Duration

	// CallDuration is the wall-clock budget of one interview call, counted
	// from the moment the vendor reports connected.
	CallDuration time.Duration

	// ConnectTimeout bounds the vendor connect handshake. A vendor that has
	// not reported connected within this window is treated as a failed
	// start and the pre-debited credit is restored.
	ConnectTimeout time.Duration

	BillingBaseURL string
	BillingAPIKey  string

	VendorWSURL  string
	VendorAPIKey string

	RedisMode     RedisMode
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// DatabaseURL is optional; without it attempt records are kept in
	// memory only.
	DatabaseURL string

	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// Live WebSocket mode (/v1/interviews/live).
	LiveHandshakeTimeout time.Duration
	LiveWSWriteTimeout   time.Duration
	LiveWSPingInterval   time.Duration
	MaxJSONMessageBytes  int64

	// Per-user request throttle. RPS <= 0 disables it.
	LimitRPS   float64
	LimitBurst int

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	ShutdownGracePeriod time.Duration

	MetricsNamespace string
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                 envOr("VOXLY_GATEWAY_ADDR", ":8080"),
		IdentityJWTSecret:    strings.TrimSpace(os.Getenv("VOXLY_IDENTITY_JWT_SECRET")),
		SigninPath:           envOr("VOXLY_SIGNIN_PATH", "/signin"),
		OnboardingPath:       envOr("VOXLY_ONBOARDING_PATH", "/onboarding"),
		DashboardPath:        envOr("VOXLY_DASHBOARD_PATH", "/dashboard"),
		BillingPath:          envOr("VOXLY_BILLING_PATH", "/billing"),
		FeedbackPath:         envOr("VOXLY_FEEDBACK_PATH", "/interview/feedback"),
		SessionTokenTTL:      envDurationOr("VOXLY_SESSION_TOKEN_TTL", 60*time.Minute),
		CallDuration:         envDurationOr("VOXLY_CALL_DURATION", 15*time.Minute),
		ConnectTimeout:       envDurationOr("VOXLY_CONNECT_TIMEOUT", 30*time.Second),
		BillingBaseURL:       envOr("VOXLY_BILLING_BASE_URL", "http://localhost:8090"),
		BillingAPIKey:        strings.TrimSpace(os.Getenv("VOXLY_BILLING_API_KEY")),
		VendorWSURL:          envOr("VOXLY_VENDOR_WS_URL", "wss://voice.vendor.example/v1/calls"),
		VendorAPIKey:         strings.TrimSpace(os.Getenv("VOXLY_VENDOR_API_KEY")),
		RedisMode:            RedisMode(envOr("VOXLY_REDIS_MODE", string(RedisModeStandalone))),
		RedisAddr:            envOr("VOXLY_REDIS_ADDR", "localhost:6379"),
		RedisPassword:        os.Getenv("VOXLY_REDIS_PASSWORD"),
		RedisDB:              envIntOr("VOXLY_REDIS_DB", 0),
		DatabaseURL:          strings.TrimSpace(os.Getenv("VOXLY_DATABASE_URL")),
		CORSAllowedOrigins:   make(map[string]struct{}),
		LiveHandshakeTimeout: envDurationOr("VOXLY_LIVE_HANDSHAKE_TIMEOUT", 5*time.Second),
		LiveWSWriteTimeout:   envDurationOr("VOXLY_LIVE_WS_WRITE_TIMEOUT", 5*time.Second),
		LiveWSPingInterval:   envDurationOr("VOXLY_LIVE_WS_PING_INTERVAL", 20*time.Second),
		MaxJSONMessageBytes:  envInt64Or("VOXLY_LIVE_MAX_JSON_MESSAGE_BYTES", 64*1024),
		LimitRPS:             envFloatOr("VOXLY_LIMIT_RPS", 0),
		LimitBurst:           envIntOr("VOXLY_LIMIT_BURST", 0),
		ReadHeaderTimeout:    envDurationOr("VOXLY_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:          envDurationOr("VOXLY_READ_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod:  envDurationOr("VOXLY_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		MetricsNamespace:     envOr("VOXLY_METRICS_NAMESPACE", "voxly"),
	}

	for _, origin := range splitCSV(os.Getenv("VOXLY_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if cfg.IdentityJWTSecret == "" {
		return Config{}, fmt.Errorf("VOXLY_IDENTITY_JWT_SECRET must be set")
	}
	switch cfg.RedisMode {
	case RedisModeStandalone, RedisModeEmbedded:
	default:
		return Config{}, fmt.Errorf("VOXLY_REDIS_MODE must be one of standalone|embedded")
	}
	if cfg.RedisMode == RedisModeStandalone && strings.TrimSpace(cfg.RedisAddr) == "" {
		return Config{}, fmt.Errorf("VOXLY_REDIS_ADDR must not be empty")
	}
	if cfg.SessionTokenTTL <= 0 {
		return Config{}, fmt.Errorf("VOXLY_SESSION_TOKEN_TTL must be > 0")
	}
	if cfg.CallDuration <= 0 {
		return Config{}, fmt.Errorf("VOXLY_CALL_DURATION must be > 0")
	}
	if cfg.ConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("VOXLY_CONNECT_TIMEOUT must be > 0")
	}
	if strings.TrimSpace(cfg.BillingBaseURL) == "" {
		return Config{}, fmt.Errorf("VOXLY_BILLING_BASE_URL must not be empty")
	}
	if strings.TrimSpace(cfg.VendorWSURL) == "" {
		return Config{}, fmt.Errorf("VOXLY_VENDOR_WS_URL must not be empty")
	}
	if cfg.LiveHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("VOXLY_LIVE_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.LiveWSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VOXLY_LIVE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.LiveWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("VOXLY_LIVE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.MaxJSONMessageBytes <= 0 {
		return Config{}, fmt.Errorf("VOXLY_LIVE_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VOXLY_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("VOXLY_READ_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VOXLY_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloatOr(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return f
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
