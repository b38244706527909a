package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/voxly/interview-gateway/pkg/gateway/config"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Config config.Config
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK          bool     `json:"ok"`
		RedisMode   string   `json:"redis_mode"`
		CORSEnabled bool     `json:"cors_enabled"`
		Persistent  bool     `json:"persistent"`
		Issues      []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	switch h.Config.RedisMode {
	case config.RedisModeStandalone, config.RedisModeEmbedded:
	default:
		issues = append(issues, "invalid redis_mode")
	}
	if h.Config.IdentityJWTSecret == "" {
		issues = append(issues, "identity jwt secret not configured")
	}
	if h.Config.SessionTokenTTL <= 0 {
		issues = append(issues, "session token ttl must be > 0")
	}
	if h.Config.CallDuration <= 0 {
		issues = append(issues, "call duration must be > 0")
	}
	if h.Config.ConnectTimeout <= 0 {
		issues = append(issues, "connect timeout must be > 0")
	}
	if h.Config.ConnectTimeout >= h.Config.CallDuration {
		issues = append(issues, "connect timeout must be < call duration")
	}
	if h.Config.BillingBaseURL == "" {
		issues = append(issues, "billing base url not configured")
	}
	if h.Config.VendorWSURL == "" {
		issues = append(issues, "vendor ws url not configured")
	}
	if h.Config.LiveHandshakeTimeout <= 0 || h.Config.LiveWSWriteTimeout <= 0 || h.Config.LiveWSPingInterval <= 0 {
		issues = append(issues, "live websocket timeouts must be > 0")
	}
	if h.Config.MaxJSONMessageBytes <= 0 {
		issues = append(issues, "max json message bytes must be > 0")
	}
	if h.Config.ReadHeaderTimeout <= 0 || h.Config.ReadTimeout <= 0 {
		issues = append(issues, "timeouts must be > 0")
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:          ok,
		RedisMode:   string(h.Config.RedisMode),
		CORSEnabled: len(h.Config.CORSAllowedOrigins) > 0,
		Persistent:  h.Config.DatabaseURL != "",
		Issues:      issues,
	})
}
