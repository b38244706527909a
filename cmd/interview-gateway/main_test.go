package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/voxly/interview-gateway/pkg/gateway/config"
	gatewayserver "github.com/voxly/interview-gateway/pkg/gateway/server"
	"github.com/voxly/interview-gateway/pkg/gateway/store"
	"github.com/voxly/interview-gateway/pkg/gateway/token"
)

func TestRunMain_ReturnsNonZeroWhenConfigLoadFails(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	exitCode := runMain(context.Background(), &stderr, gatewayDeps{
		loadConfig: func() (config.Config, error) {
			return config.Config{}, errors.New("boom")
		},
		openStores: func(ctx context.Context, cfg config.Config, logger *slog.Logger) (*token.Store, store.Store, func(), error) {
			t.Fatalf("openStores should not be called when config load fails")
			return nil, nil, nil, nil
		},
		newGateway: func(cfg config.Config, logger *slog.Logger, deps gatewayserver.Deps) *gatewayserver.Server {
			t.Fatalf("newGateway should not be called when config load fails")
			return nil
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {},
		signalStop:   func(c chan<- os.Signal) {},
	})

	if exitCode != 1 {
		t.Fatalf("exitCode=%d, want 1", exitCode)
	}
	if got := stderr.String(); got == "" {
		t.Fatalf("expected stderr output for startup error")
	}
}

func TestBuildHTTPServer_UsesConfiguredAddress(t *testing.T) {
	t.Parallel()

	cfg := config.Config{
		Addr:              "127.0.0.1:9999",
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       3 * time.Second,
	}

	srv := buildHTTPServer(cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	if srv.Addr != cfg.Addr {
		t.Fatalf("Addr=%q, want %q", srv.Addr, cfg.Addr)
	}
	if srv.ReadHeaderTimeout != cfg.ReadHeaderTimeout {
		t.Fatalf("ReadHeaderTimeout=%v, want %v", srv.ReadHeaderTimeout, cfg.ReadHeaderTimeout)
	}
	if srv.ReadTimeout != cfg.ReadTimeout {
		t.Fatalf("ReadTimeout=%v, want %v", srv.ReadTimeout, cfg.ReadTimeout)
	}
}

func TestOpenStores_EmbeddedRedisInMemoryAttempts(t *testing.T) {
	t.Parallel()

	cfg := config.Config{
		RedisMode:       config.RedisModeEmbedded,
		SessionTokenTTL: time.Hour,
	}
	logger := slog.New(slog.DiscardHandler)

	tokens, attempts, cleanup, err := openStores(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("openStores: %v", err)
	}
	defer cleanup()

	if tokens == nil {
		t.Fatal("nil token store")
	}
	if _, ok := attempts.(*store.MemoryStore); !ok {
		t.Fatalf("attempts store is %T, want *store.MemoryStore", attempts)
	}

	if _, err := tokens.Mint(context.Background(), "cs_1", "att_1", "user_1"); err != nil {
		t.Fatalf("mint against embedded redis: %v", err)
	}
}
