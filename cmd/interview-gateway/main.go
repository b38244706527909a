package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/voxly/interview-gateway/internal/dotenv"
	"github.com/voxly/interview-gateway/pkg/gateway/billing"
	"github.com/voxly/interview-gateway/pkg/gateway/config"
	gatewayserver "github.com/voxly/interview-gateway/pkg/gateway/server"
	"github.com/voxly/interview-gateway/pkg/gateway/store"
	"github.com/voxly/interview-gateway/pkg/gateway/token"
	"github.com/voxly/interview-gateway/pkg/gateway/vendorws"
)

type gatewayDeps struct {
	loadConfig   func() (config.Config, error)
	openStores   func(ctx context.Context, cfg config.Config, logger *slog.Logger) (*token.Store, store.Store, func(), error)
	newGateway   func(config.Config, *slog.Logger, gatewayserver.Deps) *gatewayserver.Server
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultGatewayDeps() gatewayDeps {
	return gatewayDeps{
		loadConfig:   config.LoadFromEnv,
		openStores:   openStores,
		newGateway:   gatewayserver.New,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) { signal.Notify(c, sig...) },
		signalStop:   signal.Stop,
	}
}

func openStores(ctx context.Context, cfg config.Config, logger *slog.Logger) (*token.Store, store.Store, func(), error) {
	rdb, closeRedis, err := token.OpenRedis(ctx, cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open redis: %w", err)
	}
	tokens := token.NewStore(rdb, cfg.SessionTokenTTL)

	if cfg.DatabaseURL == "" {
		logger.Warn("no database configured, attempt records are in-memory only")
		return tokens, store.NewMemoryStore(), closeRedis, nil
	}

	pg, err := store.OpenPG(ctx, cfg.DatabaseURL)
	if err != nil {
		closeRedis()
		return nil, nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	cleanup := func() {
		pg.Close()
		closeRedis()
	}
	return tokens, pg, cleanup, nil
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
	}
}

func runGateway(ctx context.Context, logger *slog.Logger, deps gatewayDeps) error {
	if deps.loadConfig == nil || deps.openStores == nil || deps.newGateway == nil {
		return errors.New("missing dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	tokens, attempts, cleanup, err := deps.openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	gw := deps.newGateway(cfg, logger, gatewayserver.Deps{
		Tokens:   tokens,
		Ledger:   billing.NewClient(cfg.BillingBaseURL, cfg.BillingAPIKey, nil),
		Vendor:   vendorws.New(cfg.VendorWSURL, cfg.VendorAPIKey),
		Attempts: attempts,
	})
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting gateway",
		"addr", cfg.Addr,
		"redis_mode", cfg.RedisMode,
		"persistent", cfg.DatabaseURL != "",
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	// Live websocket connections are hijacked and outlive Shutdown, so
	// drain them first within the grace period.
	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer drainCancel()
	gw.Drain(drainCtx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("gateway stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps gatewayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(stderr, "interview-gateway: %v\n", err)
		return 1
	}

	if err := runGateway(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "interview-gateway: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultGatewayDeps()))
}
