package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/agentworkforce/relaychat/internal/chatserver"
	"github.com/agentworkforce/relaychat/internal/config"
	"github.com/agentworkforce/relaychat/internal/httpapi"
	"github.com/agentworkforce/relaychat/internal/logging"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

func main() {
	envFile := config.EnvOrDefault("RELAYCHAT_ENV_FILE", ".env")
	if err := config.LoadDotEnv(envFile); err != nil {
		log.Printf("warning: %v; continuing with process environment", err)
	}
	cfg := config.LoadServer(config.Environ)

	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	flag.StringVar(&cfg.BackendProfile, "profile", cfg.BackendProfile, "storage profile (memory, durable-local, production)")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	flag.Parse()

	logger, level, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("failed to initialize logging: %v", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	store, err := buildStore(cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize storage backend", zap.Error(err))
	}
	defer store.Close()

	server := httpapi.NewServerWithConfig(store, httpapi.ServerConfig{
		JWTSecret:            cfg.JWTSecret,
		RateLimitMax:         cfg.RateLimitMax,
		RateLimitWindow:      cfg.RateLimitWindow,
		MaxBodyBytes:         cfg.MaxBodyBytes,
		StreamOriginPatterns: cfg.StreamOrigins,
		Logger:               logger.Named("http"),
	})
	if cfg.JWTSecret == "" {
		logger.Warn("RELAYCHAT_JWT_SECRET is unset, using the development secret")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()
	go reloadOnHangup(ctx, envFile, level, logger)

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		logger.Fatal("listen failed", zap.String("addr", cfg.Addr), zap.Error(err))
	}
	logger.Info("relaychat listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("profile", store.BackendStatus().BackendProfile),
		zap.String("stateBackend", store.BackendStatus().StateBackend))
	if err := serve(ctx, ln, server, cfg.ShutdownTimeout, store.Close); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
	logger.Info("relaychat stopped")
}

func buildStore(cfg config.Server, logger *zap.Logger) (*chatserver.Store, error) {
	dsn, err := cfg.StateDSN()
	if err != nil {
		return nil, err
	}
	backend, err := chatserver.BuildStateBackendFromDSN(dsn)
	if err != nil {
		return nil, err
	}
	return chatserver.NewStoreWithOptions(chatserver.StoreOptions{
		StateBackend:     backend,
		BackendProfile:   cfg.BackendProfile,
		SubscriberBuffer: cfg.SubscriberBuffer,
		Logger:           logger.Named("store"),
	}), nil
}

// serve runs handler on ln until ctx is done, then drains in-flight requests
// for up to timeout. beforeShutdown runs first so open streams end and do not
// hold the drain open.
func serve(ctx context.Context, ln net.Listener, handler http.Handler, timeout time.Duration, beforeShutdown func()) error {
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	if beforeShutdown != nil {
		beforeShutdown()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// reloadOnHangup re-reads the env file on SIGHUP and applies its log level.
func reloadOnHangup(ctx context.Context, envFile string, level zap.AtomicLevel, logger *zap.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, unix.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			values, err := config.ReadFile(envFile)
			if err != nil {
				logger.Warn("reload failed", zap.String("path", envFile), zap.Error(err))
				continue
			}
			next := values.String("RELAYCHAT_LOG_LEVEL", "")
			if next == "" {
				continue
			}
			if err := logging.SetLevel(level, next); err != nil {
				logger.Warn("ignoring reloaded log level", zap.Error(err))
				continue
			}
			logger.Info("log level reloaded", zap.String("level", next))
		}
	}
}
