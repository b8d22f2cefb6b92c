package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/echocore/internal/app"
	"github.com/lalith-99/echocore/internal/config"
	"github.com/lalith-99/echocore/internal/observ"
	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// ---------------------------------------------------------------
	// 1. Load config
	// ---------------------------------------------------------------
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// ---------------------------------------------------------------
	// 2. Create logger
	// ---------------------------------------------------------------
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---------------------------------------------------------------
	// 3. Connect backends and build services
	//
	// app.New is shared with echoctl so the CLI and the server run the
	// same store, ranking table and event wiring. A Postgres URL that
	// cannot be reached fails startup here rather than on the first
	// request. Redis is optional: without REDIS_URL events only reach
	// websocket subscribers.
	// ---------------------------------------------------------------
	a, err := app.New(ctx, cfg, logger, app.Options{LiveFeed: true})
	if err != nil {
		return err
	}

	// The hub outlives the HTTP server so queued events can still drain
	// to subscribers during shutdown.
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go a.Hub.Run(hubCtx)

	// ---------------------------------------------------------------
	// 4. Serve HTTP until a signal arrives
	// ---------------------------------------------------------------
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting echocore",
			zap.String("port", cfg.Port),
			zap.String("env", cfg.Env),
			zap.String("store", cfg.StoreBackend),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			a.Close(context.Background())
			return fmt.Errorf("serve http: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	// ---------------------------------------------------------------
	// 5. Shut down: stop accepting requests, drain events, close pools
	// ---------------------------------------------------------------
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := a.Close(shutdownCtx); err != nil {
		logger.Warn("event drain incomplete", zap.Error(err))
	}
	logger.Info("echocore stopped")
	return nil
}
