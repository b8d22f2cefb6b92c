// Package app assembles the store, publishers and services from Config.
// Both binaries build on it.
package app

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/echocore/internal/api"
	"github.com/lalith-99/echocore/internal/config"
	"github.com/lalith-99/echocore/internal/conversation"
	"github.com/lalith-99/echocore/internal/db"
	"github.com/lalith-99/echocore/internal/events"
	"github.com/lalith-99/echocore/internal/identity"
	"github.com/lalith-99/echocore/internal/ingest"
	"github.com/lalith-99/echocore/internal/merge"
	"github.com/lalith-99/echocore/internal/repository"
	"github.com/lalith-99/echocore/internal/repository/memory"
	"github.com/lalith-99/echocore/internal/repository/postgres"
	"github.com/lalith-99/echocore/internal/websocket"
	"go.uber.org/zap"
)

// Options selects the optional parts of the assembly.
type Options struct {
	// LiveFeed adds the websocket hub to the publishers. Only a long-running
	// server should set it, since the hub needs Run.
	LiveFeed bool
}

type App struct {
	Config *config.Config
	Logger *zap.Logger

	Store         repository.Store
	Identity      *identity.Service
	Pipeline      *ingest.Pipeline
	Merger        *merge.Engine
	Conversations *conversation.Service
	Hub           *websocket.Hub

	dispatcher *events.Dispatcher
	checks     map[string]api.HealthCheck
	closers    []func()
}

// New connects to the configured backends. On error everything opened so
// far is closed again.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts Options) (_ *App, err error) {
	a := &App{Config: cfg, Logger: logger, checks: map[string]api.HealthCheck{}}
	defer func() {
		if err != nil {
			a.closeResources()
		}
	}()

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	var sinks events.Multi
	if cfg.EventStream != "" && cfg.RedisURL != "" {
		client, err := db.NewRedisClient(ctx, cfg.RedisURL, logger)
		if err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		a.closers = append(a.closers, func() { client.Close() })
		a.checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		sinks = append(sinks, events.NewRedisStream(client, cfg.EventStream, events.DefaultStreamMaxLen))
	}
	if opts.LiveFeed {
		a.Hub = websocket.NewHub(logger)
		sinks = append(sinks, a.Hub)
	}

	var publisher events.Publisher = events.Nop{}
	if len(sinks) > 0 {
		a.dispatcher = events.NewDispatcher(sinks, cfg.EventQueueSize, cfg.EventWorkers, logger)
		publisher = a.dispatcher
	}

	ranking := identity.DefaultRanking()
	if cfg.IdentityRankingFile != "" {
		if ranking, err = identity.LoadRanking(cfg.IdentityRankingFile); err != nil {
			return nil, err
		}
	}
	resolver := identity.NewResolver(ranking)
	normalizer := identity.Normalizer{DefaultCountryCode: cfg.DefaultCountryCode}

	a.Identity = identity.NewService(a.Store, resolver, normalizer, logger)
	a.Pipeline = ingest.NewPipeline(a.Store, resolver, normalizer, publisher, logger)
	a.Merger = merge.NewEngine(a.Store, publisher, logger)
	a.Conversations = conversation.NewService(a.Store, publisher, logger)
	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	switch a.Config.StoreBackend {
	case config.BackendMemory:
		a.Logger.Warn("using in-memory store; data is lost on exit")
		a.Store = memory.New()
		return nil
	case config.BackendPostgres:
		database, err := db.New(ctx, a.Config.DatabaseURL, db.PoolOptions{}, a.Logger)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		a.closers = append(a.closers, database.Close)
		a.checks["postgres"] = database.Health

		store := postgres.NewStore(database.Pool(), a.Config.LockTimeout)
		if err := store.ApplySchema(ctx); err != nil {
			return err
		}
		a.Store = store
		return nil
	}
	return fmt.Errorf("unknown store backend %q", a.Config.StoreBackend)
}

// Router returns the HTTP API over the assembled services. The event feed
// route exists only with LiveFeed.
func (a *App) Router() *gin.Engine {
	var subscriber api.Subscriber
	if a.Hub != nil {
		subscriber = a.Hub
	}
	return api.NewRouter(api.RouterConfig{
		JWTSecret:        a.Config.JWTSecret,
		OperationTimeout: a.Config.OperationTimeout,
		Ingester:         a.Pipeline,
		Identity:         a.Identity,
		Merger:           a.Merger,
		Conversations:    a.Conversations,
		Subscriber:       subscriber,
		HealthChecks:     a.checks,
		Logger:           a.Logger,
	})
}

// Close drains queued events, then releases connections.
func (a *App) Close(ctx context.Context) error {
	var err error
	if a.dispatcher != nil {
		if derr := a.dispatcher.Close(ctx); derr != nil {
			err = fmt.Errorf("drain events: %w", derr)
		}
	}
	a.closeResources()
	return err
}

func (a *App) closeResources() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
