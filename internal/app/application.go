// Package app wires the components together and owns their lifecycles.
package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"lanchat/internal/config"
	"lanchat/internal/history"
	"lanchat/internal/registry"
	"lanchat/internal/router"
	"lanchat/internal/server"
	"lanchat/pkg/cipher"
)

// Application coordinates the history store, registry, router, TCP listener
// and optional WebSocket gateway. Initialization follows dependency order:
// store and cipher first, then routing, then the listeners that accept
// traffic.
type Application struct {
	config   *config.Config
	store    *history.Store
	registry *registry.Registry
	router   *router.Router
	listener *server.Listener
	gateway  *server.Gateway
}

// NewApplication builds every component from the configuration. Nothing
// listens yet; Start binds the ports.
func NewApplication(cfg *config.Config) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	key, err := cfg.LoadKey()
	if err != nil {
		return nil, err
	}
	box, err := cipher.New(key)
	if err != nil {
		return nil, err
	}

	store, err := history.Open(cfg.HistoryPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open history store: %w", err)
	}

	reg := registry.New(cfg.MaxSessions)
	r := router.New(reg, store, box, cfg.ReplayLimit)

	listener := server.NewListener(cfg.Addr(), func(conn *server.Connection) *server.Worker {
		return server.NewWorker(conn, r, cfg.JoinGrace)
	}, cfg.WriteTimeout)

	app := &Application{
		config:   cfg,
		store:    store,
		registry: reg,
		router:   r,
		listener: listener,
	}
	if cfg.WSAddr != "" {
		app.gateway = server.NewGateway(cfg.WSAddr, listener, func(ctx context.Context) (map[string]int64, error) {
			stats, err := store.Stats(ctx)
			if err != nil {
				return nil, err
			}
			stats["active_sessions"] = int64(reg.Count())
			return stats, nil
		})
	}
	return app, nil
}

// Start prunes expired history, then begins accepting connections.
func (app *Application) Start(ctx context.Context) error {
	if retention := app.config.Retention(); retention > 0 {
		cutoff := time.Now().UTC().Add(-retention)
		if _, err := app.store.Prune(ctx, cutoff); err != nil {
			return fmt.Errorf("failed to prune history: %w", err)
		}
	}

	if err := app.listener.Start(); err != nil {
		return err
	}
	if app.gateway != nil {
		app.gateway.Start()
	}

	log.Printf("server started: addr=%s max_sessions=%d", app.listener.Addr(), app.config.MaxSessions)
	return nil
}

// Stop shuts down in reverse order: stop accepting, drain workers, then
// close the store so every queued append lands on disk.
func (app *Application) Stop(ctx context.Context) error {
	if app.gateway != nil {
		if err := app.gateway.Stop(ctx); err != nil {
			log.Printf("websocket gateway shutdown error: %v", err)
		}
	}
	if err := app.listener.Stop(); err != nil {
		log.Printf("listener shutdown error: %v", err)
	}
	if err := app.store.Close(); err != nil {
		log.Printf("history store shutdown error: %v", err)
	}

	log.Printf("server stopped")
	return nil
}

// Addr returns the bound TCP address once started.
func (app *Application) Addr() string {
	addr := app.listener.Addr()
	if addr == nil {
		return app.config.Addr()
	}
	return addr.String()
}

// Stats exposes storage counters for the status command.
func (app *Application) Stats(ctx context.Context) (map[string]int64, error) {
	return app.store.Stats(ctx)
}
