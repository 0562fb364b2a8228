// Package app wires the Hearth server runtime: config, logging, HTTP routes, and the realtime gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"hearth/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

// App is the Hearth server runtime: it owns the HTTP server, the gateway, and the DB pool.
type App struct {
	cfg Config
	log Logger

	dbPool   *pgxpool.Pool
	registry *prometheus.Registry

	gateway *realtime.Gateway
	ws      *realtime.WSGateway
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := realtime.NewMetrics(reg)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	a := &App{cfg: cfg, log: log, registry: reg}

	opts := []realtime.Option{realtime.WithMetrics(metrics)}
	var messages realtime.MessageService

	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		messages = realtime.NewInMemoryStore()
	} else {
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("db: %w", err)
		}
		a.dbPool = pool

		dbOpts, store, err := postgresOptions(cfg, pool)
		if err != nil {
			pool.Close()
			return nil, err
		}
		opts = append(opts, dbOpts...)
		messages = store
		log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema, "room_acl", cfg.RoomACL)
	}

	auth, err := newHandshakeAuth(cfg, a.dbPool, log)
	if err != nil {
		a.closeDB()
		return nil, fmt.Errorf("auth: %w", err)
	}

	a.gateway = realtime.NewGateway(log, cfg.Gateway, messages, opts...)
	a.ws = realtime.NewWSGateway(log, a.gateway, auth, realtime.WSConfig{
		OriginRequired: cfg.WSOriginRequired,
		AllowedOrigins: cfg.WSAllowedOrigins,
		DevInsecure:    cfg.WSDevInsecure && cfg.Env != "production",
		FloodEvents:    cfg.WSFloodEvents,
		FloodWindow:    cfg.WSFloodWindow,
	})

	return a, nil
}

func postgresOptions(cfg Config, pool *pgxpool.Pool) ([]realtime.Option, realtime.MessageService, error) {
	schema := realtime.WithSchema(cfg.DBSchema)

	store, err := realtime.NewPostgresStore(pool, schema)
	if err != nil {
		return nil, nil, err
	}
	receipts, err := realtime.NewPostgresReceiptStore(pool, schema)
	if err != nil {
		return nil, nil, err
	}
	opts := []realtime.Option{realtime.WithReceiptStore(receipts)}

	if cfg.RoomACL {
		access, err := realtime.NewPostgresRoomAccess(pool, cfg.OpenRooms, schema)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, realtime.WithRoomAccess(access))
	}
	return opts, store, nil
}

// Handler returns the full HTTP handler chain.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, routes{
		log:      a.log,
		cfg:      a.cfg,
		dbPool:   a.dbPool,
		gateway:  a.gateway,
		ws:       a.ws,
		registry: a.registry,
	})
	return WithRequestLogging(WithSecurityHeaders(WithCORS(mux, a.cfg, a.log)), a.log)
}

// Gateway exposes the realtime gateway (tests, tooling).
func (a *App) Gateway() *realtime.Gateway { return a.gateway }

// Run starts the gateway loops and the HTTP server and blocks until ctx is
// cancelled or the server fails. Shutdown disconnects sockets before draining HTTP.
func (a *App) Run(ctx context.Context) error {
	defer a.closeDB()

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	g, gctx := errgroup.WithContext(ctx)

	if err := a.gateway.Start(gctx); err != nil {
		return err
	}

	base := a.cfg.PublicBaseURL
	if base == "" {
		base = runtimeBaseURL(a.cfg.HTTPAddr)
	}
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"env", a.cfg.Env,
		"db_enabled", a.dbPool != nil,
		"base_url", base,
		"ws_url", wsBaseURL(base)+"/ws",
	)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
		defer cancel()

		a.gateway.Stop(shutdownCtx)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err := g.Wait()
	a.log.Info("server.stopped")
	return err
}

func (a *App) closeDB() {
	if a.dbPool != nil {
		a.dbPool.Close()
		a.dbPool = nil
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// runtimeBaseURL turns a listen address into a dialable http URL for logs.
// Wildcard binds are reported as loopback.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
