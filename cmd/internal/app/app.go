// Package app wires the broker runtime: config, logging, storage, the broker
// components, HTTP routes and the consumer gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dcSpark/urbit-visor/cmd/internal/broker"
	"github.com/dcSpark/urbit-visor/cmd/internal/conn"
	"github.com/dcSpark/urbit-visor/cmd/internal/consumer"
	"github.com/dcSpark/urbit-visor/cmd/internal/gateway"
	"github.com/dcSpark/urbit-visor/cmd/internal/metrics"
	"github.com/dcSpark/urbit-visor/cmd/internal/perms"
	"github.com/dcSpark/urbit-visor/cmd/internal/router"
	"github.com/dcSpark/urbit-visor/cmd/internal/store"
	"github.com/dcSpark/urbit-visor/cmd/internal/vault"
	"github.com/dcSpark/urbit-visor/cmd/security/password"
)

const (
	storeMemory   = "memory"
	storeSQLite   = "sqlite"
	storePostgres = "postgres"

	readyProbeKey = "meta/ready"
)

// App is the broker runtime: it owns the store, the broker components and
// the HTTP server wiring.
type App struct {
	cfg Config
	log Logger

	kv        store.KV
	storeKind string
	dbPool    *pgxpool.Pool

	metrics   *metrics.Metrics
	vault     *vault.Vault
	ledger    *perms.Ledger
	conns     *conn.Manager
	router    *router.Router
	consumers *consumer.Registry
	broker    *broker.Broker
	gateway   *gateway.Gateway
}

// New constructs a fully wired App from config and logger and restores
// persisted state.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogColor)
	}

	pw, err := ValidateSecurityConfig(cfg)
	if err != nil {
		return nil, err
	}

	kv, pool, kind, err := newStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	a := build(cfg, log, pw, kv)
	a.storeKind = kind
	a.dbPool = pool

	if err := a.broker.Load(ctx); err != nil {
		a.closeStore()
		return nil, fmt.Errorf("load state: %w", err)
	}
	return a, nil
}

func build(cfg Config, log Logger, pw password.Config, kv store.KV) *App {
	var mt *metrics.Metrics
	if cfg.MetricsEnabled {
		mt = metrics.New()
	}

	v := vault.New(kv,
		vault.WithLogger(log),
		vault.WithPasswordConfig(pw),
		vault.WithIdleTimeout(cfg.VaultIdleTimeout),
	)
	ledger := perms.New(kv, perms.WithLogger(log))
	conns := conn.New(v, cfg.connConfig(), conn.WithLogger(log), conn.WithMetrics(mt))
	consumers := consumer.NewRegistry(consumer.WithLogger(log))
	rt := router.New(router.FromManager(conns), consumers, router.WithLogger(log), router.WithMetrics(mt))

	b := broker.New(broker.Deps{
		KV:        kv,
		Vault:     v,
		Ledger:    ledger,
		Conns:     conns,
		Router:    rt,
		Consumers: consumers,
	},
		broker.WithLogger(log),
		broker.WithMetrics(mt),
		broker.WithProber(broker.LoginProbe(cfg.shipOptions())),
	)

	policy := consumer.Policy{OwnExtensionID: cfg.OwnExtensionID, UIOrigins: cfg.UIOrigins}
	gw := gateway.New(b, consumers, policy, cfg.gatewayConfig(), gateway.WithLogger(log), gateway.WithMetrics(mt))

	return &App{
		cfg:       cfg,
		log:       log,
		kv:        kv,
		metrics:   mt,
		vault:     v,
		ledger:    ledger,
		conns:     conns,
		router:    rt,
		consumers: consumers,
		broker:    b,
		gateway:   gw,
	}
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a)
	return WithRequestLogging(mux, a.log)
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.HTTPAddr)
	if err != nil {
		a.closeStore()
		return err
	}
	return a.Serve(ctx, ln)
}

// Serve runs the server on ln until ctx is done, then shuts down in order:
// stop accepting, drop ship sessions, wait for in-flight calls, close
// storage.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	base := runtimeBaseURL(ln.Addr().String())
	a.log.Info("server.start",
		"addr", ln.Addr().String(),
		"url", base,
		"ws_url", wsBaseURL(base)+"/ws",
		"store", a.storeKind,
		"metrics", a.metrics != nil,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case runErr = <-errCh:
		a.log.Error("server.fail", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		if runErr == nil {
			runErr = err
		}
	}

	a.close(shutdownCtx)
	a.log.Info("server.stopped")
	return runErr
}

// close tears the broker down. Sessions go first so in-flight calls fail
// fast instead of running out the shutdown budget.
func (a *App) close(ctx context.Context) {
	a.conns.Close()
	a.vault.Lock()

	done := make(chan struct{})
	go func() {
		a.gateway.Wait()
		a.router.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warn("server.shutdown.inflight_abandoned")
	}

	a.closeStore()
}

func (a *App) closeStore() {
	if err := a.kv.Close(); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
}

// ready reports whether the store answers.
func (a *App) ready(ctx context.Context) error {
	if a.cfg.ReadinessRequireDB && a.storeKind == storeMemory {
		return errors.New("no durable store configured")
	}
	if a.dbPool != nil {
		if err := PingDB(ctx, a.dbPool, 2*time.Second); err != nil {
			return err
		}
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := a.kv.Get(ctx, readyProbeKey); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return nil
}

// newStore picks the KV backend: Postgres when a database URL is set, SQLite
// when a state path is set, memory otherwise.
func newStore(ctx context.Context, cfg Config, log Logger) (store.KV, *pgxpool.Pool, string, error) {
	switch {
	case strings.TrimSpace(cfg.DatabaseURL) != "":
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, nil, "", fmt.Errorf("open postgres: %w", err)
		}
		pg, err := store.NewPostgres(pool, store.WithSchema(cfg.DBSchema))
		if err != nil {
			pool.Close()
			return nil, nil, "", err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, "", err
		}
		log.Info("store.enabled.postgres", "schema", cfg.DBSchema)
		return pg, pool, storePostgres, nil

	case strings.TrimSpace(cfg.StatePath) != "":
		st, err := store.OpenSQLite(cfg.StatePath)
		if err != nil {
			return nil, nil, "", err
		}
		log.Info("store.enabled.sqlite", "path", cfg.StatePath)
		return st, nil, storeSQLite, nil

	default:
		log.Warn("store.inmemory", "note", "state is lost on exit")
		return store.NewMemory(), nil, storeMemory, nil
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

// runtimeBaseURL turns a listen address into a URL a local client can dial.
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
