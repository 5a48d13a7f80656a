// Package app wires all callwatch subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is cancelled, and Shutdown
// drains active calls and tears everything down in order.
//
// For testing, inject test doubles via functional options
// (WithEvaluationProvider, WithMirrorDB, WithPublisher, etc.). When an option
// is not provided, New creates real implementations from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callwatch/internal/config"
	"github.com/MrWong99/callwatch/internal/evaluation"
	"github.com/MrWong99/callwatch/internal/health"
	"github.com/MrWong99/callwatch/internal/ingress"
	"github.com/MrWong99/callwatch/internal/mcp"
	"github.com/MrWong99/callwatch/internal/notify"
	"github.com/MrWong99/callwatch/internal/observe"
	"github.com/MrWong99/callwatch/internal/pricing"
	"github.com/MrWong99/callwatch/internal/report"
	"github.com/MrWong99/callwatch/internal/report/postgres"
	"github.com/MrWong99/callwatch/pkg/provider/llm"
)

// readHeaderTimeout guards the listener against slow clients.
const readHeaderTimeout = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	version string
	log     *slog.Logger
	level   *slog.LevelVar
	metrics *observe.Metrics

	// Subsystems, initialised in New and torn down in Shutdown.
	evalLLM   llm.Provider
	prices    *pricing.Table
	store     *report.Store
	evaluator *evaluation.Evaluator
	db        postgres.DB
	mirror    *postgres.Mirror
	publisher *notify.Publisher
	calls     *CallManager
	health    *health.Handler
	handler   http.Handler
	server    *http.Server

	// callsCtx is cancelled by Shutdown to tear down calls still running.
	callsCtx  context.Context
	stopCalls context.CancelFunc

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithEvaluationProvider sets the evaluation model. Without it the evaluator
// only uses the heuristic.
func WithEvaluationProvider(p llm.Provider) Option {
	return func(a *App) { a.evalLLM = p }
}

// WithMirrorDB injects the Postgres mirror connection instead of opening a
// pool from postgres.dsn.
func WithMirrorDB(db postgres.DB) Option {
	return func(a *App) { a.db = db }
}

// WithPublisher injects the AMQP publisher instead of dialling amqp.url.
func WithPublisher(p *notify.Publisher) Option {
	return func(a *App) { a.publisher = p }
}

// WithMetrics sets the metric instruments. Default: observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar lets [App.ApplyConfig] change the log level at runtime.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithVersion sets the version reported by the MCP server.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The evaluation model
// comes from main.go (built via the config registry).
//
// New performs all initialisation synchronously: price table, report store,
// evaluator, Postgres mirror, AMQP publisher, call manager and HTTP routes.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, version: "dev"}
	a.callsCtx, a.stopCalls = context.WithCancel(context.Background())
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Price table ───────────────────────────────────────────────────
	prices, err := pricing.Load(cfg.Pricing.File)
	if err != nil {
		return nil, fmt.Errorf("app: load pricing: %w", err)
	}
	a.prices = prices

	// ── 2. Report store ──────────────────────────────────────────────────
	if err := a.initStore(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init reports: %w", err)
	}

	// ── 3. Evaluator ─────────────────────────────────────────────────────
	a.evaluator = evaluation.New(a.evalLLM, evaluation.Config{
		UseLLM:      cfg.Evaluation.UseLLM,
		Timeout:     cfg.Evaluation.Timeout,
		Temperature: cfg.Evaluation.Temperature,
		MaxTokens:   cfg.Evaluation.MaxTokens,
	}, evaluation.WithLogger(a.log))

	// ── 4. Sinks ─────────────────────────────────────────────────────────
	if err := a.initMirror(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init postgres: %w", err)
	}
	if err := a.initPublisher(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init amqp: %w", err)
	}

	// ── 5. Call manager ──────────────────────────────────────────────────
	a.calls = NewCallManager(CallManagerConfig{
		Call:      cfg.Call,
		Prices:    a.prices,
		Evaluator: a.evaluator,
		Reports:   a.store,
		Sinks:     a.sinks(),
		Metrics:   a.metrics,
		Logger:    a.log,
	})

	// ── 6. HTTP routes ───────────────────────────────────────────────────
	a.initHTTP()
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initStore() error {
	store, err := report.Open(a.cfg.Reports.Dir,
		report.WithLogger(a.log),
		report.WithLedgerFiles(a.cfg.Reports.EvaluationLedger, a.cfg.Reports.CostLedger),
		report.WithWriteHook(func(kind string, err error) {
			a.metrics.RecordWrite(context.Background(), kind, err)
		}),
	)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, store.Close)
	return nil
}

// initMirror connects the Postgres mirror when a DSN is configured or a
// connection was injected.
func (a *App) initMirror(ctx context.Context) error {
	if a.db == nil {
		dsn := a.cfg.Postgres.DSN
		if dsn == "" {
			return nil
		}
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error {
			pool.Close()
			return nil
		})
		a.db = pool
	}
	a.mirror = postgres.New(a.db)
	if err := a.mirror.Migrate(ctx); err != nil {
		return err
	}
	a.log.Info("postgres mirror enabled")
	return nil
}

func (a *App) initPublisher() error {
	if a.publisher == nil {
		if a.cfg.AMQP.URL == "" {
			return nil
		}
		p, err := notify.Dial(a.cfg.AMQP.URL, a.cfg.AMQP.Exchange)
		if err != nil {
			return err
		}
		a.publisher = p
	}
	a.closers = append(a.closers, a.publisher.Close)
	a.log.Info("amqp publisher enabled", "exchange", a.cfg.AMQP.Exchange)
	return nil
}

// sinks lists the enabled post-call sinks.
func (a *App) sinks() []Sink {
	var out []Sink
	if a.mirror != nil {
		out = append(out, Sink{Name: "postgres", Deliver: a.mirror.Save})
	}
	if a.publisher != nil {
		out = append(out, Sink{Name: "amqp", Deliver: a.publisher.Publish})
	}
	return out
}

// initHTTP builds the route table. Everything is served from one mux behind
// the observability middleware.
func (a *App) initHTTP() {
	mux := http.NewServeMux()

	report.NewHandler(a.store, a.log).Register(mux)
	ingress.New(a.calls, ingress.WithLogger(a.log)).Register(mux)
	mux.HandleFunc("GET /api/calls/active", a.activeCalls)

	checkers := []health.Checker{health.DirWritable("reports", a.store.Dir())}
	if a.mirror != nil {
		checkers = append(checkers, health.Checker{Name: "postgres", Check: a.mirror.Ping})
	}
	a.health = health.New(checkers...)
	a.health.Register(mux)

	mux.Handle("GET /metrics", promhttp.Handler())
	if a.cfg.MCP.Enabled {
		mux.Handle(a.cfg.MCP.Path, mcp.Handler(mcp.NewServer(a.store, a.version)))
	}

	root := observe.Middleware(a.metrics)(mux)
	a.handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		stop := context.AfterFunc(a.callsCtx, cancel)
		defer stop()
		root.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *App) activeCalls(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{"calls": a.calls.Active()}); err != nil {
		a.log.Debug("encode active calls", "err", err)
	}
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Calls returns the call manager.
func (a *App) Calls() *CallManager { return a.calls }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and blocks until ctx is cancelled or the server fails.
// When ctx is done, Run returns context.Canceled (or the underlying cause);
// call Shutdown afterwards to drain calls.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	a.server = &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		a.health.SetDraining(true)
		return nil
	})

	a.log.Info("server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
	<-gctx.Done()
	if ctx.Err() == nil {
		// The server failed on its own.
		return g.Wait()
	}
	return ctx.Err()
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable part of a changed config. Changes
// that need a restart are logged.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(LogLevel(d.NewLogLevel))
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.CallChanged {
		a.calls.SetCallConfig(new.Call)
		a.log.Info("call settings changed, applying to new calls")
	}
	if d.UseLLMChanged {
		a.evaluator.SetUseLLM(d.NewUseLLM)
		a.log.Info("llm evaluation toggled", "use_llm", d.NewUseLLM)
	}
	if d.PricingChanged {
		prices, err := pricing.Load(new.Pricing.File)
		if err != nil {
			a.log.Warn("keeping previous price table", "file", new.Pricing.File, "err", err)
		} else {
			a.prices = prices
			a.calls.SetPrices(prices)
			a.log.Info("price table reloaded", "file", new.Pricing.File)
		}
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config changes require a restart", "sections", d.RestartRequired)
	}
}

// LogLevel converts a config log level to a slog level.
func LogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops accepting requests, tears down the calls still running,
// waits for their reports to be written and then closes all subsystems in
// reverse-init order. It respects the context deadline: if ctx expires
// first, pending reports are abandoned, closers still run and the context
// error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "active_calls", len(a.calls.Active()), "closers", len(a.closers))
		if a.health != nil {
			a.health.SetDraining(true)
		}
		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				a.log.Warn("http shutdown error", "err", err)
				shutdownErr = err
			}
		}
		a.stopCalls()
		if err := a.calls.Wait(ctx); err != nil {
			a.log.Warn("shutdown deadline exceeded before reports were written", "err", err)
			shutdownErr = err
		}
		a.closeAll()
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) closeAll() {
	a.stopCalls()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
}
