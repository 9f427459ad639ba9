// Package app wires a meterd process from its configuration: the counter
// store chain, the admission controller, the usage reporter and the HTTP
// router.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/gometer/internal/config"
	httpmw "github.com/mihaimyh/gometer/middleware/http"
	"github.com/mihaimyh/gometer/pkg/api"
	"github.com/mihaimyh/gometer/pkg/meter"
	zlog "github.com/mihaimyh/gometer/pkg/meter/logger/zerolog"
	prommetrics "github.com/mihaimyh/gometer/pkg/meter/metrics/prometheus"
	fsstore "github.com/mihaimyh/gometer/storage/firestore"
	"github.com/mihaimyh/gometer/storage/memory"
	"github.com/mihaimyh/gometer/storage/postgres"
	redisstore "github.com/mihaimyh/gometer/storage/redis"
	"github.com/mihaimyh/gometer/storage/tiered"
)

// MetricsNamespace prefixes every exported metric.
const MetricsNamespace = "gometer"

// App is a fully wired meterd process.
type App struct {
	Config     *config.Config
	Registry   *meter.TierRegistry
	Store      meter.CounterStore
	Controller *meter.Controller
	Reporter   *meter.Reporter

	// CallLog and Recorder are nil unless the postgres backend records calls.
	CallLog  meter.CallLog
	Recorder meter.CallRecorder

	Metrics  *prommetrics.Metrics
	Gatherer prometheus.Gatherer

	logger  zerolog.Logger
	pingers []func(context.Context) error
	closers []func() error
}

// NewLogger builds the process logger from the log section.
func NewLogger(cfg config.LogConfig, w io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("%w: log level %q", meter.ErrInvalidConfig, cfg.Level)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	switch cfg.Format {
	case "console":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	case "", "json":
	default:
		return zerolog.Nop(), fmt.Errorf("%w: log format %q", meter.ErrInvalidConfig, cfg.Format)
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}

// New connects to the configured backend and builds the admission stack.
// An unreachable Redis is logged, not fatal: the failure policy covers it.
// Postgres and Firestore must be reachable at startup since their schema and
// client are set up here.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	registry, err := cfg.BuildRegistry()
	if err != nil {
		return nil, err
	}
	policy, err := meter.ParseFailurePolicy(cfg.Admission.FailurePolicy)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a := &App{
		Config:   cfg,
		Registry: registry,
		Metrics:  prommetrics.NewMetrics(reg, MetricsNamespace),
		Gatherer: reg,
		logger:   logger,
	}

	store, err := a.buildStore(ctx)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Store = store

	a.Controller, err = meter.NewController(store, meter.Config{
		Registry:              registry,
		FailurePolicy:         policy,
		UnavailableRetryAfter: cfg.Admission.UnavailableRetryAfter,
		Logger:                a.meterLogger("controller"),
		Metrics:               a.Metrics,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	a.Reporter, err = meter.NewReporter(store, meter.ReporterConfig{
		Registry:      registry,
		HistoryWindow: cfg.Admission.HistoryWindow,
		Logger:        a.meterLogger("reporter"),
		Metrics:       a.Metrics,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	return a, nil
}

func (a *App) meterLogger(component string) meter.Logger {
	return zlog.NewLogger(&a.logger).With(component)
}

// buildStore returns backend -> circuit breaker -> memory failover, each
// layer present only when configured.
func (a *App) buildStore(ctx context.Context) (meter.CounterStore, error) {
	sc := a.Config.Store
	var backend meter.CounterStore

	switch sc.Backend {
	case config.BackendMemory:
		m := memory.New(memory.Config{CleanupInterval: time.Minute})
		a.closers = append(a.closers, m.Close)
		return m, nil

	case config.BackendRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     sc.Redis.Addr,
			Username: sc.Redis.Username,
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
		})
		rs, err := redisstore.New(client, redisstore.Config{KeyPrefix: sc.KeyPrefix})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		a.closers = append(a.closers, rs.Close)
		a.pingers = append(a.pingers, rs.Ping)
		if err := rs.Ping(ctx); err != nil {
			a.logger.Warn().Err(err).Str("addr", sc.Redis.Addr).Msg("redis unreachable at startup")
		}
		backend = rs

	case config.BackendPostgres:
		pg, err := postgres.New(ctx, postgres.Config{
			ConnectionString: sc.Postgres.DSN,
			MaxConns:         sc.Postgres.MaxConns,
			AutoMigrate:      sc.Postgres.AutoMigrate,
			CleanupEnabled:   true,
			CallLogRetention: sc.Postgres.CallLogRetention,
			Logger:           a.meterLogger("postgres"),
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { pg.Close(); return nil })
		a.pingers = append(a.pingers, pg.Ping)
		if sc.Postgres.RecordCalls {
			a.CallLog = pg
			a.Recorder = pg
		}
		backend = pg

	case config.BackendFirestore:
		client, err := firestore.NewClient(ctx, sc.Firestore.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("%w: firestore client: %w", meter.ErrStoreUnavailable, err)
		}
		fs, err := fsstore.New(client, fsstore.Config{Collection: sc.Firestore.Collection})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		a.closers = append(a.closers, fs.Close)
		backend = fs

	default:
		return nil, fmt.Errorf("%w: unknown store backend %q", meter.ErrInvalidConfig, sc.Backend)
	}

	store := backend
	if sc.CircuitBreaker.Enabled {
		cb := meter.NewCircuitBreaker(meter.CircuitBreakerConfig{
			FailureThreshold: sc.CircuitBreaker.FailureThreshold,
			ResetTimeout:     sc.CircuitBreaker.ResetTimeout,
			OnStateChange: func(state meter.CircuitBreakerState) {
				a.Metrics.RecordCircuitBreakerStateChange(string(state))
				a.logger.Warn().Str("backend", sc.Backend).Str("state", string(state)).
					Msg("store circuit breaker changed state")
			},
		})
		store = meter.NewCircuitBreakerStore(store, cb)
	}

	if sc.FailoverToMemory {
		secondary := memory.New(memory.Config{CleanupInterval: time.Minute})
		a.closers = append(a.closers, secondary.Close)
		t, err := tiered.New(tiered.Config{
			Primary:   store,
			Secondary: secondary,
			OnFailover: func(op string, err error) {
				a.Metrics.RecordFailover(op)
				a.logger.Warn().Err(err).Str("operation", op).Msg("served from memory failover store")
			},
		})
		if err != nil {
			return nil, err
		}
		store = t
	}
	return store, nil
}

// Ping checks every backend that supports it.
func (a *App) Ping(ctx context.Context) error {
	var errs []error
	for _, ping := range a.pingers {
		if err := ping(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close releases the store connections in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Router mounts the meterd HTTP surface.
func (a *App) Router() (http.Handler, error) {
	sc := a.Config.Server
	identity := httpmw.FromHeaders(sc.SubjectHeader, sc.TierHeader)

	handler, err := api.NewHandler(api.Config{
		Reporter:    a.Reporter,
		Controller:  a.Controller,
		GetIdentity: identity,
		DefaultTier: meter.ParseTier(a.Config.Admission.DefaultTier),
		CallLog:     a.CallLog,
		Logger:      a.meterLogger("api"),
	})
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", a.healthz)
	r.Handle("/metrics", promhttp.HandlerFor(a.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/admission", handler.PostAdmission)
		r.Get("/usage", handler.GetUsage)
	})

	if sc.Upstream != "" {
		target, err := url.Parse(sc.Upstream)
		if err != nil {
			return nil, fmt.Errorf("%w: server.upstream: %w", meter.ErrInvalidConfig, err)
		}
		admit := httpmw.Middleware(httpmw.Config{
			Controller:  a.Controller,
			GetIdentity: identity,
			DefaultTier: meter.ParseTier(a.Config.Admission.DefaultTier),
			Recorder:    a.Recorder,
			Logger:      a.meterLogger("gateway"),
		})
		r.Handle("/*", admit(httputil.NewSingleHostReverseProxy(target)))
	}
	return r, nil
}

func (a *App) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	w.Header().Set("Content-Type", "application/json")
	if err := a.Ping(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("health check failed")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"status":"degraded"}`)
		return
	}
	_, _ = io.WriteString(w, `{"status":"ok"}`)
}
