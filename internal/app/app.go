// Package app wires configuration into running pricer components: store,
// bus, source pool, coordinator, workers, API and metrics hooks.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"fundpricer/config"
	"fundpricer/internal/api"
	"fundpricer/internal/bus"
	"fundpricer/internal/cache"
	"fundpricer/internal/dispatch"
	"fundpricer/internal/metrics"
	"fundpricer/internal/model"
	"fundpricer/internal/notification"
	"fundpricer/internal/source"
	"fundpricer/internal/source/replay"
	redisstore "fundpricer/internal/store/redis"
	sqlitestore "fundpricer/internal/store/sqlite"
	"fundpricer/internal/worker"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
)

// App holds every wired component of one pricer process.
type App struct {
	cfg    *config.Config
	log    *slog.Logger
	prom   *metrics.Metrics
	health *metrics.HealthStatus

	redis  *goredis.Client // nil when neither store nor bus needs it
	sqlite *sqlitestore.Store
	store  *redisstore.Guarded
	bus    bus.Bus
	pool   *source.Pool

	Coordinator *cache.Coordinator
	Dispatcher  *dispatch.Dispatcher
	Worker      *worker.Worker
	Supervisor  *worker.Supervisor
	Hub         *api.Hub
}

// New connects everything cfg describes. reg receives the metrics; nil
// means the default registry.
func New(cfg *config.Config, log *slog.Logger, reg prometheus.Registerer) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a := &App{
		cfg:    cfg,
		log:    log,
		prom:   metrics.New(reg),
		health: metrics.NewHealthStatus(),
	}
	if err := a.open(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) open() error {
	cfg := a.cfg

	if cfg.StoreBackend == "redis" || cfg.Bus != "memory" {
		client, err := redisstore.NewClient(redisstore.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return err
		}
		a.redis = client
		a.log.Info("redis connected", "addr", cfg.RedisAddr)
	}

	var inner model.Store
	switch cfg.StoreBackend {
	case "redis":
		inner = redisstore.NewStore(a.redis, cfg.KeyPrefix)
	case "sqlite":
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("sqlite dir: %w", err)
			}
		}
		s, err := sqlitestore.New(sqlitestore.Config{DBPath: cfg.SQLitePath}, a.log)
		if err != nil {
			return err
		}
		a.sqlite = s
		inner = s
	default:
		return fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	cb := redisstore.NewCircuitBreaker(cfg.BreakerMaxFailures, cfg.BreakerResetTimeout)
	cb.OnStateChange = func(from, to redisstore.State) {
		a.prom.StoreCircuitBreakerState.Set(float64(to))
		if to == redisstore.StateOpen {
			a.prom.StoreCircuitBreakerTrips.Inc()
		}
		a.health.SetBreakerState(to.String())
		a.log.Warn("store circuit breaker", "from", from.String(), "to", to.String())
	}
	a.store = redisstore.NewGuarded(inner, cb)

	hooks := bus.Hooks{
		OnRejected: func(err error) {
			a.prom.MessagesRejected.Inc()
			a.log.Warn("rejected bus message", "error", err)
		},
		OnSkipped:   func(model.FetchJob) { a.prom.MessagesSkipped.Inc() },
		OnReclaimed: func(n int) { a.prom.MessagesReclaimed.Add(float64(n)) },
	}
	switch cfg.Bus {
	case "stream":
		a.bus = bus.NewStream(a.redis, bus.StreamConfig{
			Stream:          cfg.StreamName,
			Group:           cfg.StreamGroup,
			Consumer:        cfg.ConsumerName,
			Block:           cfg.PollInterval,
			ReclaimInterval: cfg.ReclaimInterval,
			MinIdle:         cfg.ReclaimMinIdle,
		}, hooks, a.log)
	case "pubsub":
		a.bus = bus.NewPubSub(a.redis, cfg.PubSubChannel, cfg.PollInterval, hooks, a.log)
	case "memory":
		a.bus = bus.NewMemory(1024, hooks)
	default:
		return fmt.Errorf("unknown bus %q", cfg.Bus)
	}

	rep, err := replay.Open(cfg.SourceDir, a.log)
	if err != nil {
		return err
	}
	rep.OnMalformedRow = func(n int) { a.prom.MalformedRows.Add(float64(n)) }
	a.pool = source.NewPool(cfg.SessionPoolSize, rep.Factory())

	a.Dispatcher = dispatch.New(a.bus, a.log)
	a.Dispatcher.OnPublished = func(model.FetchJob) { a.prom.JobsPublished.Inc() }
	a.Dispatcher.OnFailed = func(model.FetchJob, error) { a.prom.PublishErrors.Inc() }

	a.Coordinator = cache.New(a.store, rep, a.Dispatcher, cache.Options{DefaultLookback: cfg.DefaultLookback}, a.log)
	a.Coordinator.OnPlan = func(d *cache.Decision) {
		kind := "incremental"
		switch {
		case d.FullFetch:
			kind = "full"
		case len(d.Gaps) == 0:
			kind = "covered"
		}
		a.prom.RefreshPlanned.WithLabelValues(kind).Inc()
	}

	a.Hub = api.NewHub(500, a.log)
	a.Hub.OnClients = func(n int) { a.prom.EventClients.Set(float64(n)) }

	a.Worker = worker.New(a.pool, a.Coordinator, a.store, a.notifier(), worker.Config{
		FetchTimeout:  cfg.FetchTimeout,
		LedgerTTL:     cfg.LedgerTTL,
		AppendRetries: uint64(cfg.AppendRetries),
	}, a.log)
	a.Worker.OnFetch = func(d time.Duration, err error) {
		a.prom.FetchDur.Observe(d.Seconds())
		if err != nil {
			a.prom.FetchErrors.Inc()
		}
	}
	a.Worker.OnMerge = func(res cache.MergeResult, d time.Duration) {
		a.prom.StoreWriteDur.Observe(d.Seconds())
		a.prom.SamplesWritten.Add(float64(res.Written))
	}
	a.Worker.OnOutcome = func(o worker.Outcome) {
		a.prom.JobsProcessed.WithLabelValues(string(o)).Inc()
		a.health.SetLastJobAt(time.Now())
	}

	a.Supervisor = worker.NewSupervisor(a.bus, a.Worker, worker.SupervisorConfig{
		Workers:       cfg.Workers,
		QueueSize:     cfg.QueueSize,
		ShutdownGrace: cfg.ShutdownGrace,
	}, a.log)
	a.Supervisor.OnQueueDepth = func(n int) { a.prom.QueueDepth.Set(float64(n)) }
	return nil
}

// notifier sends job events to the log, the events channel (or straight to
// the hub when there is no Redis) and an optional webhook.
func (a *App) notifier() notification.Notifier {
	n := notification.Multi{notification.NewLogNotifier(a.log)}
	if a.redis != nil {
		n = append(n, notification.NewRedisNotifier(a.redis, a.cfg.EventsChannel))
	} else {
		n = append(n, a.Hub)
	}
	if a.cfg.WebhookURL != "" {
		n = append(n, notification.NewWebhookNotifier(a.cfg.WebhookURL, parseLevel(a.cfg.WebhookLevel)))
	}
	return n
}

func parseLevel(s string) notification.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INFO":
		return notification.LevelInfo
	case "CRITICAL":
		return notification.LevelCritical
	default:
		return notification.LevelWarning
	}
}

// Health returns the process health status.
func (a *App) Health() *metrics.HealthStatus { return a.health }

// StartHealth begins periodic Redis/SQLite probes.
func (a *App) StartHealth(ctx context.Context, interval time.Duration) {
	var db *sql.DB
	if a.sqlite != nil {
		db = a.sqlite.DB()
	}
	a.health.StartLivenessChecker(ctx, a.redis, db, interval)
}

// InProcess reports whether jobs never leave this process.
func (a *App) InProcess() bool { return a.cfg.Bus == "memory" }

// RunWorkers consumes jobs until ctx is cancelled.
func (a *App) RunWorkers(ctx context.Context) error {
	a.health.SetWorkersRunning(true)
	defer a.health.SetWorkersRunning(false)
	return a.Supervisor.Run(ctx)
}

// RunEvents relays the Redis events channel into the hub. Without Redis
// the hub is fed in-process and this just waits for ctx.
func (a *App) RunEvents(ctx context.Context) error {
	if a.redis == nil {
		<-ctx.Done()
		return nil
	}
	return a.Hub.Run(ctx, a.redis, a.cfg.EventsChannel)
}

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler {
	return api.NewRouter(api.Deps{
		Reader: a.Coordinator,
		Health: a.health,
		Hub:    a.Hub,
		Log:    a.log,
		OnRequest: func(route string, code int) {
			a.prom.APIRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
		},
	})
}

// Close releases every resource that was opened.
func (a *App) Close() error {
	var errs []error
	if a.Hub != nil {
		a.Hub.Close()
	}
	if a.bus != nil {
		errs = append(errs, a.bus.Close())
	}
	if a.pool != nil {
		errs = append(errs, a.pool.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	// the redis store closes the client itself
	if a.redis != nil && (a.store == nil || a.cfg.StoreBackend != "redis") {
		errs = append(errs, a.redis.Close())
	}
	return errors.Join(errs...)
}
