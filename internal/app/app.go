// Package app wires configuration into the running object graph.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/whatsapp-dispatcher/internal/audit"
	"github.com/LeventeLantos/whatsapp-dispatcher/internal/cache"
	"github.com/LeventeLantos/whatsapp-dispatcher/internal/channel"
	"github.com/LeventeLantos/whatsapp-dispatcher/internal/client"
	"github.com/LeventeLantos/whatsapp-dispatcher/internal/config"
	"github.com/LeventeLantos/whatsapp-dispatcher/internal/events"
	"github.com/LeventeLantos/whatsapp-dispatcher/internal/hours"
	"github.com/LeventeLantos/whatsapp-dispatcher/internal/metrics"
	"github.com/LeventeLantos/whatsapp-dispatcher/internal/model"
	"github.com/LeventeLantos/whatsapp-dispatcher/internal/repo"
	"github.com/LeventeLantos/whatsapp-dispatcher/internal/service"
)

type App struct {
	Config     *config.Config
	Repo       *repo.SQLDispatchRepo
	Bus        *channel.Bus
	Lifecycle  *channel.Lifecycle
	Dispatcher *service.Dispatcher
	Registry   *prometheus.Registry

	db        *sqlx.DB
	audit     *audit.Logger
	rdb       *redis.Client
	lock      cache.Locker
	publisher *events.AMQPPublisher
}

// New connects every configured backend. Optional backends (Redis, AMQP)
// are skipped when not configured.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{
		Config:   cfg,
		Bus:      channel.NewBus(),
		Registry: prometheus.NewRegistry(),
		audit:    audit.New(cfg.Audit.Dir),
	}
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	db, err := repo.Open(ctx, cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("%w: %w", repo.ErrStoreConnection, err), a.Close())
	}
	a.db = db
	a.Repo = repo.NewSQLDispatchRepo(db, cfg.Dispatch.BusinessUnitID, cfg.Dispatch.Actor)

	gw := client.NewGatewayClient(
		cfg.Gateway.URL,
		cfg.Gateway.SessionID,
		cfg.Gateway.APIKey,
		cfg.Gateway.Timeout,
		cfg.Gateway.RatePerMinute,
	)
	a.Lifecycle = channel.NewLifecycle(gw, a.Bus, a.audit, channel.NewSessionStore(cfg.Gateway.SessionFile), cfg.Gateway.SessionID)

	a.Dispatcher = service.NewDispatcher(a.Repo, gw, a.audit, service.Settings{
		BatchSize: cfg.Dispatch.BatchSize,
		Hours: hours.Window{
			Start:    cfg.Hours.Start,
			End:      cfg.Hours.End,
			Location: cfg.Hours.Location,
		},
		Pacing:     service.SecondsRange(cfg.Dispatch.Pacing),
		FinalDelay: service.SecondsRange(cfg.Dispatch.FinalDelay),
	}).WithMetrics(metrics.New(a.Registry))

	if cfg.Redis.Enabled {
		a.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := a.rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return nil, errors.Join(fmt.Errorf("ping redis: %w", err), a.Close())
		}
		a.Dispatcher.WithCache(cache.NewRedisCache(a.rdb, cfg.Redis.TTL))
		a.lock = cache.NewCycleLock(a.rdb, cfg.Redis.LockTTL)
	}

	if cfg.AMQP.Enabled {
		pub, err := events.DialAMQP(cfg.AMQP.URL, cfg.AMQP.Exchange)
		if err != nil {
			return nil, errors.Join(err, a.Close())
		}
		a.publisher = pub
		a.Dispatcher.WithPublisher(pub)
	}

	slog.Info("dispatcher wired",
		"driver", cfg.Database.Driver,
		"batch", cfg.Dispatch.BatchSize,
		"redis", cfg.Redis.Enabled,
		"amqp", cfg.AMQP.Enabled,
	)
	return a, nil
}

// WaitReady waits for the channel session, bounded by the configured
// ready timeout.
func (a *App) WaitReady(ctx context.Context) (model.CycleContext, error) {
	ctx, cancel := context.WithTimeout(ctx, a.Config.Gateway.ReadyTimeout)
	defer cancel()
	return a.Lifecycle.WaitReady(ctx)
}

// Job returns a cycle runner bound to cc, locked across processes when
// Redis is configured.
func (a *App) Job(cc model.CycleContext) *service.Job {
	j := service.NewJob(a.Dispatcher, cc)
	if a.lock != nil {
		j.WithLock(a.lock)
	}
	return j
}

func (a *App) Close() error {
	var errs []error
	if a.publisher != nil {
		errs = append(errs, a.publisher.Close())
	}
	if a.rdb != nil {
		errs = append(errs, a.rdb.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	errs = append(errs, a.audit.Close())
	return errors.Join(errs...)
}
