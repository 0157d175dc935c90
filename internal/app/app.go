// Package app is the composition root: it builds the shared stores and wires
// the role-specific services (scheduler on "app", dispatcher+executor on
// "worker") onto a lifecycle manager so startup and shutdown follow the
// dependency order.
package app

import (
	"context"

	"telegram-broadcast/internal/broadcast"
	"telegram-broadcast/internal/coord"
	"telegram-broadcast/internal/infra/config"
	"telegram-broadcast/internal/infra/lifecycle"
	"telegram-broadcast/internal/infra/logger"
	"telegram-broadcast/internal/jobqueue"
	"telegram-broadcast/internal/ratelimit"
	"telegram-broadcast/internal/scheduler"
	"telegram-broadcast/internal/store"
	"telegram-broadcast/internal/tgpool"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
)

// App aggregates the process-wide dependencies of one broadcastd instance.
// Fields are populated by the lifecycle start hooks in dependency order.
type App struct {
	role string
	lc   *lifecycle.Manager

	db   *store.DB
	cs   *coord.Client
	pool *tgpool.Pool

	sched      *scheduler.Scheduler
	dispatcher *jobqueue.Dispatcher

	ctx context.Context
}

// New creates an empty application skeleton for the given role.
func New(role string) *App {
	return &App{role: role}
}

// Init registers the role's nodes on a fresh lifecycle manager. Connections
// are dialed by the start hooks, not here, so a failing backend surfaces as a
// node start error with the node's name attached.
func (a *App) Init(ctx context.Context) error {
	a.ctx = ctx
	a.lc = lifecycle.New(ctx)

	if err := a.registerStores(); err != nil {
		return err
	}

	switch a.role {
	case config.RoleApp:
		return a.registerScheduler()
	case config.RoleWorker:
		return a.registerWorker()
	default:
		return errors.Errorf("unknown role %q", a.role)
	}
}

// registerStores wires the MySQL pool and the Redis client, shared by both
// roles.
func (a *App) registerStores() error {
	err := a.lc.Register("mysql", "", nil,
		func(ctx context.Context) (context.Context, error) {
			db, openErr := store.Open(ctx, config.Env().MySQLDSN)
			if openErr != nil {
				return nil, openErr
			}
			if migErr := db.Migrate(ctx); migErr != nil {
				_ = db.Close()
				return nil, migErr
			}
			a.db = db
			return nil, nil
		},
		func(context.Context) error {
			return a.db.Close()
		})
	if err != nil {
		return err
	}

	return a.lc.Register("redis", "", nil,
		func(ctx context.Context) (context.Context, error) {
			cs, dialErr := coord.New(ctx, coord.Options{
				Addr:     config.Env().RedisAddr,
				Password: config.Env().RedisPass,
				DB:       config.Env().RedisDB,
			})
			if dialErr != nil {
				return nil, dialErr
			}
			a.cs = cs
			return nil, nil
		},
		func(context.Context) error {
			return a.cs.Close()
		})
}

// registerScheduler wires the elected ticker for the "app" role.
func (a *App) registerScheduler() error {
	return a.lc.Register("scheduler", "", []string{"mysql", "redis"},
		func(ctx context.Context) (context.Context, error) {
			a.sched = scheduler.New(scheduler.ConfigFromEnv(config.Env()), a.db, a.cs)
			go a.sched.Run(ctx)
			logger.Info("scheduler started")
			return nil, nil
		},
		nil)
}

// registerWorker wires the client pool, rate governors, executor and
// dispatcher for the "worker" role.
func (a *App) registerWorker() error {
	env := config.Env()

	err := a.lc.Register("telegram_pool", "", []string{"mysql"},
		func(context.Context) (context.Context, error) {
			a.pool = tgpool.New(a.db, tgpool.Options{
				APIID:                 env.APIID,
				APIHash:               env.APIHash,
				PeersCacheDir:         env.PeersCacheDir,
				GroupsCacheTTL:        msToDuration(env.RemoteGroupsCacheTTLMs),
				GroupsMinRefresh:      msToDuration(env.RemoteGroupsMinRefreshMs),
				GroupsFailureCooldown: msToDuration(env.RemoteGroupsFailureCooldownMs),
			})
			return nil, nil
		},
		func(context.Context) error {
			a.pool.Close()
			return nil
		})
	if err != nil {
		return err
	}

	return a.lc.Register("dispatcher", "", []string{"mysql", "redis", "telegram_pool"},
		func(ctx context.Context) (context.Context, error) {
			global := ratelimit.NewGlobalGovernor(env.TelegramGlobalMPS)
			account := ratelimit.NewAccountGovernor(msToDuration(env.PerAccountMinDelayMs), env.PerAccountMPM)
			executor := broadcast.New(broadcast.ConfigFromEnv(env), a.db, a.cs, a.pool, global, account)
			a.dispatcher = jobqueue.New(a.cs, executor, env.BroadcastConcurrency)
			go a.dispatcher.Run(ctx)
			logger.Info("dispatcher started", zap.Int("concurrency", env.BroadcastConcurrency))
			return nil, nil
		},
		nil)
}
