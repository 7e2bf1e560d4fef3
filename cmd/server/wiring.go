package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq"

	"github.com/liamcoop/programrules/effect"
	"github.com/liamcoop/programrules/internal/config"
	"github.com/liamcoop/programrules/metadata"
	"github.com/liamcoop/programrules/notification"
	"github.com/liamcoop/programrules/pipeline"
	"github.com/liamcoop/programrules/rules"
)

// metadataStore is everything the pipeline reads from or writes to the
// metadata backend.
type metadataStore interface {
	metadata.RuleReader
	metadata.TrackerReader
	rules.OrgUnitGroupResolver
	rules.UserResolver
	effect.ValueWriter
	notification.TemplateService
}

// healthCheck pings one backend.
type healthCheck struct {
	name string
	ping func(context.Context) error
}

// app holds the wired pipeline and the resources main must release.
type app struct {
	service   *pipeline.Service
	templates *notification.CachedTemplateService
	checks    []healthCheck
	closers   []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// buildApp wires every collaborator selected by cfg. On error the
// resources opened so far are released.
func buildApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *app, err error) {
	if log == nil {
		log = slog.Default()
	}
	a := &app{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	store, err := a.openMetadata(ctx, cfg.Metadata, log)
	if err != nil {
		return nil, err
	}

	logStore, err := a.openLogStore(ctx, cfg.Notification)
	if err != nil {
		return nil, err
	}

	instances, err := a.openInstanceStore(ctx, cfg.Scheduler)
	if err != nil {
		return nil, err
	}

	templates, err := notification.NewCachedTemplateService(store,
		cfg.Notification.TemplateCacheCapacity, cfg.Notification.TemplateCacheTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to create template cache: %w", err)
	}
	a.templates = templates
	a.closers = append(a.closers, templates.Close)

	engine, err := rules.NewEngine(log)
	if err != nil {
		return nil, fmt.Errorf("failed to create rule engine: %w", err)
	}

	dispatcher := effect.NewDispatcher(log, effect.Standard(effect.Dependencies{
		Templates: templates,
		Logging:   notification.NewLoggingService(logStore, log),
		Publisher: notification.NewLogPublisher(log),
		Instances: instances,
		Values:    store,
		Logger:    log,
	})...)

	a.service, err = pipeline.NewService(pipeline.Config{
		Rules:         store,
		Tracker:       store,
		Engine:        engine,
		Supplementary: rules.NewSupplementaryDataProvider(store, store, log),
		Dispatcher:    dispatcher,
		Logger:        log,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) openMetadata(ctx context.Context, cfg config.MetadataConfig, log *slog.Logger) (metadataStore, error) {
	if cfg.DatabaseURL == "" {
		store := metadata.NewInMemoryStore()
		if cfg.FixturePath != "" {
			if err := metadata.LoadFixtureFile(cfg.FixturePath, store); err != nil {
				return nil, err
			}
			log.Info("loaded metadata fixture", "path", cfg.FixturePath)
		}
		return store, nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata database: %w", err)
	}
	a.closers = append(a.closers, func() { db.Close() })
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping metadata database: %w", err)
	}
	a.checks = append(a.checks, healthCheck{name: "metadata", ping: db.PingContext})
	return metadata.NewPostgresStore(db), nil
}

func (a *app) openLogStore(ctx context.Context, cfg config.NotificationConfig) (notification.LogStore, error) {
	switch cfg.LogBackend {
	case config.LogBackendSQL:
		db, err := notification.OpenSQL(cfg.SQLURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { db.Close() })
		a.checks = append(a.checks, healthCheck{name: "notification_log", ping: db.PingContext})
		store, err := notification.NewSQLLogStore(ctx, db)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.LogBackendRedis:
		client, err := notification.NewRedisClient(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { client.Close() })
		a.checks = append(a.checks, healthCheck{name: "notification_log", ping: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}})
		return notification.NewRedisLogStore(client), nil
	default:
		return notification.NewMemoryLogStore(), nil
	}
}

func (a *app) openInstanceStore(ctx context.Context, cfg config.SchedulerConfig) (notification.InstanceStore, error) {
	if cfg.DatabaseURL == "" {
		return notification.NewMemoryInstanceStore(), nil
	}
	pool, err := notification.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, pool.Close)
	a.checks = append(a.checks, healthCheck{name: "scheduler", ping: pool.Ping})
	return notification.NewPgxInstanceStore(pool), nil
}
