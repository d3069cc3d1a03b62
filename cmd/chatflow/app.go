package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/redis/go-redis/v9"

	"github.com/rendis/chatflow/internal/engine"
	"github.com/rendis/chatflow/internal/expressions"
	"github.com/rendis/chatflow/internal/gateway"
	"github.com/rendis/chatflow/internal/lock"
	"github.com/rendis/chatflow/internal/metrics"
	"github.com/rendis/chatflow/internal/repository"
	"github.com/rendis/chatflow/internal/store"
	"github.com/rendis/chatflow/internal/streaming"
	"github.com/rendis/chatflow/internal/templates"
	"github.com/rendis/chatflow/internal/validation"
)

// app is the wired object graph shared by the commands.
type app struct {
	cfg       Config
	logger    *slog.Logger
	store     store.Store
	files     *repository.FileRepository
	cache     *repository.Cache
	registry  *gateway.Registry
	gateway   *gateway.Gateway
	validator *validation.Validator
	templates *templates.Instantiator
	metrics   *metrics.Metrics
	events    *streaming.MemoryHub
	engine    *engine.Engine

	closers []func() error
}

// appOptions vary the wiring per command.
type appOptions struct {
	// Deliverer overrides the configured outbound channel.
	Deliverer gateway.Deliverer
	// Definitions, when set, is consulted before the definitions dir and
	// the store.
	Definitions store.DefinitionRepository
}

func newApp(ctx context.Context, cfg Config, logger *slog.Logger, opts appOptions) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New(), events: streaming.NewMemoryHub()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if a.store, err = openStore(ctx, cfg.Store); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.store.Close)
	if err = a.store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	var source repository.Chain
	if opts.Definitions != nil {
		source = append(source, opts.Definitions)
	}
	if cfg.Definitions.Dir != "" {
		if a.files, err = repository.NewFileRepository(cfg.Definitions.Dir, logger.With("component", "definitions")); err != nil {
			return nil, err
		}
		source = append(source, a.files)
	}
	source = append(source, a.store)
	if a.cache, err = repository.NewCache(source, cfg.Engine.GraphCacheSize); err != nil {
		return nil, err
	}

	resolver, err := expressions.NewResolver()
	if err != nil {
		return nil, err
	}

	a.registry = gateway.NewRegistry()
	for _, capCfg := range cfg.Gateway.Capabilities {
		client := resty.New().SetTimeout(cfg.Gateway.Timeout)
		if err = a.registry.Register(gateway.NewHTTPCapability(capCfg, client)); err != nil {
			return nil, err
		}
	}

	deliverer := opts.Deliverer
	if deliverer == nil {
		deliverer = configuredDeliverer(cfg.Gateway, logger)
	}
	retry := cfg.Gateway.Retry
	breaker := cfg.Gateway.Breaker
	a.gateway = gateway.New(a.registry, deliverer, gateway.Options{
		Retry:    &retry,
		Breaker:  &breaker,
		Observer: a.metrics,
		Logger:   logger.With("component", "gateway"),
	})

	if a.validator, err = validation.NewValidator(a.registry, resolver); err != nil {
		return nil, err
	}
	a.templates = templates.NewInstantiator(a.store, a.validator)

	locks, closeLocks, err := openLocks(ctx, cfg.Lock, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeLocks)

	a.engine, err = engine.New(engine.Deps{
		Store:       a.store,
		Definitions: a.cache,
		Gateway:     a.gateway,
		Evaluator:   resolver,
		Locks:       locks,
		Validator:   a.validator,
		Events:      a.events,
		Metrics:     a.metrics,
		Logger:      logger,
	}, cfg.Engine)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Close releases the store and lock connections in reverse order.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

func openStore(ctx context.Context, cfg StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemoryStore(), nil
	case "postgres":
		s, err := store.NewPostgresStore(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		s, err := store.NewLibSQLStore(libsqlURL(cfg.Path))
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// libsqlURL turns a plain path into a file URL, creating its directory.
// Remote URLs pass through.
func libsqlURL(path string) string {
	for _, scheme := range []string{"file:", "libsql:", "http:", "https:"} {
		if strings.HasPrefix(path, scheme) {
			return path
		}
	}
	_ = os.MkdirAll(filepath.Dir(path), 0o700)
	return "file:" + path
}

func openLocks(ctx context.Context, cfg LockConfig, logger *slog.Logger) (lock.Provider, func() error, error) {
	if cfg.Driver != "redis" {
		return lock.NewLocalProvider(), func() error { return nil }, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis lock: ping %s: %w", cfg.RedisAddr, err)
	}
	provider := lock.NewRedisProvider(client, lock.RedisOptions{
		LeaseTTL: cfg.TTL,
		Logger:   logger.With("component", "lock"),
	})
	return provider, client.Close, nil
}

func configuredDeliverer(cfg GatewayConfig, logger *slog.Logger) gateway.Deliverer {
	if cfg.WebhookURL == "" {
		return gateway.LogDeliverer{Logger: logger.With("component", "outbound")}
	}
	return gateway.NewWebhookDeliverer(cfg.WebhookURL, resty.New().SetTimeout(cfg.Timeout))
}
