package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/trobanga/mediaflow/internal/lib"
	"github.com/trobanga/mediaflow/internal/models"
	"github.com/trobanga/mediaflow/internal/services"
)

// Runtime holds everything built from a configuration: the store, the
// completion barrier, the transport and the engine driving them
type Runtime struct {
	Config    *models.ProjectConfig
	Store     services.JobStore
	Barrier   services.Barrier
	Transport services.Transport
	Resolver  *services.PropertyResolver
	Engine    *Engine
	Logger    *lib.Logger

	closers []func() error
}

// OpenStore opens the configured job store
func OpenStore(ctx context.Context, cfg *models.ProjectConfig) (services.JobStore, error) {
	switch cfg.Store.Driver {
	case "memory":
		return services.NewMemoryStore(), nil
	case "sqlite":
		return services.OpenSQLiteStore(ctx, cfg.Store.Path)
	default:
		return nil, lib.ErrInvalidConfig("store.driver", fmt.Sprintf("unknown driver %q", cfg.Store.Driver))
	}
}

// NewResolver builds the property resolver from the configured system
// properties and workflow property file
func NewResolver(cfg *models.ProjectConfig) (*services.PropertyResolver, error) {
	workflow, err := services.LoadWorkflowProperties(cfg.Properties.WorkflowFile)
	if err != nil {
		return nil, err
	}
	return services.NewPropertyResolver(cfg.Properties, workflow), nil
}

// NewRuntime opens the configured drivers and wires an engine over them.
// worker serves the loopback transport and is ignored for amqp.
func NewRuntime(ctx context.Context, cfg *models.ProjectConfig, worker services.Worker, logger *lib.Logger) (*Runtime, error) {
	rt := &Runtime{Config: cfg, Logger: logger}
	ok := false
	defer func() {
		if !ok {
			_ = rt.Close()
		}
	}()

	resolver, err := NewResolver(cfg)
	if err != nil {
		return nil, err
	}
	rt.Resolver = resolver

	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rt.Store = store
	rt.closers = append(rt.closers, store.Close)

	switch cfg.Barrier.Driver {
	case "redis":
		barrier := services.NewRedisBarrier(cfg.Barrier.RedisAddr, time.Duration(cfg.Barrier.TTLMinutes)*time.Minute)
		rt.closers = append(rt.closers, barrier.Close)
		if err := barrier.Ping(ctx); err != nil {
			return nil, lib.ErrNetworkUnreachable(cfg.Barrier.RedisAddr, err)
		}
		rt.Barrier = barrier
	default:
		rt.Barrier = services.NewMemoryBarrier()
	}

	switch cfg.Transport.Driver {
	case "amqp":
		transport, err := services.NewAMQPTransport(ctx, cfg.Transport.AMQPURL, cfg.Transport.ResponseQueue, logger)
		if err != nil {
			return nil, err
		}
		rt.Transport = transport
	default:
		rt.Transport = services.NewLoopbackTransport(worker, cfg.Engine.Concurrency, logger)
	}
	// the transport closes before the store so in-flight work drains first
	rt.closers = append(rt.closers, rt.Transport.Close)

	rt.Engine = NewEngine(Deps{
		Store:       store,
		Transport:   rt.Transport,
		Barrier:     rt.Barrier,
		Resolver:    resolver,
		Callbacks:   services.NewCallbackDispatcher(cfg.Callback, store, logger),
		Output:      cfg.Output,
		Logger:      logger,
		Concurrency: cfg.Engine.Concurrency,
	})
	rt.closers = append(rt.closers, rt.Engine.Close)

	ok = true
	return rt, nil
}

// Close releases every driver in reverse order of opening
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
