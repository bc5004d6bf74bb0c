// ABOUTME: Wiring shared by commands that sync: store, adapters, policy, and event bus.
// ABOUTME: Opens everything from config and tears it down in reverse order.
package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/harperreed/healthsync/internal/adapter"
	"github.com/harperreed/healthsync/internal/config"
	"github.com/harperreed/healthsync/internal/events"
	"github.com/harperreed/healthsync/internal/logging"
	"github.com/harperreed/healthsync/internal/observability"
	"github.com/harperreed/healthsync/internal/storage"
	"github.com/harperreed/healthsync/internal/syncer"
)

// app holds the live components of a sync-capable command.
type app struct {
	store    storage.Store
	registry *adapter.Registry
	policy   *config.Policy
	orch     *syncer.Orchestrator
	bus      *events.Bus

	stopBus context.CancelFunc
	busDone chan struct{}
	closers []func() error
}

// openApp builds the app from cfg. Callers must Close it.
func openApp(ctx context.Context) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	policy, err := config.LoadPolicy(cfg.GetPolicyPath())
	if err != nil {
		return nil, err
	}
	a.policy = policy

	sources, err := cfg.EnabledSources()
	if err != nil {
		return nil, err
	}

	store, err := cfg.OpenStorage(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	registry, closeAdapters, err := cfg.OpenAdapters(logger)
	if err != nil {
		return nil, err
	}
	a.registry = registry
	a.closers = append(a.closers, closeAdapters)

	handlers := []events.Handler{observability.HandleEvent, logEvent(logger)}
	if cfg.Kafka != nil && len(cfg.Kafka.Brokers) > 0 {
		sink, err := events.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		if err != nil {
			return nil, err
		}
		handlers = append(handlers, sink.Handle)
		a.closers = append(a.closers, sink.Close)
	}
	a.startBus(handlers)

	opts := syncer.Options{Sources: sources, Bus: a.bus, Logger: logger}
	policy.Apply(&opts)
	orch, err := syncer.New(registry, store, opts)
	if err != nil {
		return nil, err
	}
	a.orch = orch

	ok = true
	return a, nil
}

func (a *app) startBus(handlers []events.Handler) {
	a.bus = events.NewBus(events.Options{Logger: logger})
	busCtx, cancel := context.WithCancel(context.Background())
	a.stopBus = cancel
	a.busDone = make(chan struct{})

	go func() {
		defer close(a.busDone)
		_ = a.bus.Run(busCtx, handlers...)
	}()

	if cfg.MetricsAddr != "" {
		go func() {
			if err := observability.Serve(busCtx, cfg.MetricsAddr); err != nil {
				logger.Error("metrics server stopped", logging.Err(err))
			}
		}()
	}
}

// Close drains the event bus, then releases sinks, adapters, and storage.
func (a *app) Close() error {
	if a.stopBus != nil {
		a.stopBus()
		<-a.busDone
	}
	var firstErr error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func logEvent(l *slog.Logger) events.Handler {
	l = l.With(logging.Component("events"))
	return func(_ context.Context, e events.Event) {
		attrs := []any{slog.String(logging.KeySession, e.SessionID), slog.String(logging.KeyUser, e.UserID)}
		if e.Metric != "" {
			attrs = append(attrs, logging.Metric(e.Metric))
		}
		if e.Type.Terminal() {
			l.Info(string(e.Type), attrs...)
			return
		}
		l.Debug(string(e.Type), attrs...)
	}
}
