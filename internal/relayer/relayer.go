// Package relayer assembles and runs the whole service: database, deadline
// scheduler, chain adapters and their watchers, the order coordinator and
// the HTTP API.
package relayer

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/unite-defi/fusion-relayer/internal/adapters"
	"github.com/unite-defi/fusion-relayer/internal/api"
	"github.com/unite-defi/fusion-relayer/internal/auction"
	"github.com/unite-defi/fusion-relayer/internal/config"
	"github.com/unite-defi/fusion-relayer/internal/coordinator"
	"github.com/unite-defi/fusion-relayer/internal/database"
	"github.com/unite-defi/fusion-relayer/internal/metrics"
	"github.com/unite-defi/fusion-relayer/internal/scheduler"
	"github.com/unite-defi/fusion-relayer/internal/service"
)

// Relayer owns every long-running component.
type Relayer struct {
	cfg    *config.Config
	logger log.Logger

	db       *sql.DB
	sched    *scheduler.Scheduler
	src      adapters.ChainAdapter
	dst      adapters.ChainAdapter
	registry *adapters.Registry
	coord    *coordinator.Coordinator
	server   *api.Server

	cancel context.CancelFunc
	errs   chan error
}

// New wires the component graph. Nothing is connected or started yet.
func New(cfg *config.Config, logger log.Logger) (*Relayer, error) {
	db, err := database.New(cfg.Database.ConnString())
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	applied, err := database.Migrate(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	if len(applied) > 0 {
		logger.Info("applied migrations", "count", len(applied))
	}

	orders := database.NewOrderRepository(db)
	timeouts := database.NewTimeoutRepository(db)
	cursors := database.NewCursorRepository(db)
	mirror := database.NewMetricsRepository(db)

	m := metrics.New(prometheus.DefaultRegisterer, mirror, logger)

	retryBase := time.Second
	retryCap := cfg.Relayer.RetryInterval * 10
	sched := scheduler.New(timeouts, nil, retryBase, retryCap, logger)

	policy := adapters.DefaultRetryPolicy(cfg.Relayer.MaxRetries, cfg.Relayer.RetryInterval)

	r := &Relayer{cfg: cfg, logger: logger, db: db, sched: sched, errs: make(chan error, 4)}

	coordKnown := &knownPlaceholder{}
	src, err := adapters.NewEVMAdapter(cfg.Ethereum, policy, cursors, coordKnown, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ethereum adapter: %w", err)
	}
	dst, err := adapters.NewSuiAdapter(cfg.Sui, policy, cursors, coordKnown, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sui adapter: %w", err)
	}
	r.src, r.dst = src, dst
	r.registry = adapters.NewRegistry(src, dst)

	r.coord = coordinator.New(orders, sched, src, dst,
		auction.FirstAcceptable{}, cfg.Relayer, m, logger)
	coordKnown.coord = r.coord
	sched.SetHandler(r.coord)

	svc := service.NewOrderService(orders, r.coord, cfg, m, logger)
	r.server = api.NewServer(svc, cfg.API, prometheus.DefaultGatherer, logger)

	return r, nil
}

// knownPlaceholder breaks the adapter/coordinator construction cycle: the
// adapters need a KnownOrders before the coordinator exists.
type knownPlaceholder struct {
	coord *coordinator.Coordinator
}

func (k *knownPlaceholder) Known(orderHash string) bool {
	if k.coord == nil {
		return false
	}
	return k.coord.Known(orderHash)
}

// Start connects the chains and launches every component. It returns once
// boot is complete; failures after that surface through Wait.
func (r *Relayer) Start(ctx context.Context) error {
	ctx, r.cancel = context.WithCancel(ctx)

	for _, a := range r.registry.All() {
		if err := a.Connect(ctx); err != nil {
			return fmt.Errorf("connect %s: %w", a.ChainID(), err)
		}
	}

	go func() {
		if err := r.sched.Run(ctx); err != nil && ctx.Err() == nil {
			r.errs <- fmt.Errorf("scheduler: %w", err)
		}
	}()
	go func() {
		if err := r.coord.Run(ctx); err != nil && ctx.Err() == nil {
			r.errs <- fmt.Errorf("coordinator: %w", err)
		}
	}()

	for _, a := range r.registry.All() {
		r.startWatcher(ctx, a)
	}

	go func() {
		if err := r.server.Start(); err != nil {
			r.errs <- fmt.Errorf("api server: %w", err)
		}
	}()

	r.logger.Info("relayer started",
		"ethRelayer", r.src.Address(), "suiRelayer", r.dst.Address(),
		"maxConcurrentOrders", r.cfg.Relayer.MaxConcurrentOrders)
	return nil
}

// startWatcher runs one adapter's watch loop and fans its events into the
// coordinator over a bounded channel.
func (r *Relayer) startWatcher(ctx context.Context, a adapters.ChainAdapter) {
	events := make(chan *adapters.ChainEvent, r.cfg.Relayer.EventWatcherBufferSize)
	go func() {
		if err := a.Watch(ctx, events); err != nil && ctx.Err() == nil {
			r.errs <- fmt.Errorf("watcher %s: %w", a.ChainID(), err)
		}
		close(events)
	}()
	go func() {
		for ev := range events {
			r.coord.HandleChainEvent(ctx, ev)
		}
	}()
}

// Wait blocks until a component fails or the context given to Start ends.
func (r *Relayer) Wait(ctx context.Context) error {
	select {
	case err := <-r.errs:
		return err
	case <-ctx.Done():
		return nil
	}
}

// Stop shuts everything down within the configured shutdown timeout.
func (r *Relayer) Stop() {
	r.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), r.cfg.Relayer.ShutdownTimeout)
	defer cancel()

	if err := r.server.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("api shutdown failed", "err", err)
	}
	if r.cancel != nil {
		r.cancel()
	}

	select {
	case <-r.sched.Done():
	case <-shutdownCtx.Done():
		r.logger.Warn("scheduler did not stop in time")
	}

	for _, a := range r.registry.All() {
		if err := a.Close(); err != nil {
			r.logger.Error("adapter close failed", "chain", a.ChainID(), "err", err)
		}
	}
	if err := r.db.Close(); err != nil {
		r.logger.Error("database close failed", "err", err)
	}
	r.logger.Info("shutdown complete")
}
