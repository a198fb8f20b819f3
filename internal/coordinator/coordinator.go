// Package coordinator drives each swap order through its lifecycle. Every
// order is processed by a single task goroutine with a mailbox, so bids,
// secrets, chain events and timeouts for one order are strictly serialized
// while distinct orders proceed in parallel; a bounded semaphore caps how
// many of them are inside a chain call at once.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/semaphore"

	"github.com/unite-defi/fusion-relayer/internal/adapters"
	"github.com/unite-defi/fusion-relayer/internal/auction"
	"github.com/unite-defi/fusion-relayer/internal/config"
	"github.com/unite-defi/fusion-relayer/internal/metrics"
	"github.com/unite-defi/fusion-relayer/internal/swaperr"
	"github.com/unite-defi/fusion-relayer/internal/types"
)

// OrderStore is the durable order state the coordinator mutates. Implemented
// by the database order repository.
type OrderStore interface {
	GetByHash(ctx context.Context, orderHash string) (*types.SwapOrder, error)
	UpdateState(ctx context.Context, id int64, from, to types.SwapState) error
	AttachSrcEscrow(ctx context.Context, id int64, txHash, escrowAddr string) error
	AttachDstEscrow(ctx context.Context, id int64, txHash, escrowID string) error
	RecordSecret(ctx context.Context, id int64, secret string) error
	RecordWinner(ctx context.Context, id int64, resolver, rate string) error
	RecordTx(ctx context.Context, id int64, column, txHash string) error
	SetErrorMessage(ctx context.Context, id int64, msg string) error
	ListActive(ctx context.Context) ([]*types.SwapOrder, error)
}

// DeadlineScheduler arms and disarms durable deadlines. Implemented by the
// scheduler package.
type DeadlineScheduler interface {
	Arm(ctx context.Context, orderID int64, orderHash string, kind types.TimeoutKind, fireAt time.Time) error
	Cancel(ctx context.Context, orderID int64, orderHash string) error
}

// Coordinator owns the set of live order tasks.
type Coordinator struct {
	store   OrderStore
	sched   DeadlineScheduler
	src     adapters.ChainAdapter
	dst     adapters.ChainAdapter
	policy  auction.BidPolicy
	cfg     config.Relayer
	logger  log.Logger
	metrics *metrics.Metrics

	sem *semaphore.Weighted

	mu      sync.RWMutex
	tasks   map[string]*task // keyed by order hash
	known   map[string]int64 // order hash -> id, active orders only
	baseCtx context.Context

	wg sync.WaitGroup
}

// New builds a coordinator. The src adapter is the escrow-funding chain, dst
// the chain paid out to the maker.
func New(store OrderStore, sched DeadlineScheduler, src, dst adapters.ChainAdapter,
	policy auction.BidPolicy, cfg config.Relayer, m *metrics.Metrics, logger log.Logger) *Coordinator {
	if policy == nil {
		policy = auction.FirstAcceptable{}
	}
	return &Coordinator{
		store:   store,
		sched:   sched,
		src:     src,
		dst:     dst,
		policy:  policy,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrentOrders)),
		tasks:   make(map[string]*task),
		known:   make(map[string]int64),
	}
}

// Run recovers persisted in-flight orders and then blocks until the context
// is cancelled, after which it waits for every task to drain.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	c.baseCtx = ctx
	c.mu.Unlock()

	active, err := c.store.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, order := range active {
		c.logger.Info("recovering order", "order", order.OrderHash, "state", order.State)
		c.spawn(order)
	}
	c.metrics.SetActiveOrders(len(active))
	if len(active) > 0 {
		c.logger.Info("recovery complete", "orders", len(active))
	}

	<-ctx.Done()
	c.wg.Wait()
	return ctx.Err()
}

// StartOrder takes over a freshly persisted order and begins its auction.
func (c *Coordinator) StartOrder(order *types.SwapOrder) {
	c.spawn(order)
}

// spawn registers the order as known and launches its task unless one is
// already live.
func (c *Coordinator) spawn(order *types.SwapOrder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tasks[order.OrderHash]; ok {
		return
	}
	c.known[order.OrderHash] = order.ID

	t := newTask(c, order)
	c.tasks[order.OrderHash] = t
	c.wg.Add(1)
	ctx := c.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		defer c.wg.Done()
		t.run(ctx)
	}()
}

// retire drops a finished task. The hash stays known while the order is
// non-terminal so late chain events can respawn it.
func (c *Coordinator) retire(t *task, terminal bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tasks[t.order.OrderHash] == t {
		delete(c.tasks, t.order.OrderHash)
	}
	if terminal {
		delete(c.known, t.order.OrderHash)
	}
}

// Known reports whether an order hash belongs to an order the relayer is
// tracking. Watchers use it to filter foreign escrow events.
func (c *Coordinator) Known(orderHash string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.known[orderHash]
	return ok
}

// SubmitBid evaluates a resolver bid against the order's running auction.
// A nil error means the bid won.
func (c *Coordinator) SubmitBid(ctx context.Context, bid *types.ResolverBid) error {
	return c.ask(ctx, bid.OrderHash, message{kind: msgBid, bid: bid})
}

// SubmitSecret validates and records the maker's revealed preimage and
// triggers execution.
func (c *Coordinator) SubmitSecret(ctx context.Context, orderHash, secret string) error {
	return c.ask(ctx, orderHash, message{kind: msgSecret, secret: secret})
}

// HandleChainEvent routes a watcher event to its order task, respawning the
// task from the store if none is live. Delivery blocks under backpressure:
// the watcher's cursor is persisted past the event, so dropping it here
// would lose it for good.
func (c *Coordinator) HandleChainEvent(ctx context.Context, ev *adapters.ChainEvent) {
	c.metrics.ChainEvent(ev.ChainID, string(ev.Kind))
	msg := message{kind: msgChainEvent, event: ev}
	for {
		t := c.taskFor(ev.OrderHash)
		if t == nil {
			var err error
			if t, err = c.respawn(ctx, ev.OrderHash); err != nil {
				c.logger.Debug("dropping event for unknown order",
					"order", ev.OrderHash, "kind", ev.Kind, "err", err)
				return
			}
			if t == nil {
				// Finished order, nothing left to reconcile.
				return
			}
		}
		if t.postCtx(ctx, msg) || ctx.Err() != nil {
			return
		}
		// The task exited between lookup and delivery; look it up again.
	}
}

// HandleTimeout implements the scheduler handler: the deadline is delivered
// into the order's task and the task's verdict is returned, so transient
// failures re-arm with backoff.
func (c *Coordinator) HandleTimeout(ctx context.Context, ev *types.TimeoutEvent) error {
	c.metrics.TimeoutFired(string(ev.Kind))
	return c.ask(ctx, ev.OrderHash, message{kind: msgTimeout, timeout: ev})
}

// ask delivers a message and waits for the task's reply. If no task is live
// for a known, active order (e.g. after the auction goroutine returned), the
// order is reloaded and a task respawned first.
func (c *Coordinator) ask(ctx context.Context, orderHash string, msg message) error {
	msg.reply = make(chan error, 1)
	for {
		t := c.taskFor(orderHash)
		if t == nil {
			var err error
			if t, err = c.respawn(ctx, orderHash); err != nil {
				return err
			}
			if t == nil {
				// Terminal order: nothing left to do, consume the message.
				return nil
			}
		}
		if t.postCtx(ctx, msg) {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// The task exited between lookup and delivery; look it up again.
	}
	select {
	case err := <-msg.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finished reports whether no further work can ever happen for a state.
// Errored orders are terminal for the API but still own escrows whose
// refund legs must run, so they are not finished.
func finished(s types.SwapState) bool {
	return s.IsTerminal() && s != types.StateError
}

func (c *Coordinator) taskFor(orderHash string) *task {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tasks[orderHash]
}

func (c *Coordinator) respawn(ctx context.Context, orderHash string) (*task, error) {
	order, err := c.store.GetByHash(ctx, orderHash)
	if err != nil {
		return nil, err
	}
	if finished(order.State) {
		return nil, nil
	}
	c.spawn(order)
	t := c.taskFor(orderHash)
	if t == nil {
		return nil, swaperr.New(swaperr.KindInternal, "task for %s vanished during respawn", orderHash)
	}
	return t, nil
}
