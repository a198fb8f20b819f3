// Package scheduler fires timelock deadlines. Deadlines are persisted before
// they are armed in memory, rehydrated at startup, and dispatched from a
// monotonic-clock timer over a priority heap, so every armed deadline
// eventually executes exactly once even across restarts.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/unite-defi/fusion-relayer/internal/swaperr"
	"github.com/unite-defi/fusion-relayer/internal/types"
)

// TimeoutStore is the durable side of the scheduler, implemented by the
// database timeout repository.
type TimeoutStore interface {
	CreateTimeoutEvent(ctx context.Context, orderID int64, kind types.TimeoutKind, fireAt time.Time) (*types.TimeoutEvent, error)
	MarkExecuted(ctx context.Context, id int64, note string) error
	DeleteForOrder(ctx context.Context, orderID int64) error
	ListPending(ctx context.Context) ([]*types.TimeoutEvent, error)
}

// TimeoutHandler receives fired deadlines. A retryable error re-arms the
// entry with backoff; any other error marks the event executed with a note.
type TimeoutHandler interface {
	HandleTimeout(ctx context.Context, ev *types.TimeoutEvent) error
}

type entry struct {
	ev        *types.TimeoutEvent
	fireAt    time.Time
	attempts  int
	cancelled bool
	index     int
}

type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].fireAt.Before(h[j].fireAt) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *entryHeap) Push(x interface{}) { e := x.(*entry); e.index = len(*h); *h = append(*h, e) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

type key struct {
	orderID int64
	kind    types.TimeoutKind
}

// Scheduler owns the deadline heap. All access goes through its methods; the
// heap itself is touched only under the mutex.
type Scheduler struct {
	store   TimeoutStore
	handler TimeoutHandler
	logger  log.Logger

	retryBase time.Duration
	retryCap  time.Duration

	mu      sync.Mutex
	heapq   entryHeap
	entries map[key]*entry
	wake    chan struct{}
	done    chan struct{}
	// In-flight dispatch goroutines; Run waits for them before closing done.
	inflight sync.WaitGroup
}

// New creates a scheduler. retryBase and retryCap bound the re-arm backoff
// applied when the handler fails transiently.
func New(store TimeoutStore, handler TimeoutHandler, retryBase, retryCap time.Duration, logger log.Logger) *Scheduler {
	if retryBase <= 0 {
		retryBase = time.Second
	}
	if retryCap < retryBase {
		retryCap = 5 * time.Minute
	}
	return &Scheduler{
		store:     store,
		handler:   handler,
		logger:    logger,
		retryBase: retryBase,
		retryCap:  retryCap,
		entries:   make(map[key]*entry),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Arm schedules a deadline. Idempotent per (order, kind): re-arming keeps
// the original persisted row and in-memory entry. The durable row is
// written before the in-memory entry exists, so a crash between the two
// re-arms on the next startup instead of losing the deadline.
func (s *Scheduler) Arm(ctx context.Context, orderID int64, orderHash string, kind types.TimeoutKind, fireAt time.Time) error {
	ev, err := s.store.CreateTimeoutEvent(ctx, orderID, kind, fireAt)
	if err != nil {
		return err
	}
	ev.OrderHash = orderHash

	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{orderID: orderID, kind: kind}
	if existing, ok := s.entries[k]; ok && !existing.cancelled {
		return nil
	}
	e := &entry{ev: ev, fireAt: ev.FireAt}
	s.entries[k] = e
	heap.Push(&s.heapq, e)
	s.kick()

	s.logger.Debug("armed timeout", "order", orderHash, "kind", kind, "fireAt", ev.FireAt)
	return nil
}

// Cancel disarms every deadline for an order, removing the durable rows.
// Used when a swap completes and its refund paths are moot.
func (s *Scheduler) Cancel(ctx context.Context, orderID int64, orderHash string) error {
	if err := s.store.DeleteForOrder(ctx, orderID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, kind := range []types.TimeoutKind{types.SrcTimeout, types.DstTimeout} {
		k := key{orderID: orderID, kind: kind}
		if e, ok := s.entries[k]; ok {
			e.cancelled = true
			delete(s.entries, k)
		}
	}
	s.logger.Debug("cancelled timeouts", "order", orderHash)
	return nil
}

// SetHandler installs the timeout handler. The coordinator is built after
// the scheduler, so construction passes nil and wires the handler here,
// before Run.
func (s *Scheduler) SetHandler(h TimeoutHandler) {
	s.handler = h
}

// Pending returns the number of armed, unfired deadlines.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Run rehydrates persisted deadlines and drives the timer loop until the
// context is cancelled. Entries already past due fire immediately, in
// scheduledAt order (ListPending returns them that way and the heap breaks
// fireAt ties by insertion).
func (s *Scheduler) Run(ctx context.Context) error {
	defer func() {
		s.inflight.Wait()
		close(s.done)
	}()

	pending, err := s.store.ListPending(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	for _, ev := range pending {
		k := key{orderID: ev.OrderID, kind: ev.Kind}
		if _, ok := s.entries[k]; ok {
			continue
		}
		e := &entry{ev: ev, fireAt: ev.FireAt}
		s.entries[k] = e
		heap.Push(&s.heapq, e)
	}
	count := len(s.entries)
	s.mu.Unlock()
	if count > 0 {
		s.logger.Info("rehydrated timeout events", "count", count)
	}

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		next, ok := s.nextFireTime()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if ok {
			d := time.Until(next)
			if d < 0 {
				d = 0
			}
			timer.Reset(d)
		} else {
			timer.Reset(time.Hour)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		case <-timer.C:
			s.fireDue(ctx)
		}
	}
}

// Done is closed when Run returns.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

func (s *Scheduler) nextFireTime() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.heapq.Len() > 0 {
		e := s.heapq[0]
		if e.cancelled {
			heap.Pop(&s.heapq)
			continue
		}
		return e.fireAt, true
	}
	return time.Time{}, false
}

func (s *Scheduler) fireDue(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.heapq.Len() == 0 {
			s.mu.Unlock()
			return
		}
		e := s.heapq[0]
		if e.cancelled {
			heap.Pop(&s.heapq)
			s.mu.Unlock()
			continue
		}
		if e.fireAt.After(time.Now()) {
			s.mu.Unlock()
			return
		}
		heap.Pop(&s.heapq)
		delete(s.entries, key{orderID: e.ev.OrderID, kind: e.ev.Kind})
		s.mu.Unlock()

		// Each entry gets its own goroutine: a handler stuck on a slow chain
		// call must not hold back other orders' deadlines.
		s.inflight.Add(1)
		go func(e *entry) {
			defer s.inflight.Done()
			s.dispatch(ctx, e)
		}(e)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, e *entry) {
	s.logger.Info("timeout fired", "order", e.ev.OrderHash, "kind", e.ev.Kind,
		"late", time.Since(e.fireAt), "attempt", e.attempts+1)

	err := s.handler.HandleTimeout(ctx, e.ev)
	if err == nil {
		if err := s.store.MarkExecuted(ctx, e.ev.ID, ""); err != nil {
			s.logger.Error("failed to mark timeout executed", "order", e.ev.OrderHash, "err", err)
		}
		return
	}

	if swaperr.IsRetryable(err) {
		e.attempts++
		delay := s.retryBase << uint(e.attempts-1)
		if delay > s.retryCap || delay <= 0 {
			delay = s.retryCap
		}
		e.fireAt = time.Now().Add(delay)

		s.mu.Lock()
		s.entries[key{orderID: e.ev.OrderID, kind: e.ev.Kind}] = e
		heap.Push(&s.heapq, e)
		s.mu.Unlock()
		s.kick()

		s.logger.Warn("timeout handler failed, re-armed", "order", e.ev.OrderHash,
			"kind", e.ev.Kind, "delay", delay, "err", err)
		return
	}

	// Permanent failure: record it and move on, the deadline is consumed.
	s.logger.Error("timeout handler failed permanently", "order", e.ev.OrderHash,
		"kind", e.ev.Kind, "err", err)
	if err := s.store.MarkExecuted(ctx, e.ev.ID, err.Error()); err != nil {
		s.logger.Error("failed to mark timeout executed", "order", e.ev.OrderHash, "err", err)
	}
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
