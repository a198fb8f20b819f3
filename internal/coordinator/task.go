package coordinator

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/unite-defi/fusion-relayer/internal/adapters"
	"github.com/unite-defi/fusion-relayer/internal/auction"
	"github.com/unite-defi/fusion-relayer/internal/swaperr"
	"github.com/unite-defi/fusion-relayer/internal/types"
)

type msgKind int

const (
	msgBid msgKind = iota
	msgSecret
	msgChainEvent
	msgTimeout
	msgAuctionExpired
)

type message struct {
	kind    msgKind
	bid     *types.ResolverBid
	secret  string
	event   *adapters.ChainEvent
	timeout *types.TimeoutEvent
	reply   chan error
}

const mailboxSize = 16

// task serializes all work for one order. Only the task goroutine touches
// t.order after construction.
type task struct {
	c       *Coordinator
	order   *types.SwapOrder
	mailbox chan message
	closed  chan struct{}
	logger  log.Logger

	auctionTimer *time.Timer
	done         bool
}

func newTask(c *Coordinator, order *types.SwapOrder) *task {
	return &task{
		c:       c,
		order:   order,
		mailbox: make(chan message, mailboxSize),
		closed:  make(chan struct{}),
		logger:  c.logger.New("order", order.OrderHash),
	}
}

// post delivers without blocking. Only the auction expiry timer uses it: an
// expiry lost to a full mailbox is re-detected by the Closed check on the
// next bid or resume.
func (t *task) post(msg message) {
	select {
	case t.mailbox <- msg:
	default:
		t.logger.Warn("mailbox full, dropping message", "kind", msg.kind)
	}
}

// postCtx blocks until the message is accepted, the task exits, or the
// sender's context ends. Watchers rely on the blocking: their cursor is
// persisted past an event as soon as it is sent, so the event must land in
// the mailbox rather than be dropped.
func (t *task) postCtx(ctx context.Context, msg message) bool {
	select {
	case <-t.closed:
		return false
	default:
	}
	select {
	case t.mailbox <- msg:
		return true
	case <-t.closed:
		return false
	case <-ctx.Done():
		return false
	}
}

func (t *task) run(ctx context.Context) {
	defer func() {
		close(t.closed)
		if t.auctionTimer != nil {
			t.auctionTimer.Stop()
		}
		t.drain()
		t.c.retire(t, finished(t.order.State))
	}()

	t.resume(ctx)
	if finished(t.order.State) {
		return
	}

	for !t.done {
		select {
		case <-ctx.Done():
			return
		case msg := <-t.mailbox:
			t.handle(ctx, msg)
		}
	}
}

// drain answers messages that were queued while the task was exiting so
// their senders are not left blocked on the reply.
func (t *task) drain() {
	for {
		select {
		case msg := <-t.mailbox:
			if finished(t.order.State) {
				t.reply(msg, nil)
			} else {
				t.reply(msg, swaperr.New(swaperr.KindTransientChain, "order task stopped"))
			}
		default:
			return
		}
	}
}

// withPermit bounds how many orders are simultaneously inside a chain call.
// Idle tasks hold no permit, so a full house of orders waiting on secrets
// cannot starve fresh work.
func (t *task) withPermit(ctx context.Context, fn func() error) error {
	if err := t.c.sem.Acquire(ctx, 1); err != nil {
		return swaperr.Wrap(swaperr.KindTransientChain, err, "waiting for a chain-call slot")
	}
	defer t.c.sem.Release(1)
	return fn()
}

// resume drives the order forward from whatever durable state it was left
// in. Lock operations are idempotent at the adapter level, so replaying a
// half-finished step after a crash is safe.
func (t *task) resume(ctx context.Context) {
	switch t.order.State {
	case types.StateNew:
		t.begin(ctx)
	case types.StateAuctionStarted:
		if auction.Closed(&t.order.Auction, time.Now()) {
			t.expireAuction(ctx)
			return
		}
		t.armAuctionExpiry()
	case types.StateEthLockPending:
		t.lockSource(ctx)
	case types.StateEthLocked:
		if t.transition(ctx, types.StateSuiLockPending) {
			t.lockDest(ctx)
		}
	case types.StateSuiLockPending:
		t.lockDest(ctx)
	case types.StateSuiLocked:
		t.armDeadlines(ctx)
		t.transition(ctx, types.StateReadyForSecret)
	case types.StateReadyForSecret:
		t.armDeadlines(ctx)
		if t.order.Secret != "" && t.transition(ctx, types.StateSecretReceived) {
			t.execute(ctx)
		}
	case types.StateSecretReceived:
		t.execute(ctx)
	case types.StateCancelledDst, types.StateError:
		// Refund legs are driven by the rehydrated deadline events.
	default:
		t.done = true
	}
}

func (t *task) handle(ctx context.Context, msg message) {
	switch msg.kind {
	case msgBid:
		t.onBid(ctx, msg)
	case msgSecret:
		t.onSecret(ctx, msg)
	case msgChainEvent:
		t.reply(msg, nil)
		t.onChainEvent(ctx, msg.event)
	case msgTimeout:
		t.reply(msg, t.onTimeout(ctx, msg.timeout))
	case msgAuctionExpired:
		t.reply(msg, nil)
		if t.order.State == types.StateAuctionStarted {
			t.expireAuction(ctx)
		}
	}
	if finished(t.order.State) {
		t.done = true
	}
}

func (t *task) reply(msg message, err error) {
	if msg.reply != nil {
		msg.reply <- err
	}
}

// begin opens the auction.
func (t *task) begin(ctx context.Context) {
	if !t.transition(ctx, types.StateAuctionStarted) {
		return
	}
	if auction.Closed(&t.order.Auction, time.Now()) {
		t.expireAuction(ctx)
		return
	}
	t.armAuctionExpiry()
	t.logger.Info("auction started",
		"start", t.order.Auction.StartTime, "end", t.order.Auction.EndTime)
}

func (t *task) armAuctionExpiry() {
	until := time.Until(time.Unix(int64(t.order.Auction.EndTime), 0))
	if until < 0 {
		until = 0
	}
	t.auctionTimer = time.AfterFunc(until, func() {
		t.post(message{kind: msgAuctionExpired})
	})
}

// expireAuction parks an order whose auction closed without a winning bid.
func (t *task) expireAuction(ctx context.Context) {
	t.fail(ctx, swaperr.New(swaperr.KindValidation, "auction closed without a winning bid"))
}

func (t *task) onBid(ctx context.Context, msg message) {
	if t.order.State != types.StateAuctionStarted {
		t.reply(msg, swaperr.New(swaperr.KindValidation,
			"order %s is not in auction (state %s)", t.order.OrderHash, t.order.State))
		return
	}
	now := time.Now()
	if auction.Closed(&t.order.Auction, now) {
		t.reply(msg, swaperr.New(swaperr.KindValidation, "auction has closed"))
		t.expireAuction(ctx)
		return
	}
	if t.c.policy.Evaluate(&t.order.Auction, msg.bid, now) != auction.Accept {
		t.c.metrics.BidRejected()
		t.reply(msg, swaperr.New(swaperr.KindValidation,
			"bid %s does not meet the current rate", types.BigIntString(msg.bid.BidRate)))
		return
	}

	if err := t.c.store.RecordWinner(ctx, t.order.ID, msg.bid.ResolverID, msg.bid.BidRate.String()); err != nil {
		t.reply(msg, err)
		return
	}
	t.order.Resolver = msg.bid.ResolverID
	t.order.WinningRate = msg.bid.BidRate
	if !t.transition(ctx, types.StateEthLockPending) {
		t.reply(msg, swaperr.New(swaperr.KindInternal, "failed to commit auction result"))
		return
	}
	if t.auctionTimer != nil {
		t.auctionTimer.Stop()
	}
	t.c.metrics.BidAccepted()
	t.logger.Info("bid accepted", "resolver", msg.bid.ResolverID,
		"rate", types.BigIntString(msg.bid.BidRate))

	// The winner is durable; the resolver gets its answer before the chain
	// work starts.
	t.reply(msg, nil)
	t.lockSource(ctx)
}

// lockSource fills the order into the source escrow and moves on to the
// destination leg.
func (t *task) lockSource(ctx context.Context) {
	var receipt *adapters.LockReceipt
	err := t.withPermit(ctx, func() error {
		var err error
		receipt, err = t.c.src.Lock(ctx, t.order)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		t.fail(ctx, err)
		return
	}
	if err := t.c.store.AttachSrcEscrow(ctx, t.order.ID, receipt.TxHash, receipt.EscrowRef); err != nil && !isAlreadySet(err) {
		t.fail(ctx, err)
		return
	}
	t.order.SrcLockTxHash = receipt.TxHash
	t.order.SrcEscrowAddress = receipt.EscrowRef

	if !t.transition(ctx, types.StateEthLocked) {
		return
	}
	if err := t.c.sched.Arm(ctx, t.order.ID, t.order.OrderHash, types.SrcTimeout,
		time.Unix(int64(t.order.DeadlineSrc), 0)); err != nil {
		t.fail(ctx, err)
		return
	}
	if !t.transition(ctx, types.StateSuiLockPending) {
		return
	}
	t.lockDest(ctx)
}

// lockDest creates the destination escrow and opens the secret window.
func (t *task) lockDest(ctx context.Context) {
	var receipt *adapters.LockReceipt
	err := t.withPermit(ctx, func() error {
		var err error
		receipt, err = t.c.dst.Lock(ctx, t.order)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		t.fail(ctx, err)
		return
	}
	if err := t.c.store.AttachDstEscrow(ctx, t.order.ID, receipt.TxHash, receipt.EscrowRef); err != nil && !isAlreadySet(err) {
		t.fail(ctx, err)
		return
	}
	t.order.DstLockTxHash = receipt.TxHash
	t.order.DstEscrowID = receipt.EscrowRef

	if !t.transition(ctx, types.StateSuiLocked) {
		return
	}
	if err := t.c.sched.Arm(ctx, t.order.ID, t.order.OrderHash, types.DstTimeout,
		time.Unix(int64(t.order.DeadlineDst), 0)); err != nil {
		t.fail(ctx, err)
		return
	}
	if t.transition(ctx, types.StateReadyForSecret) {
		t.logger.Info("both escrows locked, awaiting secret",
			"srcEscrow", t.order.SrcEscrowAddress, "dstEscrow", t.order.DstEscrowID)
	}
}

// armDeadlines re-arms both deadlines after recovery; Arm is idempotent.
func (t *task) armDeadlines(ctx context.Context) {
	if t.order.SrcLockTxHash != "" {
		if err := t.c.sched.Arm(ctx, t.order.ID, t.order.OrderHash, types.SrcTimeout,
			time.Unix(int64(t.order.DeadlineSrc), 0)); err != nil {
			t.logger.Error("failed to re-arm source deadline", "err", err)
		}
	}
	if t.order.DstLockTxHash != "" {
		if err := t.c.sched.Arm(ctx, t.order.ID, t.order.OrderHash, types.DstTimeout,
			time.Unix(int64(t.order.DeadlineDst), 0)); err != nil {
			t.logger.Error("failed to re-arm destination deadline", "err", err)
		}
	}
}

func (t *task) onSecret(ctx context.Context, msg message) {
	switch t.order.State {
	case types.StateReadyForSecret:
	case types.StateSecretReceived, types.StateExecuted:
		t.reply(msg, swaperr.New(swaperr.KindValidation, "secret already recorded"))
		return
	default:
		t.reply(msg, swaperr.New(swaperr.KindValidation,
			"order %s is not awaiting a secret (state %s)", t.order.OrderHash, t.order.State))
		return
	}

	// The store checks the preimage against the hashlock in constant time.
	if err := t.c.store.RecordSecret(ctx, t.order.ID, msg.secret); err != nil {
		t.reply(msg, err)
		return
	}
	t.order.Secret = msg.secret
	if !t.transition(ctx, types.StateSecretReceived) {
		t.reply(msg, swaperr.New(swaperr.KindInternal, "failed to commit secret"))
		return
	}
	t.logger.Info("secret received")
	t.reply(msg, nil)
	t.execute(ctx)
}

// execute completes the swap: destination withdrawal first, so the secret is
// never spent on the source side while the maker's payout could still
// expire.
func (t *task) execute(ctx context.Context) {
	if t.order.DstWithdrawTx == "" {
		var receipt *adapters.UnlockReceipt
		err := t.withPermit(ctx, func() error {
			var err error
			receipt, err = t.c.dst.Unlock(ctx, t.order, t.order.Secret)
			return err
		})
		if err != nil {
			// The withdrawal may already be on-chain from a run that died
			// before recording the tx hash; the watcher's replayed event
			// settles the question, and the armed deadlines still refund a
			// true failure. Stay in SECRET_RECEIVED either way.
			t.logger.Warn("destination unlock did not complete", "err", err)
			return
		}
		if err := t.c.store.RecordTx(ctx, t.order.ID, "dst_withdraw_tx", receipt.TxHash); err != nil {
			t.fail(ctx, err)
			return
		}
		t.order.DstWithdrawTx = receipt.TxHash
	}

	if t.order.SrcWithdrawTx == "" {
		var receipt *adapters.UnlockReceipt
		err := t.withPermit(ctx, func() error {
			var err error
			receipt, err = t.c.src.Unlock(ctx, t.order, t.order.Secret)
			return err
		})
		if err != nil {
			t.logger.Warn("source unlock did not complete", "err", err)
			return
		}
		if err := t.c.store.RecordTx(ctx, t.order.ID, "src_withdraw_tx", receipt.TxHash); err != nil {
			t.fail(ctx, err)
			return
		}
		t.order.SrcWithdrawTx = receipt.TxHash
	}

	if !t.transition(ctx, types.StateExecuted) {
		return
	}
	if err := t.c.sched.Cancel(ctx, t.order.ID, t.order.OrderHash); err != nil {
		t.logger.Error("failed to disarm deadlines", "err", err)
	}
	t.c.metrics.OrderExecuted()
	t.logger.Info("swap executed",
		"dstWithdraw", t.order.DstWithdrawTx, "srcWithdraw", t.order.SrcWithdrawTx)
	t.done = true
}

// onTimeout runs the refund legs. A transient chain failure is returned to
// the scheduler, which re-arms the deadline with backoff.
func (t *task) onTimeout(ctx context.Context, ev *types.TimeoutEvent) error {
	if finished(t.order.State) {
		return nil
	}

	switch ev.Kind {
	case types.DstTimeout:
		return t.cancelDest(ctx)
	case types.SrcTimeout:
		return t.cancelSource(ctx)
	default:
		return swaperr.New(swaperr.KindInternal, "unknown timeout kind %q", ev.Kind)
	}
}

// cancelDest refunds the destination escrow after its deadline passed with
// no secret spend.
func (t *task) cancelDest(ctx context.Context) error {
	switch t.order.State {
	case types.StateSuiLocked, types.StateReadyForSecret, types.StateSecretReceived:
	case types.StateError:
		if t.order.DstEscrowID == "" || t.order.DstCancelTx != "" {
			return nil
		}
	default:
		return nil
	}

	var receipt *adapters.CancelReceipt
	err := t.withPermit(ctx, func() error {
		var err error
		receipt, err = t.c.dst.Cancel(ctx, t.order)
		return err
	})
	if err != nil {
		if swaperr.IsRetryable(err) {
			return err
		}
		t.fail(ctx, err)
		return nil
	}
	if err := t.c.store.RecordTx(ctx, t.order.ID, "dst_cancel_tx", receipt.TxHash); err != nil {
		return err
	}
	t.order.DstCancelTx = receipt.TxHash
	t.transition(ctx, types.StateCancelledDst)
	t.logger.Info("destination escrow refunded after timeout", "tx", receipt.TxHash)
	return nil
}

// cancelSource refunds the source escrow once its own timelock expired and
// closes out the order.
func (t *task) cancelSource(ctx context.Context) error {
	switch t.order.State {
	case types.StateEthLocked, types.StateCancelledDst:
	case types.StateError:
		if t.order.SrcEscrowAddress == "" || t.order.SrcCancelTx != "" {
			return nil
		}
	default:
		return nil
	}

	var receipt *adapters.CancelReceipt
	err := t.withPermit(ctx, func() error {
		var err error
		receipt, err = t.c.src.Cancel(ctx, t.order)
		return err
	})
	if err != nil {
		if swaperr.IsRetryable(err) {
			return err
		}
		t.fail(ctx, err)
		return nil
	}
	if err := t.c.store.RecordTx(ctx, t.order.ID, "src_cancel_tx", receipt.TxHash); err != nil {
		return err
	}
	t.order.SrcCancelTx = receipt.TxHash
	if !t.transition(ctx, types.StateCancelledSrc) {
		return nil
	}
	t.transition(ctx, types.StateRefunded)
	t.c.metrics.OrderCancelled()
	t.logger.Info("source escrow refunded, order closed", "tx", receipt.TxHash)
	return nil
}

// onChainEvent folds watcher observations into the machine. The interesting
// case is a destination withdrawal by a third party: it reveals the secret
// on-chain, which lets the relayer finish the source leg.
func (t *task) onChainEvent(ctx context.Context, ev *adapters.ChainEvent) {
	srcChain := ev.ChainID == t.c.src.ChainID()

	switch ev.Kind {
	case adapters.EventEscrowCreated:
		t.logger.Debug("escrow creation confirmed", "chain", ev.ChainID,
			"escrow", ev.EscrowRef, "block", ev.BlockNumber)

	case adapters.EventEscrowWithdrawn:
		if srcChain {
			if t.order.State == types.StateSecretReceived && t.order.SrcWithdrawTx == "" {
				if err := t.c.store.RecordTx(ctx, t.order.ID, "src_withdraw_tx", ev.TxHash); err != nil {
					t.logger.Error("failed to record source withdrawal", "err", err)
					return
				}
				t.order.SrcWithdrawTx = ev.TxHash
				t.execute(ctx)
			}
			return
		}
		switch t.order.State {
		case types.StateReadyForSecret:
			if ev.Secret == nil {
				return
			}
			t.logger.Info("secret revealed on-chain", "tx", ev.TxHash)
			if err := t.c.store.RecordSecret(ctx, t.order.ID, *ev.Secret); err != nil && !isAlreadySet(err) {
				t.logger.Error("on-chain secret does not match hashlock", "err", err)
				return
			}
			t.order.Secret = *ev.Secret
			if err := t.c.store.RecordTx(ctx, t.order.ID, "dst_withdraw_tx", ev.TxHash); err != nil {
				t.fail(ctx, err)
				return
			}
			t.order.DstWithdrawTx = ev.TxHash
			if t.transition(ctx, types.StateSecretReceived) {
				t.execute(ctx)
			}
		case types.StateSecretReceived:
			// Replay after a crash that lost the withdrawal receipt: the
			// destination leg is already consumed, only the source leg
			// remains.
			if t.order.DstWithdrawTx != "" {
				return
			}
			if err := t.c.store.RecordTx(ctx, t.order.ID, "dst_withdraw_tx", ev.TxHash); err != nil {
				t.fail(ctx, err)
				return
			}
			t.order.DstWithdrawTx = ev.TxHash
			t.execute(ctx)
		}

	case adapters.EventEscrowCancelled:
		if srcChain {
			if t.order.State == types.StateCancelledDst && t.order.SrcCancelTx == "" {
				// External refund of our source escrow; record and close.
				t.order.SrcCancelTx = ev.TxHash
				if err := t.c.store.RecordTx(ctx, t.order.ID, "src_cancel_tx", ev.TxHash); err != nil {
					t.logger.Error("failed to record external cancel", "err", err)
					return
				}
				if t.transition(ctx, types.StateCancelledSrc) {
					t.transition(ctx, types.StateRefunded)
					t.c.metrics.OrderCancelled()
				}
			}
			return
		}
		switch t.order.State {
		case types.StateSuiLocked, types.StateReadyForSecret, types.StateSecretReceived:
			t.order.DstCancelTx = ev.TxHash
			if err := t.c.store.RecordTx(ctx, t.order.ID, "dst_cancel_tx", ev.TxHash); err != nil {
				t.logger.Error("failed to record external cancel", "err", err)
				return
			}
			t.transition(ctx, types.StateCancelledDst)
		}
	}
}

// transition commits a state change; the store enforces both the transition
// table and compare-and-set against concurrent writers.
func (t *task) transition(ctx context.Context, to types.SwapState) bool {
	if err := t.c.store.UpdateState(ctx, t.order.ID, t.order.State, to); err != nil {
		t.logger.Error("state transition failed", "from", t.order.State, "to", to, "err", err)
		return false
	}
	t.order.State = to
	return true
}

// fail parks the order in the error state with the failure recorded. Armed
// deadlines stay live so the refund legs still run.
func (t *task) fail(ctx context.Context, cause error) {
	t.logger.Error("order failed", "state", t.order.State, "err", cause)
	if err := t.c.store.SetErrorMessage(ctx, t.order.ID, cause.Error()); err != nil {
		t.logger.Error("failed to record error message", "err", err)
	}
	t.order.ErrorMessage = cause.Error()
	if t.order.State == types.StateError {
		return
	}
	if types.CanTransition(t.order.State, types.StateError) {
		t.transition(ctx, types.StateError)
		t.c.metrics.OrderErrored()
	}
}

func isAlreadySet(err error) bool {
	return swaperr.KindOf(err) == swaperr.KindIllegalTransition
}
