// Package service implements order intake and the query surface. It owns all
// request validation so the coordinator only ever sees well-formed orders.
package service

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/unite-defi/fusion-relayer/internal/adapters"
	"github.com/unite-defi/fusion-relayer/internal/config"
	"github.com/unite-defi/fusion-relayer/internal/metrics"
	"github.com/unite-defi/fusion-relayer/internal/swaperr"
	"github.com/unite-defi/fusion-relayer/internal/types"
)

const (
	minAuctionWindow = 60 * time.Second
	maxAuctionWindow = 24 * time.Hour
	// Tolerated clock skew on submitted auction start times.
	startTimeSkew = 30 * time.Second
)

var suiAddressRe = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// OrderStore is the persistence surface the service needs.
type OrderStore interface {
	CreateOrder(ctx context.Context, order *types.SwapOrder) error
	GetByHash(ctx context.Context, orderHash string) (*types.SwapOrder, error)
	ListActive(ctx context.Context) ([]*types.SwapOrder, error)
	ListByMaker(ctx context.Context, maker string) ([]*types.SwapOrder, error)
}

// Workflow is the coordinator surface the service drives.
type Workflow interface {
	StartOrder(order *types.SwapOrder)
	SubmitBid(ctx context.Context, bid *types.ResolverBid) error
	SubmitSecret(ctx context.Context, orderHash, secret string) error
}

// OrderService validates and routes API requests.
type OrderService struct {
	store    OrderStore
	workflow Workflow
	cfg      *config.Config
	metrics  *metrics.Metrics
	logger   log.Logger
}

// NewOrderService creates the service.
func NewOrderService(store OrderStore, workflow Workflow, cfg *config.Config, m *metrics.Metrics, logger log.Logger) *OrderService {
	return &OrderService{store: store, workflow: workflow, cfg: cfg, metrics: m, logger: logger}
}

// CreateOrder validates a submitted order, computes its hash, persists it and
// hands it to the coordinator. Returns the order hash.
func (s *OrderService) CreateOrder(ctx context.Context, req *types.OrderRequest) (string, error) {
	if err := s.validateOrderRequest(req); err != nil {
		return "", err
	}

	orderHash, err := adapters.OrderHash(&req.Order, s.cfg.Ethereum.ChainID, s.cfg.Ethereum.LimitOrderProtocolAddress)
	if err != nil {
		return "", swaperr.Wrap(swaperr.KindInternal, err, "order hashing failed")
	}
	signer, err := adapters.RecoverSigner(orderHash, req.Signature)
	if err != nil {
		return "", err
	}
	if signer != common.HexToAddress(req.Order.Maker) {
		return "", swaperr.New(swaperr.KindValidation,
			"signature recovers to %s, not maker %s", signer.Hex(), req.Order.Maker)
	}

	originalJSON, err := json.Marshal(req.Order)
	if err != nil {
		return "", swaperr.Wrap(swaperr.KindInternal, err, "order serialization failed")
	}

	// Timelocks count from the auction close, not from intake: the auction
	// window may be up to a day long, and the destination deadline must not
	// start burning while the order is still looking for a resolver.
	anchor := req.Auction.EndTime
	if now := uint64(time.Now().Unix()); anchor < now {
		anchor = now
	}
	order := &types.SwapOrder{
		OrderHash:       strings.ToLower(orderHash.Hex()),
		State:           types.StateNew,
		Maker:           req.Order.Maker,
		MakerDstAddress: req.MakerDstAddress,
		Receiver:        req.Order.Receiver,
		MakerAsset:      req.Order.MakerAsset,
		TakerAsset:      req.Order.TakerAsset,
		MakingAmount:    req.Order.MakingAmount,
		TakingAmount:    req.Order.TakingAmount,
		SecretHash:      strings.ToLower(strings.TrimPrefix(req.SecretHash, "0x")),
		DeadlineSrc:     anchor + s.cfg.Relayer.DefaultSrcTimeoutOffset,
		DeadlineDst:     anchor + s.cfg.Relayer.DefaultDstTimeoutOffset,
		Auction:         req.Auction,
		OriginalOrder:   originalJSON,
		Signature:       req.Signature,
		Extension:       req.Extension,
	}

	traceID := uuid.NewString()
	if err := s.store.CreateOrder(ctx, order); err != nil {
		return "", err
	}
	s.workflow.StartOrder(order)
	s.metrics.OrderCreated()
	s.logger.Info("order accepted", "order", order.OrderHash, "maker", order.Maker,
		"deadlineSrc", order.DeadlineSrc, "deadlineDst", order.DeadlineDst, "trace", traceID)
	return order.OrderHash, nil
}

func (s *OrderService) validateOrderRequest(req *types.OrderRequest) error {
	o := &req.Order
	for name, addr := range map[string]string{
		"maker":      o.Maker,
		"receiver":   o.Receiver,
		"makerAsset": o.MakerAsset,
		"takerAsset": o.TakerAsset,
	} {
		if !common.IsHexAddress(addr) {
			return swaperr.New(swaperr.KindValidation, "%s is not a valid address", name)
		}
	}
	if o.MakingAmount == nil || o.MakingAmount.Sign() <= 0 {
		return swaperr.New(swaperr.KindValidation, "makingAmount must be positive")
	}
	if o.TakingAmount == nil || o.TakingAmount.Sign() <= 0 {
		return swaperr.New(swaperr.KindValidation, "takingAmount must be positive")
	}
	if req.Signature == "" {
		return swaperr.New(swaperr.KindValidation, "signature is required")
	}
	if !suiAddressRe.MatchString(req.MakerDstAddress) {
		return swaperr.New(swaperr.KindValidation, "makerDstAddress is not a valid sui address")
	}

	hash := strings.TrimPrefix(req.SecretHash, "0x")
	if raw, err := hex.DecodeString(hash); err != nil || len(raw) != 32 {
		return swaperr.New(swaperr.KindValidation, "secretHash must be 32 bytes of hex")
	}

	return s.validateAuction(&req.Auction)
}

func (s *OrderService) validateAuction(a *types.AuctionParams) error {
	if a.StartRate == nil || a.StartRate.Sign() <= 0 {
		return swaperr.New(swaperr.KindValidation, "auction startRate must be positive")
	}
	if a.EndRate == nil || a.EndRate.Sign() <= 0 {
		return swaperr.New(swaperr.KindValidation, "auction endRate must be positive")
	}
	if a.EndTime <= a.StartTime {
		return swaperr.New(swaperr.KindValidation, "auction endTime must be after startTime")
	}

	window := time.Duration(a.EndTime-a.StartTime) * time.Second
	if window < minAuctionWindow || window > maxAuctionWindow {
		return swaperr.New(swaperr.KindValidation,
			"auction window %s outside the allowed %s to %s", window, minAuctionWindow, maxAuctionWindow)
	}
	if time.Unix(int64(a.StartTime), 0).Before(time.Now().Add(-startTimeSkew)) {
		return swaperr.New(swaperr.KindValidation, "auction startTime is in the past")
	}

	var prev uint64
	for i, p := range a.PriceCurve {
		if p.Rate == nil || p.Rate.Sign() <= 0 {
			return swaperr.New(swaperr.KindValidation, "price curve point %d has no positive rate", i)
		}
		if i > 0 && p.TimeOffset <= prev {
			return swaperr.New(swaperr.KindValidation, "price curve offsets must be strictly increasing")
		}
		if p.TimeOffset > a.EndTime-a.StartTime {
			return swaperr.New(swaperr.KindValidation, "price curve point %d is past the auction end", i)
		}
		prev = p.TimeOffset
	}
	return nil
}

// SubmitSecret routes a revealed preimage to the order's workflow.
func (s *OrderService) SubmitSecret(ctx context.Context, req *types.SecretRequest) error {
	if req.OrderHash == "" {
		return swaperr.New(swaperr.KindValidation, "orderHash is required")
	}
	if req.Secret == "" {
		return swaperr.New(swaperr.KindValidation, "secret is required")
	}
	return s.workflow.SubmitSecret(ctx, strings.ToLower(req.OrderHash), req.Secret)
}

// SubmitBid routes a resolver bid into the order's auction.
func (s *OrderService) SubmitBid(ctx context.Context, bid *types.ResolverBid) error {
	if bid.OrderHash == "" {
		return swaperr.New(swaperr.KindValidation, "orderHash is required")
	}
	if bid.ResolverID == "" {
		return swaperr.New(swaperr.KindValidation, "resolverId is required")
	}
	if bid.BidRate == nil || bid.BidRate.Sign() <= 0 {
		return swaperr.New(swaperr.KindValidation, "bidRate must be positive")
	}
	bid.OrderHash = strings.ToLower(bid.OrderHash)
	bid.ReceivedAt = time.Now()
	return s.workflow.SubmitBid(ctx, bid)
}

// GetOrder returns one order with the secret redacted until execution.
func (s *OrderService) GetOrder(ctx context.Context, orderHash string) (*types.SwapOrder, error) {
	order, err := s.store.GetByHash(ctx, strings.ToLower(orderHash))
	if err != nil {
		return nil, err
	}
	return order.Redacted(), nil
}

// GetOrderStatus returns the slim status view used for polling.
func (s *OrderService) GetOrderStatus(ctx context.Context, orderHash string) (*types.OrderStatusResponse, error) {
	order, err := s.store.GetByHash(ctx, strings.ToLower(orderHash))
	if err != nil {
		return nil, err
	}
	return &types.OrderStatusResponse{
		OrderHash: order.OrderHash,
		State:     order.State,
		CreatedAt: order.CreatedAt,
		UpdatedAt: order.UpdatedAt,
	}, nil
}

// ListActiveOrders returns every non-terminal order, secrets redacted.
func (s *OrderService) ListActiveOrders(ctx context.Context) (*types.ActiveOrdersResponse, error) {
	orders, err := s.store.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	return redactAll(orders), nil
}

// ListOrdersByMaker returns a maker's orders, secrets redacted.
func (s *OrderService) ListOrdersByMaker(ctx context.Context, maker string) (*types.ActiveOrdersResponse, error) {
	if !common.IsHexAddress(maker) {
		return nil, swaperr.New(swaperr.KindValidation, "maker is not a valid address")
	}
	orders, err := s.store.ListByMaker(ctx, maker)
	if err != nil {
		return nil, err
	}
	return redactAll(orders), nil
}

func redactAll(orders []*types.SwapOrder) *types.ActiveOrdersResponse {
	out := make([]*types.SwapOrder, len(orders))
	for i, o := range orders {
		out[i] = o.Redacted()
	}
	return &types.ActiveOrdersResponse{Orders: out, Count: len(out)}
}
