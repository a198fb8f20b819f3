package types

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"
)

// LimitOrder represents a 1inch limit order as signed by the maker.
type LimitOrder struct {
	Salt         *big.Int `json:"salt"`
	Maker        string   `json:"maker"`
	Receiver     string   `json:"receiver"`
	MakerAsset   string   `json:"makerAsset"`
	TakerAsset   string   `json:"takerAsset"`
	MakingAmount *big.Int `json:"makingAmount"`
	TakingAmount *big.Int `json:"takingAmount"`
	MakerTraits  *big.Int `json:"makerTraits"`
}

// AuctionParams describes the Dutch auction attached to an order. Rates move
// from StartRate at StartTime to EndRate at EndTime; an optional piecewise
// curve overrides the single linear segment.
type AuctionParams struct {
	StartTime  uint64            `json:"startTime"`
	EndTime    uint64            `json:"endTime"`
	StartRate  *big.Int          `json:"startRate"`
	EndRate    *big.Int          `json:"endRate"`
	PriceCurve []PriceCurvePoint `json:"priceCurve,omitempty"`
}

// PriceCurvePoint is a single point on a piecewise auction curve. TimeOffset
// is seconds from auction start.
type PriceCurvePoint struct {
	TimeOffset uint64   `json:"timeOffset"`
	Rate       *big.Int `json:"rate"`
}

// OrderRequest is the order-intake payload from the HTTP boundary.
type OrderRequest struct {
	Order           LimitOrder    `json:"order"`
	Signature       string        `json:"signature"`
	MakerDstAddress string        `json:"makerDstAddress"`
	SecretHash      string        `json:"secretHash"`
	Auction         AuctionParams `json:"auction"`
	Extension       string        `json:"extension,omitempty"`
}

// SecretRequest is the secret-reveal payload from the HTTP boundary.
type SecretRequest struct {
	OrderHash string `json:"orderHash"`
	Secret    string `json:"secret"`
}

// ResolverBid is a resolver's bid against a running auction.
type ResolverBid struct {
	OrderHash  string    `json:"orderHash"`
	ResolverID string    `json:"resolverId"`
	BidRate    *big.Int  `json:"bidRate"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// SwapOrder is the durable record of one cross-chain swap.
type SwapOrder struct {
	ID              int64     `json:"id"`
	OrderHash       string    `json:"orderHash"`
	State           SwapState `json:"state"`
	Maker           string    `json:"maker"`
	MakerDstAddress string    `json:"makerDstAddress"`
	Receiver        string    `json:"receiver"`
	MakerAsset      string    `json:"makerAsset"`
	TakerAsset      string    `json:"takerAsset"`
	MakingAmount    *big.Int  `json:"makingAmount"`
	TakingAmount    *big.Int  `json:"takingAmount"`

	SecretHash string `json:"secretHash"`
	Secret     string `json:"secret,omitempty"`

	DeadlineSrc uint64 `json:"deadlineSrc"`
	DeadlineDst uint64 `json:"deadlineDst"`

	SrcEscrowAddress string `json:"srcEscrowAddress,omitempty"`
	SrcLockTxHash    string `json:"srcLockTxHash,omitempty"`
	SrcWithdrawTx    string `json:"srcWithdrawTxHash,omitempty"`
	SrcCancelTx      string `json:"srcCancelTxHash,omitempty"`
	DstEscrowID      string `json:"dstEscrowId,omitempty"`
	DstLockTxHash    string `json:"dstLockTxHash,omitempty"`
	DstWithdrawTx    string `json:"dstWithdrawTxHash,omitempty"`
	DstCancelTx      string `json:"dstCancelTxHash,omitempty"`

	Auction     AuctionParams `json:"auction"`
	Resolver    string        `json:"resolver,omitempty"`
	WinningRate *big.Int      `json:"winningRate,omitempty"`

	OriginalOrder json.RawMessage `json:"originalOrder"`
	Signature     string          `json:"signature"`
	Extension     string          `json:"extension,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	ErrorMessage  string          `json:"errorMessage,omitempty"`
}

// Redacted returns a copy safe for the query surface: the secret is stripped
// until the order has executed.
func (o *SwapOrder) Redacted() *SwapOrder {
	if o.State == StateExecuted {
		return o
	}
	cp := *o
	cp.Secret = ""
	return &cp
}

// TimeoutKind identifies which leg's deadline a timeout event refers to.
type TimeoutKind string

const (
	SrcTimeout TimeoutKind = "SRC_TIMEOUT"
	DstTimeout TimeoutKind = "DST_TIMEOUT"
)

// TimeoutEvent is a durable deadline. Events survive restarts so that no
// armed refund is ever lost.
type TimeoutEvent struct {
	ID          int64       `json:"id"`
	OrderID     int64       `json:"orderId"`
	OrderHash   string      `json:"orderHash"`
	Kind        TimeoutKind `json:"kind"`
	ScheduledAt time.Time   `json:"scheduledAt"`
	FireAt      time.Time   `json:"fireAt"`
	ExecutedAt  *time.Time  `json:"executedAt,omitempty"`
	Note        string      `json:"note,omitempty"`
}

// OrderStatusResponse is the slim response for status polling.
type OrderStatusResponse struct {
	OrderHash string    `json:"orderHash"`
	State     SwapState `json:"state"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ActiveOrdersResponse wraps order listings.
type ActiveOrdersResponse struct {
	Orders []*SwapOrder `json:"orders"`
	Count  int          `json:"count"`
}

// ParseBigInt parses a base-10 string into a big.Int. The empty string is
// treated as zero, matching how nullable numeric columns round-trip.
func ParseBigInt(s string) (*big.Int, error) {
	if s == "" {
		return big.NewInt(0), nil
	}
	result, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	return result, nil
}

// BigIntString renders a possibly-nil big.Int for storage.
func BigIntString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}
