package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unite-defi/fusion-relayer/internal/adapters"
	"github.com/unite-defi/fusion-relayer/internal/config"
	"github.com/unite-defi/fusion-relayer/internal/swaperr"
	"github.com/unite-defi/fusion-relayer/internal/types"
)

type memStore struct {
	mu     sync.Mutex
	orders map[string]*types.SwapOrder
}

func (s *memStore) CreateOrder(_ context.Context, o *types.SwapOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.OrderHash]; ok {
		return swaperr.New(swaperr.KindDuplicateOrder, "order %s already exists", o.OrderHash)
	}
	o.ID = int64(len(s.orders) + 1)
	o.CreatedAt = time.Now()
	o.UpdatedAt = o.CreatedAt
	s.orders[o.OrderHash] = o
	return nil
}

func (s *memStore) GetByHash(_ context.Context, hash string) (*types.SwapOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orders[hash]; ok {
		return o, nil
	}
	return nil, swaperr.New(swaperr.KindValidation, "order not found")
}

func (s *memStore) ListActive(_ context.Context) ([]*types.SwapOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.SwapOrder
	for _, o := range s.orders {
		if !o.State.IsTerminal() {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *memStore) ListByMaker(_ context.Context, maker string) ([]*types.SwapOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.SwapOrder
	for _, o := range s.orders {
		if o.Maker == maker {
			out = append(out, o)
		}
	}
	return out, nil
}

type fakeWorkflow struct {
	mu      sync.Mutex
	started []string
	bids    []*types.ResolverBid
	secrets map[string]string
}

func (w *fakeWorkflow) StartOrder(o *types.SwapOrder) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.started = append(w.started, o.OrderHash)
}

func (w *fakeWorkflow) SubmitBid(_ context.Context, bid *types.ResolverBid) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.bids = append(w.bids, bid)
	return nil
}

func (w *fakeWorkflow) SubmitSecret(_ context.Context, hash, secret string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.secrets == nil {
		w.secrets = make(map[string]string)
	}
	w.secrets[hash] = secret
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		Ethereum: config.Ethereum{
			ChainID:                   31337,
			LimitOrderProtocolAddress: "0x111111125421cA6dc452d289314280a0f8842A65",
		},
		Relayer: config.Relayer{
			DefaultSrcTimeoutOffset: 420,
			DefaultDstTimeoutOffset: 180,
		},
	}
}

func newService() (*OrderService, *memStore, *fakeWorkflow) {
	store := &memStore{orders: make(map[string]*types.SwapOrder)}
	wf := &fakeWorkflow{}
	return NewOrderService(store, wf, testConfig(), nil, log.Root()), store, wf
}

// signedRequest builds a fully valid order request signed by a fresh key.
func signedRequest(t *testing.T, cfg *config.Config) (*types.OrderRequest, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	maker := crypto.PubkeyToAddress(key.PublicKey)

	order := types.LimitOrder{
		Salt:         big.NewInt(7),
		Maker:        maker.Hex(),
		Receiver:     "0x0000000000000000000000000000000000000000",
		MakerAsset:   "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		TakerAsset:   "0xdAC17F958D2ee523a2206206994597C13D831ec7",
		MakingAmount: big.NewInt(1_000_000),
		TakingAmount: big.NewInt(990_000),
		MakerTraits:  big.NewInt(0),
	}
	digest, err := adapters.OrderHash(&order, cfg.Ethereum.ChainID, cfg.Ethereum.LimitOrderProtocolAddress)
	require.NoError(t, err)
	sig, err := crypto.Sign(digest.Bytes(), key)
	require.NoError(t, err)

	secretSum := sha256.Sum256([]byte("preimage"))
	now := uint64(time.Now().Unix())
	return &types.OrderRequest{
		Order:           order,
		Signature:       hex.EncodeToString(sig),
		MakerDstAddress: "0x" + strings.Repeat("ab", 32),
		SecretHash:      hex.EncodeToString(secretSum[:]),
		Auction: types.AuctionParams{
			StartTime: now,
			EndTime:   now + 300,
			StartRate: big.NewInt(1000),
			EndRate:   big.NewInt(900),
		},
	}, maker.Hex()
}

func TestCreateOrderHappyPath(t *testing.T) {
	svc, store, wf := newService()
	req, maker := signedRequest(t, testConfig())

	hash, err := svc.CreateOrder(context.Background(), req)
	require.NoError(t, err)
	assert.NotEmpty(t, hash)

	stored, err := store.GetByHash(context.Background(), hash)
	require.NoError(t, err)
	assert.Equal(t, types.StateNew, stored.State)
	assert.Equal(t, maker, stored.Maker)
	assert.Equal(t, stored.DeadlineDst+240, stored.DeadlineSrc)

	wf.mu.Lock()
	assert.Equal(t, []string{hash}, wf.started)
	wf.mu.Unlock()
}

func TestDeadlinesAnchoredAtAuctionClose(t *testing.T) {
	svc, store, _ := newService()
	req, _ := signedRequest(t, testConfig())
	now := uint64(time.Now().Unix())
	req.Auction.StartTime = now + 60
	req.Auction.EndTime = now + 360

	hash, err := svc.CreateOrder(context.Background(), req)
	require.NoError(t, err)
	stored, err := store.GetByHash(context.Background(), hash)
	require.NoError(t, err)

	// A five-minute auction must not eat into the timelocks: the offsets
	// count from the auction close, so a bid accepted at the last moment
	// still gets the full destination window.
	assert.Greater(t, stored.DeadlineDst, req.Auction.EndTime)
	assert.Equal(t, req.Auction.EndTime+180, stored.DeadlineDst)
	assert.Equal(t, req.Auction.EndTime+420, stored.DeadlineSrc)
}

func TestCreateOrderRejectsForeignSignature(t *testing.T) {
	svc, _, _ := newService()
	req, _ := signedRequest(t, testConfig())

	// Re-sign with a different key: recovery no longer matches the maker.
	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	digest, err := adapters.OrderHash(&req.Order, 31337, "0x111111125421cA6dc452d289314280a0f8842A65")
	require.NoError(t, err)
	sig, err := crypto.Sign(digest.Bytes(), other)
	require.NoError(t, err)
	req.Signature = hex.EncodeToString(sig)

	_, err = svc.CreateOrder(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, swaperr.KindValidation, swaperr.KindOf(err))
}

func TestCreateOrderValidation(t *testing.T) {
	svc, _, _ := newService()

	mutations := map[string]func(*types.OrderRequest){
		"bad maker address":   func(r *types.OrderRequest) { r.Order.Maker = "nope" },
		"zero making amount":  func(r *types.OrderRequest) { r.Order.MakingAmount = big.NewInt(0) },
		"negative taking":     func(r *types.OrderRequest) { r.Order.TakingAmount = big.NewInt(-1) },
		"missing signature":   func(r *types.OrderRequest) { r.Signature = "" },
		"bad dst address":     func(r *types.OrderRequest) { r.MakerDstAddress = "0x1234" },
		"short secret hash":   func(r *types.OrderRequest) { r.SecretHash = "abcd" },
		"window too short":    func(r *types.OrderRequest) { r.Auction.EndTime = r.Auction.StartTime + 30 },
		"window too long":     func(r *types.OrderRequest) { r.Auction.EndTime = r.Auction.StartTime + 90000 },
		"start in the past":   func(r *types.OrderRequest) { r.Auction.StartTime -= 3600; r.Auction.EndTime -= 3600 },
		"zero start rate":     func(r *types.OrderRequest) { r.Auction.StartRate = big.NewInt(0) },
		"inverted window":     func(r *types.OrderRequest) { r.Auction.EndTime = r.Auction.StartTime },
		"unsorted curve":      func(r *types.OrderRequest) {
			r.Auction.PriceCurve = []types.PriceCurvePoint{
				{TimeOffset: 100, Rate: big.NewInt(950)},
				{TimeOffset: 50, Rate: big.NewInt(975)},
			}
		},
		"curve past the end": func(r *types.OrderRequest) {
			r.Auction.PriceCurve = []types.PriceCurvePoint{
				{TimeOffset: 10_000, Rate: big.NewInt(950)},
			}
		},
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			req, _ := signedRequest(t, testConfig())
			mutate(req)
			_, err := svc.CreateOrder(context.Background(), req)
			require.Error(t, err)
			assert.Equal(t, swaperr.KindValidation, swaperr.KindOf(err))
		})
	}
}

func TestCreateOrderRejectsDuplicate(t *testing.T) {
	svc, _, _ := newService()
	req, _ := signedRequest(t, testConfig())

	_, err := svc.CreateOrder(context.Background(), req)
	require.NoError(t, err)

	_, err = svc.CreateOrder(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, swaperr.KindDuplicateOrder, swaperr.KindOf(err))
}

func TestSubmitSecretAndBidValidation(t *testing.T) {
	svc, _, wf := newService()

	err := svc.SubmitSecret(context.Background(), &types.SecretRequest{OrderHash: "", Secret: "s"})
	assert.Equal(t, swaperr.KindValidation, swaperr.KindOf(err))

	err = svc.SubmitSecret(context.Background(), &types.SecretRequest{OrderHash: "0xABC", Secret: "s"})
	require.NoError(t, err)
	wf.mu.Lock()
	assert.Equal(t, "s", wf.secrets["0xabc"], "hash is normalized to lower case")
	wf.mu.Unlock()

	err = svc.SubmitBid(context.Background(), &types.ResolverBid{OrderHash: "0xabc", ResolverID: ""})
	assert.Equal(t, swaperr.KindValidation, swaperr.KindOf(err))

	err = svc.SubmitBid(context.Background(), &types.ResolverBid{
		OrderHash: "0xABC", ResolverID: "r", BidRate: big.NewInt(10),
	})
	require.NoError(t, err)
	wf.mu.Lock()
	require.Len(t, wf.bids, 1)
	assert.Equal(t, "0xabc", wf.bids[0].OrderHash)
	assert.False(t, wf.bids[0].ReceivedAt.IsZero())
	wf.mu.Unlock()
}

func TestGetOrderRedactsSecret(t *testing.T) {
	svc, store, _ := newService()
	req, _ := signedRequest(t, testConfig())
	hash, err := svc.CreateOrder(context.Background(), req)
	require.NoError(t, err)

	store.mu.Lock()
	store.orders[hash].Secret = "preimage"
	store.orders[hash].State = types.StateReadyForSecret
	store.mu.Unlock()

	got, err := svc.GetOrder(context.Background(), hash)
	require.NoError(t, err)
	assert.Empty(t, got.Secret, "secret must be hidden before execution")

	store.mu.Lock()
	store.orders[hash].State = types.StateExecuted
	store.mu.Unlock()
	got, err = svc.GetOrder(context.Background(), hash)
	require.NoError(t, err)
	assert.Equal(t, "preimage", got.Secret)
}
