package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unite-defi/fusion-relayer/internal/adapters"
	"github.com/unite-defi/fusion-relayer/internal/config"
	"github.com/unite-defi/fusion-relayer/internal/service"
	"github.com/unite-defi/fusion-relayer/internal/swaperr"
	"github.com/unite-defi/fusion-relayer/internal/types"
)

type stubStore struct {
	orders map[string]*types.SwapOrder
}

func (s *stubStore) CreateOrder(_ context.Context, o *types.SwapOrder) error {
	if _, ok := s.orders[o.OrderHash]; ok {
		return swaperr.New(swaperr.KindDuplicateOrder, "order exists")
	}
	s.orders[o.OrderHash] = o
	return nil
}

func (s *stubStore) GetByHash(_ context.Context, hash string) (*types.SwapOrder, error) {
	if o, ok := s.orders[hash]; ok {
		return o, nil
	}
	return nil, swaperr.New(swaperr.KindValidation, "order not found")
}

func (s *stubStore) ListActive(context.Context) ([]*types.SwapOrder, error) {
	var out []*types.SwapOrder
	for _, o := range s.orders {
		out = append(out, o)
	}
	return out, nil
}

func (s *stubStore) ListByMaker(_ context.Context, maker string) ([]*types.SwapOrder, error) {
	return nil, nil
}

type stubWorkflow struct {
	bidErr    error
	secretErr error
}

func (w *stubWorkflow) StartOrder(*types.SwapOrder) {}
func (w *stubWorkflow) SubmitBid(context.Context, *types.ResolverBid) error {
	return w.bidErr
}
func (w *stubWorkflow) SubmitSecret(context.Context, string, string) error {
	return w.secretErr
}

func bigInt(v int64) *big.Int { return big.NewInt(v) }

func newTestServer(store *stubStore, wf *stubWorkflow) http.Handler {
	cfg := &config.Config{
		Ethereum: config.Ethereum{
			ChainID:                   31337,
			LimitOrderProtocolAddress: "0x111111125421cA6dc452d289314280a0f8842A65",
		},
		Relayer: config.Relayer{DefaultSrcTimeoutOffset: 420, DefaultDstTimeoutOffset: 180},
	}
	svc := service.NewOrderService(store, wf, cfg, nil, log.Root())
	s := NewServer(svc, config.API{Host: "localhost", Port: 0}, prometheus.NewRegistry(), log.Root())
	return s.server.Handler
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	h := newTestServer(&stubStore{orders: map[string]*types.SwapOrder{}}, &stubWorkflow{})
	rec := doJSON(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestCreateOrderRejectsBadJSON(t *testing.T) {
	h := newTestServer(&stubStore{orders: map[string]*types.SwapOrder{}}, &stubWorkflow{})
	req := httptest.NewRequest(http.MethodPost, "/api/orders", bytes.NewBufferString("{nope"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateOrderRejectsInvalidRequest(t *testing.T) {
	h := newTestServer(&stubStore{orders: map[string]*types.SwapOrder{}}, &stubWorkflow{})
	rec := doJSON(t, h, http.MethodPost, "/api/orders", &types.OrderRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "error")
}

func TestCreateOrderReturnsHashAndState(t *testing.T) {
	h := newTestServer(&stubStore{orders: map[string]*types.SwapOrder{}}, &stubWorkflow{})

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	maker := crypto.PubkeyToAddress(key.PublicKey)
	order := types.LimitOrder{
		Salt:         bigInt(7),
		Maker:        maker.Hex(),
		Receiver:     "0x0000000000000000000000000000000000000000",
		MakerAsset:   "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		TakerAsset:   "0xdAC17F958D2ee523a2206206994597C13D831ec7",
		MakingAmount: bigInt(1_000_000),
		TakingAmount: bigInt(990_000),
		MakerTraits:  bigInt(0),
	}
	digest, err := adapters.OrderHash(&order, 31337, "0x111111125421cA6dc452d289314280a0f8842A65")
	require.NoError(t, err)
	sig, err := crypto.Sign(digest.Bytes(), key)
	require.NoError(t, err)
	secretSum := sha256.Sum256([]byte("preimage"))
	now := uint64(time.Now().Unix())

	rec := doJSON(t, h, http.MethodPost, "/api/orders", &types.OrderRequest{
		Order:           order,
		Signature:       hex.EncodeToString(sig),
		MakerDstAddress: "0x" + strings.Repeat("ab", 32),
		SecretHash:      hex.EncodeToString(secretSum[:]),
		Auction: types.AuctionParams{
			StartTime: now,
			EndTime:   now + 300,
			StartRate: bigInt(1000),
			EndRate:   bigInt(900),
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, strings.ToLower(digest.Hex()), created["orderHash"])
	assert.Equal(t, string(types.StateNew), created["state"])
}

func TestGetOrderAndStatus(t *testing.T) {
	store := &stubStore{orders: map[string]*types.SwapOrder{
		"0xdeadbeef": {
			OrderHash: "0xdeadbeef",
			State:     types.StateReadyForSecret,
			Secret:    "hidden",
		},
	}}
	h := newTestServer(store, &stubWorkflow{})

	rec := doJSON(t, h, http.MethodGet, "/api/orders/0xDEADBEEF", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var order types.SwapOrder
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &order))
	assert.Empty(t, order.Secret, "secret must be redacted")

	rec = doJSON(t, h, http.MethodGet, "/api/orders/0xdeadbeef/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status types.OrderStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, types.StateReadyForSecret, status.State)

	rec = doJSON(t, h, http.MethodGet, "/api/orders/0xmissing", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitBidStatusMapping(t *testing.T) {
	wf := &stubWorkflow{}
	h := newTestServer(&stubStore{orders: map[string]*types.SwapOrder{}}, wf)

	bid := &types.ResolverBid{OrderHash: "0xabc", ResolverID: "r", BidRate: bigInt(1000)}
	rec := doJSON(t, h, http.MethodPost, "/api/bids", bid)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"accepted":true`)

	wf.bidErr = swaperr.New(swaperr.KindValidation, "bid does not meet the current rate")
	rec = doJSON(t, h, http.MethodPost, "/api/bids", bid)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	wf.bidErr = swaperr.New(swaperr.KindTransientChain, "node down")
	rec = doJSON(t, h, http.MethodPost, "/api/bids", bid)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "node down", "internal detail must not leak")
}

func TestSubmitSecretStatusMapping(t *testing.T) {
	wf := &stubWorkflow{}
	h := newTestServer(&stubStore{orders: map[string]*types.SwapOrder{}}, wf)

	rec := doJSON(t, h, http.MethodPost, "/api/secret", &types.SecretRequest{OrderHash: "0xABC", Secret: "s"})
	assert.Equal(t, http.StatusOK, rec.Code)
	var accepted map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))
	assert.Equal(t, "0xabc", accepted["orderHash"])
	assert.Equal(t, string(types.StateSecretReceived), accepted["state"])

	wf.secretErr = swaperr.New(swaperr.KindSecretMismatch, "preimage does not hash to stored secret hash")
	rec = doJSON(t, h, http.MethodPost, "/api/secret", &types.SecretRequest{OrderHash: "0xabc", Secret: "bad"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	h := newTestServer(&stubStore{orders: map[string]*types.SwapOrder{}}, &stubWorkflow{})
	req := httptest.NewRequest(http.MethodOptions, "/api/orders", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestServer(&stubStore{orders: map[string]*types.SwapOrder{}}, &stubWorkflow{})
	rec := doJSON(t, h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
