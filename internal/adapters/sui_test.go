package adapters

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unite-defi/fusion-relayer/internal/config"
	"github.com/unite-defi/fusion-relayer/internal/types"
)

// fakeSuiNode answers the JSON-RPC methods the adapter's lock path uses and
// counts how often each was called.
type fakeSuiNode struct {
	mu      sync.Mutex
	calls   map[string]int
	events  []map[string]interface{} // suix_queryEvents page data
	created string                   // object id reported by execute
}

func (n *fakeSuiNode) count(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[method]
}

func (n *fakeSuiNode) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     int64         `json:"id"`
			Method string        `json:"method"`
			Params []interface{} `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		n.mu.Lock()
		if n.calls == nil {
			n.calls = make(map[string]int)
		}
		n.calls[req.Method]++
		n.mu.Unlock()

		var result interface{}
		switch req.Method {
		case "suix_queryEvents":
			result = map[string]interface{}{
				"data":        n.events,
				"nextCursor":  nil,
				"hasNextPage": false,
			}
		case "unsafe_moveCall":
			result = map[string]string{
				"txBytes": base64.StdEncoding.EncodeToString([]byte("tx-bytes")),
			}
		case "sui_executeTransactionBlock":
			result = map[string]interface{}{
				"digest":     "fresh-lock-digest",
				"checkpoint": "5",
				"effects": map[string]interface{}{
					"status": map[string]string{"status": "success"},
					"created": []map[string]interface{}{
						{"reference": map[string]string{"objectId": n.created}},
					},
				},
			}
		default:
			http.Error(w, "unexpected method "+req.Method, http.StatusBadRequest)
			return
		}

		json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  result,
		})
	}
}

func newTestSuiAdapter(t *testing.T, node *fakeSuiNode) *SuiAdapter {
	t.Helper()
	srv := httptest.NewServer(node.handler())
	t.Cleanup(srv.Close)

	a, err := NewSuiAdapter(config.Sui{
		RPCUrl:         srv.URL,
		PrivateKey:     strings.Repeat("ab", 32),
		NetworkID:      2,
		GasBudget:      10_000_000,
		PackageID:      "0xpkg",
		CheckpointTime: time.Second,
		RPCTimeout:     2 * time.Second,
	}, RetryPolicy{MaxAttempts: 1, MaxInterval: time.Millisecond}, nil, nil, log.Root())
	require.NoError(t, err)
	return a
}

func suiLockOrder() *types.SwapOrder {
	return &types.SwapOrder{
		ID:              1,
		OrderHash:       "0xabc123",
		SecretHash:      "beef",
		MakerDstAddress: "0x" + strings.Repeat("1", 64),
		TakingAmount:    big.NewInt(990_000),
		DeadlineDst:     uint64(time.Now().Unix()) + 180,
	}
}

func TestSuiLockReusesEscrowFoundOnChain(t *testing.T) {
	// A crash after the Move tx executed but before the escrow id was
	// persisted leaves the order with no DstEscrowID; the replayed lock must
	// find the existing escrow instead of funding a second one.
	node := &fakeSuiNode{
		events: []map[string]interface{}{
			{
				"id":   map[string]string{"txDigest": "prior-lock-digest", "eventSeq": "0"},
				"type": "0xpkg::escrow::EscrowCreated",
				"parsedJson": map[string]string{
					"order_hash": "abc123",
					"escrow_id":  "0xexisting-escrow",
				},
			},
		},
	}
	a := newTestSuiAdapter(t, node)

	receipt, err := a.Lock(context.Background(), suiLockOrder())
	require.NoError(t, err)
	assert.Equal(t, "prior-lock-digest", receipt.TxHash)
	assert.Equal(t, "0xexisting-escrow", receipt.EscrowRef)
	assert.Zero(t, node.count("unsafe_moveCall"), "no new escrow must be created")
}

func TestSuiLockCreatesEscrowWhenNoneExists(t *testing.T) {
	node := &fakeSuiNode{created: "0xnew-escrow"}
	a := newTestSuiAdapter(t, node)

	receipt, err := a.Lock(context.Background(), suiLockOrder())
	require.NoError(t, err)
	assert.Equal(t, "fresh-lock-digest", receipt.TxHash)
	assert.Equal(t, "0xnew-escrow", receipt.EscrowRef)
	assert.Equal(t, 1, node.count("suix_queryEvents"), "pre-submit idempotency scan")
	assert.Equal(t, 1, node.count("sui_executeTransactionBlock"))
}
