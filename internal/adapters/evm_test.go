package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unite-defi/fusion-relayer/internal/config"
)

// fakeEthNode serves eth_blockNumber from a scripted sequence of heads,
// repeating the last one once exhausted.
type fakeEthNode struct {
	mu    sync.Mutex
	heads []uint64
	calls int
}

func (n *fakeEthNode) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     int64  `json:"id"`
			Method string `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Method != "eth_blockNumber" {
			http.Error(w, "unexpected method "+req.Method, http.StatusBadRequest)
			return
		}

		n.mu.Lock()
		i := n.calls
		if i >= len(n.heads) {
			i = len(n.heads) - 1
		}
		head := n.heads[i]
		n.calls++
		n.mu.Unlock()

		json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  fmt.Sprintf("0x%x", head),
		})
	}
}

func newTestEVMAdapter(t *testing.T, node *fakeEthNode) *EVMAdapter {
	t.Helper()
	srv := httptest.NewServer(node.handler())
	t.Cleanup(srv.Close)

	a, err := NewEVMAdapter(config.Ethereum{
		HTTPUrl:       srv.URL,
		PrivateKey:    strings.Repeat("ab", 32),
		ChainID:       1,
		BlockTime:     2 * time.Second,
		FinalityDepth: 2,
		RPCTimeout:    2 * time.Second,
	}, RetryPolicy{MaxAttempts: 1, MaxInterval: time.Millisecond}, nil, nil, log.Root())
	require.NoError(t, err)

	client, err := ethclient.Dial(srv.URL)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	a.client = client
	return a
}

func TestWaitFinalizedReturnsOnceDeepEnough(t *testing.T) {
	// The fill mined in block 10; the head starts too shallow and must reach
	// 12 before the lock is considered durable.
	node := &fakeEthNode{heads: []uint64{10, 12}}
	a := newTestEVMAdapter(t, node)

	require.NoError(t, a.waitFinalized(context.Background(), 10))
	node.mu.Lock()
	assert.GreaterOrEqual(t, node.calls, 2, "must poll until the head advanced")
	node.mu.Unlock()
}

func TestWaitFinalizedImmediateWhenAlreadyDeep(t *testing.T) {
	node := &fakeEthNode{heads: []uint64{20}}
	a := newTestEVMAdapter(t, node)

	require.NoError(t, a.waitFinalized(context.Background(), 10))
	node.mu.Lock()
	assert.Equal(t, 1, node.calls)
	node.mu.Unlock()
}

func TestWaitFinalizedHonorsContext(t *testing.T) {
	node := &fakeEthNode{heads: []uint64{10}}
	a := newTestEVMAdapter(t, node)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := a.waitFinalized(ctx, 10)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
