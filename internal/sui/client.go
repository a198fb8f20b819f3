// Package sui is a minimal JSON-RPC client for Sui fullnodes covering the
// surface the relayer needs: building and executing Move calls, querying
// package events with cursors, and reading checkpoint height.
package sui

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"

	"golang.org/x/crypto/blake2b"
)

const (
	// ed25519 scheme flag, prefixed to serialized signatures and hashed
	// into addresses.
	ed25519Flag byte = 0x00
)

// intentTransactionData is the intent prefix for signing transaction data:
// scope TransactionData, version V0, app Sui.
var intentTransactionData = []byte{0x00, 0x00, 0x00}

// Client speaks JSON-RPC 2.0 to a single fullnode.
type Client struct {
	url    string
	http   *http.Client
	nextID atomic.Int64
}

// NewClient creates a client for the given fullnode URL.
func NewClient(url string) *Client {
	return &Client{url: url, http: &http.Client{}}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

// RPCError is a JSON-RPC error object returned by the node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("sui rpc error %d: %s", e.Code, e.Message)
}

// Call invokes a raw JSON-RPC method and unmarshals the result into out.
func (c *Client) Call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	if params == nil {
		params = []interface{}{}
	}
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("failed to encode rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sui rpc http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return fmt.Errorf("undecodable rpc response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out != nil {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("undecodable rpc result for %s: %w", method, err)
		}
	}
	return nil
}

// Signer holds an ed25519 key and the Sui address derived from it.
type Signer struct {
	priv    ed25519.PrivateKey
	pub     ed25519.PublicKey
	address string
}

// NewSigner parses an ed25519 seed given as hex (with or without 0x) or
// base64. The address is blake2b-256 over the scheme flag and public key.
func NewSigner(key string) (*Signer, error) {
	seed, err := decodeKey(key)
	if err != nil {
		return nil, err
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("sui key must be a %d-byte ed25519 seed, got %d bytes", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)

	h, err := blake2b.New256(nil)
	if err != nil {
		return nil, err
	}
	h.Write([]byte{ed25519Flag})
	h.Write(pub)

	return &Signer{
		priv:    priv,
		pub:     pub,
		address: "0x" + hex.EncodeToString(h.Sum(nil)),
	}, nil
}

func decodeKey(key string) ([]byte, error) {
	trimmed := strings.TrimPrefix(key, "0x")
	if raw, err := hex.DecodeString(trimmed); err == nil {
		return raw, nil
	}
	if raw, err := base64.StdEncoding.DecodeString(key); err == nil {
		// suiprivkey exports prepend the scheme flag.
		if len(raw) == ed25519.SeedSize+1 && raw[0] == ed25519Flag {
			return raw[1:], nil
		}
		return raw, nil
	}
	return nil, fmt.Errorf("sui key is neither hex nor base64")
}

// Address returns the 0x-prefixed Sui address.
func (s *Signer) Address() string { return s.address }

// SignTransaction produces the serialized signature for base64 transaction
// bytes: ed25519 over blake2b-256 of the intent-prefixed BCS bytes, wrapped
// as flag || signature || pubkey.
func (s *Signer) SignTransaction(txBytesB64 string) (string, error) {
	txBytes, err := base64.StdEncoding.DecodeString(txBytesB64)
	if err != nil {
		return "", fmt.Errorf("transaction bytes are not base64: %w", err)
	}

	msg := make([]byte, 0, len(intentTransactionData)+len(txBytes))
	msg = append(msg, intentTransactionData...)
	msg = append(msg, txBytes...)
	digest := blake2b.Sum256(msg)

	sig := ed25519.Sign(s.priv, digest[:])

	serialized := make([]byte, 0, 1+len(sig)+len(s.pub))
	serialized = append(serialized, ed25519Flag)
	serialized = append(serialized, sig...)
	serialized = append(serialized, s.pub...)
	return base64.StdEncoding.EncodeToString(serialized), nil
}

// ObjectRef identifies a created or mutated object.
type ObjectRef struct {
	ObjectID string `json:"objectId"`
	Version  any    `json:"version"`
	Digest   string `json:"digest"`
}

// OwnedObjectRef pairs an object reference with its owner.
type OwnedObjectRef struct {
	Owner     json.RawMessage `json:"owner"`
	Reference ObjectRef       `json:"reference"`
}

// ExecutionStatus is the effects-level outcome of a transaction.
type ExecutionStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// TransactionEffects is the subset of effects the relayer reads.
type TransactionEffects struct {
	Status  ExecutionStatus  `json:"status"`
	Created []OwnedObjectRef `json:"created,omitempty"`
	GasUsed struct {
		ComputationCost string `json:"computationCost"`
		StorageCost     string `json:"storageCost"`
		StorageRebate   string `json:"storageRebate"`
	} `json:"gasUsed"`
}

// TransactionResponse is the execution result of a transaction block.
type TransactionResponse struct {
	Digest     string              `json:"digest"`
	Effects    *TransactionEffects `json:"effects,omitempty"`
	Checkpoint string              `json:"checkpoint,omitempty"`
}

// Succeeded reports whether the transaction executed without aborting.
func (r *TransactionResponse) Succeeded() bool {
	return r.Effects != nil && r.Effects.Status.Status == "success"
}

// transactionBlockBytes is the result of unsafe_moveCall.
type transactionBlockBytes struct {
	TxBytes string `json:"txBytes"`
}

// MoveCallRequest describes one Move entry function invocation.
type MoveCallRequest struct {
	PackageID string
	Module    string
	Function  string
	TypeArgs  []string
	Args      []interface{}
	GasBudget uint64
}

// MoveCall builds, signs and executes a Move call, waiting for effects.
func (c *Client) MoveCall(ctx context.Context, signer *Signer, req MoveCallRequest) (*TransactionResponse, error) {
	typeArgs := req.TypeArgs
	if typeArgs == nil {
		typeArgs = []string{}
	}
	args := req.Args
	if args == nil {
		args = []interface{}{}
	}

	var built transactionBlockBytes
	err := c.Call(ctx, "unsafe_moveCall", []interface{}{
		signer.Address(),
		req.PackageID,
		req.Module,
		req.Function,
		typeArgs,
		args,
		nil, // gas object, node picks one
		fmt.Sprintf("%d", req.GasBudget),
	}, &built)
	if err != nil {
		return nil, err
	}

	sig, err := signer.SignTransaction(built.TxBytes)
	if err != nil {
		return nil, err
	}

	var resp TransactionResponse
	err = c.Call(ctx, "sui_executeTransactionBlock", []interface{}{
		built.TxBytes,
		[]string{sig},
		map[string]bool{"showEffects": true, "showObjectChanges": true},
		"WaitForLocalExecution",
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// EventID is the node's (tx, seq) event cursor component.
type EventID struct {
	TxDigest string `json:"txDigest"`
	EventSeq string `json:"eventSeq"`
}

// Event is one emitted Move event.
type Event struct {
	ID                EventID         `json:"id"`
	PackageID         string          `json:"packageId"`
	TransactionModule string          `json:"transactionModule"`
	Sender            string          `json:"sender"`
	Type              string          `json:"type"`
	ParsedJSON        json.RawMessage `json:"parsedJson"`
	TimestampMs       string          `json:"timestampMs,omitempty"`
}

// EventPage is one page of query results.
type EventPage struct {
	Data        []Event  `json:"data"`
	NextCursor  *EventID `json:"nextCursor"`
	HasNextPage bool     `json:"hasNextPage"`
}

// QueryModuleEvents pages through events emitted by one module of a package,
// resuming after the given cursor (nil starts from the beginning). With
// descending set, the newest events come first.
func (c *Client) QueryModuleEvents(ctx context.Context, packageID, module string, cursor *EventID, limit int, descending bool) (*EventPage, error) {
	filter := map[string]interface{}{
		"MoveModule": map[string]string{"package": packageID, "module": module},
	}
	var cursorArg interface{}
	if cursor != nil {
		cursorArg = cursor
	}

	var page EventPage
	err := c.Call(ctx, "suix_queryEvents", []interface{}{filter, cursorArg, limit, descending}, &page)
	if err != nil {
		return nil, err
	}
	return &page, nil
}

// LatestCheckpoint returns the highest executed checkpoint sequence number.
func (c *Client) LatestCheckpoint(ctx context.Context) (uint64, error) {
	var seq string
	if err := c.Call(ctx, "sui_getLatestCheckpointSequenceNumber", nil, &seq); err != nil {
		return 0, err
	}
	var n uint64
	if _, err := fmt.Sscanf(seq, "%d", &n); err != nil {
		return 0, fmt.Errorf("unparseable checkpoint %q: %w", seq, err)
	}
	return n, nil
}

// TransactionCheckpoint returns the checkpoint a transaction landed in, or
// zero if the node has not assigned one yet.
func (c *Client) TransactionCheckpoint(ctx context.Context, digest string) (uint64, error) {
	var resp TransactionResponse
	err := c.Call(ctx, "sui_getTransactionBlock", []interface{}{digest, map[string]bool{"showEffects": false}}, &resp)
	if err != nil {
		return 0, err
	}
	if resp.Checkpoint == "" {
		return 0, nil
	}
	var n uint64
	if _, err := fmt.Sscanf(resp.Checkpoint, "%d", &n); err != nil {
		return 0, fmt.Errorf("unparseable checkpoint %q: %w", resp.Checkpoint, err)
	}
	return n, nil
}
