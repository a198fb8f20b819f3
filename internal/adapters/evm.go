package adapters

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"

	"github.com/unite-defi/fusion-relayer/internal/config"
	"github.com/unite-defi/fusion-relayer/internal/swaperr"
	"github.com/unite-defi/fusion-relayer/internal/types"
)

const limitOrderProtocolABI = `[
	{"type":"function","name":"fillOrderArgs","stateMutability":"payable","inputs":[
		{"name":"order","type":"tuple","components":[
			{"name":"salt","type":"uint256"},
			{"name":"maker","type":"address"},
			{"name":"receiver","type":"address"},
			{"name":"makerAsset","type":"address"},
			{"name":"takerAsset","type":"address"},
			{"name":"makingAmount","type":"uint256"},
			{"name":"takingAmount","type":"uint256"},
			{"name":"makerTraits","type":"uint256"}]},
		{"name":"r","type":"bytes32"},
		{"name":"vs","type":"bytes32"},
		{"name":"amount","type":"uint256"},
		{"name":"takerTraits","type":"uint256"},
		{"name":"args","type":"bytes"}],
	"outputs":[
		{"name":"makingAmount","type":"uint256"},
		{"name":"takingAmount","type":"uint256"},
		{"name":"orderHash","type":"bytes32"}]}
]`

const escrowFactoryABI = `[
	{"type":"function","name":"escrows","stateMutability":"view","inputs":[
		{"name":"orderHash","type":"bytes32"}],
	"outputs":[{"name":"","type":"address"}]},
	{"type":"event","name":"SrcEscrowCreated","inputs":[
		{"name":"orderHash","type":"bytes32","indexed":true},
		{"name":"escrow","type":"address","indexed":false}]},
	{"type":"event","name":"EscrowWithdrawal","inputs":[
		{"name":"orderHash","type":"bytes32","indexed":true},
		{"name":"secret","type":"bytes","indexed":false}]},
	{"type":"event","name":"EscrowCancelled","inputs":[
		{"name":"orderHash","type":"bytes32","indexed":true}]}
]`

const escrowABI = `[
	{"type":"function","name":"withdraw","stateMutability":"nonpayable","inputs":[
		{"name":"secret","type":"bytes"}],"outputs":[]},
	{"type":"function","name":"cancel","stateMutability":"nonpayable","inputs":[],"outputs":[]}
]`

// lopOrder mirrors the on-chain Order tuple for ABI packing.
type lopOrder struct {
	Salt         *big.Int
	Maker        common.Address
	Receiver     common.Address
	MakerAsset   common.Address
	TakerAsset   common.Address
	MakingAmount *big.Int
	TakingAmount *big.Int
	MakerTraits  *big.Int
}

// EVMAdapter drives the source chain: fills signed limit orders into escrows
// through the limit order protocol, withdraws and cancels them, and tails
// escrow factory logs from a durable block cursor.
type EVMAdapter struct {
	cfg    config.Ethereum
	retry  RetryPolicy
	logger log.Logger

	client  *ethclient.Client
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int

	lopABI     abi.ABI
	factoryABI abi.ABI
	escrowABI  abi.ABI

	factory common.Address
	lop     common.Address

	cursors CursorStore
	known   KnownOrders
}

// NewEVMAdapter builds the adapter. The private key is parsed eagerly so a
// misconfigured key fails at boot, not at the first lock.
func NewEVMAdapter(cfg config.Ethereum, retry RetryPolicy, cursors CursorStore, known KnownOrders, logger log.Logger) (*EVMAdapter, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid ethereum private key: %w", err)
	}

	lop, err := abi.JSON(strings.NewReader(limitOrderProtocolABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse limit order protocol abi: %w", err)
	}
	factory, err := abi.JSON(strings.NewReader(escrowFactoryABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse escrow factory abi: %w", err)
	}
	escrow, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse escrow abi: %w", err)
	}

	return &EVMAdapter{
		cfg:        cfg,
		retry:      retry,
		logger:     logger.New("chain", "ethereum"),
		key:        key,
		address:    crypto.PubkeyToAddress(key.PublicKey),
		chainID:    big.NewInt(cfg.ChainID),
		lopABI:     lop,
		factoryABI: factory,
		escrowABI:  escrow,
		factory:    common.HexToAddress(cfg.EscrowFactoryAddress),
		lop:        common.HexToAddress(cfg.LimitOrderProtocolAddress),
		cursors:    cursors,
		known:      known,
	}, nil
}

// Connect dials the node and verifies it serves the configured chain.
func (a *EVMAdapter) Connect(ctx context.Context) error {
	client, err := ethclient.DialContext(ctx, a.cfg.HTTPUrl)
	if err != nil {
		return classifyRPCError(err)
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.RPCTimeout)
	defer cancel()
	got, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return classifyRPCError(err)
	}
	if got.Cmp(a.chainID) != 0 {
		client.Close()
		return swaperr.New(swaperr.KindPermanentChain,
			"node serves chain %s, config expects %s", got, a.chainID)
	}

	a.client = client
	a.logger.Info("connected to ethereum node", "url", a.cfg.HTTPUrl,
		"chainId", a.chainID, "relayer", a.address.Hex())
	return nil
}

// Close releases the RPC connection.
func (a *EVMAdapter) Close() error {
	if a.client != nil {
		a.client.Close()
	}
	return nil
}

func (a *EVMAdapter) Address() string        { return a.address.Hex() }
func (a *EVMAdapter) ChainID() string        { return "evm:" + strconv.FormatInt(a.cfg.ChainID, 10) }
func (a *EVMAdapter) BlockTime() time.Duration { return a.cfg.BlockTime }
func (a *EVMAdapter) FinalityDepth() uint64  { return a.cfg.FinalityDepth }

// Lock fills the maker's signed order, which deploys and funds the source
// escrow, and waits until the fill is FinalityDepth blocks deep. Idempotent:
// if the factory already has an escrow for this order hash, the existing
// escrow is returned instead of filling again.
func (a *EVMAdapter) Lock(ctx context.Context, order *types.SwapOrder) (*LockReceipt, error) {
	var receipt *LockReceipt
	err := withRetry(ctx, a.logger, a.retry, "lock", func() error {
		existing, err := a.escrowFor(ctx, order.OrderHash)
		if err != nil {
			return err
		}
		if existing != (common.Address{}) {
			receipt = &LockReceipt{TxHash: order.SrcLockTxHash, EscrowRef: existing.Hex()}
			return nil
		}

		var limitOrder types.LimitOrder
		if err := json.Unmarshal(order.OriginalOrder, &limitOrder); err != nil {
			return swaperr.Wrap(swaperr.KindValidation, err, "stored order is not decodable")
		}
		_, r, vs, err := ParseSignature(order.Signature)
		if err != nil {
			return err
		}

		calldata, err := a.lopABI.Pack("fillOrderArgs",
			lopOrder{
				Salt:         bigOrZero(limitOrder.Salt),
				Maker:        common.HexToAddress(limitOrder.Maker),
				Receiver:     common.HexToAddress(limitOrder.Receiver),
				MakerAsset:   common.HexToAddress(limitOrder.MakerAsset),
				TakerAsset:   common.HexToAddress(limitOrder.TakerAsset),
				MakingAmount: bigOrZero(limitOrder.MakingAmount),
				TakingAmount: bigOrZero(limitOrder.TakingAmount),
				MakerTraits:  bigOrZero(limitOrder.MakerTraits),
			},
			r, vs,
			bigOrZero(limitOrder.MakingAmount),
			new(big.Int),
			common.FromHex(order.Extension),
		)
		if err != nil {
			return swaperr.Wrap(swaperr.KindInternal, err, "abi packing failed")
		}

		deposit, err := types.ParseBigInt(a.cfg.SafetyDepositWei)
		if err != nil {
			return swaperr.Wrap(swaperr.KindInternal, err, "invalid safety deposit")
		}

		mined, err := a.sendAndWait(ctx, a.lop, deposit, calldata)
		if err != nil {
			return err
		}
		// The locked state is only durable once the fill cannot be reorged
		// out from under the destination leg.
		if err := a.waitFinalized(ctx, mined.BlockNumber.Uint64()); err != nil {
			return err
		}

		escrowAddr, err := a.escrowFor(ctx, order.OrderHash)
		if err != nil {
			return err
		}
		if escrowAddr == (common.Address{}) {
			return swaperr.New(swaperr.KindPermanentChain,
				"fill mined in tx %s but no escrow registered for %s", mined.TxHash.Hex(), order.OrderHash)
		}
		receipt = &LockReceipt{
			TxHash:      mined.TxHash.Hex(),
			EscrowRef:   escrowAddr.Hex(),
			BlockNumber: mined.BlockNumber.Uint64(),
			GasUsed:     mined.GasUsed,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.logger.Info("source escrow locked", "order", order.OrderHash,
		"escrow", receipt.EscrowRef, "tx", receipt.TxHash)
	return receipt, nil
}

// Unlock withdraws the escrowed funds by revealing the secret preimage.
func (a *EVMAdapter) Unlock(ctx context.Context, order *types.SwapOrder, secret string) (*UnlockReceipt, error) {
	if order.SrcEscrowAddress == "" {
		return nil, swaperr.New(swaperr.KindInternal, "order %s has no source escrow", order.OrderHash)
	}
	secretBytes, err := hex.DecodeString(strings.TrimPrefix(secret, "0x"))
	if err != nil {
		return nil, swaperr.Wrap(swaperr.KindValidation, err, "malformed secret hex")
	}
	calldata, err := a.escrowABI.Pack("withdraw", secretBytes)
	if err != nil {
		return nil, swaperr.Wrap(swaperr.KindInternal, err, "abi packing failed")
	}

	var receipt *UnlockReceipt
	err = withRetry(ctx, a.logger, a.retry, "unlock", func() error {
		mined, err := a.sendAndWait(ctx, common.HexToAddress(order.SrcEscrowAddress), nil, calldata)
		if err != nil {
			return err
		}
		receipt = &UnlockReceipt{TxHash: mined.TxHash.Hex(), BlockNumber: mined.BlockNumber.Uint64()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.logger.Info("source escrow withdrawn", "order", order.OrderHash, "tx", receipt.TxHash)
	return receipt, nil
}

// Cancel refunds the escrow back to the maker after the timelock expired.
func (a *EVMAdapter) Cancel(ctx context.Context, order *types.SwapOrder) (*CancelReceipt, error) {
	if order.SrcEscrowAddress == "" {
		return nil, swaperr.New(swaperr.KindInternal, "order %s has no source escrow", order.OrderHash)
	}
	calldata, err := a.escrowABI.Pack("cancel")
	if err != nil {
		return nil, swaperr.Wrap(swaperr.KindInternal, err, "abi packing failed")
	}

	var receipt *CancelReceipt
	err = withRetry(ctx, a.logger, a.retry, "cancel", func() error {
		mined, err := a.sendAndWait(ctx, common.HexToAddress(order.SrcEscrowAddress), nil, calldata)
		if err != nil {
			return err
		}
		receipt = &CancelReceipt{TxHash: mined.TxHash.Hex(), BlockNumber: mined.BlockNumber.Uint64()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.logger.Info("source escrow cancelled", "order", order.OrderHash, "tx", receipt.TxHash)
	return receipt, nil
}

// Watch tails the escrow factory's logs. Only blocks at least FinalityDepth
// behind the head are scanned, so every emitted event is final, and the block
// cursor is persisted after each scan so restarts resume without gaps.
func (a *EVMAdapter) Watch(ctx context.Context, events chan<- *ChainEvent) error {
	topics := [][]common.Hash{{
		a.factoryABI.Events["SrcEscrowCreated"].ID,
		a.factoryABI.Events["EscrowWithdrawal"].ID,
		a.factoryABI.Events["EscrowCancelled"].ID,
	}}

	ticker := time.NewTicker(a.cfg.BlockTime)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if err := a.scanOnce(ctx, topics, events); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.logger.Warn("log scan failed, will retry", "err", err)
		}
	}
}

func (a *EVMAdapter) scanOnce(ctx context.Context, topics [][]common.Hash, events chan<- *ChainEvent) error {
	rpcCtx, cancel := context.WithTimeout(ctx, a.cfg.RPCTimeout)
	defer cancel()

	head, err := a.client.BlockNumber(rpcCtx)
	if err != nil {
		return classifyRPCError(err)
	}
	if head < a.cfg.FinalityDepth {
		return nil
	}
	safe := head - a.cfg.FinalityDepth

	stored, err := a.cursors.Get(ctx, a.ChainID())
	if err != nil {
		return err
	}
	from := safe
	if stored != "" {
		last, err := strconv.ParseUint(stored, 10, 64)
		if err != nil {
			return swaperr.Wrap(swaperr.KindInternal, err, "corrupt block cursor")
		}
		if last >= safe {
			return nil
		}
		from = last + 1
	}

	logs, err := a.client.FilterLogs(rpcCtx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(safe),
		Addresses: []common.Address{a.factory},
		Topics:    topics,
	})
	if err != nil {
		return classifyRPCError(err)
	}

	for i := range logs {
		ev, err := a.decodeLog(&logs[i])
		if err != nil {
			a.logger.Error("undecodable factory log", "tx", logs[i].TxHash.Hex(), "err", err)
			continue
		}
		if a.known != nil && !a.known.Known(ev.OrderHash) {
			continue
		}
		select {
		case events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return a.cursors.Set(ctx, a.ChainID(), strconv.FormatUint(safe, 10))
}

func (a *EVMAdapter) decodeLog(l *ethtypes.Log) (*ChainEvent, error) {
	if len(l.Topics) < 2 {
		return nil, fmt.Errorf("log has %d topics", len(l.Topics))
	}
	ev := &ChainEvent{
		ChainID:     a.ChainID(),
		OrderHash:   l.Topics[1].Hex(),
		TxHash:      l.TxHash.Hex(),
		BlockNumber: l.BlockNumber,
		IsFinalized: true,
	}

	switch l.Topics[0] {
	case a.factoryABI.Events["SrcEscrowCreated"].ID:
		ev.Kind = EventEscrowCreated
		out, err := a.factoryABI.Unpack("SrcEscrowCreated", l.Data)
		if err != nil {
			return nil, err
		}
		ev.EscrowRef = out[0].(common.Address).Hex()
	case a.factoryABI.Events["EscrowWithdrawal"].ID:
		ev.Kind = EventEscrowWithdrawn
		out, err := a.factoryABI.Unpack("EscrowWithdrawal", l.Data)
		if err != nil {
			return nil, err
		}
		secret := hex.EncodeToString(out[0].([]byte))
		ev.Secret = &secret
	case a.factoryABI.Events["EscrowCancelled"].ID:
		ev.Kind = EventEscrowCancelled
	default:
		return nil, fmt.Errorf("unexpected topic %s", l.Topics[0].Hex())
	}
	return ev, nil
}

// escrowFor reads the factory's escrow registry for an order hash. The zero
// address means no escrow exists yet.
func (a *EVMAdapter) escrowFor(ctx context.Context, orderHash string) (common.Address, error) {
	calldata, err := a.factoryABI.Pack("escrows", common.HexToHash(orderHash))
	if err != nil {
		return common.Address{}, swaperr.Wrap(swaperr.KindInternal, err, "abi packing failed")
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.RPCTimeout)
	defer cancel()
	raw, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &a.factory, Data: calldata}, nil)
	if err != nil {
		return common.Address{}, classifyRPCError(err)
	}
	out, err := a.factoryABI.Unpack("escrows", raw)
	if err != nil {
		return common.Address{}, swaperr.Wrap(swaperr.KindPermanentChain, err, "escrows() returned garbage")
	}
	return out[0].(common.Address), nil
}

// sendAndWait signs and broadcasts a transaction and blocks until it is
// mined. A mined-but-reverted transaction is a permanent error.
func (a *EVMAdapter) sendAndWait(ctx context.Context, to common.Address, value *big.Int, calldata []byte) (*ethtypes.Receipt, error) {
	rpcCtx, cancel := context.WithTimeout(ctx, a.cfg.RPCTimeout)
	nonce, err := a.client.PendingNonceAt(rpcCtx, a.address)
	cancel()
	if err != nil {
		return nil, classifyRPCError(err)
	}

	gasPrice := new(big.Int)
	if a.cfg.GasPriceGwei > 0 {
		gasPrice.Mul(big.NewInt(a.cfg.GasPriceGwei), big.NewInt(1e9))
	} else {
		rpcCtx, cancel := context.WithTimeout(ctx, a.cfg.RPCTimeout)
		gasPrice, err = a.client.SuggestGasPrice(rpcCtx)
		cancel()
		if err != nil {
			return nil, classifyRPCError(err)
		}
	}

	tx := ethtypes.NewTransaction(nonce, to, value, a.cfg.GasLimit, gasPrice, calldata)
	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(a.chainID), a.key)
	if err != nil {
		return nil, swaperr.Wrap(swaperr.KindInternal, err, "transaction signing failed")
	}

	rpcCtx, cancel = context.WithTimeout(ctx, a.cfg.RPCTimeout)
	err = a.client.SendTransaction(rpcCtx, signed)
	cancel()
	if err != nil {
		return nil, classifyRPCError(err)
	}
	a.logger.Debug("transaction broadcast", "tx", signed.Hash().Hex(), "to", to.Hex(), "nonce", nonce)

	return a.waitMined(ctx, signed.Hash())
}

// waitFinalized blocks until the head is FinalityDepth blocks past the given
// block.
func (a *EVMAdapter) waitFinalized(ctx context.Context, block uint64) error {
	poll := a.cfg.BlockTime / 2
	if poll < time.Second {
		poll = time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		rpcCtx, cancel := context.WithTimeout(ctx, a.cfg.RPCTimeout)
		head, err := a.client.BlockNumber(rpcCtx)
		cancel()
		if err != nil {
			return classifyRPCError(err)
		}
		if head >= block+a.cfg.FinalityDepth {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (a *EVMAdapter) waitMined(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	poll := a.cfg.BlockTime / 2
	if poll < time.Second {
		poll = time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		rpcCtx, cancel := context.WithTimeout(ctx, a.cfg.RPCTimeout)
		receipt, err := a.client.TransactionReceipt(rpcCtx, txHash)
		cancel()
		if err == nil {
			if receipt.Status != ethtypes.ReceiptStatusSuccessful {
				return nil, swaperr.New(swaperr.KindPermanentChain,
					"transaction %s reverted in block %d", txHash.Hex(), receipt.BlockNumber)
			}
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
