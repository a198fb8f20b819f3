package adapters

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/unite-defi/fusion-relayer/internal/swaperr"
	"github.com/unite-defi/fusion-relayer/internal/types"
)

const (
	orderDomainName    = "1inch Limit Order Protocol"
	orderDomainVersion = "4"
)

var orderTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"Order": {
		{Name: "salt", Type: "uint256"},
		{Name: "maker", Type: "address"},
		{Name: "receiver", Type: "address"},
		{Name: "makerAsset", Type: "address"},
		{Name: "takerAsset", Type: "address"},
		{Name: "makingAmount", Type: "uint256"},
		{Name: "takingAmount", Type: "uint256"},
		{Name: "makerTraits", Type: "uint256"},
	},
}

// OrderHash computes the EIP-712 digest of a limit order under the protocol
// domain for the given chain and verifying contract.
func OrderHash(order *types.LimitOrder, chainID int64, verifyingContract string) (common.Hash, error) {
	td := apitypes.TypedData{
		Types:       orderTypes,
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              orderDomainName,
			Version:           orderDomainVersion,
			ChainId:           math.NewHexOrDecimal256(chainID),
			VerifyingContract: verifyingContract,
		},
		Message: apitypes.TypedDataMessage{
			"salt":         bigOrZero(order.Salt).String(),
			"maker":        order.Maker,
			"receiver":     order.Receiver,
			"makerAsset":   order.MakerAsset,
			"takerAsset":   order.TakerAsset,
			"makingAmount": bigOrZero(order.MakingAmount).String(),
			"takingAmount": bigOrZero(order.TakingAmount).String(),
			"makerTraits":  bigOrZero(order.MakerTraits).String(),
		},
	}

	digest, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash order: %w", err)
	}
	return common.BytesToHash(digest), nil
}

// ParseSignature decodes a hex signature in either 65-byte (r, s, v) or
// compact 64-byte (r, vs) EIP-2098 form into the 65-byte recoverable layout
// expected by crypto.SigToPub, plus the split (r, vs) words used on-chain.
func ParseSignature(sigHex string) (sig []byte, r, vs [32]byte, err error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return nil, r, vs, swaperr.Wrap(swaperr.KindValidation, err, "malformed signature hex")
	}

	switch len(raw) {
	case 65:
		copy(r[:], raw[:32])
		copy(vs[:], raw[32:64])
		v := raw[64]
		if v >= 27 {
			v -= 27
		}
		if v > 1 {
			return nil, r, vs, swaperr.New(swaperr.KindValidation, "invalid recovery id %d", raw[64])
		}
		if v == 1 {
			vs[0] |= 0x80
		}
		sig = make([]byte, 65)
		copy(sig, raw[:64])
		sig[64] = v
		return sig, r, vs, nil
	case 64:
		copy(r[:], raw[:32])
		copy(vs[:], raw[32:64])
		sig = make([]byte, 65)
		copy(sig[:32], r[:])
		copy(sig[32:64], vs[:])
		sig[32] &= 0x7f // clear the recovery bit to restore s
		sig[64] = vs[0] >> 7
		return sig, r, vs, nil
	default:
		return nil, r, vs, swaperr.New(swaperr.KindValidation, "signature must be 64 or 65 bytes, got %d", len(raw))
	}
}

// RecoverSigner returns the address that produced the signature over the
// given EIP-712 digest.
func RecoverSigner(digest common.Hash, sigHex string) (common.Address, error) {
	sig, _, _, err := ParseSignature(sigHex)
	if err != nil {
		return common.Address{}, err
	}
	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return common.Address{}, swaperr.Wrap(swaperr.KindValidation, err, "signature recovery failed")
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
