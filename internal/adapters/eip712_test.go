package adapters

import (
	"encoding/hex"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unite-defi/fusion-relayer/internal/types"
)

func testOrder() *types.LimitOrder {
	return &types.LimitOrder{
		Salt:         big.NewInt(42),
		Maker:        "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
		Receiver:     "0x0000000000000000000000000000000000000000",
		MakerAsset:   "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		TakerAsset:   "0xdAC17F958D2ee523a2206206994597C13D831ec7",
		MakingAmount: big.NewInt(1000000),
		TakingAmount: big.NewInt(990000),
		MakerTraits:  big.NewInt(0),
	}
}

func TestOrderHashDeterministic(t *testing.T) {
	order := testOrder()
	h1, err := OrderHash(order, 1, "0x111111125421cA6dc452d289314280a0f8842A65")
	require.NoError(t, err)
	h2, err := OrderHash(order, 1, "0x111111125421cA6dc452d289314280a0f8842A65")
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	// Any field change must move the hash.
	changed := testOrder()
	changed.MakingAmount = big.NewInt(1000001)
	h3, err := OrderHash(changed, 1, "0x111111125421cA6dc452d289314280a0f8842A65")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)

	// So must the domain.
	h4, err := OrderHash(order, 137, "0x111111125421cA6dc452d289314280a0f8842A65")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h4)
}

func TestRecoverSignerAllSignatureForms(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	want := crypto.PubkeyToAddress(key.PublicKey)

	digest, err := OrderHash(testOrder(), 1, "0x111111125421cA6dc452d289314280a0f8842A65")
	require.NoError(t, err)

	sig, err := crypto.Sign(digest.Bytes(), key)
	require.NoError(t, err)

	// Raw (r, s, v) with v in {0, 1}.
	got, err := RecoverSigner(digest, hex.EncodeToString(sig))
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// Ethereum-style v in {27, 28}, with 0x prefix.
	legacy := make([]byte, 65)
	copy(legacy, sig)
	legacy[64] += 27
	got, err = RecoverSigner(digest, "0x"+hex.EncodeToString(legacy))
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// Compact (r, vs) per EIP-2098.
	compact := make([]byte, 64)
	copy(compact, sig[:64])
	if sig[64] == 1 {
		compact[32] |= 0x80
	}
	got, err = RecoverSigner(digest, hex.EncodeToString(compact))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestParseSignatureRejectsGarbage(t *testing.T) {
	_, _, _, err := ParseSignature("0xzz")
	assert.Error(t, err)

	_, _, _, err = ParseSignature("0x0102")
	assert.Error(t, err)

	bad := make([]byte, 65)
	bad[64] = 29 // recovery id out of range even after the -27 shift
	_, _, _, err = ParseSignature(hex.EncodeToString(bad))
	assert.Error(t, err)
}

func TestParseSignatureSplitsRVS(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	digest := crypto.Keccak256Hash([]byte("payload"))
	raw, err := crypto.Sign(digest.Bytes(), key)
	require.NoError(t, err)

	sig, r, vs, err := ParseSignature(hex.EncodeToString(raw))
	require.NoError(t, err)
	assert.Equal(t, raw[:32], r[:])
	assert.Equal(t, raw[64], sig[64])
	if raw[64] == 1 {
		assert.Equal(t, byte(0x80), vs[0]&0x80)
	} else {
		assert.Zero(t, vs[0]&0x80)
	}
}
