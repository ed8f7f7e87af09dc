package sig

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unite-defi/relayer/internal/types"
)

const testEscrowFactory = "0x00000000000000000000000000000000000001"

func resolveTestFactory(chainID string) (string, error) {
	return testEscrowFactory, nil
}

func sampleIntent(maker string) types.Intent {
	return types.Intent{
		Maker:              maker,
		SrcChain:           "84532",
		SrcToken:           "0x0000000000000000000000000000000000000002",
		SrcAmount:          big.NewInt(1_000_000),
		DstChain:           "421614",
		DstToken:           "0x0000000000000000000000000000000000000003",
		SecretHash:         "aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa1",
		MinAcceptablePrice: big.NewInt(900_000),
		OrderDuration:      300,
		Nonce:              1,
		Deadline:           9_999_999_999,
	}
}

func TestVerify_AcceptsGenuineSignature(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	maker := crypto.PubkeyToAddress(key.PublicKey).Hex()

	v := NewVerifier("unite-defi-coordinator", "1", resolveTestFactory)
	intent := sampleIntent(maker)

	digest, err := v.StructuralHash(intent)
	require.NoError(t, err)
	signature, err := crypto.Sign(digest[:], key)
	require.NoError(t, err)

	orderID, err := v.Verify(intent, signature)
	require.NoError(t, err)
	assert.NotEmpty(t, orderID)
}

func TestVerify_RejectsWrongSigner(t *testing.T) {
	signerKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	otherKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	v := NewVerifier("unite-defi-coordinator", "1", resolveTestFactory)
	// intent claims otherKey's address as maker, but signerKey signs it.
	intent := sampleIntent(crypto.PubkeyToAddress(otherKey.PublicKey).Hex())

	digest, err := v.StructuralHash(intent)
	require.NoError(t, err)
	signature, err := crypto.Sign(digest[:], signerKey)
	require.NoError(t, err)

	_, err = v.Verify(intent, signature)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestVerify_RejectsMalformedSignature(t *testing.T) {
	v := NewVerifier("unite-defi-coordinator", "1", resolveTestFactory)
	intent := sampleIntent("0x0000000000000000000000000000000000000099")

	_, err := v.Verify(intent, []byte{0x01, 0x02, 0x03})
	assert.ErrorIs(t, err, ErrMalformedSignature)
}

func TestStructuralHash_DeterministicAcrossCallers(t *testing.T) {
	v1 := NewVerifier("unite-defi-coordinator", "1", resolveTestFactory)
	v2 := NewVerifier("unite-defi-coordinator", "1", resolveTestFactory)
	intent := sampleIntent("0x0000000000000000000000000000000000000099")

	h1, err := v1.StructuralHash(intent)
	require.NoError(t, err)
	h2, err := v2.StructuralHash(intent)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestStructuralHash_DiffersOnNonce(t *testing.T) {
	v := NewVerifier("unite-defi-coordinator", "1", resolveTestFactory)
	intent := sampleIntent("0x0000000000000000000000000000000000000099")
	h1, err := v.StructuralHash(intent)
	require.NoError(t, err)

	intent.Nonce = 2
	h2, err := v.StructuralHash(intent)
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)
}
