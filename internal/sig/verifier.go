// Package sig implements the Signature Verifier (C5): it derives the
// domain-separated structural hash of a canonical order and recovers the
// signer from a 65-byte secp256k1 signature over that hash. Grounded on
// go-ethereum's crypto package the way the pack's ethereum_client.go signs
// and recovers transactions, generalized to an EIP-712-style typed-data
// hash instead of the teacher's placeholder sha256-of-concatenated-fields
// (which the teacher itself flags as "should implement proper EIP-712 hash
// computation").
package sig

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/unite-defi/relayer/internal/types"
)

var (
	// ErrBadSignature is returned when the recovered signer does not match
	// the intent's maker.
	ErrBadSignature = errors.New("sig: recovered signer does not match maker")
	// ErrMalformedSignature is returned for a signature that isn't a
	// well-formed 65-byte [R || S || V] blob.
	ErrMalformedSignature = errors.New("sig: malformed signature")
)

// Domain is the EIP-712-style domain separator for a given source chain's
// escrow factory.
type Domain struct {
	Name              string
	Version           string
	ChainID           string
	VerifyingContract string
}

// EscrowFactoryResolver maps a chain-id to the address of its escrow
// factory contract, supplied by the caller so the verifier stays pure and
// has no configuration or I/O of its own.
type EscrowFactoryResolver func(chainID string) (string, error)

// Verifier is stateless and safe for concurrent use; it performs no I/O and
// never suspends (spec §5).
type Verifier struct {
	domainName    string
	domainVersion string
	escrowFactory EscrowFactoryResolver
}

func NewVerifier(domainName, domainVersion string, escrowFactory EscrowFactoryResolver) *Verifier {
	return &Verifier{domainName: domainName, domainVersion: domainVersion, escrowFactory: escrowFactory}
}

// StructuralHash computes H(O) under the domain {name, version, chainId =
// O.SrcChain, verifyingContract = escrowFactory(O.SrcChain)}. Two callers
// evaluating the same intent under the same escrow-factory table always
// derive the same digest, independent of wall-clock or coordinator
// identity (spec §8 "Deterministic order-id").
func (v *Verifier) StructuralHash(intent types.Intent) ([32]byte, error) {
	verifyingContract, err := v.escrowFactory(intent.SrcChain)
	if err != nil {
		return [32]byte{}, fmt.Errorf("sig: resolve escrow factory for chain %s: %w", intent.SrcChain, err)
	}

	domainSeparator := crypto.Keccak256(
		[]byte(v.domainName),
		[]byte(v.domainVersion),
		[]byte(intent.SrcChain),
		common.HexToAddress(verifyingContract).Bytes(),
	)

	structHash := crypto.Keccak256(
		[]byte(strings.ToLower(intent.Maker)),
		[]byte(intent.SrcChain),
		[]byte(intent.SrcToken),
		leftPadBig(intent.SrcAmount),
		[]byte(intent.DstChain),
		[]byte(intent.DstToken),
		common.FromHex(intent.SecretHash),
		leftPadBig(intent.MinAcceptablePrice),
		uint64Bytes(uint64(intent.OrderDuration)),
		uint64Bytes(intent.Nonce),
		uint64Bytes(uint64(intent.Deadline)),
	)

	digest := crypto.Keccak256(
		[]byte{0x19, 0x01},
		domainSeparator,
		structHash,
	)

	var out [32]byte
	copy(out[:], digest)
	return out, nil
}

// Verify validates signature over intent, returning the derived order-id
// (hex-encoded structural hash) on success. Fails with ErrBadSignature if
// the recovered address doesn't match intent.Maker.
func (v *Verifier) Verify(intent types.Intent, signature []byte) (orderID string, err error) {
	digest, err := v.StructuralHash(intent)
	if err != nil {
		return "", err
	}

	sig := normalizeSignature(signature)
	if len(sig) != 65 {
		return "", ErrMalformedSignature
	}

	pubKey, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	recovered := crypto.PubkeyToAddress(*pubKey)

	if !strings.EqualFold(recovered.Hex(), intent.Maker) {
		return "", ErrBadSignature
	}

	return common.Bytes2Hex(digest[:]), nil
}

// normalizeSignature rewrites a V of 27/28 (as wallets commonly produce) to
// the 0/1 go-ethereum's recovery functions expect.
func normalizeSignature(sig []byte) []byte {
	if len(sig) != 65 {
		return sig
	}
	out := make([]byte, 65)
	copy(out, sig)
	if out[64] >= 27 {
		out[64] -= 27
	}
	return out
}

func leftPadBig(v interface{ Bytes() []byte }) []byte {
	b := v.Bytes()
	if len(b) >= 32 {
		return b[len(b)-32:]
	}
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}

func uint64Bytes(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}
