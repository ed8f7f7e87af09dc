// Package chain implements the Chain Gateway (C1): the only component
// permitted to perform I/O with the blockchains. Every other component
// talks to chains exclusively through the Gateway interface below, which is
// the spec's §4.3 operation table made concrete.
package chain

import (
	"context"
	"errors"
	"math/big"
)

// Typed failure modes (spec §4.3). Returned, never panicked — every
// Gateway operation is expected to fail this way under contention or
// network partition, which the coordinator's supervisors retry or
// downgrade per spec §7.
var (
	ErrChainUnreachable     = errors.New("chain: unreachable")
	ErrNotAuthorized        = errors.New("chain: not authorized")
	ErrInsufficientAllowance = errors.New("chain: insufficient allowance")
	ErrRejected             = errors.New("chain: transaction rejected")
	ErrTxNotFound           = errors.New("chain: transaction not found")
	ErrTxReverted           = errors.New("chain: transaction reverted")
	ErrTimeout              = errors.New("chain: confirmation timeout")
	ErrAlreadyClaimed       = errors.New("chain: escrow already claimed")
	ErrDeadlinePassed       = errors.New("chain: reveal deadline passed")
	ErrHashMismatch         = errors.New("chain: preimage does not match escrow hashlock")
	ErrNotFound             = errors.New("chain: secret not found in transaction")
)

// Receipt is the outcome of a confirmed transaction, returned by
// AwaitConfirmations.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	Reverted    bool
}

// Gateway is the abstract, per-chain driver. A single concrete
// implementation is instantiated once per chain-id the coordinator is
// configured for (spec's Chain Gateway "MUST serialise submissions using
// the same signer to avoid nonce races" — each Gateway instance owns one
// signer).
type Gateway interface {
	// Allowance returns the amount owner has approved spender to pull, in
	// token base units.
	Allowance(ctx context.Context, token, owner, spender string) (*big.Int, error)

	// EscrowBalance returns the balance an escrow contract holds of token
	// (native asset if token is empty), in base units.
	EscrowBalance(ctx context.Context, escrow, token string) (*big.Int, error)

	// TransferUserFunds pulls amount of token from the maker's wallet into
	// the coordinator's custody path (the pre-approved-pull model, spec
	// §4.6 "Key algorithmic choices": the coordinator never custodies
	// funds itself, it instructs the escrow factory to pull on the
	// maker's standing approval).
	TransferUserFunds(ctx context.Context, orderID, from, token string, amount *big.Int) (txHash string, err error)

	// AwaitConfirmations blocks until txHash has n confirmations or the
	// context is cancelled.
	AwaitConfirmations(ctx context.Context, txHash string, n uint64) (*Receipt, error)

	// RevealOnDestination submits preimage to the destination escrow,
	// unlocking it for the maker/resolver.
	RevealOnDestination(ctx context.Context, escrow string, preimage []byte) (txHash string, err error)

	// ExtractRevealedSecret scans txHash's logs for the preimage a
	// competing party used to unlock escrow.
	ExtractRevealedSecret(ctx context.Context, txHash, escrow string) (preimage []byte, err error)

	// ChainID identifies which chain this Gateway instance serves.
	ChainID() string
}
