package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// MockGateway is an in-memory Gateway double used by the coordinator's own
// tests. Spec §9 is explicit that "mock chain/price implementations...
// are not part of the contract" — it must never be wired into the
// production boot path — but it is exercised directly by
// internal/coordinator's tests, adapted from the teacher's local-validator
// adapter (fabricated receipts, a configurable balance, deterministic
// pseudo-addresses) rather than built from scratch.
type MockGateway struct {
	mu sync.Mutex

	chainID       string
	escrowFactory string

	allowances map[string]*big.Int // key: token|owner|spender
	balances   map[string]*big.Int // key: escrow|token
	confirmed  map[string]bool
	reveals    map[string][]byte // escrow -> preimage once revealed

	FailAllowance        bool
	FailTransfer         bool
	FailReveal           bool
	MinConfirmationDelay time.Duration
	TokenDecimals        map[string]uint8
}

func NewMockGateway(chainID string) *MockGateway {
	return &MockGateway{
		chainID:    chainID,
		allowances: make(map[string]*big.Int),
		balances:   make(map[string]*big.Int),
		confirmed:  make(map[string]bool),
		reveals:    make(map[string][]byte),
	}
}

func (m *MockGateway) ChainID() string { return m.chainID }

// EscrowFactory mirrors EVMGateway.EscrowFactory for tests that exercise
// internal/coordinator's escrow-factory address lookup.
func (m *MockGateway) EscrowFactory() string { return m.escrowFactory }

// SetEscrowFactory is a test-setup helper.
func (m *MockGateway) SetEscrowFactory(addr string) { m.escrowFactory = addr }

// SetAllowance is a test-setup helper.
func (m *MockGateway) SetAllowance(token, owner, spender string, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allowances[key3(token, owner, spender)] = amount
}

// SetEscrowBalance is a test-setup helper.
func (m *MockGateway) SetEscrowBalance(escrow, token string, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[key2(escrow, token)] = amount
}

func (m *MockGateway) Allowance(ctx context.Context, token, owner, spender string) (*big.Int, error) {
	if m.FailAllowance {
		return nil, ErrChainUnreachable
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.allowances[key3(token, owner, spender)]; ok {
		return new(big.Int).Set(v), nil
	}
	return big.NewInt(0), nil
}

func (m *MockGateway) EscrowBalance(ctx context.Context, escrow, token string) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.balances[key2(escrow, token)]; ok {
		return new(big.Int).Set(v), nil
	}
	return big.NewInt(0), nil
}

func (m *MockGateway) TransferUserFunds(ctx context.Context, orderID, from, token string, amount *big.Int) (string, error) {
	if m.FailTransfer {
		return "", ErrRejected
	}
	allowance, _ := m.Allowance(ctx, token, from, "coordinator")
	if allowance.Cmp(amount) < 0 {
		return "", ErrInsufficientAllowance
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirmed["0xsrc"+orderID] = true
	return "0xsrc" + orderID, nil
}

func (m *MockGateway) AwaitConfirmations(ctx context.Context, txHash string, n uint64) (*Receipt, error) {
	if m.MinConfirmationDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ErrTimeout
		case <-time.After(m.MinConfirmationDelay):
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.confirmed[txHash] {
		return nil, ErrTxNotFound
	}
	return &Receipt{TxHash: txHash, BlockNumber: uint64(time.Now().Unix())}, nil
}

func (m *MockGateway) RevealOnDestination(ctx context.Context, escrow string, preimage []byte) (string, error) {
	if m.FailReveal {
		return "", ErrRejected
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, already := m.reveals[escrow]; already {
		return "", ErrAlreadyClaimed
	}
	m.reveals[escrow] = preimage
	txHash := fmt.Sprintf("0xreveal%x", preimage[:min(4, len(preimage))])
	m.confirmed[txHash] = true
	return txHash, nil
}

// Decimals returns a configured override, defaulting to 18 like the
// real gateway's callers do when a token is unknown.
func (m *MockGateway) Decimals(ctx context.Context, token string) (uint8, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.TokenDecimals[token]; ok {
		return d, nil
	}
	return 18, nil
}

func (m *MockGateway) ExtractRevealedSecret(ctx context.Context, txHash, escrow string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	preimage, ok := m.reveals[escrow]
	if !ok {
		return nil, ErrNotFound
	}
	return preimage, nil
}

func key2(a, b string) string       { return a + "|" + b }
func key3(a, b, c string) string    { return a + "|" + b + "|" + c }
func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
