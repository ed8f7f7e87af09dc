// Package partialfill implements the optional Merkle-tree secret scheme for
// orders with fillMode=partial (SPEC_FULL.md §2), adapted from the
// teacher's internal/fusion/partialfill.go PartialFillManager: an order is
// split into N parts, N+1 secrets are generated up front, and a resolver
// filling up to some cumulative percentage is handed the secret indexed to
// that percentage. Unlike the teacher's copy, secrets are drawn from
// crypto/rand (the teacher seeded each secret from time.Now().UnixNano(),
// which is guessable) and the Merkle root is a real pairwise-hash tree
// rather than a single hash of the concatenated leaves.
package partialfill

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"
)

var (
	ErrUnknownOrder     = errors.New("partialfill: unknown order")
	ErrInvalidParts     = errors.New("partialfill: invalid part count")
	ErrFillExceedsTotal = errors.New("partialfill: fill exceeds remaining amount")
	ErrOrderNotActive   = errors.New("partialfill: order not active")
)

// Tree holds the N+1 secrets and hashes for one partial-fill order, indexed
// 0..totalParts by cumulative fill percentage.
type Tree struct {
	TotalParts int
	Secrets    []string // hex preimages, index i covers the i/totalParts..{i+1}/totalParts band
	Hashes     []string // sha256(secret), hex
	Root       string   // Merkle root over Hashes
	used       map[int]bool
}

// Fill records one resolver's contribution toward a partial order.
type Fill struct {
	Resolver    string
	Amount      *big.Int
	Cumulative  *big.Int
	SecretIndex int
	TxHash      string
	Timestamp   time.Time
}

// Order tracks one in-flight partial-fill order.
type Order struct {
	OrderID   string
	Total     *big.Int
	Filled    *big.Int
	Parts     int
	Tree      *Tree
	Fills     []Fill
	Completed bool
}

// Tracker is the coordinator-facing seam: CreateOrder once per partial
// order, then Fill on each resolver contribution.
type Tracker struct {
	mu     sync.Mutex
	orders map[string]*Order
}

func NewTracker() *Tracker {
	return &Tracker{orders: make(map[string]*Order)}
}

// CreateOrder generates the order's Merkle secret tree and starts tracking
// it. parts must be at least 1; the tree holds parts+1 secrets so the final
// 100%-fill resolver gets a dedicated secret distinct from every partial
// band (the Fusion+ N+1 scheme).
func (t *Tracker) CreateOrder(orderID string, total *big.Int, parts int) (*Order, error) {
	if parts <= 0 {
		return nil, ErrInvalidParts
	}

	tree, err := newTree(parts)
	if err != nil {
		return nil, err
	}

	order := &Order{
		OrderID: orderID,
		Total:   new(big.Int).Set(total),
		Filled:  big.NewInt(0),
		Parts:   parts,
		Tree:    tree,
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.orders[orderID] = order
	return order, nil
}

// Fill applies a resolver's contribution and returns the secret they may
// now use to unlock their share of the destination escrow, plus whether
// the order has now reached 100% filled.
func (t *Tracker) Fill(orderID, resolver string, amount *big.Int, txHash string) (secret string, completed bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	order, ok := t.orders[orderID]
	if !ok {
		return "", false, ErrUnknownOrder
	}
	if order.Completed {
		return "", false, ErrOrderNotActive
	}

	remaining := new(big.Int).Sub(order.Total, order.Filled)
	if amount.Cmp(remaining) > 0 {
		return "", false, ErrFillExceedsTotal
	}

	cumulative := new(big.Int).Add(order.Filled, amount)
	idx := order.Tree.indexForCumulative(cumulative, order.Total)
	secret = order.Tree.Secrets[idx]
	order.Tree.used[idx] = true

	order.Filled = cumulative
	order.Fills = append(order.Fills, Fill{
		Resolver: resolver, Amount: new(big.Int).Set(amount), Cumulative: new(big.Int).Set(cumulative),
		SecretIndex: idx, TxHash: txHash, Timestamp: time.Now().UTC(),
	})

	if order.Filled.Cmp(order.Total) >= 0 {
		order.Completed = true
	}

	return secret, order.Completed, nil
}

// Get returns the order's current tracking state.
func (t *Tracker) Get(orderID string) (*Order, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	order, ok := t.orders[orderID]
	return order, ok
}

func newTree(parts int) (*Tree, error) {
	n := parts + 1
	secrets := make([]string, n)
	hashes := make([]string, n)

	for i := 0; i < n; i++ {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("partialfill: generate secret %d: %w", i, err)
		}
		secrets[i] = hex.EncodeToString(buf)
		hash := sha256.Sum256(buf)
		hashes[i] = hex.EncodeToString(hash[:])
	}

	return &Tree{
		TotalParts: parts,
		Secrets:    secrets,
		Hashes:     hashes,
		Root:       merkleRoot(hashes),
		used:       make(map[int]bool),
	}, nil
}

// indexForCumulative maps a cumulative filled amount to a secret index:
// band i covers [i/totalParts, (i+1)/totalParts) of total, with the last
// secret (index totalParts) reserved for a cumulative fill of exactly 100%.
func (tr *Tree) indexForCumulative(cumulative, total *big.Int) int {
	if cumulative.Cmp(total) >= 0 {
		return tr.TotalParts
	}
	scaled := new(big.Int).Mul(cumulative, big.NewInt(int64(tr.TotalParts)))
	idx := new(big.Int).Div(scaled, total).Int64()
	if int(idx) >= tr.TotalParts {
		idx = int64(tr.TotalParts - 1)
	}
	return int(idx)
}

// merkleRoot builds a standard pairwise binary Merkle tree over leaf
// hashes, duplicating the last leaf on an odd level per the usual
// Bitcoin-style convention, rather than the teacher's single
// hash-of-concatenation placeholder.
func merkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	level := make([][]byte, len(leaves))
	for i, h := range leaves {
		b, _ := hex.DecodeString(h)
		level[i] = b
	}
	for len(level) > 1 {
		var next [][]byte
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			sum := sha256.Sum256(append(append([]byte{}, left...), right...))
			next = append(next, sum[:])
		}
		level = next
	}
	return hex.EncodeToString(level[0])
}
