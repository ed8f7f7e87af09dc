// Package types holds the data model shared across the coordinator: the
// signed intent a maker submits, the order record the Lifecycle Controller
// mutates, and the append-only commitment audit trail.
package types

import (
	"fmt"
	"math/big"
	"time"
)

// Status is the order's position in the lifecycle DAG.
type Status string

const (
	StatusActive          Status = "ACTIVE"
	StatusCommitted       Status = "COMMITTED"
	StatusSettling        Status = "SETTLING"
	StatusCompeting       Status = "COMPETING"
	StatusCompleted       Status = "COMPLETED"
	StatusFailed          Status = "FAILED"
	StatusRescueAvailable Status = "RESCUE_AVAILABLE"
)

// FillMode distinguishes the default single-secret order from the
// partial-fill, Merkle-secret-indexed mode (see SPEC_FULL.md §2).
type FillMode string

const (
	FillModeSingle  FillMode = "single"
	FillModePartial FillMode = "partial"
)

// CommitmentStatus tracks a single row of the append-only commitments audit
// trail.
type CommitmentStatus string

const (
	CommitmentActive    CommitmentStatus = "active"
	CommitmentFailed    CommitmentStatus = "failed"
	CommitmentCompleted CommitmentStatus = "completed"
)

// Intent is the maker's signed, off-chain trade request. Everything in it
// feeds the structural hash that becomes the order-id (internal/sig).
type Intent struct {
	Maker              string   `json:"maker"`
	SrcChain           string   `json:"srcChain"`
	SrcToken           string   `json:"srcToken"`
	SrcAmount          *big.Int `json:"srcAmount"`
	DstChain           string   `json:"dstChain"`
	DstToken           string   `json:"dstToken"`
	SecretHash         string   `json:"secretHash"`
	MinAcceptablePrice *big.Int `json:"minAcceptablePrice"`
	OrderDuration      int64    `json:"orderDuration"` // seconds
	Nonce              uint64   `json:"nonce"`
	Deadline           int64    `json:"deadline"` // unix seconds
}

// Auction holds the Dutch-auction parameters captured at admission.
type Auction struct {
	StartPrice *big.Int  `json:"startPrice"`
	EndPrice   *big.Int  `json:"endPrice"`
	Duration   int64     `json:"duration"` // seconds
	StartTime  time.Time `json:"startTime"`
}

// Order is the primary entity the Lifecycle Controller mutates. Field
// comments mark which operation (spec §4.6) first populates them.
type Order struct {
	ID     string `json:"id"` // structural hash of Intent, hex-encoded
	Intent Intent `json:"intent"`
	Status Status `json:"status"`

	FillMode FillMode `json:"fillMode"`

	Auction     Auction  `json:"auction"`
	MarketPrice *big.Int `json:"marketPrice"`

	Resolver           string     `json:"resolver,omitempty"`
	CommittedPrice     *big.Int   `json:"committedPrice,omitempty"`
	CommitmentTime     *time.Time `json:"commitmentTime,omitempty"`
	CommitmentDeadline *time.Time `json:"commitmentDeadline,omitempty"`

	SrcEscrow string `json:"srcEscrow,omitempty"` // set by escrowsReady
	DstEscrow string `json:"dstEscrow,omitempty"`

	FundsMovedAt    *time.Time `json:"fundsMovedAt,omitempty"` // set by moveUserFunds
	SrcSettlementTx string     `json:"srcSettlementTx,omitempty"`
	DstSettlementTx string     `json:"dstSettlementTx,omitempty"` // set by notifySettlement

	SecretRevealedAt    *time.Time `json:"secretRevealedAt,omitempty"`
	SecretRevealTx      string     `json:"secretRevealTx,omitempty"`
	CompetitionDeadline *time.Time `json:"competitionDeadline,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Secret is stored in a table separate from Order and never serialized into
// an OrderBroadcast payload (spec §3); its preimage leaves the service only
// in the SecretBroadcast published for the competition window.
type Secret struct {
	OrderID    string     `json:"orderId"`
	Preimage   string     `json:"preimage"`
	Hash       string     `json:"hash"`
	CreatedAt  time.Time  `json:"createdAt"`
	RevealedAt *time.Time `json:"revealedAt,omitempty"`
}

// ResolverCommitment is one append-only row of the commitments audit trail;
// an order accrues one per resolver that ever held it.
type ResolverCommitment struct {
	ID            string           `json:"id"`
	OrderID       string           `json:"orderId"`
	Resolver      string           `json:"resolver"`
	AcceptedPrice *big.Int         `json:"acceptedPrice"`
	Timestamp     time.Time        `json:"timestamp"`
	Status        CommitmentStatus `json:"status"`
}

// OrderBroadcast is the redacted form published on the OrderBroadcast topic:
// no preimage, no signature.
type OrderBroadcast struct {
	OrderID           string    `json:"orderId"`
	Maker             string    `json:"maker"`
	SrcChain          string    `json:"srcChain"`
	SrcToken          string    `json:"srcToken"`
	SrcAmount         *big.Int  `json:"srcAmount"`
	DstChain          string    `json:"dstChain"`
	DstToken          string    `json:"dstToken"`
	Timestamp         time.Time `json:"timestamp"`
	AuctionStartPrice *big.Int  `json:"auctionStartPrice"`
	AuctionEndPrice   *big.Int  `json:"auctionEndPrice"`
	AuctionDuration   int64     `json:"auctionDuration"`
	SrcTokenDecimals  uint8     `json:"srcTokenDecimals"`
	DstTokenDecimals  uint8     `json:"dstTokenDecimals"`
}

// SecretBroadcast is published once both escrows are verified funded,
// starting the competition window (spec §4.6 publishSecretForCompetition).
type SecretBroadcast struct {
	OrderID             string    `json:"orderId"`
	Preimage            string    `json:"preimage"`
	ResolverAddress     string    `json:"resolverAddress"`
	SrcEscrow           string    `json:"srcEscrow"`
	DstEscrow           string    `json:"dstEscrow"`
	SrcChain            string    `json:"srcChain"`
	DstChain            string    `json:"dstChain"`
	SrcAmount           *big.Int  `json:"srcAmount"`
	DstAmount           *big.Int  `json:"dstAmount"`
	Timestamp           time.Time `json:"timestamp"`
	CompetitionDeadline time.Time `json:"competitionDeadline"`
}

// ToBroadcast builds the redacted wire form published to the resolver fleet.
func (o *Order) ToBroadcast(srcDecimals, dstDecimals uint8) OrderBroadcast {
	return OrderBroadcast{
		OrderID:           o.ID,
		Maker:             o.Intent.Maker,
		SrcChain:          o.Intent.SrcChain,
		SrcToken:          o.Intent.SrcToken,
		SrcAmount:         o.Intent.SrcAmount,
		DstChain:          o.Intent.DstChain,
		DstToken:          o.Intent.DstToken,
		Timestamp:         time.Now().UTC(),
		AuctionStartPrice: o.Auction.StartPrice,
		AuctionEndPrice:   o.Auction.EndPrice,
		AuctionDuration:   o.Auction.Duration,
		SrcTokenDecimals:  srcDecimals,
		DstTokenDecimals:  dstDecimals,
	}
}

// ParseBigInt parses a base-10 string into a *big.Int, defaulting to zero
// on an empty string (mirrors how amounts round-trip through Postgres
// text columns in internal/store).
func ParseBigInt(s string) (*big.Int, error) {
	if s == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer: %q", s)
	}
	return v, nil
}
