// Package coordinator implements the Lifecycle Controller (C6): the order
// state machine described in spec §4.6. Grounded on the teacher's
// FusionStateMachine (internal/fusion/statemachine.go) for the
// transition-table shape and internal/service/order_service.go for the
// operation bodies, reworked from the teacher's Fusion-specific phases
// onto the spec's exact ACTIVE/COMMITTED/SETTLING/COMPETING/COMPLETED/
// FAILED/RESCUE_AVAILABLE DAG, and onto real per-order mutual exclusion
// (spec §9 flags the teacher's unlocked maps as a race the implementer
// MUST fix).
package coordinator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/unite-defi/relayer/internal/chain"
	"github.com/unite-defi/relayer/internal/config"
	"github.com/unite-defi/relayer/internal/coordinator/errs"
	"github.com/unite-defi/relayer/internal/partialfill"
	"github.com/unite-defi/relayer/internal/pricing"
	"github.com/unite-defi/relayer/internal/safety"
	"github.com/unite-defi/relayer/internal/sig"
	"github.com/unite-defi/relayer/internal/types"
)

// MarketOracle supplies the reference quote an order is admitted at.
// Production of that price is explicitly out of scope (spec §1
// Non-goals: "price-feed production (treated as an oracle)"); the
// Controller only ever consumes a price through this seam.
type MarketOracle interface {
	MarketPrice(ctx context.Context, srcToken, dstToken string) (*big.Int, error)
}

// Decimals resolves a token's base-unit decimals. spec §9 Open Question
// (b): the teacher falls back to 18; this interface lets the caller wire
// a real token-contract lookup, falling back to 18 only inside the
// caller's own resolver.
type Decimals interface {
	Decimals(ctx context.Context, chainID, token string) (uint8, error)
}

// Publisher is the Message Bus (C3) seam the Controller publishes through —
// *bus.Bus in production, a fake in tests, so exercising the Lifecycle
// Controller never requires a live NATS connection.
type Publisher interface {
	PublishOrder(types.OrderBroadcast) error
	PublishSecret(types.SecretBroadcast) error
}

// Store is the C2 persistence seam the Controller drives: *store.OrderStore
// in production, an in-memory fake in tests. Only the subset of the C2
// contract the Lifecycle Controller itself calls; ActiveOrders/reaper
// queries beyond ListByStatus stay on the concrete type where they're used.
type Store interface {
	Get(orderID string) (*types.Order, error)
	Save(order *types.Order) error
	ListByStatus(status types.Status) ([]*types.Order, error)
	SaveSecret(secret *types.Secret) error
	GetSecret(orderID string) (*types.Secret, error)
	MarkRevealed(orderID string, revealedAt time.Time) error
	SaveCommitment(c *types.ResolverCommitment) error
	UpdateCommitmentStatus(orderID, resolver string, status types.CommitmentStatus) error
}

// Clock abstracts wall-clock time so tests can control tNow without
// sleeping; production uses realClock.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// Controller is the Lifecycle Controller (C6). All state transitions go
// through per-order mutual exclusion (locks); concurrent operations on
// distinct orders proceed independently (spec §5).
type Controller struct {
	store            Store
	bus              Publisher
	verifier         *sig.Verifier
	gateways         map[string]chain.Gateway
	oracle           MarketOracle
	decimals         Decimals
	deposits         *safety.Ledger
	minSafetyDeposit map[string]*big.Int
	partials         *partialfill.Tracker
	partialFillParts int
	cfg              config.Coordinator
	clock            Clock
	log              *zap.Logger
	locks            *keyLock
}

type Deps struct {
	Store    Store
	Bus      Publisher
	Verifier *sig.Verifier
	Gateways map[string]chain.Gateway
	Oracle   MarketOracle
	Decimals Decimals
	// Deposits is the safety-deposit bookkeeping ledger (SPEC_FULL.md §2).
	// Optional: nil disables deposit tracking entirely.
	Deposits *safety.Ledger
	// MinSafetyDeposit is the configured floor per source chain-id, used as
	// the recorded deposit amount at commit time.
	MinSafetyDeposit map[string]*big.Int
	// Partials tracks Merkle-secret partial fills (SPEC_FULL.md §2).
	// Optional: nil makes PartialFill always fail, restricting the
	// Controller to order.fillMode=single.
	Partials         *partialfill.Tracker
	PartialFillParts int
	Config           config.Coordinator
	Clock            Clock
	Log              *zap.Logger
}

func New(d Deps) *Controller {
	if d.Clock == nil {
		d.Clock = realClock{}
	}
	if d.PartialFillParts <= 0 {
		d.PartialFillParts = 4
	}
	return &Controller{
		store:            d.Store,
		bus:              d.Bus,
		verifier:         d.Verifier,
		gateways:         d.Gateways,
		oracle:           d.Oracle,
		decimals:         d.Decimals,
		deposits:         d.Deposits,
		minSafetyDeposit: d.MinSafetyDeposit,
		partials:         d.Partials,
		partialFillParts: d.PartialFillParts,
		cfg:              d.Config,
		clock:            d.Clock,
		log:              d.Log.Named("coordinator"),
		locks:            newKeyLock(),
	}
}

// Order returns the current record for orderID, used by the read-only
// control-plane operations (orderStatus, auctionPrice, orderSecret).
func (c *Controller) Order(orderID string) (*types.Order, error) {
	order, err := c.store.Get(orderID)
	if err != nil {
		return nil, errs.ErrOrderNotFound
	}
	return order, nil
}

// ActiveOrders returns every order currently visible to the resolver fleet
// (ACTIVE or RESCUE_AVAILABLE — the only statuses open to a fresh commit).
func (c *Controller) ActiveOrders() ([]*types.Order, error) {
	active, err := c.store.ListByStatus(types.StatusActive)
	if err != nil {
		return nil, fmt.Errorf("coordinator: list active orders: %w", err)
	}
	rescuable, err := c.store.ListByStatus(types.StatusRescueAvailable)
	if err != nil {
		return nil, fmt.Errorf("coordinator: list rescuable orders: %w", err)
	}
	return append(active, rescuable...), nil
}

// Quote computes the live auction view for orderID: current price, the
// base-unit amounts it implies, and the time left before the auction
// bottoms out at endPrice (spec §6 auctionPrice).
type Quote struct {
	CurrentPrice  *big.Int
	MakerAmount   *big.Int
	TakerAmount   *big.Int
	TimeRemaining time.Duration
}

func (c *Controller) Quote(ctx context.Context, orderID string) (*Quote, error) {
	order, err := c.store.Get(orderID)
	if err != nil {
		return nil, errs.ErrOrderNotFound
	}
	now := c.clock.Now()
	current := pricing.CurrentPrice(order.Auction, now.Unix())

	srcDecimals := c.resolveDecimals(ctx, order.Intent.SrcChain, order.Intent.SrcToken)
	dstDecimals := c.resolveDecimals(ctx, order.Intent.DstChain, order.Intent.DstToken)
	takerAmount := pricing.TokenAmounts(order.Intent.SrcAmount, srcDecimals, dstDecimals, current)

	remaining := order.Auction.StartTime.Add(time.Duration(order.Auction.Duration) * time.Second).Sub(now)
	if remaining < 0 {
		remaining = 0
	}

	return &Quote{
		CurrentPrice:  current,
		MakerAmount:   order.Intent.SrcAmount,
		TakerAmount:   takerAmount,
		TimeRemaining: remaining,
	}, nil
}

// OrderSecret implements spec §6 orderSecret(id, resolver): only the
// currently-committed resolver may query it, and only once revealed.
func (c *Controller) OrderSecret(orderID, resolver string) (revealTxHash string, revealedAt *time.Time, err error) {
	order, err := c.store.Get(orderID)
	if err != nil {
		return "", nil, errs.ErrOrderNotFound
	}
	if order.Resolver != resolver {
		return "", nil, errs.ErrNotOwner
	}
	if order.SecretRevealedAt == nil {
		return "", nil, errs.ErrWrongStatus
	}
	return order.SecretRevealTx, order.SecretRevealedAt, nil
}

func (c *Controller) gateway(chainID string) (chain.Gateway, error) {
	g, ok := c.gateways[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: no gateway configured for chain %s", chain.ErrChainUnreachable, chainID)
	}
	return g, nil
}

func (c *Controller) resolveDecimals(ctx context.Context, chainID, token string) uint8 {
	if c.decimals != nil {
		if d, err := c.decimals.Decimals(ctx, chainID, token); err == nil {
			return d
		}
	}
	return 18 // spec §9 Open Question (b): documented fallback
}

func (c *Controller) depositAmount(chainID string) *big.Int {
	if amt, ok := c.minSafetyDeposit[chainID]; ok && amt != nil {
		return amt
	}
	return big.NewInt(0)
}

// claimDeposit marks the order's safety deposit claimed by whoever just
// completed settlement. Deposit bookkeeping is additive (SPEC_FULL.md §2):
// a missing or already-claimed deposit never blocks the reveal it's
// recording, so failures here only warn.
func (c *Controller) claimDeposit(orderID, resolver, txHash string) {
	if c.deposits == nil {
		return
	}
	if err := c.deposits.Claim(orderID, resolver, txHash); err != nil {
		c.log.Warn("claim safety deposit failed", zap.String("order_id", orderID), zap.Error(err))
	}
}

// Deposit returns the safety-deposit ledger snapshot for orderID: the
// current deposit plus the forfeited history left by any prior resolver
// that let a commitment lapse (spec §6 GET deposit endpoint).
func (c *Controller) Deposit(orderID string) (*safety.Deposit, []*safety.Deposit, error) {
	if _, err := c.store.Get(orderID); err != nil {
		return nil, nil, errs.ErrOrderNotFound
	}
	if c.deposits == nil {
		return nil, nil, nil
	}
	current, history, _ := c.deposits.Get(orderID)
	return current, history, nil
}

// Admit implements spec §4.6 admit(intent, signature, preimage). fillMode
// is accepted out-of-band from the signed intent (SPEC_FULL.md §2: it is
// not part of the structural hash, so adding it never changes what the
// maker signs) and defaults to single when empty.
func (c *Controller) Admit(ctx context.Context, intent types.Intent, signature, preimage []byte, fillMode types.FillMode) (*types.Order, error) {
	if fillMode == "" {
		fillMode = types.FillModeSingle
	}
	orderID, err := c.verifier.Verify(intent, signature)
	if err != nil {
		if errors.Is(err, sig.ErrBadSignature) {
			return nil, errs.ErrBadSignature
		}
		return nil, fmt.Errorf("%w: %v", errs.ErrMalformed, err)
	}

	hash := sha256.Sum256(preimage)
	if hex.EncodeToString(hash[:]) != intent.SecretHash {
		return nil, errs.ErrHashMismatch
	}

	unlock := c.locks.Lock(orderID)
	defer unlock()

	if existing, err := c.store.Get(orderID); err == nil && existing != nil {
		return existing, errs.ErrDuplicateOrder // idempotent admit, spec §8
	}

	escrowFactory, err := c.escrowFactoryAddress(intent.SrcChain)
	if err != nil {
		return nil, err
	}
	gw, err := c.gateway(intent.SrcChain)
	if err != nil {
		return nil, err
	}
	allowance, err := gw.Allowance(ctx, intent.SrcToken, intent.Maker, escrowFactory)
	if err != nil {
		return nil, fmt.Errorf("coordinator: read allowance: %w", err)
	}
	if allowance.Cmp(intent.SrcAmount) < 0 {
		return nil, errs.ErrInsufficientAllowance
	}

	marketPrice, err := c.oracle.MarketPrice(ctx, intent.SrcToken, intent.DstToken)
	if err != nil {
		return nil, fmt.Errorf("coordinator: read market price: %w", err)
	}

	startPrice := marketPrice
	if startPrice.Cmp(intent.MinAcceptablePrice) < 0 {
		startPrice = new(big.Int).Set(intent.MinAcceptablePrice)
	}

	now := c.clock.Now()
	duration := int64(c.cfg.FastAuctionDuration.Seconds())
	order := &types.Order{
		ID:       orderID,
		Intent:   intent,
		Status:   types.StatusActive,
		FillMode: fillMode,
		Auction: types.Auction{
			StartPrice: startPrice,
			EndPrice:   new(big.Int).Set(intent.MinAcceptablePrice),
			Duration:   duration,
			StartTime:  now,
		},
		MarketPrice: marketPrice,
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Duration(intent.OrderDuration) * time.Second),
		UpdatedAt:   now,
	}

	if err := c.store.Save(order); err != nil {
		return nil, fmt.Errorf("coordinator: persist order: %w", err)
	}
	if err := c.store.SaveSecret(&types.Secret{OrderID: orderID, Preimage: hex.EncodeToString(preimage), Hash: intent.SecretHash, CreatedAt: now}); err != nil {
		return nil, fmt.Errorf("coordinator: persist secret: %w", err)
	}

	srcDecimals := c.resolveDecimals(ctx, intent.SrcChain, intent.SrcToken)
	dstDecimals := c.resolveDecimals(ctx, intent.DstChain, intent.DstToken)
	if err := c.bus.PublishOrder(order.ToBroadcast(srcDecimals, dstDecimals)); err != nil {
		c.log.Warn("publish order broadcast failed", zap.String("order_id", orderID), zap.Error(err))
	}

	c.log.Info("order admitted", zap.String("order_id", orderID), zap.String("maker", intent.Maker))
	return order, nil
}

// CommitResult carries the amounts returned to the caller of commit.
type CommitResult struct {
	Order       *types.Order
	MakerAmount *big.Int
	TakerAmount *big.Int
}

// Commit implements spec §4.6 commit(orderId, resolver, quoted, now).
// Valid from ACTIVE or RESCUE_AVAILABLE; the per-order lock makes the
// "first to win the critical section" rule (spec §4.6 Key algorithmic
// choices) literal.
func (c *Controller) Commit(ctx context.Context, orderID, resolver string, quoted *big.Int) (*CommitResult, error) {
	unlock := c.locks.Lock(orderID)
	defer unlock()

	order, err := c.store.Get(orderID)
	if err != nil {
		return nil, errs.ErrOrderNotFound
	}
	if order.Status != types.StatusActive && order.Status != types.StatusRescueAvailable {
		return nil, errs.ErrWrongStatus
	}

	now := c.clock.Now()
	if err := pricing.ValidateQuote(order.Auction, quoted, now.Unix(), big.NewInt(c.cfg.QuoteTolerance)); err != nil {
		return nil, errs.ErrPriceOutOfBand
	}

	if order.Resolver != "" {
		if err := c.store.UpdateCommitmentStatus(orderID, order.Resolver, types.CommitmentFailed); err != nil {
			c.log.Warn("failed to mark predecessor commitment failed", zap.String("order_id", orderID), zap.Error(err))
		}
	}

	deadline := now.Add(c.cfg.ResolverCommitmentWindow)
	order.Resolver = resolver
	order.CommittedPrice = quoted
	order.CommitmentTime = &now
	order.CommitmentDeadline = &deadline
	order.Status = types.StatusCommitted

	if err := c.store.Save(order); err != nil {
		return nil, fmt.Errorf("coordinator: persist commit: %w", err)
	}
	if err := c.store.SaveCommitment(&types.ResolverCommitment{
		OrderID: orderID, Resolver: resolver, AcceptedPrice: quoted, Timestamp: now, Status: types.CommitmentActive,
	}); err != nil {
		return nil, fmt.Errorf("coordinator: persist commitment row: %w", err)
	}

	srcDecimals := c.resolveDecimals(ctx, order.Intent.SrcChain, order.Intent.SrcToken)
	dstDecimals := c.resolveDecimals(ctx, order.Intent.DstChain, order.Intent.DstToken)
	takerAmount := pricing.TokenAmounts(order.Intent.SrcAmount, srcDecimals, dstDecimals, quoted)

	if c.deposits != nil {
		c.deposits.Post(orderID, resolver, c.depositAmount(order.Intent.SrcChain))
	}

	c.log.Info("resolver committed", zap.String("order_id", orderID), zap.String("resolver", resolver))
	return &CommitResult{Order: order, MakerAmount: order.Intent.SrcAmount, TakerAmount: takerAmount}, nil
}

// EscrowsReady implements spec §4.6 escrowsReady(...). Requires COMMITTED
// and a matching resolver; C1 verifies both escrows hold at least the
// configured safety deposit, then moveUserFunds runs.
func (c *Controller) EscrowsReady(ctx context.Context, orderID, resolver, srcEscrow, dstEscrow, srcDepositTx, dstDepositTx string, minSrcDeposit, minDstDeposit *big.Int) (*types.Order, error) {
	unlock := c.locks.Lock(orderID)
	defer unlock()

	order, err := c.store.Get(orderID)
	if err != nil {
		return nil, errs.ErrOrderNotFound
	}
	if order.Status != types.StatusCommitted {
		return nil, errs.ErrWrongStatus
	}
	if order.Resolver != resolver {
		return nil, errs.ErrNotOwner
	}

	srcGw, err := c.gateway(order.Intent.SrcChain)
	if err != nil {
		return nil, err
	}
	dstGw, err := c.gateway(order.Intent.DstChain)
	if err != nil {
		return nil, err
	}

	srcDeposit, err := srcGw.EscrowBalance(ctx, srcEscrow, "")
	if err != nil {
		return nil, fmt.Errorf("coordinator: read src escrow balance: %w", err)
	}
	if srcDeposit.Cmp(minSrcDeposit) < 0 {
		return nil, errs.ErrFundVerification
	}
	dstDeposit, err := dstGw.EscrowBalance(ctx, dstEscrow, "")
	if err != nil {
		return nil, fmt.Errorf("coordinator: read dst escrow balance: %w", err)
	}
	if dstDeposit.Cmp(minDstDeposit) < 0 {
		return nil, errs.ErrFundVerification
	}

	order.SrcEscrow = srcEscrow
	order.DstEscrow = dstEscrow
	if err := c.store.Save(order); err != nil {
		return nil, fmt.Errorf("coordinator: persist escrows: %w", err)
	}

	return c.moveUserFunds(ctx, order)
}

// moveUserFunds implements spec §4.6 moveUserFunds(orderId). Called only
// from EscrowsReady, already holding the order's lock.
func (c *Controller) moveUserFunds(ctx context.Context, order *types.Order) (*types.Order, error) {
	gw, err := c.gateway(order.Intent.SrcChain)
	if err != nil {
		return nil, err
	}

	txHash, err := gw.TransferUserFunds(ctx, order.ID, order.Intent.Maker, order.Intent.SrcToken, order.Intent.SrcAmount)
	if err != nil {
		return nil, fmt.Errorf("coordinator: move user funds: %w", err)
	}

	now := c.clock.Now()
	order.Status = types.StatusSettling
	order.FundsMovedAt = &now
	order.SrcSettlementTx = txHash

	if err := c.store.Save(order); err != nil {
		return nil, fmt.Errorf("coordinator: persist settling: %w", err)
	}

	c.log.Info("user funds moved", zap.String("order_id", order.ID), zap.String("tx_hash", txHash))
	return order, nil
}

// NotifySettlement implements spec §4.6 notifySettlement(...). Requires
// SETTLING and a matching resolver; C1 verifies both escrows are funded at
// the quoted amounts, then (after secretRevealDelay) transitions to
// COMPETING via publishSecretForCompetition.
func (c *Controller) NotifySettlement(ctx context.Context, orderID, resolver string, dstAmount *big.Int, dstTxHash string) (*types.Order, error) {
	unlock := c.locks.Lock(orderID)

	order, err := c.store.Get(orderID)
	if err != nil {
		unlock()
		return nil, errs.ErrOrderNotFound
	}
	if order.Status != types.StatusSettling {
		unlock()
		return nil, errs.ErrWrongStatus
	}
	if order.Resolver != resolver {
		unlock()
		return nil, errs.ErrNotOwner
	}

	srcGw, err := c.gateway(order.Intent.SrcChain)
	if err != nil {
		unlock()
		return nil, err
	}
	dstGw, err := c.gateway(order.Intent.DstChain)
	if err != nil {
		unlock()
		return nil, err
	}

	srcBalance, err := srcGw.EscrowBalance(ctx, order.SrcEscrow, order.Intent.SrcToken)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("coordinator: verify src escrow funds: %w", err)
	}
	if srcBalance.Cmp(order.Intent.SrcAmount) < 0 {
		unlock()
		return nil, errs.ErrFundVerification
	}
	dstBalance, err := dstGw.EscrowBalance(ctx, order.DstEscrow, order.Intent.DstToken)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("coordinator: verify dst escrow funds: %w", err)
	}
	if dstBalance.Cmp(dstAmount) < 0 {
		unlock()
		return nil, errs.ErrFundVerification
	}

	order.DstSettlementTx = dstTxHash
	if err := c.store.Save(order); err != nil {
		unlock()
		return nil, fmt.Errorf("coordinator: persist settlement: %w", err)
	}
	unlock()

	// The secretRevealDelay wait and the transition to COMPETING happen in
	// a detached supervisor (spec §5 "per-settlement supervisor tasks
	// spawned at notifySettlement"), so NotifySettlement itself returns
	// promptly and the HTTP caller isn't blocked for secretRevealDelay.
	go c.awaitSecretRevealDelay(context.Background(), orderID, dstAmount)

	return order, nil
}

func (c *Controller) awaitSecretRevealDelay(ctx context.Context, orderID string, dstAmount *big.Int) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(c.cfg.SecretRevealDelay):
	}
	if _, err := c.PublishSecretForCompetition(ctx, orderID, dstAmount); err != nil {
		c.log.Error("publishSecretForCompetition failed", zap.String("order_id", orderID), zap.Error(err))
	}
}

// PublishSecretForCompetition implements spec §4.6. Sets the competition
// deadline, publishes the preimage on SecretBroadcast, and performs the
// Controller's own authoritative reveal.
func (c *Controller) PublishSecretForCompetition(ctx context.Context, orderID string, dstAmount *big.Int) (*types.Order, error) {
	unlock := c.locks.Lock(orderID)
	defer unlock()

	order, err := c.store.Get(orderID)
	if err != nil {
		return nil, errs.ErrOrderNotFound
	}
	if order.Status != types.StatusSettling {
		return nil, errs.ErrWrongStatus
	}

	secret, err := c.store.GetSecret(orderID)
	if err != nil {
		return nil, fmt.Errorf("coordinator: load secret: %w", err)
	}
	preimage, err := hex.DecodeString(secret.Preimage)
	if err != nil {
		return nil, fmt.Errorf("coordinator: decode preimage: %w", err)
	}

	now := c.clock.Now()
	deadline := now.Add(c.cfg.CompetitionWindow)
	order.Status = types.StatusCompeting
	order.CompetitionDeadline = &deadline
	if err := c.store.Save(order); err != nil {
		return nil, fmt.Errorf("coordinator: persist competing: %w", err)
	}

	if err := c.bus.PublishSecret(types.SecretBroadcast{
		OrderID: orderID, Preimage: secret.Preimage, ResolverAddress: order.Resolver,
		SrcEscrow: order.SrcEscrow, DstEscrow: order.DstEscrow,
		SrcChain: order.Intent.SrcChain, DstChain: order.Intent.DstChain,
		SrcAmount: order.Intent.SrcAmount, DstAmount: dstAmount,
		Timestamp: now, CompetitionDeadline: deadline,
	}); err != nil {
		c.log.Warn("publish secret broadcast failed", zap.String("order_id", orderID), zap.Error(err))
	}

	return c.completeReveal(ctx, order, preimage)
}

// completeReveal performs the Controller's authoritative reveal on the
// destination chain, marking the order COMPLETED on success. Idempotent
// against the on-chain alreadyClaimed guard (spec §5 cancellation note).
func (c *Controller) completeReveal(ctx context.Context, order *types.Order, preimage []byte) (*types.Order, error) {
	dstGw, err := c.gateway(order.Intent.DstChain)
	if err != nil {
		return order, err
	}

	txHash, err := dstGw.RevealOnDestination(ctx, order.DstEscrow, preimage)
	switch {
	case err == nil:
		now := c.clock.Now()
		order.Status = types.StatusCompleted
		order.SecretRevealedAt = &now
		order.SecretRevealTx = txHash
		if err := c.store.Save(order); err != nil {
			return order, fmt.Errorf("coordinator: persist completed: %w", err)
		}
		if err := c.store.MarkRevealed(order.ID, now); err != nil {
			c.log.Warn("mark secret revealed failed", zap.String("order_id", order.ID), zap.Error(err))
		}
		if err := c.store.UpdateCommitmentStatus(order.ID, order.Resolver, types.CommitmentCompleted); err != nil {
			c.log.Warn("mark commitment completed failed", zap.String("order_id", order.ID), zap.Error(err))
		}
		c.claimDeposit(order.ID, order.Resolver, txHash)
		return order, nil

	case errors.Is(err, chain.ErrAlreadyClaimed):
		// Someone else (maker or a rescuer) already unlocked the
		// destination escrow using the broadcast preimage — that's the
		// competition mechanism working as designed (spec §4.6 "Key
		// algorithmic choices: Competition").
		now := c.clock.Now()
		order.Status = types.StatusCompleted
		order.SecretRevealedAt = &now
		if err := c.store.Save(order); err != nil {
			return order, fmt.Errorf("coordinator: persist completed (already claimed): %w", err)
		}
		c.claimDeposit(order.ID, order.Resolver, "")
		return order, nil

	default:
		return order, fmt.Errorf("%w: %v", errs.ErrIrrecoverableSettlement, err)
	}
}

// RevealDue implements spec §4.5's safety-net event: a SETTLING order whose
// funds moved more than 120s ago with no reveal yet — normally
// awaitSecretRevealDelay already drove this, but a coordinator restart
// during the wait would otherwise strand the order in SETTLING forever.
// dstAmount is recovered from the committed price rather than threaded
// through persistence, since the SecretBroadcast schema needs it and
// CommittedPrice is exactly what notifySettlement confirmed the taker
// amount was priced at.
func (c *Controller) RevealDue(ctx context.Context, orderID string) error {
	order, err := c.store.Get(orderID)
	if err != nil {
		return errs.ErrOrderNotFound
	}
	if order.Status != types.StatusSettling || order.CommittedPrice == nil {
		return nil
	}
	srcDecimals := c.resolveDecimals(ctx, order.Intent.SrcChain, order.Intent.SrcToken)
	dstDecimals := c.resolveDecimals(ctx, order.Intent.DstChain, order.Intent.DstToken)
	dstAmount := pricing.TokenAmounts(order.Intent.SrcAmount, srcDecimals, dstDecimals, order.CommittedPrice)
	_, err = c.PublishSecretForCompetition(ctx, orderID, dstAmount)
	return err
}

// CommitmentLapsed implements spec §4.6: COMMITTED → RESCUE_AVAILABLE.
// Driven by the Reaper (C7), never called from the HTTP surface.
func (c *Controller) CommitmentLapsed(orderID string) error {
	unlock := c.locks.Lock(orderID)
	defer unlock()

	order, err := c.store.Get(orderID)
	if err != nil {
		return errs.ErrOrderNotFound
	}
	if order.Status != types.StatusCommitted {
		return nil // already moved on; reaper ticks are idempotent
	}

	if err := c.store.UpdateCommitmentStatus(orderID, order.Resolver, types.CommitmentFailed); err != nil {
		c.log.Warn("mark lapsed commitment failed", zap.String("order_id", orderID), zap.Error(err))
	}

	order.Status = types.StatusRescueAvailable
	if err := c.store.Save(order); err != nil {
		return fmt.Errorf("coordinator: persist rescue available: %w", err)
	}
	c.log.Info("commitment lapsed, order rescuable", zap.String("order_id", orderID), zap.String("defaulted_resolver", order.Resolver))
	return nil
}

// OrderExpired implements spec §4.6: ACTIVE → FAILED.
func (c *Controller) OrderExpired(orderID string) error {
	unlock := c.locks.Lock(orderID)
	defer unlock()

	order, err := c.store.Get(orderID)
	if err != nil {
		return errs.ErrOrderNotFound
	}
	if order.Status != types.StatusActive {
		return nil
	}
	order.Status = types.StatusFailed
	if err := c.store.Save(order); err != nil {
		return fmt.Errorf("coordinator: persist expired: %w", err)
	}
	c.log.Info("order expired", zap.String("order_id", orderID))
	return nil
}

// CompetitionTimeout implements spec §4.6: if still COMPETING and
// unrevealed, the Controller reveals itself via the authoritative channel;
// if that also fails, FAILED.
func (c *Controller) CompetitionTimeout(ctx context.Context, orderID string) error {
	unlock := c.locks.Lock(orderID)
	defer unlock()

	order, err := c.store.Get(orderID)
	if err != nil {
		return errs.ErrOrderNotFound
	}
	if order.Status != types.StatusCompeting {
		return nil
	}

	secret, err := c.store.GetSecret(orderID)
	if err != nil {
		order.Status = types.StatusFailed
		_ = c.store.Save(order)
		return fmt.Errorf("coordinator: load secret for competition timeout: %w", err)
	}
	preimage, err := hex.DecodeString(secret.Preimage)
	if err != nil {
		order.Status = types.StatusFailed
		_ = c.store.Save(order)
		return fmt.Errorf("coordinator: decode preimage for competition timeout: %w", err)
	}

	if _, err := c.completeReveal(ctx, order, preimage); err != nil {
		order.Status = types.StatusFailed
		if saveErr := c.store.Save(order); saveErr != nil {
			return fmt.Errorf("coordinator: persist failed after timeout reveal: %w", saveErr)
		}
		c.log.Warn("competition timeout: reveal failed, order failed", zap.String("order_id", orderID), zap.Error(err))
		return nil
	}
	return nil
}

// RescueOrder lets any resolver take over a RESCUE_AVAILABLE order —
// implemented as Commit, since §4.6 treats RESCUE_AVAILABLE as re-entrant
// into COMMITTED with a fresh resolver and deadline.
func (c *Controller) RescueOrder(ctx context.Context, orderID, resolver string) (*types.Order, string, error) {
	order, err := c.store.Get(orderID)
	if err != nil {
		return nil, "", errs.ErrOrderNotFound
	}
	if order.Status != types.StatusRescueAvailable {
		return nil, "", errs.ErrNotRescuable
	}
	originalResolver := order.Resolver
	now := c.clock.Now()
	result, err := c.Commit(ctx, orderID, resolver, pricing.CurrentPrice(order.Auction, now.Unix()))
	if err != nil {
		return nil, "", err
	}
	return result.Order, originalResolver, nil
}

// PartialFill implements the optional fillMode=partial path (SPEC_FULL.md
// §2): a COMMITTED order may be filled by one or more resolvers in
// increments, each redeemable against the Merkle secret tree band its
// cumulative fill lands in. The order completes, in the single-secret
// sense the rest of the state machine understands, once cumulative fill
// reaches srcAmount — at which point the Controller reveals using the
// tree's final (100%) secret exactly as completeReveal would for a
// single-secret order.
func (c *Controller) PartialFill(ctx context.Context, orderID, resolver string, amount *big.Int, txHash string) (secret string, completed bool, err error) {
	if c.partials == nil {
		return "", false, fmt.Errorf("coordinator: partial fills are disabled")
	}

	unlock := c.locks.Lock(orderID)
	defer unlock()

	order, err := c.store.Get(orderID)
	if err != nil {
		return "", false, errs.ErrOrderNotFound
	}
	if order.FillMode != types.FillModePartial {
		return "", false, errs.ErrWrongStatus
	}
	if order.Status != types.StatusCommitted && order.Status != types.StatusSettling {
		return "", false, errs.ErrWrongStatus
	}

	if _, ok := c.partials.Get(orderID); !ok {
		if _, err := c.partials.CreateOrder(orderID, order.Intent.SrcAmount, c.partialFillParts); err != nil {
			return "", false, fmt.Errorf("coordinator: start partial fill tracking: %w", err)
		}
	}

	secret, completed, err = c.partials.Fill(orderID, resolver, amount, txHash)
	if err != nil {
		return "", false, fmt.Errorf("coordinator: %w", err)
	}

	if completed {
		preimageBytes, decodeErr := hex.DecodeString(secret)
		if decodeErr != nil {
			return secret, true, fmt.Errorf("coordinator: decode final partial-fill secret: %w", decodeErr)
		}
		if _, err := c.completeReveal(ctx, order, preimageBytes); err != nil {
			return secret, true, err
		}
	}
	return secret, completed, nil
}

func (c *Controller) escrowFactoryAddress(chainID string) (string, error) {
	gw, err := c.gateway(chainID)
	if err != nil {
		return "", err
	}
	type withEscrowFactory interface{ EscrowFactory() string }
	if ef, ok := gw.(withEscrowFactory); ok {
		return ef.EscrowFactory(), nil
	}
	return "", fmt.Errorf("coordinator: gateway for chain %s exposes no escrow factory address", chainID)
}
