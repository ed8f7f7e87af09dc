package coordinator

import (
	"context"
	"crypto/sha256"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/unite-defi/relayer/internal/chain"
	"github.com/unite-defi/relayer/internal/config"
	"github.com/unite-defi/relayer/internal/coordinator/errs"
	"github.com/unite-defi/relayer/internal/partialfill"
	"github.com/unite-defi/relayer/internal/safety"
	"github.com/unite-defi/relayer/internal/sig"
	"github.com/unite-defi/relayer/internal/types"
)

const (
	testSrcChain = "84532"
	testDstChain = "421614"
	testFactory  = "0x0000000000000000000000000000000000000aa1"
)

var errFakeNotFound = errors.New("fake store: not found")

// fakeStore is an in-memory Store double: sqlmock can't model the evolving
// row state a full admit-to-completion lifecycle walks through without
// pinning every intermediate UPDATE by hand, so the Lifecycle Controller's
// own tests exercise it against a tiny map-backed fake instead.
type fakeStore struct {
	mu          sync.Mutex
	orders      map[string]*types.Order
	secrets     map[string]*types.Secret
	commitments []*types.ResolverCommitment
}

func newFakeStore() *fakeStore {
	return &fakeStore{orders: make(map[string]*types.Order), secrets: make(map[string]*types.Secret)}
}

func (s *fakeStore) Get(orderID string) (*types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, errFakeNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *fakeStore) Save(order *types.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *order
	s.orders[order.ID] = &cp
	return nil
}

func (s *fakeStore) ListByStatus(status types.Status) ([]*types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Order
	for _, o := range s.orders {
		if o.Status == status {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeStore) SaveSecret(secret *types.Secret) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *secret
	s.secrets[secret.OrderID] = &cp
	return nil
}

func (s *fakeStore) GetSecret(orderID string) (*types.Secret, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sec, ok := s.secrets[orderID]
	if !ok {
		return nil, errFakeNotFound
	}
	cp := *sec
	return &cp, nil
}

func (s *fakeStore) MarkRevealed(orderID string, revealedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sec, ok := s.secrets[orderID]; ok {
		sec.RevealedAt = &revealedAt
	}
	return nil
}

func (s *fakeStore) SaveCommitment(c *types.ResolverCommitment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.commitments = append(s.commitments, &cp)
	return nil
}

func (s *fakeStore) UpdateCommitmentStatus(orderID, resolver string, status types.CommitmentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.commitments {
		if c.OrderID == orderID && c.Resolver == resolver && c.Status == types.CommitmentActive {
			c.Status = status
		}
	}
	return nil
}

// fakePublisher is the coordinator.Publisher test double: it records every
// broadcast instead of requiring a live NATS connection.
type fakePublisher struct {
	mu      sync.Mutex
	orders  []types.OrderBroadcast
	secrets []types.SecretBroadcast
}

func (f *fakePublisher) PublishOrder(b types.OrderBroadcast) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = append(f.orders, b)
	return nil
}

func (f *fakePublisher) PublishSecret(b types.SecretBroadcast) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.secrets = append(f.secrets, b)
	return nil
}

func (f *fakePublisher) orderCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.orders)
}

func (f *fakePublisher) secretCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.secrets)
}

func (f *fakePublisher) lastSecret() types.SecretBroadcast {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.secrets[len(f.secrets)-1]
}

// staticOracle answers every pair with one configured price; these tests
// configure par, i.e. the internal price scale's 1.0.
type staticOracle struct{ price *big.Int }

func (o staticOracle) MarketPrice(ctx context.Context, srcToken, dstToken string) (*big.Int, error) {
	return new(big.Int).Set(o.price), nil
}

func newTestController(t *testing.T) (*Controller, *chain.MockGateway, *chain.MockGateway, *fakePublisher, *safety.Ledger) {
	t.Helper()

	srcGw := chain.NewMockGateway(testSrcChain)
	srcGw.SetEscrowFactory(testFactory)
	dstGw := chain.NewMockGateway(testDstChain)

	gateways := map[string]chain.Gateway{testSrcChain: srcGw, testDstChain: dstGw}
	pub := &fakePublisher{}
	deposits := safety.NewLedger(safety.Config{ForfeitWindow: time.Hour})

	verifier := sig.NewVerifier("unite-defi-coordinator", "1", func(chainID string) (string, error) {
		return testFactory, nil
	})

	c := New(Deps{
		Store:            newFakeStore(),
		Bus:              pub,
		Verifier:         verifier,
		Gateways:         gateways,
		Oracle:           staticOracle{price: big.NewInt(1_000_000)},
		Decimals:         chain.NewDecimalsResolver(gateways),
		Deposits:         deposits,
		MinSafetyDeposit: map[string]*big.Int{testSrcChain: big.NewInt(1_000)},
		Partials:         partialfill.NewTracker(),
		Config: config.Coordinator{
			FastAuctionDuration:      60 * time.Second,
			ResolverCommitmentWindow: 5 * time.Minute,
			SecretRevealDelay:        10 * time.Millisecond,
			CompetitionWindow:        5 * time.Minute,
			QuoteTolerance:           0,
		},
		Log: zap.NewNop(),
	})
	return c, srcGw, dstGw, pub, deposits
}

// admitSampleOrder signs and admits one order, mirroring spec §8's scenario
// 1 fixture (a fresh maker key, srcAmount 1_000_000, minAcceptablePrice
// 900_000, both chains from the suite's fixed chain-ids). Returns the
// admitted order, its preimage, the signed intent, and the signature Admit accepted, so
// callers can exercise a genuine replay.
func admitSampleOrder(t *testing.T, c *Controller, srcGw *chain.MockGateway) (*types.Order, []byte, types.Intent, []byte) {
	t.Helper()
	return admitSampleOrderMode(t, c, srcGw, types.FillModeSingle)
}

// admitSampleOrderMode is admitSampleOrder with an explicit fill mode, for
// tests exercising the optional partial-fill path.
func admitSampleOrderMode(t *testing.T, c *Controller, srcGw *chain.MockGateway, fillMode types.FillMode) (*types.Order, []byte, types.Intent, []byte) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	maker := crypto.PubkeyToAddress(key.PublicKey).Hex()

	preimage := []byte("0123456789abcdef0123456789abcdef")[:32]
	hash := sha256.Sum256(preimage)

	intent := types.Intent{
		Maker:              maker,
		SrcChain:           testSrcChain,
		SrcToken:           "0x0000000000000000000000000000000000000002",
		SrcAmount:          big.NewInt(1_000_000),
		DstChain:           testDstChain,
		DstToken:           "0x0000000000000000000000000000000000000003",
		SecretHash:         hexEncode(hash[:]),
		MinAcceptablePrice: big.NewInt(900_000),
		OrderDuration:      300,
		Nonce:              1,
		Deadline:           time.Now().Add(time.Hour).Unix(),
	}

	verifier := sig.NewVerifier("unite-defi-coordinator", "1", func(chainID string) (string, error) {
		return testFactory, nil
	})
	digest, err := verifier.StructuralHash(intent)
	require.NoError(t, err)
	signature, err := crypto.Sign(digest[:], key)
	require.NoError(t, err)

	srcGw.SetAllowance(intent.SrcToken, intent.Maker, testFactory, big.NewInt(1_000_000))
	srcGw.SetAllowance(intent.SrcToken, intent.Maker, "coordinator", big.NewInt(1_000_000))

	order, err := c.Admit(context.Background(), intent, signature, preimage, fillMode)
	require.NoError(t, err)
	return order, preimage, intent, signature
}

func hexEncode(b []byte) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hexdigits[v>>4]
		out[i*2+1] = hexdigits[v&0x0f]
	}
	return string(out)
}

func TestAdmit_RejectsInsufficientAllowance(t *testing.T) {
	c, _, _, _, _ := newTestController(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	maker := crypto.PubkeyToAddress(key.PublicKey).Hex()

	preimage := []byte("0123456789abcdef0123456789abcdef")[:32]
	hash := sha256.Sum256(preimage)
	intent := types.Intent{
		Maker: maker, SrcChain: testSrcChain, SrcToken: "0xT1", SrcAmount: big.NewInt(1_000_000),
		DstChain: testDstChain, DstToken: "0xT2", SecretHash: hexEncode(hash[:]),
		MinAcceptablePrice: big.NewInt(900_000), OrderDuration: 300, Nonce: 1, Deadline: time.Now().Add(time.Hour).Unix(),
	}
	verifier := sig.NewVerifier("unite-defi-coordinator", "1", func(string) (string, error) { return testFactory, nil })
	digest, err := verifier.StructuralHash(intent)
	require.NoError(t, err)
	signature, err := crypto.Sign(digest[:], key)
	require.NoError(t, err)

	// allowance intentionally left unset (zero)
	_, err = c.Admit(context.Background(), intent, signature, preimage, types.FillModeSingle)
	require.Error(t, err)
}

func TestAdmit_IsIdempotentOnReplay(t *testing.T) {
	c, srcGw, _, pub, _ := newTestController(t)
	order, preimage, intent, signature := admitSampleOrder(t, c, srcGw)

	replayed, err := c.Admit(context.Background(), intent, signature, preimage, types.FillModeSingle)
	require.ErrorIs(t, err, errs.ErrDuplicateOrder)
	require.Equal(t, order.ID, replayed.ID)
	require.Equal(t, 1, pub.orderCount()) // no second broadcast on replay
}

func TestLifecycle_HappyPath(t *testing.T) {
	c, srcGw, dstGw, pub, deposits := newTestController(t)
	order, preimage, _, _ := admitSampleOrder(t, c, srcGw)
	require.Equal(t, types.StatusActive, order.Status)
	require.Equal(t, 1, pub.orderCount())

	result, err := c.Commit(context.Background(), order.ID, "resolver-a", order.Auction.StartPrice)
	require.NoError(t, err)
	require.Equal(t, types.StatusCommitted, result.Order.Status)

	current, _, ok := deposits.Get(order.ID)
	require.True(t, ok)
	require.Equal(t, "resolver-a", current.Resolver)

	srcEscrow, dstEscrow := "0xsrcescrow", "0xdstescrow"
	srcGw.SetEscrowBalance(srcEscrow, "", big.NewInt(1_000))
	dstGw.SetEscrowBalance(dstEscrow, "", big.NewInt(1_000))

	_, err = c.EscrowsReady(context.Background(), order.ID, "resolver-a", srcEscrow, dstEscrow, "0xsrctx", "0xdsttx",
		big.NewInt(1_000), big.NewInt(1_000))
	require.NoError(t, err)

	settled, err := c.Order(order.ID)
	require.NoError(t, err)
	require.Equal(t, types.StatusSettling, settled.Status)

	srcGw.SetEscrowBalance(srcEscrow, order.Intent.SrcToken, order.Intent.SrcAmount)
	dstGw.SetEscrowBalance(dstEscrow, order.Intent.DstToken, big.NewInt(1_000_000))

	_, err = c.NotifySettlement(context.Background(), order.ID, "resolver-a", big.NewInt(1_000_000), "0xdstsettle")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		o, err := c.Order(order.ID)
		return err == nil && o.Status == types.StatusCompleted
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, 1, pub.secretCount())
	require.Equal(t, hexEncode(preimage), pub.lastSecret().Preimage)

	current, _, ok = deposits.Get(order.ID)
	require.True(t, ok)
	require.Equal(t, safety.StatusClaimed, current.Status)
	require.Equal(t, safety.ClaimReasonCompleted, current.ClaimReason)
}

func TestCommit_RejectsQuoteOutsideAuctionBand(t *testing.T) {
	c, srcGw, _, _, _ := newTestController(t)
	order, _, _, _ := admitSampleOrder(t, c, srcGw)

	tooHigh := new(big.Int).Add(order.Auction.StartPrice, big.NewInt(1))
	_, err := c.Commit(context.Background(), order.ID, "resolver-a", tooHigh)
	require.Error(t, err)
}

func TestEscrowsReady_RejectsUnderfundedEscrow(t *testing.T) {
	c, srcGw, dstGw, _, _ := newTestController(t)
	order, _, _, _ := admitSampleOrder(t, c, srcGw)

	_, err := c.Commit(context.Background(), order.ID, "resolver-a", order.Auction.StartPrice)
	require.NoError(t, err)

	dstGw.SetEscrowBalance("0xdst", "", big.NewInt(1))
	_, err = c.EscrowsReady(context.Background(), order.ID, "resolver-a", "0xsrc", "0xdst", "0xtx1", "0xtx2",
		big.NewInt(1_000), big.NewInt(1_000))
	require.Error(t, err)
}

func TestRescue_ForfeitsLapsedResolverAndReassigns(t *testing.T) {
	c, srcGw, _, _, deposits := newTestController(t)
	order, _, _, _ := admitSampleOrder(t, c, srcGw)

	_, err := c.Commit(context.Background(), order.ID, "resolver-a", order.Auction.StartPrice)
	require.NoError(t, err)

	require.NoError(t, c.CommitmentLapsed(order.ID))
	lapsed, err := c.Order(order.ID)
	require.NoError(t, err)
	require.Equal(t, types.StatusRescueAvailable, lapsed.Status)

	rescued, originalResolver, err := c.RescueOrder(context.Background(), order.ID, "resolver-b")
	require.NoError(t, err)
	require.Equal(t, "resolver-a", originalResolver)
	require.Equal(t, "resolver-b", rescued.Resolver)
	require.Equal(t, types.StatusCommitted, rescued.Status)

	current, history, ok := deposits.Get(order.ID)
	require.True(t, ok)
	require.Len(t, history, 1)
	require.Equal(t, "resolver-a", history[0].Resolver)
	require.Equal(t, safety.StatusForfeited, history[0].Status)
	require.Equal(t, "resolver-b", current.Resolver)
}

func TestRescueOrder_RejectsWhenNotRescuable(t *testing.T) {
	c, srcGw, _, _, _ := newTestController(t)
	order, _, _, _ := admitSampleOrder(t, c, srcGw)

	_, _, err := c.RescueOrder(context.Background(), order.ID, "resolver-b")
	require.Error(t, err)
}

func TestOrderSecret_RejectsNonOwningResolver(t *testing.T) {
	c, srcGw, _, _, _ := newTestController(t)
	order, _, _, _ := admitSampleOrder(t, c, srcGw)

	_, err := c.Commit(context.Background(), order.ID, "resolver-a", order.Auction.StartPrice)
	require.NoError(t, err)

	_, _, err = c.OrderSecret(order.ID, "resolver-b")
	require.Error(t, err)
}

func TestOrderExpired_MovesActiveToFailed(t *testing.T) {
	c, srcGw, _, _, _ := newTestController(t)
	order, _, _, _ := admitSampleOrder(t, c, srcGw)

	require.NoError(t, c.OrderExpired(order.ID))
	got, err := c.Order(order.ID)
	require.NoError(t, err)
	require.Equal(t, types.StatusFailed, got.Status)
}

func TestPublishSecretForCompetition_CompletesViaAuthoritativeReveal(t *testing.T) {
	c, srcGw, dstGw, _, _ := newTestController(t)
	order, _, _, _ := admitSampleOrder(t, c, srcGw)

	_, err := c.Commit(context.Background(), order.ID, "resolver-a", order.Auction.StartPrice)
	require.NoError(t, err)

	srcEscrow, dstEscrow := "0xsrcescrow2", "0xdstescrow2"
	srcGw.SetEscrowBalance(srcEscrow, "", big.NewInt(1_000))
	dstGw.SetEscrowBalance(dstEscrow, "", big.NewInt(1_000))
	_, err = c.EscrowsReady(context.Background(), order.ID, "resolver-a", srcEscrow, dstEscrow, "0xtx1", "0xtx2",
		big.NewInt(1_000), big.NewInt(1_000))
	require.NoError(t, err)

	srcGw.SetEscrowBalance(srcEscrow, order.Intent.SrcToken, order.Intent.SrcAmount)
	dstGw.SetEscrowBalance(dstEscrow, order.Intent.DstToken, big.NewInt(1_000_000))

	// Drive the settling->competing transition directly instead of waiting
	// on the detached secretRevealDelay goroutine.
	_, err = c.PublishSecretForCompetition(context.Background(), order.ID, big.NewInt(1_000_000))
	require.NoError(t, err)

	got, err := c.Order(order.ID)
	require.NoError(t, err)
	require.Equal(t, types.StatusCompleted, got.Status) // completeReveal already ran
}

func TestPartialFill_CompletesOrderOnceFullyFilled(t *testing.T) {
	c, srcGw, dstGw, _, _ := newTestController(t)
	order, _, _, _ := admitSampleOrderMode(t, c, srcGw, types.FillModePartial)

	_, err := c.Commit(context.Background(), order.ID, "resolver-a", order.Auction.StartPrice)
	require.NoError(t, err)

	srcEscrow, dstEscrow := "0xsrcpartial", "0xdstpartial"
	srcGw.SetEscrowBalance(srcEscrow, "", big.NewInt(1_000))
	dstGw.SetEscrowBalance(dstEscrow, "", big.NewInt(1_000))
	srcGw.SetEscrowBalance(srcEscrow, order.Intent.SrcToken, order.Intent.SrcAmount)
	dstGw.SetEscrowBalance(dstEscrow, order.Intent.DstToken, big.NewInt(1_000_000))
	_, err = c.EscrowsReady(context.Background(), order.ID, "resolver-a", srcEscrow, dstEscrow, "0xtx1", "0xtx2",
		big.NewInt(1_000), big.NewInt(1_000))
	require.NoError(t, err)

	half := new(big.Int).Div(order.Intent.SrcAmount, big.NewInt(2))
	secret1, completed1, err := c.PartialFill(context.Background(), order.ID, "resolver-a", half, "0xfill1")
	require.NoError(t, err)
	require.False(t, completed1)
	require.NotEmpty(t, secret1)

	remaining := new(big.Int).Sub(order.Intent.SrcAmount, half)
	secret2, completed2, err := c.PartialFill(context.Background(), order.ID, "resolver-a", remaining, "0xfill2")
	require.NoError(t, err)
	require.True(t, completed2)
	require.NotEqual(t, secret1, secret2)

	got, err := c.Order(order.ID)
	require.NoError(t, err)
	require.Equal(t, types.StatusCompleted, got.Status)
}

func TestPartialFill_RejectsSingleModeOrder(t *testing.T) {
	c, srcGw, _, _, _ := newTestController(t)
	order, _, _, _ := admitSampleOrder(t, c, srcGw)

	_, err := c.Commit(context.Background(), order.ID, "resolver-a", order.Auction.StartPrice)
	require.NoError(t, err)

	_, _, err = c.PartialFill(context.Background(), order.ID, "resolver-a", big.NewInt(1), "0xfill")
	require.Error(t, err)
}
