package reaper

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/unite-defi/relayer/internal/config"
	"github.com/unite-defi/relayer/internal/safety"
	"github.com/unite-defi/relayer/internal/types"
)

// fakeStore is an in-memory Store double: each deadline query returns
// whatever slice the test pre-loads, and Prune just records its argument.
type fakeStore struct {
	expired            []*types.Order
	expiredCommitments []*types.Order
	pendingReveal      []*types.Order
	competitionExpired []*types.Order

	pruneDays  int
	pruneCalls int
}

func (s *fakeStore) Expired(now time.Time) ([]*types.Order, error)            { return s.expired, nil }
func (s *fakeStore) ExpiredCommitments(now time.Time) ([]*types.Order, error) { return s.expiredCommitments, nil }
func (s *fakeStore) PendingReveal(now time.Time) ([]*types.Order, error)      { return s.pendingReveal, nil }
func (s *fakeStore) CompetitionExpired(now time.Time) ([]*types.Order, error) {
	return s.competitionExpired, nil
}
func (s *fakeStore) Prune(days int) (int64, error) {
	s.pruneDays = days
	s.pruneCalls++
	return 2, nil
}

// fakeController records every callback the reaper drives, instead of
// requiring a live Lifecycle Controller.
type fakeController struct {
	mu                  sync.Mutex
	expiredIDs          []string
	lapsedIDs           []string
	revealDueIDs        []string
	competitionTimeouts []string
}

func (c *fakeController) OrderExpired(orderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expiredIDs = append(c.expiredIDs, orderID)
	return nil
}

func (c *fakeController) CommitmentLapsed(orderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lapsedIDs = append(c.lapsedIDs, orderID)
	return nil
}

func (c *fakeController) RevealDue(ctx context.Context, orderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.revealDueIDs = append(c.revealDueIDs, orderID)
	return nil
}

func (c *fakeController) CompetitionTimeout(ctx context.Context, orderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.competitionTimeouts = append(c.competitionTimeouts, orderID)
	return nil
}

func TestTick_DrivesAllFourDeadlineCategories(t *testing.T) {
	store := &fakeStore{
		expired:            []*types.Order{{ID: "order-expired"}},
		expiredCommitments: []*types.Order{{ID: "order-lapsed"}},
		pendingReveal:      []*types.Order{{ID: "order-reveal"}},
		competitionExpired: []*types.Order{{ID: "order-competing"}},
	}
	ctrl := &fakeController{}
	r := New(store, ctrl, nil, config.Coordinator{}, zap.NewNop())

	r.tick(context.Background())

	assert.Equal(t, []string{"order-expired"}, ctrl.expiredIDs)
	assert.Equal(t, []string{"order-lapsed"}, ctrl.lapsedIDs)
	assert.Equal(t, []string{"order-reveal"}, ctrl.revealDueIDs)
	assert.Equal(t, []string{"order-competing"}, ctrl.competitionTimeouts)
}

func TestTick_DrivesEveryListedOrderInEachCategory(t *testing.T) {
	store := &fakeStore{
		expired:       []*types.Order{{ID: "order-a"}, {ID: "order-b"}},
		pendingReveal: []*types.Order{{ID: "order-c"}},
	}
	ctrl := &fakeController{}
	r := New(store, ctrl, nil, config.Coordinator{}, zap.NewNop())

	r.tick(context.Background())

	assert.ElementsMatch(t, []string{"order-a", "order-b"}, ctrl.expiredIDs)
	assert.Equal(t, []string{"order-c"}, ctrl.revealDueIDs)
}

func TestPrune_DefaultsRetentionDaysWhenUnset(t *testing.T) {
	store := &fakeStore{}
	r := New(store, &fakeController{}, nil, config.Coordinator{RetentionDays: 0}, zap.NewNop())

	r.prune()

	assert.Equal(t, 30, store.pruneDays)
	assert.Equal(t, 1, store.pruneCalls)
}

func TestPrune_UsesConfiguredRetentionDays(t *testing.T) {
	store := &fakeStore{}
	r := New(store, &fakeController{}, nil, config.Coordinator{RetentionDays: 7}, zap.NewNop())

	r.prune()

	assert.Equal(t, 7, store.pruneDays)
}

func TestPrune_SweepsExpiredSafetyDeposits(t *testing.T) {
	store := &fakeStore{}
	// A one-nanosecond forfeit window means any forfeited deposit is past
	// the window after the short sleep below, so Sweep expires it on the
	// next prune tick.
	deposits := safety.NewLedger(safety.Config{ForfeitWindow: time.Nanosecond})
	deposits.Post("order-1", "resolver-a", big.NewInt(1_000))
	deposits.Post("order-1", "resolver-b", big.NewInt(1_000)) // forfeits resolver-a's deposit
	time.Sleep(time.Millisecond)

	r := New(store, &fakeController{}, deposits, config.Coordinator{}, zap.NewNop())
	r.prune()

	_, history, ok := deposits.Get("order-1")
	require.True(t, ok)
	require.Len(t, history, 1)
	assert.Equal(t, safety.StatusExpired, history[0].Status)
}

func TestStartStop_RunsScanLoopUntilStopped(t *testing.T) {
	store := &fakeStore{expired: []*types.Order{{ID: "order-expired"}}}
	ctrl := &fakeController{}
	r := New(store, ctrl, nil, config.Coordinator{ReaperInterval: 5 * time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	require.Eventually(t, func() bool {
		ctrl.mu.Lock()
		defer ctrl.mu.Unlock()
		return len(ctrl.expiredIDs) > 0
	}, time.Second, 5*time.Millisecond)

	r.Stop()
}
