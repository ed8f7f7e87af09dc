package pricing

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unite-defi/relayer/internal/types"
)

func auction(start, end time.Time, startPrice, endPrice int64, durationSeconds int64) types.Auction {
	return types.Auction{
		StartPrice: big.NewInt(startPrice),
		EndPrice:   big.NewInt(endPrice),
		Duration:   durationSeconds,
		StartTime:  start,
	}
}

func TestCurrentPrice_Monotonic(t *testing.T) {
	start := time.Unix(1_000_000, 0)
	a := auction(start, start, 1_000_000, 900_000, 100)

	prev := CurrentPrice(a, start.Unix())
	for elapsed := int64(1); elapsed <= 100; elapsed++ {
		p := CurrentPrice(a, start.Unix()+elapsed)
		assert.True(t, p.Cmp(prev) <= 0, "price must never increase as the auction decays: prev=%s cur=%s", prev, p)
		prev = p
	}
}

func TestCurrentPrice_ClampsBeforeStartAndAfterEnd(t *testing.T) {
	start := time.Unix(2_000_000, 0)
	a := auction(start, start, 1_000_000, 800_000, 60)

	require.Equal(t, a.StartPrice, CurrentPrice(a, start.Unix()-10))
	require.Equal(t, a.EndPrice, CurrentPrice(a, start.Unix()+60))
	require.Equal(t, a.EndPrice, CurrentPrice(a, start.Unix()+1000))
}

func TestCurrentPrice_MidpointDecay(t *testing.T) {
	start := time.Unix(0, 0)
	a := auction(start, start, 1_000_000, 800_000, 100)

	got := CurrentPrice(a, 50)
	assert.Equal(t, big.NewInt(900_000), got)
}

func TestValidateQuote_RejectsBelowEndPrice(t *testing.T) {
	start := time.Unix(0, 0)
	a := auction(start, start, 1_000_000, 900_000, 100)

	err := ValidateQuote(a, big.NewInt(800_000), 50, nil)
	assert.ErrorIs(t, err, ErrPriceOutOfBand)
}

func TestValidateQuote_RejectsAboveCurrentPriceWithoutTolerance(t *testing.T) {
	start := time.Unix(0, 0)
	a := auction(start, start, 1_000_000, 900_000, 100)

	err := ValidateQuote(a, big.NewInt(1_000_000), 50, nil)
	assert.ErrorIs(t, err, ErrPriceOutOfBand)
}

func TestValidateQuote_AcceptsWithinTolerance(t *testing.T) {
	start := time.Unix(0, 0)
	a := auction(start, start, 1_000_000, 900_000, 100)

	// current price at t=50 is 950_000; a quote of 955_000 needs 5_000 tolerance.
	err := ValidateQuote(a, big.NewInt(955_000), 50, big.NewInt(5_000))
	assert.NoError(t, err)
}

func TestValidateQuote_RejectsInvertedAuction(t *testing.T) {
	start := time.Unix(0, 0)
	a := auction(start, start, 900_000, 1_000_000, 100)

	err := ValidateQuote(a, big.NewInt(950_000), 0, nil)
	assert.ErrorIs(t, err, ErrAuctionInverted)
}

func TestTokenAmounts_EqualDecimals(t *testing.T) {
	// 1_000_000 base units at par price (1e6 internal scale == 1.0).
	got := TokenAmounts(big.NewInt(1_000_000), 6, 6, big.NewInt(1_000_000))
	assert.Equal(t, big.NewInt(1_000_000), got)
}

func TestTokenAmounts_ScalesAcrossDecimals(t *testing.T) {
	// 1 token at 6 decimals -> 18-decimal destination at par price.
	src := big.NewInt(1_000_000)
	got := TokenAmounts(src, 6, 18, big.NewInt(1_000_000))
	want := new(big.Int).Mul(big.NewInt(1), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
	assert.Equal(t, want, got)
}

func TestTokenAmounts_DiscountedPrice(t *testing.T) {
	// quoted at 0.9 of par: dstAmount = srcAmount * 0.9
	got := TokenAmounts(big.NewInt(1_000_000), 6, 6, big.NewInt(900_000))
	assert.Equal(t, big.NewInt(900_000), got)
}
