// Package pricing implements the Dutch-auction pricing engine (C4): a pure,
// deterministic function from auction parameters and wall-clock time to a
// current price, quote validation, and base-unit amount conversion. Nothing
// in this package performs I/O or suspends — grounded on the piecewise-rate
// interpolation the teacher's FusionOrder.CalculateCurrentRate does with
// big.Float, reworked here to the spec's integer fixed-point decay so two
// independent coordinator instances agree bit-for-bit.
package pricing

import (
	"errors"
	"math/big"

	"github.com/unite-defi/relayer/internal/types"
)

// internalPriceScale is the fixed-point denominator tokenAmounts uses to
// interpret a quoted price (spec §4.2: "fixed 6-decimal internal price
// scale").
var internalPriceScale = big.NewInt(1_000_000)

var (
	ErrAuctionInverted = errors.New("pricing: startPrice must be >= endPrice")
	ErrPriceOutOfBand  = errors.New("pricing: quoted price outside [endPrice, currentPrice+tolerance]")
)

// CurrentPrice returns the Dutch-auction price at tNow: startPrice decaying
// linearly to endPrice over duration seconds, clamped to endPrice once the
// auction has elapsed. Integer arithmetic only, matching spec §4.2 exactly:
// price = startPrice - (startPrice-endPrice)*elapsed/duration.
func CurrentPrice(a types.Auction, tNow int64) *big.Int {
	startTime := a.StartTime.Unix()
	elapsed := tNow - startTime
	if elapsed <= 0 {
		return new(big.Int).Set(a.StartPrice)
	}
	if elapsed >= a.Duration || a.Duration <= 0 {
		return new(big.Int).Set(a.EndPrice)
	}

	spread := new(big.Int).Sub(a.StartPrice, a.EndPrice)
	decayed := new(big.Int).Mul(spread, big.NewInt(elapsed))
	decayed.Quo(decayed, big.NewInt(a.Duration)) // truncates toward zero

	price := new(big.Int).Sub(a.StartPrice, decayed)
	if price.Cmp(a.EndPrice) < 0 {
		return new(big.Int).Set(a.EndPrice)
	}
	return price
}

// ValidateQuote checks a resolver-quoted price against the auction's current
// band: endPrice <= quoted <= currentPrice(tNow) + tolerance. Tolerance
// defaults to zero per spec §9 Open Question (c) — the coordinator applies
// none unless explicitly configured.
func ValidateQuote(a types.Auction, quoted *big.Int, tNow int64, tolerance *big.Int) error {
	if a.StartPrice.Cmp(a.EndPrice) < 0 {
		return ErrAuctionInverted
	}
	current := CurrentPrice(a, tNow)
	ceiling := new(big.Int).Set(current)
	if tolerance != nil {
		ceiling.Add(ceiling, tolerance)
	}
	if quoted.Cmp(a.EndPrice) < 0 || quoted.Cmp(ceiling) > 0 {
		return ErrPriceOutOfBand
	}
	return nil
}

// TokenAmounts converts a base-unit source amount into a base-unit
// destination amount at the quoted price, which is expressed at
// internalPriceScale (spec §4.2: "quoted scaled at a fixed 6-decimal
// internal price scale"). Division truncates toward zero.
//
// dstAmount = srcAmount * quoted * 10^dstDecimals / (10^srcDecimals * 1e6)
func TokenAmounts(srcAmount *big.Int, srcDecimals, dstDecimals uint8, quoted *big.Int) *big.Int {
	numerator := new(big.Int).Mul(srcAmount, quoted)
	if dstDecimals >= srcDecimals {
		scaleUp := pow10(dstDecimals - srcDecimals)
		numerator.Mul(numerator, scaleUp)
	}
	denominator := internalPriceScale
	if srcDecimals > dstDecimals {
		scaleDown := pow10(srcDecimals - dstDecimals)
		denominator = new(big.Int).Mul(internalPriceScale, scaleDown)
	}
	return numerator.Quo(numerator, denominator)
}

func pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
