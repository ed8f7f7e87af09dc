// Package oracle provides a minimal MarketOracle implementation. Spec §1
// explicitly treats price-feed production as out of scope ("price-feed
// production (treated as an oracle)"); this is a configured stand-in so
// the coordinator boots end-to-end, grounded on the teacher's config.go
// style of a flat, env-driven lookup table rather than any live feed.
package oracle

import (
	"context"
	"fmt"
	"math/big"
)

// StaticTable answers MarketPrice from a fixed table keyed by
// "srcToken|dstToken", falling back to par (1_000_000 at the pricing
// package's 6-decimal internal scale) for any pair it wasn't configured
// with. Operators wanting a live feed provide their own MarketOracle.
type StaticTable struct {
	prices map[string]*big.Int
	par    *big.Int
}

func NewStaticTable(prices map[string]*big.Int) *StaticTable {
	return &StaticTable{prices: prices, par: big.NewInt(1_000_000)}
}

func (t *StaticTable) MarketPrice(ctx context.Context, srcToken, dstToken string) (*big.Int, error) {
	key := fmt.Sprintf("%s|%s", srcToken, dstToken)
	if p, ok := t.prices[key]; ok {
		return new(big.Int).Set(p), nil
	}
	return new(big.Int).Set(t.par), nil
}
