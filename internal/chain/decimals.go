package chain

import (
	"context"
	"fmt"
)

// tokenDecimals is implemented by any Gateway that can read a token
// contract's decimals (EVMGateway, MockGateway) without being part of the
// Gateway contract itself — most Gateway operations never need it.
type tokenDecimals interface {
	Decimals(ctx context.Context, token string) (uint8, error)
}

// DecimalsResolver implements internal/coordinator.Decimals by routing to
// the Gateway configured for the given chain-id, resolving spec §9 Open
// Question (b) without adding a decimals parameter to the Gateway
// interface every other operation would otherwise have to ignore.
type DecimalsResolver struct {
	gateways map[string]Gateway
}

func NewDecimalsResolver(gateways map[string]Gateway) *DecimalsResolver {
	return &DecimalsResolver{gateways: gateways}
}

func (d *DecimalsResolver) Decimals(ctx context.Context, chainID, token string) (uint8, error) {
	gw, ok := d.gateways[chainID]
	if !ok {
		return 0, fmt.Errorf("chain: no gateway configured for chain %s", chainID)
	}
	td, ok := gw.(tokenDecimals)
	if !ok {
		return 0, fmt.Errorf("chain: gateway for chain %s cannot read token decimals", chainID)
	}
	return td.Decimals(ctx, token)
}
