// Package clients looks up native-token balances on the chains a wallet can
// be bound on.
package clients

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/vitwit/storefront/types"
)

type BalanceClient interface {
	// GetBalance returns the balance of address in whole native units.
	GetBalance(ctx context.Context, address string) (decimal.Decimal, error)
	Chain() types.ChainFamily
	Close()
}

// NewBalanceClient dials the RPC endpoint for chain.
func NewBalanceClient(ctx context.Context, chain types.ChainFamily, rpcURL string) (BalanceClient, error) {
	if rpcURL == "" {
		return nil, fmt.Errorf("rpc url is required for %s", chain)
	}
	switch chain {
	case types.ChainSolana:
		return NewSolanaClient(rpcURL), nil
	case types.ChainEVM:
		c, err := NewEVMClient(ctx, rpcURL)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unsupported chain: %s", chain)
	}
}
