package settlement

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vitwit/storefront/clients"
	"github.com/vitwit/storefront/types"
)

// BalanceProcessor accepts a crypto payment when the buyer's wallet holds
// enough of the native token. Prices quoted in another currency only require
// a non-zero balance.
type BalanceProcessor struct {
	client clients.BalanceClient
	symbol string
}

var _ Processor = (*BalanceProcessor)(nil)

// NewBalanceProcessor creates a processor over client; symbol is the native
// token ticker, e.g. SOL.
func NewBalanceProcessor(client clients.BalanceClient, symbol string) *BalanceProcessor {
	return &BalanceProcessor{client: client, symbol: strings.ToUpper(symbol)}
}

func (p *BalanceProcessor) Process(ctx context.Context, req *Request) (*types.SettlementResult, error) {
	balance, err := p.client.GetBalance(ctx, req.WalletAddress)
	if err != nil {
		return nil, fmt.Errorf("balance of %s: %w", req.WalletAddress, err)
	}

	required := decimal.Zero
	if strings.EqualFold(req.Currency, p.symbol) {
		required = req.Amount
	}

	extra := map[string]interface{}{
		"balance": balance.String(),
		"chain":   p.client.Chain().String(),
	}
	if !balance.IsPositive() || balance.LessThan(required) {
		return &types.SettlementResult{
			Success: false,
			Error:   fmt.Sprintf("insufficient %s balance", p.symbol),
			Extra:   extra,
		}, nil
	}

	return &types.SettlementResult{
		Success:   true,
		Reference: uuid.NewString(),
		Extra:     extra,
	}, nil
}

func (p *BalanceProcessor) Close() {
	p.client.Close()
}

// Approve is a processor that accepts every payment. It stands in for rails
// whose provider settles out of band.
var Approve = ProcessorFunc(func(_ context.Context, req *Request) (*types.SettlementResult, error) {
	return &types.SettlementResult{Success: true, Reference: uuid.NewString()}, nil
})

// Decline returns a processor that rejects every payment with reason.
func Decline(reason string) Processor {
	return ProcessorFunc(func(context.Context, *Request) (*types.SettlementResult, error) {
		return &types.SettlementResult{Success: false, Error: reason}, nil
	})
}
