// Package settlement dispatches order payments to the processor of their
// payment rail.
package settlement

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vitwit/storefront/logger"
	"github.com/vitwit/storefront/types"
)

// Request describes one payment to settle.
type Request struct {
	OrderID       string              `json:"orderId"`
	BuyerID       string              `json:"buyerId"`
	Method        types.PaymentMethod `json:"paymentMethod"`
	WalletAddress string              `json:"walletAddress,omitempty"`
	Amount        decimal.Decimal     `json:"amount"`
	Currency      string              `json:"currency"`
}

// Processor settles payments on one rail. A declined payment is reported in
// the result; the error return is for failures to reach the rail.
type Processor interface {
	Process(ctx context.Context, req *Request) (*types.SettlementResult, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, req *Request) (*types.SettlementResult, error)

func (f ProcessorFunc) Process(ctx context.Context, req *Request) (*types.SettlementResult, error) {
	return f(ctx, req)
}

// SettlementService manages payment settlement across rails
type SettlementService struct {
	mu         sync.RWMutex
	processors map[types.PaymentMethod]Processor
	timeout    time.Duration
	logger     logger.Logger
}

// NewSettlementService creates a new settlement service. timeout bounds every
// Settle call; zero disables it.
func NewSettlementService(timeout time.Duration, l logger.Logger) *SettlementService {
	return &SettlementService{
		processors: make(map[types.PaymentMethod]Processor),
		timeout:    timeout,
		logger:     logger.OrNoop(l),
	}
}

// AddProcessor registers the processor for a rail.
func (s *SettlementService) AddProcessor(method types.PaymentMethod, p Processor) error {
	if !method.IsValid() {
		return types.Errorf(types.ErrCodeValidation, "unsupported payment method: %q", method)
	}
	if p == nil {
		return types.Errorf(types.ErrCodeValidation, "processor for %s is nil", method)
	}

	s.mu.Lock()
	s.processors[method] = p
	s.mu.Unlock()
	return nil
}

// Settle settles a payment on its rail.
func (s *SettlementService) Settle(ctx context.Context, req *Request) (*types.SettlementResult, error) {
	if req == nil || req.OrderID == "" {
		return nil, types.Errorf(types.ErrCodeValidation, "settlement request requires an order id")
	}
	if req.Method.IsCrypto() && req.WalletAddress == "" {
		return nil, types.Errorf(types.ErrCodeValidation, "%s payment requires a wallet address", req.Method)
	}

	s.mu.RLock()
	p, ok := s.processors[req.Method]
	s.mu.RUnlock()
	if !ok {
		return nil, types.Errorf(types.ErrCodeValidation, "payment method %s is not supported", req.Method)
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	res, err := p.Process(ctx, req)
	if err != nil {
		s.logger.Error("settlement failed", map[string]any{"order_id": req.OrderID, "rail": req.Method, "error": err})
		if types.CodeOf(err) != "" {
			return nil, err
		}
		return nil, types.NewError(types.ErrCodeProcessing, "payment provider is unavailable", err)
	}
	if res == nil {
		return nil, types.Errorf(types.ErrCodeProcessing, "payment provider returned no result")
	}
	res.Rail = req.Method

	fields := map[string]any{"order_id": req.OrderID, "rail": req.Method, "success": res.Success}
	if res.Success {
		fields["reference"] = res.Reference
	} else {
		fields["reason"] = res.Error
	}
	s.logger.Info("settlement processed", fields)
	return res, nil
}

// BatchSettle settles multiple payments concurrently. Individual failures are
// recorded as unsuccessful results.
func (s *SettlementService) BatchSettle(ctx context.Context, reqs []*Request) ([]*types.SettlementResult, error) {
	results := make([]*types.SettlementResult, len(reqs))

	type settlementResult struct {
		index  int
		result *types.SettlementResult
	}

	resultChan := make(chan settlementResult, len(reqs))

	for i, req := range reqs {
		go func(index int, req *Request) {
			res, err := s.Settle(ctx, req)
			if err != nil {
				res = &types.SettlementResult{Success: false, Error: err.Error()}
				if req != nil {
					res.Rail = req.Method
				}
			}
			resultChan <- settlementResult{index: index, result: res}
		}(i, req)
	}

	for i := 0; i < len(reqs); i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-resultChan:
			results[res.index] = res.result
		}
	}

	return results, nil
}

// SupportedRails returns the rails with a registered processor, sorted.
func (s *SettlementService) SupportedRails() []types.PaymentMethod {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rails := make([]types.PaymentMethod, 0, len(s.processors))
	for m := range s.processors {
		rails = append(rails, m)
	}
	sort.Slice(rails, func(i, j int) bool { return rails[i] < rails[j] })
	return rails
}

// IsRailSupported checks if a rail has a processor
func (s *SettlementService) IsRailSupported(method types.PaymentMethod) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.processors[method]
	return ok
}

// Close releases processors that hold connections.
func (s *SettlementService) Close() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.processors {
		if c, ok := p.(interface{ Close() }); ok {
			c.Close()
		}
	}
}
