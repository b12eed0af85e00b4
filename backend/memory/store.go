// Package memory is an in-process storefront service: product catalog,
// orders, wallet bindings and payment credentials kept in memory. It backs
// the HTTP routes of package backend and is used for demos and tests.
package memory

import (
	"context"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/vitwit/storefront/clients"
	"github.com/vitwit/storefront/logger"
	"github.com/vitwit/storefront/metrics"
	"github.com/vitwit/storefront/settlement"
	"github.com/vitwit/storefront/types"
	"github.com/vitwit/storefront/utils"
	"github.com/vitwit/storefront/verification"
)

type account struct {
	provisioned bool
	wallet      *types.BoundWallet
	methods     []types.PaymentMethod
}

type Option func(*Store)

func WithLogger(l logger.Logger) Option {
	return func(s *Store) { s.logger = logger.OrNoop(l) }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithVerifier replaces the binding proof verifier.
func WithVerifier(v *verification.VerificationService) Option {
	return func(s *Store) { s.verifier = v }
}

// WithSettlement replaces the settlement service. By default every rail
// approves every payment.
func WithSettlement(svc *settlement.SettlementService) Option {
	return func(s *Store) { s.settlement = svc }
}

// WithBalanceCheck settles the crypto rails of c's chain against the buyer's
// on-chain balance instead of approving them.
func WithBalanceCheck(c clients.BalanceClient) Option {
	return func(s *Store) {
		if c != nil {
			s.balances = append(s.balances, c)
		}
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(s *Store) { s.metrics = metrics.OrNoop(r) }
}

// nativeSymbols is the ticker a price must be quoted in for the balance
// check to compare amounts.
var nativeSymbols = map[types.ChainFamily]string{
	types.ChainSolana: "SOL",
	types.ChainEVM:    "ETH",
}

// Store is safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	products map[string]types.Product
	orders   map[string]*types.Order
	accounts map[string]*account
	// owners maps a normalized wallet address to its account.
	owners map[string]string
	// usedProofs holds the proofKey of signatures already accepted by Bind.
	usedProofs map[string]struct{}

	verifier   *verification.VerificationService
	settlement *settlement.SettlementService
	balances   []clients.BalanceClient
	validate   *validator.Validate
	now        func() time.Time
	logger     logger.Logger
	metrics    metrics.Recorder
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		products:   make(map[string]types.Product),
		orders:     make(map[string]*types.Order),
		accounts:   make(map[string]*account),
		owners:     make(map[string]string),
		usedProofs: make(map[string]struct{}),
		validate:   validator.New(),
		now:        time.Now,
		logger:     logger.NoopLogger{},
		metrics:    metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.verifier == nil {
		s.verifier = verification.NewVerificationService("", 0)
	}
	if s.settlement == nil {
		s.settlement = settlement.NewSettlementService(0, s.logger)
		for _, m := range []types.PaymentMethod{types.MethodSolana, types.MethodEthereum, types.MethodWeChat, types.MethodAlipay, types.MethodCard} {
			_ = s.settlement.AddProcessor(m, settlement.Approve)
		}
	}
	for _, c := range s.balances {
		proc := settlement.NewBalanceProcessor(c, nativeSymbols[c.Chain()])
		for _, m := range []types.PaymentMethod{types.MethodSolana, types.MethodEthereum} {
			if m.Chain() == c.Chain() {
				_ = s.settlement.AddProcessor(m, proc)
			}
		}
	}
	return s
}

// AddProduct adds or replaces a catalog entry.
func (s *Store) AddProduct(p types.Product) error {
	if err := s.validate.Struct(p); err != nil {
		return types.NewError(types.ErrCodeValidation, "invalid product", err)
	}
	s.mu.Lock()
	s.products[p.ID] = p
	s.mu.Unlock()
	return nil
}

// SetProductAvailable withdraws a product from sale or puts it back.
func (s *Store) SetProductAvailable(productID string, available bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[productID]
	if !ok {
		return types.Errorf(types.ErrCodeTerminal, "product %s not found", productID)
	}
	p.Available = available
	s.products[productID] = p
	return nil
}

// ProvisionAccount creates the account record that wallet bindings attach to.
func (s *Store) ProvisionAccount(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accountLocked(accountID).provisioned = true
}

// AddPaymentMethod binds a traditional payment method to the account.
func (s *Store) AddPaymentMethod(accountID string, method types.PaymentMethod) error {
	if !method.IsTraditional() {
		return types.Errorf(types.ErrCodeValidation, "%s is not a traditional payment method", method)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.accountLocked(accountID)
	for _, m := range a.methods {
		if m == method {
			return nil
		}
	}
	a.methods = append(a.methods, method)
	return nil
}

// RemovePaymentMethod unbinds a traditional payment method.
func (s *Store) RemovePaymentMethod(accountID string, method types.PaymentMethod) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return
	}
	kept := a.methods[:0]
	for _, m := range a.methods {
		if m != method {
			kept = append(kept, m)
		}
	}
	a.methods = kept
}

// UnbindWallet removes the account's bound wallet.
func (s *Store) UnbindWallet(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok || a.wallet == nil {
		return
	}
	delete(s.owners, normalize(a.wallet.Chain, a.wallet.Address))
	a.wallet = nil
}

// AccountReady reports whether the account has been provisioned.
func (s *Store) AccountReady(_ context.Context, accountID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	return ok && a.provisioned, nil
}

// Credentials returns the credentials bound to the account. Unknown accounts
// have none.
func (s *Store) Credentials(_ context.Context, accountID string) (*types.Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	creds := &types.Credentials{AccountID: accountID}
	a, ok := s.accounts[accountID]
	if !ok {
		return creds, nil
	}
	if a.wallet != nil {
		w := *a.wallet
		creds.Wallet = &w
	}
	creds.Methods = append([]types.PaymentMethod(nil), a.methods...)
	return creds, nil
}

// Bind verifies a binding proof and binds its address to the account.
func (s *Store) Bind(ctx context.Context, p *types.BindingProof) error {
	res, err := s.verifier.Verify(ctx, p)
	if err != nil {
		return types.NewError(types.ErrCodeProcessing, "wallet binding was interrupted", err)
	}
	if !res.IsValid {
		s.logger.Warn("rejected binding proof", map[string]any{"reason": res.InvalidReason})
		return types.Errorf(types.ErrCodeValidation, "wallet verification failed: %s", res.InvalidReason)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	replayKey := proofKey(p)
	if _, used := s.usedProofs[replayKey]; used {
		return types.Errorf(types.ErrCodeValidation, "binding proof has already been used")
	}
	a, ok := s.accounts[p.AccountID]
	if !ok || !a.provisioned {
		return types.Errorf(types.ErrCodeProcessing, "account %s is not ready yet", p.AccountID)
	}

	key := normalize(p.Chain, p.Address)
	if owner, taken := s.owners[key]; taken && owner != p.AccountID {
		return types.Errorf(types.ErrCodeBindConflict, "this wallet is already bound to another account")
	}

	if a.wallet != nil {
		delete(s.owners, normalize(a.wallet.Chain, a.wallet.Address))
	}
	a.wallet = &types.BoundWallet{Address: p.Address, Chain: p.Chain}
	s.owners[key] = p.AccountID
	s.usedProofs[replayKey] = struct{}{}

	s.logger.Info("wallet bound", map[string]any{"account_id": p.AccountID, "address": p.Address, "chain": p.Chain})
	return nil
}

func (s *Store) CreateOrder(_ context.Context, req *types.CreateOrderRequest) (*types.Order, error) {
	if req == nil {
		return nil, types.Errorf(types.ErrCodeValidation, "order request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, types.NewError(types.ErrCodeValidation, err.Error(), err)
	}
	if !s.settlement.IsRailSupported(req.PaymentMethod) {
		return nil, types.Errorf(types.ErrCodeValidation, "payment method %s is not supported", req.PaymentMethod)
	}
	if req.PaymentMethod.IsCrypto() {
		if err := utils.ValidateAddress(req.PaymentMethod.Chain(), req.BuyerWalletAddress); err != nil {
			return nil, types.NewError(types.ErrCodeValidation, "invalid wallet address", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[req.ProductID]
	if !ok {
		return nil, types.Errorf(types.ErrCodeTerminal, "product %s not found", req.ProductID)
	}
	if !p.Available {
		return nil, types.Errorf(types.ErrCodeTerminal, "product is no longer available")
	}

	if req.PaymentMethod.IsCrypto() {
		a, ok := s.accounts[req.BuyerID]
		if !ok || a.wallet == nil {
			return nil, types.Errorf(types.ErrCodeValidation, "please bind a wallet before paying with %s", req.PaymentMethod)
		}
		if normalize(a.wallet.Chain, a.wallet.Address) != normalize(req.PaymentMethod.Chain(), req.BuyerWalletAddress) {
			return nil, types.Errorf(types.ErrCodeValidation, "wallet address does not match the bound wallet")
		}
	}

	now := s.now().UTC()
	o := &types.Order{
		ID:                 uuid.NewString(),
		ProductID:          p.ID,
		BuyerID:            req.BuyerID,
		BuyerWalletAddress: req.BuyerWalletAddress,
		PaymentMethod:      req.PaymentMethod,
		PricingModel:       p.PricingModel,
		Amount:             p.TotalAmount(),
		Currency:           p.Currency,
		Status:             types.OrderCreated,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	s.orders[o.ID] = o

	s.logger.Info("order created", map[string]any{"order_id": o.ID, "product_id": p.ID, "rail": o.PaymentMethod})
	return copyOrder(o), nil
}

// ProcessPayment settles a created order.
func (s *Store) ProcessPayment(ctx context.Context, orderID string) (*types.Order, error) {
	return s.pay(ctx, orderID, "", types.OrderCreated)
}

// RetryOrder settles a failed order again for its buyer.
func (s *Store) RetryOrder(ctx context.Context, orderID, buyerID string) (*types.Order, error) {
	if buyerID == "" {
		return nil, types.Errorf(types.ErrCodeValidation, "buyer id is required")
	}
	return s.pay(ctx, orderID, buyerID, types.OrderFailed)
}

func (s *Store) GetOrder(_ context.Context, orderID string) (*types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, types.Errorf(types.ErrCodeTerminal, "order %s not found", orderID)
	}
	return copyOrder(o), nil
}

func (s *Store) pay(ctx context.Context, orderID, buyerID string, from types.OrderStatus) (*types.Order, error) {
	s.mu.Lock()
	o, ok := s.orders[orderID]
	if !ok {
		s.mu.Unlock()
		return nil, types.Errorf(types.ErrCodeTerminal, "order %s not found", orderID)
	}
	if buyerID != "" && o.BuyerID != buyerID {
		s.mu.Unlock()
		return nil, types.Errorf(types.ErrCodeValidation, "order %s does not belong to this account", orderID)
	}
	if o.Status != from {
		s.mu.Unlock()
		return nil, types.Errorf(types.ErrCodeValidation, "order %s is %s", orderID, o.Status)
	}
	if p, ok := s.products[o.ProductID]; !ok || !p.Available {
		s.mu.Unlock()
		return nil, types.Errorf(types.ErrCodeTerminal, "product is no longer available")
	}

	o.Status = types.OrderProcessing
	o.FailureReason = ""
	o.UpdatedAt = s.now().UTC()
	req := &settlement.Request{
		OrderID:       o.ID,
		BuyerID:       o.BuyerID,
		Method:        o.PaymentMethod,
		WalletAddress: o.BuyerWalletAddress,
		Amount:        o.Amount,
		Currency:      o.Currency,
	}
	s.mu.Unlock()

	start := time.Now()
	res, err := s.settlement.Settle(ctx, req)

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case err != nil:
		o.Status = types.OrderFailed
		o.FailureReason = err.Error()
	case !res.Success:
		o.Status = types.OrderFailed
		o.FailureReason = res.Error
	default:
		o.Status = types.OrderActive
	}
	o.UpdatedAt = s.now().UTC()

	outcome := "settled"
	if o.Status == types.OrderFailed {
		outcome = "declined"
	}
	s.metrics.IncCounter(metrics.PaymentsTotal, map[string]string{"outcome": outcome, "rail": string(o.PaymentMethod)})
	s.metrics.ObserveLatency("settle_payment", time.Since(start), map[string]string{"outcome": outcome})
	return copyOrder(o), nil
}

// accountLocked returns the account record, creating it. Callers hold s.mu.
func (s *Store) accountLocked(accountID string) *account {
	a, ok := s.accounts[accountID]
	if !ok {
		a = &account{}
		s.accounts[accountID] = a
	}
	return a
}

func normalize(chain types.ChainFamily, address string) string {
	if chain == types.ChainEVM {
		address = strings.ToLower(address)
	}
	return string(chain) + ":" + address
}

// proofKey identifies a signature regardless of how its hex is spelled: case,
// 0x prefix and, for EVM, a recovery id of 27/28 or 0/1.
func proofKey(p *types.BindingProof) string {
	sig := strings.ToLower(p.SignatureHex)
	raw, err := hex.DecodeString(strings.TrimPrefix(sig, "0x"))
	if err != nil {
		return string(p.Chain) + ":" + sig
	}
	if p.Chain == types.ChainEVM && len(raw) == crypto.SignatureLength && raw[crypto.RecoveryIDOffset] >= 27 {
		raw[crypto.RecoveryIDOffset] -= 27
	}
	return string(p.Chain) + ":" + hex.EncodeToString(raw)
}

func copyOrder(o *types.Order) *types.Order {
	c := *o
	return &c
}
