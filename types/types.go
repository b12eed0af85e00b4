package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ConnectionState is the wallet agent connection state of a session.
type ConnectionState string

const (
	Disconnected ConnectionState = "disconnected"
	Connecting   ConnectionState = "connecting"
	Connected    ConnectionState = "connected"
)

// BindingState tracks an in-flight connect-and-bind operation.
type BindingState string

const (
	BindingIdle   BindingState = "idle"
	BindingActive BindingState = "binding"
)

// WalletState is a point-in-time copy of a wallet session.
type WalletState struct {
	// Address is empty while no wallet is connected.
	Address    string           `json:"address,omitempty"`
	Chain      ChainFamily      `json:"chain,omitempty"`
	Connection ConnectionState  `json:"connectionState"`
	Binding    BindingState     `json:"binding"`
	Balance    *decimal.Decimal `json:"balance,omitempty"`
}

// IsBusy reports whether a connect or bind is outstanding.
func (s WalletState) IsBusy() bool {
	return s.Connection == Connecting || s.Binding == BindingActive
}

// BindingProof proves control of Address for AccountID. It is created per
// bind attempt and discarded once the bind call resolves.
type BindingProof struct {
	AccountID        string      `json:"accountId" validate:"required"`
	Address          string      `json:"address" validate:"required"`
	Chain            ChainFamily `json:"chain" validate:"required"`
	ChallengeMessage string      `json:"challengeMessage" validate:"required"`
	SignatureHex     string      `json:"signature" validate:"required,hexadecimal"`
	IssuedAt         time.Time   `json:"issuedAt" validate:"required"`
}

// PaymentEligibility describes which rails the account may pay with.
type PaymentEligibility struct {
	CanPay               bool     `json:"canPay"`
	HasCryptoWallet      bool     `json:"hasCryptoWallet"`
	HasTraditionalMethod bool     `json:"hasTraditionalMethod"`
	MissingRequirements  []string `json:"missingRequirements"`

	// Bound wallet, when HasCryptoWallet is true.
	WalletAddress string      `json:"walletAddress,omitempty"`
	WalletChain   ChainFamily `json:"walletChain,omitempty"`
}

// BoundWallet is a wallet address durably bound to an account.
type BoundWallet struct {
	Address string      `json:"address"`
	Chain   ChainFamily `json:"chain"`
}

// Credentials is the set of payment credentials bound to an account.
type Credentials struct {
	AccountID string          `json:"accountId"`
	Wallet    *BoundWallet    `json:"wallet,omitempty"`
	Methods   []PaymentMethod `json:"methods,omitempty"`
}

// OrderStatus is the backend status of an order.
type OrderStatus string

const (
	OrderCreated    OrderStatus = "created"
	OrderProcessing OrderStatus = "processing"
	OrderActive     OrderStatus = "active"
	OrderFailed     OrderStatus = "failed"
)

// CanTransition reports whether an order may move from s to next.
// Transitions are monotonic except for the failed -> processing retry edge.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	switch s {
	case OrderCreated:
		return next == OrderProcessing
	case OrderProcessing:
		return next == OrderActive || next == OrderFailed
	case OrderFailed:
		return next == OrderProcessing
	default:
		return false
	}
}

func (s OrderStatus) IsValid() bool {
	switch s {
	case OrderCreated, OrderProcessing, OrderActive, OrderFailed:
		return true
	}
	return false
}

// PricingModel distinguishes one-time purchases from subscriptions.
type PricingModel string

const (
	PricingOneTime      PricingModel = "one_time"
	PricingSubscription PricingModel = "subscription"
)

// SubscriptionPeriod is the billing period of a subscription product.
type SubscriptionPeriod string

const (
	PeriodMonthly   SubscriptionPeriod = "monthly"
	PeriodQuarterly SubscriptionPeriod = "quarterly"
	PeriodYearly    SubscriptionPeriod = "yearly"
)

// Product is the catalog entry being purchased.
type Product struct {
	ID           string          `json:"id" validate:"required"`
	Name         string          `json:"name"`
	Price        decimal.Decimal `json:"price"`
	Currency     string          `json:"currency" validate:"required"`
	PricingModel PricingModel    `json:"pricingModel" validate:"required,oneof=one_time subscription"`

	SubscriptionPeriod         SubscriptionPeriod `json:"subscriptionPeriod,omitempty"`
	SubscriptionDuration       int                `json:"subscriptionDuration,omitempty" validate:"gte=0"`
	SubscriptionPricePerPeriod *decimal.Decimal   `json:"subscriptionPricePerPeriod,omitempty"`

	// Available is false once the product is withdrawn from sale.
	Available bool `json:"available"`
}

// TotalAmount is the amount charged for the whole purchase. Subscriptions
// are charged per period for the full duration up front.
func (p Product) TotalAmount() decimal.Decimal {
	if p.PricingModel != PricingSubscription {
		return p.Price
	}
	perPeriod := p.Price
	if p.SubscriptionPricePerPeriod != nil && !p.SubscriptionPricePerPeriod.IsZero() {
		perPeriod = *p.SubscriptionPricePerPeriod
	}
	duration := p.SubscriptionDuration
	if duration <= 0 {
		duration = 1
	}
	return perPeriod.Mul(decimal.NewFromInt(int64(duration)))
}

// Order is the client-side view of a backend order.
type Order struct {
	ID                 string          `json:"id"`
	ProductID          string          `json:"productId"`
	BuyerID            string          `json:"buyerId"`
	BuyerWalletAddress string          `json:"buyerWalletAddress,omitempty"`
	PaymentMethod      PaymentMethod   `json:"paymentMethod"`
	PricingModel       PricingModel    `json:"pricingModel"`
	Amount             decimal.Decimal `json:"amount"`
	Currency           string          `json:"currency"`
	Status             OrderStatus     `json:"status"`
	FailureReason      string          `json:"failureReason,omitempty"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

// CreateOrderRequest is the payload sent to the order backend.
type CreateOrderRequest struct {
	ProductID          string        `json:"productId" validate:"required"`
	BuyerID            string        `json:"buyerId" validate:"required"`
	PaymentMethod      PaymentMethod `json:"paymentMethod" validate:"required"`
	BuyerWalletAddress string        `json:"buyerWalletAddress,omitempty"`
}

// Validate checks required fields and that only crypto rails carry a wallet
// address.
func (r *CreateOrderRequest) Validate() error {
	if r.ProductID == "" {
		return fmt.Errorf("productId is required")
	}
	if r.BuyerID == "" {
		return fmt.Errorf("buyerId is required")
	}
	if !r.PaymentMethod.IsValid() {
		return fmt.Errorf("unsupported payment method: %q", r.PaymentMethod)
	}
	if r.PaymentMethod.IsCrypto() && r.BuyerWalletAddress == "" {
		return fmt.Errorf("payment method %s requires a bound wallet address", r.PaymentMethod)
	}
	if !r.PaymentMethod.IsCrypto() && r.BuyerWalletAddress != "" {
		return fmt.Errorf("payment method %s must not carry a wallet address", r.PaymentMethod)
	}
	return nil
}

// SettlementResult contains the result of dispatching a payment to a rail.
type SettlementResult struct {
	Success   bool                   `json:"success"`
	Reference string                 `json:"reference,omitempty"`
	Rail      PaymentMethod          `json:"rail"`
	Error     string                 `json:"error,omitempty"`
	Extra     map[string]interface{} `json:"extra,omitempty"`
}
