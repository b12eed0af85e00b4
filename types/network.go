package types

// ChainFamily classifies a wallet address into a blockchain family.
type ChainFamily string

const (
	ChainSolana ChainFamily = "solana"
	ChainEVM    ChainFamily = "evm"
)

func (c ChainFamily) String() string {
	return string(c)
}

// PaymentMethod is a payment rail a buyer can pick in the purchase flow.
type PaymentMethod string

const (
	// Crypto rails
	MethodSolana   PaymentMethod = "solana"
	MethodEthereum PaymentMethod = "ethereum"

	// Traditional rails
	MethodWeChat PaymentMethod = "wechat"
	MethodAlipay PaymentMethod = "alipay"
	MethodCard   PaymentMethod = "card"
)

// TraditionalMethods is the fixed set of non-crypto rails, in display order.
var TraditionalMethods = []PaymentMethod{MethodWeChat, MethodAlipay, MethodCard}

// Helper functions for rail classification
func (m PaymentMethod) IsCrypto() bool {
	return m == MethodSolana || m == MethodEthereum
}

func (m PaymentMethod) IsTraditional() bool {
	return m == MethodWeChat || m == MethodAlipay || m == MethodCard
}

func (m PaymentMethod) IsValid() bool {
	return m.IsCrypto() || m.IsTraditional()
}

// Chain returns the chain family a crypto rail settles on, or "" for
// traditional rails.
func (m PaymentMethod) Chain() ChainFamily {
	switch m {
	case MethodSolana:
		return ChainSolana
	case MethodEthereum:
		return ChainEVM
	default:
		return ""
	}
}

func (m PaymentMethod) String() string {
	return string(m)
}
