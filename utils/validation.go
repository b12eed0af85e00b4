package utils

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"github.com/vitwit/storefront/types"
)

// ValidateAmount checks if an amount string is a valid non-negative decimal
func ValidateAmount(amount string) (*decimal.Decimal, error) {
	if amount == "" {
		return nil, fmt.Errorf("amount cannot be empty")
	}

	dec, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount format: %w", err)
	}

	if dec.IsNegative() {
		return nil, fmt.Errorf("amount cannot be negative")
	}

	return &dec, nil
}

// ValidateAddress checks that address is well-formed for the chain family.
func ValidateAddress(chain types.ChainFamily, address string) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	switch chain {
	case types.ChainSolana:
		if _, err := solana.PublicKeyFromBase58(address); err != nil {
			return fmt.Errorf("invalid Solana address: %w", err)
		}
	case types.ChainEVM:
		if !common.IsHexAddress(address) || !strings.HasPrefix(address, "0x") {
			return fmt.Errorf("invalid EVM address: %s", address)
		}
	default:
		return fmt.Errorf("unsupported chain for address validation: %q", chain)
	}

	return nil
}

// ShortAddress formats an address for display, e.g. "7xKXtg...9fGh".
func ShortAddress(address string) string {
	if len(address) <= 12 {
		return address
	}
	return address[:6] + "..." + address[len(address)-4:]
}
