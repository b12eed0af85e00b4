// Package eligibility derives which payment rails an account may use from
// the credentials currently bound to it.
package eligibility

import (
	"context"
	"fmt"
	"strings"

	"github.com/vitwit/storefront/logger"
	"github.com/vitwit/storefront/types"
)

// Requirement labels, in display order.
const (
	RequirementCryptoWallet = "Solana wallet"
	RequirementTraditional  = "WeChat, Alipay or credit card"
)

// CredentialSource returns the credentials bound to an account. It is
// consulted on every evaluation.
type CredentialSource interface {
	Credentials(ctx context.Context, accountID string) (*types.Credentials, error)
}

type Checker struct {
	source CredentialSource
	logger logger.Logger
}

func NewChecker(source CredentialSource, l logger.Logger) *Checker {
	return &Checker{source: source, logger: logger.OrNoop(l)}
}

// Evaluate fetches the account's credentials and derives its eligibility.
// Results are never cached: bindings can change from another session at any
// time.
func (c *Checker) Evaluate(ctx context.Context, accountID string) (types.PaymentEligibility, error) {
	if accountID == "" {
		return types.PaymentEligibility{}, types.Errorf(types.ErrCodeValidation, "please login first")
	}

	creds, err := c.source.Credentials(ctx, accountID)
	if err != nil {
		c.logger.Error("failed to load payment credentials", map[string]any{"account_id": accountID, "error": err})
		if code := types.CodeOf(err); code == types.ErrCodeValidation || code == types.ErrCodeTerminal {
			return types.PaymentEligibility{}, err
		}
		return types.PaymentEligibility{}, types.NewError(types.ErrCodeProcessing, "failed to check payment conditions", err)
	}

	e := Derive(creds)
	c.logger.Debug("payment eligibility evaluated", map[string]any{
		"account_id":  accountID,
		"can_pay":     e.CanPay,
		"crypto":      e.HasCryptoWallet,
		"traditional": e.HasTraditionalMethod,
	})
	return e, nil
}

// Derive computes eligibility from a credential set. A nil set has no
// credentials.
func Derive(creds *types.Credentials) types.PaymentEligibility {
	var e types.PaymentEligibility
	if creds != nil {
		if w := creds.Wallet; w != nil && w.Address != "" {
			e.HasCryptoWallet = true
			e.WalletAddress = w.Address
			e.WalletChain = w.Chain
		}
		for _, m := range creds.Methods {
			if m.IsTraditional() {
				e.HasTraditionalMethod = true
				break
			}
		}
	}
	e.CanPay = e.HasCryptoWallet || e.HasTraditionalMethod

	e.MissingRequirements = []string{}
	if !e.HasCryptoWallet {
		e.MissingRequirements = append(e.MissingRequirements, RequirementCryptoWallet)
	}
	if !e.HasTraditionalMethod {
		e.MissingRequirements = append(e.MissingRequirements, RequirementTraditional)
	}
	return e
}

// Allows checks that method may be used under e.
func Allows(e types.PaymentEligibility, method types.PaymentMethod) error {
	switch {
	case method.IsCrypto():
		if !e.HasCryptoWallet {
			return types.Errorf(types.ErrCodeValidation, "please bind a wallet before paying with %s", method)
		}
		if e.WalletChain != "" && e.WalletChain != method.Chain() {
			return types.Errorf(types.ErrCodeValidation, "bound %s wallet cannot pay with %s", e.WalletChain, method)
		}
		return nil
	case method.IsTraditional():
		if !e.HasTraditionalMethod {
			return types.Errorf(types.ErrCodeValidation, "please bind %s before paying with %s", RequirementTraditional, method)
		}
		return nil
	default:
		return types.Errorf(types.ErrCodeValidation, "unsupported payment method: %q", method)
	}
}

// RequirementsMessage is the user-facing text shown when e cannot pay.
func RequirementsMessage(e types.PaymentEligibility) string {
	if e.CanPay {
		return ""
	}
	return fmt.Sprintf("Payment requirements not met. Please bind: %s", strings.Join(e.MissingRequirements, " or "))
}
