// Package proof builds and signs the challenge that proves a caller controls
// a wallet address.
package proof

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/vitwit/storefront/agent"
	"github.com/vitwit/storefront/types"
)

// DefaultAppName is embedded in every challenge.
const DefaultAppName = "Storefront"

// TimeLayout is the ISO-8601 form of the challenge timestamp.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Prover produces binding proofs through the wallet agent.
type Prover struct {
	agents  *agent.Provider
	appName string
}

// NewProver creates a prover. An empty appName uses DefaultAppName.
func NewProver(agents *agent.Provider, appName string) *Prover {
	if appName == "" {
		appName = DefaultAppName
	}
	return &Prover{agents: agents, appName: appName}
}

// BuildChallenge returns the message the wallet is asked to sign. Field order
// is fixed so identical inputs always produce byte-identical output.
func (p *Prover) BuildChallenge(address, accountID string, ts time.Time) string {
	return BuildChallenge(p.appName, address, accountID, ts)
}

// BuildChallenge is the stateless form of Prover.BuildChallenge.
func BuildChallenge(appName, address, accountID string, ts time.Time) string {
	var b strings.Builder
	b.WriteString(appName)
	b.WriteString(" Wallet Verification\n\n")
	b.WriteString("Address: ")
	b.WriteString(address)
	b.WriteString("\nUser ID: ")
	b.WriteString(accountID)
	b.WriteString("\nTime: ")
	b.WriteString(FormatTime(ts))
	b.WriteString("\n\nPlease sign to verify wallet ownership")
	return b.String()
}

// FormatTime renders ts the way it appears in a challenge.
func FormatTime(ts time.Time) string {
	return ts.UTC().Format(TimeLayout)
}

// Sign asks the agent to sign message and returns the lowercase hex signature.
func (p *Prover) Sign(ctx context.Context, address, message string) (string, error) {
	a, ok := p.agents.Agent()
	if !ok {
		return "", types.ErrAgentUnavailable
	}

	res, err := a.SignMessage(ctx, []byte(message), agent.EncodingUTF8)
	if err != nil {
		return "", classifySignError(address, err)
	}
	if res == nil || len(res.Signature) == 0 {
		return "", types.NewError(types.ErrCodeSigningFailed, "wallet returned an empty signature", nil)
	}

	return hex.EncodeToString(res.Signature), nil
}

// NewProof builds a challenge for (address, accountID, now) and signs it.
func (p *Prover) NewProof(
	ctx context.Context,
	accountID, address string,
	chain types.ChainFamily,
	now time.Time,
) (*types.BindingProof, error) {
	issuedAt := now.UTC().Truncate(time.Millisecond)
	message := p.BuildChallenge(address, accountID, issuedAt)

	sig, err := p.Sign(ctx, address, message)
	if err != nil {
		return nil, err
	}

	return &types.BindingProof{
		AccountID:        accountID,
		Address:          address,
		Chain:            chain,
		ChallengeMessage: message,
		SignatureHex:     sig,
		IssuedAt:         issuedAt,
	}, nil
}

func classifySignError(address string, err error) error {
	switch agent.CodeOf(err) {
	case agent.CodeUserRejected:
		return types.NewError(types.ErrCodeUserRejected, "signature request was rejected", err)
	case agent.CodeUnavailable:
		return types.NewError(types.ErrCodeAgentUnavailable, "wallet agent is not available", err)
	default:
		return types.NewError(types.ErrCodeSigningFailed, fmt.Sprintf("failed to sign message for %s", address), err)
	}
}
