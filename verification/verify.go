// Package verification checks binding proofs on the account-binding side:
// the signature, the exact challenge text and the proof age.
package verification

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/vitwit/storefront/proof"
	"github.com/vitwit/storefront/types"
)

// DefaultMaxAge bounds how old a proof may be when it reaches the binder.
const DefaultMaxAge = 5 * time.Minute

// clockSkew tolerates issuedAt slightly ahead of the verifier's clock.
const clockSkew = 30 * time.Second

// SignatureVerifier checks a hex signature of message by address.
type SignatureVerifier interface {
	Verify(address string, message []byte, signature string) (bool, error)
}

// VerificationResult contains the result of proof verification
type VerificationResult struct {
	IsValid       bool              `json:"isValid"`
	InvalidReason string            `json:"invalidReason,omitempty"`
	Address       string            `json:"address,omitempty"`
	AccountID     string            `json:"accountId,omitempty"`
	Chain         types.ChainFamily `json:"chain,omitempty"`
}

// VerificationService routes proofs to the verifier of their chain family.
type VerificationService struct {
	mu        sync.RWMutex
	verifiers map[types.ChainFamily]SignatureVerifier
	appName   string
	maxAge    time.Duration
	now       func() time.Time
	validate  *validator.Validate
}

// NewVerificationService creates a service with the Solana and EVM verifiers
// registered. appName must match the prover's; maxAge <= 0 uses DefaultMaxAge.
func NewVerificationService(appName string, maxAge time.Duration) *VerificationService {
	if appName == "" {
		appName = proof.DefaultAppName
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &VerificationService{
		verifiers: map[types.ChainFamily]SignatureVerifier{
			types.ChainSolana: SolanaVerifier{},
			types.ChainEVM:    EVMVerifier{},
		},
		appName:  appName,
		maxAge:   maxAge,
		now:      time.Now,
		validate: validator.New(),
	}
}

// SetClock overrides the time source; used by tests.
func (s *VerificationService) SetClock(now func() time.Time) {
	s.now = now
}

// AddVerifier registers or replaces the verifier for a chain family.
func (s *VerificationService) AddVerifier(chain types.ChainFamily, v SignatureVerifier) error {
	if chain == "" || v == nil {
		return types.Errorf(types.ErrCodeValidation, "chain and verifier are required")
	}
	s.mu.Lock()
	s.verifiers[chain] = v
	s.mu.Unlock()
	return nil
}

// IsChainSupported checks if a chain family has a verifier
func (s *VerificationService) IsChainSupported(chain types.ChainFamily) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.verifiers[chain]
	return ok
}

// Verify checks a binding proof. Invalid proofs are reported in the result;
// the error return is reserved for a cancelled context.
func (s *VerificationService) Verify(ctx context.Context, p *types.BindingProof) (*VerificationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p == nil {
		return invalid("proof is required"), nil
	}

	if err := s.validate.Struct(p); err != nil {
		return invalid(fmt.Sprintf("invalid proof: %v", err)), nil
	}

	expected := proof.BuildChallenge(s.appName, p.Address, p.AccountID, p.IssuedAt)
	if p.ChallengeMessage != expected {
		return invalid("challenge message does not match address, account and timestamp"), nil
	}

	now := s.now()
	if p.IssuedAt.After(now.Add(clockSkew)) {
		return invalid("proof is issued in the future"), nil
	}
	if now.Sub(p.IssuedAt) > s.maxAge {
		return invalid("proof has expired"), nil
	}

	s.mu.RLock()
	verifier, ok := s.verifiers[p.Chain]
	s.mu.RUnlock()
	if !ok {
		return invalid(fmt.Sprintf("unsupported chain: %s", p.Chain)), nil
	}

	valid, err := verifier.Verify(p.Address, []byte(p.ChallengeMessage), p.SignatureHex)
	if err != nil {
		return invalid(fmt.Sprintf("%s verification error: %v", p.Chain, err)), nil
	}
	if !valid {
		return invalid("signature does not match address"), nil
	}

	return &VerificationResult{
		IsValid:   true,
		Address:   p.Address,
		AccountID: p.AccountID,
		Chain:     p.Chain,
	}, nil
}

// BatchVerify verifies multiple proofs concurrently
func (s *VerificationService) BatchVerify(
	ctx context.Context,
	proofs []*types.BindingProof,
) ([]*VerificationResult, error) {
	results := make([]*VerificationResult, len(proofs))

	type verificationResult struct {
		index  int
		result *VerificationResult
		err    error
	}

	resultChan := make(chan verificationResult, len(proofs))

	for i, p := range proofs {
		go func(index int, p *types.BindingProof) {
			result, err := s.Verify(ctx, p)
			resultChan <- verificationResult{index: index, result: result, err: err}
		}(i, p)
	}

	for i := 0; i < len(proofs); i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-resultChan:
			if res.err != nil {
				return nil, res.err
			}
			results[res.index] = res.result
		}
	}

	return results, nil
}

func invalid(reason string) *VerificationResult {
	return &VerificationResult{IsValid: false, InvalidReason: reason}
}
