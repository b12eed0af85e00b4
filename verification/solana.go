package verification

import (
	"encoding/hex"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// SolanaVerifier checks ed25519 signatures made by a Solana wallet over the
// raw message bytes.
type SolanaVerifier struct{}

var _ SignatureVerifier = SolanaVerifier{}

func (SolanaVerifier) Verify(address string, message []byte, signature string) (bool, error) {
	pub, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return false, fmt.Errorf("invalid Solana address: %w", err)
	}

	raw, err := hex.DecodeString(signature)
	if err != nil {
		return false, fmt.Errorf("failed to decode signature: %w", err)
	}

	var sig solana.Signature
	if len(raw) != len(sig) {
		return false, fmt.Errorf("signature must be %d bytes, got %d", len(sig), len(raw))
	}
	copy(sig[:], raw)

	return sig.Verify(pub, message), nil
}
