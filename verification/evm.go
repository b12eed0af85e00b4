package verification

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// EVMVerifier checks EIP-191 personal_sign signatures.
type EVMVerifier struct{}

var _ SignatureVerifier = EVMVerifier{}

func (EVMVerifier) Verify(address string, message []byte, signature string) (bool, error) {
	if !common.IsHexAddress(address) {
		return false, fmt.Errorf("invalid EVM address: %s", address)
	}

	recovered, err := RecoverAddressFromSignature(accounts.TextHash(message), signature)
	if err != nil {
		return false, err
	}

	return recovered == common.HexToAddress(address), nil
}

// RecoverAddressFromSignature recovers the Ethereum address from a signature
func RecoverAddressFromSignature(hash []byte, signature string) (common.Address, error) {
	signature = strings.TrimPrefix(signature, "0x")

	sigBytes, err := hex.DecodeString(signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to decode signature: %w", err)
	}

	if len(sigBytes) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sigBytes))
	}

	// Adjust recovery ID for Ethereum
	if sigBytes[crypto.RecoveryIDOffset] >= 27 {
		sigBytes[crypto.RecoveryIDOffset] -= 27
	}

	pubKey, err := crypto.SigToPub(hash, sigBytes)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}

	return crypto.PubkeyToAddress(*pubKey), nil
}
