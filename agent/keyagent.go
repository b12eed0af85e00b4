package agent

import (
	"context"
	"crypto/ecdsa"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gagliardetto/solana-go"

	"github.com/vitwit/storefront/types"
)

// RequestKind names the agent prompt an Approver is asked about.
type RequestKind string

const (
	RequestConnect RequestKind = "connect"
	RequestSign    RequestKind = "sign"
)

// Request is shown to the Approver before the agent acts.
type Request struct {
	Kind    RequestKind
	Address string
	Message []byte
}

// Approver stands in for the user consent prompt of a browser wallet.
// Returning false rejects the request.
type Approver func(ctx context.Context, req Request) bool

// KeyAgent is a software wallet agent holding a single key.
type KeyAgent struct {
	mu        sync.Mutex
	chain     types.ChainFamily
	address   string
	sign      func(msg []byte) ([]byte, error)
	approve   Approver
	trusted   bool
	connected bool
}

var _ Agent = (*KeyAgent)(nil)

type KeyAgentOption func(*KeyAgent)

// WithApprover installs a consent prompt. Without one every request is approved.
func WithApprover(a Approver) KeyAgentOption {
	return func(k *KeyAgent) {
		k.approve = a
	}
}

// WithTrusted marks the agent as previously authorized, so a silent
// OnlyIfTrusted connect succeeds.
func WithTrusted(trusted bool) KeyAgentOption {
	return func(k *KeyAgent) {
		k.trusted = trusted
	}
}

// NewSolanaKeyAgent creates an agent that signs with an ed25519 Solana key.
func NewSolanaKeyAgent(key solana.PrivateKey, opts ...KeyAgentOption) *KeyAgent {
	k := &KeyAgent{
		chain:   types.ChainSolana,
		address: key.PublicKey().String(),
		sign: func(msg []byte) ([]byte, error) {
			sig, err := key.Sign(msg)
			if err != nil {
				return nil, err
			}
			return sig[:], nil
		},
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// NewEVMKeyAgent creates an agent that produces EIP-191 personal_sign
// signatures with a secp256k1 key.
func NewEVMKeyAgent(key *ecdsa.PrivateKey, opts ...KeyAgentOption) *KeyAgent {
	k := &KeyAgent{
		chain:   types.ChainEVM,
		address: crypto.PubkeyToAddress(key.PublicKey).Hex(),
		sign: func(msg []byte) ([]byte, error) {
			sig, err := crypto.Sign(accounts.TextHash(msg), key)
			if err != nil {
				return nil, err
			}
			// wallets report v as 27/28
			sig[crypto.RecoveryIDOffset] += 27
			return sig, nil
		},
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

func (k *KeyAgent) Chain() types.ChainFamily {
	return k.chain
}

// Address returns the address of the held key.
func (k *KeyAgent) Address() string {
	return k.address
}

func (k *KeyAgent) Connect(ctx context.Context, opts ConnectOptions) (*ConnectResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewError(CodeInternal, "connect aborted", err)
	}

	k.mu.Lock()
	trusted := k.trusted
	k.mu.Unlock()

	if opts.OnlyIfTrusted {
		if !trusted {
			return nil, NewError(CodeNoPriorAuthorization, "wallet has not been authorized for this site", nil)
		}
	} else if !k.approved(ctx, Request{Kind: RequestConnect, Address: k.address}) {
		return nil, NewError(CodeUserRejected, "user rejected the connection request", nil)
	}

	k.mu.Lock()
	k.connected = true
	k.trusted = true
	k.mu.Unlock()

	return &ConnectResult{Address: k.address}, nil
}

func (k *KeyAgent) Disconnect(ctx context.Context) error {
	k.mu.Lock()
	k.connected = false
	k.mu.Unlock()
	return nil
}

func (k *KeyAgent) SignMessage(ctx context.Context, message []byte, encoding Encoding) (*SignResult, error) {
	k.mu.Lock()
	connected := k.connected
	k.mu.Unlock()

	if !connected {
		return nil, NewError(CodeNotConnected, "wallet is not connected", nil)
	}
	if !k.approved(ctx, Request{Kind: RequestSign, Address: k.address, Message: message}) {
		return nil, NewError(CodeUserRejected, "user rejected the signature request", nil)
	}

	sig, err := k.sign(message)
	if err != nil {
		return nil, NewError(CodeInternal, "failed to sign message", err)
	}
	return &SignResult{Signature: sig}, nil
}

func (k *KeyAgent) approved(ctx context.Context, req Request) bool {
	if k.approve == nil {
		return true
	}
	return k.approve(ctx, req)
}
