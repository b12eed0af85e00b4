// Package agent defines the capability interface of an external key-holding
// wallet agent (a browser wallet in the storefront UI) and software agents
// backed by local keys.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/vitwit/storefront/types"
)

// Encoding tells the agent how to display the message bytes to the user.
type Encoding string

const EncodingUTF8 Encoding = "utf8"

type ConnectOptions struct {
	// OnlyIfTrusted restores a prior authorization without prompting.
	OnlyIfTrusted bool
}

type ConnectResult struct {
	Address string
}

type SignResult struct {
	Signature []byte
}

// Agent is the wallet agent capability consumed by the wallet session.
type Agent interface {
	Connect(ctx context.Context, opts ConnectOptions) (*ConnectResult, error)
	Disconnect(ctx context.Context) error
	SignMessage(ctx context.Context, message []byte, encoding Encoding) (*SignResult, error)
	Chain() types.ChainFamily
}

// Code is a structured agent failure reason. Agents report these instead of
// free-form messages so callers never have to match on error text.
type Code string

const (
	CodeNoPriorAuthorization Code = "no_prior_authorization"
	CodeUserRejected         Code = "user_rejected"
	CodeUnavailable          Code = "unavailable"
	CodeNotConnected         Code = "not_connected"
	CodeInternal             Code = "internal"
)

// Error is returned by agents.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates an agent error with the given code.
func NewError(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the agent code from err. Errors that did not come from an
// agent are reported as CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

// Provider is the process-wide handle on the wallet agent. The agent is
// resolved lazily on first use; a nil result is the unavailable variant and
// every consumer must branch on it.
type Provider struct {
	once    sync.Once
	resolve func() Agent
	agent   Agent
}

// NewProvider returns a provider that calls resolve once, on first use.
func NewProvider(resolve func() Agent) *Provider {
	return &Provider{resolve: resolve}
}

// Static returns a provider for an already constructed agent. A nil agent,
// including a nil *KeyAgent, yields a provider that is permanently
// unavailable. Other agent implementations must not be passed as typed nils.
func Static(a Agent) *Provider {
	return NewProvider(func() Agent { return a })
}

// Unavailable returns a provider with no agent.
func Unavailable() *Provider {
	return Static(nil)
}

// Agent returns the agent and whether it is present.
func (p *Provider) Agent() (Agent, bool) {
	if p == nil {
		return nil, false
	}
	p.once.Do(func() {
		if p.resolve != nil {
			p.agent = p.resolve()
		}
		if k, ok := p.agent.(*KeyAgent); ok && k == nil {
			p.agent = nil
		}
	})
	return p.agent, p.agent != nil
}
