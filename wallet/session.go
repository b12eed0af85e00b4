// Package wallet tracks one user's connection to the wallet agent and binds
// the connected address to their account.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/shopspring/decimal"

	"github.com/vitwit/storefront/agent"
	"github.com/vitwit/storefront/clients"
	"github.com/vitwit/storefront/logger"
	"github.com/vitwit/storefront/metrics"
	"github.com/vitwit/storefront/proof"
	"github.com/vitwit/storefront/types"
	"github.com/vitwit/storefront/utils"
)

const (
	DefaultSettleDelay       = time.Second
	DefaultProvisionAttempts = 5
)

var (
	errAccountNotReady = errors.New("account is not provisioned yet")
	errDisconnected    = types.Errorf(types.ErrCodeUserRejected, "wallet was disconnected")
)

// Binder records a verified binding proof against the account.
type Binder interface {
	Bind(ctx context.Context, p *types.BindingProof) error
}

// ProvisioningChecker is implemented by binders that can report whether the
// account record exists on the binding side yet.
type ProvisioningChecker interface {
	AccountReady(ctx context.Context, accountID string) (bool, error)
}

// BindResult is returned by a successful ConnectAndBind.
type BindResult struct {
	Address          string            `json:"address"`
	Chain            types.ChainFamily `json:"chain"`
	SignatureHex     string            `json:"signature"`
	ChallengeMessage string            `json:"message"`
}

type Option func(*Session)

func WithLogger(l logger.Logger) Option {
	return func(s *Session) { s.logger = logger.OrNoop(l) }
}

func WithMetrics(r metrics.Recorder) Option {
	return func(s *Session) { s.metrics = metrics.OrNoop(r) }
}

// WithBalanceClient registers the balance client used for its chain family.
func WithBalanceClient(c clients.BalanceClient) Option {
	return func(s *Session) {
		if c != nil {
			s.balances[c.Chain()] = c
		}
	}
}

// WithAppName sets the application name embedded in binding challenges.
func WithAppName(name string) Option {
	return func(s *Session) { s.appName = name }
}

// WithSettleDelay sets the wait between provisioning checks, or the single
// wait before binding when the binder cannot report provisioning.
func WithSettleDelay(d time.Duration) Option {
	return func(s *Session) {
		if d >= 0 {
			s.settleDelay = d
		}
	}
}

func WithProvisionAttempts(n uint) Option {
	return func(s *Session) {
		if n > 0 {
			s.provisionAttempts = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// Session is the wallet state of one user flow. All methods are safe for
// concurrent use; at most one connect or connect-and-bind runs at a time.
type Session struct {
	mu    sync.Mutex
	state types.WalletState
	busy  bool
	// bumped by Disconnect; in-flight results from an older epoch are dropped
	epoch uint64

	agents   *agent.Provider
	prover   *proof.Prover
	binder   Binder
	balances map[types.ChainFamily]clients.BalanceClient

	appName           string
	settleDelay       time.Duration
	provisionAttempts uint
	now               func() time.Time

	logger  logger.Logger
	metrics metrics.Recorder
}

func NewSession(agents *agent.Provider, binder Binder, opts ...Option) *Session {
	s := &Session{
		state: types.WalletState{
			Connection: types.Disconnected,
			Binding:    types.BindingIdle,
		},
		agents:            agents,
		binder:            binder,
		balances:          make(map[types.ChainFamily]clients.BalanceClient),
		appName:           proof.DefaultAppName,
		settleDelay:       DefaultSettleDelay,
		provisionAttempts: DefaultProvisionAttempts,
		now:               time.Now,
		logger:            logger.NoopLogger{},
		metrics:           metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.prover = proof.NewProver(agents, s.appName)
	return s
}

// State returns a copy of the current wallet state.
func (s *Session) State() types.WalletState {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state
	if st.Balance != nil {
		b := *st.Balance
		st.Balance = &b
	}
	return st
}

// CheckExistingConnection silently restores a previously authorized
// connection. It never prompts the user and never fails: a missing agent or
// a missing prior authorization leaves the session disconnected.
func (s *Session) CheckExistingConnection(ctx context.Context) {
	a, ok := s.agents.Agent()
	if !ok {
		return
	}

	s.mu.Lock()
	if s.busy || s.state.Connection == types.Connected {
		s.mu.Unlock()
		return
	}
	s.busy = true
	epoch := s.epoch
	s.state.Connection = types.Connecting
	s.mu.Unlock()
	defer s.end()

	res, err := a.Connect(ctx, agent.ConnectOptions{OnlyIfTrusted: true})
	if err == nil && (res == nil || res.Address == "") {
		err = agent.NewError(agent.CodeInternal, "agent returned no address", nil)
	}
	if err != nil {
		s.resetConnection(epoch)

		switch agent.CodeOf(err) {
		case agent.CodeNoPriorAuthorization, agent.CodeUserRejected:
			s.logger.Debug("no trusted wallet connection to restore", map[string]any{"chain": a.Chain()})
		default:
			s.logger.Warn("failed to restore wallet connection", map[string]any{"chain": a.Chain(), "error": err})
		}
		return
	}

	if err := s.setConnected(epoch, res.Address, a.Chain()); err != nil {
		s.logger.Debug("wallet disconnected before restore completed", map[string]any{"chain": a.Chain()})
		return
	}
	s.logger.Info("wallet connection restored", map[string]any{"address": res.Address, "chain": a.Chain()})
	s.RefreshBalance(ctx)
}

// Connect prompts the agent for a connection and returns the address.
func (s *Session) Connect(ctx context.Context) (string, error) {
	a, ok := s.agents.Agent()
	if !ok {
		return "", types.ErrAgentUnavailable
	}

	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return "", types.ErrAlreadyInProgress
	}
	s.busy = true
	epoch := s.epoch
	s.state.Connection = types.Connecting
	s.mu.Unlock()
	defer s.end()

	address, err := s.dial(ctx, a)
	if err != nil {
		s.resetConnection(epoch)
		return "", err
	}

	if err := s.setConnected(epoch, address, a.Chain()); err != nil {
		return "", err
	}
	s.logger.Info("wallet connected", map[string]any{"address": utils.ShortAddress(address), "chain": a.Chain()})
	s.RefreshBalance(ctx)
	return address, nil
}

// Disconnect asks the agent to drop the connection and resets the session.
// Agent failures are logged; the local state is reset regardless. An
// operation still waiting on the agent keeps the session busy until it
// returns, and its result is discarded.
func (s *Session) Disconnect(ctx context.Context) {
	if a, ok := s.agents.Agent(); ok {
		if err := a.Disconnect(ctx); err != nil {
			s.logger.Warn("wallet agent failed to disconnect", map[string]any{"error": err})
		}
	}

	s.mu.Lock()
	s.epoch++
	binding := types.BindingIdle
	if s.busy {
		binding = s.state.Binding
	}
	s.state = types.WalletState{
		Connection: types.Disconnected,
		Binding:    binding,
	}
	s.mu.Unlock()
}

// ConnectAndBind connects if needed, proves control of the address by
// signature and binds it to accountID. On failure an established connection
// is kept.
func (s *Session) ConnectAndBind(ctx context.Context, accountID string) (*BindResult, error) {
	if accountID == "" {
		return nil, types.Errorf(types.ErrCodeValidation, "please login first")
	}
	a, ok := s.agents.Agent()
	if !ok {
		return nil, types.ErrAgentUnavailable
	}

	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return nil, types.ErrAlreadyInProgress
	}
	s.busy = true
	epoch := s.epoch
	s.state.Binding = types.BindingActive
	address := s.state.Address
	connected := s.state.Connection == types.Connected && address != ""
	if !connected {
		s.state.Connection = types.Connecting
	}
	s.mu.Unlock()
	defer s.end()

	start := time.Now()
	res, err := s.bind(ctx, a, epoch, accountID, address, connected)
	s.record(start, a.Chain(), err)
	if err != nil {
		s.logger.Warn("wallet binding failed", map[string]any{
			"account_id": accountID,
			"chain":      a.Chain(),
			"code":       types.CodeOf(err),
			"error":      err,
		})
		return nil, err
	}

	s.logger.Info("wallet bound", map[string]any{"account_id": accountID, "address": res.Address, "chain": res.Chain})
	return res, nil
}

func (s *Session) bind(ctx context.Context, a agent.Agent, epoch uint64, accountID, address string, connected bool) (*BindResult, error) {
	chain := a.Chain()

	if !connected {
		addr, err := s.dial(ctx, a)
		if err != nil {
			s.resetConnection(epoch)
			return nil, err
		}
		if err := s.setConnected(epoch, addr, chain); err != nil {
			return nil, err
		}
		address = addr
	}

	p, err := s.prover.NewProof(ctx, accountID, address, chain, s.now())
	if err != nil {
		return nil, err
	}

	if err := s.awaitProvisioning(ctx, accountID); err != nil {
		return nil, err
	}

	if !s.inEpoch(epoch) {
		return nil, errDisconnected
	}
	if err := s.binder.Bind(ctx, p); err != nil {
		if types.CodeOf(err) != "" {
			return nil, err
		}
		return nil, types.NewError(types.ErrCodeProcessing, "failed to bind wallet", err)
	}

	return &BindResult{
		Address:          p.Address,
		Chain:            p.Chain,
		SignatureHex:     p.SignatureHex,
		ChallengeMessage: p.ChallengeMessage,
	}, nil
}

// awaitProvisioning waits until the binding side has the account record.
func (s *Session) awaitProvisioning(ctx context.Context, accountID string) error {
	checker, ok := s.binder.(ProvisioningChecker)
	if !ok {
		if s.settleDelay == 0 {
			return nil
		}
		t := time.NewTimer(s.settleDelay)
		defer t.Stop()
		select {
		case <-t.C:
			return nil
		case <-ctx.Done():
			return types.NewError(types.ErrCodeProcessing, "wallet binding was interrupted", ctx.Err())
		}
	}

	err := retry.Do(
		func() error {
			ready, err := checker.AccountReady(ctx, accountID)
			if err != nil {
				return err
			}
			if !ready {
				return errAccountNotReady
			}
			return nil
		},
		retry.Attempts(s.provisionAttempts),
		retry.Delay(s.settleDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, errAccountNotReady) || types.IsRetryable(err) || types.CodeOf(err) == ""
		}),
	)
	if err == nil {
		return nil
	}
	if code := types.CodeOf(err); code != "" && code != types.ErrCodeProcessing {
		return err
	}
	return types.NewError(types.ErrCodeProcessing, "account is not ready for wallet binding, please try again", err)
}

// RefreshBalance updates the advisory balance of the connected address.
// Failures are logged and leave the balance unchanged.
func (s *Session) RefreshBalance(ctx context.Context) {
	s.mu.Lock()
	address, chain := s.state.Address, s.state.Chain
	s.mu.Unlock()
	if address == "" {
		return
	}

	bal := s.lookupBalance(ctx, chain, address)
	if bal == nil {
		return
	}

	s.mu.Lock()
	if s.state.Address == address {
		s.state.Balance = bal
	}
	s.mu.Unlock()
}

// GetBalance returns the balance of address on the connected chain, or nil
// when it cannot be determined.
func (s *Session) GetBalance(ctx context.Context, address string) *decimal.Decimal {
	s.mu.Lock()
	chain := s.state.Chain
	s.mu.Unlock()

	if chain == "" {
		a, ok := s.agents.Agent()
		if !ok {
			return nil
		}
		chain = a.Chain()
	}
	return s.lookupBalance(ctx, chain, address)
}

func (s *Session) lookupBalance(ctx context.Context, chain types.ChainFamily, address string) *decimal.Decimal {
	c, ok := s.balances[chain]
	if !ok {
		return nil
	}
	bal, err := c.GetBalance(ctx, address)
	if err != nil {
		s.logger.Warn("failed to fetch wallet balance", map[string]any{"address": address, "chain": chain, "error": err})
		return nil
	}
	return &bal
}

// IsBoundTo reports whether the connected address is the wallet bound in e.
func (s *Session) IsBoundTo(e types.PaymentEligibility) bool {
	if !e.HasCryptoWallet || e.WalletAddress == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Connection != types.Connected || s.state.Address == "" {
		return false
	}
	if e.WalletChain != "" && e.WalletChain != s.state.Chain {
		return false
	}
	if s.state.Chain == types.ChainEVM {
		return strings.EqualFold(s.state.Address, e.WalletAddress)
	}
	return s.state.Address == e.WalletAddress
}

// dial prompts the agent and classifies its failure.
func (s *Session) dial(ctx context.Context, a agent.Agent) (string, error) {
	res, err := a.Connect(ctx, agent.ConnectOptions{})
	if err != nil {
		switch agent.CodeOf(err) {
		case agent.CodeUserRejected:
			return "", types.NewError(types.ErrCodeUserRejected, "wallet connection was rejected", err)
		case agent.CodeUnavailable:
			return "", types.NewError(types.ErrCodeAgentUnavailable, "wallet agent is not available", err)
		default:
			return "", fmt.Errorf("wallet connection failed: %w", err)
		}
	}
	if res == nil || res.Address == "" {
		return "", errors.New("wallet connection failed: agent returned no address")
	}
	return res.Address, nil
}

// setConnected records a successful dial unless the session was
// disconnected since epoch.
func (s *Session) setConnected(epoch uint64, address string, chain types.ChainFamily) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return errDisconnected
	}
	if s.state.Address != address {
		s.state.Balance = nil
	}
	s.state.Connection = types.Connected
	s.state.Address = address
	s.state.Chain = chain
	return nil
}

func (s *Session) resetConnection(epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return
	}
	s.state.Connection = types.Disconnected
	s.state.Address = ""
	s.state.Chain = ""
	s.state.Balance = nil
}

func (s *Session) inEpoch(epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch == epoch
}

// end releases the session after a connect or connect-and-bind.
func (s *Session) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = false
	s.state.Binding = types.BindingIdle
}

func (s *Session) record(start time.Time, chain types.ChainFamily, err error) {
	outcome := "success"
	if err != nil {
		outcome = strings.ToLower(string(types.CodeOf(err)))
		if outcome == "" {
			outcome = "error"
		}
	}
	s.metrics.IncCounter(metrics.BindingsTotal, map[string]string{"outcome": outcome, "rail": string(chain)})
	s.metrics.ObserveLatency("connect_and_bind", time.Since(start), map[string]string{"outcome": outcome})
}
