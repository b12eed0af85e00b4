package wallet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/storefront/agent"
	"github.com/vitwit/storefront/types"
	"github.com/vitwit/storefront/verification"
)

type fakeAgent struct {
	address       string
	connectErr    error
	signErr       error
	disconnectErr error

	// when set, Connect signals entered and blocks until release is closed
	entered chan struct{}
	release chan struct{}

	mu          sync.Mutex
	connects    int
	silentCalls int
}

func (f *fakeAgent) Connect(ctx context.Context, opts agent.ConnectOptions) (*agent.ConnectResult, error) {
	f.mu.Lock()
	if opts.OnlyIfTrusted {
		f.silentCalls++
	} else {
		f.connects++
	}
	f.mu.Unlock()

	if f.entered != nil {
		close(f.entered)
		<-f.release
	}
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	return &agent.ConnectResult{Address: f.address}, nil
}

func (f *fakeAgent) Disconnect(context.Context) error { return f.disconnectErr }

func (f *fakeAgent) SignMessage(context.Context, []byte, agent.Encoding) (*agent.SignResult, error) {
	if f.signErr != nil {
		return nil, f.signErr
	}
	return &agent.SignResult{Signature: []byte{0xde, 0xad}}, nil
}

func (f *fakeAgent) Chain() types.ChainFamily { return types.ChainSolana }

type fakeBinder struct {
	mu     sync.Mutex
	err    error
	proofs []*types.BindingProof
}

func (b *fakeBinder) Bind(_ context.Context, p *types.BindingProof) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.proofs = append(b.proofs, p)
	return b.err
}

func (b *fakeBinder) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.proofs)
}

type provisioningBinder struct {
	fakeBinder
	readyAfter int
	checks     int
}

func (b *provisioningBinder) AccountReady(context.Context, string) (bool, error) {
	b.checks++
	return b.readyAfter > 0 && b.checks >= b.readyAfter, nil
}

type fakeBalances struct {
	chain types.ChainFamily
	value decimal.Decimal
	err   error
}

func (f *fakeBalances) GetBalance(context.Context, string) (decimal.Decimal, error) {
	return f.value, f.err
}
func (f *fakeBalances) Chain() types.ChainFamily { return f.chain }
func (f *fakeBalances) Close()                   {}

func newTestSession(a agent.Agent, b Binder, opts ...Option) *Session {
	opts = append([]Option{WithSettleDelay(0)}, opts...)
	return NewSession(agent.Static(a), b, opts...)
}

func TestConnectWithoutAgent(t *testing.T) {
	s := NewSession(agent.Unavailable(), &fakeBinder{})

	_, err := s.Connect(context.Background())
	assert.ErrorIs(t, err, types.ErrAgentUnavailable)
	assert.Equal(t, types.Disconnected, s.State().Connection)

	_, err = s.ConnectAndBind(context.Background(), "acct-1")
	assert.ErrorIs(t, err, types.ErrAgentUnavailable)
}

func TestConnect(t *testing.T) {
	s := newTestSession(&fakeAgent{address: "Addr1"}, &fakeBinder{})

	addr, err := s.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Addr1", addr)

	st := s.State()
	assert.Equal(t, types.Connected, st.Connection)
	assert.Equal(t, "Addr1", st.Address)
	assert.Equal(t, types.ChainSolana, st.Chain)
	assert.Nil(t, st.Balance)
}

func TestConnectRejected(t *testing.T) {
	s := newTestSession(&fakeAgent{connectErr: agent.NewError(agent.CodeUserRejected, "rejected", nil)}, &fakeBinder{})

	_, err := s.Connect(context.Background())
	assert.ErrorIs(t, err, types.ErrUserRejected)

	st := s.State()
	assert.Equal(t, types.Disconnected, st.Connection)
	assert.Empty(t, st.Address)
}

func TestConnectAgentFailureKeepsMessage(t *testing.T) {
	s := newTestSession(&fakeAgent{connectErr: errors.New("extension crashed")}, &fakeBinder{})

	_, err := s.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "extension crashed")
	assert.Equal(t, types.Disconnected, s.State().Connection)
}

func TestConnectAndBindRejectsConcurrentCall(t *testing.T) {
	fa := &fakeAgent{address: "Addr1", entered: make(chan struct{}), release: make(chan struct{})}
	binder := &fakeBinder{}
	s := newTestSession(fa, binder)

	done := make(chan error, 1)
	go func() {
		_, err := s.ConnectAndBind(context.Background(), "acct-1")
		done <- err
	}()
	<-fa.entered

	before := s.State()
	assert.Equal(t, types.Connecting, before.Connection)
	assert.Equal(t, types.BindingActive, before.Binding)

	_, err := s.ConnectAndBind(context.Background(), "acct-1")
	assert.ErrorIs(t, err, types.ErrAlreadyInProgress)
	_, err = s.Connect(context.Background())
	assert.ErrorIs(t, err, types.ErrAlreadyInProgress)
	assert.Equal(t, before, s.State())

	close(fa.release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, binder.calls())
	assert.Equal(t, 1, fa.connects)
}

func TestDisconnectDuringConnectAndBind(t *testing.T) {
	fa := &fakeAgent{address: "Addr1", entered: make(chan struct{}), release: make(chan struct{})}
	binder := &fakeBinder{}
	s := newTestSession(fa, binder)

	done := make(chan error, 1)
	go func() {
		_, err := s.ConnectAndBind(context.Background(), "acct-1")
		done <- err
	}()
	<-fa.entered

	s.Disconnect(context.Background())
	assert.Equal(t, types.Disconnected, s.State().Connection)
	assert.True(t, s.State().IsBusy())

	_, err := s.ConnectAndBind(context.Background(), "acct-1")
	assert.ErrorIs(t, err, types.ErrAlreadyInProgress)
	_, err = s.Connect(context.Background())
	assert.ErrorIs(t, err, types.ErrAlreadyInProgress)

	close(fa.release)
	assert.ErrorIs(t, <-done, types.ErrUserRejected)
	assert.Equal(t, 0, binder.calls())
	assert.Equal(t, types.WalletState{Connection: types.Disconnected, Binding: types.BindingIdle}, s.State())

	// the session is usable again once the stale operation returned
	fa.entered = nil
	_, err = s.ConnectAndBind(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 1, binder.calls())
	assert.Equal(t, types.Connected, s.State().Connection)
}

func TestDisconnectDuringConnect(t *testing.T) {
	fa := &fakeAgent{address: "Addr1", entered: make(chan struct{}), release: make(chan struct{})}
	s := newTestSession(fa, &fakeBinder{})

	done := make(chan error, 1)
	go func() {
		_, err := s.Connect(context.Background())
		done <- err
	}()
	<-fa.entered

	s.Disconnect(context.Background())
	close(fa.release)

	assert.ErrorIs(t, <-done, types.ErrUserRejected)
	st := s.State()
	assert.Equal(t, types.Disconnected, st.Connection)
	assert.Empty(t, st.Address)
	assert.False(t, st.IsBusy())
}

func TestConnectAndBindProducesVerifiableProof(t *testing.T) {
	key := solana.NewWallet().PrivateKey
	binder := &fakeBinder{}
	s := newTestSession(agent.NewSolanaKeyAgent(key), binder, WithAppName("Market"))

	res, err := s.ConnectAndBind(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey().String(), res.Address)
	assert.Equal(t, types.ChainSolana, res.Chain)

	require.Equal(t, 1, binder.calls())
	p := binder.proofs[0]
	assert.Equal(t, "acct-1", p.AccountID)
	assert.Equal(t, res.SignatureHex, p.SignatureHex)
	assert.Equal(t, res.ChallengeMessage, p.ChallengeMessage)

	v, err := verification.NewVerificationService("Market", 0).Verify(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, v.IsValid, v.InvalidReason)

	st := s.State()
	assert.Equal(t, types.Connected, st.Connection)
	assert.Equal(t, types.BindingIdle, st.Binding)
}

func TestConnectAndBindReusesConnection(t *testing.T) {
	fa := &fakeAgent{address: "Addr1"}
	s := newTestSession(fa, &fakeBinder{})

	_, err := s.Connect(context.Background())
	require.NoError(t, err)
	_, err = s.ConnectAndBind(context.Background(), "acct-1")
	require.NoError(t, err)

	assert.Equal(t, 1, fa.connects)
}

func TestConnectAndBindFailures(t *testing.T) {
	tests := []struct {
		name      string
		agent     *fakeAgent
		bindErr   error
		wantErr   error
		wantConn  types.ConnectionState
		wantBinds int
	}{
		{
			name:     "connect rejected",
			agent:    &fakeAgent{connectErr: agent.NewError(agent.CodeUserRejected, "no", nil)},
			wantErr:  types.ErrUserRejected,
			wantConn: types.Disconnected,
		},
		{
			name:     "signature rejected",
			agent:    &fakeAgent{address: "Addr1", signErr: agent.NewError(agent.CodeUserRejected, "no", nil)},
			wantErr:  types.ErrUserRejected,
			wantConn: types.Connected,
		},
		{
			name:     "signing failed",
			agent:    &fakeAgent{address: "Addr1", signErr: errors.New("device locked")},
			wantErr:  types.ErrSigningFailed,
			wantConn: types.Connected,
		},
		{
			name:      "address bound elsewhere",
			agent:     &fakeAgent{address: "Addr1"},
			bindErr:   types.Errorf(types.ErrCodeBindConflict, "address already bound"),
			wantErr:   types.ErrBindConflict,
			wantConn:  types.Connected,
			wantBinds: 1,
		},
		{
			name:      "untyped binder failure",
			agent:     &fakeAgent{address: "Addr1"},
			bindErr:   errors.New("connection reset"),
			wantErr:   types.ErrProcessing,
			wantConn:  types.Connected,
			wantBinds: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			binder := &fakeBinder{err: tt.bindErr}
			s := newTestSession(tt.agent, binder)

			_, err := s.ConnectAndBind(context.Background(), "acct-1")
			assert.ErrorIs(t, err, tt.wantErr)

			st := s.State()
			assert.Equal(t, tt.wantConn, st.Connection)
			assert.Equal(t, types.BindingIdle, st.Binding)
			assert.Equal(t, tt.wantBinds, binder.calls())
		})
	}
}

func TestConnectAndBindRequiresLogin(t *testing.T) {
	fa := &fakeAgent{address: "Addr1"}
	s := newTestSession(fa, &fakeBinder{})

	_, err := s.ConnectAndBind(context.Background(), "")
	assert.ErrorIs(t, err, types.ErrValidation)
	assert.Equal(t, 0, fa.connects)
}

func TestConnectAndBindPollsProvisioning(t *testing.T) {
	binder := &provisioningBinder{readyAfter: 3}
	s := newTestSession(&fakeAgent{address: "Addr1"}, binder,
		WithSettleDelay(time.Millisecond), WithProvisionAttempts(5))

	_, err := s.ConnectAndBind(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 3, binder.checks)
	assert.Equal(t, 1, binder.calls())
}

func TestConnectAndBindAccountNeverReady(t *testing.T) {
	binder := &provisioningBinder{}
	s := newTestSession(&fakeAgent{address: "Addr1"}, binder,
		WithSettleDelay(time.Millisecond), WithProvisionAttempts(2))

	_, err := s.ConnectAndBind(context.Background(), "acct-1")
	assert.ErrorIs(t, err, types.ErrProcessing)
	assert.True(t, types.IsRetryable(err))
	assert.Equal(t, 2, binder.checks)
	assert.Equal(t, 0, binder.calls())
	assert.Equal(t, types.Connected, s.State().Connection)
}

func TestSettleDelayHonoursContext(t *testing.T) {
	s := NewSession(agent.Static(&fakeAgent{address: "Addr1"}), &fakeBinder{}, WithSettleDelay(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := s.ConnectAndBind(ctx, "acct-1")
	assert.ErrorIs(t, err, types.ErrProcessing)
}

func TestDisconnectResetsOnAgentError(t *testing.T) {
	s := newTestSession(&fakeAgent{address: "Addr1", disconnectErr: errors.New("boom")}, &fakeBinder{},
		WithBalanceClient(&fakeBalances{chain: types.ChainSolana, value: decimal.NewFromInt(2)}))

	_, err := s.Connect(context.Background())
	require.NoError(t, err)
	require.NotNil(t, s.State().Balance)

	s.Disconnect(context.Background())

	assert.Equal(t, types.WalletState{Connection: types.Disconnected, Binding: types.BindingIdle}, s.State())
}

func TestCheckExistingConnection(t *testing.T) {
	t.Run("untrusted agent stays disconnected", func(t *testing.T) {
		s := newTestSession(agent.NewSolanaKeyAgent(solana.NewWallet().PrivateKey), &fakeBinder{})
		s.CheckExistingConnection(context.Background())
		assert.Equal(t, types.Disconnected, s.State().Connection)
	})

	t.Run("trusted agent restores silently", func(t *testing.T) {
		key := solana.NewWallet().PrivateKey
		rejectAll := func(context.Context, agent.Request) bool { return false }
		a := agent.NewSolanaKeyAgent(key, agent.WithTrusted(true), agent.WithApprover(rejectAll))

		s := newTestSession(a, &fakeBinder{})
		s.CheckExistingConnection(context.Background())

		st := s.State()
		assert.Equal(t, types.Connected, st.Connection)
		assert.Equal(t, key.PublicKey().String(), st.Address)
	})

	t.Run("agent failure is swallowed", func(t *testing.T) {
		fa := &fakeAgent{connectErr: errors.New("boom")}
		s := newTestSession(fa, &fakeBinder{})
		s.CheckExistingConnection(context.Background())
		assert.Equal(t, types.Disconnected, s.State().Connection)
		assert.Equal(t, 1, fa.silentCalls)
	})

	t.Run("no agent", func(t *testing.T) {
		s := NewSession(agent.Unavailable(), &fakeBinder{})
		s.CheckExistingConnection(context.Background())
		assert.Equal(t, types.Disconnected, s.State().Connection)
	})
}

func TestBalance(t *testing.T) {
	t.Run("refreshed on connect", func(t *testing.T) {
		s := newTestSession(&fakeAgent{address: "Addr1"}, &fakeBinder{},
			WithBalanceClient(&fakeBalances{chain: types.ChainSolana, value: decimal.RequireFromString("1.25")}))

		_, err := s.Connect(context.Background())
		require.NoError(t, err)

		bal := s.State().Balance
		require.NotNil(t, bal)
		assert.Equal(t, "1.25", bal.String())
	})

	t.Run("failure leaves balance unchanged", func(t *testing.T) {
		bc := &fakeBalances{chain: types.ChainSolana, value: decimal.NewFromInt(3)}
		s := newTestSession(&fakeAgent{address: "Addr1"}, &fakeBinder{}, WithBalanceClient(bc))

		_, err := s.Connect(context.Background())
		require.NoError(t, err)

		bc.err = errors.New("rpc down")
		s.RefreshBalance(context.Background())

		bal := s.State().Balance
		require.NotNil(t, bal)
		assert.Equal(t, "3", bal.String())
		assert.Nil(t, s.GetBalance(context.Background(), "Addr2"))
	})
}

func TestIsBoundTo(t *testing.T) {
	s := newTestSession(&fakeAgent{address: "Addr1"}, &fakeBinder{})
	bound := types.PaymentEligibility{HasCryptoWallet: true, WalletAddress: "Addr1", WalletChain: types.ChainSolana}

	assert.False(t, s.IsBoundTo(bound))

	_, err := s.Connect(context.Background())
	require.NoError(t, err)

	assert.True(t, s.IsBoundTo(bound))
	assert.False(t, s.IsBoundTo(types.PaymentEligibility{HasCryptoWallet: true, WalletAddress: "Addr2"}))
	assert.False(t, s.IsBoundTo(types.PaymentEligibility{}))
}
