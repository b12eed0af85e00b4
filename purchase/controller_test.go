package purchase

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/storefront/eligibility"
	"github.com/vitwit/storefront/orders"
	"github.com/vitwit/storefront/types"
)

type fakeEval struct {
	mu    sync.Mutex
	creds *types.Credentials
	err   error
	calls int
}

func (f *fakeEval) Evaluate(context.Context, string) (types.PaymentEligibility, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return types.PaymentEligibility{}, f.err
	}
	return eligibility.Derive(f.creds), nil
}

func (f *fakeEval) set(creds *types.Credentials) {
	f.mu.Lock()
	f.creds = creds
	f.mu.Unlock()
}

type fakeFlow struct {
	created []orders.CreateParams
	paid    []string
	retried []string

	createErr error
	payStatus []types.OrderStatus
	retryStat types.OrderStatus

	// server is the order service's view, as returned by Refresh
	server     types.OrderStatus
	refreshErr error
	refreshed  int

	entered chan struct{}
	release chan struct{}
}

func (f *fakeFlow) Create(_ context.Context, p orders.CreateParams) (*types.Order, error) {
	f.created = append(f.created, p)
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.server = types.OrderCreated
	return &types.Order{ID: "o-1", BuyerID: p.BuyerID, PaymentMethod: p.Method, BuyerWalletAddress: p.WalletAddress, Status: types.OrderCreated}, nil
}

func (f *fakeFlow) Pay(ctx context.Context, id string) (*types.Order, error) {
	if f.entered != nil {
		close(f.entered)
		<-f.release
	}
	f.paid = append(f.paid, id)
	status := f.payStatus[0]
	f.payStatus = f.payStatus[1:]
	f.server = status
	return result(id, status)
}

func (f *fakeFlow) Retry(_ context.Context, id, buyer string) (*types.Order, error) {
	f.retried = append(f.retried, id+"/"+buyer)
	f.server = f.retryStat
	return result(id, f.retryStat)
}

func (f *fakeFlow) Refresh(_ context.Context, id string) (*types.Order, error) {
	f.refreshed++
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return &types.Order{ID: id, BuyerID: "buyer-1", Status: f.server}, nil
}

func result(id string, status types.OrderStatus) (*types.Order, error) {
	o := &types.Order{ID: id, Status: status}
	switch status {
	case types.OrderActive:
		return o, nil
	case types.OrderFailed:
		return o, &types.StoreError{Code: types.ErrCodeProcessing, Message: "payment failed", Data: o}
	default:
		return nil, types.Errorf(types.ErrCodeTerminal, "product is no longer available")
	}
}

var product = types.Product{
	ID:                   "p-1",
	Currency:             "USD",
	Price:                decimal.NewFromInt(10),
	PricingModel:         types.PricingSubscription,
	SubscriptionPeriod:   types.PeriodMonthly,
	SubscriptionDuration: 3,
	Available:            true,
}

func cryptoOnly() *types.Credentials {
	return &types.Credentials{Wallet: &types.BoundWallet{Address: "Addr1", Chain: types.ChainSolana}}
}

func allRails() *types.Credentials {
	return &types.Credentials{
		Wallet:  &types.BoundWallet{Address: "Addr1", Chain: types.ChainSolana},
		Methods: []types.PaymentMethod{types.MethodCard},
	}
}

func open(t *testing.T, creds *types.Credentials, flow *fakeFlow) (*Controller, *fakeEval) {
	t.Helper()
	eval := &fakeEval{creds: creds}
	c := NewController(product, "buyer-1", eval, flow, nil)
	_, err := c.Open(context.Background())
	require.NoError(t, err)
	return c, eval
}

func TestOpen(t *testing.T) {
	c, _ := open(t, nil, &fakeFlow{})

	st := c.State()
	assert.Equal(t, StepSelectMethod, st.Step)
	require.NotNil(t, st.Eligibility)
	assert.False(t, st.Eligibility.CanPay)
	assert.Contains(t, st.Error, "Payment requirements not met")
	assert.Equal(t, "30", st.Amount.String())
}

func TestOpenEligibilityFailure(t *testing.T) {
	eval := &fakeEval{err: types.Errorf(types.ErrCodeProcessing, "failed to check payment conditions")}
	c := NewController(product, "buyer-1", eval, &fakeFlow{}, nil)

	st, err := c.Open(context.Background())
	assert.ErrorIs(t, err, types.ErrProcessing)
	assert.Equal(t, StepError, st.Step)
	assert.False(t, c.CanRetry())
}

func TestSelectTraditionalWithOnlyWalletIsRejected(t *testing.T) {
	flow := &fakeFlow{}
	c, _ := open(t, cryptoOnly(), flow)

	err := c.SelectMethod(types.MethodWeChat)
	assert.ErrorIs(t, err, types.ErrValidation)

	st := c.State()
	assert.Equal(t, StepSelectMethod, st.Step)
	assert.Empty(t, st.SelectedMethod)
	assert.NotEmpty(t, st.Error)

	_, err = c.Confirm(context.Background())
	assert.ErrorIs(t, err, types.ErrValidation)
	assert.Empty(t, flow.created)
}

func TestSelectRequiresOpen(t *testing.T) {
	c := NewController(product, "buyer-1", &fakeEval{}, &fakeFlow{}, nil)
	assert.ErrorIs(t, c.SelectMethod(types.MethodCard), types.ErrValidation)
}

func TestBack(t *testing.T) {
	c, _ := open(t, allRails(), &fakeFlow{})

	assert.Error(t, c.Back())
	require.NoError(t, c.SelectMethod(types.MethodCard))
	require.NoError(t, c.Back())
	require.NoError(t, c.SelectMethod(types.MethodSolana))
	assert.Equal(t, types.MethodSolana, c.State().SelectedMethod)
}

func TestConfirmSuccess(t *testing.T) {
	flow := &fakeFlow{payStatus: []types.OrderStatus{types.OrderActive}}
	c, _ := open(t, cryptoOnly(), flow)
	require.NoError(t, c.SelectMethod(types.MethodSolana))

	st, err := c.Confirm(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StepSuccess, st.Step)
	assert.Equal(t, "o-1", st.OrderID)
	assert.False(t, st.Loading)
	assert.False(t, c.CanRetry())

	_, err = c.Retry(context.Background())
	assert.Error(t, err)
	assert.Empty(t, flow.retried)

	require.Len(t, flow.created, 1)
	assert.Equal(t, "Addr1", flow.created[0].WalletAddress)
	assert.Equal(t, []string{"o-1"}, flow.paid)
}

func TestConfirmFailedThenRetry(t *testing.T) {
	flow := &fakeFlow{payStatus: []types.OrderStatus{types.OrderFailed}, retryStat: types.OrderActive}
	c, _ := open(t, allRails(), flow)
	require.NoError(t, c.SelectMethod(types.MethodCard))

	st, err := c.Confirm(context.Background())
	assert.ErrorIs(t, err, types.ErrProcessing)
	assert.Equal(t, StepError, st.Step)
	assert.Equal(t, "o-1", st.OrderID)
	assert.Equal(t, "payment failed", st.Error)
	assert.Empty(t, flow.created[0].WalletAddress)
	assert.True(t, c.CanRetry())

	st, err = c.Retry(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StepSuccess, st.Step)
	assert.Equal(t, []string{"o-1/buyer-1"}, flow.retried)
	assert.False(t, c.CanRetry())
}

func TestRetryPaysAgainWhenPaymentNeverWentThrough(t *testing.T) {
	flow := &fakeFlow{}
	transient := &transientPay{fakeFlow: flow}
	c := NewController(product, "buyer-1", &fakeEval{creds: allRails()}, transient, nil)
	_, err := c.Open(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.SelectMethod(types.MethodCard))

	_, err = c.Confirm(context.Background())
	assert.ErrorIs(t, err, types.ErrProcessing)
	assert.Equal(t, types.OrderCreated, c.State().Order.Status)
	assert.True(t, c.CanRetry())

	transient.recovered = true
	flow.payStatus = []types.OrderStatus{types.OrderActive}

	st, err := c.Retry(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StepSuccess, st.Step)
	assert.Equal(t, []string{"o-1"}, flow.paid)
	assert.Empty(t, flow.retried)
}

func TestRetryRefreshesOrderAfterLostResponse(t *testing.T) {
	tests := []struct {
		name        string
		server      types.OrderStatus
		retryStat   types.OrderStatus
		wantStep    Step
		wantErr     error
		wantRetried []string
	}{
		{
			name:     "payment went through",
			server:   types.OrderActive,
			wantStep: StepSuccess,
		},
		{
			name:        "payment failed on the service",
			server:      types.OrderFailed,
			retryStat:   types.OrderActive,
			wantStep:    StepSuccess,
			wantRetried: []string{"o-1/buyer-1"},
		},
		{
			name:     "payment still settling",
			server:   types.OrderProcessing,
			wantStep: StepError,
			wantErr:  types.ErrProcessing,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flow := &fakeFlow{retryStat: tt.retryStat}
			lost := &transientPay{fakeFlow: flow, serverStatus: tt.server}
			c := NewController(product, "buyer-1", &fakeEval{creds: allRails()}, lost, nil)
			_, err := c.Open(context.Background())
			require.NoError(t, err)
			require.NoError(t, c.SelectMethod(types.MethodCard))

			_, err = c.Confirm(context.Background())
			require.ErrorIs(t, err, types.ErrProcessing)
			require.True(t, c.CanRetry())

			lost.recovered = true
			st, err := c.Retry(context.Background())
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.True(t, c.CanRetry())
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantStep, st.Step)
			assert.Empty(t, flow.paid)
			assert.Equal(t, tt.wantRetried, flow.retried)
			assert.Equal(t, 1, flow.refreshed)
		})
	}
}

func TestRetryRefreshFailureKeepsError(t *testing.T) {
	flow := &fakeFlow{}
	lost := &transientPay{fakeFlow: flow}
	c := NewController(product, "buyer-1", &fakeEval{creds: allRails()}, lost, nil)
	_, err := c.Open(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.SelectMethod(types.MethodCard))

	_, err = c.Confirm(context.Background())
	require.ErrorIs(t, err, types.ErrProcessing)

	flow.refreshErr = types.Errorf(types.ErrCodeProcessing, "order service is unreachable")
	st, err := c.Retry(context.Background())
	assert.ErrorIs(t, err, types.ErrProcessing)
	assert.Equal(t, StepError, st.Step)
	assert.Empty(t, flow.paid)
	assert.Empty(t, flow.retried)
	assert.True(t, c.CanRetry())
}

// transientPay fails payment in transit until recovered. When serverStatus
// is set the request reached the service and moved the order there anyway.
type transientPay struct {
	*fakeFlow
	recovered    bool
	serverStatus types.OrderStatus
}

func (p *transientPay) Pay(ctx context.Context, id string) (*types.Order, error) {
	if !p.recovered {
		if p.serverStatus != "" {
			p.server = p.serverStatus
		}
		return nil, types.NewError(types.ErrCodeProcessing, "order service is unreachable", errors.New("dial tcp"))
	}
	return p.fakeFlow.Pay(ctx, id)
}

func TestTerminalFailureIsNotRetryable(t *testing.T) {
	flow := &fakeFlow{payStatus: []types.OrderStatus{"gone"}}
	c, _ := open(t, allRails(), flow)
	require.NoError(t, c.SelectMethod(types.MethodCard))

	st, err := c.Confirm(context.Background())
	assert.ErrorIs(t, err, types.ErrTerminal)
	assert.Equal(t, StepError, st.Step)
	assert.False(t, c.CanRetry())
}

func TestConfirmRechecksEligibility(t *testing.T) {
	flow := &fakeFlow{}
	c, eval := open(t, allRails(), flow)
	require.NoError(t, c.SelectMethod(types.MethodCard))

	// card unbound in another tab
	eval.set(cryptoOnly())

	st, err := c.Confirm(context.Background())
	assert.ErrorIs(t, err, types.ErrValidation)
	assert.Equal(t, StepError, st.Step)
	assert.Empty(t, flow.created)
	assert.False(t, c.CanRetry())
	assert.Equal(t, 2, eval.calls)
}

func TestConfirmCreateFailure(t *testing.T) {
	flow := &fakeFlow{createErr: types.Errorf(types.ErrCodeTerminal, "product is no longer available")}
	c, _ := open(t, allRails(), flow)
	require.NoError(t, c.SelectMethod(types.MethodCard))

	st, err := c.Confirm(context.Background())
	assert.ErrorIs(t, err, types.ErrTerminal)
	assert.Empty(t, st.OrderID)
	assert.Equal(t, "product is no longer available", st.Error)
}

func TestConfirmIsSingleFlight(t *testing.T) {
	flow := &fakeFlow{
		payStatus: []types.OrderStatus{types.OrderActive},
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
	}
	c, _ := open(t, allRails(), flow)
	require.NoError(t, c.SelectMethod(types.MethodCard))

	done := make(chan error, 1)
	go func() {
		_, err := c.Confirm(context.Background())
		done <- err
	}()
	<-flow.entered

	st := c.State()
	assert.True(t, st.Loading)
	assert.Equal(t, StepProcessing, st.Step)
	assert.Equal(t, "o-1", st.OrderID)

	_, err := c.Confirm(context.Background())
	assert.ErrorIs(t, err, types.ErrAlreadyInProgress)

	close(flow.release)
	require.NoError(t, <-done)
	assert.Len(t, flow.created, 1)
}

func TestCloseDiscardsInFlightResult(t *testing.T) {
	flow := &fakeFlow{
		payStatus: []types.OrderStatus{types.OrderActive},
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
	}
	c, _ := open(t, allRails(), flow)
	require.NoError(t, c.SelectMethod(types.MethodCard))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Confirm(ctx)
		done <- err
	}()
	<-flow.entered

	cancel()
	c.Close()
	close(flow.release)
	require.NoError(t, <-done)

	// payment still reached the backend
	assert.Equal(t, []string{"o-1"}, flow.paid)

	st := c.State()
	assert.Equal(t, StepSelectMethod, st.Step)
	assert.Empty(t, st.OrderID)
	assert.Nil(t, st.Eligibility)
	assert.False(t, st.Loading)
}
