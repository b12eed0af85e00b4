// Package purchase drives the checkout wizard: payment method selection,
// confirmation, order creation and payment, with retry on failure.
package purchase

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/vitwit/storefront/eligibility"
	"github.com/vitwit/storefront/logger"
	"github.com/vitwit/storefront/orders"
	"github.com/vitwit/storefront/types"
)

// Step is a wizard state.
type Step string

const (
	StepSelectMethod   Step = "select-method"
	StepConfirmDetails Step = "confirm-details"
	StepProcessing     Step = "processing"
	StepSuccess        Step = "success"
	StepError          Step = "error"
)

// EligibilityEvaluator is satisfied by *eligibility.Checker.
type EligibilityEvaluator interface {
	Evaluate(ctx context.Context, accountID string) (types.PaymentEligibility, error)
}

// OrderFlow is satisfied by *orders.Lifecycle.
type OrderFlow interface {
	Create(ctx context.Context, p orders.CreateParams) (*types.Order, error)
	Pay(ctx context.Context, orderID string) (*types.Order, error)
	Retry(ctx context.Context, orderID, buyerID string) (*types.Order, error)
	Refresh(ctx context.Context, orderID string) (*types.Order, error)
}

// State is a snapshot of the wizard.
type State struct {
	Step           Step                      `json:"step"`
	SelectedMethod types.PaymentMethod       `json:"selectedMethod,omitempty"`
	OrderID        string                    `json:"orderId,omitempty"`
	Order          *types.Order              `json:"order,omitempty"`
	Error          string                    `json:"error,omitempty"`
	ErrorCode      types.ErrorCode           `json:"errorCode,omitempty"`
	Loading        bool                      `json:"loading"`
	Eligibility    *types.PaymentEligibility `json:"eligibility,omitempty"`

	ProductID    string             `json:"productId"`
	Amount       decimal.Decimal    `json:"amount"`
	Currency     string             `json:"currency"`
	PricingModel types.PricingModel `json:"pricingModel"`
}

// Controller is the purchase wizard for one product and buyer.
type Controller struct {
	mu      sync.Mutex
	state   State
	lastErr error
	// generation is bumped by Close so results of calls started before the
	// reset are dropped.
	generation uint64

	product     types.Product
	buyerID     string
	eligibility EligibilityEvaluator
	orders      OrderFlow
	logger      logger.Logger
}

func NewController(
	product types.Product,
	buyerID string,
	elig EligibilityEvaluator,
	flow OrderFlow,
	l logger.Logger,
) *Controller {
	c := &Controller{
		product:     product,
		buyerID:     buyerID,
		eligibility: elig,
		orders:      flow,
		logger:      logger.OrNoop(l),
	}
	c.state = c.initialState()
	return c
}

func (c *Controller) initialState() State {
	return State{
		Step:         StepSelectMethod,
		ProductID:    c.product.ID,
		Amount:       c.product.TotalAmount(),
		Currency:     c.product.Currency,
		PricingModel: c.product.PricingModel,
	}
}

// State returns a snapshot of the wizard.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot()
}

func (c *Controller) snapshot() State {
	s := c.state
	if s.Eligibility != nil {
		e := *s.Eligibility
		e.MissingRequirements = append([]string(nil), e.MissingRequirements...)
		s.Eligibility = &e
	}
	if s.Order != nil {
		o := *s.Order
		s.Order = &o
	}
	return s
}

// Open starts the wizard from the method selection step with freshly
// evaluated eligibility.
func (c *Controller) Open(ctx context.Context) (State, error) {
	c.mu.Lock()
	if c.state.Loading {
		c.mu.Unlock()
		return c.State(), types.ErrAlreadyInProgress
	}
	c.generation++
	gen := c.generation
	c.lastErr = nil
	c.state = c.initialState()
	c.state.Loading = true
	c.mu.Unlock()

	e, err := c.eligibility.Evaluate(context.WithoutCancel(ctx), c.buyerID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		return c.snapshot(), nil
	}
	c.state.Loading = false
	if err != nil {
		c.setError(err)
		return c.snapshot(), err
	}

	c.state.Eligibility = &e
	if !e.CanPay {
		c.state.Error = eligibility.RequirementsMessage(e)
		c.state.ErrorCode = types.ErrCodeValidation
	}
	return c.snapshot(), nil
}

// SelectMethod picks a payment rail and advances to confirmation when the
// current eligibility allows it. A rejected method leaves the step unchanged.
func (c *Controller) SelectMethod(method types.PaymentMethod) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Loading {
		return types.ErrAlreadyInProgress
	}
	if c.state.Step != StepSelectMethod {
		return types.Errorf(types.ErrCodeValidation, "payment method can only be changed before confirmation")
	}
	if c.state.Eligibility == nil {
		return types.Errorf(types.ErrCodeValidation, "payment conditions have not been checked yet")
	}
	if err := eligibility.Allows(*c.state.Eligibility, method); err != nil {
		c.state.Error = err.Error()
		c.state.ErrorCode = types.CodeOf(err)
		return err
	}

	c.state.SelectedMethod = method
	c.state.Step = StepConfirmDetails
	c.state.Error = ""
	c.state.ErrorCode = ""
	return nil
}

// Back returns from confirmation to method selection.
func (c *Controller) Back() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Step != StepConfirmDetails || c.state.Loading {
		return types.Errorf(types.ErrCodeValidation, "cannot go back from %s", c.state.Step)
	}
	c.state.Step = StepSelectMethod
	return nil
}

// Confirm re-checks eligibility, creates the order and pays it. Backend
// calls run detached from ctx's cancellation so closing the wizard does not
// abort a payment already submitted.
func (c *Controller) Confirm(ctx context.Context) (State, error) {
	c.mu.Lock()
	if c.state.Loading {
		c.mu.Unlock()
		return c.State(), types.ErrAlreadyInProgress
	}
	if c.state.Step != StepConfirmDetails || c.state.SelectedMethod == "" {
		c.mu.Unlock()
		return c.State(), types.Errorf(types.ErrCodeValidation, "select a payment method first")
	}
	method := c.state.SelectedMethod
	gen := c.begin()
	c.mu.Unlock()

	ctx = context.WithoutCancel(ctx)

	e, err := c.eligibility.Evaluate(ctx, c.buyerID)
	if err == nil {
		err = eligibility.Allows(e, method)
	}
	if err != nil {
		c.logger.Warn("payment conditions changed before order creation", map[string]any{
			"buyer_id": c.buyerID,
			"rail":     method,
			"error":    err,
		})
		return c.finish(gen, nil, err)
	}

	params := orders.CreateParams{
		ProductID: c.product.ID,
		BuyerID:   c.buyerID,
		Method:    method,
	}
	if method.IsCrypto() {
		params.WalletAddress = e.WalletAddress
	}

	order, err := c.orders.Create(ctx, params)
	if err != nil {
		return c.finish(gen, nil, err)
	}

	c.mu.Lock()
	if gen == c.generation {
		c.state.OrderID = order.ID
		c.state.Order = order
		c.state.Eligibility = &e
	}
	c.mu.Unlock()

	order, err = c.orders.Pay(ctx, order.ID)
	return c.finish(gen, order, err)
}

// CanRetry reports whether the error step offers a retry of a held order
// after a retryable failure.
func (c *Controller) CanRetry() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canRetry()
}

func (c *Controller) canRetry() bool {
	if c.state.Step != StepError || c.state.Loading || c.state.OrderID == "" {
		return false
	}
	if !types.IsRetryable(c.lastErr) {
		return false
	}
	if o := c.state.Order; o != nil {
		return o.Status != types.OrderActive
	}
	return true
}

// Retry re-attempts payment of the held order. The order is refreshed from
// the order service first: a failed order is retried, an order still in
// created is paid again, and an order that went active meanwhile completes
// the wizard without another payment.
func (c *Controller) Retry(ctx context.Context) (State, error) {
	c.mu.Lock()
	if !c.canRetry() {
		c.mu.Unlock()
		return c.State(), types.Errorf(types.ErrCodeValidation, "there is nothing to retry")
	}
	orderID := c.state.OrderID
	gen := c.begin()
	c.mu.Unlock()

	ctx = context.WithoutCancel(ctx)

	current, err := c.orders.Refresh(ctx, orderID)
	if err != nil {
		return c.finish(gen, nil, err)
	}

	var order *types.Order
	switch current.Status {
	case types.OrderActive:
		c.logger.Info("order completed before retry", map[string]any{"order_id": orderID})
		return c.finish(gen, current, nil)
	case types.OrderCreated:
		order, err = c.orders.Pay(ctx, orderID)
	case types.OrderFailed:
		order, err = c.orders.Retry(ctx, orderID, c.buyerID)
	default:
		order, err = current, &types.StoreError{
			Code:    types.ErrCodeProcessing,
			Message: "payment is still being processed, please try again",
			Data:    current,
		}
	}
	return c.finish(gen, order, err)
}

// Close resets the wizard. Calls already in flight complete against the
// backend but their results are discarded.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	c.lastErr = nil
	c.state = c.initialState()
}

// begin enters the processing step. Callers hold c.mu.
func (c *Controller) begin() uint64 {
	c.state.Loading = true
	c.state.Step = StepProcessing
	c.state.Error = ""
	c.state.ErrorCode = ""
	c.lastErr = nil
	return c.generation
}

func (c *Controller) finish(gen uint64, order *types.Order, err error) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation {
		c.logger.Debug("discarding result of a closed purchase", map[string]any{"product_id": c.product.ID})
		return c.snapshot(), err
	}

	c.state.Loading = false
	if order != nil {
		c.state.OrderID = order.ID
		c.state.Order = order
	}
	if err != nil {
		c.setError(err)
		c.logger.Warn("purchase failed", map[string]any{
			"product_id": c.product.ID,
			"order_id":   c.state.OrderID,
			"code":       types.CodeOf(err),
			"error":      err,
		})
		return c.snapshot(), err
	}

	c.state.Step = StepSuccess
	c.logger.Info("purchase completed", map[string]any{
		"product_id": c.product.ID,
		"order_id":   c.state.OrderID,
		"rail":       c.state.SelectedMethod,
	})
	return c.snapshot(), nil
}

// setError moves to the error step. Callers hold c.mu.
func (c *Controller) setError(err error) {
	c.lastErr = err
	c.state.Step = StepError
	c.state.Error = err.Error()
	c.state.ErrorCode = types.CodeOf(err)
}
