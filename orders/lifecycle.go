// Package orders creates orders and drives them through payment and retry.
// Backend failures are classified into store error codes here, so callers
// above this package only ever see types.StoreError values.
package orders

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/vitwit/storefront/logger"
	"github.com/vitwit/storefront/metrics"
	"github.com/vitwit/storefront/types"
)

// Backend is the order service.
type Backend interface {
	CreateOrder(ctx context.Context, req *types.CreateOrderRequest) (*types.Order, error)
	ProcessPayment(ctx context.Context, orderID string) (*types.Order, error)
	RetryOrder(ctx context.Context, orderID, buyerID string) (*types.Order, error)
	GetOrder(ctx context.Context, orderID string) (*types.Order, error)
}

// StatusCoder is implemented by backend errors that carry an HTTP status.
type StatusCoder interface {
	StatusCode() int
}

type CreateParams struct {
	ProductID     string
	BuyerID       string
	Method        types.PaymentMethod
	WalletAddress string
}

// Lifecycle tracks the orders of one purchase flow. Only one backend call
// runs at a time.
type Lifecycle struct {
	mu     sync.Mutex
	busy   bool
	orders map[string]*types.Order

	backend  Backend
	validate *validator.Validate
	logger   logger.Logger
	metrics  metrics.Recorder
}

func NewLifecycle(backend Backend, l logger.Logger, m metrics.Recorder) *Lifecycle {
	return &Lifecycle{
		orders:   make(map[string]*types.Order),
		backend:  backend,
		validate: validator.New(),
		logger:   logger.OrNoop(l),
		metrics:  metrics.OrNoop(m),
	}
}

// Create registers a new order in the created state.
func (l *Lifecycle) Create(ctx context.Context, p CreateParams) (*types.Order, error) {
	req := &types.CreateOrderRequest{
		ProductID:          p.ProductID,
		BuyerID:            p.BuyerID,
		PaymentMethod:      p.Method,
		BuyerWalletAddress: p.WalletAddress,
	}
	if err := l.validate.Struct(req); err != nil {
		return nil, types.NewError(types.ErrCodeValidation, "invalid order request", err)
	}
	if err := req.Validate(); err != nil {
		return nil, types.NewError(types.ErrCodeValidation, err.Error(), err)
	}

	if err := l.acquire(); err != nil {
		return nil, err
	}
	defer l.releaseBusy()

	start := time.Now()
	order, err := l.backend.CreateOrder(ctx, req)
	if err == nil {
		err = checkOrder(order)
	}
	if err != nil {
		err = Classify(err)
		l.observe("create_order", p.Method, start, err)
		l.logger.Error("failed to create order", map[string]any{
			"product_id": p.ProductID,
			"buyer_id":   p.BuyerID,
			"rail":       p.Method,
			"error":      err,
		})
		return nil, err
	}

	l.store(order)
	l.observe("create_order", p.Method, start, nil)
	l.logger.Info("order created", map[string]any{"order_id": order.ID, "rail": order.PaymentMethod, "amount": order.Amount.String()})
	return copyOrder(order), nil
}

// Pay submits payment for orderID. A failed payment returns the failed order
// together with a retryable PROCESSING_ERROR.
func (l *Lifecycle) Pay(ctx context.Context, orderID string) (*types.Order, error) {
	if orderID == "" {
		return nil, types.Errorf(types.ErrCodeValidation, "order id is required")
	}
	if err := l.acquire(); err != nil {
		return nil, err
	}
	defer l.releaseBusy()

	start := time.Now()
	order, err := l.backend.ProcessPayment(ctx, orderID)
	return l.settle("process_payment", orderID, start, order, err)
}

// Retry resubmits payment for a failed order owned by buyerID.
func (l *Lifecycle) Retry(ctx context.Context, orderID, buyerID string) (*types.Order, error) {
	if orderID == "" || buyerID == "" {
		return nil, types.Errorf(types.ErrCodeValidation, "order id and buyer id are required")
	}
	if err := l.acquire(); err != nil {
		return nil, err
	}
	defer l.releaseBusy()

	current, ok := l.Order(orderID)
	if !ok {
		o, err := l.backend.GetOrder(ctx, orderID)
		if err == nil {
			err = checkOrder(o)
		}
		if err != nil {
			return nil, Classify(err)
		}
		l.store(o)
		current = copyOrder(o)
	}

	if current.Status != types.OrderFailed {
		return nil, types.Errorf(types.ErrCodeValidation, "only failed orders can be retried, order %s is %s", orderID, current.Status)
	}
	if current.BuyerID != buyerID {
		return nil, types.Errorf(types.ErrCodeValidation, "order %s does not belong to this account", orderID)
	}

	start := time.Now()
	order, err := l.backend.RetryOrder(ctx, orderID, buyerID)
	return l.settle("retry_order", orderID, start, order, err)
}

// Refresh fetches the service's current view of orderID. It is the only
// safe way to learn the outcome of a payment call that failed in transit.
func (l *Lifecycle) Refresh(ctx context.Context, orderID string) (*types.Order, error) {
	if orderID == "" {
		return nil, types.Errorf(types.ErrCodeValidation, "order id is required")
	}
	if err := l.acquire(); err != nil {
		return nil, err
	}
	defer l.releaseBusy()

	o, err := l.backend.GetOrder(ctx, orderID)
	if err == nil {
		err = checkOrder(o)
	}
	if err != nil {
		err = Classify(err)
		l.logger.Warn("failed to refresh order", map[string]any{"order_id": orderID, "error": err})
		return nil, err
	}

	l.store(o)
	return copyOrder(o), nil
}

// Order returns the last observed view of orderID.
func (l *Lifecycle) Order(orderID string) (*types.Order, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[orderID]
	if !ok {
		return nil, false
	}
	return copyOrder(o), true
}

// Busy reports whether a backend call is outstanding.
func (l *Lifecycle) Busy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.busy
}

// settle maps a payment response onto the lifecycle result.
func (l *Lifecycle) settle(op, orderID string, start time.Time, order *types.Order, err error) (*types.Order, error) {
	if err == nil {
		err = checkOrder(order)
	}
	if err != nil {
		err = Classify(err)
		l.observe(op, "", start, err)
		l.logger.Error("payment call failed", map[string]any{"operation": op, "order_id": orderID, "error": err})
		return nil, err
	}

	l.store(order)
	view := copyOrder(order)

	switch order.Status {
	case types.OrderActive:
		l.observe(op, order.PaymentMethod, start, nil)
		l.logger.Info("order paid", map[string]any{"operation": op, "order_id": order.ID, "rail": order.PaymentMethod})
		return view, nil
	case types.OrderFailed:
		reason := order.FailureReason
		if reason == "" {
			reason = "payment failed, please try again"
		}
		err = &types.StoreError{Code: types.ErrCodeProcessing, Message: reason, Data: view}
	default:
		err = &types.StoreError{
			Code:    types.ErrCodeProcessing,
			Message: "payment is still being processed, please try again",
			Data:    view,
		}
	}

	l.observe(op, order.PaymentMethod, start, err)
	l.logger.Warn("payment not completed", map[string]any{
		"operation": op,
		"order_id":  order.ID,
		"status":    order.Status,
		"reason":    order.FailureReason,
	})
	return view, err
}

func (l *Lifecycle) acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.busy {
		return types.ErrAlreadyInProgress
	}
	l.busy = true
	return nil
}

func (l *Lifecycle) releaseBusy() {
	l.mu.Lock()
	l.busy = false
	l.mu.Unlock()
}

func (l *Lifecycle) store(o *types.Order) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if prev, ok := l.orders[o.ID]; ok && prev.Status != o.Status && !prev.Status.CanTransition(o.Status) {
		l.logger.Warn("backend reported an unexpected order transition", map[string]any{
			"order_id": o.ID,
			"from":     prev.Status,
			"to":       o.Status,
		})
	}
	l.orders[o.ID] = copyOrder(o)
}

func (l *Lifecycle) observe(op string, rail types.PaymentMethod, start time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = strings.ToLower(string(types.CodeOf(err)))
	}
	l.metrics.IncCounter(metrics.OrdersTotal, map[string]string{"outcome": outcome, "rail": string(rail)})
	l.metrics.ObserveLatency(op, time.Since(start), map[string]string{"outcome": outcome})
}

// Classify maps a backend failure onto the store error taxonomy. Errors that
// already carry a store code pass through unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if types.CodeOf(err) != "" {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return types.NewError(types.ErrCodeProcessing, "request was cancelled", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewError(types.ErrCodeProcessing, "request timed out, please try again", err)
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		return types.NewError(CodeForStatus(sc.StatusCode()), err.Error(), err)
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return types.NewError(types.ErrCodeProcessing, "order service is unreachable, please try again", err)
	}
	return types.NewError(types.ErrCodeProcessing, err.Error(), err)
}

// CodeForStatus classifies an HTTP status from the order service.
func CodeForStatus(status int) types.ErrorCode {
	switch {
	case status == http.StatusBadRequest,
		status == http.StatusUnprocessableEntity,
		status == http.StatusUnauthorized,
		status == http.StatusForbidden:
		return types.ErrCodeValidation
	case status == http.StatusNotFound,
		status == http.StatusConflict,
		status == http.StatusGone:
		return types.ErrCodeTerminal
	case status == http.StatusTooManyRequests, status >= 500:
		return types.ErrCodeProcessing
	case status >= 400:
		return types.ErrCodeValidation
	default:
		return types.ErrCodeProcessing
	}
}

func checkOrder(o *types.Order) error {
	if o == nil || o.ID == "" {
		return types.Errorf(types.ErrCodeProcessing, "order service returned an empty order")
	}
	if !o.Status.IsValid() {
		return types.Errorf(types.ErrCodeProcessing, "order service returned unknown status %q", o.Status)
	}
	return nil
}

func copyOrder(o *types.Order) *types.Order {
	c := *o
	return &c
}
