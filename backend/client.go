// Package backend is the HTTP client of the storefront service: orders,
// wallet bindings, account provisioning and payment credentials.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/vitwit/storefront/eligibility"
	"github.com/vitwit/storefront/logger"
	"github.com/vitwit/storefront/orders"
	"github.com/vitwit/storefront/types"
	"github.com/vitwit/storefront/wallet"
)

// Routes served by the storefront service.
const (
	PathOrders       = "/v1/orders"
	PathOrder        = "/v1/orders/{id}"
	PathOrderPayment = "/v1/orders/{id}/payment"
	PathOrderRetry   = "/v1/orders/{id}/retry"
	PathBindings     = "/v1/wallet-bindings"
	PathProvisioning = "/v1/accounts/{id}/provisioning"
	PathCredentials  = "/v1/accounts/{id}/credentials"
)

const DefaultTimeout = 15 * time.Second

// ErrorBody is the JSON error payload of the service.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RetryRequest is the body of a retry call.
type RetryRequest struct {
	BuyerID string `json:"buyerId"`
}

// ProvisioningStatus is returned by the provisioning route.
type ProvisioningStatus struct {
	Ready bool `json:"ready"`
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Code    string
	Message string
	Method  string
	Path    string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Status, msg)
}

func (e *APIError) StatusCode() int {
	return e.Status
}

type Client struct {
	http   *resty.Client
	logger logger.Logger
}

var (
	_ orders.Backend               = (*Client)(nil)
	_ wallet.Binder                = (*Client)(nil)
	_ wallet.ProvisioningChecker   = (*Client)(nil)
	_ eligibility.CredentialSource = (*Client)(nil)
)

type Option func(*Client)

func WithLogger(l logger.Logger) Option {
	return func(c *Client) {
		c.logger = logger.OrNoop(l)
		c.http.SetLogger(restyLogger{c.logger})
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.SetTimeout(d)
		}
	}
}

// WithRateLimit caps outgoing requests at r per second with the given burst,
// at least one. Requests over the limit fail without being sent.
func WithRateLimit(r float64, burst int) Option {
	return func(c *Client) {
		if burst < 1 {
			burst = 1
		}
		if r > 0 {
			c.http.SetRateLimiter(rate.NewLimiter(rate.Limit(r), burst))
		}
	}
}

// WithTransport replaces the HTTP transport, e.g. for tests.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.http.SetTransport(rt) }
}

// New creates a client for the service at baseURL. An empty apiKey sends no
// Authorization header.
func New(baseURL, apiKey string, opts ...Option) *Client {
	hc := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(DefaultTimeout).
		SetHeader("Accept", "application/json")
	if apiKey != "" {
		hc.SetAuthToken(apiKey)
	}

	c := &Client{http: hc, logger: logger.NoopLogger{}}
	hc.SetLogger(restyLogger{c.logger})
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) CreateOrder(ctx context.Context, req *types.CreateOrderRequest) (*types.Order, error) {
	var out types.Order
	r := c.request(ctx).SetBody(req).SetResult(&out)
	if err := c.do(r, http.MethodPost, PathOrders); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ProcessPayment(ctx context.Context, orderID string) (*types.Order, error) {
	var out types.Order
	r := c.request(ctx).SetPathParam("id", orderID).SetResult(&out)
	if err := c.do(r, http.MethodPost, PathOrderPayment); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RetryOrder(ctx context.Context, orderID, buyerID string) (*types.Order, error) {
	var out types.Order
	r := c.request(ctx).
		SetPathParam("id", orderID).
		SetBody(RetryRequest{BuyerID: buyerID}).
		SetResult(&out)
	if err := c.do(r, http.MethodPost, PathOrderRetry); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetOrder(ctx context.Context, orderID string) (*types.Order, error) {
	var out types.Order
	r := c.request(ctx).SetPathParam("id", orderID).SetResult(&out)
	if err := c.do(r, http.MethodGet, PathOrder); err != nil {
		return nil, err
	}
	return &out, nil
}

// Bind submits a binding proof. A 409 means the address is bound to another
// account.
func (c *Client) Bind(ctx context.Context, p *types.BindingProof) error {
	err := c.do(c.request(ctx).SetBody(p), http.MethodPost, PathBindings)
	if err == nil {
		return nil
	}
	if types.CodeOf(err) != "" {
		return err
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		code := orders.CodeForStatus(apiErr.Status)
		if apiErr.Status == http.StatusConflict {
			code = types.ErrCodeBindConflict
		}
		return types.NewError(code, apiErr.userMessage("wallet binding was rejected"), err)
	}
	return types.NewError(types.ErrCodeProcessing, "failed to bind wallet", err)
}

// AccountReady reports whether the account exists on the binding side. An
// unknown account is not ready yet.
func (c *Client) AccountReady(ctx context.Context, accountID string) (bool, error) {
	var out ProvisioningStatus
	r := c.request(ctx).SetPathParam("id", accountID).SetResult(&out)
	err := c.do(r, http.MethodGet, PathProvisioning)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return out.Ready, nil
}

func (c *Client) Credentials(ctx context.Context, accountID string) (*types.Credentials, error) {
	var out types.Credentials
	r := c.request(ctx).SetPathParam("id", accountID).SetResult(&out)
	if err := c.do(r, http.MethodGet, PathCredentials); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) request(ctx context.Context) *resty.Request {
	return c.http.R().
		SetContext(ctx).
		SetError(&ErrorBody{})
}

// do sends r. Responses carrying a known store error code come back as a
// types.StoreError; other failures are *APIError or transport errors for the
// caller to classify.
func (c *Client) do(r *resty.Request, method, path string) error {
	start := time.Now()
	resp, err := r.Execute(method, path)
	if err != nil {
		c.logger.Warn("storefront request failed", map[string]any{"method": method, "path": path, "error": err})
		return fmt.Errorf("%s %s: %w", method, path, err)
	}

	c.logger.Debug("storefront request", map[string]any{
		"method":   method,
		"path":     path,
		"status":   resp.StatusCode(),
		"duration": time.Since(start).String(),
	})
	if !resp.IsError() {
		return nil
	}

	apiErr := &APIError{Status: resp.StatusCode(), Method: method, Path: path}
	if body, ok := resp.Error().(*ErrorBody); ok && body != nil {
		apiErr.Code = body.Code
		apiErr.Message = body.Message
	}
	if code := knownCode(apiErr.Code); code != "" {
		return types.NewError(code, apiErr.userMessage(""), apiErr)
	}
	return apiErr
}

func (e *APIError) userMessage(fallback string) string {
	if e.Message != "" {
		return e.Message
	}
	if fallback != "" {
		return fallback
	}
	return e.Error()
}

func knownCode(code string) types.ErrorCode {
	switch c := types.ErrorCode(code); c {
	case types.ErrCodeValidation, types.ErrCodeProcessing, types.ErrCodeTerminal, types.ErrCodeBindConflict:
		return c
	}
	return ""
}

// restyLogger routes resty's own diagnostics into the storefront logger.
type restyLogger struct {
	l logger.Logger
}

func (r restyLogger) Errorf(format string, v ...interface{}) {
	r.l.Error(strings.TrimSpace(fmt.Sprintf(format, v...)), nil)
}

func (r restyLogger) Warnf(format string, v ...interface{}) {
	r.l.Warn(strings.TrimSpace(fmt.Sprintf(format, v...)), nil)
}

func (r restyLogger) Debugf(format string, v ...interface{}) {
	r.l.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)), nil)
}
