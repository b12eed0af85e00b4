// Package storefront wires the wallet-binding and purchase core: a wallet
// agent, the storefront service client, balance lookups, eligibility checks
// and the purchase wizard.
package storefront

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vitwit/storefront/agent"
	"github.com/vitwit/storefront/backend"
	"github.com/vitwit/storefront/clients"
	"github.com/vitwit/storefront/config"
	"github.com/vitwit/storefront/eligibility"
	"github.com/vitwit/storefront/logger"
	"github.com/vitwit/storefront/metrics"
	"github.com/vitwit/storefront/orders"
	"github.com/vitwit/storefront/purchase"
	"github.com/vitwit/storefront/types"
	"github.com/vitwit/storefront/verification"
	"github.com/vitwit/storefront/wallet"
)

const Version = "0.1.0"

// Storefront holds the process-wide collaborators. Per-user state lives in
// the sessions and controllers it creates.
type Storefront struct {
	config  *config.Config
	logger  logger.Logger
	metrics metrics.Recorder
	timeout time.Duration

	registerer prometheus.Registerer
	transport  http.RoundTripper

	agents      *agent.Provider
	backend     *backend.Client
	balances    map[types.ChainFamily]clients.BalanceClient
	eligibility *eligibility.Checker
}

// New creates a Storefront from cfg. Balance clients are dialed for every
// chain with an RPC URL that was not supplied through WithBalanceClient.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Storefront, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Storefront{
		config:   cfg,
		timeout:  cfg.Backend.RequestTimeout,
		balances: make(map[types.ChainFamily]clients.BalanceClient),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		zl, err := logger.NewZapLogger(cfg.LogLevel)
		if err != nil {
			return nil, err
		}
		s.logger = zl
	}
	if s.metrics == nil {
		s.metrics = metrics.NoopRecorder{}
		if cfg.EnableMetrics {
			rec, err := metrics.NewPrometheusRecorder(s.registerer)
			if err != nil {
				return nil, fmt.Errorf("failed to register metrics: %w", err)
			}
			s.metrics = rec
		}
	}
	if s.agents == nil {
		s.agents = agent.Unavailable()
	}

	backendOpts := []backend.Option{backend.WithLogger(s.logger), backend.WithTimeout(s.timeout)}
	if cfg.Backend.RateLimit > 0 {
		backendOpts = append(backendOpts, backend.WithRateLimit(cfg.Backend.RateLimit, cfg.Backend.RateBurst))
	}
	if s.transport != nil {
		backendOpts = append(backendOpts, backend.WithTransport(s.transport))
	}
	s.backend = backend.New(cfg.Backend.URL, cfg.Backend.APIKey, backendOpts...)

	rpcs := map[types.ChainFamily]string{
		types.ChainSolana: cfg.Chains.SolanaRPCURL,
		types.ChainEVM:    cfg.Chains.EVMRPCURL,
	}
	for chain, url := range rpcs {
		if url == "" || s.balances[chain] != nil {
			continue
		}
		c, err := clients.NewBalanceClient(ctx, chain, url)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to create %s balance client: %w", chain, err)
		}
		s.balances[chain] = c
	}

	s.eligibility = eligibility.NewChecker(s.backend, s.logger)

	s.logger.Info("storefront initialized", map[string]any{
		"version":  Version,
		"backend":  cfg.Backend.URL,
		"balances": len(s.balances),
		"metrics":  cfg.EnableMetrics,
	})
	return s, nil
}

// NewFromEnv loads the configuration from the environment, including the
// dotenv file named by STOREFRONT_ENV_FILE, and calls New.
func NewFromEnv(ctx context.Context, opts ...Option) (*Storefront, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg, opts...)
}

// NewWalletSession creates the wallet session of one user flow. extra
// options are applied after the configured ones.
func (s *Storefront) NewWalletSession(extra ...wallet.Option) *wallet.Session {
	opts := []wallet.Option{
		wallet.WithLogger(s.logger),
		wallet.WithMetrics(s.metrics),
		wallet.WithAppName(s.config.AppName),
		wallet.WithSettleDelay(s.config.Wallet.SettleDelay),
		wallet.WithProvisionAttempts(s.config.Wallet.ProvisionAttempts),
	}
	for _, c := range s.balances {
		opts = append(opts, wallet.WithBalanceClient(c))
	}
	return wallet.NewSession(s.agents, s.backend, append(opts, extra...)...)
}

// NewPurchase creates the purchase wizard for product and buyer. Each
// wizard has its own order lifecycle.
func (s *Storefront) NewPurchase(product types.Product, buyerID string) *purchase.Controller {
	flow := orders.NewLifecycle(s.backend, s.logger, s.metrics)
	return purchase.NewController(product, buyerID, s.eligibility, flow, s.logger)
}

// NewVerifier returns a binding proof verifier for this application, for
// services that accept bindings from storefront sessions.
func (s *Storefront) NewVerifier() *verification.VerificationService {
	return verification.NewVerificationService(s.config.AppName, s.config.Wallet.ProofMaxAge)
}

// Eligibility evaluates the payment eligibility of an account.
func (s *Storefront) Eligibility(ctx context.Context, accountID string) (types.PaymentEligibility, error) {
	return s.eligibility.Evaluate(ctx, accountID)
}

func (s *Storefront) Backend() *backend.Client {
	return s.backend
}

// Close releases the balance clients.
func (s *Storefront) Close() {
	for chain, c := range s.balances {
		c.Close()
		delete(s.balances, chain)
	}
}
