package storefront

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vitwit/storefront/agent"
	"github.com/vitwit/storefront/clients"
	"github.com/vitwit/storefront/logger"
	"github.com/vitwit/storefront/metrics"
)

type Option func(*Storefront)

func WithLogger(l logger.Logger) Option {
	return func(s *Storefront) {
		s.logger = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(s *Storefront) {
		s.metrics = r
	}
}

// WithRegisterer sets where the Prometheus collectors are registered when
// metrics are enabled.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Storefront) {
		s.registerer = reg
	}
}

// WithTimeout overrides the configured backend request timeout.
func WithTimeout(t time.Duration) Option {
	return func(s *Storefront) {
		if t > 0 {
			s.timeout = t
		}
	}
}

// WithAgent uses a for every wallet session.
func WithAgent(a agent.Agent) Option {
	return func(s *Storefront) {
		s.agents = agent.Static(a)
	}
}

// WithAgentProvider resolves the wallet agent lazily through p.
func WithAgentProvider(p *agent.Provider) Option {
	return func(s *Storefront) {
		s.agents = p
	}
}

func WithBalanceClient(c clients.BalanceClient) Option {
	return func(s *Storefront) {
		if c != nil {
			s.balances[c.Chain()] = c
		}
	}
}

func WithTransport(rt http.RoundTripper) Option {
	return func(s *Storefront) {
		s.transport = rt
	}
}
