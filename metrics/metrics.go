package metrics

import "time"

// Metric names used by the purchase core.
const (
	OrdersTotal   = "orders"
	BindingsTotal = "wallet_bindings"
	PaymentsTotal = "payments"
)

type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}

// OrNoop returns r, or a NoopRecorder when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return NoopRecorder{}
	}
	return r
}
