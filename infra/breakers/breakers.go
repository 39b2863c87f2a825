// Package breakers wraps sony/gobreaker for the upstream store clients. A
// tripped breaker turns a degraded indicator/geometry store into fast
// position skips instead of a stalled batch.
package breakers

import (
	"time"

	cb "github.com/sony/gobreaker"
)

type Breaker struct{ cb *cb.CircuitBreaker }

func New(name string) *Breaker {
	st := cb.Settings{Name: name}
	st.Interval = 60 * time.Second
	st.Timeout = 30 * time.Second
	st.ReadyToTrip = func(counts cb.Counts) bool {
		if counts.ConsecutiveFailures >= 5 {
			return true
		}
		total := counts.Requests
		if total < 20 {
			return false
		}
		return float64(counts.TotalFailures)/float64(total) > 0.10
	}
	return &Breaker{cb: cb.NewCircuitBreaker(st)}
}

func (b *Breaker) Execute(fn func() (any, error)) (any, error) { return b.cb.Execute(fn) }

// State exposes the underlying breaker state for health reporting.
func (b *Breaker) State() string { return b.cb.State().String() }
