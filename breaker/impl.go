package breaker

import (
	"context"
	"errors"
	"sync"

	"github.com/sony/gobreaker/v2"

	"github.com/ceyewan/servicecomb/clog"
	"github.com/ceyewan/servicecomb/metrics"
)

type circuitBreaker struct {
	cfg  *Config
	opts options

	stateChanges metrics.Counter

	breakers sync.Map // map[string]*gobreaker.CircuitBreaker[struct{}]
}

func newBreaker(cfg *Config, o options) *circuitBreaker {
	cb := &circuitBreaker{cfg: cfg, opts: o}
	if c, err := o.meter.Counter("servicecomb_breaker_state_changes_total", "Circuit breaker state transitions."); err == nil {
		cb.stateChanges = c
	} else {
		o.logger.Warn("create breaker counter failed", clog.Error(err))
	}
	return cb
}

func (cb *circuitBreaker) Execute(ctx context.Context, key string, fn func() error) error {
	if key == "" {
		return ErrKeyEmpty
	}
	_, err := cb.get(key).Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		cb.opts.logger.Debug("request rejected by breaker", clog.String("key", key))
		return ErrOpenState
	}
	return err
}

func (cb *circuitBreaker) State(key string) State {
	val, ok := cb.breakers.Load(key)
	if !ok {
		return StateClosed
	}
	switch val.(*gobreaker.CircuitBreaker[struct{}]).State() {
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return StateClosed
	}
}

func (cb *circuitBreaker) get(key string) *gobreaker.CircuitBreaker[struct{}] {
	if val, ok := cb.breakers.Load(key); ok {
		return val.(*gobreaker.CircuitBreaker[struct{}])
	}

	b := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        key,
		MaxRequests: cb.cfg.MaxRequests,
		Interval:    cb.cfg.Interval,
		Timeout:     cb.cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cb.cfg.ConsecutiveFailures
		},
		OnStateChange: cb.onStateChange,
		IsSuccessful:  cb.opts.isSuccessful,
	})
	actual, _ := cb.breakers.LoadOrStore(key, b)
	return actual.(*gobreaker.CircuitBreaker[struct{}])
}

func (cb *circuitBreaker) onStateChange(name string, from, to gobreaker.State) {
	cb.opts.logger.Info("circuit breaker state changed",
		clog.String("key", name),
		clog.String("from", from.String()),
		clog.String("to", to.String()))
	if cb.stateChanges != nil {
		cb.stateChanges.Inc(context.Background(), metrics.L("to", to.String()))
	}
}
