package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/flourishlabs/beacon/internal/channel"
)

// ProtectedAdapter wraps a delivery adapter with a circuit breaker. When the
// provider behind the adapter starts failing, the breaker opens and sends
// fail fast instead of waiting on timeouts. An open circuit surfaces as a
// transient error, so dispatch-side retry handling applies unchanged.
type ProtectedAdapter struct {
	adapter channel.Adapter
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// Wrap creates a circuit-breaker-protected adapter. The breaker is named
// after the adapter's channel.
func Wrap(adapter channel.Adapter, cfg Config, logger *zap.Logger) *ProtectedAdapter {
	if cfg.Name == "" {
		cfg.Name = string(adapter.Channel())
	}

	return &ProtectedAdapter{
		adapter: adapter,
		breaker: New(cfg, logger),
		logger:  logger,
	}
}

func (p *ProtectedAdapter) Channel() channel.Channel {
	return p.adapter.Channel()
}

// Send delivers through the wrapped adapter if the circuit allows it.
// Permanent provider rejections do not count against the breaker - the
// provider answered, the address was just bad.
func (p *ProtectedAdapter) Send(ctx context.Context, address string, content channel.Content) (*channel.Result, error) {
	if !p.breaker.Allow() {
		p.logger.Warn("delivery rejected by circuit breaker",
			zap.String("channel", string(p.adapter.Channel())),
			zap.String("breaker_state", p.breaker.GetState().String()),
		)
		return nil, fmt.Errorf("%w: %s provider unavailable", ErrCircuitOpen, p.adapter.Channel())
	}

	result, err := p.adapter.Send(ctx, address, content)
	if err != nil {
		if channel.IsPermanent(err) {
			p.breaker.RecordSuccess()
		} else {
			p.breaker.RecordFailure()
		}
		return nil, err
	}

	p.breaker.RecordSuccess()
	return result, nil
}

// Stats exposes the underlying breaker's statistics.
func (p *ProtectedAdapter) Stats() Stats {
	return p.breaker.Stats()
}

// Reset manually resets the underlying breaker.
func (p *ProtectedAdapter) Reset() {
	p.breaker.Reset()
}
