package history

import (
	"context"

	"github.com/MrWong99/tressa/internal/resilience"
)

// Guarded wraps a Store with a circuit breaker so that an unreachable
// database fails fast instead of stalling every write until its timeout.
type Guarded struct {
	store   Store
	breaker *resilience.Breaker
}

var _ Store = (*Guarded)(nil)

// NewGuarded returns store behind breaker.
func NewGuarded(store Store, breaker *resilience.Breaker) *Guarded {
	return &Guarded{store: store, breaker: breaker}
}

// Record implements [Store]. It returns [resilience.ErrOpen] while the
// breaker is open.
func (g *Guarded) Record(ctx context.Context, turn Turn) error {
	if turn.ID == "" {
		return ErrInvalidTurn
	}
	return g.breaker.Do(ctx, func(ctx context.Context) error {
		return g.store.Record(ctx, turn)
	})
}

// Recent implements [Store].
func (g *Guarded) Recent(ctx context.Context, limit int) ([]Turn, error) {
	var out []Turn
	err := g.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = g.store.Recent(ctx, limit)
		return err
	})
	return out, err
}

// Healthy reports whether the breaker currently admits calls.
func (g *Guarded) Healthy() bool {
	return g.breaker.State() != resilience.StateOpen
}

// Close implements [Store].
func (g *Guarded) Close() error { return g.store.Close() }
