package coordinator

import (
	"context"
	"errors"
	"sync"

	"DistMR/internal/types"
)

// ErrTriggerPending is returned by ManualGate.Trigger when an advance is
// already queued.
var ErrTriggerPending = errors.New("phase advance already pending")

// Gate decides when the orchestrator may start the next phase.
type Gate interface {
	Wait(ctx context.Context, next types.JobPhase) error
}

// AutoGate advances as soon as the previous barrier is satisfied.
type AutoGate struct{}

func (AutoGate) Wait(ctx context.Context, _ types.JobPhase) error {
	return ctx.Err()
}

// ManualGate holds every phase until an operator triggers it, from the
// console or the HTTP API.
type ManualGate struct {
	trigger chan struct{}

	mu      sync.Mutex
	waiting types.JobPhase
}

func NewManualGate() *ManualGate {
	return &ManualGate{trigger: make(chan struct{}, 1)}
}

func (g *ManualGate) Wait(ctx context.Context, next types.JobPhase) error {
	g.mu.Lock()
	g.waiting = next
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.waiting = ""
		g.mu.Unlock()
	}()

	select {
	case <-g.trigger:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Trigger releases the current or next Wait. At most one trigger is queued.
func (g *ManualGate) Trigger() error {
	select {
	case g.trigger <- struct{}{}:
		return nil
	default:
		return ErrTriggerPending
	}
}

// Pending returns the phase a Wait is currently blocked on.
func (g *ManualGate) Pending() (types.JobPhase, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waiting, g.waiting != ""
}
