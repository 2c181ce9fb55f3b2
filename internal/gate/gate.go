// Package gate provides the process-wide bounded concurrency gate that
// limits how many task pipelines run at once.
package gate

import (
	"context"
	"sync"

	"github.com/zjrosen/devbot/internal/log"
)

// DefaultCapacity is the gate capacity used when none is configured.
// The working tree is shared between pipelines, so the safe default is one.
const DefaultCapacity = 1

// Stats is a snapshot of the gate counters.
type Stats struct {
	Max       int `json:"max"`
	InFlight  int `json:"in_flight"`
	Available int `json:"available"`
}

// Gate is a bounded semaphore over in-flight pipelines. Acquisition is
// cancellable; a cancelled acquire consumes no permit.
type Gate struct {
	permits  chan struct{}
	mu       sync.Mutex
	max      int
	inFlight int
}

// New creates a Gate with the given capacity. Capacities below one fall
// back to DefaultCapacity.
func New(capacity int) *Gate {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Gate{
		permits: make(chan struct{}, capacity),
		max:     capacity,
	}
}

// Acquire blocks until a permit is available or ctx is cancelled.
// On success the in-flight counter is incremented and the caller owns one
// permit; on cancellation no permit is consumed.
func (g *Gate) Acquire(ctx context.Context) error {
	select {
	case g.permits <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	g.mu.Lock()
	g.inFlight++
	g.mu.Unlock()

	log.Debug(log.CatGate, "permit acquired", "in_flight", g.InFlight(), "max", g.max)
	return nil
}

// Release returns a permit. Releasing more than was acquired is clamped at
// zero and logged instead of corrupting the counters.
func (g *Gate) Release() {
	g.mu.Lock()
	if g.inFlight == 0 {
		g.mu.Unlock()
		log.Warn(log.CatGate, "release without matching acquire ignored")
		return
	}
	g.inFlight--
	g.mu.Unlock()

	<-g.permits
	log.Debug(log.CatGate, "permit released", "in_flight", g.InFlight(), "max", g.max)
}

// InFlight returns the number of currently held permits.
func (g *Gate) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight
}

// Stats returns a snapshot of the gate counters.
func (g *Gate) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stats{
		Max:       g.max,
		InFlight:  g.inFlight,
		Available: g.max - g.inFlight,
	}
}
