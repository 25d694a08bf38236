// Package session issues session identities and carries the session-ended
// signal that forces consumer subscriptions into their terminal state.
package session

import (
	"sync"

	"github.com/google/uuid"
)

// Gate is the lifecycle signal for one interpretation session. The producer
// ends it; every consumer watching [Gate.Ended] shuts down for good.
type Gate struct {
	id     string
	ended  chan struct{}
	endOne sync.Once
}

// NewGate creates a gate with a freshly issued session id.
func NewGate() *Gate {
	return &Gate{
		id:    uuid.NewString(),
		ended: make(chan struct{}),
	}
}

// ID returns the session id.
func (g *Gate) ID() string { return g.id }

// Ended returns a channel that closes when the session is marked ended.
func (g *Gate) Ended() <-chan struct{} { return g.ended }

// End marks the session ended. Idempotent.
func (g *Gate) End() {
	g.endOne.Do(func() { close(g.ended) })
}

// IsEnded reports whether End has been called.
func (g *Gate) IsEnded() bool {
	select {
	case <-g.ended:
		return true
	default:
		return false
	}
}
