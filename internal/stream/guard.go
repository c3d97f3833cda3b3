package stream

import (
	"sync"
	"time"

	"github.com/manash/gentrack/internal/clock"
)

// Guard is a resettable stall timer. Each Reset cancels the previous
// timer; once it fires or is stopped it stays inert.
type Guard struct {
	mu       sync.Mutex
	clock    clock.Clock
	timer    clock.Timer
	gen      int
	done     bool
	onExpire func()
}

func NewGuard(c clock.Clock, onExpire func()) *Guard {
	return &Guard{clock: clock.OrReal(c), onExpire: onExpire}
}

// Reset rearms the guard to fire after d.
func (g *Guard) Reset(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.done {
		return
	}
	if g.timer != nil {
		g.timer.Stop()
	}
	g.gen++
	gen := g.gen
	g.timer = g.clock.AfterFunc(d, func() { g.fire(gen) })
}

func (g *Guard) fire(gen int) {
	g.mu.Lock()
	if g.done || gen != g.gen {
		g.mu.Unlock()
		return
	}
	g.done = true
	g.timer = nil
	g.mu.Unlock()

	if g.onExpire != nil {
		g.onExpire()
	}
}

// Stop disarms the guard for good. It reports whether a pending timer was
// cancelled.
func (g *Guard) Stop() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.done {
		return false
	}
	g.done = true
	if g.timer == nil {
		return false
	}
	stopped := g.timer.Stop()
	g.timer = nil
	return stopped
}
