package merge

import (
	"errors"
	"sync/atomic"
)

var ErrNotHeld = errors.New("merge gate is not held")

// Gate is a one-shot, non-blocking lock. A failed TryAcquire means another
// pass is in flight; callers drop their work instead of queueing.
type Gate struct {
	held atomic.Bool
}

func (g *Gate) TryAcquire() bool {
	return g.held.CompareAndSwap(false, true)
}

// Release frees the gate. Releasing a gate that is not held is an error.
func (g *Gate) Release() error {
	if !g.held.CompareAndSwap(true, false) {
		return ErrNotHeld
	}
	return nil
}

func (g *Gate) Held() bool {
	return g.held.Load()
}
