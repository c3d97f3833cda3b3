package correlate

import (
	"sync"

	"github.com/manash/gentrack/pkg/models"
)

// Registry holds the armed requests between request send and stream
// finalize.
type Registry struct {
	mu        sync.RWMutex
	byRequest map[string]*models.ArmedRequest
	byAttempt map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		byRequest: make(map[string]*models.ArmedRequest),
		byAttempt: make(map[string]string),
	}
}

func (r *Registry) Arm(armed *models.ArmedRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byRequest[armed.RequestID] = armed
	r.byAttempt[armed.AttemptID] = armed.RequestID
}

// Disarm removes the request and reports whether it was armed.
func (r *Registry) Disarm(requestID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	armed, ok := r.byRequest[requestID]
	if !ok {
		return false
	}
	delete(r.byRequest, requestID)
	delete(r.byAttempt, armed.AttemptID)
	return true
}

func (r *Registry) Get(requestID string) (*models.ArmedRequest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	armed, ok := r.byRequest[requestID]
	return armed, ok
}

func (r *Registry) ByAttempt(attemptID string) (*models.ArmedRequest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byAttempt[attemptID]
	if !ok {
		return nil, false
	}
	return r.byRequest[id], true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byRequest)
}
