package authsession

import (
	"sync"

	"github.com/google/uuid"
)

// InFlightRegistry tracks requests currently outstanding on the transport.
type InFlightRegistry struct {
	mu       sync.Mutex
	requests map[string]string
}

// NewInFlightRegistry returns an empty registry.
func NewInFlightRegistry() *InFlightRegistry {
	return &InFlightRegistry{requests: make(map[string]string)}
}

// Begin records an outstanding request and returns its id.
func (r *InFlightRegistry) Begin(description string) string {
	id := uuid.NewString()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests[id] = description
	return id
}

// End removes the request with the given id. Unknown ids are ignored.
func (r *InFlightRegistry) End(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.requests, id)
}

// Len returns the number of outstanding requests.
func (r *InFlightRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

// Descriptions returns the labels of the outstanding requests, in no
// particular order.
func (r *InFlightRegistry) Descriptions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.requests))
	for _, d := range r.requests {
		out = append(out, d)
	}
	return out
}
