package authsession

import (
	"net/http"
	"sync"
	"sync/atomic"
)

const (
	HeaderAuthorization = "Authorization"
	HeaderCSRF          = "X-CSRF-Token"
)

// HeaderInjector owns the headers the session adds to outgoing requests.
// The header set is rebuilt on every mutation and published as an immutable
// snapshot, so reading it per request needs no lock.
type HeaderInjector struct {
	mu       sync.Mutex
	current  http.Header
	snapshot atomic.Pointer[http.Header]
}

// NewHeaderInjector returns an injector with no headers.
func NewHeaderInjector() *HeaderInjector {
	h := &HeaderInjector{current: http.Header{}}
	h.publish()
	return h
}

// SetAuthorization sets "Authorization: Bearer <token>".
func (h *HeaderInjector) SetAuthorization(token string) {
	h.set(HeaderAuthorization, "Bearer "+token)
}

// RemoveAuthorization drops the Authorization header.
func (h *HeaderInjector) RemoveAuthorization() {
	h.remove(HeaderAuthorization)
}

// SetCSRF sets the X-CSRF-Token header. An empty token removes it.
func (h *HeaderInjector) SetCSRF(token string) {
	if token == "" {
		h.remove(HeaderCSRF)
		return
	}
	h.set(HeaderCSRF, token)
}

// RemoveAll drops every managed header.
func (h *HeaderInjector) RemoveAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current = http.Header{}
	h.publish()
}

// Header returns the current header snapshot. Callers must not modify it.
func (h *HeaderInjector) Header() http.Header {
	return *h.snapshot.Load()
}

// Authorization returns the current Authorization value, or "".
func (h *HeaderInjector) Authorization() string {
	return h.Header().Get(HeaderAuthorization)
}

// Apply returns a clone of req carrying the given header snapshot.
//
// A Fresh request keeps any managed header it already carries. A Replay
// always takes the snapshot's Authorization value, and loses the header
// entirely when the snapshot has none.
func (h *HeaderInjector) Apply(req *http.Request, snapshot http.Header, kind RequestKind) *http.Request {
	out := req.Clone(req.Context())
	if out.Header == nil {
		out.Header = http.Header{}
	}

	for name, values := range snapshot {
		if len(values) == 0 {
			continue
		}
		if kind == Fresh && out.Header.Get(name) != "" {
			continue
		}
		out.Header.Set(name, values[0])
	}

	if kind == Replay && snapshot.Get(HeaderAuthorization) == "" {
		out.Header.Del(HeaderAuthorization)
	}
	return out
}

func (h *HeaderInjector) set(name, value string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current.Set(name, value)
	h.publish()
}

func (h *HeaderInjector) remove(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current.Del(name)
	h.publish()
}

// publish must be called with h.mu held (or before h is shared).
func (h *HeaderInjector) publish() {
	snap := h.current.Clone()
	if snap == nil {
		snap = http.Header{}
	}
	h.snapshot.Store(&snap)
}
