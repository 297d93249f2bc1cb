package authsession

import (
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"
)

// PendingRequest is a request that failed authentication and waits for the
// refresh cycle to finish.
type PendingRequest struct {
	// Description labels the request in logs, e.g. "GET https://host/path".
	Description string

	// Replay resends the original request with header as the session
	// headers, and delivers the outcome to the original caller. It returns
	// ErrReplayUnauthorized when the replay was rejected again.
	Replay func(header http.Header) error

	// Reject fails the original caller with err.
	Reject func(err error)
}

// RequestBuffer is a FIFO of pending requests. It is drained as a whole,
// never partially.
type RequestBuffer struct {
	mu      sync.Mutex
	pending []*PendingRequest
}

// NewRequestBuffer returns an empty buffer.
func NewRequestBuffer() *RequestBuffer {
	return &RequestBuffer{}
}

// Append adds p to the end of the buffer.
func (b *RequestBuffer) Append(p *PendingRequest) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, p)
}

// Len returns the number of buffered requests.
func (b *RequestBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// DrainAndReplay empties the buffer and replays every request in its own
// goroutine, in buffer order. Each replay gets its own copy of header.
// Wait on the returned group for all replays to settle; its error is the
// first replay error, if any.
func (b *RequestBuffer) DrainAndReplay(header http.Header) *errgroup.Group {
	pending := b.drain()

	g := new(errgroup.Group)
	for _, p := range pending {
		h := header.Clone()
		g.Go(func() error {
			return p.Replay(h)
		})
	}
	return g
}

// DrainAndRejectAll empties the buffer, rejecting every request with err.
// Returns the number of rejected requests.
func (b *RequestBuffer) DrainAndRejectAll(err error) int {
	pending := b.drain()
	for _, p := range pending {
		p.Reject(err)
	}
	return len(pending)
}

func (b *RequestBuffer) drain() []*PendingRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	pending := b.pending
	b.pending = nil
	return pending
}
