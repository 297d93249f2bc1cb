package authsession

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
)

// RequestKind distinguishes first attempts from replays.
type RequestKind int

const (
	// Fresh is a request issued by application code.
	Fresh RequestKind = iota
	// Replay is a buffered request being resent after a refresh.
	// Replays bypass the interception filter.
	Replay
)

func (k RequestKind) String() string {
	switch k {
	case Fresh:
		return "fresh"
	case Replay:
		return "replay"
	default:
		return fmt.Sprintf("RequestKind(%d)", int(k))
	}
}

type requestKindKey struct{}

// WithRequestKind returns a context marking a request as the given kind.
func WithRequestKind(ctx context.Context, kind RequestKind) context.Context {
	return context.WithValue(ctx, requestKindKey{}, kind)
}

// RequestKindFrom returns the kind stored in ctx. Unmarked contexts are Fresh.
func RequestKindFrom(ctx context.Context) RequestKind {
	if kind, ok := ctx.Value(requestKindKey{}).(RequestKind); ok {
		return kind
	}
	return Fresh
}

// Filter intercepts a round trip. next sends the (possibly modified)
// request on the underlying transport.
type Filter func(req *http.Request, next http.RoundTripper) (*http.Response, error)

// Transport is an http.RoundTripper with a single registrable pre-send filter.
// Without a filter, and for requests marked Replay, it forwards directly to
// the base transport.
type Transport struct {
	base   http.RoundTripper
	filter atomic.Pointer[Filter]
}

// NewTransport wraps base. A nil base means http.DefaultTransport.
func NewTransport(base http.RoundTripper) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{base: base}
}

// Register installs f, replacing any previous filter. A nil f removes it.
func (t *Transport) Register(f Filter) {
	if f == nil {
		t.filter.Store(nil)
		return
	}
	t.filter.Store(&f)
}

// Base returns the wrapped transport.
func (t *Transport) Base() http.RoundTripper {
	return t.base
}

// RoundTrip implements http.RoundTripper
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	f := t.filter.Load()
	if f == nil || RequestKindFrom(req.Context()) == Replay {
		return t.base.RoundTrip(req)
	}
	return (*f)(req, t.base)
}

// rewindable makes sure req's body can be read again for a replay.
// Requests built by http.NewRequest with an in-memory body already have
// GetBody; anything else is read into memory once.
func rewindable(req *http.Request) (*http.Request, error) {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return req, nil
	}

	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to buffer request body: %w", err)
	}

	out := req.Clone(req.Context())
	out.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	out.Body, _ = out.GetBody()
	return out, nil
}

// replayRequest clones req for a resend tagged Replay, with a fresh body.
func replayRequest(req *http.Request) (*http.Request, error) {
	out := req.Clone(WithRequestKind(req.Context(), Replay))
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("failed to rewind request body: %w", err)
		}
		out.Body = body
	}
	return out, nil
}

// describe is the log label for a request.
func describe(req *http.Request) string {
	return req.Method + " " + req.URL.Redacted()
}
