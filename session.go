package authsession

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
)

// Option configures a Session
type Option func(*Session)

// WithTransport sets the base transport requests are sent on.
// Defaults to http.DefaultTransport.
func WithTransport(base http.RoundTripper) Option {
	return func(s *Session) {
		s.base = base
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithStorageKey sets the persistence key. Defaults to DefaultStorageKey.
func WithStorageKey(key string) Option {
	return func(s *Session) {
		if key != "" {
			s.storageKey = key
		}
	}
}

// Session is a bearer credential session bound to one Transport.
// All methods are safe for concurrent use.
type Session struct {
	// mu serializes Initialize, Login, Logout and SetCsrfToken.
	mu sync.Mutex

	base       http.RoundTripper
	logger     *slog.Logger
	storageKey string

	transport *Transport
	client    *http.Client
	injector  *HeaderInjector
	store     *CredentialStore
	inflight  *InFlightRegistry

	coordinator atomic.Pointer[RefreshCoordinator]
	config      atomic.Pointer[Config]
	active      atomic.Bool
	// logouts is bumped under mu by every logout.
	logouts atomic.Uint64
}

// New creates a session persisting its credential through persist, which
// may be nil. Headers are injected right away; authentication failures are
// only refreshed once Initialize has configured a token expiration handler.
func New(persist Persistence, opts ...Option) *Session {
	s := &Session{
		logger:     slog.Default(),
		storageKey: DefaultStorageKey,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.injector = NewHeaderInjector()
	s.store = NewCredentialStore(persist, s.storageKey, s.injector, s.logger)
	s.inflight = NewInFlightRegistry()
	s.transport = NewTransport(s.base)
	s.client = &http.Client{Transport: s.transport}
	s.transport.Register(s.filter)

	cfg := DefaultConfig()
	s.config.Store(&cfg)
	s.coordinator.Store(newRefreshCoordinator(s, s.inflight, cfg, s.logger))
	return s
}

// Initialize resets the session, installs the interception filter and
// restores a persisted credential. A restored credential logs the session
// in, firing Events.Login.
//
// A persistence read error is returned after the rest of the session has
// been set up; the session is then logged out.
func (s *Session) Initialize(ctx context.Context, cfg Config) error {
	s.mu.Lock()

	s.active.Store(false)
	s.injector.RemoveAll()

	cfg.EnsureDefaults()
	s.config.Store(&cfg)

	old := s.coordinator.Swap(newRefreshCoordinator(s, s.inflight, cfg, s.logger))
	if rejected := old.Close(); rejected > 0 {
		s.logger.Info("session re-initialized, rejected buffered requests", "rejected", rejected)
	}

	s.transport.Register(s.filter)

	s.store.reset()
	found, loadErr := s.store.Load(ctx)
	restored := false
	switch {
	case loadErr != nil:
		s.logger.Warn("failed to restore session", "err", loadErr)
	case !found:
		s.store.Persist()
	case s.store.Has():
		s.active.Store(true)
		restored = true
	}

	if cfg.CsrfToken != "" {
		s.injector.SetCSRF(cfg.CsrfToken)
	}
	s.mu.Unlock()

	if restored {
		s.logger.Debug("restored persisted session")
		s.fire(cfg.Events.Login)
	}
	if loadErr != nil {
		return fmt.Errorf("failed to restore session: %w", loadErr)
	}
	return nil
}

// Login stores token, activates interception and fires Events.Login.
func (s *Session) Login(token string) {
	s.mu.Lock()
	s.store.Set(token)
	s.active.Store(true)
	s.mu.Unlock()

	s.fire(s.config.Load().Events.Login)
}

// Logout clears the credential and its Authorization header, deactivates
// interception and fires Events.Logout. The CSRF header is kept. A refresh
// still running discards its token and rejects its callers with ErrLoggedOut.
func (s *Session) Logout() {
	s.mu.Lock()
	s.logoutLocked()
	s.mu.Unlock()

	s.fire(s.config.Load().Events.Logout)
}

func (s *Session) logoutLocked() {
	s.store.Clear()
	s.active.Store(false)
	s.logouts.Add(1)
}

// SetAccessToken replaces the credential without firing events or changing
// whether failures are intercepted.
func (s *Session) SetAccessToken(token string) {
	s.store.Set(token)
}

// SetCsrfToken replaces the CSRF token. An empty token removes the header.
func (s *Session) SetCsrfToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := *s.config.Load()
	cfg.CsrfToken = token
	s.config.Store(&cfg)
	s.injector.SetCSRF(token)
}

// AccessToken returns the current credential, or "" when logged out.
func (s *Session) AccessToken() string {
	return s.store.Get()
}

// HasAccessToken reports whether a credential is set.
func (s *Session) HasAccessToken() bool {
	return s.store.Has()
}

// Client returns an HTTP client whose requests go through the session.
func (s *Session) Client() *http.Client {
	return s.client
}

// Transport returns the intercepting transport, for use in custom clients.
func (s *Session) Transport() *Transport {
	return s.transport
}

// Header returns a copy of the headers currently injected into requests.
func (s *Session) Header() http.Header {
	return s.injector.Header().Clone()
}

// State returns the state of the refresh coordinator.
func (s *Session) State() RefreshState {
	return s.coordinator.Load().State()
}

// Coordinator returns the current refresh coordinator. Initialize replaces it.
func (s *Session) Coordinator() *RefreshCoordinator {
	return s.coordinator.Load()
}

// Track registers an outstanding request with the in-flight registry.
// Call the returned function once the request has settled and, for an
// authentication failure, after Defer.
func (s *Session) Track(description string) (end func()) {
	id := s.inflight.Begin(description)
	var once sync.Once
	return func() {
		once.Do(func() { s.inflight.End(id) })
	}
}

// Defer hands an authentication failure to the refresh coordinator.
// It returns false when the failure must go straight back to the caller.
func (s *Session) Defer(ctx context.Context, p *PendingRequest) bool {
	return s.coordinator.Load().Defer(ctx, p)
}

type roundTripResult struct {
	resp *http.Response
	err  error
}

// filter is the interception hook registered on the transport.
func (s *Session) filter(req *http.Request, next http.RoundTripper) (*http.Response, error) {
	req, err := rewindable(req)
	if err != nil {
		return nil, err
	}

	end := s.Track(describe(req))
	defer end()

	resp, err := next.RoundTrip(s.injector.Apply(req, s.injector.Header(), Fresh))
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	result := make(chan roundTripResult, 1)
	pending := &PendingRequest{
		Description: describe(req),
		Replay: func(header http.Header) error {
			return s.replay(req, header, result)
		},
		Reject: func(err error) {
			result <- roundTripResult{err: err}
		},
	}
	if !s.Defer(req.Context(), pending) {
		return resp, nil
	}

	drainAndClose(resp)
	end()
	return awaitResult(req.Context(), result)
}

// replay resends req through the transport tagged Replay, so the filter is
// bypassed, and delivers the outcome to the original caller.
func (s *Session) replay(req *http.Request, header http.Header, result chan<- roundTripResult) error {
	out, err := replayRequest(req)
	if err != nil {
		result <- roundTripResult{err: err}
		return nil
	}

	resp, err := s.transport.RoundTrip(s.injector.Apply(out, header, Replay))
	result <- roundTripResult{resp: resp, err: err}
	if err == nil && resp.StatusCode == http.StatusUnauthorized {
		return ErrReplayUnauthorized
	}
	return nil
}

// awaitResult waits for the buffered request's outcome. If the caller gives
// up first, the eventual response is closed in the background.
func awaitResult(ctx context.Context, result <-chan roundTripResult) (*http.Response, error) {
	select {
	case r := <-result:
		return r.resp, r.err
	case <-ctx.Done():
		go func() {
			if r := <-result; r.resp != nil {
				r.resp.Body.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func drainAndClose(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}

func (s *Session) fire(event func()) {
	if event != nil {
		event()
	}
}

// cycleHooks

func (s *Session) canRefresh() bool {
	return s.active.Load() && s.config.Load().Events.TokenExpiration != nil
}

func (s *Session) refresh(ctx context.Context) (string, error) {
	handler := s.config.Load().Events.TokenExpiration
	if handler == nil {
		return "", fmt.Errorf("no token expiration handler configured")
	}
	return handler(ctx)
}

func (s *Session) epoch() uint64 {
	return s.logouts.Load()
}

func (s *Session) apply(token string, epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.logouts.Load() != epoch {
		return false
	}
	if token != "" {
		s.store.Set(token)
	}
	return true
}

func (s *Session) header() http.Header {
	return s.injector.Header()
}

func (s *Session) expire(err error, epoch uint64) bool {
	s.mu.Lock()
	if s.logouts.Load() != epoch {
		s.mu.Unlock()
		return false
	}
	s.logoutLocked()
	s.mu.Unlock()

	s.logger.Debug("session expired", "err", err)
	s.fire(s.config.Load().Events.Logout)
	return true
}
