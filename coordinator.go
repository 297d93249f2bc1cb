package authsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// RefreshState is the state of a RefreshCoordinator.
type RefreshState int

const (
	Idle RefreshState = iota
	Refreshing
)

func (s RefreshState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Refreshing:
		return "refreshing"
	default:
		return fmt.Sprintf("RefreshState(%d)", int(s))
	}
}

// cycleHooks is what the coordinator needs from its session.
type cycleHooks interface {
	// canRefresh reports whether interception is active and a token
	// expiration handler is configured.
	canRefresh() bool
	// epoch changes every time the session logs out.
	epoch() uint64
	// refresh invokes the token expiration handler.
	refresh(ctx context.Context) (string, error)
	// apply stores a refreshed token unless the session logged out since
	// epoch. Empty means the handler stored it.
	apply(token string, epoch uint64) bool
	// header returns the current session headers.
	header() http.Header
	// expire logs the session out unless it already did so since epoch.
	expire(err error, epoch uint64) bool
}

// RefreshCoordinator runs at most one refresh at a time and buffers every
// authentication failure observed while it runs.
//
// State transitions and buffer appends happen under one mutex, so the
// check-and-set deciding who starts a refresh is atomic.
type RefreshCoordinator struct {
	mu     sync.Mutex
	state  RefreshState
	closed bool
	cycles int
	// expiring is set while a finished cycle logs the session out after a
	// rejected replay. No new cycle may start in that window.
	expiring bool

	buffer    *RequestBuffer
	inflight  *InFlightRegistry
	hooks     cycleHooks
	interval  time.Duration
	waitLimit time.Duration
	logger    *slog.Logger
}

func newRefreshCoordinator(hooks cycleHooks, inflight *InFlightRegistry, cfg Config, logger *slog.Logger) *RefreshCoordinator {
	cfg.EnsureDefaults()
	return &RefreshCoordinator{
		buffer:    NewRequestBuffer(),
		inflight:  inflight,
		hooks:     hooks,
		interval:  cfg.BufferInterval,
		waitLimit: cfg.BufferWaitLimit,
		logger:    logger,
	}
}

// Defer buffers p for replay after a refresh, starting the refresh if none is
// running. It returns false when the failure should go straight back to the
// caller because no refresh is possible; p is then left untouched.
func (c *RefreshCoordinator) Defer(ctx context.Context, p *PendingRequest) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.expiring {
		return false
	}

	if c.state == Refreshing {
		c.buffer.Append(p)
		c.logger.Debug("buffered request during refresh",
			"request", p.Description, "buffered", c.buffer.Len())
		return true
	}

	// Read before canRefresh so a logout racing this call is seen by run.
	epoch := c.hooks.epoch()
	if !c.hooks.canRefresh() {
		return false
	}

	c.buffer.Append(p)
	c.state = Refreshing
	c.cycles++
	c.logger.Info("authentication failed, refreshing token", "request", p.Description)

	go c.run(context.WithoutCancel(ctx), c.cycles, epoch)
	return true
}

// State returns the current state.
func (c *RefreshCoordinator) State() RefreshState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Cycles returns how many times the refresh handler has been invoked.
func (c *RefreshCoordinator) Cycles() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cycles
}

// Buffered returns the number of requests waiting for the current cycle.
func (c *RefreshCoordinator) Buffered() int {
	return c.buffer.Len()
}

// Close rejects every buffered request with ErrSessionReset and makes a
// running cycle discard its outcome. Close is idempotent.
func (c *RefreshCoordinator) Close() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0
	}
	c.closed = true
	c.state = Idle
	return c.buffer.DrainAndRejectAll(ErrSessionReset)
}

func (c *RefreshCoordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// run is one refresh cycle, started by the failure that moved the
// coordinator to Refreshing. epoch is the session's logout epoch when the
// cycle started; a logout since then voids the refreshed token.
func (c *RefreshCoordinator) run(ctx context.Context, cycle int, epoch uint64) {
	started := time.Now()

	token, err := c.hooks.refresh(ctx)
	if c.isClosed() {
		return
	}
	if err != nil {
		c.fail(err, epoch)
		return
	}
	if !c.hooks.apply(token, epoch) {
		c.abandon()
		return
	}

	waited := c.awaitQuiescence()
	header := c.hooks.header()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	replayed := c.buffer.Len()
	g := c.buffer.DrainAndReplay(header)
	c.state = Idle
	c.mu.Unlock()

	c.logger.Info("token refreshed, replaying buffered requests",
		"replayed", replayed,
		"waited", waited,
		"elapsed", time.Since(started))

	if err := g.Wait(); errors.Is(err, ErrReplayUnauthorized) {
		c.expireAfterReplay(err, cycle, epoch)
	}
}

// expireAfterReplay logs the session out after a replay was rejected
// again. A newer cycle already running owns the session by then and is
// left alone.
func (c *RefreshCoordinator) expireAfterReplay(err error, cycle int, epoch uint64) {
	c.mu.Lock()
	if c.closed || c.cycles != cycle {
		c.mu.Unlock()
		c.logger.Debug("replayed request rejected after refresh, newer cycle running")
		return
	}
	c.expiring = true
	c.mu.Unlock()

	c.logger.Warn("replayed request rejected after refresh, logging out")
	c.hooks.expire(err, epoch)

	c.mu.Lock()
	c.expiring = false
	c.mu.Unlock()
}

// abandon rejects the buffer with ErrLoggedOut after the session logged
// out while the handler ran. The refreshed token has been discarded.
func (c *RefreshCoordinator) abandon() {
	c.logger.Info("session logged out during refresh, discarding token")

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	rejected := c.buffer.DrainAndRejectAll(ErrLoggedOut)
	c.state = Idle
	c.logger.Debug("rejected buffered requests", "rejected", rejected)
}

// fail logs the session out first so rejected callers already observe the
// logged out state, then rejects the whole buffer.
func (c *RefreshCoordinator) fail(err error, epoch uint64) {
	refreshErr := &RefreshError{Err: err}
	c.logger.Warn("token refresh failed, logging out", "err", err)

	c.hooks.expire(refreshErr, epoch)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	rejected := c.buffer.DrainAndRejectAll(refreshErr)
	c.state = Idle
	c.logger.Debug("rejected buffered requests", "rejected", rejected)
}

// awaitQuiescence waits until nothing is in flight, checking every
// interval, or until waitLimit has elapsed, whichever comes first.
func (c *RefreshCoordinator) awaitQuiescence() time.Duration {
	started := time.Now()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	deadline := time.NewTimer(c.waitLimit)
	defer deadline.Stop()

	for {
		select {
		case <-ticker.C:
			if c.inflight.Len() == 0 {
				return time.Since(started)
			}
		case <-deadline.C:
			c.logger.Debug("quiescence wait limit reached",
				"outstanding", c.inflight.Descriptions())
			return time.Since(started)
		}
	}
}
