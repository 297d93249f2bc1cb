package authsession

import (
	"errors"
	"fmt"
)

var (
	// ErrRefreshFailed matches every error delivered to buffered callers
	// when the token expiration handler fails.
	ErrRefreshFailed = errors.New("authsession: token refresh failed")

	// ErrReplayUnauthorized is returned by PendingRequest.Replay when the
	// replayed request was rejected again as unauthenticated.
	ErrReplayUnauthorized = errors.New("authsession: replayed request was unauthorized")

	// ErrSessionReset is delivered to buffered callers when the session is
	// re-initialized before their refresh cycle finished.
	ErrSessionReset = errors.New("authsession: session was re-initialized")

	// ErrLoggedOut is delivered to buffered callers when the session was
	// logged out while their refresh cycle was running.
	ErrLoggedOut = errors.New("authsession: session was logged out during refresh")

	// ErrTokenUnchanged is returned by a TokenSourceRefresher whose source
	// handed back the credential that was just rejected.
	ErrTokenUnchanged = errors.New("authsession: token source returned the rejected token")
)

// RefreshError wraps the error returned by the token expiration handler.
type RefreshError struct {
	Err error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("%v: %v", ErrRefreshFailed, e.Err)
}

// Unwrap allows errors.Is to match both ErrRefreshFailed and the handler's error.
func (e *RefreshError) Unwrap() []error {
	return []error{ErrRefreshFailed, e.Err}
}
