package authsession

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
)

// RefreshFunc obtains a new credential after an authentication failure.
//
// A non-empty return value becomes the session's access token. A handler
// that stores the token itself with Session.SetAccessToken may return "".
// A non-nil error fails the refresh cycle and logs the session out.
//
// The context carries the values of the request that triggered the refresh
// but is never cancelled by it.
type RefreshFunc func(ctx context.Context) (string, error)

// TokenSourceRefresher adapts an oauth2.TokenSource into a RefreshFunc.
// The token source owns the refresh grant; the session only sees the
// resulting access token.
//
// Caching sources such as oauth2.ReuseTokenSource, or the one returned by
// oauth2.Config.TokenSource, hand back their cached token until it passes
// its expiry, even after the server revoked it. When current is non-nil it
// reports the credential that was just rejected (usually
// Session.AccessToken), and a source returning that same token fails the
// refresh with ErrTokenUnchanged instead of replaying a doomed request.
func TokenSourceRefresher(ts oauth2.TokenSource, current func() string) RefreshFunc {
	return func(ctx context.Context) (string, error) {
		tok, err := ts.Token()
		if err != nil {
			return "", err
		}
		if tok == nil || tok.AccessToken == "" {
			return "", fmt.Errorf("token source returned no access token")
		}
		if current != nil && tok.AccessToken == current() {
			return "", ErrTokenUnchanged
		}
		return tok.AccessToken, nil
	}
}
