// Package authsession provides a client-side bearer credential session for
// HTTP clients.
//
// A Session attaches the current access token to every outgoing request and
// watches for authentication failures (HTTP 401). When a request fails and a
// token expiration handler is configured, the session runs exactly one
// refresh while every other failing request is buffered. Once the refresh
// succeeds and the requests still in flight have settled, the buffered
// requests are replayed with the new token and each caller receives the
// outcome of its own replay. If the refresh fails the session logs out and
// all buffered callers receive a *RefreshError.
//
// # Basic Usage
//
//	store := stores.NewMemoryStore()
//	session := authsession.New(store)
//
//	err := session.Initialize(ctx, authsession.Config{
//	    Events: authsession.Events{
//	        TokenExpiration: func(ctx context.Context) (string, error) {
//	            return refreshMyToken(ctx)
//	        },
//	        Logout: func() { log.Println("logged out") },
//	    },
//	})
//
//	session.Login("abc123")
//	resp, err := session.Client().Get("https://api.example.com/items")
//
// # Refresh Cycle
//
// The coordinator has two states, Idle and Refreshing. The first 401 moves
// it to Refreshing and starts the handler. Failures observed while
// refreshing join the buffer. After a successful refresh the coordinator
// polls the in-flight registry every Config.BufferInterval and replays the
// buffer when nothing is outstanding or Config.BufferWaitLimit has elapsed.
//
// Replayed requests are tagged with RequestKind Replay and bypass the
// interception filter, so a replay that fails again is returned to its
// caller instead of re-entering the buffer.
//
// # Persistence
//
// The credential is persisted as {"accessToken": ...} under a fixed key
// through the Persistence interface. Implementations live in the stores
// package (memory), stores/fs (JSON file), stores/gorm and stores/redis.
//
// # Other Transports
//
// Session.Track, Session.Defer and Session.Header let transports other
// than net/http take part in the same refresh cycle. The grpc package uses
// them to provide a unary client interceptor.
package authsession
