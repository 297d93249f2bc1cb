package grpc

import (
	"context"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"

	"github.com/panyam/authsession"
)

// InterceptorConfig configures the client interceptor behavior.
type InterceptorConfig struct {
	// SkipMethods is a set of method names sent without session metadata
	// and without refresh handling, e.g. a token refresh RPC.
	// Keys should be full method names like "/package.Service/Method".
	SkipMethods map[string]bool
}

// DefaultInterceptorConfig returns a config that handles every method.
func DefaultInterceptorConfig() *InterceptorConfig {
	return &InterceptorConfig{
		SkipMethods: make(map[string]bool),
	}
}

// NewSkipMethodsConfig creates a config with the specified methods skipped.
func NewSkipMethodsConfig(methods ...string) *InterceptorConfig {
	config := DefaultInterceptorConfig()
	for _, method := range methods {
		config.SkipMethods[method] = true
	}
	return config
}

// UnaryClientInterceptor returns a gRPC unary client interceptor that sends
// the session headers as metadata and takes part in the session's refresh
// cycle. A call failing with codes.Unauthenticated is buffered and, after
// the refresh, replayed by calling the next invoker directly, so the replay
// never comes back through this interceptor.
//
// A rejected call returns the session error as is (for example a
// *authsession.RefreshError), not a status error.
//
// Unlike HTTP callers, a buffered RPC waits for its replay even if its
// context ends: the replay writes into the caller's reply message.
func UnaryClientInterceptor(session *authsession.Session, config *InterceptorConfig) grpc.UnaryClientInterceptor {
	if config == nil {
		config = DefaultInterceptorConfig()
	}

	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if config.SkipMethods[method] || authsession.RequestKindFrom(ctx) == authsession.Replay {
			return invoker(ctx, method, req, reply, cc, opts...)
		}

		end := session.Track(method)
		defer end()

		err := invoker(HeaderToOutgoingContext(ctx, session.Header(), authsession.Fresh), method, req, reply, cc, opts...)
		if status.Code(err) != codes.Unauthenticated {
			return err
		}

		result := make(chan error, 1)
		pending := &authsession.PendingRequest{
			Description: method,
			Replay: func(header http.Header) error {
				replayCtx := authsession.WithRequestKind(ctx, authsession.Replay)
				err := invoker(HeaderToOutgoingContext(replayCtx, header, authsession.Replay), method, req, reply, cc, opts...)
				result <- err
				if status.Code(err) == codes.Unauthenticated {
					return authsession.ErrReplayUnauthorized
				}
				return nil
			},
			Reject: func(err error) {
				result <- err
			},
		}
		if !session.Defer(ctx, pending) {
			return err
		}

		end()
		return <-result
	}
}

// sessionCredentials attaches session headers through the PerRPCCredentials
// hook. It does not take part in refresh handling.
type sessionCredentials struct {
	session    *authsession.Session
	requireTLS bool
}

// PerRPCCredentials returns call credentials carrying the session headers,
// for clients that only need the credential attached.
func PerRPCCredentials(session *authsession.Session, requireTLS bool) credentials.PerRPCCredentials {
	return &sessionCredentials{session: session, requireTLS: requireTLS}
}

func (c *sessionCredentials) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	out := make(map[string]string)
	for name, values := range c.session.Header() {
		if len(values) > 0 {
			out[strings.ToLower(name)] = values[0]
		}
	}
	return out, nil
}

func (c *sessionCredentials) RequireTransportSecurity() bool {
	return c.requireTLS
}
