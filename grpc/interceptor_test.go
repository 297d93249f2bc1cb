package grpc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/panyam/authsession"
)

// fakeBackend is a UnaryInvoker that accepts one bearer token.
type fakeBackend struct {
	mu    sync.Mutex
	valid string
	seen  []string
}

func (b *fakeBackend) authorizations() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.seen...)
}

func (b *fakeBackend) invoke(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
	md, _ := metadata.FromOutgoingContext(ctx)
	auth := ""
	if values := md.Get(MetadataKeyAuthorization); len(values) > 0 {
		auth = values[0]
	}

	b.mu.Lock()
	b.seen = append(b.seen, auth)
	ok := b.valid != "" && auth == "Bearer "+b.valid
	b.mu.Unlock()

	if !ok {
		return status.Error(codes.Unauthenticated, "invalid token")
	}
	if out, isString := reply.(*string); isString {
		*out = method + " as " + auth
	}
	return nil
}

func newTestSession(t *testing.T, refresh authsession.RefreshFunc) *authsession.Session {
	t.Helper()
	session := authsession.New(nil, authsession.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err := session.Initialize(context.Background(), authsession.Config{
		Events: authsession.Events{TokenExpiration: refresh},
	}); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	return session
}

func TestNewSkipMethodsConfig(t *testing.T) {
	config := NewSkipMethodsConfig("/pkg.Auth/Refresh", "/pkg.Auth/Login")
	if !config.SkipMethods["/pkg.Auth/Refresh"] {
		t.Error("expected Refresh to be skipped")
	}
	if !config.SkipMethods["/pkg.Auth/Login"] {
		t.Error("expected Login to be skipped")
	}
	if config.SkipMethods["/pkg.Svc/Method"] {
		t.Error("expected Method to not be skipped")
	}
}

func TestUnaryClientInterceptor_SendsSessionMetadata(t *testing.T) {
	backend := &fakeBackend{valid: "abc"}
	session := newTestSession(t, nil)
	session.Login("abc")
	session.SetCsrfToken("csrf-1")

	var csrf string
	invoker := func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
		md, _ := metadata.FromOutgoingContext(ctx)
		if values := md.Get(MetadataKeyCSRF); len(values) > 0 {
			csrf = values[0]
		}
		return backend.invoke(ctx, method, req, reply, cc, opts...)
	}

	var reply string
	interceptor := UnaryClientInterceptor(session, nil)
	if err := interceptor(context.Background(), "/pkg.Svc/Get", nil, &reply, nil, invoker); err != nil {
		t.Fatalf("call error = %v", err)
	}
	if reply != "/pkg.Svc/Get as Bearer abc" {
		t.Errorf("reply = %q", reply)
	}
	if csrf != "csrf-1" {
		t.Errorf("csrf = %q, want csrf-1", csrf)
	}
}

func TestUnaryClientInterceptor_SkipMethods(t *testing.T) {
	backend := &fakeBackend{}
	session := newTestSession(t, func(ctx context.Context) (string, error) {
		t.Error("skipped methods must not trigger a refresh")
		return "", nil
	})
	session.Login("abc")

	interceptor := UnaryClientInterceptor(session, NewSkipMethodsConfig("/pkg.Auth/Refresh"))
	err := interceptor(context.Background(), "/pkg.Auth/Refresh", nil, nil, nil, backend.invoke)
	if status.Code(err) != codes.Unauthenticated {
		t.Errorf("expected Unauthenticated, got %v", err)
	}
	if got := backend.authorizations(); len(got) != 1 || got[0] != "" {
		t.Errorf("authorizations = %v, want one call without credentials", got)
	}
}

func TestUnaryClientInterceptor_RefreshesAndReplays(t *testing.T) {
	backend := &fakeBackend{valid: "new"}
	var refreshes atomic.Int32
	session := newTestSession(t, func(ctx context.Context) (string, error) {
		refreshes.Add(1)
		return "new", nil
	})
	session.Login("old")

	var reply string
	interceptor := UnaryClientInterceptor(session, nil)
	if err := interceptor(context.Background(), "/pkg.Svc/Get", nil, &reply, nil, backend.invoke); err != nil {
		t.Fatalf("call error = %v", err)
	}

	if reply != "/pkg.Svc/Get as Bearer new" {
		t.Errorf("reply = %q", reply)
	}
	if refreshes.Load() != 1 {
		t.Errorf("refreshes = %d, want 1", refreshes.Load())
	}
	got := backend.authorizations()
	if len(got) != 2 || got[0] != "Bearer old" || got[1] != "Bearer new" {
		t.Errorf("authorizations = %v, want [Bearer old Bearer new]", got)
	}
}

func TestUnaryClientInterceptor_RefreshFailure(t *testing.T) {
	backend := &fakeBackend{valid: "new"}
	cause := errors.New("refresh denied")
	session := newTestSession(t, func(ctx context.Context) (string, error) {
		return "", cause
	})
	session.Login("old")

	interceptor := UnaryClientInterceptor(session, nil)
	err := interceptor(context.Background(), "/pkg.Svc/Get", nil, nil, nil, backend.invoke)
	if !errors.Is(err, authsession.ErrRefreshFailed) || !errors.Is(err, cause) {
		t.Errorf("expected a refresh error wrapping the cause, got %v", err)
	}
	if session.HasAccessToken() {
		t.Error("expected the session to be logged out")
	}
}

func TestUnaryClientInterceptor_NoHandler(t *testing.T) {
	backend := &fakeBackend{valid: "new"}
	session := newTestSession(t, nil)
	session.Login("old")

	interceptor := UnaryClientInterceptor(session, nil)
	err := interceptor(context.Background(), "/pkg.Svc/Get", nil, nil, nil, backend.invoke)
	if status.Code(err) != codes.Unauthenticated {
		t.Errorf("expected the Unauthenticated status unchanged, got %v", err)
	}
}

func TestPerRPCCredentials(t *testing.T) {
	session := newTestSession(t, nil)
	session.Login("abc")
	session.SetCsrfToken("csrf-1")

	creds := PerRPCCredentials(session, true)
	if !creds.RequireTransportSecurity() {
		t.Error("expected transport security to be required")
	}
	md, err := creds.GetRequestMetadata(context.Background())
	if err != nil {
		t.Fatalf("GetRequestMetadata() error = %v", err)
	}
	if md[MetadataKeyAuthorization] != "Bearer abc" {
		t.Errorf("authorization = %q", md[MetadataKeyAuthorization])
	}
	if md[MetadataKeyCSRF] != "csrf-1" {
		t.Errorf("csrf = %q", md[MetadataKeyCSRF])
	}
}

// TestUnaryClientInterceptor_OverConnection runs the health service behind a
// token-checking server interceptor.
func TestUnaryClientInterceptor_OverConnection(t *testing.T) {
	var mu sync.Mutex
	valid := "first"
	checkToken := func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		mu.Lock()
		want := "Bearer " + valid
		mu.Unlock()
		if AuthorizationFromIncomingContext(ctx) != want {
			return nil, status.Error(codes.Unauthenticated, "invalid token")
		}
		return handler(ctx, req)
	}

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnaryInterceptor(checkToken))
	healthpb.RegisterHealthServer(srv, health.NewServer())
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	session := newTestSession(t, func(ctx context.Context) (string, error) {
		return "second", nil
	})
	session.Login("first")

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(UnaryClientInterceptor(session, nil)),
	)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	client := healthpb.NewHealthClient(conn)

	resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("status = %v, want SERVING", resp.GetStatus())
	}

	// Rotate the server's token; the next call refreshes and is replayed.
	mu.Lock()
	valid = "second"
	mu.Unlock()

	resp, err = client.Check(context.Background(), &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("Check() after rotation error = %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("status = %v, want SERVING", resp.GetStatus())
	}
	if session.AccessToken() != "second" {
		t.Errorf("access token = %q, want second", session.AccessToken())
	}
}
