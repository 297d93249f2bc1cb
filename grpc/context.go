// Package grpc connects gRPC clients to an authsession.Session: session
// headers are sent as outgoing metadata and Unauthenticated results join the
// session's refresh cycle.
package grpc

import (
	"context"
	"net/http"
	"strings"

	"google.golang.org/grpc/metadata"

	"github.com/panyam/authsession"
)

// Metadata keys the session headers are sent under.
const (
	MetadataKeyAuthorization = "authorization"
	MetadataKeyCSRF          = "x-csrf-token"
)

// HeaderToOutgoingContext adds header to the outgoing metadata of ctx.
//
// For a Fresh call, keys already present in the outgoing metadata are kept.
// For a Replay the authorization value is always replaced, and removed when
// header has none.
func HeaderToOutgoingContext(ctx context.Context, header http.Header, kind authsession.RequestKind) context.Context {
	md, _ := metadata.FromOutgoingContext(ctx)
	md = md.Copy()

	for name, values := range header {
		if len(values) == 0 {
			continue
		}
		key := strings.ToLower(name)
		if kind == authsession.Fresh && len(md.Get(key)) > 0 {
			continue
		}
		md.Set(key, values[0])
	}

	if kind == authsession.Replay && header.Get(authsession.HeaderAuthorization) == "" {
		md.Delete(MetadataKeyAuthorization)
	}
	return metadata.NewOutgoingContext(ctx, md)
}

// AuthorizationFromIncomingContext returns the authorization value a server
// received, or "".
func AuthorizationFromIncomingContext(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if values := md.Get(MetadataKeyAuthorization); len(values) > 0 {
		return values[0]
	}
	return ""
}
