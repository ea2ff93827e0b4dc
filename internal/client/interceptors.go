package client

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/pesio-ai/be-ar-invoices/internal/auth"
)

// forwardMetadata is a gRPC unary client interceptor that propagates
// incoming request metadata (including the Bearer auth token) to outgoing
// calls made while serving a request.
func forwardMetadata(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		ctx = metadata.NewOutgoingContext(ctx, md)
	}
	return invoker(ctx, method, req, reply, cc, opts...)
}

// withCredentials attaches a bearer token, or the development identity
// headers when no token is configured.
func withCredentials(creds Credentials) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if creds.Token != "" {
			ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+creds.Token)
		}
		if creds.IssuerID != "" {
			ctx = metadata.AppendToOutgoingContext(ctx, strings.ToLower(auth.HeaderIssuerID), creds.IssuerID)
		}
		if creds.UserID != "" {
			ctx = metadata.AppendToOutgoingContext(ctx, strings.ToLower(auth.HeaderUserID), creds.UserID)
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}
