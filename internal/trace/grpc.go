package trace

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// UnaryClientInterceptor sends the trace in ctx, or a new one, as
// traceparent metadata on every call.
func UnaryClientInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx, tc := EnsureContext(ctx)
		ctx = metadata.AppendToOutgoingContext(ctx, Header, tc.Traceparent())
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}
