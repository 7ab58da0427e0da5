package breaker

import (
	"context"

	"google.golang.org/grpc"
)

func (cb *circuitBreaker) UnaryClientInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		return cb.Execute(ctx, cc.Target(), func() error {
			return invoker(ctx, method, req, reply, cc, opts...)
		})
	}
}
