package rpc

import (
	"context"
	"math"
	"math/rand"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// retryPolicy retries unary calls that never reached the daemon, such as
// while it is starting or restarting.
type retryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	jitter      float64
}

var defaultRetryPolicy = retryPolicy{
	maxAttempts: 4,
	baseDelay:   100 * time.Millisecond,
	maxDelay:    2 * time.Second,
	jitter:      0.2,
}

// backoff returns baseDelay * 2^attempt, capped and jittered.
func (p retryPolicy) backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	delay += delay * p.jitter * (2*rand.Float64() - 1)
	if delay < 0 {
		delay = float64(p.baseDelay)
	}
	return time.Duration(delay)
}

// retryable reports whether err is a transport failure. Unavailable
// statuses carrying an error kind come from the daemon itself and are
// final.
func retryable(err error) bool {
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.Unavailable {
		return false
	}
	return len(st.Details()) == 0
}

func (p retryPolicy) unaryClientInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		var err error
		for attempt := 0; attempt < p.maxAttempts; attempt++ {
			if attempt > 0 {
				select {
				case <-time.After(p.backoff(attempt - 1)):
				case <-ctx.Done():
					return status.FromContextError(ctx.Err()).Err()
				}
			}
			err = invoker(ctx, method, req, reply, cc, opts...)
			if !retryable(err) {
				return err
			}
		}
		return err
	}
}
