package clientapi

import (
	"context"
	"time"

	"google.golang.org/grpc"

	"github.com/cuemby/ledger/internal/log"
	"github.com/cuemby/ledger/internal/metrics"
)

// UnaryLoggingInterceptor logs every unary RPC's method, duration, and
// outcome and records its latency in metrics, the way the container
// manager's ReadOnlyInterceptor inspects every call's method name before
// deciding how to treat it.
func UnaryLoggingInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		duration := time.Since(start)

		logger := log.WithComponent("clientapi")
		event := logger.Info()
		if err != nil {
			event = logger.Warn()
		}
		event.Str("method", info.FullMethod).Dur("duration", duration).Err(err).Msg("client api rpc")

		status := "ok"
		if err != nil {
			status = "error"
		}
		metrics.APIRequestsTotal.WithLabelValues(info.FullMethod, status).Inc()
		metrics.APIRequestDuration.WithLabelValues(info.FullMethod).Observe(duration.Seconds())
		return resp, err
	}
}
