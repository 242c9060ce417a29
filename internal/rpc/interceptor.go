package rpc

import (
	"context"
	"time"

	"google.golang.org/grpc"

	"github.com/nainya/reldb/internal/logger"
	"github.com/nainya/reldb/internal/metrics"
)

// MetricsInterceptor records request counts, latency, and in-flight gauge
// for every admin RPC call, adapted from the teacher's
// GrpcMetricsInterceptor to reldb's Metrics field names.
func MetricsInterceptor(m *metrics.Metrics, log *logger.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handlerFn grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()
		m.RPCRequestsInFlight.Inc()
		defer m.RPCRequestsInFlight.Dec()

		resp, err := handlerFn(ctx, req)

		duration := time.Since(start)
		status := "success"
		if err != nil {
			status = "error"
		}
		m.RecordRPCRequest(info.FullMethod, status, duration)
		log.LogOperation(info.FullMethod, duration, err)

		return resp, err
	}
}
