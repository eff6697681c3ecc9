package entry

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// GRPCServerLogging is a unary interceptor that assigns each call a request ID and a
// request-scoped logger (accessible via entry.Logger), and logs the outcome of the
// call. Successful calls to any of quietMethods (e.g. health checks, which are polled
// constantly) are logged at debug level.
func GRPCServerLogging(logger *slog.Logger, quietMethods ...string) grpc.UnaryServerInterceptor {
	quiet := make(map[string]struct{}, len(quietMethods))
	for _, method := range quietMethods {
		quiet[method] = struct{}{}
	}

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		// Check for an existing x-request-id header; and generate one if not found
		requestId := ""
		if values := metadata.ValueFromIncomingContext(ctx, "x-request-id"); len(values) > 0 {
			requestId = values[0]
		}
		if requestId == "" {
			requestId = uuid.NewString()
		}

		// Get the client IP
		remoteAddr := ""
		if p, ok := peer.FromContext(ctx); ok {
			remoteAddr = p.Addr.String()
		}

		// Prepare a logger with the relevant details of this request
		reqLogger := logger.With(
			"requestId", requestId,
			"grpcMethod", info.FullMethod,
			"remoteAddr", remoteAddr,
		)
		reqLogger.Debug("Handling request")

		// Handle the request, measuring how long it takes to execute
		ctx = context.WithValue(ctx, requestIdKey, requestId)
		ctx = context.WithValue(ctx, loggerKey, reqLogger)
		start := time.Now()
		m, err := handler(ctx, req)
		elapsedMilliseconds := float64(time.Since(start).Nanoseconds()) / float64(time.Millisecond)

		// Write a final log message indicating that the request is finished, and noting any
		// error that resulted
		reqLogger = reqLogger.With("elapsedMilliseconds", elapsedMilliseconds)
		if err != nil {
			reqLogger.Error("Request finished with error", "error", err, "grpcStatusCode", status.Code(err).String())
		} else if _, ok := quiet[info.FullMethod]; ok {
			reqLogger.Debug("Request finished OK")
		} else {
			reqLogger.Info("Request finished OK")
		}

		// Pass through the original result value and error unchanged
		return m, err
	}
}
