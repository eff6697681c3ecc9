package entry

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

// RunGRPCServer serves gRPC requests until ctx is done, then stops the server
// gracefully. Like RunServer, it returns nil on a clean shutdown.
func RunGRPCServer(ctx context.Context, logger *slog.Logger, s *grpc.Server, bindAddr string, listenPort int) error {
	// Bind to the configured port and begin listening for TCP connections
	addr := fmt.Sprintf("%s:%d", bindAddr, listenPort)
	listenConfig := net.ListenConfig{}
	lis, err := listenConfig.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ServeGRPC(ctx, logger, s, lis)
}

// ServeGRPC runs s on an existing listener until ctx is done
func ServeGRPC(ctx context.Context, logger *slog.Logger, s *grpc.Server, lis net.Listener) error {
	// Kick off a goroutine which calls s.Serve
	logger.Info("Now serving gRPC", "addr", lis.Addr().String())
	var wg errgroup.Group
	wg.Go(func() error { return s.Serve(lis) })

	// Block, running the server all the while, until our application-level context is
	// done
	<-ctx.Done()
	cancelErr := context.Cause(ctx)
	if cancelErr != nil && cancelErr != ctx.Err() {
		logger.Error("Closing gRPC server due to application error", "error", cancelErr)
	} else {
		logger.Info("Application is shutting down cleanly; closing gRPC server")
	}
	s.GracefulStop()

	// Block until s.Serve returns so we can ensure that the server is closed
	if err := wg.Wait(); err != nil {
		return fmt.Errorf("error running gRPC server: %w", err)
	}
	logger.Info("gRPC server closed")
	return nil
}
