package entry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// RunServer serves HTTP requests until ctx is done, then shuts the server down
// gracefully. It returns nil on a clean shutdown, so it can be run in an errgroup
// alongside other servers.
func RunServer(ctx context.Context, logger *slog.Logger, handler http.Handler, bindAddr string, listenPort int) error {
	// Prepare an http.Server with reasonable default config, using our provided handler
	addr := fmt.Sprintf("%s:%d", bindAddr, listenPort)
	server := &http.Server{
		Addr:              addr,
		Handler:           Middleware(logger)(handler),
		ErrorLog:          NewErrorLog(logger),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	// Kick off a goroutine which calls server.ListenAndServe()
	logger.Info("Now listening", "bindAddr", bindAddr, "listenPort", listenPort)
	var wg errgroup.Group
	wg.Go(server.ListenAndServe)

	// Once our application-level context is closed, stop accepting requests and give
	// in-flight requests a chance to finish
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		logger.Info("Closing server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	// Block until ListenAndServe returns
	err := wg.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		<-stopped
		logger.Info("Server closed")
		return nil
	}
	return fmt.Errorf("error running server: %w", err)
}

// NewErrorLog adapts an slog.Logger to the simpler log.Logger interface used by
// http.Server's ErrorLog field
func NewErrorLog(s *slog.Logger) *log.Logger {
	w := errorLogWriter{s}
	return log.New(w, "", 0)
}

// errorLog is an implementation of io.Writer that handles http server errors by writing
// them to an underlying slog.Logger
type errorLogWriter struct {
	logger *slog.Logger
}

func (w errorLogWriter) Write(data []byte) (int, error) {
	w.logger.Error("http.Server error", "error", string(data))
	return len(data), nil
}
