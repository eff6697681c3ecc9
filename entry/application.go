package entry

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
)

type Application interface {
	Context() context.Context
	Log() *slog.Logger
	SetLogLevel(level slog.Level)
	Fail(message string, err error)
	Stop()
}

// NewApplication prepares a JSON logger and a context that's canceled on SIGINT or
// SIGTERM. The log level may be set via LOG_LEVEL (debug, info, warn or error).
func NewApplication(name string) Application {
	// Prepare a logger that we can write structured log messages to
	level := new(slog.LevelVar)
	level.Set(ParseLevel(os.Getenv("LOG_LEVEL")))
	opts := &slog.HandlerOptions{Level: level}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, opts)).With("app", name, "pid", os.Getpid())
	logger.Info("Process starting")

	// Shut down cleanly on signal
	ctx, close := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	return &application{
		ctx:      ctx,
		closeCtx: close,
		logger:   logger,
		level:    level,
	}
}

// ParseLevel converts a level name to a slog.Level, defaulting to info
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

type application struct {
	ctx      context.Context
	closeCtx context.CancelFunc
	logger   *slog.Logger
	level    *slog.LevelVar
}

func (a *application) Context() context.Context {
	return a.ctx
}

func (a *application) Log() *slog.Logger {
	return a.logger
}

// SetLogLevel changes the minimum level logged, e.g. once config has been loaded
func (a *application) SetLogLevel(level slog.Level) {
	a.level.Set(level)
}

func (a *application) Fail(message string, err error) {
	a.logger.Error(message, "error", err)
	os.Exit(1)
}

func (a *application) Stop() {
	a.logger.Info("Process stopping")
	a.closeCtx()
}
