package statemachine

import (
	"context"
	"log/slog"
	"time"

	"github.com/amp-labs/sigma/logger"
)

// Logger provides logging hooks for machine execution. The context carries
// the machine name and run ID as logger values (see logger.With).
type Logger interface {
	RunStarted(ctx context.Context, state string)
	RunStopped(ctx context.Context, state string, err error)
	StateEntered(ctx context.Context, state string)
	StateExited(ctx context.Context, state string, duration time.Duration, err error)
	TransitionExecuted(ctx context.Context, from, to, event string)
	SignalIgnored(ctx context.Context, signal, reason string)
	EventDropped(ctx context.Context, state, event string)
}

// DefaultLogger implements Logger on top of logger.Get.
type DefaultLogger struct{}

// NewDefaultLogger creates a new default logger.
func NewDefaultLogger() *DefaultLogger {
	return &DefaultLogger{}
}

func (l *DefaultLogger) RunStarted(ctx context.Context, state string) {
	logger.Get(ctx).InfoContext(ctx, "Machine started", "state", state)
}

func (l *DefaultLogger) RunStopped(ctx context.Context, state string, err error) {
	if err != nil {
		logger.Get(ctx).ErrorContext(ctx, "Machine stopped with error", "state", state, "error", err)

		return
	}

	logger.Get(ctx).InfoContext(ctx, "Machine stopped", "state", state)
}

func (l *DefaultLogger) StateEntered(ctx context.Context, state string) {
	logger.Get(ctx).DebugContext(ctx, "State entered", "state", state)
}

func (l *DefaultLogger) StateExited(ctx context.Context, state string, duration time.Duration, err error) {
	if err != nil {
		logger.Get(ctx).ErrorContext(ctx, "State exited with error",
			"state", state,
			"duration_ms", duration.Milliseconds(),
			"error", err)

		return
	}

	logger.Get(ctx).DebugContext(ctx, "State exited",
		"state", state,
		"duration_ms", duration.Milliseconds())
}

func (l *DefaultLogger) TransitionExecuted(ctx context.Context, from, to, event string) {
	logger.Get(ctx).InfoContext(ctx, "Transition executed", "from", from, "to", to, "event", event)
}

func (l *DefaultLogger) SignalIgnored(ctx context.Context, signal, reason string) {
	logger.Get(ctx).DebugContext(ctx, "Signal ignored", "signal", signal, "reason", reason)
}

func (l *DefaultLogger) EventDropped(ctx context.Context, state, event string) {
	logger.Get(ctx).DebugContext(ctx, "No guard matched, event dropped", "state", state, "event", event)
}

// SlogLogger implements Logger on a fixed *slog.Logger, for callers that do
// not use the process-wide default (tests, embedded runtimes).
type SlogLogger struct {
	log *slog.Logger
}

// NewSlogLogger creates a Logger writing to log.
func NewSlogLogger(log *slog.Logger) *SlogLogger {
	return &SlogLogger{log: log}
}

func (l *SlogLogger) RunStarted(ctx context.Context, state string) {
	l.log.InfoContext(ctx, "Machine started", "state", state)
}

func (l *SlogLogger) RunStopped(ctx context.Context, state string, err error) {
	l.log.InfoContext(ctx, "Machine stopped", "state", state, "error", err)
}

func (l *SlogLogger) StateEntered(ctx context.Context, state string) {
	l.log.DebugContext(ctx, "State entered", "state", state)
}

func (l *SlogLogger) StateExited(ctx context.Context, state string, duration time.Duration, err error) {
	l.log.DebugContext(ctx, "State exited", "state", state, "duration", duration, "error", err)
}

func (l *SlogLogger) TransitionExecuted(ctx context.Context, from, to, event string) {
	l.log.InfoContext(ctx, "Transition executed", "from", from, "to", to, "event", event)
}

func (l *SlogLogger) SignalIgnored(ctx context.Context, signal, reason string) {
	l.log.DebugContext(ctx, "Signal ignored", "signal", signal, "reason", reason)
}

func (l *SlogLogger) EventDropped(ctx context.Context, state, event string) {
	l.log.DebugContext(ctx, "No guard matched, event dropped", "state", state, "event", event)
}
