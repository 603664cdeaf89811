package tlsession

import (
	"context"
	"log/slog"
	"time"
)

// sessionLogger emits structured session lifecycle events.
type sessionLogger struct {
	logger *slog.Logger
}

func newSessionLogger(logger *slog.Logger) *sessionLogger {
	if logger == nil {
		logger = slog.Default()
	}

	return &sessionLogger{
		logger: logger.With("component", "tlsession"),
	}
}

// LogSettingDropped logs a setting name the engine does not recognize.
func (l *sessionLogger) LogSettingDropped(name string) {
	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "Unrecognized setting dropped",
		slog.String("event", "setting_dropped"),
		slog.String("setting", name),
	)
}

// LogConfigRealized logs a configuration handle becoming available.
func (l *sessionLogger) LogConfigRealized(applied, dropped int) {
	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "Configuration realized",
		slog.String("event", "config_realized"),
		slog.Int("applied", applied),
		slog.Int("dropped", dropped),
	)
}

// LogHandshakeSuccess logs a completed connect or accept.
func (l *sessionLogger) LogHandshakeSuccess(ctx context.Context, role Role, sessionID, host string, retries int, duration time.Duration) {
	l.logger.LogAttrs(ctx, slog.LevelInfo, "TLS negotiation completed",
		slog.String("event", "handshake_success"),
		slog.String("role", string(role)),
		slog.String("session_id", sessionID),
		slog.String("host", host),
		slog.Int("retries", retries),
		slog.Duration("handshake_duration", duration),
	)
}

// LogHandshakeFailure logs a failed connect or accept.
func (l *sessionLogger) LogHandshakeFailure(ctx context.Context, role Role, host string, retries int, duration time.Duration, err error) {
	level := slog.LevelError
	if ctx.Err() != nil {
		level = slog.LevelWarn
	}

	l.logger.LogAttrs(ctx, level, "TLS negotiation failed",
		slog.String("event", "handshake_failure"),
		slog.String("role", string(role)),
		slog.String("host", host),
		slog.Int("retries", retries),
		slog.Duration("handshake_duration", duration),
		slog.String("error", err.Error()),
	)
}

// LogSessionClosed logs the end of a session.
func (l *sessionLogger) LogSessionClosed(ctx context.Context, role Role, sessionID string, duration time.Duration, bytesRead, bytesWritten int64, err error) {
	level := slog.LevelInfo
	attrs := []slog.Attr{
		slog.String("event", "session_closed"),
		slog.String("role", string(role)),
		slog.String("session_id", sessionID),
		slog.Duration("duration", duration),
		slog.Int64("bytes_read", bytesRead),
		slog.Int64("bytes_written", bytesWritten),
	}
	if err != nil {
		level = slog.LevelWarn
		attrs = append(attrs, slog.String("error", err.Error()))
	}

	l.logger.LogAttrs(ctx, level, "TLS session closed", attrs...)
}

// LogCleanupFailure logs a release error that could not be returned
// because another error was already in flight.
func (l *sessionLogger) LogCleanupFailure(ctx context.Context, op string, err error) {
	l.logger.LogAttrs(ctx, slog.LevelWarn, "Cleanup failed during unwind",
		slog.String("event", "cleanup_failure"),
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
}
