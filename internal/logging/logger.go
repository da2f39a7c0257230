package logging

import (
	"context"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"
)

var (
	// Logger is the global structured logger instance
	Logger *slog.Logger

	// unsafePayloads disables URL redaction
	unsafePayloads bool
)

// Init initializes the global structured logger on stdout
func Init(level slog.Level) {
	InitWriter(os.Stdout, level)
}

// InitWriter initializes the global structured logger on w
func InitWriter(w io.Writer, level slog.Level) {
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Format time as ISO8601
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format(time.RFC3339))
				}
			}
			return a
		},
	}

	handler := slog.NewJSONHandler(w, opts)
	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// SetUnsafePayloads turns URL redaction off (true) or on (false).
func SetUnsafePayloads(v bool) {
	unsafePayloads = v
}

// ParseLevel converts a string log level to slog.Level
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// RedactURL removes secrets from URL logs while retaining debugging value.
// It strips userinfo and masks query parameter values.
func RedactURL(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ""
	}
	if unsafePayloads {
		return rawURL
	}

	parsed, err := url.Parse(rawURL)
	if err != nil || parsed == nil {
		return rawURL
	}

	parsed.User = nil

	if parsed.RawQuery != "" {
		query := parsed.Query()
		for key := range query {
			query.Set(key, "***")
		}
		parsed.RawQuery = query.Encode()
	}

	return parsed.String()
}

// LogSessionState logs a download state transition
func LogSessionState(id int64, url, from, to string) {
	if Logger == nil {
		return
	}
	Logger.Info("session state changed",
		"event", "session_state",
		"session_id", id,
		"url", RedactURL(url),
		"from", from,
		"to", to)
}

// LogSessionError logs a failure attached to a session
func LogSessionError(id int64, msg string, err error) {
	if Logger == nil {
		return
	}
	Logger.Error(msg,
		"event", "session_error",
		"session_id", id,
		"error", err)
}

// LogEngineMessage logs a message crossing the engine channel
func LogEngineMessage(direction, kind string, id int64) {
	if Logger == nil {
		return
	}
	Logger.Debug("engine message",
		"event", "engine_message",
		"direction", direction,
		"kind", kind,
		"session_id", id)
}

// LogEngineIgnored logs an engine event that did not apply to local state
func LogEngineIgnored(kind string, id int64, reason string) {
	if Logger == nil {
		return
	}
	Logger.Warn("engine event ignored",
		"event", "engine_ignored",
		"kind", kind,
		"session_id", id,
		"reason", reason)
}

// LogIntercept logs a browser download being taken over
func LogIntercept(native int64, url, dir, filename string) {
	if Logger == nil {
		return
	}
	Logger.Info("browser download intercepted",
		"event", "intercept",
		"native_id", native,
		"url", RedactURL(url),
		"dir", dir,
		"filename", filename)
}

// LogStoreOperation logs snapshot store operations
func LogStoreOperation(operation string, downloads int, err error) {
	if Logger == nil {
		return
	}
	if err != nil {
		Logger.Error("store operation failed",
			"event", "store_operation_error",
			"operation", operation,
			"downloads", downloads,
			"error", err)
	} else {
		Logger.Info("store operation",
			"event", "store_operation",
			"operation", operation,
			"downloads", downloads)
	}
}

// LogHTTPRequest logs HTTP request handling
func LogHTTPRequest(method, path, remoteAddr string, duration time.Duration, status int, responseBytes int) {
	if Logger == nil {
		return
	}
	Logger.Info("http request",
		"event", "http_request",
		"method", method,
		"path", path,
		"remote_addr", remoteAddr,
		"duration_ms", duration.Milliseconds(),
		"status", status,
		"response_bytes", responseBytes)
}

// LogServerStart logs server startup
func LogServerStart(addr string, config map[string]any) {
	if Logger == nil {
		return
	}
	attrs := []any{
		"event", "server_start",
		"addr", addr,
	}
	for k, v := range config {
		attrs = append(attrs, k, v)
	}
	Logger.Info("server started", attrs...)
}

// LogServerShutdown logs server shutdown events
func LogServerShutdown(msg string, err error) {
	if Logger == nil {
		return
	}
	if err != nil {
		Logger.Error(msg,
			"event", "server_shutdown_error",
			"error", err)
	} else {
		Logger.Info(msg,
			"event", "server_shutdown")
	}
}

// LogClientAttach logs a websocket client (browser or UI) connecting or leaving
func LogClientAttach(kind, remoteAddr string, attached bool) {
	if Logger == nil {
		return
	}
	event := "client_attach"
	if !attached {
		event = "client_detach"
	}
	Logger.Info("websocket client",
		"event", event,
		"kind", kind,
		"remote_addr", remoteAddr)
}

// With returns a logger with additional context
func With(ctx context.Context, attrs ...any) *slog.Logger {
	if Logger == nil {
		return slog.Default().With(attrs...)
	}
	return Logger.With(attrs...)
}
