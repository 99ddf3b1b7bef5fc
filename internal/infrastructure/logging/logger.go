package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nerrad567/ebusd-bridge/internal/infrastructure/config"
)

// ServiceName is attached to every log entry.
const ServiceName = "ebusd-bridge"

// redacted replaces the value of any attribute whose key names a credential.
const redacted = "[redacted]"

var secretKeys = []string{"password", "secret", "token", "authorization"}

// Logger is a slog.Logger carrying the bridge's default fields.
// It is safe for concurrent use.
type Logger struct {
	*slog.Logger
}

// New returns a Logger for cfg. Output "stderr" writes to standard error,
// "discard" drops everything and any other value writes to standard output.
func New(cfg config.LoggingConfig, version string) *Logger {
	var w io.Writer = os.Stdout
	switch strings.ToLower(cfg.Output) {
	case "stderr":
		w = os.Stderr
	case "discard":
		w = io.Discard
	}
	return NewWithWriter(cfg, version, w)
}

// NewWithWriter returns a Logger writing to w; cfg.Output is ignored.
// Format "text" selects logfmt-style output, anything else JSON.
func NewWithWriter(cfg config.LoggingConfig, version string, w io.Writer) *Logger {
	opts := &slog.HandlerOptions{
		Level:       parseLevel(cfg.Level),
		ReplaceAttr: redactSecrets,
	}

	var h slog.Handler = slog.NewJSONHandler(w, opts)
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(w, opts)
	}
	return &Logger{Logger: slog.New(h).With("service", ServiceName, "version", version)}
}

// Default is the logger used until configuration has loaded.
func Default() *Logger {
	return New(config.LoggingConfig{Level: "info", Format: "json"}, "dev")
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// redactSecrets blanks attributes such as "mqtt_password" or "jwt_secret"
// so a careless log call cannot leak credentials from the config.
func redactSecrets(_ []string, a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	for _, s := range secretKeys {
		if strings.Contains(key, s) {
			return slog.String(a.Key, redacted)
		}
	}
	return a
}

// With returns a child Logger with additional default attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Component returns a child Logger tagged component=name.
//
//	log := logger.Component("ebusd").With("circuit", "bai")
func (l *Logger) Component(name string) *Logger {
	return l.With("component", name)
}
