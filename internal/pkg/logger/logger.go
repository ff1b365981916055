// Package logger is the structured logger every renderq component writes
// through. It wraps log/slog and knows the ids that travel in a
// context.Context: the HTTP request, the job and the submitting caller.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

type contextKey string

const (
	RequestIDKey contextKey = "request_id"
	JobIDKey     contextKey = "job_id"
	CallerIDKey  contextKey = "caller_id"
)

// contextIDs is the order FromContext attaches ids in.
var contextIDs = []contextKey{RequestIDKey, JobIDKey, CallerIDKey}

// Logger wraps slog.Logger with renderq-specific helpers.
type Logger struct {
	*slog.Logger
}

// Config holds logger configuration. A nil Output means os.Stdout; any
// Format other than "text" means JSON.
type Config struct {
	Level       string
	Format      string
	Output      io.Writer
	AddSource   bool
	ServiceName string
}

// DefaultConfig reads LOG_LEVEL, LOG_FORMAT, LOG_SOURCE and SERVICE_NAME.
func DefaultConfig() Config {
	return Config{
		Level:       getEnv("LOG_LEVEL", "info"),
		Format:      getEnv("LOG_FORMAT", "json"),
		Output:      os.Stdout,
		AddSource:   getEnv("LOG_SOURCE", "false") == "true",
		ServiceName: getEnv("SERVICE_NAME", "renderq"),
	}
}

func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	opts := &slog.HandlerOptions{
		Level:       parseLevel(cfg.Level),
		AddSource:   cfg.AddSource,
		ReplaceAttr: utcTime,
	}

	var h slog.Handler = slog.NewJSONHandler(out, opts)
	if cfg.Format == "text" {
		h = slog.NewTextHandler(out, opts)
	}
	if cfg.ServiceName != "" {
		h = h.WithAttrs([]slog.Attr{slog.String("service", cfg.ServiceName)})
	}
	return &Logger{Logger: slog.New(h)}
}

// utcTime renders record timestamps as RFC3339Nano in UTC.
func utcTime(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.TimeKey {
		return a
	}
	if t, ok := a.Value.Any().(time.Time); ok {
		a.Value = slog.StringValue(t.UTC().Format(time.RFC3339Nano))
	}
	return a
}

func NewDefault() *Logger {
	return New(DefaultConfig())
}

// Discard drops everything. Components built without a logger fall back to it.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func (l *Logger) with(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

func (l *Logger) WithRequestID(id string) *Logger { return l.with(string(RequestIDKey), id) }
func (l *Logger) WithJobID(id string) *Logger     { return l.with(string(JobIDKey), id) }
func (l *Logger) WithCallerID(id string) *Logger  { return l.with(string(CallerIDKey), id) }

func (l *Logger) WithComponent(component string) *Logger {
	return l.with("component", component)
}

// WithError attaches err's text. A nil err returns l unchanged.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.with("error", err.Error())
}

func (l *Logger) WithFields(fields map[string]any) *Logger {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return l.with(args...)
}

// FromContext attaches whichever of the request, job and caller ids ctx
// carries.
func (l *Logger) FromContext(ctx context.Context) *Logger {
	var args []any
	for _, key := range contextIDs {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			args = append(args, string(key), v)
		}
	}
	if len(args) == 0 {
		return l
	}
	return l.with(args...)
}

// Fatal logs at Error and exits the process. Only cmd/ calls it, during
// startup.
func (l *Logger) Fatal(msg string, err error, args ...any) {
	if err != nil {
		args = append(args, "error", err.Error())
	}
	l.Error(msg, args...)
	os.Exit(1)
}

func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

func ContextWithJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, JobIDKey, id)
}

func ContextWithCallerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CallerIDKey, id)
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	switch s := strings.ToLower(strings.TrimSpace(level)); s {
	case "warning":
		return slog.LevelWarn
	default:
		if err := l.UnmarshalText([]byte(s)); err != nil {
			return slog.LevelInfo
		}
		return l
	}
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
