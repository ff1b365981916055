// Package middleware provides the HTTP middleware of the renderq API.
package middleware

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"renderq/internal/pkg/errors"
	"renderq/internal/pkg/logger"
)

// RequestIDHeader is the header name for request IDs.
const RequestIDHeader = "X-Request-ID"

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	size        int
}

func wrapResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, status: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.status = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

// Flush lets streamed artifact responses through the wrapper.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// RequestID adds a unique request ID to each request.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = generateRequestID()
		}

		w.Header().Set(RequestIDHeader, requestID)

		ctx := logger.ContextWithRequestID(r.Context(), requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Logging logs HTTP requests with structured logging.
func Logging(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := wrapResponseWriter(w)

			reqLog := log.FromContext(r.Context())

			reqLog.Debug("request started",
				"method", r.Method,
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
				"user_agent", r.UserAgent(),
			)

			next.ServeHTTP(wrapped, r)

			logFn := reqLog.Info
			if wrapped.status >= 500 {
				logFn = reqLog.Error
			} else if wrapped.status >= 400 {
				logFn = reqLog.Warn
			}

			logFn("request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.status,
				"size", wrapped.size,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

// Recovery recovers from panics and logs them.
func Recovery(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					reqLog := log.FromContext(r.Context())
					reqLog.Error("panic recovered",
						"panic", rec,
						"stack", string(debug.Stack()),
						"method", r.Method,
						"path", r.URL.Path,
					)

					WriteErrorResponse(w, errors.CodeInternal, "internal server error", nil)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// ErrorHandlerFunc is a handler that returns its error instead of writing it.
type ErrorHandlerFunc func(w http.ResponseWriter, r *http.Request) error

// WrapHandler wraps a handler function that returns an error.
func WrapHandler(log *logger.Logger, fn ErrorHandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(w, r); err != nil {
			HandleError(w, r, log, err)
		}
	}
}

// HandleError logs err and writes the matching error envelope. Server
// errors are logged in full but answered with a generic message.
func HandleError(w http.ResponseWriter, r *http.Request, log *logger.Logger, err error) {
	reqLog := log.FromContext(r.Context())

	code := errors.GetCode(err)
	status := errors.GetHTTPStatus(err)
	fields := errors.GetFields(err)

	logFields := []any{
		"error", err.Error(),
		"code", string(code),
		"status", status,
		"method", r.Method,
		"path", r.URL.Path,
	}
	for k, v := range fields {
		logFields = append(logFields, k, v)
	}

	message := publicMessage(err)
	if status == http.StatusInternalServerError {
		var e *errors.Error
		if errors.As(err, &e) && len(e.Stack) > 0 {
			logFields = append(logFields, "stack", e.StackTrace())
		}
		message = "internal server error"
		fields = nil
		reqLog.Error("request failed", logFields...)
	} else {
		reqLog.Warn("request error", logFields...)
	}

	if ms, ok := fields["retry_after_ms"].(int64); ok && ms > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt((ms+999)/1000, 10))
	}

	WriteErrorResponse(w, code, message, fields)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    errors.Code    `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// WriteErrorResponse writes a JSON error response.
func WriteErrorResponse(w http.ResponseWriter, code errors.Code, message string, details map[string]any) {
	status := (&errors.Error{Code: code}).HTTPStatus()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(errorBody{Error: errorDetail{
		Code:    code,
		Message: message,
		Details: details,
	}})
}

func publicMessage(err error) string {
	var e *errors.Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

// generateRequestID generates a unique request ID.
func generateRequestID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
