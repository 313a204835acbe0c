package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// RequestID returns the id assigned by the requestID middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// apiHeaders go on every response. The API only serves JSON, metrics and
// event streams, so nothing it returns may be framed, sniffed or cached.
var apiHeaders = map[string]string{
	"X-Content-Type-Options":  "nosniff",
	"X-Frame-Options":         "DENY",
	"Referrer-Policy":         "no-referrer",
	"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
	"Cache-Control":           "no-store",
}

func hardenHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		for k, v := range apiHeaders {
			h.Set(k, v)
		}
		next.ServeHTTP(w, r)
	})
}

// requestID injects a unique ID into each request. A well-formed incoming
// X-Request-ID is kept so callers can correlate.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// logging records one line per request. Health checks and metric scrapes
// log at debug; server errors at warn.
func logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			tw := track(w)
			next.ServeHTTP(tw, r)

			status := tw.Status()
			level := slog.LevelInfo
			switch {
			case status >= http.StatusInternalServerError:
				level = slog.LevelWarn
			case r.URL.Path == "/health" || r.URL.Path == "/metrics":
				level = slog.LevelDebug
			}
			logger.Log(r.Context(), level, "request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", tw.bytes,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", RequestID(r.Context()),
			)
		})
	}
}

// recovery turns a handler panic into a JSON 500. A panic after the
// response has started aborts the connection instead.
func recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tw := track(w)
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if v == http.ErrAbortHandler {
					panic(v)
				}
				logger.Error("panic recovered", "error", v, "path", r.URL.Path,
					"committed", tw.committed(), "request_id", RequestID(r.Context()))
				if tw.committed() {
					panic(http.ErrAbortHandler)
				}
				writeError(tw, http.StatusInternalServerError, "internal server error")
			}()
			next.ServeHTTP(tw, r)
		})
	}
}

// trackedWriter records the status and body size of a response. It is
// shared by every middleware layer of one request.
type trackedWriter struct {
	http.ResponseWriter
	status int // 0 until the header is written
	bytes  int64
}

// track wraps w, reusing an existing trackedWriter.
func track(w http.ResponseWriter) *trackedWriter {
	if tw, ok := w.(*trackedWriter); ok {
		return tw
	}
	return &trackedWriter{ResponseWriter: w}
}

func (w *trackedWriter) committed() bool { return w.status != 0 }

// Status is the response status, 200 if the handler never set one.
func (w *trackedWriter) Status() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

func (w *trackedWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *trackedWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

func (w *trackedWriter) Flush() {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *trackedWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
