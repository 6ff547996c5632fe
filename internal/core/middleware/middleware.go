// Package middleware defines HTTP middlewares for the ops server.
package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/dabom10/Nong-View/internal/core/observability"
	mylog "github.com/dabom10/Nong-View/internal/logger"
)

const requestIDHeader = "X-Request-ID"

const maxRequestIDLen = 64

// Logging tags the request context with a request id (taken from
// X-Request-ID when it is sane, generated otherwise), echoes it back and
// logs one line per request. Probe traffic logs at debug; client and
// server errors at warn and error.
func Logging(l *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := requestID(r.Header.Get(requestIDHeader))
			w.Header().Set(requestIDHeader, id)
			ctx := mylog.WithComponent(mylog.WithRequestID(r.Context(), id), "http")

			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			began := time.Now()
			next.ServeHTTP(ww, r.WithContext(ctx))

			status := statusOf(ww)
			l.LogAttrs(ctx, levelFor(status), "request served",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("took", time.Since(began)),
			)
		})
	}
}

// Recover turns handler panics into 500s and logs the stack.
// http.ErrAbortHandler is re-raised so net/http can abort the connection.
func Recover(l *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}
				l.ErrorContext(r.Context(), "handler panicked",
					"panic", rec, "path", r.URL.Path, "stack", string(debug.Stack()))
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// Metrics records request counts and latency by route pattern, so path
// parameters do not explode label cardinality.
func Metrics(m *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			began := time.Now()
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			m.ObserveHTTP(r.Method, route, statusOf(ww), time.Since(began).Seconds())
		})
	}
}

// handlers that never call WriteHeader answered 200
func statusOf(ww chimw.WrapResponseWriter) int {
	if s := ww.Status(); s != 0 {
		return s
	}
	return http.StatusOK
}

func levelFor(status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelDebug
	}
}

// requestID accepts a caller supplied id only when it is short and printable.
func requestID(in string) string {
	in = strings.TrimSpace(in)
	if in == "" || len(in) > maxRequestIDLen {
		return mylog.NewID()
	}
	for _, c := range in {
		if c < 0x21 || c > 0x7e {
			return mylog.NewID()
		}
	}
	return in
}
