package middleware

import (
	"log/slog"
	"net/http"
	"time"
)

// wireResponse captures what went over the wire so the access log can
// report status and payload size without the handlers cooperating.
type wireResponse struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *wireResponse) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *wireResponse) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Logger emits one access log line per request. Agent polling makes up
// most of the traffic, so the line stays terse.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &wireResponse{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(resp, r)

		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", resp.status,
			"bytes", resp.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
	})
}
