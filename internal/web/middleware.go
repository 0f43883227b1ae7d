package web

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"crowdwatch/internal/observability"
)

func logMiddleware(next http.Handler, logger *slog.Logger, m *observability.Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(ww, r)
		d := time.Since(start)
		m.ObserveHTTP(routeLabel(r.URL.Path), ww.status, d)
		if r.URL.Path == "/fragments/live" || r.URL.Path == "/metrics" {
			// polled every few seconds by every open page
			return
		}
		logger.Info("http_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.status,
			"duration_ms", d.Milliseconds(),
		)
	})
}

var knownRoutes = map[string]bool{
	"/": true, "/fragments/live": true, "/fragments/history": true,
	"/api/snapshot": true, "/api/history": true,
	"/history/select": true, "/history/window": true, "/history/reload": true, "/history/close": true,
	"/healthz": true, "/metrics": true,
}

func routeLabel(path string) string {
	if knownRoutes[path] {
		return path
	}
	if strings.HasPrefix(path, "/static/") {
		return "/static/"
	}
	return "other"
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (s *statusWriter) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
