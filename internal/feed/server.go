// Package feed serves live and historical crowd counts to dashboards.
package feed

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"crowdwatch/internal/db"
	"crowdwatch/internal/observability"
	"crowdwatch/internal/thresholds"
)

const (
	defaultMinutes = 60
	maxMinutes     = 60 * 24 * 7
)

type crowdItem struct {
	BuildingID   int64   `json:"buildingId"`
	BuildingName string  `json:"buildingName"`
	CurrentCount int     `json:"currentCount"`
	Timestamp    string  `json:"timestamp"`
	Threshold    float64 `json:"threshold"`
}

type historyItem struct {
	Timestamp string `json:"timestamp"`
	Count     int    `json:"count"`
}

type Server struct {
	repo       *db.Repository
	thresholds *thresholds.Table
	metrics    *observability.Metrics
	log        *slog.Logger
	loc        *time.Location
	now        func() time.Time
}

func NewServer(repo *db.Repository, tbl *thresholds.Table, m *observability.Metrics, logger *slog.Logger) *Server {
	return &Server{repo: repo, thresholds: tbl, metrics: m, log: logger, loc: time.Local, now: time.Now}
}

func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/crowd", s.handleCrowd).Methods(http.MethodGet)
	r.HandleFunc("/crowd/history", s.handleHistory).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	logged := handlers.CustomLoggingHandler(io.Discard, r, s.logRequest)
	return handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "Cache-Control", "Pragma"}),
	)(logged)
}

// logRequest routes gorilla's access log through slog and records metrics.
func (s *Server) logRequest(_ io.Writer, p handlers.LogFormatterParams) {
	route := routeLabel(p.URL.Path)
	d := time.Since(p.TimeStamp)
	s.metrics.ObserveHTTP(route, p.StatusCode, d)
	s.log.Info("http_request",
		"method", p.Request.Method,
		"path", p.URL.Path,
		"status", p.StatusCode,
		"size", p.Size,
		"duration_ms", d.Milliseconds(),
	)
}

func routeLabel(path string) string {
	switch path {
	case "/crowd", "/crowd/history", "/health", "/metrics":
		return path
	default:
		return "other"
	}
}

func (s *Server) handleCrowd(w http.ResponseWriter, r *http.Request) {
	rows, err := s.repo.LatestCounts(r.Context())
	if err != nil {
		s.log.Error("query latest counts", "err", err)
		writeError(w, http.StatusInternalServerError, "DB query failed")
		return
	}
	out := make([]crowdItem, 0, len(rows))
	for _, row := range rows {
		out = append(out, crowdItem{
			BuildingID:   row.BuildingID,
			BuildingName: row.BuildingName,
			CurrentCount: row.Count,
			Timestamp:    row.TS.In(s.loc).Format("15:04"),
			Threshold:    s.thresholds.Lookup(row.BuildingID),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	buildingID, err := strconv.ParseInt(strings.TrimSpace(q.Get("buildingId")), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "buildingId must be an integer")
		return
	}
	from, to, err := s.historyRange(q.Get("minutes"), q.Get("start"), q.Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := s.repo.History(r.Context(), buildingID, from, to)
	if err != nil {
		s.log.Error("query history", "building", buildingID, "err", err)
		writeError(w, http.StatusInternalServerError, "DB query failed")
		return
	}
	out := make([]historyItem, 0, len(rows))
	for _, row := range rows {
		out = append(out, historyItem{Timestamp: row.TS.UTC().Format(time.RFC3339), Count: row.Count})
	}
	writeJSON(w, http.StatusOK, out)
}

// historyRange resolves either an explicit start/end pair or a lookback in
// minutes ending now.
func (s *Server) historyRange(minutes, start, end string) (time.Time, time.Time, error) {
	if start != "" && end != "" {
		from, err1 := parseISO(start)
		to, err2 := parseISO(end)
		if err1 != nil || err2 != nil {
			return time.Time{}, time.Time{}, errors.New("invalid start/end format, use ISO-8601 such as 2025-10-26T12:00:00")
		}
		if to.Before(from) {
			return time.Time{}, time.Time{}, errors.New("end must not be before start")
		}
		return from, to, nil
	}
	n := defaultMinutes
	if minutes = strings.TrimSpace(minutes); minutes != "" {
		v, err := strconv.Atoi(minutes)
		if err != nil || v < 1 || v > maxMinutes {
			return time.Time{}, time.Time{}, errors.New("minutes must be an integer between 1 and 10080")
		}
		n = v
	}
	to := s.now()
	return to.Add(-time.Duration(n) * time.Minute), to, nil
}

var isoLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02 15:04:05"}

// parseISO accepts RFC 3339 and zone-less timestamps, reading the latter as
// server local time.
func parseISO(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	var lastErr error
	for _, layout := range isoLayouts {
		t, err := time.ParseInLocation(layout, v, time.Local)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.DB().PingContext(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database not available")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
