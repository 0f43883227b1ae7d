package web

import (
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"crowdwatch/internal/history"
	"crowdwatch/internal/kpi"
	"crowdwatch/internal/live"
	"crowdwatch/internal/models"
	"crowdwatch/internal/observability"
)

//go:embed templates/*.html static/*
var webFS embed.FS

type LiveSource interface {
	State() live.State
	Interval() time.Duration
}

type HistorySession interface {
	State() history.State
	SelectWindowed(entityID, name string, w models.Window)
	Select(entityID, name string)
	SetWindow(w models.Window) error
	Reload() error
	Close()
}

type Server struct {
	live    LiveSource
	history HistorySession
	metrics *observability.Metrics
	log     *slog.Logger
	tpl     *template.Template
	loc     *time.Location
}

func NewServer(ls LiveSource, hs HistorySession, m *observability.Metrics, logger *slog.Logger) *Server {
	tpl := template.Must(template.New("all").ParseFS(webFS, "templates/*.html"))
	return &Server{live: ls, history: hs, metrics: m, log: logger, tpl: tpl, loc: time.Local}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/fragments/live", s.handleLiveFragment)
	mux.HandleFunc("/fragments/history", s.handleHistoryFragment)
	mux.HandleFunc("/api/snapshot", s.handleSnapshotAPI)
	mux.HandleFunc("/api/history", s.handleHistoryAPI)
	mux.HandleFunc("/history/select", s.handleHistorySelect)
	mux.HandleFunc("/history/window", s.handleHistoryWindow)
	mux.HandleFunc("/history/reload", s.handleHistoryReload)
	mux.HandleFunc("/history/close", s.handleHistoryClose)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", s.metrics.Handler())
	staticFS, _ := fs.Sub(webFS, "static")
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticFS))))
	return logMiddleware(mux, s.log, s.metrics)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	data := map[string]any{
		"Live":    buildLiveView(s.live.State(), s.live.Interval(), s.loc),
		"History": buildHistoryView(s.history.State(), s.loc),
	}
	if err := s.tpl.ExecuteTemplate(w, "index.html", data); err != nil {
		http.Error(w, err.Error(), 500)
	}
}

func (s *Server) handleLiveFragment(w http.ResponseWriter, r *http.Request) {
	v := buildLiveView(s.live.State(), s.live.Interval(), s.loc)
	_ = s.tpl.ExecuteTemplate(w, "fragment_live.html", v)
}

func (s *Server) handleHistoryFragment(w http.ResponseWriter, r *http.Request) {
	s.renderHistory(w)
}

func (s *Server) renderHistory(w http.ResponseWriter) {
	_ = s.tpl.ExecuteTemplate(w, "fragment_history.html", buildHistoryView(s.history.State(), s.loc))
}

type snapshotItem struct {
	models.OccupancySnapshot
	models.AlertRatio
	Level string `json:"level"`
}

type snapshotResponse struct {
	Phase       string            `json:"phase"`
	Loaded      bool              `json:"loaded"`
	LastRefresh *time.Time        `json:"lastRefresh"`
	Error       string            `json:"error,omitempty"`
	KPI         models.KPISummary `json:"kpi"`
	Items       []snapshotItem    `json:"items"`
}

// handleSnapshotAPI reports items as null until the first successful poll and
// as an empty list when the feed has no buildings.
func (s *Server) handleSnapshotAPI(w http.ResponseWriter, r *http.Request) {
	st := s.live.State()
	resp := snapshotResponse{
		Phase:  string(st.Phase),
		Loaded: st.Loaded,
		KPI:    kpi.Summarize(st.Snapshots),
	}
	if !st.LastRefresh.IsZero() {
		t := st.LastRefresh
		resp.LastRefresh = &t
	}
	if st.Err != nil {
		resp.Error = st.Err.Error()
	}
	if st.Loaded {
		resp.Items = make([]snapshotItem, 0, len(st.Snapshots))
		for _, snap := range st.Snapshots {
			r := kpi.Classify(snap.Count, snap.Threshold)
			resp.Items = append(resp.Items, snapshotItem{OccupancySnapshot: snap, AlertRatio: r, Level: kpi.Level(r.Ratio)})
		}
	}
	writeJSON(w, resp)
}

type historyResponse struct {
	Open      bool                     `json:"open"`
	Phase     string                   `json:"phase"`
	SessionID string                   `json:"sessionId,omitempty"`
	Selection *models.HistorySelection `json:"selection"`
	Points    []models.HistoryPoint    `json:"points"`
	Error     string                   `json:"error,omitempty"`
}

func (s *Server) handleHistoryAPI(w http.ResponseWriter, r *http.Request) {
	st := s.history.State()
	resp := historyResponse{
		Open:      st.Open(),
		Phase:     string(st.Phase),
		SessionID: st.SessionID,
		Selection: st.Selection,
		Points:    st.Points,
	}
	if st.Err != nil {
		resp.Error = st.Err.Error()
	}
	writeJSON(w, resp)
}

func (s *Server) handleHistorySelect(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	id := strings.TrimSpace(r.FormValue("id"))
	if id == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}
	name := r.FormValue("name")
	if raw := strings.TrimSpace(r.FormValue("window")); raw != "" {
		win, err := parseWindow(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.history.SelectWindowed(id, name, win)
	} else {
		s.history.Select(id, name)
	}
	s.renderHistory(w)
}

func (s *Server) handleHistoryWindow(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	win, err := parseWindow(r.FormValue("window"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.history.SetWindow(win); err != nil {
		if errors.Is(err, history.ErrNoSession) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.renderHistory(w)
}

func (s *Server) handleHistoryReload(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	if err := s.history.Reload(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	s.renderHistory(w)
}

func (s *Server) handleHistoryClose(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	s.history.Close()
	s.renderHistory(w)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func parseWindow(raw string) (models.Window, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, errors.New("window must be a number of minutes")
	}
	return models.ParseWindow(n)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
