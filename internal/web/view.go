package web

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"crowdwatch/internal/history"
	"crowdwatch/internal/kpi"
	"crowdwatch/internal/live"
	"crowdwatch/internal/models"
)

const (
	skeletonCards = 3
	chartWidth    = 600
	chartHeight   = 200
)

type cardView struct {
	ID         string
	Name       string
	CountText  string
	Threshold  string
	Timestamp  string
	PctText    string
	Level      string
	Angle      int
	Alert      bool
	SelectVals string
}

type liveView struct {
	Refreshed string
	Interval  string
	KPI       models.KPISummary
	Error     string
	Loaded    bool
	Empty     bool
	Cards     []cardView
	Skeletons []int
}

func buildLiveView(st live.State, interval time.Duration, loc *time.Location) liveView {
	v := liveView{
		Refreshed: "Connecting…",
		Interval:  shortDuration(interval),
		KPI:       kpi.Summarize(st.Snapshots),
		Loaded:    st.Loaded,
	}
	if !st.LastRefresh.IsZero() {
		v.Refreshed = "Updated " + st.LastRefresh.In(loc).Format("15:04")
	}
	if st.Err != nil {
		v.Error = st.Err.Error()
	}
	if !st.Loaded {
		v.Skeletons = make([]int, skeletonCards)
		return v
	}
	v.Empty = len(st.Snapshots) == 0
	v.Cards = make([]cardView, 0, len(st.Snapshots))
	for _, s := range st.Snapshots {
		v.Cards = append(v.Cards, buildCard(s))
	}
	return v
}

func buildCard(s models.OccupancySnapshot) cardView {
	r := kpi.Classify(s.Count, s.Threshold)
	c := cardView{
		ID:        s.ID,
		Name:      s.Name,
		CountText: "—",
		Timestamp: s.Timestamp,
		PctText:   "—",
		Level:     kpi.Level(r.Ratio),
		Alert:     r.Alert,
	}
	if c.Name == "" {
		c.Name = "Unknown"
	}
	if c.Timestamp == "" {
		c.Timestamp = "N/A"
	}
	if s.Count != nil {
		c.CountText = strconv.Itoa(*s.Count)
	}
	if s.Threshold != nil {
		c.Threshold = strconv.FormatFloat(*s.Threshold, 'f', -1, 64)
	}
	if r.Percent != nil {
		c.PctText = fmt.Sprintf("%d%%", *r.Percent)
		c.Angle = int(*r.Ratio*360 + 0.5)
	}
	vals, _ := json.Marshal(map[string]string{"id": s.ID, "name": s.Name})
	c.SelectVals = string(vals)
	return c
}

type windowOption struct {
	Minutes  int
	Label    string
	Selected bool
}

type chartView struct {
	Width, Height int
	Points        string
	Max           int
	From, To      string
}

type historyView struct {
	Open      bool
	SessionID string
	EntityID  string
	Name      string
	Window    int
	Windows   []windowOption
	Loading   bool
	Error     string
	Empty     bool
	Chart     chartView
}

func buildHistoryView(st history.State, loc *time.Location) historyView {
	if !st.Open() {
		return historyView{}
	}
	sel := *st.Selection
	v := historyView{
		Open:      true,
		SessionID: st.SessionID,
		EntityID:  sel.EntityID,
		Name:      sel.Name,
		Window:    sel.Window.Minutes(),
		Loading:   st.Phase == history.PhaseLoading,
	}
	if v.Name == "" {
		v.Name = "Building"
	}
	for _, w := range models.Windows {
		v.Windows = append(v.Windows, windowOption{Minutes: w.Minutes(), Label: w.Label(), Selected: w == sel.Window})
	}
	if st.Phase == history.PhaseErrored && st.Err != nil {
		v.Error = st.Err.Error()
	}
	if st.Phase == history.PhaseLoaded {
		v.Empty = len(st.Points) == 0
		v.Chart = buildChart(st.Points, loc)
	}
	return v
}

// buildChart lays the series out as an SVG polyline, oldest on the left.
// Missing counts plot as zero.
func buildChart(points []models.HistoryPoint, loc *time.Location) chartView {
	c := chartView{Width: chartWidth, Height: chartHeight}
	if len(points) == 0 {
		return c
	}
	c.Max = 1
	for _, p := range points {
		if p.Value() > c.Max {
			c.Max = p.Value()
		}
	}
	var b strings.Builder
	step := 0.0
	if len(points) > 1 {
		step = float64(chartWidth) / float64(len(points)-1)
	}
	for i, p := range points {
		x := step * float64(i)
		if len(points) == 1 {
			x = chartWidth / 2
		}
		y := float64(chartHeight) - float64(p.Value())/float64(c.Max)*float64(chartHeight)
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%.1f,%.1f", x, y)
	}
	c.Points = b.String()
	c.From = clockLabel(points[0].Timestamp, loc)
	c.To = clockLabel(points[len(points)-1].Timestamp, loc)
	return c
}

func clockLabel(ts string, loc *time.Location) string {
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return ts
	}
	return t.In(loc).Format("15:04")
}

func shortDuration(d time.Duration) string {
	if d%time.Minute == 0 && d >= time.Minute {
		return fmt.Sprintf("%dmin", int(d/time.Minute))
	}
	return fmt.Sprintf("%dsec", int(d/time.Second))
}
