package models

import (
	"fmt"
	"time"
)

// OccupancySnapshot is one building's live state from a single poll.
// Count and Threshold are nil when the feed did not supply a number.
type OccupancySnapshot struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Count     *int     `json:"count"`
	Threshold *float64 `json:"threshold"`
	Timestamp string   `json:"timestamp"`
}

// SnapshotCollection keeps the feed's response order.
type SnapshotCollection []OccupancySnapshot

type HistoryPoint struct {
	Timestamp string `json:"timestamp"`
	Count     *int   `json:"count"`
}

// Value is the count used for charting; a missing sample plots as 0.
func (p HistoryPoint) Value() int {
	if p.Count == nil {
		return 0
	}
	return *p.Count
}

// Window is a history lookback length in minutes.
type Window int

const (
	Window15m  Window = 15
	Window1h   Window = 60
	Window3h   Window = 180
	Window6h   Window = 360
	Window24h  Window = 1440
	DefaultWin        = Window1h
)

var Windows = []Window{Window15m, Window1h, Window3h, Window6h, Window24h}

func (w Window) Minutes() int { return int(w) }

func (w Window) Valid() bool {
	for _, v := range Windows {
		if v == w {
			return true
		}
	}
	return false
}

func (w Window) Label() string {
	switch w {
	case Window15m:
		return "15 min"
	case Window1h:
		return "1 hour"
	case Window3h:
		return "3 hours"
	case Window6h:
		return "6 hours"
	case Window24h:
		return "24 hours"
	default:
		return fmt.Sprintf("%d min", int(w))
	}
}

func ParseWindow(minutes int) (Window, error) {
	w := Window(minutes)
	if !w.Valid() {
		return 0, fmt.Errorf("unsupported history window %d minutes", minutes)
	}
	return w, nil
}

type HistorySelection struct {
	EntityID string `json:"entityId"`
	Name     string `json:"name"`
	Window   Window `json:"window"`
}

type KPISummary struct {
	TotalPeople     int `json:"totalPeople"`
	Alerts          int `json:"alerts"`
	AvgOccupancyPct int `json:"avgOccupancyPct"`
}

// AlertRatio is the per-building classification. Ratio and Percent are nil
// when no ratio can be computed, which is distinct from a 0% reading.
type AlertRatio struct {
	Ratio   *float64 `json:"ratio"`
	Percent *int     `json:"percent"`
	Alert   bool     `json:"alert"`
}

// Building and CountSample are the feed service's storage rows.
type Building struct {
	ID   int64
	Name string
}

type CountSample struct {
	BuildingID   int64
	BuildingName string
	Count        int
	TS           time.Time
}
