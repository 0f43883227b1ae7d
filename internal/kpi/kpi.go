// Package kpi derives per-building alert state and dashboard-wide figures
// from a snapshot collection. Every function here is pure.
package kpi

import (
	"math"

	"crowdwatch/internal/models"
)

// Status levels for the occupancy ring.
const (
	LevelUnknown = "unknown"
	LevelOK      = "ok"
	LevelWarn    = "warn"
	LevelDanger  = "danger"
)

// Classify maps one building's count and threshold to its ratio and alert flag.
//
// Ratio is nil unless the count is known and the threshold is a positive,
// finite number; it is clamped to [0, 1]. Alert requires the same conditions
// and count > threshold, so a missing or non-positive threshold never alerts.
func Classify(count *int, threshold *float64) models.AlertRatio {
	if count == nil || !usableThreshold(threshold) {
		return models.AlertRatio{}
	}
	c := float64(*count)
	r := clamp(c / *threshold)
	pct := int(math.Round(r * 100))
	return models.AlertRatio{
		Ratio:   &r,
		Percent: &pct,
		Alert:   c > *threshold,
	}
}

// Level buckets a ratio for display: >= 0.9 danger, >= 0.6 warn.
func Level(ratio *float64) string {
	switch {
	case ratio == nil:
		return LevelUnknown
	case *ratio >= 0.9:
		return LevelDanger
	case *ratio >= 0.6:
		return LevelWarn
	default:
		return LevelOK
	}
}

// Summarize computes the KPI row for a collection.
//
// totalPeople sums every known count. alerts counts buildings whose
// classification alerts. avgOccupancyPct averages the clamped ratio over the
// buildings that declare a threshold, where a building whose ratio cannot be
// computed contributes 0; with no such building the average is 0.
func Summarize(items models.SnapshotCollection) models.KPISummary {
	var (
		out      models.KPISummary
		ratioSum float64
		declared int
	)
	for _, it := range items {
		if it.Count != nil {
			out.TotalPeople += *it.Count
		}
		if it.Threshold == nil {
			continue
		}
		declared++
		cls := Classify(it.Count, it.Threshold)
		if cls.Ratio != nil {
			ratioSum += *cls.Ratio
		}
		if cls.Alert {
			out.Alerts++
		}
	}
	if declared > 0 {
		out.AvgOccupancyPct = int(math.Round(ratioSum / float64(declared) * 100))
	}
	return out
}

func usableThreshold(th *float64) bool {
	return th != nil && *th > 0 && !math.IsInf(*th, 0) && !math.IsNaN(*th)
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
