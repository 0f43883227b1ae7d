package feedclient

import (
	"encoding/json"
	"fmt"
	"math"

	"crowdwatch/internal/models"
)

// NormalizeSnapshots converts decoded feed items into snapshots, keeping the
// feed's order. Items that are not JSON objects are dropped. The result is
// never nil.
func NormalizeSnapshots(items []any) models.SnapshotCollection {
	out := make(models.SnapshotCollection, 0, len(items))
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, models.OccupancySnapshot{
			ID:        entityID(m),
			Name:      stringField(m["buildingName"]),
			Count:     intField(m["currentCount"]),
			Threshold: floatField(m["threshold"]),
			Timestamp: stringish(m["timestamp"]),
		})
	}
	return out
}

func NormalizeHistory(items []any) []models.HistoryPoint {
	out := make([]models.HistoryPoint, 0, len(items))
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, models.HistoryPoint{
			Timestamp: stringish(m["timestamp"]),
			Count:     intField(m["count"]),
		})
	}
	return out
}

// entityID prefers buildingId and falls back to buildingName. Only a missing
// or null id triggers the fallback, so the identity stays stable across polls.
func entityID(m map[string]any) string {
	if v, ok := m["buildingId"]; ok && v != nil {
		return stringish(v)
	}
	if v, ok := m["buildingName"]; ok && v != nil {
		return stringish(v)
	}
	return ""
}

func stringField(v any) string {
	s, _ := v.(string)
	return s
}

func stringish(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

func floatField(v any) *float64 {
	n, ok := v.(json.Number)
	if !ok {
		return nil
	}
	f, err := n.Float64()
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

func intField(v any) *int {
	f := floatField(v)
	if f == nil {
		return nil
	}
	i := int(math.Round(*f))
	return &i
}
