package kpi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crowdwatch/internal/models"
)

func intp(v int) *int           { return &v }
func floatp(v float64) *float64 { return &v }

func TestClassify(t *testing.T) {
	cases := []struct {
		name      string
		count     *int
		threshold *float64
		ratio     *float64
		pct       *int
		alert     bool
	}{
		{"over threshold clamps", intp(120), floatp(100), floatp(1), intp(100), true},
		{"under threshold", intp(40), floatp(100), floatp(0.4), intp(40), false},
		{"equal is not alert", intp(100), floatp(100), floatp(1), intp(100), false},
		{"missing threshold", intp(5000), nil, nil, nil, false},
		{"zero threshold", intp(5), floatp(0), nil, nil, false},
		{"negative threshold", intp(5), floatp(-10), nil, nil, false},
		{"missing count", nil, floatp(50), nil, nil, false},
		{"zero count", intp(0), floatp(50), floatp(0), intp(0), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.count, tc.threshold)
			assert.Equal(t, tc.alert, got.Alert)
			if tc.ratio == nil {
				assert.Nil(t, got.Ratio)
				assert.Nil(t, got.Percent)
				return
			}
			require.NotNil(t, got.Ratio)
			require.NotNil(t, got.Percent)
			assert.InDelta(t, *tc.ratio, *got.Ratio, 1e-9)
			assert.Equal(t, *tc.pct, *got.Percent)
		})
	}
}

func TestLevel(t *testing.T) {
	assert.Equal(t, LevelUnknown, Level(nil))
	assert.Equal(t, LevelOK, Level(floatp(0)))
	assert.Equal(t, LevelOK, Level(floatp(0.59)))
	assert.Equal(t, LevelWarn, Level(floatp(0.6)))
	assert.Equal(t, LevelDanger, Level(floatp(0.9)))
	assert.Equal(t, LevelDanger, Level(floatp(1)))
}

func TestSummarizeSingleBuildingInAlert(t *testing.T) {
	items := models.SnapshotCollection{
		{ID: "1", Name: "Lab", Count: intp(95), Threshold: floatp(50), Timestamp: "t1"},
	}
	cls := Classify(items[0].Count, items[0].Threshold)
	require.NotNil(t, cls.Ratio)
	assert.True(t, cls.Alert)
	assert.Equal(t, 1.0, *cls.Ratio)
	assert.Equal(t, 100, *cls.Percent)

	assert.Equal(t, models.KPISummary{TotalPeople: 95, Alerts: 1, AvgOccupancyPct: 100}, Summarize(items))
}

func TestSummarizeIgnoresUnknownCounts(t *testing.T) {
	items := models.SnapshotCollection{
		{ID: "1", Count: intp(10), Threshold: floatp(100)},
		{ID: "2", Count: nil, Threshold: floatp(100)},
		{ID: "3", Count: intp(7)},
	}
	got := Summarize(items)
	assert.Equal(t, 17, got.TotalPeople)
	assert.Equal(t, 0, got.Alerts)
	// (0.1 + 0) / 2 declared thresholds
	assert.Equal(t, 5, got.AvgOccupancyPct)
}

func TestSummarizeNoThresholds(t *testing.T) {
	items := models.SnapshotCollection{
		{ID: "a", Count: intp(300)},
		{ID: "b", Count: intp(1)},
	}
	assert.Equal(t, models.KPISummary{TotalPeople: 301}, Summarize(items))
}

func TestSummarizeEmpty(t *testing.T) {
	assert.Equal(t, models.KPISummary{}, Summarize(nil))
	assert.Equal(t, models.KPISummary{}, Summarize(models.SnapshotCollection{}))
}

func TestSummarizeNonPositiveThresholdCountsInDenominator(t *testing.T) {
	items := models.SnapshotCollection{
		{ID: "a", Count: intp(30), Threshold: floatp(60)},
		{ID: "b", Count: intp(30), Threshold: floatp(0)},
	}
	got := Summarize(items)
	assert.Equal(t, 0, got.Alerts)
	assert.Equal(t, 25, got.AvgOccupancyPct)
}

func TestSummarizeRounding(t *testing.T) {
	items := models.SnapshotCollection{
		{ID: "a", Count: intp(1), Threshold: floatp(3)},
		{ID: "b", Count: intp(2), Threshold: floatp(3)},
		{ID: "c", Count: intp(2), Threshold: floatp(3)},
	}
	// (1/3 + 2/3 + 2/3) / 3 = 0.5555.. -> 56
	assert.Equal(t, 56, Summarize(items).AvgOccupancyPct)
}
