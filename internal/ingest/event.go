// Package ingest receives per-building counts from counting devices and
// persists them at a bounded rate.
package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"crowdwatch/internal/models"
)

// countEnvelope is the device payload:
//
//	{"buildingId": 1, "count": 12, "timestamp": "2026-02-21T12:00:00Z"}
//
// timestamp is optional and defaults to the receive time.
type countEnvelope struct {
	BuildingID json.RawMessage `json:"buildingId"`
	Count      json.RawMessage `json:"count"`
	Timestamp  string          `json:"timestamp"`
}

// Decode parses one device payload. received stamps samples without a
// timestamp of their own.
func Decode(raw []byte, received time.Time) (models.CountSample, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var env countEnvelope
	if err := dec.Decode(&env); err != nil {
		return models.CountSample{}, fmt.Errorf("decode count payload: %w", err)
	}
	id, err := parseBuildingID(env.BuildingID)
	if err != nil {
		return models.CountSample{}, err
	}
	count, err := parseCount(env.Count)
	if err != nil {
		return models.CountSample{}, err
	}
	ts := received
	if s := strings.TrimSpace(env.Timestamp); s != "" {
		ts, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return models.CountSample{}, fmt.Errorf("timestamp: %w", err)
		}
	}
	return models.CountSample{BuildingID: id, Count: count, TS: ts.UTC()}, nil
}

func parseBuildingID(raw json.RawMessage) (int64, error) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return 0, errors.New("buildingId missing")
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("buildingId %q is not an integer", s)
	}
	return id, nil
}

func parseCount(raw json.RawMessage) (int, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return 0, errors.New("count missing")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("count %s is not a number", s)
	}
	if v < 0 {
		return 0, fmt.Errorf("count %s is negative", s)
	}
	return int(math.Round(v)), nil
}
