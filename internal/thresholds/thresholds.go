// Package thresholds holds the per-building capacity table served alongside
// live counts.
package thresholds

import (
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"

	"crowdwatch/internal/models"
)

const DefaultThreshold = 50

// Table maps building IDs to their capacity. IDs missing from the table use
// Default. Names optionally registers buildings with the feed service.
type Table struct {
	Default   float64            `yaml:"default"`
	Buildings map[string]float64 `yaml:"buildings"`
	Names     map[string]string  `yaml:"names"`
}

// New returns a table with the given default and no per-building overrides.
// A non-positive default falls back to DefaultThreshold.
func New(def float64) *Table {
	if def <= 0 || math.IsNaN(def) || math.IsInf(def, 0) {
		def = DefaultThreshold
	}
	return &Table{Default: def, Buildings: map[string]float64{}, Names: map[string]string{}}
}

// Load reads a YAML table from path. An empty path yields New(def). A file
// without a default key inherits def.
//
//	default: 50
//	buildings:
//	  "1": 120
//	  "2": 80
//	names:
//	  "1": Library
//	  "2": Lab
func Load(path string, def float64) (*Table, error) {
	t := New(def)
	if path == "" {
		return t, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read thresholds: %w", err)
	}
	return parse(raw, t)
}

func parse(raw []byte, t *Table) (*Table, error) {
	var file Table
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse thresholds: %w", err)
	}
	if file.Default > 0 {
		t.Default = file.Default
	}
	for id, v := range file.Buildings {
		if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("threshold for building %q must be positive, got %v", id, v)
		}
		t.Buildings[id] = v
	}
	for id, name := range file.Names {
		if _, err := strconv.ParseInt(id, 10, 64); err != nil {
			return nil, fmt.Errorf("building id %q is not an integer", id)
		}
		if name == "" {
			return nil, fmt.Errorf("building %q has an empty name", id)
		}
		t.Names[id] = name
	}
	return t, nil
}

// Seeds lists the named buildings ordered by id.
func (t *Table) Seeds() []models.Building {
	out := make([]models.Building, 0, len(t.Names))
	for id, name := range t.Names {
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, models.Building{ID: n, Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Lookup returns the capacity for a building.
func (t *Table) Lookup(buildingID int64) float64 {
	if v, ok := t.Buildings[strconv.FormatInt(buildingID, 10)]; ok {
		return v
	}
	return t.Default
}
