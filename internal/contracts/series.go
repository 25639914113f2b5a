package contracts

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"time"
)

// SeriesRequest asks the data-fetch collaborator for one raw series
type SeriesRequest struct {
	Source    Source    `json:"source"`
	Key       string    `json:"key"`   // equities: symbol, custom: group, macro: ""
	Field     string    `json:"field"` // field name; for the asset itself the metric field
	Timeframe Timeframe `json:"timeframe"`
}

// String returns a stable human readable identity (also used as cache key)
func (r SeriesRequest) String() string {
	key := r.Key
	if key == "" {
		key = "-"
	}
	return string(r.Source) + ":" + key + ":" + r.Field + ":" + r.Timeframe.Start.String() + ":" + r.Timeframe.End.String()
}

// Point is one observation
type Point struct {
	Date  time.Time `json:"date"`
	Value float64   `json:"value"`
}

// RawSeries is a field's time-indexed values as fetched
// Immutable once fetched; discarded after the feature table is built.
type RawSeries struct {
	Source Source  `json:"source"`
	Key    string  `json:"key"`
	Field  string  `json:"field"`
	Points []Point `json:"points"`
}

// Len returns the number of observations
func (s *RawSeries) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Points)
}

// Column is one (field, feature) output of the feature table
type Column struct {
	Name    string    `json:"name"`
	Source  Source    `json:"source"`
	Key     string    `json:"key,omitempty"`
	Field   string    `json:"field"`
	Feature string    `json:"feature"`
	Values  []float64 `json:"-"`
}

// ColumnWarning reports a column dropped by the feature builder
type ColumnWarning struct {
	Column    string `json:"column"`
	Source    Source `json:"source"`
	Key       string `json:"key,omitempty"`
	Field     string `json:"field"`
	Transform string `json:"transform"`
	Reason    string `json:"reason"`
}

// FeatureTable is the assembled, time-aligned matrix of predictors plus the target
// ⭐ SSOT: 학습/평가 데이터는 이 테이블에서만 읽음 (생성 후 read-only)
//
// Invariants:
//   - Dates strictly increasing, unique per row
//   - every Column.Values, Target and Asset has len(Dates) entries
//   - Target is set only on rows the asset itself observes; Realized[i] is the row
//     at which Target[i] becomes known (-1 when Target[i] is NaN)
//   - NaN marks a value not yet observable at that row (warm-up, series not started,
//     target beyond the end of data); it never marks a failed transform
type FeatureTable struct {
	Dates    []time.Time     `json:"dates"`
	Columns  []Column        `json:"columns"`
	Target   []float64       `json:"-"`
	Asset    []float64       `json:"-"`
	Realized []int           `json:"-"`
	Warnings []ColumnWarning `json:"warnings,omitempty"`
}

// Rows returns the number of rows
func (t *FeatureTable) Rows() int {
	return len(t.Dates)
}

// Width returns the number of feature columns
func (t *FeatureTable) Width() int {
	return len(t.Columns)
}

// ColumnNames returns the feature column names in order
func (t *FeatureTable) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// Row copies the feature values of row i into dst (allocated when nil)
func (t *FeatureTable) Row(i int, dst []float64) []float64 {
	if dst == nil {
		dst = make([]float64, len(t.Columns))
	}
	for j, c := range t.Columns {
		dst[j] = c.Values[i]
	}
	return dst
}

// RowComplete reports whether row i has every feature and the target observed
func (t *FeatureTable) RowComplete(i int) bool {
	if math.IsNaN(t.Target[i]) {
		return false
	}
	return t.FeaturesComplete(i)
}

// LabelKnownAt reports whether the target of row i is realised by row at.
// Tables without Realized fall back to the row grid (label known lag rows later).
func (t *FeatureTable) LabelKnownAt(i, at, lag int) bool {
	if t.Realized == nil {
		return i+lag <= at
	}
	return t.Realized[i] >= 0 && t.Realized[i] <= at
}

// FeaturesComplete reports whether row i has every feature observed
func (t *FeatureTable) FeaturesComplete(i int) bool {
	for _, c := range t.Columns {
		if math.IsNaN(c.Values[i]) {
			return false
		}
	}
	return true
}

// Digest returns a sha256 over dates, column names, values and target.
// Two tables with the same digest are byte-identical for the engine.
func (t *FeatureTable) Digest() string {
	h := sha256.New()
	var buf [8]byte

	writeFloat := func(v float64) {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		h.Write(buf[:])
	}

	for _, d := range t.Dates {
		binary.LittleEndian.PutUint64(buf[:], uint64(d.UnixNano()))
		h.Write(buf[:])
	}
	for _, c := range t.Columns {
		h.Write([]byte(c.Name))
		h.Write([]byte{0})
		for _, v := range c.Values {
			writeFloat(v)
		}
	}
	for _, v := range t.Target {
		writeFloat(v)
	}

	return hex.EncodeToString(h.Sum(nil))
}
