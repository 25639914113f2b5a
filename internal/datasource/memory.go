package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/wonny/backtester/internal/contracts"
)

// MemoryFetcher serves series from memory (fixtures, tests, offline runs)
type MemoryFetcher struct {
	mu     sync.RWMutex
	series map[string][]contracts.Point
	calls  map[string]int
}

// NewMemoryFetcher creates an empty in-memory fetcher
func NewMemoryFetcher() *MemoryFetcher {
	return &MemoryFetcher{
		series: make(map[string][]contracts.Point),
		calls:  make(map[string]int),
	}
}

func memoryKey(source contracts.Source, key, field string) string {
	return string(source) + "|" + key + "|" + field
}

// Add registers (or replaces) a series
func (m *MemoryFetcher) Add(source contracts.Source, key, field string, points []contracts.Point) *MemoryFetcher {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.series[memoryKey(source, key, field)] = points
	return m
}

// Fetch returns the stored points inside the request timeframe
func (m *MemoryFetcher) Fetch(ctx context.Context, req contracts.SeriesRequest) (*contracts.RawSeries, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	k := memoryKey(req.Source, req.Key, req.Field)

	m.mu.Lock()
	m.calls[k]++
	points, ok := m.series[k]
	m.mu.Unlock()

	if !ok {
		return nil, &contracts.DataUnavailableError{
			Source: req.Source,
			Key:    req.Key,
			Field:  req.Field,
			Reason: "unknown series",
		}
	}

	inRange := make([]contracts.Point, 0, len(points))
	for _, p := range points {
		if req.Timeframe.Contains(p.Date) {
			inRange = append(inRange, p)
		}
	}
	return Normalize(req, inRange)
}

// Calls returns how many times a series was requested
func (m *MemoryFetcher) Calls(source contracts.Source, key, field string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[memoryKey(source, key, field)]
}

// fixtureFile is the on-disk format of LoadFixtures
//
//	{"series": [{"source": "macro", "field": "gdp", "points": [{"date": "2020-01-31", "value": 1.2}]}]}
type fixtureFile struct {
	Series []struct {
		Source contracts.Source `json:"source"`
		Key    string           `json:"key"`
		Field  string           `json:"field"`
		Points []struct {
			Date  contracts.Date `json:"date"`
			Value float64        `json:"value"`
		} `json:"points"`
	} `json:"series"`
}

// LoadFixtures reads a JSON fixture file into a MemoryFetcher
func LoadFixtures(path string) (*MemoryFetcher, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixtures: %w", err)
	}

	var file fixtureFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse fixtures %s: %w", path, err)
	}

	m := NewMemoryFetcher()
	for _, s := range file.Series {
		points := make([]contracts.Point, len(s.Points))
		for i, p := range s.Points {
			points[i] = contracts.Point{Date: p.Date.Time, Value: p.Value}
		}
		m.Add(s.Source, s.Key, s.Field, points)
	}
	return m, nil
}
