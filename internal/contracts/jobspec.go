package contracts

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// JobSpec is the declarative description of one backtest run
// ⭐ SSOT: 백테스트 요청 스키마는 여기서만 정의
// Constructed once at the boundary (internal/jobspec) and never mutated afterwards.
type JobSpec struct {
	Asset     Asset     `json:"asset" yaml:"asset"`
	Data      Data      `json:"data" yaml:"data"`
	Model     ModelSpec `json:"model" yaml:"model"`
	Normalize bool      `json:"normalize" yaml:"normalize"`
	Timeframe Timeframe `json:"timeframe" yaml:"timeframe"`
	Metadata  Metadata  `json:"metadata" yaml:"metadata"`
}

// Source identifies where a series comes from
type Source string

const (
	SourceMacro    Source = "macro"
	SourceEquities Source = "equities"
	SourceCustom   Source = "custom"
)

// ModelType tags a registered model variant
type ModelType string

const (
	ModelRandomForest     ModelType = "random_forest"
	ModelLinearRegression ModelType = "linear_regression"
)

// MetricType is what we predict for the asset (the y)
type MetricType string

const (
	MetricReturn     MetricType = "return"
	MetricVolatility MetricType = "volatility"
	MetricPrice      MetricType = "price"
)

// Horizon is the sampling unit of the feature table
type Horizon string

const (
	HorizonDaily      Horizon = "daily"
	HorizonMonthly    Horizon = "monthly"
	HorizonQuarterly  Horizon = "quarterly"
	HorizonBiannually Horizon = "biannually"
)

// Lag is how many horizon units forward the model looks (1..5)
type Lag int

// Asset is the instrument whose metric is predicted
type Asset struct {
	Symbol  string     `json:"symbol" yaml:"symbol" validate:"required,min=1"`
	Source  Source     `json:"source" yaml:"source" default:"macro" validate:"oneof=macro equities custom"`
	Horizon Horizon    `json:"horizon" yaml:"horizon" default:"monthly" validate:"oneof=daily monthly quarterly biannually"`
	Lag     Lag        `json:"lag" yaml:"lag" default:"1" validate:"min=1,max=5"`
	Metric  MetricType `json:"metric" yaml:"metric" default:"return" validate:"oneof=return volatility price"`
}

// FeatureDef is one transformation applied to a field
type FeatureDef struct {
	Func   string         `json:"func" yaml:"func" default:"self"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// DataField is a field plus the ordered features computed from it
type DataField struct {
	Field    string       `json:"field" yaml:"field" validate:"required"`
	Features []FeatureDef `json:"features" yaml:"features"`
}

// MacroData lists macro-economic fields
type MacroData struct {
	Fields []DataField `json:"fields" yaml:"fields" validate:"dive"`
}

// EquitiesData maps symbol -> fields
type EquitiesData struct {
	SymbolFields map[string][]DataField `json:"symbol_fields" yaml:"symbol_fields"`
}

// CustomData lists fields of one materialized / compound view
type CustomData struct {
	Fields []DataField `json:"fields" yaml:"fields" validate:"dive"`
}

// Data groups every data source declaration
type Data struct {
	Macro    *MacroData            `json:"macro,omitempty" yaml:"macro,omitempty"`
	Equities *EquitiesData         `json:"equities,omitempty" yaml:"equities,omitempty"`
	Custom   map[string]CustomData `json:"custom,omitempty" yaml:"custom,omitempty"`
}

// ModelSpec selects a model variant and its parameters
type ModelSpec struct {
	Type   ModelType      `json:"mtype" yaml:"mtype" validate:"required,oneof=random_forest linear_regression"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// Timeframe is an inclusive date interval
type Timeframe struct {
	Start Date `json:"start" yaml:"start"`
	End   Date `json:"end" yaml:"end"`
}

// Contains reports whether t falls inside the inclusive interval (date precision)
func (tf Timeframe) Contains(t time.Time) bool {
	d := DateOf(t)
	return !d.Before(tf.Start.Time) && !d.After(tf.End.Time)
}

// Metadata describes the job
type Metadata struct {
	Owner       string `json:"owner" yaml:"owner" validate:"required,min=1"`
	Description string `json:"description" yaml:"description"`
}

// FieldRef addresses one declared field of one source
type FieldRef struct {
	Source Source
	Key    string // equities: symbol, custom: group name, macro: ""
	Field  DataField
}

// Prefix returns the column prefix that keeps names unique across sources
func (r FieldRef) Prefix() string {
	switch r.Source {
	case SourceEquities, SourceCustom:
		return fmt.Sprintf("%s.%s.%s", r.Source, r.Key, r.Field.Field)
	default:
		return fmt.Sprintf("%s.%s", r.Source, r.Field.Field)
	}
}

// Fields flattens the data declarations in a deterministic order:
// macro (declared order), equities (symbols sorted), custom (groups sorted).
func (d Data) Fields() []FieldRef {
	var refs []FieldRef

	if d.Macro != nil {
		for _, f := range d.Macro.Fields {
			refs = append(refs, FieldRef{Source: SourceMacro, Field: f})
		}
	}

	if d.Equities != nil {
		symbols := make([]string, 0, len(d.Equities.SymbolFields))
		for s := range d.Equities.SymbolFields {
			symbols = append(symbols, s)
		}
		sort.Strings(symbols)
		for _, s := range symbols {
			for _, f := range d.Equities.SymbolFields[s] {
				refs = append(refs, FieldRef{Source: SourceEquities, Key: s, Field: f})
			}
		}
	}

	groups := make([]string, 0, len(d.Custom))
	for g := range d.Custom {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	for _, g := range groups {
		for _, f := range d.Custom[g].Fields {
			refs = append(refs, FieldRef{Source: SourceCustom, Key: g, Field: f})
		}
	}

	return refs
}

// DateLayout is the wire format of every date in a JobSpec
const DateLayout = "2006-01-02"

// Date is a calendar date (UTC midnight) that round-trips as "YYYY-MM-DD"
type Date struct {
	time.Time
}

// NewDate builds a Date
func NewDate(year int, month time.Month, day int) Date {
	return Date{time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf truncates t to its calendar date in UTC
func DateOf(t time.Time) Date {
	y, m, d := t.UTC().Date()
	return NewDate(y, m, d)
}

// ParseDate parses "YYYY-MM-DD"
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, err
	}
	return Date{t}, nil
}

// String formats the date as "YYYY-MM-DD"
func (d Date) String() string {
	return d.Format(DateLayout)
}

// time.Time's own (un)marshalers are promoted through the embedding,
// so every codec is overridden explicitly.

// MarshalText implements encoding.TextMarshaler
func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Date) UnmarshalText(b []byte) error {
	parsed, err := ParseDate(string(b))
	if err != nil {
		return fmt.Errorf("invalid date %q: want YYYY-MM-DD", string(b))
	}
	*d = parsed
	return nil
}

// MarshalJSON implements json.Marshaler
func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON implements json.Unmarshaler
func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("invalid date %s: want \"YYYY-MM-DD\"", string(b))
	}
	return d.UnmarshalText([]byte(s))
}

// MarshalYAML implements yaml.Marshaler
func (d Date) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Date) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}
