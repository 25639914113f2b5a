package features

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/backtester/internal/contracts"
)

func TestBuilder_DefaultSelf(t *testing.T) {
	b := NewBuilder(zerolog.Nop())

	res := b.Build(contracts.DataField{Field: "cpi"}, []float64{1, 2, 3})

	require.Len(t, res.Columns, 1)
	assert.Equal(t, "cpi__self", res.Columns[0].Name)
	assert.Equal(t, "self", res.Columns[0].Feature)
	assert.Equal(t, []float64{1, 2, 3}, res.Columns[0].Values)
	assert.Empty(t, res.Warnings)
}

func TestBuilder_FailingTransformDropsOnlyItsColumn(t *testing.T) {
	b := NewBuilder(zerolog.Nop())

	field := contracts.DataField{
		Field: "gdp",
		Features: []contracts.FeatureDef{
			{Func: "self"},
			{Func: "log"}, // fails on the zero
			{Func: "bogus"},
			{Func: "diff"},
		},
	}
	res := b.Build(field, []float64{0, 1, 2})

	assert.Equal(t, []string{"gdp__self", "gdp__diff"}, columnNames(res.Columns))
	require.Len(t, res.Warnings, 2)
	assert.Equal(t, "gdp__log", res.Warnings[0].Column)
	assert.Contains(t, res.Warnings[0].Reason, "non-positive")
	assert.Equal(t, "bogus", res.Warnings[1].Transform)
	assert.Equal(t, "unknown transform", res.Warnings[1].Reason)
}

func TestBuilder_RecurringFuncGetsParamHash(t *testing.T) {
	b := NewBuilder(zerolog.Nop())

	field := contracts.DataField{
		Field: "px",
		Features: []contracts.FeatureDef{
			{Func: "return", Params: map[string]any{"periods": 1}},
			{Func: "return", Params: map[string]any{"periods": 3}},
			{Func: "self"},
		},
	}
	res := b.Build(field, []float64{1, 2, 3, 4, 5})

	require.Len(t, res.Columns, 3)
	names := columnNames(res.Columns)
	assert.True(t, strings.HasPrefix(names[0], "px__return__"))
	assert.True(t, strings.HasPrefix(names[1], "px__return__"))
	assert.NotEqual(t, names[0], names[1])
	assert.Len(t, strings.TrimPrefix(names[0], "px__return__"), 8)
	assert.Equal(t, "px__self", names[2])
}

func TestBuilder_ParamHashIgnoresNumericEncoding(t *testing.T) {
	// YAML decodes 3 as int, JSON as float64
	assert.Equal(t, paramHash(map[string]any{"periods": 3}), paramHash(map[string]any{"periods": float64(3)}))
	assert.Equal(t, paramHash(nil), paramHash(map[string]any{}))
}

func TestBuilder_ExactDuplicateSkipped(t *testing.T) {
	b := NewBuilder(zerolog.Nop())

	field := contracts.DataField{
		Field: "px",
		Features: []contracts.FeatureDef{
			{Func: "diff", Params: map[string]any{"periods": 1}},
			{Func: "diff", Params: map[string]any{"periods": 1}},
		},
	}
	res := b.Build(field, []float64{1, 2, 3})

	assert.Equal(t, []string{"px__diff"}, columnNames(res.Columns))
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, "duplicate feature skipped", res.Warnings[0].Reason)
}

func TestBuilder_Deterministic(t *testing.T) {
	b := NewBuilder(zerolog.Nop())
	field := contracts.DataField{
		Field: "px",
		Features: []contracts.FeatureDef{
			{Func: "zscore", Params: map[string]any{"window": 3}},
			{Func: "ema", Params: map[string]any{"span": 4}},
		},
	}
	series := []float64{5, 3, 8, 1, 9, 2}

	first := b.Build(field, series)
	second := b.Build(field, series)
	assert.Equal(t, first, second)
}

func TestBuilder_AllUndefinedColumnDropped(t *testing.T) {
	b := NewBuilder(zerolog.Nop())

	field := contracts.DataField{
		Field:    "px",
		Features: []contracts.FeatureDef{{Func: "lag", Params: map[string]any{"periods": 5}}},
	}
	res := b.Build(field, []float64{1, 2})

	assert.Empty(t, res.Columns)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, "no observable values", res.Warnings[0].Reason)
}

func columnNames(cols []contracts.Column) []string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}
