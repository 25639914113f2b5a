package features

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/wonny/backtester/internal/contracts"
)

// ColumnSeparator joins field, func and param hash in a column name
const ColumnSeparator = "__"

// BuildResult is the surviving columns of one field plus what was dropped
type BuildResult struct {
	Columns  []contracts.Column
	Warnings []contracts.ColumnWarning
}

// Builder applies a field's declared features to its series
// ⭐ SSOT: feature 컬럼 생성 및 이름 규칙은 여기서만
type Builder struct {
	log zerolog.Logger
}

// NewBuilder creates a feature builder
func NewBuilder(log zerolog.Logger) *Builder {
	return &Builder{
		log: log.With().Str("component", "features.builder").Logger(),
	}
}

// Build computes every feature of field over series, in declared order.
// A failing transform removes only its own column and is reported as a warning.
func (b *Builder) Build(field contracts.DataField, series []float64) BuildResult {
	defs := field.Features
	if len(defs) == 0 {
		defs = []contracts.FeatureDef{{Func: "self"}}
	}

	var result BuildResult

	// 1. 완전 중복 (같은 func + 같은 params) 제거
	type candidate struct {
		def  contracts.FeatureDef
		hash string
	}
	seen := make(map[string]bool, len(defs))
	candidates := make([]candidate, 0, len(defs))
	recurrence := make(map[string]int, len(defs))

	for _, def := range defs {
		name := funcName(def)
		hash := paramHash(def.Params)
		key := name + ColumnSeparator + hash
		if seen[key] {
			result.Warnings = append(result.Warnings, b.warn(field.Field, name, columnName(field.Field, name, ""), "duplicate feature skipped"))
			continue
		}
		seen[key] = true
		candidates = append(candidates, candidate{def: def, hash: hash})
		recurrence[name]++
	}

	// 2. 변환 적용
	for _, c := range candidates {
		name := funcName(c.def)
		suffix := ""
		if recurrence[name] > 1 {
			suffix = c.hash
		}
		colName := columnName(field.Field, name, suffix)

		out, err := Apply(field.Field, c.def, series)
		if err != nil {
			result.Warnings = append(result.Warnings, b.warn(field.Field, name, colName, reason(err)))
			continue
		}
		if !anyObservable(out.Values) {
			result.Warnings = append(result.Warnings, b.warn(field.Field, name, colName, "no observable values"))
			continue
		}

		result.Columns = append(result.Columns, contracts.Column{
			Name:    colName,
			Field:   field.Field,
			Feature: name,
			Values:  out.Values,
		})
	}

	return result
}

func (b *Builder) warn(field, transform, column, why string) contracts.ColumnWarning {
	b.log.Warn().
		Str("field", field).
		Str("transform", transform).
		Str("column", column).
		Str("reason", why).
		Msg("feature column dropped")

	return contracts.ColumnWarning{
		Column:    column,
		Field:     field,
		Transform: transform,
		Reason:    why,
	}
}

func columnName(field, fn, hash string) string {
	name := field + ColumnSeparator + fn
	if hash != "" {
		name += ColumnSeparator + hash
	}
	return name
}

// paramHash first 8 hex chars of sha256 over the canonical JSON of params
// (encoding/json sorts map keys, int 1 and float 1.0 encode identically)
func paramHash(params map[string]any) string {
	if len(params) == 0 {
		params = map[string]any{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		raw = []byte(fmt.Sprintf("%v", params))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])[:8]
}

func anyObservable(values []float64) bool {
	for _, v := range values {
		if !math.IsNaN(v) {
			return true
		}
	}
	return false
}

func reason(err error) string {
	var unknown *contracts.UnknownTransformError
	if errors.As(err, &unknown) {
		return "unknown transform"
	}
	var invalid *contracts.InvalidFeatureParamsError
	if errors.As(err, &invalid) {
		return invalid.Reason
	}
	return err.Error()
}
