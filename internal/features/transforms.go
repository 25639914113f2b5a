package features

import (
	"fmt"
	"math"
	"sort"

	"github.com/wonny/backtester/internal/contracts"
)

// =============================================================================
// Transform Library
// =============================================================================

// Params are the raw parameters of one FeatureDef (decoded from JSON or YAML)
type Params = contracts.Params

// Output is the result of one transform
// Values has the input length; Values[:Warmup] is NaN (not yet observable).
type Output struct {
	Values []float64
	Warmup int
}

// Transform computes one feature column from one series.
// Pure: it reads only its input slice and never mutates it.
type Transform func(values []float64, params Params) (Output, error)

type paramKind int

const (
	paramInt paramKind = iota
	paramFloat
)

type entry struct {
	fn     Transform
	params map[string]paramKind
	check  func(Params) error
}

// registry 변환 함수 등록부
// ⭐ SSOT: 허용되는 feature 함수 이름과 파라미터 스키마는 여기서만 정의
var registry = map[string]entry{
	"self": {fn: selfTransform},
	"return": {
		fn:     returnTransform,
		params: map[string]paramKind{"periods": paramInt},
		check:  func(p Params) error { _, err := periodsParam(p); return err },
	},
	"zscore": {
		fn:     zscoreTransform,
		params: map[string]paramKind{"window": paramInt},
		check:  func(p Params) error { _, err := p.Int("window", 20, 2); return err },
	},
	"diff": {
		fn:     diffTransform,
		params: map[string]paramKind{"periods": paramInt},
		check:  func(p Params) error { _, err := periodsParam(p); return err },
	},
	"lag": {
		fn:     lagTransform,
		params: map[string]paramKind{"periods": paramInt},
		check:  func(p Params) error { _, err := periodsParam(p); return err },
	},
	"sma": {
		fn:     smaTransform,
		params: map[string]paramKind{"window": paramInt},
		check:  func(p Params) error { _, err := smaWindow(p); return err },
	},
	"ema": {
		fn:     emaTransform,
		params: map[string]paramKind{"span": paramInt, "alpha": paramFloat},
		check:  func(p Params) error { _, err := emaAlpha(p); return err },
	},
	"log": {fn: logTransform},
}

// Names returns the registered transform names, sorted
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the transform registered under name
func Lookup(name string) (Transform, bool) {
	e, ok := registry[name]
	if !ok {
		return nil, false
	}
	return e.fn, true
}

// ValidateDef checks a feature definition against the registry without data.
// Called when a JobSpec is loaded so that bad params never reach a run.
func ValidateDef(field string, def contracts.FeatureDef) error {
	name := funcName(def)
	e, ok := registry[name]
	if !ok {
		return &contracts.UnknownTransformError{Field: field, Transform: name}
	}

	for key := range def.Params {
		if _, allowed := e.params[key]; !allowed {
			return &contracts.InvalidFeatureParamsError{
				Field:     field,
				Transform: name,
				Reason:    fmt.Sprintf("unknown parameter %q", key),
			}
		}
	}

	if e.check != nil {
		if err := e.check(Params(def.Params)); err != nil {
			return &contracts.InvalidFeatureParamsError{Field: field, Transform: name, Reason: err.Error()}
		}
	}
	return nil
}

// Apply validates def and runs its transform over values.
// Output after the warm-up must be finite, otherwise the column fails.
func Apply(field string, def contracts.FeatureDef, values []float64) (Output, error) {
	if err := ValidateDef(field, def); err != nil {
		return Output{}, err
	}

	name := funcName(def)
	out, err := registry[name].fn(values, Params(def.Params))
	if err != nil {
		return Output{}, &contracts.InvalidFeatureParamsError{Field: field, Transform: name, Reason: err.Error()}
	}

	for i := out.Warmup; i < len(out.Values); i++ {
		if math.IsNaN(out.Values[i]) || math.IsInf(out.Values[i], 0) {
			return Output{}, &contracts.InvalidFeatureParamsError{
				Field:     field,
				Transform: name,
				Reason:    fmt.Sprintf("non-finite output at row %d", i),
			}
		}
	}
	return out, nil
}

func funcName(def contracts.FeatureDef) string {
	if def.Func == "" {
		return "self"
	}
	return def.Func
}

// =============================================================================
// Transforms
// =============================================================================

func selfTransform(values []float64, _ Params) (Output, error) {
	out := make([]float64, len(values))
	copy(out, values)
	return Output{Values: out}, nil
}

// returnTransform x[t]/x[t-p] - 1 (backward, causal)
func returnTransform(values []float64, p Params) (Output, error) {
	periods, err := periodsParam(p)
	if err != nil {
		return Output{}, err
	}
	out := undefined(len(values))
	for t := periods; t < len(values); t++ {
		out[t] = values[t]/values[t-periods] - 1
	}
	return Output{Values: out, Warmup: min(periods, len(values))}, nil
}

// zscoreTransform rolling standardized value over the trailing window.
// Partial windows at the start; zero std -> 0.
func zscoreTransform(values []float64, p Params) (Output, error) {
	window, err := p.Int("window", 20, 2)
	if err != nil {
		return Output{}, err
	}
	out := make([]float64, len(values))
	for t := range values {
		from := max(0, t-window+1)
		mean, std := meanStd(values[from : t+1])
		// 상수 구간: 반올림 오차로 생긴 std 는 0 으로 취급
		if std <= 1e-12*math.Max(1, math.Abs(mean)) {
			out[t] = 0
			continue
		}
		out[t] = (values[t] - mean) / std
	}
	return Output{Values: out}, nil
}

func diffTransform(values []float64, p Params) (Output, error) {
	periods, err := periodsParam(p)
	if err != nil {
		return Output{}, err
	}
	out := undefined(len(values))
	for t := periods; t < len(values); t++ {
		out[t] = values[t] - values[t-periods]
	}
	return Output{Values: out, Warmup: min(periods, len(values))}, nil
}

func lagTransform(values []float64, p Params) (Output, error) {
	periods, err := periodsParam(p)
	if err != nil {
		return Output{}, err
	}
	out := undefined(len(values))
	for t := periods; t < len(values); t++ {
		out[t] = values[t-periods]
	}
	return Output{Values: out, Warmup: min(periods, len(values))}, nil
}

// smaTransform trailing simple moving average (running sum)
func smaTransform(values []float64, p Params) (Output, error) {
	window, err := smaWindow(p)
	if err != nil {
		return Output{}, err
	}
	out := undefined(len(values))
	sum := 0.0
	for t, v := range values {
		sum += v
		if t >= window {
			sum -= values[t-window]
		}
		if t >= window-1 {
			out[t] = sum / float64(window)
		}
	}
	return Output{Values: out, Warmup: min(window-1, len(values))}, nil
}

// emaTransform seeded with the first value
func emaTransform(values []float64, p Params) (Output, error) {
	alpha, err := emaAlpha(p)
	if err != nil {
		return Output{}, err
	}
	out := make([]float64, len(values))
	for t, v := range values {
		if t == 0 {
			out[t] = v
			continue
		}
		out[t] = alpha*v + (1-alpha)*out[t-1]
	}
	return Output{Values: out}, nil
}

func logTransform(values []float64, _ Params) (Output, error) {
	out := make([]float64, len(values))
	for t, v := range values {
		if v <= 0 {
			return Output{}, fmt.Errorf("non-positive input %g at row %d", v, t)
		}
		out[t] = math.Log(v)
	}
	return Output{Values: out}, nil
}

// =============================================================================
// Helpers
// =============================================================================

func undefined(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// meanStd population mean and standard deviation
func meanStd(xs []float64) (float64, float64) {
	n := float64(len(xs))
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / n
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / n)
}

// periods 음수 불가 (미래 데이터 참조 금지)
func periodsParam(p Params) (int, error) {
	return p.Int("periods", 1, 1)
}

func smaWindow(p Params) (int, error) {
	if _, ok := p["window"]; !ok {
		return 0, fmt.Errorf("window is required")
	}
	return p.Int("window", 0, 1)
}

func emaAlpha(p Params) (float64, error) {
	_, hasSpan := p["span"]
	_, hasAlpha := p["alpha"]

	switch {
	case hasSpan && hasAlpha:
		return 0, fmt.Errorf("span and alpha are mutually exclusive")
	case hasAlpha:
		alpha, err := p.Float("alpha", 0)
		if err != nil {
			return 0, err
		}
		if !(alpha > 0 && alpha <= 1) {
			return 0, fmt.Errorf("alpha must be in (0, 1], got %g", alpha)
		}
		return alpha, nil
	case hasSpan:
		span, err := p.Int("span", 0, 1)
		if err != nil {
			return 0, err
		}
		return 2 / (float64(span) + 1), nil
	default:
		return 0, fmt.Errorf("one of span or alpha is required")
	}
}
