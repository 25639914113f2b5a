package contracts

import (
	"encoding/json"
	"fmt"
	"math"
)

// Params are the raw parameters of a feature or model declaration.
// JSON numbers arrive as float64, YAML integers as int.
type Params map[string]any

// Int reads an integral parameter, returning def when the key is absent
func (p Params) Int(key string, def, minValue int) (int, error) {
	raw, ok := p[key]
	if !ok {
		return def, nil
	}

	var v int
	switch n := raw.(type) {
	case int:
		v = n
	case int64:
		v = int(n)
	case uint64:
		v = int(n)
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, fmt.Errorf("%s must be an integer, got %g", key, n)
		}
		v = int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("%s must be an integer, got %s", key, n)
		}
		v = int(i)
	default:
		return 0, fmt.Errorf("%s must be an integer, got %T", key, raw)
	}

	if v < minValue {
		return 0, fmt.Errorf("%s must be >= %d, got %d", key, minValue, v)
	}
	return v, nil
}

// Float reads a finite numeric parameter
func (p Params) Float(key string, def float64) (float64, error) {
	raw, ok := p[key]
	if !ok {
		return def, nil
	}
	var v float64
	switch n := raw.(type) {
	case float64:
		v = n
	case int:
		v = float64(n)
	case int64:
		v = float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("%s must be a number, got %s", key, n)
		}
		v = f
	default:
		return 0, fmt.Errorf("%s must be a number, got %T", key, raw)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%s must be finite", key)
	}
	return v, nil
}

func (p Params) Bool(key string, def bool) (bool, error) {
	raw, ok := p[key]
	if !ok {
		return def, nil
	}
	b, ok := raw.(bool)
	if !ok {
		return false, fmt.Errorf("%s must be a boolean, got %T", key, raw)
	}
	return b, nil
}
