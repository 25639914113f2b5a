// Package model holds the trainable predictors used per walk-forward window.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/wonny/backtester/internal/contracts"
)

// MinTrainRows is the smallest training set Fit accepts
const MinTrainRows = 2

// Model is a trainable predictor.
// A Model is owned by exactly one window; it is never shared between goroutines.
type Model interface {
	Name() string
	Fit(x [][]float64, y []float64) error
	Predict(x [][]float64) ([]float64, error)
	Serialize() ([]byte, error)
}

type factory struct {
	params map[string]bool
	build  func(contracts.Params) (Model, error)
}

// registry 모델 등록부
// ⭐ SSOT: 지원 모델 타입과 파라미터 키는 여기서만 정의
var registry = map[contracts.ModelType]factory{
	contracts.ModelLinearRegression: {
		params: map[string]bool{"fit_intercept": true, "alpha": true},
		build:  newLinearRegressionFromParams,
	},
	contracts.ModelRandomForest: {
		params: map[string]bool{
			"n_estimators":     true,
			"max_depth":        true,
			"min_samples_leaf": true,
			"max_features":     true,
			"seed":             true,
		},
		build: newRandomForestFromParams,
	},
}

// Types returns the registered model types, sorted
func Types() []contracts.ModelType {
	types := make([]contracts.ModelType, 0, len(registry))
	for t := range registry {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// New builds a fresh, unfitted model from spec
func New(spec contracts.ModelSpec) (Model, error) {
	f, ok := registry[spec.Type]
	if !ok {
		return nil, fmt.Errorf("unknown model type %q", spec.Type)
	}
	for key := range spec.Params {
		if !f.params[key] {
			return nil, fmt.Errorf("model %s: unknown parameter %q", spec.Type, key)
		}
	}
	return f.build(contracts.Params(spec.Params))
}

// ValidateSpec checks the model type and parameters without training
func ValidateSpec(spec contracts.ModelSpec) error {
	_, err := New(spec)
	return err
}

// Digest returns the sha256 of a fitted model's serialized state
func Digest(m Model) (string, error) {
	raw, err := m.Serialize()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// checkTrain validates the shape of a training set and returns its width
func checkTrain(x [][]float64, y []float64) (int, error) {
	if len(x) != len(y) {
		return 0, fmt.Errorf("x has %d rows, y has %d", len(x), len(y))
	}
	if len(x) < MinTrainRows {
		return 0, &contracts.InsufficientDataError{Rows: len(x), Min: MinTrainRows}
	}
	width := len(x[0])
	for i, row := range x {
		if len(row) != width {
			return 0, fmt.Errorf("row %d has %d features, want %d", i, len(row), width)
		}
	}
	return width, nil
}

func checkPredict(x [][]float64, width int) error {
	for i, row := range x {
		if len(row) != width {
			return fmt.Errorf("row %d has %d features, model was fitted on %d", i, len(row), width)
		}
	}
	return nil
}
