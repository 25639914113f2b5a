package model

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/backtester/internal/contracts"
)

// y = 2*x0 - 3*x1 + 5
func linearData(n int) ([][]float64, []float64) {
	x := make([][]float64, n)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		a := float64(i)
		b := math.Sin(float64(i))
		x[i] = []float64{a, b}
		y[i] = 2*a - 3*b + 5
	}
	return x, y
}

func TestRegistry(t *testing.T) {
	assert.Equal(t, []contracts.ModelType{contracts.ModelLinearRegression, contracts.ModelRandomForest}, Types())

	for _, mt := range Types() {
		m, err := New(contracts.ModelSpec{Type: mt})
		require.NoError(t, err)
		assert.Equal(t, string(mt), m.Name())
	}

	_, err := New(contracts.ModelSpec{Type: "xgboost"})
	assert.Error(t, err)
}

func TestValidateSpec(t *testing.T) {
	tests := []struct {
		name    string
		spec    contracts.ModelSpec
		wantErr bool
	}{
		{"linear defaults", contracts.ModelSpec{Type: contracts.ModelLinearRegression}, false},
		{"linear ridge", contracts.ModelSpec{Type: contracts.ModelLinearRegression, Params: map[string]any{"alpha": 0.5, "fit_intercept": false}}, false},
		{"linear negative alpha", contracts.ModelSpec{Type: contracts.ModelLinearRegression, Params: map[string]any{"alpha": -1.0}}, true},
		{"linear bad intercept", contracts.ModelSpec{Type: contracts.ModelLinearRegression, Params: map[string]any{"fit_intercept": "yes"}}, true},
		{"forest json numbers", contracts.ModelSpec{Type: contracts.ModelRandomForest, Params: map[string]any{"n_estimators": float64(10), "max_depth": float64(3)}}, false},
		{"forest zero trees", contracts.ModelSpec{Type: contracts.ModelRandomForest, Params: map[string]any{"n_estimators": 0}}, true},
		{"forest max_features", contracts.ModelSpec{Type: contracts.ModelRandomForest, Params: map[string]any{"max_features": 1.5}}, true},
		{"unknown param", contracts.ModelSpec{Type: contracts.ModelRandomForest, Params: map[string]any{"learning_rate": 0.1}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSpec(tt.spec)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNotFitted(t *testing.T) {
	for _, mt := range Types() {
		t.Run(string(mt), func(t *testing.T) {
			m, err := New(contracts.ModelSpec{Type: mt})
			require.NoError(t, err)

			_, err = m.Predict([][]float64{{1, 2}})
			var notFitted *contracts.ModelNotFittedError
			require.True(t, errors.As(err, &notFitted))
			assert.Equal(t, mt, notFitted.Model)

			_, err = m.Serialize()
			assert.True(t, errors.As(err, &notFitted))
		})
	}
}

func TestInsufficientData(t *testing.T) {
	for _, mt := range Types() {
		t.Run(string(mt), func(t *testing.T) {
			m, err := New(contracts.ModelSpec{Type: mt})
			require.NoError(t, err)

			var insufficient *contracts.InsufficientDataError

			err = m.Fit(nil, nil)
			require.True(t, errors.As(err, &insufficient))
			assert.Equal(t, 0, insufficient.Rows)

			err = m.Fit([][]float64{{1}}, []float64{1})
			require.True(t, errors.As(err, &insufficient))
			assert.Equal(t, 1, insufficient.Rows)
		})
	}
}

func TestShapeMismatch(t *testing.T) {
	m := NewLinearRegression(true, 0)
	assert.Error(t, m.Fit([][]float64{{1}, {2}}, []float64{1}))
	assert.Error(t, m.Fit([][]float64{{1}, {2, 3}}, []float64{1, 2}))

	require.NoError(t, m.Fit([][]float64{{1}, {2}, {3}}, []float64{1, 2, 3}))
	_, err := m.Predict([][]float64{{1, 2}})
	assert.Error(t, err)
}

func TestLinearRegression_RecoversCoefficients(t *testing.T) {
	x, y := linearData(40)
	m := NewLinearRegression(true, 0)
	require.NoError(t, m.Fit(x, y))

	coef, intercept, err := m.Coefficients()
	require.NoError(t, err)
	assert.InDelta(t, 2.0, coef[0], 1e-6)
	assert.InDelta(t, -3.0, coef[1], 1e-6)
	assert.InDelta(t, 5.0, intercept, 1e-6)

	pred, err := m.Predict([][]float64{{10, 0.5}})
	require.NoError(t, err)
	assert.InDelta(t, 2*10-3*0.5+5, pred[0], 1e-6)
}

func TestLinearRegression_SingularGram(t *testing.T) {
	// 두 번째 컬럼이 상수 -> 중심화 후 0
	x := [][]float64{{1, 7}, {2, 7}, {3, 7}, {4, 7}}
	y := []float64{2, 4, 6, 8}

	m := NewLinearRegression(true, 0)
	require.NoError(t, m.Fit(x, y))

	pred, err := m.Predict([][]float64{{5, 7}})
	require.NoError(t, err)
	assert.InDelta(t, 10.0, pred[0], 1e-4)
}

func TestLinearRegression_NoFeatures(t *testing.T) {
	m := NewLinearRegression(true, 0)
	require.NoError(t, m.Fit([][]float64{{}, {}, {}}, []float64{1, 2, 6}))

	pred, err := m.Predict([][]float64{{}})
	require.NoError(t, err)
	assert.InDelta(t, 3.0, pred[0], 1e-12)
}

func TestRandomForest_Fits(t *testing.T) {
	// step function: y = 1 when x0 > 10
	var x [][]float64
	var y []float64
	for i := 0; i < 40; i++ {
		x = append(x, []float64{float64(i), float64(i % 3)})
		if i > 10 {
			y = append(y, 1)
		} else {
			y = append(y, 0)
		}
	}

	f := NewRandomForest(DefaultForestConfig())
	require.NoError(t, f.Fit(x, y))

	pred, err := f.Predict([][]float64{{2, 0}, {30, 1}})
	require.NoError(t, err)
	assert.Less(t, pred[0], 0.2)
	assert.Greater(t, pred[1], 0.8)
}

func TestRandomForest_Deterministic(t *testing.T) {
	x, y := linearData(30)
	cfg := DefaultForestConfig()
	cfg.MaxFeatures = 0.5

	a := NewRandomForest(cfg)
	b := NewRandomForest(cfg)
	require.NoError(t, a.Fit(x, y))
	require.NoError(t, b.Fit(x, y))

	da, err := Digest(a)
	require.NoError(t, err)
	db, err := Digest(b)
	require.NoError(t, err)
	assert.Equal(t, da, db)

	pa, err := a.Predict(x[:5])
	require.NoError(t, err)
	pb, err := b.Predict(x[:5])
	require.NoError(t, err)
	assert.Equal(t, pa, pb)

	// other seed, other forest
	cfg.Seed = 7
	c := NewRandomForest(cfg)
	require.NoError(t, c.Fit(x, y))
	dc, err := Digest(c)
	require.NoError(t, err)
	assert.NotEqual(t, da, dc)
}

func TestLinearRegression_SerializeDeterministic(t *testing.T) {
	x, y := linearData(20)

	a := NewLinearRegression(true, 0.1)
	b := NewLinearRegression(true, 0.1)
	require.NoError(t, a.Fit(x, y))
	require.NoError(t, b.Fit(x, y))

	sa, err := a.Serialize()
	require.NoError(t, err)
	sb, err := b.Serialize()
	require.NoError(t, err)
	assert.Equal(t, sa, sb)
	assert.Contains(t, string(sa), `"type":"linear_regression"`)
}
