package model

import (
	"encoding/json"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/wonny/backtester/internal/contracts"
)

// LinearRegression is ordinary least squares with an optional ridge penalty.
// Solved by Cholesky on the centered normal equations.
type LinearRegression struct {
	fitIntercept bool
	alpha        float64

	fitted    bool
	coef      []float64
	intercept float64
}

// linearState serialized trained state
type linearState struct {
	Type         contracts.ModelType `json:"type"`
	FitIntercept bool                `json:"fit_intercept"`
	Alpha        float64             `json:"alpha"`
	Coef         []float64           `json:"coef"`
	Intercept    float64             `json:"intercept"`
}

// NewLinearRegression creates an unfitted linear model
func NewLinearRegression(fitIntercept bool, alpha float64) *LinearRegression {
	return &LinearRegression{fitIntercept: fitIntercept, alpha: alpha}
}

func newLinearRegressionFromParams(p contracts.Params) (Model, error) {
	fitIntercept, err := p.Bool("fit_intercept", true)
	if err != nil {
		return nil, err
	}
	alpha, err := p.Float("alpha", 0)
	if err != nil {
		return nil, err
	}
	if alpha < 0 {
		return nil, fmt.Errorf("alpha must be >= 0, got %g", alpha)
	}
	return NewLinearRegression(fitIntercept, alpha), nil
}

// Name returns the registry tag
func (m *LinearRegression) Name() string {
	return string(contracts.ModelLinearRegression)
}

// Fit solves (XᵀX + αI)β = Xᵀy on centered data
func (m *LinearRegression) Fit(x [][]float64, y []float64) error {
	width, err := checkTrain(x, y)
	if err != nil {
		return err
	}
	n := len(x)

	xMean := make([]float64, width)
	yMean := 0.0
	if m.fitIntercept {
		for _, row := range x {
			for j, v := range row {
				xMean[j] += v
			}
		}
		for j := range xMean {
			xMean[j] /= float64(n)
		}
		for _, v := range y {
			yMean += v
		}
		yMean /= float64(n)
	}

	if width == 0 {
		m.coef = []float64{}
		m.intercept = yMean
		m.fitted = true
		return nil
	}

	data := make([]float64, 0, n*width)
	for _, row := range x {
		for j, v := range row {
			data = append(data, v-xMean[j])
		}
	}
	xc := mat.NewDense(n, width, data)

	yc := make([]float64, n)
	for i, v := range y {
		yc[i] = v - yMean
	}
	yv := mat.NewVecDense(n, yc)

	var gram mat.SymDense
	gram.SymOuterK(1, xc.T())
	for j := 0; j < width; j++ {
		gram.SetSym(j, j, gram.At(j, j)+m.alpha)
	}

	var xty mat.VecDense
	xty.MulVec(xc.T(), yv)

	beta, err := solveSPD(&gram, &xty)
	if err != nil {
		return err
	}

	m.coef = make([]float64, width)
	intercept := yMean
	for j := 0; j < width; j++ {
		m.coef[j] = beta.AtVec(j)
		intercept -= m.coef[j] * xMean[j]
	}
	m.intercept = intercept
	m.fitted = true
	return nil
}

// solveSPD Cholesky solve; adds a growing diagonal jitter when the Gram matrix is singular
func solveSPD(gram *mat.SymDense, b *mat.VecDense) (*mat.VecDense, error) {
	size := gram.SymmetricDim()

	trace := 0.0
	for j := 0; j < size; j++ {
		trace += gram.At(j, j)
	}
	jitter := 1e-10 * math.Max(1, trace/float64(size))

	a := mat.NewSymDense(size, nil)
	a.CopySym(gram)

	for attempt := 0; attempt < 8; attempt++ {
		var chol mat.Cholesky
		if chol.Factorize(a) {
			var beta mat.VecDense
			if err := chol.SolveVecTo(&beta, b); err == nil {
				return &beta, nil
			}
		}
		// 특이 행렬: 대각선에 jitter 추가 후 재시도
		for j := 0; j < size; j++ {
			a.SetSym(j, j, a.At(j, j)+jitter)
		}
		jitter *= 10
	}
	return nil, fmt.Errorf("normal equations are singular")
}

// Predict returns Xβ + intercept
func (m *LinearRegression) Predict(x [][]float64) ([]float64, error) {
	if !m.fitted {
		return nil, &contracts.ModelNotFittedError{Model: contracts.ModelLinearRegression}
	}
	if err := checkPredict(x, len(m.coef)); err != nil {
		return nil, err
	}

	out := make([]float64, len(x))
	for i, row := range x {
		v := m.intercept
		for j, c := range m.coef {
			v += c * row[j]
		}
		out[i] = v
	}
	return out, nil
}

// Coefficients returns a copy of the fitted coefficients and intercept
func (m *LinearRegression) Coefficients() ([]float64, float64, error) {
	if !m.fitted {
		return nil, 0, &contracts.ModelNotFittedError{Model: contracts.ModelLinearRegression}
	}
	coef := make([]float64, len(m.coef))
	copy(coef, m.coef)
	return coef, m.intercept, nil
}

// Serialize returns the deterministic JSON of the trained state
func (m *LinearRegression) Serialize() ([]byte, error) {
	if !m.fitted {
		return nil, &contracts.ModelNotFittedError{Model: contracts.ModelLinearRegression}
	}
	return json.Marshal(linearState{
		Type:         contracts.ModelLinearRegression,
		FitIntercept: m.fitIntercept,
		Alpha:        m.alpha,
		Coef:         m.coef,
		Intercept:    m.intercept,
	})
}
