package contracts

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParams_Int(t *testing.T) {
	tests := []struct {
		name    string
		params  Params
		want    int
		wantErr bool
	}{
		{"absent uses default", Params{}, 20, false},
		{"yaml int", Params{"window": 5}, 5, false},
		{"json float", Params{"window": float64(7)}, 7, false},
		{"json number", Params{"window": json.Number("9")}, 9, false},
		{"fraction", Params{"window": 2.5}, 0, true},
		{"below minimum", Params{"window": 1}, 0, true},
		{"string", Params{"window": "10"}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.params.Int("window", 20, 2)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParams_FloatAndBool(t *testing.T) {
	p := Params{"alpha": 3, "fit_intercept": false, "bad": "x"}

	alpha, err := p.Float("alpha", 0)
	require.NoError(t, err)
	assert.Equal(t, 3.0, alpha)

	def, err := p.Float("missing", 0.5)
	require.NoError(t, err)
	assert.Equal(t, 0.5, def)

	_, err = p.Float("bad", 0)
	assert.Error(t, err)

	fit, err := p.Bool("fit_intercept", true)
	require.NoError(t, err)
	assert.False(t, fit)

	_, err = p.Bool("bad", true)
	assert.Error(t, err)
}
