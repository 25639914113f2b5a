package model

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/wonny/backtester/internal/contracts"
)

// RandomForest is an ensemble of bootstrapped CART regression trees.
// Deterministic for a given seed.
type RandomForest struct {
	cfg ForestConfig

	fitted bool
	width  int
	trees  []tree
}

// ForestConfig holds the random forest hyperparameters
type ForestConfig struct {
	NEstimators    int     `json:"n_estimators"`
	MaxDepth       int     `json:"max_depth"`
	MinSamplesLeaf int     `json:"min_samples_leaf"`
	MaxFeatures    float64 `json:"max_features"` // fraction of features tried per split
	Seed           uint64  `json:"seed"`
}

// DefaultForestConfig returns the default hyperparameters
func DefaultForestConfig() ForestConfig {
	return ForestConfig{
		NEstimators:    50,
		MaxDepth:       6,
		MinSamplesLeaf: 1,
		MaxFeatures:    1.0,
		Seed:           42,
	}
}

// node flat tree node; Feature < 0 marks a leaf
type node struct {
	Feature   int     `json:"f"`
	Threshold float64 `json:"t,omitempty"`
	Left      int     `json:"l,omitempty"`
	Right     int     `json:"r,omitempty"`
	Value     float64 `json:"v"`
}

type tree []node

type forestState struct {
	Type   contracts.ModelType `json:"type"`
	Config ForestConfig        `json:"config"`
	Width  int                 `json:"width"`
	Trees  []tree              `json:"trees"`
}

// NewRandomForest creates an unfitted forest
func NewRandomForest(cfg ForestConfig) *RandomForest {
	return &RandomForest{cfg: cfg}
}

func newRandomForestFromParams(p contracts.Params) (Model, error) {
	cfg := DefaultForestConfig()
	var err error

	if cfg.NEstimators, err = p.Int("n_estimators", cfg.NEstimators, 1); err != nil {
		return nil, err
	}
	if cfg.MaxDepth, err = p.Int("max_depth", cfg.MaxDepth, 1); err != nil {
		return nil, err
	}
	if cfg.MinSamplesLeaf, err = p.Int("min_samples_leaf", cfg.MinSamplesLeaf, 1); err != nil {
		return nil, err
	}
	if cfg.MaxFeatures, err = p.Float("max_features", cfg.MaxFeatures); err != nil {
		return nil, err
	}
	if cfg.MaxFeatures <= 0 || cfg.MaxFeatures > 1 {
		return nil, fmt.Errorf("max_features must be in (0, 1], got %g", cfg.MaxFeatures)
	}
	seed, err := p.Int("seed", int(cfg.Seed), 0)
	if err != nil {
		return nil, err
	}
	cfg.Seed = uint64(seed)

	return NewRandomForest(cfg), nil
}

// Name returns the registry tag
func (f *RandomForest) Name() string {
	return string(contracts.ModelRandomForest)
}

// Fit grows NEstimators trees on bootstrap samples
func (f *RandomForest) Fit(x [][]float64, y []float64) error {
	width, err := checkTrain(x, y)
	if err != nil {
		return err
	}

	rng := rand.New(rand.NewPCG(f.cfg.Seed, f.cfg.Seed^0x9e3779b97f4a7c15))
	n := len(x)

	mtry := int(math.Round(f.cfg.MaxFeatures * float64(width)))
	mtry = max(1, min(mtry, width))

	trees := make([]tree, f.cfg.NEstimators)
	for k := range trees {
		sample := make([]int, n)
		for i := range sample {
			sample[i] = rng.IntN(n)
		}
		g := grower{x: x, y: y, width: width, mtry: mtry, cfg: f.cfg, rng: rng}
		g.grow(sample, 0)
		trees[k] = g.nodes
	}

	f.trees = trees
	f.width = width
	f.fitted = true
	return nil
}

// Predict averages the trees
func (f *RandomForest) Predict(x [][]float64) ([]float64, error) {
	if !f.fitted {
		return nil, &contracts.ModelNotFittedError{Model: contracts.ModelRandomForest}
	}
	if err := checkPredict(x, f.width); err != nil {
		return nil, err
	}

	out := make([]float64, len(x))
	for i, row := range x {
		sum := 0.0
		for _, t := range f.trees {
			sum += t.predict(row)
		}
		out[i] = sum / float64(len(f.trees))
	}
	return out, nil
}

// Serialize returns the deterministic JSON of the trained state
func (f *RandomForest) Serialize() ([]byte, error) {
	if !f.fitted {
		return nil, &contracts.ModelNotFittedError{Model: contracts.ModelRandomForest}
	}
	return json.Marshal(forestState{
		Type:   contracts.ModelRandomForest,
		Config: f.cfg,
		Width:  f.width,
		Trees:  f.trees,
	})
}

func (t tree) predict(row []float64) float64 {
	i := 0
	for t[i].Feature >= 0 {
		if row[t[i].Feature] <= t[i].Threshold {
			i = t[i].Left
		} else {
			i = t[i].Right
		}
	}
	return t[i].Value
}

// =============================================================================
// CART
// =============================================================================

type grower struct {
	x     [][]float64
	y     []float64
	width int
	mtry  int
	cfg   ForestConfig
	rng   *rand.Rand
	nodes tree
}

// grow appends the subtree over idx and returns its root index
func (g *grower) grow(idx []int, depth int) int {
	mean := 0.0
	for _, i := range idx {
		mean += g.y[i]
	}
	mean /= float64(len(idx))

	self := len(g.nodes)
	g.nodes = append(g.nodes, node{Feature: -1, Value: mean})

	if depth >= g.cfg.MaxDepth || len(idx) < 2*g.cfg.MinSamplesLeaf || g.width == 0 {
		return self
	}

	feature, threshold, ok := g.bestSplit(idx)
	if !ok {
		return self
	}

	var left, right []int
	for _, i := range idx {
		if g.x[i][feature] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}

	l := g.grow(left, depth+1)
	r := g.grow(right, depth+1)
	g.nodes[self] = node{Feature: feature, Threshold: threshold, Left: l, Right: r, Value: mean}
	return self
}

// bestSplit maximizes the SSE reduction over a random subset of features
func (g *grower) bestSplit(idx []int) (int, float64, bool) {
	features := g.rng.Perm(g.width)[:g.mtry]
	slices.Sort(features)

	n := len(idx)
	minLeaf := g.cfg.MinSamplesLeaf

	var total, totalSq float64
	for _, i := range idx {
		total += g.y[i]
		totalSq += g.y[i] * g.y[i]
	}
	parentSSE := totalSq - total*total/float64(n)

	bestGain := 0.0
	bestFeature := -1
	bestThreshold := 0.0

	order := make([]int, n)
	for _, feature := range features {
		copy(order, idx)
		slices.SortStableFunc(order, func(a, b int) int {
			va, vb := g.x[a][feature], g.x[b][feature]
			switch {
			case va < vb:
				return -1
			case va > vb:
				return 1
			default:
				return a - b
			}
		})

		var leftSum, leftSq float64
		for k := 0; k < n-1; k++ {
			yi := g.y[order[k]]
			leftSum += yi
			leftSq += yi * yi

			nl := k + 1
			nr := n - nl
			if nl < minLeaf || nr < minLeaf {
				continue
			}
			lo, hi := g.x[order[k]][feature], g.x[order[k+1]][feature]
			if lo == hi {
				continue
			}

			rightSum := total - leftSum
			rightSq := totalSq - leftSq
			sse := (leftSq - leftSum*leftSum/float64(nl)) + (rightSq - rightSum*rightSum/float64(nr))
			gain := parentSSE - sse
			if gain > bestGain+1e-12 {
				bestGain = gain
				bestFeature = feature
				bestThreshold = lo + (hi-lo)/2
				if bestThreshold >= hi {
					bestThreshold = lo
				}
			}
		}
	}

	return bestFeature, bestThreshold, bestFeature >= 0
}
