package ml

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
)

const (
	TypeRandomForest = "random_forest"

	DefaultSeed        int64 = 42
	DefaultNEstimators       = 100
)

type ForestParams struct {
	NEstimators     int   `json:"n_estimators"`
	MaxDepth        int   `json:"max_depth"`
	MinSamplesSplit int   `json:"min_samples_split"`
	MaxFeatures     int   `json:"max_features"`
	Bootstrap       bool  `json:"bootstrap"`
	Seed            int64 `json:"seed"`
}

func DefaultForestParams() ForestParams {
	return ForestParams{
		NEstimators:     DefaultNEstimators,
		MinSamplesSplit: 2,
		Bootstrap:       true,
		Seed:            DefaultSeed,
	}
}

// RandomForest averages the class probabilities of bagged decision trees.
// Each tree draws its split features from a random subset of size
// MaxFeatures (floor(sqrt(n_features)) when unset).
type RandomForest struct {
	params    ForestParams
	nFeatures int
	nClasses  int
	trees     []*DecisionTree
}

func NewRandomForest(params ForestParams) *RandomForest {
	if params.NEstimators <= 0 {
		params.NEstimators = DefaultNEstimators
	}
	if params.MinSamplesSplit < 2 {
		params.MinSamplesSplit = 2
	}
	return &RandomForest{params: params}
}

func (rf *RandomForest) Type() string { return TypeRandomForest }

func (rf *RandomForest) FeatureCount() int { return rf.nFeatures }

func (rf *RandomForest) ClassCount() int { return rf.nClasses }

func (rf *RandomForest) Params() ForestParams { return rf.params }

func (rf *RandomForest) Train(features [][]float64, labels []int) error {
	nFeatures, nClasses, err := validateTrainingSet(features, labels)
	if err != nil {
		return err
	}

	maxFeatures := rf.params.MaxFeatures
	if maxFeatures <= 0 {
		maxFeatures = int(math.Sqrt(float64(nFeatures)))
		if maxFeatures < 1 {
			maxFeatures = 1
		}
	}

	rng := rand.New(rand.NewSource(rf.params.Seed))
	trees := make([]*DecisionTree, 0, rf.params.NEstimators)
	for t := 0; t < rf.params.NEstimators; t++ {
		treeRng := rand.New(rand.NewSource(rng.Int63()))
		sampleX, sampleY := features, labels
		if rf.params.Bootstrap {
			sampleX, sampleY = bootstrapSample(features, labels, treeRng)
		}
		tree := NewDecisionTree(TreeParams{
			MaxDepth:        rf.params.MaxDepth,
			MinSamplesSplit: rf.params.MinSamplesSplit,
			MaxFeatures:     maxFeatures,
		}, treeRng)
		tree.fit(sampleX, sampleY, nFeatures, nClasses)
		trees = append(trees, tree)
	}

	rf.nFeatures = nFeatures
	rf.nClasses = nClasses
	rf.trees = trees
	return nil
}

func (rf *RandomForest) Predict(features []float64) (int, float64, error) {
	probs, err := rf.Probabilities(features)
	if err != nil {
		return 0, 0, err
	}
	label := argmax(probs)
	return label, probs[label], nil
}

func (rf *RandomForest) Probabilities(features []float64) ([]float64, error) {
	if len(rf.trees) == 0 {
		return nil, ErrNotTrained
	}
	if len(features) != rf.nFeatures {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrFeatureCount, rf.nFeatures, len(features))
	}
	avg := make([]float64, rf.nClasses)
	for _, tree := range rf.trees {
		probs, err := tree.Probabilities(features)
		if err != nil {
			return nil, err
		}
		for i, p := range probs {
			avg[i] += p
		}
	}
	for i := range avg {
		avg[i] /= float64(len(rf.trees))
	}
	return avg, nil
}

func bootstrapSample(features [][]float64, labels []int, rng *rand.Rand) ([][]float64, []int) {
	n := len(features)
	sampleX := make([][]float64, n)
	sampleY := make([]int, n)
	for i := 0; i < n; i++ {
		j := rng.Intn(n)
		sampleX[i] = features[j]
		sampleY[i] = labels[j]
	}
	return sampleX, sampleY
}

type forestState struct {
	Params    ForestParams      `json:"params"`
	NFeatures int               `json:"n_features"`
	NClasses  int               `json:"n_classes"`
	Trees     []json.RawMessage `json:"trees"`
}

func (rf *RandomForest) MarshalJSON() ([]byte, error) {
	if len(rf.trees) == 0 {
		return nil, ErrNotTrained
	}
	state := forestState{
		Params:    rf.params,
		NFeatures: rf.nFeatures,
		NClasses:  rf.nClasses,
		Trees:     make([]json.RawMessage, 0, len(rf.trees)),
	}
	for _, tree := range rf.trees {
		payload, err := json.Marshal(tree)
		if err != nil {
			return nil, err
		}
		state.Trees = append(state.Trees, payload)
	}
	return json.Marshal(state)
}

func (rf *RandomForest) UnmarshalJSON(payload []byte) error {
	var state forestState
	if err := json.Unmarshal(payload, &state); err != nil {
		return err
	}
	if len(state.Trees) == 0 {
		return ErrNotTrained
	}
	trees := make([]*DecisionTree, 0, len(state.Trees))
	for i, raw := range state.Trees {
		tree := &DecisionTree{}
		if err := json.Unmarshal(raw, tree); err != nil {
			return fmt.Errorf("tree %d: %w", i, err)
		}
		if tree.nFeatures != state.NFeatures || tree.nClasses != state.NClasses {
			return fmt.Errorf("tree %d: %w: shape %dx%d, forest %dx%d", i, ErrInvalidTree,
				tree.nFeatures, tree.nClasses, state.NFeatures, state.NClasses)
		}
		trees = append(trees, tree)
	}
	rf.params = state.Params
	rf.nFeatures = state.NFeatures
	rf.nClasses = state.NClasses
	rf.trees = trees
	return nil
}
