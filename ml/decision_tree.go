package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
)

const TypeDecisionTree = "decision_tree"

// TreeParams controls how a DecisionTree grows. Zero values mean
// unlimited depth, a minimum split size of 2 and all features per split.
type TreeParams struct {
	MaxDepth        int `json:"max_depth"`
	MinSamplesSplit int `json:"min_samples_split"`
	MaxFeatures     int `json:"max_features"`
}

// DecisionTree is a CART classifier using Gini impurity. Nodes are stored
// in pre-order, so every child index is greater than its parent's.
type DecisionTree struct {
	params    TreeParams
	rng       *rand.Rand
	nFeatures int
	nClasses  int
	nodes     []TreeNode
}

type TreeNode struct {
	FeatureIdx int     `json:"feature_idx"`
	Threshold  float64 `json:"threshold"`
	LeftChild  int     `json:"left_child"`
	RightChild int     `json:"right_child"`
	ClassLabel int     `json:"class_label"`
	IsLeaf     bool    `json:"is_leaf"`
	Counts     []int   `json:"counts,omitempty"`
}

// NewDecisionTree returns an untrained tree. rng is only consulted when
// params.MaxFeatures restricts the features considered per split.
func NewDecisionTree(params TreeParams, rng *rand.Rand) *DecisionTree {
	if params.MinSamplesSplit < 2 {
		params.MinSamplesSplit = 2
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(DefaultSeed))
	}
	return &DecisionTree{params: params, rng: rng}
}

func (dt *DecisionTree) Type() string { return TypeDecisionTree }

func (dt *DecisionTree) FeatureCount() int { return dt.nFeatures }

func (dt *DecisionTree) ClassCount() int { return dt.nClasses }

func (dt *DecisionTree) Train(features [][]float64, labels []int) error {
	nFeatures, nClasses, err := validateTrainingSet(features, labels)
	if err != nil {
		return err
	}
	dt.fit(features, labels, nFeatures, nClasses)
	return nil
}

// fit grows the tree without re-validating; the forest calls it with a
// class count taken from the full dataset so every tree agrees on it.
func (dt *DecisionTree) fit(features [][]float64, labels []int, nFeatures, nClasses int) {
	if dt.params.MinSamplesSplit < 2 {
		dt.params.MinSamplesSplit = 2
	}
	if dt.rng == nil {
		dt.rng = rand.New(rand.NewSource(DefaultSeed))
	}
	dt.nFeatures = nFeatures
	dt.nClasses = nClasses

	idx := make([]int, len(labels))
	for i := range idx {
		idx[i] = i
	}
	dt.nodes = dt.buildNode(features, labels, idx, 0)
}

func (dt *DecisionTree) Predict(features []float64) (int, float64, error) {
	probs, err := dt.Probabilities(features)
	if err != nil {
		return 0, 0, err
	}
	label := argmax(probs)
	return label, probs[label], nil
}

// Probabilities returns the class distribution of the leaf reached by features.
func (dt *DecisionTree) Probabilities(features []float64) ([]float64, error) {
	leaf, err := dt.leaf(features)
	if err != nil {
		return nil, err
	}
	probs := make([]float64, dt.nClasses)
	total := 0
	for _, c := range leaf.Counts {
		total += c
	}
	if total == 0 {
		probs[leaf.ClassLabel] = 1
		return probs, nil
	}
	for i, c := range leaf.Counts {
		probs[i] = float64(c) / float64(total)
	}
	return probs, nil
}

func (dt *DecisionTree) leaf(features []float64) (*TreeNode, error) {
	if len(dt.nodes) == 0 {
		return nil, ErrNotTrained
	}
	if len(features) != dt.nFeatures {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrFeatureCount, dt.nFeatures, len(features))
	}
	idx := 0
	for {
		node := &dt.nodes[idx]
		if node.IsLeaf {
			return node, nil
		}
		if features[node.FeatureIdx] <= node.Threshold {
			idx = node.LeftChild
		} else {
			idx = node.RightChild
		}
		if idx <= 0 || idx >= len(dt.nodes) {
			return nil, ErrInvalidTree
		}
	}
}

type treeState struct {
	Params    TreeParams `json:"params"`
	NFeatures int        `json:"n_features"`
	NClasses  int        `json:"n_classes"`
	Nodes     []TreeNode `json:"nodes"`
}

func (dt *DecisionTree) MarshalJSON() ([]byte, error) {
	if len(dt.nodes) == 0 {
		return nil, ErrNotTrained
	}
	return json.Marshal(treeState{
		Params:    dt.params,
		NFeatures: dt.nFeatures,
		NClasses:  dt.nClasses,
		Nodes:     dt.nodes,
	})
}

func (dt *DecisionTree) UnmarshalJSON(payload []byte) error {
	var state treeState
	if err := json.Unmarshal(payload, &state); err != nil {
		return err
	}
	if err := state.validate(); err != nil {
		return err
	}
	dt.params = state.Params
	dt.nFeatures = state.NFeatures
	dt.nClasses = state.NClasses
	dt.nodes = state.Nodes
	return nil
}

func (s *treeState) validate() error {
	if len(s.Nodes) == 0 {
		return ErrNotTrained
	}
	if s.NFeatures <= 0 || s.NClasses <= 0 {
		return fmt.Errorf("%w: n_features=%d n_classes=%d", ErrInvalidTree, s.NFeatures, s.NClasses)
	}
	for i, node := range s.Nodes {
		if node.IsLeaf {
			if node.ClassLabel < 0 || node.ClassLabel >= s.NClasses {
				return fmt.Errorf("%w: node %d has class %d", ErrInvalidTree, i, node.ClassLabel)
			}
			if len(node.Counts) != 0 && len(node.Counts) != s.NClasses {
				return fmt.Errorf("%w: node %d has %d class counts", ErrInvalidTree, i, len(node.Counts))
			}
			continue
		}
		if node.FeatureIdx < 0 || node.FeatureIdx >= s.NFeatures {
			return fmt.Errorf("%w: node %d splits on feature %d", ErrInvalidTree, i, node.FeatureIdx)
		}
		// pre-order layout: children always come after the parent
		if node.LeftChild <= i || node.LeftChild >= len(s.Nodes) ||
			node.RightChild <= i || node.RightChild >= len(s.Nodes) {
			return fmt.Errorf("%w: node %d has children %d/%d", ErrInvalidTree, i, node.LeftChild, node.RightChild)
		}
	}
	return nil
}

func (dt *DecisionTree) buildNode(features [][]float64, labels []int, idx []int, depth int) []TreeNode {
	counts := classCounts(labels, idx, dt.nClasses)
	label := argmaxInt(counts)
	leaf := []TreeNode{{
		FeatureIdx: -1,
		LeftChild:  -1,
		RightChild: -1,
		ClassLabel: label,
		IsLeaf:     true,
		Counts:     counts,
	}}

	if len(idx) < dt.params.MinSamplesSplit || isPure(counts) {
		return leaf
	}
	if dt.params.MaxDepth > 0 && depth >= dt.params.MaxDepth {
		return leaf
	}

	bestFeature, threshold, ok := dt.findBestSplit(features, labels, idx)
	if !ok {
		return leaf
	}

	leftIdx, rightIdx := splitIndices(features, idx, bestFeature, threshold)
	if len(leftIdx) == 0 || len(rightIdx) == 0 {
		return leaf
	}

	leftNodes := dt.buildNode(features, labels, leftIdx, depth+1)
	rightNodes := dt.buildNode(features, labels, rightIdx, depth+1)

	root := TreeNode{
		FeatureIdx: bestFeature,
		Threshold:  threshold,
		LeftChild:  1,
		RightChild: 1 + len(leftNodes),
		ClassLabel: label,
		IsLeaf:     false,
	}

	nodes := make([]TreeNode, 0, 1+len(leftNodes)+len(rightNodes))
	nodes = append(nodes, root)
	nodes = append(nodes, offsetChildren(leftNodes, 1)...)
	nodes = append(nodes, offsetChildren(rightNodes, 1+len(leftNodes))...)
	return nodes
}

// offsetChildren shifts child indices of a subtree placed at offset.
func offsetChildren(nodes []TreeNode, offset int) []TreeNode {
	for i := range nodes {
		if !nodes[i].IsLeaf {
			nodes[i].LeftChild += offset
			nodes[i].RightChild += offset
		}
	}
	return nodes
}

// findBestSplit scans the candidate features in random order. Once
// MaxFeatures features have been looked at it stops, unless none of them
// produced a valid split yet.
func (dt *DecisionTree) findBestSplit(features [][]float64, labels []int, idx []int) (int, float64, bool) {
	order := make([]int, dt.nFeatures)
	for i := range order {
		order[i] = i
	}
	limit := dt.nFeatures
	if dt.params.MaxFeatures > 0 && dt.params.MaxFeatures < dt.nFeatures {
		limit = dt.params.MaxFeatures
		dt.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	bestFeature := -1
	bestThreshold := 0.0
	bestImpurity := math.MaxFloat64

	sorted := make([]int, len(idx))
	for visited, featureIdx := range order {
		if visited >= limit && bestFeature != -1 {
			break
		}
		copy(sorted, idx)
		sort.Slice(sorted, func(a, b int) bool {
			return features[sorted[a]][featureIdx] < features[sorted[b]][featureIdx]
		})

		threshold, impurity, ok := bestThresholdFor(features, labels, sorted, featureIdx, dt.nClasses)
		if ok && impurity < bestImpurity {
			bestImpurity = impurity
			bestFeature = featureIdx
			bestThreshold = threshold
		}
	}
	if bestFeature == -1 {
		return -1, 0, false
	}
	return bestFeature, bestThreshold, true
}

// bestThresholdFor sweeps the rows sorted by one feature and returns the
// midpoint threshold with the lowest weighted Gini impurity.
func bestThresholdFor(features [][]float64, labels []int, sorted []int, featureIdx, nClasses int) (float64, float64, bool) {
	right := classCounts(labels, sorted, nClasses)
	left := make([]int, nClasses)
	total := len(sorted)

	best := math.MaxFloat64
	threshold := 0.0
	found := false
	for i := 0; i < total-1; i++ {
		label := labels[sorted[i]]
		left[label]++
		right[label]--

		current := features[sorted[i]][featureIdx]
		next := features[sorted[i+1]][featureIdx]
		if current == next {
			continue
		}
		nLeft := i + 1
		impurity := (float64(nLeft)*giniCounts(left, nLeft) + float64(total-nLeft)*giniCounts(right, total-nLeft)) / float64(total)
		if impurity < best {
			best = impurity
			threshold = current + (next-current)/2
			// guard against the midpoint rounding up to next
			if threshold >= next {
				threshold = current
			}
			found = true
		}
	}
	return threshold, best, found
}

func splitIndices(features [][]float64, idx []int, featureIdx int, threshold float64) ([]int, []int) {
	left := make([]int, 0, len(idx))
	right := make([]int, 0, len(idx))
	for _, i := range idx {
		if features[i][featureIdx] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	return left, right
}

func classCounts(labels []int, idx []int, nClasses int) []int {
	counts := make([]int, nClasses)
	for _, i := range idx {
		counts[labels[i]]++
	}
	return counts
}

func giniCounts(counts []int, total int) float64 {
	if total == 0 {
		return 0
	}
	impurity := 1.0
	for _, count := range counts {
		prob := float64(count) / float64(total)
		impurity -= prob * prob
	}
	return impurity
}

func isPure(counts []int) bool {
	nonZero := 0
	for _, c := range counts {
		if c > 0 {
			nonZero++
		}
	}
	return nonZero <= 1
}

// argmax returns the first index holding the maximum, so ties go to the
// lowest class label.
func argmax(values []float64) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}

func argmaxInt(values []int) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}

func validateTrainingSet(features [][]float64, labels []int) (int, int, error) {
	if len(features) == 0 || len(labels) == 0 {
		return 0, 0, ErrEmptyDataset
	}
	if len(features) != len(labels) {
		return 0, 0, ErrSizeMismatch
	}
	nFeatures := len(features[0])
	if nFeatures == 0 {
		return 0, 0, fmt.Errorf("%w: row 0 has no features", ErrEmptyDataset)
	}
	maxLabel := 0
	for i, row := range features {
		if len(row) != nFeatures {
			return 0, 0, fmt.Errorf("%w: row %d has %d values, want %d", ErrFeatureCount, i, len(row), nFeatures)
		}
		for _, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return 0, 0, fmt.Errorf("%w: row %d", ErrNonFinite, i)
			}
		}
		if labels[i] < 0 {
			return 0, 0, errors.New("labels must be non-negative")
		}
		if labels[i] > maxLabel {
			maxLabel = labels[i]
		}
	}
	return nFeatures, maxLabel + 1, nil
}
