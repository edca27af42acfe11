package ml

import (
	"math"
	"math/rand"
)

// SplitDataset shuffles rows with rng and holds out testRatio of them.
// Ratios outside (0, 1) fall back to 0.2.
func SplitDataset(features [][]float64, labels []int, testRatio float64, rng *rand.Rand) (trainX [][]float64, trainY []int, testX [][]float64, testY []int) {
	if testRatio <= 0 || testRatio >= 1 {
		testRatio = 0.2
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(DefaultSeed))
	}
	indices := rng.Perm(len(features))

	split := int(math.Round(float64(len(features)) * (1 - testRatio)))
	for i, idx := range indices {
		if i < split {
			trainX = append(trainX, features[idx])
			trainY = append(trainY, labels[idx])
		} else {
			testX = append(testX, features[idx])
			testY = append(testY, labels[idx])
		}
	}
	return trainX, trainY, testX, testY
}

type Evaluation struct {
	Accuracy  float64 `json:"accuracy"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	Samples   int     `json:"samples"`
}

// Evaluate scores model on a held-out set. Precision and recall are
// macro-averaged over the classes present in testY or predicted.
func Evaluate(model Classifier, testX [][]float64, testY []int) Evaluation {
	if len(testX) == 0 {
		return Evaluation{}
	}

	var correct int
	truePositive := make(map[int]int)
	predicted := make(map[int]int)
	actual := make(map[int]int)

	for i, feature := range testX {
		actual[testY[i]]++
		label, _, err := model.Predict(feature)
		if err != nil {
			continue
		}
		predicted[label]++
		if label == testY[i] {
			correct++
			truePositive[label]++
		}
	}

	classes := make(map[int]struct{})
	for c := range actual {
		classes[c] = struct{}{}
	}
	for c := range predicted {
		classes[c] = struct{}{}
	}

	var precision, recall float64
	for c := range classes {
		if predicted[c] > 0 {
			precision += float64(truePositive[c]) / float64(predicted[c])
		}
		if actual[c] > 0 {
			recall += float64(truePositive[c]) / float64(actual[c])
		}
	}

	return Evaluation{
		Accuracy:  float64(correct) / float64(len(testX)),
		Precision: precision / float64(len(classes)),
		Recall:    recall / float64(len(classes)),
		Samples:   len(testX),
	}
}
