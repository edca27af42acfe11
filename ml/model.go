package ml

import "errors"

var (
	ErrNotTrained      = errors.New("model not trained")
	ErrFeatureCount    = errors.New("feature count mismatch")
	ErrEmptyDataset    = errors.New("features or labels empty")
	ErrSizeMismatch    = errors.New("features and labels size mismatch")
	ErrNonFinite       = errors.New("non-finite feature value")
	ErrInvalidTree     = errors.New("invalid tree state")
	ErrUnsupportedType = errors.New("unsupported model type")
	ErrClassCount      = errors.New("class list does not match model")
)

// Classifier is the read-only surface the server needs from a trained model.
type Classifier interface {
	Predict(features []float64) (int, float64, error)
	FeatureCount() int
}

// MLModel is a classifier that can be fitted.
type MLModel interface {
	Classifier
	Train(features [][]float64, labels []int) error
	Type() string
	ClassCount() int
}
