package ml

import (
	"fmt"
	"os"
)

// LoadModel reads the artifact at path. It is meant to run once at startup;
// any error means the process cannot serve traffic.
func LoadModel(path string) (*Artifact, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model artifact: %w", err)
	}
	artifact, err := ReadArtifact(payload)
	if err != nil {
		return nil, fmt.Errorf("load model artifact %s: %w", path, err)
	}
	return artifact, nil
}

// NewModel builds an untrained model of the given type.
func NewModel(modelType string, params ForestParams) (MLModel, error) {
	switch modelType {
	case TypeRandomForest:
		return NewRandomForest(params), nil
	case TypeDecisionTree:
		return NewDecisionTree(TreeParams{
			MaxDepth:        params.MaxDepth,
			MinSamplesSplit: params.MinSamplesSplit,
		}, nil), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, modelType)
	}
}
