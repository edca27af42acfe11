package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Metadata describes a persisted model. It travels in the artifact next to
// the model payload and is what GET /model reports.
type Metadata struct {
	ModelType    string    `json:"model_type"`
	FeatureCount int       `json:"feature_count"`
	FeatureNames []string  `json:"feature_names,omitempty"`
	Classes      []int     `json:"classes"`
	ClassNames   []string  `json:"class_names,omitempty"`
	TrainedAt    time.Time `json:"trained_at"`
	Seed         int64     `json:"seed"`
	DataPoints   int       `json:"data_points"`
}

// Artifact is a loaded, read-only model together with its metadata.
type Artifact struct {
	Metadata Metadata
	Model    Classifier
}

type envelope struct {
	Metadata
	Model json.RawMessage `json:"model"`
}

func (m Metadata) validate() error {
	if m.FeatureCount <= 0 {
		return fmt.Errorf("feature_count must be positive, got %d", m.FeatureCount)
	}
	if len(m.Classes) == 0 {
		return errors.New("artifact has no classes")
	}
	if len(m.FeatureNames) != 0 && len(m.FeatureNames) != m.FeatureCount {
		return fmt.Errorf("%d feature names for %d features", len(m.FeatureNames), m.FeatureCount)
	}
	if len(m.ClassNames) != 0 && len(m.ClassNames) != len(m.Classes) {
		return fmt.Errorf("%d class names for %d classes", len(m.ClassNames), len(m.Classes))
	}
	return nil
}

// SaveArtifact writes model and meta to path. The file is written to a
// temporary sibling first and renamed, so readers never see a partial file.
func SaveArtifact(path string, model MLModel, meta Metadata) error {
	meta.ModelType = model.Type()
	meta.FeatureCount = model.FeatureCount()
	if meta.TrainedAt.IsZero() {
		meta.TrainedAt = time.Now().UTC()
	}
	if err := meta.validate(); err != nil {
		return err
	}
	if err := checkClasses(meta.Classes, model.ClassCount()); err != nil {
		return err
	}

	payload, err := json.Marshal(model)
	if err != nil {
		return fmt.Errorf("encode model: %w", err)
	}
	data, err := json.Marshal(envelope{Metadata: meta, Model: payload})
	if err != nil {
		return fmt.Errorf("encode artifact: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ReadArtifact decodes an artifact produced by SaveArtifact.
func ReadArtifact(data []byte) (*Artifact, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	if len(env.Model) == 0 {
		return nil, errors.New("artifact has no model payload")
	}
	if err := env.Metadata.validate(); err != nil {
		return nil, err
	}

	var model MLModel
	switch env.ModelType {
	case TypeDecisionTree:
		tree := &DecisionTree{}
		if err := json.Unmarshal(env.Model, tree); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.ModelType, err)
		}
		model = tree
	case TypeRandomForest:
		forest := &RandomForest{}
		if err := json.Unmarshal(env.Model, forest); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.ModelType, err)
		}
		model = forest
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, env.ModelType)
	}

	if model.FeatureCount() != env.FeatureCount {
		return nil, fmt.Errorf("%w: metadata says %d, model has %d", ErrFeatureCount, env.FeatureCount, model.FeatureCount())
	}
	if err := checkClasses(env.Classes, model.ClassCount()); err != nil {
		return nil, err
	}
	return &Artifact{Metadata: env.Metadata, Model: model}, nil
}

// checkClasses requires classes to be exactly the labels 0..nClasses-1 the
// model can predict.
func checkClasses(classes []int, nClasses int) error {
	if len(classes) != nClasses {
		return fmt.Errorf("%w: metadata lists %d classes, model has %d", ErrClassCount, len(classes), nClasses)
	}
	for i, c := range classes {
		if c != i {
			return fmt.Errorf("%w: class %d at position %d, want %d", ErrClassCount, c, i, i)
		}
	}
	return nil
}
