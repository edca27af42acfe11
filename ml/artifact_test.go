package ml

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSaveAndLoadArtifact(t *testing.T) {
	params := DefaultForestParams()
	params.NEstimators = 10
	forest, ds := trainIrisForest(t, params)

	path := filepath.Join(t.TempDir(), "models", "iris.json")
	meta := Metadata{
		FeatureNames: ds.FeatureNames,
		Classes:      ds.Classes(),
		ClassNames:   ds.ClassNames,
		Seed:         params.Seed,
		DataPoints:   ds.Len(),
	}
	if err := SaveArtifact(path, forest, meta); err != nil {
		t.Fatalf("save: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected mode 0600, got %v", info.Mode().Perm())
	}

	artifact, err := LoadModel(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if artifact.Metadata.ModelType != TypeRandomForest {
		t.Fatalf("unexpected model type %q", artifact.Metadata.ModelType)
	}
	if artifact.Metadata.FeatureCount != 4 {
		t.Fatalf("unexpected feature count %d", artifact.Metadata.FeatureCount)
	}
	if artifact.Metadata.TrainedAt.IsZero() {
		t.Fatal("trained_at not set")
	}

	for i, row := range ds.Features {
		want, wantConf, err := forest.Predict(row)
		if err != nil {
			t.Fatalf("row %d: %v", i, err)
		}
		got, gotConf, err := artifact.Model.Predict(row)
		if err != nil {
			t.Fatalf("row %d: %v", i, err)
		}
		if got != want || gotConf != wantConf {
			t.Fatalf("row %d: loaded model predicts %d/%v, trained model %d/%v", i, got, gotConf, want, wantConf)
		}
	}
}

func TestSaveArtifactRequiresTrainedModel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.json")
	err := SaveArtifact(path, NewDecisionTree(TreeParams{}, nil), Metadata{Classes: []int{0, 1}})
	if err == nil {
		t.Fatal("expected error saving an untrained model")
	}
	if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
		t.Fatalf("no file should be left behind, stat: %v", statErr)
	}
}

func TestLoadModelErrors(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
		return path
	}

	if _, err := LoadModel(filepath.Join(dir, "missing.json")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}

	if _, err := LoadModel(write("corrupt.json", "{not json")); err == nil {
		t.Fatal("expected error for corrupt artifact")
	}

	unknown := write("unknown.json", `{"model_type":"svm","feature_count":4,"classes":[0,1],"model":{}}`)
	if _, err := LoadModel(unknown); !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("expected ErrUnsupportedType, got %v", err)
	}

	noFeatures := write("nofeatures.json", `{"model_type":"decision_tree","feature_count":0,"classes":[0],"model":{}}`)
	if _, err := LoadModel(noFeatures); err == nil || !strings.Contains(err.Error(), "feature_count") {
		t.Fatalf("expected feature_count error, got %v", err)
	}

	mismatch := write("mismatch.json", `{"model_type":"decision_tree","feature_count":3,"classes":[0,1],
		"model":{"n_features":2,"n_classes":2,"nodes":[{"is_leaf":true,"class_label":1,"counts":[0,4]}]}}`)
	if _, err := LoadModel(mismatch); !errors.Is(err, ErrFeatureCount) {
		t.Fatalf("expected ErrFeatureCount, got %v", err)
	}

	extraClass := write("extraclass.json", `{"model_type":"decision_tree","feature_count":2,"classes":[0,1,2],
		"model":{"n_features":2,"n_classes":2,"nodes":[{"is_leaf":true,"class_label":1,"counts":[0,4]}]}}`)
	if _, err := LoadModel(extraClass); !errors.Is(err, ErrClassCount) {
		t.Fatalf("expected ErrClassCount, got %v", err)
	}

	renumbered := write("renumbered.json", `{"model_type":"decision_tree","feature_count":2,"classes":[1,2],
		"model":{"n_features":2,"n_classes":2,"nodes":[{"is_leaf":true,"class_label":1,"counts":[0,4]}]}}`)
	if _, err := LoadModel(renumbered); !errors.Is(err, ErrClassCount) {
		t.Fatalf("expected ErrClassCount, got %v", err)
	}
}

func TestSaveArtifactRejectsClassMismatch(t *testing.T) {
	params := DefaultForestParams()
	params.NEstimators = 5
	forest, _ := trainIrisForest(t, params)

	path := filepath.Join(t.TempDir(), "model.json")
	err := SaveArtifact(path, forest, Metadata{Classes: []int{0, 1}})
	if !errors.Is(err, ErrClassCount) {
		t.Fatalf("expected ErrClassCount, got %v", err)
	}
	if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
		t.Fatalf("no file should be left behind, stat: %v", statErr)
	}
}

func TestNewModel(t *testing.T) {
	for _, modelType := range []string{TypeDecisionTree, TypeRandomForest} {
		model, err := NewModel(modelType, DefaultForestParams())
		if err != nil {
			t.Fatalf("%s: %v", modelType, err)
		}
		if model.Type() != modelType {
			t.Fatalf("expected %s, got %s", modelType, model.Type())
		}
	}
	if _, err := NewModel("svm", DefaultForestParams()); !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("expected ErrUnsupportedType, got %v", err)
	}
}
