package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"modelserve/db"
	"modelserve/ml"
)

type fakeModel struct {
	mu         sync.Mutex
	label      int
	confidence float64
	err        error
	panics     bool
	calls      int
}

func (f *fakeModel) Predict(features []float64) (int, float64, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.panics {
		panic("boom")
	}
	return f.label, f.confidence, f.err
}

func (f *fakeModel) FeatureCount() int { return 4 }

type fakeRecorder struct {
	mu    sync.Mutex
	saved []db.Prediction
	err   error
}

func (f *fakeRecorder) SavePrediction(ctx context.Context, p db.Prediction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, p)
	return f.err
}

func fakeArtifact(model ml.Classifier) *ml.Artifact {
	return &ml.Artifact{
		Metadata: ml.Metadata{ModelType: ml.TypeRandomForest, FeatureCount: 4, Classes: []int{0, 1, 2}},
		Model:    model,
	}
}

func newTestRouter(t *testing.T, opts Options) http.Handler {
	t.Helper()
	h, err := NewHandler(opts)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	return NewRouter(h)
}

func doPredict(router http.Handler, contentType, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/predict", strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandlePredict(t *testing.T) {
	router := newTestRouter(t, Options{Artifact: fakeArtifact(&fakeModel{label: 2, confidence: 0.75})})

	w := doPredict(router, "application/json", `{"features":[6.7,3.0,5.2,2.3]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if got := strings.TrimSpace(w.Body.String()); got != `{"prediction":2}` {
		t.Fatalf("unexpected body: %s", got)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected X-Request-ID header")
	}
}

func TestHandlePredictErrors(t *testing.T) {
	model := &fakeModel{label: 1}
	router := newTestRouter(t, Options{Artifact: fakeArtifact(model), MaxBodyBytes: 256})

	cases := []struct {
		name        string
		contentType string
		body        string
		status      int
	}{
		{"missing features", "application/json", `{"values":[1,2,3,4]}`, http.StatusBadRequest},
		{"null features", "application/json", `{"features":null}`, http.StatusBadRequest},
		{"too few features", "application/json", `{"features":[1,2,3]}`, http.StatusBadRequest},
		{"too many features", "application/json", `{"features":[1,2,3,4,5]}`, http.StatusBadRequest},
		{"empty features", "application/json", `{"features":[]}`, http.StatusBadRequest},
		{"non-numeric", "application/json", `{"features":[1,"a",3,4]}`, http.StatusBadRequest},
		{"not an array", "application/json", `{"features":"1,2,3,4"}`, http.StatusBadRequest},
		{"null element", "application/json", `{"features":[null,2,3,4]}`, http.StatusBadRequest},
		{"all null elements", "application/json", `{"features":[null,null,null,null]}`, http.StatusBadRequest},
		{"nested array", "application/json", `{"features":[[1],2,3,4]}`, http.StatusBadRequest},
		{"empty body", "application/json", ``, http.StatusBadRequest},
		{"malformed json", "application/json", `{"features":[1,2,`, http.StatusBadRequest},
		{"trailing data", "application/json", `{"features":[1,2,3,4]} {}`, http.StatusBadRequest},
		{"wrong content type", "text/plain", `{"features":[1,2,3,4]}`, http.StatusUnsupportedMediaType},
		{"too large", "application/json", `{"features":[` + strings.Repeat("1,", 200) + `1]}`, http.StatusRequestEntityTooLarge},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doPredict(router, tc.contentType, tc.body)
			if w.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, w.Code, w.Body.String())
			}
			var resp ErrorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("invalid json: %v", err)
			}
			if resp.Error == "" {
				t.Fatal("expected error message")
			}
		})
	}

	if model.calls != 0 {
		t.Fatalf("model should not be called for rejected requests, got %d calls", model.calls)
	}
}

func TestHandlePredictWithoutContentType(t *testing.T) {
	router := newTestRouter(t, Options{Artifact: fakeArtifact(&fakeModel{label: 1})})

	w := doPredict(router, "", `{"features":[1,2,3,4]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doPredict(router, "application/json; charset=utf-8", `{"features":[1,2,3,4]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with charset parameter, got %d", w.Code)
	}
}

func TestHandlePredictModelNotLoaded(t *testing.T) {
	router := newTestRouter(t, Options{})

	w := doPredict(router, "application/json", `{"features":[1,2,3,4]}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestHandlePredictModelFailure(t *testing.T) {
	router := newTestRouter(t, Options{Artifact: fakeArtifact(&fakeModel{err: errors.New("tree corrupted")})})

	w := doPredict(router, "application/json", `{"features":[1,2,3,4]}`)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "tree corrupted") {
		t.Fatalf("internal error detail leaked: %s", w.Body.String())
	}
}

func TestHandlePredictRecoversPanic(t *testing.T) {
	router := newTestRouter(t, Options{Artifact: fakeArtifact(&fakeModel{panics: true})})

	w := doPredict(router, "application/json", `{"features":[1,2,3,4]}`)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}

	// The server keeps serving after a panic.
	w = doPredict(router, "application/json", `{"features":[1,2,3]}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 after recovery, got %d", w.Code)
	}
}

func TestHandlePredictUsesCache(t *testing.T) {
	model := &fakeModel{label: 1, confidence: 0.9}
	router := newTestRouter(t, Options{Artifact: fakeArtifact(model), CacheSize: 8})

	for i := 0; i < 3; i++ {
		w := doPredict(router, "application/json", `{"features":[1,2,3,4]}`)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
	}
	doPredict(router, "application/json", `{"features":[1,2,3,5]}`)

	if model.calls != 2 {
		t.Fatalf("expected 2 model calls, got %d", model.calls)
	}
}

func TestHandlePredictRecordsPrediction(t *testing.T) {
	recorder := &fakeRecorder{}
	router := newTestRouter(t, Options{
		Artifact: fakeArtifact(&fakeModel{label: 2, confidence: 0.5}),
		Recorder: recorder,
	})

	req := httptest.NewRequest(http.MethodPost, "/predict", strings.NewReader(`{"features":[1,2,3,4]}`))
	req.Header.Set("X-Request-ID", "5b0d7a3e-6a4f-4f55-9d4e-0c3f0f6f1a2b")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if len(recorder.saved) != 1 {
		t.Fatalf("expected 1 recorded prediction, got %d", len(recorder.saved))
	}
	got := recorder.saved[0]
	if got.RequestID != "5b0d7a3e-6a4f-4f55-9d4e-0c3f0f6f1a2b" || got.Label != 2 || got.ModelType != ml.TypeRandomForest {
		t.Fatalf("unexpected record: %+v", got)
	}

	recorder.err = errors.New("disk full")
	w = doPredict(router, "application/json", `{"features":[1,2,3,4]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("recorder failure must not fail the request, got %d", w.Code)
	}
}

func TestHandlePredictMethodNotAllowed(t *testing.T) {
	router := newTestRouter(t, Options{Artifact: fakeArtifact(&fakeModel{})})

	req := httptest.NewRequest(http.MethodGet, "/predict", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
}

func trainIrisArtifact(t *testing.T) *ml.Artifact {
	t.Helper()
	ds, err := ml.LoadIris()
	if err != nil {
		t.Fatalf("load iris: %v", err)
	}
	params := ml.DefaultForestParams()
	params.NEstimators = 25
	forest := ml.NewRandomForest(params)
	if err := forest.Train(ds.Features, ds.Labels); err != nil {
		t.Fatalf("train: %v", err)
	}

	path := filepath.Join(t.TempDir(), "model.json")
	meta := ml.Metadata{FeatureNames: ds.FeatureNames, Classes: ds.Classes(), ClassNames: ds.ClassNames, Seed: params.Seed, DataPoints: ds.Len()}
	if err := ml.SaveArtifact(path, forest, meta); err != nil {
		t.Fatalf("save: %v", err)
	}
	artifact, err := ml.LoadModel(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return artifact
}

func TestPredictIrisEndToEnd(t *testing.T) {
	store, err := db.Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	router := newTestRouter(t, Options{Artifact: trainIrisArtifact(t), CacheSize: 16, Recorder: store})

	w := doPredict(router, "application/json", `{"features":[5.1,3.5,1.4,0.2]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp PredictionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if resp.Prediction != 0 {
		t.Fatalf("expected setosa (0), got %d", resp.Prediction)
	}

	rows, err := store.RecentPredictions(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent predictions: %v", err)
	}
	if len(rows) != 1 || rows[0].Label != 0 {
		t.Fatalf("unexpected audit rows: %+v", rows)
	}
}

func TestPredictConcurrentRequests(t *testing.T) {
	router := newTestRouter(t, Options{Artifact: trainIrisArtifact(t)})

	bodies := []string{
		`{"features":[5.1,3.5,1.4,0.2]}`,
		`{"features":[6.0,2.2,4.0,1.0]}`,
		`{"features":[7.7,3.0,6.1,2.3]}`,
	}
	want := make([]int, len(bodies))
	for i, body := range bodies {
		w := doPredict(router, "application/json", body)
		var resp PredictionResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("invalid json: %v", err)
		}
		want[i] = resp.Prediction
	}

	var wg sync.WaitGroup
	errs := make(chan string, 64)
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i, body := range bodies {
				w := doPredict(router, "application/json", body)
				var resp PredictionResponse
				if w.Code != http.StatusOK || json.Unmarshal(w.Body.Bytes(), &resp) != nil || resp.Prediction != want[i] {
					errs <- w.Body.String()
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Errorf("inconsistent concurrent response: %s", e)
	}
}
