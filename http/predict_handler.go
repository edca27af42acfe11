package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"modelserve/db"
	"modelserve/ml"
)

type PredictionRequest struct {
	Features json.RawMessage `json:"features"`
}

type PredictionResponse struct {
	Prediction int `json:"prediction"`
}

func (h *Handler) handlePredict(w http.ResponseWriter, r *http.Request) {
	if h.artifact == nil {
		h.writeError(w, r, ErrModelNotLoaded)
		return
	}

	features, err := decodeFeatures(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	want := h.artifact.Model.FeatureCount()
	if len(features) != want {
		h.writeError(w, r, fmt.Errorf("%w: expected %d features, got %d", ml.ErrFeatureCount, want, len(features)))
		return
	}

	cached, ok := h.cache.get(features)
	if !ok {
		label, confidence, err := h.artifact.Model.Predict(features)
		if err != nil {
			h.writeError(w, r, fmt.Errorf("%w: %w", ErrInternal, err))
			return
		}
		cached = cachedPrediction{label: label, confidence: confidence}
		h.cache.add(features, cached)
	}

	h.record(r, features, cached)
	WriteJSON(w, http.StatusOK, PredictionResponse{Prediction: cached.label})
}

// record writes the audit row. Failures are logged only; the prediction
// has already been computed and is still returned.
func (h *Handler) record(r *http.Request, features []float64, p cachedPrediction) {
	if h.recorder == nil {
		return
	}
	err := h.recorder.SavePrediction(r.Context(), db.Prediction{
		RequestID:  GetRequestID(r.Context()),
		ModelType:  h.artifact.Metadata.ModelType,
		Features:   features,
		Label:      p.label,
		Confidence: p.confidence,
	})
	if err != nil {
		h.log.Warn("failed to record prediction",
			zap.String("request_id", GetRequestID(r.Context())),
			zap.Error(err))
	}
}

// decodeFeatures reads {"features": [...]} from the body and rejects
// anything that is not a JSON array of numbers.
func decodeFeatures(r *http.Request) ([]float64, error) {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mediaType, _, err := mime.ParseMediaType(ct)
		if err != nil || !isJSONMediaType(mediaType) {
			return nil, ErrUnsupportedMedia
		}
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, fmt.Errorf("%w: limit is %d bytes", ErrBodyTooLarge, maxErr.Limit)
		}
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, ErrEmptyBody
	}

	var req PredictionRequest
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after JSON object", ErrInvalidJSON)
	}

	raw := bytes.TrimSpace(req.Features)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, ErrMissingFeatures
	}

	// pointers, because encoding/json decodes a null element as 0
	var values []*float64
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, ErrInvalidFeatures
	}
	features := make([]float64, len(values))
	for i, v := range values {
		if v == nil {
			return nil, fmt.Errorf("%w: element %d is null", ErrInvalidFeatures, i)
		}
		features[i] = *v
	}
	return features, nil
}

func isJSONMediaType(mediaType string) bool {
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}
