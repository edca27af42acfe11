package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"modelserve/db"
	"modelserve/ml"
)

// PredictionRecorder persists served predictions. *db.Store implements it.
type PredictionRecorder interface {
	SavePrediction(ctx context.Context, p db.Prediction) error
}

type Options struct {
	// Artifact is the loaded model; nil makes /predict answer 503.
	Artifact     *ml.Artifact
	CacheSize    int
	MaxBodyBytes int64
	Recorder     PredictionRecorder
	Log          *zap.Logger
}

// Handler serves the inference API. It shares one read-only model across
// all requests.
type Handler struct {
	artifact *ml.Artifact
	cache    *predictionCache
	recorder PredictionRecorder
	log      *zap.Logger
	maxBody  int64
}

func NewHandler(opts Options) (*Handler, error) {
	cache, err := newPredictionCache(opts.CacheSize)
	if err != nil {
		return nil, err
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		artifact: opts.Artifact,
		cache:    cache,
		recorder: opts.Recorder,
		log:      log,
		maxBody:  opts.MaxBodyBytes,
	}, nil
}

// NewRouter wires routes and middleware.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(Chain(
		// outermost, so recovered panics are logged as 500
		LoggerMiddleware(h.log),
		RecoveryMiddleware(h.log),
		RequestSizeMiddleware(h.maxBody),
	))
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusNotFound, ErrorResponse{Error: "not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Error: "method not allowed"})
	})

	r.Get("/health", h.handleHealth)
	r.Get("/model", h.handleModelInfo)
	r.Post("/predict", h.handlePredict)
	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.artifact == nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleModelInfo(w http.ResponseWriter, r *http.Request) {
	if h.artifact == nil {
		WriteError(w, ErrModelNotLoaded)
		return
	}
	WriteJSON(w, http.StatusOK, h.artifact.Metadata)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, _ := ToHTTPResponse(err)
	fields := []zap.Field{
		zap.String("request_id", GetRequestID(r.Context())),
		zap.Int("status", status),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError && !errors.Is(err, ErrModelNotLoaded) {
		h.log.Error("prediction failed", fields...)
	} else {
		h.log.Debug("request rejected", fields...)
	}
	WriteError(w, err)
}
