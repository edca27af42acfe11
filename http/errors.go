package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"modelserve/ml"
)

var (
	ErrModelNotLoaded   = errors.New("model not loaded")
	ErrEmptyBody        = errors.New("request body is empty")
	ErrInvalidJSON      = errors.New("invalid JSON body")
	ErrMissingFeatures  = errors.New(`missing "features" field`)
	ErrInvalidFeatures  = errors.New(`"features" must be an array of numbers`)
	ErrUnsupportedMedia = errors.New("content type must be application/json")
	ErrBodyTooLarge     = errors.New("request body too large")
	ErrInternal         = errors.New("internal server error")
)

type ErrorResponse struct {
	Error string `json:"error"`
}

// ToHTTPResponse maps an error to a status code and the message safe to
// return to the client. Client errors carry their detail; anything
// unrecognised is a 500 with a generic message.
func ToHTTPResponse(err error) (int, string) {
	switch {
	case errors.Is(err, ErrModelNotLoaded):
		return http.StatusServiceUnavailable, ErrModelNotLoaded.Error()
	case errors.Is(err, ErrUnsupportedMedia):
		return http.StatusUnsupportedMediaType, ErrUnsupportedMedia.Error()
	case errors.Is(err, ErrBodyTooLarge):
		return http.StatusRequestEntityTooLarge, ErrBodyTooLarge.Error()
	case errors.Is(err, ErrEmptyBody),
		errors.Is(err, ErrInvalidJSON),
		errors.Is(err, ErrMissingFeatures),
		errors.Is(err, ErrInvalidFeatures),
		errors.Is(err, ml.ErrFeatureCount),
		errors.Is(err, ml.ErrNonFinite):
		return http.StatusBadRequest, err.Error()
	default:
		return http.StatusInternalServerError, ErrInternal.Error()
	}
}

func WriteError(w http.ResponseWriter, err error) {
	code, msg := ToHTTPResponse(err)
	WriteJSON(w, code, ErrorResponse{Error: msg})
}

func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
