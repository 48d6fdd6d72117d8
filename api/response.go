package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/xraph/lister"
)

type envelope struct {
	Data any `json:"data"`
}

type collectionEnvelope struct {
	Data  any   `json:"data"`
	Total int64 `json:"total"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondData(w http.ResponseWriter, status int, data any) {
	respondJSON(w, status, envelope{Data: data})
}

func respondCollection(w http.ResponseWriter, data any, total int64) {
	respondJSON(w, http.StatusOK, collectionEnvelope{Data: data, Total: total})
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: message}})
}

// respondStoreError maps sentinel errors onto HTTP statuses.
func respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, lister.ErrJobNotFound),
		errors.Is(err, lister.ErrScheduleNotFound),
		errors.Is(err, lister.ErrUploadNotFound):
		respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, lister.ErrAlreadyClaimed),
		errors.Is(err, lister.ErrJobAlreadyExists),
		errors.Is(err, lister.ErrDuplicateSchedule),
		errors.Is(err, lister.ErrInvalidState),
		errors.Is(err, lister.ErrUploadSealed),
		errors.Is(err, lister.ErrRetriesExhausted):
		respondError(w, http.StatusConflict, "CONFLICT", err.Error())
	case errors.Is(err, lister.ErrMissingColumns):
		respondError(w, http.StatusUnprocessableEntity, "INVALID_CSV", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}
