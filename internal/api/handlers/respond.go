package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/wonny/backtester/internal/contracts"
	"github.com/wonny/backtester/internal/dispatch"
)

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error  string                 `json:"error"`
	Fields []contracts.FieldError `json:"fields,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: message})
}

// respondErr maps domain errors to status codes
// ⭐ SSOT: 에러 -> HTTP 상태 매핑은 여기서만
func respondErr(w http.ResponseWriter, err error) {
	var invalid *contracts.ConfigValidationError
	switch {
	case errors.As(err, &invalid):
		respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid job spec", Fields: invalid.Errors})
	case errors.Is(err, contracts.ErrNotFound):
		respondError(w, http.StatusNotFound, "backtest not found")
	case errors.Is(err, dispatch.ErrAlreadyFinished):
		respondError(w, http.StatusConflict, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal server error")
	}
}
