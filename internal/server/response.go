package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rickgao/binary-engine/internal/model"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string  `json:"error"`
	Field   string  `json:"field,omitempty"`
	Missing []int64 `json:"missing,omitempty"`
	// MissingCount is the full gap size; Missing may be truncated.
	MissingCount int64 `json:"missingCount,omitempty"`
}

// SuccessResponse wraps successful payloads.
type SuccessResponse struct {
	Data any `json:"data"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, SuccessResponse{Data: data})
}

// statusFor maps engine errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, model.ErrAccountNotFound), errors.Is(err, model.ErrTradeNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrResetNotAllowed),
		errors.Is(err, model.ErrSettlementConflict),
		errors.Is(err, model.ErrAccountExists),
		errors.Is(err, model.ErrCandleGap):
		return http.StatusConflict
	case errors.Is(err, model.ErrNotReady):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: err.Error()}
	if status == http.StatusInternalServerError {
		resp.Error = "internal error"
	}

	var verr *model.ValidationError
	if errors.As(err, &verr) {
		resp.Field = verr.Field
	}
	var gap *model.GapError
	if errors.As(err, &gap) {
		resp.Missing = gap.Missing
		resp.MissingCount = gap.MissingCount
	}
	writeJSON(w, status, resp)
}

func badRequest(w http.ResponseWriter, field, reason string) {
	writeError(w, &model.ValidationError{Field: field, Reason: reason})
}
