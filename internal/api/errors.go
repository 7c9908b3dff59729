package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/emperorhan/cargo-escrow/internal/apperror"
)

type errorBody struct {
	Code     apperror.Code `json:"code"`
	Category apperror.Kind `json:"category"`
	Message  string        `json:"message"`
}

type errorEnvelope struct {
	RequestID string    `json:"request_id,omitempty"`
	Error     errorBody `json:"error"`
}

var kindStatus = map[apperror.Kind]int{
	apperror.KindValidation:    http.StatusBadRequest,
	apperror.KindNotFound:      http.StatusNotFound,
	apperror.KindConflict:      http.StatusConflict,
	apperror.KindAuthorization: http.StatusForbidden,
	apperror.KindInternal:      http.StatusInternalServerError,
}

// codeStatus overrides the kind mapping for codes the public contract pins
// to a specific status.
var codeStatus = map[apperror.Code]int{
	apperror.CodeOrderNotPaid:          http.StatusBadRequest,
	apperror.CodeAlreadyConfirmed:      http.StatusBadRequest,
	apperror.CodeAlreadySigned:         http.StatusBadRequest,
	apperror.CodeInsufficientBalance:   http.StatusBadRequest,
	apperror.CodeContractAlreadyExists: http.StatusConflict,
	apperror.CodeUnauthenticated:       http.StatusUnauthorized,
	apperror.CodeNonceExpired:          http.StatusUnauthorized,
	codeRateLimited:                    http.StatusTooManyRequests,
}

func statusFor(err error) int {
	if st, ok := codeStatus[apperror.CodeOf(err)]; ok {
		return st
	}
	if st, ok := kindStatus[apperror.KindOf(err)]; ok {
		return st
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorWriter renders err as the error envelope. Internal failures are
// logged with the request ID and answered with a generic message.
func errorWriter(logger *slog.Logger) func(w http.ResponseWriter, r *http.Request, err error) {
	return func(w http.ResponseWriter, r *http.Request, err error) {
		writeErrorStatus(w, r, logger, err, statusFor(err))
	}
}

func writeErrorStatus(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error, status int) {
	reqID := RequestIDFrom(r.Context())
	body := errorBody{
		Code:     apperror.CodeOf(err),
		Category: apperror.KindOf(err),
		Message:  "internal error",
	}

	var appErr *apperror.Error
	switch {
	case errors.As(err, &appErr) && appErr.Kind != apperror.KindInternal:
		body.Message = appErr.Message
	case errors.As(err, &appErr) && appErr.Code == apperror.CodeReconciliationRequired:
		body.Message = appErr.Message
		logger.Error("request failed", "request_id", reqID, "method", r.Method, "path", r.URL.Path, "error", err)
	default:
		logger.Error("request failed", "request_id", reqID, "method", r.Method, "path", r.URL.Path, "error", err)
	}

	writeJSON(w, status, errorEnvelope{RequestID: reqID, Error: body})
}
