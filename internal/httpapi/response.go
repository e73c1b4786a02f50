package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/parlakisik/campus-exchange/internal/service"
)

type apiError struct {
	Code      string `json:"code"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	RequestID string `json:"request_id,omitempty"`
}

var kindStatus = map[service.Kind]int{
	service.KindValidation:        http.StatusBadRequest,
	service.KindAuthorization:     http.StatusForbidden,
	service.KindNotFound:          http.StatusNotFound,
	service.KindConflict:          http.StatusConflict,
	service.KindInsufficientFunds: http.StatusUnprocessableEntity,
	service.KindContractDisputed:  http.StatusLocked,
	service.KindInternal:          http.StatusInternalServerError,
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, e apiError) {
	e.RequestID = RequestIDFrom(r.Context())
	respondJSON(w, status, map[string]any{"error": e})
}

// respondError maps engine errors onto their HTTP status. Anything else is an
// infrastructure failure and is logged, not echoed.
func respondError(w http.ResponseWriter, r *http.Request, op string, err error) {
	var e *service.Error
	if errors.As(err, &e) {
		status, ok := kindStatus[e.Kind]
		if !ok {
			status = http.StatusInternalServerError
		}
		writeError(w, r, status, apiError{
			Code:      e.Code,
			Kind:      string(e.Kind),
			Message:   e.Message,
			Retryable: e.Retryable,
		})
		return
	}

	slog.ErrorContext(r.Context(), op+"_failed", "error", err, "request_id", RequestIDFrom(r.Context()))
	writeError(w, r, http.StatusInternalServerError, apiError{
		Code:    "internal_error",
		Kind:    string(service.KindInternal),
		Message: "An internal error occurred",
	})
}

// decodeJSON reads an optional JSON body into dst. An empty body leaves dst
// untouched.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return service.ErrInvalidInput.Withf("invalid request body: %v", err)
	}
	return nil
}
