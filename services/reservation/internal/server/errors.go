package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"libreserve/internal/util"
	"libreserve/services/reservation/internal/app"
)

type errorResponse struct {
	Error     string         `json:"error"`
	Code      string         `json:"code"`
	RequestID string         `json:"requestId,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// appErrors maps engine sentinels to status and code. The first match wins,
// so wrappers with more specific meaning come before the sentinels they wrap.
var appErrors = []struct {
	target error
	status int
	code   string
}{
	{app.ErrCommitFailed, http.StatusInternalServerError, "BASKET_COMMIT_FAILED"},
	{app.ErrInvalidInput, http.StatusBadRequest, "RESERVATION_INVALID_REQUEST"},
	{app.ErrForbidden, http.StatusForbidden, "RESERVATION_FORBIDDEN"},
	{app.ErrNotFound, http.StatusNotFound, "RESERVATION_NOT_FOUND"},
	{app.ErrBookNotFound, http.StatusNotFound, "BOOK_NOT_FOUND"},
	{app.ErrBasketItemNotFound, http.StatusNotFound, "BASKET_ITEM_NOT_FOUND"},
	{app.ErrInvalidTransition, http.StatusConflict, "RESERVATION_INVALID_TRANSITION"},
	{app.ErrInvalidState, http.StatusConflict, "RESERVATION_INVALID_STATE"},
	{app.ErrDuplicateActiveReservation, http.StatusConflict, "RESERVATION_DUPLICATE"},
	{app.ErrQuotaExceeded, http.StatusConflict, "RESERVATION_QUOTA_EXCEEDED"},
	{app.ErrInsufficientStock, http.StatusConflict, "BOOK_INSUFFICIENT_STOCK"},
	{app.ErrBookUnavailable, http.StatusConflict, "BOOK_UNAVAILABLE"},
	{app.ErrAlreadyInBasket, http.StatusConflict, "BASKET_ITEM_EXISTS"},
	{app.ErrEmptyBasket, http.StatusBadRequest, "BASKET_EMPTY"},
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeErrorDetails(w, status, code, msg, nil)
}

func writeErrorDetails(w http.ResponseWriter, status int, code, msg string, details map[string]any) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      code,
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
		Details:   details,
	})
}

func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var details map[string]any
	var detailed interface{ Details() map[string]any }
	if errors.As(err, &detailed) {
		details = detailed.Details()
	}
	for _, m := range appErrors {
		if !errors.Is(err, m.target) {
			continue
		}
		code := m.code
		var avail *app.AvailabilityError
		if errors.As(err, &avail) && !errors.Is(err, app.ErrCommitFailed) {
			code = "BASKET_BOOKS_UNAVAILABLE"
		}
		if m.status >= http.StatusInternalServerError {
			util.LoggerFromContext(r.Context()).Error("request_failed", "path", r.URL.Path, "code", code, "err", err)
		}
		writeErrorDetails(w, m.status, code, err.Error(), details)
		return
	}
	util.LoggerFromContext(r.Context()).Error("request_failed", "path", r.URL.Path, "err", err)
	writeError(w, http.StatusInternalServerError, "SYSTEM_INTERNAL_ERROR", "internal error")
}
