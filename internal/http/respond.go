package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/JayeshGamer/GoGoGoGrocery2/internal/cartsync"
	"github.com/JayeshGamer/GoGoGoGrocery2/internal/domain"
	"github.com/JayeshGamer/GoGoGoGrocery2/internal/remote"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

// handleDomainError converts the domain error taxonomy to HTTP status codes.
func handleDomainError(w http.ResponseWriter, err error) {
	var (
		httpStatus int
		code       string
		message    string
	)

	switch {
	case errors.Is(err, domain.ErrInvalidQuantity), errors.Is(err, domain.ErrInvalidProduct):
		httpStatus, code, message = http.StatusBadRequest, "invalid_argument", err.Error()
	case errors.Is(err, domain.ErrEmptyCart):
		httpStatus, code, message = http.StatusUnprocessableEntity, "empty_cart", domain.ErrEmptyCart.Error()
	case errors.Is(err, domain.ErrUndeliverableAddress):
		httpStatus, code, message = http.StatusUnprocessableEntity, "undeliverable_address", domain.ErrUndeliverableAddress.Error()
	case errors.Is(err, domain.ErrPricingUnavailable):
		httpStatus, code, message = http.StatusUnprocessableEntity, "pricing_unavailable", domain.ErrPricingUnavailable.Error()
	case errors.Is(err, domain.ErrInsufficientStock):
		httpStatus, code, message = http.StatusConflict, "insufficient_stock", domain.ErrInsufficientStock.Error()
	case errors.Is(err, remote.ErrStockConflict):
		httpStatus, code, message = http.StatusConflict, "stock_conflict", remote.ErrStockConflict.Error()
	case errors.Is(err, remote.ErrNotFound):
		httpStatus, code, message = http.StatusNotFound, "not_found", "not found"
	case errors.Is(err, domain.ErrIdempotencyConflict):
		httpStatus, code, message = http.StatusConflict, "idempotency_conflict", domain.ErrIdempotencyConflict.Error()
	case errors.Is(err, domain.ErrConflictUnresolved):
		httpStatus, code, message = http.StatusConflict, "sync_conflict", domain.ErrConflictUnresolved.Error()
	case errors.Is(err, cartsync.ErrNotInConflict):
		httpStatus, code, message = http.StatusConflict, "not_in_conflict", cartsync.ErrNotInConflict.Error()
	case errors.Is(err, domain.ErrAuthExpired):
		httpStatus, code, message = http.StatusUnauthorized, "unauthenticated", domain.ErrAuthExpired.Error()
	case errors.Is(err, domain.ErrNetwork):
		httpStatus, code, message = http.StatusServiceUnavailable, "service_unavailable", domain.ErrNetwork.Error()
	case errors.Is(err, context.DeadlineExceeded):
		httpStatus, code, message = http.StatusGatewayTimeout, "timeout", "request timed out"
	case errors.Is(err, domain.ErrPersistence):
		httpStatus, code, message = http.StatusInternalServerError, "persistence_failed", domain.ErrPersistence.Error()
	default:
		httpStatus, code, message = http.StatusInternalServerError, "internal_error", "internal server error"
	}

	resp := ErrorResponse{Error: message, Code: code}
	if httpStatus != http.StatusInternalServerError || code == "persistence_failed" {
		resp.Details = err.Error()
	}
	respondJSON(w, httpStatus, resp)
}
