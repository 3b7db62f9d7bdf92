package app

import (
	"errors"
	"fmt"
	"net/http"

	"altar/api/internal/apperr"
	"altar/api/internal/assets"
	"altar/api/internal/auth"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, assets.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", apperr.Message(err), nil
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, apperr.ErrPermissionDenied):
		return http.StatusForbidden, "FORBIDDEN", apperr.Message(err), nil
	case errors.Is(err, apperr.ErrConflict):
		return http.StatusConflict, "CONFLICT", apperr.Message(err), nil
	case errors.Is(err, apperr.ErrInvalidInput):
		return http.StatusBadRequest, "VALIDATION_ERROR", apperr.Message(err), nil
	case errors.Is(err, apperr.ErrTransient):
		return http.StatusServiceUnavailable, "UNAVAILABLE", "Service temporarily unavailable", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
