// Package apperr defines the error kinds shared by every layer of the service.
// Callers wrap these sentinels with fmt.Errorf("...: %w", ...) and the HTTP
// boundary maps them to status codes.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrConflict         = errors.New("conflict")
	ErrInvalidInput     = errors.New("invalid input")
	ErrTransient        = errors.New("transient failure")
)

// NotFound wraps ErrNotFound with a formatted message.
func NotFound(format string, args ...any) error {
	return wrap(ErrNotFound, format, args...)
}

func PermissionDenied(format string, args ...any) error {
	return wrap(ErrPermissionDenied, format, args...)
}

func Conflict(format string, args ...any) error {
	return wrap(ErrConflict, format, args...)
}

func InvalidInput(format string, args ...any) error {
	return wrap(ErrInvalidInput, format, args...)
}

// Transient marks err as a retryable backing-store or network failure.
func Transient(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", fmt.Sprintf(format, args...), ErrTransient, err)
}

func wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), kind)
}

// Message strips the kind suffix so the text can be shown to a caller.
func Message(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	for _, kind := range []error{ErrNotFound, ErrPermissionDenied, ErrConflict, ErrInvalidInput} {
		if errors.Is(err, kind) {
			suffix := ": " + kind.Error()
			if len(msg) > len(suffix) && msg[len(msg)-len(suffix):] == suffix {
				return msg[:len(msg)-len(suffix)]
			}
		}
	}
	return msg
}
