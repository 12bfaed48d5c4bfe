package app

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/molpadia/molparelay/internal/domain/entity"
)

// AppError is an error with the HTTP status it is reported with. Err is
// logged but never sent to the client.
type AppError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("app error %d: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("app error %d: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

// toAppError classifies err by the relay error taxonomy. Server-side failures
// are reported with the status text only.
func toAppError(err error) *AppError {
	var e *AppError
	if errors.As(err, &e) {
		return e
	}
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, entity.ErrInvalidRequest), errors.Is(err, entity.ErrOutOfOrderPart), errors.Is(err, entity.ErrEmptySource):
		code = http.StatusBadRequest
	case errors.Is(err, entity.ErrUploadCompleted):
		code = http.StatusConflict
	case errors.Is(err, entity.ErrSessionNotFound), errors.Is(err, entity.ErrJobNotFound):
		code = http.StatusNotFound
	case errors.Is(err, entity.ErrFileTooLarge):
		code = http.StatusRequestEntityTooLarge
	case errors.Is(err, entity.ErrSourceUnavailable):
		code = http.StatusBadGateway
	}
	msg := err.Error()
	if code >= http.StatusInternalServerError {
		msg = http.StatusText(code)
	}
	return &AppError{Code: code, Message: msg, Err: err}
}
