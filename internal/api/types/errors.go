package types

import (
	"net/http"

	appErr "github.com/deploybay/engine/pkg/errors"
)

func FromAppError(err error) *APIError {
	if err == nil {
		return nil
	}
	if e, ok := err.(*appErr.AppError); ok {
		return &APIError{Code: string(e.Code), Message: e.Message}
	}
	return &APIError{Code: string(appErr.CodeUnknown), Message: err.Error()}
}

// StatusOf maps an error's code to the HTTP status the handlers respond with.
func StatusOf(err error) int {
	if e, ok := err.(*appErr.AppError); ok {
		switch e.Code {
		case appErr.CodeInvalid:
			return http.StatusBadRequest
		case appErr.CodeNotFound:
			return http.StatusNotFound
		case appErr.CodeConflict, appErr.CodeAlreadyExists:
			return http.StatusConflict
		case appErr.CodeUnavailable:
			return http.StatusServiceUnavailable
		case appErr.CodeDeadline:
			return http.StatusGatewayTimeout
		}
	}
	return http.StatusInternalServerError
}
