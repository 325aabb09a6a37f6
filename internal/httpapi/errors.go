package httpapi

import (
	"errors"
	"net/http"

	"streamchat/internal/usecase"
)

// StatusForError maps a usecase rejection to an HTTP status and error body.
// Errors of any other type are internal.
func StatusForError(err error) (status int, code, reason string) {
	var ue *usecase.Error
	if !errors.As(err, &ue) {
		return http.StatusInternalServerError, string(usecase.ErrorInternal), "internal_error"
	}
	switch ue.Code {
	case usecase.ErrorInvalidInput, usecase.ErrorInvalidQuestion:
		status = http.StatusBadRequest
	case usecase.ErrorSessionNotFound:
		status = http.StatusNotFound
	case usecase.ErrorInvalidResumeState, usecase.ErrorTurnConflict:
		status = http.StatusConflict
	case usecase.ErrorRateLimited:
		status = http.StatusTooManyRequests
	case usecase.ErrorUpstream:
		status = http.StatusBadGateway
	default:
		status = http.StatusInternalServerError
	}
	return status, string(ue.Code), ue.Reason
}
