package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/prn-tf/alexander-lifecycle/internal/domain"
	"github.com/prn-tf/alexander-lifecycle/internal/service"
)

// APIError is the JSON error body of the admin API.
type APIError struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	HTTPStatusCode int    `json:"-"`
}

func (e APIError) Error() string {
	return e.Code + ": " + e.Message
}

var (
	ErrBadRequest = APIError{
		Code:           "BadRequest",
		Message:        "The request is malformed.",
		HTTPStatusCode: http.StatusBadRequest,
	}
	ErrInternal = APIError{
		Code:           "InternalError",
		Message:        "We encountered an internal error. Please try again.",
		HTTPStatusCode: http.StatusInternalServerError,
	}
)

// mapError converts service and domain errors to API errors.
func mapError(err error) APIError {
	switch {
	case errors.Is(err, service.ErrUnknownJob):
		return APIError{Code: "NoSuchJob", Message: err.Error(), HTTPStatusCode: http.StatusNotFound}
	case errors.Is(err, service.ErrJobAlreadyRunning):
		return APIError{Code: "JobAlreadyRunning", Message: err.Error(), HTTPStatusCode: http.StatusConflict}
	case errors.Is(err, service.ErrInvalidRequest):
		return APIError{Code: "InvalidRequest", Message: err.Error(), HTTPStatusCode: http.StatusBadRequest}
	case errors.Is(err, domain.ErrRepositoryNotFound):
		return APIError{Code: "NoSuchRepository", Message: err.Error(), HTTPStatusCode: http.StatusNotFound}
	case errors.Is(err, domain.ErrArchiveRecordNotFound), errors.Is(err, domain.ErrCompressRecordNotFound):
		return APIError{Code: "NoSuchRecord", Message: err.Error(), HTTPStatusCode: http.StatusNotFound}
	case errors.Is(err, domain.ErrArchiveNotRestorable), errors.Is(err, domain.ErrInvalidStatus):
		return APIError{Code: "InvalidStatus", Message: err.Error(), HTTPStatusCode: http.StatusConflict}
	}
	return ErrInternal
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, e APIError) {
	writeJSON(w, e.HTTPStatusCode, e)
}
