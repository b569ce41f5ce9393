package app

import (
	"errors"
	"fmt"
	"net/http"

	"notebook/api/internal/auth"
	"notebook/api/internal/autosave"
	"notebook/api/internal/pipeline"
	"notebook/api/internal/store"
)

// DomainError is an error that already knows its HTTP rendering.
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

// mapError renders lower-layer errors. Pipeline failures carry the failed
// stage in details.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var stageErr *pipeline.StageError
	var stage any
	if errors.As(err, &stageErr) {
		stage = map[string]any{"stage": stageErr.Stage}
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, pipeline.ErrInvalidName):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil
	case errors.Is(err, pipeline.ErrNoImage):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "note has no image", nil
	case errors.Is(err, pipeline.ErrDescription):
		return http.StatusBadGateway, "DESCRIPTION_FAILED", "failed to generate image description", stage
	case errors.Is(err, pipeline.ErrStorage):
		return http.StatusBadGateway, "STORAGE_FAILED", "Could not store image", stage
	case errors.Is(err, pipeline.ErrPersistence):
		return http.StatusInternalServerError, "PERSISTENCE_FAILED", "Could not save note", stage
	case errors.Is(err, autosave.ErrClosed):
		return http.StatusServiceUnavailable, "SHUTTING_DOWN", "Server is shutting down", nil
	case errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
