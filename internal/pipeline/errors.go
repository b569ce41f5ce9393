package pipeline

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidName = errors.New("name is required")
	ErrDescription = errors.New("failed to generate image description")
	ErrStorage     = errors.New("durable storage failed")
	ErrPersistence = errors.New("note persistence failed")
	ErrNoImage     = errors.New("note has no image")
)

type Stage string

const (
	StageDescribe Stage = "describe"
	StageImage    Stage = "image"
	StageInsert   Stage = "insert"
	StageLoad     Stage = "load"
	StageFetch    Stage = "fetch"
	StageUpload   Stage = "upload"
	StageUpdate   Stage = "update"
)

// StageError records which stage failed. errors.Is matches both the failure
// kind (ErrDescription, ErrStorage, ...) and the underlying cause.
type StageError struct {
	Stage Stage
	Kind  error
	Err   error
}

func (e *StageError) Error() string {
	switch {
	case e.Kind == nil:
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	case e.Err == nil:
		return fmt.Sprintf("%s: %v", e.Stage, e.Kind)
	default:
		return fmt.Sprintf("%s: %v: %v", e.Stage, e.Kind, e.Err)
	}
}

func (e *StageError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func fail(stage Stage, kind, err error) error {
	return &StageError{Stage: stage, Kind: kind, Err: err}
}
