package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrNotFound         = errors.New("not found")
	ErrPersistence      = errors.New("persistence failure")
	ErrExtraction       = errors.New("image extraction failed")
	ErrAnalysis         = errors.New("analysis failed")
	ErrUnexpected       = errors.New("unexpected failure")
	ErrTemporary        = errors.New("temporary failure")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrConflict         = errors.New("conflict")
	ErrAlreadyFinalized = errors.New("analysis already finalized")
	ErrPayloadTooLarge  = errors.New("payload too large")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}
