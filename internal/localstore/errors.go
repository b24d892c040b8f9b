package localstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrValidation indicates a write that violates the collection schema.
	ErrValidation = errors.New("localstore: schema validation failed")
	// ErrStorageFull indicates the local quota is exhausted.
	ErrStorageFull = errors.New("localstore: storage full")
	// ErrNotFound indicates a missing or deleted document.
	ErrNotFound = errors.New("localstore: document not found")
	// ErrDuplicate indicates an insert of an existing document id.
	ErrDuplicate = errors.New("localstore: duplicate document id")
)

// ValidationError describes a rejected write.
type ValidationError struct {
	Collection string
	DocumentID string
	Fields     []string
	err        error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s/%s: invalid fields %s", ErrValidation.Error(), e.Collection, e.DocumentID, strings.Join(e.Fields, ", "))
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func (e *ValidationError) Unwrap() error {
	return e.err
}

func newValidationError(collection, documentID string, err error) error {
	fields := []string{}
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		for _, fieldErr := range validationErrors {
			fields = append(fields, fmt.Sprintf("%s(%s)", fieldErr.Field(), fieldErr.Tag()))
		}
	}
	return &ValidationError{
		Collection: collection,
		DocumentID: documentID,
		Fields:     fields,
		err:        err,
	}
}

// classify maps engine errors onto the package sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	message := err.Error()
	switch {
	case strings.Contains(message, "database or disk is full"), strings.Contains(message, "SQLITE_FULL"):
		return fmt.Errorf("%w: %v", ErrStorageFull, err)
	case strings.Contains(message, "UNIQUE constraint failed"):
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	default:
		return err
	}
}
