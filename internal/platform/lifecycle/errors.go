// Package lifecycle holds the error vocabulary shared by the clinical record
// state machines and the services that persist them.
package lifecycle

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. The typed errors below report errors.Is against these.
var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")
	ErrVersionConflict   = errors.New("version conflict")
	ErrAlreadyExists     = errors.New("already exists")
)

// InvalidTransitionError is returned when an operation is attempted from a
// state that does not permit it.
type InvalidTransitionError struct {
	Entity    string
	From      string
	Attempted string
	Reason    string
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("%s: cannot %s from status %q", e.Entity, e.Attempted, e.From)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// NotFoundError reports a child entity that does not exist in its parent.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ValidationError carries every violated rule, never just the first.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Errors, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Denied builds an InvalidTransitionError.
func Denied(entity, from, attempted string) error {
	return &InvalidTransitionError{Entity: entity, From: from, Attempted: attempted}
}

// In reports whether s is one of the allowed values.
func In[S ~string](s S, allowed ...S) bool {
	for _, a := range allowed {
		if s == a {
			return true
		}
	}
	return false
}
