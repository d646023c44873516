package fitable

import (
	"errors"
	"fmt"
)

type RecoverableError struct {
	Target string
	Err    error
}

func (e RecoverableError) Error() string {
	return fmt.Sprintf("fitable %s failed: %v", e.Target, e.Err)
}

func (e RecoverableError) Unwrap() error {
	return e.Err
}

type UnrecoverableError struct {
	Target string
	Err    error
}

func (e UnrecoverableError) Error() string {
	return fmt.Sprintf("fitable %s failed permanently: %v", e.Target, e.Err)
}

func (e UnrecoverableError) Unwrap() error {
	return e.Err
}

type NotFoundError struct {
	Target string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("fitable %s not found", e.Target)
}

// IsRecoverable reports whether a failed call may succeed when repeated.
// Errors that carry no classification are treated as recoverable.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var unrecoverable UnrecoverableError
	if errors.As(err, &unrecoverable) {
		return false
	}
	var notFound NotFoundError
	if errors.As(err, &notFound) {
		return false
	}
	var classified interface{ Recoverable() bool }
	if errors.As(err, &classified) {
		return classified.Recoverable()
	}
	return true
}
