package claimrelay

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrAlreadyClaimed     = &ClaimError{reason: "lead already claimed"}
	ErrClaimConflict      = &ClaimError{reason: "lead already claimed by someone else; refresh and try another lead"}
	ErrInvalidInput       = errors.New("invalid input")
	ErrStorage            = errors.New("storage failure")
	ErrCompensationFailed = errors.New("compensating delete failed")
	ErrNotImplemented     = errors.New("not implemented")
)

// ClaimError is returned when a claim loses to another actor, either before
// any write (the lead was already claimed) or at the conditional update.
type ClaimError struct {
	reason string
}

func (e *ClaimError) Error() string {
	return e.reason
}

func (e *ClaimError) Is(target error) bool {
	return target == ErrConflict
}

type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("storage failure: %v", e.Err)
	}
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// storageErr wraps infrastructure failures, leaving domain sentinels intact so
// callers can still match them with errors.Is.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) || errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrStorage) || errors.Is(err, ErrCompensationFailed) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
