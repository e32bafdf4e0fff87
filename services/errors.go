package services

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateSource means the (source type, source ref, kind) key was
	// already recorded. Callers treat it as success.
	ErrDuplicateSource = errors.New("source already recorded")

	ErrAlreadyCheckedIn    = errors.New("already checked in today")
	ErrNotCompleted        = errors.New("challenge not completed")
	ErrAlreadyClaimed      = errors.New("reward already claimed")
	ErrChallengeInactive   = errors.New("challenge is no longer active")
	ErrChallengeNotFound   = errors.New("challenge not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrNotReversible       = errors.New("transaction cannot be reversed")
	ErrRedemptionRejected  = errors.New("redemption rejected")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrInvalidSourceType   = errors.New("invalid source type")
	ErrMissingSourceRef    = errors.New("source reference is required")
	ErrMissingCustomer     = errors.New("customer id is required")
)

type InsufficientBalanceError struct {
	Balance   int64
	Requested int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient points: balance %d, requested %d", e.Balance, e.Requested)
}

// StorageError wraps infrastructure failures. The caller may retry.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// IsDomainError reports whether err is a business rule outcome rather than
// an infrastructure failure.
func IsDomainError(err error) bool {
	var ib *InsufficientBalanceError
	if errors.As(err, &ib) {
		return true
	}
	for _, target := range []error{
		ErrDuplicateSource, ErrAlreadyCheckedIn, ErrNotCompleted, ErrAlreadyClaimed,
		ErrChallengeInactive, ErrChallengeNotFound, ErrTransactionNotFound,
		ErrNotReversible, ErrRedemptionRejected, ErrInvalidAmount, ErrInvalidSourceType,
		ErrMissingSourceRef, ErrMissingCustomer, ErrChallengeCodeTaken, ErrInvalidChallenge,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
