package model

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error taxonomy shared by every layer. Callers match with errors.Is.
var (
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrCurrencyMismatch        = errors.New("currency mismatch")
	ErrUnsupportedCurrency     = errors.New("unsupported currency")
	ErrUnsupportedCurrencyPair = errors.New("unsupported currency pair")
	ErrSameCurrency            = errors.New("source and target currency are the same")
	ErrInsufficientFunds       = errors.New("insufficient funds")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrConcurrentModification  = errors.New("concurrent modification")
	ErrInvalidTransition       = errors.New("invalid status transition")
	ErrNotFound                = errors.New("not found")
	ErrAccountArchived         = errors.New("account archived")
	ErrTransientInfrastructure = errors.New("transient infrastructure error")
)

type transientError struct {
	err error
}

func (e *transientError) Error() string {
	return fmt.Sprintf("%s: %v", ErrTransientInfrastructure, e.err)
}

func (e *transientError) Unwrap() []error {
	return []error{ErrTransientInfrastructure, e.err}
}

// Transient marks a persistence or network failure as retryable by the caller.
// Domain errors pass through untouched.
func Transient(err error) error {
	if err == nil || IsDomain(err) || errors.Is(err, ErrTransientInfrastructure) {
		return err
	}
	return &transientError{err: err}
}

// IsDomain reports whether err is one of the business-rule errors.
func IsDomain(err error) bool {
	for _, target := range []error{
		ErrInvalidAmount, ErrCurrencyMismatch, ErrUnsupportedCurrency, ErrUnsupportedCurrencyPair,
		ErrSameCurrency, ErrInsufficientFunds, ErrDuplicateIdempotencyKey, ErrConcurrentModification,
		ErrInvalidTransition, ErrNotFound, ErrAccountArchived,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
