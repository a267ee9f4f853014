package shared

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates a sale, product or store that does not exist in the given store.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState indicates an operation that is not allowed for the current status.
	ErrInvalidState = errors.New("invalid state")
	// ErrInsufficientStock indicates a movement that would leave a pool negative or a return above what remains.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrValidation indicates malformed input detected before any write.
	ErrValidation = errors.New("validation failed")
	// ErrIntegrityViolation indicates a persistence level uniqueness or consistency breach.
	ErrIntegrityViolation = errors.New("integrity violation")
	// ErrConflict indicates a conditional write lost against a concurrent writer.
	ErrConflict = errors.New("concurrent update conflict")
)

// StockError carries the context of a rejected stock movement or return.
type StockError struct {
	ProductID int64
	Pool      string
	Requested int
	Available int
}

func (e *StockError) Error() string {
	return fmt.Sprintf("%s: product %d pool %s requested %d available %d", ErrInsufficientStock, e.ProductID, e.Pool, e.Requested, e.Available)
}

// Unwrap lets errors.Is match ErrInsufficientStock.
func (e *StockError) Unwrap() error {
	return ErrInsufficientStock
}

// Validationf wraps ErrValidation with a formatted detail.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// UserSafeMessage returns a message that can be shown to API clients.
func UserSafeMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrInsufficientStock),
		errors.Is(err, ErrValidation),
		errors.Is(err, ErrIntegrityViolation),
		errors.Is(err, ErrConflict):
		return err.Error()
	default:
		return "internal error"
	}
}
