package shared

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStockErrorMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("line 1: %w", &StockError{ProductID: 3, Pool: "venta", Requested: 4, Available: 1})
	require.ErrorIs(t, err, ErrInsufficientStock)

	var stockErr *StockError
	require.True(t, errors.As(err, &stockErr))
	require.Equal(t, 4, stockErr.Requested)
	require.Contains(t, err.Error(), "requested 4 available 1")
}

func TestUserSafeMessage(t *testing.T) {
	require.Empty(t, UserSafeMessage(nil))
	require.Equal(t, "internal error", UserSafeMessage(errors.New("pq: connection reset")))

	err := Validationf("line %d: quantity must be positive", 2)
	require.ErrorIs(t, err, ErrValidation)
	require.Equal(t, "validation failed: line 2: quantity must be positive", UserSafeMessage(err))

	wrapped := fmt.Errorf("sale REC-2026-000001: %w", ErrInvalidState)
	require.Equal(t, wrapped.Error(), UserSafeMessage(wrapped))
}

func TestActorContext(t *testing.T) {
	_, ok := ActorFromContext(ContextWithActor(t.Context(), 0))
	require.False(t, ok)

	id, ok := ActorFromContext(ContextWithActor(t.Context(), 12))
	require.True(t, ok)
	require.Equal(t, int64(12), id)
}
