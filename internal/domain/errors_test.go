package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, ErrWorkflowNotFound, KindOf(NewWorkflowNotFound("orders")))
	assert.Equal(t, ErrQueueFull, KindOf(NewQueueFull("orders-a", 10001)))
	assert.Equal(t, ErrInternal, KindOf(errors.New("plain")))

	wrapped := fmt.Errorf("outer: %w", NewSystemBusy("memory"))
	assert.Equal(t, ErrSystemBusy, KindOf(wrapped))
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := NewHandlerFailure("orders", "a", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "boom")
	assert.Contains(t, err.Error(), "orders")
}
