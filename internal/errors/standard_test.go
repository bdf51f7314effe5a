package errors

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStandardError(t *testing.T) {
	err := InvalidAlignment(3)

	assert.Equal(t, CategoryValidation, err.Category)
	assert.Equal(t, "INVALID_ALIGNMENT", err.Code)
	assert.Contains(t, err.Error(), "[VALIDATION:INVALID_ALIGNMENT]")
	assert.Equal(t, uintptr(3), err.Context["alignment"])
	assert.NotEqual(t, "unknown", err.Caller)
}

func TestStandardErrorIs(t *testing.T) {
	var wrapped error = UnsupportedEngine("7.6.0", ">= 8.2.0")

	require.True(t, stderrors.Is(wrapped, UnsupportedEngine("", "")))
	require.False(t, stderrors.Is(wrapped, NoEngine()))
	require.False(t, stderrors.Is(wrapped, stderrors.New("other")))
}

func TestInvalidSize(t *testing.T) {
	err := InvalidSize(4096, "initial_heap_size above max_heap_size")

	assert.Equal(t, CategoryValidation, err.Category)
	assert.Equal(t, uintptr(4096), err.Context["size"])
	assert.Contains(t, err.Error(), "Invalid size 4096")
	assert.False(t, stderrors.Is(err, InvalidAlignment(0)))
}
