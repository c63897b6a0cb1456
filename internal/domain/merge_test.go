package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeDataLaterKeysWin(t *testing.T) {
	base := map[string]any{"a": 1, "b": 1}
	result := map[string]any{"b": 2, "c": 3}

	merged := MergeData(base, result)

	assert.Equal(t, map[string]any{"a": 1, "b": 2, "c": 3}, merged)
}

func TestMergeDataIsShallow(t *testing.T) {
	base := map[string]any{"cfg": map[string]any{"x": 1, "y": 2}}
	result := map[string]any{"cfg": map[string]any{"z": 3}}

	merged := MergeData(base, result)

	// Nested maps are replaced wholesale, never merged key-by-key.
	assert.Equal(t, map[string]any{"z": 3}, merged["cfg"])
}

func TestMergeDataDoesNotMutateInputs(t *testing.T) {
	base := map[string]any{"a": 1}
	result := map[string]any{"a": 2}

	merged := MergeData(base, result)
	merged["a"] = 99
	merged["new"] = true

	assert.Equal(t, map[string]any{"a": 1}, base)
	assert.Equal(t, map[string]any{"a": 2}, result)
}

func TestMergeDataNilInputs(t *testing.T) {
	assert.Equal(t, map[string]any{"a": 1}, MergeData(nil, map[string]any{"a": 1}))
	assert.Equal(t, map[string]any{"a": 1}, MergeData(map[string]any{"a": 1}, nil))
	assert.Equal(t, map[string]any{}, MergeData(nil, nil))
}
