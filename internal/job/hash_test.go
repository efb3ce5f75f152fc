package job

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashParamsMatchesCanonicalForm(t *testing.T) {
	// The canonical serialization of {x:1} is exactly `{"x":1}`.
	want := sha256.Sum256([]byte(`{"x":1}`))
	assert.Equal(t, hex.EncodeToString(want[:]), HashParams(map[string]any{"x": 1.0}))
}

func TestHashParamsKeyOrderIndependent(t *testing.T) {
	a := HashParams(map[string]any{"a": 1, "b": 2, "nested": map[string]any{"y": 2, "x": 1}})
	b := HashParams(map[string]any{"nested": map[string]any{"x": 1, "y": 2}, "b": 2, "a": 1})
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestHashParamsDistinguishesValues(t *testing.T) {
	assert.NotEqual(t,
		HashParams(map[string]any{"x": 1}),
		HashParams(map[string]any{"x": 2}),
	)
}
