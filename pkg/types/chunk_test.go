package types

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconstruct_Order(t *testing.T) {
	chunks := []Chunk{
		{Content: "Hi", Index: 0},
		{Content: " there", Index: 1},
		{Content: "!", Index: 2},
	}
	assert.Equal(t, "Hi there!", Reconstruct(chunks))
}

func TestReconstruct_ShuffleInvariant(t *testing.T) {
	chunks := []Chunk{
		{Content: "par", Index: 0},
		{Content: "tial", Index: 1},
		{Content: " out", Index: 2},
		{Content: "put", Index: 3},
	}
	want := Reconstruct(chunks)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 10; i++ {
		shuffled := make([]Chunk, len(chunks))
		copy(shuffled, chunks)
		rng.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})
		assert.Equal(t, want, Reconstruct(shuffled))
	}
}

func TestReconstruct_Empty(t *testing.T) {
	assert.Equal(t, "", Reconstruct(nil))
	assert.Equal(t, "", Reconstruct([]Chunk{}))
}

func TestReconstruct_DoesNotMutateInput(t *testing.T) {
	chunks := []Chunk{
		{Content: "b", Index: 1},
		{Content: "a", Index: 0},
	}
	require.Equal(t, "ab", Reconstruct(chunks))
	assert.Equal(t, 1, chunks[0].Index, "input slice must not be reordered")
}
