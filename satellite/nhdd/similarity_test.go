package nhdd

import (
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	pageA = []float32{1, 0, 0}
	pageB = []float32{0, 1, 0}
	pageC = []float32{0, 0, 1}
	// pageA2 is pageA with slight noise, still well above the threshold.
	pageA2 = []float32{0.999, 0.01, 0}
)

func TestCosineSimilarity(t *testing.T) {
	require.InDelta(t, 1.0, CosineSimilarity(pageA, pageA), 1e-9)
	require.InDelta(t, 0.0, CosineSimilarity(pageA, pageB), 1e-9)
	require.Greater(t, CosineSimilarity(pageA, pageA2), MinSimilarity)
}

func TestIsSubsequenceReflexive(t *testing.T) {
	archive := [][]float32{pageA, pageB, pageC}

	// An archive embeds into itself, but never properly.
	sub, proper := IsSubsequence(archive, archive, MinSimilarity)
	require.True(t, sub)
	require.False(t, proper)
}

func TestIsSubsequenceProper(t *testing.T) {
	short := [][]float32{pageA, pageC}
	long := [][]float32{pageA2, pageB, pageC}

	sub, proper := IsSubsequence(short, long, MinSimilarity)
	require.True(t, sub)
	require.True(t, proper)

	// Proper containment is antisymmetric.
	sub, proper = IsSubsequence(long, short, MinSimilarity)
	require.False(t, sub)
	require.False(t, proper)
}

func TestIsSubsequenceOrderMatters(t *testing.T) {
	// The pages exist in the source but out of order.
	target := [][]float32{pageC, pageA}
	source := [][]float32{pageA, pageB, pageC}

	sub, proper := IsSubsequence(target, source, MinSimilarity)
	require.False(t, sub)
	require.False(t, proper)
}

func TestIsSubsequenceNoMatch(t *testing.T) {
	sub, proper := IsSubsequence([][]float32{pageA}, [][]float32{pageB, pageC}, MinSimilarity)
	require.False(t, sub)
	require.False(t, proper)
}
