package embed_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aicoach/kbcore/internal/kb/embed"
)

func TestCosineSimilarity_IdenticalVectorsReturnOne(t *testing.T) {
	v := []float32{1, 2, 3}
	require.InDelta(t, 1.0, embed.CosineSimilarity(v, v), 1e-9)
}

func TestCosineSimilarity_OrthogonalVectorsReturnZero(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{0, 1}
	require.Zero(t, embed.CosineSimilarity(a, b))
}

func TestCosineSimilarity_MismatchedLengthsReturnZero(t *testing.T) {
	a := []float32{1, 2, 3}
	b := []float32{1, 2}
	require.Zero(t, embed.CosineSimilarity(a, b))
}

func TestCosineSimilarity_EmptyVectorsReturnZero(t *testing.T) {
	require.Zero(t, embed.CosineSimilarity(nil, nil))
}

func TestCosineSimilarity_ZeroMagnitudeVectorReturnsZero(t *testing.T) {
	a := []float32{0, 0, 0}
	b := []float32{1, 2, 3}
	require.Zero(t, embed.CosineSimilarity(a, b))
}

func TestCosineSimilarity_ScaledVectorsStillMatch(t *testing.T) {
	a := []float32{1, 2, 3}
	b := []float32{2, 4, 6}
	require.InDelta(t, 1.0, embed.CosineSimilarity(a, b), 1e-9)
}
