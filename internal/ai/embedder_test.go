package ai

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashEmbedder_Deterministic(t *testing.T) {
	t.Parallel()
	e := NewHashEmbedder()
	a, err := e.Embed(context.Background(), []string{"color primary #3b82f6 hue blue"})
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), []string{"color primary #3b82f6 hue blue"})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a[0], DefaultHashDimensions)
}

func TestHashEmbedder_SimilarTextsCloser(t *testing.T) {
	t.Parallel()
	vecs, err := NewHashEmbedder().Embed(context.Background(), []string{
		"color primary blue hue-blue brightness-mid",
		"color brand blue hue-blue brightness-mid",
		"spacing 48px grid-8 aligned",
	})
	require.NoError(t, err)
	near := CosineSimilarity(vecs[0], vecs[1])
	far := CosineSimilarity(vecs[0], vecs[2])
	assert.Greater(t, near, far)
}

func TestHashEmbedder_Canceled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewHashEmbedder().Embed(ctx, []string{"x"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCosineSimilarity(t *testing.T) {
	t.Parallel()
	a := []float32{0.3, -1.2, 4, 0}
	b := []float32{1, 2, 0.5, -3}

	assert.InDelta(t, 1.0, CosineSimilarity(a, a), 1e-6)
	assert.InDelta(t, CosineSimilarity(a, b), CosineSimilarity(b, a), 1e-12)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Zero(t, CosineSimilarity(nil, nil))
	assert.Zero(t, CosineSimilarity([]float32{1}, []float32{1, 2}))
	assert.Zero(t, CosineSimilarity([]float32{0, 0}, []float32{1, 2}))
}

func TestEuclideanDistance(t *testing.T) {
	t.Parallel()
	assert.InDelta(t, 5.0, EuclideanDistance([]float32{0, 0}, []float32{3, 4}), 1e-9)
	assert.Zero(t, EuclideanDistance([]float32{1, 2}, []float32{1, 2}))
}
