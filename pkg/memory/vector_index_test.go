package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChromemIndex_LoadQueryDelete(t *testing.T) {
	ctx := context.Background()
	ix := NewChromemIndex()

	assert.False(t, ix.Loaded("conv-1"))
	hits, err := ix.Query(ctx, "conv-1", []float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits, "unknown conversation has no hits")

	require.NoError(t, ix.Load(ctx, "conv-1", []Embedding{
		{ChunkID: "a", Vector: []float32{2, 0}},
		{ChunkID: "b", Vector: []float32{1, 1}},
		{ChunkID: "zero", Vector: []float32{0, 0}},
	}))
	assert.True(t, ix.Loaded("conv-1"))

	hits, err = ix.Query(ctx, "conv-1", []float32{1, 0}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 2, "zero vectors are not indexed")
	assert.Equal(t, "a", hits[0].ChunkID)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-5)
	assert.InDelta(t, 0.7071, hits[1].Similarity, 1e-3)

	require.NoError(t, ix.Delete(ctx, "conv-1", "a"))
	hits, err = ix.Query(ctx, "conv-1", []float32{1, 0}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "b", hits[0].ChunkID)
}

func TestChromemIndex_UpsertReplacesAndZeroDeletes(t *testing.T) {
	ctx := context.Background()
	ix := NewChromemIndex()

	require.NoError(t, ix.Upsert(ctx, "conv-1", "a", []float32{0, 1}))
	require.NoError(t, ix.Upsert(ctx, "conv-1", "a", []float32{1, 0}))
	hits, err := ix.Query(ctx, "conv-1", []float32{1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-5)

	require.NoError(t, ix.Upsert(ctx, "conv-1", "a", []float32{0, 0}))
	hits, err = ix.Query(ctx, "conv-1", []float32{1, 0}, 1)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestChromemIndex_ConversationsAreIsolated(t *testing.T) {
	ctx := context.Background()
	ix := NewChromemIndex()
	require.NoError(t, ix.Upsert(ctx, "conv-1", "a", []float32{1, 0}))
	require.NoError(t, ix.Upsert(ctx, "conv-2", "b", []float32{1, 0}))

	hits, err := ix.Query(ctx, "conv-2", []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "b", hits[0].ChunkID)
}
