package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGalleryListsOnlyPopulatedSlots(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.reserve(t, "alice")
	_, err := h.variations.CompleteVariation(ctx, res.SessionID, 2, "alice")
	require.NoError(t, err)

	gens, err := h.gallery.ListGenerations(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, gens, 1)
	assert.Len(t, gens[0].ImageURLs, 1)

	gen, err := h.gallery.GetGeneration(ctx, "alice", res.GenerationRecordID)
	require.NoError(t, err)
	assert.Equal(t, res.GenerationRecordID, gen.ID)

	_, err = h.gallery.GetGeneration(ctx, "mallory", res.GenerationRecordID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestImageVisibilityAndDelete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.reserve(t, "alice")
	out, err := h.variations.CompleteVariation(ctx, res.SessionID, 0, "alice")
	require.NoError(t, err)

	img, err := h.gallery.SetPublic(ctx, "alice", out.ImageID, true)
	require.NoError(t, err)
	assert.True(t, img.IsPublic)

	_, err = h.gallery.SetPublic(ctx, "mallory", out.ImageID, false)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, h.gallery.Delete(ctx, "mallory", out.ImageID), ErrNotFound)

	batch, err := h.gallery.ListBatch(ctx, "alice", res.GenerationRecordID)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	require.NoError(t, h.gallery.Delete(ctx, "alice", out.ImageID))
	assert.Zero(t, h.images.count())
	assert.Zero(t, h.storage.count())
	rec, _ := h.records.Get(ctx, res.GenerationRecordID)
	assert.Empty(t, rec.PopulatedURLs())
}
