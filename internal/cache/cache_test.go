package cache

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponseKeyDeterminism(t *testing.T) {
	a := ResponseKey("MAT10", 10, "1.0.0", "Apa teorema Pythagoras?")
	b := ResponseKey("MAT10", 10, "1.0.0", "  apa   TEOREMA pythagoras?  ")
	assert.Equal(t, a, b, "normalized questions must share a key")

	c := ResponseKey("MAT10", 10, "1.1.0", "Apa teorema Pythagoras?")
	assert.NotEqual(t, a, c, "a version bump must change the key")

	d := ResponseKey("FIS10", 10, "1.0.0", "Apa teorema Pythagoras?")
	assert.NotEqual(t, a, d, "a different subject must change the key")
}

func TestResponseKeyCarriesSubjectPrefix(t *testing.T) {
	key := ResponseKey("MAT10", 10, "1.0.0", "soal")
	assert.True(t, strings.HasPrefix(key, ResponsePrefix("MAT10", 10)))
}

func TestLRUGetSet(t *testing.T) {
	ctx := context.Background()
	c := NewLRU(10)

	_, ok, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))
	val, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", val)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Entries)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestLRUExpiry(t *testing.T) {
	ctx := context.Background()
	c := NewLRU(10)
	base := time.Now()
	c.now = func() time.Time { return base }

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))

	c.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "expired entry must be a miss")
}

func TestLRUEviction(t *testing.T) {
	ctx := context.Background()
	c := NewLRU(2)

	require.NoError(t, c.Set(ctx, "a", "1", time.Minute))
	require.NoError(t, c.Set(ctx, "b", "2", time.Minute))

	// Touch "a" so "b" becomes the eviction candidate.
	_, _, _ = c.Get(ctx, "a")
	require.NoError(t, c.Set(ctx, "c", "3", time.Minute))

	_, ok, _ := c.Get(ctx, "b")
	assert.False(t, ok, "least recently used entry must be evicted")
	_, ok, _ = c.Get(ctx, "a")
	assert.True(t, ok)
	_, ok, _ = c.Get(ctx, "c")
	assert.True(t, ok)

	stats, _ := c.Stats(ctx)
	assert.Equal(t, int64(1), stats.Evicted)
}

func TestLRUInvalidatePrefix(t *testing.T) {
	ctx := context.Background()
	c := NewLRU(100)

	require.NoError(t, c.Set(ctx, ResponsePrefix("MAT10", 10)+"aaa", "1", time.Minute))
	require.NoError(t, c.Set(ctx, ResponsePrefix("MAT10", 10)+"bbb", "2", time.Minute))
	require.NoError(t, c.Set(ctx, ResponsePrefix("FIS11", 11)+"ccc", "3", time.Minute))

	require.NoError(t, c.InvalidatePrefix(ctx, ResponsePrefix("MAT10", 10)))

	_, ok, _ := c.Get(ctx, ResponsePrefix("MAT10", 10)+"aaa")
	assert.False(t, ok)
	_, ok, _ = c.Get(ctx, ResponsePrefix("MAT10", 10)+"bbb")
	assert.False(t, ok)
	_, ok, _ = c.Get(ctx, ResponsePrefix("FIS11", 11)+"ccc")
	assert.True(t, ok, "other subjects must be untouched")
}

func TestLRUDelete(t *testing.T) {
	ctx := context.Background()
	c := NewLRU(10)
	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))
	require.NoError(t, c.Delete(ctx, "k"))
	_, ok, _ := c.Get(ctx, "k")
	assert.False(t, ok)
}
