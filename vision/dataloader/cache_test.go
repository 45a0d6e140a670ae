package dataloader

import (
	"image"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingSource fabricates an image per id and counts loads.
type countingSource struct {
	loads atomic.Int64
	fail  string
}

func (s *countingSource) Load(id string) (image.Image, error) {
	s.loads.Add(1)
	if id == s.fail {
		return nil, errors.New("boom")
	}
	return image.NewRGBA(image.Rect(0, 0, len(id), 1)), nil
}

type batchSource struct {
	countingSource
	batches int
}

func (s *batchSource) LoadBatch(ids []string, workers int) ([]image.Image, error) {
	s.batches++
	out := make([]image.Image, len(ids))
	for i, id := range ids {
		img, err := s.Load(id)
		if err != nil {
			return nil, err
		}
		out[i] = img
	}
	return out, nil
}

func TestImageCacheHitsAndEvicts(t *testing.T) {
	src := &countingSource{}
	cache, err := NewImageCache(src, 2)
	require.NoError(t, err)

	for _, id := range []string{"a", "a", "bb", "a", "ccc", "bb"} {
		img, err := cache.Load(id)
		require.NoError(t, err)
		assert.Equal(t, len(id), img.Bounds().Dx())
	}

	stats := cache.Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(4), stats.Misses)
	assert.Equal(t, int64(2), stats.Evictions)
	assert.Equal(t, 2, stats.Size)
	assert.Equal(t, int64(4), src.loads.Load())
	assert.Contains(t, stats.String(), "Hits: 2")

	cache.ResetStats()
	assert.Zero(t, cache.Stats().Hits)
}

func TestImageCacheErrors(t *testing.T) {
	_, err := NewImageCache(nil, 4)
	assert.Error(t, err)
	_, err = NewImageCache(&countingSource{}, 0)
	assert.Error(t, err)

	cache, err := NewImageCache(&countingSource{fail: "bad"}, 4)
	require.NoError(t, err)
	_, err = cache.Load("bad")
	assert.Error(t, err)
	assert.Zero(t, cache.Stats().Size)
}

func TestWarmUsesBatchSource(t *testing.T) {
	src := &batchSource{}
	cache, err := NewImageCache(src, 10)
	require.NoError(t, err)

	_, err = cache.Load("a")
	require.NoError(t, err)
	require.NoError(t, cache.Warm([]string{"a", "b", "c"}, 2))
	assert.Equal(t, 1, src.batches)
	assert.Equal(t, int64(3), src.loads.Load())
	assert.Equal(t, 3, cache.Stats().Size)

	require.NoError(t, cache.Warm([]string{"b", "c"}, 2))
	assert.Equal(t, 1, src.batches)
}

func TestWarmConcurrently(t *testing.T) {
	src := &countingSource{}
	cache, err := NewImageCache(src, 100)
	require.NoError(t, err)

	ids := make([]string, 50)
	for i := range ids {
		ids[i] = string(rune('A' + i))
	}
	require.NoError(t, cache.Warm(ids, 4))
	assert.Equal(t, 50, cache.Stats().Size)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, id := range ids {
				_, err := cache.Load(id)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(50), src.loads.Load())
	assert.Equal(t, int64(400), cache.Stats().Hits)
	cache.ResetStats()
	assert.Zero(t, cache.Stats().Hits)
	assert.Zero(t, cache.Stats().Misses)
	assert.Equal(t, 50, cache.Stats().Size)

	failing, err := NewImageCache(&countingSource{fail: "C"}, 100)
	require.NoError(t, err)
	assert.Error(t, failing.Warm(ids, 3))
}

func TestSharedCacheManager(t *testing.T) {
	scm := NewSharedCacheManager()
	src := &countingSource{}

	a, err := scm.GetOrCreateCache("photos", src, 8)
	require.NoError(t, err)
	b, err := scm.GetOrCreateCache("photos", nil, 1)
	require.NoError(t, err)
	assert.Same(t, a, b)

	_, err = a.Load("x")
	require.NoError(t, err)
	_, err = b.Load("x")
	require.NoError(t, err)
	assert.Equal(t, int64(1), src.loads.Load())

	scm.ClearAllCaches()
	assert.Zero(t, a.Stats().Size)

	scm.RemoveCache("photos")
	c, err := scm.GetOrCreateCache("photos", src, 8)
	require.NoError(t, err)
	assert.NotSame(t, a, c)

	assert.Same(t, GetGlobalSharedCache(), GetGlobalSharedCache())
}
