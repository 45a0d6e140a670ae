package dataloader

import (
	"fmt"
	"image"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

// Source loads a decoded image by sample id.
type Source interface {
	Load(id string) (image.Image, error)
}

// BatchSource can decode several images concurrently.
type BatchSource interface {
	Source
	LoadBatch(ids []string, workers int) ([]image.Image, error)
}

// ImageCache is an LRU of decoded images in front of a Source. Decoded
// images are never modified after loading, so one cache can serve several
// dataset views at once.
type ImageCache struct {
	source Source
	cache  *lru.Cache

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// NewImageCache keeps up to maxItems decoded images.
func NewImageCache(source Source, maxItems int) (*ImageCache, error) {
	if source == nil {
		return nil, errors.New("image cache needs a source")
	}
	ic := &ImageCache{source: source}
	cache, err := lru.NewWithEvict(maxItems, func(key, value interface{}) {
		ic.evictions.Add(1)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "image cache of %d items", maxItems)
	}
	ic.cache = cache
	return ic, nil
}

// Load returns the cached image or decodes it from the source.
func (ic *ImageCache) Load(id string) (image.Image, error) {
	if v, ok := ic.cache.Get(id); ok {
		ic.hits.Add(1)
		return v.(image.Image), nil
	}
	ic.misses.Add(1)
	img, err := ic.source.Load(id)
	if err != nil {
		return nil, err
	}
	ic.cache.Add(id, img)
	return img, nil
}

// Warm decodes the ids that are not cached yet, in parallel when the source
// supports it.
func (ic *ImageCache) Warm(ids []string, workers int) error {
	var missing []string
	for _, id := range ids {
		if !ic.cache.Contains(id) {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	if bs, ok := ic.source.(BatchSource); ok {
		imgs, err := bs.LoadBatch(missing, workers)
		if err != nil {
			return err
		}
		for i, id := range missing {
			ic.cache.Add(id, imgs[i])
		}
		return nil
	}

	if workers < 1 {
		workers = 1
	}
	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	jobs := make(chan string)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				img, err := ic.source.Load(id)
				if err != nil {
					errOnce.Do(func() { firstErr = errors.Wrap(err, id) })
					continue
				}
				ic.cache.Add(id, img)
			}
		}()
	}
	for _, id := range missing {
		jobs <- id
	}
	close(jobs)
	wg.Wait()
	return firstErr
}

// Clear drops every cached image. Statistics are cumulative and survive.
func (ic *ImageCache) Clear() {
	ic.cache.Purge()
}

// ResetStats resets the statistics
func (ic *ImageCache) ResetStats() {
	ic.hits.Store(0)
	ic.misses.Store(0)
	ic.evictions.Store(0)
}

// Stats returns cache statistics
func (ic *ImageCache) Stats() CacheStats {
	hits := ic.hits.Load()
	misses := ic.misses.Load()
	stats := CacheStats{
		Size:      ic.cache.Len(),
		Hits:      hits,
		Misses:    misses,
		Evictions: ic.evictions.Load(),
	}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total) * 100
	}
	return stats
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size      int
	Hits      int64
	Misses    int64
	Evictions int64
	HitRate   float64
}

// String returns a string representation of cache stats
func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d items, Hits: %d, Misses: %d, Evictions: %d, Hit Rate: %.1f%%",
		cs.Size, cs.Hits, cs.Misses, cs.Evictions, cs.HitRate)
}
