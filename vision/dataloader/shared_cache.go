package dataloader

import (
	"sync"
)

// SharedCacheManager hands out named image caches so that the train and
// validation views of one image directory decode each image once.
type SharedCacheManager struct {
	mu     sync.Mutex
	caches map[string]*ImageCache
}

var (
	globalSharedCache *SharedCacheManager
	sharedCacheOnce   sync.Once
)

// NewSharedCacheManager returns an empty manager.
func NewSharedCacheManager() *SharedCacheManager {
	return &SharedCacheManager{caches: make(map[string]*ImageCache)}
}

// GetGlobalSharedCache returns the process-wide manager.
func GetGlobalSharedCache() *SharedCacheManager {
	sharedCacheOnce.Do(func() {
		globalSharedCache = NewSharedCacheManager()
	})
	return globalSharedCache
}

// GetOrCreateCache returns the cache registered under name, creating it
// over source when absent. source and maxItems are ignored for an existing
// cache.
func (scm *SharedCacheManager) GetOrCreateCache(name string, source Source, maxItems int) (*ImageCache, error) {
	scm.mu.Lock()
	defer scm.mu.Unlock()

	if cache, exists := scm.caches[name]; exists {
		return cache, nil
	}
	cache, err := NewImageCache(source, maxItems)
	if err != nil {
		return nil, err
	}
	scm.caches[name] = cache
	return cache, nil
}

// RemoveCache removes a cache by name
func (scm *SharedCacheManager) RemoveCache(name string) {
	scm.mu.Lock()
	defer scm.mu.Unlock()
	delete(scm.caches, name)
}

// ClearAllCaches clears all managed caches
func (scm *SharedCacheManager) ClearAllCaches() {
	scm.mu.Lock()
	defer scm.mu.Unlock()

	for _, cache := range scm.caches {
		cache.Clear()
	}
}
