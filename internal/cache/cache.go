// Package cache provides caching for rendered previews and query results.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config contains cache configuration.
type Config struct {
	PreviewCacheSizeMB int
	PreviewTTL         time.Duration
	QueryCacheSize     int
}

// Manager manages the preview and query caches.
type Manager struct {
	previewCache *bigcache.BigCache
	queryCache   *lru.Cache[string, []byte]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.PreviewTTL <= 0 {
		cfg.PreviewTTL = 10 * time.Minute
	}
	if cfg.PreviewCacheSizeMB <= 0 {
		cfg.PreviewCacheSizeMB = 64
	}
	if cfg.QueryCacheSize <= 0 {
		cfg.QueryCacheSize = 256
	}

	previewCacheConfig := bigcache.Config{
		Shards:             16,
		LifeWindow:         cfg.PreviewTTL,
		CleanWindow:        cfg.PreviewTTL / 2,
		MaxEntriesInWindow: 1024,
		MaxEntrySize:       256 * 1024, // a typical preview PNG
		HardMaxCacheSize:   cfg.PreviewCacheSizeMB,
		Verbose:            false,
	}
	previewCache, err := bigcache.New(context.Background(), previewCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create preview cache: %w", err)
	}

	queryCache, err := lru.New[string, []byte](cfg.QueryCacheSize)
	if err != nil {
		previewCache.Close()
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}

	return &Manager{
		previewCache: previewCache,
		queryCache:   queryCache,
	}, nil
}

// GetPreview retrieves a rendered preview.
func (m *Manager) GetPreview(key string) ([]byte, bool) {
	data, err := m.previewCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetPreview stores a rendered preview.
func (m *Manager) SetPreview(key string, data []byte) error {
	return m.previewCache.Set(key, data)
}

// DeletePreview drops a preview; a missing key is not an error.
func (m *Manager) DeletePreview(key string) error {
	if err := m.previewCache.Delete(key); err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
		return err
	}
	return nil
}

// GetQuery retrieves a query result from cache.
func (m *Manager) GetQuery(key string) ([]byte, bool) {
	return m.queryCache.Get(key)
}

// SetQuery stores a query result in cache.
func (m *Manager) SetQuery(key string, data []byte) {
	m.queryCache.Add(key, data)
}

// PreviewKey hashes everything a preview depends on into a key.
func PreviewKey(dataset, view string, parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("preview:%s:%s:%s", dataset, view, hex.EncodeToString(h.Sum(nil))[:16])
}

// MetadataKey is the query cache key of a dataset's metadata.
func MetadataKey(dataset string) string {
	return "meta:" + dataset
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"preview_cache_len": m.previewCache.Len(),
		"preview_cache_cap": m.previewCache.Capacity(),
		"query_cache_len":   m.queryCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.previewCache.Close()
}
