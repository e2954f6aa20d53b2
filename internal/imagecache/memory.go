package imagecache

import "image"

// Pool names, also used as metric labels.
const (
	PoolThumbnail = "thumbnail"
	PoolGeneral   = "general"
)

// Default pool capacities in entries.
const (
	DefaultThumbnailCapacity = 512
	DefaultGeneralCapacity   = 96
)

// EvictionFunc receives the pool and key of every evicted image. It is for
// diagnostics only and runs on the goroutine that caused the eviction.
type EvictionFunc func(pool, key string, img image.Image)

// Stats is a snapshot of pool occupancy and counters.
type Stats struct {
	ThumbnailEntries  int
	ThumbnailCapacity int
	GeneralEntries    int
	GeneralCapacity   int
	Hits              uint64
	AnySizeHits       uint64
	Misses            uint64
	Evictions         uint64
}

// MemoryCache keeps decoded images in two independent LRU pools so that
// heavily requested thumbnails and large hero images do not evict each other.
// It is owned by the dispatcher goroutine and is not safe for concurrent use.
type MemoryCache struct {
	thumbnails *LRU[image.Image]
	general    *LRU[image.Image]

	onEvict EvictionFunc

	hits        uint64
	anySizeHits uint64
	misses      uint64
	evictions   uint64
}

// NewMemoryCache creates the two pools. Non-positive capacities use defaults.
func NewMemoryCache(thumbnailCapacity, generalCapacity int, onEvict EvictionFunc) *MemoryCache {
	if thumbnailCapacity <= 0 {
		thumbnailCapacity = DefaultThumbnailCapacity
	}
	if generalCapacity <= 0 {
		generalCapacity = DefaultGeneralCapacity
	}

	m := &MemoryCache{onEvict: onEvict}
	m.thumbnails = NewLRU(thumbnailCapacity, m.evicted(PoolThumbnail))
	m.general = NewLRU(generalCapacity, m.evicted(PoolGeneral))
	return m
}

func (m *MemoryCache) evicted(pool string) EvictFunc[image.Image] {
	return func(key string, img image.Image) {
		m.evictions++
		if m.onEvict != nil {
			m.onEvict(pool, key, img)
		}
	}
}

func (m *MemoryCache) pool(w, h int) *LRU[image.Image] {
	if IsThumbnailSize(w, h) {
		return m.thumbnails
	}
	return m.general
}

// PoolFor returns the pool name a w×h target is stored in.
func PoolFor(w, h int) string {
	if IsThumbnailSize(w, h) {
		return PoolThumbnail
	}
	return PoolGeneral
}

// Get looks up the exact size-qualified key.
func (m *MemoryCache) Get(key string, w, h int) (image.Image, bool) {
	img, ok := m.pool(w, h).Get(key)
	if ok {
		m.hits++
	} else {
		m.misses++
	}
	return img, ok
}

// Contains reports whether key is cached without affecting recency or counters.
func (m *MemoryCache) Contains(key string, w, h int) bool {
	return m.pool(w, h).Contains(key)
}

// GetAnySize returns an image cached for url at any size. Only thumbnail
// targets may use it; larger targets always miss to avoid blurry upscales.
func (m *MemoryCache) GetAnySize(url string, w, h int) (image.Image, bool) {
	if !IsThumbnailSize(w, h) {
		return nil, false
	}
	img, ok := m.thumbnails.Get(anySizeKey(url))
	if ok {
		m.anySizeHits++
	}
	return img, ok
}

// Set stores img under key. For thumbnail targets the image is also stored
// under the URL-only fallback key.
func (m *MemoryCache) Set(key, url string, w, h int, img image.Image) {
	if img == nil {
		return
	}
	m.pool(w, h).Set(key, img)
	if IsThumbnailSize(w, h) && url != "" {
		m.thumbnails.Set(anySizeKey(url), img)
	}
}

// Clear drops every entry in both pools.
func (m *MemoryCache) Clear() {
	m.thumbnails.Clear()
	m.general.Clear()
}

// ClearGeneral drops the large-image pool only; used under memory pressure.
func (m *MemoryCache) ClearGeneral() int {
	n := m.general.Len()
	m.general.Clear()
	return n
}

// Len returns the entry count of the named pool.
func (m *MemoryCache) Len(pool string) int {
	if pool == PoolThumbnail {
		return m.thumbnails.Len()
	}
	return m.general.Len()
}

// Stats returns occupancy and counters.
func (m *MemoryCache) Stats() Stats {
	return Stats{
		ThumbnailEntries:  m.thumbnails.Len(),
		ThumbnailCapacity: m.thumbnails.Cap(),
		GeneralEntries:    m.general.Len(),
		GeneralCapacity:   m.general.Cap(),
		Hits:              m.hits,
		AnySizeHits:       m.anySizeHits,
		Misses:            m.misses,
		Evictions:         m.evictions,
	}
}
