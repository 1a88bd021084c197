package cache

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"streamproxy/internal/metrics"
)

const (
	defaultMaxBytes      int64         = 1000 << 20 // 1000 MB
	defaultTTL           time.Duration = 7 * 24 * time.Hour
	defaultMaxEntryBytes int64         = 32 << 20

	// Fraction of entries dropped (least-recently-accessed first) when the
	// tracked size exceeds the budget.
	pressureEvictFraction = 0.3

	// Upper bound on the in-memory segment→manifest association map.
	maxParentAssociations = 4096
)

// Entry is the bookkeeping record for one cached body. Timestamps are unix
// milliseconds; the JSON field names are the persisted wire format.
type Entry struct {
	URL          string `json:"url"`
	VideoURL     string `json:"videoUrl"`
	CachedAt     int64  `json:"cachedAt"`
	Size         int64  `json:"size"`
	LastAccessed int64  `json:"lastAccessed"`
}

type Stats struct {
	TotalEntries int     `json:"totalEntries"`
	TotalSizeMB  float64 `json:"totalSizeMB"`
	OldestEntry  int64   `json:"oldestEntry"`
	NewestEntry  int64   `json:"newestEntry"`
}

// BodyStore holds the cached bodies themselves, keyed by request URL.
type BodyStore interface {
	Put(url string, body []byte) error
	Get(url string) ([]byte, error)
	Has(url string) bool
	Delete(url string) error
	DeleteAll() error
}

// MetadataStore persists the metadata map as a single blob under a
// well-known key.
type MetadataStore interface {
	Load(ctx context.Context) (map[string]Entry, error)
	Save(ctx context.Context, entries map[string]Entry) error
}

type ManagerConfig struct {
	Bodies        BodyStore
	Metadata      MetadataStore
	MaxSizeBytes  int64
	MaxEntryBytes int64
	TTL           time.Duration
	Now           func() time.Time
	Logger        *slog.Logger
}

// Manager tracks cache entries with a TTL and a total-size budget. Metadata
// is the source of truth for TTL and eviction decisions; body presence is
// re-verified before any hit is declared. All mutations persist the metadata
// synchronously; a persistence failure is logged and swallowed, leaving the
// cache operating in a degraded non-persistent mode.
type Manager struct {
	mu      sync.Mutex
	entries map[string]Entry
	parents map[string]string

	bodies        BodyStore
	meta          MetadataStore
	maxBytes      int64
	maxEntryBytes int64
	ttl           time.Duration
	now           func() time.Time
	logger        *slog.Logger
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.MaxSizeBytes <= 0 {
		cfg.MaxSizeBytes = defaultMaxBytes
	}
	if cfg.MaxEntryBytes <= 0 {
		cfg.MaxEntryBytes = defaultMaxEntryBytes
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &Manager{
		entries:       make(map[string]Entry),
		parents:       make(map[string]string),
		bodies:        cfg.Bodies,
		meta:          cfg.Metadata,
		maxBytes:      cfg.MaxSizeBytes,
		maxEntryBytes: cfg.MaxEntryBytes,
		ttl:           cfg.TTL,
		now:           cfg.Now,
		logger:        cfg.Logger,
	}

	if m.meta != nil {
		loaded, err := m.meta.Load(context.Background())
		if err != nil {
			m.logger.Warn("cache metadata load failed", slog.String("error", err.Error()))
		} else if loaded != nil {
			m.entries = loaded
		}
	}
	m.updateGauges()
	return m
}

// MaxEntryBytes is the per-entry size cap; larger bodies are not cached.
func (m *Manager) MaxEntryBytes() int64 {
	return m.maxEntryBytes
}

// Put stores a body and its bookkeeping entry. Oversized bodies are
// silently skipped.
func (m *Manager) Put(url, videoURL string, body []byte) {
	if int64(len(body)) > m.maxEntryBytes {
		return
	}
	if err := m.bodies.Put(url, body); err != nil {
		m.logger.Warn("cache body write failed", slog.String("url", url), slog.String("error", err.Error()))
		return
	}
	m.AddEntry(url, videoURL, int64(len(body)))
}

// AddEntry records (or refreshes) the metadata for a cached body.
func (m *Manager) AddEntry(url, videoURL string, size int64) {
	now := m.nowMillis()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[url] = Entry{
		URL:          url,
		VideoURL:     videoURL,
		CachedAt:     now,
		Size:         size,
		LastAccessed: now,
	}
	m.persistLocked()
	m.updateGaugesLocked()
}

// IsValid reports whether url has a live cache entry. A valid check
// refreshes the entry's lastAccessed time. Metadata pointing at a missing
// body is a silent miss: the stale record is dropped.
func (m *Manager) IsValid(url string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[url]
	if !ok {
		return false
	}
	if m.nowMillis()-entry.CachedAt > m.ttl.Milliseconds() {
		return false
	}
	if !m.bodies.Has(url) {
		delete(m.entries, url)
		m.persistLocked()
		m.updateGaugesLocked()
		return false
	}

	entry.LastAccessed = m.nowMillis()
	m.entries[url] = entry
	m.persistLocked()
	return true
}

// Get returns the cached body for url when the entry is valid and the body
// is present.
func (m *Manager) Get(url string) ([]byte, bool) {
	if !m.IsValid(url) {
		return nil, false
	}
	body, err := m.bodies.Get(url)
	if err != nil {
		return nil, false
	}
	return body, true
}

func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{TotalEntries: len(m.entries)}
	var totalSize int64
	for _, entry := range m.entries {
		totalSize += entry.Size
		if stats.OldestEntry == 0 || entry.CachedAt < stats.OldestEntry {
			stats.OldestEntry = entry.CachedAt
		}
		if entry.CachedAt > stats.NewestEntry {
			stats.NewestEntry = entry.CachedAt
		}
	}
	stats.TotalSizeMB = float64(totalSize) / (1024 * 1024)
	return stats
}

// CheckAndCleanup runs the size-pressure eviction when the tracked size
// exceeds the budget, then the TTL sweep. Called by the janitor.
func (m *Manager) CheckAndCleanup() {
	if m.totalSize() > m.maxBytes {
		m.CleanupOld()
	}
	m.CleanupExpired()
}

// CleanupExpired removes every entry older than the TTL by cachedAt.
func (m *Manager) CleanupExpired() int {
	cutoff := m.nowMillis() - m.ttl.Milliseconds()

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for url, entry := range m.entries {
		if entry.CachedAt < cutoff {
			m.deleteLocked(url, "expired")
			removed++
		}
	}
	if removed > 0 {
		m.persistLocked()
		m.updateGaugesLocked()
	}
	return removed
}

// CleanupOld evicts the 30% of entries with the oldest lastAccessed.
func (m *Manager) CleanupOld() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.entries) == 0 {
		return 0
	}

	sorted := make([]Entry, 0, len(m.entries))
	for _, entry := range m.entries {
		sorted = append(sorted, entry)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LastAccessed < sorted[j].LastAccessed })

	toRemove := int(math.Ceil(float64(len(sorted)) * pressureEvictFraction))
	removed := 0
	for i := 0; i < toRemove && i < len(sorted); i++ {
		m.deleteLocked(sorted[i].URL, "pressure")
		removed++
	}
	if removed > 0 {
		m.persistLocked()
		m.updateGaugesLocked()
	}
	return removed
}

// InvalidateVideo removes every entry associated with one parent manifest.
func (m *Manager) InvalidateVideo(videoURL string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cleared := 0
	for url, entry := range m.entries {
		if entry.VideoURL == videoURL {
			m.deleteLocked(url, "invalidated")
			cleared++
		}
	}
	if cleared > 0 {
		m.persistLocked()
		m.updateGaugesLocked()
	}
	return cleared
}

// ClearAll drops every entry and body.
func (m *Manager) ClearAll() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := len(m.entries)
	if err := m.bodies.DeleteAll(); err != nil {
		m.logger.Warn("cache body clear failed", slog.String("error", err.Error()))
	}
	m.entries = make(map[string]Entry)
	m.parents = make(map[string]string)
	metrics.CacheEvictionsTotal.WithLabelValues("invalidated").Add(float64(count))
	m.persistLocked()
	m.updateGaugesLocked()
	return count
}

// RegisterManifest records which parent playlist each referenced URL belongs
// to, so segments stored later can be attributed for bulk invalidation.
func (m *Manager) RegisterManifest(manifestURL string, refs []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.parents)+len(refs) > maxParentAssociations {
		m.parents = make(map[string]string, len(refs))
	}
	for _, ref := range refs {
		m.parents[ref] = manifestURL
	}
}

// ParentOf resolves a URL's parent manifest, defaulting to the URL itself.
func (m *Manager) ParentOf(url string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if parent, ok := m.parents[url]; ok {
		return parent
	}
	return url
}

// TotalSize returns the tracked size of all entries in bytes.
func (m *Manager) TotalSize() int64 {
	return m.totalSize()
}

func (m *Manager) EntryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Manager) totalSize() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total int64
	for _, entry := range m.entries {
		total += entry.Size
	}
	return total
}

// deleteLocked removes an entry and its body. Callers hold m.mu and are
// responsible for persisting afterwards.
func (m *Manager) deleteLocked(url, reason string) {
	delete(m.entries, url)
	if err := m.bodies.Delete(url); err != nil {
		m.logger.Warn("cache body delete failed", slog.String("url", url), slog.String("error", err.Error()))
	}
	metrics.CacheEvictionsTotal.WithLabelValues(reason).Inc()
}

func (m *Manager) persistLocked() {
	if m.meta == nil {
		return
	}
	snapshot := make(map[string]Entry, len(m.entries))
	for url, entry := range m.entries {
		snapshot[url] = entry
	}
	if err := m.meta.Save(context.Background(), snapshot); err != nil {
		metrics.CachePersistFailures.Inc()
		m.logger.Warn("cache metadata persist failed", slog.String("error", err.Error()))
	}
}

func (m *Manager) updateGauges() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateGaugesLocked()
}

func (m *Manager) updateGaugesLocked() {
	var total int64
	for _, entry := range m.entries {
		total += entry.Size
	}
	metrics.CacheSizeBytes.Set(float64(total))
	metrics.CacheEntries.Set(float64(len(m.entries)))
}

func (m *Manager) nowMillis() int64 {
	return m.now().UnixMilli()
}
