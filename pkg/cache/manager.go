package cache

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"k2dl/pkg/config"
	"k2dl/pkg/kemono"
	"k2dl/pkg/logger"
)

// Manager is the feed cache. It keeps the records touched during this
// process in memory and writes them through a Store, either at once or
// deferred until FlushPending.
type Manager struct {
	store  Store
	logger logger.Logger

	mu      sync.Mutex
	records map[Key]*Record
	pending map[Key]bool
}

// NewManager creates a cache manager over store
func NewManager(store Store, log logger.Logger) *Manager {
	return &Manager{
		store:   store,
		logger:  logger.OrGlobal(log).WithField("component", "cache"),
		records: make(map[Key]*Record),
		pending: make(map[Key]bool),
	}
}

// Open builds the store named by cfg and wraps it in a Manager
func Open(cfg config.CacheConfig, log logger.Logger) (*Manager, error) {
	var (
		store Store
		err   error
	)
	switch strings.ToLower(cfg.Backend) {
	case "", "json":
		store, err = NewJSONStore(cfg.Directory)
	case "sqlite":
		path := ""
		if cfg.Directory != "" {
			path = filepath.Join(cfg.Directory, "cache.db")
		}
		store, err = NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return NewManager(store, log), nil
}

// record returns the live record for k, loading it on first use.
// A missing or corrupt record becomes an empty one. Callers hold m.mu.
func (m *Manager) record(k Key) *Record {
	if r, ok := m.records[k]; ok {
		return r
	}

	r, err := m.store.Load(k)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			m.logger.WarnWithFields("failed to load cache record, starting empty", map[string]interface{}{
				"service":    k.Service,
				"creator_id": k.CreatorID,
				"error":      err.Error(),
			})
		}
		// not memoised, so a later successful write is the first population
		return NewRecord(k)
	}
	m.records[k] = r
	return r
}

func (m *Manager) save(k Key, immediate bool) error {
	if !immediate {
		m.pending[k] = true
		return nil
	}
	r, ok := m.records[k]
	if !ok {
		delete(m.pending, k)
		return nil
	}
	if err := m.store.Save(r); err != nil {
		return fmt.Errorf("save cache %s: %w", k, err)
	}
	delete(m.pending, k)
	return nil
}

// Load returns a snapshot of the creator's record. Absent or corrupt records
// come back empty.
func (m *Manager) Load(service, creatorID string) *Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record(Key{service, creatorID}).Clone()
}

// CachedPosts returns the cached posts from offset on, or nil when the
// record is invalid or holds nothing at that offset.
func (m *Manager) CachedPosts(service, creatorID string, offset int) []kemono.RawPost {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.record(Key{service, creatorID})
	if !r.Valid() || offset < 0 || offset >= len(r.Posts) {
		return nil
	}
	return append([]kemono.RawPost(nil), r.Posts[offset:]...)
}

// MergePosts adds the posts whose ids are new and keeps the list sorted
// newest first. Nothing is written when no post was added, except on the
// first population of a record. With delaySave the write waits for
// FlushPending.
func (m *Manager) MergePosts(service, creatorID string, posts []kemono.RawPost, delaySave bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := Key{service, creatorID}
	r := m.record(k)
	wasEmpty := len(r.Posts) == 0

	added := r.Merge(posts)
	if added == 0 && !wasEmpty {
		return 0, nil
	}

	r.touch()
	m.records[k] = r
	return added, m.save(k, !delaySave)
}

// CachedPostCount returns the stored post count, 0 without a record
func (m *Manager) CachedPostCount(service, creatorID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record(Key{service, creatorID}).CachedPostCount
}

// SetCachedPostCount records the post count and marks the record for the
// next flush.
func (m *Manager) SetCachedPostCount(service, creatorID string, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := Key{service, creatorID}
	r := m.record(k)
	r.CachedPostCount = count
	r.touch()
	m.records[k] = r
	m.pending[k] = true
}

// CachedProfile returns the cached creator profile
func (m *Manager) CachedProfile(service, creatorID string) (*kemono.Profile, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.record(Key{service, creatorID})
	if !r.Valid() || r.Profile == nil {
		return nil, false
	}
	p := *r.Profile
	return &p, true
}

// UpdateProfile stores the profile and writes the record immediately
func (m *Manager) UpdateProfile(service, creatorID string, p *kemono.Profile) error {
	if p == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	k := Key{service, creatorID}
	r := m.record(k)
	cp := *p
	r.Profile = &cp
	r.touch()
	m.records[k] = r
	return m.save(k, true)
}

// CachedTags returns the cached tag index
func (m *Manager) CachedTags(service, creatorID string) (map[string]int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.record(Key{service, creatorID})
	if !r.Valid() || r.Tags == nil {
		return nil, false
	}
	tags := make(map[string]int, len(r.Tags))
	for tag, n := range r.Tags {
		tags[tag] = n
	}
	return tags, true
}

// UpdateTags replaces the tag index and writes the record immediately
func (m *Manager) UpdateTags(service, creatorID string, tags map[string]int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := Key{service, creatorID}
	r := m.record(k)
	r.Tags = make(map[string]int, len(tags))
	for tag, n := range tags {
		r.Tags[tag] = n
	}
	r.touch()
	m.records[k] = r
	return m.save(k, true)
}

// PostTags returns the tags of one cached post
func (m *Manager) PostTags(service, creatorID, postID string) ([]string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.record(Key{service, creatorID}).Posts {
		if p.ID() == postID {
			return p.Tags(), true
		}
	}
	return nil, false
}

// Pending returns the keys waiting for FlushPending
func (m *Manager) Pending() []Key {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]Key, 0, len(m.pending))
	for k := range m.pending {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// FlushPending writes every record with deferred changes. All records are
// attempted; the errors are joined.
func (m *Manager) FlushPending() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for k := range m.pending {
		if err := m.save(k, true); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		m.logger.WarnWithFields("cache flush incomplete", map[string]interface{}{
			"failed": len(errs),
		})
		return errors.Join(errs...)
	}
	return nil
}

// Close flushes pending writes and closes the store
func (m *Manager) Close() error {
	flushErr := m.FlushPending()
	return errors.Join(flushErr, m.store.Close())
}
