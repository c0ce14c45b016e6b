package cache

import (
	"errors"
	"fmt"
)

// Stats summarises the whole cache
type Stats struct {
	Creators int `json:"total_creators"`
	Posts    int `json:"total_posts"`
}

// Stats counts the readable records and their posts. Unreadable records
// are skipped.
func (m *Manager) Stats() (Stats, error) {
	if err := m.FlushPending(); err != nil {
		return Stats{}, err
	}

	keys, err := m.store.Keys()
	if err != nil {
		return Stats{}, err
	}

	var s Stats
	for _, k := range keys {
		r, err := m.store.Load(k)
		if err != nil {
			continue
		}
		s.Creators++
		s.Posts += len(r.Posts)
	}
	return s, nil
}

// ClearInvalid removes records that cannot be decoded or whose timestamps
// do not parse, then drops everything held in memory. It returns the number
// of records removed.
func (m *Manager) ClearInvalid() (int, error) {
	keys, err := m.store.Keys()
	if err != nil {
		return 0, err
	}

	removed := 0
	var errs []error
	for _, k := range keys {
		r, err := m.store.Load(k)
		switch {
		case err == nil && r.Valid():
			continue
		case err != nil && !errors.Is(err, ErrCorrupt):
			// unreadable for another reason; leave it alone
			continue
		}
		if err := m.store.Delete(k); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}

	m.reset()
	m.logger.InfoWithFields("invalid cache records cleared", map[string]interface{}{
		"removed": removed,
	})
	return removed, errors.Join(errs...)
}

// ClearAll deletes every record and returns how many were removed
func (m *Manager) ClearAll() (int, error) {
	keys, err := m.store.Keys()
	if err != nil {
		return 0, err
	}

	removed := 0
	var errs []error
	for _, k := range keys {
		if err := m.store.Delete(k); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}

	m.reset()
	m.logger.InfoWithFields("cache cleared", map[string]interface{}{
		"removed": removed,
	})
	return removed, errors.Join(errs...)
}

func (m *Manager) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[Key]*Record)
	m.pending = make(map[Key]bool)
}

// Diagnosis is the result of an integrity check on one record
type Diagnosis struct {
	Key           Key      `json:"key"`
	CachedCount   int      `json:"cached_count"`
	ExpectedCount int      `json:"expected_count,omitempty"`
	UniqueIDs     int      `json:"unique_ids"`
	Issues        []string `json:"issues"`
	Empty         bool     `json:"empty"`
}

// Healthy reports whether the check found nothing wrong
func (d Diagnosis) Healthy() bool {
	return !d.Empty && len(d.Issues) == 0
}

// Diagnose checks one record for duplicate ids, a post count different from
// expected (ignored when expected < 0) and, over more than ten posts,
// timestamps that are not newest first.
func (m *Manager) Diagnose(service, creatorID string, expected int) Diagnosis {
	r := m.Load(service, creatorID)
	d := Diagnosis{Key: r.Key(), CachedCount: len(r.Posts)}
	if expected >= 0 {
		d.ExpectedCount = expected
	}
	if len(r.Posts) == 0 {
		d.Empty = true
		return d
	}

	ids := make(map[string]bool, len(r.Posts))
	withID := 0
	for _, p := range r.Posts {
		if id := p.ID(); id != "" {
			ids[id] = true
			withID++
		}
	}
	d.UniqueIDs = len(ids)
	if dup := withID - len(ids); dup > 0 {
		d.Issues = append(d.Issues, fmt.Sprintf("%d duplicate post ids", dup))
	}

	if expected >= 0 && d.CachedCount != expected {
		if expected > d.CachedCount {
			d.Issues = append(d.Issues, fmt.Sprintf("incomplete: missing %d posts (%d/%d)",
				expected-d.CachedCount, d.CachedCount, expected))
		} else {
			d.Issues = append(d.Issues, fmt.Sprintf("more posts than expected (%d/%d)",
				d.CachedCount, expected))
		}
	}

	var stamps []string
	for _, p := range r.Posts {
		if s := p.Published(); s != "" {
			stamps = append(stamps, s)
		}
	}
	if len(stamps) > 10 {
		for i := 0; i < len(stamps)-1; i++ {
			if stamps[i] < stamps[i+1] {
				d.Issues = append(d.Issues, "post timestamps out of order")
				break
			}
		}
	}

	return d
}
