package cache

import (
	"sort"
	"time"

	"k2dl/pkg/kemono"
)

// Key identifies one creator's cache record
type Key struct {
	Service   string
	CreatorID string
}

func (k Key) String() string {
	return k.Service + "_" + k.CreatorID
}

// Record is the persisted snapshot of everything known about one creator.
// Posts holds no duplicate ids and is ordered newest first.
type Record struct {
	Service         string           `json:"service"`
	CreatorID       string           `json:"creator_id"`
	Posts           []kemono.RawPost `json:"posts"`
	Profile         *kemono.Profile  `json:"profile,omitempty"`
	Tags            map[string]int   `json:"tags,omitempty"`
	CachedPostCount int              `json:"cached_post_count"`
	CachedAt        string           `json:"cached_at"`
	LastUpdated     string           `json:"last_updated"`
}

// NewRecord creates an empty record stamped with the current time
func NewRecord(k Key) *Record {
	now := timestamp(time.Now())
	return &Record{
		Service:     k.Service,
		CreatorID:   k.CreatorID,
		Posts:       []kemono.RawPost{},
		Tags:        map[string]int{},
		CachedAt:    now,
		LastUpdated: now,
	}
}

// Key returns the record's cache key
func (r *Record) Key() Key {
	return Key{Service: r.Service, CreatorID: r.CreatorID}
}

// Clone returns a copy that shares the post maps but none of the slices,
// so callers can hold it while the manager keeps merging.
func (r *Record) Clone() *Record {
	c := *r
	c.Posts = append([]kemono.RawPost(nil), r.Posts...)
	if r.Profile != nil {
		p := *r.Profile
		c.Profile = &p
	}
	c.Tags = make(map[string]int, len(r.Tags))
	for k, v := range r.Tags {
		c.Tags[k] = v
	}
	return &c
}

// Merge appends the posts whose ids are not already present and re-sorts
// the whole list by published timestamp, newest first. Posts without an id
// are ignored. It returns the number of posts added.
func (r *Record) Merge(posts []kemono.RawPost) int {
	seen := make(map[string]bool, len(r.Posts)+len(posts))
	for _, p := range r.Posts {
		seen[p.ID()] = true
	}

	added := 0
	for _, p := range posts {
		id := p.ID()
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		r.Posts = append(r.Posts, p)
		added++
	}

	// ISO-8601 strings order lexicographically
	sort.SliceStable(r.Posts, func(i, j int) bool {
		return r.Posts[i].Published() > r.Posts[j].Published()
	})
	r.CachedPostCount = len(r.Posts)
	return added
}

// Valid reports whether the record's timestamps parse
func (r *Record) Valid() bool {
	return validTimestamp(r.CachedAt)
}

func (r *Record) touch() {
	r.LastUpdated = timestamp(time.Now())
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
}

func timestamp(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

func validTimestamp(s string) bool {
	for _, layout := range timestampLayouts {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}
