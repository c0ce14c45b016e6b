package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"k2dl/pkg/config"
	"k2dl/pkg/kemono"
	"k2dl/pkg/logger"
)

func post(id int, published string) kemono.RawPost {
	return kemono.RawPost{
		"id":        fmt.Sprintf("%d", id),
		"title":     fmt.Sprintf("Post %d", id),
		"published": published,
	}
}

func stamp(day int) string {
	return fmt.Sprintf("2024-01-%02dT00:00:00", day)
}

func newTestManager(t *testing.T) (*Manager, *JSONStore) {
	t.Helper()
	store, err := NewJSONStore(t.TempDir())
	require.NoError(t, err)
	return NewManager(store, logger.NewNopLogger()), store
}

func TestMergePostsIsIdempotent(t *testing.T) {
	m, _ := newTestManager(t)

	posts := []kemono.RawPost{post(1, stamp(1)), post(2, stamp(2)), post(3, stamp(3))}

	added, err := m.MergePosts("patreon", "42", posts, false)
	require.NoError(t, err)
	assert.Equal(t, 3, added)

	added, err = m.MergePosts("patreon", "42", posts, false)
	require.NoError(t, err)
	assert.Equal(t, 0, added)

	rec := m.Load("patreon", "42")
	assert.Len(t, rec.Posts, 3)
	assert.Equal(t, len(rec.Posts), rec.CachedPostCount)
}

func TestMergePostsSortsNewestFirst(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.MergePosts("fanbox", "7", []kemono.RawPost{post(1, stamp(5)), post(2, stamp(1))}, false)
	require.NoError(t, err)
	_, err = m.MergePosts("fanbox", "7", []kemono.RawPost{post(3, stamp(9)), post(4, stamp(3)), post(1, stamp(5))}, false)
	require.NoError(t, err)

	rec := m.Load("fanbox", "7")
	var ids []string
	for _, p := range rec.Posts {
		ids = append(ids, p.ID())
	}
	assert.Equal(t, []string{"3", "1", "4", "2"}, ids)
	assert.Equal(t, 4, rec.CachedPostCount)
}

func TestMergePostsSkipsPostsWithoutID(t *testing.T) {
	m, _ := newTestManager(t)

	added, err := m.MergePosts("patreon", "1", []kemono.RawPost{{"title": "no id"}, post(5, stamp(1))}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, added)
}

func TestDeferredMergeWaitsForFlush(t *testing.T) {
	m, store := newTestManager(t)

	_, err := m.MergePosts("patreon", "42", []kemono.RawPost{post(1, stamp(1))}, true)
	require.NoError(t, err)

	_, err = store.Load(Key{"patreon", "42"})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, []Key{{"patreon", "42"}}, m.Pending())

	require.NoError(t, m.FlushPending())
	assert.Empty(t, m.Pending())

	rec, err := store.Load(Key{"patreon", "42"})
	require.NoError(t, err)
	assert.Len(t, rec.Posts, 1)
}

func TestFirstPopulationIsWrittenEvenWhenEmpty(t *testing.T) {
	m, store := newTestManager(t)

	added, err := m.MergePosts("patreon", "empty", nil, false)
	require.NoError(t, err)
	assert.Equal(t, 0, added)

	rec, err := store.Load(Key{"patreon", "empty"})
	require.NoError(t, err)
	assert.Empty(t, rec.Posts)
	assert.True(t, rec.Valid())
}

func TestNoWriteWithoutNewPosts(t *testing.T) {
	m, store := newTestManager(t)

	_, err := m.MergePosts("patreon", "42", []kemono.RawPost{post(1, stamp(1))}, false)
	require.NoError(t, err)

	path := store.path(Key{"patreon", "42"})
	require.NoError(t, os.Remove(path))

	_, err = m.MergePosts("patreon", "42", []kemono.RawPost{post(1, stamp(1))}, false)
	require.NoError(t, err)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "merge without new posts must not write")
}

func TestProfileAndTagsAreWrittenImmediately(t *testing.T) {
	m, store := newTestManager(t)

	profile := &kemono.Profile{ID: "42", Name: "Someone", Service: "patreon", PostCount: 12}
	require.NoError(t, m.UpdateProfile("patreon", "42", profile))
	require.NoError(t, m.UpdateTags("patreon", "42", map[string]int{"art": 3}))

	rec, err := store.Load(Key{"patreon", "42"})
	require.NoError(t, err)
	require.NotNil(t, rec.Profile)
	assert.Equal(t, 12, rec.Profile.PostCount)
	assert.Equal(t, map[string]int{"art": 3}, rec.Tags)

	cached, ok := m.CachedProfile("patreon", "42")
	require.True(t, ok)
	assert.Equal(t, "Someone", cached.Name)

	tags, ok := m.CachedTags("patreon", "42")
	require.True(t, ok)
	tags["art"] = 99
	again, _ := m.CachedTags("patreon", "42")
	assert.Equal(t, 3, again["art"], "callers get a copy")
}

func TestCorruptRecordLoadsEmpty(t *testing.T) {
	m, store := newTestManager(t)

	path := store.path(Key{"patreon", "bad"})
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	rec := m.Load("patreon", "bad")
	assert.Empty(t, rec.Posts)
	assert.Equal(t, 0, m.CachedPostCount("patreon", "bad"))

	added, err := m.MergePosts("patreon", "bad", []kemono.RawPost{post(1, stamp(1))}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	reloaded, err := store.Load(Key{"patreon", "bad"})
	require.NoError(t, err)
	assert.Len(t, reloaded.Posts, 1)
}

func TestCachedPostsOffsets(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.MergePosts("patreon", "42", []kemono.RawPost{post(1, stamp(1)), post(2, stamp(2))}, false)
	require.NoError(t, err)

	assert.Len(t, m.CachedPosts("patreon", "42", 0), 2)
	assert.Len(t, m.CachedPosts("patreon", "42", 1), 1)
	assert.Nil(t, m.CachedPosts("patreon", "42", 2))
	assert.Nil(t, m.CachedPosts("patreon", "unknown", 0))
}

func TestSetCachedPostCountIsDeferred(t *testing.T) {
	m, store := newTestManager(t)

	_, err := m.MergePosts("patreon", "42", []kemono.RawPost{post(1, stamp(1))}, false)
	require.NoError(t, err)

	m.SetCachedPostCount("patreon", "42", 1)
	assert.Equal(t, 1, m.CachedPostCount("patreon", "42"))
	assert.Len(t, m.Pending(), 1)

	require.NoError(t, m.Close())
	rec, err := store.Load(Key{"patreon", "42"})
	require.NoError(t, err)
	assert.Equal(t, 1, rec.CachedPostCount)
}

func TestPostTags(t *testing.T) {
	m, _ := newTestManager(t)

	p := post(9, stamp(1))
	p["tags"] = []any{"a", "b"}
	_, err := m.MergePosts("patreon", "42", []kemono.RawPost{p}, false)
	require.NoError(t, err)

	tags, ok := m.PostTags("patreon", "42", "9")
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, tags)

	_, ok = m.PostTags("patreon", "42", "10")
	assert.False(t, ok)
}

func TestRecordsSurviveReopen(t *testing.T) {
	dir := t.TempDir()

	m, err := Open(config.CacheConfig{Directory: dir, Backend: "json"}, logger.NewNopLogger())
	require.NoError(t, err)
	_, err = m.MergePosts("patreon", "42", []kemono.RawPost{post(1, stamp(1)), post(2, stamp(2))}, true)
	require.NoError(t, err)
	require.NoError(t, m.Close())

	reopened, err := Open(config.CacheConfig{Directory: dir, Backend: "json"}, logger.NewNopLogger())
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, 2, reopened.CachedPostCount("patreon", "42"))
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	_, err := Open(config.CacheConfig{Backend: "redis"}, logger.NewNopLogger())
	assert.Error(t, err)
}
