package kemono

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"k2dl/pkg/logger"
)

type memoryProfileCache struct {
	mu       sync.Mutex
	profiles map[string]*Profile
	tags     map[string]map[string]int
}

func newMemoryProfileCache() *memoryProfileCache {
	return &memoryProfileCache{
		profiles: map[string]*Profile{},
		tags:     map[string]map[string]int{},
	}
}

func (m *memoryProfileCache) CachedProfile(service, id string) (*Profile, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[service+"/"+id]
	return p, ok
}

func (m *memoryProfileCache) UpdateProfile(service, id string, p *Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[service+"/"+id] = p
	return nil
}

func (m *memoryProfileCache) CachedTags(service, id string) (map[string]int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tags[service+"/"+id]
	return t, ok
}

func (m *memoryProfileCache) UpdateTags(service, id string, tags map[string]int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tags[service+"/"+id] = tags
	return nil
}

func newAPIServer(t *testing.T, postCount *atomic.Int64) (*httptest.Server, Domain) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/patreon/user/7/profile", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"7","name":"Seven","service":"patreon","post_count":` + strconv.FormatInt(postCount.Load(), 10) + `,"updated":"2024-05-01T00:00:00"}`))
	})
	mux.HandleFunc("/api/v1/patreon/user/7/tags", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"tag":"sketch","post_count":3},{"tag":"empty","post_count":0}]`))
	})
	mux.HandleFunc("/api/v1/patreon/user/7/post/99", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"post":{"id":"99","title":"Detail","tags":["sketch"]}}`))
	})
	mux.HandleFunc("/api/v1/patreon/user/7/posts", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "50", r.URL.Query().Get("o"))
		_, _ = w.Write([]byte(`[{"id":"1"},{"id":"2"}]`))
	})
	server := httptest.NewServer(mux)
	return server, NewDomain("test", server.URL)
}

func TestAPIProfileCacheOrFetch(t *testing.T) {
	var count atomic.Int64
	count.Store(10)
	server, d := newAPIServer(t, &count)
	defer server.Close()

	cache := newMemoryProfileCache()
	api := NewAPI(NewClient(ClientConfig{}, logger.NewNopLogger()), cache, logger.NewNopLogger())
	ctx := context.Background()

	p, err := api.Profile(ctx, d, "patreon", "7", false)
	require.NoError(t, err)
	assert.Equal(t, "Seven", p.Name)
	assert.Equal(t, 10, p.PostCount)
	assert.Equal(t, server.URL+"/patreon/user/7", p.URL)

	count.Store(12)
	cached, err := api.Profile(ctx, d, "patreon", "7", false)
	require.NoError(t, err)
	assert.Equal(t, 10, cached.PostCount)

	fresh, err := api.Profile(ctx, d, "patreon", "7", true)
	require.NoError(t, err)
	assert.Equal(t, 12, fresh.PostCount)

	stored, ok := cache.CachedProfile("patreon", "7")
	require.True(t, ok)
	assert.Equal(t, 12, stored.PostCount)
}

func TestAPITagsDropsEmpty(t *testing.T) {
	var count atomic.Int64
	server, d := newAPIServer(t, &count)
	defer server.Close()

	cache := newMemoryProfileCache()
	api := NewAPI(NewClient(ClientConfig{}, logger.NewNopLogger()), cache, logger.NewNopLogger())

	tags, err := api.Tags(context.Background(), d, "patreon", "7")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"sketch": 3}, tags)

	cached, ok := cache.CachedTags("patreon", "7")
	assert.True(t, ok)
	assert.Equal(t, tags, cached)
}

func TestAPIPostAndPage(t *testing.T) {
	var count atomic.Int64
	server, d := newAPIServer(t, &count)
	defer server.Close()

	api := NewAPI(NewClient(ClientConfig{}, logger.NewNopLogger()), nil, logger.NewNopLogger())
	ctx := context.Background()

	post, err := api.Post(ctx, d, "patreon", "7", "99")
	require.NoError(t, err)
	assert.Equal(t, "99", post.Body().ID())
	assert.Equal(t, []string{"sketch"}, post.Body().Tags())

	page, err := api.PostsPage(ctx, d, "patreon", "7", 50)
	require.NoError(t, err)
	assert.Len(t, page, 2)
}
