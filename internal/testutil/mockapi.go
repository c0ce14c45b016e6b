// Package testutil provides a mock remote API for tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"

	"k2dl/pkg/kemono"
)

// MockAPI simulates the remote API and its file host
type MockAPI struct {
	server *httptest.Server

	// GzipJSON frames every JSON body with gzip without announcing it
	GzipJSON atomic.Bool

	requestCount atomic.Int32

	mu        sync.RWMutex
	creators  map[string]*mockCreator
	files     map[string][]byte
	errors    map[string]int
	failNext  map[string]int
	delays    map[string]time.Duration
	noRange   map[string]bool
	truncate  map[string]int
	hits      map[string]int
	offsets   []int
	userAgent string
}

type mockCreator struct {
	name      string
	postCount int
	posts     []kemono.RawPost
	tags      []kemono.TagCount
}

// NewMockAPI starts the mock server
func NewMockAPI() *MockAPI {
	m := &MockAPI{
		creators: make(map[string]*mockCreator),
		files:    make(map[string][]byte),
		errors:   make(map[string]int),
		failNext: make(map[string]int),
		delays:   make(map[string]time.Duration),
		noRange:  make(map[string]bool),
		truncate: make(map[string]int),
		hits:     make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/{service}/user/{id}/profile", m.handleProfile)
	mux.HandleFunc("GET /api/v1/{service}/user/{id}/tags", m.handleTags)
	mux.HandleFunc("GET /api/v1/{service}/user/{id}/posts", m.handlePosts)
	mux.HandleFunc("GET /api/v1/{service}/user/{id}/post/{post}", m.handlePost)
	mux.HandleFunc("/data/", m.handleFile)

	m.server = httptest.NewServer(mux)
	return m
}

func key(service, id string) string { return service + "/" + id }

// AddCreator registers a creator whose feed is posts, newest first. The
// profile reports len(posts) unless SetPostCount overrides it.
func (m *MockAPI) AddCreator(service, id, name string, posts []kemono.RawPost) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creators[key(service, id)] = &mockCreator{name: name, postCount: -1, posts: posts}
}

// SetPosts replaces a creator's feed
func (m *MockAPI) SetPosts(service, id string, posts []kemono.RawPost) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.creators[key(service, id)]; ok {
		c.posts = posts
	}
}

// SetPostCount makes the profile report count regardless of the feed
func (m *MockAPI) SetPostCount(service, id string, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.creators[key(service, id)]; ok {
		c.postCount = count
	}
}

// SetTags sets a creator's tag index
func (m *MockAPI) SetTags(service, id string, tags []kemono.TagCount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.creators[key(service, id)]; ok {
		c.tags = tags
	}
}

// AddFile serves content at path, which must start with /data/
func (m *MockAPI) AddFile(path string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = content
}

// SetErrorResponse makes requests whose path starts with prefix fail with code
func (m *MockAPI) SetErrorResponse(prefix string, code int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[prefix] = code
}

// ClearErrorResponse removes an error set by SetErrorResponse
func (m *MockAPI) ClearErrorResponse(prefix string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.errors, prefix)
}

// FailNext makes the next n requests for exactly path fail with 503
func (m *MockAPI) FailNext(path string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext[path] = n
}

// SetDelay delays responses for exactly path
func (m *MockAPI) SetDelay(path string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delays[path] = d
}

// DisableRange makes path ignore Range headers and always send everything
func (m *MockAPI) DisableRange(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.noRange[path] = true
}

// TruncateNext makes the next full transfer of path stop after n bytes
// while still announcing the whole length.
func (m *MockAPI) TruncateNext(path string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.truncate[path] = n
}

// URL returns the server's base URL
func (m *MockAPI) URL() string { return m.server.URL }

// Domain returns a Domain pointing at the mock server
func (m *MockAPI) Domain() kemono.Domain {
	return kemono.NewDomain("mock", m.server.URL)
}

// Resolver always resolves to the mock domain
func (m *MockAPI) Resolver() kemono.Resolver {
	d := m.Domain()
	return func(string) kemono.Domain { return d }
}

// CreatorURL returns the public URL of a creator on the mock server
func (m *MockAPI) CreatorURL(service, id string) string {
	return fmt.Sprintf("%s/%s/user/%s", m.server.URL, service, id)
}

// PostURL returns the public URL of one post on the mock server
func (m *MockAPI) PostURL(service, id, postID string) string {
	return fmt.Sprintf("%s/%s/user/%s/post/%s", m.server.URL, service, id, postID)
}

// RequestCount returns the total number of requests
func (m *MockAPI) RequestCount() int {
	return int(m.requestCount.Load())
}

// Hits returns how often exactly path was requested
func (m *MockAPI) Hits(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hits[path]
}

// PageOffsets returns the listing offsets requested so far, in order
func (m *MockAPI) PageOffsets() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]int(nil), m.offsets...)
}

// UserAgent returns the User-Agent of the last request
func (m *MockAPI) UserAgent() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.userAgent
}

// ResetCounters clears request counters
func (m *MockAPI) ResetCounters() {
	m.requestCount.Store(0)
	m.mu.Lock()
	m.hits = make(map[string]int)
	m.offsets = nil
	m.mu.Unlock()
}

// Close shuts down the mock server
func (m *MockAPI) Close() {
	m.server.Close()
}

// intercept records the request and applies configured delays and
// failures. It returns false when a response was already written.
func (m *MockAPI) intercept(w http.ResponseWriter, r *http.Request) bool {
	m.requestCount.Add(1)
	path := r.URL.Path

	m.mu.Lock()
	m.hits[path]++
	m.userAgent = r.Header.Get("User-Agent")
	delay := m.delays[path]
	fail := m.failNext[path] > 0
	if fail {
		m.failNext[path]--
	}
	code := 0
	for prefix, c := range m.errors {
		if strings.HasPrefix(path, prefix) {
			code = c
			break
		}
	}
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return false
		}
	}
	if fail {
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
		return false
	}
	if code > 0 {
		http.Error(w, fmt.Sprintf("Error %d", code), code)
		return false
	}
	return true
}

func (m *MockAPI) creator(r *http.Request) (*mockCreator, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.creators[key(r.PathValue("service"), r.PathValue("id"))]
	return c, ok
}

func (m *MockAPI) writeJSON(w http.ResponseWriter, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if m.GzipJSON.Load() {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		zw.Write(data)
		zw.Close()
		data = buf.Bytes()
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (m *MockAPI) handleProfile(w http.ResponseWriter, r *http.Request) {
	if !m.intercept(w, r) {
		return
	}
	c, ok := m.creator(r)
	if !ok {
		http.NotFound(w, r)
		return
	}

	m.mu.RLock()
	count := c.postCount
	if count < 0 {
		count = len(c.posts)
	}
	name := c.name
	m.mu.RUnlock()

	m.writeJSON(w, map[string]interface{}{
		"id":         r.PathValue("id"),
		"name":       name,
		"service":    r.PathValue("service"),
		"post_count": count,
		"updated":    "2024-06-01T00:00:00",
	})
}

func (m *MockAPI) handleTags(w http.ResponseWriter, r *http.Request) {
	if !m.intercept(w, r) {
		return
	}
	c, ok := m.creator(r)
	if !ok {
		http.NotFound(w, r)
		return
	}

	m.mu.RLock()
	tags := append([]kemono.TagCount{}, c.tags...)
	m.mu.RUnlock()
	m.writeJSON(w, tags)
}

func (m *MockAPI) handlePosts(w http.ResponseWriter, r *http.Request) {
	offset, _ := strconv.Atoi(r.URL.Query().Get("o"))

	m.mu.Lock()
	m.offsets = append(m.offsets, offset)
	m.mu.Unlock()

	if !m.intercept(w, r) {
		return
	}
	c, ok := m.creator(r)
	if !ok {
		http.NotFound(w, r)
		return
	}

	m.mu.RLock()
	var page []kemono.RawPost
	if offset < len(c.posts) {
		end := offset + kemono.PageSize
		if end > len(c.posts) {
			end = len(c.posts)
		}
		page = append(page, c.posts[offset:end]...)
	}
	m.mu.RUnlock()

	if page == nil {
		page = []kemono.RawPost{}
	}
	m.writeJSON(w, page)
}

func (m *MockAPI) handlePost(w http.ResponseWriter, r *http.Request) {
	if !m.intercept(w, r) {
		return
	}
	c, ok := m.creator(r)
	if !ok {
		http.NotFound(w, r)
		return
	}

	postID := r.PathValue("post")
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range c.posts {
		if p.ID() == postID {
			m.writeJSON(w, map[string]interface{}{"post": p})
			return
		}
	}
	http.NotFound(w, r)
}

func (m *MockAPI) handleFile(w http.ResponseWriter, r *http.Request) {
	if !m.intercept(w, r) {
		return
	}

	path := r.URL.Path
	m.mu.Lock()
	content, ok := m.files[path]
	noRange := m.noRange[path]
	cut, truncate := m.truncate[path]
	if truncate && r.Method == http.MethodGet && r.Header.Get("Range") == "" {
		delete(m.truncate, path)
	} else {
		truncate = false
	}
	m.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}

	if noRange {
		r.Header.Del("Range")
	}

	if truncate {
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.WriteHeader(http.StatusOK)
		w.Write(content[:cut])
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		// the handler returning short of Content-Length drops the connection
		return
	}

	http.ServeContent(w, r, path, time.Time{}, bytes.NewReader(content))
}

// Post builds a listing entry with one primary file /data/{id}/file{id}.{ext}
func Post(id int, published time.Time, ext string, tags ...string) kemono.RawPost {
	sid := strconv.Itoa(id)
	tagList := make([]any, 0, len(tags))
	for _, t := range tags {
		tagList = append(tagList, t)
	}
	return kemono.RawPost{
		"id":        sid,
		"title":     "Post " + sid,
		"published": published.UTC().Format("2006-01-02T15:04:05"),
		"tags":      tagList,
		"file": map[string]any{
			"path": fmt.Sprintf("/data/%s/file%s%s", sid, sid, ext),
			"name": fmt.Sprintf("file%s%s", sid, ext),
		},
		"attachments": []any{},
		"content":     "",
	}
}

// Feed builds posts with ids from..to (inclusive), newest (highest id)
// first, one hour apart.
func Feed(from, to int, ext string) []kemono.RawPost {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	posts := make([]kemono.RawPost, 0, to-from+1)
	for id := to; id >= from; id-- {
		posts = append(posts, Post(id, base.Add(time.Duration(id)*time.Hour), ext))
	}
	return posts
}
