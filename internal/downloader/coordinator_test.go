package downloader

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"k2dl/pkg/detector"
	errs "k2dl/pkg/errors"
	"k2dl/pkg/kemono"
	"k2dl/pkg/logger"
	"k2dl/pkg/storage"
)

// fakeDownloader writes the URL into dest. URLs containing "big" count as
// large transfers; URLs in fail always fail.
type fakeDownloader struct {
	delay time.Duration
	fail  map[string]bool

	mu        sync.Mutex
	calls     []string
	active    int
	maxActive int
	large     int
	maxLarge  int
}

func (f *fakeDownloader) Download(ctx context.Context, url string, _ http.Header, dest string, progress ProgressFunc, _ RetryFunc) error {
	big := strings.Contains(url, "big")

	f.mu.Lock()
	f.calls = append(f.calls, url)
	f.active++
	f.maxActive = max(f.maxActive, f.active)
	if big {
		f.large++
		f.maxLarge = max(f.maxLarge, f.large)
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active--
		if big {
			f.large--
		}
		f.mu.Unlock()
	}()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return errs.ErrInterrupted
		}
	}
	if ctx.Err() != nil {
		return errs.ErrInterrupted
	}
	if f.fail[url] {
		return fmt.Errorf("boom")
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	if progress != nil {
		progress(int64(len(url)), int64(len(url)))
	}
	return os.WriteFile(dest, []byte(url), 0644)
}

func (f *fakeDownloader) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeProber struct{}

func (fakeProber) ContentLength(_ context.Context, url string, _ http.Header, _ time.Duration) int64 {
	if strings.Contains(url, "big") {
		return 100 * 1024 * 1024
	}
	return 1024
}

// countingProber records how many probes overlap
type countingProber struct {
	delay time.Duration

	mu        sync.Mutex
	active    int
	maxActive int
	probed    []string
}

func (p *countingProber) ContentLength(_ context.Context, url string, _ http.Header, _ time.Duration) int64 {
	p.mu.Lock()
	p.probed = append(p.probed, url)
	p.active++
	p.maxActive = max(p.maxActive, p.active)
	p.mu.Unlock()

	time.Sleep(p.delay)

	p.mu.Lock()
	p.active--
	p.mu.Unlock()
	return 1024
}

type fakeFetcher struct {
	mu    sync.Mutex
	posts map[string]kemono.RawPost
	calls int
}

func (f *fakeFetcher) Post(_ context.Context, _ kemono.Domain, service, _ string, postID string) (kemono.RawPost, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if service != strings.ToLower(service) {
		return nil, fmt.Errorf("service %q not lowercased", service)
	}
	p, ok := f.posts[postID]
	if !ok {
		return nil, fmt.Errorf("post %s not found", postID)
	}
	return p, nil
}

func testPost(id string, tags []string, names ...string) detector.PostFiles {
	files := make([]detector.FileRef, 0, len(names))
	for _, n := range names {
		files = append(files, detector.FileRef{URL: "https://kemono.test/data/" + id + "/" + n, Name: n})
	}
	return detector.PostFiles{
		Info: detector.PostInfo{
			Service:     "Patreon",
			CreatorID:   "42",
			CreatorName: "Artist",
			PostID:      id,
			PostTitle:   "Post " + id,
			Tags:        tags,
		},
		Files: files,
	}
}

func rawPost(id string, tags []string, names ...string) kemono.RawPost {
	attachments := make([]any, 0, len(names))
	for _, n := range names {
		attachments = append(attachments, map[string]any{"path": "/data/" + id + "/" + n, "name": n})
	}
	tagList := make([]any, 0, len(tags))
	for _, t := range tags {
		tagList = append(tagList, t)
	}
	return kemono.RawPost{"id": id, "title": "Post " + id, "tags": tagList, "attachments": attachments}
}

type reporterSpy struct {
	mu    sync.Mutex
	done  []string
	stats []Stats
}

func (r *reporterSpy) FileProgress(string, int64, int64) {}
func (r *reporterSpy) FileRetry(string, int, bool)       {}
func (r *reporterSpy) FileDone(name string, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = append(r.done, name)
}
func (r *reporterSpy) Stats(s Stats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats = append(r.stats, s)
}

type coordFixture struct {
	coord    *Coordinator
	dl       *fakeDownloader
	fetcher  *fakeFetcher
	store    *storage.Manager
	reporter *reporterSpy
}

func newCoordFixture(t *testing.T) *coordFixture {
	t.Helper()
	store, err := storage.NewManager(t.TempDir(), storage.Templates{
		Creator: "{creator_name}",
		Post:    "{post_id}",
		File:    "{file_name_original}{file_ext}",
	})
	require.NoError(t, err)

	f := &coordFixture{
		dl:       &fakeDownloader{fail: map[string]bool{}},
		fetcher:  &fakeFetcher{posts: map[string]kemono.RawPost{}},
		store:    store,
		reporter: &reporterSpy{},
	}
	f.coord = NewCoordinator(f.dl, fakeProber{}, f.fetcher, store, f.reporter, logger.NewNopLogger())
	return f
}

func opts(exts ...string) Options {
	return Options{
		Domain:     kemono.NewDomain("test", "https://kemono.test"),
		Extensions: detector.NewExtensions(exts),
		Threads:    4,
	}
}

func TestRunRejectsEmptyExtensions(t *testing.T) {
	f := newCoordFixture(t)
	_, err := f.coord.Run(context.Background(), []detector.PostFiles{testPost("1", nil, "a.jpg")}, opts())
	assert.ErrorIs(t, err, errs.ErrNoExtensions)
	assert.Empty(t, f.dl.Calls())
}

func TestRunRejectsWhenNothingIsEligible(t *testing.T) {
	f := newCoordFixture(t)
	posts := []detector.PostFiles{testPost("1", nil, "art.psd")}

	_, err := f.coord.Run(context.Background(), posts, opts(".jpg", ".png"))
	assert.ErrorIs(t, err, errs.ErrNoEligibleFiles)
	assert.Equal(t, StateFinished, f.coord.State())
}

func TestRunDownloadsEligibleFiles(t *testing.T) {
	f := newCoordFixture(t)
	posts := []detector.PostFiles{
		testPost("3", nil, "a.jpg", "b.png", "skip.psd"),
		testPost("2", nil, "c.jpg"),
		testPost("1", nil, "d.gif"),
	}

	summary, err := f.coord.Run(context.Background(), posts, opts(".jpg", ".png"))
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Success)
	assert.Zero(t, summary.Failed)
	assert.Equal(t, 3, summary.ProcessedPosts)
	assert.Equal(t, 2, summary.MatchedPosts)
	assert.False(t, summary.Paused)
	assert.FileExists(t, filepath.Join(f.store.Root(), "Artist", "3", "a.jpg"))
	assert.FileExists(t, filepath.Join(f.store.Root(), "Artist", "2", "c.jpg"))
	assert.NoFileExists(t, filepath.Join(f.store.Root(), "Artist", "3", "skip.psd"))
	assert.Len(t, f.reporter.done, 3)
	require.NotEmpty(t, f.reporter.stats)
	assert.Equal(t, 3, f.reporter.stats[len(f.reporter.stats)-1].Completed)
}

func TestRunSegmentedArchiveWildcard(t *testing.T) {
	f := newCoordFixture(t)
	posts := []detector.PostFiles{testPost("1", nil, "pack.7z.001", "pack.7z.002", "pack.7z.015")}

	summary, err := f.coord.Run(context.Background(), posts, opts(".001"))
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Success)
}

func TestRunHonoursStartAndEndIDs(t *testing.T) {
	f := newCoordFixture(t)
	var posts []detector.PostFiles
	for i := 6; i >= 1; i-- {
		posts = append(posts, testPost(fmt.Sprint(i), nil, fmt.Sprintf("f%d.jpg", i)))
	}

	o := opts(".jpg")
	o.StartID = "5"
	o.EndID = "3"
	summary, err := f.coord.Run(context.Background(), posts, o)
	require.NoError(t, err)

	assert.Equal(t, 3, summary.ProcessedPosts)
	assert.Equal(t, 3, summary.Success)
	calls := f.dl.Calls()
	assert.ElementsMatch(t, []string{
		"https://kemono.test/data/5/f5.jpg",
		"https://kemono.test/data/4/f4.jpg",
		"https://kemono.test/data/3/f3.jpg",
	}, calls)
}

func TestRunStartIDNeverSeen(t *testing.T) {
	f := newCoordFixture(t)
	posts := []detector.PostFiles{testPost("1", nil, "a.jpg")}

	o := opts(".jpg")
	o.StartID = "999"
	summary, err := f.coord.Run(context.Background(), posts, o)
	require.NoError(t, err)
	assert.Zero(t, summary.ProcessedPosts)
	assert.Empty(t, f.dl.Calls())
}

func TestRunTagFilterIsAllOf(t *testing.T) {
	f := newCoordFixture(t)
	posts := []detector.PostFiles{
		testPost("1", nil, "one.jpg"),
		testPost("2", nil, "two.jpg"),
		testPost("3", nil, "three.jpg"),
		testPost("4", nil, "four.jpg"),
	}
	f.fetcher.posts["1"] = rawPost("1", []string{"a", "b"}, "one.jpg", "one-extra.png")
	f.fetcher.posts["2"] = rawPost("2", []string{"a", "c"}, "two.jpg")
	f.fetcher.posts["3"] = rawPost("3", []string{"c"}, "three.jpg")

	o := opts(".jpg", ".png")
	o.Tags = []string{"a", "b"}
	summary, err := f.coord.Run(context.Background(), posts, o)
	require.NoError(t, err)

	assert.Equal(t, 4, summary.ProcessedPosts)
	assert.Equal(t, 1, summary.MatchedPosts)
	assert.Equal(t, 2, summary.Success, "files come from the detailed fetch")
	assert.Equal(t, 4, f.fetcher.calls)
	assert.ElementsMatch(t, []string{
		"https://kemono.test/data/1/one.jpg",
		"https://kemono.test/data/1/one-extra.png",
	}, f.dl.Calls())
}

func TestRunIsolatesFailures(t *testing.T) {
	f := newCoordFixture(t)
	var posts []detector.PostFiles
	for i := 1; i <= 25; i++ {
		p := testPost(fmt.Sprint(i), nil, fmt.Sprintf("f%d.jpg", i))
		f.dl.fail[p.Files[0].URL] = true
		posts = append(posts, p)
	}
	posts = append(posts, testPost("ok", nil, "fine.jpg"), testPost("noext", nil, "README"))

	summary, err := f.coord.Run(context.Background(), posts, opts(".jpg"))
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Success)
	assert.Equal(t, 25, summary.Failed)
	assert.Len(t, summary.FailedFiles, MaxReportedFailures)
	assert.Equal(t, "boom", summary.FailedFiles[0].Error)
}

func TestRunSkipsFilesAlreadyOnDisk(t *testing.T) {
	f := newCoordFixture(t)
	posts := []detector.PostFiles{testPost("1", nil, "a.jpg", "b.jpg")}

	existing := filepath.Join(f.store.Root(), "Artist", "1", "a.jpg")
	require.NoError(t, os.MkdirAll(filepath.Dir(existing), 0755))
	require.NoError(t, os.WriteFile(existing, []byte("done"), 0644))

	summary, err := f.coord.Run(context.Background(), posts, opts(".jpg"))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 1, summary.Success)
	assert.Equal(t, []string{"https://kemono.test/data/1/b.jpg"}, f.dl.Calls())
}

func TestRunAtMostOneLargeTransfer(t *testing.T) {
	f := newCoordFixture(t)
	f.dl.delay = 20 * time.Millisecond
	var posts []detector.PostFiles
	for i := 1; i <= 4; i++ {
		posts = append(posts, testPost(fmt.Sprint(i), nil, "big-a.mp4", "small.jpg", "big-b.mp4"))
	}

	o := opts(".mp4", ".jpg")
	o.Threads = 8
	summary, err := f.coord.Run(context.Background(), posts, o)
	require.NoError(t, err)

	assert.Equal(t, 12, summary.Success)
	assert.Equal(t, 1, f.dl.maxLarge)
}

func TestRunProbesSizesConcurrently(t *testing.T) {
	f := newCoordFixture(t)
	prober := &countingProber{delay: 20 * time.Millisecond}
	f.coord = NewCoordinator(f.dl, prober, f.fetcher, f.store, f.reporter, logger.NewNopLogger())
	posts := []detector.PostFiles{testPost("1", nil, "a.jpg", "b.jpg", "c.jpg", "d.jpg")}

	existing := filepath.Join(f.store.Root(), "Artist", "1", "d.jpg")
	require.NoError(t, os.MkdirAll(filepath.Dir(existing), 0755))
	require.NoError(t, os.WriteFile(existing, []byte("done"), 0644))

	summary, err := f.coord.Run(context.Background(), posts, opts(".jpg"))
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Success)
	assert.Equal(t, 1, summary.Skipped)
	assert.Len(t, prober.probed, 3, "files on disk are not probed")
	assert.Greater(t, prober.maxActive, 1)
	assert.LessOrEqual(t, prober.maxActive, 4)
}

func TestRunKeepsFeedOrderWithTagFetches(t *testing.T) {
	f := newCoordFixture(t)
	f.dl.delay = 5 * time.Millisecond
	var posts []detector.PostFiles
	for i := 1; i <= 6; i++ {
		id := fmt.Sprint(i)
		posts = append(posts, testPost(id, nil, "f.jpg"))
		f.fetcher.posts[id] = rawPost(id, []string{"a"}, "f.jpg")
	}

	o := opts(".jpg")
	o.Tags = []string{"a"}
	o.Threads = 1
	o.EndID = "4"
	summary, err := f.coord.Run(context.Background(), posts, o)
	require.NoError(t, err)

	assert.Equal(t, 4, summary.ProcessedPosts)
	assert.Equal(t, 4, f.fetcher.calls)
	assert.Equal(t, []string{
		"https://kemono.test/data/1/f.jpg",
		"https://kemono.test/data/2/f.jpg",
		"https://kemono.test/data/3/f.jpg",
		"https://kemono.test/data/4/f.jpg",
	}, f.dl.Calls())
}

func TestRunCapsWorkers(t *testing.T) {
	f := newCoordFixture(t)
	f.dl.delay = 30 * time.Millisecond
	var posts []detector.PostFiles
	for i := 1; i <= 40; i++ {
		posts = append(posts, testPost(fmt.Sprint(i), nil, "f.jpg"))
	}

	o := opts(".jpg")
	o.Threads = 20
	summary, err := f.coord.Run(context.Background(), posts, o)
	require.NoError(t, err)

	assert.Equal(t, 40, summary.Success)
	assert.LessOrEqual(t, f.dl.maxActive, MaxWorkers)
}

func TestRunPause(t *testing.T) {
	f := newCoordFixture(t)
	f.dl.delay = 5 * time.Second
	var posts []detector.PostFiles
	for i := 1; i <= 30; i++ {
		posts = append(posts, testPost(fmt.Sprint(i), nil, "f.jpg"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	summary, err := f.coord.Run(ctx, posts, opts(".jpg"))
	require.NoError(t, err)

	assert.True(t, summary.Paused)
	assert.Zero(t, summary.Failed, "interrupted transfers are not failures")
	assert.Zero(t, summary.Success)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestWidth(t *testing.T) {
	tests := map[int]int{0: 1, 1: 1, 5: 5, 10: 10, 20: 10}
	for threads, want := range tests {
		if got := Width(threads); got != want {
			t.Errorf("Width(%d) = %d, want %d", threads, got, want)
		}
	}
}

func TestHasTags(t *testing.T) {
	assert.True(t, HasTags([]string{"a", "b"}, []string{"a", "b"}))
	assert.True(t, HasTags([]string{"a", "b", "c"}, []string{"b"}))
	assert.False(t, HasTags([]string{"a", "b"}, []string{"a", "c"}))
	assert.True(t, HasTags(nil, nil))
}

func TestThrottleProgress(t *testing.T) {
	spy := &progressSpy{}
	th := newThrottle(spy, 10)
	now := time.Unix(0, 0)
	th.now = func() time.Time { return now }

	th.progress("f", 10, 100)
	th.progress("f", 20, 100)
	now = now.Add(150 * time.Millisecond)
	th.progress("f", 30, 100)
	th.progress("f", 100, 100)

	assert.Equal(t, []int64{10, 30, 100}, spy.progress)
}

func TestThrottleStatsBatches(t *testing.T) {
	spy := &progressSpy{}
	th := newThrottle(spy, 10)
	now := time.Unix(0, 0)
	th.now = func() time.Time { return now }
	th.lastStats = now

	for i := 0; i < 4; i++ {
		th.done(fmt.Sprint(i), nil, false)
	}
	assert.Empty(t, spy.stats)

	th.done("4", nil, false)
	require.Len(t, spy.stats, 1)
	assert.Equal(t, 5, spy.stats[0].Completed)

	now = now.Add(2 * time.Second)
	th.done("5", fmt.Errorf("x"), false)
	require.Len(t, spy.stats, 2)
	assert.Equal(t, 1, spy.stats[1].Failed)
}

type progressSpy struct {
	NopReporter
	progress []int64
	stats    []Stats
}

func (p *progressSpy) FileProgress(_ string, d, _ int64) { p.progress = append(p.progress, d) }
func (p *progressSpy) Stats(s Stats)                     { p.stats = append(p.stats, s) }
