package downloader

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"k2dl/pkg/detector"
	errs "k2dl/pkg/errors"
	"k2dl/pkg/kemono"
	"k2dl/pkg/logger"
	"k2dl/pkg/storage"
)

const (
	// MaxWorkers caps concurrent transfers whatever the configured thread count
	MaxWorkers = 10
	// DefaultLargeFileThreshold is the probed size above which transfers are serialized
	DefaultLargeFileThreshold int64 = 50 * 1024 * 1024
	// MaxReportedFailures bounds Summary.FailedFiles
	MaxReportedFailures = 20
	// ProbeTimeout bounds the HEAD size probe
	ProbeTimeout = 5 * time.Second
)

// State is the lifecycle stage of a coordinator run
type State int32

const (
	StateIdle State = iota
	StateScanning
	StateSubmitting
	StateDraining
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateSubmitting:
		return "submitting"
	case StateDraining:
		return "draining"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Downloader transfers one file
type Downloader interface {
	Download(ctx context.Context, url string, header http.Header, dest string, progress ProgressFunc, onRetry RetryFunc) error
}

// SizeProber estimates a remote file size; 0 means unknown
type SizeProber interface {
	ContentLength(ctx context.Context, url string, header http.Header, timeout time.Duration) int64
}

// PostFetcher loads the full detail of one post
type PostFetcher interface {
	Post(ctx context.Context, d kemono.Domain, service, creatorID, postID string) (kemono.RawPost, error)
}

// Options selects what a run downloads
type Options struct {
	// Domain is the site the posts were detected on
	Domain kemono.Domain
	// Header is sent with every probe and transfer
	Header     http.Header
	Extensions detector.Extensions
	// Sources is used when tag filtering re-detects a post; nil means all
	Sources detector.Sources
	// Tags must all be present on a post for it to be downloaded
	Tags []string
	// StartID skips posts until this id, inclusive
	StartID string
	// EndID stops after this id, inclusive
	EndID   string
	Threads int
	// LargeFileThreshold defaults to DefaultLargeFileThreshold
	LargeFileThreshold int64
}

// FailedFile describes one file that could not be downloaded
type FailedFile struct {
	Name   string `json:"name"`
	URL    string `json:"url"`
	PostID string `json:"post_id"`
	Error  string `json:"error"`
}

// Summary is the outcome of a run
type Summary struct {
	Success        int          `json:"success"`
	Failed         int          `json:"failed"`
	Skipped        int          `json:"skipped"`
	FailedFiles    []FailedFile `json:"failed_files,omitempty"`
	Paused         bool         `json:"paused"`
	ProcessedPosts int          `json:"processed_posts"`
	MatchedPosts   int          `json:"matched_posts"`
	Queued         int          `json:"queued"`
	Bytes          int64        `json:"bytes"`
}

// Coordinator drives many transfers over a list of detected posts: it
// applies the post id range, tag and extension filters, lays files out
// through the storage manager and feeds a bounded worker pool, letting at
// most one large file transfer at a time.
type Coordinator struct {
	downloader Downloader
	prober     SizeProber
	fetcher    PostFetcher
	storage    *storage.Manager
	reporter   Reporter
	logger     logger.Logger

	state atomic.Int32

	largeMu   sync.Mutex
	lastLarge *Task

	retryMu  sync.Mutex
	retrying map[string]bool

	postsMu   sync.Mutex
	remaining map[string]int

	throttle *throttle
}

// NewCoordinator creates a coordinator. reporter may be nil.
func NewCoordinator(d Downloader, p SizeProber, f PostFetcher, s *storage.Manager, reporter Reporter, log logger.Logger) *Coordinator {
	return &Coordinator{
		downloader: d,
		prober:     p,
		fetcher:    f,
		storage:    s,
		reporter:   reporter,
		logger:     logger.OrGlobal(log).WithField("component", "coordinator"),
	}
}

// State returns the current lifecycle stage
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

func (c *Coordinator) setState(s State) {
	c.state.Store(int32(s))
	c.logger.DebugWithFields("state changed", map[string]interface{}{"state": s.String()})
}

// Width returns the effective pool width for a configured thread count
func Width(threads int) int {
	if threads < 1 {
		return 1
	}
	return min(threads, MaxWorkers)
}

// CountEligible counts the files of posts that pass the extension filter
func CountEligible(posts []detector.PostFiles, extensions detector.Extensions) int {
	n := 0
	for _, pf := range posts {
		for _, f := range pf.Files {
			if extensions.Match(f.Ext()) {
				n++
			}
		}
	}
	return n
}

// HasTags reports whether every required tag is present in tags
func HasTags(tags, required []string) bool {
	have := make(map[string]bool, len(tags))
	for _, t := range tags {
		have[t] = true
	}
	for _, t := range required {
		if !have[t] {
			return false
		}
	}
	return true
}

// tally is the result side of a run, owned by the collector goroutine
type tally struct {
	success  int
	failed   int
	bytes    int64
	failures []FailedFile
}

// Run downloads the eligible files of posts, in feed order. It fails fast
// with errs.ErrNoExtensions or errs.ErrNoEligibleFiles; every other problem
// is isolated to its post or file and reported in the Summary. Cancelling
// ctx pauses the run: in-flight transfers stop, their part files stay for
// the next run and Summary.Paused is set.
func (c *Coordinator) Run(ctx context.Context, posts []detector.PostFiles, opts Options) (Summary, error) {
	c.setState(StateScanning)
	defer c.setState(StateFinished)

	if opts.Extensions.Empty() {
		return Summary{}, errs.ErrNoExtensions
	}
	eligible := CountEligible(posts, opts.Extensions)
	if eligible == 0 {
		return Summary{}, errs.ErrNoEligibleFiles
	}
	if opts.LargeFileThreshold <= 0 {
		opts.LargeFileThreshold = DefaultLargeFileThreshold
	}
	if opts.Sources == nil {
		opts.Sources = detector.AllSources()
	}

	width := Width(opts.Threads)
	c.reset(eligible)

	logger.LogComponentStart(c.logger, "coordinator", map[string]interface{}{
		"posts":    len(posts),
		"eligible": eligible,
		"workers":  width,
		"tags":     opts.Tags,
	})

	pending := semaphore.NewWeighted(int64(width * 3))
	pool := NewWorkerPool(ctx, width, c.taskFunc(opts.Header, pending), c.logger)
	pool.Start()

	var results tally
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for r := range pool.Results() {
			c.record(&results, r)
		}
	}()

	c.setState(StateSubmitting)
	var summary Summary
	paused := c.submitAll(ctx, posts, opts, pool, pending, &summary)

	c.setState(StateDraining)
	if paused || ctx.Err() != nil {
		summary.Paused = true
		pool.Shutdown()
	} else {
		pool.Stop()
	}
	<-collected
	c.throttle.flush()

	summary.Success = results.success
	summary.Failed = results.failed
	summary.FailedFiles = results.failures
	summary.Bytes = results.bytes

	reason := "completed"
	if summary.Paused {
		reason = "paused"
	}
	c.logger.InfoWithFields("download run finished", map[string]interface{}{
		"success": summary.Success,
		"failed":  summary.Failed,
		"skipped": summary.Skipped,
		"paused":  summary.Paused,
		"size":    humanize.Bytes(uint64(summary.Bytes)),
	})
	logger.LogComponentStop(c.logger, "coordinator", reason)

	return summary, nil
}

func (c *Coordinator) reset(total int) {
	c.largeMu.Lock()
	c.lastLarge = nil
	c.largeMu.Unlock()

	c.retryMu.Lock()
	c.retrying = make(map[string]bool)
	c.retryMu.Unlock()

	c.postsMu.Lock()
	c.remaining = make(map[string]int)
	c.postsMu.Unlock()

	c.throttle = newThrottle(c.reporter, total)
}

// preparedPost is one post after filtering, with its files resolved and
// probed, ready for submission
type preparedPost struct {
	info  detector.PostInfo
	files []preparedFile
	err   error
}

type preparedFile struct {
	ref     detector.FileRef
	dest    string
	pathErr error
	size    int64
}

// submitAll queues the files of posts in feed order. Post detail fetches
// and size probes run ahead on a separate goroutine so their latency
// overlaps with submission. It returns true when the run was paused.
func (c *Coordinator) submitAll(ctx context.Context, posts []detector.PostFiles, opts Options, pool *WorkerPool, pending *semaphore.Weighted, summary *Summary) bool {
	prepCtx, cancel := context.WithCancel(ctx)
	prepared := make(chan preparedPost, Width(opts.Threads))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.prepare(prepCtx, posts, opts, prepared)
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	nextID := 0
	for p := range prepared {
		if ctx.Err() != nil {
			return true
		}
		summary.ProcessedPosts++

		if p.err != nil {
			c.logger.WarnWithFields("skipping post", map[string]interface{}{
				"post_id": p.info.PostID,
				"error":   p.err.Error(),
			})
			continue
		}
		if len(p.files) == 0 {
			continue
		}
		summary.MatchedPosts++
		if !c.submitPost(ctx, p, opts, pool, pending, summary, &nextID) {
			return true
		}
	}
	return ctx.Err() != nil
}

// prepare applies the post id range and the filters, then sends each
// processed post to out in feed order. out is closed when the walk ends.
func (c *Coordinator) prepare(ctx context.Context, posts []detector.PostFiles, opts Options, out chan<- preparedPost) {
	defer close(out)
	started := opts.StartID == ""

	for _, pf := range posts {
		if ctx.Err() != nil {
			return
		}

		id := pf.Info.PostID
		if !started {
			if id != opts.StartID {
				continue
			}
			started = true
		}

		info, files, err := c.selectFiles(ctx, pf, opts)
		if err != nil && ctx.Err() != nil {
			return
		}
		p := preparedPost{info: info, err: err}
		if err == nil && len(files) > 0 {
			p.files = c.resolveFiles(ctx, info, files, opts)
		}

		select {
		case out <- p:
		case <-ctx.Done():
			return
		}

		if opts.EndID != "" && id == opts.EndID {
			c.logger.DebugWithFields("end post reached", map[string]interface{}{"post_id": id})
			return
		}
	}
}

// resolveFiles lays out the files of one post and probes the sizes of
// those not yet on disk, concurrently up to the pool width
func (c *Coordinator) resolveFiles(ctx context.Context, info detector.PostInfo, files []detector.FileRef, opts Options) []preparedFile {
	out := make([]preparedFile, len(files))

	var g errgroup.Group
	g.SetLimit(Width(opts.Threads))
	for i, f := range files {
		out[i].ref = f
		out[i].dest, out[i].pathErr = c.storage.Path(info, f.Name)
		if out[i].pathErr != nil || c.storage.IsDownloaded(out[i].dest) {
			continue
		}
		g.Go(func() error {
			out[i].size = c.prober.ContentLength(ctx, f.URL, opts.Header, ProbeTimeout)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// selectFiles applies the tag and extension filters to one post. With tags
// selected the post detail is fetched and re-detected.
func (c *Coordinator) selectFiles(ctx context.Context, pf detector.PostFiles, opts Options) (detector.PostInfo, []detector.FileRef, error) {
	info := pf.Info

	if len(opts.Tags) == 0 {
		var files []detector.FileRef
		for _, f := range pf.Files {
			if opts.Extensions.Match(f.Ext()) {
				files = append(files, f)
			}
		}
		return info, files, nil
	}

	raw, err := c.fetcher.Post(ctx, opts.Domain, strings.ToLower(info.Service), info.CreatorID, info.PostID)
	if err != nil {
		return info, nil, err
	}

	summary, files := detector.Detect(raw, opts.Domain, opts.Extensions, opts.Sources)
	if !HasTags(summary.Tags, opts.Tags) {
		c.logger.DebugWithFields("post lacks required tags", map[string]interface{}{
			"post_id": info.PostID,
			"tags":    summary.Tags,
		})
		return info, nil, nil
	}
	info.Tags = summary.Tags
	return info, files, nil
}

// submitPost queues the files of one post. It returns false when the run
// was paused meanwhile.
func (c *Coordinator) submitPost(ctx context.Context, p preparedPost, opts Options, pool *WorkerPool, pending *semaphore.Weighted, summary *Summary, nextID *int) bool {
	info := p.info
	c.expect(info.PostID, len(p.files))

	for _, f := range p.files {
		if ctx.Err() != nil {
			return false
		}

		if f.pathErr != nil {
			c.logger.WarnWithFields("skipping file", map[string]interface{}{
				"post_id": info.PostID,
				"file":    f.ref.Name,
				"error":   f.pathErr.Error(),
			})
			c.settle(info.PostID)
			continue
		}

		// checked again here: an earlier post may have committed the same path
		if c.storage.IsDownloaded(f.dest) {
			summary.Skipped++
			c.throttle.done(f.ref.Name, nil, true)
			c.settle(info.PostID)
			continue
		}

		large := f.size > opts.LargeFileThreshold

		*nextID++
		task := NewTask(*nextID, info, f.ref, f.dest, f.size, large)

		if large && !c.waitLarge(ctx) {
			return false
		}
		if err := pending.Acquire(ctx, 1); err != nil {
			return false
		}
		if err := pool.Submit(task); err != nil {
			pending.Release(1)
			return false
		}
		if large {
			c.largeMu.Lock()
			c.lastLarge = task
			c.largeMu.Unlock()
			c.logger.DebugWithFields("large file queued", map[string]interface{}{
				"file": f.ref.Name,
				"size": humanize.Bytes(uint64(f.size)),
			})
		}
		summary.Queued++
	}
	return true
}

// waitLarge blocks until the previously queued large file finished
func (c *Coordinator) waitLarge(ctx context.Context) bool {
	c.largeMu.Lock()
	prev := c.lastLarge
	c.largeMu.Unlock()

	if prev == nil {
		return true
	}
	select {
	case <-prev.Done():
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Coordinator) taskFunc(header http.Header, pending *semaphore.Weighted) TaskFunc {
	return func(ctx context.Context, task *Task) error {
		defer pending.Release(1)

		name := task.File.Name
		progress := func(downloaded, total int64) {
			c.throttle.progress(name, downloaded, total)
		}
		onRetry := func(attempt int, retrying bool) {
			c.throttle.retry(name, attempt, retrying, c.markRetrying(name, retrying))
		}

		err := c.downloader.Download(ctx, task.File.URL, header, task.Dest, progress, onRetry)
		c.markRetrying(name, false)
		return err
	}
}

// markRetrying updates the retrying set and returns its size
func (c *Coordinator) markRetrying(name string, retrying bool) int {
	c.retryMu.Lock()
	defer c.retryMu.Unlock()
	if retrying {
		c.retrying[name] = true
	} else {
		delete(c.retrying, name)
	}
	return len(c.retrying)
}

// record folds one task result into the tally
func (c *Coordinator) record(t *tally, r TaskResult) {
	task := r.Task
	if errors.Is(r.Err, errs.ErrInterrupted) {
		return
	}

	var size int64
	if r.Err == nil {
		t.success++
		if info, err := os.Stat(task.Dest); err == nil {
			size = info.Size()
		}
		t.bytes += size
	} else {
		t.failed++
		if len(t.failures) < MaxReportedFailures {
			t.failures = append(t.failures, FailedFile{
				Name:   task.File.Name,
				URL:    task.File.URL,
				PostID: task.Post.PostID,
				Error:  r.Err.Error(),
			})
		}
	}

	logger.LogDownload(c.logger, task.Post.PostID, task.File.Name, size, r.Err)
	c.throttle.done(task.File.Name, r.Err, false)
	c.settle(task.Post.PostID)
}

func (c *Coordinator) expect(postID string, files int) {
	c.postsMu.Lock()
	defer c.postsMu.Unlock()
	c.remaining[postID] += files
}

// settle marks one file of a post as finished, whatever the outcome
func (c *Coordinator) settle(postID string) {
	c.postsMu.Lock()
	c.remaining[postID]--
	left := c.remaining[postID]
	if left <= 0 {
		delete(c.remaining, postID)
	}
	c.postsMu.Unlock()

	if left == 0 {
		c.logger.DebugWithFields("post complete", map[string]interface{}{"post_id": postID})
	}
}
