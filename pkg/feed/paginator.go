package feed

import (
	"context"
	"fmt"
	"iter"
	"time"

	"k2dl/pkg/detector"
	"k2dl/pkg/kemono"
	"k2dl/pkg/logger"
	"k2dl/pkg/retry"
)

// PostCache is the part of the feed cache the paginator reconciles against
type PostCache interface {
	CachedPostCount(service, creatorID string) int
	CachedPosts(service, creatorID string, offset int) []kemono.RawPost
	MergePosts(service, creatorID string, posts []kemono.RawPost, delaySave bool) (int, error)
	SetCachedPostCount(service, creatorID string, count int)
	FlushPending() error
}

// Entry is one item of a feed stream. Creator feeds yield raw listing
// posts in Raw; a single post URL yields its detected files in Detected.
type Entry struct {
	Raw      kemono.RawPost
	Detected *detector.PostFiles
}

// Config tunes pagination
type Config struct {
	// PageRetries is the number of attempts per listing page
	PageRetries int
	// MaxConsecutiveFailures stops paging after this many failed pages in a row
	MaxConsecutiveFailures int
	// ReplayBatch is the number of cached posts yielded between pauses
	ReplayBatch int
	// ReplayPause is slept between replay batches
	ReplayPause time.Duration
	// Backoff is waited between page attempts
	Backoff retry.BackoffStrategy
}

// DefaultConfig returns the pagination defaults
func DefaultConfig() Config {
	return Config{
		PageRetries:            3,
		MaxConsecutiveFailures: 5,
		ReplayBatch:            100,
		ReplayPause:            time.Millisecond,
		Backoff:                retry.APIBackoff(),
	}
}

// Paginator walks creator feeds through the cache, fetching only the
// posts the cache does not hold yet.
type Paginator struct {
	api     *kemono.API
	cache   PostCache
	resolve kemono.Resolver
	cfg     Config
	logger  logger.Logger
}

// NewPaginator creates a paginator. A nil resolve selects kemono.DomainFor.
func NewPaginator(api *kemono.API, cache PostCache, resolve kemono.Resolver, cfg Config, log logger.Logger) *Paginator {
	def := DefaultConfig()
	if cfg.PageRetries <= 0 {
		cfg.PageRetries = def.PageRetries
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = def.MaxConsecutiveFailures
	}
	if cfg.ReplayBatch <= 0 {
		cfg.ReplayBatch = def.ReplayBatch
	}
	if cfg.Backoff == nil {
		cfg.Backoff = def.Backoff
	}
	if resolve == nil {
		resolve = kemono.DomainFor
	}

	return &Paginator{
		api:     api,
		cache:   cache,
		resolve: resolve,
		cfg:     cfg,
		logger:  logger.OrGlobal(log).WithField("component", "feed"),
	}
}

// Stream returns a lazy sequence over the feed rawURL points at. The URL
// is checked up front; everything else happens while the sequence is
// consumed. The sequence is not restartable mid-way but calling Stream
// again starts over. extensions and sources only apply to single posts.
func (p *Paginator) Stream(ctx context.Context, rawURL string, extensions detector.Extensions, sources detector.Sources) (iter.Seq[Entry], error) {
	target, err := kemono.ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	d := p.resolve(rawURL)

	if target.IsPost() {
		return func(yield func(Entry) bool) {
			if pf, ok := p.singlePost(ctx, d, target, extensions); ok {
				yield(Entry{Detected: pf})
			}
		}, nil
	}

	return func(yield func(Entry) bool) {
		p.creatorFeed(ctx, d, target.Service, target.CreatorID, yield)
	}, nil
}

func (p *Paginator) creatorFeed(ctx context.Context, d kemono.Domain, service, creatorID string, yield func(Entry) bool) {
	log := p.logger.WithFields(map[string]interface{}{
		"service":    service,
		"creator_id": creatorID,
	})

	serverTotal := 0
	profile, err := p.api.Profile(ctx, d, service, creatorID, true)
	if err != nil {
		log.WithError(err).Warn("profile unavailable, treating feed as empty")
	} else {
		serverTotal = profile.PostCount
	}

	cachedCount := p.cache.CachedPostCount(service, creatorID)
	cached := p.cache.CachedPosts(service, creatorID, 0)

	if cachedCount == serverTotal && len(cached) > 0 {
		log.DebugWithFields("cache is current, replaying", map[string]interface{}{
			"cached": len(cached),
		})
		p.replay(ctx, cached, nil, yield)
		return
	}

	toFetch := serverTotal
	known := make(map[string]bool)
	if cachedCount > 0 {
		toFetch = serverTotal - cachedCount
		if len(cached) > 0 && !p.replay(ctx, cached, known, yield) {
			return
		}
	}

	if toFetch <= 0 {
		return
	}

	log.InfoWithFields("fetching feed delta", map[string]interface{}{
		"server_total": serverTotal,
		"cached":       cachedCount,
		"to_fetch":     toFetch,
	})

	var collected []kemono.RawPost
	defer func() {
		p.commit(log, service, creatorID, cachedCount, collected)
	}()

	offset := 0
	failures := 0
	for len(collected) < toFetch {
		if ctx.Err() != nil {
			return
		}

		page, err := p.fetchPage(ctx, d, service, creatorID, offset)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			log.WarnWithFields("listing page failed", map[string]interface{}{
				"offset":   offset,
				"failures": failures,
				"error":    err.Error(),
			})
			if failures >= p.cfg.MaxConsecutiveFailures {
				log.Warn("too many consecutive page failures, stopping")
				return
			}
			offset += kemono.PageSize
			continue
		}
		failures = 0

		if len(page) == 0 {
			return
		}

		for _, post := range page {
			id := post.ID()
			if id == "" || known[id] {
				continue
			}
			known[id] = true
			collected = append(collected, post)
			if !yield(Entry{Raw: post}) {
				return
			}
		}

		if len(page) < kemono.PageSize {
			return
		}
		offset += kemono.PageSize
	}
}

// replay yields cached posts in batches, recording their ids in known
// when it is non-nil. It returns false when the consumer stopped.
func (p *Paginator) replay(ctx context.Context, posts []kemono.RawPost, known map[string]bool, yield func(Entry) bool) bool {
	for start := 0; start < len(posts); start += p.cfg.ReplayBatch {
		if ctx.Err() != nil {
			return false
		}
		end := min(start+p.cfg.ReplayBatch, len(posts))
		for _, post := range posts[start:end] {
			id := post.ID()
			if id == "" {
				continue
			}
			if known != nil {
				if known[id] {
					continue
				}
				known[id] = true
			}
			if !yield(Entry{Raw: post}) {
				return false
			}
		}
		if end < len(posts) {
			if err := retry.Wait(ctx, p.cfg.ReplayPause); err != nil {
				return false
			}
		}
	}
	return true
}

// fetchPage gets one listing page, retrying with backoff. Pages the
// server reports as missing are not retried.
func (p *Paginator) fetchPage(ctx context.Context, d kemono.Domain, service, creatorID string, offset int) ([]kemono.RawPost, error) {
	return retry.DoWithResult(func() ([]kemono.RawPost, error) {
		return p.api.PostsPage(ctx, d, service, creatorID, offset)
	}, &retry.Config{
		MaxAttempts: p.cfg.PageRetries,
		Backoff:     p.cfg.Backoff,
		Context:     ctx,
		Logger:      p.logger,
	})
}

// commit merges the delta into the cache and stores the new count
func (p *Paginator) commit(log logger.Logger, service, creatorID string, previous int, collected []kemono.RawPost) {
	if len(collected) > 0 {
		if _, err := p.cache.MergePosts(service, creatorID, collected, true); err != nil {
			log.WithError(err).Warn("failed to merge posts into cache")
		}
	}
	p.cache.SetCachedPostCount(service, creatorID, previous+len(collected))
	if err := p.cache.FlushPending(); err != nil {
		log.WithError(err).Warn("failed to flush feed cache")
	}
	logger.LogFeedProgress(log, service, creatorID, previous+len(collected), previous+len(collected))
}

func (p *Paginator) singlePost(ctx context.Context, d kemono.Domain, t kemono.Target, extensions detector.Extensions) (*detector.PostFiles, bool) {
	log := p.logger.WithFields(map[string]interface{}{
		"service":    t.Service,
		"creator_id": t.CreatorID,
		"post_id":    t.PostID,
	})

	creatorName := t.CreatorID
	if profile, err := p.api.Profile(ctx, d, t.Service, t.CreatorID, false); err == nil && profile.Name != "" {
		creatorName = profile.Name
	}

	raw, err := p.api.Post(ctx, d, t.Service, t.CreatorID, t.PostID)
	if err != nil {
		log.WithError(err).Warn("single post request failed")
		return nil, false
	}

	summary, files := detector.Detect(raw, d, extensions, detector.AllSources())
	if len(files) == 0 {
		log.Debug("post has no matching files")
		return nil, false
	}
	if summary.ID == "" {
		summary.ID = t.PostID
	}

	return &detector.PostFiles{
		Info:  detector.NewPostInfo(t.Service, t.CreatorID, creatorName, summary),
		Files: files,
	}, true
}

// Describe returns a short human readable form of a target, for logs
func Describe(t kemono.Target) string {
	if t.IsPost() {
		return fmt.Sprintf("%s/%s post %s", t.Service, t.CreatorID, t.PostID)
	}
	return fmt.Sprintf("%s/%s", t.Service, t.CreatorID)
}
