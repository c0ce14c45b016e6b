package session

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"k2dl/internal/downloader"
	"k2dl/pkg/cache"
	"k2dl/pkg/config"
	"k2dl/pkg/detector"
	"k2dl/pkg/feed"
	"k2dl/pkg/kemono"
	"k2dl/pkg/logger"
	"k2dl/pkg/ratelimit"
	"k2dl/pkg/retry"
	"k2dl/pkg/storage"
)

const (
	progressEvery    = 50
	progressInterval = 500 * time.Millisecond
)

// Options customises how a Session is wired. Every field is optional.
type Options struct {
	Logger logger.Logger
	// Resolver maps input URLs to a site; defaults to kemono.DomainFor
	Resolver kemono.Resolver
	// Transport overrides the HTTP transport
	Transport http.RoundTripper
	// Cache replaces the cache opened from the configuration
	Cache *cache.Manager
	// Backoff replaces every retry schedule, mainly for tests
	Backoff retry.BackoffStrategy
}

// Session owns the components of one process: the HTTP client, the feed
// cache, the paginator and the transfer engine. Detection and download
// runs borrow them.
type Session struct {
	cfg       *config.Config
	client    *kemono.Client
	api       *kemono.API
	cache     *cache.Manager
	paginator *feed.Paginator
	engineCfg downloader.EngineConfig
	resolve   kemono.Resolver
	logger    logger.Logger
}

// New creates a Session from cfg
func New(cfg *config.Config, opts Options) (*Session, error) {
	log := logger.OrGlobal(opts.Logger)

	cm := opts.Cache
	if cm == nil {
		var err error
		cm, err = cache.Open(cfg.Cache, log)
		if err != nil {
			return nil, fmt.Errorf("failed to open feed cache: %w", err)
		}
	}

	resolve := opts.Resolver
	if resolve == nil {
		resolve = kemono.DomainFor
	}

	client := kemono.NewClient(kemono.ClientConfig{
		UserAgent:      cfg.Remote.UserAgent,
		AcceptLanguage: cfg.Remote.AcceptLanguage,
		Timeout:        cfg.Remote.RequestTimeout,
		MaxRetries:     cfg.Remote.MaxRetries,
		PoolSize:       max(cfg.Remote.PoolSize, downloader.Width(cfg.Download.Concurrency)*2),
		Limiter:        ratelimit.PerMinute(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.BurstSize),
		Backoff:        opts.Backoff,
		Transport:      opts.Transport,
	}, log)
	api := kemono.NewAPI(client, cm, log)

	feedCfg := feed.DefaultConfig()
	if opts.Backoff != nil {
		feedCfg.Backoff = opts.Backoff
	}

	return &Session{
		cfg:       cfg,
		client:    client,
		api:       api,
		cache:     cm,
		paginator: feed.NewPaginator(api, cm, resolve, feedCfg, log),
		engineCfg: downloader.EngineConfig{
			RetryAttempts:     cfg.Download.RetryAttempts,
			InactivityTimeout: cfg.Download.InactivityTimeout,
			Backoff:           opts.Backoff,
		},
		resolve: resolve,
		logger:  log.WithField("component", "session"),
	}, nil
}

// Cache returns the feed cache
func (s *Session) Cache() *cache.Manager { return s.cache }

// API returns the remote API
func (s *Session) API() *kemono.API { return s.api }

// Close flushes and closes the feed cache
func (s *Session) Close() error {
	return s.cache.Close()
}

// Detection is the result of scanning one creator or post URL
type Detection struct {
	URL     string
	Target  kemono.Target
	Domain  kemono.Domain
	Profile *kemono.Profile
	Tags    map[string]int
	// Posts in feed order, including posts without files
	Posts []detector.PostFiles
}

// FileCount returns the number of detected files
func (d *Detection) FileCount() int {
	n := 0
	for _, p := range d.Posts {
		n += len(p.Files)
	}
	return n
}

// TagList returns the tag index ordered by post count, then name
func (d *Detection) TagList() []kemono.TagCount {
	list := make([]kemono.TagCount, 0, len(d.Tags))
	for tag, count := range d.Tags {
		list = append(list, kemono.TagCount{Tag: tag, PostCount: count})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].PostCount != list[j].PostCount {
			return list[i].PostCount > list[j].PostCount
		}
		return list[i].Tag < list[j].Tag
	})
	return list
}

// DetectOptions receives detection progress
type DetectOptions struct {
	// Sources limits where files are looked for; nil means all
	Sources detector.Sources
	// OnProfile is called once the creator profile is known
	OnProfile func(p *kemono.Profile)
	// OnProgress is called every 50 posts or half a second
	OnProgress func(loaded, total int)
}

// Detect scans rawURL and lists every post with the files it references.
// No extension filter applies; the download run filters.
func (s *Session) Detect(ctx context.Context, rawURL string, opts DetectOptions) (*Detection, error) {
	target, err := kemono.ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	sources := opts.Sources
	if sources == nil {
		sources = detector.AllSources()
	}

	det := &Detection{
		URL:    rawURL,
		Target: target,
		Domain: s.resolve(rawURL),
	}
	log := s.logger.WithFields(map[string]interface{}{
		"service":    target.Service,
		"creator_id": target.CreatorID,
	})
	log.InfoWithFields("detecting", map[string]interface{}{"target": feed.Describe(target)})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := s.api.Profile(gctx, det.Domain, target.Service, target.CreatorID, false)
		if err != nil {
			log.WithError(err).Warn("creator profile unavailable")
			return nil
		}
		det.Profile = p
		return nil
	})
	g.Go(func() error {
		tags, err := s.api.Tags(gctx, det.Domain, target.Service, target.CreatorID)
		if err != nil {
			log.WithError(err).Warn("creator tags unavailable")
			return nil
		}
		det.Tags = tags
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if det.Profile != nil && opts.OnProfile != nil {
		opts.OnProfile(det.Profile)
	}

	seq, err := s.paginator.Stream(ctx, rawURL, detector.Extensions{}, sources)
	if err != nil {
		return nil, err
	}

	if target.IsPost() {
		for entry := range seq {
			if entry.Detected != nil {
				det.Posts = append(det.Posts, *entry.Detected)
			}
		}
		return det, ctx.Err()
	}

	creatorName := target.CreatorID
	total := 0
	if det.Profile != nil {
		creatorName = det.Profile.Name
		total = det.Profile.PostCount
	}

	lastReport := time.Now()
	for entry := range seq {
		summary, files := detector.Detect(entry.Raw, det.Domain, detector.Extensions{}, sources)
		det.Posts = append(det.Posts, detector.PostFiles{
			Info:  detector.NewPostInfo(target.Service, target.CreatorID, creatorName, summary),
			Files: files,
		})

		loaded := len(det.Posts)
		if opts.OnProgress != nil && (loaded%progressEvery == 0 || time.Since(lastReport) >= progressInterval) {
			opts.OnProgress(loaded, max(total, loaded))
			lastReport = time.Now()
		}
	}

	if err := s.cache.FlushPending(); err != nil {
		log.WithError(err).Warn("failed to flush feed cache")
	}

	// the paginator refreshed the cached profile
	if p, err := s.api.Profile(ctx, det.Domain, target.Service, target.CreatorID, false); err == nil {
		det.Profile = p
	}
	if opts.OnProgress != nil {
		opts.OnProgress(len(det.Posts), len(det.Posts))
	}

	log.InfoWithFields("detection finished", map[string]interface{}{
		"posts": len(det.Posts),
		"files": det.FileCount(),
	})
	return det, ctx.Err()
}

// DownloadOptions selects what a download run fetches. A zero Threads
// falls back to the configured concurrency; an empty Extensions set is
// rejected by the coordinator.
type DownloadOptions struct {
	Extensions detector.Extensions
	Tags       []string
	StartID    string
	EndID      string
	Threads    int
	Reporter   downloader.Reporter
}

// Download runs the coordinator over a detection
func (s *Session) Download(ctx context.Context, det *Detection, opts DownloadOptions) (downloader.Summary, error) {
	runID := uuid.NewString()
	log := s.logger.WithFields(map[string]interface{}{
		"run_id": runID,
		"url":    det.URL,
	})

	store, err := storage.NewManager(s.cfg.Download.Root, storage.Templates{
		Creator: s.cfg.Download.CreatorFolderTemplate,
		Post:    s.cfg.Download.PostFolderTemplate,
		File:    s.cfg.Download.FileNameTemplate,
	})
	if err != nil {
		return downloader.Summary{}, err
	}

	if opts.Threads <= 0 {
		opts.Threads = s.cfg.Download.Concurrency
	}
	sources, err := detector.ParseSources(s.cfg.Download.Sources)
	if err != nil {
		return downloader.Summary{}, err
	}

	engine := downloader.NewEngine(s.client, store, s.engineCfg, log)

	coord := downloader.NewCoordinator(engine, s.client, s.api, store, opts.Reporter, log)
	summary, err := coord.Run(ctx, det.Posts, downloader.Options{
		Domain:             det.Domain,
		Header:             s.client.FileHeader(det.Domain),
		Extensions:         opts.Extensions,
		Sources:            sources,
		Tags:               opts.Tags,
		StartID:            opts.StartID,
		EndID:              opts.EndID,
		Threads:            opts.Threads,
		LargeFileThreshold: s.cfg.Download.LargeFileThreshold,
	})
	if err != nil {
		return summary, err
	}

	log.InfoWithFields("download finished", map[string]interface{}{
		"success":   summary.Success,
		"failed":    summary.Failed,
		"paused":    summary.Paused,
		"committed": store.DownloadedCount(),
	})
	return summary, nil
}
