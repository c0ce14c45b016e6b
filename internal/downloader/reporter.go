package downloader

import (
	"sync"
	"time"
)

const (
	progressInterval = 100 * time.Millisecond
	statsInterval    = time.Second
	statsBatch       = 5
)

// Stats is the aggregate progress of a run
type Stats struct {
	Completed int
	Failed    int
	Skipped   int
	Total     int
	Retrying  int
}

// Reporter receives progress from a coordinator run. Calls come from
// worker goroutines and are already rate limited.
type Reporter interface {
	FileProgress(name string, downloaded, total int64)
	FileRetry(name string, attempt int, retrying bool)
	FileDone(name string, err error)
	Stats(s Stats)
}

// NopReporter discards every notification
type NopReporter struct{}

func (NopReporter) FileProgress(string, int64, int64) {}
func (NopReporter) FileRetry(string, int, bool)       {}
func (NopReporter) FileDone(string, error)            {}
func (NopReporter) Stats(Stats)                       {}

// throttle rate limits a Reporter: per file progress at most every 100ms
// and aggregate stats every 5 completions or every second.
type throttle struct {
	r   Reporter
	now func() time.Time

	progressMu   sync.Mutex
	lastProgress map[string]time.Time

	statsMu    sync.Mutex
	stats      Stats
	sinceStats int
	lastStats  time.Time
}

func newThrottle(r Reporter, total int) *throttle {
	if r == nil {
		r = NopReporter{}
	}
	return &throttle{
		r:            r,
		now:          time.Now,
		lastProgress: make(map[string]time.Time),
		stats:        Stats{Total: total},
		lastStats:    time.Now(),
	}
}

func (t *throttle) progress(name string, downloaded, total int64) {
	now := t.now()

	t.progressMu.Lock()
	last, seen := t.lastProgress[name]
	final := total > 0 && downloaded >= total
	if seen && !final && now.Sub(last) < progressInterval {
		t.progressMu.Unlock()
		return
	}
	t.lastProgress[name] = now
	t.progressMu.Unlock()

	t.r.FileProgress(name, downloaded, total)
}

func (t *throttle) retry(name string, attempt int, retrying bool, inFlight int) {
	t.r.FileRetry(name, attempt, retrying)

	t.statsMu.Lock()
	t.stats.Retrying = inFlight
	t.statsMu.Unlock()
}

// done records a finished file. skipped files never reached the pool.
func (t *throttle) done(name string, err error, skipped bool) {
	t.progressMu.Lock()
	delete(t.lastProgress, name)
	t.progressMu.Unlock()

	if !skipped {
		t.r.FileDone(name, err)
	}

	t.statsMu.Lock()
	switch {
	case skipped:
		t.stats.Skipped++
	case err != nil:
		t.stats.Failed++
	default:
		t.stats.Completed++
	}
	t.sinceStats++

	now := t.now()
	if t.sinceStats < statsBatch && now.Sub(t.lastStats) < statsInterval {
		t.statsMu.Unlock()
		return
	}
	snapshot := t.resetStats(now)
	t.statsMu.Unlock()

	t.r.Stats(snapshot)
}

func (t *throttle) flush() {
	t.statsMu.Lock()
	snapshot := t.resetStats(t.now())
	t.statsMu.Unlock()

	t.r.Stats(snapshot)
}

func (t *throttle) resetStats(now time.Time) Stats {
	t.sinceStats = 0
	t.lastStats = now
	return t.stats
}
