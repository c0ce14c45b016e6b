package downloader

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"k2dl/internal/testutil"
	errs "k2dl/pkg/errors"
	"k2dl/pkg/kemono"
	"k2dl/pkg/logger"
	"k2dl/pkg/retry"
	"k2dl/pkg/storage"
)

func payload(n int) []byte {
	return bytes.Repeat([]byte("0123456789abcdef"), n/16+1)[:n]
}

func newTestEngine(t *testing.T, attempts int, inactivity time.Duration) (*Engine, *testutil.MockAPI) {
	t.Helper()
	mock := testutil.NewMockAPI()
	t.Cleanup(mock.Close)

	client := kemono.NewClient(kemono.ClientConfig{}, logger.NewNopLogger())
	engine := NewEngine(client, nil, EngineConfig{
		RetryAttempts:     attempts,
		InactivityTimeout: inactivity,
		Backoff:           &retry.ConstantBackoff{Delay: time.Millisecond},
	}, logger.NewNopLogger())
	return engine, mock
}

type retryLog struct {
	mu    sync.Mutex
	calls []bool
}

func (r *retryLog) record(_ int, retrying bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, retrying)
}

func TestEngineFreshDownload(t *testing.T) {
	engine, mock := newTestEngine(t, 3, 0)
	content := payload(100 * 1024)
	mock.AddFile("/data/a/file.bin", content)

	dest := filepath.Join(t.TempDir(), "creator", "post", "file.bin")
	var last, total int64
	err := engine.Download(context.Background(), mock.URL()+"/data/a/file.bin", nil, dest, func(d, tot int64) {
		last, total = d, tot
	}, nil)
	require.NoError(t, err)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.Equal(t, int64(len(content)), last)
	assert.Equal(t, int64(len(content)), total)
	assert.NoFileExists(t, storage.PartPath(dest))
}

func TestEngineResumesPartFile(t *testing.T) {
	engine, mock := newTestEngine(t, 3, 0)
	content := payload(64 * 1024)
	mock.AddFile("/data/a/resume.bin", content)

	dest := filepath.Join(t.TempDir(), "resume.bin")
	require.NoError(t, os.WriteFile(storage.PartPath(dest), content[:20000], 0644))

	var first int64 = -1
	err := engine.Download(context.Background(), mock.URL()+"/data/a/resume.bin", nil, dest, func(d, _ int64) {
		if first < 0 {
			first = d
		}
	}, nil)
	require.NoError(t, err)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.Greater(t, first, int64(20000), "progress starts after the existing bytes")
	assert.Equal(t, 1, mock.Hits("/data/a/resume.bin"))
}

func TestEngineRestartsWhenRangeIgnored(t *testing.T) {
	engine, mock := newTestEngine(t, 3, 0)
	content := payload(32 * 1024)
	mock.AddFile("/data/a/norange.bin", content)
	mock.DisableRange("/data/a/norange.bin")

	dest := filepath.Join(t.TempDir(), "norange.bin")
	require.NoError(t, os.WriteFile(storage.PartPath(dest), []byte("garbage that must not survive"), 0644))

	require.NoError(t, engine.Download(context.Background(), mock.URL()+"/data/a/norange.bin", nil, dest, nil, nil))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestEngineRangeNotSatisfiableStartsOver(t *testing.T) {
	engine, mock := newTestEngine(t, 1, 0)
	content := payload(4096)
	mock.AddFile("/data/a/done.bin", content)

	dest := filepath.Join(t.TempDir(), "done.bin")
	require.NoError(t, os.WriteFile(storage.PartPath(dest), content, 0644))

	require.NoError(t, engine.Download(context.Background(), mock.URL()+"/data/a/done.bin", nil, dest, nil, nil))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.Equal(t, 2, mock.Hits("/data/a/done.bin"))
}

func TestEngineIncompleteTransferIsRetried(t *testing.T) {
	engine, mock := newTestEngine(t, 3, 0)
	content := payload(256 * 1024)
	mock.AddFile("/data/a/cut.bin", content)
	mock.TruncateNext("/data/a/cut.bin", 1000)

	dest := filepath.Join(t.TempDir(), "cut.bin")
	retries := &retryLog{}
	require.NoError(t, engine.Download(context.Background(), mock.URL()+"/data/a/cut.bin", nil, dest, nil, retries.record))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.Equal(t, []bool{true, false}, retries.calls)
}

func TestEngineGivesUpAfterRetryAttempts(t *testing.T) {
	engine, mock := newTestEngine(t, 3, 0)
	mock.AddFile("/data/a/broken.bin", payload(10))
	mock.SetErrorResponse("/data/a/broken.bin", 500)

	dest := filepath.Join(t.TempDir(), "broken.bin")
	err := engine.Download(context.Background(), mock.URL()+"/data/a/broken.bin", nil, dest, nil, nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, errs.ErrInterrupted)
	assert.Equal(t, errs.ErrorTypeServerError, errs.TypeOf(err))
	assert.Equal(t, 3, mock.Hits("/data/a/broken.bin"))
	assert.NoFileExists(t, dest)
}

func TestEngineNotFoundIsNotRetried(t *testing.T) {
	engine, mock := newTestEngine(t, 5, 0)

	dest := filepath.Join(t.TempDir(), "missing.bin")
	err := engine.Download(context.Background(), mock.URL()+"/data/a/missing.bin", nil, dest, nil, nil)
	require.Error(t, err)
	assert.Equal(t, 1, mock.Hits("/data/a/missing.bin"))
}

func TestEngineCancelledContext(t *testing.T) {
	engine, mock := newTestEngine(t, 3, 0)
	mock.AddFile("/data/a/x.bin", payload(10))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dest := filepath.Join(t.TempDir(), "x.bin")
	err := engine.Download(ctx, mock.URL()+"/data/a/x.bin", nil, dest, nil, nil)
	assert.ErrorIs(t, err, errs.ErrInterrupted)
	assert.NoFileExists(t, dest)
	assert.Zero(t, mock.RequestCount())
}

func TestEngineInactivityTimeout(t *testing.T) {
	engine, mock := newTestEngine(t, 1, 50*time.Millisecond)
	mock.AddFile("/data/a/slow.bin", payload(10))
	mock.SetDelay("/data/a/slow.bin", 2*time.Second)

	dest := filepath.Join(t.TempDir(), "slow.bin")
	start := time.Now()
	err := engine.Download(context.Background(), mock.URL()+"/data/a/slow.bin", nil, dest, nil, nil)

	require.Error(t, err)
	assert.NotErrorIs(t, err, errs.ErrInterrupted)
	assert.Less(t, time.Since(start), time.Second)
}

type committerFunc func(part, dest string) error

func (f committerFunc) Commit(part, dest string) error { return f(part, dest) }

func TestEngineCommitsThroughStore(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.AddFile("/data/a/c.bin", payload(100))

	var committed string
	engine := NewEngine(kemono.NewClient(kemono.ClientConfig{}, logger.NewNopLogger()), committerFunc(func(part, dest string) error {
		committed = dest
		return os.Rename(part, dest)
	}), EngineConfig{}, logger.NewNopLogger())

	dest := filepath.Join(t.TempDir(), "c.bin")
	require.NoError(t, engine.Download(context.Background(), mock.URL()+"/data/a/c.bin", nil, dest, nil, nil))
	assert.Equal(t, dest, committed)
}
