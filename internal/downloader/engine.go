package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	errs "k2dl/pkg/errors"
	"k2dl/pkg/logger"
	"k2dl/pkg/retry"
	"k2dl/pkg/storage"
)

// ChunkSize is the read size of the transfer loop
const ChunkSize = 8192

// Opener starts streaming GET requests
type Opener interface {
	Open(ctx context.Context, url string, header http.Header) (*http.Response, error)
}

// ProgressFunc receives the bytes on disk and the expected total. total is
// 0 when the server did not announce a length.
type ProgressFunc func(downloaded, total int64)

// RetryFunc is told when a transfer starts retrying (retrying true) and
// when a retried transfer finally succeeded (retrying false).
type RetryFunc func(attempt int, retrying bool)

// EngineConfig tunes single file transfers
type EngineConfig struct {
	// RetryAttempts bounds the attempts per file
	RetryAttempts int
	// InactivityTimeout fails an attempt that received nothing for this long
	InactivityTimeout time.Duration
	// Backoff is waited between attempts
	Backoff retry.BackoffStrategy
}

// Committer moves a finished part file into place
type Committer interface {
	Commit(part, dest string) error
}

// Engine downloads one file at a time into {dest}.part, resuming from an
// existing part file with a byte range, and renames it to dest once the
// whole body arrived.
type Engine struct {
	client Opener
	store  Committer
	cfg    EngineConfig
	logger logger.Logger
}

// NewEngine creates a transfer engine. store may be nil, in which case
// part files are renamed with storage.Commit.
func NewEngine(client Opener, store Committer, cfg EngineConfig, log logger.Logger) *Engine {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 5
	}
	if cfg.Backoff == nil {
		cfg.Backoff = retry.TransferBackoff()
	}
	return &Engine{
		client: client,
		store:  store,
		cfg:    cfg,
		logger: logger.OrGlobal(log).WithField("component", "engine"),
	}
}

// Download fetches url into dest. It returns errs.ErrInterrupted when ctx
// is cancelled; the part file is kept for a later resume in that case.
func (e *Engine) Download(ctx context.Context, url string, header http.Header, dest string, progress ProgressFunc, onRetry RetryFunc) error {
	if ctx.Err() != nil {
		return errs.ErrInterrupted
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("failed to create post directory: %w", err)
	}
	part := storage.PartPath(dest)
	name := filepath.Base(dest)

	rangeReset := false
	for attempt := 1; ; attempt++ {
		err := e.transfer(ctx, url, header, part, progress)
		if err == nil {
			if err := e.commit(part, dest); err != nil {
				return err
			}
			if attempt > 1 && onRetry != nil {
				onRetry(attempt, false)
			}
			return nil
		}

		if ctx.Err() != nil {
			return errs.ErrInterrupted
		}

		switch errs.TypeOf(err) {
		case errs.ErrorTypeRange:
			// the part file is complete or corrupt, start over once for free
			os.Remove(part)
			if !rangeReset {
				rangeReset = true
				attempt--
				e.logger.DebugWithFields("range not satisfiable, restarting", map[string]interface{}{"file": name})
				continue
			}
		case errs.ErrorTypeNotFound:
			return fmt.Errorf("download %s: %w", name, err)
		}

		if attempt >= e.cfg.RetryAttempts {
			return fmt.Errorf("download %s failed after %d attempts: %w", name, attempt, err)
		}

		e.logger.WarnWithFields("transfer failed, retrying", map[string]interface{}{
			"file":    name,
			"attempt": attempt,
			"error":   err.Error(),
		})
		if onRetry != nil {
			onRetry(attempt, true)
		}
		if werr := retry.Wait(ctx, e.cfg.Backoff.NextDelay(attempt)); werr != nil {
			return errs.ErrInterrupted
		}
	}
}

func (e *Engine) commit(part, dest string) error {
	if e.store != nil {
		return e.store.Commit(part, dest)
	}
	return storage.Commit(part, dest)
}

// transfer performs one attempt, appending to part when the server honours
// the range request and rewriting it otherwise.
func (e *Engine) transfer(ctx context.Context, url string, header http.Header, part string, progress ProgressFunc) error {
	var offset int64
	if info, err := os.Stat(part); err == nil {
		offset = info.Size()
	}

	h := header.Clone()
	if h == nil {
		h = http.Header{}
	}
	if offset > 0 {
		h.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	wctx, wd := newWatchdog(ctx, e.cfg.InactivityTimeout)
	defer wd.Stop()

	resp, err := e.client.Open(wctx, url, h)
	if err != nil {
		if ctx.Err() != nil {
			return errs.ErrInterrupted
		}
		if errors.Is(context.Cause(wctx), os.ErrDeadlineExceeded) {
			return errs.New(errs.ErrorTypeNetwork, "no response before inactivity timeout", nil)
		}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return errs.FromStatus(resp.StatusCode, url)
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if offset > 0 && resp.StatusCode != http.StatusPartialContent {
		e.logger.DebugWithFields("server ignored range, restarting", map[string]interface{}{"url": url})
		offset = 0
	}
	if offset == 0 {
		flags |= os.O_TRUNC
	}

	var total int64
	if resp.ContentLength > 0 {
		total = resp.ContentLength + offset
	}

	f, err := os.OpenFile(part, flags, 0644)
	if err != nil {
		return fmt.Errorf("failed to open temporary file: %w", err)
	}

	written := offset
	buf := make([]byte, ChunkSize)
	for {
		if ctx.Err() != nil {
			f.Close()
			return errs.ErrInterrupted
		}

		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			wd.Kick()
			if _, err := f.Write(buf[:n]); err != nil {
				f.Close()
				return fmt.Errorf("failed to write temporary file: %w", err)
			}
			written += int64(n)
			if progress != nil {
				progress(written, total)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			f.Close()
			if ctx.Err() != nil {
				return errs.ErrInterrupted
			}
			if errors.Is(context.Cause(wctx), os.ErrDeadlineExceeded) {
				return errs.New(errs.ErrorTypeNetwork, "transfer stalled", rerr)
			}
			return errs.New(errs.ErrorTypeNetwork, "transfer interrupted", rerr)
		}
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync temporary file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close temporary file: %w", err)
	}

	if total > 0 && written != total {
		return errs.New(errs.ErrorTypeNetwork, fmt.Sprintf("incomplete transfer: %d of %d bytes", written, total), nil)
	}
	return nil
}
