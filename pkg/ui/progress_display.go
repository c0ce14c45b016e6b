package ui

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"

	"k2dl/internal/downloader"
)

const maxNameWidth = 32

var barTheme = progressbar.Theme{
	Saucer:        "█",
	SaucerHead:    "█",
	SaucerPadding: "░",
	BarStart:      "[",
	BarEnd:        "]",
}

var _ downloader.Reporter = (*DownloadProgress)(nil)

// DownloadProgress renders a coordinator run. On a terminal it draws a
// progress bar over the eligible files; otherwise it prints one line per
// stats update.
type DownloadProgress struct {
	mu          sync.Mutex
	out         io.Writer
	bar         *progressbar.ProgressBar
	interactive bool
	startTime   time.Time
}

// NewDownloadProgress creates a display for total eligible files
func NewDownloadProgress(out io.Writer, total int, interactive bool) *DownloadProgress {
	p := &DownloadProgress{
		out:         out,
		interactive: interactive,
		startTime:   time.Now(),
	}
	if interactive {
		p.bar = progressbar.NewOptions(total,
			progressbar.OptionSetWriter(out),
			progressbar.OptionSetDescription("starting"),
			progressbar.OptionSetItsString("file"),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetWidth(30),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionSetTheme(barTheme),
		)
	}
	return p
}

// FileProgress shows the transfer of the current file in the bar description
func (p *DownloadProgress) FileProgress(name string, downloaded, total int64) {
	if !p.interactive {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	size := humanize.Bytes(uint64(downloaded))
	if total > 0 {
		size += "/" + humanize.Bytes(uint64(total))
	}
	p.bar.Describe(fmt.Sprintf("%s %s", shorten(name), Dim(size)))
}

// FileRetry reports a transfer entering or leaving retry
func (p *DownloadProgress) FileRetry(name string, attempt int, retrying bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if retrying {
		p.printLine(fmt.Sprintf("%s %s failed, retrying (attempt %d)", Yellow("⚠"), name, attempt))
		return
	}
	p.printLine(fmt.Sprintf("%s %s recovered after %d attempts", Green("↻"), name, attempt))
}

// FileDone reports a failed file; successes only move the counters
func (p *DownloadProgress) FileDone(name string, err error) {
	if err == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.printLine(fmt.Sprintf("%s %s: %v", Red("✗"), name, err))
}

// Stats moves the bar, or prints a status line when not on a terminal
func (p *DownloadProgress) Stats(s downloader.Stats) {
	p.mu.Lock()
	defer p.mu.Unlock()

	done := s.Completed + s.Failed + s.Skipped
	if p.interactive {
		if s.Total > 0 && s.Total != p.bar.GetMax() {
			p.bar.ChangeMax(s.Total)
		}
		_ = p.bar.Set(done)
		return
	}

	line := fmt.Sprintf("[%d/%d] %d done, %d failed, %d skipped", done, s.Total, s.Completed, s.Failed, s.Skipped)
	if s.Retrying > 0 {
		line += fmt.Sprintf(", %d retrying", s.Retrying)
	}
	fmt.Fprintln(p.out, line)
}

// Complete finishes the bar and prints the run summary
func (p *DownloadProgress) Complete(sum downloader.Summary) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.interactive {
		_ = p.bar.Finish()
		fmt.Fprintln(p.out)
	}

	elapsed := time.Since(p.startTime)

	if sum.Paused {
		fmt.Fprintf(p.out, "\n%s Paused after %d files, rerun to resume\n", Yellow("⏸"), sum.Success)
	} else {
		fmt.Fprintf(p.out, "\n%s Downloaded %d files from %d posts\n", Green("✓"), sum.Success, sum.MatchedPosts)
	}

	fmt.Fprintf(p.out, "  %s %s in %s\n", Dim("•"), humanize.Bytes(uint64(sum.Bytes)), formatDuration(elapsed))
	if sum.Skipped > 0 {
		fmt.Fprintf(p.out, "  %s %d already on disk\n", Dim("•"), sum.Skipped)
	}
	if sum.Failed > 0 {
		fmt.Fprintf(p.out, "  %s %d downloads failed\n", Dim("•"), sum.Failed)
		for _, f := range sum.FailedFiles {
			fmt.Fprintf(p.out, "    %s %s (post %s): %s\n", Red("-"), f.Name, f.PostID, f.Error)
		}
		if hidden := sum.Failed - len(sum.FailedFiles); hidden > 0 {
			fmt.Fprintf(p.out, "    %s\n", Dim(fmt.Sprintf("... and %d more", hidden)))
		}
	}
}

// printLine writes a message above the bar. Callers hold p.mu.
func (p *DownloadProgress) printLine(line string) {
	if p.interactive {
		_ = p.bar.Clear()
	}
	fmt.Fprintln(p.out, line)
}

// DetectProgress renders the post scan of a detection
type DetectProgress struct {
	mu          sync.Mutex
	out         io.Writer
	bar         *progressbar.ProgressBar
	interactive bool
}

// NewDetectProgress creates a scan display
func NewDetectProgress(out io.Writer, interactive bool) *DetectProgress {
	return &DetectProgress{out: out, interactive: interactive}
}

// Update reports loaded of total posts scanned. total may be 0 when the
// profile was unavailable.
func (p *DetectProgress) Update(loaded, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.interactive {
		if total > 0 {
			fmt.Fprintf(p.out, "scanned %d/%d posts\n", loaded, total)
		} else {
			fmt.Fprintf(p.out, "scanned %d posts\n", loaded)
		}
		return
	}

	if p.bar == nil {
		limit := total
		if limit <= 0 {
			limit = -1
		}
		p.bar = progressbar.NewOptions(limit,
			progressbar.OptionSetWriter(p.out),
			progressbar.OptionSetDescription("scanning posts"),
			progressbar.OptionSetItsString("post"),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWidth(30),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionSetTheme(barTheme),
		)
	}
	if total > p.bar.GetMax() {
		p.bar.ChangeMax(total)
	}
	_ = p.bar.Set(loaded)
}

// Done closes the bar
func (p *DetectProgress) Done() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.bar != nil {
		_ = p.bar.Finish()
		fmt.Fprintln(p.out)
	}
}

func shorten(name string) string {
	r := []rune(name)
	if len(r) <= maxNameWidth {
		return name
	}
	return string(r[:maxNameWidth-1]) + "…"
}

// formatDuration formats a duration in a human-readable way
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	} else if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
