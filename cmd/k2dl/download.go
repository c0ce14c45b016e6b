package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"k2dl/internal/downloader"
	"k2dl/pkg/config"
	"k2dl/pkg/detector"
	errs "k2dl/pkg/errors"
	"k2dl/pkg/logger"
	"k2dl/pkg/session"
	"k2dl/pkg/ui"
)

var (
	// Download command flags
	outputDir  string
	threads    int
	extensions []string
	sources    []string
	tagFilter  []string
	startID    string
	endID      string
)

// downloadCmd represents the download command
var downloadCmd = &cobra.Command{
	Use:   "download <url>",
	Short: "Download the files of a creator or a single post",
	Long: `Download every matching file of a creator or a single post.

Files land in {root}/{creator folder}/{post folder}/{file name}. Files already
on disk are skipped and interrupted transfers resume from their .part file.
Press Ctrl+C to pause; the next run picks up where this one stopped.`,
	Example: `  # Download a creator with the configured extensions
  k2dl download https://kemono.cr/patreon/user/12345

  # Only archives, eight transfers at a time
  k2dl download https://kemono.cr/patreon/user/12345 --ext zip,rar,7z,001 --threads 8

  # Posts tagged both "comic" and "color", from post 1000 up to post 2000
  k2dl download https://coomer.st/onlyfans/user/someone --tags comic,color --start-id 1000 --end-id 2000`,
	Args: cobra.ExactArgs(1),
	RunE: runDownload,
}

func init() {
	rootCmd.AddCommand(downloadCmd)

	downloadCmd.Flags().StringVarP(&outputDir, "output", "o", "", "download root directory")
	downloadCmd.Flags().IntVarP(&threads, "threads", "t", 0, "concurrent transfers (1-10, default from config)")
	downloadCmd.Flags().StringSliceVarP(&extensions, "ext", "e", nil, "file extensions to download")
	downloadCmd.Flags().StringSliceVar(&sources, "sources", nil, "file sources to scan (file, attachments, content)")
	downloadCmd.Flags().StringSliceVar(&tagFilter, "tags", nil, "only posts carrying all of these tags")
	downloadCmd.Flags().StringVar(&startID, "start-id", "", "skip posts until this post id")
	downloadCmd.Flags().StringVar(&endID, "end-id", "", "stop after this post id")
}

func downloadFlags() map[string]interface{} {
	flags := make(map[string]interface{})
	if outputDir != "" {
		flags["output"] = outputDir
	}
	if threads > 0 {
		flags["threads"] = threads
	}
	if len(extensions) > 0 {
		flags["ext"] = extensions
	}
	if len(sources) > 0 {
		flags["sources"] = sources
	}
	return flags
}

func runDownload(cmd *cobra.Command, args []string) error {
	cfg := loadConfig(downloadFlags())
	sess := openSession(cfg)
	defer sess.Close()

	// Ctrl+C pauses: in-flight transfers stop and keep their .part files
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sum, err := fetchURL(ctx, sess, cfg, args[0], downloadRequest{
		Tags:    tagFilter,
		StartID: startID,
		EndID:   endID,
		Threads: threads,
		Show:    interactive(),
	})
	switch {
	case errors.Is(err, errs.ErrNoEligibleFiles):
		ui.PrintWarning("Nothing to download", err.Error())
		return nil
	case err != nil:
		ui.PrintError("Download failed", err.Error())
		return errFailed
	}

	if sum.Failed > 0 && !sum.Paused {
		return errFailed
	}
	return nil
}

// downloadRequest carries the per-run filters shared by download and watch
type downloadRequest struct {
	Tags    []string
	StartID string
	EndID   string
	Threads int
	// Show draws progress bars instead of status lines
	Show bool
	// Silent disables all progress output
	Silent bool
}

// fetchURL detects rawURL and downloads what matches. The summary is
// printed unless the request is silent.
func fetchURL(ctx context.Context, sess *session.Session, cfg *config.Config, rawURL string, req downloadRequest) (downloader.Summary, error) {
	srcs, err := detector.ParseSources(cfg.Download.Sources)
	if err != nil {
		return downloader.Summary{}, err
	}

	show := req.Show && !req.Silent
	var det *session.Detection
	if req.Silent {
		det, err = sess.Detect(ctx, rawURL, session.DetectOptions{Sources: srcs})
		if err == nil && ctx.Err() != nil {
			err = errs.ErrInterrupted
		}
	} else {
		det, err = detectTarget(ctx, sess, rawURL, srcs, show)
	}
	if err != nil {
		return downloader.Summary{}, err
	}

	exts := detector.NewExtensions(cfg.Download.Extensions)

	var reporter downloader.Reporter = downloader.NopReporter{}
	var progress *ui.DownloadProgress
	if !req.Silent && !ui.IsQuietMode() {
		progress = ui.NewDownloadProgress(os.Stdout, downloader.CountEligible(det.Posts, exts), show)
		reporter = progress
	}

	sum, err := sess.Download(ctx, det, session.DownloadOptions{
		Extensions: exts,
		Tags:       req.Tags,
		StartID:    req.StartID,
		EndID:      req.EndID,
		Threads:    req.Threads,
		Reporter:   reporter,
	})
	if err != nil {
		return sum, err
	}

	if progress != nil {
		progress.Complete(sum)
	}
	logger.WithFields(map[string]interface{}{
		"url":     rawURL,
		"success": sum.Success,
		"failed":  sum.Failed,
		"skipped": sum.Skipped,
		"paused":  sum.Paused,
	}).Info("run complete")

	return sum, nil
}
