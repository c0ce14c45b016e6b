package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"k2dl/pkg/detector"
	errs "k2dl/pkg/errors"
	"k2dl/pkg/kemono"
	"k2dl/pkg/session"
	"k2dl/pkg/ui"
)

const maxListedTags = 20

var detectSources []string

// detectCmd represents the detect command
var detectCmd = &cobra.Command{
	Use:   "detect <url>",
	Short: "List the posts and files of a creator or post",
	Long: `Scan a creator or a single post and report what would be downloaded.

The creator feed is read through the local cache, so only posts published
since the last scan are requested from the server.`,
	Example: `  # Scan a creator
  k2dl detect https://kemono.cr/patreon/user/12345

  # Only count files linked from the post body
  k2dl detect https://kemono.cr/fanbox/user/678/post/9 --sources content`,
	Args: cobra.ExactArgs(1),
	RunE: runDetect,
}

func init() {
	rootCmd.AddCommand(detectCmd)

	detectCmd.Flags().StringSliceVar(&detectSources, "sources", nil, "file sources to scan (file, attachments, content)")
}

func runDetect(cmd *cobra.Command, args []string) error {
	cfg := loadConfig(nil)
	sess := openSession(cfg)
	defer sess.Close()

	sources, err := detector.ParseSources(detectSources)
	if err != nil {
		ui.PrintError("Invalid --sources", err.Error())
		return errFailed
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	det, err := detectTarget(ctx, sess, args[0], sources, interactive())
	if err != nil {
		ui.PrintError("Detection failed", err.Error())
		return errFailed
	}

	printDetection(det)
	return nil
}

// detectTarget runs a detection, drawing scan progress when show is set
func detectTarget(ctx context.Context, sess *session.Session, rawURL string, sources detector.Sources, show bool) (*session.Detection, error) {
	opts := session.DetectOptions{Sources: sources}

	var progress *ui.DetectProgress
	if !ui.IsQuietMode() {
		progress = ui.NewDetectProgress(os.Stdout, show)
		opts.OnProfile = func(p *kemono.Profile) {
			ui.PrintInfo("Creator", fmt.Sprintf("%s (%s/%s), %d posts", p.Name, p.Service, p.ID, p.PostCount))
		}
		opts.OnProgress = progress.Update
	}

	det, err := sess.Detect(ctx, rawURL, opts)
	if progress != nil {
		progress.Done()
	}
	if err != nil {
		if errors.Is(err, errs.ErrUnrecognizedURL) {
			return nil, fmt.Errorf("%q is not a creator or post URL", rawURL)
		}
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, errs.ErrInterrupted
	}
	return det, nil
}

func printDetection(det *session.Detection) {
	if det.Target.IsPost() {
		ui.PrintInfo("Post", det.Target.PostID)
	}
	ui.PrintInfo("Posts", strconv.Itoa(len(det.Posts)))
	ui.PrintInfo("Files", strconv.Itoa(det.FileCount()))

	byExt := make(map[string]int)
	for _, pf := range det.Posts {
		for _, f := range pf.Files {
			byExt[f.Ext()]++
		}
	}
	if len(byExt) > 0 {
		exts := make([]string, 0, len(byExt))
		for ext := range byExt {
			exts = append(exts, ext)
		}
		sort.Slice(exts, func(i, j int) bool {
			if byExt[exts[i]] != byExt[exts[j]] {
				return byExt[exts[i]] > byExt[exts[j]]
			}
			return exts[i] < exts[j]
		})
		ui.PrintHighlight("\nFiles by extension")
		for _, ext := range exts {
			ui.PrintInfo("  "+ext, strconv.Itoa(byExt[ext]))
		}
	}

	tags := det.TagList()
	if len(tags) > 0 {
		ui.PrintHighlight(fmt.Sprintf("\nTags (%d)", len(tags)))
		for i, tc := range tags {
			if i == maxListedTags {
				ui.PrintInfo("  ...", fmt.Sprintf("%d more", len(tags)-maxListedTags))
				break
			}
			ui.PrintInfo("  "+tc.Tag, strconv.Itoa(tc.PostCount))
		}
	}
}
