package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"k2dl/pkg/config"
	errs "k2dl/pkg/errors"
	"k2dl/pkg/kemono"
	"k2dl/pkg/logger"
	"k2dl/pkg/session"
	"k2dl/pkg/ui"
)

var (
	// Watch command flags
	watchSchedule string
	watchNotify   bool
	watchNow      bool
)

// watchCmd represents the watch command
var watchCmd = &cobra.Command{
	Use:   "watch [url...]",
	Short: "Re-sync a list of creators on a schedule",
	Long: `Download new files of every watched URL on a cron schedule.

URLs come from watch.urls in the configuration file plus any given on the
command line. Each run is independent: a URL that fails is retried on the
next tick. Runs never overlap; a tick that fires while the previous run is
still busy is skipped.`,
	Example: `  # Use the schedule and URLs from the config file
  k2dl watch

  # Check two creators every 30 minutes, starting now
  k2dl watch --schedule "@every 30m" --now \
    https://kemono.cr/patreon/user/12345 https://coomer.st/fansly/user/678`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringVar(&watchSchedule, "schedule", "", "cron expression or descriptor (default from config)")
	watchCmd.Flags().BoolVar(&watchNotify, "notify", false, "send a desktop notification when new files arrive")
	watchCmd.Flags().BoolVar(&watchNow, "now", false, "run once immediately before waiting for the schedule")
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg := loadConfig(nil)

	urls := watchURLs(cfg, args)
	if len(urls) == 0 {
		ui.PrintError("Nothing to watch", "add URLs to watch.urls or pass them as arguments")
		return errFailed
	}
	for _, u := range urls {
		if _, err := kemono.ParseURL(u); err != nil {
			ui.PrintError("Invalid watch URL", err.Error())
			return errFailed
		}
	}

	schedule := cfg.Watch.Schedule
	if watchSchedule != "" {
		schedule = watchSchedule
	}

	sess := openSession(cfg)
	defer sess.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logger.GetLogger().WithField("component", "watch")
	w := &watcher{
		sess:     sess,
		cfg:      cfg,
		urls:     urls,
		notifier: ui.NewNotifier(os.Stdout, watchNotify),
		logger:   log,
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{log})), cron.WithLogger(cronLogger{log}))
	if _, err := c.AddFunc(schedule, func() { w.run(ctx) }); err != nil {
		ui.PrintError("Invalid schedule", err.Error())
		return errFailed
	}

	ui.PrintInfo("Watching", fmt.Sprintf("%d URLs on %q", len(urls), schedule))
	if watchNow {
		w.run(ctx)
	}

	c.Start()
	<-ctx.Done()

	ui.PrintWarning("Stopping, waiting for the current run to pause")
	<-c.Stop().Done()
	return nil
}

// watchURLs joins configured and command line URLs without repeats
func watchURLs(cfg *config.Config, args []string) []string {
	seen := make(map[string]bool)
	var urls []string
	for _, u := range append(append([]string(nil), cfg.Watch.URLs...), args...) {
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		urls = append(urls, u)
	}
	return urls
}

type watcher struct {
	sess     *session.Session
	cfg      *config.Config
	urls     []string
	notifier *ui.Notifier
	logger   logger.Logger
}

// run downloads every watched URL once, sequentially
func (w *watcher) run(ctx context.Context) {
	logger.LogComponentStart(w.logger, "watch run", map[string]interface{}{
		"urls": len(w.urls),
	})

	for _, u := range w.urls {
		if ctx.Err() != nil {
			logger.LogComponentStop(w.logger, "watch run", "interrupted")
			return
		}

		sum, err := fetchURL(ctx, w.sess, w.cfg, u, downloadRequest{Silent: true})
		if errors.Is(err, errs.ErrNoEligibleFiles) {
			w.notifier.RunFinished(u, sum)
			continue
		}
		if err != nil {
			w.logger.WithError(err).WithField("url", u).Warn("watch run failed")
			w.notifier.RunFailed(u, err)
			continue
		}
		w.notifier.RunFinished(u, sum)
	}

	logger.LogComponentStop(w.logger, "watch run", "completed")
}

// cronLogger routes scheduler messages to the application logger
type cronLogger struct {
	l logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.DebugWithFields(msg, kvFields(keysAndValues))
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.WithError(err).ErrorWithFields(msg, kvFields(keysAndValues))
}

func kvFields(kv []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return fields
}
