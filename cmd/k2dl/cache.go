package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"k2dl/pkg/cache"
	"k2dl/pkg/kemono"
	"k2dl/pkg/logger"
	"k2dl/pkg/ui"
)

var (
	diagnoseExpected int
	diagnoseOffline  bool
)

// cacheCmd represents the cache command
var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the feed cache",
	Long: `Inspect and maintain the local feed cache.

The cache keeps every post listing already fetched per creator so later
runs only request new posts. It lives in the platform data directory unless
cache.directory or --cache-dir is set.`,
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show the number of cached creators and posts",
	Args:  cobra.NoArgs,
	RunE:  runCacheStats,
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every cached creator",
	Args:  cobra.NoArgs,
	RunE:  runCacheClear,
}

var cacheClearInvalidCmd = &cobra.Command{
	Use:   "clear-invalid",
	Short: "Delete corrupt cache records",
	Args:  cobra.NoArgs,
	RunE:  runCacheClearInvalid,
}

var cacheDiagnoseCmd = &cobra.Command{
	Use:   "diagnose <url>",
	Short: "Check the cached feed of one creator",
	Long: `Check the cached feed of one creator for duplicate posts, a post count
that differs from the server and posts that are not newest first.

The expected count is read from the server unless --offline or --expected
is given.`,
	Args: cobra.ExactArgs(1),
	RunE: runCacheDiagnose,
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheClearCmd)
	cacheCmd.AddCommand(cacheClearInvalidCmd)
	cacheCmd.AddCommand(cacheDiagnoseCmd)

	cacheDiagnoseCmd.Flags().IntVar(&diagnoseExpected, "expected", -1, "expected post count (skips the server lookup)")
	cacheDiagnoseCmd.Flags().BoolVar(&diagnoseOffline, "offline", false, "do not ask the server for the post count")
}

func openCache() *cache.Manager {
	cfg := loadConfig(nil)
	m, err := cache.Open(cfg.Cache, logger.GetLogger())
	if err != nil {
		ui.PrintError("Failed to open cache", err.Error())
		os.Exit(1)
	}
	return m
}

func runCacheStats(cmd *cobra.Command, args []string) error {
	m := openCache()
	defer m.Close()

	stats, err := m.Stats()
	if err != nil {
		ui.PrintError("Failed to read cache", err.Error())
		return errFailed
	}

	ui.PrintInfo("Creators", strconv.Itoa(stats.Creators))
	ui.PrintInfo("Posts", strconv.Itoa(stats.Posts))
	return nil
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	m := openCache()
	defer m.Close()

	removed, err := m.ClearAll()
	if err != nil {
		ui.PrintError("Failed to clear cache", err.Error())
		return errFailed
	}
	ui.PrintSuccess(fmt.Sprintf("Removed %d cached creators", removed))
	return nil
}

func runCacheClearInvalid(cmd *cobra.Command, args []string) error {
	m := openCache()
	defer m.Close()

	removed, err := m.ClearInvalid()
	if err != nil {
		ui.PrintError("Failed to clear invalid records", err.Error())
		return errFailed
	}
	ui.PrintSuccess(fmt.Sprintf("Removed %d invalid records", removed))
	return nil
}

func runCacheDiagnose(cmd *cobra.Command, args []string) error {
	target, err := kemono.ParseURL(args[0])
	if err != nil {
		ui.PrintError("Invalid URL", err.Error())
		return errFailed
	}

	cfg := loadConfig(nil)
	sess := openSession(cfg)
	defer sess.Close()

	expected := diagnoseExpected
	if expected < 0 && !diagnoseOffline {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		profile, err := sess.API().Profile(ctx, kemono.DomainFor(args[0]), target.Service, target.CreatorID, true)
		cancel()
		if err != nil {
			ui.PrintWarning("Could not read the server post count", err.Error())
		} else {
			expected = profile.PostCount
		}
	}

	d := sess.Cache().Diagnose(target.Service, target.CreatorID, expected)

	ui.PrintInfo("Record", d.Key.String())
	ui.PrintInfo("Cached posts", strconv.Itoa(d.CachedCount))
	if expected >= 0 {
		ui.PrintInfo("Expected posts", strconv.Itoa(d.ExpectedCount))
	}
	ui.PrintInfo("Unique ids", strconv.Itoa(d.UniqueIDs))

	switch {
	case d.Empty:
		ui.PrintWarning("Nothing cached for this creator")
	case d.Healthy():
		ui.PrintSuccess("Cache record is healthy")
	default:
		ui.PrintWarning(fmt.Sprintf("%d issues found", len(d.Issues)))
		for _, issue := range d.Issues {
			fmt.Printf("  - %s\n", issue)
		}
		return errFailed
	}
	return nil
}
