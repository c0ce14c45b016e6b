package main

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"k2dl/pkg/config"
	"k2dl/pkg/logger"
	"k2dl/pkg/session"
	"k2dl/pkg/ui"
)

var (
	// Version information
	version   = "1.0.0"
	gitCommit = "unknown"
	buildDate = "unknown"

	// Global flags
	configFile string
	logLevel   string
	cacheDir   string
	noColor    bool
	quiet      bool
	verbose    bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "k2dl",
	Short: "Incremental bulk downloader for kemono and coomer creators",
	Long: `k2dl mirrors the files of kemono.cr and coomer.st creators to disk.

Features:
  - Incremental feed cache, only new posts are fetched on later runs
  - Resumable transfers through .part files
  - Extension, tag and post id range filters
  - Bounded concurrency with large files serialised
  - Scheduled re-sync of a list of creators`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildDate),
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		ui.SetNoColor(noColor || !ui.IsTerminal(os.Stdout))
		if quiet {
			ui.SetQuietMode(true)
		}

		if cmd.Name() != "version" && cmd.Name() != "help" && cmd.Name() != "completion" && verbose {
			ui.PrintLogo()
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errFailed) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

// errFailed ends a command with exit status 1 after it printed its own
// message. Returning it instead of exiting lets deferred closes run.
var errFailed = errors.New("command failed")

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default is ./.k2.yaml or $HOME/.config/k2/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error, disabled)")
	rootCmd.PersistentFlags().StringVar(&cacheDir, "cache-dir", "", "feed cache directory")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress all output except errors")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "show debug logs")

	rootCmd.SetVersionTemplate(`k2dl {{.Version}}
Go Version: ` + runtime.Version() + `
OS/Arch: ` + runtime.GOOS + `/` + runtime.GOARCH + `
`)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// loadConfig merges flags into the configuration and initialises the
// global logger from it. Failures end the process.
func loadConfig(flags map[string]interface{}) *config.Config {
	if flags == nil {
		flags = make(map[string]interface{})
	}
	switch {
	case verbose:
		flags["log-level"] = "debug"
	case logLevel != "":
		flags["log-level"] = logLevel
	case quiet:
		flags["log-level"] = "error"
	}
	if cacheDir != "" {
		flags["cache-dir"] = cacheDir
	}

	cfg, err := config.Load(configFile, flags)
	if err != nil {
		ui.PrintError("Failed to load configuration", err.Error())
		os.Exit(1)
	}

	if err := logger.Initialize(&cfg.Logging); err != nil {
		ui.PrintError("Failed to initialise logging", err.Error())
		os.Exit(1)
	}
	logger.WithField("version", version).Debug("k2dl starting")

	return cfg
}

// openSession creates a session or ends the process
func openSession(cfg *config.Config) *session.Session {
	sess, err := session.New(cfg, session.Options{})
	if err != nil {
		ui.PrintError("Failed to initialise session", err.Error())
		os.Exit(1)
	}
	return sess
}

// interactive reports whether progress bars should be drawn
func interactive() bool {
	return !quiet && ui.IsTerminal(os.Stdout)
}
