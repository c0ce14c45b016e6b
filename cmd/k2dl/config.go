package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"k2dl/pkg/config"
	"k2dl/pkg/ui"
)

const defaultConfigName = ".k2.yaml"

var forceOverwrite bool

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration files",
	Long: `Manage k2dl configuration files.

Configuration can be loaded from:
  - Command line flags (highest priority)
  - Environment variables (K2_*, also read from .env and ~/.k2.env)
  - Configuration file
  - Default values (lowest priority)`,
}

// initCmd represents the config init command
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a configuration file with the default values",
	Long: `Write a configuration file holding every option at its default value.

The file is created as '.k2.yaml' in the current directory unless a
different path is given with --config.`,
	Args: cobra.NoArgs,
	Run:  runConfigInit,
}

// showCmd represents the config show command
var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Args:  cobra.NoArgs,
	Run:   runConfigShow,
}

// validateCmd represents the config validate command
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration",
	Args:  cobra.NoArgs,
	Run:   runConfigValidate,
}

// importCmd represents the config import command
var importCmd = &cobra.Command{
	Use:   "import <settings.json>",
	Short: "Import a desktop settings.json file",
	Long: `Import the download path, naming templates, concurrency and extension
filter from a settings.json file written by the desktop front end.

Downloads then land in {default_download_path}/K2, as they did there. The
result is written to the --config path or '.k2.yaml'.`,
	Args: cobra.ExactArgs(1),
	Run:  runConfigImport,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(initCmd)
	configCmd.AddCommand(showCmd)
	configCmd.AddCommand(validateCmd)
	configCmd.AddCommand(importCmd)

	initCmd.Flags().BoolVarP(&forceOverwrite, "force", "f", false, "overwrite an existing file")
	importCmd.Flags().BoolVarP(&forceOverwrite, "force", "f", false, "overwrite an existing file")
}

func targetConfigPath() string {
	if configFile != "" {
		return configFile
	}
	return defaultConfigName
}

func ensureWritable(path string) {
	if forceOverwrite {
		return
	}
	if _, err := os.Stat(path); err == nil {
		ui.PrintError("Configuration file already exists", path)
		fmt.Println("\nTo overwrite, pass --force")
		os.Exit(1)
	}
}

func runConfigInit(cmd *cobra.Command, args []string) {
	path := targetConfigPath()
	ensureWritable(path)

	if err := config.DefaultConfig().Save(path); err != nil {
		ui.PrintError("Failed to create configuration file", err.Error())
		os.Exit(1)
	}

	ui.PrintSuccess("Configuration file created: " + path)
	fmt.Println("\nNext steps:")
	fmt.Println("1. Edit download.root and the naming templates")
	fmt.Println("2. Run 'k2dl config validate' to check the configuration")
	fmt.Println("3. Start downloading with 'k2dl download <creator url>'")
}

func runConfigShow(cmd *cobra.Command, args []string) {
	cfg := loadConfig(nil)

	data, err := yaml.Marshal(cfg)
	if err != nil {
		ui.PrintError("Failed to format configuration", err.Error())
		os.Exit(1)
	}

	ui.PrintHighlight("Current Configuration")
	fmt.Println()
	fmt.Print(string(data))
}

func runConfigValidate(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(configFile, nil)
	if err != nil {
		ui.PrintError("Configuration validation failed", err.Error())
		os.Exit(1)
	}

	var warnings []string
	if err := os.MkdirAll(cfg.Download.Root, 0755); err != nil {
		warnings = append(warnings, fmt.Sprintf("cannot create download root: %v", err))
	}
	if cfg.Logging.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Logging.File), 0755); err != nil {
			warnings = append(warnings, fmt.Sprintf("cannot create log directory: %v", err))
		}
	}
	if len(cfg.Download.Extensions) == 0 {
		warnings = append(warnings, "no extensions selected, downloads will be rejected")
	}

	if len(warnings) > 0 {
		ui.PrintWarning("Configuration warnings:")
		for _, w := range warnings {
			fmt.Printf("  - %s\n", w)
		}
		fmt.Println()
	}

	ui.PrintSuccess("Configuration is valid")

	fmt.Println("\nConfiguration summary:")
	fmt.Printf("  Download root: %s\n", cfg.Download.Root)
	fmt.Printf("  Concurrency: %d\n", cfg.Download.Concurrency)
	fmt.Printf("  Extensions: %v\n", cfg.Download.Extensions)
	fmt.Printf("  Rate limit: %d requests/minute\n", cfg.RateLimit.RequestsPerMinute)
	fmt.Printf("  Cache backend: %s\n", cfg.Cache.Backend)
	fmt.Printf("  Log level: %s\n", cfg.Logging.Level)
}

func runConfigImport(cmd *cobra.Command, args []string) {
	path := targetConfigPath()
	ensureWritable(path)

	cfg := config.DefaultConfig()
	if err := cfg.LoadSettingsJSON(args[0]); err != nil {
		ui.PrintError("Import failed", err.Error())
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		ui.PrintError("Imported settings are invalid", err.Error())
		os.Exit(1)
	}
	if err := cfg.Save(path); err != nil {
		ui.PrintError("Failed to write configuration file", err.Error())
		os.Exit(1)
	}

	ui.PrintSuccess("Settings imported into " + path)
	ui.PrintInfo("Download root", cfg.Download.Root)
}
