package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration options for k2dl
type Config struct {
	// Remote API settings
	Remote RemoteConfig `yaml:"remote" json:"remote"`

	// Request pacing for API calls
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`

	// Download settings
	Download DownloadConfig `yaml:"download" json:"download"`

	// Feed cache settings
	Cache CacheConfig `yaml:"cache" json:"cache"`

	// Scheduled re-sync
	Watch WatchConfig `yaml:"watch" json:"watch"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// RemoteConfig holds the static request settings for the remote API
type RemoteConfig struct {
	UserAgent      string        `yaml:"user_agent" json:"user_agent"`
	AcceptLanguage string        `yaml:"accept_language" json:"accept_language"`
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
	MaxRetries     int           `yaml:"max_retries" json:"max_retries"`
	PoolSize       int           `yaml:"pool_size" json:"pool_size"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute" json:"requests_per_minute"`
	BurstSize         int `yaml:"burst_size" json:"burst_size"`
}

// DownloadConfig holds download-specific configuration
type DownloadConfig struct {
	Root                  string        `yaml:"root" json:"root"`
	CreatorFolderTemplate string        `yaml:"creator_folder_template" json:"creator_folder_template"`
	PostFolderTemplate    string        `yaml:"post_folder_template" json:"post_folder_template"`
	FileNameTemplate      string        `yaml:"file_name_template" json:"file_name_template"`
	Concurrency           int           `yaml:"concurrency" json:"concurrency"`
	Extensions            []string      `yaml:"extensions" json:"extensions"`
	Sources               []string      `yaml:"sources" json:"sources"`
	LargeFileThreshold    int64         `yaml:"large_file_threshold" json:"large_file_threshold"`
	RetryAttempts         int           `yaml:"retry_attempts" json:"retry_attempts"`
	InactivityTimeout     time.Duration `yaml:"inactivity_timeout" json:"inactivity_timeout"`
}

// CacheConfig holds feed cache configuration
type CacheConfig struct {
	Directory string `yaml:"directory" json:"directory"`
	Backend   string `yaml:"backend" json:"backend"`
}

// WatchConfig holds the schedule for the watch command
type WatchConfig struct {
	Schedule string   `yaml:"schedule" json:"schedule"`
	URLs     []string `yaml:"urls" json:"urls"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
	File  string `yaml:"file" json:"file"`
	JSON  bool   `yaml:"json" json:"json"`
}

// DefaultExtensions is the extension allow-set used when none is configured.
var DefaultExtensions = []string{
	".jpg", ".jpeg", ".png", ".gif", ".webp",
	".mp4", ".mov", ".avi", ".mkv", ".ts",
	".zip", ".rar", ".7z", ".tar", ".001",
}

// DefaultConfig returns a Config instance with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Remote: RemoteConfig{
			UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			AcceptLanguage: "en-US,en;q=0.9",
			RequestTimeout: 30 * time.Second,
			MaxRetries:     3,
			PoolSize:       20,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 120,
			BurstSize:         10,
		},
		Download: DownloadConfig{
			Root:                  filepath.Join(".", "K2"),
			CreatorFolderTemplate: "{creator_name} ({creator_id}) - {service}",
			PostFolderTemplate:    "{post_id} {post_title}",
			FileNameTemplate:      "{file_name_original}{file_ext}",
			Concurrency:           5,
			Extensions:            append([]string(nil), DefaultExtensions...),
			Sources:               []string{"file", "attachments", "content"},
			LargeFileThreshold:    50 * 1024 * 1024,
			RetryAttempts:         5,
			InactivityTimeout:     60 * time.Second,
		},
		Cache: CacheConfig{
			Directory: "",
			Backend:   "json",
		},
		Watch: WatchConfig{
			Schedule: "@every 6h",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadFromEnv loads configuration from environment variables
func (c *Config) LoadFromEnv() error {
	if userAgent := os.Getenv("K2_USER_AGENT"); userAgent != "" {
		c.Remote.UserAgent = userAgent
	}

	if rpm := os.Getenv("K2_REQUESTS_PER_MINUTE"); rpm != "" {
		val, err := strconv.Atoi(rpm)
		if err != nil {
			return fmt.Errorf("K2_REQUESTS_PER_MINUTE: %w", err)
		}
		c.RateLimit.RequestsPerMinute = val
	}

	if root := os.Getenv("K2_DOWNLOAD_ROOT"); root != "" {
		c.Download.Root = root
	}

	if concurrency := os.Getenv("K2_CONCURRENCY"); concurrency != "" {
		val, err := strconv.Atoi(concurrency)
		if err != nil {
			return fmt.Errorf("K2_CONCURRENCY: %w", err)
		}
		if val > 0 {
			c.Download.Concurrency = val
		}
	}

	if exts := os.Getenv("K2_EXTENSIONS"); exts != "" {
		c.Download.Extensions = SplitList(exts)
	}

	if dir := os.Getenv("K2_CACHE_DIR"); dir != "" {
		c.Cache.Directory = dir
	}
	if backend := os.Getenv("K2_CACHE_BACKEND"); backend != "" {
		c.Cache.Backend = backend
	}

	if logLevel := os.Getenv("K2_LOG_LEVEL"); logLevel != "" {
		c.Logging.Level = logLevel
	}
	if logFile := os.Getenv("K2_LOG_FILE"); logFile != "" {
		c.Logging.File = logFile
	}

	return nil
}

// LoadFromFile loads configuration from a YAML file
func (c *Config) LoadFromFile(path string) error {
	// If path is empty, try default locations
	if path == "" {
		path = c.findConfigFile()
		if path == "" {
			return nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// findConfigFile searches for config file in standard locations
func (c *Config) findConfigFile() string {
	home := os.Getenv("HOME")
	locations := []string{
		".k2.yaml",
		".k2.yml",
		filepath.Join(home, ".config", "k2", "config.yaml"),
		filepath.Join(home, ".config", "k2", "config.yml"),
		filepath.Join(home, ".k2.yaml"),
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}

	return ""
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.Remote.RequestTimeout <= 0 {
		errs = append(errs, errors.New("request timeout must be positive"))
	}
	if c.Remote.MaxRetries < 1 {
		errs = append(errs, errors.New("max retries must be at least 1"))
	}

	if c.RateLimit.RequestsPerMinute < 0 {
		errs = append(errs, errors.New("requests per minute cannot be negative"))
	}
	if c.RateLimit.RequestsPerMinute > 0 && c.RateLimit.BurstSize <= 0 {
		errs = append(errs, errors.New("burst size must be positive"))
	}

	if c.Download.Root == "" {
		errs = append(errs, errors.New("download root is required"))
	}
	if c.Download.Concurrency < 1 || c.Download.Concurrency > 20 {
		errs = append(errs, errors.New("concurrency must be between 1 and 20"))
	}
	if c.Download.CreatorFolderTemplate == "" || c.Download.PostFolderTemplate == "" || c.Download.FileNameTemplate == "" {
		errs = append(errs, errors.New("naming templates cannot be empty"))
	}
	if c.Download.LargeFileThreshold <= 0 {
		errs = append(errs, errors.New("large file threshold must be positive"))
	}
	if c.Download.RetryAttempts < 1 {
		errs = append(errs, errors.New("retry attempts must be at least 1"))
	}
	for _, src := range c.Download.Sources {
		switch src {
		case "file", "attachments", "content":
		default:
			errs = append(errs, fmt.Errorf("unknown file source %q", src))
		}
	}

	switch strings.ToLower(c.Cache.Backend) {
	case "json", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("unknown cache backend %q", c.Cache.Backend))
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "disabled": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, errors.New("invalid log level"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// Save saves the configuration to a file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// MergeCommandLineFlags merges command line flags into the configuration
func (c *Config) MergeCommandLineFlags(flags map[string]interface{}) {
	if output, ok := flags["output"].(string); ok && output != "" {
		c.Download.Root = output
	}
	if threads, ok := flags["threads"].(int); ok && threads > 0 {
		c.Download.Concurrency = threads
	}
	if exts, ok := flags["ext"].([]string); ok && len(exts) > 0 {
		c.Download.Extensions = NormalizeExtensions(exts)
	}
	if sources, ok := flags["sources"].([]string); ok && len(sources) > 0 {
		c.Download.Sources = sources
	}
	if cacheDir, ok := flags["cache-dir"].(string); ok && cacheDir != "" {
		c.Cache.Directory = cacheDir
	}
	if logLevel, ok := flags["log-level"].(string); ok && logLevel != "" {
		c.Logging.Level = logLevel
	}
}

// Load loads configuration from all sources with proper precedence
// Precedence order: Command line flags > Environment variables > .env file > Config file > Defaults
func Load(configPath string, flags map[string]interface{}) (*Config, error) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join(os.Getenv("HOME"), ".k2.env"))

	config := DefaultConfig()

	if err := config.LoadFromFile(configPath); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := config.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	config.MergeCommandLineFlags(flags)
	config.Download.Extensions = NormalizeExtensions(config.Download.Extensions)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// SplitList splits a comma or whitespace separated list, dropping empty items.
func SplitList(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// NormalizeExtensions lowercases extensions and adds the leading dot.
func NormalizeExtensions(exts []string) []string {
	out := make([]string, 0, len(exts))
	seen := make(map[string]bool, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		if !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	return out
}
