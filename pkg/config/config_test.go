package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.Download.Concurrency != 5 {
		t.Errorf("Expected default concurrency to be 5, got %d", config.Download.Concurrency)
	}

	if config.Download.CreatorFolderTemplate != "{creator_name} ({creator_id}) - {service}" {
		t.Errorf("Unexpected creator folder template %q", config.Download.CreatorFolderTemplate)
	}

	if config.Download.LargeFileThreshold != 50*1024*1024 {
		t.Errorf("Expected 50MB large file threshold, got %d", config.Download.LargeFileThreshold)
	}

	assert.Contains(t, config.Download.Extensions, ".001")
	assert.NoError(t, config.Validate())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("K2_REQUESTS_PER_MINUTE", "30")
	t.Setenv("K2_DOWNLOAD_ROOT", "/tmp/test-downloads")
	t.Setenv("K2_CONCURRENCY", "8")
	t.Setenv("K2_EXTENSIONS", ".jpg, .png")
	t.Setenv("K2_CACHE_BACKEND", "sqlite")
	t.Setenv("K2_LOG_LEVEL", "debug")

	config := DefaultConfig()
	require.NoError(t, config.LoadFromEnv())

	if config.RateLimit.RequestsPerMinute != 30 {
		t.Errorf("Expected requests per minute to be 30, got %d", config.RateLimit.RequestsPerMinute)
	}
	if config.Download.Root != "/tmp/test-downloads" {
		t.Errorf("Expected download root to be /tmp/test-downloads, got %s", config.Download.Root)
	}
	if config.Download.Concurrency != 8 {
		t.Errorf("Expected concurrency to be 8, got %d", config.Download.Concurrency)
	}
	assert.Equal(t, []string{".jpg", ".png"}, config.Download.Extensions)
	assert.Equal(t, "sqlite", config.Cache.Backend)
	assert.Equal(t, "debug", config.Logging.Level)
}

func TestLoadFromEnvRejectsGarbage(t *testing.T) {
	t.Setenv("K2_CONCURRENCY", "many")

	config := DefaultConfig()
	assert.Error(t, config.LoadFromEnv())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantError bool
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "concurrency too high", mutate: func(c *Config) { c.Download.Concurrency = 21 }, wantError: true},
		{name: "concurrency above pool cap is allowed", mutate: func(c *Config) { c.Download.Concurrency = 20 }},
		{name: "empty template", mutate: func(c *Config) { c.Download.PostFolderTemplate = "" }, wantError: true},
		{name: "unknown source", mutate: func(c *Config) { c.Download.Sources = []string{"file", "thumbnail"} }, wantError: true},
		{name: "unknown backend", mutate: func(c *Config) { c.Cache.Backend = "redis" }, wantError: true},
		{name: "invalid log level", mutate: func(c *Config) { c.Logging.Level = "invalid" }, wantError: true},
		{name: "rate limit disabled", mutate: func(c *Config) { c.RateLimit.RequestsPerMinute = 0; c.RateLimit.BurstSize = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)
			err := config.Validate()
			if (err != nil) != tt.wantError {
				t.Errorf("Validate() error = %v, wantError %v", err, tt.wantError)
			}
		})
	}
}

func TestMergeCommandLineFlags(t *testing.T) {
	config := DefaultConfig()

	flags := map[string]interface{}{
		"output":    "/flag/output",
		"threads":   7,
		"ext":       []string{"JPG", ".png"},
		"log-level": "error",
	}

	config.MergeCommandLineFlags(flags)

	if config.Download.Root != "/flag/output" {
		t.Errorf("Expected download root to be /flag/output, got %s", config.Download.Root)
	}
	if config.Download.Concurrency != 7 {
		t.Errorf("Expected concurrency to be 7, got %d", config.Download.Concurrency)
	}
	assert.Equal(t, []string{".jpg", ".png"}, config.Download.Extensions)
	assert.Equal(t, "error", config.Logging.Level)
}

func TestSaveAndLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test-config.yaml")

	config := DefaultConfig()
	config.Download.Concurrency = 8
	config.Download.InactivityTimeout = 90 * time.Second
	config.Watch.URLs = []string{"https://kemono.cr/patreon/user/1"}

	require.NoError(t, config.Save(configPath))

	info, err := os.Stat(configPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded := DefaultConfig()
	require.NoError(t, loaded.LoadFromFile(configPath))

	assert.Equal(t, 8, loaded.Download.Concurrency)
	assert.Equal(t, 90*time.Second, loaded.Download.InactivityTimeout)
	assert.Equal(t, config.Watch.URLs, loaded.Watch.URLs)
}

func TestLoadSettingsJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	content := `{
		"default_download_path": "/home/user/Desktop",
		"creator_folder_name_template": "{creator_name}",
		"post_folder_name_template": "{post_title}",
		"file_name_template": "{file_name_original}{file_ext}",
		"concurrency": 9,
		"filter_extensions": ["PNG", ".zip"],
		"language": "en"
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	config := DefaultConfig()
	require.NoError(t, config.LoadSettingsJSON(path))

	assert.Equal(t, filepath.Join("/home/user/Desktop", "K2"), config.Download.Root)
	assert.Equal(t, "{creator_name}", config.Download.CreatorFolderTemplate)
	assert.Equal(t, "{post_title}", config.Download.PostFolderTemplate)
	assert.Equal(t, 9, config.Download.Concurrency)
	assert.Equal(t, []string{".png", ".zip"}, config.Download.Extensions)
}

func TestNormalizeExtensions(t *testing.T) {
	got := NormalizeExtensions([]string{"JPG", " .png ", "", "jpg", ".001"})
	assert.Equal(t, []string{".jpg", ".png", ".001"}, got)
}
