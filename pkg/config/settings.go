package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// legacySettings mirrors the flat JSON settings file written by the desktop
// front end. Only the keys the download pipeline reads are decoded.
type legacySettings struct {
	DefaultDownloadPath       string   `json:"default_download_path"`
	CreatorFolderNameTemplate string   `json:"creator_folder_name_template"`
	PostFolderNameTemplate    string   `json:"post_folder_name_template"`
	FileNameTemplate          string   `json:"file_name_template"`
	Concurrency               int      `json:"concurrency"`
	FilterExtensions          []string `json:"filter_extensions"`
}

// LoadSettingsJSON merges a flat JSON settings file into the configuration.
// The download root becomes {default_download_path}/K2, matching the layout
// the desktop front end produces.
func (c *Config) LoadSettingsJSON(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read settings file: %w", err)
	}

	var s legacySettings
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("failed to parse settings file: %w", err)
	}

	if s.DefaultDownloadPath != "" {
		c.Download.Root = filepath.Join(s.DefaultDownloadPath, "K2")
	}
	if s.CreatorFolderNameTemplate != "" {
		c.Download.CreatorFolderTemplate = s.CreatorFolderNameTemplate
	}
	if s.PostFolderNameTemplate != "" {
		c.Download.PostFolderTemplate = s.PostFolderNameTemplate
	}
	if s.FileNameTemplate != "" {
		c.Download.FileNameTemplate = s.FileNameTemplate
	}
	if s.Concurrency > 0 {
		c.Download.Concurrency = s.Concurrency
	}
	if len(s.FilterExtensions) > 0 {
		c.Download.Extensions = NormalizeExtensions(s.FilterExtensions)
	}

	return nil
}
