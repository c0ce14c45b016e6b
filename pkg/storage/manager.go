package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"k2dl/pkg/detector"
)

// MaxNameLength bounds every formatted path segment, in characters
const MaxNameLength = 150

// PartSuffix marks an in-flight transfer next to its final path
const PartSuffix = ".part"

// Templates holds the three naming templates of the output layout
type Templates struct {
	Creator string
	Post    string
	File    string
}

// Manager lays out downloads under root as
// {root}/{creator folder}/{post folder}/{file name} and commits finished
// transfers atomically.
type Manager struct {
	root      string
	templates Templates
	committed map[string]bool
	mu        sync.RWMutex
}

// NewManager creates a new storage manager
func NewManager(root string, templates Templates) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("download root is required")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	return &Manager{
		root:      root,
		templates: templates,
		committed: make(map[string]bool),
	}, nil
}

var (
	illegalChars = regexp.MustCompile(`[\\/:*?"<>|]`)
	placeholder  = regexp.MustCompile(`\{(\w+)\}`)
)

// FormatName fills {key} placeholders from vars and makes the result safe
// as a single path segment: illegal characters are removed, trailing dots
// and spaces trimmed and the length capped. An empty result is "untitled".
func FormatName(template string, vars map[string]string) string {
	name := placeholder.ReplaceAllStringFunc(template, func(m string) string {
		if value, ok := vars[m[1:len(m)-1]]; ok {
			return value
		}
		return m
	})

	name = illegalChars.ReplaceAllString(name, "")
	name = strings.TrimRight(name, ". ")
	name = strings.TrimSpace(name)
	if utf8.RuneCountInString(name) > MaxNameLength {
		name = string([]rune(name)[:MaxNameLength])
		name = strings.TrimRight(name, ". ")
	}
	if name == "" {
		return "untitled"
	}
	return name
}

// Path resolves the destination of one file of a post. File names without
// an extension are rejected.
func (m *Manager) Path(info detector.PostInfo, fileName string) (string, error) {
	ext := detector.SplitExt(fileName)
	if ext == "" {
		return "", fmt.Errorf("file %q has no extension", fileName)
	}

	vars := info.Vars()
	creatorDir := FormatName(m.templates.Creator, vars)
	postDir := FormatName(m.templates.Post, vars)

	vars["file_name_original"] = fileName[:len(fileName)-len(ext)]
	vars["file_ext"] = ext
	name := FormatName(m.templates.File, vars)

	return filepath.Join(m.root, creatorDir, postDir, name), nil
}

// PartPath returns the in-flight path for dest
func PartPath(dest string) string {
	return dest + PartSuffix
}

// Commit atomically moves a finished part file to dest, replacing any file
// already there.
func (m *Manager) Commit(part, dest string) error {
	if err := Commit(part, dest); err != nil {
		return err
	}
	m.mu.Lock()
	m.committed[dest] = true
	m.mu.Unlock()
	return nil
}

// Commit renames part to dest
func Commit(part, dest string) error {
	if err := os.Rename(part, dest); err != nil {
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}
	return nil
}

// IsDownloaded reports whether dest was committed in this run or exists
// on disk.
func (m *Manager) IsDownloaded(dest string) bool {
	m.mu.RLock()
	done := m.committed[dest]
	m.mu.RUnlock()
	if done {
		return true
	}
	_, err := os.Stat(dest)
	return err == nil
}

// Root returns the download root
func (m *Manager) Root() string {
	return m.root
}

// DownloadedCount returns the number of files committed through m
func (m *Manager) DownloadedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.committed)
}
