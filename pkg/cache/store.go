package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

var (
	// ErrNotFound is returned by Store.Load when no record exists
	ErrNotFound = errors.New("cache record not found")

	// ErrCorrupt is returned by Store.Load when a record cannot be decoded
	ErrCorrupt = errors.New("cache record corrupt")
)

// Store persists cache records
type Store interface {
	Load(k Key) (*Record, error)
	Save(r *Record) error
	Delete(k Key) error
	Keys() ([]Key, error)
	Close() error
}

// JSONStore keeps one JSON file per creator under
// {dir}/creators/{service}_{creator_id}/cache.json.
type JSONStore struct {
	dir string
}

// NewJSONStore creates a JSON store rooted at dir. An empty dir selects the
// per-user data directory.
func NewJSONStore(dir string) (*JSONStore, error) {
	if dir == "" {
		dataDir, err := DataDirectory()
		if err != nil {
			return nil, fmt.Errorf("failed to get data directory: %w", err)
		}
		dir = filepath.Join(dataDir, "cache")
	}

	if err := os.MkdirAll(filepath.Join(dir, "creators"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &JSONStore{dir: dir}, nil
}

// Dir returns the store's root directory
func (s *JSONStore) Dir() string { return s.dir }

func (s *JSONStore) path(k Key) string {
	return filepath.Join(s.dir, "creators", k.String(), "cache.json")
}

// Load reads the record for k
func (s *JSONStore) Load(k Key) (*Record, error) {
	data, err := os.ReadFile(s.path(k))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read cache file: %w", err)
	}

	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if r.Service == "" {
		r.Service = k.Service
	}
	if r.CreatorID == "" {
		r.CreatorID = k.CreatorID
	}
	return &r, nil
}

// Save writes the record atomically through a temporary file
func (s *JSONStore) Save(r *Record) error {
	path := s.path(r.Key())
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create creator cache directory: %w", err)
	}

	tempPath := path + ".tmp"
	file, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temporary cache file: %w", err)
	}

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(r); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to encode cache record: %w", err)
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync cache file: %w", err)
	}

	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close cache file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace cache file: %w", err)
	}
	return nil
}

// Delete removes the creator's cache directory
func (s *JSONStore) Delete(k Key) error {
	if err := os.RemoveAll(filepath.Dir(s.path(k))); err != nil {
		return fmt.Errorf("failed to delete cache record: %w", err)
	}
	return nil
}

// Keys lists every creator that has a cache directory. The directory name
// alone is ambiguous when either half contains "_", so the key stored in
// the record wins when it names the same directory. Unreadable records
// fall back to splitting at the first "_", which keeps them deletable.
func (s *JSONStore) Keys() ([]Key, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, "creators"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list cache directory: %w", err)
	}

	var keys []Key
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if k, ok := s.storedKey(e.Name()); ok {
			keys = append(keys, k)
			continue
		}
		service, creatorID, ok := strings.Cut(e.Name(), "_")
		if !ok || service == "" || creatorID == "" {
			continue
		}
		keys = append(keys, Key{Service: service, CreatorID: creatorID})
	}
	return keys, nil
}

// storedKey reads the key recorded inside the cache file of dir
func (s *JSONStore) storedKey(dir string) (Key, bool) {
	data, err := os.ReadFile(filepath.Join(s.dir, "creators", dir, "cache.json"))
	if err != nil {
		return Key{}, false
	}
	var stored struct {
		Service   string `json:"service"`
		CreatorID string `json:"creator_id"`
	}
	if err := json.Unmarshal(data, &stored); err != nil {
		return Key{}, false
	}
	k := Key{Service: stored.Service, CreatorID: stored.CreatorID}
	if k.Service == "" || k.CreatorID == "" || k.String() != dir {
		return Key{}, false
	}
	return k, true
}

func (s *JSONStore) Close() error { return nil }

// DataDirectory returns the per-user data directory for the current OS
func DataDirectory() (string, error) {
	var dataDir string

	switch runtime.GOOS {
	case "linux", "freebsd", "openbsd", "netbsd":
		if xdgDataHome := os.Getenv("XDG_DATA_HOME"); xdgDataHome != "" {
			dataDir = filepath.Join(xdgDataHome, "k2")
		} else {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			dataDir = filepath.Join(home, ".local", "share", "k2")
		}
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dataDir = filepath.Join(home, "Library", "Application Support", "k2")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			return "", fmt.Errorf("APPDATA environment variable not set")
		}
		dataDir = filepath.Join(appData, "k2")
	default:
		return "", fmt.Errorf("unsupported operating system: %s", runtime.GOOS)
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	return dataDir, nil
}
