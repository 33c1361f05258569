package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cssforge/cssforge/pkg/infrastructure/logging"
)

// ErrNotFound is returned when a key has no persisted entry.
var ErrNotFound = errors.New("entry not found")

// persistedEntry is the on-disk form of a cache entry. Values round-trip
// through JSON, so loaded values carry JSON types (numbers come back as
// float64).
type persistedEntry struct {
	Key       string        `json:"key"`
	Value     interface{}   `json:"value"`
	Size      int64         `json:"size"`
	CreatedAt time.Time     `json:"created_at"`
	TTL       time.Duration `json:"ttl,omitempty"`
}

func (p *persistedEntry) expired(now time.Time) bool {
	return p.TTL > 0 && now.After(p.CreatedAt.Add(p.TTL))
}

// fileStore mirrors cache entries to one JSON file per key. Filenames are
// the SHA-256 of the key, so arbitrary keys stay filesystem-safe.
type fileStore struct {
	dir    string
	logger *logging.Logger
}

func newFileStore(dir string, logger *logging.Logger) (*fileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &fileStore{dir: dir, logger: logger}, nil
}

func (fs *fileStore) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(fs.dir, hex.EncodeToString(sum[:])+".json")
}

func (fs *fileStore) write(entry *Entry) error {
	pe := persistedEntry{
		Key:       entry.Key,
		Value:     entry.Value,
		Size:      entry.Size,
		CreatedAt: entry.CreatedAt,
		TTL:       entry.TTL,
	}
	data, err := json.Marshal(&pe)
	if err != nil {
		return fmt.Errorf("failed to encode entry: %w", err)
	}

	path := fs.path(entry.Key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit entry: %w", err)
	}
	return nil
}

func (fs *fileStore) load(key string) (*persistedEntry, error) {
	data, err := os.ReadFile(fs.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read entry: %w", err)
	}

	var pe persistedEntry
	if err := json.Unmarshal(data, &pe); err != nil {
		return nil, fmt.Errorf("failed to decode entry: %w", err)
	}
	if pe.Key != key {
		return nil, ErrNotFound
	}
	return &pe, nil
}

func (fs *fileStore) remove(key string) error {
	err := os.Remove(fs.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove entry: %w", err)
	}
	return nil
}

// wipe deletes every persisted entry.
func (fs *fileStore) wipe() error {
	names, err := os.ReadDir(fs.dir)
	if err != nil {
		return fmt.Errorf("failed to list cache directory: %w", err)
	}
	for _, name := range names {
		if name.IsDir() || !strings.HasSuffix(name.Name(), ".json") {
			continue
		}
		if err := os.Remove(filepath.Join(fs.dir, name.Name())); err != nil {
			fs.logger.Warn("failed to remove persisted entry", map[string]interface{}{
				"file":  name.Name(),
				"error": err.Error(),
			})
		}
	}
	return nil
}

// snapshot rewrites the persisted set to exactly match the given entries,
// removing files for keys no longer resident.
func (fs *fileStore) snapshot(entries []*Entry) error {
	keep := make(map[string]bool, len(entries))
	for _, entry := range entries {
		keep[filepath.Base(fs.path(entry.Key))] = true
		if err := fs.write(entry); err != nil {
			fs.logger.Warn("snapshot write failed", map[string]interface{}{
				"key":   entry.Key,
				"error": err.Error(),
			})
		}
	}

	names, err := os.ReadDir(fs.dir)
	if err != nil {
		return fmt.Errorf("failed to list cache directory: %w", err)
	}
	for _, name := range names {
		if name.IsDir() || !strings.HasSuffix(name.Name(), ".json") || keep[name.Name()] {
			continue
		}
		os.Remove(filepath.Join(fs.dir, name.Name()))
	}
	return nil
}
