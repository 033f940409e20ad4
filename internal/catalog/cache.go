package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	// cacheTTL is the staleness window for a cached listing.
	cacheTTL = 24 * time.Hour

	// cacheMinSize guards against serving a truncated write; a real
	// listing is always far larger than this.
	cacheMinSize = 4096
)

// Cache persists raw directory listings on disk, one file per bot, so they
// survive between runs. Validity is judged from the file's modification
// time and size.
type Cache struct {
	dir string
}

// NewCache creates the cache directory if needed.
func NewCache(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Cache{dir: dir}, nil
}

// Read returns the cached listing for bot, or ok=false when the record is
// missing, stale, or implausibly small.
func (c *Cache) Read(bot string) (string, bool) {
	path := c.path(bot)
	fi, err := os.Stat(path)
	if err != nil {
		return "", false
	}
	if time.Since(fi.ModTime()) > cacheTTL || fi.Size() < cacheMinSize {
		return "", false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	return string(data), true
}

// Write stores a fresh listing for bot. The write is atomic (temp file then
// rename) so a crashed run cannot leave a half-written record behind.
func (c *Cache) Write(bot, raw string) error {
	path := c.path(bot)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(raw), 0o644); err != nil {
		return fmt.Errorf("write cache: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename cache: %w", err)
	}
	return nil
}

func (c *Cache) path(bot string) string {
	return filepath.Join(c.dir, safeKey(bot)+".xdcc.txt")
}

// safeKey maps a bot identity to a filesystem-safe name ("|" and friends
// become dots).
func safeKey(bot string) string {
	out := []byte(bot)
	for i, b := range out {
		switch {
		case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9',
			b == '-', b == '_', b == '.':
		default:
			out[i] = '.'
		}
	}
	return string(out)
}
