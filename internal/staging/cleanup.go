package staging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const tempPrefix = ".tmp-"

func (c *Coordinator) trackTemp(path string) {
	c.mu.Lock()
	c.active[path] = struct{}{}
	c.mu.Unlock()
}

func (c *Coordinator) untrackTemp(path string) {
	c.mu.Lock()
	delete(c.active, path)
	c.mu.Unlock()
}

func (c *Coordinator) isActiveTemp(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[path]
	return ok
}

// Remove deletes a staged group directory. The path must live directly under
// one of the configured tiers; anything else is refused.
func (c *Coordinator) Remove(stagedPath string) error {
	if stagedPath == "" {
		return nil
	}
	parent := filepath.Dir(filepath.Clean(stagedPath))
	if parent != filepath.Clean(c.fastDir) && parent != filepath.Clean(c.persistentDir) {
		return fmt.Errorf("refusing to remove %s: outside staging tiers", stagedPath)
	}
	if err := os.RemoveAll(stagedPath); err != nil {
		return fmt.Errorf("remove staged dir: %w", err)
	}
	return nil
}

// SweepTemp removes leftover temp directories from both tiers. Crash-during-
// staging recovery: anything still carrying the temp prefix and not registered
// as an in-flight attempt was never published and is safe to delete. Returns
// the number of directories removed.
func (c *Coordinator) SweepTemp() (int, error) {
	removed := 0
	for _, tierDir := range []string{c.fastDir, c.persistentDir} {
		entries, err := os.ReadDir(tierDir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return removed, fmt.Errorf("read tier dir %s: %w", tierDir, err)
		}
		for _, entry := range entries {
			if !entry.IsDir() || !strings.HasPrefix(entry.Name(), tempPrefix) {
				continue
			}
			path := filepath.Join(tierDir, entry.Name())
			if c.isActiveTemp(path) {
				continue
			}
			if err := os.RemoveAll(path); err != nil {
				return removed, fmt.Errorf("remove temp dir %s: %w", path, err)
			}
			removed++
		}
	}
	return removed, nil
}
