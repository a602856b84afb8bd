package repocache

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Info summarizes the durable on-disk cache state.
type Info struct {
	Root    string
	Size    int64
	Mirrors []MirrorInfo
}

// MirrorInfo describes one cached mirror and its worktrees.
type MirrorInfo struct {
	Key       string
	Size      int64
	Worktrees []string
}

// Inspect reads the cache layout from disk. No git is invoked; the report
// reflects whatever previous runs left behind.
func (c *Cache) Inspect() (Info, error) {
	info := Info{Root: c.root}

	mirrors, err := os.ReadDir(filepath.Join(c.root, "repos"))
	if err != nil && !os.IsNotExist(err) {
		return info, fmt.Errorf("reading mirror directory: %w", err)
	}
	for _, mirror := range mirrors {
		if !mirror.IsDir() {
			continue
		}
		entry := MirrorInfo{Key: mirror.Name()}
		entry.Size, err = dirSize(filepath.Join(c.root, "repos", mirror.Name()))
		if err != nil {
			return info, err
		}

		worktrees, err := os.ReadDir(filepath.Join(c.root, "worktrees", mirror.Name()))
		if err != nil && !os.IsNotExist(err) {
			return info, fmt.Errorf("reading worktrees of %s: %w", mirror.Name(), err)
		}
		for _, wt := range worktrees {
			if !wt.IsDir() {
				continue
			}
			entry.Worktrees = append(entry.Worktrees, wt.Name())
			size, err := dirSize(filepath.Join(c.root, "worktrees", mirror.Name(), wt.Name()))
			if err != nil {
				return info, err
			}
			entry.Size += size
		}
		info.Size += entry.Size
		info.Mirrors = append(info.Mirrors, entry)
	}
	return info, nil
}

func dirSize(dir string) (int64, error) {
	var size int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			// Entries can vanish under a concurrent clean.
			if os.IsNotExist(walkErr) {
				return nil
			}
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		size += fi.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("sizing %s: %w", dir, err)
	}
	return size, nil
}
