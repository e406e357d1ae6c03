// Package fstree provides the directory-tree primitives used to move tracked
// directories between the card and the backup.
package fstree

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Stats summarizes a tree copy
type Stats struct {
	Files int
	Bytes int64
}

// Discover returns the sorted names of the top-level directories in root
// whose name contains marker.
func Discover(root, marker string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() && strings.Contains(e.Name(), marker) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// IsDir reports whether path exists and is a directory
func IsDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// CopyTree copies every file below src into dst, creating directories as
// needed and overwriting existing files. An entry in dst whose type differs
// from its counterpart in src (file versus directory) is replaced. Files
// present only in dst are left alone.
func CopyTree(src, dst string) (Stats, error) {
	var stats Stats

	if !IsDir(src) {
		return stats, fmt.Errorf("source %s is not a directory", src)
	}

	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			if err := clearMismatched(target, true); err != nil {
				return err
			}
			return os.MkdirAll(target, 0755)
		case d.Type().IsRegular():
			if err := clearMismatched(target, false); err != nil {
				return err
			}
			n, err := copyFile(path, target)
			if err != nil {
				return fmt.Errorf("failed to copy %s: %w", rel, err)
			}
			stats.Files++
			stats.Bytes += n
		}
		// sockets, devices and symlinks are not part of a card's content
		return nil
	})

	return stats, err
}

// ReplaceTree makes dst an exact copy of src. The new tree is assembled in a
// hidden sibling directory and swapped in once complete, so a failed copy
// leaves dst as it was.
func ReplaceTree(src, dst string) (Stats, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return Stats{}, err
	}

	tmpDir, err := os.MkdirTemp(filepath.Dir(dst), ".cardsync-tmp-*")
	if err != nil {
		return Stats{}, err
	}
	defer func() {
		_ = os.RemoveAll(tmpDir)
	}() // cleanup on error

	stats, err := CopyTree(src, tmpDir)
	if err != nil {
		return stats, err
	}

	// MkdirTemp creates 0700; take the source's permissions instead
	if srcInfo, err := os.Stat(src); err == nil {
		_ = os.Chmod(tmpDir, srcInfo.Mode().Perm())
	}

	if err := os.RemoveAll(dst); err != nil {
		return stats, fmt.Errorf("failed to remove %s: %w", dst, err)
	}
	if err := os.Rename(tmpDir, dst); err != nil {
		return stats, err
	}
	return stats, nil
}

// PruneOrphans removes every non-hidden entry of backupDir that has no
// counterpart of the same name in cardDir, descending into directories
// present on both sides. It returns the removed paths relative to backupDir.
func PruneOrphans(backupDir, cardDir string) ([]string, error) {
	return pruneOrphans(backupDir, cardDir, "")
}

func pruneOrphans(backupDir, cardDir, rel string) ([]string, error) {
	backupEntries, err := os.ReadDir(filepath.Join(backupDir, rel))
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, e := range backupEntries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		entryRel := filepath.Join(rel, name)

		cardInfo, err := os.Lstat(filepath.Join(cardDir, entryRel))
		if err == nil {
			if e.IsDir() && cardInfo.IsDir() {
				sub, err := pruneOrphans(backupDir, cardDir, entryRel)
				removed = append(removed, sub...)
				if err != nil {
					return removed, err
				}
			}
			continue
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return removed, err
		}

		if err := os.RemoveAll(filepath.Join(backupDir, entryRel)); err != nil {
			return removed, fmt.Errorf("failed to delete %s: %w", entryRel, err)
		}
		removed = append(removed, filepath.ToSlash(entryRel))
	}

	return removed, nil
}

// clearMismatched removes target when it exists but is not of the wanted
// kind: a directory when wantDir is set, a regular file otherwise.
func clearMismatched(target string, wantDir bool) error {
	info, err := os.Lstat(target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.IsDir() == wantDir && (wantDir || info.Mode().IsRegular()) {
		return nil
	}
	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("failed to replace %s: %w", target, err)
	}
	return nil
}

// copyFile copies a file from src to dst with atomic write
func copyFile(src, dst string) (int64, error) {
	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return 0, err
	}

	srcFile, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = srcFile.Close()
	}()

	// Create temp file in destination directory
	tmpFile, err := os.CreateTemp(filepath.Dir(dst), ".cardsync-tmp-*")
	if err != nil {
		return 0, err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	n, err := io.Copy(tmpFile, srcFile)
	if err != nil {
		_ = tmpFile.Close()
		return n, err
	}

	srcInfo, err := srcFile.Stat()
	if err != nil {
		_ = tmpFile.Close()
		return n, err
	}

	// FAT-formatted cards reject chmod; contents matter, modes do not
	_ = tmpFile.Chmod(srcInfo.Mode())

	if err := tmpFile.Close(); err != nil {
		return n, err
	}

	return n, os.Rename(tmpPath, dst)
}
