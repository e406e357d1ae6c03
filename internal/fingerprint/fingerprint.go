package fingerprint

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNotFound is returned when the directory to fingerprint does not exist
var ErrNotFound = errors.New("directory not found")

// Fingerprint computes a content digest of the directory tree rooted at dir.
// Only relative paths of files and directories plus file contents
// contribute, so two trees with the same layout produce the same value
// regardless of mtimes, permissions or traversal order. Hidden entries are
// ignored.
func Fingerprint(dir string) (string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, dir)
		}
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrNotFound, dir)
	}

	var lines []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		// Skip hidden files and directories (e.g. .DS_Store, .Trashes)
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if path == dir {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		// Directories count by name so that an added empty folder is a change
		if d.IsDir() {
			lines = append(lines, filepath.ToSlash(rel)+"/")
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		sum, err := fileHash(path)
		if err != nil {
			return fmt.Errorf("failed to hash %s: %w", path, err)
		}
		lines = append(lines, filepath.ToSlash(rel)+"\x00"+sum)
		return nil
	})
	if err != nil {
		return "", err
	}

	sort.Strings(lines)

	h := md5.New()
	for _, line := range lines {
		_, _ = io.WriteString(h, line)
		_, _ = io.WriteString(h, "\n")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// fileHash computes the md5 hash of a file's contents
func fileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = f.Close()
	}()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
