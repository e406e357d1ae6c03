// Package manifest reads and writes the card's MANIFEST file: the last known
// good fingerprint of every tracked directory and when it was recorded.
package manifest

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/schaermu/cardsync/internal/fingerprint"
	"github.com/schaermu/cardsync/internal/fstree"
)

// FileName is the manifest's file name at the root of a card or backup
const FileName = "MANIFEST"

// TimeLayout is DD/MM/YYYY:HH:MM:SS. Timestamps are zone-less and read in
// local time.
const TimeLayout = "02/01/2006:15:04:05"

// Unsynced is stored in place of a fingerprint for a directory that has
// never been reconciled successfully. It matches no real fingerprint.
const Unsynced = "unsynced"

// Entry is the recorded state of one tracked directory
type Entry struct {
	Name        string
	Fingerprint string
	Timestamp   time.Time
}

// Manifest maps directory name to its entry
type Manifest map[string]Entry

// Names returns the directory names in sorted order
func (m Manifest) Names() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Path returns the manifest location below root
func Path(root string) string {
	return filepath.Join(root, FileName)
}

// Exists reports whether root holds a manifest file
func Exists(root string) bool {
	info, err := os.Stat(Path(root))
	return err == nil && info.Mode().IsRegular()
}

// Parse reads the three-field line format. Blank lines are skipped; any
// other line that is not "name fingerprint timestamp" is an error.
func Parse(r io.Reader) (Manifest, error) {
	m := make(Manifest)
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("line %d: expected 3 fields, got %d", lineNo, len(fields))
		}

		ts, err := time.ParseInLocation(TimeLayout, fields[2], time.Local)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid timestamp %q: %w", lineNo, fields[2], err)
		}

		m[fields[0]] = Entry{
			Name:        fields[0],
			Fingerprint: fields[1],
			Timestamp:   ts,
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return m, nil
}

// Load reads the manifest at path. A missing or malformed file yields an
// empty manifest.
func Load(path string, logger *slog.Logger) Manifest {
	f, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("failed to open manifest (treating as empty)", "path", path, "error", err)
		}
		return make(Manifest)
	}
	defer func() {
		_ = f.Close()
	}()

	m, err := Parse(f)
	if err != nil {
		logger.Warn("malformed manifest (treating as empty)", "path", path, "error", err)
		return make(Manifest)
	}
	return m
}

// WriteTo serializes the manifest, one line per entry in name order
func (m Manifest) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for _, name := range m.Names() {
		e := m[name]
		n, err := fmt.Fprintf(w, "%s %s %s\n", e.Name, e.Fingerprint, e.Timestamp.Format(TimeLayout))
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Generate fingerprints every name that is a directory under src, stamps
// the entries with now and writes the result to dest's manifest file. An
// empty dest writes into src.
func Generate(src string, names []string, dest string, now time.Time) (Manifest, error) {
	if dest == "" {
		dest = src
	}

	m, err := Build(src, names, now)
	if err != nil {
		return nil, err
	}

	if err := Write(Path(dest), m); err != nil {
		return nil, err
	}
	return m, nil
}

// Build computes manifest entries without writing anything. Names that do
// not exist under src or contain whitespace get no entry.
func Build(src string, names []string, now time.Time) (Manifest, error) {
	stamp := now.Truncate(time.Second)
	m := make(Manifest, len(names))
	for _, name := range names {
		// the line format cannot represent these
		if strings.ContainsAny(name, " \t\r\n") {
			continue
		}

		dir := filepath.Join(src, name)
		if !fstree.IsDir(dir) {
			continue
		}

		sum, err := fingerprint.Fingerprint(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to fingerprint %s: %w", name, err)
		}
		m[name] = Entry{Name: name, Fingerprint: sum, Timestamp: stamp}
	}
	return m, nil
}

// Write replaces the file at path with m via temp file and rename
func Write(path string, m Manifest) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".manifest-tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp manifest: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := m.WriteTo(tmpFile); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	// FAT-formatted cards reject chmod
	_ = tmpFile.Chmod(0644)
	if err := tmpFile.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, path)
}
