// Package history decides whether the backup side of a tracked directory has
// moved on since a reference point, based on the backup's git history.
package history

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/schaermu/cardsync/internal/git"
)

// Oracle answers "has the backup changed this directory since t?"
type Oracle struct {
	history   git.History
	backupDir string
	logger    *slog.Logger
}

// NewOracle creates an oracle over the repository at backupDir
func NewOracle(history git.History, backupDir string, logger *slog.Logger) *Oracle {
	return &Oracle{
		history:   history,
		backupDir: backupDir,
		logger:    logger,
	}
}

// HasBackupSideChangeSince reports whether the most recent commit touching
// name is strictly after ref. Lookup failures count as "not changed".
func (o *Oracle) HasBackupSideChangeSince(ctx context.Context, name string, ref time.Time) bool {
	last, err := o.history.LastChange(ctx, o.backupDir, name)
	if err != nil {
		if errors.Is(err, git.ErrNoHistory) {
			o.logger.Debug("no backup history for directory", "dir", name)
		} else {
			o.logger.Warn("failed to query backup history, assuming unchanged", "dir", name, "error", err)
		}
		return false
	}

	commitTime := Naive(last, ref.Location())
	changed := commitTime.After(ref)
	o.logger.Debug("backup history checked",
		"dir", name,
		"last_commit", commitTime.Format(time.DateTime),
		"reference", ref.Format(time.DateTime),
		"changed", changed)
	return changed
}

// Naive drops t's zone offset and reads its wall clock in loc. Commit times
// recorded under a different offset than the manifest can therefore compare
// wrong by up to that offset; manifest timestamps carry no zone, so there is
// nothing to convert them against.
func Naive(t time.Time, loc *time.Location) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
}
