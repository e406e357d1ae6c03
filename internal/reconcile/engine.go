// Package reconcile decides, per tracked directory, which side of the
// card/backup pair moved since the last known-good manifest and carries out
// the matching copy.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schaermu/cardsync/internal/fingerprint"
	"github.com/schaermu/cardsync/internal/fstree"
	"github.com/schaermu/cardsync/internal/manifest"
	"github.com/schaermu/cardsync/internal/prompt"
)

// Oracle reports backup-side changes after a reference time
type Oracle interface {
	HasBackupSideChangeSince(ctx context.Context, name string, ref time.Time) bool
}

// Divergence menu entries; the numbers are the Choose results.
const (
	choiceCardWins   = 1
	choiceBackupWins = 2
)

var divergenceOptions = []string{
	"Card overwrites backup",
	"Backup overwrites card",
	"Do nothing (resolve manually)",
}

// Engine reconciles tracked directories between a card and a backup
type Engine struct {
	cardDir   string
	backupDir string
	manifest  manifest.Manifest
	oracle    Oracle
	decider   prompt.Decider
	logger    *slog.Logger
}

// NewEngine creates an engine. m is the baseline loaded at the start of the
// run; the engine never modifies it.
func NewEngine(cardDir, backupDir string, m manifest.Manifest, oracle Oracle, decider prompt.Decider, logger *slog.Logger) *Engine {
	if m == nil {
		m = make(manifest.Manifest)
	}
	return &Engine{
		cardDir:   cardDir,
		backupDir: backupDir,
		manifest:  m,
		oracle:    oracle,
		decider:   decider,
		logger:    logger,
	}
}

// Classify computes the state of name without touching either side
func (e *Engine) Classify(ctx context.Context, name string) (State, error) {
	state := State{Name: name}

	if !fstree.IsDir(e.backupPath(name)) {
		state.NewInBackup = true
		return state, nil
	}

	sum, err := fingerprint.Fingerprint(e.cardPath(name))
	if err != nil {
		return state, fmt.Errorf("failed to fingerprint card directory %s: %w", name, err)
	}
	state.CardFingerprint = sum

	entry, ok := e.manifest[name]
	if !ok {
		state.NoBaseline = true
		return state, nil
	}

	state.CardModified = sum != entry.Fingerprint
	state.BackupModified = e.oracle.HasBackupSideChangeSince(ctx, name, entry.Timestamp)
	return state, nil
}

// Reconcile classifies name and performs the action its state calls for,
// asking the decider whenever the backup has moved on.
func (e *Engine) Reconcile(ctx context.Context, name string) (Outcome, error) {
	state, err := e.Classify(ctx, name)
	if err != nil {
		return NoChange, err
	}

	logger := e.logger.With("dir", name, "state", state.Kind())

	switch state.Kind() {
	case KindNew:
		logger.Info("directory not in backup, creating new backup")
		if err := e.copyToBackup(logger, name, false); err != nil {
			return NoChange, err
		}
		return CopiedCardToBackup, nil

	case KindNoBaseline:
		// Without a recorded baseline there is no telling which side is
		// newer, so leave both alone.
		logger.Warn("directory has no manifest entry, leaving both sides untouched")
		return NoChange, nil

	case KindInSync:
		logger.Info("directory unchanged on both sides")
		return NoChange, nil

	case KindCardAhead:
		logger.Info("card is newer, copying to backup")
		if err := e.copyToBackup(logger, name, true); err != nil {
			return NoChange, err
		}
		return CopiedCardToBackup, nil

	case KindBackupAhead:
		ok, err := e.decider.Confirm(ctx, fmt.Sprintf("%s changed in the backup since the card was last synced. Copy the backup version to the card?", name))
		if err != nil {
			return NoChange, fmt.Errorf("prompt for %s: %w", name, err)
		}
		if !ok {
			logger.Info("declined backup to card sync")
			return NoChange, nil
		}
		if err := e.copyToCard(logger, name); err != nil {
			return NoChange, err
		}
		return CopiedBackupToCard, nil

	case KindDiverged:
		choice, err := e.decider.Choose(ctx, fmt.Sprintf("%s changed on both the card and the backup since the last sync. What should happen?", name), divergenceOptions)
		if err != nil {
			return NoChange, fmt.Errorf("prompt for %s: %w", name, err)
		}
		switch choice {
		case choiceCardWins:
			if err := e.copyToBackup(logger, name, true); err != nil {
				return NoChange, err
			}
			return CopiedCardToBackup, nil
		case choiceBackupWins:
			if err := e.copyToCard(logger, name); err != nil {
				return NoChange, err
			}
			return CopiedBackupToCard, nil
		default:
			logger.Warn("conflict left for manual resolution")
			return PendingManualResolution, nil
		}
	}

	return NoChange, fmt.Errorf("unhandled state %q for %s", state.Kind(), name)
}

// copyToBackup copies the card tree over the backup tree and, when prune is
// set, removes backup entries that no longer exist on the card.
func (e *Engine) copyToBackup(logger *slog.Logger, name string, prune bool) error {
	src, dst := e.cardPath(name), e.backupPath(name)

	stats, err := fstree.CopyTree(src, dst)
	if err != nil {
		return fmt.Errorf("failed to copy %s to backup: %w", name, err)
	}
	logger.Info("copied card to backup", "files", stats.Files, "bytes", humanize.Bytes(uint64(stats.Bytes)))

	if !prune {
		return nil
	}
	removed, err := fstree.PruneOrphans(dst, src)
	if err != nil {
		return fmt.Errorf("failed to prune backup of %s: %w", name, err)
	}
	for _, r := range removed {
		logger.Info("deleted from backup", "entry", r)
	}
	return nil
}

// copyToCard replaces the card directory wholesale with the backup version
func (e *Engine) copyToCard(logger *slog.Logger, name string) error {
	stats, err := fstree.ReplaceTree(e.backupPath(name), e.cardPath(name))
	if err != nil {
		return fmt.Errorf("failed to copy %s to card: %w", name, err)
	}
	logger.Info("replaced card directory with backup", "files", stats.Files, "bytes", humanize.Bytes(uint64(stats.Bytes)))
	return nil
}

func (e *Engine) cardPath(name string) string {
	return filepath.Join(e.cardDir, name)
}

func (e *Engine) backupPath(name string) string {
	return filepath.Join(e.backupDir, name)
}
