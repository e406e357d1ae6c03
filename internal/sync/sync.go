package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/schaermu/cardsync/internal/config"
	"github.com/schaermu/cardsync/internal/fstree"
	"github.com/schaermu/cardsync/internal/git"
	"github.com/schaermu/cardsync/internal/history"
	"github.com/schaermu/cardsync/internal/manifest"
	"github.com/schaermu/cardsync/internal/prompt"
	"github.com/schaermu/cardsync/internal/reconcile"
)

// Precondition failures. Each aborts the run before any work is done.
var (
	ErrNoRepository  = errors.New("backup folder is not a git repository")
	ErrCardNotFound  = errors.New("card not present")
	ErrNoTrackedDirs = errors.New("no tracked directories found on the card")
)

// CommitTimeLayout formats the timestamp in snapshot commit messages
const CommitTimeLayout = "02/01/2006 15:04:05"

// Driver orchestrates a sync run between card and backup
type Driver struct {
	cfg     *config.Config
	git     git.Client
	history git.History
	decider prompt.Decider
	logger  *slog.Logger
	now     func() time.Time
}

// NewDriver creates a new sync driver. history may differ from gitClient to
// read the backup's log in-process.
func NewDriver(cfg *config.Config, gitClient git.Client, hist git.History, decider prompt.Decider, logger *slog.Logger) *Driver {
	if hist == nil {
		hist = gitClient
	}
	return &Driver{
		cfg:     cfg,
		git:     gitClient,
		history: hist,
		decider: decider,
		logger:  logger,
		now:     time.Now,
	}
}

// Run executes the complete sync process
func (d *Driver) Run(ctx context.Context) (*Report, error) {
	cardDir, backupDir := d.cfg.Paths.CardDir, d.cfg.Paths.BackupDir
	d.logger.Info("starting sync", "card", cardDir, "backup", backupDir, "marker", d.cfg.Sync.Marker)

	names, err := d.preflight(ctx, true)
	if err != nil {
		return nil, err
	}
	d.logger.Info("discovered tracked directories", "count", len(names), "dirs", names)

	report := &Report{}

	// A card without a manifest was never fingerprinted. Seed it from the
	// backup so that directories already backed up have a baseline.
	if !manifest.Exists(cardDir) {
		if err := d.bootstrap(); err != nil {
			return nil, err
		}
		report.Bootstrapped = true
	}

	baseline := manifest.Load(manifest.Path(cardDir), d.logger)
	oracle := history.NewOracle(d.history, backupDir, d.logger)
	engine := reconcile.NewEngine(cardDir, backupDir, baseline, oracle, d.decider, d.logger)

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("sync interrupted: %w", err)
		}

		outcome, err := engine.Reconcile(ctx, name)
		if errors.Is(err, prompt.ErrAborted) {
			return report, fmt.Errorf("sync aborted at %s: %w", name, err)
		}
		res := DirResult{Name: name, Outcome: outcome, Err: err}
		if err != nil {
			d.logger.Error("failed to reconcile directory", "dir", name, "error", err)
		} else {
			d.logger.Info("directory reconciled", "dir", name, "outcome", outcome)
		}
		if outcome.BackupChanged() {
			report.BackupChanged = true
		}
		report.Results = append(report.Results, res)
	}

	if report.BackupChanged {
		report.SnapshotErr = d.snapshot(ctx)
		report.Snapshotted = report.SnapshotErr == nil
	} else {
		d.logger.Info("backup unchanged, nothing to commit")
	}

	// Rebuild the baseline from what is on the card now, except for
	// directories that failed
	current, err := fstree.Discover(cardDir, d.cfg.Sync.Marker)
	if err != nil {
		return report, fmt.Errorf("failed to list card directories: %w", err)
	}
	now := d.now()
	m, err := manifest.Build(cardDir, current, now)
	if err != nil {
		return report, fmt.Errorf("failed to build card manifest: %w", err)
	}
	retainFailed(m, baseline, report.Failed(), now)
	if err := manifest.Write(manifest.Path(cardDir), m); err != nil {
		return report, fmt.Errorf("failed to write card manifest: %w", err)
	}
	report.Manifest = m
	d.logger.Info("card manifest written", "path", manifest.Path(cardDir), "entries", len(m))

	d.logger.Info("sync completed", "backup_changed", report.BackupChanged, "failed", len(report.Failed()))
	return report, nil
}

// Status classifies every tracked directory without prompting, copying,
// committing or writing the manifest.
func (d *Driver) Status(ctx context.Context) (*Report, error) {
	cardDir, backupDir := d.cfg.Paths.CardDir, d.cfg.Paths.BackupDir

	names, err := d.preflight(ctx, true)
	if err != nil {
		return nil, err
	}

	report := &Report{DryRun: true}

	var baseline manifest.Manifest
	if manifest.Exists(cardDir) {
		baseline = manifest.Load(manifest.Path(cardDir), d.logger)
	} else {
		backupNames, err := fstree.Discover(backupDir, d.cfg.Sync.Marker)
		if err != nil {
			return nil, fmt.Errorf("failed to list backup directories: %w", err)
		}
		baseline, err = manifest.Build(backupDir, backupNames, d.now())
		if err != nil {
			return nil, fmt.Errorf("failed to build manifest from backup: %w", err)
		}
		report.Bootstrapped = true
	}
	report.Manifest = baseline

	oracle := history.NewOracle(d.history, backupDir, d.logger)
	engine := reconcile.NewEngine(cardDir, backupDir, baseline, oracle, d.decider, d.logger)

	for _, name := range names {
		state, err := engine.Classify(ctx, name)
		if err != nil {
			d.logger.Error("failed to classify directory", "dir", name, "error", err)
		}
		report.Results = append(report.Results, DirResult{Name: name, State: state, Err: err})
	}
	return report, nil
}

// RegenerateManifest rewrites the card manifest from the card's current
// tracked directories.
func (d *Driver) RegenerateManifest(ctx context.Context) (manifest.Manifest, error) {
	names, err := d.preflight(ctx, false)
	if err != nil {
		return nil, err
	}
	m, err := manifest.Generate(d.cfg.Paths.CardDir, names, "", d.now())
	if err != nil {
		return nil, fmt.Errorf("failed to write card manifest: %w", err)
	}
	d.logger.Info("card manifest written", "path", manifest.Path(d.cfg.Paths.CardDir), "entries", len(m))
	return m, nil
}

// retainFailed keeps directories that failed to reconcile from being
// recorded as in sync. They get their previous entry back, or an unsynced
// entry when there was none, so the next run picks them up again.
func retainFailed(m, baseline manifest.Manifest, failed []DirResult, now time.Time) {
	for _, res := range failed {
		if _, ok := m[res.Name]; !ok {
			continue
		}
		if prev, ok := baseline[res.Name]; ok {
			m[res.Name] = prev
			continue
		}
		m[res.Name] = manifest.Entry{
			Name:        res.Name,
			Fingerprint: manifest.Unsynced,
			Timestamp:   now.Truncate(time.Second),
		}
	}
}

// preflight checks the run's preconditions and returns the tracked
// directories on the card.
func (d *Driver) preflight(ctx context.Context, requireRepo bool) ([]string, error) {
	backupDir, cardDir := d.cfg.Paths.BackupDir, d.cfg.Paths.CardDir

	if requireRepo && !d.git.IsRepository(ctx, backupDir) {
		return nil, fmt.Errorf("%w: please set up a git repository at %s and try again", ErrNoRepository, backupDir)
	}

	if !fstree.IsDir(cardDir) {
		return nil, fmt.Errorf("%w at %s", ErrCardNotFound, cardDir)
	}

	names, err := fstree.Discover(cardDir, d.cfg.Sync.Marker)
	if err != nil {
		return nil, fmt.Errorf("failed to list card directories: %w", err)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w (marker %q in %s)", ErrNoTrackedDirs, d.cfg.Sync.Marker, cardDir)
	}
	return names, nil
}

// bootstrap writes a card manifest derived from the backup's directories
func (d *Driver) bootstrap() error {
	backupDir, cardDir := d.cfg.Paths.BackupDir, d.cfg.Paths.CardDir

	names, err := fstree.Discover(backupDir, d.cfg.Sync.Marker)
	if err != nil {
		return fmt.Errorf("failed to list backup directories: %w", err)
	}

	m, err := manifest.Generate(backupDir, names, cardDir, d.now())
	if err != nil {
		return fmt.Errorf("failed to bootstrap card manifest from backup: %w", err)
	}
	d.logger.Warn("card has no manifest, generated one from the backup", "entries", len(m))
	return nil
}

// snapshot commits every backup change and pushes it. Failures are logged
// and returned; they never abort the run.
func (d *Driver) snapshot(ctx context.Context) (err error) {
	backupDir := d.cfg.Paths.BackupDir

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("unexpected failure while committing backup", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("snapshot panicked: %v", r)
		}
	}()

	d.logger.Info("committing changes to git", "backup", backupDir)
	if _, err := d.git.StageAll(ctx, backupDir); err != nil {
		return d.snapshotFailed("git add", err)
	}

	msg := "Backup on " + d.now().Format(CommitTimeLayout)
	res, err := d.git.Commit(ctx, backupDir, msg)
	if err != nil {
		return d.snapshotFailed("git commit", err)
	}
	d.logger.Info("changes committed", "message", msg, "output", res.Stdout)

	if !d.cfg.PushEnabled() {
		d.logger.Info("push disabled, skipping")
		return nil
	}

	d.logger.Info("pushing backup")
	res, err = d.git.Push(ctx, backupDir)
	if err != nil {
		return d.snapshotFailed("git push", err)
	}
	d.logger.Info("backup pushed", "output", res.Combined)
	return nil
}

// snapshotFailed logs a failed snapshot step with whatever diagnostics the
// error carries.
func (d *Driver) snapshotFailed(step string, err error) error {
	var cmdErr *git.CommandError
	if errors.As(err, &cmdErr) {
		d.logger.Error("problem running git commands, check the backup repository",
			"step", step,
			"exit_code", cmdErr.Result.ExitCode,
			"output", cmdErr.Result.Combined,
			"error", err)
	} else {
		d.logger.Error("problem running git commands, check the backup repository",
			"step", step,
			"error", err,
			"stack", string(debug.Stack()))
	}
	return fmt.Errorf("%s: %w", step, err)
}
