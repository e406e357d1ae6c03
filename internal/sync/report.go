package sync

import (
	"github.com/schaermu/cardsync/internal/manifest"
	"github.com/schaermu/cardsync/internal/reconcile"
)

// Report describes the result of a run
type Report struct {
	Results []DirResult
	// Bootstrapped is set when the card manifest was synthesized from the
	// backup at the start of the run
	Bootstrapped bool
	// BackupChanged is set when at least one directory was copied into the
	// backup
	BackupChanged bool
	// Snapshotted is set when the backup snapshot was committed
	Snapshotted bool
	// SnapshotErr holds the failure of the commit/push step, if any. The run
	// continues past it but the backup may be left inconsistent.
	SnapshotErr error
	// Manifest is the manifest written at the end of the run
	Manifest manifest.Manifest
	// DryRun is set for reports produced by Status
	DryRun bool
}

// DirResult is the result for one tracked directory
type DirResult struct {
	Name    string
	State   reconcile.State
	Outcome reconcile.Outcome
	Err     error
}

// Failed returns the results that ended in an error
func (r *Report) Failed() []DirResult {
	var failed []DirResult
	for _, res := range r.Results {
		if res.Err != nil {
			failed = append(failed, res)
		}
	}
	return failed
}

// Count returns how many directories ended with outcome o
func (r *Report) Count(o reconcile.Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Err == nil && res.Outcome == o {
			n++
		}
	}
	return n
}
