package reconcile

// Outcome is the result of reconciling one tracked directory
type Outcome int

const (
	NoChange Outcome = iota
	CopiedCardToBackup
	CopiedBackupToCard
	PendingManualResolution
)

func (o Outcome) String() string {
	switch o {
	case NoChange:
		return "no-change"
	case CopiedCardToBackup:
		return "card-to-backup"
	case CopiedBackupToCard:
		return "backup-to-card"
	case PendingManualResolution:
		return "pending-manual"
	default:
		return "unknown"
	}
}

// BackupChanged reports whether the outcome modified the backup tree
func (o Outcome) BackupChanged() bool {
	return o == CopiedCardToBackup
}

// Kind names the classification of a directory
type Kind string

const (
	KindNew         Kind = "new"
	KindNoBaseline  Kind = "no-baseline"
	KindInSync      Kind = "in-sync"
	KindCardAhead   Kind = "card-ahead"
	KindBackupAhead Kind = "backup-ahead"
	KindDiverged    Kind = "diverged"
)

// State is the derived reconciliation state of a tracked directory
type State struct {
	Name string
	// NewInBackup is set when the backup has no copy of the directory yet
	NewInBackup bool
	// NoBaseline is set when the manifest has no entry for the directory
	NoBaseline      bool
	CardModified    bool
	BackupModified  bool
	CardFingerprint string
}

// Kind classifies the state
func (s State) Kind() Kind {
	switch {
	case s.NewInBackup:
		return KindNew
	case s.NoBaseline:
		return KindNoBaseline
	case s.CardModified && s.BackupModified:
		return KindDiverged
	case s.CardModified:
		return KindCardAhead
	case s.BackupModified:
		return KindBackupAhead
	default:
		return KindInSync
	}
}
