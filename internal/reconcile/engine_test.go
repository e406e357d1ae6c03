package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/schaermu/cardsync/internal/fingerprint"
	"github.com/schaermu/cardsync/internal/manifest"
	"github.com/schaermu/cardsync/internal/prompt"
	"github.com/schaermu/cardsync/internal/testutil"
)

// fakeOracle implements Oracle for testing.
type fakeOracle struct {
	changed map[string]bool
	calls   []string
	refs    []time.Time
}

func (f *fakeOracle) HasBackupSideChangeSince(_ context.Context, name string, ref time.Time) bool {
	f.calls = append(f.calls, name)
	f.refs = append(f.refs, ref)
	return f.changed[name]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

var (
	baseline  = map[string]string{"IMG_0001.JPG": "photo-1", "log/day1.txt": "day one"}
	cardEdit  = map[string]string{"IMG_0001.JPG": "photo-1", "log/day1.txt": "day one, edited on card"}
	backupNew = map[string]string{"IMG_0001.JPG": "photo-1", "log/day1.txt": "day one", "log/day2.txt": "added in backup"}
)

type fixture struct {
	card     string
	backup   string
	manifest manifest.Manifest
	stamp    time.Time
}

// newFixture lays out PYRA01 on card and backup and records a baseline
// manifest entry whose fingerprint is that of the baseline tree.
func newFixture(t *testing.T, card, backup map[string]string) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		card:   filepath.Join(root, "card"),
		backup: filepath.Join(root, "backup"),
		stamp:  time.Date(2024, 5, 1, 12, 0, 0, 0, time.Local),
	}

	base := filepath.Join(root, "baseline", "PYRA01")
	testutil.WriteTree(t, base, baseline)
	h0, err := fingerprint.Fingerprint(base)
	if err != nil {
		t.Fatal(err)
	}
	f.manifest = manifest.Manifest{"PYRA01": {Name: "PYRA01", Fingerprint: h0, Timestamp: f.stamp}}

	testutil.WriteTree(t, filepath.Join(f.card, "PYRA01"), card)
	if backup != nil {
		testutil.WriteTree(t, filepath.Join(f.backup, "PYRA01"), backup)
	} else if err := os.MkdirAll(f.backup, 0755); err != nil {
		t.Fatal(err)
	}
	return f
}

func (f *fixture) engine(oracle Oracle, decider prompt.Decider) *Engine {
	return NewEngine(f.card, f.backup, f.manifest, oracle, decider, testLogger())
}

func (f *fixture) cardTree(t *testing.T) map[string]string {
	return testutil.ReadTree(t, filepath.Join(f.card, "PYRA01"))
}

func (f *fixture) backupTree(t *testing.T) map[string]string {
	return testutil.ReadTree(t, filepath.Join(f.backup, "PYRA01"))
}

func TestReconcile_NewDirectory(t *testing.T) {
	f := newFixture(t, cardEdit, nil)
	oracle := &fakeOracle{}
	decider := prompt.NewScripted()

	got, err := f.engine(oracle, decider).Reconcile(context.Background(), "PYRA01")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if got != CopiedCardToBackup {
		t.Errorf("outcome = %v, want %v", got, CopiedCardToBackup)
	}

	cardSum, _ := fingerprint.Fingerprint(filepath.Join(f.card, "PYRA01"))
	backupSum, err := fingerprint.Fingerprint(filepath.Join(f.backup, "PYRA01"))
	if err != nil {
		t.Fatal(err)
	}
	if cardSum != backupSum {
		t.Errorf("backup fingerprint %s != card fingerprint %s", backupSum, cardSum)
	}
	if len(oracle.calls) != 0 {
		t.Errorf("history consulted for a new directory: %v", oracle.calls)
	}
	if len(decider.Asked) != 0 {
		t.Errorf("prompted for a new directory: %v", decider.Asked)
	}
}

func TestReconcile_NoBaseline(t *testing.T) {
	f := newFixture(t, cardEdit, backupNew)
	f.manifest = manifest.Manifest{}
	oracle := &fakeOracle{changed: map[string]bool{"PYRA01": true}}

	got, err := f.engine(oracle, prompt.NewScripted()).Reconcile(context.Background(), "PYRA01")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if got != NoChange {
		t.Errorf("outcome = %v, want %v", got, NoChange)
	}
	if !reflect.DeepEqual(f.cardTree(t), cardEdit) {
		t.Error("card modified without a baseline")
	}
	if !reflect.DeepEqual(f.backupTree(t), backupNew) {
		t.Error("backup modified without a baseline")
	}
}

func TestReconcile_InSync(t *testing.T) {
	f := newFixture(t, baseline, baseline)
	oracle := &fakeOracle{}

	got, err := f.engine(oracle, prompt.NewScripted()).Reconcile(context.Background(), "PYRA01")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if got != NoChange {
		t.Errorf("outcome = %v, want %v", got, NoChange)
	}
	if !reflect.DeepEqual(f.cardTree(t), baseline) || !reflect.DeepEqual(f.backupTree(t), baseline) {
		t.Error("trees changed for an in-sync directory")
	}
	if len(oracle.refs) != 1 || !oracle.refs[0].Equal(f.stamp) {
		t.Errorf("oracle queried with %v, want manifest timestamp %v", oracle.refs, f.stamp)
	}
}

func TestReconcile_CardAheadPrunesOrphans(t *testing.T) {
	backup := map[string]string{
		"IMG_0001.JPG": "photo-1",
		"log/day1.txt": "day one",
		"X":            "deleted from card",
	}
	f := newFixture(t, cardEdit, backup)

	got, err := f.engine(&fakeOracle{}, prompt.NewScripted()).Reconcile(context.Background(), "PYRA01")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if got != CopiedCardToBackup {
		t.Errorf("outcome = %v, want %v", got, CopiedCardToBackup)
	}
	if !reflect.DeepEqual(f.backupTree(t), cardEdit) {
		t.Errorf("backup tree = %v, want %v", f.backupTree(t), cardEdit)
	}
	if _, err := os.Stat(filepath.Join(f.backup, "PYRA01", "X")); !os.IsNotExist(err) {
		t.Error("orphan X still in backup")
	}
}

func TestReconcile_BackupAhead(t *testing.T) {
	tests := []struct {
		name     string
		answer   string
		want     Outcome
		wantCard map[string]string
	}{
		{name: "accept", answer: "y", want: CopiedBackupToCard, wantCard: backupNew},
		{name: "decline", answer: "n", want: NoChange, wantCard: baseline},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, baseline, backupNew)
			oracle := &fakeOracle{changed: map[string]bool{"PYRA01": true}}
			decider := prompt.NewScripted(tt.answer)

			got, err := f.engine(oracle, decider).Reconcile(context.Background(), "PYRA01")
			if err != nil {
				t.Fatalf("Reconcile: %v", err)
			}
			if got != tt.want {
				t.Errorf("outcome = %v, want %v", got, tt.want)
			}
			if len(decider.Asked) != 1 {
				t.Errorf("expected exactly one confirmation, got %v", decider.Asked)
			}
			if !reflect.DeepEqual(f.cardTree(t), tt.wantCard) {
				t.Errorf("card tree = %v, want %v", f.cardTree(t), tt.wantCard)
			}
			if !reflect.DeepEqual(f.backupTree(t), backupNew) {
				t.Error("backup modified in backup-ahead case")
			}
		})
	}
}

func TestReconcile_Divergence(t *testing.T) {
	tests := []struct {
		answer     string
		want       Outcome
		wantCard   map[string]string
		wantBackup map[string]string
	}{
		{answer: "1", want: CopiedCardToBackup, wantCard: cardEdit, wantBackup: cardEdit},
		{answer: "2", want: CopiedBackupToCard, wantCard: backupNew, wantBackup: backupNew},
		{answer: "3", want: PendingManualResolution, wantCard: cardEdit, wantBackup: backupNew},
		{answer: "x", want: PendingManualResolution, wantCard: cardEdit, wantBackup: backupNew},
	}
	for _, tt := range tests {
		t.Run("answer "+tt.answer, func(t *testing.T) {
			f := newFixture(t, cardEdit, backupNew)
			h1, _ := fingerprint.Fingerprint(filepath.Join(f.card, "PYRA01"))
			if h1 == f.manifest["PYRA01"].Fingerprint {
				t.Fatal("fixture broken: card fingerprint equals baseline")
			}
			oracle := &fakeOracle{changed: map[string]bool{"PYRA01": true}}
			decider := prompt.NewScripted(tt.answer)

			got, err := f.engine(oracle, decider).Reconcile(context.Background(), "PYRA01")
			if err != nil {
				t.Fatalf("Reconcile: %v", err)
			}
			if got != tt.want {
				t.Errorf("outcome = %v, want %v", got, tt.want)
			}
			if len(decider.Asked) != 1 {
				t.Errorf("expected exactly one menu prompt, got %v", decider.Asked)
			}
			if !reflect.DeepEqual(f.cardTree(t), tt.wantCard) {
				t.Errorf("card tree = %v, want %v", f.cardTree(t), tt.wantCard)
			}
			if !reflect.DeepEqual(f.backupTree(t), tt.wantBackup) {
				t.Errorf("backup tree = %v, want %v", f.backupTree(t), tt.wantBackup)
			}
			if tt.want == CopiedCardToBackup {
				backupSum, _ := fingerprint.Fingerprint(filepath.Join(f.backup, "PYRA01"))
				if backupSum != h1 {
					t.Errorf("backup fingerprint = %s, want H1 %s", backupSum, h1)
				}
			}
		})
	}
}

func TestReconcile_MissingCardDirectoryFails(t *testing.T) {
	f := newFixture(t, baseline, baseline)
	if err := os.RemoveAll(filepath.Join(f.card, "PYRA01")); err != nil {
		t.Fatal(err)
	}

	_, err := f.engine(&fakeOracle{}, prompt.NewScripted()).Reconcile(context.Background(), "PYRA01")
	if !errors.Is(err, fingerprint.ErrNotFound) {
		t.Fatalf("expected fingerprint.ErrNotFound, got %v", err)
	}
}

func TestReconcile_PromptErrorPropagates(t *testing.T) {
	f := newFixture(t, cardEdit, backupNew)
	oracle := &fakeOracle{changed: map[string]bool{"PYRA01": true}}

	_, err := f.engine(oracle, prompt.NewScripted()).Reconcile(context.Background(), "PYRA01")
	if !errors.Is(err, prompt.ErrNoAnswer) {
		t.Fatalf("expected prompt.ErrNoAnswer, got %v", err)
	}
	if !reflect.DeepEqual(f.cardTree(t), cardEdit) || !reflect.DeepEqual(f.backupTree(t), backupNew) {
		t.Error("trees changed after a failed prompt")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		card    map[string]string
		backup  map[string]string
		changed bool
		want    Kind
	}{
		{name: "new", card: baseline, backup: nil, want: KindNew},
		{name: "in sync", card: baseline, backup: baseline, want: KindInSync},
		{name: "card ahead", card: cardEdit, backup: baseline, want: KindCardAhead},
		{name: "backup ahead", card: baseline, backup: backupNew, changed: true, want: KindBackupAhead},
		{name: "diverged", card: cardEdit, backup: backupNew, changed: true, want: KindDiverged},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.card, tt.backup)
			decider := prompt.NewScripted()
			oracle := &fakeOracle{changed: map[string]bool{"PYRA01": tt.changed}}

			state, err := f.engine(oracle, decider).Classify(context.Background(), "PYRA01")
			if err != nil {
				t.Fatalf("Classify: %v", err)
			}
			if state.Kind() != tt.want {
				t.Errorf("Kind() = %s, want %s", state.Kind(), tt.want)
			}
			if len(decider.Asked) != 0 {
				t.Error("Classify prompted")
			}
			if !reflect.DeepEqual(f.cardTree(t), tt.card) {
				t.Error("Classify modified the card")
			}
		})
	}
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		outcome Outcome
		str     string
		changed bool
	}{
		{NoChange, "no-change", false},
		{CopiedCardToBackup, "card-to-backup", true},
		{CopiedBackupToCard, "backup-to-card", false},
		{PendingManualResolution, "pending-manual", false},
		{Outcome(42), "unknown", false},
	}
	for _, tt := range tests {
		if got := tt.outcome.String(); got != tt.str {
			t.Errorf("String() = %q, want %q", got, tt.str)
		}
		if got := tt.outcome.BackupChanged(); got != tt.changed {
			t.Errorf("%s.BackupChanged() = %v, want %v", tt.str, got, tt.changed)
		}
	}
}
