//go:build integration

package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/cardsync/internal/testutil"
)

const defaultTimeout = 2 * time.Minute

// Harness runs the cardsync binary against a scratch card, a backup
// repository and a bare remote the backup pushes to.
type Harness struct {
	t      *testing.T
	binary string
	home   string

	Card   string
	Backup string
	Remote string
}

// NewHarness builds the binary and lays out empty card, backup and remote
// directories.
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	testutil.RequireGit(t)

	root := t.TempDir()
	h := &Harness{
		t:      t,
		binary: filepath.Join(root, "cardsync"),
		home:   filepath.Join(root, "home"),
		Card:   filepath.Join(root, "card"),
		Backup: filepath.Join(root, "backup"),
		Remote: filepath.Join(root, "remote.git"),
	}
	for _, dir := range []string{h.home, h.Card} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
	}
	return h
}

// BuildBinary compiles cmd/cardsync into the harness directory
func (h *Harness) BuildBinary(ctx context.Context) error {
	h.t.Helper()

	// Get absolute path to project root by finding go.mod
	projectRoot, err := testutil.FindProjectRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/cardsync")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}
	return nil
}

// SetupBackup turns the backup directory into a repository with one commit
// tracking the bare remote.
func (h *Harness) SetupBackup(ctx context.Context) {
	h.t.Helper()

	testutil.InitRepo(h.t, h.Backup)
	testutil.WriteTree(h.t, h.Backup, map[string]string{"README": "backup of the card\n"})
	testutil.CommitAll(h.t, h.Backup, "initial", time.Now().Add(-time.Hour))

	h.mustGit(ctx, "init", "--bare", "-b", "main", h.Remote)
	h.mustGit(ctx, "-C", h.Backup, "remote", "add", "origin", h.Remote)
	h.mustGit(ctx, "-C", h.Backup, "push", "-u", "origin", "main")
}

// Run executes cardsync with the card and backup flags prepended. stdin
// feeds line prompts.
func (h *Harness) Run(ctx context.Context, stdin string, args ...string) (string, string, int, error) {
	h.t.Helper()

	full := append(args, "--card", h.Card, "--backup-folder", h.Backup, "--prompt", "line")
	cmd := exec.CommandContext(ctx, h.binary, full...)
	cmd.Env = append(os.Environ(), "HOME="+h.home)
	cmd.Stdin = strings.NewReader(stdin)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}

	return stdout.String(), stderr.String(), exitCode, nil
}

// MustRun executes cardsync and fails the test if it returns non-zero
func (h *Harness) MustRun(ctx context.Context, stdin string, args ...string) string {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Run(ctx, stdin, args...)
	if err != nil {
		h.t.Fatalf("exec failed: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("cardsync failed with exit code %d\nstdout: %s\nstderr: %s\nargs: %v",
			exitCode, stdout, stderr, args)
	}
	return stdout
}

// RemoteSubjects returns the commit subjects on the remote, newest first
func (h *Harness) RemoteSubjects(ctx context.Context) []string {
	h.t.Helper()
	out := h.mustGit(ctx, "-C", h.Remote, "log", "--format=%s", "main")
	return strings.Split(strings.TrimSpace(out), "\n")
}

// CommitBackup commits every change in the backup with a fixed committer
// date and pushes it.
func (h *Harness) CommitBackup(ctx context.Context, msg string, when time.Time) {
	h.t.Helper()
	testutil.CommitAll(h.t, h.Backup, msg, when)
	h.mustGit(ctx, "-C", h.Backup, "push")
}

func (h *Harness) mustGit(ctx context.Context, args ...string) string {
	h.t.Helper()
	cmd := exec.CommandContext(ctx, "git", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		h.t.Fatalf("git %v: %v\n%s", args, err, out)
	}
	return string(out)
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)
