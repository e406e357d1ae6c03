package git

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/cardsync/internal/testutil"
)

// historyRepo builds a repo with two tracked directories committed at known times.
func historyRepo(t *testing.T) (string, time.Time, time.Time) {
	t.Helper()
	dir := t.TempDir()
	testutil.InitRepo(t, dir)

	first := time.Date(2024, 3, 1, 10, 0, 0, 0, time.FixedZone("CET", 3600))
	second := time.Date(2024, 3, 5, 18, 30, 0, 0, time.FixedZone("CET", 3600))

	testutil.WriteTree(t, dir, map[string]string{
		"PYRA01/a.txt": "a",
		"PYRA02/b.txt": "b",
	})
	testutil.CommitAll(t, dir, "initial", first)

	testutil.WriteTree(t, dir, map[string]string{"PYRA02/b.txt": "b2"})
	testutil.CommitAll(t, dir, "update PYRA02", second)

	return dir, first, second
}

func TestShellClient_IsRepository(t *testing.T) {
	ctx := context.Background()
	client := NewShellClient("", "")

	plain := t.TempDir()
	if client.IsRepository(ctx, plain) {
		t.Error("plain directory reported as repository")
	}

	repo := t.TempDir()
	testutil.InitRepo(t, repo)
	if !client.IsRepository(ctx, repo) {
		t.Error("initialized repository not detected")
	}
}

func TestShellClient_StageAndCommit(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	testutil.InitRepo(t, dir)
	client := NewShellClient("", "")

	testutil.WriteTree(t, dir, map[string]string{"PYRA01/a.txt": "a"})
	if _, err := client.StageAll(ctx, dir); err != nil {
		t.Fatalf("StageAll: %v", err)
	}
	res, err := client.Commit(ctx, dir, "Backup on 01/01/2024 10:00:00")
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}

	out, err := exec.Command("git", "-C", dir, "log", "-1", "--format=%s").Output()
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(string(out)); got != "Backup on 01/01/2024 10:00:00" {
		t.Errorf("commit subject = %q", got)
	}

	// A deletion must be staged as well.
	if err := os.Remove(filepath.Join(dir, "PYRA01", "a.txt")); err != nil {
		t.Fatal(err)
	}
	if _, err := client.StageAll(ctx, dir); err != nil {
		t.Fatalf("StageAll: %v", err)
	}
	if _, err := client.Commit(ctx, dir, "remove"); err != nil {
		t.Fatalf("Commit after delete: %v", err)
	}
}

func TestShellClient_CommitNothingFails(t *testing.T) {
	ctx := context.Background()
	dir, _, _ := historyRepo(t)
	client := NewShellClient("", "")

	res, err := client.Commit(ctx, dir, "nothing")
	if err == nil {
		t.Fatal("expected error committing a clean tree")
	}
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected *CommandError, got %T", err)
	}
	if res.ExitCode == 0 {
		t.Error("expected non-zero exit code")
	}
	if res.Combined == "" {
		t.Error("expected captured output")
	}
}

func TestShellClient_PushWithoutRemoteFails(t *testing.T) {
	ctx := context.Background()
	dir, _, _ := historyRepo(t)
	client := NewShellClient("", "")

	if _, err := client.Push(ctx, dir); err == nil {
		t.Fatal("expected push without remote to fail")
	}
}

func TestShellClient_PushToLocalRemote(t *testing.T) {
	ctx := context.Background()
	dir, _, _ := historyRepo(t)

	remote := filepath.Join(t.TempDir(), "remote.git")
	if out, err := exec.Command("git", "init", "--bare", remote).CombinedOutput(); err != nil {
		t.Fatalf("%v: %s", err, out)
	}
	for _, args := range [][]string{
		{"-C", dir, "remote", "add", "origin", remote},
		{"-C", dir, "push", "-u", "origin", "main"},
	} {
		if out, err := exec.Command("git", args...).CombinedOutput(); err != nil {
			t.Fatalf("%v: %s", err, out)
		}
	}

	testutil.WriteTree(t, dir, map[string]string{"PYRA03/c.txt": "c"})
	client := NewShellClient("", "")
	if _, err := client.StageAll(ctx, dir); err != nil {
		t.Fatal(err)
	}
	if _, err := client.Commit(ctx, dir, "add PYRA03"); err != nil {
		t.Fatal(err)
	}
	if _, err := client.Push(ctx, dir); err != nil {
		t.Fatalf("Push: %v", err)
	}

	local, _ := exec.Command("git", "-C", dir, "rev-parse", "HEAD").Output()
	pushed, _ := exec.Command("git", "-C", remote, "rev-parse", "main").Output()
	if strings.TrimSpace(string(local)) != strings.TrimSpace(string(pushed)) {
		t.Errorf("remote main = %s, want %s", pushed, local)
	}
}

func TestLastChange(t *testing.T) {
	ctx := context.Background()
	dir, first, second := historyRepo(t)

	implementations := map[string]History{
		"shell":  NewShellClient("", ""),
		"go-git": NewGoGitHistory(),
	}

	for name, h := range implementations {
		t.Run(name, func(t *testing.T) {
			got, err := h.LastChange(ctx, dir, "PYRA01")
			if err != nil {
				t.Fatalf("LastChange(PYRA01): %v", err)
			}
			if !got.Equal(first) {
				t.Errorf("LastChange(PYRA01) = %v, want %v", got, first)
			}

			got, err = h.LastChange(ctx, dir, "PYRA02")
			if err != nil {
				t.Fatalf("LastChange(PYRA02): %v", err)
			}
			if !got.Equal(second) {
				t.Errorf("LastChange(PYRA02) = %v, want %v", got, second)
			}
			if _, offset := got.Zone(); offset != 3600 {
				t.Errorf("zone offset = %d, want 3600", offset)
			}

			_, err = h.LastChange(ctx, dir, "PYRA99")
			if !errors.Is(err, ErrNoHistory) {
				t.Errorf("LastChange(PYRA99) error = %v, want ErrNoHistory", err)
			}
		})
	}
}

func TestLastChange_PrefixIsNotAMatch(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	testutil.InitRepo(t, dir)
	testutil.WriteTree(t, dir, map[string]string{"PYRA010/a.txt": "a"})
	testutil.CommitAll(t, dir, "initial", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	for name, h := range map[string]History{"shell": NewShellClient("", ""), "go-git": NewGoGitHistory()} {
		t.Run(name, func(t *testing.T) {
			if _, err := h.LastChange(ctx, dir, "PYRA01"); !errors.Is(err, ErrNoHistory) {
				t.Errorf("expected ErrNoHistory for sibling with shared prefix, got %v", err)
			}
		})
	}
}

func TestLastChange_EmptyRepository(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	testutil.InitRepo(t, dir)

	for name, h := range map[string]History{"shell": NewShellClient("", ""), "go-git": NewGoGitHistory()} {
		t.Run(name, func(t *testing.T) {
			if _, err := h.LastChange(ctx, dir, "PYRA01"); !errors.Is(err, ErrNoHistory) {
				t.Errorf("expected ErrNoHistory, got %v", err)
			}
		})
	}
}

func TestShellQuote(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "simple path", input: "/home/user/.ssh/key", want: "'/home/user/.ssh/key'"},
		{name: "path with spaces", input: "/home/my user/key", want: "'/home/my user/key'"},
		{name: "path with single quote", input: "/home/user's/key", want: "'/home/user'\\''s/key'"},
		{name: "empty string", input: "", want: "''"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := shellQuote(tt.input)
			if got != tt.want {
				t.Errorf("shellQuote(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestInsertGitFlags(t *testing.T) {
	tests := []struct {
		name  string
		args  []string
		flags []string
		want  []string
	}{
		{
			name:  "insert before push",
			args:  []string{"git", "-C", "/backup", "push"},
			flags: []string{"-c", "cred=helper"},
			want:  []string{"git", "-c", "cred=helper", "-C", "/backup", "push"},
		},
		{
			name:  "empty args",
			args:  []string{},
			flags: []string{"-c", "key=value"},
			want:  []string{"-c", "key=value"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := insertGitFlags(tt.args, tt.flags...)
			if len(got) != len(tt.want) {
				t.Fatalf("insertGitFlags() length = %d, want %d\ngot:  %v\nwant: %v", len(got), len(tt.want), got, tt.want)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("insertGitFlags()[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestConfigureAuth_SSH(t *testing.T) {
	client := NewShellClient("/keys/id_ed25519", "")
	cmd := exec.Command("git", "-C", "/backup", "push")
	if err := client.configureAuth(cmd, "git@github.com:me/pyra.git"); err != nil {
		t.Fatal(err)
	}

	found := false
	for _, kv := range cmd.Env {
		if strings.HasPrefix(kv, "GIT_SSH_COMMAND=") && strings.Contains(kv, "'/keys/id_ed25519'") {
			found = true
		}
	}
	if !found {
		t.Error("GIT_SSH_COMMAND with quoted key not set")
	}
}

func TestConfigureAuth_HTTPSToken(t *testing.T) {
	tokenFile := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(tokenFile, []byte("s3cret\n"), 0600); err != nil {
		t.Fatal(err)
	}
	client := NewShellClient("", tokenFile)
	cmd := exec.Command("git", "-C", "/backup", "push")
	if err := client.configureAuth(cmd, "https://github.com/me/pyra.git"); err != nil {
		t.Fatal(err)
	}

	if cmd.Args[1] != "-c" || cmd.Args[2] != tokenHelper || !strings.Contains(tokenHelper, "$"+tokenEnv) {
		t.Errorf("credential helper not inserted: %v", cmd.Args)
	}
	found := false
	for _, kv := range cmd.Env {
		if kv == "CARDSYNC_GIT_TOKEN=s3cret" {
			found = true
		}
	}
	if !found {
		t.Error("token not exported to environment")
	}
}

func TestConfigureAuth_MismatchedRemoteUntouched(t *testing.T) {
	client := NewShellClient("/keys/id_ed25519", "")
	cmd := exec.Command("git", "-C", "/backup", "push")
	if err := client.configureAuth(cmd, "https://example.com/pyra.git"); err != nil {
		t.Fatal(err)
	}

	for _, kv := range cmd.Env {
		if strings.HasPrefix(kv, "GIT_SSH_COMMAND=") {
			t.Errorf("ssh key applied to an https remote: %s", kv)
		}
	}
	if len(cmd.Args) != 4 {
		t.Errorf("args changed: %v", cmd.Args)
	}
}

func TestSSHCommand(t *testing.T) {
	got := sshCommand("/media/keys/pyra key")
	if !strings.HasPrefix(got, "ssh -i '/media/keys/pyra key' ") {
		t.Errorf("sshCommand = %q", got)
	}
	if !strings.Contains(got, "-F /dev/null") {
		t.Errorf("sshCommand should ignore the user's ssh config: %q", got)
	}
}
