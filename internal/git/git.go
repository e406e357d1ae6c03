package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrNoHistory is returned when no commit touches the requested path
var ErrNoHistory = errors.New("no history for path")

// Result holds the captured output of a git invocation
type Result struct {
	Stdout   string
	Stderr   string
	Combined string
	ExitCode int
}

// CommandError is returned when a git command exits unsuccessfully
type CommandError struct {
	Args   []string
	Result Result
	Err    error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("git %s failed (exit %d): %v: %s",
		strings.Join(e.Args, " "), e.Result.ExitCode, e.Err, strings.TrimSpace(e.Result.Combined))
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// History answers when a path inside a repository was last changed
type History interface {
	// LastChange returns the committer time of the most recent commit
	// touching path (relative to the repository root in dir).
	LastChange(ctx context.Context, dir, path string) (time.Time, error)
}

// Client provides the git operations needed to snapshot the backup
// repository. Every operation takes the working directory explicitly.
type Client interface {
	History
	// IsRepository reports whether dir is the root of a git work tree
	IsRepository(ctx context.Context, dir string) bool
	// StageAll stages every change in the work tree, including deletions
	StageAll(ctx context.Context, dir string) (Result, error)
	// Commit records the staged changes with message
	Commit(ctx context.Context, dir, message string) (Result, error)
	// Push pushes the current branch to its upstream
	Push(ctx context.Context, dir string) (Result, error)
}

// ShellClient implements Client by shelling out to the git command
type ShellClient struct {
	sshKeyFile     string
	httpsTokenFile string
}

// NewShellClient creates a new git client that uses the git command
func NewShellClient(sshKeyFile, httpsTokenFile string) *ShellClient {
	return &ShellClient{
		sshKeyFile:     sshKeyFile,
		httpsTokenFile: httpsTokenFile,
	}
}

// IsRepository checks for a .git entry at the root of dir
func (c *ShellClient) IsRepository(_ context.Context, dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil
}

// StageAll runs git add -A
func (c *ShellClient) StageAll(ctx context.Context, dir string) (Result, error) {
	return c.run(exec.CommandContext(ctx, "git", "-C", dir, "add", "-A"))
}

// Commit runs git commit -m message
func (c *ShellClient) Commit(ctx context.Context, dir, message string) (Result, error) {
	return c.run(exec.CommandContext(ctx, "git", "-C", dir, "commit", "-m", message))
}

// Push pushes to the configured upstream, authenticating against the origin
// URL when credentials are configured.
func (c *ShellClient) Push(ctx context.Context, dir string) (Result, error) {
	url, err := c.remoteURL(ctx, dir)
	if err != nil {
		return Result{}, err
	}

	cmd := exec.CommandContext(ctx, "git", "-C", dir, "push")
	if err := c.configureAuth(cmd, url); err != nil {
		return Result{}, err
	}
	return c.run(cmd)
}

// LastChange returns the committer date of the latest commit touching path
func (c *ShellClient) LastChange(ctx context.Context, dir, path string) (time.Time, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "log", "-1", "--format=%cI", "--", path)
	res, err := c.run(cmd)
	if err != nil {
		// A fresh repository without commits has no HEAD to log from.
		return time.Time{}, fmt.Errorf("%w: %s: %v", ErrNoHistory, path, err)
	}

	out := strings.TrimSpace(res.Stdout)
	if out == "" {
		return time.Time{}, fmt.Errorf("%w: %s", ErrNoHistory, path)
	}

	when, err := time.Parse(time.RFC3339, out)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse commit date %q: %w", out, err)
	}
	return when, nil
}

// remoteURL returns the URL of origin, or "" if no origin is configured
func (c *ShellClient) remoteURL(ctx context.Context, dir string) (string, error) {
	if c.sshKeyFile == "" && c.httpsTokenFile == "" {
		return "", nil
	}
	res, err := c.run(exec.CommandContext(ctx, "git", "-C", dir, "remote", "get-url", "origin"))
	if err != nil {
		return "", fmt.Errorf("failed to resolve origin url: %w", err)
	}
	return strings.TrimSpace(res.Stdout), nil
}

// tokenEnv carries the HTTPS token to the credential helper. The token never
// appears in the command line.
const tokenEnv = "CARDSYNC_GIT_TOKEN"

// tokenHelper answers git's credential request for the backup remote with
// the token from tokenEnv.
const tokenHelper = `credential.helper=!f() { echo "username=cardsync"; echo "password=$` + tokenEnv + `"; }; f`

// configureAuth prepares a push to the backup remote at url. An SSH key
// applies to ssh remotes, a token file to https remotes; any other
// combination pushes with the user's own git setup.
func (c *ShellClient) configureAuth(cmd *exec.Cmd, url string) error {
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}

	switch {
	case c.sshKeyFile != "" && isSSHRemote(url):
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCommand(c.sshKeyFile))

	case c.httpsTokenFile != "" && strings.HasPrefix(url, "https://"):
		token, err := os.ReadFile(c.httpsTokenFile)
		if err != nil {
			return fmt.Errorf("failed to read HTTPS token file: %w", err)
		}
		// A push from a sync run must fail rather than wait for a password
		cmd.Env = append(cmd.Env,
			"GIT_TERMINAL_PROMPT=0",
			tokenEnv+"="+strings.TrimSpace(string(token)))
		cmd.Args = insertGitFlags(cmd.Args, "-c", tokenHelper)
	}

	return nil
}

func isSSHRemote(url string) bool {
	return strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")
}

// sshCommand builds GIT_SSH_COMMAND for keyFile, ignoring ~/.ssh/config.
// GIT_SSH_COMMAND is run by a shell, hence the quoting.
func sshCommand(keyFile string) string {
	return fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(keyFile))
}

// insertGitFlags puts global flags right after the git binary, ahead of -C
// and the subcommand.
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	out := append([]string{args[0]}, flags...)
	return append(out, args[1:]...)
}

// shellQuote single-quotes s for sh
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// run executes a command, capturing stdout, stderr and their interleaving
func (c *ShellClient) run(cmd *exec.Cmd) (Result, error) {
	var (
		mu                       sync.Mutex
		stdout, stderr, combined bytes.Buffer
	)
	cmd.Stdout = &teeBuffer{mu: &mu, own: &stdout, all: &combined}
	cmd.Stderr = &teeBuffer{mu: &mu, own: &stderr, all: &combined}

	err := cmd.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Combined: combined.String(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
		}
		return res, &CommandError{Args: cmd.Args[1:], Result: res, Err: err}
	}
	return res, nil
}

// teeBuffer writes to a stream-specific buffer and a shared combined buffer
type teeBuffer struct {
	mu  *sync.Mutex
	own *bytes.Buffer
	all *bytes.Buffer
}

func (t *teeBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.own.Write(p)
	t.all.Write(p)
	return len(p), nil
}
