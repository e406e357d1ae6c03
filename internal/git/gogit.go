package git

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// GoGitHistory implements History in-process with go-git, without spawning
// the git binary.
type GoGitHistory struct{}

// NewGoGitHistory creates a go-git backed history reader
func NewGoGitHistory() *GoGitHistory {
	return &GoGitHistory{}
}

// LastChange walks the log from HEAD in committer-time order and returns the
// committer time of the first commit that touches path or anything below it.
func (h *GoGitHistory) LastChange(ctx context.Context, dir, p string) (time.Time, error) {
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to open repository %s: %w", dir, err)
	}

	head, err := repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return time.Time{}, fmt.Errorf("%w: %s: repository has no commits", ErrNoHistory, p)
		}
		return time.Time{}, fmt.Errorf("failed to resolve HEAD: %w", err)
	}

	prefix := strings.TrimSuffix(path.Clean(p), "/")
	iter, err := repo.Log(&gogit.LogOptions{
		From:  head.Hash(),
		Order: gogit.LogOrderCommitterTime,
		PathFilter: func(changed string) bool {
			return changed == prefix || strings.HasPrefix(changed, prefix+"/")
		},
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to create commit iterator: %w", err)
	}
	defer iter.Close()

	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}

	commit, err := iter.Next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return time.Time{}, fmt.Errorf("%w: %s", ErrNoHistory, p)
		}
		return time.Time{}, fmt.Errorf("failed to read commit log: %w", err)
	}

	return commit.Committer.When, nil
}
