// Package vcs is the version-control gateway the execution pipeline drives:
// branches, commits, pull requests and read access to repository files.
package vcs

import (
	"context"
	"errors"
)

var (
	// ErrProtectedBranch is returned before any API call when a branch
	// operation targets a protected name.
	ErrProtectedBranch = errors.New("refusing to write to protected branch")

	// ErrEmptyCommit is returned when a commit carries no files.
	ErrEmptyCommit = errors.New("commit has no files")

	// ErrNotFile is returned when a content lookup resolves to a directory.
	ErrNotFile = errors.New("path is not a file")
)

var protectedBranches = map[string]struct{}{
	"main":    {},
	"master":  {},
	"develop": {},
	"trunk":   {},
}

// IsProtectedBranch reports whether name may never be written by automation.
func IsProtectedBranch(name string) bool {
	_, ok := protectedBranches[name]
	return ok
}

// Repo identifies a hosted repository.
type Repo struct {
	Owner string
	Name  string
}

func (r Repo) String() string { return r.Owner + "/" + r.Name }

// File is one file written by a commit.
type File struct {
	Path    string
	Content string
}

// PullRequest is a created pull request.
type PullRequest struct {
	Number int
	URL    string
}

// PullRequestStatus is a point-in-time view of a pull request.
type PullRequestStatus struct {
	// Mergeable is nil while the host is still computing it.
	Mergeable      *bool
	Merged         bool
	ChecksComplete bool
	ChecksPassing  bool
}

// Gateway is the version-control API used by the pipeline and the
// auto-merge watcher.
type Gateway interface {
	DefaultBranch(ctx context.Context, repo Repo) (string, error)
	CreateBranch(ctx context.Context, repo Repo, name, from string) error
	CreateCommit(ctx context.Context, repo Repo, branch, message string, files []File) (string, error)
	CreatePullRequest(ctx context.Context, repo Repo, title, body, head, base string) (*PullRequest, error)
	PullRequestStatus(ctx context.Context, repo Repo, number int) (*PullRequestStatus, error)
	MergePullRequest(ctx context.Context, repo Repo, number int, method string) error
	FileTree(ctx context.Context, repo Repo, ref string) ([]string, error)
	FileContent(ctx context.Context, repo Repo, path, ref string) (string, error)
}
