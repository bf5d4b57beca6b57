// Package vcstest provides an in-memory Gateway for tests.
package vcstest

import (
	"context"
	"fmt"
	"sync"

	"github.com/fyrsmithlabs/loopforge/internal/vcs"
)

// Commit is a commit recorded by Gateway.
type Commit struct {
	Repo    vcs.Repo
	Branch  string
	Message string
	Files   []vcs.File
	SHA     string
}

// PullRequest is a pull request recorded by Gateway.
type PullRequest struct {
	vcs.PullRequest
	Title, Body, Head, Base string
}

// Merge is a merge recorded by Gateway.
type Merge struct {
	Number int
	Method string
}

// Gateway records every write. Errors keyed by operation name
// ("CreateBranch", "CreateCommit", ...) are returned instead of acting.
// Statuses are served one per PullRequestStatus call; the last repeats.
type Gateway struct {
	Default  string
	Tree     []string
	Files    map[string]string
	Statuses []*vcs.PullRequestStatus
	// StatusErrs, when set, is consulted per poll before Statuses.
	StatusErrs []error
	Errors     map[string]error

	mu       sync.Mutex
	branches map[string]string
	commits  []Commit
	pulls    []PullRequest
	merges   []Merge
	polls    int
}

var _ vcs.Gateway = (*Gateway)(nil)

// New returns a gateway whose default branch is main.
func New() *Gateway {
	return &Gateway{Default: "main", Files: map[string]string{}, Errors: map[string]error{}}
}

func (g *Gateway) fail(op string) error {
	if g.Errors == nil {
		return nil
	}
	return g.Errors[op]
}

func (g *Gateway) DefaultBranch(context.Context, vcs.Repo) (string, error) {
	if err := g.fail("DefaultBranch"); err != nil {
		return "", err
	}
	return g.Default, nil
}

func (g *Gateway) CreateBranch(_ context.Context, _ vcs.Repo, name, from string) error {
	if vcs.IsProtectedBranch(name) {
		return fmt.Errorf("%w: %s", vcs.ErrProtectedBranch, name)
	}
	if err := g.fail("CreateBranch"); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.branches == nil {
		g.branches = map[string]string{}
	}
	g.branches[name] = from
	return nil
}

func (g *Gateway) CreateCommit(_ context.Context, repo vcs.Repo, branch, message string, files []vcs.File) (string, error) {
	if vcs.IsProtectedBranch(branch) {
		return "", fmt.Errorf("%w: %s", vcs.ErrProtectedBranch, branch)
	}
	if len(files) == 0 {
		return "", vcs.ErrEmptyCommit
	}
	if err := g.fail("CreateCommit"); err != nil {
		return "", err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	sha := fmt.Sprintf("%040x", len(g.commits)+1)
	g.commits = append(g.commits, Commit{Repo: repo, Branch: branch, Message: message, Files: append([]vcs.File(nil), files...), SHA: sha})
	return sha, nil
}

func (g *Gateway) CreatePullRequest(_ context.Context, repo vcs.Repo, title, body, head, base string) (*vcs.PullRequest, error) {
	if err := g.fail("CreatePullRequest"); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	n := len(g.pulls) + 1
	pr := vcs.PullRequest{Number: n, URL: fmt.Sprintf("https://github.com/%s/pull/%d", repo, n)}
	g.pulls = append(g.pulls, PullRequest{PullRequest: pr, Title: title, Body: body, Head: head, Base: base})
	return &pr, nil
}

func (g *Gateway) PullRequestStatus(context.Context, vcs.Repo, int) (*vcs.PullRequestStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	i := g.polls
	g.polls++
	if i < len(g.StatusErrs) && g.StatusErrs[i] != nil {
		return nil, g.StatusErrs[i]
	}
	if len(g.Statuses) == 0 {
		return &vcs.PullRequestStatus{}, nil
	}
	s := *g.Statuses[min(i, len(g.Statuses)-1)]
	return &s, nil
}

func (g *Gateway) MergePullRequest(_ context.Context, _ vcs.Repo, number int, method string) error {
	if err := g.fail("MergePullRequest"); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.merges = append(g.merges, Merge{Number: number, Method: method})
	return nil
}

func (g *Gateway) FileTree(context.Context, vcs.Repo, string) ([]string, error) {
	if err := g.fail("FileTree"); err != nil {
		return nil, err
	}
	return append([]string(nil), g.Tree...), nil
}

func (g *Gateway) FileContent(_ context.Context, _ vcs.Repo, path, _ string) (string, error) {
	if err := g.fail("FileContent"); err != nil {
		return "", err
	}
	c, ok := g.Files[path]
	if !ok {
		return "", fmt.Errorf("%w: %s", vcs.ErrNotFile, path)
	}
	return c, nil
}

// Branches returns created branches mapped to their source.
func (g *Gateway) Branches() map[string]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]string, len(g.branches))
	for k, v := range g.branches {
		out[k] = v
	}
	return out
}

func (g *Gateway) Commits() []Commit {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Commit(nil), g.commits...)
}

func (g *Gateway) PullRequests() []PullRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]PullRequest(nil), g.pulls...)
}

func (g *Gateway) Merges() []Merge {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Merge(nil), g.merges...)
}

// Polls returns how many status calls were made.
func (g *Gateway) Polls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.polls
}
