package vcs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/go-github/v57/github"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/fyrsmithlabs/loopforge/internal/config"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/loopforge/internal/vcs")

// NewGitHubClient creates an authenticated GitHub client. An empty baseURL
// targets api.github.com.
func NewGitHubClient(ctx context.Context, token config.Secret, baseURL string) (*github.Client, error) {
	if !token.IsSet() {
		return nil, errors.New("github token not set")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token.Value()})
	client := github.NewClient(oauth2.NewClient(ctx, ts))
	if baseURL != "" {
		u, err := url.Parse(strings.TrimSuffix(baseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("invalid github base url: %w", err)
		}
		client.BaseURL = u
	}
	return client, nil
}

// GitHub implements Gateway over the GitHub REST API.
type GitHub struct {
	client *github.Client
	retry  RetryConfig
	logger *zap.Logger
}

var _ Gateway = (*GitHub)(nil)

// NewGitHub wraps client. Zero retry fields take their defaults.
func NewGitHub(client *github.Client, retry RetryConfig, logger *zap.Logger) *GitHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	retry.applyDefaults()
	return &GitHub{client: client, retry: retry, logger: logger}
}

// call runs op under a span and the retry policy.
func (g *GitHub) call(ctx context.Context, name string, repo Repo, op func(ctx context.Context) (*github.Response, error)) error {
	ctx, span := tracer.Start(ctx, "vcs."+name, trace.WithAttributes(
		attribute.String("vcs.repo", repo.String()),
	))
	defer span.End()

	resp, err := retryOperation(ctx, g.retry, g.logger, name, func() (*github.Response, error) {
		return op(ctx)
	})
	if resp != nil && resp.Response != nil {
		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, name+" failed")
		return err
	}
	return nil
}

func (g *GitHub) DefaultBranch(ctx context.Context, repo Repo) (string, error) {
	var branch string
	err := g.call(ctx, "default_branch", repo, func(ctx context.Context) (*github.Response, error) {
		r, resp, err := g.client.Repositories.Get(ctx, repo.Owner, repo.Name)
		branch = r.GetDefaultBranch()
		return resp, err
	})
	if err != nil {
		return "", fmt.Errorf("getting repository %s: %w", repo, err)
	}
	if branch == "" {
		return "", fmt.Errorf("repository %s reports no default branch", repo)
	}
	return branch, nil
}

// CreateBranch points name at from's head. An existing branch is
// force-reset so a redelivered job starts clean.
func (g *GitHub) CreateBranch(ctx context.Context, repo Repo, name, from string) error {
	if IsProtectedBranch(name) {
		return fmt.Errorf("%w: %s", ErrProtectedBranch, name)
	}

	sha, err := g.headSHA(ctx, repo, from)
	if err != nil {
		return err
	}

	ref := &github.Reference{
		Ref:    github.String("refs/heads/" + name),
		Object: &github.GitObject{SHA: github.String(sha)},
	}
	err = g.call(ctx, "create_ref", repo, func(ctx context.Context) (*github.Response, error) {
		_, resp, err := g.client.Git.CreateRef(ctx, repo.Owner, repo.Name, ref)
		return resp, err
	})
	if err == nil {
		return nil
	}
	if !isStatus(err, http.StatusUnprocessableEntity) {
		return fmt.Errorf("creating branch %s: %w", name, err)
	}

	g.logger.Info("branch exists, resetting",
		zap.String("repo", repo.String()), zap.String("branch", name), zap.String("sha", sha))
	err = g.call(ctx, "update_ref", repo, func(ctx context.Context) (*github.Response, error) {
		_, resp, err := g.client.Git.UpdateRef(ctx, repo.Owner, repo.Name, ref, true)
		return resp, err
	})
	if err != nil {
		return fmt.Errorf("resetting branch %s: %w", name, err)
	}
	return nil
}

// CreateCommit writes files as a single commit on top of branch.
func (g *GitHub) CreateCommit(ctx context.Context, repo Repo, branch, message string, files []File) (string, error) {
	if IsProtectedBranch(branch) {
		return "", fmt.Errorf("%w: %s", ErrProtectedBranch, branch)
	}
	if len(files) == 0 {
		return "", ErrEmptyCommit
	}

	head, err := g.headSHA(ctx, repo, branch)
	if err != nil {
		return "", err
	}

	var baseTree string
	err = g.call(ctx, "get_commit", repo, func(ctx context.Context) (*github.Response, error) {
		c, resp, err := g.client.Git.GetCommit(ctx, repo.Owner, repo.Name, head)
		baseTree = c.GetTree().GetSHA()
		return resp, err
	})
	if err != nil {
		return "", fmt.Errorf("reading head commit: %w", err)
	}

	entries := make([]*github.TreeEntry, 0, len(files))
	for _, f := range files {
		var blobSHA string
		blob := &github.Blob{Content: github.String(f.Content), Encoding: github.String("utf-8")}
		err := g.call(ctx, "create_blob", repo, func(ctx context.Context) (*github.Response, error) {
			b, resp, err := g.client.Git.CreateBlob(ctx, repo.Owner, repo.Name, blob)
			blobSHA = b.GetSHA()
			return resp, err
		})
		if err != nil {
			return "", fmt.Errorf("creating blob for %s: %w", f.Path, err)
		}
		entries = append(entries, &github.TreeEntry{
			Path: github.String(f.Path),
			Mode: github.String("100644"),
			Type: github.String("blob"),
			SHA:  github.String(blobSHA),
		})
	}

	var treeSHA string
	err = g.call(ctx, "create_tree", repo, func(ctx context.Context) (*github.Response, error) {
		t, resp, err := g.client.Git.CreateTree(ctx, repo.Owner, repo.Name, baseTree, entries)
		treeSHA = t.GetSHA()
		return resp, err
	})
	if err != nil {
		return "", fmt.Errorf("creating tree: %w", err)
	}

	var commitSHA string
	commit := &github.Commit{
		Message: github.String(message),
		Tree:    &github.Tree{SHA: github.String(treeSHA)},
		Parents: []*github.Commit{{SHA: github.String(head)}},
	}
	err = g.call(ctx, "create_commit", repo, func(ctx context.Context) (*github.Response, error) {
		c, resp, err := g.client.Git.CreateCommit(ctx, repo.Owner, repo.Name, commit, nil)
		commitSHA = c.GetSHA()
		return resp, err
	})
	if err != nil {
		return "", fmt.Errorf("creating commit: %w", err)
	}

	ref := &github.Reference{
		Ref:    github.String("refs/heads/" + branch),
		Object: &github.GitObject{SHA: github.String(commitSHA)},
	}
	err = g.call(ctx, "update_ref", repo, func(ctx context.Context) (*github.Response, error) {
		_, resp, err := g.client.Git.UpdateRef(ctx, repo.Owner, repo.Name, ref, false)
		return resp, err
	})
	if err != nil {
		return "", fmt.Errorf("advancing %s: %w", branch, err)
	}
	return commitSHA, nil
}

func (g *GitHub) CreatePullRequest(ctx context.Context, repo Repo, title, body, head, base string) (*PullRequest, error) {
	var pr *github.PullRequest
	err := g.call(ctx, "create_pull_request", repo, func(ctx context.Context) (*github.Response, error) {
		var (
			resp *github.Response
			err  error
		)
		pr, resp, err = g.client.PullRequests.Create(ctx, repo.Owner, repo.Name, &github.NewPullRequest{
			Title: github.String(title),
			Body:  github.String(body),
			Head:  github.String(head),
			Base:  github.String(base),
		})
		return resp, err
	})
	if err != nil {
		return nil, fmt.Errorf("creating pull request: %w", err)
	}
	return &PullRequest{Number: pr.GetNumber(), URL: pr.GetHTMLURL()}, nil
}

// PullRequestStatus reads mergeability and the check runs of the head
// commit. Checks pass only when every run completed with success, neutral
// or skipped.
func (g *GitHub) PullRequestStatus(ctx context.Context, repo Repo, number int) (*PullRequestStatus, error) {
	var pr *github.PullRequest
	err := g.call(ctx, "get_pull_request", repo, func(ctx context.Context) (*github.Response, error) {
		var (
			resp *github.Response
			err  error
		)
		pr, resp, err = g.client.PullRequests.Get(ctx, repo.Owner, repo.Name, number)
		return resp, err
	})
	if err != nil {
		return nil, fmt.Errorf("getting pull request #%d: %w", number, err)
	}

	status := &PullRequestStatus{Mergeable: pr.Mergeable, Merged: pr.GetMerged()}
	if status.Merged {
		return status, nil
	}

	var runs []*github.CheckRun
	opts := &github.ListCheckRunsOptions{ListOptions: github.ListOptions{PerPage: 100}}
	for {
		var page *github.ListCheckRunsResults
		var resp *github.Response
		err := g.call(ctx, "list_check_runs", repo, func(ctx context.Context) (*github.Response, error) {
			var err error
			page, resp, err = g.client.Checks.ListCheckRunsForRef(ctx, repo.Owner, repo.Name, pr.GetHead().GetSHA(), opts)
			return resp, err
		})
		if err != nil {
			return nil, fmt.Errorf("listing check runs: %w", err)
		}
		runs = append(runs, page.CheckRuns...)
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	status.ChecksComplete = true
	status.ChecksPassing = true
	for _, run := range runs {
		if run.GetStatus() != "completed" {
			status.ChecksComplete = false
			status.ChecksPassing = false
			continue
		}
		switch run.GetConclusion() {
		case "success", "neutral", "skipped":
		default:
			status.ChecksPassing = false
		}
	}
	return status, nil
}

func (g *GitHub) MergePullRequest(ctx context.Context, repo Repo, number int, method string) error {
	err := g.call(ctx, "merge_pull_request", repo, func(ctx context.Context) (*github.Response, error) {
		_, resp, err := g.client.PullRequests.Merge(ctx, repo.Owner, repo.Name, number, "",
			&github.PullRequestOptions{MergeMethod: method})
		return resp, err
	})
	if err != nil {
		return fmt.Errorf("merging pull request #%d: %w", number, err)
	}
	return nil
}

// FileTree lists every blob path reachable from ref.
func (g *GitHub) FileTree(ctx context.Context, repo Repo, ref string) ([]string, error) {
	var tree *github.Tree
	err := g.call(ctx, "get_tree", repo, func(ctx context.Context) (*github.Response, error) {
		var (
			resp *github.Response
			err  error
		)
		tree, resp, err = g.client.Git.GetTree(ctx, repo.Owner, repo.Name, ref, true)
		return resp, err
	})
	if err != nil {
		return nil, fmt.Errorf("reading tree at %s: %w", ref, err)
	}
	if tree.GetTruncated() {
		g.logger.Warn("repository tree truncated", zap.String("repo", repo.String()), zap.String("ref", ref))
	}

	paths := make([]string, 0, len(tree.Entries))
	for _, e := range tree.Entries {
		if e.GetType() == "blob" {
			paths = append(paths, e.GetPath())
		}
	}
	return paths, nil
}

func (g *GitHub) FileContent(ctx context.Context, repo Repo, path, ref string) (string, error) {
	var file *github.RepositoryContent
	err := g.call(ctx, "get_contents", repo, func(ctx context.Context) (*github.Response, error) {
		var (
			resp *github.Response
			err  error
		)
		file, _, resp, err = g.client.Repositories.GetContents(ctx, repo.Owner, repo.Name, path,
			&github.RepositoryContentGetOptions{Ref: ref})
		return resp, err
	})
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	if file == nil {
		return "", fmt.Errorf("%w: %s", ErrNotFile, path)
	}
	content, err := file.GetContent()
	if err != nil {
		return "", fmt.Errorf("decoding %s: %w", path, err)
	}
	return content, nil
}

func (g *GitHub) headSHA(ctx context.Context, repo Repo, branch string) (string, error) {
	var sha string
	err := g.call(ctx, "get_ref", repo, func(ctx context.Context) (*github.Response, error) {
		ref, resp, err := g.client.Git.GetRef(ctx, repo.Owner, repo.Name, "heads/"+branch)
		sha = ref.GetObject().GetSHA()
		return resp, err
	})
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", branch, err)
	}
	return sha, nil
}

func isStatus(err error, code int) bool {
	var ge *github.ErrorResponse
	return errors.As(err, &ge) && ge.Response != nil && ge.Response.StatusCode == code
}
