package vcs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testRepo = Repo{Owner: "acme", Name: "api"}

type fakeHub struct {
	mux *http.ServeMux

	mu       sync.Mutex
	requests []string
	bodies   map[string][]map[string]any
}

func newHub(t *testing.T) (*fakeHub, *GitHub) {
	t.Helper()
	h := &fakeHub{mux: http.NewServeMux(), bodies: map[string][]map[string]any{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		key := r.Method + " " + r.URL.Path
		h.mu.Lock()
		h.requests = append(h.requests, key)
		if r.Body != nil {
			raw, _ := io.ReadAll(r.Body)
			var body map[string]any
			if json.Unmarshal(raw, &body) == nil {
				h.bodies[key] = append(h.bodies[key], body)
			}
		}
		h.mu.Unlock()
		h.mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	client, err := NewGitHubClient(context.Background(), "test-token", srv.URL)
	require.NoError(t, err)
	return h, NewGitHub(client, fastRetry(), nil)
}

func (h *fakeHub) handle(pattern string, status int, body any) {
	h.mux.HandleFunc(pattern, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	})
}

func (h *fakeHub) seen() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.requests...)
}

func (h *fakeHub) body(key string) map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	if b := h.bodies[key]; len(b) > 0 {
		return b[len(b)-1]
	}
	return nil
}

func TestNewGitHubClient_RequiresToken(t *testing.T) {
	_, err := NewGitHubClient(context.Background(), "", "")
	assert.Error(t, err)
}

func TestGitHub_DefaultBranch(t *testing.T) {
	h, gw := newHub(t)
	h.handle("GET /repos/acme/api", 200, map[string]any{"default_branch": "trunk"})

	branch, err := gw.DefaultBranch(context.Background(), testRepo)
	require.NoError(t, err)
	assert.Equal(t, "trunk", branch)
}

func TestGitHub_CreateBranch(t *testing.T) {
	h, gw := newHub(t)
	h.handle("GET /repos/acme/api/git/ref/heads/main", 200, map[string]any{
		"ref": "refs/heads/main", "object": map[string]any{"sha": "base123"},
	})
	h.handle("POST /repos/acme/api/git/refs", 201, map[string]any{"ref": "refs/heads/loopforge/x"})

	require.NoError(t, gw.CreateBranch(context.Background(), testRepo, "loopforge/x", "main"))
	body := h.body("POST /repos/acme/api/git/refs")
	assert.Equal(t, "refs/heads/loopforge/x", body["ref"])
	assert.Equal(t, "base123", body["sha"])
}

func TestGitHub_CreateBranch_ResetsExisting(t *testing.T) {
	h, gw := newHub(t)
	h.handle("GET /repos/acme/api/git/ref/heads/main", 200, map[string]any{
		"ref": "refs/heads/main", "object": map[string]any{"sha": "base123"},
	})
	h.handle("POST /repos/acme/api/git/refs", 422, map[string]any{"message": "Reference already exists"})
	h.handle("PATCH /repos/acme/api/git/refs/heads/loopforge/x", 200, map[string]any{"ref": "refs/heads/loopforge/x"})

	require.NoError(t, gw.CreateBranch(context.Background(), testRepo, "loopforge/x", "main"))
	body := h.body("PATCH /repos/acme/api/git/refs/heads/loopforge/x")
	assert.Equal(t, "base123", body["sha"])
	assert.Equal(t, true, body["force"])
}

func TestGitHub_ProtectedBranchesMakeNoCalls(t *testing.T) {
	h, gw := newHub(t)
	ctx := context.Background()

	for _, name := range []string{"main", "master", "develop", "trunk"} {
		assert.ErrorIs(t, gw.CreateBranch(ctx, testRepo, name, "main"), ErrProtectedBranch)
		_, err := gw.CreateCommit(ctx, testRepo, name, "msg", []File{{Path: "a", Content: "b"}})
		assert.ErrorIs(t, err, ErrProtectedBranch)
	}
	assert.Empty(t, h.seen())
}

func TestGitHub_CreateCommit(t *testing.T) {
	h, gw := newHub(t)
	h.handle("GET /repos/acme/api/git/ref/heads/feature", 200, map[string]any{
		"ref": "refs/heads/feature", "object": map[string]any{"sha": "head1"},
	})
	h.handle("GET /repos/acme/api/git/commits/head1", 200, map[string]any{
		"sha": "head1", "tree": map[string]any{"sha": "tree1"},
	})
	h.handle("POST /repos/acme/api/git/blobs", 201, map[string]any{"sha": "blob1"})
	h.handle("POST /repos/acme/api/git/trees", 201, map[string]any{"sha": "tree2"})
	h.handle("POST /repos/acme/api/git/commits", 201, map[string]any{"sha": "commit2"})
	h.handle("PATCH /repos/acme/api/git/refs/heads/feature", 200, map[string]any{"ref": "refs/heads/feature"})

	sha, err := gw.CreateCommit(context.Background(), testRepo, "feature", "feat: health", []File{
		{Path: "src/health.ts", Content: "export const ok = true"},
	})
	require.NoError(t, err)
	assert.Equal(t, "commit2", sha)

	assert.Equal(t, []string{
		"GET /repos/acme/api/git/ref/heads/feature",
		"GET /repos/acme/api/git/commits/head1",
		"POST /repos/acme/api/git/blobs",
		"POST /repos/acme/api/git/trees",
		"POST /repos/acme/api/git/commits",
		"PATCH /repos/acme/api/git/refs/heads/feature",
	}, h.seen())

	tree := h.body("POST /repos/acme/api/git/trees")
	assert.Equal(t, "tree1", tree["base_tree"])
	commit := h.body("POST /repos/acme/api/git/commits")
	assert.Equal(t, "feat: health", commit["message"])
	assert.Equal(t, "tree2", commit["tree"])
	assert.Equal(t, []any{"head1"}, commit["parents"])
	assert.Equal(t, "commit2", h.body("PATCH /repos/acme/api/git/refs/heads/feature")["sha"])
}

func TestGitHub_CreateCommit_Empty(t *testing.T) {
	h, gw := newHub(t)
	_, err := gw.CreateCommit(context.Background(), testRepo, "feature", "msg", nil)
	assert.ErrorIs(t, err, ErrEmptyCommit)
	assert.Empty(t, h.seen())
}

func TestGitHub_CreatePullRequest(t *testing.T) {
	h, gw := newHub(t)
	h.handle("POST /repos/acme/api/pulls", 201, map[string]any{
		"number": 42, "html_url": "https://github.com/acme/api/pull/42",
	})

	pr, err := gw.CreatePullRequest(context.Background(), testRepo, "feat: x", "body", "loopforge/x", "main")
	require.NoError(t, err)
	assert.Equal(t, &PullRequest{Number: 42, URL: "https://github.com/acme/api/pull/42"}, pr)
	body := h.body("POST /repos/acme/api/pulls")
	assert.Equal(t, "loopforge/x", body["head"])
	assert.Equal(t, "main", body["base"])
}

func TestGitHub_PullRequestStatus(t *testing.T) {
	tests := []struct {
		name      string
		pr        map[string]any
		runs      []map[string]any
		mergeable *bool
		complete  bool
		passing   bool
	}{
		{
			name:      "all green",
			pr:        map[string]any{"mergeable": true, "head": map[string]any{"sha": "h"}},
			runs:      []map[string]any{{"status": "completed", "conclusion": "success"}, {"status": "completed", "conclusion": "skipped"}},
			mergeable: ptr(true), complete: true, passing: true,
		},
		{
			name:      "still running",
			pr:        map[string]any{"mergeable": true, "head": map[string]any{"sha": "h"}},
			runs:      []map[string]any{{"status": "completed", "conclusion": "success"}, {"status": "in_progress"}},
			mergeable: ptr(true),
		},
		{
			name:      "failed check",
			pr:        map[string]any{"mergeable": true, "head": map[string]any{"sha": "h"}},
			runs:      []map[string]any{{"status": "completed", "conclusion": "failure"}},
			mergeable: ptr(true), complete: true,
		},
		{
			name:     "mergeability unknown",
			pr:       map[string]any{"mergeable": nil, "head": map[string]any{"sha": "h"}},
			runs:     []map[string]any{},
			complete: true, passing: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, gw := newHub(t)
			h.handle("GET /repos/acme/api/pulls/7", 200, tt.pr)
			h.handle("GET /repos/acme/api/commits/h/check-runs", 200, map[string]any{
				"total_count": len(tt.runs), "check_runs": tt.runs,
			})

			status, err := gw.PullRequestStatus(context.Background(), testRepo, 7)
			require.NoError(t, err)
			assert.Equal(t, tt.mergeable, status.Mergeable)
			assert.Equal(t, tt.complete, status.ChecksComplete)
			assert.Equal(t, tt.passing, status.ChecksPassing)
			assert.False(t, status.Merged)
		})
	}
}

func TestGitHub_PullRequestStatus_Merged(t *testing.T) {
	h, gw := newHub(t)
	h.handle("GET /repos/acme/api/pulls/7", 200, map[string]any{"merged": true, "head": map[string]any{"sha": "h"}})

	status, err := gw.PullRequestStatus(context.Background(), testRepo, 7)
	require.NoError(t, err)
	assert.True(t, status.Merged)
	assert.NotContains(t, h.seen(), "GET /repos/acme/api/commits/h/check-runs")
}

func TestGitHub_MergePullRequest(t *testing.T) {
	h, gw := newHub(t)
	h.handle("PUT /repos/acme/api/pulls/7/merge", 200, map[string]any{"merged": true})

	require.NoError(t, gw.MergePullRequest(context.Background(), testRepo, 7, "squash"))
	assert.Equal(t, "squash", h.body("PUT /repos/acme/api/pulls/7/merge")["merge_method"])
}

func TestGitHub_FileTreeAndContent(t *testing.T) {
	h, gw := newHub(t)
	h.handle("GET /repos/acme/api/git/trees/main", 200, map[string]any{
		"sha": "t",
		"tree": []map[string]any{
			{"path": "src", "type": "tree"},
			{"path": "src/index.ts", "type": "blob"},
			{"path": "package.json", "type": "blob"},
		},
	})
	h.handle("GET /repos/acme/api/contents/src/index.ts", 200, map[string]any{
		"type": "file", "encoding": "base64", "path": "src/index.ts",
		"content": base64.StdEncoding.EncodeToString([]byte("console.log('hi')")),
	})

	ctx := context.Background()
	tree, err := gw.FileTree(ctx, testRepo, "main")
	require.NoError(t, err)
	assert.Equal(t, []string{"src/index.ts", "package.json"}, tree)

	content, err := gw.FileContent(ctx, testRepo, "src/index.ts", "main")
	require.NoError(t, err)
	assert.Equal(t, "console.log('hi')", content)
}

func TestGitHub_ServerErrorsRetried(t *testing.T) {
	h, gw := newHub(t)
	var calls atomic.Int32
	h.mux.HandleFunc("GET /repos/acme/api", func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"default_branch":"main"}`))
	})

	branch, err := gw.DefaultBranch(context.Background(), testRepo)
	require.NoError(t, err)
	assert.Equal(t, "main", branch)
	assert.Equal(t, int32(3), calls.Load())
}

func ptr[T any](v T) *T { return &v }
