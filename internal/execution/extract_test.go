package execution

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/loopforge/internal/task"
	"github.com/fyrsmithlabs/loopforge/internal/vcs"
)

func TestSlug(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Add health endpoint", "add-health-endpoint"},
		{"  Fix: crash on   empty input! ", "fix-crash-on-empty-input"},
		{"über café", "ber-caf"},
		{"---", ""},
		{"a - b", "a-b"},
		{"Refactor the configuration loader to support layered overrides", "refactor-the-configuration-loader-to-sup"},
		{"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa b", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"},
	}
	for _, tt := range tests {
		got := Slug(tt.in)
		assert.Equal(t, tt.want, got, "Slug(%q)", tt.in)
		assert.LessOrEqual(t, len(got), 40)
	}
}

func TestBranchName(t *testing.T) {
	assert.Equal(t, "loopforge/0123abcd-add-health-endpoint", BranchName("0123abcd-ffff-4444", "Add health endpoint"))
	assert.Equal(t, "loopforge/0123abcd", BranchName("0123abcd-ffff-4444", "!!!"))
	assert.Equal(t, "loopforge/t1-x", BranchName("t1", "x"))
	assert.False(t, vcs.IsProtectedBranch(BranchName("main", "main")))
}

func TestExtractFiles(t *testing.T) {
	first := "intro\n```go\n// File: cmd/app/main.go\npackage main\n\nfunc main() {}\n```\ntext\n```ts\n// File:  src/a.ts \nexport {}\n```"
	second := "```\n// File: cmd/app/main.go\npackage main // v2\n```\n```python\nprint('no header')\n```"

	files := ExtractFiles(first, second)
	require.Len(t, files, 2)
	assert.Equal(t, vcs.File{Path: "cmd/app/main.go", Content: "package main // v2\n"}, files[0])
	assert.Equal(t, vcs.File{Path: "src/a.ts", Content: "export {}\n"}, files[1])

	assert.Empty(t, ExtractFiles("no blocks", "```go\nfmt.Println()\n```"))
}

func TestExtractFiles_CRLF(t *testing.T) {
	files := ExtractFiles("```js\r\n// File: index.js\r\nconsole.log(1)\r\n```")
	require.Len(t, files, 1)
	assert.Equal(t, "index.js", files[0].Path)
}

func TestValidatePath(t *testing.T) {
	ok := map[string]string{
		"src/a.ts":        "src/a.ts",
		"./src/a.ts":      "src/a.ts",
		"src//b/./c.go":   "src/b/c.go",
		`src\win\path.go`: "src/win/path.go",
	}
	for in, want := range ok {
		got, err := ValidatePath(in)
		if want == "" {
			assert.ErrorIs(t, err, ErrPathTraversal, in)
			continue
		}
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	for _, bad := range []string{"", "  ", "../../etc/passwd", "a/../../b", "/etc/passwd", "~/.ssh/id_rsa", ".", "..", "src//b/../c.go", "a/..b", "docs/..hidden", "x../y"} {
		_, err := ValidatePath(bad)
		assert.ErrorIs(t, err, ErrPathTraversal, "%q", bad)
	}
}

func TestValidatePaths_FailsWholeSet(t *testing.T) {
	_, err := ValidatePaths([]vcs.File{{Path: "ok.go"}, {Path: "../x"}})
	assert.ErrorIs(t, err, ErrPathTraversal)
}

func TestCommitMessage(t *testing.T) {
	msg := CommitMessage("Add health endpoint", []task.PlanStep{
		{StepNumber: 4, Description: "Write handler"},
		{StepNumber: 9, Description: "Wire route"},
	})
	assert.Equal(t, "feat: Add health endpoint\n\n1. Write handler\n2. Wire route", msg)
}

func TestPipelineError(t *testing.T) {
	err := stepErr("scan", "scanning for secrets", ErrSecretDetected)
	assert.ErrorIs(t, err, ErrSecretDetected)
	assert.Equal(t, "scanning for secrets: secret detected in generated content", err.Error())
	assert.Equal(t, "scan", failedStage(err))
	assert.Equal(t, "run", failedStage(errors.New("other")))
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, estimateTokens(""))
	assert.Equal(t, 1, estimateTokens("abc"))
	assert.Equal(t, 1, estimateTokens("abcd"))
	assert.Equal(t, 2, estimateTokens("abcde"))
}

func TestFindingsError(t *testing.T) {
	err := findingsError([]Finding{{Path: "a.go", Line: 2, RuleID: "aws-access-token"}})
	assert.ErrorIs(t, err, ErrSecretDetected)
	assert.Contains(t, err.Error(), "a.go:2 (aws-access-token)")
}

func TestGitleaksScanner_CleanCode(t *testing.T) {
	findings, err := GitleaksScanner{}.Scan(t.Context(), []vcs.File{{
		Path:    "main.go",
		Content: "package main\n\nfunc main() {\n\tprintln(\"Hello World\")\n}\n",
	}})
	require.NoError(t, err)
	assert.Empty(t, findings)
}
