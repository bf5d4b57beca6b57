package execution

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/loopforge/internal/task"
	"github.com/fyrsmithlabs/loopforge/internal/vcs"
)

const codeSystemPrompt = "You are a senior fullstack developer. Generate production-ready code."

func stepPrompt(t *task.Task, repo vcs.Repo, branch string, step task.PlanStep, repoContext string) string {
	return fmt.Sprintf(`You are implementing a code change for: "%s"

Repository: %s
Branch: %s

STEP %d: %s
Estimated changes: %s

REPOSITORY CONTEXT:
%s

CRITICAL INSTRUCTIONS:
Generate COMPLETE, WORKING code for this step. Your response MUST:
1. Include actual source code, NOT descriptions
2. Use proper syntax, imports, and types
3. Follow existing code style in the repository
4. Be production-ready

FORMAT YOUR RESPONSE EXACTLY LIKE THIS:

`+"```"+`language
// File: path/to/file.ext
[COMPLETE FILE CONTENT HERE - FULL FILE, NOT SNIPPETS]
`+"```"+`

If multiple files need changes, use multiple code blocks.
DO NOT write explanations outside code blocks.
DO NOT use placeholders like "// ... rest of code".
WRITE THE ENTIRE FILE CONTENT.`,
		t.Title, repo, branch, step.StepNumber, step.Description, step.EstimatedChanges, repoContext)
}

// CommitTitle is the subject line used for commits and pull requests.
func CommitTitle(title string) string {
	return "feat: " + title
}

// CommitMessage is the subject followed by the numbered plan.
func CommitMessage(title string, steps []task.PlanStep) string {
	var b strings.Builder
	b.WriteString(CommitTitle(title))
	b.WriteString("\n\n")
	for i, s := range steps {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d. %s", i+1, s.Description)
	}
	return b.String()
}

func pullRequestBody(t *task.Task, steps []task.PlanStep, files []vcs.File, sha string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Summary\n\nAutomated implementation of **%s**.\n", t.Title)
	if t.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", t.Description)
	}
	b.WriteString("\n## Plan\n\n")
	for i, s := range steps {
		fmt.Fprintf(&b, "%d. %s\n", i+1, s.Description)
	}
	b.WriteString("\n## Files changed\n\n")
	for _, f := range files {
		fmt.Fprintf(&b, "- `%s`\n", f.Path)
	}
	fmt.Fprintf(&b, "\nCommit: %s\n", sha[:min(len(sha), 8)])
	return b.String()
}
