package execution

import (
	"regexp"
	"strings"
)

const (
	branchPrefix = "loopforge/"
	slugMax      = 40
)

var (
	whitespaceRun = regexp.MustCompile(`\s+`)
	slugInvalid   = regexp.MustCompile(`[^a-z0-9-]`)
	dashRun       = regexp.MustCompile(`-{2,}`)
)

// Slug turns a task title into a branch-safe fragment of at most 40 bytes.
func Slug(title string) string {
	s := strings.ToLower(title)
	s = whitespaceRun.ReplaceAllString(s, "-")
	s = slugInvalid.ReplaceAllString(s, "")
	s = dashRun.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > slugMax {
		s = strings.TrimRight(s[:slugMax], "-")
	}
	return s
}

// BranchName derives the feature branch for a task. The same task always
// maps to the same branch.
func BranchName(taskID, title string) string {
	id := taskID[:min(len(taskID), 8)]
	if slug := Slug(title); slug != "" {
		return branchPrefix + id + "-" + slug
	}
	return branchPrefix + id
}
