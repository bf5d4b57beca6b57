package vcs

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

const (
	contextTreeEntries = 30
	contextFiles       = 5
)

var mentionPattern = regexp.MustCompile(`[\w\-/.]+\.(?:go|tsx|ts|jsx|json|js|py|rb|rs|java|prisma|yaml|yml|md|sql)`)

// ContextOptions bounds the repository context handed to the model.
type ContextOptions struct {
	TreeEntries int
	Files       int
	Logger      *zap.Logger
}

// BuildRepositoryContext renders the head of the file tree plus the content
// of tree files mentioned in texts. Unreadable files are skipped.
func BuildRepositoryContext(ctx context.Context, gw Gateway, repo Repo, ref string, texts []string, opts ContextOptions) (string, error) {
	if opts.TreeEntries <= 0 {
		opts.TreeEntries = contextTreeEntries
	}
	if opts.Files <= 0 {
		opts.Files = contextFiles
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	tree, err := gw.FileTree(ctx, repo, ref)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("## Repository Structure\n```\n")
	for _, p := range tree[:min(len(tree), opts.TreeEntries)] {
		b.WriteString(p)
		b.WriteByte('\n')
	}
	b.WriteString("...\n```\n\n")

	for _, p := range RelevantFiles(tree, texts, opts.Files) {
		content, err := gw.FileContent(ctx, repo, p, ref)
		if err != nil {
			opts.Logger.Warn("skipping unreadable context file", zap.String("path", p), zap.Error(err))
			continue
		}
		fmt.Fprintf(&b, "## File: %s\n```%s\n%s\n```\n\n", p, language(p), content)
	}
	return b.String(), nil
}

// RelevantFiles returns up to limit tree paths that contain a file name
// mentioned in texts, in tree order.
func RelevantFiles(tree, texts []string, limit int) []string {
	mentions := mentionPattern.FindAllString(strings.Join(texts, " "), -1)
	if len(mentions) == 0 {
		return nil
	}
	var out []string
	for _, p := range tree {
		if len(out) == limit {
			break
		}
		for _, m := range mentions {
			if strings.Contains(p, m) {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

func language(p string) string {
	switch ext := strings.TrimPrefix(path.Ext(p), "."); ext {
	case "ts", "tsx":
		return "typescript"
	case "js", "jsx":
		return "javascript"
	case "yml":
		return "yaml"
	case "":
		return "text"
	default:
		return ext
	}
}
