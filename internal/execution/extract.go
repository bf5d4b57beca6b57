package execution

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/loopforge/internal/vcs"
)

// fileBlock matches a fenced block whose first line is "// File: <path>".
var fileBlock = regexp.MustCompile("```[\\w+#.-]*\\r?\\n// File: (.+?)\\r?\\n([\\s\\S]+?)```")

// ExtractFiles pulls file blocks out of model outputs. When a path appears
// more than once the last block wins; files keep first-seen order.
func ExtractFiles(outputs ...string) []vcs.File {
	var (
		files []vcs.File
		index = map[string]int{}
	)
	for _, out := range outputs {
		for _, m := range fileBlock.FindAllStringSubmatch(out, -1) {
			p := strings.TrimSpace(m[1])
			content := strings.TrimSpace(m[2]) + "\n"
			if i, ok := index[p]; ok {
				files[i].Content = content
				continue
			}
			index[p] = len(files)
			files = append(files, vcs.File{Path: p, Content: content})
		}
	}
	return files
}

// ValidatePath rejects empty, absolute and home-relative paths, and any path
// containing "..", then returns the cleaned form.
func ValidatePath(p string) (string, error) {
	p = strings.ReplaceAll(strings.TrimSpace(p), `\`, "/")
	switch {
	case p == "":
		return "", fmt.Errorf("%w: empty path", ErrPathTraversal)
	case strings.HasPrefix(p, "/"):
		return "", fmt.Errorf("%w: absolute path %q", ErrPathTraversal, p)
	case strings.HasPrefix(p, "~"):
		return "", fmt.Errorf("%w: home-relative path %q", ErrPathTraversal, p)
	case strings.Contains(p, ".."):
		return "", fmt.Errorf("%w: directory traversal in %q", ErrPathTraversal, p)
	}
	clean := path.Clean(p)
	if clean == "." {
		return "", fmt.Errorf("%w: empty path", ErrPathTraversal)
	}
	return clean, nil
}

// ValidatePaths checks every file; any violation fails the whole set.
func ValidatePaths(files []vcs.File) ([]vcs.File, error) {
	out := make([]vcs.File, 0, len(files))
	for _, f := range files {
		p, err := ValidatePath(f.Path)
		if err != nil {
			return nil, err
		}
		out = append(out, vcs.File{Path: p, Content: f.Content})
	}
	return out, nil
}
