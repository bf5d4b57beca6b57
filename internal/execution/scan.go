package execution

import (
	"context"
	"fmt"
	"strings"

	"github.com/zricethezav/gitleaks/v8/detect"

	"github.com/fyrsmithlabs/loopforge/internal/vcs"
)

// Finding is a credential found in generated content. The matched value
// itself is never retained.
type Finding struct {
	Path   string
	RuleID string
	Line   int
}

// Scanner inspects files before they are committed.
type Scanner interface {
	Scan(ctx context.Context, files []vcs.File) ([]Finding, error)
}

// GitleaksScanner scans with the default gitleaks rule set.
type GitleaksScanner struct{}

func (GitleaksScanner) Scan(ctx context.Context, files []vcs.File) ([]Finding, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("loading gitleaks rules: %w", err)
	}
	var findings []Finding
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, hit := range detector.DetectString(f.Content) {
			findings = append(findings, Finding{Path: f.Path, RuleID: hit.RuleID, Line: hit.StartLine})
		}
	}
	return findings, nil
}

func findingsError(findings []Finding) error {
	parts := make([]string, 0, len(findings))
	for _, f := range findings {
		parts = append(parts, fmt.Sprintf("%s:%d (%s)", f.Path, f.Line, f.RuleID))
	}
	return fmt.Errorf("%w: %s", ErrSecretDetected, strings.Join(parts, ", "))
}
