// Package execution runs approved plans: it generates code step by step,
// commits the result to a feature branch and opens a pull request.
package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/loopforge/internal/config"
	"github.com/fyrsmithlabs/loopforge/internal/llm"
	"github.com/fyrsmithlabs/loopforge/internal/logging"
	"github.com/fyrsmithlabs/loopforge/internal/stage"
	"github.com/fyrsmithlabs/loopforge/internal/task"
	"github.com/fyrsmithlabs/loopforge/internal/vcs"
)

// Tasks is the automation surface of the task service.
type Tasks interface {
	Get(ctx context.Context, taskID string) (*task.Task, error)
	Repository(ctx context.Context, repoID string) (*task.Repository, error)
	Advance(ctx context.Context, taskID string, to stage.Stage) (*task.Task, error)
	Log(ctx context.Context, taskID string, level task.LogLevel, message string, metadata map[string]any) (*task.ExecutionLog, error)
	SetFeatureBranch(ctx context.Context, taskID, branch string) (*task.Task, error)
	SetPullRequest(ctx context.Context, taskID, url string, number int) (*task.Task, error)
	RecordCommit(ctx context.Context, c *task.Commit) error
}

// Gateways resolves an owner's version-control gateway.
type Gateways interface {
	ForOwner(ctx context.Context, ownerID string) (vcs.Gateway, error)
}

// Providers resolves an owner's default text-generation provider.
type Providers interface {
	Resolve(ctx context.Context, ownerID string) (llm.Provider, error)
}

// Dependencies are the collaborators of a Pipeline. Scanner defaults to
// gitleaks unless scanning is disabled; Watcher and Usage may be nil.
type Dependencies struct {
	Tasks     Tasks
	Gateways  Gateways
	Providers Providers
	Scanner   Scanner
	Watcher   MergeWatcher
	Usage     UsageRecorder
}

// Pipeline executes jobs.
type Pipeline struct {
	tasks     Tasks
	gateways  Gateways
	providers Providers
	scanner   Scanner
	watcher   MergeWatcher
	usage     UsageRecorder
	cfg       config.ExecutionConfig
	logger    *zap.Logger
}

// NewPipeline creates a pipeline.
func NewPipeline(deps Dependencies, cfg config.ExecutionConfig, logger *zap.Logger) (*Pipeline, error) {
	switch {
	case deps.Tasks == nil:
		return nil, errors.New("tasks cannot be nil")
	case deps.Gateways == nil:
		return nil, errors.New("gateways cannot be nil")
	case deps.Providers == nil:
		return nil, errors.New("providers cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	scanner := deps.Scanner
	if scanner == nil && !cfg.DisableSecretScan {
		scanner = GitleaksScanner{}
	}
	usage := deps.Usage
	if usage == nil {
		usage = MetricsUsage{}
	}
	return &Pipeline{
		tasks:     deps.Tasks,
		gateways:  deps.Gateways,
		providers: deps.Providers,
		scanner:   scanner,
		watcher:   deps.Watcher,
		usage:     usage,
		cfg:       cfg,
		logger:    logger.Named("execution"),
	}, nil
}

// Run executes one job. Failures inside the run are recorded on the task,
// which moves to STUCK, and Run returns nil. An error is returned only when
// the task cannot be read or moved to STUCK; the queue retries those.
func (p *Pipeline) Run(ctx context.Context, job task.ExecutionJob) error {
	ctx, span := tracer.Start(ctx, "execution.run", trace.WithAttributes(
		attribute.String("task.id", job.TaskID),
		attribute.String("owner.id", job.OwnerID),
		attribute.Int("plan.steps", len(job.Steps)),
	))
	defer span.End()

	ctx = logging.WithOwnerID(logging.WithTaskID(ctx, job.TaskID), job.OwnerID)
	log := logging.Bind(ctx, p.logger)

	t, err := p.tasks.Get(ctx, job.TaskID)
	if errors.Is(err, task.ErrNotFound) {
		log.Info("task no longer exists, dropping job")
		return nil
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("loading task: %w", err)
	}
	if p.resumable(t) {
		return p.resume(ctx, t, log)
	}
	if !t.Stage.InFlight() {
		log.Info("job is stale, task already moved on", zap.Stringer("stage", t.Stage))
		return nil
	}

	start := time.Now()
	runErr := p.execute(ctx, t, job, log)
	elapsed := time.Since(start).Seconds()
	if runErr != nil && (ctx.Err() != nil || errors.Is(runErr, ErrWatchInterrupted)) {
		// Shutdown, not failure: the queue hands the job back and the next
		// delivery continues from the task's stage.
		log.Info("execution interrupted", zap.Error(runErr))
		return runErr
	}
	if runErr == nil {
		recordRun(ctx, "success", "", elapsed)
		log.Info("execution finished", zap.Float64("seconds", elapsed))
		return nil
	}

	span.RecordError(runErr)
	span.SetStatus(codes.Error, "execution failed")
	recordRun(ctx, "failure", failedStage(runErr), elapsed)
	log.Error("execution failed", zap.Error(runErr), zap.String("failed_stage", failedStage(runErr)))

	p.record(ctx, t.ID, task.LogError, "Execution failed: "+runErr.Error(), map[string]any{"stage": failedStage(runErr)})
	if _, err := p.tasks.Advance(ctx, t.ID, stage.Stuck); err != nil {
		if errors.Is(err, task.ErrNotFound) || errors.Is(err, task.ErrInvalidTransition) {
			log.Warn("could not mark task stuck, it moved on", zap.Error(err))
			return nil
		}
		return fmt.Errorf("moving task to STUCK: %w", err)
	}
	return nil
}

func (p *Pipeline) execute(ctx context.Context, t *task.Task, job task.ExecutionJob, log *zap.Logger) error {
	if _, err := p.tasks.Advance(ctx, t.ID, stage.Executing); err != nil {
		return stepErr("start", "entering EXECUTING", err)
	}
	p.record(ctx, t.ID, task.LogAction, "Execution started", map[string]any{"steps": len(job.Steps)})

	repoID := job.RepositoryID
	if repoID == "" {
		repoID = t.RepositoryID
	}
	if repoID == "" {
		return stepErr("start", "resolving repository", ErrNoRepository)
	}
	linked, err := p.tasks.Repository(ctx, repoID)
	if err != nil {
		return stepErr("start", "resolving repository", err)
	}
	repo := vcs.Repo{Owner: linked.Owner, Name: linked.Name}

	branch := BranchName(t.ID, t.Title)
	if vcs.IsProtectedBranch(branch) {
		return stepErr("branch", "guarding branch name", fmt.Errorf("%w: %s", vcs.ErrProtectedBranch, branch))
	}

	gw, err := p.gateways.ForOwner(ctx, t.OwnerID)
	if err != nil {
		return stepErr("branch", "connecting to repository host", err)
	}
	base := linked.DefaultBranch
	if base == "" {
		if base, err = gw.DefaultBranch(ctx, repo); err != nil {
			return stepErr("branch", "resolving default branch", err)
		}
	}

	p.record(ctx, t.ID, task.LogAction, "Creating feature branch: "+branch, nil)
	if err := gw.CreateBranch(ctx, repo, branch, base); err != nil {
		return stepErr("branch", "creating branch "+branch, err)
	}
	if _, err := p.tasks.SetFeatureBranch(ctx, t.ID, branch); err != nil {
		return stepErr("branch", "saving feature branch", err)
	}
	p.record(ctx, t.ID, task.LogInfo, "Branch created: "+branch, map[string]any{"branch": branch, "base": base})

	provider, err := p.providers.Resolve(ctx, t.OwnerID)
	if err != nil {
		return stepErr("provider", "resolving provider", err)
	}

	p.record(ctx, t.ID, task.LogInfo, "Fetching repository context...", nil)
	texts := make([]string, 0, 2*len(job.Steps))
	for _, s := range job.Steps {
		texts = append(texts, s.Description, s.EstimatedChanges)
	}
	repoContext, err := vcs.BuildRepositoryContext(ctx, gw, repo, base, texts, vcs.ContextOptions{
		TreeEntries: p.cfg.TreeEntries,
		Files:       p.cfg.ContextFiles,
		Logger:      log,
	})
	if err != nil {
		return stepErr("context", "building repository context", err)
	}

	outputs := make([]string, 0, len(job.Steps))
	for _, step := range job.Steps {
		out, err := p.generateStep(ctx, t, repo, branch, step, provider, repoContext)
		if err != nil {
			return stepErr("generate", fmt.Sprintf("step %d", step.StepNumber), err)
		}
		outputs = append(outputs, out)
	}

	p.record(ctx, t.ID, task.LogInfo, "Extracting code from model output...", nil)
	files := ExtractFiles(outputs...)
	if len(files) == 0 {
		return stepErr("extract", "extracting files", ErrNoFiles)
	}
	p.record(ctx, t.ID, task.LogInfo, fmt.Sprintf("Extracted %d file(s)", len(files)), nil)

	if files, err = ValidatePaths(files); err != nil {
		return stepErr("validate", "validating paths", err)
	}

	if p.scanner != nil {
		findings, err := p.scanner.Scan(ctx, files)
		if err != nil {
			return stepErr("scan", "scanning for secrets", err)
		}
		if len(findings) > 0 {
			return stepErr("scan", "scanning for secrets", findingsError(findings))
		}
	}

	p.record(ctx, t.ID, task.LogAction, fmt.Sprintf("Committing %d file(s) to %s", len(files), branch), nil)
	sha, err := gw.CreateCommit(ctx, repo, branch, CommitMessage(t.Title, job.Steps), files)
	if err != nil {
		return stepErr("commit", "creating commit", err)
	}
	if err := p.tasks.RecordCommit(ctx, &task.Commit{
		TaskID:       t.ID,
		SHA:          sha,
		Branch:       branch,
		Message:      CommitTitle(t.Title),
		FilesChanged: len(files),
	}); err != nil {
		return stepErr("commit", "recording commit", err)
	}
	p.record(ctx, t.ID, task.LogCommit,
		fmt.Sprintf("Committed %d file(s) to %s (%s)", len(files), branch, sha[:min(len(sha), 8)]),
		map[string]any{"sha": sha, "filesChanged": len(files), "branch": branch})

	if _, err := p.tasks.Advance(ctx, t.ID, stage.CodeReview); err != nil {
		return stepErr("review", "entering CODE_REVIEW", err)
	}

	p.record(ctx, t.ID, task.LogAction, "Creating pull request...", nil)
	pr, err := gw.CreatePullRequest(ctx, repo, CommitTitle(t.Title), pullRequestBody(t, job.Steps, files, sha), branch, base)
	if err != nil {
		return stepErr("review", "creating pull request", err)
	}
	if _, err := p.tasks.SetPullRequest(ctx, t.ID, pr.URL, pr.Number); err != nil {
		return stepErr("review", "saving pull request", err)
	}
	p.record(ctx, t.ID, task.LogInfo, "Pull request created: "+pr.URL, map[string]any{"number": pr.Number, "url": pr.URL})

	if !t.AutonomousMode || p.watcher == nil {
		p.record(ctx, t.ID, task.LogInfo, "Awaiting manual code review", nil)
		return nil
	}
	p.record(ctx, t.ID, task.LogInfo, "Autonomous mode: waiting for CI checks...", nil)
	if err := p.watcher.Watch(ctx, WatchRequest{
		TaskID:   t.ID,
		OwnerID:  t.OwnerID,
		Repo:     repo,
		PRNumber: pr.Number,
	}); err != nil {
		return stepErr("review", "auto-merge", err)
	}
	return nil
}

// resumable reports whether a delivery finds its task waiting on an
// auto-merge that an earlier, interrupted delivery started.
func (p *Pipeline) resumable(t *task.Task) bool {
	return p.watcher != nil && t.Stage == stage.CodeReview && t.AutonomousMode && t.PRNumber > 0
}

// resume watches the task's open pull request again. The job keeps the
// repository until the watch ends.
func (p *Pipeline) resume(ctx context.Context, t *task.Task, log *zap.Logger) error {
	linked, err := p.tasks.Repository(ctx, t.RepositoryID)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			log.Warn("repository gone, not resuming auto-merge")
			return nil
		}
		return fmt.Errorf("loading repository: %w", err)
	}
	log.Info("resuming auto-merge watch", zap.Int("pr_number", t.PRNumber))
	p.record(ctx, t.ID, task.LogInfo, "Resuming auto-merge watch", map[string]any{"number": t.PRNumber})
	err = p.watcher.Watch(ctx, WatchRequest{
		TaskID:   t.ID,
		OwnerID:  t.OwnerID,
		Repo:     vcs.Repo{Owner: linked.Owner, Name: linked.Name},
		PRNumber: t.PRNumber,
	})
	if err == nil || errors.Is(err, ErrWatchInterrupted) || ctx.Err() != nil {
		return err
	}
	p.record(ctx, t.ID, task.LogError, "Auto-merge failed: "+err.Error(), nil)
	if _, serr := p.tasks.Advance(ctx, t.ID, stage.Stuck); serr != nil &&
		!errors.Is(serr, task.ErrNotFound) && !errors.Is(serr, task.ErrInvalidTransition) {
		return fmt.Errorf("moving task to STUCK: %w", serr)
	}
	return nil
}

func (p *Pipeline) generateStep(ctx context.Context, t *task.Task, repo vcs.Repo, branch string, step task.PlanStep, provider llm.Provider, repoContext string) (string, error) {
	ctx, span := tracer.Start(ctx, "execution.step", trace.WithAttributes(
		attribute.Int("step.number", step.StepNumber),
		attribute.String("llm.provider", provider.Name()),
	))
	defer span.End()

	p.record(ctx, t.ID, task.LogAction, fmt.Sprintf("Step %d: %s", step.StepNumber, step.Description), nil)

	var out strings.Builder
	for chunk, err := range provider.Stream(ctx, llm.Request{
		System:    codeSystemPrompt,
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: stepPrompt(t, repo, branch, step, repoContext)}},
		MaxTokens: p.cfg.MaxTokens,
	}) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "generation failed")
			return "", err
		}
		out.WriteString(chunk)
	}

	tokens := estimateTokens(out.String())
	span.SetAttributes(attribute.Int("llm.tokens.estimated", tokens))
	p.usage.RecordUsage(ctx, Usage{
		OwnerID:  t.OwnerID,
		TaskID:   t.ID,
		Provider: provider.Name(),
		Model:    provider.Model(),
		Tokens:   tokens,
	})
	p.record(ctx, t.ID, task.LogAction, fmt.Sprintf("Step %d completed", step.StepNumber), map[string]any{"tokens": tokens})
	return out.String(), nil
}

// record appends an execution log entry. A failed write is reported but
// does not fail the run.
func (p *Pipeline) record(ctx context.Context, taskID string, level task.LogLevel, message string, metadata map[string]any) {
	if _, err := p.tasks.Log(ctx, taskID, level, message, metadata); err != nil {
		logging.Bind(ctx, p.logger).Warn("failed to append execution log",
			zap.String("message", message), zap.Error(err))
	}
}
