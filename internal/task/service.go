package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/loopforge/internal/logging"
	"github.com/fyrsmithlabs/loopforge/internal/stage"
)

// Dependencies are the collaborators a Service drives after a transition
// commits. Notifier and Queue may be nil.
type Dependencies struct {
	Plans     PlanGenerator
	Notifier  Notifier
	Queue     Enqueuer
	// Providers is invalidated when an owner's provider config changes.
	Providers ProviderCache
}

// Service applies task operations. Operations on one task are serialized
// in-process; writes from other processes are caught by the version check.
type Service struct {
	store     Store
	plans     PlanGenerator
	notifier  Notifier
	queue     Enqueuer
	providers ProviderCache
	logger    *zap.Logger
	locks     *keyedMutex

	now          func() time.Time
	tailInterval time.Duration
	tailBatch    int
}

// NewService creates a task service.
func NewService(store Store, deps Dependencies, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if deps.Plans == nil {
		return nil, errors.New("plan generator cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Service{
		store:        store,
		plans:        deps.Plans,
		notifier:     notifier,
		queue:        deps.Queue,
		providers:    deps.Providers,
		logger:       logger,
		locks:        newKeyedMutex(),
		now:          func() time.Time { return time.Now().UTC() },
		tailInterval: 500 * time.Millisecond,
		tailBatch:    50,
	}, nil
}

// SetQueue attaches the execution queue after construction.
func (s *Service) SetQueue(q Enqueuer) {
	s.queue = q
}

// CreateInput holds the fields of a new task.
type CreateInput struct {
	Title          string `json:"title"`
	Description    string `json:"description"`
	RepositoryID   string `json:"repositoryId,omitempty"`
	AutonomousMode bool   `json:"autonomousMode"`
}

// UpdateInput holds optional field edits. Nil fields are left alone.
type UpdateInput struct {
	Title          *string `json:"title,omitempty"`
	Description    *string `json:"description,omitempty"`
	RepositoryID   *string `json:"repositoryId,omitempty"`
	AutonomousMode *bool   `json:"autonomousMode,omitempty"`
}

// TransitionRequest asks for a move to Stage. Feedback is stored on a
// rejected plan; ResetData wipes execution artifacts on a backward move.
type TransitionRequest struct {
	Stage     stage.Stage `json:"stage"`
	Feedback  string      `json:"feedback,omitempty"`
	ResetData bool        `json:"resetData,omitempty"`
}

// log carries the request, owner, task and job ids found on ctx.
func (s *Service) log(ctx context.Context) *zap.Logger {
	return logging.Bind(ctx, s.logger)
}

// CreateTask creates a task in TODO.
func (s *Service) CreateTask(ctx context.Context, ownerID string, in CreateInput) (*Task, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrValidation)
	}
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrValidation)
	}
	if in.RepositoryID != "" {
		if err := s.checkRepository(ctx, ownerID, in.RepositoryID); err != nil {
			return nil, err
		}
	}

	now := s.now()
	t := &Task{
		ID:             uuid.NewString(),
		OwnerID:        ownerID,
		RepositoryID:   in.RepositoryID,
		Title:          title,
		Description:    strings.TrimSpace(in.Description),
		Stage:          stage.Todo,
		AutonomousMode: in.AutonomousMode,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := s.store.Update(ctx, func(tx Tx) error {
		return tx.CreateTask(ctx, t)
	})
	if err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	}

	s.log(ctx).Info("task created", zap.String("task_id", t.ID), zap.String("owner_id", ownerID))
	s.notifier.Publish(ctx, Event{Type: EventTaskCreated, OwnerID: ownerID, TaskID: t.ID, Task: t.Clone(), At: now})
	return t.Clone(), nil
}

// UpdateTask edits a task's fields. It never changes the stage.
func (s *Service) UpdateTask(ctx context.Context, ownerID, taskID string, in UpdateInput) (*Task, error) {
	unlock := s.locks.Lock(taskID)
	defer unlock()

	t, err := s.loadOwned(ctx, ownerID, taskID)
	if err != nil {
		return nil, err
	}

	if in.Title != nil {
		title := strings.TrimSpace(*in.Title)
		if title == "" {
			return nil, fmt.Errorf("%w: title cannot be empty", ErrValidation)
		}
		t.Title = title
	}
	if in.Description != nil {
		t.Description = strings.TrimSpace(*in.Description)
	}
	if in.RepositoryID != nil {
		if *in.RepositoryID != "" {
			if err := s.checkRepository(ctx, ownerID, *in.RepositoryID); err != nil {
				return nil, err
			}
		}
		t.RepositoryID = *in.RepositoryID
	}
	if in.AutonomousMode != nil {
		t.AutonomousMode = *in.AutonomousMode
	}
	t.UpdatedAt = s.now()

	if err := s.store.Update(ctx, func(tx Tx) error { return tx.UpdateTask(ctx, t) }); err != nil {
		return nil, fmt.Errorf("updating task: %w", err)
	}
	s.notifier.Publish(ctx, Event{Type: EventTaskUpdated, OwnerID: ownerID, TaskID: t.ID, Task: t.Clone(), At: t.UpdatedAt})
	return t.Clone(), nil
}

// DeleteTask removes a task and everything it owns.
func (s *Service) DeleteTask(ctx context.Context, ownerID, taskID string) error {
	unlock := s.locks.Lock(taskID)
	defer unlock()

	if _, err := s.loadOwned(ctx, ownerID, taskID); err != nil {
		return err
	}
	if err := s.store.Update(ctx, func(tx Tx) error { return tx.DeleteTask(ctx, taskID) }); err != nil {
		return fmt.Errorf("deleting task: %w", err)
	}

	s.log(ctx).Info("task deleted", zap.String("task_id", taskID))
	s.notifier.Publish(ctx, Event{Type: EventTaskDeleted, OwnerID: ownerID, TaskID: taskID, At: s.now()})
	return nil
}

// GetTask returns one of the owner's tasks.
func (s *Service) GetTask(ctx context.Context, ownerID, taskID string) (*Task, error) {
	return s.loadOwned(ctx, ownerID, taskID)
}

// ListTasks returns the owner's tasks, newest first.
func (s *Service) ListTasks(ctx context.Context, ownerID string, filter ListFilter) ([]*Task, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrValidation)
	}
	return s.store.ListTasks(ctx, ownerID, filter)
}

// GetPlan returns the task's execution plan.
func (s *Service) GetPlan(ctx context.Context, ownerID, taskID string) (*ExecutionPlan, error) {
	if _, err := s.loadOwned(ctx, ownerID, taskID); err != nil {
		return nil, err
	}
	return s.store.GetPlan(ctx, taskID)
}

// Logs returns execution log entries after the given sequence.
func (s *Service) Logs(ctx context.Context, ownerID, taskID string, after int64, limit int) ([]*ExecutionLog, error) {
	if _, err := s.loadOwned(ctx, ownerID, taskID); err != nil {
		return nil, err
	}
	return s.store.ListLogs(ctx, taskID, after, limit)
}

// TransitionStage moves a task to req.Stage on behalf of its owner.
func (s *Service) TransitionStage(ctx context.Context, ownerID, taskID string, req TransitionRequest) (*Task, error) {
	unlock := s.locks.Lock(taskID)
	defer unlock()

	t, err := s.loadOwned(ctx, ownerID, taskID)
	if err != nil {
		return nil, err
	}
	plan, err := s.optionalPlan(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return s.transitionLocked(ctx, t, plan, req, nil)
}

// ApprovePlan approves the task's plan and moves it to READY. A task with
// no plan gets one generated first.
func (s *Service) ApprovePlan(ctx context.Context, ownerID, taskID string) (*Task, error) {
	unlock := s.locks.Lock(taskID)
	defer unlock()

	t, err := s.loadOwned(ctx, ownerID, taskID)
	if err != nil {
		return nil, err
	}
	if t.Stage != stage.Planning {
		return nil, fmt.Errorf("%w: plans are approved in %s, task is in %s", ErrInvalidTransition, stage.Planning, t.Stage)
	}
	plan, err := s.optionalPlan(ctx, taskID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	approved := plan.Clone()
	if approved == nil {
		steps, err := s.generatePlan(ctx, taskID)
		if err != nil {
			return nil, err
		}
		approved = &ExecutionPlan{TaskID: taskID, Steps: steps, CreatedAt: now}
	}
	approved.Status = PlanApproved
	approved.Feedback = ""
	approved.ApprovedAt = &now
	approved.UpdatedAt = now

	return s.transitionLocked(ctx, t, approved, TransitionRequest{Stage: stage.Ready}, func(tx Tx) error {
		return tx.PutPlan(ctx, approved)
	})
}

// RejectPlan rejects the task's plan with feedback and returns it to
// BRAINSTORMING. The feedback is added to the conversation.
func (s *Service) RejectPlan(ctx context.Context, ownerID, taskID, feedback string) (*Task, error) {
	feedback = strings.TrimSpace(feedback)
	if feedback == "" {
		return nil, fmt.Errorf("%w: feedback is required", ErrValidation)
	}

	unlock := s.locks.Lock(taskID)
	defer unlock()

	t, err := s.loadOwned(ctx, ownerID, taskID)
	if err != nil {
		return nil, err
	}
	if t.Stage != stage.Planning {
		return nil, fmt.Errorf("%w: plans are rejected in %s, task is in %s", ErrInvalidTransition, stage.Planning, t.Stage)
	}
	plan, err := s.optionalPlan(ctx, taskID)
	if err != nil {
		return nil, err
	}

	req := TransitionRequest{Stage: stage.Brainstorming, Feedback: feedback}
	return s.transitionLocked(ctx, t, plan, req, func(tx Tx) error {
		return tx.AppendChatMessage(ctx, &ChatMessage{
			TaskID:    taskID,
			Role:      RoleUser,
			Content:   "[Plan Rejected] " + feedback,
			CreatedAt: s.now(),
		})
	})
}

// transitionLocked validates and applies a user move. extra runs inside the
// transaction before the stage write. The caller holds the task lock.
func (s *Service) transitionLocked(ctx context.Context, t *Task, plan *ExecutionPlan, req TransitionRequest, extra func(Tx) error) (*Task, error) {
	move, err := stage.Check(t.Stage, req.Stage, stage.Gate{PlanApproved: plan.Approved()})
	if err != nil {
		rejectionCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("from", t.Stage.String()),
			attribute.String("to", req.Stage.String()),
		))
		return nil, err
	}
	return s.apply(ctx, t, plan, move, req, extra)
}

func (s *Service) apply(ctx context.Context, t *Task, plan *ExecutionPlan, move stage.Move, req TransitionRequest, extra func(Tx) error) (*Task, error) {
	ctx, span := tracer.Start(ctx, "task.transition")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", t.ID),
		attribute.String("stage.from", move.From.String()),
		attribute.String("stage.to", move.To.String()),
		attribute.Bool("stage.backward", move.Backward),
	)

	reset := move.Backward && req.ResetData

	var newSteps []PlanStep
	if move.To == stage.Planning && (plan == nil || plan.Status == PlanRejected) {
		steps, err := s.generatePlan(ctx, t.ID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "plan generation failed")
			return nil, err
		}
		newSteps = steps
	}

	now := s.now()
	var updated *Task
	var savedPlan *ExecutionPlan
	err := s.store.Update(ctx, func(tx Tx) error {
		cur, err := tx.GetTask(ctx, t.ID)
		if err != nil {
			return err
		}
		if cur.Version != t.Version {
			return fmt.Errorf("%w: task %s changed since it was read", ErrConflict, t.ID)
		}

		switch {
		case reset:
			if err := tx.DeletePlan(ctx, t.ID); err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			if err := tx.DeleteLogs(ctx, t.ID); err != nil {
				return err
			}
			if err := tx.DeleteCommits(ctx, t.ID); err != nil {
				return err
			}
			cur.FeatureBranch = ""
			cur.PRURL = ""
			cur.PRNumber = 0
		case move.From == stage.Planning && move.To == stage.Brainstorming && plan != nil:
			rejected := plan.Clone()
			rejected.Status = PlanRejected
			rejected.Feedback = req.Feedback
			rejected.ApprovedAt = nil
			rejected.UpdatedAt = now
			if err := tx.PutPlan(ctx, rejected); err != nil {
				return err
			}
		}

		if extra != nil {
			if err := extra(tx); err != nil {
				return err
			}
		}

		if newSteps != nil {
			p := &ExecutionPlan{
				TaskID:    t.ID,
				Steps:     newSteps,
				Status:    PlanPendingReview,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if plan != nil {
				p.CreatedAt = plan.CreatedAt
			}
			if err := tx.PutPlan(ctx, p); err != nil {
				return err
			}
			savedPlan = p
		}

		cur.Stage = move.To
		cur.UpdatedAt = now
		if err := tx.UpdateTask(ctx, cur); err != nil {
			return err
		}
		if err := tx.AppendStageEvent(ctx, &StageEvent{TaskID: t.ID, From: move.From, To: move.To, At: now}); err != nil {
			return err
		}
		updated = cur
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transition failed")
		return nil, fmt.Errorf("transition %s -> %s: %w", move.From, move.To, err)
	}
	if savedPlan != nil {
		plan = savedPlan
	}

	transitionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", move.From.String()),
		attribute.String("to", move.To.String()),
	))
	s.log(ctx).Info("task stage changed",
		zap.String("task_id", t.ID),
		zap.Stringer("from", move.From),
		zap.Stringer("to", move.To),
		zap.Bool("reset", reset),
	)

	from, to := move.From, move.To
	s.notifier.Publish(ctx, Event{Type: EventStageChanged, OwnerID: updated.OwnerID, TaskID: t.ID, From: &from, To: &to, At: now})
	s.notifier.Publish(ctx, Event{Type: EventTaskUpdated, OwnerID: updated.OwnerID, TaskID: t.ID, Task: updated.Clone(), At: now})

	if move.To == stage.Ready {
		s.enqueue(ctx, updated, plan)
	}
	return updated.Clone(), nil
}

// enqueue schedules execution of an approved plan. Failures are logged;
// the recovery sweep re-enqueues READY tasks without a job.
func (s *Service) enqueue(ctx context.Context, t *Task, plan *ExecutionPlan) {
	if t.RepositoryID == "" || !plan.Approved() {
		return
	}
	if s.queue == nil {
		s.log(ctx).Warn("no execution queue configured, task left in READY", zap.String("task_id", t.ID))
		return
	}
	added, err := s.queue.Enqueue(ctx, NewExecutionJob(t, plan, s.now()))
	if err != nil {
		s.log(ctx).Error("failed to enqueue execution", zap.String("task_id", t.ID), zap.Error(err))
		return
	}
	if !added {
		s.log(ctx).Info("execution already queued", zap.String("task_id", t.ID))
	}
}

func (s *Service) generatePlan(ctx context.Context, taskID string) ([]PlanStep, error) {
	start := time.Now()
	steps, err := s.plans.Generate(ctx, taskID)
	planGenerationTime.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("generating plan: %w", err)
	}
	return steps, nil
}

// loadOwned loads a task, hiding tasks of other owners.
func (s *Service) loadOwned(ctx context.Context, ownerID, taskID string) (*Task, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.OwnerID != ownerID {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return t, nil
}

func (s *Service) optionalPlan(ctx context.Context, taskID string) (*ExecutionPlan, error) {
	plan, err := s.store.GetPlan(ctx, taskID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return plan, err
}

func (s *Service) checkRepository(ctx context.Context, ownerID, repoID string) error {
	repo, err := s.store.GetRepository(ctx, repoID)
	if errors.Is(err, ErrNotFound) || (err == nil && repo.OwnerID != ownerID) {
		return fmt.Errorf("%w: unknown repository %s", ErrValidation, repoID)
	}
	return err
}
