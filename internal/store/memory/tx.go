package memory

import (
	"context"
	"fmt"
	"slices"

	"github.com/fyrsmithlabs/loopforge/internal/llm"
	"github.com/fyrsmithlabs/loopforge/internal/task"
)

type txn struct {
	state *state
}

var _ task.Tx = (*txn)(nil)

func (tx *txn) GetTask(_ context.Context, id string) (*task.Task, error) {
	return tx.state.getTask(id)
}

func (tx *txn) ListTasks(_ context.Context, ownerID string, filter task.ListFilter) ([]*task.Task, error) {
	return tx.state.listTasks(ownerID, filter), nil
}

func (tx *txn) GetPlan(_ context.Context, taskID string) (*task.ExecutionPlan, error) {
	return tx.state.getPlan(taskID)
}

func (tx *txn) ListLogs(_ context.Context, taskID string, after int64, limit int) ([]*task.ExecutionLog, error) {
	return tx.state.listLogs(taskID, after, limit), nil
}

func (tx *txn) ListCommits(_ context.Context, taskID string) ([]*task.Commit, error) {
	return tx.state.listCommits(taskID), nil
}

func (tx *txn) ListStageEvents(_ context.Context, taskID string) ([]*task.StageEvent, error) {
	return tx.state.listEvents(taskID), nil
}

func (tx *txn) ListChatMessages(_ context.Context, taskID string, limit int) ([]*task.ChatMessage, error) {
	return tx.state.listChat(taskID, limit), nil
}

func (tx *txn) GetRepository(_ context.Context, id string) (*task.Repository, error) {
	return tx.state.getRepo(id)
}

func (tx *txn) CreateTask(_ context.Context, t *task.Task) error {
	if t.ID == "" {
		return fmt.Errorf("%w: task id is required", task.ErrValidation)
	}
	if _, ok := tx.state.tasks[t.ID]; ok {
		return fmt.Errorf("task %s: %w", t.ID, task.ErrConflict)
	}
	t.Version = 1
	tx.state.tasks[t.ID] = t.Clone()
	return nil
}

func (tx *txn) UpdateTask(_ context.Context, t *task.Task) error {
	cur, ok := tx.state.tasks[t.ID]
	if !ok {
		return fmt.Errorf("task %s: %w", t.ID, task.ErrNotFound)
	}
	if cur.Version != t.Version {
		return fmt.Errorf("task %s at version %d, have %d: %w", t.ID, cur.Version, t.Version, task.ErrConflict)
	}
	t.Version++
	tx.state.tasks[t.ID] = t.Clone()
	return nil
}

func (tx *txn) DeleteTask(_ context.Context, id string) error {
	if _, ok := tx.state.tasks[id]; !ok {
		return fmt.Errorf("task %s: %w", id, task.ErrNotFound)
	}
	delete(tx.state.tasks, id)
	delete(tx.state.plans, id)
	delete(tx.state.logs, id)
	delete(tx.state.logSeq, id)
	delete(tx.state.commits, id)
	delete(tx.state.events, id)
	delete(tx.state.chat, id)
	return nil
}

func (tx *txn) PutPlan(_ context.Context, p *task.ExecutionPlan) error {
	if _, ok := tx.state.tasks[p.TaskID]; !ok {
		return fmt.Errorf("task %s: %w", p.TaskID, task.ErrNotFound)
	}
	tx.state.plans[p.TaskID] = p.Clone()
	return nil
}

func (tx *txn) DeletePlan(_ context.Context, taskID string) error {
	if _, ok := tx.state.plans[taskID]; !ok {
		return fmt.Errorf("plan for task %s: %w", taskID, task.ErrNotFound)
	}
	delete(tx.state.plans, taskID)
	return nil
}

func (tx *txn) AppendLog(_ context.Context, l *task.ExecutionLog) error {
	if _, ok := tx.state.tasks[l.TaskID]; !ok {
		return fmt.Errorf("task %s: %w", l.TaskID, task.ErrNotFound)
	}
	seq := tx.state.logSeq[l.TaskID] + 1
	tx.state.logSeq[l.TaskID] = seq
	l.Sequence = seq
	tx.state.logs[l.TaskID] = append(slices.Clip(tx.state.logs[l.TaskID]), cloneLog(l))
	return nil
}

// DeleteLogs drops the entries but keeps the sequence counter, so a tail
// that resumes after a reset never sees a sequence twice.
func (tx *txn) DeleteLogs(_ context.Context, taskID string) error {
	delete(tx.state.logs, taskID)
	return nil
}

func (tx *txn) AddCommit(_ context.Context, c *task.Commit) error {
	if _, ok := tx.state.tasks[c.TaskID]; !ok {
		return fmt.Errorf("task %s: %w", c.TaskID, task.ErrNotFound)
	}
	cp := *c
	tx.state.commits[c.TaskID] = append(slices.Clip(tx.state.commits[c.TaskID]), &cp)
	return nil
}

func (tx *txn) DeleteCommits(_ context.Context, taskID string) error {
	delete(tx.state.commits, taskID)
	return nil
}

func (tx *txn) AppendStageEvent(_ context.Context, e *task.StageEvent) error {
	cp := *e
	tx.state.events[e.TaskID] = append(slices.Clip(tx.state.events[e.TaskID]), &cp)
	return nil
}

func (tx *txn) AppendChatMessage(_ context.Context, m *task.ChatMessage) error {
	if _, ok := tx.state.tasks[m.TaskID]; !ok {
		return fmt.Errorf("task %s: %w", m.TaskID, task.ErrNotFound)
	}
	cp := *m
	tx.state.chat[m.TaskID] = append(slices.Clip(tx.state.chat[m.TaskID]), &cp)
	return nil
}

func (tx *txn) PutRepository(_ context.Context, r *task.Repository) error {
	if r.ID == "" || r.Owner == "" || r.Name == "" {
		return fmt.Errorf("%w: repository id, owner and name are required", task.ErrValidation)
	}
	cp := *r
	tx.state.repos[r.ID] = &cp
	return nil
}

// PutProviderConfig stores c, replacing any config for the same provider.
// A default config clears the owner's other defaults.
func (tx *txn) PutProviderConfig(_ context.Context, c *llm.ProviderConfig) error {
	if c.OwnerID == "" || c.Provider == "" {
		return fmt.Errorf("%w: provider config owner and provider are required", task.ErrValidation)
	}
	var out []*llm.ProviderConfig
	for _, existing := range tx.state.providers[c.OwnerID] {
		if existing.Provider == c.Provider {
			continue
		}
		if c.IsDefault && existing.IsDefault {
			cp := *existing
			cp.IsDefault = false
			existing = &cp
		}
		out = append(out, existing)
	}
	cp := *c
	tx.state.providers[c.OwnerID] = append(out, &cp)
	return nil
}
