// Package memory implements task.Store in process memory.
//
// Transactions are copy-on-write: Update clones the top-level indexes, lets
// the callback write to the clone, and swaps it in only if the callback
// succeeds. Records are cloned on the way in and out, so nothing outside
// the store ever holds a pointer into its state.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/fyrsmithlabs/loopforge/internal/llm"
	"github.com/fyrsmithlabs/loopforge/internal/task"
)

// Store is an in-memory task.Store.
type Store struct {
	mu    sync.RWMutex
	state *state

	// onCommit, if set, observes each committed state.
	onCommit func(*state)
}

var _ task.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{state: newState()}
}

type state struct {
	tasks     map[string]*task.Task
	plans     map[string]*task.ExecutionPlan
	logs      map[string][]*task.ExecutionLog
	logSeq    map[string]int64
	commits   map[string][]*task.Commit
	events    map[string][]*task.StageEvent
	chat      map[string][]*task.ChatMessage
	repos     map[string]*task.Repository
	providers map[string][]*llm.ProviderConfig
}

func newState() *state {
	return &state{
		tasks:     make(map[string]*task.Task),
		plans:     make(map[string]*task.ExecutionPlan),
		logs:      make(map[string][]*task.ExecutionLog),
		logSeq:    make(map[string]int64),
		commits:   make(map[string][]*task.Commit),
		events:    make(map[string][]*task.StageEvent),
		chat:      make(map[string][]*task.ChatMessage),
		repos:     make(map[string]*task.Repository),
		providers: make(map[string][]*llm.ProviderConfig),
	}
}

// clone copies the indexes. Stored records are immutable once written, so
// they are shared; slices are clipped on append so a discarded transaction
// never writes into a committed backing array.
func (s *state) clone() *state {
	return &state{
		tasks:     cloneMap(s.tasks),
		plans:     cloneMap(s.plans),
		logs:      cloneMap(s.logs),
		logSeq:    cloneMap(s.logSeq),
		commits:   cloneMap(s.commits),
		events:    cloneMap(s.events),
		chat:      cloneMap(s.chat),
		repos:     cloneMap(s.repos),
		providers: cloneMap(s.providers),
	}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Update runs fn against a private copy of the state and commits it if fn
// returns nil. Updates are serialized.
func (s *Store) Update(ctx context.Context, fn func(tx task.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &txn{state: s.state.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	s.state = tx.state
	if s.onCommit != nil {
		s.onCommit(s.state)
	}
	return nil
}

func (s *Store) read() *state {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Committed states are never mutated, so reads work on a snapshot without
// holding the lock.

func (s *Store) GetTask(_ context.Context, id string) (*task.Task, error) {
	return s.read().getTask(id)
}

func (s *Store) ListTasks(_ context.Context, ownerID string, filter task.ListFilter) ([]*task.Task, error) {
	return s.read().listTasks(ownerID, filter), nil
}

func (s *Store) GetPlan(_ context.Context, taskID string) (*task.ExecutionPlan, error) {
	return s.read().getPlan(taskID)
}

func (s *Store) ListLogs(_ context.Context, taskID string, after int64, limit int) ([]*task.ExecutionLog, error) {
	return s.read().listLogs(taskID, after, limit), nil
}

func (s *Store) ListCommits(_ context.Context, taskID string) ([]*task.Commit, error) {
	return s.read().listCommits(taskID), nil
}

func (s *Store) ListStageEvents(_ context.Context, taskID string) ([]*task.StageEvent, error) {
	return s.read().listEvents(taskID), nil
}

func (s *Store) ListChatMessages(_ context.Context, taskID string, limit int) ([]*task.ChatMessage, error) {
	return s.read().listChat(taskID, limit), nil
}

func (s *Store) GetRepository(_ context.Context, id string) (*task.Repository, error) {
	return s.read().getRepo(id)
}

// DefaultProviderConfig returns the owner's default provider config.
func (s *Store) DefaultProviderConfig(_ context.Context, ownerID string) (*llm.ProviderConfig, error) {
	for _, c := range s.read().providers[ownerID] {
		if c.IsDefault {
			cp := *c
			return &cp, nil
		}
	}
	return nil, llm.ErrNoProvider
}

func (s *state) getTask(id string) (*task.Task, error) {
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, task.ErrNotFound)
	}
	return t.Clone(), nil
}

func (s *state) listTasks(ownerID string, filter task.ListFilter) []*task.Task {
	var out []*task.Task
	for _, t := range s.tasks {
		if ownerID != "" && t.OwnerID != ownerID {
			continue
		}
		if filter.RepositoryID != "" && t.RepositoryID != filter.RepositoryID {
			continue
		}
		if len(filter.Stages) > 0 && !slices.Contains(filter.Stages, t.Stage) {
			continue
		}
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (s *state) getPlan(taskID string) (*task.ExecutionPlan, error) {
	p, ok := s.plans[taskID]
	if !ok {
		return nil, fmt.Errorf("plan for task %s: %w", taskID, task.ErrNotFound)
	}
	return p.Clone(), nil
}

func (s *state) listLogs(taskID string, after int64, limit int) []*task.ExecutionLog {
	all := s.logs[taskID]
	i := sort.Search(len(all), func(i int) bool { return all[i].Sequence > after })
	var out []*task.ExecutionLog
	for ; i < len(all); i++ {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, cloneLog(all[i]))
	}
	return out
}

func (s *state) listCommits(taskID string) []*task.Commit {
	var out []*task.Commit
	for _, c := range s.commits[taskID] {
		cp := *c
		out = append(out, &cp)
	}
	return out
}

func (s *state) listEvents(taskID string) []*task.StageEvent {
	var out []*task.StageEvent
	for _, e := range s.events[taskID] {
		cp := *e
		out = append(out, &cp)
	}
	return out
}

func (s *state) listChat(taskID string, limit int) []*task.ChatMessage {
	all := s.chat[taskID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]*task.ChatMessage, 0, len(all))
	for _, m := range all {
		cp := *m
		out = append(out, &cp)
	}
	return out
}

func (s *state) getRepo(id string) (*task.Repository, error) {
	r, ok := s.repos[id]
	if !ok {
		return nil, fmt.Errorf("repository %s: %w", id, task.ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func cloneLog(l *task.ExecutionLog) *task.ExecutionLog {
	cp := *l
	if l.Metadata != nil {
		cp.Metadata = make(map[string]any, len(l.Metadata))
		for k, v := range l.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
