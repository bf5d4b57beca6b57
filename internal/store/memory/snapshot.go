package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/loopforge/internal/config"
	"github.com/fyrsmithlabs/loopforge/internal/llm"
	"github.com/fyrsmithlabs/loopforge/internal/task"
)

// Sink persists and restores store snapshots.
type Sink interface {
	Save(ctx context.Context, data []byte) error
	// Load returns ErrNoSnapshot when nothing was saved yet.
	Load(ctx context.Context) ([]byte, error)
}

// ErrNoSnapshot is returned by Sink.Load before the first save.
var ErrNoSnapshot = errors.New("no snapshot")

const snapshotVersion = 1

type snapshot struct {
	Version   int                             `json:"version"`
	Tasks     []*task.Task                    `json:"tasks"`
	Plans     []*task.ExecutionPlan           `json:"plans"`
	Logs      map[string][]*task.ExecutionLog `json:"logs"`
	LogSeq    map[string]int64                `json:"logSeq"`
	Commits   map[string][]*task.Commit       `json:"commits"`
	Events    map[string][]*task.StageEvent   `json:"events"`
	Chat      map[string][]*task.ChatMessage  `json:"chat"`
	Repos     []*task.Repository              `json:"repositories"`
	Providers []providerRecord                `json:"providers"`
}

// providerRecord keeps the key in clear; config.Secret would redact it.
type providerRecord struct {
	OwnerID   string `json:"ownerId"`
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	APIKey    string `json:"apiKey"`
	BaseURL   string `json:"baseUrl,omitempty"`
	IsDefault bool   `json:"isDefault"`
}

// Snapshot encodes the committed state.
func (s *Store) Snapshot() ([]byte, error) {
	st := s.read()
	snap := snapshot{
		Version: snapshotVersion,
		Logs:    st.logs,
		LogSeq:  st.logSeq,
		Commits: st.commits,
		Events:  st.events,
		Chat:    st.chat,
	}
	for _, t := range st.tasks {
		snap.Tasks = append(snap.Tasks, t)
	}
	for _, p := range st.plans {
		snap.Plans = append(snap.Plans, p)
	}
	for _, r := range st.repos {
		snap.Repos = append(snap.Repos, r)
	}
	for _, cfgs := range st.providers {
		for _, c := range cfgs {
			snap.Providers = append(snap.Providers, providerRecord{
				OwnerID:   c.OwnerID,
				Provider:  c.Provider,
				Model:     c.Model,
				APIKey:    c.APIKey.Value(),
				BaseURL:   c.BaseURL,
				IsDefault: c.IsDefault,
			})
		}
	}
	return json.Marshal(snap)
}

// Restore replaces the state with a decoded snapshot.
func (s *Store) Restore(data []byte) error {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decoding snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}

	st := newState()
	for _, t := range snap.Tasks {
		st.tasks[t.ID] = t
	}
	for _, p := range snap.Plans {
		st.plans[p.TaskID] = p
	}
	for _, r := range snap.Repos {
		st.repos[r.ID] = r
	}
	for _, p := range snap.Providers {
		st.providers[p.OwnerID] = append(st.providers[p.OwnerID], &llm.ProviderConfig{
			OwnerID:   p.OwnerID,
			Provider:  p.Provider,
			Model:     p.Model,
			APIKey:    config.Secret(p.APIKey),
			BaseURL:   p.BaseURL,
			IsDefault: p.IsDefault,
		})
	}
	copyInto(st.logs, snap.Logs)
	copyInto(st.logSeq, snap.LogSeq)
	copyInto(st.commits, snap.Commits)
	copyInto(st.events, snap.Events)
	copyInto(st.chat, snap.Chat)

	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	return nil
}

func copyInto[K comparable, V any](dst, src map[K]V) {
	for k, v := range src {
		dst[k] = v
	}
}

// Persister writes snapshots to a Sink whenever the store has changed.
type Persister struct {
	store    *Store
	sink     Sink
	interval time.Duration
	logger   *zap.Logger
	dirty    atomic.Bool
}

// NewPersister restores the store from sink and starts tracking commits.
// Call Run to flush periodically.
func NewPersister(ctx context.Context, store *Store, sink Sink, interval time.Duration, logger *zap.Logger) (*Persister, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}

	data, err := sink.Load(ctx)
	switch {
	case errors.Is(err, ErrNoSnapshot):
		logger.Info("no store snapshot found, starting empty")
	case err != nil:
		return nil, fmt.Errorf("loading snapshot: %w", err)
	default:
		if err := store.Restore(data); err != nil {
			return nil, err
		}
		logger.Info("store restored from snapshot", zap.Int("bytes", len(data)))
	}

	p := &Persister{store: store, sink: sink, interval: interval, logger: logger}
	store.mu.Lock()
	store.onCommit = func(*state) { p.dirty.Store(true) }
	store.mu.Unlock()
	return p, nil
}

// Run flushes every interval until ctx is done, then flushes once more.
func (p *Persister) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := p.Flush(flushCtx); err != nil {
				p.logger.Error("final snapshot flush failed", zap.Error(err))
			}
			cancel()
			return
		case <-ticker.C:
			if err := p.Flush(ctx); err != nil {
				p.logger.Error("snapshot flush failed", zap.Error(err))
			}
		}
	}
}

// Flush saves a snapshot if anything committed since the last one.
func (p *Persister) Flush(ctx context.Context) error {
	if !p.dirty.Swap(false) {
		return nil
	}
	data, err := p.store.Snapshot()
	if err != nil {
		p.dirty.Store(true)
		return err
	}
	if err := p.sink.Save(ctx, data); err != nil {
		p.dirty.Store(true)
		return err
	}
	return nil
}
