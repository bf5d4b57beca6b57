// Package queue schedules execution jobs on NATS JetStream.
//
// A job is a message on a work-queue stream plus a record in a KV bucket
// keyed by task id. The record is the job's identity: Enqueue refuses a
// second job for a task whose record still exists. Each repository's
// subject has its own pull consumer with one delivery outstanding, so a
// backlog on one repository never holds back another. Expiring leases in a
// second KV bucket keep the repository to one job across processes.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/loopforge/internal/config"
	"github.com/fyrsmithlabs/loopforge/internal/task"
)

// JetStream resource names.
const (
	StreamName    = "LOOPFORGE_EXECUTIONS"
	HistoryStream = "LOOPFORGE_HISTORY"
	JobsBucket    = "loopforge_jobs"
	LeaseBucket   = "loopforge_repo_leases"

	// ConsumerPrefix starts the name of every per-repository consumer.
	ConsumerPrefix = "loopforge-repo"
)

// Job states held in the job record.
const (
	StateWaiting = "waiting"
	StateActive  = "active"
)

// Handler runs one job. A returned error schedules a retry until the
// attempt budget is spent.
type Handler func(ctx context.Context, job task.ExecutionJob) error

// Record is the stored state of a queued job.
type Record struct {
	Job       task.ExecutionJob `json:"job"`
	State     string            `json:"state"`
	Attempts  int               `json:"attempts"`
	LastError string            `json:"lastError,omitempty"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// Counts summarizes the queue.
type Counts struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Queue is the JetStream-backed execution queue.
type Queue struct {
	js      jetstream.JetStream
	stream  jetstream.Stream
	history jetstream.Stream
	jobs    jetstream.KeyValue
	leases  jetstream.KeyValue
	cfg     config.QueueConfig
	prefix  string
	logger  *zap.Logger

	scanInterval time.Duration
	wake         chan struct{}
	now          func() time.Time
}

var _ task.Enqueuer = (*Queue)(nil)

// New creates or updates the queue's streams and buckets. prefix is the
// subject root, normally "loopforge".
func New(ctx context.Context, js jetstream.JetStream, cfg config.QueueConfig, prefix string, logger *zap.Logger) (*Queue, error) {
	if js == nil {
		return nil, errors.New("jetstream cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "loopforge"
	}
	q := &Queue{
		js:        js,
		cfg:       cfg,
		prefix:    prefix,
		logger:    logger,
		scanInterval: time.Second,
		wake:         make(chan struct{}, 1),
		now:          func() time.Time { return time.Now().UTC() },
	}

	var err error
	q.stream, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Execution jobs, one subject per repository",
		Subjects:    []string{prefix + ".executions.>"},
		Retention:   jetstream.WorkQueuePolicy,
		Duplicates:  2 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("queue: creating stream %s: %w", StreamName, err)
	}

	q.history, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:              HistoryStream,
		Description:       "Finished execution jobs",
		Subjects:          []string{prefix + ".history.>"},
		Retention:         jetstream.LimitsPolicy,
		MaxMsgsPerSubject: int64(max(cfg.HistoryCompleted, cfg.HistoryFailed)),
	})
	if err != nil {
		return nil, fmt.Errorf("queue: creating stream %s: %w", HistoryStream, err)
	}

	q.jobs, err = js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      JobsBucket,
		Description: "Active execution job per task",
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("queue: creating bucket %s: %w", JobsBucket, err)
	}

	q.leases, err = js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      LeaseBucket,
		Description: "Per-repository execution leases",
		History:     1,
		TTL:         cfg.LeaseTTL.Duration(),
	})
	if err != nil {
		return nil, fmt.Errorf("queue: creating bucket %s: %w", LeaseBucket, err)
	}
	return q, nil
}

// Enqueue schedules job. It reports false, without publishing, when a job
// for the task is already waiting or running.
func (q *Queue) Enqueue(ctx context.Context, job task.ExecutionJob) (bool, error) {
	ctx, span := tracer.Start(ctx, "queue.enqueue")
	defer span.End()

	if job.TaskID == "" {
		return false, errors.New("queue: job has no task id")
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = q.now()
	}
	rec, err := json.Marshal(Record{Job: job, State: StateWaiting, UpdatedAt: q.now()})
	if err != nil {
		return false, fmt.Errorf("queue: encoding record: %w", err)
	}
	rev, err := q.jobs.Create(ctx, job.TaskID, rec)
	if errors.Is(err, jetstream.ErrKeyExists) {
		q.logger.Debug("job already queued", zap.String("task_id", job.TaskID))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("queue: creating job record: %w", err)
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("queue: encoding job: %w", err)
	}
	// The record revision makes the message id unique per enqueue while
	// keeping a retried publish of the same enqueue deduplicated.
	msgID := fmt.Sprintf("%s:%d", job.TaskID, rev)
	if _, err := q.js.Publish(ctx, q.subject(job.RepositoryID), payload, jetstream.WithMsgID(msgID)); err != nil {
		if derr := q.jobs.Delete(context.WithoutCancel(ctx), job.TaskID, jetstream.LastRevision(rev)); derr != nil {
			q.logger.Warn("failed to roll back job record", zap.String("task_id", job.TaskID), zap.Error(derr))
		}
		return false, fmt.Errorf("queue: publishing job: %w", err)
	}

	select {
	case q.wake <- struct{}{}:
	default:
	}

	q.logger.Info("job enqueued",
		zap.String("task_id", job.TaskID),
		zap.String("repository_id", job.RepositoryID),
		zap.Int("steps", len(job.Steps)))
	return true, nil
}

// Exists reports whether a job for the task is waiting or running.
func (q *Queue) Exists(ctx context.Context, taskID string) (bool, error) {
	_, err := q.jobs.Get(ctx, taskID)
	if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("queue: reading job record: %w", err)
	}
	return true, nil
}

// Get returns the stored record of a task's job.
func (q *Queue) Get(ctx context.Context, taskID string) (*Record, error) {
	entry, err := q.jobs.Get(ctx, taskID)
	if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
		return nil, fmt.Errorf("%w: job for task %s", task.ErrNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("queue: reading job record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return nil, fmt.Errorf("queue: decoding job record: %w", err)
	}
	return &rec, nil
}

// Counts returns the number of waiting, active, completed and failed jobs.
// Completed and failed are bounded by the history limits.
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	var c Counts

	lister, err := q.jobs.ListKeys(ctx)
	if err != nil && !errors.Is(err, jetstream.ErrNoKeysFound) {
		return c, fmt.Errorf("queue: listing jobs: %w", err)
	}
	if lister != nil {
		for key := range lister.Keys() {
			rec, err := q.Get(ctx, key)
			if errors.Is(err, task.ErrNotFound) {
				continue
			}
			if err != nil {
				return c, err
			}
			switch rec.State {
			case StateActive:
				c.Active++
			default:
				c.Waiting++
			}
		}
	}

	info, err := q.history.Info(ctx, jetstream.WithSubjectFilter(q.prefix+".history.>"))
	if err != nil {
		return c, fmt.Errorf("queue: reading history: %w", err)
	}
	c.Completed = int(info.State.Subjects[q.historySubject(resultCompleted)])
	c.Failed = int(info.State.Subjects[q.historySubject(resultFailed)])

	recordDepth(c)
	return c, nil
}

func (q *Queue) subject(repoID string) string {
	return q.prefix + ".executions." + token(repoID)
}

func (q *Queue) historySubject(result string) string {
	return q.prefix + ".history." + result
}

// token maps an id onto a single subject token.
func token(id string) string {
	if id == "" {
		return "_none"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, id)
}
