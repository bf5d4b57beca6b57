package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/loopforge/internal/logging"
	"github.com/fyrsmithlabs/loopforge/internal/task"
)

// consumerIdle is how long an unused per-repository consumer survives.
const consumerIdle = time.Hour

// Run consumes jobs with cfg.Concurrency workers until ctx is canceled.
//
// A dispatcher scans the stream for repository subjects holding jobs and
// drains each one through its own consumer. A repository has at most one
// delivery outstanding, so its backlog occupies one worker slot at most.
func (q *Queue) Run(ctx context.Context, handler Handler) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}
	workers := max(q.cfg.Concurrency, 1)
	d := &dispatcher{
		q:         q,
		handler:   handler,
		slots:     make(chan struct{}, workers),
		draining:  make(map[string]bool),
		consumers: make(map[string]jetstream.Consumer),
	}

	q.logger.Info("queue workers started",
		zap.String("stream", StreamName),
		zap.Int("workers", workers))

	ticker := time.NewTicker(q.scanInterval)
	defer ticker.Stop()
	for {
		d.scan(ctx)
		select {
		case <-ctx.Done():
			d.wg.Wait()
			q.logger.Info("queue workers stopped")
			return nil
		case <-ticker.C:
		case <-q.wake:
		}
	}
}

type dispatcher struct {
	q       *Queue
	handler Handler
	slots   chan struct{}
	wg      sync.WaitGroup

	mu        sync.Mutex
	draining  map[string]bool
	consumers map[string]jetstream.Consumer
}

// scan starts a drain for every repository subject with stored jobs that is
// not already being drained.
func (d *dispatcher) scan(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	info, err := d.q.stream.Info(ctx, jetstream.WithSubjectFilter(d.q.prefix+".executions.>"))
	if err != nil {
		d.q.logger.Debug("stream scan failed", zap.Error(err))
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for subject, n := range info.State.Subjects {
		if n == 0 || d.draining[subject] {
			continue
		}
		d.draining[subject] = true
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer d.done(subject)
			d.drain(ctx, subject)
		}()
	}
}

func (d *dispatcher) done(subject string) {
	d.mu.Lock()
	delete(d.draining, subject)
	d.mu.Unlock()
}

// drain handles the subject's deliverable jobs one at a time and returns
// when none is deliverable. Jobs held back by a retry delay are picked up
// by a later scan.
func (d *dispatcher) drain(ctx context.Context, subject string) {
	log := d.q.logger.With(zap.String("subject", subject))
	consumer, err := d.consumer(ctx, subject)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("failed to open repository consumer", zap.Error(err))
		}
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case d.slots <- struct{}{}:
		}

		handled := false
		batch, err := consumer.FetchNoWait(1)
		if err != nil {
			// The consumer may have been removed while idle; reopen it next time.
			log.Debug("fetch failed", zap.Error(err))
			d.forget(subject)
		} else {
			for msg := range batch.Messages() {
				handled = true
				d.q.handle(ctx, msg, d.handler, log)
			}
			// Another process holding the subject's delivery shows up here too.
			if err := batch.Error(); err != nil && !errors.Is(err, jetstream.ErrNoMessages) {
				log.Debug("message fetch error", zap.Error(err))
			}
		}
		<-d.slots

		if !handled || ctx.Err() != nil {
			return
		}
	}
}

// consumer returns the subject's durable consumer, creating it on first use.
func (d *dispatcher) consumer(ctx context.Context, subject string) (jetstream.Consumer, error) {
	d.mu.Lock()
	c, ok := d.consumers[subject]
	d.mu.Unlock()
	if ok {
		return c, nil
	}

	// Attempts are counted in the job record, not by redelivery, so a
	// lease-busy deferral never consumes one.
	c, err := d.q.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:           consumerName(d.q.prefix, subject),
		FilterSubject:     subject,
		AckPolicy:         jetstream.AckExplicitPolicy,
		AckWait:           d.q.ackWait(),
		MaxDeliver:        -1,
		MaxAckPending:     1,
		InactiveThreshold: consumerIdle,
	})
	if err != nil {
		return nil, fmt.Errorf("queue: creating consumer for %s: %w", subject, err)
	}
	d.mu.Lock()
	d.consumers[subject] = c
	d.mu.Unlock()
	return c, nil
}

func (d *dispatcher) forget(subject string) {
	d.mu.Lock()
	delete(d.consumers, subject)
	d.mu.Unlock()
}

// consumerName derives a durable name from a repository subject.
func consumerName(prefix, subject string) string {
	repo := strings.TrimPrefix(subject, prefix+".executions.")
	return ConsumerPrefix + "-" + strings.NewReplacer("/", "_", "\\", "_").Replace(repo)
}

// handle processes one delivery. Every path settles the message.
func (q *Queue) handle(ctx context.Context, msg jetstream.Msg, handler Handler, log *zap.Logger) {
	var job task.ExecutionJob
	if err := json.Unmarshal(msg.Data(), &job); err != nil {
		log.Error("dropping undecodable job", zap.Error(err))
		q.settle(log, "term", msg.Term())
		return
	}
	ctx = logging.WithJobID(logging.WithTaskID(ctx, job.TaskID), jobID(msg, job))
	log = logging.Bind(ctx, log).With(zap.String("repository_id", job.RepositoryID))

	// Settlement and bookkeeping must survive shutdown.
	bg := context.WithoutCancel(ctx)

	rec, err := q.Get(bg, job.TaskID)
	if errors.Is(err, task.ErrNotFound) {
		log.Warn("job record missing, dropping delivery")
		q.settle(log, "ack", msg.Ack())
		return
	}
	if err != nil {
		log.Error("failed to read job record", zap.Error(err))
		q.settle(log, "nak", msg.NakWithDelay(q.cfg.LeaseRetry.Duration()))
		return
	}

	l, err := q.acquire(bg, job.RepositoryID)
	if err != nil {
		if !errors.Is(err, errLeaseBusy) {
			log.Warn("failed to acquire repository lease", zap.Error(err))
		}
		log.Debug("repository busy, deferring job")
		recordResult(bg, resultDeferred, 0)
		q.settle(log, "nak", msg.NakWithDelay(q.cfg.LeaseRetry.Duration()))
		return
	}
	defer l.release(bg, log)

	rec.State = StateActive
	rec.Attempts++
	q.putRecord(bg, rec, log)

	runCtx, span := tracer.Start(ctx, "queue.job")
	span.SetAttributes(
		attribute.String("task.id", job.TaskID),
		attribute.Int("job.attempt", rec.Attempts),
	)

	start := time.Now()
	stop := q.heartbeat(runCtx, msg, l, log)
	err = handler(runCtx, job)
	stop()
	span.End()
	elapsed := time.Since(start).Seconds()

	switch {
	case err == nil:
		q.settle(log, "ack", msg.Ack())
		q.finish(bg, rec, resultCompleted, log)
		recordResult(bg, resultCompleted, elapsed)
		log.Info("job completed", zap.Int("attempt", rec.Attempts))

	case ctx.Err() != nil:
		// Shutdown interrupted the run; give the attempt back.
		rec.State = StateWaiting
		rec.Attempts--
		q.putRecord(bg, rec, log)
		q.settle(log, "nak", msg.Nak())
		log.Info("job interrupted by shutdown")

	case rec.Attempts < q.cfg.MaxAttempts:
		rec.State = StateWaiting
		rec.LastError = err.Error()
		q.putRecord(bg, rec, log)
		delay := q.backoff(rec.Attempts)
		q.settle(log, "nak", msg.NakWithDelay(delay))
		recordResult(bg, resultRetried, elapsed)
		log.Warn("job failed, retrying",
			zap.Int("attempt", rec.Attempts),
			zap.Duration("delay", delay),
			zap.Error(err))

	default:
		rec.LastError = err.Error()
		q.settle(log, "term", msg.Term())
		q.finish(bg, rec, resultFailed, log)
		recordResult(bg, resultFailed, elapsed)
		log.Error("job failed permanently", zap.Int("attempts", rec.Attempts), zap.Error(err))
	}
}

// jobID is the message id Enqueue published the job under.
func jobID(msg jetstream.Msg, job task.ExecutionJob) string {
	if id := msg.Headers().Get(jetstream.MsgIDHeader); id != "" {
		return id
	}
	return job.TaskID
}

// backoff returns InitialBackoff·2^(attempt-1).
func (q *Queue) backoff(attempt int) time.Duration {
	base := q.cfg.InitialBackoff.Duration()
	if attempt < 1 {
		return base
	}
	return base << (attempt - 1)
}

func (q *Queue) ackWait() time.Duration {
	if d := q.cfg.AckWait.Duration(); d > 0 {
		return d
	}
	return 2 * time.Minute
}

// heartbeat keeps the delivery and the lease alive while the handler runs.
func (q *Queue) heartbeat(ctx context.Context, msg jetstream.Msg, l *lease, log *zap.Logger) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(q.ackWait() / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := msg.InProgress(); err != nil {
					log.Warn("failed to extend delivery", zap.Error(err))
				}
				l.refresh(ctx, log)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (q *Queue) putRecord(ctx context.Context, rec *Record, log *zap.Logger) {
	rec.UpdatedAt = q.now()
	data, err := json.Marshal(rec)
	if err != nil {
		log.Error("failed to encode job record", zap.Error(err))
		return
	}
	if _, err := q.jobs.Put(ctx, rec.Job.TaskID, data); err != nil {
		log.Warn("failed to update job record", zap.Error(err))
	}
}

// historyEntry is published to the history stream when a job finishes.
type historyEntry struct {
	TaskID       string    `json:"taskId"`
	RepositoryID string    `json:"repositoryId"`
	Attempts     int       `json:"attempts"`
	Error        string    `json:"error,omitempty"`
	FinishedAt   time.Time `json:"finishedAt"`
}

// finish records history and removes the job record so the task can be
// enqueued again.
func (q *Queue) finish(ctx context.Context, rec *Record, result string, log *zap.Logger) {
	entry, err := json.Marshal(historyEntry{
		TaskID:       rec.Job.TaskID,
		RepositoryID: rec.Job.RepositoryID,
		Attempts:     rec.Attempts,
		Error:        rec.LastError,
		FinishedAt:   q.now(),
	})
	if err == nil {
		_, err = q.js.Publish(ctx, q.historySubject(result), entry)
	}
	if err != nil {
		log.Warn("failed to record job history", zap.String("result", result), zap.Error(err))
	}
	if result == resultFailed && q.cfg.HistoryFailed > 0 {
		err := q.history.Purge(ctx,
			jetstream.WithPurgeSubject(q.historySubject(resultFailed)),
			jetstream.WithPurgeKeep(uint64(q.cfg.HistoryFailed)))
		if err != nil {
			log.Warn("failed to trim failed history", zap.Error(err))
		}
	}

	if err := q.jobs.Delete(ctx, rec.Job.TaskID); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		log.Error("failed to delete job record", zap.Error(err))
	}
}

func (q *Queue) settle(log *zap.Logger, op string, err error) {
	if err != nil {
		log.Warn("failed to settle message", zap.String("op", op), zap.Error(err))
	}
}

var errLeaseBusy = errors.New("repository lease held")

// lease is a held repository lease. The revision guards refresh and release
// against deleting a lease that expired and was taken by another worker.
type lease struct {
	kv    jetstream.KeyValue
	key   string
	token []byte

	mu  sync.Mutex
	rev uint64
}

func (q *Queue) acquire(ctx context.Context, repoID string) (*lease, error) {
	key := token(repoID)
	tok := []byte(uuid.NewString())
	rev, err := q.leases.Create(ctx, key, tok)
	if errors.Is(err, jetstream.ErrKeyExists) {
		return nil, errLeaseBusy
	}
	if err != nil {
		return nil, err
	}
	return &lease{kv: q.leases, key: key, token: tok, rev: rev}, nil
}

func (l *lease) refresh(ctx context.Context, log *zap.Logger) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rev, err := l.kv.Update(ctx, l.key, l.token, l.rev)
	if err != nil {
		log.Warn("failed to refresh repository lease", zap.Error(err))
		return
	}
	l.rev = rev
}

func (l *lease) release(ctx context.Context, log *zap.Logger) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.kv.Delete(ctx, l.key, jetstream.LastRevision(l.rev)); err != nil {
		log.Warn("failed to release repository lease", zap.Error(err))
	}
}
