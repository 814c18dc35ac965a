// Package jobs runs background jobs with bounded attempts and a fixed backoff.
// Finished job statuses stay queryable for a retention window and are then evicted.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/ruteri/identity-recovery-backend/interfaces"
	"go.uber.org/atomic"
)

var (
	ErrQueueFull  = errors.New("job queue full")
	ErrNotRunning = errors.New("job scheduler not running")
)

// Config controls the scheduler.
type Config struct {
	// Workers is the number of concurrent job runners.
	Workers int

	// QueueSize bounds the number of jobs waiting for a worker.
	QueueSize int

	// DefaultMaxAttempts applies to jobs that do not set MaxAttempts.
	DefaultMaxAttempts int

	// DefaultBackoff applies to jobs that do not set Backoff.
	DefaultBackoff time.Duration

	// Retention is how long finished job statuses are kept.
	Retention time.Duration

	// AttemptTimeout bounds a single run of a job. Zero means no timeout.
	AttemptTimeout time.Duration
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		Workers:            4,
		QueueSize:          256,
		DefaultMaxAttempts: 5,
		DefaultBackoff:     30 * time.Second,
		Retention:          24 * time.Hour,
		AttemptTimeout:     time.Minute,
	}
}

type task struct {
	id  uuid.UUID
	job interfaces.Job

	mu     sync.Mutex
	status interfaces.JobStatus
}

func (t *task) snapshot() interfaces.JobStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Scheduler is an in-process interfaces.JobScheduler.
type Scheduler struct {
	cfg      Config
	log      *slog.Logger
	queue    chan *task
	statuses *cache.Cache

	running  atomic.Bool
	inFlight atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler. Call Start before enqueueing jobs.
func NewScheduler(cfg Config, log *slog.Logger) *Scheduler {
	defaults := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = defaults.DefaultMaxAttempts
	}
	if cfg.DefaultBackoff <= 0 {
		cfg.DefaultBackoff = defaults.DefaultBackoff
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaults.Retention
	}

	return &Scheduler{
		cfg:      cfg,
		log:      log,
		queue:    make(chan *task, cfg.QueueSize),
		statuses: cache.New(cfg.Retention, cfg.Retention),
	}
}

// Start launches the worker pool. Workers stop when ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	s.log.Info("Job scheduler started", "workers", s.cfg.Workers)
}

// Stop cancels running jobs and waits for workers to exit.
func (s *Scheduler) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.log.Info("Job scheduler stopped", "inFlight", s.inFlight.Load())
}

// Enqueue schedules a job and returns its id.
func (s *Scheduler) Enqueue(job interfaces.Job) (uuid.UUID, error) {
	if !s.running.Load() {
		return uuid.Nil, ErrNotRunning
	}
	if job.Run == nil {
		return uuid.Nil, fmt.Errorf("job %q has no run function", job.Name)
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = s.cfg.DefaultMaxAttempts
	}
	if job.Backoff <= 0 {
		job.Backoff = s.cfg.DefaultBackoff
	}

	t := &task{
		id:  uuid.New(),
		job: job,
		status: interfaces.JobStatus{
			Name:    job.Name,
			State:   interfaces.JobStatePending,
			Updated: time.Now(),
		},
	}
	t.status.ID = t.id

	s.statuses.Set(t.id.String(), t, cache.NoExpiration)
	s.inFlight.Inc()

	select {
	case s.queue <- t:
	default:
		s.statuses.Delete(t.id.String())
		s.inFlight.Dec()
		return uuid.Nil, ErrQueueFull
	}

	s.log.Debug("Job enqueued", "job", job.Name, "id", t.id)
	return t.id, nil
}

// Status reports a job's progress. Finished jobs are forgotten after the retention window.
func (s *Scheduler) Status(id uuid.UUID) (interfaces.JobStatus, bool) {
	v, ok := s.statuses.Get(id.String())
	if !ok {
		return interfaces.JobStatus{}, false
	}
	return v.(*task).snapshot(), true
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case t := <-s.queue:
			s.runAttempt(t)
		}
	}
}

func (s *Scheduler) runAttempt(t *task) {
	t.mu.Lock()
	t.status.State = interfaces.JobStateRunning
	t.status.Attempts++
	attempt := t.status.Attempts
	t.status.Updated = time.Now()
	t.mu.Unlock()

	ctx := s.ctx
	if s.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(s.ctx, s.cfg.AttemptTimeout)
		defer cancel()
	}

	err := t.job.Run(ctx)
	if err == nil {
		s.finish(t, interfaces.JobStateSucceeded, "")
		s.log.Debug("Job succeeded", "job", t.job.Name, "id", t.id, "attempts", attempt)
		return
	}

	if attempt >= t.job.MaxAttempts {
		s.finish(t, interfaces.JobStateFailed, err.Error())
		s.log.Error("Job failed permanently", "job", t.job.Name, "id", t.id, "attempts", attempt, "err", err)
		if t.job.OnExhausted != nil {
			t.job.OnExhausted(err)
		}
		return
	}

	t.mu.Lock()
	t.status.State = interfaces.JobStatePending
	t.status.LastError = err.Error()
	t.status.Updated = time.Now()
	t.mu.Unlock()

	s.log.Warn("Job attempt failed, retrying", "job", t.job.Name, "id", t.id, "attempt", attempt, "backoff", t.job.Backoff, "err", err)
	time.AfterFunc(t.job.Backoff, func() {
		select {
		case s.queue <- t:
		case <-s.ctx.Done():
		}
	})
}

func (s *Scheduler) finish(t *task, state interfaces.JobState, lastErr string) {
	t.mu.Lock()
	t.status.State = state
	t.status.LastError = lastErr
	t.status.Updated = time.Now()
	t.mu.Unlock()

	s.inFlight.Dec()
	s.statuses.Set(t.id.String(), t, s.cfg.Retention)
}
