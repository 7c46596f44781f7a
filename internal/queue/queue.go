// Package queue runs the durable job queue: at-least-once delivery from the
// jobs table to phase handlers, bounded retries with exponential backoff, and
// dead-lettering when a job exhausts its budget.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	rerrors "github.com/reforge-dev/reforge/internal/errors"
	"github.com/reforge-dev/reforge/internal/metrics"
	"github.com/reforge-dev/reforge/internal/retry"
	"github.com/reforge-dev/reforge/internal/store"
)

// Handler executes dequeued jobs. Implementations absorb terminal phase
// failures themselves (recording them on the project) and return an error only
// for retryable infrastructure conditions.
type Handler interface {
	HandleProcessProject(ctx context.Context, p ProcessProjectPayload) error
	HandleBuildSlice(ctx context.Context, p BuildSlicePayload) error

	// HandleJobDead is called after a job is dead-lettered so the project is
	// not left gated forever with no live job behind it.
	HandleJobDead(projectID string, cause error)
}

// Config holds queue configuration.
type Config struct {
	Workers      int
	PollInterval time.Duration
	MaxAttempts  int
	JobTimeout   time.Duration
	Backoff      retry.Config
}

// DefaultConfig returns queue defaults: 4 workers, 1s polling, 5 attempts
// with 2s → 2m exponential backoff.
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		PollInterval: time.Second,
		MaxAttempts:  5,
		JobTimeout:   30 * time.Minute,
		Backoff: retry.Config{
			BaseDelay: 2 * time.Second,
			MaxDelay:  2 * time.Minute,
			Jitter:    true,
		},
	}
}

// Queue dispatches durable jobs to a handler through a worker pool.
type Queue struct {
	cfg     Config
	store   *store.Store
	handler Handler
	metrics *metrics.Metrics
	logger  zerolog.Logger
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
}

// New creates a queue. The handler may be set later via SetHandler, but must
// be present before Start.
func New(cfg Config, st *store.Store, m *metrics.Metrics, logger zerolog.Logger) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Minute
	}

	return &Queue{
		cfg:     cfg,
		store:   st,
		metrics: m,
		logger:  logger.With().Str("component", "queue").Logger(),
	}
}

// SetHandler wires the phase handler. Must be called before Start.
func (q *Queue) SetHandler(h Handler) {
	q.handler = h
}

// Enqueue persists a job for at-least-once delivery. A storage failure is
// surfaced as ErrUnavailable so the caller can roll back its status gate.
func (q *Queue) Enqueue(p Payload) (*store.Job, error) {
	if p.ProjectRef() == "" {
		return nil, fmt.Errorf("payload missing project id: %w", rerrors.ErrInvalidInput)
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	job, err := q.store.EnqueueJob(p.jobType(), p.ProjectRef(), string(raw), q.cfg.MaxAttempts)
	if err != nil {
		q.logger.Error().Err(err).Str("job_type", p.jobType()).Msg("enqueue failed")
		return nil, fmt.Errorf("%w: %v", rerrors.ErrUnavailable, err)
	}

	q.logger.Info().
		Str("job_id", job.ID).
		Str("job_type", job.JobType).
		Str("project_id", job.ProjectID).
		Msg("job enqueued")
	return job, nil
}

// Start launches worker goroutines.
func (q *Queue) Start(ctx context.Context) {
	if q.running.Swap(true) {
		return // already running
	}

	ctx, q.cancel = context.WithCancel(ctx)

	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}

	q.logger.Info().Int("workers", q.cfg.Workers).Msg("queue started")
}

// Stop gracefully shuts down the queue, waiting for in-flight jobs.
func (q *Queue) Stop() {
	if !q.running.Swap(false) {
		return
	}
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
	q.logger.Info().Msg("queue stopped")
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	log := q.logger.With().Int("worker", id).Logger()
	log.Debug().Msg("worker started")

	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("worker stopping")
			return
		case <-ticker.C:
			for {
				job, err := q.store.ClaimDueJob()
				if err != nil {
					log.Error().Err(err).Msg("claim failed")
					break
				}
				if job == nil {
					break
				}
				q.executeJob(ctx, job, log)
			}
		}
	}
}

func (q *Queue) executeJob(ctx context.Context, job *store.Job, log zerolog.Logger) {
	log.Info().
		Str("job_id", job.ID).
		Str("job_type", job.JobType).
		Str("project_id", job.ProjectID).
		Int("attempt", job.Attempts).
		Msg("executing job")

	payload, err := DecodePayload(job)
	if err != nil {
		// Undecodable payloads can never succeed; dead-letter immediately.
		log.Error().Err(err).Str("job_id", job.ID).Msg("payload decode failed")
		q.deadLetter(job, err, log)
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, q.cfg.JobTimeout)
	defer cancel()

	// The single dispatch point for all job families.
	switch p := payload.(type) {
	case ProcessProjectPayload:
		err = q.handler.HandleProcessProject(jobCtx, p)
	case BuildSlicePayload:
		err = q.handler.HandleBuildSlice(jobCtx, p)
	default:
		err = fmt.Errorf("no handler for job type %s", job.JobType)
	}

	if err == nil {
		if ackErr := q.store.CompleteJob(job.ID); ackErr != nil {
			log.Error().Err(ackErr).Str("job_id", job.ID).Msg("failed to ack job")
		}
		if q.metrics != nil {
			q.metrics.RecordJob(job.JobType, "completed")
		}
		log.Info().Str("job_id", job.ID).Msg("job completed")
		return
	}

	if job.Attempts >= job.MaxAttempts {
		log.Error().Err(err).
			Str("job_id", job.ID).
			Int("attempts", job.Attempts).
			Msg("job exhausted retries")
		q.deadLetter(job, err, log)
		return
	}

	delay := q.cfg.Backoff.Backoff(job.Attempts - 1)
	nextRun := time.Now().Add(delay).UnixMilli()
	log.Warn().Err(err).
		Str("job_id", job.ID).
		Dur("backoff", delay).
		Msg("job failed, rescheduling")

	if rsErr := q.store.RescheduleJob(job.ID, nextRun, err.Error()); rsErr != nil {
		log.Error().Err(rsErr).Str("job_id", job.ID).Msg("failed to reschedule job")
	}
	if q.metrics != nil {
		q.metrics.RecordJob(job.JobType, "retried")
	}
}

func (q *Queue) deadLetter(job *store.Job, cause error, log zerolog.Logger) {
	if err := q.store.MarkJobDead(job.ID, cause.Error()); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("failed to mark job dead")
	}
	if err := q.store.SaveDeadLetter(&store.DeadLetter{
		JobID:     job.ID,
		JobType:   job.JobType,
		ProjectID: job.ProjectID,
		Payload:   job.Payload,
		Error:     cause.Error(),
	}); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("failed to save dead letter")
	}
	if q.metrics != nil {
		q.metrics.RecordJob(job.JobType, "dead")
		q.metrics.DeadLettersTotal.Inc()
	}
	if q.handler != nil {
		q.handler.HandleJobDead(job.ProjectID, cause)
	}
}
