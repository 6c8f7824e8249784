package dispatch

import (
	"sync"
	"time"

	"example.com/backstage/services/forwarder/internal/metrics"
	"example.com/backstage/services/forwarder/internal/models"

	"github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// RetryPolicy bounds re-submission of failed batches.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// RetryQueue re-submits failed batches after an exponential backoff delay.
// A batch that has used up its retries is dropped with a terminal log entry.
// Pending retries are lost when the queue stops.
type RetryQueue struct {
	scheduler gocron.Scheduler
	policy    RetryPolicy
	metrics   *metrics.Metrics

	mu      sync.Mutex
	resend  func(batch models.Batch, attempt int)
	pending int
	stopped bool
}

// NewRetryQueue creates and starts a retry queue.
func NewRetryQueue(policy RetryPolicy, m *metrics.Metrics) (*RetryQueue, error) {
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = time.Second
	}
	if policy.MaxDelay < policy.BaseDelay {
		policy.MaxDelay = policy.BaseDelay
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create retry scheduler")
	}
	scheduler.Start()

	return &RetryQueue{
		scheduler: scheduler,
		policy:    policy,
		metrics:   m,
	}, nil
}

func (q *RetryQueue) bind(resend func(batch models.Batch, attempt int)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.resend = resend
}

// Backoff returns the delay before the retry that follows the given failed
// attempt: BaseDelay doubled per attempt, capped at MaxDelay.
func (q *RetryQueue) Backoff(failedAttempt int) time.Duration {
	delay := q.policy.BaseDelay
	for i := 1; i < failedAttempt; i++ {
		delay *= 2
		if delay >= q.policy.MaxDelay {
			return q.policy.MaxDelay
		}
	}
	return delay
}

// Enqueue schedules the batch for another attempt. It reports false when
// the batch was dropped instead.
func (q *RetryQueue) Enqueue(batch models.Batch, failedAttempt int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped || q.resend == nil {
		log.Warn().Int("events", batch.EventCount()).Msg("Retry queue stopped, dropping failed batch")
		return false
	}

	if failedAttempt > q.policy.MaxRetries {
		q.metrics.IncrementCounter(metrics.RetriesExhausted)
		log.Error().
			Int("events", batch.EventCount()).
			Int("attempts", failedAttempt).
			Msg("Giving up on batch after exhausting retries")
		return false
	}

	delay := q.Backoff(failedAttempt)
	resend := q.resend
	next := failedAttempt + 1

	_, err := q.scheduler.NewJob(
		gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(time.Now().Add(delay))),
		gocron.NewTask(func() {
			q.mu.Lock()
			q.pending--
			q.mu.Unlock()
			resend(batch, next)
		}),
	)
	if err != nil {
		log.Error().Err(err).Int("events", batch.EventCount()).Msg("Failed to schedule retry, dropping batch")
		return false
	}

	q.pending++
	q.metrics.IncrementCounter(metrics.RetriesScheduled)
	log.Info().
		Int("events", batch.EventCount()).
		Int("attempt", next).
		Dur("delay", delay).
		Msg("Scheduled batch retry")
	return true
}

// Pending returns the number of scheduled retries not yet started.
func (q *RetryQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// Stop shuts the scheduler down. Retries that have not started are dropped.
func (q *RetryQueue) Stop() error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	dropped := q.pending
	q.mu.Unlock()

	if dropped > 0 {
		log.Warn().Int("batches", dropped).Msg("Dropping pending retries on shutdown")
	}
	return q.scheduler.Shutdown()
}
