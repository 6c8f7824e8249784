package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"example.com/backstage/services/forwarder/internal/batching"
	"example.com/backstage/services/forwarder/internal/metrics"
	"example.com/backstage/services/forwarder/internal/models"
	"example.com/backstage/services/forwarder/internal/tracing"

	"github.com/rs/zerolog/log"
)

// Submitter is the outbound client: one call submits a whole batch to the
// destination application.
type Submitter interface {
	Submit(ctx context.Context, applicationID string, batch models.Batch) (models.SubmitResult, error)
}

// Dispatcher groups flushed events and submits them without blocking the
// caller. Failures end here: they are logged and, when a retry queue is
// configured, handed to it.
type Dispatcher struct {
	client        Submitter
	applicationID string
	grouper       *batching.Grouper
	tracer        tracing.Tracer
	metrics       *metrics.Metrics
	retries       *RetryQueue
	wg            sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithGrouper replaces the default grouper.
func WithGrouper(g *batching.Grouper) Option {
	return func(d *Dispatcher) { d.grouper = g }
}

// WithTracer records each submission as a transaction.
func WithTracer(t tracing.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = t }
}

// WithMetrics records submission counters and timings.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithRetryQueue re-submits failed batches through q.
func WithRetryQueue(q *RetryQueue) Option {
	return func(d *Dispatcher) { d.retries = q }
}

// New creates a Dispatcher for one destination application.
func New(client Submitter, applicationID string, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		client:        client,
		applicationID: applicationID,
		tracer:        tracing.Disabled(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.grouper == nil {
		d.grouper = batching.NewGrouper(nil)
	}
	if d.retries != nil {
		d.retries.bind(d.resubmit)
	}
	return d
}

// Dispatch groups the events into batch items and submits them in the
// background. It never blocks on the network and never fails.
func (d *Dispatcher) Dispatch(events []models.IncomingEvent) {
	if len(events) == 0 {
		return
	}
	batch := d.grouper.Group(events)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.submit(context.Background(), batch, 1)
	}()
}

// Wait blocks until in-flight submissions finish or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) resubmit(batch models.Batch, attempt int) {
	d.submit(context.Background(), batch, attempt)
}

func (d *Dispatcher) submit(ctx context.Context, batch models.Batch, attempt int) {
	count := batch.EventCount()

	txn := d.tracer.StartTransaction("pinpoint-put-events")
	defer d.tracer.EndTransaction(txn)
	d.tracer.AddAttribute(txn, "events", count)
	d.tracer.AddAttribute(txn, "batch_items", len(batch))
	d.tracer.AddAttribute(txn, "attempt", attempt)

	seg := d.tracer.StartSegment(txn, "submit")
	start := time.Now()
	result, err := d.client.Submit(ctx, d.applicationID, batch)
	seg.End()

	d.metrics.RecordDuration(metrics.PutEvents, time.Since(start))
	d.metrics.RecordResult(metrics.PutEvents, err)

	if err != nil {
		d.tracer.RecordError(txn, err)
		d.metrics.IncrementCounter(metrics.DispatchFailures)

		request, merr := json.Marshal(batch)
		if merr != nil {
			request = []byte(`null`)
		}
		log.Error().
			Err(err).
			Int("events", count).
			Int("attempt", attempt).
			Str("application_id", d.applicationID).
			RawJSON("request", request).
			Msg("Failed to send events to Pinpoint")

		if d.retries != nil {
			d.retries.Enqueue(batch, attempt)
		}
		return
	}

	d.metrics.IncrementCounterBy(metrics.EventsDispatched, int64(count))

	response, merr := json.Marshal(result)
	if merr != nil {
		response = []byte(`null`)
	}
	log.Info().
		Int("events", count).
		Int("attempt", attempt).
		Str("application_id", d.applicationID).
		RawJSON("response", response).
		Msg("Sent events to Pinpoint")

	if failed := result.Failures(); failed > 0 {
		d.metrics.IncrementCounterBy(metrics.EventsRejected, int64(failed))
		log.Warn().
			Int("rejected", failed).
			Str("application_id", d.applicationID).
			Msg("Pinpoint rejected some events")
	}
}
