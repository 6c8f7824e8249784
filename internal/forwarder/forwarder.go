package forwarder

import (
	"context"
	"sync"

	"example.com/backstage/services/forwarder/config"
	"example.com/backstage/services/forwarder/internal/buffer"
	"example.com/backstage/services/forwarder/internal/dispatch"
	"example.com/backstage/services/forwarder/internal/filter"
	"example.com/backstage/services/forwarder/internal/metrics"
	"example.com/backstage/services/forwarder/internal/models"
	"example.com/backstage/services/forwarder/internal/tracing"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrTornDown is returned for events delivered after Teardown.
var ErrTornDown = errors.New("forwarder has been torn down")

// Forwarder owns the ignore filter, the buffer and the dispatcher for one
// destination application. Intake surfaces call OnEvent and OnSnapshot.
type Forwarder struct {
	mode       string
	ignore     *filter.IgnoreSet
	buffer     *buffer.Buffer
	dispatcher *dispatch.Dispatcher
	retries    *dispatch.RetryQueue
	metrics    *metrics.Metrics

	mu     sync.RWMutex
	closed bool
}

// Setup validates cfg and wires the forwarding pipeline. A missing
// credential aborts setup; nothing is started in that case.
func Setup(cfg config.Config, client dispatch.Submitter, m *metrics.Metrics, tracer tracing.Tracer) (*Forwarder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "forwarder setup failed")
	}
	if client == nil {
		return nil, errors.New("forwarder setup failed: no outbound client")
	}
	if tracer == nil {
		tracer = tracing.Disabled()
	}

	f := &Forwarder{
		mode:    cfg.Mode,
		ignore:  filter.NewIgnoreSet(cfg.EventsToIgnore),
		metrics: m,
	}
	if f.mode == "" {
		f.mode = config.ModeBuffered
	}

	opts := []dispatch.Option{
		dispatch.WithMetrics(m),
		dispatch.WithTracer(tracer),
	}
	if cfg.Retry.Enabled {
		q, err := dispatch.NewRetryQueue(dispatch.RetryPolicy{
			MaxRetries: cfg.Retry.MaxRetries,
			BaseDelay:  cfg.Retry.BaseDelay,
			MaxDelay:   cfg.Retry.MaxDelay,
		}, m)
		if err != nil {
			return nil, errors.Wrap(err, "forwarder setup failed")
		}
		f.retries = q
		opts = append(opts, dispatch.WithRetryQueue(q))
	}
	f.dispatcher = dispatch.New(client, cfg.ApplicationID, opts...)

	if f.mode == config.ModeBuffered {
		f.buffer = buffer.New(buffer.Options{
			MaxBytes: cfg.UploadLimitBytes(),
			Interval: cfg.UploadInterval(),
			Observe:  f.observe,
		}, f.flush)
	}

	m.SetHealth("forwarder", true)
	log.Info().
		Str("mode", f.mode).
		Str("application_id", cfg.ApplicationID).
		Int("ignored_types", f.ignore.Len()).
		Dur("upload_interval", cfg.UploadInterval()).
		Int("upload_limit_bytes", cfg.UploadLimitBytes()).
		Bool("retry", cfg.Retry.Enabled).
		Msg("Forwarder ready")

	return f, nil
}

// Mode reports whether events are buffered or dispatched immediately.
func (f *Forwarder) Mode() string {
	return f.mode
}

// OnEvent accepts one event from the host pipeline.
func (f *Forwarder) OnEvent(ev models.IncomingEvent) error {
	return f.accept(ev, "event")
}

// OnSnapshot accepts one snapshot event. Snapshots follow the same path as
// regular events.
func (f *Forwarder) OnSnapshot(ev models.IncomingEvent) error {
	return f.accept(ev, "snapshot")
}

func (f *Forwarder) accept(ev models.IncomingEvent, kind string) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return ErrTornDown
	}
	f.metrics.IncrementCounter(metrics.EventsReceived)

	if f.ignore.ShouldIgnore(ev.Event) {
		f.metrics.IncrementCounter(metrics.EventsIgnored)
		log.Debug().Str("event_type", ev.Event).Str("kind", kind).Msg("Ignoring event")
		return nil
	}

	if f.buffer == nil {
		f.dispatcher.Dispatch([]models.IncomingEvent{ev})
		return nil
	}

	if err := f.buffer.Add(ev); err != nil {
		return errors.Wrapf(err, "failed to buffer %s %q", kind, ev.Event)
	}
	f.metrics.IncrementCounter(metrics.EventsBuffered)
	return nil
}

// Flush hands all buffered events to the dispatcher now.
func (f *Forwarder) Flush() {
	if f.buffer == nil {
		return
	}
	f.buffer.Flush()
}

// flush runs under the buffer lock; Dispatch only groups and spawns.
func (f *Forwarder) flush(events []models.IncomingEvent) {
	f.metrics.IncrementCounter(metrics.Flushes)
	log.Debug().Int("events", len(events)).Msg("Flushing buffered events")
	f.dispatcher.Dispatch(events)
}

// observe runs under the buffer lock, so gauge updates are ordered with
// every add and drain.
func (f *Forwarder) observe(events, bytes int) {
	f.metrics.SetGauge(metrics.BufferEvents, int64(events))
	f.metrics.SetGauge(metrics.BufferBytes, int64(bytes))
}

// Teardown performs the final flush, waits for in-flight submissions until
// ctx is done and stops the retry queue. Later calls return nil.
func (f *Forwarder) Teardown(ctx context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	if f.buffer != nil {
		f.buffer.Teardown()
	}

	waitErr := f.dispatcher.Wait(ctx)
	if waitErr != nil {
		log.Warn().Err(waitErr).Msg("Teardown finished before all submissions completed")
	}

	if f.retries != nil {
		if err := f.retries.Stop(); err != nil {
			log.Error().Err(err).Msg("Failed to stop retry queue")
		}
	}

	f.metrics.SetHealth("forwarder", false)
	log.Info().Msg("Forwarder torn down")
	return waitErr
}
