package messaging

import (
	"context"
	"sync"
	"testing"
	"time"

	"example.com/backstage/services/forwarder/internal/models"
	"example.com/backstage/services/forwarder/internal/normalizer"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testTimeout = time.Second
	testTick    = 5 * time.Millisecond
)

type recordingHandler struct {
	mu        sync.Mutex
	events    []string
	snapshots []string
	err       error
}

func (h *recordingHandler) OnEvent(ev models.IncomingEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.events = append(h.events, ev.UUID)
	return nil
}

func (h *recordingHandler) OnSnapshot(ev models.IncomingEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.snapshots = append(h.snapshots, ev.UUID)
	return nil
}

func TestDecodeEvents(t *testing.T) {
	events, err := DecodeEvents([]byte(`{"uuid":"u1","event":"pageview","properties":{"$device_id":"d1"}}`))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "d1", events[0].Device())

	events, err = DecodeEvents([]byte(` [{"uuid":"a","event":"x"},{"uuid":"b","event":"$snapshot"}] `))
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestDecodeEventsRejectsBadPayloads(t *testing.T) {
	for _, body := range []string{"", "   ", "[]", "{not json", `{"uuid":"a"}`, `[{"event":"ok"},{"event":""}]`} {
		_, err := DecodeEvents([]byte(body))
		assert.Error(t, err, "body=%q", body)
	}
}

func TestDecodeEventsKeepsLargeIntegers(t *testing.T) {
	events, err := DecodeEvents([]byte(`{"event":"purchase","properties":{"order_id":9007199254740993,"$device_id":9007199254740995,"$screen_width":1024}}`))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "9007199254740995", events[0].Device())

	out := normalizer.New().Normalize(events[0])
	assert.Equal(t, "9007199254740993", out.Attributes["order_id"])
	assert.Equal(t, 1024.0, out.Metrics["screen_width"])
}

func TestDecodeEventsToleratesOddTimestamps(t *testing.T) {
	events, err := DecodeEvents([]byte(`[
		{"uuid":"a","event":"pageview","timestamp":""},
		{"uuid":"b","event":"pageview","timestamp":1700000000000},
		{"uuid":"c","event":"pageview","timestamp":"not a time"},
		{"uuid":"d","event":"pageview","timestamp":"2024-01-02T03:04:05Z"}
	]`))
	require.NoError(t, err)
	require.Len(t, events, 4)

	assert.True(t, events[0].Timestamp.IsZero())
	assert.True(t, events[1].Timestamp.Equal(time.UnixMilli(1700000000000)))
	assert.True(t, events[2].Timestamp.IsZero())
	assert.True(t, events[3].Timestamp.Equal(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)))
}

func TestDecodeEventsRejectsTrailingData(t *testing.T) {
	_, err := DecodeEvents([]byte(`{"event":"a"} {"event":"b"}`))
	assert.Error(t, err)
}

func TestRouteSendsSnapshotsToOnSnapshot(t *testing.T) {
	h := &recordingHandler{}
	require.NoError(t, Deliver(h, []models.IncomingEvent{
		{UUID: "a", Event: "pageview"},
		{UUID: "b", Event: models.SnapshotEvent},
	}))
	assert.Equal(t, []string{"a"}, h.events)
	assert.Equal(t, []string{"b"}, h.snapshots)
}

// fakeReceiver serves queued batches once, then blocks until ctx ends.
type fakeReceiver struct {
	mu          sync.Mutex
	batches     [][]*azservicebus.ReceivedMessage
	completed   []string
	abandoned   []string
	deadLetters []string
}

func (r *fakeReceiver) ReceiveMessages(ctx context.Context, _ int, _ *azservicebus.ReceiveMessagesOptions) ([]*azservicebus.ReceivedMessage, error) {
	r.mu.Lock()
	if len(r.batches) > 0 {
		next := r.batches[0]
		r.batches = r.batches[1:]
		r.mu.Unlock()
		return next, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (r *fakeReceiver) CompleteMessage(_ context.Context, m *azservicebus.ReceivedMessage, _ *azservicebus.CompleteMessageOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, m.MessageID)
	return nil
}

func (r *fakeReceiver) AbandonMessage(_ context.Context, m *azservicebus.ReceivedMessage, _ *azservicebus.AbandonMessageOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.abandoned = append(r.abandoned, m.MessageID)
	return nil
}

func (r *fakeReceiver) DeadLetterMessage(_ context.Context, m *azservicebus.ReceivedMessage, _ *azservicebus.DeadLetterOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deadLetters = append(r.deadLetters, m.MessageID)
	return nil
}

func (r *fakeReceiver) Close(context.Context) error { return nil }

func (r *fakeReceiver) drained() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches) == 0 && len(r.completed)+len(r.abandoned)+len(r.deadLetters) > 0
}

func runUntilDrained(t *testing.T, run func(ctx context.Context) error, drained func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx) }()

	require.Eventually(t, drained, testTimeout, testTick)
	cancel()
	require.NoError(t, <-done)
}

func TestServiceBusConsumerSettlesMessages(t *testing.T) {
	receiver := &fakeReceiver{batches: [][]*azservicebus.ReceivedMessage{{
		{MessageID: "m1", Body: []byte(`{"uuid":"a","event":"pageview"}`)},
		{MessageID: "m2", Body: []byte(`garbage`)},
		{MessageID: "m3", Body: []byte(`[{"uuid":"b","event":"$snapshot"}]`)},
	}}}
	h := &recordingHandler{}
	c := newServiceBusConsumer(receiver, "events", 0, nil)

	runUntilDrained(t, func(ctx context.Context) error { return c.Run(ctx, h) }, func() bool {
		receiver.mu.Lock()
		defer receiver.mu.Unlock()
		return len(receiver.completed)+len(receiver.deadLetters) == 3
	})

	assert.Equal(t, []string{"m1", "m3"}, receiver.completed)
	assert.Equal(t, []string{"m2"}, receiver.deadLetters)
	assert.Equal(t, []string{"a"}, h.events)
	assert.Equal(t, []string{"b"}, h.snapshots)
	require.NoError(t, c.Close(context.Background()))
}

func TestServiceBusConsumerAbandonsRejectedMessages(t *testing.T) {
	receiver := &fakeReceiver{batches: [][]*azservicebus.ReceivedMessage{{
		{MessageID: "m1", Body: []byte(`{"uuid":"a","event":"pageview"}`)},
	}}}
	h := &recordingHandler{err: errors.New("torn down")}
	c := newServiceBusConsumer(receiver, "events", 5, nil)

	runUntilDrained(t, func(ctx context.Context) error { return c.Run(ctx, h) }, receiver.drained)

	assert.Equal(t, []string{"m1"}, receiver.abandoned)
	assert.Empty(t, receiver.completed)
}

// fakeReader serves queued messages, then blocks until ctx ends.
type fakeReader struct {
	mu        sync.Mutex
	messages  []kafka.Message
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.messages) > 0 {
		next := r.messages[0]
		r.messages = r.messages[1:]
		r.mu.Unlock()
		return next, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) commits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

func TestKafkaConsumerCommitsAndSkipsBadMessages(t *testing.T) {
	reader := &fakeReader{messages: []kafka.Message{
		{Offset: 1, Value: []byte(`{"uuid":"a","event":"pageview"}`)},
		{Offset: 2, Value: []byte(`{"uuid":"b"}`)},
		{Offset: 3, Value: []byte(`{"uuid":"c","event":"$snapshot"}`)},
	}}
	h := &recordingHandler{}
	c := &KafkaConsumer{reader: reader, topic: "events"}

	runUntilDrained(t, func(ctx context.Context) error { return c.Run(ctx, h) }, func() bool {
		return reader.commits() == 3
	})

	assert.Equal(t, []int64{1, 2, 3}, reader.committed)
	assert.Equal(t, []string{"a"}, h.events)
	assert.Equal(t, []string{"c"}, h.snapshots)
	require.NoError(t, c.Close())
}

func TestKafkaConsumerStopsOnHandlerError(t *testing.T) {
	reader := &fakeReader{messages: []kafka.Message{
		{Offset: 7, Value: []byte(`{"uuid":"a","event":"pageview"}`)},
	}}
	c := &KafkaConsumer{reader: reader, topic: "events"}

	err := c.Run(context.Background(), &recordingHandler{err: errors.New("torn down")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "offset 7")
	assert.Zero(t, reader.commits())
}
