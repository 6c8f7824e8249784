package messaging

import (
	"bytes"
	"encoding/json"
	"io"

	"example.com/backstage/services/forwarder/internal/models"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

// ErrEmptyPayload is returned for a message body with no events.
var ErrEmptyPayload = errors.New("message carries no events")

var validate = validator.New()

// Handler receives decoded events. forwarder.Forwarder implements it.
type Handler interface {
	OnEvent(ev models.IncomingEvent) error
	OnSnapshot(ev models.IncomingEvent) error
}

// DecodeEvents parses a payload holding either one event object or an array
// of events. Every event must name its type.
func DecodeEvents(body []byte) ([]models.IncomingEvent, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, ErrEmptyPayload
	}

	var events []models.IncomingEvent
	if body[0] == '[' {
		if err := decodeJSON(body, &events); err != nil {
			return nil, errors.Wrap(err, "failed to decode event array")
		}
	} else {
		var ev models.IncomingEvent
		if err := decodeJSON(body, &ev); err != nil {
			return nil, errors.Wrap(err, "failed to decode event")
		}
		events = append(events, ev)
	}

	if len(events) == 0 {
		return nil, ErrEmptyPayload
	}
	for i := range events {
		if err := validate.Struct(events[i]); err != nil {
			return nil, errors.Wrapf(err, "invalid event at index %d", i)
		}
	}
	return events, nil
}

// decodeJSON decodes exactly one JSON value. Numbers in properties stay
// json.Number so large integer ids keep every digit.
func decodeJSON(body []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("unexpected data after JSON value")
	}
	return nil
}

// Route delivers ev to OnSnapshot when it is a $snapshot event and to
// OnEvent otherwise.
func Route(h Handler, ev models.IncomingEvent) error {
	if ev.Event == models.SnapshotEvent {
		return h.OnSnapshot(ev)
	}
	return h.OnEvent(ev)
}

// Deliver routes each event in order and stops at the first error.
func Deliver(h Handler, events []models.IncomingEvent) error {
	for _, ev := range events {
		if err := Route(h, ev); err != nil {
			return err
		}
	}
	return nil
}
