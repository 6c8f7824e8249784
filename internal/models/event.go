package models

import (
	"encoding/json"
	"fmt"
)

// Property names the host pipeline uses for identity fields.
const (
	PropDeviceID  = "$device_id"
	PropSessionID = "$session_id"
	PropUserID    = "$user_id"

	SnapshotEvent = "$snapshot"
)

// IncomingEvent is an analytics event delivered by the host pipeline.
// It is treated as immutable once received.
type IncomingEvent struct {
	UUID       string                 `json:"uuid,omitempty"`
	Event      string                 `json:"event" validate:"required"`
	DistinctID string                 `json:"distinct_id"`
	DeviceID   string                 `json:"device_id,omitempty"`
	SessionID  string                 `json:"session_id,omitempty"`
	Timestamp  Timestamp              `json:"timestamp,omitempty"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// Device returns the device id, preferring the explicit field over the
// $device_id property. Empty means the event carries no device identity.
func (e IncomingEvent) Device() string {
	if e.DeviceID != "" {
		return e.DeviceID
	}
	return e.StringProperty(PropDeviceID)
}

// Session returns the session id, preferring the explicit field.
func (e IncomingEvent) Session() string {
	if e.SessionID != "" {
		return e.SessionID
	}
	return e.StringProperty(PropSessionID)
}

// User returns the user id used for the endpoint profile.
func (e IncomingEvent) User() string {
	if id := e.StringProperty(PropUserID); id != "" {
		return id
	}
	return e.DistinctID
}

// StringProperty returns a property rendered as a string, or "" when absent.
func (e IncomingEvent) StringProperty(name string) string {
	v, ok := e.Properties[name]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	}
	return fmt.Sprint(v)
}

// Size estimates the in-memory weight of the event as the byte length of
// its JSON encoding.
func (e IncomingEvent) Size() int {
	data, err := json.Marshal(e)
	if err != nil {
		return len(fmt.Sprint(e))
	}
	return len(data)
}
