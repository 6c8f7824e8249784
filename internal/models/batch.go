package models

// NormalizedEvent is an event in the destination wire schema.
type NormalizedEvent struct {
	// Key is the source event's uuid, or a generated one.
	Key              string             `json:"-"`
	EventType        string             `json:"event_type"`
	Attributes       map[string]string  `json:"attributes"`
	Metrics          map[string]float64 `json:"metrics,omitempty"`
	ClientSDKVersion string             `json:"client_sdk_version,omitempty"`
	SDKName          string             `json:"sdk_name,omitempty"`
	SessionID        string             `json:"session_id,omitempty"`
	Timestamp        string             `json:"timestamp"`
}

// Demographic holds device profile attributes of an endpoint.
type Demographic struct {
	AppVersion      string `json:"app_version,omitempty"`
	Locale          string `json:"locale,omitempty"`
	Make            string `json:"make,omitempty"`
	Model           string `json:"model,omitempty"`
	Platform        string `json:"platform,omitempty"`
	PlatformVersion string `json:"platform_version,omitempty"`
	Timezone        string `json:"timezone,omitempty"`
}

// Location holds geolocation attributes of an endpoint.
type Location struct {
	City       string   `json:"city,omitempty"`
	Country    string   `json:"country,omitempty"`
	Region     string   `json:"region,omitempty"`
	PostalCode string   `json:"postal_code,omitempty"`
	Latitude   *float64 `json:"latitude,omitempty"`
	Longitude  *float64 `json:"longitude,omitempty"`
}

// EndpointRecord is the destination-side identity/device profile. The zero
// value is the empty record attached to batches without a device id.
type EndpointRecord struct {
	Address     string      `json:"address,omitempty"`
	ChannelType string      `json:"channel_type,omitempty"`
	Demographic Demographic `json:"demographic"`
	Location    Location    `json:"location"`
	UserID      string      `json:"user_id,omitempty"`
}

// IsEmpty reports whether the record carries no data at all.
func (r EndpointRecord) IsEmpty() bool {
	return r.Address == "" &&
		r.ChannelType == "" &&
		r.Demographic == (Demographic{}) &&
		r.Location.City == "" &&
		r.Location.Country == "" &&
		r.Location.Region == "" &&
		r.Location.PostalCode == "" &&
		r.Location.Latitude == nil &&
		r.Location.Longitude == nil &&
		r.UserID == ""
}

// BatchItem is the unit submitted to the outbound API: one endpoint and the
// events recorded for it, keyed by event key.
type BatchItem struct {
	Endpoint EndpointRecord             `json:"endpoint"`
	Events   map[string]NormalizedEvent `json:"events"`
}

// Len returns the number of events in the item.
func (b BatchItem) Len() int {
	return len(b.Events)
}

// Batch maps batch keys to batch items.
type Batch map[string]BatchItem

// EventCount returns the total number of events across all items.
func (b Batch) EventCount() int {
	n := 0
	for _, item := range b {
		n += item.Len()
	}
	return n
}

// EventResult is the per-event outcome reported by the destination.
type EventResult struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message,omitempty"`
}

// ItemResult is the per-batch-item outcome reported by the destination.
type ItemResult struct {
	EndpointStatusCode int                    `json:"endpoint_status_code"`
	EndpointMessage    string                 `json:"endpoint_message,omitempty"`
	Events             map[string]EventResult `json:"events,omitempty"`
}

// SubmitResult is the success payload of a submit-batch call.
type SubmitResult struct {
	Results map[string]ItemResult `json:"results"`
}

// Failures counts events the destination did not accept.
func (r SubmitResult) Failures() int {
	n := 0
	for _, item := range r.Results {
		for _, ev := range item.Events {
			if ev.StatusCode < 200 || ev.StatusCode >= 300 {
				n++
			}
		}
	}
	return n
}
