package normalizer

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"example.com/backstage/services/forwarder/internal/models"

	"github.com/google/uuid"
	"github.com/spf13/cast"
)

// TimestampLayout is the ISO 8601 layout used on the wire.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// ChannelCustom is the channel type set on endpoints addressed by device id.
const ChannelCustom = "CUSTOM"

// metricProperties maps recognised numeric properties to metric names.
var metricProperties = map[string]string{
	"$screen_width":    "screen_width",
	"$screen_height":   "screen_height",
	"$screen_density":  "screen_density",
	"$viewport_width":  "viewport_width",
	"$viewport_height": "viewport_height",
}

// Normalizer converts incoming events into the destination wire schema.
type Normalizer struct {
	now   func() time.Time
	newID func() string
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithClock overrides the wall clock used for events without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) { n.now = now }
}

// WithIDGenerator overrides the generator used for events without a uuid.
func WithIDGenerator(newID func() string) Option {
	return func(n *Normalizer) { n.newID = newID }
}

// New creates a Normalizer.
func New(opts ...Option) *Normalizer {
	n := &Normalizer{
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize converts one event. It never fails: unknown values degrade to
// their string form and missing fields are left out.
func (n *Normalizer) Normalize(ev models.IncomingEvent) models.NormalizedEvent {
	key := ev.UUID
	if key == "" {
		key = n.newID()
	}

	ts := ev.Timestamp.Time
	if ts.IsZero() {
		ts = n.now()
	}

	attributes := make(map[string]string, len(ev.Properties))
	for name, value := range ev.Properties {
		attributes[name] = Stringify(value)
	}

	var metrics map[string]float64
	for prop, name := range metricProperties {
		value, ok := ev.Properties[prop]
		if !ok {
			continue
		}
		f, ok := toFloat(value)
		if !ok {
			continue
		}
		if metrics == nil {
			metrics = make(map[string]float64)
		}
		metrics[name] = f
	}

	return models.NormalizedEvent{
		Key:              key,
		EventType:        ev.Event,
		Attributes:       attributes,
		Metrics:          metrics,
		ClientSDKVersion: ev.StringProperty("$lib_version"),
		SDKName:          ev.StringProperty("$lib"),
		SessionID:        ev.Session(),
		Timestamp:        ts.UTC().Format(TimestampLayout),
	}
}

// ExtractEndpoint builds the endpoint profile for an event. Events without a
// device id yield the empty record. Values are copied without validation.
func ExtractEndpoint(ev models.IncomingEvent) models.EndpointRecord {
	device := ev.Device()
	if device == "" {
		return models.EndpointRecord{}
	}

	record := models.EndpointRecord{
		Address:     device,
		ChannelType: ChannelCustom,
		UserID:      ev.User(),
		Demographic: models.Demographic{
			AppVersion:      ev.StringProperty("$app_version"),
			Locale:          ev.StringProperty("$locale"),
			Make:            ev.StringProperty("$device_manufacturer"),
			Model:           ev.StringProperty("$device_model"),
			Platform:        ev.StringProperty("$os"),
			PlatformVersion: ev.StringProperty("$os_version"),
			Timezone:        ev.StringProperty("$timezone"),
		},
		Location: models.Location{
			City:       ev.StringProperty("$geoip_city_name"),
			Country:    ev.StringProperty("$geoip_country_code"),
			Region:     ev.StringProperty("$geoip_subdivision_1_code"),
			PostalCode: ev.StringProperty("$geoip_postal_code"),
		},
	}
	if lat, ok := toFloat(ev.Properties["$geoip_latitude"]); ok {
		record.Location.Latitude = &lat
	}
	if lon, ok := toFloat(ev.Properties["$geoip_longitude"]); ok {
		record.Location.Longitude = &lon
	}
	return record
}

// Stringify renders a property value as an attribute string. Numbers and
// booleans use their plain text form, strings pass through and everything
// else is JSON encoded.
func Stringify(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(v)
	case json.Number:
		return v.String()
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprint(value)
	}
	return string(data)
}

func toFloat(value interface{}) (float64, bool) {
	switch value.(type) {
	case nil, bool:
		return 0, false
	}
	f, err := cast.ToFloat64E(value)
	if err != nil {
		return 0, false
	}
	return f, true
}
