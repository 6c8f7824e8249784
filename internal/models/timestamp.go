package models

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// Timestamp is an event time as sent by the host pipeline. It decodes
// RFC 3339 strings and epoch milliseconds, given as a number or a numeric
// string. Empty, null and unparseable input decode to the zero value so the
// event is kept and the normalizer substitutes the current time.
type Timestamp struct {
	time.Time
}

// NewTimestamp wraps t.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t}
}

// UnmarshalJSON never fails.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	t.Time = time.Time{}

	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}

	raw := string(data)
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil
		}
		raw = strings.TrimSpace(s)
		if raw == "" {
			return nil
		}
		if parsed, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			t.Time = parsed
			return nil
		}
	}

	if ms, ok := epochMillis(raw); ok {
		t.Time = time.UnixMilli(ms).UTC()
	}
	return nil
}

func epochMillis(raw string) (int64, bool) {
	f, err := cast.ToFloat64E(raw)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	if f > math.MaxInt64 || f < math.MinInt64 {
		return 0, false
	}
	return int64(f), true
}
