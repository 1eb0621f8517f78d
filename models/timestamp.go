package models

import (
	"bytes"
	"fmt"
	"time"
)

// zonelessLayout matches server timestamps serialized without an offset.
const zonelessLayout = "2006-01-02T15:04:05.9999999"

// Timestamp is a server clock value. Values without an offset are read as UTC.
type Timestamp struct {
	time.Time
}

// At wraps t as a Timestamp.
func At(t time.Time) Timestamp {
	return Timestamp{Time: t.UTC()}
}

// UnmarshalJSON accepts RFC 3339 and zone-less ISO 8601 strings.
func (t *Timestamp) UnmarshalJSON(raw []byte) error {
	if bytes.Equal(raw, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	if len(raw) < 2 || raw[0] != '"' || raw[len(raw)-1] != '"' {
		return fmt.Errorf("timestamp must be a JSON string, got %s", raw)
	}
	value := string(raw[1 : len(raw)-1])

	if parsed, err := time.Parse(time.RFC3339Nano, value); err == nil {
		t.Time = parsed.UTC()
		return nil
	}
	parsed, err := time.ParseInLocation(zonelessLayout, value, time.UTC)
	if err != nil {
		return fmt.Errorf("parse timestamp %q: %w", value, err)
	}
	t.Time = parsed
	return nil
}

// MarshalJSON writes RFC 3339 in UTC.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return []byte(`"` + t.UTC().Format(time.RFC3339Nano) + `"`), nil
}
