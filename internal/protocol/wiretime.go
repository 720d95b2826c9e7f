package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// WireTime is a wall-clock timestamp field that tolerates every encoding
// agents have emitted over the protocol's life: an RFC 3339 string, a bare
// number of Unix seconds, or the split-seconds object
// {"secs_since_epoch":…,"nanos_since_epoch":…}. New frames always carry the
// RFC 3339 form.
type WireTime struct {
	time.Time
}

// NewWireTime wraps t.
func NewWireTime(t time.Time) WireTime {
	return WireTime{Time: t}
}

func (w WireTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(w.Time.Format(time.RFC3339Nano))
}

// splitEpoch is the wall-clock object form produced by deployed agents.
type splitEpoch struct {
	Secs  int64 `json:"secs_since_epoch"`
	Nanos int64 `json:"nanos_since_epoch"`
}

func (w *WireTime) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("unmarshal timestamp: empty input")
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("unmarshal timestamp: %w", err)
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("unmarshal timestamp %q: %w", s, err)
		}
		w.Time = t
		return nil
	case '{':
		var se splitEpoch
		if err := json.Unmarshal(data, &se); err != nil {
			return fmt.Errorf("unmarshal timestamp object: %w", err)
		}
		w.Time = time.Unix(se.Secs, se.Nanos).UTC()
		return nil
	case 'n': // null, leave zero
		return nil
	default:
		var secs float64
		if err := json.Unmarshal(data, &secs); err != nil {
			return fmt.Errorf("unmarshal timestamp number: %w", err)
		}
		sec := int64(secs)
		nsec := int64((secs - float64(sec)) * float64(time.Second))
		w.Time = time.Unix(sec, nsec).UTC()
		return nil
	}
}
