package models

import (
	"encoding/json"
	"fmt"
)

// Status is the soft-delete state of an object. On the wire it travels as
// the boolean "live" field.
type Status int

const (
	StatusUnknown Status = iota
	StatusLive
	StatusArchived
)

func StatusFromLive(live bool) Status {
	if live {
		return StatusLive
	}
	return StatusArchived
}

func (s Status) Live() bool {
	return s == StatusLive
}

func (s Status) String() string {
	switch s {
	case StatusLive:
		return "live"
	case StatusArchived:
		return "archived"
	default:
		return "unknown"
	}
}

func (s Status) MarshalJSON() ([]byte, error) {
	switch s {
	case StatusLive:
		return []byte("true"), nil
	case StatusArchived:
		return []byte("false"), nil
	default:
		return nil, fmt.Errorf("cannot encode status %d", int(s))
	}
}

func (s *Status) UnmarshalJSON(b []byte) error {
	var live bool
	if err := json.Unmarshal(b, &live); err != nil {
		return fmt.Errorf("live must be a boolean: %w", err)
	}
	*s = StatusFromLive(live)
	return nil
}
