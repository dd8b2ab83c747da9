package chat

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// Status is the canonical four-value presence status.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// ParseStatus maps a wire status string to a Status. Unrecognized values are
// treated as offline.
func ParseStatus(s string) Status {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusOnline:
		return StatusOnline
	case StatusAway:
		return StatusAway
	case StatusBusy:
		return StatusBusy
	default:
		return StatusOffline
	}
}

// StatusFromBool maps the legacy isOnline flag.
func StatusFromBool(online bool) Status {
	if online {
		return StatusOnline
	}
	return StatusOffline
}

// Presence is a presence observation. Zero fields mean "not reported".
type Presence struct {
	Status       Status
	LastActiveAt time.Time
}

// IsZero reports whether neither field was reported.
func (p Presence) IsZero() bool {
	return p.Status == "" && p.LastActiveAt.IsZero()
}

// presenceWire covers every transport shape seen for presence: a status
// string, a status boolean, or a separate isOnline flag.
type presenceWire struct {
	Status       json.RawMessage `json:"status"`
	IsOnline     *bool           `json:"isOnline"`
	LastActiveAt *time.Time      `json:"lastActiveAt"`
	LastSeen     *time.Time      `json:"lastSeen"`
}

func (w presenceWire) presence() Presence {
	var p Presence
	switch raw := bytes.TrimSpace(w.Status); {
	case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
	case raw[0] == '"':
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			p.Status = ParseStatus(s)
		}
	case bytes.Equal(raw, []byte("true")):
		p.Status = StatusOnline
	case bytes.Equal(raw, []byte("false")):
		p.Status = StatusOffline
	default:
		p.Status = StatusOffline
	}
	if p.Status == "" && w.IsOnline != nil {
		p.Status = StatusFromBool(*w.IsOnline)
	}
	switch {
	case w.LastActiveAt != nil:
		p.LastActiveAt = *w.LastActiveAt
	case w.LastSeen != nil:
		p.LastActiveAt = *w.LastSeen
	}
	return p
}

// UnmarshalJSON decodes a member and normalizes its presence shape.
func (m *Member) UnmarshalJSON(data []byte) error {
	type alias Member
	var wire struct {
		alias
		UserID string `json:"userId"`
		presenceWire
		Role string `json:"role"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*m = Member(wire.alias)
	if m.ID == "" {
		m.ID = wire.UserID
	}
	m.Role = ParseRole(wire.Role)
	m.Presence = wire.presenceWire.presence()
	return nil
}

// PresenceState is one entry of a presence payload.
type PresenceState struct {
	UserID   string
	Presence Presence
}

// UnmarshalJSON decodes a presence entry in any supported shape.
func (s *PresenceState) UnmarshalJSON(data []byte) error {
	var wire struct {
		UserID   string `json:"userId"`
		MemberID string `json:"memberId"`
		presenceWire
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	s.UserID = wire.UserID
	if s.UserID == "" {
		s.UserID = wire.MemberID
	}
	s.Presence = wire.presenceWire.presence()
	return nil
}
