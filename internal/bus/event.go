package bus

import "time"

// Event kinds published by the sync core. Subscribers filter by prefix, e.g.
// "conn." or "session.".
const (
	ConnStateChanged = "conn.state_changed"
	ConnConnected    = "conn.connected"
	ConnDisconnected = "conn.disconnected"
	ConnAuthFailed   = "conn.auth_failed"

	SessionActivated    = "session.activated"
	SessionDeactivated  = "session.deactivated"
	SessionAuthRequired = "session.auth_required"
	SessionDeleted      = "session.deleted"

	StreamChanged    = "stream.changed"
	PresenceChanged  = "presence.changed"
	RosterChanged    = "roster.changed"
	DirectoryChanged = "directory.changed"
)

// Event is a lifecycle or store-change notification.
type Event struct {
	Kind           string
	ConversationID string
	Timestamp      time.Time
	Payload        any
}
