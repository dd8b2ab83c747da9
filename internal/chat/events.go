package chat

import "encoding/json"

// Socket event names consumed from the server.
const (
	EventMessageNew     = "message:new"
	EventPresenceBulk   = "presence:bulk"
	EventPresenceUpdate = "presence:update"
	EventMemberAdded    = "member:added"
	EventMemberRemoved  = "member:removed"
	EventGroupUpdated   = "group:updated"
	EventGroupDeleted   = "group:deleted"
)

// Socket event names emitted by the client.
const (
	EmitJoinConversation    = "join:conversation"
	EmitLeaveConversation   = "leave:conversation"
	EmitPresenceSubscribe   = "presence:subscribe"
	EmitPresenceUnsubscribe = "presence:unsubscribe"
	EmitPresenceHere        = "presence:here"
	EmitPresencePing        = "presence:ping"
	EmitJoinAll             = "conversations:joinAll"
)

// RoomPayload is the body of every conversation-scoped emit.
type RoomPayload struct {
	ConversationID string `json:"conversationId"`
}

// JoinAllPayload is the body of conversations:joinAll.
type JoinAllPayload struct {
	ConversationIDs []string `json:"conversationIds"`
}

// PresenceBulk is the body of presence:bulk.
type PresenceBulk struct {
	ConversationID string          `json:"conversationId"`
	States         []PresenceState `json:"states"`
}

// PresenceUpdate is the body of presence:update.
type PresenceUpdate struct {
	ConversationID string `json:"conversationId"`
	PresenceState
}

// UnmarshalJSON decodes the flat update shape.
func (u *PresenceUpdate) UnmarshalJSON(data []byte) error {
	var room RoomPayload
	if err := json.Unmarshal(data, &room); err != nil {
		return err
	}
	if err := u.PresenceState.UnmarshalJSON(data); err != nil {
		return err
	}
	u.ConversationID = room.ConversationID
	return nil
}

// MemberAdded is the body of member:added.
type MemberAdded struct {
	ConversationID string `json:"conversationId"`
	Member         Member `json:"member"`
}

// MemberRemoved is the body of member:removed.
type MemberRemoved struct {
	ConversationID string `json:"conversationId"`
	MemberID       string `json:"memberId"`
}

// GroupUpdated is the body of group:updated. Nil fields were not changed.
type GroupUpdated struct {
	ConversationID string  `json:"conversationId"`
	Title          *string `json:"title,omitempty"`
	Description    *string `json:"description,omitempty"`
	MemberCount    *int    `json:"memberCount,omitempty"`
}

// GroupDeleted is the body of group:deleted.
type GroupDeleted struct {
	ConversationID string `json:"conversationId"`
}
