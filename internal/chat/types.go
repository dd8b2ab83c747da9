package chat

import (
	"strings"
	"time"
)

// Role is a member's permission level inside a conversation.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
	RoleMember    Role = "member"
)

// ParseRole maps a wire role to a Role. Unknown values fall back to RoleMember.
func ParseRole(s string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleAdmin:
		return RoleAdmin
	case RoleModerator:
		return RoleModerator
	default:
		return RoleMember
	}
}

// Valid reports whether r is one of the three known roles.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleModerator || r == RoleMember
}

// Conversation is a group chat channel as listed for the current user.
type Conversation struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	MemberCount int    `json:"memberCount"`
	OwnerID     string `json:"ownerId,omitempty"`
	CreatedBy   string `json:"createdBy,omitempty"`
}

// Owner returns the server-provided owner, if any.
func (c Conversation) Owner() string {
	if c.OwnerID != "" {
		return c.OwnerID
	}
	return c.CreatedBy
}

// Member is one entry of a conversation roster. Presence is owned by the
// presence tracker; a roster only fills it in when producing a snapshot.
type Member struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Phone    string    `json:"phone,omitempty"`
	Role     Role      `json:"role"`
	JoinedAt time.Time `json:"joinedAt"`
	Presence Presence  `json:"-"`
}

// MessageType identifies which payload fields of a Message are meaningful.
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageVoice  MessageType = "voice"
	MessageOrder  MessageType = "order"
	MessageSystem MessageType = "system"
)

// Sender references the member who wrote a message.
type Sender struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Message is a server-assigned chat message.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	Type           MessageType `json:"type"`
	Text           string      `json:"text,omitempty"`
	ImageURL       string      `json:"imageUrl,omitempty"`
	VoiceURL       string      `json:"voiceUrl,omitempty"`
	DurationMs     int64       `json:"durationMs,omitempty"`
	OrderID        string      `json:"orderId,omitempty"`
	Sender         *Sender     `json:"sender,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// Normalize fills defaults for fields older servers omit.
func (m *Message) Normalize() {
	if m.Type == "" {
		m.Type = MessageText
	}
	if m.Type == MessageSystem {
		m.Sender = nil
	}
}
