package rest

import (
	"strings"

	"github.com/matheus3301/fleetchat/internal/chat"
)

// CreateGroupRequest is the body of POST /chat/groups.
type CreateGroupRequest struct {
	Title       string   `json:"title" validate:"required,max=100"`
	Description string   `json:"description,omitempty" validate:"max=500"`
	MemberIDs   []string `json:"memberIds,omitempty" validate:"dive,required"`
}

func (r *CreateGroupRequest) normalize() {
	r.Title = strings.TrimSpace(r.Title)
	r.Description = strings.TrimSpace(r.Description)
}

// RenameGroupRequest is the body of PATCH /chat/groups/:id.
type RenameGroupRequest struct {
	Title       string  `json:"title" validate:"required,max=100"`
	Description *string `json:"description,omitempty" validate:"omitempty,max=500"`
}

func (r *RenameGroupRequest) normalize() {
	r.Title = strings.TrimSpace(r.Title)
}

// AddMemberRequest is the body of POST /chat/groups/:id/members.
type AddMemberRequest struct {
	MemberID string    `json:"memberId" validate:"required"`
	Role     chat.Role `json:"role,omitempty" validate:"omitempty,oneof=admin moderator member"`
}

type changeRoleRequest struct {
	Role chat.Role `json:"role" validate:"required,oneof=admin moderator member"`
}

type sendMessageRequest struct {
	Type chat.MessageType `json:"type"`
	Text string           `json:"text" validate:"required,max=4000"`
}
