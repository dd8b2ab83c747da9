package rest

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/matheus3301/fleetchat/internal/apierr"
	"github.com/matheus3301/fleetchat/internal/chat"
)

// ListGroups returns the conversations of the current user.
func (c *Client) ListGroups(ctx context.Context) ([]chat.Conversation, error) {
	var out []chat.Conversation
	if err := c.do(ctx, "list groups", http.MethodGet, "/chat/groups", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateGroup creates a conversation.
func (c *Client) CreateGroup(ctx context.Context, req CreateGroupRequest) (chat.Conversation, error) {
	req.normalize()
	if err := check(req); err != nil {
		return chat.Conversation{}, err
	}
	var out chat.Conversation
	if err := c.do(ctx, "create group", http.MethodPost, "/chat/groups", req, &out); err != nil {
		return chat.Conversation{}, err
	}
	return out, nil
}

// RenameGroup changes a conversation's title and, optionally, description.
func (c *Client) RenameGroup(ctx context.Context, id string, req RenameGroupRequest) (chat.Conversation, error) {
	req.normalize()
	if err := check(req); err != nil {
		return chat.Conversation{}, err
	}
	var out chat.Conversation
	if err := c.do(ctx, "rename group", http.MethodPatch, groupPath(id), req, &out); err != nil {
		return chat.Conversation{}, err
	}
	return out, nil
}

// DeleteGroup deletes a conversation.
func (c *Client) DeleteGroup(ctx context.Context, id string) error {
	return c.do(ctx, "delete group", http.MethodDelete, groupPath(id), nil, nil)
}

// memberFlight coalesces concurrent roster fetches for the same conversation.
type memberFlight struct {
	group singleflight.Group
}

// sharedFetchTimeout bounds a coalesced fetch, which no single caller's
// context governs. It leaves room for one refresh and retry.
const sharedFetchTimeout = 2 * DefaultTimeout

// ListMembers returns the roster of a conversation. Concurrent calls for the
// same conversation share one request; each caller gets its own slice and
// stops waiting when its own ctx is done.
func (c *Client) ListMembers(ctx context.Context, groupID string) ([]chat.Member, error) {
	ch := c.members.group.DoChan(groupID, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedFetchTimeout)
		defer cancel()
		var out []chat.Member
		if err := c.do(fctx, "list members", http.MethodGet, groupPath(groupID)+"/members", nil, &out); err != nil {
			return nil, err
		}
		return out, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return slices.Clone(res.Val.([]chat.Member)), nil
	}
}

// AddMember adds a member to a conversation and returns the created entry.
func (c *Client) AddMember(ctx context.Context, groupID string, req AddMemberRequest) (chat.Member, error) {
	req.MemberID = strings.TrimSpace(req.MemberID)
	if err := check(req); err != nil {
		return chat.Member{}, err
	}
	var out chat.Member
	if err := c.do(ctx, "add member", http.MethodPost, groupPath(groupID)+"/members", req, &out); err != nil {
		return chat.Member{}, err
	}
	if out.ID == "" {
		out.ID = req.MemberID
	}
	return out, nil
}

// RemoveMember removes a member from a conversation.
func (c *Client) RemoveMember(ctx context.Context, groupID, memberID string) error {
	if memberID == "" {
		return apierr.Invalid("memberId is required")
	}
	return c.do(ctx, "remove member", http.MethodDelete, memberPath(groupID, memberID), nil, nil)
}

// ChangeRole requests a role change. The roster is not updated here.
func (c *Client) ChangeRole(ctx context.Context, groupID, memberID string, role chat.Role) error {
	if memberID == "" {
		return apierr.Invalid("memberId is required")
	}
	req := changeRoleRequest{Role: role}
	if err := check(req); err != nil {
		return err
	}
	return c.do(ctx, "change role", http.MethodPatch, memberPath(groupID, memberID)+"/role", req, nil)
}

// Conversation returns the detail of one conversation.
func (c *Client) Conversation(ctx context.Context, id string) (chat.Conversation, error) {
	var out chat.Conversation
	if err := c.do(ctx, "get conversation", http.MethodGet, conversationPath(id), nil, &out); err != nil {
		return chat.Conversation{}, err
	}
	return out, nil
}

// Messages returns the most recent limit messages of a conversation.
func (c *Client) Messages(ctx context.Context, conversationID string, limit int) ([]chat.Message, error) {
	path := conversationPath(conversationID) + "/messages"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	var out []chat.Message
	if err := c.do(ctx, "list messages", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Normalize()
		if out[i].ConversationID == "" {
			out[i].ConversationID = conversationID
		}
	}
	return out, nil
}

// SendText posts a text message and returns the server-created record.
func (c *Client) SendText(ctx context.Context, conversationID, text string) (chat.Message, error) {
	req := sendMessageRequest{Type: chat.MessageText, Text: strings.TrimSpace(text)}
	if err := check(req); err != nil {
		return chat.Message{}, err
	}
	var out chat.Message
	if err := c.do(ctx, "send message", http.MethodPost, conversationPath(conversationID)+"/messages", req, &out); err != nil {
		return chat.Message{}, err
	}
	if out.ID == "" {
		return chat.Message{}, apierr.Transient("send message", fmt.Errorf("server returned a message without id"))
	}
	out.Normalize()
	if out.ConversationID == "" {
		out.ConversationID = conversationID
	}
	return out, nil
}

func groupPath(id string) string {
	return "/chat/groups/" + url.PathEscape(id)
}

func memberPath(groupID, memberID string) string {
	return groupPath(groupID) + "/members/" + url.PathEscape(memberID)
}

func conversationPath(id string) string {
	return "/chat/conversations/" + url.PathEscape(id)
}
