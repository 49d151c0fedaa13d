package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/omochice/chatsync/internal/model"
)

// ListGroups returns the group conversations of the current user.
func (c *Client) ListGroups(ctx context.Context) ([]model.Conversation, error) {
	const op, fallback = "list groups", "Failed to fetch groups."

	var body json.RawMessage
	status, err := c.do(ctx, op, fallback, http.MethodGet, "/api/chats/group", nil, &body)
	if err != nil {
		return nil, err
	}
	return decodeConversations(op, fallback, status, body, "groups")
}

// CreateGroup creates a group named name with the given members.
func (c *Client) CreateGroup(ctx context.Context, name string, memberIDs []string) (model.Conversation, error) {
	// The server expects the member list as a JSON encoded string.
	users, err := json.Marshal(memberIDs)
	if err != nil {
		return model.Conversation{}, &Error{Op: "create group", Message: "Failed to create group.", Err: err}
	}
	req := map[string]string{"name": name, "users": string(users)}
	return c.groupCall(ctx, "create group", "Failed to create group.", http.MethodPost, "/api/chats/group", req)
}

// UpdateGroupInfo renames a group.
func (c *Client) UpdateGroupInfo(ctx context.Context, groupID, name string) (model.Conversation, error) {
	req := map[string]string{"chatName": name}
	return c.groupCall(ctx, "update group", "Failed to update group info.", http.MethodPut, groupPath(groupID, "/info"), req)
}

// AddMembers adds users to a group.
func (c *Client) AddMembers(ctx context.Context, groupID string, userIDs []string) (model.Conversation, error) {
	req := map[string][]string{"userIds": userIDs}
	return c.groupCall(ctx, "add members", "Failed to add members.", http.MethodPut, groupPath(groupID, "/add-members"), req)
}

// RemoveMembers removes users from a group.
func (c *Client) RemoveMembers(ctx context.Context, groupID string, userIDs []string) (model.Conversation, error) {
	req := map[string][]string{"userIds": userIDs}
	return c.groupCall(ctx, "remove members", "Failed to remove members.", http.MethodPut, groupPath(groupID, "/remove-members"), req)
}

// LeaveGroup removes the current user from a group.
func (c *Client) LeaveGroup(ctx context.Context, groupID string) (model.Conversation, error) {
	return c.groupCall(ctx, "leave group", "Failed to leave group.", http.MethodPost, groupPath(groupID, "/leave"), struct{}{})
}

// DeleteGroup deletes a group.
func (c *Client) DeleteGroup(ctx context.Context, groupID string) error {
	_, err := c.do(ctx, "delete group", "Failed to delete group.", http.MethodDelete, groupPath(groupID, ""), nil, nil)
	return err
}

func (c *Client) groupCall(ctx context.Context, op, fallback, method, path string, in any) (model.Conversation, error) {
	var raw rawChat
	status, err := c.do(ctx, op, fallback, method, path, in, &raw)
	if err != nil {
		return model.Conversation{}, err
	}
	conv, err := raw.toConversation()
	if err != nil {
		return model.Conversation{}, invalidPayload(op, fallback, status, "%v", err)
	}
	return conv, nil
}

func groupPath(groupID, suffix string) string {
	return "/api/chats/group/" + url.PathEscape(groupID) + suffix
}
