// Package model defines the canonical in-memory shapes of the chat client.
package model

import "time"

// User is an identity record as handed over by the auth subsystem or the API.
type User struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Email          string `json:"email"`
	ProfilePicture string `json:"profilePicture,omitempty"`
}

// Conversation is a chat thread, one-to-one or group.
type Conversation struct {
	ID            string    `json:"id"`
	Name          string    `json:"name,omitempty"`
	IsGroup       bool      `json:"isGroup"`
	Members       []User    `json:"members"`
	Admins        []string  `json:"admins,omitempty"`
	LatestMessage *Message  `json:"latestMessage,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// HasMember reports whether id belongs to the conversation.
func (c Conversation) HasMember(id string) bool {
	for _, u := range c.Members {
		if u.ID == id {
			return true
		}
	}
	return false
}

// MemberIDs returns member ids in received order.
func (c Conversation) MemberIDs() []string {
	ids := make([]string, 0, len(c.Members))
	for _, u := range c.Members {
		ids = append(ids, u.ID)
	}
	return ids
}

// OtherParticipant returns the first member that is not selfID.
func (c Conversation) OtherParticipant(selfID string) (User, bool) {
	for _, u := range c.Members {
		if u.ID != selfID {
			return u, true
		}
	}
	return User{}, false
}

// DisplayName is the group name for groups and the peer's name otherwise.
func (c Conversation) DisplayName(selfID string) string {
	if c.IsGroup {
		return c.Name
	}
	if u, ok := c.OtherParticipant(selfID); ok {
		return u.Name
	}
	return c.Name
}
