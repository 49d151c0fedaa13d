package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"

	"github.com/omochice/chatsync/internal/model"
)

// rawUser is a user as the server sends it.
type rawUser struct {
	ID             string `json:"_id"`
	AltID          string `json:"id"`
	Name           string `json:"name"`
	Email          string `json:"email"`
	ProfilePicture string `json:"profilePicture"`
}

func (u rawUser) id() string {
	if u.ID != "" {
		return u.ID
	}
	return u.AltID
}

func (u rawUser) model() model.User {
	return model.User{ID: u.id(), Name: u.Name, Email: u.Email, ProfilePicture: u.ProfilePicture}
}

// ref is a populated object or a bare id string.
type ref struct {
	rawUser
}

func (r *ref) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &r.ID)
	}
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	return json.Unmarshal(data, &r.rawUser)
}

type rawMessage struct {
	ID          string     `json:"_id"`
	Chat        ref        `json:"chat"`
	ChatID      string     `json:"chatId"`
	Sender      ref        `json:"sender"`
	SenderID    string     `json:"senderId"`
	Content     string     `json:"content"`
	ContentType string     `json:"contentType"`
	CreatedAt   *time.Time `json:"createdAt"`
	Timestamp   *time.Time `json:"timestamp"`
	DeliveredBy []string   `json:"deliveredBy"`
	ReadBy      []string   `json:"readBy"`
	IsRead      bool       `json:"isRead"`
}

type rawChat struct {
	ID            string      `json:"_id"`
	ChatName      string      `json:"chatName"`
	IsGroupChat   bool        `json:"isGroupChat"`
	Users         []rawUser   `json:"users"`
	GroupAdmins   []ref       `json:"groupAdmins"`
	GroupAdmin    *ref        `json:"groupAdmin"`
	LatestMessage *rawMessage `json:"latestMessage"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

type rawStatus struct {
	UpdatedMessage *struct {
		DeliveredBy []string `json:"deliveredBy"`
		ReadBy      []string `json:"readBy"`
		IsRead      *bool    `json:"isRead"`
	} `json:"updatedMessage"`
}

var (
	errMissingMessageID = errors.New("message without id")
	errMissingSenderID  = errors.New("message without sender id")
	errMissingChatID    = errors.New("conversation without id")
)

// toMessage translates a wire message. senderDefaults adds the sender to
// absent delivery and read sets.
func (m rawMessage) toMessage(senderDefaults bool) (model.Message, error) {
	if m.ID == "" {
		return model.Message{}, errMissingMessageID
	}
	senderID := m.Sender.id()
	if senderID == "" {
		senderID = m.SenderID
	}
	if senderID == "" {
		return model.Message{}, errMissingSenderID
	}
	chatID := m.Chat.id()
	if chatID == "" {
		chatID = m.ChatID
	}

	sender := m.Sender.model()
	sender.ID = senderID

	ts := time.Time{}
	switch {
	case m.CreatedAt != nil:
		ts = *m.CreatedAt
	case m.Timestamp != nil:
		ts = *m.Timestamp
	}

	delivered, read := m.DeliveredBy, m.ReadBy
	if senderDefaults {
		if delivered == nil {
			delivered = []string{senderID}
		}
		if read == nil {
			read = []string{senderID}
		}
	}

	return model.Message{
		ID:             m.ID,
		ConversationID: chatID,
		SenderID:       senderID,
		Sender:         sender,
		Content:        m.Content,
		ContentType:    model.ParseContentType(m.ContentType),
		Timestamp:      ts,
		DeliveredBy:    model.NewUserSet(delivered...).Union(read),
		ReadBy:         model.NewUserSet(read...),
		IsRead:         m.IsRead,
	}, nil
}

func (c rawChat) toConversation() (model.Conversation, error) {
	if c.ID == "" {
		return model.Conversation{}, errMissingChatID
	}
	conv := model.Conversation{
		ID:        c.ID,
		Name:      c.ChatName,
		IsGroup:   c.IsGroupChat,
		Members:   make([]model.User, 0, len(c.Users)),
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
	for _, u := range c.Users {
		conv.Members = append(conv.Members, u.model())
	}
	admins := model.NewUserSet()
	if c.GroupAdmin != nil {
		admins = admins.Add(c.GroupAdmin.id())
	}
	for _, a := range c.GroupAdmins {
		admins = admins.Add(a.id())
	}
	if admins.Len() > 0 {
		conv.Admins = admins.Slice()
	}
	if c.LatestMessage != nil {
		if latest, err := c.LatestMessage.toMessage(false); err == nil {
			if latest.ConversationID == "" {
				latest.ConversationID = c.ID
			}
			conv.LatestMessage = &latest
		}
	}
	return conv, nil
}

// unwrapList accepts a bare array or an object holding the array under key.
func unwrapList(body []byte, key string) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return json.RawMessage("[]"), nil
	}
	if trimmed[0] == '[' {
		return trimmed, nil
	}
	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return nil, err
	}
	list, ok := wrapped[key]
	if !ok || bytes.Equal(bytes.TrimSpace(list), []byte("null")) {
		return json.RawMessage("[]"), nil
	}
	return list, nil
}
