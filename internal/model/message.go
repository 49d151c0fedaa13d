package model

import (
	"strings"
	"time"
)

// ContentType describes how a message's content is rendered.
type ContentType string

const (
	ContentTypeText    ContentType = "text"
	ContentTypeSticker ContentType = "sticker"
	ContentTypeGIF     ContentType = "gif"
)

// ParseContentType maps a wire value to a ContentType.
// Empty and unknown values become ContentTypeText.
func ParseContentType(s string) ContentType {
	switch ContentType(strings.ToLower(s)) {
	case ContentTypeSticker:
		return ContentTypeSticker
	case ContentTypeGIF:
		return ContentTypeGIF
	default:
		return ContentTypeText
	}
}

// Message is a single content unit within a conversation.
type Message struct {
	// ID is empty until the server assigns one.
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	Sender         User        `json:"sender"`
	Content        string      `json:"content"`
	ContentType    ContentType `json:"contentType"`
	Timestamp      time.Time   `json:"timestamp"`
	DeliveredBy    UserSet     `json:"deliveredBy"`
	ReadBy         UserSet     `json:"readBy"`
	IsRead         bool        `json:"isRead"`
}

// NewOutgoing builds the optimistic local copy of a message about to be sent.
// The sender is the first member of both DeliveredBy and ReadBy.
func NewOutgoing(conversationID string, sender User, content string, contentType ContentType, now time.Time) Message {
	if contentType == "" {
		contentType = ContentTypeText
	}
	return Message{
		ConversationID: conversationID,
		SenderID:       sender.ID,
		Sender:         sender,
		Content:        content,
		ContentType:    contentType,
		Timestamp:      now,
		DeliveredBy:    NewUserSet(sender.ID),
		ReadBy:         NewUserSet(sender.ID),
	}
}

// Persisted reports whether the server has assigned an id.
func (m Message) Persisted() bool {
	return m.ID != ""
}

// DeliveredTo reports whether id has received the message.
func (m Message) DeliveredTo(id string) bool {
	return m.SenderID == id || m.DeliveredBy.Has(id)
}

// ReadByUser reports whether id has read the message.
func (m Message) ReadByUser(id string) bool {
	return m.SenderID == id || m.ReadBy.Has(id)
}

// MergeStatus folds delivery and read sets into m by union.
// Users in readBy are also added to DeliveredBy. isRead replaces IsRead only
// when non-nil.
func (m Message) MergeStatus(deliveredBy, readBy []string, isRead *bool) Message {
	m.DeliveredBy = m.DeliveredBy.Union(deliveredBy).Union(readBy)
	m.ReadBy = m.ReadBy.Union(readBy)
	if isRead != nil {
		m.IsRead = *isRead
	}
	return m
}

// IndexOf returns the position of the message with id in msgs, or -1.
func IndexOf(msgs []Message, id string) int {
	if id == "" {
		return -1
	}
	for i := range msgs {
		if msgs[i].ID == id {
			return i
		}
	}
	return -1
}
