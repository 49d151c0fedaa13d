// Package protocol defines the push-channel events exchanged with the server
// and the binary frame codec that carries them.
package protocol

import (
	"time"

	"github.com/omochice/chatsync/internal/model"
)

// Event is the wire name of a push-channel event.
type Event string

// Client to server.
const (
	EventSetup         Event = "setup"
	EventJoinChat      Event = "join chat"
	EventNewMessage    Event = "new message"
	EventTyping        Event = "typing"
	EventStopTyping    Event = "stop typing"
	EventMarkDelivered Event = "mark message delivered"
	EventMarkRead      Event = "mark message read"
)

// Server to client.
const (
	EventMessageReceived   Event = "message received"
	EventMessageDelivered  Event = "message delivered"
	EventMessageRead       Event = "message read"
	EventStatusUpdate      Event = "message status update"
	EventUserOnline        Event = "user online"
	EventUserOffline       Event = "user offline"
	EventUserTyping        Event = "user typing"
	EventUserStoppedTyping Event = "user stopped typing"
)

// String returns the wire name.
func (e Event) String() string { return string(e) }

// Known reports whether e is one of the defined events.
func (e Event) Known() bool {
	switch e {
	case EventSetup, EventJoinChat, EventNewMessage, EventTyping, EventStopTyping,
		EventMarkDelivered, EventMarkRead,
		EventMessageReceived, EventMessageDelivered, EventMessageRead, EventStatusUpdate,
		EventUserOnline, EventUserOffline, EventUserTyping, EventUserStoppedTyping:
		return true
	default:
		return false
	}
}

// ReceiptKind distinguishes delivery from read receipts.
type ReceiptKind string

const (
	ReceiptDelivered ReceiptKind = "delivered"
	ReceiptRead      ReceiptKind = "read"
)

// OutgoingEvent returns the event a client emits for the receipt.
func (k ReceiptKind) OutgoingEvent() Event {
	if k == ReceiptRead {
		return EventMarkRead
	}
	return EventMarkDelivered
}

// IncomingEvent returns the event the server pushes for the receipt.
func (k ReceiptKind) IncomingEvent() Event {
	if k == ReceiptRead {
		return EventMessageRead
	}
	return EventMessageDelivered
}

// Setup announces the connected user.
type Setup struct {
	UserID string `json:"userId"`
}

// Join subscribes the connection to a conversation room.
type Join struct {
	ConversationID string `json:"conversationId"`
}

// MessagePayload carries a persisted message.
type MessagePayload struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversationId"`
	SenderID       string            `json:"senderId"`
	Sender         model.User        `json:"sender"`
	Content        string            `json:"content"`
	ContentType    model.ContentType `json:"contentType"`
	Timestamp      time.Time         `json:"timestamp"`
	DeliveredBy    []string          `json:"deliveredBy"`
	ReadBy         []string          `json:"readBy"`
	IsRead         bool              `json:"isRead"`
	// Members lets the relay address room members that have not joined yet.
	Members []string `json:"members,omitempty"`
}

// NewMessagePayload converts a canonical message.
func NewMessagePayload(m model.Message) MessagePayload {
	return MessagePayload{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Sender:         m.Sender,
		Content:        m.Content,
		ContentType:    m.ContentType,
		Timestamp:      m.Timestamp,
		DeliveredBy:    m.DeliveredBy.Slice(),
		ReadBy:         m.ReadBy.Slice(),
		IsRead:         m.IsRead,
	}
}

// Model converts the payload to a canonical message.
// The sender always counts as delivered and read.
func (p MessagePayload) Model() model.Message {
	senderID := p.SenderID
	if senderID == "" {
		senderID = p.Sender.ID
	}
	sender := p.Sender
	if sender.ID == "" {
		sender.ID = senderID
	}
	return model.Message{
		ID:             p.ID,
		ConversationID: p.ConversationID,
		SenderID:       senderID,
		Sender:         sender,
		Content:        p.Content,
		ContentType:    model.ParseContentType(string(p.ContentType)),
		Timestamp:      p.Timestamp,
		DeliveredBy:    model.NewUserSet(senderID).Union(p.DeliveredBy).Union(p.ReadBy),
		ReadBy:         model.NewUserSet(senderID).Union(p.ReadBy),
		IsRead:         p.IsRead,
	}
}

// Typing reports a typing edge for a user in a conversation.
type Typing struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// Presence reports a user going online or offline.
type Presence struct {
	UserID string `json:"userId"`
}

// StatusUpdate is a delivery or read receipt.
//
// UserID names the user the receipt is about. DeliveredBy and ReadBy carry
// the full sets when the server knows them. IsRead is nil when absent.
type StatusUpdate struct {
	MessageID      string   `json:"messageId"`
	ConversationID string   `json:"conversationId"`
	UserID         string   `json:"userId,omitempty"`
	DeliveredBy    []string `json:"deliveredBy,omitempty"`
	ReadBy         []string `json:"readBy,omitempty"`
	IsRead         *bool    `json:"isRead,omitempty"`
}

// Sets returns the delivered and read users the update implies for kind.
// A receipt naming only UserID counts that user under kind.
func (u StatusUpdate) Sets(kind ReceiptKind) (deliveredBy, readBy []string) {
	deliveredBy = append(deliveredBy, u.DeliveredBy...)
	readBy = append(readBy, u.ReadBy...)
	if u.UserID != "" {
		switch kind {
		case ReceiptRead:
			readBy = append(readBy, u.UserID)
		case ReceiptDelivered:
			deliveredBy = append(deliveredBy, u.UserID)
		}
	}
	return deliveredBy, readBy
}
