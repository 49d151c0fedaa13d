// Package client defines the push transport consumed by the store and the
// request client.
package client

import (
	"errors"

	"github.com/omochice/chatsync/internal/model"
	"github.com/omochice/chatsync/pkg/protocol"
)

// ErrNotConnected is returned when publishing without a live connection.
var ErrNotConnected = errors.New("not connected to server")

// ReceiptPublisher emits delivery and read receipts on the push channel.
type ReceiptPublisher interface {
	PublishReceipt(kind protocol.ReceiptKind, update protocol.StatusUpdate) error
}

// Publisher emits client events. Publishing is fire-and-forget.
type Publisher interface {
	ReceiptPublisher
	JoinConversation(conversationID string) error
	PublishMessage(msg model.Message) error
	PublishTyping(conversationID, userID string, isTyping bool) error
}

// Subscriber registers callbacks for server events.
// Each method returns a function that removes the callback.
type Subscriber interface {
	OnMessageReceived(fn func(model.Message)) func()
	OnDelivered(fn func(protocol.StatusUpdate)) func()
	OnRead(fn func(protocol.StatusUpdate)) func()
	OnStatusUpdate(fn func(protocol.StatusUpdate)) func()
	OnUserOnline(fn func(userID string)) func()
	OnUserOffline(fn func(userID string)) func()
	OnTypingStart(fn func(protocol.Typing)) func()
	OnTypingStop(fn func(protocol.Typing)) func()
}

// Transport is a long-lived push connection.
// Both the WebSocket adapter and test fakes satisfy this interface.
type Transport interface {
	Publisher
	Subscriber
	IsConnected() bool
}
