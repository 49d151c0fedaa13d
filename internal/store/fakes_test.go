package store_test

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/omochice/chatsync/internal/model"
	"github.com/omochice/chatsync/pkg/protocol"
)

type receipt struct {
	kind                              protocol.ReceiptKind
	messageID, conversationID, userID string
}

// fakeAPI serves canned responses. historyGate, when set for a
// conversation, blocks FetchHistory until the channel is closed.
type fakeAPI struct {
	mu            sync.Mutex
	conversations []model.Conversation
	byPeer        map[string]model.Conversation
	history       map[string][]model.Message
	historyGate   map[string]chan struct{}
	listErr       error
	historyErr    error
	postErr       error
	receiptErr    error
	posted        []model.Message
	receipts      []receipt
	nextID        int
	beforeReturn  func(saved model.Message)
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		byPeer:      make(map[string]model.Conversation),
		history:     make(map[string][]model.Message),
		historyGate: make(map[string]chan struct{}),
	}
}

func (f *fakeAPI) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.conversations, nil
}

func (f *fakeAPI) OpenConversation(ctx context.Context, otherUserID, existingConversationID string) (model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.byPeer[otherUserID]; ok && otherUserID != "" {
		return c, nil
	}
	for _, c := range f.byPeer {
		if c.ID == existingConversationID {
			return c, nil
		}
	}
	return model.Conversation{}, errors.New("Chat not found")
}

func (f *fakeAPI) FetchHistory(ctx context.Context, conversationID string) ([]model.Message, error) {
	f.mu.Lock()
	gate := f.historyGate[conversationID]
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	return f.history[conversationID], nil
}

func (f *fakeAPI) PostMessage(ctx context.Context, msg model.Message) (model.Message, error) {
	f.mu.Lock()
	if f.postErr != nil {
		f.mu.Unlock()
		return model.Message{}, f.postErr
	}
	f.nextID++
	saved := msg
	saved.ID = "srv-" + strconv.Itoa(f.nextID)
	f.posted = append(f.posted, saved)
	hook := f.beforeReturn
	f.mu.Unlock()

	if hook != nil {
		hook(saved)
	}
	return saved, nil
}

func (f *fakeAPI) PostDeliveredReceipt(ctx context.Context, messageID, conversationID, userID string) (protocol.StatusUpdate, error) {
	return f.receipt(protocol.ReceiptDelivered, messageID, conversationID, userID)
}

func (f *fakeAPI) PostReadReceipt(ctx context.Context, messageID, conversationID, userID string) (protocol.StatusUpdate, error) {
	return f.receipt(protocol.ReceiptRead, messageID, conversationID, userID)
}

func (f *fakeAPI) receipt(kind protocol.ReceiptKind, messageID, conversationID, userID string) (protocol.StatusUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receiptErr != nil {
		return protocol.StatusUpdate{}, f.receiptErr
	}
	f.receipts = append(f.receipts, receipt{kind, messageID, conversationID, userID})
	return protocol.StatusUpdate{MessageID: messageID, ConversationID: conversationID, UserID: userID}, nil
}

func (f *fakeAPI) receiptsOf(kind protocol.ReceiptKind) []receipt {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []receipt
	for _, r := range f.receipts {
		if r.kind == kind {
			out = append(out, r)
		}
	}
	return out
}

// fakeTransport records publishes and lets tests push events synchronously.
type fakeTransport struct {
	mu        sync.Mutex
	joined    []string
	published []model.Message
	typing    []protocol.Typing
	stops     []protocol.Typing

	messages []func(model.Message)
	status   map[string][]func(protocol.StatusUpdate)
	presence map[string][]func(string)
	typings  map[string][]func(protocol.Typing)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		status:   make(map[string][]func(protocol.StatusUpdate)),
		presence: make(map[string][]func(string)),
		typings:  make(map[string][]func(protocol.Typing)),
	}
}

func (f *fakeTransport) JoinConversation(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, id)
	return nil
}

func (f *fakeTransport) PublishMessage(m model.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, m)
	return nil
}

func (f *fakeTransport) PublishTyping(conversationID, userID string, isTyping bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := protocol.Typing{ConversationID: conversationID, UserID: userID}
	if isTyping {
		f.typing = append(f.typing, p)
	} else {
		f.stops = append(f.stops, p)
	}
	return nil
}

func (f *fakeTransport) PublishReceipt(kind protocol.ReceiptKind, u protocol.StatusUpdate) error {
	return nil
}

func (f *fakeTransport) IsConnected() bool { return true }

func (f *fakeTransport) OnMessageReceived(fn func(model.Message)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, fn)
	i := len(f.messages) - 1
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.messages[i] = nil
	}
}

func (f *fakeTransport) onStatus(key string, fn func(protocol.StatusUpdate)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[key] = append(f.status[key], fn)
	i := len(f.status[key]) - 1
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.status[key][i] = nil
	}
}

func (f *fakeTransport) onPresence(key string, fn func(string)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presence[key] = append(f.presence[key], fn)
	i := len(f.presence[key]) - 1
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.presence[key][i] = nil
	}
}

func (f *fakeTransport) onTyping(key string, fn func(protocol.Typing)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typings[key] = append(f.typings[key], fn)
	i := len(f.typings[key]) - 1
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.typings[key][i] = nil
	}
}

func (f *fakeTransport) OnDelivered(fn func(protocol.StatusUpdate)) func() {
	return f.onStatus("delivered", fn)
}

func (f *fakeTransport) OnRead(fn func(protocol.StatusUpdate)) func() {
	return f.onStatus("read", fn)
}

func (f *fakeTransport) OnStatusUpdate(fn func(protocol.StatusUpdate)) func() {
	return f.onStatus("status", fn)
}

func (f *fakeTransport) OnUserOnline(fn func(string)) func() { return f.onPresence("online", fn) }

func (f *fakeTransport) OnUserOffline(fn func(string)) func() { return f.onPresence("offline", fn) }

func (f *fakeTransport) OnTypingStart(fn func(protocol.Typing)) func() {
	return f.onTyping("start", fn)
}

func (f *fakeTransport) OnTypingStop(fn func(protocol.Typing)) func() {
	return f.onTyping("stop", fn)
}

func (f *fakeTransport) pushMessage(m model.Message) {
	f.mu.Lock()
	fns := append([]func(model.Message){}, f.messages...)
	f.mu.Unlock()
	for _, fn := range fns {
		if fn != nil {
			fn(m)
		}
	}
}

func (f *fakeTransport) pushStatus(key string, u protocol.StatusUpdate) {
	f.mu.Lock()
	fns := append([]func(protocol.StatusUpdate){}, f.status[key]...)
	f.mu.Unlock()
	for _, fn := range fns {
		if fn != nil {
			fn(u)
		}
	}
}

func (f *fakeTransport) pushPresence(key, userID string) {
	f.mu.Lock()
	fns := append([]func(string){}, f.presence[key]...)
	f.mu.Unlock()
	for _, fn := range fns {
		if fn != nil {
			fn(userID)
		}
	}
}

func (f *fakeTransport) pushTyping(key string, p protocol.Typing) {
	f.mu.Lock()
	fns := append([]func(protocol.Typing){}, f.typings[key]...)
	f.mu.Unlock()
	for _, fn := range fns {
		if fn != nil {
			fn(p)
		}
	}
}
