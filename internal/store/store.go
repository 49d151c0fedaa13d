// Package store implements the synchronization store: the client's view of
// conversations, messages, presence and typing, reconciled from request
// responses and push events.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/omochice/chatsync/internal/api"
	"github.com/omochice/chatsync/internal/client"
	"github.com/omochice/chatsync/internal/model"
	"github.com/omochice/chatsync/pkg/logger"
	"github.com/omochice/chatsync/pkg/protocol"
)

var (
	// ErrNotReady is returned when no current user is available.
	ErrNotReady = errors.New("no authenticated user")
	// ErrNoConversation is returned when a conversation id is missing or unknown.
	ErrNoConversation = errors.New("no conversation selected")
)

// API is the subset of the request client used by the store.
type API interface {
	ListConversations(ctx context.Context) ([]model.Conversation, error)
	OpenConversation(ctx context.Context, otherUserID, existingConversationID string) (model.Conversation, error)
	FetchHistory(ctx context.Context, conversationID string) ([]model.Message, error)
	PostMessage(ctx context.Context, msg model.Message) (model.Message, error)
	PostDeliveredReceipt(ctx context.Context, messageID, conversationID, userID string) (protocol.StatusUpdate, error)
	PostReadReceipt(ctx context.Context, messageID, conversationID, userID string) (protocol.StatusUpdate, error)
}

// Identity supplies the current user.
type Identity interface {
	CurrentUser() (model.User, bool)
}

// StaticIdentity is an Identity with a fixed user.
type StaticIdentity model.User

// CurrentUser implements Identity. A user without id is not ready.
func (s StaticIdentity) CurrentUser() (model.User, bool) {
	return model.User(s), s.ID != ""
}

// Option configures a Store.
type Option func(*Store)

// WithPresenceDeliveryInference toggles marking a one-to-one peer as having
// received earlier messages when they come online. Enabled by default.
func WithPresenceDeliveryInference(enabled bool) Option {
	return func(s *Store) { s.inferDelivery = enabled }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithClock replaces the clock used for optimistic timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store holds the client state. Mutations replace the snapshot under a
// mutex and notify subscribers outside it. Network calls are made without
// holding the mutex, so commands may interleave.
type Store struct {
	api       API
	transport client.Transport
	identity  Identity
	log       *logger.Logger
	now       func() time.Time

	inferDelivery bool

	mu         sync.Mutex
	state      State
	generation uint64
	subs       map[int]func(State)
	nextSub    int

	startMu sync.Mutex
	cancels []func()
}

// New creates a Store.
func New(api API, transport client.Transport, identity Identity, opts ...Option) *Store {
	s := &Store{
		api:           api,
		transport:     transport,
		identity:      identity,
		now:           time.Now,
		inferDelivery: true,
		state:         State{Typing: map[string]model.UserSet{}},
		subs:          make(map[int]func(State)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.L()
	}
	s.log = s.log.Named("store")
	return s
}

// Snapshot returns the current state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe registers fn to receive every new snapshot. The returned
// function cancels the subscription.
func (s *Store) Subscribe(fn func(State)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSub++
	id := s.nextSub
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// SelfID returns the current user's id, or "" when not ready.
func (s *Store) SelfID() string {
	if me, ok := s.identity.CurrentUser(); ok {
		return me.ID
	}
	return ""
}

// ClearError resets the error field.
func (s *Store) ClearError() {
	s.update(func(st *State) bool {
		if st.Err == "" {
			return false
		}
		st.Err = ""
		return true
	})
}

// update applies fn to a copy of the state. When fn reports a change the
// copy becomes the new snapshot and subscribers are notified.
func (s *Store) update(fn func(st *State) bool) {
	s.mu.Lock()
	next := s.state
	if !fn(&next) {
		s.mu.Unlock()
		return
	}
	s.state = next
	subs := make([]func(State), 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub(next)
	}
}

func (s *Store) setError(err error) {
	text := errorText(err)
	s.update(func(st *State) bool {
		st.Err = text
		st.Loading = false
		return true
	})
}

func errorText(err error) string {
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return err.Error()
}

// LoadConversations replaces the conversation list.
func (s *Store) LoadConversations(ctx context.Context) error {
	s.update(func(st *State) bool {
		st.Loading = true
		st.Err = ""
		return true
	})

	convs, err := s.api.ListConversations(ctx)
	if err != nil {
		s.setError(err)
		return err
	}

	s.update(func(st *State) bool {
		st.Conversations = convs
		st.Loading = false
		return true
	})
	return nil
}

// SelectConversation opens the conversation with otherUserID (or
// conversationID), makes it the selected one, joins it on the transport,
// loads its history and marks unread messages from others as read.
//
// History is applied only while the conversation is still the one selected
// by this call. Messages pushed during the fetch are kept.
func (s *Store) SelectConversation(ctx context.Context, otherUserID, conversationID string) error {
	me, ok := s.identity.CurrentUser()
	if !ok {
		return ErrNotReady
	}

	var gen uint64
	s.update(func(st *State) bool {
		s.generation++
		gen = s.generation
		st.Loading = true
		st.Err = ""
		return true
	})

	conv, err := s.api.OpenConversation(ctx, otherUserID, conversationID)
	if err != nil {
		s.failIfCurrent(gen, err)
		return err
	}

	stale := false
	s.update(func(st *State) bool {
		if gen != s.generation {
			stale = true
			return false
		}
		selected := conv
		st.Selected = &selected
		st.Messages = nil
		st.Typing = map[string]model.UserSet{}
		st.Conversations = upsertConversation(st.Conversations, conv)
		return true
	})
	if stale {
		return nil
	}

	if err := s.transport.JoinConversation(conv.ID); err != nil {
		s.log.Warn("Failed to join conversation", zap.String("conversation_id", conv.ID), zap.Error(err))
	}

	history, err := s.api.FetchHistory(ctx, conv.ID)
	if err != nil {
		s.failIfCurrent(gen, err)
		return err
	}

	var applied []model.Message
	s.update(func(st *State) bool {
		if gen != s.generation || st.SelectedID() != conv.ID {
			stale = true
			return false
		}
		st.Messages = mergeHistory(history, st.Messages)
		st.Loading = false
		applied = st.Messages
		return true
	})
	if stale {
		s.log.Debug("Dropped stale history", zap.String("conversation_id", conv.ID))
		return nil
	}

	for _, m := range applied {
		if m.SenderID == me.ID || m.ReadBy.Has(me.ID) || !m.Persisted() {
			continue
		}
		if err := s.MarkRead(ctx, m.ID, conv.ID); err != nil {
			s.log.Warn("Failed to mark message read", zap.String("message_id", m.ID), zap.Error(err))
			if ctx.Err() != nil {
				break
			}
		}
	}
	return nil
}

func (s *Store) failIfCurrent(gen uint64, err error) {
	text := errorText(err)
	s.update(func(st *State) bool {
		if gen != s.generation {
			return false
		}
		st.Loading = false
		st.Err = text
		return true
	})
}

// mergeHistory returns history followed by the pushed messages it lacks.
func mergeHistory(history, pushed []model.Message) []model.Message {
	out := make([]model.Message, 0, len(history)+len(pushed))
	for _, m := range history {
		if model.IndexOf(out, m.ID) < 0 {
			out = append(out, m)
		}
	}
	for _, m := range pushed {
		if i := model.IndexOf(out, m.ID); i >= 0 {
			out[i] = out[i].MergeStatus(m.DeliveredBy, m.ReadBy, nil)
			continue
		}
		out = append(out, m)
	}
	return out
}

func upsertConversation(convs []model.Conversation, conv model.Conversation) []model.Conversation {
	out := make([]model.Conversation, 0, len(convs)+1)
	replaced := false
	for _, c := range convs {
		if c.ID == conv.ID {
			out = append(out, conv)
			replaced = true
			continue
		}
		out = append(out, c)
	}
	if !replaced {
		out = append([]model.Conversation{conv}, out...)
	}
	return out
}

// SendMessage persists a new message and, once the server has assigned its
// id, appends it to the selected conversation, publishes it on the
// transport and posts delivery receipts for online recipients.
// Nothing is inserted when persisting fails.
func (s *Store) SendMessage(ctx context.Context, conversationID, content string, contentType model.ContentType) (model.Message, error) {
	me, ok := s.identity.CurrentUser()
	if !ok {
		return model.Message{}, ErrNotReady
	}
	if conversationID == "" {
		return model.Message{}, ErrNoConversation
	}

	out := model.NewOutgoing(conversationID, me, content, contentType, s.now())
	saved, err := s.api.PostMessage(ctx, out)
	if err != nil {
		s.setError(err)
		return model.Message{}, err
	}

	var recipients []string
	s.update(func(st *State) bool {
		if conv, ok := st.Conversation(conversationID); ok {
			recipients = onlineRecipients(conv, st.Online, me.ID)
		}
		if st.SelectedID() != conversationID || model.IndexOf(st.Messages, saved.ID) >= 0 {
			return false
		}
		st.Messages = appendMessage(st.Messages, saved)
		return true
	})

	if err := s.transport.PublishMessage(saved); err != nil {
		s.log.Warn("Failed to publish message", zap.String("message_id", saved.ID), zap.Error(err))
	}

	for _, id := range recipients {
		update, err := s.api.PostDeliveredReceipt(ctx, saved.ID, conversationID, id)
		if err != nil {
			s.log.Warn("Failed to post delivered receipt", zap.String("message_id", saved.ID), zap.String("user_id", id), zap.Error(err))
			continue
		}
		s.foldStatus(protocol.ReceiptDelivered, update)
	}
	return saved, nil
}

// onlineRecipients lists who should get a delivery receipt for a new
// message: every online member but self in a group, the online peer
// otherwise.
func onlineRecipients(conv model.Conversation, online model.UserSet, selfID string) []string {
	if conv.IsGroup {
		var ids []string
		for _, id := range conv.MemberIDs() {
			if id != selfID && online.Has(id) {
				ids = append(ids, id)
			}
		}
		return ids
	}
	if peer, ok := conv.OtherParticipant(selfID); ok && online.Has(peer.ID) {
		return []string{peer.ID}
	}
	return nil
}

// SetTyping toggles the current user in the conversation's typing set and
// emits the matching edge.
func (s *Store) SetTyping(conversationID string, isTyping bool) error {
	me, ok := s.identity.CurrentUser()
	if !ok {
		return ErrNotReady
	}
	if conversationID == "" {
		return ErrNoConversation
	}
	s.update(func(st *State) bool {
		return toggleTyping(st, conversationID, me.ID, isTyping)
	})
	return s.transport.PublishTyping(conversationID, me.ID, isTyping)
}

// MarkRead posts a read receipt for the current user.
func (s *Store) MarkRead(ctx context.Context, messageID, conversationID string) error {
	return s.markReceipt(ctx, protocol.ReceiptRead, messageID, conversationID)
}

// MarkDelivered posts a delivery receipt for the current user.
func (s *Store) MarkDelivered(ctx context.Context, messageID, conversationID string) error {
	return s.markReceipt(ctx, protocol.ReceiptDelivered, messageID, conversationID)
}

func (s *Store) markReceipt(ctx context.Context, kind protocol.ReceiptKind, messageID, conversationID string) error {
	me, ok := s.identity.CurrentUser()
	if !ok {
		return ErrNotReady
	}

	post := s.api.PostDeliveredReceipt
	if kind == protocol.ReceiptRead {
		post = s.api.PostReadReceipt
	}
	update, err := post(ctx, messageID, conversationID, me.ID)
	if err != nil {
		s.setError(err)
		return err
	}
	s.foldStatus(kind, update)
	return nil
}

// Start subscribes the store to transport events.
func (s *Store) Start() {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	if len(s.cancels) > 0 {
		return
	}
	t := s.transport
	s.cancels = []func(){
		t.OnMessageReceived(s.foldMessage),
		t.OnDelivered(func(u protocol.StatusUpdate) { s.foldStatus(protocol.ReceiptDelivered, u) }),
		t.OnRead(func(u protocol.StatusUpdate) { s.foldStatus(protocol.ReceiptRead, u) }),
		t.OnStatusUpdate(func(u protocol.StatusUpdate) { s.foldStatus("", u) }),
		t.OnUserOnline(s.foldOnline),
		t.OnUserOffline(s.foldOffline),
		t.OnTypingStart(func(p protocol.Typing) { s.foldTyping(p, true) }),
		t.OnTypingStop(func(p protocol.Typing) { s.foldTyping(p, false) }),
	}
}

// Stop removes the transport subscriptions.
func (s *Store) Stop() {
	s.startMu.Lock()
	cancels := s.cancels
	s.cancels = nil
	s.startMu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}
