package store

import (
	"maps"

	"github.com/omochice/chatsync/internal/model"
)

// State is an immutable snapshot of the store.
//
// Slices and maps in a State are never modified after the snapshot is
// published; mutations build new ones.
type State struct {
	Conversations []model.Conversation
	Selected      *model.Conversation
	Messages      []model.Message
	Online        model.UserSet
	// Typing maps a conversation id to the users typing in it.
	Typing  map[string]model.UserSet
	Loading bool
	// Err is the last request error as human readable text.
	Err string
}

// SelectedID returns the selected conversation id, or "".
func (s State) SelectedID() string {
	if s.Selected == nil {
		return ""
	}
	return s.Selected.ID
}

// Message returns the message with id from the current sequence.
func (s State) Message(id string) (model.Message, bool) {
	if i := model.IndexOf(s.Messages, id); i >= 0 {
		return s.Messages[i], true
	}
	return model.Message{}, false
}

// TypingIn returns the users typing in a conversation.
func (s State) TypingIn(conversationID string) model.UserSet {
	return s.Typing[conversationID]
}

// Conversation looks a conversation up by id, preferring the selected one.
func (s State) Conversation(id string) (model.Conversation, bool) {
	if s.Selected != nil && s.Selected.ID == id {
		return *s.Selected, true
	}
	for _, c := range s.Conversations {
		if c.ID == id {
			return c, true
		}
	}
	return model.Conversation{}, false
}

// withMessage returns a copy of msgs with msgs[i] replaced.
func withMessage(msgs []model.Message, i int, m model.Message) []model.Message {
	out := make([]model.Message, len(msgs))
	copy(out, msgs)
	out[i] = m
	return out
}

// appendMessage returns a copy of msgs with m appended.
func appendMessage(msgs []model.Message, m model.Message) []model.Message {
	out := make([]model.Message, len(msgs), len(msgs)+1)
	copy(out, msgs)
	return append(out, m)
}

// withTyping returns a copy of typing with the set for conversationID
// replaced, dropping it when empty.
func withTyping(typing map[string]model.UserSet, conversationID string, set model.UserSet) map[string]model.UserSet {
	out := maps.Clone(typing)
	if out == nil {
		out = make(map[string]model.UserSet)
	}
	if set.Len() == 0 {
		delete(out, conversationID)
	} else {
		out[conversationID] = set
	}
	return out
}
