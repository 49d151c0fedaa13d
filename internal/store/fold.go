package store

import (
	"github.com/omochice/chatsync/internal/model"
	"github.com/omochice/chatsync/pkg/protocol"
)

// Every fold is idempotent and commutative with the others: sets only grow
// by union and messages are keyed by id.

// foldMessage appends a pushed message to the selected conversation.
func (s *Store) foldMessage(m model.Message) {
	s.update(func(st *State) bool {
		changed := false
		for i, c := range st.Conversations {
			if c.ID == m.ConversationID && m.Persisted() && (c.LatestMessage == nil || c.LatestMessage.ID != m.ID) {
				latest := m
				c.LatestMessage = &latest
				convs := make([]model.Conversation, len(st.Conversations))
				copy(convs, st.Conversations)
				convs[i] = c
				st.Conversations = convs
				changed = true
				break
			}
		}

		if !m.Persisted() || st.SelectedID() != m.ConversationID {
			return changed
		}
		if i := model.IndexOf(st.Messages, m.ID); i >= 0 {
			merged := st.Messages[i].MergeStatus(m.DeliveredBy, m.ReadBy, nil)
			if statusEqual(merged, st.Messages[i]) {
				return changed
			}
			st.Messages = withMessage(st.Messages, i, merged)
			return true
		}
		st.Messages = appendMessage(st.Messages, m)
		return true
	})
}

// foldStatus unions a receipt into the matching message. kind names the
// set a bare UserID belongs to; it is empty for combined status updates.
// Updates for other conversations or unknown messages are ignored.
func (s *Store) foldStatus(kind protocol.ReceiptKind, u protocol.StatusUpdate) {
	deliveredBy, readBy := u.Sets(kind)
	s.update(func(st *State) bool {
		if st.Selected == nil {
			return false
		}
		if u.ConversationID != "" && u.ConversationID != st.Selected.ID {
			return false
		}
		i := model.IndexOf(st.Messages, u.MessageID)
		if i < 0 {
			return false
		}
		merged := st.Messages[i].MergeStatus(deliveredBy, readBy, u.IsRead)
		if statusEqual(merged, st.Messages[i]) {
			return false
		}
		st.Messages = withMessage(st.Messages, i, merged)
		return true
	})
}

// foldOnline adds a user to the presence set. With delivery inference on,
// a peer coming online in the selected one-to-one conversation is recorded
// as having received every message sent to them.
func (s *Store) foldOnline(userID string) {
	if userID == "" {
		return
	}
	selfID := s.SelfID()
	s.update(func(st *State) bool {
		changed := false
		if !st.Online.Has(userID) {
			st.Online = st.Online.Add(userID)
			changed = true
		}
		if !s.inferDelivery || st.Selected == nil || st.Selected.IsGroup || userID == selfID {
			return changed
		}
		peer, ok := st.Selected.OtherParticipant(selfID)
		if !ok || peer.ID != userID {
			return changed
		}

		var msgs []model.Message
		for i, m := range st.Messages {
			if m.SenderID == userID || m.DeliveredBy.Has(userID) {
				continue
			}
			if msgs == nil {
				msgs = make([]model.Message, len(st.Messages))
				copy(msgs, st.Messages)
			}
			msgs[i].DeliveredBy = m.DeliveredBy.Add(userID)
		}
		if msgs != nil {
			st.Messages = msgs
			changed = true
		}
		return changed
	})
}

// foldOffline removes a user from presence and from every typing set.
func (s *Store) foldOffline(userID string) {
	s.update(func(st *State) bool {
		changed := false
		if st.Online.Has(userID) {
			st.Online = st.Online.Remove(userID)
			changed = true
		}
		for conv, set := range st.Typing {
			if set.Has(userID) {
				st.Typing = withTyping(st.Typing, conv, set.Remove(userID))
				changed = true
			}
		}
		return changed
	})
}

// foldTyping applies a typing start or stop edge.
func (s *Store) foldTyping(p protocol.Typing, isTyping bool) {
	if p.ConversationID == "" || p.UserID == "" {
		return
	}
	s.update(func(st *State) bool {
		return toggleTyping(st, p.ConversationID, p.UserID, isTyping)
	})
}

func toggleTyping(st *State, conversationID, userID string, isTyping bool) bool {
	set := st.Typing[conversationID]
	if set.Has(userID) == isTyping {
		return false
	}
	if isTyping {
		set = set.Add(userID)
	} else {
		set = set.Remove(userID)
	}
	st.Typing = withTyping(st.Typing, conversationID, set)
	return true
}

func statusEqual(a, b model.Message) bool {
	return a.IsRead == b.IsRead &&
		a.DeliveredBy.Len() == b.DeliveredBy.Len() &&
		a.ReadBy.Len() == b.ReadBy.Len()
}
