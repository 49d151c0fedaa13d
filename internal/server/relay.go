package server

import (
	"go.uber.org/zap"

	"github.com/omochice/chatsync/internal/chat"
	"github.com/omochice/chatsync/internal/model"
	"github.com/omochice/chatsync/pkg/metrics"
	"github.com/omochice/chatsync/pkg/protocol"
)

// handleFrame routes one frame received from session.
func (s *Server) handleFrame(session *chat.Session, data []byte) {
	frame, err := protocol.Decode(data)
	if err != nil {
		s.log.Warn("Failed to decode frame", zap.Error(err))
		metrics.RecordDrop("unknown", "decode")
		return
	}
	metrics.EventsReceived.WithLabelValues(frame.Event.String()).Inc()

	switch frame.Event {
	case protocol.EventSetup:
		var p protocol.Setup
		if !s.decode(frame, &p) || p.UserID == "" {
			return
		}
		s.setup(session, p.UserID)

	case protocol.EventJoinChat:
		var p protocol.Join
		if !s.decode(frame, &p) || p.ConversationID == "" {
			return
		}
		s.hub.Join(session, p.ConversationID)
		s.log.Debug("Joined conversation", zap.String("user_id", s.hub.UserID(session)), zap.String("conversation_id", p.ConversationID))

	case protocol.EventNewMessage:
		var p protocol.MessagePayload
		if !s.decode(frame, &p) || p.ConversationID == "" {
			return
		}
		s.forward(session, frame, protocol.EventMessageReceived, p.ConversationID, p.Members)

	case protocol.EventTyping, protocol.EventStopTyping:
		var p protocol.Typing
		if !s.decode(frame, &p) || p.ConversationID == "" {
			return
		}
		out := protocol.EventUserTyping
		if frame.Event == protocol.EventStopTyping {
			out = protocol.EventUserStoppedTyping
		}
		s.forward(session, frame, out, p.ConversationID, nil)

	case protocol.EventMarkDelivered, protocol.EventMarkRead:
		var p protocol.StatusUpdate
		if !s.decode(frame, &p) || p.ConversationID == "" || p.MessageID == "" {
			return
		}
		kind := protocol.ReceiptDelivered
		if frame.Event == protocol.EventMarkRead {
			kind = protocol.ReceiptRead
		}
		s.forward(session, frame, kind.IncomingEvent(), p.ConversationID, nil)
		s.forwardStatus(session, frame, kind, p)

	default:
		s.log.Debug("Ignored frame", zap.String("event", frame.Event.String()))
		metrics.RecordDrop(frame.Event.String(), "unhandled")
	}
}

func (s *Server) decode(frame protocol.Frame, v any) bool {
	if err := frame.Unmarshal(v); err != nil {
		s.log.Warn("Invalid payload", zap.String("event", frame.Event.String()), zap.Error(err))
		metrics.RecordDrop(frame.Event.String(), "payload")
		return false
	}
	return true
}

// setup binds the user to the session, announces them when this is their
// first session and replays who is already online.
func (s *Server) setup(session *chat.Session, userID string) {
	first := s.hub.Identify(session, userID)
	s.log.Info("User connected", zap.String("user_id", userID), zap.Bool("first_session", first))

	if first {
		s.announcePresence(userID, true, session)
	}
	for _, id := range s.hub.OnlineUsers() {
		if id == userID {
			continue
		}
		data, err := encode(protocol.EventUserOnline, protocol.Presence{UserID: id})
		if err != nil {
			s.log.Error("Failed to encode presence", zap.Error(err))
			return
		}
		if !s.hub.Send(session, data) {
			metrics.RecordDrop(protocol.EventUserOnline.String(), "queue_full")
		}
	}
}

func (s *Server) announcePresence(userID string, online bool, skip *chat.Session) {
	event := protocol.EventUserOffline
	if online {
		event = protocol.EventUserOnline
	}
	data, err := encode(event, protocol.Presence{UserID: userID})
	if err != nil {
		s.log.Error("Failed to encode presence", zap.Error(err))
		return
	}
	s.dropped(event, s.hub.Broadcast(data, skip))
}

// forward re-emits frame under event to the conversation room and to the
// sessions of users, keeping the frame id and payload.
func (s *Server) forward(session *chat.Session, frame protocol.Frame, event protocol.Event, conversationID string, users []string) {
	out := frame
	out.Event = event
	data, err := out.Encode()
	if err != nil {
		s.log.Error("Failed to encode frame", zap.String("event", event.String()), zap.Error(err))
		return
	}
	s.dropped(event, s.hub.BroadcastRoom(conversationID, users, data, session))
}

// forwardStatus emits the combined status update for a receipt.
func (s *Server) forwardStatus(session *chat.Session, frame protocol.Frame, kind protocol.ReceiptKind, u protocol.StatusUpdate) {
	deliveredBy, readBy := u.Sets(kind)
	// Readers have also received the message.
	delivered := model.NewUserSet(deliveredBy...).Union(readBy)
	status := protocol.StatusUpdate{
		MessageID:      u.MessageID,
		ConversationID: u.ConversationID,
		DeliveredBy:    delivered.Slice(),
		ReadBy:         readBy,
		IsRead:         u.IsRead,
	}
	out, err := protocol.NewFrame(protocol.EventStatusUpdate, status)
	if err != nil {
		s.log.Error("Failed to build status frame", zap.Error(err))
		return
	}
	out.ID = frame.ID
	data, err := out.Encode()
	if err != nil {
		s.log.Error("Failed to encode frame", zap.Error(err))
		return
	}
	s.dropped(protocol.EventStatusUpdate, s.hub.BroadcastRoom(u.ConversationID, nil, data, session))
}

func (s *Server) dropped(event protocol.Event, n int) {
	if n == 0 {
		return
	}
	s.log.Warn("Session queue full, frames dropped", zap.String("event", event.String()), zap.Int("count", n))
	for range n {
		metrics.RecordDrop(event.String(), "queue_full")
	}
}

func encode(event protocol.Event, payload any) ([]byte, error) {
	frame, err := protocol.NewFrame(event, payload)
	if err != nil {
		return nil, err
	}
	return frame.Encode()
}
