package protocol

import "strconv"

// Key returns the deduplication key of the frame: its id when set, otherwise
// a natural key derived from the payload. An empty key means the frame
// cannot be deduplicated.
func (f Frame) Key() string {
	if f.ID != "" {
		return f.ID
	}
	return f.NaturalKey()
}

// NaturalKey derives a key from the payload fields that identify the event.
// Presence and typing are toggles, so their keys include the send time and
// frames without one are not deduplicated.
func (f Frame) NaturalKey() string {
	switch f.Event {
	case EventNewMessage, EventMessageReceived:
		var p MessagePayload
		if f.Unmarshal(&p) != nil || p.ID == "" {
			return ""
		}
		return "msg:" + p.ID
	case EventMarkDelivered, EventMarkRead, EventMessageDelivered, EventMessageRead, EventStatusUpdate:
		var u StatusUpdate
		if f.Unmarshal(&u) != nil || u.MessageID == "" {
			return ""
		}
		return "status:" + string(f.Event) + ":" + u.MessageID + ":" + u.UserID
	case EventUserOnline, EventUserOffline:
		var p Presence
		if f.Unmarshal(&p) != nil || p.UserID == "" {
			return ""
		}
		return f.toggleKey("presence:" + p.UserID)
	case EventTyping, EventStopTyping, EventUserTyping, EventUserStoppedTyping:
		var p Typing
		if f.Unmarshal(&p) != nil || p.UserID == "" {
			return ""
		}
		return f.toggleKey("typing:" + p.ConversationID + ":" + p.UserID)
	default:
		return ""
	}
}

func (f Frame) toggleKey(key string) string {
	if f.SentAt.IsZero() {
		return ""
	}
	return key + "@" + strconv.FormatInt(f.SentAt.UnixNano(), 10)
}
