package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// ErrMissingEvent is returned when a decoded frame has no event name.
var ErrMissingEvent = errors.New("frame has no event")

// Frame is the envelope of one push-channel event.
type Frame struct {
	// ID is assigned by the publisher and preserved by the server.
	ID      string
	Event   Event
	SentAt  time.Time
	Payload json.RawMessage
}

// NewFrame builds a frame with a fresh id for payload.
func NewFrame(event Event, payload any) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to marshal %q payload: %w", event, err)
	}
	return Frame{
		ID:      uuid.NewString(),
		Event:   event,
		SentAt:  time.Now().UTC(),
		Payload: data,
	}, nil
}

// Unmarshal decodes the payload into v.
func (f Frame) Unmarshal(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("failed to unmarshal %q payload: empty", f.Event)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal %q payload: %w", f.Event, err)
	}
	return nil
}

// Encode encodes the frame into bytes using protobuf.
func (f Frame) Encode() ([]byte, error) {
	pbFrame, err := f.toProto()
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	data, err := proto.Marshal(pbFrame)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return data, nil
}

// Decode decodes bytes into a frame using protobuf.
func Decode(data []byte) (Frame, error) {
	pbFrame := &structpb.Struct{}
	if err := proto.Unmarshal(data, pbFrame); err != nil {
		return Frame{}, fmt.Errorf("failed to decode frame: %w", err)
	}
	f, err := fromProto(pbFrame)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to decode frame: %w", err)
	}
	return f, nil
}

// toProto converts the frame to a protobuf Struct.
func (f Frame) toProto() (*structpb.Struct, error) {
	var payload any
	if len(f.Payload) > 0 {
		if err := json.Unmarshal(f.Payload, &payload); err != nil {
			return nil, fmt.Errorf("invalid payload: %w", err)
		}
	}
	fields := map[string]any{
		"id":      f.ID,
		"event":   string(f.Event),
		"payload": payload,
	}
	if !f.SentAt.IsZero() {
		fields["sentAt"] = f.SentAt.UTC().Format(time.RFC3339Nano)
	}
	return structpb.NewStruct(fields)
}

// fromProto populates a frame from a protobuf Struct.
func fromProto(s *structpb.Struct) (Frame, error) {
	fields := s.GetFields()
	f := Frame{
		ID:    fields["id"].GetStringValue(),
		Event: Event(fields["event"].GetStringValue()),
	}
	if f.Event == "" {
		return Frame{}, ErrMissingEvent
	}
	if raw := fields["sentAt"].GetStringValue(); raw != "" {
		sentAt, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return Frame{}, fmt.Errorf("invalid sentAt: %w", err)
		}
		f.SentAt = sentAt
	}
	if v, ok := fields["payload"]; ok {
		if _, isNull := v.GetKind().(*structpb.Value_NullValue); !isNull {
			data, err := v.MarshalJSON()
			if err != nil {
				return Frame{}, fmt.Errorf("invalid payload: %w", err)
			}
			f.Payload = data
		}
	}
	return f, nil
}
