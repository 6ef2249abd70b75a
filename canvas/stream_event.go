package canvas

import (
	"encoding/json"
)

// events on the durable stream, parsed once at the channel boundary into a
// closed union. unknown types land in an explicit ignore branch instead of
// failing the stream.

type StreamEventType string

const (
	StreamEventTypeGesture        StreamEventType = "gesture"
	StreamEventTypeOpCommitted    StreamEventType = "op_committed"
	StreamEventTypeSnapshot       StreamEventType = "snapshot"
	StreamEventTypeSystem         StreamEventType = "system"
	StreamEventTypeSafetyDecision StreamEventType = "safety_decision"
	StreamEventTypeChat           StreamEventType = "chat"
	StreamEventTypeMedia          StreamEventType = "media"
)

// ops the server has committed, in commit order
type OpCommittedEvent struct {
	Rev           Revision `json:"rev"`
	Ops           OpList   `json:"ops"`
	ActorId       Id       `json:"actor_id"`
	CorrelationId Id       `json:"correlation_id,omitempty"`
}

type SystemEvent struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

type ChatEvent struct {
	MessageId Id     `json:"message_id"`
	ActorId   Id     `json:"actor_id"`
	Role      string `json:"role"`
	Text      string `json:"text"`
}

// media always arrives as an artifact descriptor, never inline binary
type MediaEvent struct {
	Kind     string              `json:"kind"`
	Artifact *ArtifactDescriptor `json:"artifact"`
}

// exactly one variant is set for a known type. `Unknown` marks a type this
// client does not understand; the event id still advances so resume does
// not replay it
type StreamEvent struct {
	EventId   string
	EventType StreamEventType
	Unknown   bool

	OpCommitted    *OpCommittedEvent
	Snapshot       *DocumentSnapshot
	System         *SystemEvent
	SafetyDecision *SafetyDecision
	Gesture        *Gesture
	Chat           *ChatEvent
	Media          *MediaEvent
}

func (self *StreamEvent) Type() StreamEventType {
	return self.EventType
}

func ParseStreamEvent(src []byte) (*StreamEvent, error) {
	var envelope struct {
		EventId string          `json:"event_id,omitempty"`
		Type    StreamEventType `json:"type"`
	}
	if err := json.Unmarshal(src, &envelope); err != nil {
		return nil, err
	}

	event := &StreamEvent{
		EventId:   envelope.EventId,
		EventType: envelope.Type,
	}

	switch envelope.Type {
	case StreamEventTypeOpCommitted:
		opCommitted := &OpCommittedEvent{}
		if err := json.Unmarshal(src, opCommitted); err != nil {
			return nil, err
		}
		event.OpCommitted = opCommitted
	case StreamEventTypeSnapshot:
		snapshot := &DocumentSnapshot{}
		if err := json.Unmarshal(src, snapshot); err != nil {
			return nil, err
		}
		event.Snapshot = snapshot
	case StreamEventTypeSystem:
		system := &SystemEvent{}
		if err := json.Unmarshal(src, system); err != nil {
			return nil, err
		}
		event.System = system
	case StreamEventTypeSafetyDecision:
		decision := &SafetyDecision{}
		if err := json.Unmarshal(src, decision); err != nil {
			return nil, err
		}
		event.SafetyDecision = decision
	case StreamEventTypeGesture:
		gesture := &Gesture{}
		if err := json.Unmarshal(src, gesture); err != nil {
			return nil, err
		}
		event.Gesture = gesture
	case StreamEventTypeChat:
		chat := &ChatEvent{}
		if err := json.Unmarshal(src, chat); err != nil {
			return nil, err
		}
		event.Chat = chat
	case StreamEventTypeMedia:
		media := &MediaEvent{}
		if err := json.Unmarshal(src, media); err != nil {
			return nil, err
		}
		event.Media = media
	default:
		event.Unknown = true
	}

	return event, nil
}
