package events

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Type is a dot-namespaced event type such as "card.created".
type Type string

const (
	TypeBoardUpdated        Type = "board.updated"
	TypeListCreated         Type = "list.created"
	TypeListUpdated         Type = "list.updated"
	TypeListDeleted         Type = "list.deleted"
	TypeCardCreated         Type = "card.created"
	TypeCardUpdated         Type = "card.updated"
	TypeCardMoved           Type = "card.moved"
	TypeCardDeleted         Type = "card.deleted"
	TypeCommentCreated      Type = "comment.created"
	TypeLabelAttached       Type = "label.attached"
	TypeLabelDetached       Type = "label.detached"
	TypeDocumentUpdated     Type = "document.updated"
	TypeNotificationCreated Type = "notification.created"
	TypePresenceChanged     Type = "presence.changed"
	TypeTypingChanged       Type = "typing.changed"
)

// CurrentVersion is the envelope version stamped on every new event.
const CurrentVersion = 1

// ephemeralPrefixes are namespaces for transient state that is never persisted.
var ephemeralPrefixes = []string{"presence.", "typing."}

// IsEphemeral reports whether events of this type skip durable storage.
func (t Type) IsEphemeral() bool {
	for _, prefix := range ephemeralPrefixes {
		if strings.HasPrefix(string(t), prefix) {
			return true
		}
	}
	return false
}

func (t Type) String() string {
	return string(t)
}

// Meta carries the envelope fields generated at emit time.
type Meta struct {
	ID                 string      `json:"id"`
	TimestampMs        int64       `json:"timestampMs"`
	ActorID            string      `json:"actorId"`
	Version            int         `json:"version"`
	CausalStamp        CausalStamp `json:"causalStamp"`
	OriginConnectionID string      `json:"originConnectionId,omitempty"`
}

// Event is an immutable domain event.
type Event struct {
	Type    Type    `json:"type"`
	Payload Payload `json:"payload"`
	Meta    Meta    `json:"meta"`
}

// Refs returns the identifiers the payload references.
func (e Event) Refs() Refs {
	if e.Payload == nil {
		return Refs{}
	}
	return e.Payload.Refs()
}

type eventWire struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Meta    Meta            `json:"meta"`
}

// UnmarshalJSON decodes the payload into the variant registered for the type tag.
func (e *Event) UnmarshalJSON(data []byte) error {
	var wire eventWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	payload, err := DecodePayload(wire.Type, wire.Payload)
	if err != nil {
		return err
	}
	e.Type = wire.Type
	e.Payload = payload
	e.Meta = wire.Meta
	return nil
}
