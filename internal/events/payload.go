package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownEventType indicates a type tag with no registered payload variant.
	ErrUnknownEventType = errors.New("events: unknown event type")
	// ErrInvalidPayload indicates a payload that fails its variant's schema.
	ErrInvalidPayload = errors.New("events: invalid payload")
)

// Refs are the identifiers a payload points at. They are stored in indexed
// columns so history queries match exactly.
type Refs struct {
	BoardID    string
	ListID     string
	CardID     string
	DocumentID string
}

// Payload is implemented by every event variant.
type Payload interface {
	EventType() Type
	Validate() error
	Refs() Refs
}

var registry = map[Type]func() Payload{
	TypeBoardUpdated:        func() Payload { return &BoardUpdated{} },
	TypeListCreated:         func() Payload { return &ListCreated{} },
	TypeListUpdated:         func() Payload { return &ListUpdated{} },
	TypeListDeleted:         func() Payload { return &ListDeleted{} },
	TypeCardCreated:         func() Payload { return &CardCreated{} },
	TypeCardUpdated:         func() Payload { return &CardUpdated{} },
	TypeCardMoved:           func() Payload { return &CardMoved{} },
	TypeCardDeleted:         func() Payload { return &CardDeleted{} },
	TypeCommentCreated:      func() Payload { return &CommentCreated{} },
	TypeLabelAttached:       func() Payload { return &LabelAttached{} },
	TypeLabelDetached:       func() Payload { return &LabelDetached{} },
	TypeDocumentUpdated:     func() Payload { return &DocumentUpdated{} },
	TypeNotificationCreated: func() Payload { return &NotificationCreated{} },
	TypePresenceChanged:     func() Payload { return &PresenceChanged{} },
	TypeTypingChanged:       func() Payload { return &TypingChanged{} },
}

// DecodePayload parses raw JSON into the variant registered for eventType and validates it.
func DecodePayload(eventType Type, raw json.RawMessage) (Payload, error) {
	factory, ok := registry[eventType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, fmt.Errorf("%w: %s: empty payload", ErrInvalidPayload, eventType)
	}
	payload := factory()
	if err := json.Unmarshal(trimmed, payload); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, eventType, err)
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	return payload, nil
}

// KnownTypes lists every registered event type.
func KnownTypes() []Type {
	types := make([]Type, 0, len(registry))
	for eventType := range registry {
		types = append(types, eventType)
	}
	return types
}

func requireFields(eventType Type, fields ...string) error {
	for index := 0; index+1 < len(fields); index += 2 {
		if strings.TrimSpace(fields[index+1]) == "" {
			return fmt.Errorf("%w: %s: %s is required", ErrInvalidPayload, eventType, fields[index])
		}
	}
	return nil
}

// BoardUpdated reports a change to board attributes.
type BoardUpdated struct {
	BoardID string         `json:"boardId"`
	Changes map[string]any `json:"changes,omitempty"`
}

func (*BoardUpdated) EventType() Type { return TypeBoardUpdated }
func (p *BoardUpdated) Validate() error {
	return requireFields(TypeBoardUpdated, "boardId", p.BoardID)
}
func (p *BoardUpdated) Refs() Refs { return Refs{BoardID: p.BoardID} }

type ListCreated struct {
	BoardID  string  `json:"boardId"`
	ListID   string  `json:"listId"`
	Title    string  `json:"title"`
	Position float64 `json:"position"`
}

func (*ListCreated) EventType() Type { return TypeListCreated }
func (p *ListCreated) Validate() error {
	return requireFields(TypeListCreated, "boardId", p.BoardID, "listId", p.ListID)
}
func (p *ListCreated) Refs() Refs { return Refs{BoardID: p.BoardID, ListID: p.ListID} }

type ListUpdated struct {
	BoardID string         `json:"boardId"`
	ListID  string         `json:"listId"`
	Changes map[string]any `json:"changes,omitempty"`
}

func (*ListUpdated) EventType() Type { return TypeListUpdated }
func (p *ListUpdated) Validate() error {
	return requireFields(TypeListUpdated, "boardId", p.BoardID, "listId", p.ListID)
}
func (p *ListUpdated) Refs() Refs { return Refs{BoardID: p.BoardID, ListID: p.ListID} }

type ListDeleted struct {
	BoardID string `json:"boardId"`
	ListID  string `json:"listId"`
}

func (*ListDeleted) EventType() Type { return TypeListDeleted }
func (p *ListDeleted) Validate() error {
	return requireFields(TypeListDeleted, "boardId", p.BoardID, "listId", p.ListID)
}
func (p *ListDeleted) Refs() Refs { return Refs{BoardID: p.BoardID, ListID: p.ListID} }

// CardCreated is emitted after a card is inserted into a list.
type CardCreated struct {
	BoardID  string  `json:"boardId"`
	ListID   string  `json:"listId"`
	CardID   string  `json:"cardId"`
	Title    string  `json:"title"`
	Position float64 `json:"position"`
}

func (*CardCreated) EventType() Type { return TypeCardCreated }
func (p *CardCreated) Validate() error {
	return requireFields(TypeCardCreated, "boardId", p.BoardID, "listId", p.ListID, "cardId", p.CardID)
}
func (p *CardCreated) Refs() Refs {
	return Refs{BoardID: p.BoardID, ListID: p.ListID, CardID: p.CardID}
}

type CardUpdated struct {
	BoardID string         `json:"boardId"`
	ListID  string         `json:"listId,omitempty"`
	CardID  string         `json:"cardId"`
	Changes map[string]any `json:"changes,omitempty"`
}

func (*CardUpdated) EventType() Type { return TypeCardUpdated }
func (p *CardUpdated) Validate() error {
	return requireFields(TypeCardUpdated, "boardId", p.BoardID, "cardId", p.CardID)
}
func (p *CardUpdated) Refs() Refs {
	return Refs{BoardID: p.BoardID, ListID: p.ListID, CardID: p.CardID}
}

// CardMoved records a move between lists; Refs point at the destination list.
type CardMoved struct {
	BoardID    string  `json:"boardId"`
	CardID     string  `json:"cardId"`
	FromListID string  `json:"fromListId"`
	ToListID   string  `json:"toListId"`
	Position   float64 `json:"position"`
}

func (*CardMoved) EventType() Type { return TypeCardMoved }
func (p *CardMoved) Validate() error {
	return requireFields(TypeCardMoved,
		"boardId", p.BoardID, "cardId", p.CardID, "fromListId", p.FromListID, "toListId", p.ToListID)
}
func (p *CardMoved) Refs() Refs {
	return Refs{BoardID: p.BoardID, ListID: p.ToListID, CardID: p.CardID}
}

type CardDeleted struct {
	BoardID string `json:"boardId"`
	ListID  string `json:"listId,omitempty"`
	CardID  string `json:"cardId"`
}

func (*CardDeleted) EventType() Type { return TypeCardDeleted }
func (p *CardDeleted) Validate() error {
	return requireFields(TypeCardDeleted, "boardId", p.BoardID, "cardId", p.CardID)
}
func (p *CardDeleted) Refs() Refs {
	return Refs{BoardID: p.BoardID, ListID: p.ListID, CardID: p.CardID}
}

type CommentCreated struct {
	BoardID   string `json:"boardId"`
	CardID    string `json:"cardId"`
	CommentID string `json:"commentId"`
	Body      string `json:"body"`
}

func (*CommentCreated) EventType() Type { return TypeCommentCreated }
func (p *CommentCreated) Validate() error {
	return requireFields(TypeCommentCreated, "boardId", p.BoardID, "cardId", p.CardID, "commentId", p.CommentID)
}
func (p *CommentCreated) Refs() Refs { return Refs{BoardID: p.BoardID, CardID: p.CardID} }

type LabelAttached struct {
	BoardID string `json:"boardId"`
	CardID  string `json:"cardId"`
	LabelID string `json:"labelId"`
}

func (*LabelAttached) EventType() Type { return TypeLabelAttached }
func (p *LabelAttached) Validate() error {
	return requireFields(TypeLabelAttached, "boardId", p.BoardID, "cardId", p.CardID, "labelId", p.LabelID)
}
func (p *LabelAttached) Refs() Refs { return Refs{BoardID: p.BoardID, CardID: p.CardID} }

type LabelDetached struct {
	BoardID string `json:"boardId"`
	CardID  string `json:"cardId"`
	LabelID string `json:"labelId"`
}

func (*LabelDetached) EventType() Type { return TypeLabelDetached }
func (p *LabelDetached) Validate() error {
	return requireFields(TypeLabelDetached, "boardId", p.BoardID, "cardId", p.CardID, "labelId", p.LabelID)
}
func (p *LabelDetached) Refs() Refs { return Refs{BoardID: p.BoardID, CardID: p.CardID} }

// DocumentUpdated announces document metadata changes; content edits flow
// through document sync instead.
type DocumentUpdated struct {
	DocumentID  string `json:"documentId"`
	WorkspaceID string `json:"workspaceId,omitempty"`
	BoardID     string `json:"boardId,omitempty"`
	CardID      string `json:"cardId,omitempty"`
	Title       string `json:"title,omitempty"`
}

func (*DocumentUpdated) EventType() Type { return TypeDocumentUpdated }
func (p *DocumentUpdated) Validate() error {
	return requireFields(TypeDocumentUpdated, "documentId", p.DocumentID)
}
func (p *DocumentUpdated) Refs() Refs {
	return Refs{BoardID: p.BoardID, CardID: p.CardID, DocumentID: p.DocumentID}
}

type NotificationCreated struct {
	NotificationID string `json:"notificationId"`
	UserID         string `json:"userId"`
	Kind           string `json:"kind"`
	Message        string `json:"message"`
	BoardID        string `json:"boardId,omitempty"`
	CardID         string `json:"cardId,omitempty"`
}

func (*NotificationCreated) EventType() Type { return TypeNotificationCreated }
func (p *NotificationCreated) Validate() error {
	return requireFields(TypeNotificationCreated, "notificationId", p.NotificationID, "userId", p.UserID)
}
func (p *NotificationCreated) Refs() Refs { return Refs{BoardID: p.BoardID, CardID: p.CardID} }

type PresenceChanged struct {
	BoardID string `json:"boardId"`
	UserID  string `json:"userId"`
	Status  string `json:"status"`
}

func (*PresenceChanged) EventType() Type { return TypePresenceChanged }
func (p *PresenceChanged) Validate() error {
	return requireFields(TypePresenceChanged, "boardId", p.BoardID, "userId", p.UserID)
}
func (p *PresenceChanged) Refs() Refs { return Refs{BoardID: p.BoardID} }

type TypingChanged struct {
	BoardID string `json:"boardId,omitempty"`
	CardID  string `json:"cardId"`
	UserID  string `json:"userId"`
	Typing  bool   `json:"typing"`
}

func (*TypingChanged) EventType() Type { return TypeTypingChanged }
func (p *TypingChanged) Validate() error {
	return requireFields(TypeTypingChanged, "cardId", p.CardID, "userId", p.UserID)
}
func (p *TypingChanged) Refs() Refs { return Refs{BoardID: p.BoardID, CardID: p.CardID} }
