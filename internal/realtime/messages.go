package realtime

import (
	"encoding/json"
	"errors"
)

// Client -> server events.
const (
	EventJoinBoard   = "join:board"
	EventLeaveBoard  = "leave:board"
	EventTypingStart = "typing:start"
	EventTypingStop  = "typing:stop"
)

// Server -> client events.
const (
	EventDomain        = "event"
	EventPresenceUsers = "presence:users"
	EventJoinedBoard   = "joined:board"
	EventTypingStarted = "typing:started"
	EventTypingStopped = "typing:stopped"
	EventError         = "error"
)

var (
	// ErrInvalidCommand marks a malformed client command; the reply names the problem.
	ErrInvalidCommand = errors.New("invalid command")
	// ErrAccessDenied marks a command refused by the access check.
	ErrAccessDenied = errors.New("access denied")
)

// Frame is the JSON envelope of every WebSocket message in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outboundFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

func encodeFrame(event string, data any) ([]byte, error) {
	return json.Marshal(outboundFrame{Event: event, Data: data})
}

// ErrorMessage is the payload of an error frame.
type ErrorMessage struct {
	Message string `json:"message"`
}

type boardCommand struct {
	BoardID string `json:"boardId"`
}

type typingCommand struct {
	CardID  string `json:"cardId"`
	BoardID string `json:"boardId,omitempty"`
}

// PresenceUsersMessage carries the refreshed member list of a board.
type PresenceUsersMessage struct {
	BoardID string `json:"boardId"`
	Users   any    `json:"users"`
}

// TypingMessage announces a typing start or stop on a card.
type TypingMessage struct {
	CardID   string `json:"cardId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
}

// DecodeData unmarshals a command payload, mapping failures to ErrInvalidCommand.
func DecodeData(data json.RawMessage, target any) error {
	if len(data) == 0 {
		return errors.Join(ErrInvalidCommand, errors.New("missing data"))
	}
	if err := json.Unmarshal(data, target); err != nil {
		return errors.Join(ErrInvalidCommand, err)
	}
	return nil
}
