package crdt

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformedUpdate indicates that an update payload could not be decoded or failed validation.
	ErrMalformedUpdate = errors.New("crdt: malformed update")
	// ErrIndexOutOfRange indicates that a local edit addressed a position outside the visible content.
	ErrIndexOutOfRange = errors.New("crdt: index out of range")
)

// Kind distinguishes the container semantics an item participates in.
type Kind uint8

const (
	// KindText marks an element of an ordered text sequence.
	KindText Kind = 1
	// KindMap marks a last-writer-wins map entry.
	KindMap Kind = 2
)

// ID identifies an item by the replica that authored it and the Lamport clock at authoring time.
type ID struct {
	Client uint64 `cbor:"1,keyasint"`
	Clock  uint64 `cbor:"2,keyasint"`
}

// Less orders identifiers by clock, then by client.
func (id ID) Less(other ID) bool {
	if id.Clock != other.Clock {
		return id.Clock < other.Clock
	}
	return id.Client < other.Client
}

func (id ID) String() string {
	return fmt.Sprintf("%d@%d", id.Client, id.Clock)
}

// Item is the unit of replicated state.
type Item struct {
	ID      ID     `cbor:"1,keyasint"`
	Root    string `cbor:"2,keyasint"`
	Kind    Kind   `cbor:"3,keyasint"`
	Origin  *ID    `cbor:"4,keyasint,omitempty"`
	Key     string `cbor:"5,keyasint,omitempty"`
	Content string `cbor:"6,keyasint"`
}

func (item Item) validate() error {
	if item.ID.Clock == 0 {
		return fmt.Errorf("%w: item %s has zero clock", ErrMalformedUpdate, item.ID)
	}
	if strings.TrimSpace(item.Root) == "" {
		return fmt.Errorf("%w: item %s has empty root", ErrMalformedUpdate, item.ID)
	}
	switch item.Kind {
	case KindText:
		if item.Key != "" {
			return fmt.Errorf("%w: text item %s carries a key", ErrMalformedUpdate, item.ID)
		}
		if item.Content == "" {
			return fmt.Errorf("%w: text item %s is empty", ErrMalformedUpdate, item.ID)
		}
	case KindMap:
		if item.Key == "" {
			return fmt.Errorf("%w: map item %s has empty key", ErrMalformedUpdate, item.ID)
		}
		if item.Origin != nil {
			return fmt.Errorf("%w: map item %s carries an origin", ErrMalformedUpdate, item.ID)
		}
	default:
		return fmt.Errorf("%w: item %s has unknown kind %d", ErrMalformedUpdate, item.ID, item.Kind)
	}
	return nil
}

// precedes picks a deterministic winner when two different items claim the same ID.
func (item Item) precedes(other Item) bool {
	if item.Root != other.Root {
		return item.Root < other.Root
	}
	if item.Kind != other.Kind {
		return item.Kind < other.Kind
	}
	if item.Key != other.Key {
		return item.Key < other.Key
	}
	if item.Content != other.Content {
		return item.Content < other.Content
	}
	switch {
	case item.Origin == nil && other.Origin == nil:
		return false
	case item.Origin == nil:
		return true
	case other.Origin == nil:
		return false
	default:
		return item.Origin.Less(*other.Origin)
	}
}

// Update is a delta: a set of items plus a set of deleted item identifiers.
// A full document state is encoded with the same shape.
type Update struct {
	Items   []Item `cbor:"1,keyasint,omitempty"`
	Deletes []ID   `cbor:"2,keyasint,omitempty"`
}

// Empty reports whether the update carries no state.
func (update Update) Empty() bool {
	return len(update.Items) == 0 && len(update.Deletes) == 0
}

func (update Update) validate() error {
	for _, item := range update.Items {
		if err := item.validate(); err != nil {
			return err
		}
	}
	for _, id := range update.Deletes {
		if id.Clock == 0 {
			return fmt.Errorf("%w: delete of %s has zero clock", ErrMalformedUpdate, id)
		}
	}
	return nil
}
