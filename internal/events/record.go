package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Record is the durable, append-only row for a non-ephemeral event.
type Record struct {
	ID              string    `gorm:"column:id;primaryKey;size:64;not null"`
	Type            string    `gorm:"column:type;size:190;not null;index:idx_events_type_time,priority:1"`
	PayloadJSON     string    `gorm:"column:payload;type:text;not null"`
	ActorID         string    `gorm:"column:actor_id;size:190;not null;index:idx_events_actor_time,priority:1"`
	TimestampMs     int64     `gorm:"column:timestamp_ms;not null;index:idx_events_actor_time,priority:2;index:idx_events_type_time,priority:2;index:idx_events_board_time,priority:2;index:idx_events_card_time,priority:2"`
	Version         int       `gorm:"column:version;not null;default:1"`
	CausalStampJSON string    `gorm:"column:causal_stamp;type:text;not null"`
	BoardID         string    `gorm:"column:board_id;size:190;not null;default:'';index:idx_events_board_time,priority:1"`
	ListID          string    `gorm:"column:list_id;size:190;not null;default:''"`
	CardID          string    `gorm:"column:card_id;size:190;not null;default:'';index:idx_events_card_time,priority:1"`
	DocumentID      string    `gorm:"column:document_id;size:190;not null;default:''"`
	CreatedAt       time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "events"
}

func newRecord(event Event, createdAt time.Time) (Record, error) {
	payloadJSON, err := json.Marshal(event.Payload)
	if err != nil {
		return Record{}, fmt.Errorf("encode payload: %w", err)
	}
	stampJSON, err := json.Marshal(event.Meta.CausalStamp)
	if err != nil {
		return Record{}, fmt.Errorf("encode causal stamp: %w", err)
	}
	refs := event.Refs()
	return Record{
		ID:              event.Meta.ID,
		Type:            event.Type.String(),
		PayloadJSON:     string(payloadJSON),
		ActorID:         event.Meta.ActorID,
		TimestampMs:     event.Meta.TimestampMs,
		Version:         event.Meta.Version,
		CausalStampJSON: string(stampJSON),
		BoardID:         refs.BoardID,
		ListID:          refs.ListID,
		CardID:          refs.CardID,
		DocumentID:      refs.DocumentID,
		CreatedAt:       createdAt,
	}, nil
}

// Event rebuilds the typed event stored in the record.
func (record Record) Event() (Event, error) {
	eventType := Type(record.Type)
	payload, err := DecodePayload(eventType, json.RawMessage(record.PayloadJSON))
	if err != nil {
		return Event{}, err
	}
	stamp := CausalStamp{}
	if record.CausalStampJSON != "" {
		if err := json.Unmarshal([]byte(record.CausalStampJSON), &stamp); err != nil {
			return Event{}, fmt.Errorf("decode causal stamp: %w", err)
		}
	}
	return Event{
		Type:    eventType,
		Payload: payload,
		Meta: Meta{
			ID:          record.ID,
			TimestampMs: record.TimestampMs,
			ActorID:     record.ActorID,
			Version:     record.Version,
			CausalStamp: stamp,
		},
	}, nil
}
