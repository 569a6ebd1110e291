package docsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
	orderNewestFirst = "created_at_ms DESC, id DESC"
	queryDocumentID  = "document_id = ?"
)

var errMissingDatabase = errors.New("docsync: database connection required")

// SnapshotRecord is one persisted full-state snapshot of a document.
type SnapshotRecord struct {
	ID           int64  `gorm:"column:id;primaryKey;autoIncrement"`
	DocumentID   string `gorm:"column:document_id;size:190;not null;index:idx_document_snapshots_doc_time,priority:1"`
	BinaryState  []byte `gorm:"column:binary_state;not null"`
	MetadataJSON string `gorm:"column:metadata;type:text;not null"`
	AuthorID     string `gorm:"column:author_id;size:190"`
	CreatedAtMs  int64  `gorm:"column:created_at_ms;not null;index:idx_document_snapshots_doc_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (SnapshotRecord) TableName() string {
	return "document_snapshots"
}

// SnapshotMetadata describes the snapshot for history views.
type SnapshotMetadata struct {
	Author      string `json:"author"`
	Timestamp   int64  `json:"timestamp"`
	Description string `json:"description"`
	PlainText   string `json:"plainText"`
	UpdateCount int    `json:"updateCount"`
}

// Metadata decodes the stored metadata column.
func (record SnapshotRecord) Metadata() (SnapshotMetadata, error) {
	var metadata SnapshotMetadata
	if record.MetadataJSON == "" {
		return metadata, nil
	}
	if err := json.Unmarshal([]byte(record.MetadataJSON), &metadata); err != nil {
		return SnapshotMetadata{}, fmt.Errorf("docsync: decode snapshot metadata: %w", err)
	}
	return metadata, nil
}

// SnapshotStore persists and reads document snapshots.
type SnapshotStore struct {
	db *gorm.DB
}

func NewSnapshotStore(db *gorm.DB) (*SnapshotStore, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &SnapshotStore{db: db}, nil
}

// Latest returns the newest snapshot for documentID, or false when none exists.
func (s *SnapshotStore) Latest(ctx context.Context, documentID string) (SnapshotRecord, bool, error) {
	var record SnapshotRecord
	err := s.db.WithContext(ctx).
		Where(queryDocumentID, documentID).
		Order(orderNewestFirst).
		First(&record).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SnapshotRecord{}, false, nil
	}
	if err != nil {
		return SnapshotRecord{}, false, err
	}
	return record, true, nil
}

// Save appends a snapshot.
func (s *SnapshotStore) Save(ctx context.Context, documentID string, state []byte, metadata SnapshotMetadata) (SnapshotRecord, error) {
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return SnapshotRecord{}, err
	}
	record := SnapshotRecord{
		DocumentID:   documentID,
		BinaryState:  state,
		MetadataJSON: string(encoded),
		AuthorID:     metadata.Author,
		CreatedAtMs:  metadata.Timestamp,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return SnapshotRecord{}, err
	}
	return record, nil
}

// List returns snapshots for documentID newest first. limit is clamped to
// [1, 100]; zero selects the default page size.
func (s *SnapshotStore) List(ctx context.Context, documentID string, limit int, offset int) ([]SnapshotRecord, error) {
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	var records []SnapshotRecord
	err := s.db.WithContext(ctx).
		Where(queryDocumentID, documentID).
		Order(orderNewestFirst).
		Limit(limit).
		Offset(offset).
		Find(&records).
		Error
	if err != nil {
		return nil, err
	}
	return records, nil
}
