package events

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

const (
	columnActorID     = "actor_id"
	columnType        = "type"
	columnBoardID     = "board_id"
	columnCardID      = "card_id"
	orderNewestFirst  = "timestamp_ms DESC, id DESC"
	queryByColumnTmpl = " = ?"
)

// Page selects a window of history. Limit is capped by the service.
type Page struct {
	Limit  int
	Offset int
}

func (s *Service) normalizePage(page Page) Page {
	if page.Limit <= 0 {
		page.Limit = defaultPageLimit
	}
	if page.Limit > s.maxLimit {
		page.Limit = s.maxLimit
	}
	if page.Offset < 0 {
		page.Offset = 0
	}
	return page
}

// MaxPageLimit reports the server-side cap applied to Page.Limit.
func (s *Service) MaxPageLimit() int {
	return s.maxLimit
}

// ListByActor returns events emitted by actorID, newest first.
func (s *Service) ListByActor(ctx context.Context, actorID string, page Page) ([]Event, error) {
	return s.listBy(ctx, columnActorID, actorID, page)
}

// ListByType returns events of eventType, newest first.
func (s *Service) ListByType(ctx context.Context, eventType Type, page Page) ([]Event, error) {
	return s.listBy(ctx, columnType, eventType.String(), page)
}

// ListByBoard returns events whose payload references boardID, newest first.
func (s *Service) ListByBoard(ctx context.Context, boardID string, page Page) ([]Event, error) {
	return s.listBy(ctx, columnBoardID, boardID, page)
}

// ListByCard returns events whose payload references cardID, newest first.
func (s *Service) ListByCard(ctx context.Context, cardID string, page Page) ([]Event, error) {
	return s.listBy(ctx, columnCardID, cardID, page)
}

func (s *Service) listBy(ctx context.Context, column string, value string, page Page) ([]Event, error) {
	if strings.TrimSpace(value) == "" {
		return []Event{}, nil
	}
	page = s.normalizePage(page)

	var records []Record
	err := s.db.WithContext(ctx).
		Where(column+queryByColumnTmpl, value).
		Order(orderNewestFirst).
		Limit(page.Limit).
		Offset(page.Offset).
		Find(&records).Error
	if err != nil {
		s.logError(opList, reasonQueryFailed, err, zap.String("column", column))
		return nil, newServiceError(opList, reasonQueryFailed, err)
	}

	result := make([]Event, 0, len(records))
	for _, record := range records {
		event, err := record.Event()
		if err != nil {
			s.logError(opList, reasonDecodeFailed, err, zap.String("event_id", record.ID))
			continue
		}
		result = append(result, event)
	}
	return result, nil
}
