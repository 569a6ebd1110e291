package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/corkboard/backend/internal/activity"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrDurableWrite indicates the event log could not be written; the emit failed.
	ErrDurableWrite = errors.New("events: durable write failed")
	// ErrInvalidEvent indicates a malformed emit request.
	ErrInvalidEvent = errors.New("events: invalid event")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingTx         = errors.New("transaction handle is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries an operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

const (
	opServiceNew   = "events.service.new"
	opEmit         = "events.emit"
	opDeliver      = "events.deliver"
	opHandleRemote = "events.handle_remote"
	opList         = "events.list"

	reasonMissingDatabase = "missing_database"
	reasonInvalidRequest  = "invalid_request"
	reasonIDFailed        = "id_generation_failed"
	reasonEncodeFailed    = "encode_failed"
	reasonInsertFailed    = "insert_failed"
	reasonPublishFailed   = "publish_failed"
	reasonActivityDropped = "activity_dropped"
	reasonDecodeFailed    = "decode_failed"
	reasonQueryFailed     = "query_failed"

	defaultPageLimit = 50
	defaultMaxLimit  = 100
)

// Scope routes an emitted event to live subscribers.
type Scope struct {
	BoardID            string `json:"boardId,omitempty"`
	TargetUserID       string `json:"targetUserId,omitempty"`
	OriginConnectionID string `json:"originConnectionId,omitempty"`
}

// EmitRequest describes an event a collaborator wants to publish. Type may be
// left empty, in which case the payload's own type is used.
type EmitRequest struct {
	Type    Type
	Payload Payload
	ActorID string
	Scope   Scope
}

// Broadcaster delivers events to live connections.
type Broadcaster interface {
	BroadcastToBoard(boardID string, event Event)
	BroadcastToBoardExcept(boardID string, event Event, excludeConnectionID string)
	SendToUser(userID string, event Event)
}

// Publisher sends serialized events to other instances.
type Publisher interface {
	Publish(ctx context.Context, payload []byte) error
}

// ActivitySink receives a copy of every event. Record must not block.
type ActivitySink interface {
	Record(entry activity.Entry) bool
}

// IDProvider issues event identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of a Service. Every side-effect
// target is optional.
type ServiceConfig struct {
	Database     *gorm.DB
	InstanceID   string
	Clock        func() time.Time
	IDProvider   IDProvider
	Stamper      CausalStamper
	Broadcaster  Broadcaster
	Publisher    Publisher
	Activity     ActivitySink
	Dispatcher   *Dispatcher
	MaxPageLimit int
	Logger       *zap.Logger
}

// SideEffectStats counts swallowed best-effort failures.
type SideEffectStats struct {
	PublishFailures int64 `json:"publishFailures"`
	ActivityDropped int64 `json:"activityDropped"`
	RemoteDiscarded int64 `json:"remoteDiscarded"`
	DispatcherDrops int64 `json:"dispatcherDrops"`
}

// Service is the event store: it persists non-ephemeral events and fans every
// event out to live subscribers.
type Service struct {
	db          *gorm.DB
	instanceID  string
	clock       func() time.Time
	idProvider  IDProvider
	stamper     CausalStamper
	broadcaster Broadcaster
	publisher   Publisher
	activity    ActivitySink
	dispatcher  *Dispatcher
	maxLimit    int
	logger      *zap.Logger

	publishFailures atomic.Int64
	activityDropped atomic.Int64
	remoteDiscarded atomic.Int64
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	stamper := cfg.Stamper
	if stamper == nil {
		stamper = SingleActorStamper{}
	}
	dispatcher := cfg.Dispatcher
	if dispatcher == nil {
		dispatcher = NewDispatcher()
	}
	maxLimit := cfg.MaxPageLimit
	if maxLimit <= 0 {
		maxLimit = defaultMaxLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:          cfg.Database,
		instanceID:  cfg.InstanceID,
		clock:       clock,
		idProvider:  cfg.IDProvider,
		stamper:     stamper,
		broadcaster: cfg.Broadcaster,
		publisher:   cfg.Publisher,
		activity:    cfg.Activity,
		dispatcher:  dispatcher,
		maxLimit:    maxLimit,
		logger:      logger,
	}, nil
}

// SetBroadcaster attaches the live delivery target once the hub exists.
func (s *Service) SetBroadcaster(broadcaster Broadcaster) {
	s.broadcaster = broadcaster
}

// Dispatcher exposes the in-process subscriber registry.
func (s *Service) Dispatcher() *Dispatcher {
	return s.dispatcher
}

// Emit persists the event (unless ephemeral) and delivers it. Only the durable
// write can fail the call.
func (s *Service) Emit(ctx context.Context, request EmitRequest) (Event, error) {
	event, err := s.EmitTx(ctx, s.db.WithContext(ctx), request)
	if err != nil {
		return Event{}, err
	}
	s.Deliver(ctx, event, request.Scope)
	return event, nil
}

// EmitTx writes the event inside the caller's transaction and performs no
// delivery. Call Deliver with the returned event after the transaction commits.
func (s *Service) EmitTx(ctx context.Context, tx *gorm.DB, request EmitRequest) (Event, error) {
	if tx == nil {
		s.logError(opEmit, reasonMissingDatabase, errMissingTx)
		return Event{}, newServiceError(opEmit, reasonMissingDatabase, errMissingTx)
	}
	event, err := s.buildEvent(request)
	if err != nil {
		return Event{}, err
	}
	if event.Type.IsEphemeral() {
		return event, nil
	}

	record, err := newRecord(event, s.clock().UTC())
	if err != nil {
		s.logError(opEmit, reasonEncodeFailed, err, zap.String("event_type", event.Type.String()))
		return Event{}, newServiceError(opEmit, reasonEncodeFailed, fmt.Errorf("%w: %w", ErrDurableWrite, err))
	}
	if err := tx.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opEmit, reasonInsertFailed, err,
			zap.String("event_id", event.Meta.ID),
			zap.String("event_type", event.Type.String()))
		return Event{}, newServiceError(opEmit, reasonInsertFailed, fmt.Errorf("%w: %w", ErrDurableWrite, err))
	}
	return event, nil
}

func (s *Service) buildEvent(request EmitRequest) (Event, error) {
	if request.Payload == nil {
		return Event{}, newServiceError(opEmit, reasonInvalidRequest, fmt.Errorf("%w: payload is required", ErrInvalidEvent))
	}
	eventType := request.Type
	if eventType == "" {
		eventType = request.Payload.EventType()
	}
	if eventType != request.Payload.EventType() {
		return Event{}, newServiceError(opEmit, reasonInvalidRequest,
			fmt.Errorf("%w: type %q does not match payload %q", ErrInvalidEvent, eventType, request.Payload.EventType()))
	}
	actorID := strings.TrimSpace(request.ActorID)
	if actorID == "" {
		return Event{}, newServiceError(opEmit, reasonInvalidRequest, fmt.Errorf("%w: actor is required", ErrInvalidEvent))
	}
	if err := request.Payload.Validate(); err != nil {
		return Event{}, newServiceError(opEmit, reasonInvalidRequest, err)
	}

	eventID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opEmit, reasonIDFailed, err)
		return Event{}, newServiceError(opEmit, reasonIDFailed, err)
	}
	return Event{
		Type:    eventType,
		Payload: request.Payload,
		Meta: Meta{
			ID:                 eventID,
			TimestampMs:        s.clock().UnixMilli(),
			ActorID:            actorID,
			Version:            CurrentVersion,
			CausalStamp:        s.stamper.Stamp(actorID),
			OriginConnectionID: request.Scope.OriginConnectionID,
		},
	}, nil
}

// Deliver runs the best-effort side effects for an event that was already
// accepted: activity log, cross-instance fan-out, local subscribers and live
// connections. Failures are logged and counted, never returned.
func (s *Service) Deliver(ctx context.Context, event Event, scope Scope) {
	if s.activity != nil && !event.Type.IsEphemeral() {
		if !s.recordActivity(event, scope) {
			s.activityDropped.Add(1)
			s.logWarn(opDeliver, reasonActivityDropped, zap.String("event_id", event.Meta.ID))
		}
	}
	if s.publisher != nil {
		s.publishRemote(ctx, event, scope)
	}
	s.deliverLocal(event, scope)
}

func (s *Service) recordActivity(event Event, scope Scope) bool {
	payloadJSON, err := json.Marshal(event.Payload)
	if err != nil {
		return false
	}
	boardID := scope.BoardID
	if boardID == "" {
		boardID = event.Refs().BoardID
	}
	return s.activity.Record(activity.Entry{
		EventID:     event.Meta.ID,
		Type:        event.Type.String(),
		ActorID:     event.Meta.ActorID,
		BoardID:     boardID,
		TimestampMs: event.Meta.TimestampMs,
		Payload:     payloadJSON,
	})
}

type envelope struct {
	InstanceID string `json:"instanceId"`
	Event      Event  `json:"event"`
	Scope      Scope  `json:"scope"`
}

func (s *Service) publishRemote(ctx context.Context, event Event, scope Scope) {
	body, err := json.Marshal(envelope{InstanceID: s.instanceID, Event: event, Scope: scope})
	if err != nil {
		s.publishFailures.Add(1)
		s.logWarn(opDeliver, reasonEncodeFailed, zap.String("event_id", event.Meta.ID), zap.Error(err))
		return
	}
	if err := s.publisher.Publish(ctx, body); err != nil {
		s.publishFailures.Add(1)
		s.logWarn(opDeliver, reasonPublishFailed, zap.String("event_id", event.Meta.ID), zap.Error(err))
	}
}

func (s *Service) deliverLocal(event Event, scope Scope) {
	s.dispatcher.Publish(event, firstNonEmpty(scope.BoardID, event.Refs().BoardID))
	if s.broadcaster == nil {
		return
	}
	if scope.TargetUserID != "" {
		s.broadcaster.SendToUser(scope.TargetUserID, event)
	}
	if scope.BoardID != "" {
		if scope.OriginConnectionID != "" {
			s.broadcaster.BroadcastToBoardExcept(scope.BoardID, event, scope.OriginConnectionID)
		} else {
			s.broadcaster.BroadcastToBoard(scope.BoardID, event)
		}
	}
}

// HandleRemote delivers an event published by another instance to this
// instance's subscribers. Events this instance published itself are skipped.
func (s *Service) HandleRemote(_ context.Context, payload []byte) {
	var incoming envelope
	if err := json.Unmarshal(payload, &incoming); err != nil {
		s.remoteDiscarded.Add(1)
		s.logWarn(opHandleRemote, reasonDecodeFailed, zap.Error(err))
		return
	}
	if incoming.InstanceID == s.instanceID {
		return
	}
	s.stamper.Observe(incoming.Event.Meta.CausalStamp)
	s.deliverLocal(incoming.Event, incoming.Scope)
}

// Stats returns the best-effort failure counters.
func (s *Service) Stats() SideEffectStats {
	return SideEffectStats{
		PublishFailures: s.publishFailures.Load(),
		ActivityDropped: s.activityDropped.Load(),
		RemoteDiscarded: s.remoteDiscarded.Load(),
		DispatcherDrops: s.dispatcher.Dropped(),
	}
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("event store error", attrs...)
}

func (s *Service) logWarn(operation, reason string, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Warn("event store side effect failed", attrs...)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
