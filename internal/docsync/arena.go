package docsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/corkboard/backend/internal/crdt"
	"go.uber.org/zap"
)

const (
	DefaultMaxUpdates = 50
	DefaultInterval   = 5 * time.Minute

	opAcquire = "docsync.acquire"
	opApply   = "docsync.apply"
	opFlush   = "docsync.flush"

	reasonHydrateFailed  = "hydrate_failed"
	reasonMergeFailed    = "merge_failed"
	reasonNotLoaded      = "not_loaded"
	reasonEncodeFailed   = "encode_failed"
	reasonSnapshotFailed = "snapshot_failed"

	triggerThreshold = "threshold"
	triggerInterval  = "interval"
	triggerLastLeave = "last_leave"
	triggerShutdown  = "shutdown"
)

var (
	// ErrNotLoaded indicates no live replica exists for the document.
	ErrNotLoaded = errors.New("docsync: document not loaded")
	// ErrInvalidUpdate indicates an update that could not be decoded or merged.
	ErrInvalidUpdate = errors.New("docsync: invalid update")
)

// ArenaConfig wires the replica arena.
type ArenaConfig struct {
	Store      *SnapshotStore
	MaxUpdates int
	Interval   time.Duration
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Arena holds one live replica per open document, reference counted by the
// connections subscribed to it.
type Arena struct {
	store      *SnapshotStore
	maxUpdates int
	interval   time.Duration
	now        func() time.Time
	logger     *zap.Logger

	mu       sync.Mutex
	replicas map[string]*replica
	// evicting holds replicas whose final snapshot is being written.
	evicting map[string]*replica
}

type replica struct {
	documentID string
	doc        *crdt.Document
	refs       int

	flushMu sync.Mutex

	mu         sync.Mutex
	pending    int
	lastAuthor string
	timer      *time.Timer
	evicted    bool

	released chan struct{}
}

func NewArena(cfg ArenaConfig) (*Arena, error) {
	if cfg.Store == nil {
		return nil, errors.New("docsync: snapshot store required")
	}
	maxUpdates := cfg.MaxUpdates
	if maxUpdates <= 0 {
		maxUpdates = DefaultMaxUpdates
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Arena{
		store:      cfg.Store,
		maxUpdates: maxUpdates,
		interval:   interval,
		now:        clock,
		logger:     logger,
		replicas:   make(map[string]*replica),
		evicting:   make(map[string]*replica),
	}, nil
}

// Acquire takes a reference on the replica for documentID, hydrating it from
// the newest snapshot when it is not live yet. It returns the current state.
// A replica still writing its final snapshot is waited for before hydrating.
func (a *Arena) Acquire(ctx context.Context, documentID string) ([]byte, error) {
	a.mu.Lock()
	for {
		previous, ok := a.evicting[documentID]
		if !ok {
			break
		}
		a.mu.Unlock()
		select {
		case <-previous.released:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		a.mu.Lock()
	}
	defer a.mu.Unlock()

	r, ok := a.replicas[documentID]
	if !ok {
		doc := crdt.New(0)
		snapshot, found, err := a.store.Latest(ctx, documentID)
		if err != nil {
			a.logError(opAcquire, reasonHydrateFailed, err, zap.String("document_id", documentID))
			return nil, fmt.Errorf("%s: %w", opAcquire, err)
		}
		if found {
			if _, err := doc.ApplyUpdate(snapshot.BinaryState); err != nil {
				a.logError(opAcquire, reasonHydrateFailed, err,
					zap.String("document_id", documentID), zap.Int64("snapshot_id", snapshot.ID))
				return nil, fmt.Errorf("%s: %w", opAcquire, err)
			}
		}
		r = &replica{documentID: documentID, doc: doc}
		a.replicas[documentID] = r
	}
	r.refs++
	return r.doc.EncodeState()
}

// Release drops a reference. The last release cancels the interval timer,
// evicts the replica and writes a final snapshot when deltas are pending. The
// snapshot is written outside the arena lock.
func (a *Arena) Release(ctx context.Context, documentID string) {
	a.mu.Lock()
	r, ok := a.replicas[documentID]
	if !ok {
		a.mu.Unlock()
		return
	}
	r.refs--
	if r.refs > 0 {
		a.mu.Unlock()
		return
	}
	delete(a.replicas, documentID)
	r.released = make(chan struct{})
	a.evicting[documentID] = r
	r.mu.Lock()
	r.evicted = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.mu.Unlock()
	a.mu.Unlock()

	_ = a.flush(ctx, r, triggerLastLeave)

	a.mu.Lock()
	delete(a.evicting, documentID)
	a.mu.Unlock()
	close(r.released)
}

// Apply merges a binary delta into the live replica. It reports whether the
// replica changed. Changed deltas count towards the snapshot threshold.
func (a *Arena) Apply(ctx context.Context, documentID string, update []byte, authorID string) (bool, error) {
	a.mu.Lock()
	r, ok := a.replicas[documentID]
	a.mu.Unlock()
	if !ok {
		a.logError(opApply, reasonNotLoaded, ErrNotLoaded, zap.String("document_id", documentID))
		return false, ErrNotLoaded
	}

	changed, err := r.doc.ApplyUpdate(update)
	if err != nil {
		a.logError(opApply, reasonMergeFailed, err,
			zap.String("document_id", documentID), zap.String("author_id", authorID))
		return false, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	if !changed {
		return false, nil
	}

	r.mu.Lock()
	r.pending++
	r.lastAuthor = authorID
	pending := r.pending
	if r.timer == nil && !r.evicted {
		r.timer = time.AfterFunc(a.interval, func() { a.onInterval(r) })
	}
	r.mu.Unlock()

	if pending >= a.maxUpdates {
		_ = a.flush(ctx, r, triggerThreshold)
	}
	return true, nil
}

func (a *Arena) onInterval(r *replica) {
	r.mu.Lock()
	r.timer = nil
	evicted := r.evicted
	r.mu.Unlock()
	if evicted {
		return
	}
	_ = a.flush(context.Background(), r, triggerInterval)
}

// State returns the encoded live state of documentID.
func (a *Arena) State(documentID string) ([]byte, error) {
	a.mu.Lock()
	r, ok := a.replicas[documentID]
	a.mu.Unlock()
	if !ok {
		return nil, ErrNotLoaded
	}
	return r.doc.EncodeState()
}

// Pending reports deltas applied since the last successful snapshot.
func (a *Arena) Pending(documentID string) int {
	a.mu.Lock()
	r, ok := a.replicas[documentID]
	a.mu.Unlock()
	if !ok {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending
}

// RefCount reports the live references on documentID.
func (a *Arena) RefCount(documentID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if r, ok := a.replicas[documentID]; ok {
		return r.refs
	}
	return 0
}

// Documents lists the live document ids, sorted.
func (a *Arena) Documents() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.replicas))
	for id := range a.replicas {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// FlushAll snapshots every live replica with pending deltas. Used on shutdown.
func (a *Arena) FlushAll(ctx context.Context) error {
	a.mu.Lock()
	replicas := make([]*replica, 0, len(a.replicas))
	for _, r := range a.replicas {
		replicas = append(replicas, r)
	}
	a.mu.Unlock()

	var errs []error
	for _, r := range replicas {
		if err := a.flush(ctx, r, triggerShutdown); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// flush writes one snapshot when deltas are pending. On failure the pending
// count is kept so the next trigger retries.
func (a *Arena) flush(ctx context.Context, r *replica, trigger string) error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	pending := r.pending
	author := r.lastAuthor
	r.mu.Unlock()
	if pending == 0 {
		return nil
	}

	state, err := r.doc.EncodeState()
	if err != nil {
		a.logError(opFlush, reasonEncodeFailed, err, zap.String("document_id", r.documentID))
		return err
	}
	metadata := SnapshotMetadata{
		Author:      author,
		Timestamp:   a.now().UnixMilli(),
		Description: "auto snapshot (" + trigger + ")",
		PlainText:   r.doc.PlainText(),
		UpdateCount: pending,
	}
	if _, err := a.store.Save(ctx, r.documentID, state, metadata); err != nil {
		a.logError(opFlush, reasonSnapshotFailed, err,
			zap.String("document_id", r.documentID),
			zap.String("trigger", trigger),
			zap.Int("pending", pending))
		return fmt.Errorf("%s: %w", opFlush, err)
	}

	r.mu.Lock()
	r.pending -= pending
	if r.pending == 0 && r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.mu.Unlock()
	a.logger.Debug("document snapshot written",
		zap.String("document_id", r.documentID),
		zap.String("trigger", trigger),
		zap.Int("update_count", pending))
	return nil
}

func (a *Arena) logError(operation, reason string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	a.logger.Error("document sync failure", allFields...)
}
