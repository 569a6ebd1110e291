package docsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/corkboard/backend/internal/crdt"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var databaseSequence atomic.Int64

func openTestDatabase(t *testing.T, migrate bool) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:docsync_%d?mode=memory&cache=shared", databaseSequence.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if migrate {
		if err := db.AutoMigrate(&SnapshotRecord{}); err != nil {
			t.Fatalf("failed to migrate: %v", err)
		}
	}
	return db
}

func newTestArena(t *testing.T, db *gorm.DB, maxUpdates int, interval time.Duration) (*Arena, *SnapshotStore) {
	t.Helper()
	store, err := NewSnapshotStore(db)
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	arena, err := NewArena(ArenaConfig{Store: store, MaxUpdates: maxUpdates, Interval: interval})
	if err != nil {
		t.Fatalf("failed to build arena: %v", err)
	}
	return arena, store
}

// typeDeltas types text one rune at a time on an author replica and returns
// the deltas in order.
func typeDeltas(t *testing.T, author *crdt.Document, text string) [][]byte {
	t.Helper()
	deltas := make([][]byte, 0, len(text))
	for _, r := range text {
		delta, err := author.InsertText("content", len([]rune(author.Text("content"))), string(r))
		if err != nil {
			t.Fatalf("insert failed: %v", err)
		}
		deltas = append(deltas, delta)
	}
	return deltas
}

func countSnapshots(t *testing.T, store *SnapshotStore, documentID string) []SnapshotRecord {
	t.Helper()
	records, err := store.List(context.Background(), documentID, 100, 0)
	if err != nil {
		t.Fatalf("failed to list snapshots: %v", err)
	}
	return records
}

func TestArenaSnapshotsAfterThreshold(t *testing.T) {
	arena, store := newTestArena(t, openTestDatabase(t, true), 50, time.Hour)
	ctx := context.Background()
	if _, err := arena.Acquire(ctx, "doc-1"); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	author := crdt.New(7)
	deltas := typeDeltas(t, author, "abcdefghijklmnopqrstuvwxyzabcdefghijklmnopqrstuvwx")
	if len(deltas) != 50 {
		t.Fatalf("expected 50 deltas, got %d", len(deltas))
	}
	for index, delta := range deltas[:49] {
		if _, err := arena.Apply(ctx, "doc-1", delta, "alice"); err != nil {
			t.Fatalf("apply %d failed: %v", index, err)
		}
	}
	if snapshots := countSnapshots(t, store, "doc-1"); len(snapshots) != 0 {
		t.Fatalf("expected no snapshot before threshold, got %d", len(snapshots))
	}
	if pending := arena.Pending("doc-1"); pending != 49 {
		t.Fatalf("expected 49 pending, got %d", pending)
	}

	if _, err := arena.Apply(ctx, "doc-1", deltas[49], "alice"); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	snapshots := countSnapshots(t, store, "doc-1")
	if len(snapshots) != 1 {
		t.Fatalf("expected one snapshot, got %d", len(snapshots))
	}
	metadata, err := snapshots[0].Metadata()
	if err != nil {
		t.Fatalf("metadata decode failed: %v", err)
	}
	if metadata.UpdateCount != 50 || metadata.Author != "alice" {
		t.Fatalf("unexpected metadata %+v", metadata)
	}
	if metadata.PlainText != author.Text("content") {
		t.Fatalf("unexpected plain text %q", metadata.PlainText)
	}
	if arena.Pending("doc-1") != 0 {
		t.Fatalf("expected pending reset")
	}
}

func TestArenaSnapshotsAfterInterval(t *testing.T) {
	arena, store := newTestArena(t, openTestDatabase(t, true), 50, 50*time.Millisecond)
	ctx := context.Background()
	if _, err := arena.Acquire(ctx, "doc-1"); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	author := crdt.New(7)
	for _, delta := range typeDeltas(t, author, "hi") {
		if _, err := arena.Apply(ctx, "doc-1", delta, "bob"); err != nil {
			t.Fatalf("apply failed: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(countSnapshots(t, store, "doc-1")) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("interval snapshot not written")
		}
		time.Sleep(10 * time.Millisecond)
	}
	metadata, err := countSnapshots(t, store, "doc-1")[0].Metadata()
	if err != nil {
		t.Fatalf("metadata decode failed: %v", err)
	}
	if metadata.UpdateCount != 2 {
		t.Fatalf("expected 2 updates in snapshot, got %d", metadata.UpdateCount)
	}

	time.Sleep(120 * time.Millisecond)
	if snapshots := countSnapshots(t, store, "doc-1"); len(snapshots) != 1 {
		t.Fatalf("expected no further snapshot without pending deltas, got %d", len(snapshots))
	}
}

func TestArenaLastReleaseFlushesAndEvicts(t *testing.T) {
	arena, store := newTestArena(t, openTestDatabase(t, true), 50, time.Hour)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := arena.Acquire(ctx, "doc-1"); err != nil {
			t.Fatalf("acquire failed: %v", err)
		}
	}
	author := crdt.New(7)
	for _, delta := range typeDeltas(t, author, "abc") {
		if _, err := arena.Apply(ctx, "doc-1", delta, "alice"); err != nil {
			t.Fatalf("apply failed: %v", err)
		}
	}

	arena.Release(ctx, "doc-1")
	if arena.RefCount("doc-1") != 1 {
		t.Fatalf("expected one remaining reference")
	}
	if snapshots := countSnapshots(t, store, "doc-1"); len(snapshots) != 0 {
		t.Fatalf("expected no snapshot while referenced, got %d", len(snapshots))
	}

	arena.Release(ctx, "doc-1")
	if len(arena.Documents()) != 0 {
		t.Fatalf("expected replica evicted, live=%v", arena.Documents())
	}
	if snapshots := countSnapshots(t, store, "doc-1"); len(snapshots) != 1 {
		t.Fatalf("expected final snapshot, got %d", len(snapshots))
	}

	state, err := arena.Acquire(ctx, "doc-1")
	if err != nil {
		t.Fatalf("re-acquire failed: %v", err)
	}
	expected, err := author.EncodeState()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if !bytes.Equal(state, expected) {
		t.Fatalf("hydrated state differs from author state")
	}
}

func TestArenaSnapshotFailureKeepsPending(t *testing.T) {
	db := openTestDatabase(t, false)
	arena, store := newTestArena(t, db, 2, time.Hour)
	ctx := context.Background()

	if err := db.AutoMigrate(&SnapshotRecord{}); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	if _, err := arena.Acquire(ctx, "doc-1"); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if err := db.Migrator().DropTable(&SnapshotRecord{}); err != nil {
		t.Fatalf("drop failed: %v", err)
	}

	author := crdt.New(7)
	deltas := typeDeltas(t, author, "abc")
	for _, delta := range deltas[:2] {
		if _, err := arena.Apply(ctx, "doc-1", delta, "alice"); err != nil {
			t.Fatalf("apply must succeed despite snapshot failure: %v", err)
		}
	}
	if pending := arena.Pending("doc-1"); pending != 2 {
		t.Fatalf("expected pending retained, got %d", pending)
	}

	if err := db.AutoMigrate(&SnapshotRecord{}); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	if _, err := arena.Apply(ctx, "doc-1", deltas[2], "alice"); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	snapshots := countSnapshots(t, store, "doc-1")
	if len(snapshots) != 1 {
		t.Fatalf("expected retry snapshot, got %d", len(snapshots))
	}
	metadata, _ := snapshots[0].Metadata()
	if metadata.UpdateCount != 3 {
		t.Fatalf("expected 3 updates after retry, got %d", metadata.UpdateCount)
	}
}

func TestArenaApplyValidation(t *testing.T) {
	arena, _ := newTestArena(t, openTestDatabase(t, true), 50, time.Hour)
	ctx := context.Background()

	if _, err := arena.Apply(ctx, "doc-1", []byte{0x01}, "alice"); !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("expected not loaded, got %v", err)
	}
	if _, err := arena.Acquire(ctx, "doc-1"); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if _, err := arena.Apply(ctx, "doc-1", []byte("garbage"), "alice"); !errors.Is(err, ErrInvalidUpdate) {
		t.Fatalf("expected invalid update, got %v", err)
	}

	author := crdt.New(7)
	delta := typeDeltas(t, author, "a")[0]
	if changed, err := arena.Apply(ctx, "doc-1", delta, "alice"); err != nil || !changed {
		t.Fatalf("expected change, changed=%v err=%v", changed, err)
	}
	if changed, err := arena.Apply(ctx, "doc-1", delta, "alice"); err != nil || changed {
		t.Fatalf("expected duplicate to be a no-op, changed=%v err=%v", changed, err)
	}
	if pending := arena.Pending("doc-1"); pending != 1 {
		t.Fatalf("duplicates must not count, pending=%d", pending)
	}
}

func TestArenaFlushAll(t *testing.T) {
	arena, store := newTestArena(t, openTestDatabase(t, true), 50, time.Hour)
	ctx := context.Background()
	for _, documentID := range []string{"doc-1", "doc-2"} {
		if _, err := arena.Acquire(ctx, documentID); err != nil {
			t.Fatalf("acquire failed: %v", err)
		}
	}
	author := crdt.New(7)
	if _, err := arena.Apply(ctx, "doc-1", typeDeltas(t, author, "x")[0], "alice"); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	if err := arena.FlushAll(ctx); err != nil {
		t.Fatalf("flush all failed: %v", err)
	}
	if snapshots := countSnapshots(t, store, "doc-1"); len(snapshots) != 1 {
		t.Fatalf("expected doc-1 snapshot, got %d", len(snapshots))
	}
	if snapshots := countSnapshots(t, store, "doc-2"); len(snapshots) != 0 {
		t.Fatalf("expected no doc-2 snapshot without pending deltas, got %d", len(snapshots))
	}
}

func TestArenaFinalSnapshotDoesNotBlockOtherDocuments(t *testing.T) {
	db := openTestDatabase(t, true)
	arena, store := newTestArena(t, db, 50, time.Hour)
	ctx := context.Background()

	gate := make(chan struct{})
	var gateOnce sync.Once
	openGate := func() { gateOnce.Do(func() { close(gate) }) }
	t.Cleanup(openGate)
	if err := db.Callback().Create().Before("gorm:create").Register("test:hold_snapshot", func(*gorm.DB) {
		<-gate
	}); err != nil {
		t.Fatalf("failed to register callback: %v", err)
	}

	for _, documentID := range []string{"doc-1", "doc-2"} {
		if _, err := arena.Acquire(ctx, documentID); err != nil {
			t.Fatalf("acquire failed: %v", err)
		}
	}
	author := crdt.New(7)
	for _, delta := range typeDeltas(t, author, "abc") {
		if _, err := arena.Apply(ctx, "doc-1", delta, "alice"); err != nil {
			t.Fatalf("apply failed: %v", err)
		}
	}

	released := make(chan struct{})
	go func() {
		arena.Release(ctx, "doc-1")
		close(released)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for len(arena.Documents()) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("doc-1 not evicted, live=%v", arena.Documents())
		}
		time.Sleep(5 * time.Millisecond)
	}

	otherDone := make(chan error, 1)
	go func() {
		if _, err := arena.Acquire(ctx, "doc-2"); err != nil {
			otherDone <- err
			return
		}
		_, err := arena.State("doc-2")
		otherDone <- err
	}()
	select {
	case err := <-otherDone:
		if err != nil {
			t.Fatalf("other document failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("other documents blocked behind a final snapshot write")
	}

	rejoined := make(chan []byte, 1)
	go func() {
		state, err := arena.Acquire(ctx, "doc-1")
		if err != nil {
			t.Errorf("re-acquire failed: %v", err)
		}
		rejoined <- state
	}()
	select {
	case <-rejoined:
		t.Fatalf("re-acquire must wait for the final snapshot")
	case <-time.After(50 * time.Millisecond):
	}

	openGate()
	<-released
	var state []byte
	select {
	case state = <-rejoined:
	case <-time.After(2 * time.Second):
		t.Fatalf("re-acquire did not complete")
	}
	expected, err := author.EncodeState()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if !bytes.Equal(state, expected) {
		t.Fatalf("re-acquired state must include the evicted replica's edits")
	}
	if snapshots := countSnapshots(t, store, "doc-1"); len(snapshots) != 1 {
		t.Fatalf("expected final snapshot, got %d", len(snapshots))
	}
}
