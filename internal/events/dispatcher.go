package events

import (
	"context"
	"sync"
	"sync/atomic"
)

// AllBoards subscribes to every event regardless of board.
const AllBoards = "*"

// Dispatcher fans events out to in-process subscribers such as SSE streams.
// Delivery is at-most-once: a subscriber whose buffer is full misses the event.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
	dropped     atomic.Int64
}

type subscriber struct {
	id     int64
	stream chan Event
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  32,
	}
}

// Subscribe registers a stream of events for boardID (or AllBoards). The
// subscription ends when ctx is done or the returned cleanup runs; the stream
// itself is never closed, so readers select on their own context.
func (d *Dispatcher) Subscribe(ctx context.Context, boardID string) (<-chan Event, func()) {
	if boardID == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan Event, d.bufferSize),
	}
	d.register(boardID, sub)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregister(boardID, sub) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish delivers the event to subscribers of its board and of AllBoards.
func (d *Dispatcher) Publish(event Event, boardID string) {
	d.mu.RLock()
	targets := make([]*subscriber, 0)
	for _, key := range []string{boardID, AllBoards} {
		if key == "" {
			continue
		}
		for _, sub := range d.subscribers[key] {
			targets = append(targets, sub)
		}
	}
	d.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.stream <- event:
		default:
			d.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(boardID string, sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[boardID]; !ok {
		d.subscribers[boardID] = make(map[int64]*subscriber)
	}
	d.subscribers[boardID][sub.id] = sub
}

func (d *Dispatcher) unregister(boardID string, sub *subscriber) {
	d.mu.Lock()
	subscribers := d.subscribers[boardID]
	if subscribers != nil {
		delete(subscribers, sub.id)
		if len(subscribers) == 0 {
			delete(d.subscribers, boardID)
		}
	}
	d.mu.Unlock()
}
