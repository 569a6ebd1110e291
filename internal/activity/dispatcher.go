package activity

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

const (
	defaultQueueSize   = 10_000
	defaultWorkers     = 4
	defaultMaxRetry    = 3
	defaultBaseBackoff = 100 * time.Millisecond
	defaultMaxBackoff  = 2 * time.Second
)

// ErrInvalidConfig indicates missing dispatcher dependencies.
var ErrInvalidConfig = errors.New("activity: invalid config")

// Entry is one activity-log record forwarded to Kafka. Entries are keyed by
// board so a board's activity lands on a single partition.
type Entry struct {
	EventID     string          `json:"eventId"`
	Type        string          `json:"type"`
	ActorID     string          `json:"actorId"`
	BoardID     string          `json:"boardId,omitempty"`
	TimestampMs int64           `json:"timestampMs"`
	Payload     json.RawMessage `json:"payload"`
}

func (entry Entry) partitionKey() string {
	if entry.BoardID != "" {
		return entry.BoardID
	}
	return entry.ActorID
}

// Options tunes the dispatcher.
type Options struct {
	QueueSize   int
	Workers     int
	// MaxRetry counts retries after the first attempt. Zero selects the
	// default; a negative value disables retries.
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Stats counts dispatcher outcomes.
type Stats struct {
	Sent    int64 `json:"sent"`
	Dropped int64 `json:"dropped"`
	Failed  int64 `json:"failed"`
}

// Dispatcher forwards activity entries to Kafka through a bounded local queue
// drained by workers with bounded retries. Record never blocks: a full queue
// drops the entry.
type Dispatcher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan Entry
	wg     sync.WaitGroup

	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	sent    atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

// NewDispatcher starts a dispatcher with its workers running.
func NewDispatcher(producer sarama.SyncProducer, topic string, logger *zap.Logger, opt Options) (*Dispatcher, error) {
	if producer == nil {
		return nil, fmt.Errorf("%w: producer required", ErrInvalidConfig)
	}
	if topic == "" {
		return nil, fmt.Errorf("%w: topic required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opt.QueueSize <= 0 {
		opt.QueueSize = defaultQueueSize
	}
	if opt.Workers <= 0 {
		opt.Workers = defaultWorkers
	}
	switch {
	case opt.MaxRetry == 0:
		opt.MaxRetry = defaultMaxRetry
	case opt.MaxRetry < 0:
		opt.MaxRetry = 0
	}
	if opt.BaseBackoff <= 0 {
		opt.BaseBackoff = defaultBaseBackoff
	}
	if opt.MaxBackoff <= 0 {
		opt.MaxBackoff = defaultMaxBackoff
	}

	d := &Dispatcher{
		producer:    producer,
		topic:       topic,
		logger:      logger,
		queue:       make(chan Entry, opt.QueueSize),
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}
	for worker := 0; worker < opt.Workers; worker++ {
		d.wg.Add(1)
		go d.workerLoop(worker)
	}
	return d, nil
}

// Record enqueues entry. It reports false when the entry was dropped.
func (d *Dispatcher) Record(entry Entry) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		return false
	}
	select {
	case d.queue <- entry:
		return true
	default:
		d.dropped.Add(1)
		d.logger.Warn("activity queue full, entry dropped",
			zap.String("event_id", entry.EventID),
			zap.String("type", entry.Type),
		)
		return false
	}
}

// Close stops accepting entries, waits for queued ones to be sent and closes
// the producer.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
	return d.producer.Close()
}

// Stats returns the dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{Sent: d.sent.Load(), Dropped: d.dropped.Load(), Failed: d.failed.Load()}
}

func (d *Dispatcher) workerLoop(worker int) {
	defer d.wg.Done()
	for entry := range d.queue {
		d.sendWithRetry(worker, entry)
	}
}

func (d *Dispatcher) sendWithRetry(worker int, entry Entry) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		err := d.sendOnce(entry)
		if err == nil {
			d.sent.Add(1)
			return
		}
		if attempt == d.maxRetry {
			d.failed.Add(1)
			d.logger.Error("activity send failed, entry dropped",
				zap.String("event_id", entry.EventID),
				zap.String("type", entry.Type),
				zap.Int("worker", worker),
				zap.Error(err),
			)
			return
		}
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *Dispatcher) sendOnce(entry Entry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	message := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(entry.partitionKey()),
		Value: sarama.ByteEncoder(body),
	}
	_, _, err = d.producer.SendMessage(message)
	return err
}

// NewSyncProducer builds the Kafka producer the dispatcher sends through.
func NewSyncProducer(brokers []string) (sarama.SyncProducer, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Retry.Max = 0
	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("activity: connect kafka: %w", err)
	}
	return producer, nil
}
