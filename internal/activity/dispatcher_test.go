package activity

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T, producer sarama.SyncProducer, maxRetry int) *Dispatcher {
	t.Helper()
	dispatcher, err := NewDispatcher(producer, "corkboard.activity", nil, Options{
		QueueSize:   16,
		Workers:     1,
		MaxRetry:    maxRetry,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  2 * time.Millisecond,
	})
	require.NoError(t, err)
	return dispatcher
}

func TestRecordSendsEntry(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(value []byte) error {
		var entry Entry
		if err := json.Unmarshal(value, &entry); err != nil {
			return err
		}
		if entry.EventID != "evt-1" || entry.BoardID != "b1" {
			return errors.New("unexpected entry")
		}
		return nil
	})

	dispatcher := newTestDispatcher(t, producer, -1)
	assert.True(t, dispatcher.Record(Entry{
		EventID: "evt-1",
		Type:    "card.created",
		ActorID: "u1",
		BoardID: "b1",
		Payload: json.RawMessage(`{"cardId":"c1"}`),
	}))
	require.NoError(t, dispatcher.Close())

	assert.Equal(t, Stats{Sent: 1}, dispatcher.Stats())
}

func TestRecordRetriesTransientFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	producer.ExpectSendMessageAndSucceed()

	dispatcher := newTestDispatcher(t, producer, 2)
	dispatcher.Record(Entry{EventID: "evt-1", Type: "card.created", ActorID: "u1"})
	require.NoError(t, dispatcher.Close())

	assert.Equal(t, Stats{Sent: 1}, dispatcher.Stats())
}

func TestRecordGivesUpAfterMaxRetry(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	dispatcher := newTestDispatcher(t, producer, 1)
	dispatcher.Record(Entry{EventID: "evt-1", Type: "card.created", ActorID: "u1"})
	require.NoError(t, dispatcher.Close())

	assert.Equal(t, Stats{Failed: 1}, dispatcher.Stats())
}

func TestRecordAfterCloseDrops(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	dispatcher := newTestDispatcher(t, producer, -1)
	require.NoError(t, dispatcher.Close())
	require.NoError(t, dispatcher.Close())

	assert.False(t, dispatcher.Record(Entry{EventID: "evt-1"}))
	assert.Equal(t, int64(1), dispatcher.Stats().Dropped)
}

type countingProducer struct {
	sarama.SyncProducer
	closes int
}

func (p *countingProducer) Close() error {
	p.closes++
	return p.SyncProducer.Close()
}

func TestZeroMaxRetryUsesDefaultRetries(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	for i := 0; i < defaultMaxRetry; i++ {
		producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	}
	producer.ExpectSendMessageAndSucceed()

	dispatcher, err := NewDispatcher(producer, "corkboard.activity", nil, Options{
		BaseBackoff: time.Millisecond,
		MaxBackoff:  2 * time.Millisecond,
	})
	require.NoError(t, err)
	dispatcher.Record(Entry{EventID: "evt-1", Type: "card.created", ActorID: "u1"})
	require.NoError(t, dispatcher.Close())

	assert.Equal(t, Stats{Sent: 1}, dispatcher.Stats())
}

func TestCloseClosesProducerOnce(t *testing.T) {
	producer := &countingProducer{SyncProducer: mocks.NewSyncProducer(t, nil)}
	dispatcher := newTestDispatcher(t, producer, -1)

	require.NoError(t, dispatcher.Close())
	require.NoError(t, dispatcher.Close())
	assert.Equal(t, 1, producer.closes)
}

func TestNewDispatcherValidation(t *testing.T) {
	_, err := NewDispatcher(nil, "topic", nil, Options{})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	producer := mocks.NewSyncProducer(t, nil)
	_, err = NewDispatcher(producer, "", nil, Options{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	require.NoError(t, producer.Close())
}

func TestPartitionKeyPrefersBoard(t *testing.T) {
	assert.Equal(t, "b1", Entry{BoardID: "b1", ActorID: "u1"}.partitionKey())
	assert.Equal(t, "u1", Entry{ActorID: "u1"}.partitionKey())
}
