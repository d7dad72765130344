package source

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/txfeatures/internal/ingest"
)

type fakeConsumer struct {
	events    []kafka.Event
	committed [][]kafka.TopicPartition
	seeks     []kafka.TopicPartition
	commitErr error
	closed    bool
}

func (f *fakeConsumer) Poll(int) kafka.Event {
	if len(f.events) == 0 {
		return nil
	}
	e := f.events[0]
	f.events = f.events[1:]
	return e
}

func (f *fakeConsumer) CommitOffsets(offsets []kafka.TopicPartition) ([]kafka.TopicPartition, error) {
	if f.commitErr != nil {
		return nil, f.commitErr
	}
	f.committed = append(f.committed, offsets)
	return offsets, nil
}

func (f *fakeConsumer) Seek(tp kafka.TopicPartition, _ int) error {
	f.seeks = append(f.seeks, tp)
	return nil
}

func (f *fakeConsumer) Close() error {
	f.closed = true
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func kmsg(topic string, partition int32, offset int64, value string) *kafka.Message {
	return &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: partition, Offset: kafka.Offset(offset)},
		Key:            []byte("u1"),
		Value:          []byte(value),
	}
}

func TestKafka_Poll(t *testing.T) {
	fc := &fakeConsumer{events: []kafka.Event{
		kmsg("txns", 2, 41, `{"x":1}`),
		kafka.NewError(kafka.ErrTransport, "broker down", false),
		kafka.PartitionEOF{},
	}}
	k := newKafka(fc, 0, discardLogger())
	ctx := context.Background()

	m, err := k.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"x":1}`, string(m.Body))
	assert.Equal(t, "u1", m.Key)
	assert.Equal(t, int32(2), m.Partition)
	assert.Equal(t, int64(41), m.Offset)

	for i := 0; i < 3; i++ {
		m, err = k.Poll(ctx)
		require.NoError(t, err, "non-fatal events and timeouts are not errors")
		assert.Nil(t, m)
	}
}

func TestKafka_PollFatalError(t *testing.T) {
	fc := &fakeConsumer{events: []kafka.Event{kafka.NewError(kafka.ErrFatal, "fenced", true)}}
	k := newKafka(fc, 0, discardLogger())
	_, err := k.Poll(context.Background())
	assert.Error(t, err)
}

func TestKafka_AckCommitsNextOffsetPerPartition(t *testing.T) {
	fc := &fakeConsumer{events: []kafka.Event{
		kmsg("txns", 0, 10, "a"),
		kmsg("txns", 1, 3, "b"),
		kmsg("txns", 0, 11, "c"),
	}}
	k := newKafka(fc, 0, discardLogger())
	ctx := context.Background()

	var batch []*ingest.Message
	for i := 0; i < 3; i++ {
		m, err := k.Poll(ctx)
		require.NoError(t, err)
		batch = append(batch, m)
	}
	require.NoError(t, k.Ack(ctx, batch))

	require.Len(t, fc.committed, 1)
	got := fc.committed[0]
	require.Len(t, got, 2)
	assert.Equal(t, int32(0), got[0].Partition)
	assert.Equal(t, kafka.Offset(12), got[0].Offset)
	assert.Equal(t, int32(1), got[1].Partition)
	assert.Equal(t, kafka.Offset(4), got[1].Offset)
}

func TestKafka_AckError(t *testing.T) {
	fc := &fakeConsumer{events: []kafka.Event{kmsg("txns", 0, 1, "a")}, commitErr: errors.New("rebalance")}
	k := newKafka(fc, 0, discardLogger())
	m, err := k.Poll(context.Background())
	require.NoError(t, err)
	assert.Error(t, k.Ack(context.Background(), []*ingest.Message{m}))
	assert.NoError(t, k.Ack(context.Background(), nil))
}

func TestKafka_RejectSeeksOnlyOnRequeue(t *testing.T) {
	fc := &fakeConsumer{events: []kafka.Event{kmsg("txns", 3, 99, "a")}}
	k := newKafka(fc, 0, discardLogger())
	ctx := context.Background()
	m, err := k.Poll(ctx)
	require.NoError(t, err)

	require.NoError(t, k.Reject(ctx, m, false))
	assert.Empty(t, fc.seeks)

	require.NoError(t, k.Reject(ctx, m, true))
	require.Len(t, fc.seeks, 1)
	assert.Equal(t, int32(3), fc.seeks[0].Partition)
	assert.Equal(t, kafka.Offset(99), fc.seeks[0].Offset)

	assert.Error(t, k.Reject(ctx, &ingest.Message{Offset: 1}, true))

	require.NoError(t, k.Close())
	assert.True(t, fc.closed)
}
