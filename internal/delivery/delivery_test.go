package delivery

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mydriatech/fragtale/internal/clock"
	"github.com/mydriatech/fragtale/internal/storage"
	"github.com/mydriatech/fragtale/internal/storage/memstore"
	"github.com/mydriatech/fragtale/internal/topic"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEngine(t *testing.T, opts Options) (*Engine, *memstore.Store, *topic.Topic) {
	t.Helper()
	backend := memstore.New()
	ctx := context.Background()
	require.NoError(t, backend.CreateTable(ctx, topic.RegistrySchema))

	topics := topic.New(backend, time.Hour, 24*time.Hour, 7*24*time.Hour)
	top, err := topics.Ensure(ctx, "orders")
	require.NoError(t, err)

	engine := New(backend, topics, nil, opts, testLogger())
	return engine, backend, top
}

// publishEvent writes an event row and its shard announcement directly,
// mirroring what ingest.Pipeline.Publish does, without depending on the
// ingest package.
func publishEvent(t *testing.T, ctx context.Context, backend *memstore.Store, top *topic.Topic, ut clock.UniqueTime, receivedAt time.Time, document []byte) {
	t.Helper()
	shardKey := topic.ShardKey(receivedAt, top.ShardDurationL1)

	_, err := backend.Put(ctx, top.EventsTable(), storage.Row{
		"shard_l1":    shardKey,
		"unique_time": ut.String(),
		"document":    document,
		"received_at": receivedAt,
	}, storage.Local)
	require.NoError(t, err)

	bucket := topic.ShardKey(receivedAt, top.ShardDurationL2)
	_, err = backend.Put(ctx, top.ShardsL1Table(), storage.Row{
		"bucket":   bucket,
		"shard_l1": shardKey,
	}, storage.Local)
	require.NoError(t, err)

	l3Bucket := topic.ShardKey(receivedAt, top.ShardDurationL3)
	_, err = backend.Put(ctx, top.ShardsL2Table(), storage.Row{
		"bucket":   l3Bucket,
		"shard_l2": bucket,
	}, storage.Local)
	require.NoError(t, err)
}

func TestNextDeliversAPublishedEvent(t *testing.T) {
	engine, backend, top := newEngine(t, Options{LongPollTimeout: 50 * time.Millisecond, PollInterval: 5 * time.Millisecond})
	ctx := context.Background()

	now := time.Now()
	ut := clock.New(uint64(now.UnixMicro()), 0, 1)
	publishEvent(t, ctx, backend, top, ut, now, []byte(`{"k":"v"}`))

	events, err := engine.Next(ctx, "orders", "consumer-a", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, ut, events[0].UniqueTime)
	require.Equal(t, []byte(`{"k":"v"}`), events[0].Document)
}

func TestNextTimesOutWithNoData(t *testing.T) {
	engine, _, _ := newEngine(t, Options{LongPollTimeout: 20 * time.Millisecond, PollInterval: 5 * time.Millisecond})
	events, err := engine.Next(context.Background(), "orders", "consumer-a", 0)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestAckRemovesEventFromPendingAndStopsRedelivery(t *testing.T) {
	engine, backend, top := newEngine(t, Options{
		LongPollTimeout: 30 * time.Millisecond,
		PollInterval:    5 * time.Millisecond,
		BackoffBase:     time.Millisecond,
		BackoffMax:      time.Millisecond,
	})
	ctx := context.Background()

	now := time.Now()
	ut := clock.New(uint64(now.UnixMicro()), 0, 1)
	publishEvent(t, ctx, backend, top, ut, now, []byte(`{"k":"v"}`))

	events, err := engine.Next(ctx, "orders", "consumer-a", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)

	require.NoError(t, engine.Ack(ctx, "orders", "consumer-a", ut))

	time.Sleep(5 * time.Millisecond)
	events, err = engine.Next(ctx, "orders", "consumer-a", 0)
	require.NoError(t, err)
	require.Empty(t, events, "an acked event must not be redelivered")
}

func TestUnackedEventIsRedeliveredAfterBackoff(t *testing.T) {
	engine, backend, top := newEngine(t, Options{
		LongPollTimeout: 10 * time.Millisecond,
		PollInterval:    2 * time.Millisecond,
		BackoffBase:     time.Millisecond,
		BackoffMax:      2 * time.Millisecond,
	})
	ctx := context.Background()

	now := time.Now()
	ut := clock.New(uint64(now.UnixMicro()), 0, 1)
	publishEvent(t, ctx, backend, top, ut, now, []byte(`{"k":"v"}`))

	first, err := engine.Next(ctx, "orders", "consumer-a", 0)
	require.NoError(t, err)
	require.Len(t, first, 1)

	time.Sleep(10 * time.Millisecond)

	second, err := engine.Next(ctx, "orders", "consumer-a", 0)
	require.NoError(t, err)
	require.Len(t, second, 1, "an unacked event must be redelivered once its backoff expires")
	require.Equal(t, ut, second[0].UniqueTime)
}

func TestNextOrdersEventsByUniqueTime(t *testing.T) {
	engine, backend, top := newEngine(t, Options{LongPollTimeout: 30 * time.Millisecond, PollInterval: 5 * time.Millisecond})
	ctx := context.Background()

	now := time.Now()
	ut2 := clock.New(uint64(now.UnixMicro()), 2, 1)
	ut1 := clock.New(uint64(now.UnixMicro()), 1, 1)
	publishEvent(t, ctx, backend, top, ut2, now, []byte(`{"n":2}`))
	publishEvent(t, ctx, backend, top, ut1, now, []byte(`{"n":1}`))

	events, err := engine.Next(ctx, "orders", "consumer-a", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.True(t, events[0].UniqueTime.Less(events[1].UniqueTime))
}

func TestNextSkipsEmptyBucketsViaLevel2Index(t *testing.T) {
	engine, backend, top := newEngine(t, Options{LongPollTimeout: 30 * time.Millisecond, PollInterval: 5 * time.Millisecond})
	ctx := context.Background()

	now := time.Now()
	ut := clock.New(uint64(now.UnixMicro()), 0, 1)
	publishEvent(t, ctx, backend, top, ut, now, []byte(`{"k":"v"}`))

	// Start scanning three L2 buckets (3 days, at this topic's 24h L2
	// duration) before the event, well within the L3 window the L2 index
	// announces it in, to exercise the cached-known-buckets path across
	// several empty L2 buckets in a row.
	fromEpochMs := now.Add(-3 * 24 * time.Hour).UnixMilli()

	events, err := engine.Next(ctx, "orders", "consumer-a", fromEpochMs)
	require.NoError(t, err)
	require.Len(t, events, 1, "scanNew must still find the event across empty L2 buckets before it")
	require.Equal(t, ut, events[0].UniqueTime)
}

func TestNextIsIndependentPerConsumer(t *testing.T) {
	engine, backend, top := newEngine(t, Options{LongPollTimeout: 30 * time.Millisecond, PollInterval: 5 * time.Millisecond})
	ctx := context.Background()

	now := time.Now()
	ut := clock.New(uint64(now.UnixMicro()), 0, 1)
	publishEvent(t, ctx, backend, top, ut, now, []byte(`{"k":"v"}`))

	a, err := engine.Next(ctx, "orders", "consumer-a", 0)
	require.NoError(t, err)
	require.Len(t, a, 1)
	require.NoError(t, engine.Ack(ctx, "orders", "consumer-a", ut))

	b, err := engine.Next(ctx, "orders", "consumer-b", 0)
	require.NoError(t, err)
	require.Len(t, b, 1, "a second consumer must see the event independently of the first consumer's cursor")
}
