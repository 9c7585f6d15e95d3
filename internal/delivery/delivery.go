// Package delivery implements per-consumer pull/push subscription over a
// topic's event log: ordered iteration across time-shards, at-least-once
// delivery with ack and exponential-backoff redelivery of unacked events, and a
// best-effort wakeup path so long-poll callers don't wait a full poll
// interval once new data lands.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/mydriatech/fragtale/internal/clock"
	"github.com/mydriatech/fragtale/internal/storage"
	"github.com/mydriatech/fragtale/internal/telemetry"
	"github.com/mydriatech/fragtale/internal/topic"
)

// Event is one delivered event: its identity, payload and the time the
// broker first received it.
type Event struct {
	UniqueTime clock.UniqueTime
	Document   []byte
	ReceivedAt time.Time
}

// Waiter lets the delivery loop wake up as soon as a topic receives new
// data instead of only on the next poll tick. It is satisfied by
// *platform.WakeupChannel; a nil Waiter falls back to pure polling, which
// is correct, just higher-latency (the wakeup path is a notification
// optimization, never a correctness dependency).
type Waiter interface {
	Wait(ctx context.Context, topicName string) <-chan struct{}
}

// Options configures an Engine's timing and batching behavior.
type Options struct {
	// LateArrivalWindow is how long past a shard's close the engine keeps
	// watching it for stragglers before treating it as exhausted and
	// moving on to the next shard.
	LateArrivalWindow time.Duration
	// LongPollTimeout bounds how long Next blocks waiting for data.
	LongPollTimeout time.Duration
	// PollInterval is the fallback re-check cadence while long-polling.
	PollInterval time.Duration
	// BackoffBase/BackoffMax bound the redelivery backoff of unacked events.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// BatchSize caps how many events one Next call returns.
	BatchSize int
	// MaxShardLookahead bounds how many level-2 buckets a single Next call
	// will walk forward looking for the next non-empty shard, since
	// storage.Backend.Scan requires a partition key and cannot discover
	// shards by an unbounded cross-partition search.
	MaxShardLookahead int
}

func (o *Options) setDefaults() {
	if o.LateArrivalWindow <= 0 {
		o.LateArrivalWindow = 5 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 200 * time.Millisecond
	}
	if o.LongPollTimeout <= 0 {
		o.LongPollTimeout = 20 * time.Second
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 500 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 60 * time.Second
	}
	if o.MaxShardLookahead <= 0 {
		o.MaxShardLookahead = 2048
	}
}

// Engine is the Delivery Engine: one instance serves every (topic,
// consumer_id) pair, driven by the caller's own long-lived subscription
// task, one task per subscription.
type Engine struct {
	backend storage.Backend
	topics  *topic.Registry
	waiter  Waiter
	opts    Options
	logger  *slog.Logger
}

// New creates a delivery Engine. waiter may be nil.
func New(backend storage.Backend, topics *topic.Registry, waiter Waiter, opts Options, logger *slog.Logger) *Engine {
	opts.setDefaults()
	return &Engine{
		backend: backend,
		topics:  topics,
		waiter:  waiter,
		opts:    opts,
		logger:  logger,
	}
}

// Next implements the pull subscription: it blocks up to LongPollTimeout
// until at least one undelivered event is available at or after
// fromEpochMs (only consulted before the consumer has ever acked), then
// returns a batch in unique_time order. An empty, nil-error result means
// the long-poll timed out with nothing to deliver.
func (e *Engine) Next(ctx context.Context, topicName, consumerID string, fromEpochMs int64) ([]Event, error) {
	top, err := e.topics.Lookup(ctx, topicName)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(e.opts.LongPollTimeout)

	var wake <-chan struct{}
	if e.waiter != nil {
		wake = e.waiter.Wait(ctx, topicName)
	}
	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	for {
		events, err := e.collect(ctx, top, consumerID, fromEpochMs)
		if err != nil {
			return nil, err
		}
		if len(events) > 0 {
			return events, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-ticker.C:
			timer.Stop()
		case <-wake:
			timer.Stop()
		}
	}
}

// Ack advances the consumer's cursor past uniqueTime and removes it from
// the pending set.
func (e *Engine) Ack(ctx context.Context, topicName, consumerID string, uniqueTime clock.UniqueTime) error {
	top, err := e.topics.Lookup(ctx, topicName)
	if err != nil {
		return err
	}
	utStr := uniqueTime.String()
	err = updateState(ctx, e.backend, top, consumerID, func(s *consumerState) {
		delete(s.Pending, utStr)
		if s.Cursor == "" || s.Cursor < utStr {
			s.Cursor = utStr
		}
	})
	if err != nil {
		return err
	}
	telemetry.PendingSetSize.WithLabelValues(top.Name, consumerID).Dec()
	return nil
}

// collect gathers one delivery batch: pending redeliveries due for retry,
// topped up with newly discovered events, and persists the updated
// pending set for everything it is about to return.
func (e *Engine) collect(ctx context.Context, top *topic.Topic, consumerID string, fromEpochMs int64) ([]Event, error) {
	state, _, err := loadState(ctx, e.backend, top, consumerID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	nowMs := now.UnixMilli()

	var due []string
	for utStr, entry := range state.Pending {
		if entry.NextAttempt <= nowMs {
			due = append(due, utStr)
		}
	}
	sort.Strings(due)
	if len(due) > e.opts.BatchSize {
		due = due[:e.opts.BatchSize]
	}

	var events []Event
	var orphaned []string
	attempts := map[string]int{}

	for _, utStr := range due {
		ut, err := clock.Parse(utStr)
		if err != nil {
			orphaned = append(orphaned, utStr)
			continue
		}
		ev, ok, err := e.fetchEvent(ctx, top, ut)
		if err != nil {
			return nil, err
		}
		if !ok {
			e.logger.Warn("pending event no longer in storage, dropping",
				"topic", top.Name, "consumer_id", consumerID, "unique_time", utStr)
			orphaned = append(orphaned, utStr)
			continue
		}
		events = append(events, ev)
		attempts[utStr] = state.Pending[utStr].Attempt + 1
	}

	freshCount := 0
	if len(events) < e.opts.BatchSize {
		fresh, err := e.scanNew(ctx, top, state, fromEpochMs, now, e.opts.BatchSize-len(events))
		if err != nil {
			return nil, err
		}
		for _, ev := range fresh {
			events = append(events, ev)
			attempts[ev.UniqueTime.String()] = 1
		}
		freshCount = len(fresh)
	}

	if len(events) == 0 {
		return nil, nil
	}

	err = updateState(ctx, e.backend, top, consumerID, func(s *consumerState) {
		for _, utStr := range orphaned {
			delete(s.Pending, utStr)
		}
		for utStr, attempt := range attempts {
			s.Pending[utStr] = pendingEntry{
				Attempt:     attempt,
				NextAttempt: now.Add(backoff(attempt, e.opts.BackoffBase, e.opts.BackoffMax)).UnixMilli(),
			}
		}
	})
	if err != nil {
		return nil, err
	}

	telemetry.DeliveredEventsTotal.WithLabelValues(top.Name, consumerID).Add(float64(len(events)))
	telemetry.PendingSetSize.WithLabelValues(top.Name, consumerID).
		Set(float64(len(state.Pending) - len(orphaned) + freshCount))

	sort.Slice(events, func(i, j int) bool { return events[i].UniqueTime.Less(events[j].UniqueTime) })
	return events, nil
}

func (e *Engine) fetchEvent(ctx context.Context, top *topic.Topic, ut clock.UniqueTime) (Event, bool, error) {
	shardL1 := topic.ShardKey(ut.Time(), top.ShardDurationL1)
	key := storage.Key{Partition: storage.Row{"shard_l1": shardL1}, Clustering: ut.String()}
	row, ok, err := e.backend.Get(ctx, top.EventsTable(), key, storage.Local)
	if err != nil {
		return Event{}, false, fmt.Errorf("loading event %s: %w", ut, err)
	}
	if !ok {
		return Event{}, false, nil
	}
	doc, _ := row["document"].([]byte)
	receivedAt, _ := row["received_at"].(time.Time)
	return Event{UniqueTime: ut, Document: doc, ReceivedAt: receivedAt}, true, nil
}

// scanNew walks shards_l1_<topic> forward from the consumer's cursor (or
// fromEpochMs, for a consumer that has never acked) looking for events not
// already in the pending set, stopping once limit is reached or it
// catches up with a shard still open for late arrivals. Before touching
// shards_l1 for a given L2 bucket it first checks the coarser shards_l2
// index for the bucket's L3 window, so a long empty time region costs one
// shards_l2 scan per L3 window instead of one shards_l1 scan per L2
// bucket within it.
func (e *Engine) scanNew(ctx context.Context, top *topic.Topic, state consumerState, fromEpochMs int64, now time.Time, limit int) ([]Event, error) {
	if limit <= 0 {
		return nil, nil
	}

	var start clock.UniqueTime
	switch {
	case state.Cursor != "":
		ut, err := clock.Parse(state.Cursor)
		if err != nil {
			return nil, fmt.Errorf("parsing consumer cursor: %w", err)
		}
		start = ut
	case fromEpochMs > 0:
		start = clock.New(uint64(fromEpochMs)*1000, 0, 0)
	default:
		// A brand-new consumer with no cursor and no explicit
		// from_epoch_ms starts at "now", like most broker cursor
		// defaults: a fresh subscription sees new arrivals rather than
		// replaying the whole topic history. Callers wanting a replay
		// pass an explicit from_epoch_ms.
		start = clock.New(uint64(now.UnixMicro()), 0, 0)
	}

	startShard := topic.ShardKey(start.Time(), top.ShardDurationL1)
	bucket := topic.ShardKey(start.Time(), top.ShardDurationL2)
	nowBucket := topic.ShardKey(now, top.ShardDurationL2)

	var out []Event
	var knownL2 map[string]bool
	var knownL2L3Bucket string

	for i := 0; i < e.opts.MaxShardLookahead && len(out) < limit; i++ {
		l3Bucket := topic.ShardKey(bucketTime(bucket), top.ShardDurationL3)
		if l3Bucket != knownL2L3Bucket {
			known, err := e.shardL2BucketsInL3(ctx, top, l3Bucket)
			if err != nil {
				return nil, err
			}
			knownL2 = known
			knownL2L3Bucket = l3Bucket
		}

		if knownL2[bucket] {
			shards, err := e.shardsInBucket(ctx, top, bucket)
			if err != nil {
				return nil, err
			}
			for _, shardL1 := range shards {
				if shardL1 < startShard {
					continue
				}
				events, closed, err := e.scanShard(ctx, top, shardL1, start, state, now, limit-len(out))
				if err != nil {
					return nil, err
				}
				out = append(out, events...)
				if len(out) >= limit {
					return out, nil
				}
				if !closed {
					// This shard may still receive late arrivals; don't skip
					// past it even though it has nothing left right now.
					return out, nil
				}
			}
		}
		if bucket >= nowBucket {
			break
		}
		bucket = nextBucket(bucket, top.ShardDurationL2)
	}
	return out, nil
}

// shardL2BucketsInL3 returns the set of L2 bucket keys with at least one
// announced shard inside l3Bucket, the coarse index scanNew consults
// before paying for a shards_l1 scan.
func (e *Engine) shardL2BucketsInL3(ctx context.Context, top *topic.Topic, l3Bucket string) (map[string]bool, error) {
	rows, err := e.backend.Scan(ctx, top.ShardsL2Table(), storage.Row{"bucket": l3Bucket}, storage.ScanOptions{})
	if err != nil {
		return nil, fmt.Errorf("scanning level-2 shard index bucket %s: %w", l3Bucket, err)
	}
	defer rows.Close()

	known := make(map[string]bool)
	for {
		row, ok, err := rows.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if shardL2, ok := row["shard_l2"].(string); ok {
			known[shardL2] = true
		}
	}
	return known, nil
}

func (e *Engine) shardsInBucket(ctx context.Context, top *topic.Topic, bucket string) ([]string, error) {
	rows, err := e.backend.Scan(ctx, top.ShardsL1Table(), storage.Row{"bucket": bucket}, storage.ScanOptions{})
	if err != nil {
		return nil, fmt.Errorf("scanning shard index bucket %s: %w", bucket, err)
	}
	defer rows.Close()

	var shards []string
	for {
		row, ok, err := rows.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if shardL1, ok := row["shard_l1"].(string); ok {
			shards = append(shards, shardL1)
		}
	}
	sort.Strings(shards)
	return shards, nil
}

func (e *Engine) scanShard(ctx context.Context, top *topic.Topic, shardL1 string, cursor clock.UniqueTime, state consumerState, now time.Time, limit int) ([]Event, bool, error) {
	rows, err := e.backend.Scan(ctx, top.EventsTable(), storage.Row{"shard_l1": shardL1}, storage.ScanOptions{})
	if err != nil {
		return nil, false, fmt.Errorf("scanning shard %s: %w", shardL1, err)
	}
	defer rows.Close()

	cursorStr := cursor.String()
	var out []Event
	for {
		row, ok, err := rows.Next(ctx)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			break
		}
		utStr, _ := row["unique_time"].(string)
		if utStr == "" || utStr <= cursorStr {
			continue
		}
		if _, pending := state.Pending[utStr]; pending {
			continue
		}
		ut, err := clock.Parse(utStr)
		if err != nil {
			continue
		}
		doc, _ := row["document"].([]byte)
		receivedAt, _ := row["received_at"].(time.Time)
		out = append(out, Event{UniqueTime: ut, Document: doc, ReceivedAt: receivedAt})
		if len(out) >= limit {
			break
		}
	}

	closed := now.After(windowEnd(shardL1, top.ShardDurationL1).Add(e.opts.LateArrivalWindow))
	return out, closed, nil
}
