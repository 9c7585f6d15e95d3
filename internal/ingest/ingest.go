// Package ingest implements the publish pipeline: admit, stamp, validate,
// extract indices, persist, and hand off to the integrity engine.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/tidwall/gjson"

	"github.com/mydriatech/fragtale/internal/clock"
	"github.com/mydriatech/fragtale/internal/fragerr"
	"github.com/mydriatech/fragtale/internal/storage"
	"github.com/mydriatech/fragtale/internal/telemetry"
	"github.com/mydriatech/fragtale/internal/topic"
)

// IntegritySubmitter accepts a published digest for inclusion in the open
// level-1 BDT for (topicName, shardKey). It returns once the digest has
// been queued for sealing, not once it has been sealed. The digest is a
// 256-bit collision-resistant hash over a document and its received_at
// stamp.
type IntegritySubmitter interface {
	Submit(ctx context.Context, topicName, shardKey string, ut clock.UniqueTime, digest [32]byte) error
}

// Result is what Publish returns on success.
type Result struct {
	UniqueTime clock.UniqueTime
	ReceivedAt time.Time
}

// Notifier pings subscribers that a topic has new data, best-effort. It is
// the ingest side of the Delivery Engine's push-wakeup Waiter.
type Notifier interface {
	Notify(ctx context.Context, topic string) error
}

// Pipeline wires the Time Service, Topic Registry, storage backend, and
// Integrity Engine into the publish operation.
type Pipeline struct {
	clock     *clock.Service
	topics    *topic.Registry
	backend   storage.Backend
	integrity IntegritySubmitter
	notifier  Notifier
	logger    *slog.Logger
}

// SetNotifier attaches a best-effort wakeup notifier. Without one, blocked
// Next long-polls still find new events on their own poll interval; a
// notifier just lets them wake up sooner.
func (p *Pipeline) SetNotifier(n Notifier) {
	p.notifier = n
}

// New creates a Pipeline.
func New(clockSvc *clock.Service, topics *topic.Registry, backend storage.Backend, integrity IntegritySubmitter, logger *slog.Logger) *Pipeline {
	return &Pipeline{clock: clockSvc, topics: topics, backend: backend, integrity: integrity, logger: logger}
}

// Publish admits document onto topicName, per the publish pipeline:
//  1. issue unique_time and received_at (or fail ClockOutOfTolerance),
//  2. validate against the topic's schema if any,
//  3. extract configured JSON paths into typed index values,
//  4. compute the event digest,
//  5. persist the event row,
//  6. submit the digest to the integrity engine,
//  7. announce the shard,
//  8. return the unique_time.
func (p *Pipeline) Publish(ctx context.Context, topicName string, document []byte) (Result, error) {
	top, err := p.topics.Ensure(ctx, topicName)
	if err != nil {
		return Result{}, fmt.Errorf("provisioning topic %s: %w", topicName, err)
	}

	ut, receivedAtMs, err := p.clock.Issue(ctx)
	if err != nil {
		return Result{}, err
	}
	receivedAt := time.UnixMilli(receivedAtMs).UTC()

	if err := top.Validate(document); err != nil {
		return Result{}, err
	}

	extracted := extractIndices(document, top.IndexConfig)
	digest := computeDigest(document, receivedAt)

	shardKey := topic.ShardKey(receivedAt, top.ShardDurationL1)

	row := storage.Row{
		"shard_l1":    shardKey,
		"unique_time": ut.String(),
		"document":    document,
		"received_at": receivedAt,
		"extracted":   extracted,
		"digest":      digest[:],
	}
	// Each configured index field is additionally flattened onto its own
	// idx_<name> column, since storage.Backend.CreateSecondaryIndex/
	// QueryIndex key on a literal column, not a path into the nested
	// "extracted" document (kept above for inspection/debugging).
	for name, value := range extracted {
		row["idx_"+name] = value
	}
	if _, err := p.backend.Put(ctx, top.EventsTable(), row, storage.Local); err != nil {
		return Result{}, fmt.Errorf("%w: writing event to %s: %v", fragerr.ErrStorageUnavailable, top.EventsTable(), err)
	}

	if err := p.integrity.Submit(ctx, topicName, shardKey, ut, digest); err != nil {
		// Persisting the event but failing to enqueue its digest is
		// recoverable by the repair scan; ingest does not fail the
		// publish for it.
		p.logger.Warn("integrity submission failed, relying on repair scan", "topic", topicName, "unique_time", ut, "error", err)
	}

	if err := p.announceShard(ctx, top, shardKey, receivedAt); err != nil {
		p.logger.Warn("shard announcement failed", "topic", topicName, "shard_l1", shardKey, "error", err)
	}

	if p.notifier != nil {
		if err := p.notifier.Notify(ctx, topicName); err != nil {
			p.logger.Warn("wakeup notify failed", "topic", topicName, "error", err)
		}
	}

	telemetry.PublishedEventsTotal.WithLabelValues(topicName).Inc()
	return Result{UniqueTime: ut, ReceivedAt: receivedAt}, nil
}

// announceShard records the event's L2 bucket in shards_l1_<topic> and, in
// turn, that L2 bucket's existence within its L3 window in shards_l2_<topic>.
// The second write is what lets delivery's shard scan skip an entire empty
// L3 window without ever touching shards_l1.
func (p *Pipeline) announceShard(ctx context.Context, top *topic.Topic, shardKey string, receivedAt time.Time) error {
	bucket := topic.ShardKey(receivedAt, top.ShardDurationL2)
	key := storage.Key{Partition: storage.Row{"bucket": bucket}, Clustering: shardKey}
	row := storage.Row{"bucket": bucket, "shard_l1": shardKey}
	if _, err := p.backend.Put(ctx, top.ShardsL1Table(), mergeKey(key, row), storage.Local); err != nil {
		return err
	}

	l3Bucket := topic.ShardKey(receivedAt, top.ShardDurationL3)
	l2Key := storage.Key{Partition: storage.Row{"bucket": l3Bucket}, Clustering: bucket}
	l2Row := storage.Row{"bucket": l3Bucket, "shard_l2": bucket}
	_, err := p.backend.Put(ctx, top.ShardsL2Table(), mergeKey(l2Key, l2Row), storage.Local)
	return err
}

func mergeKey(key storage.Key, row storage.Row) storage.Row {
	out := storage.Row{}
	for k, v := range key.Partition {
		out[k] = v
	}
	for k, v := range row {
		out[k] = v
	}
	return out
}

func computeDigest(document []byte, receivedAt time.Time) [32]byte {
	h := sha256.New()
	h.Write(document)
	var receivedAtBE [8]byte
	binary.BigEndian.PutUint64(receivedAtBE[:], uint64(receivedAt.UnixMilli()))
	h.Write(receivedAtBE[:])
	var d [32]byte
	copy(d[:], h.Sum(nil))
	return d
}

func extractIndices(document []byte, fields []topic.IndexField) map[string]any {
	if len(fields) == 0 {
		return nil
	}
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		result := gjson.GetBytes(document, f.JSONPath)
		if !result.Exists() {
			continue
		}
		switch f.Type {
		case "number":
			out[f.Name] = result.Num
		case "bool":
			out[f.Name] = result.Bool()
		default:
			out[f.Name] = result.String()
		}
	}
	return out
}
