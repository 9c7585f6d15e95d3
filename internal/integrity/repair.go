package integrity

import (
	"context"
	"log/slog"
	"time"

	"github.com/mydriatech/fragtale/internal/clock"
	"github.com/mydriatech/fragtale/internal/storage"
	"github.com/mydriatech/fragtale/internal/topic"
)

// RepairScanner finds orphan events — persisted with no matching proof,
// left behind when a digest submission failed to enqueue — and
// reinserts them into the currently open level-1 shard.
type RepairScanner struct {
	backend  storage.Backend
	topics   *topic.Registry
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger
}

// NewRepairScanner creates a RepairScanner.
func NewRepairScanner(backend storage.Backend, topics *topic.Registry, engine *Engine, interval time.Duration, logger *slog.Logger) *RepairScanner {
	return &RepairScanner{backend: backend, topics: topics, engine: engine, interval: interval, logger: logger}
}

// Run checks, on every interval tick until ctx is cancelled, the events of
// each topic's closed level-1 shards announced in its most recent
// repairLookbackBuckets L2 buckets against their proofs. It is a background task: it never blocks
// ingest. topicNames is called fresh each tick so newly provisioned
// topics are picked up without a restart.
func (s *RepairScanner) Run(ctx context.Context, topicNames func() []string) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, name := range topicNames() {
				s.scanTopic(ctx, name)
			}
		}
	}
}

// ScanShard checks one shard_l1 partition of topicName for events with no
// matching proof row and resubmits their digests. Exported for direct use
// by operators or tests, independent of the periodic Run loop.
func (s *RepairScanner) ScanShard(ctx context.Context, topicName, shardL1 string) (repaired int, err error) {
	top, err := s.topics.Lookup(ctx, topicName)
	if err != nil {
		return 0, err
	}

	events, err := s.backend.Scan(ctx, top.EventsTable(), storage.Row{"shard_l1": shardL1}, storage.ScanOptions{})
	if err != nil {
		return 0, err
	}
	defer events.Close()

	for {
		row, ok, err := events.Next(ctx)
		if err != nil {
			return repaired, err
		}
		if !ok {
			break
		}

		utStr, _ := row["unique_time"].(string)
		ut, err := clock.Parse(utStr)
		if err != nil {
			continue
		}

		proofKey := storage.Key{Partition: storage.Row{"shard_l1": shardL1}, Clustering: utStr}
		_, hasProof, err := s.backend.Get(ctx, top.ProofsTable(), proofKey, storage.Local)
		if err != nil {
			return repaired, err
		}
		if hasProof {
			continue
		}

		digestBytes, _ := row["digest"].([]byte)
		var digest [32]byte
		copy(digest[:], digestBytes)

		if err := s.engine.Resubmit(ctx, topicName, shardL1, ut, digest); err != nil {
			s.logger.Warn("repair: resubmitting orphan event failed", "topic", topicName, "unique_time", ut, "error", err)
			continue
		}
		repaired++
	}
	return repaired, nil
}

// repairLookbackBuckets bounds how many level-2 buckets of shard-index
// history the scanner walks per pass: old enough orphans have usually
// already been caught by an earlier pass.
const repairLookbackBuckets = 24

// ScanTopic runs one repair pass over topicName's recent shard-index
// buckets, independent of the periodic Run loop. Meant for an
// operator-triggered one-shot maintenance invocation (the "repair" runtime
// mode).
func (s *RepairScanner) ScanTopic(ctx context.Context, topicName string) {
	s.scanTopic(ctx, topicName)
}

func (s *RepairScanner) scanTopic(ctx context.Context, topicName string) {
	top, err := s.topics.Lookup(ctx, topicName)
	if err != nil {
		return
	}

	now := time.Now()
	seen := make(map[string]bool)
	for i := 0; i < repairLookbackBuckets; i++ {
		bucket := topic.ShardKey(now.Add(-time.Duration(i)*top.ShardDurationL2), top.ShardDurationL2)
		s.scanBucket(ctx, topicName, top, bucket, seen)
	}
}

func (s *RepairScanner) scanBucket(ctx context.Context, topicName string, top *topic.Topic, bucket string, seen map[string]bool) {
	rows, err := s.backend.Scan(ctx, top.ShardsL1Table(), storage.Row{"bucket": bucket}, storage.ScanOptions{})
	if err != nil {
		s.logger.Warn("repair: scanning shard index bucket failed", "topic", topicName, "bucket", bucket, "error", err)
		return
	}
	defer rows.Close()

	for {
		row, ok, err := rows.Next(ctx)
		if err != nil || !ok {
			break
		}
		shardL1, _ := row["shard_l1"].(string)
		if shardL1 == "" || seen[shardL1] {
			continue
		}
		seen[shardL1] = true
		// A shard whose window is still open has digests waiting for its
		// seal; it is checked once the window has closed.
		if !time.Now().After(windowEnd(shardL1, top.ShardDurationL1)) {
			continue
		}

		n, err := s.ScanShard(ctx, topicName, shardL1)
		if err != nil {
			s.logger.Warn("repair: scanning shard failed", "topic", topicName, "shard_l1", shardL1, "error", err)
			continue
		}
		if n > 0 {
			s.logger.Info("repair: resubmitted orphan events", "topic", topicName, "shard_l1", shardL1, "count", n)
		}
	}
}
