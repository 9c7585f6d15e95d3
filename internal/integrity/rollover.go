package integrity

import (
	"context"
	"log/slog"
	"time"

	"github.com/mydriatech/fragtale/internal/storage"
	"github.com/mydriatech/fragtale/internal/telemetry"
	"github.com/mydriatech/fragtale/internal/topic"
)

// Rollover implements the secret-generation rollover watch: it logs
// rollover_permitted once no topic has a closed level-1 shard left
// unsealed, signalling that it is safe to re-deploy with the next
// generation's keys. It runs on every node started with a positive next
// generation; nothing restricts it to the oldest running node.
type Rollover struct {
	backend       storage.Backend
	topics        *topic.Registry
	secrets       *SecretStore
	nextGen       int
	checkInterval time.Duration
	logger        *slog.Logger
}

// NewRollover creates a Rollover watcher for the transition into
// nextGeneration.
func NewRollover(backend storage.Backend, topics *topic.Registry, secrets *SecretStore, nextGeneration int, checkInterval time.Duration, logger *slog.Logger) *Rollover {
	return &Rollover{
		backend:       backend,
		topics:        topics,
		secrets:       secrets,
		nextGen:       nextGeneration,
		checkInterval: checkInterval,
		logger:        logger,
	}
}

// Run polls until allSealed reports that no topic has a closed level-1
// shard left unsealed, then logs rollover_permitted once and returns.
// Shutdown (ctx cancellation) stops the watch without logging. topicNames
// is re-invoked on every tick, like RepairScanner.Run, so a topic
// provisioned mid-wait is covered by the next check.
func (r *Rollover) Run(ctx context.Context, topicNames func() []string) {
	if _, err := r.secrets.Load(ctx, r.nextGen); err == nil {
		// Next generation is already published: a prior node already
		// completed this rollover watch.
		return
	}

	ticker := time.NewTicker(r.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.allSealed(ctx, topicNames()) {
				telemetry.IntegrityRolloverPermitted.Set(1)
				r.logger.Info("rollover_permitted", "next_generation", r.nextGen)
				return
			}
		}
	}
}

// allSealed reports whether every topic currently has no shard whose
// window has closed but not yet sealed. It checks each level-1 shard
// announced in the topic's current L2 bucket: a shard whose window has
// ended must have a level-1 BDT row, while a shard whose window is still
// open is not counted. Older L2 buckets and the generation a row was
// sealed under are not checked.
func (r *Rollover) allSealed(ctx context.Context, topicNames []string) bool {
	now := time.Now()
	for _, name := range topicNames {
		top, err := r.topics.Lookup(ctx, name)
		if err != nil {
			continue
		}
		bucket := topic.ShardKey(now, top.ShardDurationL2)
		rows, err := r.backend.Scan(ctx, top.ShardsL1Table(), storage.Row{"bucket": bucket}, storage.ScanOptions{})
		if err != nil {
			return false
		}
		for {
			row, ok, err := rows.Next(ctx)
			if err != nil {
				rows.Close()
				return false
			}
			if !ok {
				break
			}
			shardL1, _ := row["shard_l1"].(string)
			key := storage.Key{Partition: storage.Row{"level": int(level1)}, Clustering: shardL1}
			if _, sealed, err := r.backend.Get(ctx, top.BDTTable(), key, storage.Local); err != nil || !sealed {
				if shardEnd := windowEnd(shardL1, top.ShardDurationL1); now.After(shardEnd) {
					rows.Close()
					return false
				}
			}
		}
		rows.Close()
	}
	return true
}
