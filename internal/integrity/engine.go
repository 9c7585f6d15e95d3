// Package integrity implements the three-level binary digest tree that
// seals batches of event digests under a dual-MAC scheme and attaches
// inclusion proofs, per the Integrity Engine component.
package integrity

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mydriatech/fragtale/internal/clock"
	"github.com/mydriatech/fragtale/internal/storage"
	"github.com/mydriatech/fragtale/internal/telemetry"
	"github.com/mydriatech/fragtale/internal/topic"
)

type level int

const (
	level1 level = 1
	level2 level = 2
	level3 level = 3
)

type submission struct {
	topicName string
	shardKey  string
	ut        clock.UniqueTime
	digest    [32]byte
	// originalShardL1 is the events_<topic> partition the event actually
	// lives under. It equals shardKey for a normal publish; a repaired
	// orphan reinserted into a later shard keeps its original value here
	// so its proof row stays addressable by the event's own partition.
	originalShardL1 string
	late            bool
}

// leafEntry is a pending level-1 leaf awaiting seal: a digest plus the
// unique_time and originating partition it belongs to, needed to persist
// its proof row.
type leafEntry struct {
	ut      clock.UniqueTime
	digest  [32]byte
	shardL1 string
	late    bool
}

// openShard accumulates leaves for one (topic, level, shard_key) BDT
// until it closes, either by leaf cap or by wall clock passing the
// window end. It is touched only by the Engine's dedicated sealer task,
// so it needs no locking of its own.
type openShard struct {
	shardKey  string
	windowEnd time.Time
	l1Leaves  []leafEntry // populated only at level 1
	rawLeaves [][32]byte  // populated at level 2/3, where leaves are lower-level roots
}

// Engine is the Integrity Engine: one dedicated sealer task drains a
// bounded submission queue and owns every topic's open BDTs, per the
// single-writer discipline the concurrency model requires.
type Engine struct {
	backend    storage.Backend
	topics     *topic.Registry
	secrets    *SecretStore
	generation int
	leafCap    int
	logger     *slog.Logger

	queue chan submission

	mu     sync.Mutex // taken by enqueueCascade; every open* map is touched only from the sealer task
	openL1 map[string]*openShard
	openL2 map[string]*openShard
	openL3 map[string]*openShard
}

// New creates an Engine. Run must be started as a background task before
// any Submit call is expected to make progress past the queue.
func New(backend storage.Backend, topics *topic.Registry, secrets *SecretStore, generation, leafCap, queueDepth int, logger *slog.Logger) *Engine {
	return &Engine{
		backend:    backend,
		topics:     topics,
		secrets:    secrets,
		generation: generation,
		leafCap:    leafCap,
		logger:     logger,
		queue:      make(chan submission, queueDepth),
		openL1:     make(map[string]*openShard),
		openL2:     make(map[string]*openShard),
		openL3:     make(map[string]*openShard),
	}
}

// Submit enqueues digest for inclusion in the open level-1 BDT for
// (topicName, shardKey). It returns once the submission is on the
// Engine's in-memory queue, not once it has been sealed.
func (e *Engine) Submit(ctx context.Context, topicName, shardKey string, ut clock.UniqueTime, digest [32]byte) error {
	return e.enqueue(ctx, submission{
		topicName:       topicName,
		shardKey:        shardKey,
		originalShardL1: shardKey,
		ut:              ut,
		digest:          digest,
	})
}

// Resubmit reinserts an orphan event's digest (one persisted with no
// proof, found by RepairScanner) into the currently open level-1 shard,
// marking the resulting proof as late. originalShardL1 is the event's own
// events_<topic> partition, preserved so the proof row stays addressable
// by the event's own partition key regardless of which shard it actually
// seals under.
func (e *Engine) Resubmit(ctx context.Context, topicName, originalShardL1 string, ut clock.UniqueTime, digest [32]byte) error {
	top, err := e.topics.Lookup(ctx, topicName)
	if err != nil {
		return err
	}
	currentShardKey := topic.ShardKey(time.Now(), top.ShardDurationL1)
	return e.enqueue(ctx, submission{
		topicName:       topicName,
		shardKey:        currentShardKey,
		originalShardL1: originalShardL1,
		ut:              ut,
		digest:          digest,
		late:            true,
	})
}

func (e *Engine) enqueue(ctx context.Context, sub submission) error {
	select {
	case e.queue <- sub:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run is the dedicated sealer task: the sole mutator of every topic's open
// BDTs. It drains the submission queue and periodically checks every open
// shard's window for expiry.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.sealAllOpen(context.Background())
			return
		case sub := <-e.queue:
			e.admit(ctx, sub)
		case <-ticker.C:
			e.sealExpired(ctx)
		}
	}
}

func (e *Engine) admit(ctx context.Context, sub submission) {
	top, err := e.topics.Lookup(ctx, sub.topicName)
	if err != nil {
		e.logger.Error("integrity: submission for unprovisioned topic", "topic", sub.topicName, "error", err)
		return
	}

	shard := e.openL1[sub.topicName]
	if shard == nil || shard.shardKey != sub.shardKey {
		if shard != nil {
			e.sealShard(ctx, top, level1, shard)
		}
		shard = &openShard{shardKey: sub.shardKey, windowEnd: windowEnd(sub.shardKey, top.ShardDurationL1)}
		e.openL1[sub.topicName] = shard
	}

	shard.l1Leaves = append(shard.l1Leaves, leafEntry{ut: sub.ut, digest: sub.digest, shardL1: sub.originalShardL1, late: sub.late})
	if len(shard.l1Leaves) >= e.leafCap {
		e.sealShard(ctx, top, level1, shard)
		delete(e.openL1, sub.topicName)
	}
}

func (e *Engine) sealExpired(ctx context.Context) {
	now := time.Now()
	e.forEachExpired(ctx, e.openL1, level1, now)
	e.forEachExpired(ctx, e.openL2, level2, now)
	e.forEachExpired(ctx, e.openL3, level3, now)
}

func (e *Engine) forEachExpired(ctx context.Context, open map[string]*openShard, lvl level, now time.Time) {
	for topicName, shard := range open {
		if !now.After(shard.windowEnd) {
			continue
		}
		top, err := e.topics.Lookup(ctx, topicName)
		if err != nil {
			continue
		}
		e.sealShard(ctx, top, lvl, shard)
		delete(open, topicName)
	}
}

func (e *Engine) sealAllOpen(ctx context.Context) {
	for topicName, shard := range e.openL1 {
		if top, err := e.topics.Lookup(ctx, topicName); err == nil {
			e.sealShard(ctx, top, level1, shard)
		}
	}
	for topicName, shard := range e.openL2 {
		if top, err := e.topics.Lookup(ctx, topicName); err == nil {
			e.sealShard(ctx, top, level2, shard)
		}
	}
	for topicName, shard := range e.openL3 {
		if top, err := e.topics.Lookup(ctx, topicName); err == nil {
			e.sealShard(ctx, top, level3, shard)
		}
	}
}

// sealShard seals shard at lvl for top, persists the BDT node and (at
// level 1) per-leaf proofs, then cascades the resulting root upward as a
// leaf of the next level's open shard. Re-sealing with identical leaves
// is idempotent by construction: the root and both seals are pure
// functions of the ordered leaves.
func (e *Engine) sealShard(ctx context.Context, top *topic.Topic, lvl level, shard *openShard) {
	start := time.Now()

	var leaves [][32]byte
	var paths [][]SiblingStep
	var root [32]byte

	if lvl == level1 {
		sort.Slice(shard.l1Leaves, func(i, j int) bool {
			return shard.l1Leaves[i].ut.Less(shard.l1Leaves[j].ut)
		})
		for _, l := range shard.l1Leaves {
			leaves = append(leaves, l.digest)
		}
		root, paths = BuildTreeWithProofs(leaves)
	} else {
		leaves = shard.rawLeaves
		root = BuildRoot(leaves)
	}

	gen, err := e.secrets.Load(ctx, e.generation)
	if err != nil {
		e.logger.Error("integrity: cannot load secret generation, seal deferred", "generation", e.generation, "error", err)
		return
	}

	sealNew, err := Seal(gen.AlgorithmNew, gen.KeyNew, int(lvl), shard.shardKey, root, gen.Generation)
	if err != nil {
		e.logger.Error("integrity: seal_new failed", "error", err)
		return
	}
	var sealOld []byte
	if len(gen.KeyOld) > 0 {
		sealOld, err = Seal(gen.AlgorithmOld, gen.KeyOld, int(lvl), shard.shardKey, root, gen.Generation)
		if err != nil {
			e.logger.Error("integrity: seal_old failed", "error", err)
			return
		}
	}

	leavesHex := make([]string, len(leaves))
	for i, l := range leaves {
		leavesHex[i] = hex.EncodeToString(l[:])
	}
	leavesJSON, err := json.Marshal(leavesHex)
	if err != nil {
		e.logger.Error("integrity: marshaling leaves failed", "error", err)
		return
	}

	cascadeShardKey := e.cascadeTarget(top, lvl, root)

	row := storage.Row{
		"level":             int(lvl),
		"shard_key":         shard.shardKey,
		"leaves":            leavesJSON,
		"root":              root[:],
		"seal_new":          sealNew,
		"seal_old":          sealOld,
		"sealed_at":         time.Now(),
		"generation":        gen.Generation,
		"cascade_shard_key": cascadeShardKey,
	}
	if _, err := e.backend.Put(ctx, top.BDTTable(), row, storage.Quorum); err != nil {
		e.logger.Error("integrity: persisting sealed bdt node failed", "topic", top.Name, "level", lvl, "shard_key", shard.shardKey, "error", err)
		return
	}

	if lvl == level1 {
		e.persistProofs(ctx, top, shard, paths, cascadeShardKey)
	}

	e.enqueueCascade(top, lvl, cascadeShardKey, root)

	telemetry.ShardSealLatency.WithLabelValues(fmt.Sprintf("%d", lvl)).Observe(time.Since(start).Seconds())
	e.logger.Info("sealed bdt node", "topic", top.Name, "level", lvl, "shard_key", shard.shardKey, "leaves", len(leaves))
}

func (e *Engine) persistProofs(ctx context.Context, top *topic.Topic, shard *openShard, paths [][]SiblingStep, level2ShardKey string) {
	for i, l := range shard.l1Leaves {
		pathJSON, err := json.Marshal(encodePath(paths[i]))
		if err != nil {
			e.logger.Error("integrity: marshaling proof path failed", "error", err)
			continue
		}
		row := storage.Row{
			"shard_l1":         l.shardL1,
			"unique_time":      l.ut.String(),
			"sibling_path":     pathJSON,
			"position":         i,
			"level2_shard_key": level2ShardKey,
			"late":             l.late,
		}
		if _, err := e.backend.Put(ctx, top.ProofsTable(), row, storage.Local); err != nil {
			e.logger.Error("integrity: persisting proof failed", "topic", top.Name, "unique_time", l.ut, "error", err)
		}
	}
}

// cascadeTarget computes the shard_key of the next level's window that
// root will be enqueued into. Level 3 has no cascade target.
func (e *Engine) cascadeTarget(top *topic.Topic, lvl level, _ [32]byte) string {
	switch lvl {
	case level1:
		return topic.ShardKey(time.Now(), top.ShardDurationL2)
	case level2:
		return topic.ShardKey(time.Now(), top.ShardDurationL3)
	default:
		return ""
	}
}

func (e *Engine) enqueueCascade(top *topic.Topic, lvl level, cascadeShardKey string, root [32]byte) {
	if cascadeShardKey == "" {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var open map[string]*openShard
	var duration time.Duration
	switch lvl {
	case level1:
		open = e.openL2
		duration = top.ShardDurationL2
	case level2:
		open = e.openL3
		duration = top.ShardDurationL3
	default:
		return
	}

	shard := open[top.Name]
	if shard == nil || shard.shardKey != cascadeShardKey {
		shard = &openShard{shardKey: cascadeShardKey, windowEnd: windowEnd(cascadeShardKey, duration)}
		open[top.Name] = shard
	}
	shard.rawLeaves = append(shard.rawLeaves, root)
}

func windowEnd(shardKey string, duration time.Duration) time.Time {
	var bucketMs int64
	fmt.Sscanf(shardKey, "%020d", &bucketMs)
	return time.UnixMilli(bucketMs).Add(duration)
}

type siblingStepWire struct {
	Digest  string `json:"digest"`
	OnRight bool   `json:"on_right"`
}

func encodePath(path []SiblingStep) []siblingStepWire {
	out := make([]siblingStepWire, len(path))
	for i, s := range path {
		out[i] = siblingStepWire{Digest: hex.EncodeToString(s.Digest[:]), OnRight: s.OnRight}
	}
	return out
}

func decodePath(wire []siblingStepWire) ([]SiblingStep, error) {
	out := make([]SiblingStep, len(wire))
	for i, w := range wire {
		b, err := hex.DecodeString(w.Digest)
		if err != nil {
			return nil, fmt.Errorf("decoding sibling digest: %w", err)
		}
		if len(b) != 32 {
			return nil, fmt.Errorf("sibling digest has length %d, want 32", len(b))
		}
		var d [32]byte
		copy(d[:], b)
		out[i] = SiblingStep{Digest: d, OnRight: w.OnRight}
	}
	return out, nil
}
