package integrity

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mydriatech/fragtale/internal/clock"
	"github.com/mydriatech/fragtale/internal/fragerr"
	"github.com/mydriatech/fragtale/internal/storage"
	"github.com/mydriatech/fragtale/internal/topic"
)

// RootPointer names a sealed BDT node a VerifyResult references.
type RootPointer struct {
	Level     int
	ShardKey  string
	Root      [32]byte
	SealNew   []byte
	SealOld   []byte
	Generation int
}

// VerifyResult is the VERIFY operation's return value: the event itself
// plus its level-1 inclusion proof (the sibling path a caller can replay
// against RecomputeRoot to independently check Roots[0].Root) and enough
// of its proof chain to recompute every higher root it contributes to, up
// to the highest level currently sealed.
type VerifyResult struct {
	Document   []byte
	ReceivedAt any
	Proof      []SiblingStep
	Roots      []RootPointer
}

// Verify reassembles ut's inclusion proof and recomputes each level it
// can reach, returning fragerr.ErrProofUnavailable if the level-1 proof
// has not sealed yet.
func (e *Engine) Verify(ctx context.Context, topicName string, ut clock.UniqueTime) (VerifyResult, error) {
	top, err := e.topics.Lookup(ctx, topicName)
	if err != nil {
		return VerifyResult{}, err
	}

	shardL1 := topic.ShardKey(timeOfMicros(ut.Micros()), top.ShardDurationL1)
	eventKey := storage.Key{Partition: storage.Row{"shard_l1": shardL1}, Clustering: ut.String()}
	eventRow, ok, err := e.backend.Get(ctx, top.EventsTable(), eventKey, storage.Local)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("loading event %s: %w", ut, err)
	}
	if !ok {
		return VerifyResult{}, fmt.Errorf("integrity: event %s not found on topic %s", ut, topicName)
	}

	proofKey := storage.Key{Partition: storage.Row{"shard_l1": shardL1}, Clustering: ut.String()}
	proofRow, ok, err := e.backend.Get(ctx, top.ProofsTable(), proofKey, storage.Local)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("loading proof for %s: %w", ut, err)
	}
	if !ok {
		return VerifyResult{}, fmt.Errorf("%w: %s has no proof yet", fragerr.ErrProofUnavailable, ut)
	}

	var wire []siblingStepWire
	if raw, ok := proofRow["sibling_path"].([]byte); ok {
		if err := json.Unmarshal(raw, &wire); err != nil {
			return VerifyResult{}, fmt.Errorf("unmarshaling proof path for %s: %w", ut, err)
		}
	}
	path, err := decodePath(wire)
	if err != nil {
		return VerifyResult{}, err
	}

	digestBytes, _ := eventRow["digest"].([]byte)
	var digest [32]byte
	copy(digest[:], digestBytes)

	level1Root := RecomputeRoot(digest, path)

	l1BDTKey := storage.Key{Partition: storage.Row{"level": int(level1)}, Clustering: shardL1}
	l1Row, ok, err := e.backend.Get(ctx, top.BDTTable(), l1BDTKey, storage.Local)
	if err != nil || !ok {
		return VerifyResult{}, fmt.Errorf("%w: level-1 bdt node for %s not sealed", fragerr.ErrProofUnavailable, shardL1)
	}
	l1Pointer, err := rootPointerFromRow(int(level1), shardL1, l1Row)
	if err != nil {
		return VerifyResult{}, err
	}
	if l1Pointer.Root != level1Root {
		return VerifyResult{}, fmt.Errorf("integrity: recomputed level-1 root mismatch for %s", ut)
	}

	roots := []RootPointer{l1Pointer}

	level2ShardKey, _ := proofRow["level2_shard_key"].(string)
	if level2ShardKey != "" {
		if ptr, ok := e.followCascade(ctx, top, level2, level2ShardKey, level1Root); ok {
			roots = append(roots, ptr)
			if cascadeKey, _ := e.cascadeOf(ctx, top, level2, level2ShardKey); cascadeKey != "" {
				if ptr3, ok := e.followCascade(ctx, top, level3, cascadeKey, ptr.Root); ok {
					roots = append(roots, ptr3)
				}
			}
		}
	}

	document, _ := eventRow["document"].([]byte)
	return VerifyResult{Document: document, ReceivedAt: eventRow["received_at"], Proof: path, Roots: roots}, nil
}

func (e *Engine) cascadeOf(ctx context.Context, top *topic.Topic, lvl level, shardKey string) (string, bool) {
	key := storage.Key{Partition: storage.Row{"level": int(lvl)}, Clustering: shardKey}
	row, ok, err := e.backend.Get(ctx, top.BDTTable(), key, storage.Local)
	if err != nil || !ok {
		return "", false
	}
	cascade, _ := row["cascade_shard_key"].(string)
	return cascade, cascade != ""
}

// followCascade finds leafRoot's position within the sealed node at
// (lvl, shardKey), recomputes its sibling path on demand, and returns the
// level's own root pointer if leafRoot verifies as one of its leaves.
func (e *Engine) followCascade(ctx context.Context, top *topic.Topic, lvl level, shardKey string, leafRoot [32]byte) (RootPointer, bool) {
	key := storage.Key{Partition: storage.Row{"level": int(lvl)}, Clustering: shardKey}
	row, ok, err := e.backend.Get(ctx, top.BDTTable(), key, storage.Local)
	if err != nil || !ok {
		return RootPointer{}, false
	}

	leaves, err := decodeLeaves(row["leaves"])
	if err != nil {
		return RootPointer{}, false
	}

	_, paths := BuildTreeWithProofs(leaves)
	for i, l := range leaves {
		if l == leafRoot {
			recomputed := RecomputeRoot(l, paths[i])
			ptr, err := rootPointerFromRow(int(lvl), shardKey, row)
			if err != nil || ptr.Root != recomputed {
				return RootPointer{}, false
			}
			return ptr, true
		}
	}
	return RootPointer{}, false
}

func rootPointerFromRow(lvl int, shardKey string, row storage.Row) (RootPointer, error) {
	rootBytes, _ := row["root"].([]byte)
	var root [32]byte
	copy(root[:], rootBytes)

	generation := 0
	switch g := row["generation"].(type) {
	case int:
		generation = g
	case int64:
		generation = int(g)
	}

	sealNew, _ := row["seal_new"].([]byte)
	sealOld, _ := row["seal_old"].([]byte)

	return RootPointer{
		Level:      lvl,
		ShardKey:   shardKey,
		Root:       root,
		SealNew:    sealNew,
		SealOld:    sealOld,
		Generation: generation,
	}, nil
}

func decodeLeaves(v any) ([][32]byte, error) {
	raw, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("integrity: leaves column has unexpected type %T", v)
	}
	var hexLeaves []string
	if err := json.Unmarshal(raw, &hexLeaves); err != nil {
		return nil, fmt.Errorf("unmarshaling leaves: %w", err)
	}
	out := make([][32]byte, len(hexLeaves))
	for i, h := range hexLeaves {
		b, err := decodeHex32(h)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}
