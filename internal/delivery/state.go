package delivery

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mydriatech/fragtale/internal/fragerr"
	"github.com/mydriatech/fragtale/internal/storage"
	"github.com/mydriatech/fragtale/internal/topic"
)

// pendingEntry tracks one delivered-but-unacked event awaiting redelivery.
type pendingEntry struct {
	Attempt     int   `json:"attempt"`
	NextAttempt int64 `json:"next_attempt_ms"`
}

// consumerState is the full durable state of one (topic, consumer_id) pair.
type consumerState struct {
	Cursor  string                  `json:"cursor"` // hex unique_time, "" before the first ack
	Pending map[string]pendingEntry `json:"pending"`
	Version int64                   `json:"-"`
}

func zeroState() consumerState {
	return consumerState{Pending: map[string]pendingEntry{}}
}

func loadState(ctx context.Context, backend storage.Backend, top *topic.Topic, consumerID string) (consumerState, bool, error) {
	key := storage.Key{Partition: storage.Row{"consumer_id": consumerID}}
	row, ok, err := backend.Get(ctx, top.ConsumersTable(), key, storage.Quorum)
	if err != nil {
		return consumerState{}, false, fmt.Errorf("loading consumer state: %w: %v", fragerr.ErrStorageUnavailable, err)
	}
	if !ok {
		return zeroState(), false, nil
	}
	return stateFromRow(row)
}

func stateFromRow(row storage.Row) (consumerState, bool, error) {
	state := zeroState()
	if cursor, ok := row["cursor"].(string); ok {
		state.Cursor = cursor
	}
	if raw, ok := row["pending_blob"].([]byte); ok && len(raw) > 0 {
		if err := json.Unmarshal(raw, &state.Pending); err != nil {
			return consumerState{}, false, fmt.Errorf("unmarshaling consumer pending set: %w", err)
		}
	}
	switch v := row["version"].(type) {
	case int64:
		state.Version = v
	case int:
		state.Version = int64(v)
	}
	return state, true, nil
}

// maxStateUpdateAttempts bounds the optimistic-concurrency retry loop for
// updateState. Contention on a single consumer_id is expected to be rare:
// the delivery engine runs one delivery loop per consumer.
const maxStateUpdateAttempts = 8

// updateState applies mutate to the current state of (top, consumerID) and
// persists the result with an optimistic compare-and-set keyed on a version
// counter, retrying on a lost race. It returns ErrConsumerCursorConflict if
// the race cannot be won within maxStateUpdateAttempts, which signals two
// processes are driving the same consumer_id concurrently.
func updateState(ctx context.Context, backend storage.Backend, top *topic.Topic, consumerID string, mutate func(*consumerState)) error {
	key := storage.Key{Partition: storage.Row{"consumer_id": consumerID}}

	for attempt := 0; attempt < maxStateUpdateAttempts; attempt++ {
		row, exists, err := backend.Get(ctx, top.ConsumersTable(), key, storage.Quorum)
		if err != nil {
			return fmt.Errorf("loading consumer state: %w: %v", fragerr.ErrStorageUnavailable, err)
		}

		var state consumerState
		var expected storage.Row
		if exists {
			state, _, err = stateFromRow(row)
			if err != nil {
				return err
			}
			expected = storage.Row{"version": state.Version}
		} else {
			state = zeroState()
			expected = nil
		}

		mutate(&state)

		pendingJSON, err := json.Marshal(state.Pending)
		if err != nil {
			return fmt.Errorf("marshaling consumer pending set: %w", err)
		}
		newRow := storage.Row{
			"consumer_id":  consumerID,
			"cursor":       state.Cursor,
			"pending_blob": pendingJSON,
			"version":      state.Version + 1,
		}

		won, _, err := backend.CompareAndSet(ctx, top.ConsumersTable(), key, expected, newRow)
		if err != nil {
			return fmt.Errorf("persisting consumer state: %w: %v", fragerr.ErrStorageUnavailable, err)
		}
		if won {
			return nil
		}
	}
	return fmt.Errorf("%w: consumer %s on topic %s", fragerr.ErrConsumerCursorConflict, consumerID, top.Name)
}
