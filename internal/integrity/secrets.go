package integrity

import (
	"context"
	"fmt"
	"time"

	"github.com/mydriatech/fragtale/internal/fragerr"
	"github.com/mydriatech/fragtale/internal/storage"
)

const secretsTable = "secrets"

// SecretsSchema is the storage.TableSchema for the cluster-wide secrets
// table: one row per generation, published once and never mutated.
var SecretsSchema = storage.TableSchema{
	Name:         secretsTable,
	PartitionKey: []string{"generation"},
	Columns: []storage.ColumnDef{
		{Name: "generation", Type: storage.TypeInt},
		{Name: "key_new", Type: storage.TypeBytes},
		{Name: "key_old", Type: storage.TypeBytes},
		{Name: "algorithm_new", Type: storage.TypeText},
		{Name: "algorithm_old", Type: storage.TypeText},
		{Name: "created_at", Type: storage.TypeTimestamp},
	},
}

// Generation is one published secret generation: the current MAC key and
// algorithm, and the previous generation's key and algorithm (empty at
// generation 0).
type Generation struct {
	Generation   int
	KeyNew       []byte
	KeyOld       []byte
	AlgorithmNew Algorithm
	AlgorithmOld Algorithm
	CreatedAt    time.Time
}

// SecretStore publishes and loads secret generations with quorum
// consistency: every node must observe generation n before any node emits
// MACs under it.
type SecretStore struct {
	backend storage.Backend
}

// NewSecretStore creates a SecretStore.
func NewSecretStore(backend storage.Backend) *SecretStore {
	return &SecretStore{backend: backend}
}

// Publish writes generation g, failing if it already exists: generations
// are append-only and never overwritten once readable.
func (s *SecretStore) Publish(ctx context.Context, g Generation) error {
	key := storage.Key{Partition: storage.Row{"generation": g.Generation}}
	row := storage.Row{
		"key_new":       g.KeyNew,
		"key_old":       g.KeyOld,
		"algorithm_new": string(g.AlgorithmNew),
		"algorithm_old": string(g.AlgorithmOld),
		"created_at":    g.CreatedAt,
	}
	won, result, err := s.backend.CompareAndSet(ctx, secretsTable, key, nil, row)
	if err != nil {
		return fmt.Errorf("publishing secret generation %d: %w", g.Generation, err)
	}
	if !won {
		return fmt.Errorf("integrity: secret generation %d already published", g.Generation)
	}
	if !result.QuorumReached {
		return fmt.Errorf("%w: publishing secret generation %d", fragerr.ErrBackendInconsistent, g.Generation)
	}
	return nil
}

// Load reads generation from the secrets table.
func (s *SecretStore) Load(ctx context.Context, generation int) (Generation, error) {
	key := storage.Key{Partition: storage.Row{"generation": generation}}
	row, ok, err := s.backend.Get(ctx, secretsTable, key, storage.Quorum)
	if err != nil {
		return Generation{}, fmt.Errorf("loading secret generation %d: %w", generation, err)
	}
	if !ok {
		return Generation{}, fmt.Errorf("integrity: secret generation %d not published", generation)
	}

	g := Generation{Generation: generation}
	if v, ok := row["key_new"].([]byte); ok {
		g.KeyNew = v
	}
	if v, ok := row["key_old"].([]byte); ok {
		g.KeyOld = v
	}
	if v, ok := row["algorithm_new"].(string); ok {
		g.AlgorithmNew = Algorithm(v)
	}
	if v, ok := row["algorithm_old"].(string); ok {
		g.AlgorithmOld = Algorithm(v)
	}
	if v, ok := row["created_at"].(time.Time); ok {
		g.CreatedAt = v
	}
	return g, nil
}
