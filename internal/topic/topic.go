// Package topic provisions per-topic namespaces on first reference: the
// event, consumer, shard-index and digest-tree tables, plus any declared
// secondary indices and schema validator.
package topic

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/mydriatech/fragtale/internal/fragerr"
	"github.com/mydriatech/fragtale/internal/storage"
)

const registryTable = "topics"

// RegistrySchema is the storage.TableSchema backing the topics registry
// row that makes provisioning idempotent across nodes.
var RegistrySchema = storage.TableSchema{
	Name:         registryTable,
	PartitionKey: []string{"name"},
	Columns: []storage.ColumnDef{
		{Name: "name", Type: storage.TypeText},
		{Name: "schema", Type: storage.TypeJSON},
		{Name: "index_config", Type: storage.TypeJSON},
		{Name: "shard_duration_l1_ms", Type: storage.TypeBigInt},
		{Name: "shard_duration_l2_ms", Type: storage.TypeBigInt},
		{Name: "shard_duration_l3_ms", Type: storage.TypeBigInt},
		{Name: "provisioned", Type: storage.TypeBool},
	},
}

// IndexField is one entry of a topic's index_config: a declared extracted
// column, the JSON path it is pulled from, and its scalar type.
type IndexField struct {
	Name     string `json:"name"`
	JSONPath string `json:"json_path"`
	Type     string `json:"type"` // "string", "number", "bool"
}

// Options configures a topic at provisioning time.
type Options struct {
	Schema          json.RawMessage
	IndexConfig     []IndexField
	ShardDurationL1 time.Duration
	ShardDurationL2 time.Duration
	ShardDurationL3 time.Duration
}

// Topic is a provisioned topic's resolved configuration.
type Topic struct {
	Name            string
	IndexConfig     []IndexField
	ShardDurationL1 time.Duration
	ShardDurationL2 time.Duration
	ShardDurationL3 time.Duration

	validator *jsonschema.Schema // nil if no schema attached
}

// EventsTable, ConsumersTable, ShardsL1Table, ShardsL2Table and BDTTable
// name the per-topic tables provisioned for t.
func (t *Topic) EventsTable() string    { return "events_" + t.Name }
func (t *Topic) ConsumersTable() string { return "consumers_" + t.Name }
func (t *Topic) ShardsL1Table() string  { return "shards_l1_" + t.Name }
func (t *Topic) ShardsL2Table() string  { return "shards_l2_" + t.Name }
func (t *Topic) BDTTable() string       { return "bdt_" + t.Name }
func (t *Topic) ProofsTable() string    { return "proofs_" + t.Name }

// Validate checks document against the topic's attached schema, if any. A
// topic with no schema accepts any document.
func (t *Topic) Validate(document []byte) error {
	if t.validator == nil {
		return nil
	}
	var v any
	if err := json.Unmarshal(document, &v); err != nil {
		return fmt.Errorf("%w: document is not valid json: %v", fragerr.ErrSchemaViolation, err)
	}
	if err := t.validator.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", fragerr.ErrSchemaViolation, err)
	}
	return nil
}

// Registry provisions topics lazily and caches resolved Topic values.
type Registry struct {
	backend storage.Backend

	mu     sync.RWMutex
	cached map[string]*Topic

	defaultShardDurationL1 time.Duration
	defaultShardDurationL2 time.Duration
	defaultShardDurationL3 time.Duration
}

// New creates a Registry. Default shard durations are used when a topic is
// auto-provisioned by publish without explicit Options.
func New(backend storage.Backend, defaultL1, defaultL2, defaultL3 time.Duration) *Registry {
	return &Registry{
		backend:                backend,
		cached:                 make(map[string]*Topic),
		defaultShardDurationL1: defaultL1,
		defaultShardDurationL2: defaultL2,
		defaultShardDurationL3: defaultL3,
	}
}

// Names returns the topics this node has resolved since startup. The
// storage backend's partition-keyed Scan has no "list all partitions"
// operation, so this reflects local cache, not full cluster state; a
// repair pass driven from it covers every topic this node has published
// to or looked up.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.cached))
	for name := range r.cached {
		names = append(names, name)
	}
	return names
}

// Ensure returns the provisioned Topic for name, provisioning it with
// default configuration on first reference. Safe for concurrent callers
// racing on the same never-seen topic: provisioning is idempotent via
// compare-and-set on the topics registry row.
func (r *Registry) Ensure(ctx context.Context, name string) (*Topic, error) {
	return r.Provision(ctx, name, Options{
		ShardDurationL1: r.defaultShardDurationL1,
		ShardDurationL2: r.defaultShardDurationL2,
		ShardDurationL3: r.defaultShardDurationL3,
	})
}

// Provision explicitly provisions name with opts, or returns the existing
// topic unchanged if it was already provisioned by a prior call (this or
// another node).
func (r *Registry) Provision(ctx context.Context, name string, opts Options) (*Topic, error) {
	r.mu.RLock()
	if t, ok := r.cached[name]; ok {
		r.mu.RUnlock()
		return t, nil
	}
	r.mu.RUnlock()

	if opts.ShardDurationL1 == 0 {
		opts.ShardDurationL1 = r.defaultShardDurationL1
	}
	if opts.ShardDurationL2 == 0 {
		opts.ShardDurationL2 = r.defaultShardDurationL2
	}
	if opts.ShardDurationL3 == 0 {
		opts.ShardDurationL3 = r.defaultShardDurationL3
	}

	indexConfigJSON, err := json.Marshal(opts.IndexConfig)
	if err != nil {
		return nil, fmt.Errorf("marshaling index config for topic %s: %w", name, err)
	}

	newRow := storage.Row{
		"name":                 name,
		"schema":               []byte(opts.Schema),
		"index_config":         indexConfigJSON,
		"shard_duration_l1_ms": opts.ShardDurationL1.Milliseconds(),
		"shard_duration_l2_ms": opts.ShardDurationL2.Milliseconds(),
		"shard_duration_l3_ms": opts.ShardDurationL3.Milliseconds(),
		"provisioned":          true,
	}
	key := storage.Key{Partition: storage.Row{"name": name}}

	won, _, err := r.backend.CompareAndSet(ctx, registryTable, key, nil, newRow)
	if err != nil {
		return nil, fmt.Errorf("provisioning topic %s: %w", name, err)
	}

	var row storage.Row
	if won {
		row = newRow
	} else {
		existing, ok, err := r.backend.Get(ctx, registryTable, key, storage.Quorum)
		if err != nil {
			return nil, fmt.Errorf("loading existing topic %s: %w", name, err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: topic %s vanished after losing provisioning race", fragerr.ErrBackendInconsistent, name)
		}
		row = existing
	}

	t, err := fromRow(name, row)
	if err != nil {
		return nil, err
	}

	if won {
		if err := r.createTopicTables(ctx, t); err != nil {
			return nil, fmt.Errorf("creating tables for topic %s: %w", name, err)
		}
	}

	r.mu.Lock()
	r.cached[name] = t
	r.mu.Unlock()
	return t, nil
}

// Lookup returns the cached Topic for name, or ErrUnknownTopic if it has
// never been provisioned and must not be auto-provisioned by the caller
// (query and ack operations, per error-handling policy; publish uses
// Ensure instead).
func (r *Registry) Lookup(ctx context.Context, name string) (*Topic, error) {
	r.mu.RLock()
	if t, ok := r.cached[name]; ok {
		r.mu.RUnlock()
		return t, nil
	}
	r.mu.RUnlock()

	key := storage.Key{Partition: storage.Row{"name": name}}
	row, ok, err := r.backend.Get(ctx, registryTable, key, storage.Quorum)
	if err != nil {
		return nil, fmt.Errorf("loading topic %s: %w", name, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", fragerr.ErrUnknownTopic, name)
	}

	t, err := fromRow(name, row)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.cached[name] = t
	r.mu.Unlock()
	return t, nil
}

func fromRow(name string, row storage.Row) (*Topic, error) {
	t := &Topic{
		Name:            name,
		ShardDurationL1: time.Duration(asInt64(row["shard_duration_l1_ms"])) * time.Millisecond,
		ShardDurationL2: time.Duration(asInt64(row["shard_duration_l2_ms"])) * time.Millisecond,
		ShardDurationL3: time.Duration(asInt64(row["shard_duration_l3_ms"])) * time.Millisecond,
	}

	if raw, ok := row["index_config"].([]byte); ok && len(raw) > 0 {
		if err := json.Unmarshal(raw, &t.IndexConfig); err != nil {
			return nil, fmt.Errorf("unmarshaling index config for topic %s: %w", name, err)
		}
	}

	if raw, ok := row["schema"].([]byte); ok && len(raw) > 0 {
		compiler := jsonschema.NewCompiler()
		schemaURL := "mem://fragtale/" + name + ".json"
		var schemaDoc any
		if err := json.Unmarshal(raw, &schemaDoc); err != nil {
			return nil, fmt.Errorf("unmarshaling schema for topic %s: %w", name, err)
		}
		if err := compiler.AddResource(schemaURL, schemaDoc); err != nil {
			return nil, fmt.Errorf("compiling schema for topic %s: %w", name, err)
		}
		validator, err := compiler.Compile(schemaURL)
		if err != nil {
			return nil, fmt.Errorf("compiling schema for topic %s: %w", name, err)
		}
		t.validator = validator
	}

	return t, nil
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}

func (r *Registry) createTopicTables(ctx context.Context, t *Topic) error {
	if err := r.backend.CreateTable(ctx, storage.TableSchema{
		Name:          t.EventsTable(),
		PartitionKey:  []string{"shard_l1"},
		ClusteringKey: []string{"unique_time"},
		Columns: []storage.ColumnDef{
			{Name: "shard_l1", Type: storage.TypeText},
			{Name: "unique_time", Type: storage.TypeText},
			{Name: "document", Type: storage.TypeBytes},
			{Name: "received_at", Type: storage.TypeTimestamp},
			{Name: "extracted", Type: storage.TypeJSON},
			{Name: "digest", Type: storage.TypeBytes},
		},
	}); err != nil {
		return err
	}

	for _, field := range t.IndexConfig {
		if err := r.backend.CreateSecondaryIndex(ctx, t.EventsTable(), "idx_"+field.Name); err != nil {
			return err
		}
	}

	if err := r.backend.CreateTable(ctx, storage.TableSchema{
		Name:         t.ConsumersTable(),
		PartitionKey: []string{"consumer_id"},
		Columns: []storage.ColumnDef{
			{Name: "consumer_id", Type: storage.TypeText},
			{Name: "cursor", Type: storage.TypeText},
			{Name: "pending_blob", Type: storage.TypeJSON},
			{Name: "version", Type: storage.TypeInt},
		},
	}); err != nil {
		return err
	}

	if err := r.backend.CreateTable(ctx, storage.TableSchema{
		Name:          t.ShardsL1Table(),
		PartitionKey:  []string{"bucket"},
		ClusteringKey: []string{"shard_l1"},
		Columns: []storage.ColumnDef{
			{Name: "bucket", Type: storage.TypeText},
			{Name: "shard_l1", Type: storage.TypeText},
		},
	}); err != nil {
		return err
	}

	if err := r.backend.CreateTable(ctx, storage.TableSchema{
		Name:          t.ShardsL2Table(),
		PartitionKey:  []string{"bucket"},
		ClusteringKey: []string{"shard_l2"},
		Columns: []storage.ColumnDef{
			{Name: "bucket", Type: storage.TypeText},
			{Name: "shard_l2", Type: storage.TypeText},
		},
	}); err != nil {
		return err
	}

	if err := r.backend.CreateTable(ctx, storage.TableSchema{
		Name:          t.BDTTable(),
		PartitionKey:  []string{"level"},
		ClusteringKey: []string{"shard_key"},
		Columns: []storage.ColumnDef{
			{Name: "level", Type: storage.TypeInt},
			{Name: "shard_key", Type: storage.TypeText},
			{Name: "leaves", Type: storage.TypeJSON},
			{Name: "root", Type: storage.TypeBytes},
			{Name: "seal_new", Type: storage.TypeBytes},
			{Name: "seal_old", Type: storage.TypeBytes},
			{Name: "sealed_at", Type: storage.TypeTimestamp},
			{Name: "generation", Type: storage.TypeInt},
			{Name: "cascade_shard_key", Type: storage.TypeText},
		},
	}); err != nil {
		return err
	}

	return r.backend.CreateTable(ctx, storage.TableSchema{
		Name:          t.ProofsTable(),
		PartitionKey:  []string{"shard_l1"},
		ClusteringKey: []string{"unique_time"},
		Columns: []storage.ColumnDef{
			{Name: "shard_l1", Type: storage.TypeText},
			{Name: "unique_time", Type: storage.TypeText},
			{Name: "sibling_path", Type: storage.TypeJSON},
			{Name: "position", Type: storage.TypeInt},
			{Name: "level2_shard_key", Type: storage.TypeText},
			{Name: "level3_shard_key", Type: storage.TypeText},
			{Name: "late", Type: storage.TypeBool},
		},
	})
}

// ShardKey buckets t at the given level boundary into a time window id
// suitable as a BDT or shard-index clustering key: a fixed-width decimal
// Unix-millisecond window start, so lexicographic and numeric order agree.
func ShardKey(at time.Time, duration time.Duration) string {
	windowMs := duration.Milliseconds()
	if windowMs <= 0 {
		windowMs = 1
	}
	bucket := (at.UnixMilli() / windowMs) * windowMs
	return fmt.Sprintf("%020d", bucket)
}
