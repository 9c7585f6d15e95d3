// Package storage defines the capability interface every other component
// is built behind: put/get/compare-and-set over partitioned
// rows, range scans, and secondary-index-backed queries, with explicit
// tunable consistency and quorum reporting. Swapping backends is a
// build-time selection (pgstore is the PostgreSQL implementation and
// memstore the in-memory one used by tests), never runtime polymorphism on
// the hot path.
package storage

import "context"

// Consistency selects the read/write consistency level an operation
// requests from the backend. The core uses Quorum for identity claims and
// secret publication, and Local for the event-append hot path.
type Consistency int

const (
	// Local is the lowest-latency level: a single replica acknowledgment
	// is sufficient. Used for event append, where durability past "it
	// reached storage" is the backend's responsibility.
	Local Consistency = iota
	// Quorum requires a majority of replicas to acknowledge. Used for
	// instance-id claims and secret-generation publication, where a
	// linearizable view across the cluster is required.
	Quorum
)

// Row is a single partitioned row, keyed by column name. Values are
// backend-agnostic Go types (string, int64, []byte, time.Time, bool, or a
// nested map/slice for JSON-typed columns).
type Row map[string]any

// Key identifies a row within a table: the partition key columns plus,
// where the table has one, the clustering key column.
type Key struct {
	Partition  Row
	Clustering any // nil if the table has no clustering key
}

// TableSchema describes a table to create. Columns is informational only
// (backends are free to type-map as they see fit); PartitionKey and
// ClusteringKey name the columns that form the row's identity.
type TableSchema struct {
	Name          string
	Columns       []ColumnDef
	PartitionKey  []string
	ClusteringKey []string
}

// ColumnDef names a column and its logical type.
type ColumnDef struct {
	Name string
	Type ColumnType
}

// ColumnType is a backend-agnostic column type.
type ColumnType int

const (
	TypeText ColumnType = iota
	TypeInt
	TypeBigInt
	TypeBool
	TypeBytes
	TypeTimestamp
	TypeJSON
)

// ScanOptions bounds a range scan within a partition.
type ScanOptions struct {
	// From/To bound the clustering key range, inclusive. Nil means
	// unbounded in that direction.
	From, To any
	// Limit caps the number of rows returned; 0 means unbounded.
	Limit int
	// Descending reverses clustering-key order.
	Descending bool
}

// RowIterator is a lazy, finite sequence of rows produced by Scan or a
// secondary-index query. Callers must call Close when done, even after an
// error or early exit.
type RowIterator interface {
	// Next advances the iterator. It returns (row, true, nil) while rows
	// remain, (nil, false, nil) at the end, and (nil, false, err) on
	// failure.
	Next(ctx context.Context) (Row, bool, error)
	Close() error
}

// OpResult reports whether an operation reached the requested consistency
// level, so callers needing a linearizable view can detect a degraded
// write.
type OpResult struct {
	QuorumReached bool
}

// Backend is the capability set every other Fragtale component depends on.
// It models a wide-column, partition-by-primary-key store with
// Cassandra-class tunable consistency and lightweight transactions (a
// single linearized compare-and-set per partition, no multi-row
// transactions).
type Backend interface {
	// Put inserts or overwrites a row unconditionally.
	Put(ctx context.Context, table string, row Row, cl Consistency) (OpResult, error)

	// Get fetches a single row by key. ok is false if no row matches.
	Get(ctx context.Context, table string, key Key, cl Consistency) (row Row, ok bool, err error)

	// CompareAndSet performs a linearized compare-and-set: if the row
	// matching key currently has every column value named in expected,
	// newRow's columns are written onto it (columns absent from newRow
	// keep their values) and won is true. A nil expected means "row must
	// not exist": the row is inserted from key and newRow.
	// Otherwise the row is left untouched and won is false. This is the
	// backend's lightweight-transaction primitive; the core uses it for
	// identity claims, topic provisioning, and secret-generation
	// rollover.
	CompareAndSet(ctx context.Context, table string, key Key, expected, newRow Row) (won bool, result OpResult, err error)

	// Scan returns a lazy iterator over rows in a partition, optionally
	// bounded by clustering key range.
	Scan(ctx context.Context, table string, partition Row, opts ScanOptions) (RowIterator, error)

	// QueryIndex returns a lazy iterator over rows in table whose column
	// equals value, optionally bounded by clustering key range.
	// Requires a prior CreateSecondaryIndex call for (table, column).
	QueryIndex(ctx context.Context, table, column string, value any, opts ScanOptions) (RowIterator, error)

	// CreateTable issues idempotent DDL for the given schema.
	CreateTable(ctx context.Context, schema TableSchema) error

	// CreateSecondaryIndex issues idempotent DDL for a secondary index on
	// table.column.
	CreateSecondaryIndex(ctx context.Context, table, column string) error
}
