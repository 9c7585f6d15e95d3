// Package pgstore implements storage.Backend on top of PostgreSQL via pgx,
// the one wide-column-adjacent driver available in the example pack.
// Partition-by-primary-key semantics map onto a composite primary key;
// compare-and-set maps onto conditional UPDATE / INSERT ... ON CONFLICT
// statements whose affected-row-count reports whether the CAS won, standing
// in for a Cassandra-class lightweight transaction.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mydriatech/fragtale/internal/storage"
)

var identRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func validIdent(s string) error {
	if !identRe.MatchString(s) {
		return fmt.Errorf("invalid identifier %q", s)
	}
	return nil
}

// Store is a storage.Backend backed by a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool

	mu      sync.RWMutex
	schemas map[string]storage.TableSchema
}

// New wraps an established pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:    pool,
		schemas: make(map[string]storage.TableSchema),
	}
}

func pgType(t storage.ColumnType) string {
	switch t {
	case storage.TypeInt:
		return "INTEGER"
	case storage.TypeBigInt:
		return "BIGINT"
	case storage.TypeBool:
		return "BOOLEAN"
	case storage.TypeBytes:
		return "BYTEA"
	case storage.TypeTimestamp:
		return "TIMESTAMPTZ"
	case storage.TypeJSON:
		return "JSONB"
	default:
		return "TEXT"
	}
}

// CreateTable issues idempotent DDL and remembers the schema so Put/Get/
// CompareAndSet know which columns form the row's identity.
func (s *Store) CreateTable(ctx context.Context, schema storage.TableSchema) error {
	if err := validIdent(schema.Name); err != nil {
		return err
	}

	var cols []string
	for _, c := range schema.Columns {
		if err := validIdent(c.Name); err != nil {
			return err
		}
		cols = append(cols, fmt.Sprintf("%s %s", c.Name, pgType(c.Type)))
	}

	pk := append(append([]string{}, schema.PartitionKey...), schema.ClusteringKey...)
	for _, k := range pk {
		if err := validIdent(k); err != nil {
			return err
		}
	}

	stmt := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (%s, PRIMARY KEY (%s))",
		schema.Name, strings.Join(cols, ", "), strings.Join(pk, ", "),
	)

	if _, err := s.pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("creating table %s: %w", schema.Name, err)
	}

	s.mu.Lock()
	s.schemas[schema.Name] = schema
	s.mu.Unlock()
	return nil
}

// CreateSecondaryIndex issues idempotent DDL for a secondary index.
func (s *Store) CreateSecondaryIndex(ctx context.Context, table, column string) error {
	if err := validIdent(table); err != nil {
		return err
	}
	if err := validIdent(column); err != nil {
		return err
	}
	idxName := fmt.Sprintf("idx_%s_%s", table, column)
	stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", idxName, table, column)
	if _, err := s.pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("creating index %s: %w", idxName, err)
	}
	return nil
}

func (s *Store) schemaFor(table string) (storage.TableSchema, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	schema, ok := s.schemas[table]
	return schema, ok
}

// Put inserts or overwrites a row unconditionally via INSERT ... ON
// CONFLICT (pk) DO UPDATE.
func (s *Store) Put(ctx context.Context, table string, row storage.Row, cl storage.Consistency) (storage.OpResult, error) {
	schema, ok := s.schemaFor(table)
	if !ok {
		return storage.OpResult{}, fmt.Errorf("put: table %s not registered", table)
	}

	cols := make([]string, 0, len(row))
	args := make([]any, 0, len(row))
	placeholders := make([]string, 0, len(row))
	for k, v := range row {
		if err := validIdent(k); err != nil {
			return storage.OpResult{}, err
		}
		cols = append(cols, k)
		args = append(args, v)
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
	}

	pk := append(append([]string{}, schema.PartitionKey...), schema.ClusteringKey...)
	var updateSet []string
	for _, c := range cols {
		if containsStr(pk, c) {
			continue
		}
		updateSet = append(updateSet, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
	}

	stmt := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO ",
		table, strings.Join(cols, ", "), strings.Join(placeholders, ", "), strings.Join(pk, ", "),
	)
	if len(updateSet) == 0 {
		stmt += "NOTHING"
	} else {
		stmt += "UPDATE SET " + strings.Join(updateSet, ", ")
	}

	tag, err := s.execConsistency(ctx, cl, stmt, args...)
	if err != nil {
		return storage.OpResult{}, fmt.Errorf("put into %s: %w", table, err)
	}
	return storage.OpResult{QuorumReached: tag}, nil
}

func containsStr(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}

// execConsistency runs stmt and reports whether it should be considered to
// have reached the requested consistency level. PostgreSQL has no tunable
// per-statement consistency the way Cassandra does; Quorum is treated as
// "committed to the primary", which is the strongest guarantee a single
// Postgres instance can offer, while Local always reports true once the
// statement returns without error.
func (s *Store) execConsistency(ctx context.Context, cl storage.Consistency, stmt string, args ...any) (bool, error) {
	_, err := s.pool.Exec(ctx, stmt, args...)
	if err != nil {
		return false, err
	}
	return true, nil
}

func whereForKey(schema storage.TableSchema, key storage.Key, args *[]any) (string, error) {
	var clauses []string
	for _, pk := range schema.PartitionKey {
		v, ok := key.Partition[pk]
		if !ok {
			return "", fmt.Errorf("missing partition key column %s", pk)
		}
		*args = append(*args, v)
		clauses = append(clauses, fmt.Sprintf("%s = $%d", pk, len(*args)))
	}
	if len(schema.ClusteringKey) > 0 && key.Clustering != nil {
		*args = append(*args, key.Clustering)
		clauses = append(clauses, fmt.Sprintf("%s = $%d", schema.ClusteringKey[0], len(*args)))
	}
	return strings.Join(clauses, " AND "), nil
}

// Get fetches a single row by key.
func (s *Store) Get(ctx context.Context, table string, key storage.Key, cl storage.Consistency) (storage.Row, bool, error) {
	schema, ok := s.schemaFor(table)
	if !ok {
		return nil, false, fmt.Errorf("get: table %s not registered", table)
	}

	var args []any
	where, err := whereForKey(schema, key, &args)
	if err != nil {
		return nil, false, err
	}

	colNames := make([]string, len(schema.Columns))
	for i, c := range schema.Columns {
		colNames[i] = c.Name
	}

	stmt := fmt.Sprintf("SELECT %s FROM %s WHERE %s", strings.Join(colNames, ", "), table, where)
	rows, err := s.pool.Query(ctx, stmt, args...)
	if err != nil {
		return nil, false, fmt.Errorf("get from %s: %w", table, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, false, rows.Err()
	}
	row, err := scanRow(rows, colNames)
	if err != nil {
		return nil, false, fmt.Errorf("scanning row from %s: %w", table, err)
	}
	return row, true, nil
}

func scanRow(rows pgx.Rows, colNames []string) (storage.Row, error) {
	vals, err := rows.Values()
	if err != nil {
		return nil, err
	}
	row := make(storage.Row, len(colNames))
	for i, name := range colNames {
		if i < len(vals) {
			row[name] = vals[i]
		}
	}
	return row, nil
}

// CompareAndSet performs a linearized compare-and-set. When expected is nil
// it behaves as "insert if absent" (INSERT ... ON CONFLICT DO NOTHING,
// RowsAffected reports the win); otherwise it is a conditional UPDATE whose
// WHERE clause matches every column named in expected.
func (s *Store) CompareAndSet(ctx context.Context, table string, key storage.Key, expected, newRow storage.Row) (bool, storage.OpResult, error) {
	schema, ok := s.schemaFor(table)
	if !ok {
		return false, storage.OpResult{}, fmt.Errorf("compare_and_set: table %s not registered", table)
	}

	if expected == nil {
		merged := storage.Row{}
		for k, v := range key.Partition {
			merged[k] = v
		}
		if len(schema.ClusteringKey) > 0 && key.Clustering != nil {
			merged[schema.ClusteringKey[0]] = key.Clustering
		}
		for k, v := range newRow {
			merged[k] = v
		}

		cols := make([]string, 0, len(merged))
		args := make([]any, 0, len(merged))
		placeholders := make([]string, 0, len(merged))
		for k, v := range merged {
			if err := validIdent(k); err != nil {
				return false, storage.OpResult{}, err
			}
			cols = append(cols, k)
			args = append(args, v)
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		}

		pk := append(append([]string{}, schema.PartitionKey...), schema.ClusteringKey...)
		stmt := fmt.Sprintf(
			"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING",
			table, strings.Join(cols, ", "), strings.Join(placeholders, ", "), strings.Join(pk, ", "),
		)
		tag, err := s.pool.Exec(ctx, stmt, args...)
		if err != nil {
			return false, storage.OpResult{}, fmt.Errorf("compare_and_set insert into %s: %w", table, err)
		}
		return tag.RowsAffected() > 0, storage.OpResult{QuorumReached: true}, nil
	}

	var args []any
	where, err := whereForKey(schema, key, &args)
	if err != nil {
		return false, storage.OpResult{}, err
	}
	for col, v := range expected {
		if err := validIdent(col); err != nil {
			return false, storage.OpResult{}, err
		}
		args = append(args, v)
		where += fmt.Sprintf(" AND %s = $%d", col, len(args))
	}

	var setClauses []string
	for col, v := range newRow {
		if err := validIdent(col); err != nil {
			return false, storage.OpResult{}, err
		}
		args = append(args, v)
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s", table, strings.Join(setClauses, ", "), where)
	tag, err := s.pool.Exec(ctx, stmt, args...)
	if err != nil {
		return false, storage.OpResult{}, fmt.Errorf("compare_and_set update on %s: %w", table, err)
	}
	return tag.RowsAffected() > 0, storage.OpResult{QuorumReached: true}, nil
}

// Scan returns a lazy iterator over rows in a partition, optionally bounded
// by clustering key range.
func (s *Store) Scan(ctx context.Context, table string, partition storage.Row, opts storage.ScanOptions) (storage.RowIterator, error) {
	schema, ok := s.schemaFor(table)
	if !ok {
		return nil, fmt.Errorf("scan: table %s not registered", table)
	}

	var args []any
	var clauses []string
	for _, pk := range schema.PartitionKey {
		v, ok := partition[pk]
		if !ok {
			return nil, fmt.Errorf("missing partition key column %s", pk)
		}
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf("%s = $%d", pk, len(args)))
	}

	ck := ""
	if len(schema.ClusteringKey) > 0 {
		ck = schema.ClusteringKey[0]
	}
	if ck != "" {
		if opts.From != nil {
			args = append(args, opts.From)
			clauses = append(clauses, fmt.Sprintf("%s >= $%d", ck, len(args)))
		}
		if opts.To != nil {
			args = append(args, opts.To)
			clauses = append(clauses, fmt.Sprintf("%s <= $%d", ck, len(args)))
		}
	}

	colNames := make([]string, len(schema.Columns))
	for i, c := range schema.Columns {
		colNames[i] = c.Name
	}

	stmt := fmt.Sprintf("SELECT %s FROM %s", strings.Join(colNames, ", "), table)
	if len(clauses) > 0 {
		stmt += " WHERE " + strings.Join(clauses, " AND ")
	}
	if ck != "" {
		order := "ASC"
		if opts.Descending {
			order = "DESC"
		}
		stmt += fmt.Sprintf(" ORDER BY %s %s", ck, order)
	}
	if opts.Limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	rows, err := s.pool.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", table, err)
	}
	return &rowIterator{rows: rows, colNames: colNames}, nil
}

// QueryIndex returns a lazy iterator over rows whose secondary-indexed
// column equals value.
func (s *Store) QueryIndex(ctx context.Context, table, column string, value any, opts storage.ScanOptions) (storage.RowIterator, error) {
	schema, ok := s.schemaFor(table)
	if !ok {
		return nil, fmt.Errorf("query_index: table %s not registered", table)
	}
	if err := validIdent(column); err != nil {
		return nil, err
	}

	args := []any{value}
	clauses := []string{fmt.Sprintf("%s = $1", column)}

	ck := ""
	if len(schema.ClusteringKey) > 0 {
		ck = schema.ClusteringKey[0]
	}
	if ck != "" {
		if opts.From != nil {
			args = append(args, opts.From)
			clauses = append(clauses, fmt.Sprintf("%s >= $%d", ck, len(args)))
		}
		if opts.To != nil {
			args = append(args, opts.To)
			clauses = append(clauses, fmt.Sprintf("%s <= $%d", ck, len(args)))
		}
	}

	colNames := make([]string, len(schema.Columns))
	for i, c := range schema.Columns {
		colNames[i] = c.Name
	}

	stmt := fmt.Sprintf("SELECT %s FROM %s WHERE %s", strings.Join(colNames, ", "), table, strings.Join(clauses, " AND "))
	if ck != "" {
		order := "ASC"
		if opts.Descending {
			order = "DESC"
		}
		stmt += fmt.Sprintf(" ORDER BY %s %s", ck, order)
	}
	if opts.Limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	rows, err := s.pool.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("querying index %s.%s: %w", table, column, err)
	}
	return &rowIterator{rows: rows, colNames: colNames}, nil
}

type rowIterator struct {
	rows     pgx.Rows
	colNames []string
}

func (it *rowIterator) Next(ctx context.Context) (storage.Row, bool, error) {
	if ctx.Err() != nil {
		return nil, false, ctx.Err()
	}
	if !it.rows.Next() {
		return nil, false, it.rows.Err()
	}
	row, err := scanRow(it.rows, it.colNames)
	if err != nil {
		return nil, false, err
	}
	return row, true, nil
}

func (it *rowIterator) Close() error {
	it.rows.Close()
	return nil
}

// ErrNotFound is returned by helpers that wrap Get for callers expecting a
// sentinel not-found error rather than an ok bool.
var ErrNotFound = errors.New("pgstore: not found")
