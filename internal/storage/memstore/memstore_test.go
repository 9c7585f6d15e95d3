package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mydriatech/fragtale/internal/storage"
)

func newTestTable(t *testing.T, s *Store) {
	t.Helper()
	err := s.CreateTable(context.Background(), storage.TableSchema{
		Name:          "widgets",
		PartitionKey:  []string{"bucket"},
		ClusteringKey: []string{"seq"},
		Columns: []storage.ColumnDef{
			{Name: "bucket", Type: storage.TypeText},
			{Name: "seq", Type: storage.TypeBigInt},
			{Name: "value", Type: storage.TypeText},
		},
	})
	require.NoError(t, err)
}

func TestPutGet(t *testing.T) {
	s := New()
	newTestTable(t, s)
	ctx := context.Background()

	_, err := s.Put(ctx, "widgets", storage.Row{"bucket": "a", "seq": int64(1), "value": "hello"}, storage.Local)
	require.NoError(t, err)

	row, ok, err := s.Get(ctx, "widgets", storage.Key{Partition: storage.Row{"bucket": "a"}, Clustering: int64(1)}, storage.Local)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "hello", row["value"])

	_, ok, err = s.Get(ctx, "widgets", storage.Key{Partition: storage.Row{"bucket": "a"}, Clustering: int64(2)}, storage.Local)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCompareAndSetInsertIfAbsent(t *testing.T) {
	s := New()
	newTestTable(t, s)
	ctx := context.Background()
	key := storage.Key{Partition: storage.Row{"bucket": "a"}, Clustering: int64(1)}

	won, _, err := s.CompareAndSet(ctx, "widgets", key, nil, storage.Row{"value": "first"})
	require.NoError(t, err)
	require.True(t, won, "first CAS on an absent row should win")

	won, _, err = s.CompareAndSet(ctx, "widgets", key, nil, storage.Row{"value": "second"})
	require.NoError(t, err)
	require.False(t, won, "second CAS on an existing row should lose")

	row, ok, err := s.Get(ctx, "widgets", key, storage.Local)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "first", row["value"])
}

func TestCompareAndSetConditionalUpdate(t *testing.T) {
	s := New()
	newTestTable(t, s)
	ctx := context.Background()
	key := storage.Key{Partition: storage.Row{"bucket": "a"}, Clustering: int64(1)}

	_, _, err := s.CompareAndSet(ctx, "widgets", key, nil, storage.Row{"value": "v1"})
	require.NoError(t, err)

	won, _, err := s.CompareAndSet(ctx, "widgets", key, storage.Row{"value": "wrong"}, storage.Row{"value": "v2"})
	require.NoError(t, err)
	require.False(t, won)

	won, _, err = s.CompareAndSet(ctx, "widgets", key, storage.Row{"value": "v1"}, storage.Row{"value": "v2"})
	require.NoError(t, err)
	require.True(t, won)

	row, _, err := s.Get(ctx, "widgets", key, storage.Local)
	require.NoError(t, err)
	require.Equal(t, "v2", row["value"])
}

func TestScanOrderedByClusteringKey(t *testing.T) {
	s := New()
	newTestTable(t, s)
	ctx := context.Background()

	for i := int64(5); i >= 1; i-- {
		_, err := s.Put(ctx, "widgets", storage.Row{"bucket": "a", "seq": i, "value": "x"}, storage.Local)
		require.NoError(t, err)
	}

	it, err := s.Scan(ctx, "widgets", storage.Row{"bucket": "a"}, storage.ScanOptions{})
	require.NoError(t, err)
	defer it.Close()

	var seqs []int64
	for {
		row, ok, err := it.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		seqs = append(seqs, row["seq"].(int64))
	}
	require.Equal(t, []int64{1, 2, 3, 4, 5}, seqs)
}

func TestQueryIndex(t *testing.T) {
	s := New()
	newTestTable(t, s)
	ctx := context.Background()
	require.NoError(t, s.CreateSecondaryIndex(ctx, "widgets", "value"))

	_, _ = s.Put(ctx, "widgets", storage.Row{"bucket": "a", "seq": int64(1), "value": "match"}, storage.Local)
	_, _ = s.Put(ctx, "widgets", storage.Row{"bucket": "a", "seq": int64(2), "value": "nomatch"}, storage.Local)
	_, _ = s.Put(ctx, "widgets", storage.Row{"bucket": "b", "seq": int64(3), "value": "match"}, storage.Local)

	it, err := s.QueryIndex(ctx, "widgets", "value", "match", storage.ScanOptions{})
	require.NoError(t, err)
	defer it.Close()

	count := 0
	for {
		_, ok, err := it.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		count++
	}
	require.Equal(t, 2, count)
}
