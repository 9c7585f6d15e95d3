package topic

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mydriatech/fragtale/internal/fragerr"
	"github.com/mydriatech/fragtale/internal/storage/memstore"
)

func newRegistry(t *testing.T) (*Registry, *memstore.Store) {
	t.Helper()
	backend := memstore.New()
	require.NoError(t, backend.CreateTable(context.Background(), RegistrySchema))
	return New(backend, time.Minute, time.Hour, 24*time.Hour), backend
}

func TestEnsureProvisionsOnFirstReference(t *testing.T) {
	r, _ := newRegistry(t)

	top, err := r.Ensure(context.Background(), "orders")
	require.NoError(t, err)
	require.Equal(t, "orders", top.Name)
	require.Equal(t, "events_orders", top.EventsTable())
	require.Equal(t, time.Minute, top.ShardDurationL1)
}

func TestEnsureIsIdempotentAcrossCallers(t *testing.T) {
	r, _ := newRegistry(t)

	first, err := r.Ensure(context.Background(), "orders")
	require.NoError(t, err)

	second, err := r.Provision(context.Background(), "orders", Options{ShardDurationL1: time.Hour})
	require.NoError(t, err)

	require.Equal(t, first.ShardDurationL1, second.ShardDurationL1, "second provisioning must not override the winning configuration")
}

func TestLookupUnknownTopicFails(t *testing.T) {
	r, _ := newRegistry(t)

	_, err := r.Lookup(context.Background(), "nope")
	require.ErrorIs(t, err, fragerr.ErrUnknownTopic)
}

func TestValidateRejectsDocumentFailingSchema(t *testing.T) {
	r, _ := newRegistry(t)
	schema := []byte(`{"type":"object","required":["k"],"properties":{"k":{"type":"string"}}}`)

	top, err := r.Provision(context.Background(), "strict", Options{Schema: schema})
	require.NoError(t, err)

	require.NoError(t, top.Validate([]byte(`{"k":"v"}`)))

	err = top.Validate([]byte(`{"k":42}`))
	require.ErrorIs(t, err, fragerr.ErrSchemaViolation)
}

func TestValidateAcceptsAnyDocumentWithoutSchema(t *testing.T) {
	r, _ := newRegistry(t)
	top, err := r.Ensure(context.Background(), "loose")
	require.NoError(t, err)
	require.NoError(t, top.Validate([]byte(`{"anything":true}`)))
}

func TestShardKeyOrdersLexicographicallyWithTime(t *testing.T) {
	base := time.Unix(1_700_000_000, 0).UTC()
	a := ShardKey(base, time.Minute)
	b := ShardKey(base.Add(time.Hour), time.Minute)
	require.Less(t, a, b)
}
