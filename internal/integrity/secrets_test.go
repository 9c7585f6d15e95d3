package integrity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mydriatech/fragtale/internal/storage/memstore"
)

func TestSecretStorePublishAndLoad(t *testing.T) {
	backend := memstore.New()
	require.NoError(t, backend.CreateTable(context.Background(), SecretsSchema))
	store := NewSecretStore(backend)

	g := Generation{
		Generation:   0,
		KeyNew:       []byte("k0"),
		AlgorithmNew: AlgorithmHMACSHA256,
		CreatedAt:    time.Now(),
	}
	require.NoError(t, store.Publish(context.Background(), g))

	loaded, err := store.Load(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, g.KeyNew, loaded.KeyNew)
	require.Equal(t, AlgorithmHMACSHA256, loaded.AlgorithmNew)
}

func TestSecretStorePublishRejectsDuplicateGeneration(t *testing.T) {
	backend := memstore.New()
	require.NoError(t, backend.CreateTable(context.Background(), SecretsSchema))
	store := NewSecretStore(backend)

	g := Generation{Generation: 1, KeyNew: []byte("k1"), AlgorithmNew: AlgorithmHMACSHA256, CreatedAt: time.Now()}
	require.NoError(t, store.Publish(context.Background(), g))
	require.Error(t, store.Publish(context.Background(), g))
}

func TestSecretStoreRolloverKeepsOldKeyReadable(t *testing.T) {
	backend := memstore.New()
	require.NoError(t, backend.CreateTable(context.Background(), SecretsSchema))
	store := NewSecretStore(backend)

	require.NoError(t, store.Publish(context.Background(), Generation{
		Generation: 0, KeyNew: []byte("k0"), AlgorithmNew: AlgorithmHMACSHA256, CreatedAt: time.Now(),
	}))
	require.NoError(t, store.Publish(context.Background(), Generation{
		Generation: 1, KeyNew: []byte("k1"), KeyOld: []byte("k0"),
		AlgorithmNew: AlgorithmHMACSHA256, AlgorithmOld: AlgorithmHMACSHA3_256, CreatedAt: time.Now(),
	}))

	g1, err := store.Load(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, []byte("k0"), g1.KeyOld)
	require.Equal(t, AlgorithmHMACSHA3_256, g1.AlgorithmOld)
}
