package integrity

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/mydriatech/fragtale/internal/telemetry"
)

func TestRolloverSkipsWatchWhenNextGenerationAlreadyPublished(t *testing.T) {
	engine, backend, topics := newEngine(t, 64)
	ctx := context.Background()

	secrets := NewSecretStore(backend)
	require.NoError(t, secrets.Publish(ctx, Generation{
		Generation:   1,
		KeyNew:       []byte("generation-1-key-new-material"),
		AlgorithmNew: AlgorithmHMACSHA256,
		CreatedAt:    time.Now(),
	}))

	rollover := NewRollover(backend, topics, secrets, 1, time.Hour, engine.logger)

	done := make(chan struct{})
	go func() {
		rollover.Run(ctx, func() []string { return nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("Run did not return promptly when the next generation was already published")
	}
}

func TestRolloverPermitsOnceEveryTopicIsSealed(t *testing.T) {
	engine, backend, topics := newEngine(t, 64)
	ctx := context.Background()

	secrets := NewSecretStore(backend)
	rollover := NewRollover(backend, topics, secrets, 1, 5*time.Millisecond, engine.logger)

	done := make(chan struct{})
	go func() {
		// No topics to check means allSealed is vacuously true on the
		// first tick.
		rollover.Run(ctx, func() []string { return nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Run never reported rollover permitted")
	}

	require.Equal(t, float64(1), testutil.ToFloat64(telemetry.IntegrityRolloverPermitted))
}
