// Package query implements the QUERY operation (secondary-index lookup
// scoped by time range, streamed in unique_time order) and exposes VERIFY
// as the same typed call surface, delegating its logic to the Integrity
// Engine which owns the proof-chain machinery.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mydriatech/fragtale/internal/clock"
	"github.com/mydriatech/fragtale/internal/fragerr"
	"github.com/mydriatech/fragtale/internal/integrity"
	"github.com/mydriatech/fragtale/internal/storage"
	"github.com/mydriatech/fragtale/internal/topic"
)

// Result is one event matched by a Query call.
type Result struct {
	UniqueTime clock.UniqueTime
	Document   []byte
	ReceivedAt time.Time
}

// TimeRange bounds a Query by unique_time, inclusive on both ends. A zero
// value for either bound leaves that direction unbounded.
type TimeRange struct {
	From, To clock.UniqueTime
}

// Verifier is the subset of *integrity.Engine the query package depends
// on for the VERIFY operation.
type Verifier interface {
	Verify(ctx context.Context, topicName string, ut clock.UniqueTime) (integrity.VerifyResult, error)
}

// Engine implements secondary-index lookups and forwards verify requests to
// the Integrity Engine.
type Engine struct {
	backend  storage.Backend
	topics   *topic.Registry
	verifier Verifier
	logger   *slog.Logger
}

// New creates a query Engine.
func New(backend storage.Backend, topics *topic.Registry, verifier Verifier, logger *slog.Logger) *Engine {
	return &Engine{backend: backend, topics: topics, verifier: verifier, logger: logger}
}

// Query returns every event on topicName whose indexName field equals
// value, restricted to timeRange, in ascending unique_time order.
// indexName must name a field declared in the topic's IndexConfig.
func (e *Engine) Query(ctx context.Context, topicName, indexName string, value any, timeRange TimeRange) ([]Result, error) {
	top, err := e.topics.Lookup(ctx, topicName)
	if err != nil {
		return nil, err
	}
	if !hasIndex(top, indexName) {
		return nil, fmt.Errorf("%w: topic %s has no declared index %q", fragerr.ErrSchemaViolation, topicName, indexName)
	}

	opts := storage.ScanOptions{}
	if timeRange.From != clock.Zero {
		opts.From = timeRange.From.String()
	}
	if timeRange.To != clock.Zero {
		opts.To = timeRange.To.String()
	}

	rows, err := e.backend.QueryIndex(ctx, top.EventsTable(), "idx_"+indexName, value, opts)
	if err != nil {
		return nil, fmt.Errorf("querying index %s on topic %s: %w", indexName, topicName, err)
	}
	defer rows.Close()

	var results []Result
	for {
		row, ok, err := rows.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		utStr, _ := row["unique_time"].(string)
		ut, err := clock.Parse(utStr)
		if err != nil {
			e.logger.Warn("skipping query result with unparsable unique_time", "topic", topicName, "raw", utStr)
			continue
		}
		doc, _ := row["document"].([]byte)
		receivedAt, _ := row["received_at"].(time.Time)
		results = append(results, Result{UniqueTime: ut, Document: doc, ReceivedAt: receivedAt})
	}
	return results, nil
}

// Verify delegates to the Integrity Engine's VERIFY implementation.
func (e *Engine) Verify(ctx context.Context, topicName string, ut clock.UniqueTime) (integrity.VerifyResult, error) {
	return e.verifier.Verify(ctx, topicName, ut)
}

func hasIndex(top *topic.Topic, name string) bool {
	for _, f := range top.IndexConfig {
		if f.Name == name {
			return true
		}
	}
	return false
}
