// Package instance implements the Instance Coordinator: claiming a small
// integer instance_id unique across live nodes via compare-and-set with
// lease renewal.
package instance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mydriatech/fragtale/internal/fragerr"
	"github.com/mydriatech/fragtale/internal/storage"
	"github.com/mydriatech/fragtale/internal/telemetry"
)

const tableName = "instance"

// Schema is the storage.TableSchema for the instance table, created once
// at bootstrap (see migrations/0001_bootstrap.up.sql for the concrete DDL
// on the pgstore backend; this schema is what registers it with any
// storage.Backend, including memstore in tests).
var Schema = storage.TableSchema{
	Name:         tableName,
	PartitionKey: []string{"instance_id"},
	Columns: []storage.ColumnDef{
		{Name: "instance_id", Type: storage.TypeInt},
		{Name: "node_identity", Type: storage.TypeText},
		{Name: "expires_at", Type: storage.TypeTimestamp},
	},
}

// Coordinator claims and renews this node's instance_id.
type Coordinator struct {
	backend       storage.Backend
	maxInstances  int
	leaseTTL      time.Duration
	claimAttempts int
	nodeIdentity  string
	logger        *slog.Logger

	instanceID uint16
	expiresAt  time.Time
}

// New creates a Coordinator. Call Claim before reading InstanceID.
func New(backend storage.Backend, maxInstances int, leaseTTL time.Duration, claimAttempts int, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		backend:       backend,
		maxInstances:  maxInstances,
		leaseTTL:      leaseTTL,
		claimAttempts: claimAttempts,
		nodeIdentity:  uuid.NewString(),
		logger:        logger,
	}
}

// InstanceID returns the claimed instance_id. Only valid after Claim
// succeeds.
func (c *Coordinator) InstanceID() uint16 {
	return c.instanceID
}

// Claim finds the lowest integer in [0, maxInstances) not currently leased
// and claims it via compare-and-set. It returns
// fragerr.ErrNoInstanceIDAvailable if no id is claimable within the
// configured retry budget.
func (c *Coordinator) Claim(ctx context.Context) error {
	attempts := c.claimAttempts
	if attempts <= 0 || attempts > c.maxInstances {
		attempts = c.maxInstances
	}

	for i := 0; i < attempts; i++ {
		candidate := i % c.maxInstances
		won, err := c.tryClaim(ctx, candidate)
		if err != nil {
			return fmt.Errorf("claiming instance_id %d: %w", candidate, err)
		}
		if won {
			c.instanceID = uint16(candidate)
			telemetry.InstanceIDInUse.Set(1)
			c.logger.Info("claimed instance id", "instance_id", candidate, "node_identity", c.nodeIdentity)
			return nil
		}
	}

	return fragerr.ErrNoInstanceIDAvailable
}

func (c *Coordinator) tryClaim(ctx context.Context, candidate int) (bool, error) {
	now := time.Now()
	newExpiry := now.Add(c.leaseTTL)
	key := storage.Key{Partition: storage.Row{"instance_id": candidate}}
	newRow := storage.Row{"node_identity": c.nodeIdentity, "expires_at": newExpiry}

	existing, ok, err := c.backend.Get(ctx, tableName, key, storage.Quorum)
	if err != nil {
		return false, err
	}

	if !ok {
		won, _, err := c.backend.CompareAndSet(ctx, tableName, key, nil, newRow)
		if err != nil {
			return false, err
		}
		if won {
			c.expiresAt = newExpiry
		}
		return won, nil
	}

	expiresAt, _ := existing["expires_at"].(time.Time)
	if expiresAt.After(now) {
		return false, nil // still leased by someone else
	}

	won, _, err := c.backend.CompareAndSet(ctx, tableName, key, storage.Row{"expires_at": expiresAt}, newRow)
	if err != nil {
		return false, err
	}
	if won {
		c.expiresAt = newExpiry
	}
	return won, nil
}

// RunRenewalLoop renews the lease at leaseTTL/3 until ctx is cancelled. It
// is a single background task, like the rest of the broker's housekeeping
// loops.
func (c *Coordinator) RunRenewalLoop(ctx context.Context) {
	interval := c.leaseTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.release(context.Background())
			return
		case <-ticker.C:
			if err := c.renew(ctx); err != nil {
				c.logger.Error("instance lease renewal failed", "instance_id", c.instanceID, "error", err)
			}
		}
	}
}

func (c *Coordinator) renew(ctx context.Context) error {
	key := storage.Key{Partition: storage.Row{"instance_id": int(c.instanceID)}}
	newExpiry := time.Now().Add(c.leaseTTL)
	won, _, err := c.backend.CompareAndSet(ctx, tableName, key,
		storage.Row{"node_identity": c.nodeIdentity, "expires_at": c.expiresAt},
		storage.Row{"expires_at": newExpiry},
	)
	if err != nil {
		return err
	}
	if !won {
		return fmt.Errorf("lease for instance_id %d was reclaimed by another node", c.instanceID)
	}
	c.expiresAt = newExpiry
	return nil
}

// release is a best-effort lease drop on shutdown.
func (c *Coordinator) release(ctx context.Context) {
	key := storage.Key{Partition: storage.Row{"instance_id": int(c.instanceID)}}
	_, _, err := c.backend.CompareAndSet(ctx, tableName, key,
		storage.Row{"node_identity": c.nodeIdentity, "expires_at": c.expiresAt},
		storage.Row{"expires_at": time.Unix(0, 0)},
	)
	if err != nil {
		c.logger.Warn("releasing instance lease failed", "instance_id", c.instanceID, "error", err)
		return
	}
	telemetry.InstanceIDInUse.Set(0)
	c.logger.Info("released instance lease", "instance_id", c.instanceID)
}
