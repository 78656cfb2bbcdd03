package postgres

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/V4T54L/eventstore/internal/adapter/metrics"
	"github.com/V4T54L/eventstore/internal/domain"
)

// PartitionOptions bounds the window in which monthly partitions are kept.
type PartitionOptions struct {
	MonthsAhead     int
	RetentionMonths int
	DetachExpired   bool
}

// partitionSpec describes one partition of the event table.
type partitionSpec struct {
	name      string
	parent    string
	tenantID  string
	start     time.Time
	end       time.Time
	isDefault bool
	// isTenant marks the per-tenant LIST partition; leaves hang below it.
	isTenant bool
}

func (p partitionSpec) ddl() string {
	switch {
	case p.isTenant:
		return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES IN (%s) PARTITION BY RANGE (event_timestamp)",
			pq.QuoteIdentifier(p.name), pq.QuoteIdentifier(p.parent), pq.QuoteLiteral(p.tenantID))
	case p.isDefault:
		return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s PARTITION OF %s DEFAULT",
			pq.QuoteIdentifier(p.name), pq.QuoteIdentifier(p.parent))
	default:
		return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES FROM (%s) TO (%s)",
			pq.QuoteIdentifier(p.name), pq.QuoteIdentifier(p.parent),
			pq.QuoteLiteral(p.start.Format(time.RFC3339)), pq.QuoteLiteral(p.end.Format(time.RFC3339)))
	}
}

// PartitionCoordinator creates tenant and monthly partitions of the
// partitioned event table on demand and maintains the retention window.
type PartitionCoordinator struct {
	db      *sql.DB
	opts    PartitionOptions
	metrics *metrics.EventStoreMetrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewPartitionCoordinator creates a coordinator. metrics may be nil.
func NewPartitionCoordinator(db *sql.DB, opts PartitionOptions, m *metrics.EventStoreMetrics, logger *slog.Logger) *PartitionCoordinator {
	if opts.MonthsAhead < 0 {
		opts.MonthsAhead = 0
	}
	if opts.RetentionMonths < 1 {
		opts.RetentionMonths = 1
	}
	return &PartitionCoordinator{
		db:      db,
		opts:    opts,
		metrics: m,
		logger:  logger.With("component", "partition_coordinator"),
		now:     time.Now,
	}
}

func tenantPartitionName(tenantID string) string {
	sum := sha256.Sum256([]byte(tenantID))
	return partitionedTable + "_p_" + hex.EncodeToString(sum[:])[:16]
}

func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func monthlyLeaf(tenantID string, start time.Time) partitionSpec {
	parent := tenantPartitionName(tenantID)
	return partitionSpec{
		name:     fmt.Sprintf("%s_%04d%02d", parent, start.Year(), int(start.Month())),
		parent:   parent,
		tenantID: tenantID,
		start:    start,
		end:      start.AddDate(0, 1, 0),
	}
}

func defaultLeaf(tenantID string) partitionSpec {
	parent := tenantPartitionName(tenantID)
	return partitionSpec{name: parent + "_default", parent: parent, tenantID: tenantID, isDefault: true}
}

func tenantPartition(tenantID string) partitionSpec {
	return partitionSpec{name: tenantPartitionName(tenantID), parent: partitionedTable, tenantID: tenantID, isTenant: true}
}

// retentionCutoff is the first month still covered by a monthly leaf.
func (c *PartitionCoordinator) retentionCutoff(now time.Time) time.Time {
	return monthStart(now).AddDate(0, -c.opts.RetentionMonths, 0)
}

// requiredPartitions lists, parents first, the partitions needed to store an
// event of tenantID at time at: the tenant partition, the leaf for the event
// and the leaves of the look-ahead window. Events older than the retention
// window land in the tenant's default leaf.
func (c *PartitionCoordinator) requiredPartitions(tenantID string, at, now time.Time) ([]partitionSpec, error) {
	current := monthStart(now)
	horizon := current.AddDate(0, c.opts.MonthsAhead, 0)
	bucket := monthStart(at)
	if bucket.After(horizon) {
		return nil, fmt.Errorf("%w: %s is after %s", domain.ErrPartitionWindow,
			at.UTC().Format(time.RFC3339), horizon.AddDate(0, 1, 0).Format(time.RFC3339))
	}

	specs := []partitionSpec{tenantPartition(tenantID)}
	if bucket.Before(c.retentionCutoff(now)) {
		specs = append(specs, defaultLeaf(tenantID))
	} else if bucket.Before(current) {
		specs = append(specs, monthlyLeaf(tenantID, bucket))
	}
	for m := current; !m.After(horizon); m = m.AddDate(0, 1, 0) {
		specs = append(specs, monthlyLeaf(tenantID, m))
	}
	return specs, nil
}

// Ensure creates the partitions required for an event of tenantID at time at
// inside q. Concurrent callers for the same tenant serialize on an advisory
// lock held until the surrounding transaction ends.
func (c *PartitionCoordinator) Ensure(ctx context.Context, q queryer, tenantID string, at time.Time) error {
	specs, err := c.requiredPartitions(tenantID, at, c.now())
	if err != nil {
		return err
	}
	created, err := c.ensure(ctx, q, tenantID, specs)
	if err != nil {
		return err
	}
	if created > 0 {
		c.logger.InfoContext(ctx, "Created event partitions", "tenant_id", tenantID, "count", created)
	}
	return nil
}

func (c *PartitionCoordinator) ensure(ctx context.Context, q queryer, tenantID string, specs []partitionSpec) (int, error) {
	missing, err := missingPartitions(ctx, q, specs)
	if err != nil {
		return 0, err
	}
	if len(missing) == 0 {
		return 0, nil
	}

	if _, err := q.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtextextended($1, 0))", "eventstore:partition:"+tenantID); err != nil {
		return 0, fmt.Errorf("lock partitions of tenant %s: %w", tenantID, err)
	}
	// Another transaction may have created some of them while we waited.
	missing, err = missingPartitions(ctx, q, missing)
	if err != nil {
		return 0, err
	}

	for _, p := range missing {
		if _, err := q.ExecContext(ctx, p.ddl()); err != nil {
			return 0, fmt.Errorf("create partition %s: %w", p.name, err)
		}
		if err := recordPartition(ctx, q, p); err != nil {
			return 0, err
		}
		if c.metrics != nil {
			c.metrics.PartitionsCreated.Inc()
		}
	}
	return len(missing), nil
}

// missingPartitions returns the specs whose table does not exist, keeping order.
func missingPartitions(ctx context.Context, q queryer, specs []partitionSpec) ([]partitionSpec, error) {
	names := make([]string, len(specs))
	for i, p := range specs {
		names[i] = p.name
	}
	rows, err := q.QueryContext(ctx,
		"SELECT n FROM unnest($1::text[]) AS n WHERE to_regclass(quote_ident(n)) IS NULL", pq.Array(names))
	if err != nil {
		return nil, fmt.Errorf("check partitions: %w", err)
	}
	defer rows.Close()

	absent := make(map[string]bool, len(specs))
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scan partition name: %w", err)
		}
		absent[n] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("check partitions: %w", err)
	}

	var missing []partitionSpec
	for _, p := range specs {
		if absent[p.name] {
			missing = append(missing, p)
		}
	}
	return missing, nil
}

func recordPartition(ctx context.Context, q queryer, p partitionSpec) error {
	var start, end sql.NullTime
	if !p.isTenant && !p.isDefault {
		start = sql.NullTime{Time: p.start, Valid: true}
		end = sql.NullTime{Time: p.end, Valid: true}
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO domain_event_partitions (partition_name, parent_name, tenant_id, range_start, range_end, is_default)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (partition_name) DO NOTHING`,
		p.name, p.parent, p.tenantID, start, end, p.isDefault)
	if err != nil {
		return fmt.Errorf("record partition %s: %w", p.name, err)
	}
	return nil
}

// MaintenanceResult summarizes one maintenance run.
type MaintenanceResult struct {
	Tenants  int
	Created  int
	Detached int
}

// Maintain ensures the look-ahead window for every known tenant and, when
// configured, detaches monthly leaves that fell out of the retention window.
// Detached tables are kept for external archival; no rows are deleted.
func (c *PartitionCoordinator) Maintain(ctx context.Context) (MaintenanceResult, error) {
	var res MaintenanceResult
	now := c.now()

	tenants, err := c.knownTenants(ctx)
	if err != nil {
		return res, err
	}
	res.Tenants = len(tenants)

	for _, tenantID := range tenants {
		specs, err := c.requiredPartitions(tenantID, now, now)
		if err != nil {
			return res, err
		}
		var created int
		err = c.inTx(ctx, func(tx *sql.Tx) error {
			created, err = c.ensure(ctx, tx, tenantID, specs)
			return err
		})
		if err != nil {
			return res, fmt.Errorf("maintain partitions of tenant %s: %w", tenantID, err)
		}
		res.Created += created
	}

	if c.opts.DetachExpired {
		detached, err := c.detachExpired(ctx, now)
		res.Detached = detached
		if err != nil {
			return res, err
		}
	}

	c.logger.InfoContext(ctx, "Partition maintenance finished",
		"tenants", res.Tenants, "created", res.Created, "detached", res.Detached)
	return res, nil
}

func (c *PartitionCoordinator) knownTenants(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, "SELECT DISTINCT tenant_id FROM domain_event_partitions ORDER BY tenant_id")
	if err != nil {
		return nil, fmt.Errorf("list partitioned tenants: %w", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

func (c *PartitionCoordinator) detachExpired(ctx context.Context, now time.Time) (int, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT partition_name, parent_name FROM domain_event_partitions
		WHERE NOT is_default AND range_end IS NOT NULL AND range_end <= $1 AND detached_at IS NULL
		ORDER BY range_end`, c.retentionCutoff(now))
	if err != nil {
		return 0, fmt.Errorf("list expired partitions: %w", err)
	}
	var expired []partitionSpec
	for rows.Next() {
		var p partitionSpec
		if err := rows.Scan(&p.name, &p.parent); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan expired partition: %w", err)
		}
		expired = append(expired, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("list expired partitions: %w", err)
	}

	detached := 0
	for _, p := range expired {
		err := c.inTx(ctx, func(tx *sql.Tx) error {
			stmt := fmt.Sprintf("ALTER TABLE %s DETACH PARTITION %s", pq.QuoteIdentifier(p.parent), pq.QuoteIdentifier(p.name))
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, "UPDATE domain_event_partitions SET detached_at = now() WHERE partition_name = $1", p.name)
			return err
		})
		if err != nil {
			return detached, fmt.Errorf("detach partition %s: %w", p.name, err)
		}
		detached++
		if c.metrics != nil {
			c.metrics.PartitionsDetached.Inc()
		}
		c.logger.InfoContext(ctx, "Detached expired partition", "partition", p.name)
	}
	return detached, nil
}

func (c *PartitionCoordinator) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
