package postgres

import (
	"fmt"
	"strings"
)

const (
	legacyTable      = "domain_events"
	partitionedTable = "domain_events_partitioned"
)

// Generation identifies which storage generations back the event log.
type Generation string

const (
	// GenerationLegacy reads and writes the unpartitioned table only.
	GenerationLegacy Generation = "legacy"
	// GenerationDual writes the partitioned table, mirrors into the legacy
	// table and reads the union of both.
	GenerationDual Generation = "dual"
	// GenerationPartitioned reads and writes the partitioned table only.
	GenerationPartitioned Generation = "partitioned"
)

// StorageOptions mirrors the migration switches of the configuration.
type StorageOptions struct {
	UsePartitionedTable bool
	LegacyDualWrite     bool
}

// Generation resolves the migration switches into a storage generation.
func (o StorageOptions) Generation() Generation {
	switch {
	case !o.UsePartitionedTable:
		return GenerationLegacy
	case o.LegacyDualWrite:
		return GenerationDual
	default:
		return GenerationPartitioned
	}
}

var eventColumns = []string{
	"event_id", "global_position", "event_type", "aggregate_type", "aggregate_id",
	"aggregate_version", "event_data", "event_metadata", "tenant_id", "user_id",
	"correlation_id", "causation_id", "legal_basis", "data_classification",
	"retention_policy", "ip_address", "user_agent", "session_id", "request_id",
	"event_timestamp", "event_hash", "previous_event_hash", "created_at",
}

var eventColumnList = strings.Join(eventColumns, ", ")

// tableLayout builds the SQL for one storage generation. It is chosen once
// when the repository is constructed.
type tableLayout struct {
	generation Generation
	// primary receives the authoritative insert.
	primary string
	// mirror receives an idempotent copy of every insert; empty when unused.
	mirror string
}

func newTableLayout(opts StorageOptions) tableLayout {
	switch opts.Generation() {
	case GenerationDual:
		return tableLayout{generation: GenerationDual, primary: partitionedTable, mirror: legacyTable}
	case GenerationPartitioned:
		return tableLayout{generation: GenerationPartitioned, primary: partitionedTable}
	default:
		return tableLayout{generation: GenerationLegacy, primary: legacyTable}
	}
}

func (l tableLayout) partitioned() bool {
	return l.primary == partitionedTable
}

// source returns the FROM expression exposing every event exactly once under
// the alias e. In dual mode legacy rows already present in the partitioned
// table are excluded from the legacy side of the union.
func (l tableLayout) source() string {
	if l.mirror == "" {
		return l.primary + " AS e"
	}
	return fmt.Sprintf(`(
		SELECT %[1]s FROM %[2]s
		UNION ALL
		SELECT %[1]s FROM %[3]s AS l
		WHERE NOT EXISTS (
			SELECT 1 FROM %[2]s AS p WHERE p.event_id = l.event_id AND p.tenant_id = l.tenant_id
		)
	) AS e`, eventColumnList, l.primary, l.mirror)
}

// selectEvents returns a SELECT over all generations with the given WHERE
// clause and ORDER BY/LIMIT tail.
func (l tableLayout) selectEvents(where, tail string) string {
	q := "SELECT " + eventColumnList + " FROM " + l.source()
	if where != "" {
		q += " WHERE " + where
	}
	if tail != "" {
		q += " " + tail
	}
	return q
}

// currentVersionQuery returns the highest version of an aggregate ($1 type,
// $2 id). In dual mode it is the greater of both generations' maxima so a
// stale legacy-only history can never cause a version collision.
func (l tableLayout) currentVersionQuery() string {
	single := func(table string) string {
		return fmt.Sprintf("SELECT COALESCE(MAX(aggregate_version), 0) FROM %s WHERE aggregate_type = $1 AND aggregate_id = $2", table)
	}
	if l.mirror == "" {
		return single(l.primary)
	}
	return fmt.Sprintf("SELECT GREATEST((%s), (%s))", single(l.primary), single(l.mirror))
}

// latestHashQuery returns the hash of the event with the highest global position.
func (l tableLayout) latestHashQuery() string {
	single := func(table string) string {
		return fmt.Sprintf("SELECT event_hash, global_position FROM %s ORDER BY global_position DESC LIMIT 1", table)
	}
	if l.mirror == "" {
		return fmt.Sprintf("SELECT event_hash FROM (%s) AS latest", single(l.primary))
	}
	return fmt.Sprintf("SELECT event_hash FROM ((%s) UNION ALL (%s)) AS latest ORDER BY global_position DESC LIMIT 1",
		single(l.primary), single(l.mirror))
}

// insertColumns are written on the primary insert; global_position and
// created_at are assigned by the database.
var insertColumns = []string{
	"event_id", "event_type", "aggregate_type", "aggregate_id", "aggregate_version",
	"event_data", "event_metadata", "tenant_id", "user_id", "correlation_id",
	"causation_id", "legal_basis", "data_classification", "retention_policy",
	"ip_address", "user_agent", "session_id", "request_id", "event_timestamp",
	"event_hash", "previous_event_hash",
}

// primaryInsert inserts into the primary generation and returns the
// storage-assigned columns.
func (l tableLayout) primaryInsert() string {
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING global_position, created_at",
		l.primary, strings.Join(insertColumns, ", "), placeholders(len(insertColumns)))
}

// mirrorInsert copies a row into the mirror generation, keeping the primary's
// position and creation time. Existing rows are left untouched.
func (l tableLayout) mirrorInsert() string {
	cols := append(append([]string{}, insertColumns...), "global_position", "created_at")
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO NOTHING",
		l.mirror, strings.Join(cols, ", "), placeholders(len(cols)))
}

func placeholders(n int) string {
	ps := make([]string, n)
	for i := range ps {
		ps[i] = fmt.Sprintf("$%d", i+1)
	}
	return strings.Join(ps, ", ")
}
