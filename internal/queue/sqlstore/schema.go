package sqlstore

import (
	"context"
	"fmt"
)

const (
	tableName    = "jobq_jobs"
	sequenceName = "jobq_jobs_seq"
)

const jobColumns = `id, queue, callable, payload, status, attempts, max_attempts, seq,
	lease_owner, lease_expires_at, cancel_requested, result, error,
	created_at, updated_at, finished_at`

// dialect captures the differences between the supported databases
type dialect struct {
	name string
	// blobType is the column type for raw bytes
	blobType string
	// lockRow is appended to single row reads inside a transaction
	lockRow string
	// lockHead is appended to the head-of-queue read in PopLease
	lockHead string
	// singleConn serializes access through one connection
	singleConn bool
	// nextSeq is the SQL expression yielding the next queue position
	nextSeq string
	// preamble runs before the table DDL
	preamble []string
}

var (
	postgresDialect = dialect{
		name:     "postgres",
		blobType: "BYTEA",
		lockRow:  " FOR UPDATE",
		lockHead: " FOR UPDATE SKIP LOCKED",
		nextSeq:  "nextval('" + sequenceName + "')",
		preamble: []string{`CREATE SEQUENCE IF NOT EXISTS ` + sequenceName},
	}
	sqliteDialect = dialect{
		name:       "sqlite3",
		blobType:   "BLOB",
		singleConn: true,
		// writers hold the database lock, so MAX is stable for the statement
		nextSeq: "(SELECT COALESCE(MAX(seq), 0) + 1 FROM " + tableName + ")",
	}
)

func dialectFor(driverName string) (dialect, error) {
	switch driverName {
	case "postgres", "pgx":
		return postgresDialect, nil
	case "sqlite3", "sqlite":
		return sqliteDialect, nil
	default:
		return dialect{}, fmt.Errorf("unsupported database driver: %s", driverName)
	}
}

func (d dialect) schema() []string {
	return append(append([]string(nil), d.preamble...),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id               TEXT PRIMARY KEY,
			queue            TEXT NOT NULL,
			callable         TEXT NOT NULL,
			payload          %s,
			status           TEXT NOT NULL,
			attempts         INTEGER NOT NULL DEFAULT 0,
			max_attempts     INTEGER NOT NULL,
			seq              BIGINT NOT NULL DEFAULT 0,
			lease_owner      TEXT,
			lease_expires_at BIGINT,
			cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
			result           %s,
			error            TEXT NOT NULL DEFAULT '',
			created_at       BIGINT NOT NULL,
			updated_at       BIGINT NOT NULL,
			finished_at      BIGINT
		)`, tableName, d.blobType, d.blobType),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_pending_idx ON %s (queue, status, seq)`, tableName, tableName),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_lease_idx ON %s (queue, status, lease_expires_at)`, tableName, tableName),
	)
}

// Migrate creates the jobs table and its indexes when missing
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate schema: %w", err)
		}
	}
	return nil
}
