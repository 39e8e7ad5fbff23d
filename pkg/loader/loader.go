// Package loader defines the warehouse loader contract and the registry that
// maps a configured adapter name to an implementation. Implementations write
// to this contract only; the pipeline never sees a concrete loader type.
package loader

import (
	"context"
	"time"

	"github.com/gowthamrao/spl-load/pkg/types"
)

// Mode selects the publication strategy of a run.
type Mode string

const (
	// ModeFull replaces the production tables wholesale: stage everything,
	// then truncate-and-insert inside one transaction.
	ModeFull Mode = "FULL"
	// ModeDelta upserts by document_id and replaces child rows for the
	// affected documents.
	ModeDelta Mode = "DELTA"
)

// RunStatus is the lifecycle state of an etl_load_history row. A run moves
// RUNNING -> SUCCESS or RUNNING -> FAILED exactly once.
type RunStatus string

const (
	StatusRunning RunStatus = "RUNNING"
	StatusSuccess RunStatus = "SUCCESS"
	StatusFailed  RunStatus = "FAILED"
)

// ProcessedArchive is one ledger entry: an archive becomes visible here only
// after its documents are visible in production tables.
type ProcessedArchive struct {
	Name     string
	Checksum string // hex SHA-256 of the archive bytes
}

// Loader is the contract every warehouse adapter implements. Operations are
// synchronous and are called in the documented order within a run:
// InitializeSchema (once, via init), RecoverStaleRuns, StartRun,
// ProcessedArchives, then per batch PreLoadOptimization (first batch only),
// BulkLoadToStaging, MergeFromStaging, and finally PostLoadCleanup and
// EndRun.
type Loader interface {
	// InitializeSchema creates all production, staging and tracking tables
	// idempotently.
	InitializeSchema(ctx context.Context) error

	// StartRun inserts a RUNNING history row and returns its run_id. It
	// fails with types.ErrRunInProgress when an open RUNNING row exists:
	// concurrent runs against one target are not supported.
	StartRun(ctx context.Context, mode Mode) (int64, error)

	// EndRun closes the history row. Best effort: a crash before EndRun is
	// repaired by RecoverStaleRuns on the next start.
	EndRun(ctx context.Context, runID int64, status RunStatus, recordsLoaded int64, errorLog string) error

	// RecoverStaleRuns marks RUNNING rows older than olderThan as FAILED
	// (reason "crashed") and truncates the staging tables. Returns the
	// number of runs repaired.
	RecoverStaleRuns(ctx context.Context, olderThan time.Duration) (int64, error)

	// ProcessedArchives returns the ledger as archive name -> checksum.
	ProcessedArchives(ctx context.Context) (map[string]string, error)

	// PreLoadOptimization prepares production tables for a large merge. For
	// ModeFull it may drop non-PK indexes and disable foreign keys; it must
	// be reversible by PostLoadCleanup. For ModeDelta it is a no-op or mild
	// tuning.
	PreLoadOptimization(ctx context.Context, mode Mode) error

	// BulkLoadToStaging truncates the staging tables, then ingests every
	// chunk file under dir through the target's native bulk path. Returns
	// the total number of rows staged.
	BulkLoadToStaging(ctx context.Context, dir string) (int64, error)

	// MergeFromStaging atomically publishes staged rows into production,
	// recomputes is_latest_version for every affected set_id, records the
	// given archives in the processed ledger, and truncates staging, all
	// within a single transaction. Readers never observe partial state.
	MergeFromStaging(ctx context.Context, mode Mode, archives []ProcessedArchive) error

	// PostLoadCleanup rebuilds whatever PreLoadOptimization dropped and runs
	// vacuum/analyze where the target supports it. Failures are non-fatal.
	PostLoadCleanup(ctx context.Context, mode Mode) error

	// RecordProcessedArchive upserts a single ledger entry outside a merge,
	// updating checksum and timestamp on name conflict.
	RecordProcessedArchive(ctx context.Context, name, checksum string) error

	// Close releases the connection pool.
	Close() error
}

// Factory builds a loader from the database section of the configuration.
type Factory func(cfg types.DBConfig) (Loader, error)
