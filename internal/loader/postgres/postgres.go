// Package postgres implements the warehouse loader contract on PostgreSQL,
// the reference production target. Staging goes through COPY FROM STDIN, the
// fastest ingestion path the server offers; merges are single transactions
// so readers never observe partial state.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gowthamrao/spl-load/internal/intermediate"
	"github.com/gowthamrao/spl-load/pkg/loader"
	"github.com/gowthamrao/spl-load/pkg/types"
)

//go:embed schema.sql
var schemaSQL string

func init() {
	loader.Register("postgres", New)
}

// savedDef is a dropped index or constraint remembered for recreation.
type savedDef struct {
	table string
	name  string
	def   string
}

// Loader implements loader.Loader over a pgx connection pool.
type Loader struct {
	pool *pgxpool.Pool

	mu          sync.Mutex
	optimize    bool
	droppedFKs  []savedDef
	droppedIdx  []savedDef
	runArchives int64
}

// New connects to the database described by cfg. The initial ping retries
// with exponential backoff so a target still starting up does not fail the
// run.
func New(cfg types.DBConfig) (loader.Loader, error) {
	dsn := cfg.DSN
	if dsn == "" {
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
			url.QueryEscape(cfg.User), url.QueryEscape(cfg.Password),
			cfg.Host, cfg.Port, cfg.Name)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}

	ping := func() error { return pool.Ping(ctx) }
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
	if err := backoff.Retry(ping, policy); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	return &Loader{pool: pool, optimize: cfg.OptimizeFullLoad}, nil
}

// isTransient reports whether err is worth another attempt: serialization
// and deadlock aborts, connection-class failures, and errors pgconn itself
// marks as safe to retry.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if pgconn.SafeToRetry(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return true
		}
		return strings.HasPrefix(pgErr.Code, "08") // connection exceptions
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func (l *Loader) InitializeSchema(ctx context.Context) error {
	if _, err := l.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("postgres: initialize schema: %w", err)
	}
	return nil
}

func (l *Loader) StartRun(ctx context.Context, mode loader.Mode) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var runID int64
	err := loader.Retry(ctx, isTransient, func() error {
		var err error
		runID, err = l.startRun(ctx, mode)
		return err
	})
	return runID, err
}

func (l *Loader) startRun(ctx context.Context, mode loader.Mode) (int64, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("postgres: start run: %w", err)
	}
	defer tx.Rollback(ctx)

	// The FOR UPDATE lock serializes two starters racing for the same slot.
	var open int64
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM (
			SELECT run_id FROM etl_load_history
			WHERE status = $1 AND end_time IS NULL
			FOR UPDATE
		) AS running`, string(loader.StatusRunning)).Scan(&open)
	if err != nil {
		return 0, fmt.Errorf("postgres: start run: %w", err)
	}
	if open > 0 {
		return 0, types.ErrRunInProgress
	}

	var runID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO etl_load_history (start_time, status, mode)
		VALUES (now(), $1, $2)
		RETURNING run_id`, string(loader.StatusRunning), string(mode)).Scan(&runID)
	if err != nil {
		return 0, fmt.Errorf("postgres: start run: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("postgres: start run: %w", err)
	}
	l.runArchives = 0
	return runID, nil
}

func (l *Loader) EndRun(ctx context.Context, runID int64, status loader.RunStatus, recordsLoaded int64, errorLog string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errLog sql.NullString
	if errorLog != "" {
		errLog = sql.NullString{String: errorLog, Valid: true}
	}
	err := loader.Retry(ctx, isTransient, func() error {
		_, err := l.pool.Exec(ctx, `
			UPDATE etl_load_history
			SET end_time = now(), status = $1, records_loaded = $2,
			    archives_processed = $3, error_log = $4
			WHERE run_id = $5`,
			string(status), recordsLoaded, l.runArchives, errLog, runID)
		return err
	})
	if err != nil {
		return fmt.Errorf("postgres: end run %d: %w", runID, err)
	}
	return nil
}

func (l *Loader) RecoverStaleRuns(ctx context.Context, olderThan time.Duration) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var repaired int64
	err := loader.Retry(ctx, isTransient, func() error {
		var err error
		repaired, err = l.recoverStaleRuns(ctx, olderThan)
		return err
	})
	return repaired, err
}

func (l *Loader) recoverStaleRuns(ctx context.Context, olderThan time.Duration) (int64, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("postgres: recover stale runs: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE etl_load_history
		SET end_time = now(), status = $1, error_log = 'crashed'
		WHERE status = $2 AND end_time IS NULL AND start_time < now() - $3::interval`,
		string(loader.StatusFailed), string(loader.StatusRunning), olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("postgres: recover stale runs: %w", err)
	}
	repaired := tag.RowsAffected()
	if repaired > 0 {
		if _, err := tx.Exec(ctx, "TRUNCATE "+stagingList()); err != nil {
			return 0, fmt.Errorf("postgres: recover stale runs: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("postgres: recover stale runs: %w", err)
	}
	return repaired, nil
}

func (l *Loader) ProcessedArchives(ctx context.Context) (map[string]string, error) {
	var out map[string]string
	err := loader.Retry(ctx, isTransient, func() error {
		var err error
		out, err = l.processedArchives(ctx)
		return err
	})
	return out, err
}

func (l *Loader) processedArchives(ctx context.Context) (map[string]string, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT archive_name, archive_checksum FROM etl_processed_archives`)
	if err != nil {
		return nil, fmt.Errorf("postgres: processed archives: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var name, sum string
		if err := rows.Scan(&name, &sum); err != nil {
			return nil, fmt.Errorf("postgres: processed archives: %w", err)
		}
		out[name] = sum
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: processed archives: %w", err)
	}
	return out, nil
}

// PreLoadOptimization drops foreign keys and non-PK indexes on the data
// tables before a FULL merge, remembering their definitions from the
// catalogs. Rebuilding them once afterwards is far cheaper than maintaining
// them row by row through a hundred-gigabyte insert.
func (l *Loader) PreLoadOptimization(ctx context.Context, mode loader.Mode) error {
	if mode != loader.ModeFull || !l.optimize {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.droppedFKs = l.droppedFKs[:0]
	l.droppedIdx = l.droppedIdx[:0]

	for _, table := range types.DataTables {
		rows, err := l.pool.Query(ctx, `
			SELECT conname, pg_get_constraintdef(oid)
			FROM pg_constraint
			WHERE contype = 'f' AND conrelid = $1::regclass`, table)
		if err != nil {
			return fmt.Errorf("postgres: list foreign keys of %s: %w", table, err)
		}
		for rows.Next() {
			var d savedDef
			d.table = table
			if err := rows.Scan(&d.name, &d.def); err != nil {
				rows.Close()
				return fmt.Errorf("postgres: list foreign keys of %s: %w", table, err)
			}
			l.droppedFKs = append(l.droppedFKs, d)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("postgres: list foreign keys of %s: %w", table, err)
		}

		rows, err = l.pool.Query(ctx, `
			SELECT indexname, indexdef
			FROM pg_indexes
			WHERE schemaname = current_schema() AND tablename = $1
			  AND indexname NOT IN (
			      SELECT conname FROM pg_constraint
			      WHERE conrelid = $1::regclass AND contype IN ('p', 'u')
			  )`, table)
		if err != nil {
			return fmt.Errorf("postgres: list indexes of %s: %w", table, err)
		}
		for rows.Next() {
			var d savedDef
			d.table = table
			if err := rows.Scan(&d.name, &d.def); err != nil {
				rows.Close()
				return fmt.Errorf("postgres: list indexes of %s: %w", table, err)
			}
			l.droppedIdx = append(l.droppedIdx, d)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("postgres: list indexes of %s: %w", table, err)
		}
	}

	for _, d := range l.droppedFKs {
		stmt := fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT %s", d.table, d.name)
		if _, err := l.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: drop constraint %s: %w", d.name, err)
		}
	}
	for _, d := range l.droppedIdx {
		if _, err := l.pool.Exec(ctx, "DROP INDEX IF EXISTS "+d.name); err != nil {
			return fmt.Errorf("postgres: drop index %s: %w", d.name, err)
		}
	}
	return nil
}

// BulkLoadToStaging retries transient failures wholesale: each attempt
// re-truncates staging first, so a half-staged attempt never doubles rows.
func (l *Loader) BulkLoadToStaging(ctx context.Context, dir string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var total int64
	err := loader.Retry(ctx, isTransient, func() error {
		var err error
		total, err = l.bulkLoadToStaging(ctx, dir)
		return err
	})
	return total, err
}

func (l *Loader) bulkLoadToStaging(ctx context.Context, dir string) (int64, error) {
	chunks, err := intermediate.ListChunks(dir)
	if err != nil {
		return 0, &types.StagingError{Dir: dir, Err: err}
	}

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return 0, &types.StagingError{Dir: dir, Err: err}
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "TRUNCATE "+stagingList()); err != nil {
		return 0, &types.StagingError{Dir: dir, Err: err}
	}

	var total int64
	for _, cf := range chunks {
		n, err := copyChunk(ctx, conn, cf)
		if err != nil {
			return 0, &types.StagingError{Dir: dir, Err: fmt.Errorf("%s: %w", cf.Path, err)}
		}
		total += n
	}
	return total, nil
}

// copyChunk streams one chunk into its staging table through COPY. CSV files
// go to the wire as-is; parquet chunks are re-rendered to the CSV dialect
// first, the COPY protocol has no columnar input.
func copyChunk(ctx context.Context, conn *pgxpool.Conn, cf intermediate.ChunkFile) (int64, error) {
	var src io.Reader
	switch cf.Ext {
	case "csv":
		f, err := os.Open(cf.Path)
		if err != nil {
			return 0, err
		}
		defer f.Close()
		src = f
	default:
		records, err := intermediate.ReadRecords(cf)
		if err != nil {
			return 0, err
		}
		src = csvStream(records)
	}

	sql := fmt.Sprintf(
		`COPY %s%s (%s) FROM STDIN WITH (FORMAT csv, NULL '\N', QUOTE '"')`,
		cf.Table, types.StagingSuffix, strings.Join(types.StagingColumns[cf.Table], ", "))
	tag, err := conn.Conn().PgConn().CopyFrom(ctx, src, sql)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (l *Loader) MergeFromStaging(ctx context.Context, mode loader.Mode, archives []loader.ProcessedArchive) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	// A failed attempt rolled its transaction back, so a retry starts from
	// the same staged state.
	err := loader.Retry(ctx, isTransient, func() error {
		return l.mergeFromStaging(ctx, mode, archives)
	})
	if err != nil {
		return err
	}
	l.runArchives += int64(len(archives))
	return nil
}

func (l *Loader) mergeFromStaging(ctx context.Context, mode loader.Mode, archives []loader.ProcessedArchive) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return &types.MergeError{Mode: string(mode), Err: err}
	}
	defer tx.Rollback(ctx)

	exec := func(stmt string, args ...any) error {
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, stmt, args...)
		return err
	}

	switch mode {
	case loader.ModeFull:
		// One TRUNCATE statement covers all six tables, so no intermediate
		// state ever violates a surviving foreign key.
		err = exec("TRUNCATE " + strings.Join(types.DataTables, ", ") + " CASCADE")
		for _, table := range types.DataTables {
			if err != nil {
				break
			}
			err = exec(publishStmt(table, false))
		}
	case loader.ModeDelta:
		for _, child := range types.ChildTables {
			err = exec(fmt.Sprintf(
				`DELETE FROM %s WHERE document_id IN (SELECT document_id FROM products%s)`,
				child, types.StagingSuffix))
			if err != nil {
				break
			}
		}
		for _, table := range types.DataTables {
			if err != nil {
				break
			}
			err = exec(publishStmt(table, true))
		}
	default:
		err = fmt.Errorf("unknown mode %q", mode)
	}
	if err != nil {
		return &types.MergeError{Mode: string(mode), Err: err}
	}

	if err := exec(latestVersionStmt(mode)); err != nil {
		return &types.MergeError{Mode: string(mode), Err: err}
	}

	// Ledger rows commit with the data: an archive is never marked processed
	// unless its documents became visible.
	for _, a := range archives {
		err = exec(`
			INSERT INTO etl_processed_archives (archive_name, archive_checksum, processed_timestamp)
			VALUES ($1, $2, now())
			ON CONFLICT (archive_name) DO UPDATE SET
				archive_checksum = excluded.archive_checksum,
				processed_timestamp = excluded.processed_timestamp`,
			a.Name, a.Checksum)
		if err != nil {
			return &types.MergeError{Mode: string(mode), Err: err}
		}
	}

	if err := exec("TRUNCATE " + stagingList()); err != nil {
		return &types.MergeError{Mode: string(mode), Err: err}
	}
	if err := tx.Commit(ctx); err != nil {
		return &types.MergeError{Mode: string(mode), Err: err}
	}
	return nil
}

// publishStmt builds the INSERT ... SELECT that moves one staging table into
// production. Parent tables get the loaded_at stamp and, in upsert mode, an
// ON CONFLICT DO UPDATE on document_id.
func publishStmt(table string, upsert bool) string {
	cols := types.StagingColumns[table]
	list := strings.Join(cols, ", ")

	switch table {
	case types.TableRawDocuments, types.TableProducts:
		stmt := fmt.Sprintf(
			"INSERT INTO %s (%s, loaded_at) SELECT %s, now() FROM %s%s",
			table, list, list, table, types.StagingSuffix)
		if upsert {
			var assigns []string
			for _, c := range cols {
				if c == "document_id" {
					continue
				}
				assigns = append(assigns, fmt.Sprintf("%s = excluded.%s", c, c))
			}
			assigns = append(assigns, "loaded_at = excluded.loaded_at")
			stmt += " ON CONFLICT (document_id) DO UPDATE SET " + strings.Join(assigns, ", ")
		}
		return stmt
	default:
		return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s%s",
			table, list, list, table, types.StagingSuffix)
	}
}

// latestVersionStmt re-derives is_latest_version set-based. A FULL load
// touches every set; a DELTA restricts to sets present in staging. Ties
// break on version, then effective_time, then document_id, all descending.
func latestVersionStmt(mode loader.Mode) string {
	scope := ""
	if mode == loader.ModeDelta {
		scope = fmt.Sprintf(
			" WHERE set_id IN (SELECT DISTINCT set_id FROM products%s)", types.StagingSuffix)
	}
	return fmt.Sprintf(`
		UPDATE products
		SET is_latest_version = (products.document_id = ranked.document_id)
		FROM (
			SELECT DISTINCT ON (set_id) document_id, set_id
			FROM products%s
			ORDER BY set_id, version_number DESC, effective_time DESC, document_id DESC
		) AS ranked
		WHERE products.set_id = ranked.set_id`, scope)
}

// PostLoadCleanup rebuilds what PreLoadOptimization dropped, then runs
// VACUUM ANALYZE over the data tables.
func (l *Loader) PostLoadCleanup(ctx context.Context, mode loader.Mode) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if mode == loader.ModeFull && l.optimize {
		for _, d := range l.droppedIdx {
			if _, err := l.pool.Exec(ctx, d.def); err != nil {
				return fmt.Errorf("postgres: recreate index %s: %w", d.name, err)
			}
		}
		for _, d := range l.droppedFKs {
			stmt := fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s %s", d.table, d.name, d.def)
			if _, err := l.pool.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("postgres: recreate constraint %s: %w", d.name, err)
			}
		}
		l.droppedFKs = nil
		l.droppedIdx = nil
	}

	for _, table := range types.DataTables {
		if _, err := l.pool.Exec(ctx, "VACUUM ANALYZE "+table); err != nil {
			return fmt.Errorf("postgres: vacuum analyze %s: %w", table, err)
		}
	}
	return nil
}

func (l *Loader) RecordProcessedArchive(ctx context.Context, name, checksum string) error {
	err := loader.Retry(ctx, isTransient, func() error {
		_, err := l.pool.Exec(ctx, `
			INSERT INTO etl_processed_archives (archive_name, archive_checksum, processed_timestamp)
			VALUES ($1, $2, now())
			ON CONFLICT (archive_name) DO UPDATE SET
				archive_checksum = excluded.archive_checksum,
				processed_timestamp = excluded.processed_timestamp`,
			name, checksum)
		return err
	})
	if err != nil {
		return fmt.Errorf("postgres: record archive %s: %w", name, err)
	}
	return nil
}

func (l *Loader) Close() error {
	l.pool.Close()
	return nil
}

func stagingList() string {
	names := make([]string, len(types.DataTables))
	for i, t := range types.DataTables {
		names[i] = t + types.StagingSuffix
	}
	return strings.Join(names, ", ")
}
