// Package sqlite implements the warehouse loader contract on an embedded
// SQLite database. It exists for development and testing: no server to run,
// one file on disk, same merge semantics as the production adapter.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gowthamrao/spl-load/internal/intermediate"
	"github.com/gowthamrao/spl-load/pkg/loader"
	"github.com/gowthamrao/spl-load/pkg/types"
)

//go:embed schema.sql
var schemaSQL string

func init() {
	loader.Register("sqlite", New)
}

// Loader implements loader.Loader against a single SQLite file. SQLite has
// no COPY path; BulkLoadToStaging uses one transaction with prepared
// multi-row inserts instead, which is the fastest path the engine offers.
type Loader struct {
	mu sync.Mutex
	db *sql.DB

	// archives recorded during merges of the current run, written to the
	// history row by EndRun.
	runArchives int64
}

// New opens (or creates) the database file named by cfg. DSN wins over Name
// when set.
func New(cfg types.DBConfig) (loader.Loader, error) {
	dsn := cfg.DSN
	if dsn == "" {
		dsn = cfg.Name
	}
	if dsn == "" {
		return nil, fmt.Errorf("sqlite: database path is empty")
	}

	db, err := sql.Open("sqlite", pragmaDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", dsn, err)
	}
	// A single writer connection sidesteps SQLITE_BUSY between the pool's
	// connections.
	db.SetMaxOpenConns(1)
	return &Loader{db: db}, nil
}

// pragmaDSN appends the per-connection pragmas to the DSN. database/sql may
// discard and reopen its connection at any time; only DSN pragmas follow it
// onto the replacement.
func pragmaDSN(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep +
		"_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
}

// isTransient reports whether err is a busy or locked condition worth
// another attempt once the competing writer finishes.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var coded interface{ Code() int }
	if !errors.As(err, &coded) {
		return false
	}
	switch coded.Code() & 0xff {
	case 5, 6: // SQLITE_BUSY, SQLITE_LOCKED
		return true
	}
	return false
}

func (l *Loader) InitializeSchema(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("sqlite: initialize schema: %w", err)
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
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: start run: %w", err)
	}
	defer tx.Rollback()

	var open int64
	row := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM etl_load_history WHERE status = ? AND end_time IS NULL`,
		string(loader.StatusRunning))
	if err := row.Scan(&open); err != nil {
		return 0, fmt.Errorf("sqlite: start run: %w", err)
	}
	if open > 0 {
		return 0, types.ErrRunInProgress
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO etl_load_history (start_time, status, mode) VALUES (?, ?, ?)`,
		now(), string(loader.StatusRunning), string(mode))
	if err != nil {
		return 0, fmt.Errorf("sqlite: start run: %w", err)
	}
	runID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("sqlite: start run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: start run: %w", err)
	}
	l.runArchives = 0
	return runID, nil
}

func (l *Loader) EndRun(ctx context.Context, runID int64, status loader.RunStatus, recordsLoaded int64, errorLog string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errLog any
	if errorLog != "" {
		errLog = errorLog
	}
	err := loader.Retry(ctx, isTransient, func() error {
		_, err := l.db.ExecContext(ctx, `
			UPDATE etl_load_history
			SET end_time = ?, status = ?, records_loaded = ?, archives_processed = ?, error_log = ?
			WHERE run_id = ?`,
			now(), string(status), recordsLoaded, l.runArchives, errLog, runID)
		return err
	})
	if err != nil {
		return fmt.Errorf("sqlite: end run %d: %w", runID, err)
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
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: recover stale runs: %w", err)
	}
	defer tx.Rollback()

	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339)
	res, err := tx.ExecContext(ctx, `
		UPDATE etl_load_history
		SET end_time = ?, status = ?, error_log = 'crashed'
		WHERE status = ? AND end_time IS NULL AND start_time < ?`,
		now(), string(loader.StatusFailed), string(loader.StatusRunning), cutoff)
	if err != nil {
		return 0, fmt.Errorf("sqlite: recover stale runs: %w", err)
	}
	repaired, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: recover stale runs: %w", err)
	}
	if repaired > 0 {
		if err := truncateStaging(ctx, tx); err != nil {
			return 0, fmt.Errorf("sqlite: recover stale runs: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: recover stale runs: %w", err)
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
	rows, err := l.db.QueryContext(ctx,
		`SELECT archive_name, archive_checksum FROM etl_processed_archives`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: processed archives: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var name, sum string
		if err := rows.Scan(&name, &sum); err != nil {
			return nil, fmt.Errorf("sqlite: processed archives: %w", err)
		}
		out[name] = sum
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: processed archives: %w", err)
	}
	return out, nil
}

// PreLoadOptimization disables foreign key enforcement for a FULL merge.
// SQLite indexes stay: dropping and rebuilding them costs more than they
// save at this scale.
func (l *Loader) PreLoadOptimization(ctx context.Context, mode loader.Mode) error {
	if mode != loader.ModeFull {
		return nil
	}
	if _, err := l.db.ExecContext(ctx, `PRAGMA foreign_keys = OFF`); err != nil {
		return fmt.Errorf("sqlite: pre-load optimization: %w", err)
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

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &types.StagingError{Dir: dir, Err: err}
	}
	defer tx.Rollback()

	if err := truncateStaging(ctx, tx); err != nil {
		return 0, &types.StagingError{Dir: dir, Err: err}
	}

	var total int64
	for _, cf := range chunks {
		n, err := stageChunk(ctx, tx, cf)
		if err != nil {
			return 0, &types.StagingError{Dir: dir, Err: fmt.Errorf("%s: %w", cf.Path, err)}
		}
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, &types.StagingError{Dir: dir, Err: err}
	}
	return total, nil
}

func stageChunk(ctx context.Context, tx *sql.Tx, cf intermediate.ChunkFile) (int64, error) {
	records, err := intermediate.ReadRecords(cf)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	cols := types.StagingColumns[cf.Table]
	kinds := types.StagingColumnKinds[cf.Table]
	placeholders := "(" + strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",") + ")"
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		"INSERT INTO %s%s (%s) VALUES %s",
		cf.Table, types.StagingSuffix, strings.Join(cols, ", "), placeholders))
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	var n int64
	for _, rec := range records {
		args, err := bindRecord(kinds, rec)
		if err != nil {
			return n, err
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// bindRecord converts one CSV-dialect record into SQLite bind arguments:
// \N to NULL, t/f to 1/0, integers parsed, dates and JSON kept as text.
// Text fields pass through FieldValue so a guarded literal \N binds as data.
func bindRecord(kinds []types.ColumnKind, rec []string) ([]any, error) {
	if len(rec) != len(kinds) {
		return nil, fmt.Errorf("record has %d fields, want %d", len(rec), len(kinds))
	}
	args := make([]any, len(rec))
	for i, field := range rec {
		if field == intermediate.NullSentinel {
			args[i] = nil
			continue
		}
		switch kinds[i] {
		case types.KindInt64:
			v, err := strconv.ParseInt(field, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("field %d: %w", i, err)
			}
			args[i] = v
		case types.KindBool:
			switch field {
			case "t", "1", "true":
				args[i] = 1
			case "f", "0", "false":
				args[i] = 0
			default:
				return nil, fmt.Errorf("field %d: not a boolean: %q", i, field)
			}
		default:
			args[i] = intermediate.FieldValue(field)
		}
	}
	return args, nil
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
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return &types.MergeError{Mode: string(mode), Err: err}
	}
	defer tx.Rollback()

	stamp := now()
	switch mode {
	case loader.ModeFull:
		err = mergeFull(ctx, tx, stamp)
	case loader.ModeDelta:
		err = mergeDelta(ctx, tx, stamp)
	default:
		err = fmt.Errorf("unknown mode %q", mode)
	}
	if err != nil {
		return &types.MergeError{Mode: string(mode), Err: err}
	}

	if err := recomputeLatest(ctx, tx, mode); err != nil {
		return &types.MergeError{Mode: string(mode), Err: err}
	}

	// Ledger rows commit with the data: an archive is never marked processed
	// unless its documents became visible.
	for _, a := range archives {
		if err := upsertArchive(ctx, tx, a.Name, a.Checksum, stamp); err != nil {
			return &types.MergeError{Mode: string(mode), Err: err}
		}
	}

	if err := truncateStaging(ctx, tx); err != nil {
		return &types.MergeError{Mode: string(mode), Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &types.MergeError{Mode: string(mode), Err: err}
	}
	return nil
}

func mergeFull(ctx context.Context, tx *sql.Tx, stamp string) error {
	// Children first so the replace never orphans a reference.
	for i := len(types.DataTables) - 1; i >= 0; i-- {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+types.DataTables[i]); err != nil {
			return err
		}
	}
	return insertFromStaging(ctx, tx, stamp, false)
}

func mergeDelta(ctx context.Context, tx *sql.Tx, stamp string) error {
	// Child rows of every staged document are replaced wholesale.
	for _, child := range types.ChildTables {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(
			`DELETE FROM %s WHERE document_id IN (SELECT document_id FROM products%s)`,
			child, types.StagingSuffix))
		if err != nil {
			return err
		}
	}
	return insertFromStaging(ctx, tx, stamp, true)
}

// insertFromStaging publishes every staging table into its production twin.
// With upsert set, the two keyed parent tables use ON CONFLICT DO UPDATE so
// existing rows are rewritten in place and child foreign keys stay intact.
// Child tables are plain inserts either way, their old rows are already gone.
func insertFromStaging(ctx context.Context, tx *sql.Tx, stamp string, upsert bool) error {
	for _, table := range types.DataTables {
		cols := types.StagingColumns[table]
		list := strings.Join(cols, ", ")
		var stmt string
		switch table {
		case types.TableRawDocuments, types.TableProducts:
			// The WHERE true disambiguates the upsert clause from a join when
			// the insert source is a SELECT.
			stmt = fmt.Sprintf(
				"INSERT INTO %s (%s, loaded_at) SELECT %s, '%s' FROM %s%s WHERE true",
				table, list, list, stamp, table, types.StagingSuffix)
			if upsert {
				stmt += " ON CONFLICT(document_id) DO UPDATE SET " + excludedSetList(cols)
			}
		default:
			stmt = fmt.Sprintf(
				"INSERT INTO %s (%s) SELECT %s FROM %s%s",
				table, list, list, table, types.StagingSuffix)
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("publish %s: %w", table, err)
		}
	}
	return nil
}

// excludedSetList builds the DO UPDATE assignment list for every column but
// the conflict key, plus the loaded_at stamp.
func excludedSetList(cols []string) string {
	assigns := make([]string, 0, len(cols))
	for _, c := range cols {
		if c == "document_id" {
			continue
		}
		assigns = append(assigns, fmt.Sprintf("%s = excluded.%s", c, c))
	}
	assigns = append(assigns, "loaded_at = excluded.loaded_at")
	return strings.Join(assigns, ", ")
}

// recomputeLatest re-derives is_latest_version set-based. A FULL load touches
// every set; a DELTA restricts to sets present in staging. Ties break on
// version, then effective_time, then document_id, all descending.
func recomputeLatest(ctx context.Context, tx *sql.Tx, mode loader.Mode) error {
	scope := ""
	if mode == loader.ModeDelta {
		scope = fmt.Sprintf(
			` WHERE set_id IN (SELECT DISTINCT set_id FROM products%s)`, types.StagingSuffix)
	}
	stmt := fmt.Sprintf(`
		UPDATE products
		SET is_latest_version = (products.document_id = ranked.document_id)
		FROM (
			SELECT document_id, set_id
			FROM (
				SELECT document_id, set_id,
				       ROW_NUMBER() OVER (
				           PARTITION BY set_id
				           ORDER BY version_number DESC, effective_time DESC, document_id DESC
				       ) AS rn
				FROM products%s
			)
			WHERE rn = 1
		) AS ranked
		WHERE products.set_id = ranked.set_id`, scope)
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("recompute latest versions: %w", err)
	}
	return nil
}

func upsertArchive(ctx context.Context, tx *sql.Tx, name, checksum, stamp string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO etl_processed_archives (archive_name, archive_checksum, processed_timestamp)
		VALUES (?, ?, ?)
		ON CONFLICT(archive_name) DO UPDATE SET
			archive_checksum = excluded.archive_checksum,
			processed_timestamp = excluded.processed_timestamp`,
		name, checksum, stamp)
	return err
}

func (l *Loader) PostLoadCleanup(ctx context.Context, mode loader.Mode) error {
	if mode == loader.ModeFull {
		if _, err := l.db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
			return fmt.Errorf("sqlite: post-load cleanup: %w", err)
		}
	}
	if _, err := l.db.ExecContext(ctx, `ANALYZE`); err != nil {
		return fmt.Errorf("sqlite: post-load cleanup: %w", err)
	}
	return nil
}

func (l *Loader) RecordProcessedArchive(ctx context.Context, name, checksum string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	err := loader.Retry(ctx, isTransient, func() error {
		tx, err := l.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := upsertArchive(ctx, tx, name, checksum, now()); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("sqlite: record archive %s: %w", name, err)
	}
	return nil
}

func (l *Loader) Close() error {
	return l.db.Close()
}

func truncateStaging(ctx context.Context, tx *sql.Tx) error {
	for _, table := range types.DataTables {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+types.StagingSuffix); err != nil {
			return err
		}
	}
	return nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
