// Scenario tests for the SQLite adapter: staging, atomic merges in both
// modes, latest-version recomputation, run tracking, and the processed
// ledger.
package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gowthamrao/spl-load/internal/intermediate"
	"github.com/gowthamrao/spl-load/pkg/loader"
	"github.com/gowthamrao/spl-load/pkg/types"
)

func newTestLoader(t *testing.T) *Loader {
	t.Helper()
	l, err := New(types.DBConfig{Adapter: "sqlite", Name: filepath.Join(t.TempDir(), "spl.db")})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	sl := l.(*Loader)
	require.NoError(t, sl.InitializeSchema(context.Background()))
	return sl
}

// doc describes one staged document for test fixtures.
type doc struct {
	id        string
	set       string
	version   int
	effective time.Time
	ndc       string
}

func (d doc) batches() *types.RowBatches {
	b := &types.RowBatches{
		RawDocuments: []types.RawDocumentRow{{
			DocumentID:     d.id,
			SetID:          d.set,
			VersionNumber:  d.version,
			EffectiveTime:  d.effective,
			RawData:        `{"@name":"document"}`,
			SourceFilename: d.id + ".xml",
		}},
		Products: []types.ProductRow{{
			DocumentID:    d.id,
			SetID:         d.set,
			VersionNumber: d.version,
			EffectiveTime: d.effective,
			ProductName:   "Product " + d.id[:8],
		}},
	}
	if d.ndc != "" {
		b.ProductNDCs = []types.ProductNDCRow{{DocumentID: d.id, NDCCode: d.ndc}}
	}
	return b
}

// stage writes the docs as CSV chunks and bulk loads them.
func stage(t *testing.T, l *Loader, docs ...doc) int64 {
	t.Helper()
	dir := t.TempDir()
	w, err := intermediate.New(types.FormatCSV, dir, intermediate.Options{})
	require.NoError(t, err)
	for _, d := range docs {
		require.NoError(t, w.Append(d.batches()))
	}
	require.NoError(t, w.Close())

	n, err := l.BulkLoadToStaging(context.Background(), dir)
	require.NoError(t, err)
	return n
}

func countRows(t *testing.T, l *Loader, table string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, l.db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

func latestDocOfSet(t *testing.T, l *Loader, set string) string {
	t.Helper()
	var id string
	require.NoError(t, l.db.QueryRow(
		`SELECT document_id FROM products WHERE set_id = ? AND is_latest_version = 1`, set).Scan(&id))
	return id
}

var (
	setA = "11111111-aaaa-4aaa-8aaa-111111111111"
	docA1 = doc{id: "aaaaaaa1-0000-4000-8000-000000000001", set: setA, version: 1,
		effective: time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC), ndc: "0002-1433"}
	docA2 = doc{id: "aaaaaaa2-0000-4000-8000-000000000002", set: setA, version: 2,
		effective: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), ndc: "0002-1434"}
)

func TestInitializeSchemaIsIdempotent(t *testing.T) {
	l := newTestLoader(t)
	require.NoError(t, l.InitializeSchema(context.Background()))
}

func TestFullLoadPublishesAtomically(t *testing.T) {
	ctx := context.Background()
	l := newTestLoader(t)

	runID, err := l.StartRun(ctx, loader.ModeFull)
	require.NoError(t, err)

	staged := stage(t, l, docA1, docA2)
	assert.Equal(t, int64(6), staged, "two docs, three tables each")

	archives := []loader.ProcessedArchive{{Name: "release.zip", Checksum: "aa11"}}
	require.NoError(t, l.MergeFromStaging(ctx, loader.ModeFull, archives))
	require.NoError(t, l.EndRun(ctx, runID, loader.StatusSuccess, staged, ""))

	assert.Equal(t, int64(2), countRows(t, l, "products"))
	assert.Equal(t, int64(2), countRows(t, l, "spl_raw_documents"))
	assert.Equal(t, int64(2), countRows(t, l, "product_ndcs"))
	assert.Equal(t, int64(0), countRows(t, l, "products_staging"), "merge truncates staging")
	assert.Equal(t, docA2.id, latestDocOfSet(t, l, setA))

	ledger, err := l.ProcessedArchives(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"release.zip": "aa11"}, ledger)

	var loadedAt string
	require.NoError(t, l.db.QueryRow(
		`SELECT loaded_at FROM products WHERE document_id = ?`, docA1.id).Scan(&loadedAt))
	assert.NotEmpty(t, loadedAt)
}

func TestFullLoadReplacesPreviousState(t *testing.T) {
	ctx := context.Background()
	l := newTestLoader(t)

	stage(t, l, docA1, docA2)
	require.NoError(t, l.MergeFromStaging(ctx, loader.ModeFull, nil))

	// Second full load carries only version 1: the old state must vanish.
	stage(t, l, docA1)
	require.NoError(t, l.MergeFromStaging(ctx, loader.ModeFull, nil))

	assert.Equal(t, int64(1), countRows(t, l, "products"))
	assert.Equal(t, docA1.id, latestDocOfSet(t, l, setA))
}

func TestDeltaUpsertsAndReplacesChildren(t *testing.T) {
	ctx := context.Background()
	l := newTestLoader(t)

	stage(t, l, docA1)
	require.NoError(t, l.MergeFromStaging(ctx, loader.ModeFull, nil))
	assert.Equal(t, docA1.id, latestDocOfSet(t, l, setA))

	// Re-deliver the same document with a corrected NDC, plus a new version.
	revised := docA1
	revised.ndc = "0002-9999"
	stage(t, l, revised, docA2)
	require.NoError(t, l.MergeFromStaging(ctx, loader.ModeDelta, nil))

	assert.Equal(t, int64(2), countRows(t, l, "products"))
	assert.Equal(t, docA2.id, latestDocOfSet(t, l, setA))

	var ndc string
	require.NoError(t, l.db.QueryRow(
		`SELECT ndc_code FROM product_ndcs WHERE document_id = ?`, docA1.id).Scan(&ndc))
	assert.Equal(t, "0002-9999", ndc, "old child rows are replaced, not accumulated")

	var ndcCount int64
	require.NoError(t, l.db.QueryRow(
		`SELECT COUNT(*) FROM product_ndcs WHERE document_id = ?`, docA1.id).Scan(&ndcCount))
	assert.Equal(t, int64(1), ndcCount)
}

func TestDeltaIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l := newTestLoader(t)

	for range 2 {
		stage(t, l, docA1, docA2)
		require.NoError(t, l.MergeFromStaging(ctx, loader.ModeDelta, nil))
	}
	assert.Equal(t, int64(2), countRows(t, l, "products"))
	assert.Equal(t, int64(2), countRows(t, l, "product_ndcs"))
	assert.Equal(t, docA2.id, latestDocOfSet(t, l, setA))
}

func TestLatestVersionTiebreaks(t *testing.T) {
	ctx := context.Background()
	l := newTestLoader(t)

	// Same version number: later effective_time wins.
	early := doc{id: "bbbbbbb1-0000-4000-8000-000000000001", set: setA, version: 5,
		effective: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	late := doc{id: "bbbbbbb2-0000-4000-8000-000000000002", set: setA, version: 5,
		effective: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)}
	stage(t, l, early, late)
	require.NoError(t, l.MergeFromStaging(ctx, loader.ModeFull, nil))
	assert.Equal(t, late.id, latestDocOfSet(t, l, setA))

	// Same version and effective_time: higher document_id wins.
	twinA := doc{id: "ccccccc1-0000-4000-8000-000000000001", set: setA, version: 7,
		effective: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	twinB := doc{id: "ccccccc2-0000-4000-8000-000000000002", set: setA, version: 7,
		effective: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	stage(t, l, twinA, twinB)
	require.NoError(t, l.MergeFromStaging(ctx, loader.ModeFull, nil))
	assert.Equal(t, twinB.id, latestDocOfSet(t, l, setA))
}

func TestDeltaOnlyTouchesAffectedSets(t *testing.T) {
	ctx := context.Background()
	l := newTestLoader(t)

	setB := "22222222-bbbb-4bbb-8bbb-222222222222"
	docB := doc{id: "ddddddd1-0000-4000-8000-000000000001", set: setB, version: 1,
		effective: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)}

	stage(t, l, docA1, docB)
	require.NoError(t, l.MergeFromStaging(ctx, loader.ModeFull, nil))

	stage(t, l, docA2)
	require.NoError(t, l.MergeFromStaging(ctx, loader.ModeDelta, nil))

	assert.Equal(t, docA2.id, latestDocOfSet(t, l, setA))
	assert.Equal(t, docB.id, latestDocOfSet(t, l, setB), "untouched set keeps its flag")
}

func TestStartRunRejectsConcurrentRun(t *testing.T) {
	ctx := context.Background()
	l := newTestLoader(t)

	runID, err := l.StartRun(ctx, loader.ModeFull)
	require.NoError(t, err)

	_, err = l.StartRun(ctx, loader.ModeDelta)
	assert.ErrorIs(t, err, types.ErrRunInProgress)

	require.NoError(t, l.EndRun(ctx, runID, loader.StatusFailed, 0, "boom"))
	_, err = l.StartRun(ctx, loader.ModeDelta)
	assert.NoError(t, err)
}

func TestEndRunRecordsArchiveCount(t *testing.T) {
	ctx := context.Background()
	l := newTestLoader(t)

	runID, err := l.StartRun(ctx, loader.ModeDelta)
	require.NoError(t, err)

	stage(t, l, docA1)
	archives := []loader.ProcessedArchive{
		{Name: "a.zip", Checksum: "01"},
		{Name: "b.zip", Checksum: "02"},
	}
	require.NoError(t, l.MergeFromStaging(ctx, loader.ModeDelta, archives))
	require.NoError(t, l.EndRun(ctx, runID, loader.StatusSuccess, 3, ""))

	var status string
	var archivesProcessed, recordsLoaded int64
	require.NoError(t, l.db.QueryRow(`
		SELECT status, archives_processed, records_loaded
		FROM etl_load_history WHERE run_id = ?`, runID).
		Scan(&status, &archivesProcessed, &recordsLoaded))
	assert.Equal(t, "SUCCESS", status)
	assert.Equal(t, int64(2), archivesProcessed)
	assert.Equal(t, int64(3), recordsLoaded)
}

func TestRecoverStaleRuns(t *testing.T) {
	ctx := context.Background()
	l := newTestLoader(t)

	runID, err := l.StartRun(ctx, loader.ModeFull)
	require.NoError(t, err)
	stage(t, l, docA1)

	// Backdate the open run past the threshold.
	old := time.Now().UTC().Add(-24 * time.Hour).Format(time.RFC3339)
	_, err = l.db.Exec(`UPDATE etl_load_history SET start_time = ? WHERE run_id = ?`, old, runID)
	require.NoError(t, err)

	repaired, err := l.RecoverStaleRuns(ctx, 6*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), repaired)

	var status string
	require.NoError(t, l.db.QueryRow(
		`SELECT status FROM etl_load_history WHERE run_id = ?`, runID).Scan(&status))
	assert.Equal(t, "FAILED", status)
	assert.Equal(t, int64(0), countRows(t, l, "products_staging"), "staging truncated")

	// A fresh run can start now.
	_, err = l.StartRun(ctx, loader.ModeFull)
	assert.NoError(t, err)
}

func TestRecoverStaleRunsLeavesYoungRuns(t *testing.T) {
	ctx := context.Background()
	l := newTestLoader(t)

	_, err := l.StartRun(ctx, loader.ModeFull)
	require.NoError(t, err)

	repaired, err := l.RecoverStaleRuns(ctx, 6*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, repaired)
}

func TestRecordProcessedArchiveUpserts(t *testing.T) {
	ctx := context.Background()
	l := newTestLoader(t)

	require.NoError(t, l.RecordProcessedArchive(ctx, "a.zip", "old"))
	require.NoError(t, l.RecordProcessedArchive(ctx, "a.zip", "new"))

	ledger, err := l.ProcessedArchives(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a.zip": "new"}, ledger)
}

func TestBulkLoadTruncatesStagingFirst(t *testing.T) {
	l := newTestLoader(t)

	stage(t, l, docA1)
	assert.Equal(t, int64(1), countRows(t, l, "products_staging"))

	stage(t, l, docA2)
	assert.Equal(t, int64(1), countRows(t, l, "products_staging"),
		"second staging load does not accumulate")
}

func TestBindRecord(t *testing.T) {
	kinds := []types.ColumnKind{types.KindString, types.KindInt64, types.KindBool, types.KindDate}

	args, err := bindRecord(kinds, []string{`\N`, "42", "t", "2024-01-15"})
	require.NoError(t, err)
	assert.Nil(t, args[0])
	assert.Equal(t, int64(42), args[1])
	assert.Equal(t, 1, args[2])
	assert.Equal(t, "2024-01-15", args[3])

	_, err = bindRecord(kinds, []string{"x", "notanint", "t", ""})
	assert.Error(t, err)

	_, err = bindRecord(kinds, []string{"too", "few"})
	assert.Error(t, err)
}

func TestBindRecordUnguardsLiteralSentinelValue(t *testing.T) {
	kinds := []types.ColumnKind{types.KindString, types.KindString}

	args, err := bindRecord(kinds, []string{`\\N`, `\N`})
	require.NoError(t, err)
	assert.Equal(t, `\N`, args[0], "the guarded value binds as data")
	assert.Nil(t, args[1], "the bare sentinel stays NULL")
}

func TestPragmaDSN(t *testing.T) {
	assert.Equal(t,
		"spl.db?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
		pragmaDSN("spl.db"))

	withQuery := pragmaDSN("file:spl.db?cache=shared")
	assert.Contains(t, withQuery, "file:spl.db?cache=shared&_pragma=foreign_keys(1)")
}

func TestForeignKeysSurviveConnectionRecycling(t *testing.T) {
	l := newTestLoader(t)

	// Force the pool to discard and reopen its single connection; the DSN
	// pragma must put foreign_keys back on for the replacement.
	l.db.SetConnMaxLifetime(time.Nanosecond)
	time.Sleep(time.Millisecond)

	var fk int
	require.NoError(t, l.db.QueryRow(`PRAGMA foreign_keys`).Scan(&fk))
	assert.Equal(t, 1, fk)
}

type codedError struct{ code int }

func (e *codedError) Error() string { return "sqlite error" }
func (e *codedError) Code() int     { return e.code }

func TestIsTransientClassifiesErrors(t *testing.T) {
	assert.True(t, isTransient(&codedError{code: 5}), "SQLITE_BUSY")
	assert.True(t, isTransient(&codedError{code: 6}), "SQLITE_LOCKED")
	assert.True(t, isTransient(&codedError{code: 261}), "SQLITE_BUSY_SNAPSHOT")
	assert.False(t, isTransient(&codedError{code: 19}), "constraint violations are permanent")
	assert.False(t, isTransient(context.Canceled))
	assert.False(t, isTransient(nil))
	assert.False(t, isTransient(assert.AnError))
}
