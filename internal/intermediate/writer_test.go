// Unit tests for the chunked intermediate writers and the chunk reader used
// by loaders without a native CSV path.
package intermediate

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gowthamrao/spl-load/pkg/types"
)

func sampleBatches(docID string) *types.RowBatches {
	effective := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	return &types.RowBatches{
		RawDocuments: []types.RawDocumentRow{{
			DocumentID:     docID,
			SetID:          "1f2e3d4c-5b6a-4788-9900-aabbccddeeff",
			VersionNumber:  3,
			EffectiveTime:  effective,
			RawData:        `{"@name":"document"}`,
			SourceFilename: "sample.xml",
		}},
		Products: []types.ProductRow{{
			DocumentID:    docID,
			SetID:         "1f2e3d4c-5b6a-4788-9900-aabbccddeeff",
			VersionNumber: 3,
			EffectiveTime: effective,
			ProductName:   "Metoprolol, \"XL\"",
		}},
		ProductNDCs: []types.ProductNDCRow{{DocumentID: docID, NDCCode: "0002-1433"}},
		Ingredients: []types.IngredientRow{{
			DocumentID:         docID,
			IngredientName:     "METOPROLOL",
			IsActiveIngredient: true,
		}},
		MarketingStatus: []types.MarketingStatusRow{{
			DocumentID:        docID,
			MarketingCategory: "active",
			StartDate:         time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
			// EndDate zero: rendered as NULL.
		}},
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	_, err := New("avro", t.TempDir(), Options{})
	assert.ErrorIs(t, err, types.ErrFormatUnknown)
}

func TestCSVWriterRendersDialect(t *testing.T) {
	dir := t.TempDir()
	w, err := New(types.FormatCSV, dir, Options{})
	require.NoError(t, err)

	require.NoError(t, w.Append(sampleBatches("a7d0a9c0-89ba-41f6-93af-61a7f2b3c4d5")))
	require.NoError(t, w.Close())

	products, err := os.ReadFile(filepath.Join(dir, "products.0000.csv"))
	require.NoError(t, err)
	line := string(products)
	assert.Contains(t, line, `"Metoprolol, ""XL"""`, "quotes double inside quoted fields")
	assert.Contains(t, line, `\N`, "optional empty columns render as the null sentinel")
	assert.Contains(t, line, ",f\n", "booleans render as t/f")

	marketing, err := os.ReadFile(filepath.Join(dir, "marketing_status.0000.csv"))
	require.NoError(t, err)
	assert.Contains(t, string(marketing), "2020-01-01", "dates render ISO 8601")
	assert.Contains(t, string(marketing), `\N`, "zero end date renders as NULL")
}

func TestCSVWriterChunkRollover(t *testing.T) {
	dir := t.TempDir()
	w, err := New(types.FormatCSV, dir, Options{ChunkSize: 2})
	require.NoError(t, err)

	ids := []string{
		"11111111-1111-4111-8111-111111111111",
		"22222222-2222-4222-8222-222222222222",
		"33333333-3333-4333-8333-333333333333",
	}
	for _, id := range ids {
		require.NoError(t, w.Append(sampleBatches(id)))
	}
	require.NoError(t, w.Close())

	matches, err := filepath.Glob(filepath.Join(dir, "products.*.csv"))
	require.NoError(t, err)
	assert.Len(t, matches, 2, "three rows at chunk size two give two chunks")

	assert.Equal(t, int64(3), w.Stats()[types.TableProducts])
	assert.Equal(t, int64(15), w.Stats().Total())
}

func TestWriterStatsCountPerTable(t *testing.T) {
	w, err := New(types.FormatCSV, t.TempDir(), Options{})
	require.NoError(t, err)
	require.NoError(t, w.Append(sampleBatches("a7d0a9c0-89ba-41f6-93af-61a7f2b3c4d5")))
	require.NoError(t, w.Close())

	stats := w.Stats()
	assert.Equal(t, int64(1), stats[types.TableRawDocuments])
	assert.Equal(t, int64(1), stats[types.TableIngredients])
	assert.Zero(t, stats[types.TablePackaging])
}

func TestListChunksOrdersByTableThenIndex(t *testing.T) {
	dir := t.TempDir()
	w, err := New(types.FormatCSV, dir, Options{ChunkSize: 1})
	require.NoError(t, err)
	require.NoError(t, w.Append(sampleBatches("11111111-1111-4111-8111-111111111111")))
	require.NoError(t, w.Append(sampleBatches("22222222-2222-4222-8222-222222222222")))
	require.NoError(t, w.Close())

	// Clutter that must be ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	chunks, err := ListChunks(dir)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	assert.Equal(t, types.TableRawDocuments, chunks[0].Table, "parents come before children")
	for i := 1; i < len(chunks); i++ {
		if chunks[i].Table == chunks[i-1].Table {
			assert.Less(t, chunks[i-1].Path, chunks[i].Path)
		}
	}
}

func TestReadRecordsCSV(t *testing.T) {
	dir := t.TempDir()
	w, err := New(types.FormatCSV, dir, Options{})
	require.NoError(t, err)
	require.NoError(t, w.Append(sampleBatches("a7d0a9c0-89ba-41f6-93af-61a7f2b3c4d5")))
	require.NoError(t, w.Close())

	chunks, err := ListChunks(dir)
	require.NoError(t, err)
	for _, cf := range chunks {
		records, err := ReadRecords(cf)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Len(t, records[0], len(types.StagingColumns[cf.Table]))
	}
}

func TestParquetRoundTripMatchesCSVDialect(t *testing.T) {
	docID := "a7d0a9c0-89ba-41f6-93af-61a7f2b3c4d5"

	csvDir := t.TempDir()
	cw, err := New(types.FormatCSV, csvDir, Options{})
	require.NoError(t, err)
	require.NoError(t, cw.Append(sampleBatches(docID)))
	require.NoError(t, cw.Close())

	pqDir := t.TempDir()
	pw, err := New(types.FormatParquet, pqDir, Options{})
	require.NoError(t, err)
	require.NoError(t, pw.Append(sampleBatches(docID)))
	require.NoError(t, pw.Close())

	csvChunks, err := ListChunks(csvDir)
	require.NoError(t, err)
	pqChunks, err := ListChunks(pqDir)
	require.NoError(t, err)
	require.Equal(t, len(csvChunks), len(pqChunks))

	for i := range csvChunks {
		want, err := ReadRecords(csvChunks[i])
		require.NoError(t, err)
		got, err := ReadRecords(pqChunks[i])
		require.NoError(t, err)
		assert.Equal(t, want, got, "table %s", csvChunks[i].Table)
	}
}

func TestLiteralSentinelValueSurvivesRoundTrip(t *testing.T) {
	docID := "a7d0a9c0-89ba-41f6-93af-61a7f2b3c4d5"
	batches := &types.RowBatches{
		Products: []types.ProductRow{{
			DocumentID:    docID,
			SetID:         "1f2e3d4c-5b6a-4788-9900-aabbccddeeff",
			VersionNumber: 1,
			EffectiveTime: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
			ProductName:   `\N`,
		}},
	}

	for _, format := range []string{types.FormatCSV, types.FormatParquet} {
		t.Run(format, func(t *testing.T) {
			dir := t.TempDir()
			w, err := New(format, dir, Options{})
			require.NoError(t, err)
			require.NoError(t, w.Append(batches))
			require.NoError(t, w.Close())

			if format == types.FormatCSV {
				data, err := os.ReadFile(filepath.Join(dir, "products.0000.csv"))
				require.NoError(t, err)
				assert.Contains(t, string(data), `,"\N",`,
					"the literal value is quoted on disk, unlike the bare NULL sentinel")
			}

			chunks, err := ListChunks(dir)
			require.NoError(t, err)
			require.Len(t, chunks, 1)
			records, err := ReadRecords(chunks[0])
			require.NoError(t, err)
			require.Len(t, records, 1)

			name := records[0][4]
			assert.Equal(t, `\\N`, name, "the in-record form carries the guard backslash")
			assert.Equal(t, `\N`, FieldValue(name))
			assert.Equal(t, `\N`, records[0][6], "absent columns stay NULL")
		})
	}
}

func TestFieldValueStripsGuardOnly(t *testing.T) {
	assert.Equal(t, `\N`, FieldValue(`\\N`))
	assert.Equal(t, `\\N`, FieldValue(`\\\N`))
	assert.Equal(t, NullSentinel, FieldValue(NullSentinel), "the sentinel itself is untouched")
	assert.Equal(t, "plain", FieldValue("plain"))
	assert.Equal(t, `\Nope`, FieldValue(`\Nope`), "only exact null-like values carry a guard")
}

func TestAppendAfterCloseFails(t *testing.T) {
	w, err := New(types.FormatCSV, t.TempDir(), Options{})
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.Error(t, w.Append(sampleBatches("a7d0a9c0-89ba-41f6-93af-61a7f2b3c4d5")))
}
