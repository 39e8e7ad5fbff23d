// Package intermediate writes row batches to per-table chunked files, the
// wire format between the ETL stages and the loaders. Two dialects exist:
// CSV tuned for PostgreSQL COPY, and Parquet for columnar targets. Chunks
// roll over at a row-count or byte-size threshold so no single file grows
// unbounded.
package intermediate

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/gowthamrao/spl-load/pkg/types"
)

// Default chunk thresholds.
const (
	DefaultChunkSize  = 50_000
	DefaultChunkBytes = 256 << 20
)

// NullSentinel marks SQL NULL in the CSV dialect, matching PostgreSQL's
// COPY convention.
const NullSentinel = `\N`

// Stats counts rows written per table.
type Stats map[string]int64

// Total sums row counts across tables.
func (s Stats) Total() int64 {
	var n int64
	for _, c := range s {
		n += c
	}
	return n
}

// Writer appends row batches to chunked files under a run-scoped directory.
// Append is safe for concurrent use; a single Append call is atomic with
// respect to other appends, which gives per-document ordering when callers
// append one document's batches at a time.
type Writer interface {
	Append(b *types.RowBatches) error
	// Close finalizes every open chunk. The writer is unusable afterwards.
	Close() error
	Stats() Stats
}

// Options tunes chunk rollover.
type Options struct {
	ChunkSize  int
	ChunkBytes int64
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.ChunkBytes <= 0 {
		o.ChunkBytes = DefaultChunkBytes
	}
	return o
}

// New returns a Writer for the given intermediate format writing under dir.
func New(format, dir string, opts Options) (Writer, error) {
	switch format {
	case types.FormatCSV:
		return newCSVWriter(dir, opts.withDefaults()), nil
	case types.FormatParquet:
		return newParquetWriter(dir, opts.withDefaults()), nil
	default:
		return nil, fmt.Errorf("intermediate: %w: %q", types.ErrFormatUnknown, format)
	}
}

// chunkName builds the file name of chunk index for table: <table>.<NNNN>.<ext>.
func chunkName(table string, index int, ext string) string {
	return fmt.Sprintf("%s.%04d.%s", table, index, ext)
}

// Field rendering shared by both dialects' string-typed surfaces.

// nullLike matches the values that are ambiguous with the NULL sentinel on
// the wire: \N itself and every \...\N shadow of it.
var nullLike = regexp.MustCompile(`^\\+N$`)

// escapeSentinel guards a genuine value that collides with the NULL
// sentinel by adding one backslash. FieldValue removes it again.
func escapeSentinel(s string) string {
	if nullLike.MatchString(s) {
		return `\` + s
	}
	return s
}

// FieldValue returns the data value of a non-NULL record field, stripping
// the guard backslash from sentinel-colliding values.
func FieldValue(field string) string {
	if field != NullSentinel && nullLike.MatchString(field) {
		return field[1:]
	}
	return field
}

// renderString maps "" to NULL for optional text columns.
func renderString(s string) string {
	if s == "" {
		return NullSentinel
	}
	return escapeSentinel(s)
}

// renderBool writes booleans as t/f.
func renderBool(b bool) string {
	if b {
		return "t"
	}
	return "f"
}

// renderDate writes dates as ISO 8601, the zero time as NULL.
func renderDate(t time.Time) string {
	if t.IsZero() {
		return NullSentinel
	}
	return t.Format("2006-01-02")
}

func renderInt(n int) string { return strconv.Itoa(n) }

// records flattens batches into (table, CSV-dialect record) pairs in table
// dependency order.
func records(b *types.RowBatches, visit func(table string, record []string) error) error {
	for _, r := range b.RawDocuments {
		rec := []string{
			r.DocumentID, r.SetID, renderInt(r.VersionNumber),
			renderDate(r.EffectiveTime), renderString(r.RawData), escapeSentinel(r.SourceFilename),
		}
		if err := visit(types.TableRawDocuments, rec); err != nil {
			return err
		}
	}
	for _, r := range b.Products {
		rec := []string{
			r.DocumentID, r.SetID, renderInt(r.VersionNumber),
			renderDate(r.EffectiveTime), renderString(r.ProductName),
			renderString(r.ManufacturerName), renderString(r.DosageForm),
			renderString(r.RouteOfAdministration), renderBool(r.IsLatestVersion),
		}
		if err := visit(types.TableProducts, rec); err != nil {
			return err
		}
	}
	for _, r := range b.ProductNDCs {
		rec := []string{r.DocumentID, escapeSentinel(r.NDCCode)}
		if err := visit(types.TableProductNDCs, rec); err != nil {
			return err
		}
	}
	for _, r := range b.Ingredients {
		rec := []string{
			r.DocumentID, renderString(r.IngredientName),
			renderString(r.SubstanceCode), renderString(r.StrengthNumerator),
			renderString(r.StrengthDenominator), renderString(r.UnitOfMeasure),
			renderBool(r.IsActiveIngredient),
		}
		if err := visit(types.TableIngredients, rec); err != nil {
			return err
		}
	}
	for _, r := range b.Packaging {
		rec := []string{
			r.DocumentID, renderString(r.PackageNDC),
			renderString(r.PackageDescription), renderString(r.PackageType),
		}
		if err := visit(types.TablePackaging, rec); err != nil {
			return err
		}
	}
	for _, r := range b.MarketingStatus {
		rec := []string{
			r.DocumentID, renderString(r.MarketingCategory),
			renderDate(r.StartDate), renderDate(r.EndDate),
		}
		if err := visit(types.TableMarketingStatus, rec); err != nil {
			return err
		}
	}
	return nil
}
