package intermediate

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/parquet-go/parquet-go"

	"github.com/gowthamrao/spl-load/pkg/types"
)

// Parquet row shapes. The schema of every column is fixed and declared up
// front through struct tags: string, int64, bool, and dates/JSON carried as
// strings (ISO 8601 and serialized JSON respectively). Optional columns are
// pointers so NULL survives the round trip.

type rawDocumentParquetRow struct {
	DocumentID     string  `parquet:"document_id"`
	SetID          string  `parquet:"set_id"`
	VersionNumber  int64   `parquet:"version_number"`
	EffectiveTime  string  `parquet:"effective_time"`
	RawData        *string `parquet:"raw_data,optional"`
	SourceFilename string  `parquet:"source_filename"`
}

type productParquetRow struct {
	DocumentID            string  `parquet:"document_id"`
	SetID                 string  `parquet:"set_id"`
	VersionNumber         int64   `parquet:"version_number"`
	EffectiveTime         string  `parquet:"effective_time"`
	ProductName           *string `parquet:"product_name,optional"`
	ManufacturerName      *string `parquet:"manufacturer_name,optional"`
	DosageForm            *string `parquet:"dosage_form,optional"`
	RouteOfAdministration *string `parquet:"route_of_administration,optional"`
	IsLatestVersion       bool    `parquet:"is_latest_version"`
}

type productNDCParquetRow struct {
	DocumentID string `parquet:"document_id"`
	NDCCode    string `parquet:"ndc_code"`
}

type ingredientParquetRow struct {
	DocumentID          string  `parquet:"document_id"`
	IngredientName      *string `parquet:"ingredient_name,optional"`
	SubstanceCode       *string `parquet:"substance_code,optional"`
	StrengthNumerator   *string `parquet:"strength_numerator,optional"`
	StrengthDenominator *string `parquet:"strength_denominator,optional"`
	UnitOfMeasure       *string `parquet:"unit_of_measure,optional"`
	IsActiveIngredient  bool    `parquet:"is_active_ingredient"`
}

type packagingParquetRow struct {
	DocumentID         string  `parquet:"document_id"`
	PackageNDC         *string `parquet:"package_ndc,optional"`
	PackageDescription *string `parquet:"package_description,optional"`
	PackageType        *string `parquet:"package_type,optional"`
}

type marketingStatusParquetRow struct {
	DocumentID        string  `parquet:"document_id"`
	MarketingCategory *string `parquet:"marketing_category,optional"`
	StartDate         *string `parquet:"start_date,optional"`
	EndDate           *string `parquet:"end_date,optional"`
}

// pqTable buffers rows for one table and flushes a chunk file whenever the
// row or (approximate) byte threshold is reached. Each flush is one
// complete, self-describing parquet file.
type pqTable[T any] struct {
	table string
	dir   string
	opts  Options
	index int
	buf   []T
	bytes int64
}

func (t *pqTable[T]) append(row T, size int64) error {
	t.buf = append(t.buf, row)
	t.bytes += size
	if len(t.buf) >= t.opts.ChunkSize || t.bytes >= t.opts.ChunkBytes {
		return t.flush()
	}
	return nil
}

func (t *pqTable[T]) flush() error {
	if len(t.buf) == 0 {
		return nil
	}
	path := filepath.Join(t.dir, chunkName(t.table, t.index, "parquet"))
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := parquet.NewGenericWriter[T](f)
	if _, err := w.Write(t.buf); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return err
	}
	if err := w.Close(); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	t.index++
	t.buf = nil
	t.bytes = 0
	return nil
}

// parquetWriter implements Writer for the columnar dialect.
type parquetWriter struct {
	mu     sync.Mutex
	stats  Stats
	closed bool

	raw       *pqTable[rawDocumentParquetRow]
	products  *pqTable[productParquetRow]
	ndcs      *pqTable[productNDCParquetRow]
	ings      *pqTable[ingredientParquetRow]
	pkgs      *pqTable[packagingParquetRow]
	marketing *pqTable[marketingStatusParquetRow]
}

func newParquetWriter(dir string, opts Options) *parquetWriter {
	return &parquetWriter{
		stats:     make(Stats),
		raw:       &pqTable[rawDocumentParquetRow]{table: types.TableRawDocuments, dir: dir, opts: opts},
		products:  &pqTable[productParquetRow]{table: types.TableProducts, dir: dir, opts: opts},
		ndcs:      &pqTable[productNDCParquetRow]{table: types.TableProductNDCs, dir: dir, opts: opts},
		ings:      &pqTable[ingredientParquetRow]{table: types.TableIngredients, dir: dir, opts: opts},
		pkgs:      &pqTable[packagingParquetRow]{table: types.TablePackaging, dir: dir, opts: opts},
		marketing: &pqTable[marketingStatusParquetRow]{table: types.TableMarketingStatus, dir: dir, opts: opts},
	}
}

func optStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (pw *parquetWriter) Append(b *types.RowBatches) error {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	if pw.closed {
		return &types.WriterError{Err: os.ErrClosed}
	}

	for _, r := range b.RawDocuments {
		row := rawDocumentParquetRow{
			DocumentID:     r.DocumentID,
			SetID:          r.SetID,
			VersionNumber:  int64(r.VersionNumber),
			EffectiveTime:  r.EffectiveTime.Format("2006-01-02"),
			RawData:        optStr(r.RawData),
			SourceFilename: r.SourceFilename,
		}
		if err := pw.raw.append(row, int64(len(r.RawData))+128); err != nil {
			return &types.WriterError{Table: types.TableRawDocuments, Err: err}
		}
		pw.stats[types.TableRawDocuments]++
	}
	for _, r := range b.Products {
		row := productParquetRow{
			DocumentID:            r.DocumentID,
			SetID:                 r.SetID,
			VersionNumber:         int64(r.VersionNumber),
			EffectiveTime:         r.EffectiveTime.Format("2006-01-02"),
			ProductName:           optStr(r.ProductName),
			ManufacturerName:      optStr(r.ManufacturerName),
			DosageForm:            optStr(r.DosageForm),
			RouteOfAdministration: optStr(r.RouteOfAdministration),
			IsLatestVersion:       r.IsLatestVersion,
		}
		if err := pw.products.append(row, 256); err != nil {
			return &types.WriterError{Table: types.TableProducts, Err: err}
		}
		pw.stats[types.TableProducts]++
	}
	for _, r := range b.ProductNDCs {
		row := productNDCParquetRow{DocumentID: r.DocumentID, NDCCode: r.NDCCode}
		if err := pw.ndcs.append(row, 64); err != nil {
			return &types.WriterError{Table: types.TableProductNDCs, Err: err}
		}
		pw.stats[types.TableProductNDCs]++
	}
	for _, r := range b.Ingredients {
		row := ingredientParquetRow{
			DocumentID:          r.DocumentID,
			IngredientName:      optStr(r.IngredientName),
			SubstanceCode:       optStr(r.SubstanceCode),
			StrengthNumerator:   optStr(r.StrengthNumerator),
			StrengthDenominator: optStr(r.StrengthDenominator),
			UnitOfMeasure:       optStr(r.UnitOfMeasure),
			IsActiveIngredient:  r.IsActiveIngredient,
		}
		if err := pw.ings.append(row, 160); err != nil {
			return &types.WriterError{Table: types.TableIngredients, Err: err}
		}
		pw.stats[types.TableIngredients]++
	}
	for _, r := range b.Packaging {
		row := packagingParquetRow{
			DocumentID:         r.DocumentID,
			PackageNDC:         optStr(r.PackageNDC),
			PackageDescription: optStr(r.PackageDescription),
			PackageType:        optStr(r.PackageType),
		}
		if err := pw.pkgs.append(row, 128); err != nil {
			return &types.WriterError{Table: types.TablePackaging, Err: err}
		}
		pw.stats[types.TablePackaging]++
	}
	for _, r := range b.MarketingStatus {
		row := marketingStatusParquetRow{
			DocumentID:        r.DocumentID,
			MarketingCategory: optStr(r.MarketingCategory),
		}
		if !r.StartDate.IsZero() {
			row.StartDate = optStr(r.StartDate.Format("2006-01-02"))
		}
		if !r.EndDate.IsZero() {
			row.EndDate = optStr(r.EndDate.Format("2006-01-02"))
		}
		if err := pw.marketing.append(row, 96); err != nil {
			return &types.WriterError{Table: types.TableMarketingStatus, Err: err}
		}
		pw.stats[types.TableMarketingStatus]++
	}
	return nil
}

func (pw *parquetWriter) Close() error {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	if pw.closed {
		return nil
	}
	pw.closed = true

	flushes := []struct {
		table string
		fn    func() error
	}{
		{types.TableRawDocuments, pw.raw.flush},
		{types.TableProducts, pw.products.flush},
		{types.TableProductNDCs, pw.ndcs.flush},
		{types.TableIngredients, pw.ings.flush},
		{types.TablePackaging, pw.pkgs.flush},
		{types.TableMarketingStatus, pw.marketing.flush},
	}
	var firstErr error
	for _, f := range flushes {
		if err := f.fn(); err != nil && firstErr == nil {
			firstErr = &types.WriterError{Table: f.table, Err: err}
		}
	}
	return firstErr
}

func (pw *parquetWriter) Stats() Stats {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	out := make(Stats, len(pw.stats))
	for k, v := range pw.stats {
		out[k] = v
	}
	return out
}
