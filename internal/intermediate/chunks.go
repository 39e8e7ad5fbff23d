package intermediate

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/parquet-go/parquet-go"

	"github.com/gowthamrao/spl-load/pkg/types"
)

// ChunkFile identifies one intermediate file in a run's staging directory.
type ChunkFile struct {
	Table string
	Path  string
	Ext   string // "csv" or "parquet"
}

// ListChunks enumerates the chunk files under dir, ordered by table (in
// dependency order) and then by chunk index.
func ListChunks(dir string) ([]ChunkFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	order := make(map[string]int, len(types.DataTables))
	for i, t := range types.DataTables {
		order[t] = i
	}

	var chunks []ChunkFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		parts := strings.Split(name, ".")
		if len(parts) != 3 {
			continue
		}
		table, ext := parts[0], parts[2]
		if _, known := order[table]; !known {
			continue
		}
		if ext != "csv" && ext != "parquet" {
			continue
		}
		chunks = append(chunks, ChunkFile{Table: table, Path: filepath.Join(dir, name), Ext: ext})
	}

	sort.Slice(chunks, func(i, j int) bool {
		if chunks[i].Table != chunks[j].Table {
			return order[chunks[i].Table] < order[chunks[j].Table]
		}
		return chunks[i].Path < chunks[j].Path
	})
	return chunks, nil
}

// ReadRecords loads one chunk back as CSV-dialect records (NULLs as \N,
// booleans as t/f, dates as ISO 8601), regardless of the on-disk format.
// Loaders without a native CSV path consume chunks through this.
func ReadRecords(cf ChunkFile) ([][]string, error) {
	switch cf.Ext {
	case "csv":
		data, err := os.ReadFile(cf.Path)
		if err != nil {
			return nil, err
		}
		return decodeRecords(data, len(types.StagingColumns[cf.Table]))
	case "parquet":
		return readParquetRecords(cf)
	default:
		return nil, fmt.Errorf("intermediate: unknown chunk extension %q", cf.Ext)
	}
}

func readParquetRecords(cf ChunkFile) ([][]string, error) {
	switch cf.Table {
	case types.TableRawDocuments:
		rows, err := parquet.ReadFile[rawDocumentParquetRow](cf.Path)
		if err != nil {
			return nil, err
		}
		out := make([][]string, len(rows))
		for i, r := range rows {
			out[i] = []string{
				r.DocumentID, r.SetID, fmt.Sprint(r.VersionNumber),
				r.EffectiveTime, fromOpt(r.RawData), escapeSentinel(r.SourceFilename),
			}
		}
		return out, nil
	case types.TableProducts:
		rows, err := parquet.ReadFile[productParquetRow](cf.Path)
		if err != nil {
			return nil, err
		}
		out := make([][]string, len(rows))
		for i, r := range rows {
			out[i] = []string{
				r.DocumentID, r.SetID, fmt.Sprint(r.VersionNumber),
				r.EffectiveTime, fromOpt(r.ProductName), fromOpt(r.ManufacturerName),
				fromOpt(r.DosageForm), fromOpt(r.RouteOfAdministration),
				renderBool(r.IsLatestVersion),
			}
		}
		return out, nil
	case types.TableProductNDCs:
		rows, err := parquet.ReadFile[productNDCParquetRow](cf.Path)
		if err != nil {
			return nil, err
		}
		out := make([][]string, len(rows))
		for i, r := range rows {
			out[i] = []string{r.DocumentID, escapeSentinel(r.NDCCode)}
		}
		return out, nil
	case types.TableIngredients:
		rows, err := parquet.ReadFile[ingredientParquetRow](cf.Path)
		if err != nil {
			return nil, err
		}
		out := make([][]string, len(rows))
		for i, r := range rows {
			out[i] = []string{
				r.DocumentID, fromOpt(r.IngredientName), fromOpt(r.SubstanceCode),
				fromOpt(r.StrengthNumerator), fromOpt(r.StrengthDenominator),
				fromOpt(r.UnitOfMeasure), renderBool(r.IsActiveIngredient),
			}
		}
		return out, nil
	case types.TablePackaging:
		rows, err := parquet.ReadFile[packagingParquetRow](cf.Path)
		if err != nil {
			return nil, err
		}
		out := make([][]string, len(rows))
		for i, r := range rows {
			out[i] = []string{
				r.DocumentID, fromOpt(r.PackageNDC),
				fromOpt(r.PackageDescription), fromOpt(r.PackageType),
			}
		}
		return out, nil
	case types.TableMarketingStatus:
		rows, err := parquet.ReadFile[marketingStatusParquetRow](cf.Path)
		if err != nil {
			return nil, err
		}
		out := make([][]string, len(rows))
		for i, r := range rows {
			out[i] = []string{
				r.DocumentID, fromOpt(r.MarketingCategory),
				fromOpt(r.StartDate), fromOpt(r.EndDate),
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("intermediate: no parquet mapping for table %q", cf.Table)
	}
}

func fromOpt(s *string) string {
	if s == nil {
		return NullSentinel
	}
	return escapeSentinel(*s)
}
