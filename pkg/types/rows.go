package types

import "time"

// RowBatches is the output of one Transform call: typed rows grouped by
// destination table. Optional text columns use "" for NULL (extraction trims
// whitespace and collapses empty strings already); optional dates use the
// zero time for NULL.
type RowBatches struct {
	RawDocuments    []RawDocumentRow
	Products        []ProductRow
	ProductNDCs     []ProductNDCRow
	Ingredients     []IngredientRow
	Packaging       []PackagingRow
	MarketingStatus []MarketingStatusRow
}

// Len returns the total number of rows across all tables.
func (b *RowBatches) Len() int {
	return len(b.RawDocuments) + len(b.Products) + len(b.ProductNDCs) +
		len(b.Ingredients) + len(b.Packaging) + len(b.MarketingStatus)
}

// Merge appends all rows of o to b.
func (b *RowBatches) Merge(o *RowBatches) {
	b.RawDocuments = append(b.RawDocuments, o.RawDocuments...)
	b.Products = append(b.Products, o.Products...)
	b.ProductNDCs = append(b.ProductNDCs, o.ProductNDCs...)
	b.Ingredients = append(b.Ingredients, o.Ingredients...)
	b.Packaging = append(b.Packaging, o.Packaging...)
	b.MarketingStatus = append(b.MarketingStatus, o.MarketingStatus...)
}

// RawDocumentRow is one row of spl_raw_documents: the full representation.
// RawData is the canonical JSON payload; "" when payload construction was
// skipped for the document.
type RawDocumentRow struct {
	DocumentID     string
	SetID          string
	VersionNumber  int
	EffectiveTime  time.Time
	RawData        string
	SourceFilename string
}

// ProductRow is one row of products: the standard representation header.
// IsLatestVersion is written false; the merge recomputes it set-based.
type ProductRow struct {
	DocumentID            string
	SetID                 string
	VersionNumber         int
	EffectiveTime         time.Time
	ProductName           string
	ManufacturerName      string
	DosageForm            string
	RouteOfAdministration string
	IsLatestVersion       bool
}

// ProductNDCRow is one row of product_ndcs.
type ProductNDCRow struct {
	DocumentID string
	NDCCode    string
}

// IngredientRow is one row of ingredients.
type IngredientRow struct {
	DocumentID          string
	IngredientName      string
	SubstanceCode       string
	StrengthNumerator   string
	StrengthDenominator string
	UnitOfMeasure       string
	IsActiveIngredient  bool
}

// PackagingRow is one row of packaging.
type PackagingRow struct {
	DocumentID         string
	PackageNDC         string
	PackageDescription string
	PackageType        string
}

// MarketingStatusRow is one row of marketing_status.
type MarketingStatusRow struct {
	DocumentID        string
	MarketingCategory string
	StartDate         time.Time
	EndDate           time.Time
}
