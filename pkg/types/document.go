package types

import (
	"time"
)

// ParsedDocument is the in-memory record extracted from one SPL XML file.
// It exists only between parser emission and transformer consumption.
type ParsedDocument struct {
	// DocumentID and SetID are lowercase UUID strings. DocumentID is unique
	// across the corpus; SetID groups the revisions of one product lineage.
	DocumentID string
	SetID      string

	// VersionNumber is a positive integer from /document/versionNumber/@value.
	VersionNumber int

	// EffectiveTime is the document date from /document/effectiveTime/@value.
	// Source precision may be YYYYMMDD, YYYYMM (first of month) or YYYY
	// (January 1st).
	EffectiveTime time.Time

	ProductName           string
	ManufacturerName      string
	DosageForm            string
	RouteOfAdministration string

	// NDCs holds distinct product-level NDC codes in first-seen order.
	NDCs []string

	Ingredients     []Ingredient
	Packaging       []Packaging
	MarketingStatus []MarketingStatus

	// RawPayload is the canonical JSON equivalent of the source XML tree.
	RawPayload *PayloadNode

	// SourceFilename is the archive-relative path of the XML file.
	SourceFilename string
}

// Ingredient is one <ingredient> element of a manufactured product.
type Ingredient struct {
	Name                string
	SubstanceCode       string // UNII when present
	StrengthNumerator   string
	StrengthDenominator string
	UnitOfMeasure       string
	IsActive            bool
}

// Packaging is one level of a (possibly nested) container hierarchy,
// flattened depth-first.
type Packaging struct {
	PackageNDC         string
	PackageDescription string
	PackageType        string
}

// MarketingStatus is one <marketingAct> with its status code and the
// low/high bounds of its effective time. The dates are optional; the zero
// time means absent.
type MarketingStatus struct {
	MarketingCategory string
	StartDate         time.Time
	EndDate           time.Time
}
