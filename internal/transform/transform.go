// Package transform normalizes a ParsedDocument into typed row batches: one
// row per table occurrence for the standard representation, plus one
// spl_raw_documents row carrying the serialized canonical JSON payload.
package transform

import (
	"encoding/json"
	"fmt"

	"github.com/gowthamrao/spl-load/pkg/types"
)

// Transform converts one parsed document into row batches. It is a pure
// function of its input and performs no I/O. Surrogate keys and loaded_at
// are absent from the rows; the database and the loader assign them.
func Transform(doc *types.ParsedDocument) (*types.RowBatches, error) {
	rawJSON := ""
	if doc.RawPayload != nil {
		b, err := json.Marshal(doc.RawPayload)
		if err != nil {
			return nil, fmt.Errorf("serialize payload for %s: %w", doc.DocumentID, err)
		}
		rawJSON = string(b)
	}

	batches := &types.RowBatches{
		RawDocuments: []types.RawDocumentRow{{
			DocumentID:     doc.DocumentID,
			SetID:          doc.SetID,
			VersionNumber:  doc.VersionNumber,
			EffectiveTime:  doc.EffectiveTime,
			RawData:        rawJSON,
			SourceFilename: doc.SourceFilename,
		}},
		Products: []types.ProductRow{{
			DocumentID:            doc.DocumentID,
			SetID:                 doc.SetID,
			VersionNumber:         doc.VersionNumber,
			EffectiveTime:         doc.EffectiveTime,
			ProductName:           doc.ProductName,
			ManufacturerName:      doc.ManufacturerName,
			DosageForm:            doc.DosageForm,
			RouteOfAdministration: doc.RouteOfAdministration,
			// The merge recomputes this flag set-based for every affected
			// set_id; rows are staged with it unset.
			IsLatestVersion: false,
		}},
	}

	for _, ndc := range doc.NDCs {
		if ndc == "" {
			continue
		}
		batches.ProductNDCs = append(batches.ProductNDCs, types.ProductNDCRow{
			DocumentID: doc.DocumentID,
			NDCCode:    ndc,
		})
	}

	for _, ing := range doc.Ingredients {
		batches.Ingredients = append(batches.Ingredients, types.IngredientRow{
			DocumentID:          doc.DocumentID,
			IngredientName:      ing.Name,
			SubstanceCode:       ing.SubstanceCode,
			StrengthNumerator:   ing.StrengthNumerator,
			StrengthDenominator: ing.StrengthDenominator,
			UnitOfMeasure:       ing.UnitOfMeasure,
			IsActiveIngredient:  ing.IsActive,
		})
	}

	for _, pkg := range doc.Packaging {
		batches.Packaging = append(batches.Packaging, types.PackagingRow{
			DocumentID:         doc.DocumentID,
			PackageNDC:         pkg.PackageNDC,
			PackageDescription: pkg.PackageDescription,
			PackageType:        pkg.PackageType,
		})
	}

	for _, ms := range doc.MarketingStatus {
		batches.MarketingStatus = append(batches.MarketingStatus, types.MarketingStatusRow{
			DocumentID:        doc.DocumentID,
			MarketingCategory: ms.MarketingCategory,
			StartDate:         ms.StartDate,
			EndDate:           ms.EndDate,
		})
	}

	return batches, nil
}
