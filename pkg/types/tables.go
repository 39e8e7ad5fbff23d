package types

// Warehouse table names. The staging twin of a data table is the name with
// StagingSuffix appended.
const (
	TableRawDocuments    = "spl_raw_documents"
	TableProducts        = "products"
	TableProductNDCs     = "product_ndcs"
	TableIngredients     = "ingredients"
	TablePackaging       = "packaging"
	TableMarketingStatus = "marketing_status"

	TableLoadHistory       = "etl_load_history"
	TableProcessedArchives = "etl_processed_archives"

	StagingSuffix = "_staging"
)

// DataTables lists the six data tables in dependency order: parents before
// children. Truncation walks it in reverse.
var DataTables = []string{
	TableRawDocuments,
	TableProducts,
	TableProductNDCs,
	TableIngredients,
	TablePackaging,
	TableMarketingStatus,
}

// ChildTables lists the tables whose rows reference products.document_id.
var ChildTables = []string{
	TableProductNDCs,
	TableIngredients,
	TablePackaging,
	TableMarketingStatus,
}

// ColumnKind is the declared type of an intermediate-file column.
type ColumnKind int

const (
	KindString ColumnKind = iota
	KindInt64
	KindDate
	KindBool
	KindJSON // JSON document carried as a string
)

// StagingColumnKinds mirrors StagingColumns with the declared kind of each
// column.
var StagingColumnKinds = map[string][]ColumnKind{
	TableRawDocuments: {
		KindString, KindString, KindInt64, KindDate, KindJSON, KindString,
	},
	TableProducts: {
		KindString, KindString, KindInt64, KindDate, KindString, KindString,
		KindString, KindString, KindBool,
	},
	TableProductNDCs: {KindString, KindString},
	TableIngredients: {
		KindString, KindString, KindString, KindString, KindString,
		KindString, KindBool,
	},
	TablePackaging: {KindString, KindString, KindString, KindString},
	TableMarketingStatus: {KindString, KindString, KindDate, KindDate},
}

// StagingColumns gives the column order of each staging table, which is also
// the field order of the intermediate files. Surrogate keys and loaded_at
// are absent: the database assigns surrogates and the loader stamps
// loaded_at with the run timestamp at merge.
var StagingColumns = map[string][]string{
	TableRawDocuments: {
		"document_id", "set_id", "version_number", "effective_time",
		"raw_data", "source_filename",
	},
	TableProducts: {
		"document_id", "set_id", "version_number", "effective_time",
		"product_name", "manufacturer_name", "dosage_form",
		"route_of_administration", "is_latest_version",
	},
	TableProductNDCs: {"document_id", "ndc_code"},
	TableIngredients: {
		"document_id", "ingredient_name", "substance_code",
		"strength_numerator", "strength_denominator", "unit_of_measure",
		"is_active_ingredient",
	},
	TablePackaging: {
		"document_id", "package_ndc", "package_description", "package_type",
	},
	TableMarketingStatus: {
		"document_id", "marketing_category", "start_date", "end_date",
	},
}
