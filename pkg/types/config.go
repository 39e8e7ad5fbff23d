package types

import (
	"errors"
	"time"
)

// Intermediate file formats accepted by Config.IntermediateFormat.
const (
	FormatCSV     = "csv"
	FormatParquet = "parquet"
)

// Config validation errors. Configuration problems fail fast, before any
// I/O, with exit code 1.
var (
	ErrAdapterEmpty       = errors.New("db adapter must not be empty")
	ErrFormatUnknown      = errors.New("intermediate format must be csv or parquet")
	ErrChunkSizeInvalid   = errors.New("chunk size must be positive")
	ErrChunkBytesInvalid  = errors.New("chunk bytes must be positive")
	ErrWorkerCountInvalid = errors.New("worker count must be positive")
	ErrBatchSizeInvalid   = errors.New("delta batch archives must be positive")
)

// DBConfig selects and parameterizes a loader implementation. When DSN is
// set it wins over the discrete connection fields.
type DBConfig struct {
	Adapter  string `mapstructure:"adapter"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DSN      string `mapstructure:"dsn"`

	// OptimizeFullLoad enables dropping and recreating indexes and foreign
	// keys around a FULL merge.
	OptimizeFullLoad bool `mapstructure:"optimize_full_load"`
}

// DeltaConfig tunes incremental runs.
type DeltaConfig struct {
	// BatchArchives groups this many archives into one staging/merge cycle.
	BatchArchives int `mapstructure:"batch_archives"`
}

// Config is the full application configuration. All keys are overridable by
// environment variables with the SPL_ prefix (dots become underscores).
type Config struct {
	DB    DBConfig    `mapstructure:"db"`
	Delta DeltaConfig `mapstructure:"delta"`

	SourceURL      string `mapstructure:"source_url"`
	DownloadPath   string `mapstructure:"download_path"`
	ScratchRoot    string `mapstructure:"scratch_root"`
	QuarantinePath string `mapstructure:"quarantine_path"`

	IntermediateFormat string `mapstructure:"intermediate_format"`
	ChunkSize          int    `mapstructure:"chunk_size"`
	ChunkBytes         int64  `mapstructure:"chunk_bytes"`
	WorkerCount        int    `mapstructure:"worker_count"`

	// StaleRunAfter is the age past which an open RUNNING history row is
	// considered crashed and flipped to FAILED at startup.
	StaleRunAfter time.Duration `mapstructure:"stale_run_after"`
}

// DefaultConfig returns a Config with every tunable at its documented
// default. WorkerCount zero means "one per CPU"; the pipeline resolves it.
func DefaultConfig() Config {
	return Config{
		DB: DBConfig{
			Adapter:          "postgres",
			Host:             "localhost",
			Port:             5432,
			Name:             "spl_data",
			User:             "postgres",
			OptimizeFullLoad: true,
		},
		Delta:              DeltaConfig{BatchArchives: 1},
		SourceURL:          "https://dailymed.nlm.nih.gov/dailymed/spl-resources-all-drug-labels.cfm",
		DownloadPath:       "data/downloads",
		ScratchRoot:        "data/scratch",
		IntermediateFormat: FormatCSV,
		ChunkSize:          50_000,
		ChunkBytes:         256 << 20,
		StaleRunAfter:      6 * time.Hour,
	}
}

// Validate checks that the Config is well-formed, returning a sentinel error
// on the first violation.
func (c Config) Validate() error {
	if c.DB.Adapter == "" {
		return ErrAdapterEmpty
	}
	if c.IntermediateFormat != FormatCSV && c.IntermediateFormat != FormatParquet {
		return ErrFormatUnknown
	}
	if c.ChunkSize <= 0 {
		return ErrChunkSizeInvalid
	}
	if c.ChunkBytes <= 0 {
		return ErrChunkBytesInvalid
	}
	if c.WorkerCount < 0 {
		return ErrWorkerCountInvalid
	}
	if c.Delta.BatchArchives <= 0 {
		return ErrBatchSizeInvalid
	}
	return nil
}
