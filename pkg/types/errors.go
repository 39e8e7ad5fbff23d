package types

import (
	"errors"
	"fmt"
)

// ErrRunInProgress is returned by StartRun when another run already holds an
// open RUNNING row against the same target database.
var ErrRunInProgress = errors.New("another run is already in progress")

// MalformedDocumentError reports an SPL file the parser rejected: XML
// well-formedness violations, missing required fields, or a document_id
// conflict. The orchestrator quarantines the file and continues.
type MalformedDocumentError struct {
	Path   string
	Detail string
	Err    error
}

func (e *MalformedDocumentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed document %s: %s: %v", e.Path, e.Detail, e.Err)
	}
	return fmt.Sprintf("malformed document %s: %s", e.Path, e.Detail)
}

func (e *MalformedDocumentError) Unwrap() error { return e.Err }

// IsMalformed reports whether err is (or wraps) a MalformedDocumentError.
func IsMalformed(err error) bool {
	var m *MalformedDocumentError
	return errors.As(err, &m)
}

// WriterError reports a failed intermediate-file write. The current
// archive's partial chunks have been removed by the time it surfaces.
type WriterError struct {
	Table string
	Err   error
}

func (e *WriterError) Error() string {
	return fmt.Sprintf("intermediate write for %s: %v", e.Table, e.Err)
}

func (e *WriterError) Unwrap() error { return e.Err }

// StagingError reports a failed bulk ingest into staging tables. Staging is
// left truncated for retry.
type StagingError struct {
	Dir string
	Err error
}

func (e *StagingError) Error() string {
	return fmt.Sprintf("bulk load to staging from %s: %v", e.Dir, e.Err)
}

func (e *StagingError) Unwrap() error { return e.Err }

// MergeError reports a failed merge transaction. Production tables are
// unchanged: the transaction rolled back.
type MergeError struct {
	Mode string
	Err  error
}

func (e *MergeError) Error() string {
	return fmt.Sprintf("merge from staging (%s): %v", e.Mode, e.Err)
}

func (e *MergeError) Unwrap() error { return e.Err }

// IntegrityError reports a post-transform consistency violation, such as a
// mismatch between transformed and staged row counts.
type IntegrityError struct {
	Detail string
}

func (e *IntegrityError) Error() string {
	return "integrity check failed: " + e.Detail
}

// AcquisitionError reports a source fetch that failed after retries were
// exhausted.
type AcquisitionError struct {
	Archive string
	Err     error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("acquire %s: %v", e.Archive, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }
