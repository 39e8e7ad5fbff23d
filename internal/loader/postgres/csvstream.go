package postgres

import (
	"bytes"
	"io"

	"github.com/gowthamrao/spl-load/internal/intermediate"
)

// csvStream renders records into the COPY CSV dialect. The records of one
// chunk are already in memory at this point, so buffering them once more is
// the simple option. The dialect encoder leaves the bare \N sentinel
// unquoted for NULL '\N' matching and quotes a genuine \N data value.
func csvStream(records [][]string) io.Reader {
	var buf bytes.Buffer
	for _, rec := range records {
		intermediate.EncodeRecord(&buf, rec)
	}
	return &buf
}
