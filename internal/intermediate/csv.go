package intermediate

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gowthamrao/spl-load/pkg/types"
)

// The CSV dialect from the contract: comma delimiter, double-quote with
// doubling, LF line endings, UTF-8 without BOM, \N null sentinel, t/f
// booleans, ISO dates. Real newlines are permitted inside quoted fields.
//
// The codec is hand-rolled because the dialect distinguishes the unquoted
// NULL sentinel from a quoted "\N" data value, a distinction encoding/csv
// can neither write (it never force-quotes) nor report back when reading.

// EncodeRecord appends one record to buf. NULL is the bare unquoted
// sentinel; a field carrying a guard backslash is written quoted without
// it, which COPY and the decoder read as data rather than NULL.
func EncodeRecord(buf *bytes.Buffer, record []string) {
	for i, field := range record {
		if i > 0 {
			buf.WriteByte(',')
		}
		switch {
		case field == NullSentinel:
			buf.WriteString(field)
		case nullLike.MatchString(field):
			buf.WriteByte('"')
			buf.WriteString(field[1:])
			buf.WriteByte('"')
		case strings.ContainsAny(field, ",\"\r\n"):
			buf.WriteByte('"')
			buf.WriteString(strings.ReplaceAll(field, `"`, `""`))
			buf.WriteByte('"')
		default:
			buf.WriteString(field)
		}
	}
	buf.WriteByte('\n')
}

// decodeRecords parses chunk CSV produced by EncodeRecord, preserving the
// NULL distinction: an unquoted \N stays the sentinel, a quoted null-like
// value gets its guard backslash back.
func decodeRecords(data []byte, want int) ([][]string, error) {
	var records [][]string
	pos := 0
	for pos < len(data) {
		fields := make([]string, 0, want)
		for {
			field, quoted, next, err := scanField(data, pos)
			if err != nil {
				return nil, err
			}
			if quoted && nullLike.MatchString(field) {
				field = `\` + field
			}
			fields = append(fields, field)
			pos = next
			if pos >= len(data) || data[pos] == '\n' {
				pos++
				break
			}
			pos++ // past the comma
		}
		if len(fields) != want {
			return nil, fmt.Errorf("intermediate: record has %d fields, want %d", len(fields), want)
		}
		records = append(records, fields)
	}
	return records, nil
}

// scanField reads one field starting at pos and returns its value, whether
// it was quoted, and the index of the delimiter that ended it.
func scanField(data []byte, pos int) (string, bool, int, error) {
	if pos < len(data) && data[pos] == '"' {
		var b strings.Builder
		i := pos + 1
		for i < len(data) {
			c := data[i]
			if c != '"' {
				b.WriteByte(c)
				i++
				continue
			}
			if i+1 < len(data) && data[i+1] == '"' {
				b.WriteByte('"')
				i += 2
				continue
			}
			return b.String(), true, i + 1, nil
		}
		return "", false, 0, fmt.Errorf("intermediate: unterminated quoted field at offset %d", pos)
	}
	end := pos
	for end < len(data) && data[end] != ',' && data[end] != '\n' {
		end++
	}
	return string(data[pos:end]), false, end, nil
}

// csvWriter implements Writer over the dialect encoder.
type csvWriter struct {
	dir  string
	opts Options

	mu     sync.Mutex
	tables map[string]*csvChunk
	stats  Stats
	buf    bytes.Buffer
	closed bool
}

// csvChunk is one open chunk file for one table.
type csvChunk struct {
	index int
	rows  int
	bytes int64
	file  *os.File
}

func newCSVWriter(dir string, opts Options) *csvWriter {
	return &csvWriter{
		dir:    dir,
		opts:   opts,
		tables: make(map[string]*csvChunk),
		stats:  make(Stats),
	}
}

func (cw *csvWriter) Append(b *types.RowBatches) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.closed {
		return &types.WriterError{Err: os.ErrClosed}
	}

	return records(b, func(table string, record []string) error {
		if err := cw.writeRecord(table, record); err != nil {
			// Drop the partial chunk so no truncated file reaches a loader;
			// earlier finalized chunks stay for inspection.
			cw.discardCurrent(table)
			return &types.WriterError{Table: table, Err: err}
		}
		return nil
	})
}

func (cw *csvWriter) writeRecord(table string, record []string) error {
	c := cw.tables[table]
	if c == nil {
		var err error
		if c, err = cw.openChunk(table, 0); err != nil {
			return err
		}
		cw.tables[table] = c
	}

	cw.buf.Reset()
	EncodeRecord(&cw.buf, record)
	n, err := c.file.Write(cw.buf.Bytes())
	c.bytes += int64(n)
	if err != nil {
		return err
	}

	c.rows++
	cw.stats[table]++

	if c.rows >= cw.opts.ChunkSize || c.bytes >= cw.opts.ChunkBytes {
		if err := c.file.Close(); err != nil {
			return err
		}
		next, err := cw.openChunk(table, c.index+1)
		if err != nil {
			return err
		}
		cw.tables[table] = next
	}
	return nil
}

func (cw *csvWriter) openChunk(table string, index int) (*csvChunk, error) {
	path := filepath.Join(cw.dir, chunkName(table, index, "csv"))
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &csvChunk{index: index, file: f}, nil
}

// discardCurrent removes the in-progress chunk of table after a failure.
func (cw *csvWriter) discardCurrent(table string) {
	c := cw.tables[table]
	if c == nil {
		return
	}
	name := c.file.Name()
	_ = c.file.Close()
	_ = os.Remove(name)
	delete(cw.tables, table)
}

func (cw *csvWriter) Close() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.closed {
		return nil
	}
	cw.closed = true

	var firstErr error
	for table, c := range cw.tables {
		if err := c.file.Close(); err != nil && firstErr == nil {
			firstErr = &types.WriterError{Table: table, Err: err}
		}
	}
	cw.tables = nil
	return firstErr
}

func (cw *csvWriter) Stats() Stats {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	out := make(Stats, len(cw.stats))
	for k, v := range cw.stats {
		out[k] = v
	}
	return out
}
