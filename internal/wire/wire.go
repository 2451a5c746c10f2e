// Package wire implements the upstream tab-separated wire protocol codec:
// framing a SUBSCRIBE query, parsing UPSERT/DELETE lines into Records, and
// splitting a byte stream on line boundaries across chunk boundaries.
package wire

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tycoworks/tycostream/internal/catalog"
	"github.com/tycoworks/tycostream/internal/sqltype"
)

// Op is the upstream envelope operation.
type Op int

const (
	OpUpsert Op = iota
	OpDelete
)

func (o Op) String() string {
	if o == OpDelete {
		return "DELETE"
	}
	return "UPSERT"
}

// Row is a field-name to decoded-value mapping. Rows are immutable once
// published downstream of the codec; callers that need to mutate make a
// copy first (see internal/cache).
type Row map[string]any

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Record is one parsed line: the upstream-assigned timestamp, the envelope
// operation, and the decoded row.
type Record struct {
	Timestamp uint64
	Op        Op
	Row       Row
}

// sqlNull is the literal the wire protocol uses for SQL NULL.
const sqlNull = `\N`

// BuildSubscribeQuery produces the SUBSCRIBE statement for a source.
func BuildSubscribeQuery(def *catalog.SourceDefinition) string {
	return fmt.Sprintf(
		"SUBSCRIBE TO %s ENVELOPE UPSERT (KEY (%s)) WITH (SNAPSHOT)",
		def.Name(), def.PrimaryKeyField(),
	)
}

// ParseLine decodes one complete (newline-stripped) line into a Record.
// Returns (nil, nil) when the line should be silently skipped: empty lines,
// malformed mz_timestamp, or empty mz_state. ParseLine never returns an
// error; malformed input is dropped, not raised.
func ParseLine(def *catalog.SourceDefinition, line string) (*Record, error) {
	if line == "" {
		return nil, nil
	}

	cols := strings.Split(line, "\t")
	if len(cols) < 2 {
		return nil, nil
	}

	ts, err := strconv.ParseUint(cols[0], 10, 64)
	if err != nil {
		return nil, nil
	}

	state := cols[1]
	var op Op
	switch state {
	case "upsert":
		op = OpUpsert
	case "delete":
		op = OpDelete
	default:
		return nil, nil
	}

	row := make(Row)
	// Column layout after mz_timestamp, mz_state is always: primary key,
	// then the remaining schema fields in declared order — regardless of
	// where the primary key falls in the catalog's own column list. Extra
	// wire fields beyond the schema are ignored, missing trailing fields
	// are simply not decoded.
	pkField := def.PrimaryKeyField()
	pkType, _ := def.SQLTypeOf(pkField) // catalog guarantees the primary key is always declared
	schema := make([]catalog.Column, 0, len(def.Columns()))
	schema = append(schema, catalog.Column{Name: pkField, SQLType: pkType})
	schema = append(schema, def.NonKeyColumns()...)

	for i, col := range schema {
		pos := 2 + i
		if pos >= len(cols) {
			break
		}
		raw := cols[pos]
		if raw == sqlNull {
			row[col.Name] = nil
			continue
		}
		val, err := sqltype.Decode(col.SQLType, raw)
		if err != nil {
			// Transient decode failure: drop the field, not the line.
			continue
		}
		row[col.Name] = val
	}

	return &Record{Timestamp: ts, Op: op, Row: row}, nil
}

// LineSplitter buffers the tail of one chunk across chunk boundaries so
// ParseLine is never invoked on a partial line.
type LineSplitter struct {
	pending string
}

// Feed appends a chunk of bytes and returns the complete lines it produced,
// retaining any trailing partial line internally for the next Feed call.
func (s *LineSplitter) Feed(chunk []byte) []string {
	data := s.pending + string(chunk)

	parts := strings.Split(data, "\n")

	// The last element is either empty (chunk ended exactly on a newline)
	// or a partial line to retain for the next chunk.
	s.pending = parts[len(parts)-1]

	return parts[:len(parts)-1]
}
