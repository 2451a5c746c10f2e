package subscriber

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/tycoworks/tycostream/internal/catalog"
	"github.com/tycoworks/tycostream/internal/wire"
)

func testDef(t *testing.T) *catalog.SourceDefinition {
	t.Helper()
	defs, err := catalog.Parse([]byte(`
sources:
  trades:
    primary_key: id
    columns:
      id: bigint
      name: text
`), func(string) bool { return true })
	if err != nil {
		t.Fatalf("parse catalog: %v", err)
	}
	return defs["trades"]
}

// recordSink is the io.Writer CopyTo writes raw COPY bytes into; it's the
// only part of this package testable without a live DB connection.
func TestRecordSinkParsesLinesSplitAcrossWrites(t *testing.T) {
	def := testDef(t)
	var got []wire.Record
	sink := &recordSink{
		def:      def,
		logger:   zerolog.Nop(),
		onRecord: func(r wire.Record) { got = append(got, r) },
	}

	if _, err := sink.Write([]byte("100\tupsert\t1\tAl")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d records before the line completed, want 0", len(got))
	}

	if _, err := sink.Write([]byte("ice\n200\tupsert\t2\tBob\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}
	if got[0].Row["name"] != "Alice" {
		t.Errorf("Row[name] = %v, want Alice (reassembled across Write calls)", got[0].Row["name"])
	}
	if got[1].Row["name"] != "Bob" {
		t.Errorf("Row[name] = %v, want Bob", got[1].Row["name"])
	}
}

func TestRecordSinkSkipsMalformedLines(t *testing.T) {
	def := testDef(t)
	var got []wire.Record
	sink := &recordSink{
		def:      def,
		logger:   zerolog.Nop(),
		onRecord: func(r wire.Record) { got = append(got, r) },
	}

	if _, err := sink.Write([]byte("not-a-timestamp\tupsert\t1\tAlice\n100\tupsert\t2\tBob\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d records, want 1 (malformed line skipped)", len(got))
	}
	if got[0].Row["name"] != "Bob" {
		t.Errorf("Row[name] = %v, want Bob", got[0].Row["name"])
	}
}

func TestStopBeforeStartIsNoop(t *testing.T) {
	def := testDef(t)
	s := New("postgres://unused", def, zerolog.Nop())
	s.Stop() // must not panic when nothing has started
}
