package view

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/tycoworks/tycostream/internal/event"
	"github.com/tycoworks/tycostream/internal/filter"
	"github.com/tycoworks/tycostream/internal/wire"
)

func mustFilter(t *testing.T, match, unmatch string) *filter.Filter {
	t.Helper()
	f, err := filter.New(match, unmatch)
	if err != nil {
		t.Fatalf("filter.New: %v", err)
	}
	return f
}

func TestViewPassThroughWhenNoFilter(t *testing.T) {
	v := New("id", nil, zerolog.Nop())
	in := event.RowUpdateEvent{Kind: event.Insert, Fields: event.FieldSet("id", "value"), Row: wire.Row{"id": int64(1), "value": 5}}
	out, ok := v.Transform(in)
	if !ok {
		t.Fatal("expected pass-through event to be emitted")
	}
	if out.Kind != event.Insert {
		t.Errorf("Kind = %v, want Insert", out.Kind)
	}
}

// S4 — Hysteresis sequence: enter only on strong match, stay until unmatch.
func TestViewHysteresisSequence(t *testing.T) {
	f := mustFilter(t, "value >= 100", "value < 50")
	v := New("id", f, zerolog.Nop())

	row := func(value int) wire.Row { return wire.Row{"id": int64(1), "value": value} }

	// Below match threshold: stays hidden.
	_, ok := v.Transform(event.RowUpdateEvent{Kind: event.Insert, Fields: event.FieldSet("id", "value"), Row: row(60)})
	if ok {
		t.Fatal("value=60 should not cross the match threshold")
	}

	// Crosses match threshold: synthetic INSERT.
	out, ok := v.Transform(event.RowUpdateEvent{Kind: event.Update, Fields: event.FieldSet("value"), Row: row(100)})
	if !ok || out.Kind != event.Insert {
		t.Fatalf("expected synthetic INSERT at value=100, got ok=%v kind=%v", ok, out.Kind)
	}

	// Drops but stays above the weaker unmatch threshold: stays visible,
	// passed through unchanged as an UPDATE.
	out, ok = v.Transform(event.RowUpdateEvent{Kind: event.Update, Fields: event.FieldSet("value"), Row: row(60)})
	if !ok || out.Kind != event.Update {
		t.Fatalf("expected pass-through UPDATE at value=60 (hysteresis band), got ok=%v kind=%v", ok, out.Kind)
	}

	// Finally crosses the unmatch threshold: synthetic DELETE.
	out, ok = v.Transform(event.RowUpdateEvent{Kind: event.Update, Fields: event.FieldSet("value"), Row: row(40)})
	if !ok || out.Kind != event.Delete {
		t.Fatalf("expected synthetic DELETE at value=40, got ok=%v kind=%v", ok, out.Kind)
	}
}

// S5 — Short-circuit: an UPDATE that doesn't touch any filter field must
// stay visible without evaluating the unmatch predicate at all.
func TestViewShortCircuitSkipsEvaluation(t *testing.T) {
	f := mustFilter(t, "value >= 100", "")
	v := New("id", f, zerolog.Nop())

	row := wire.Row{"id": int64(1), "value": 100, "label": "a"}
	out, ok := v.Transform(event.RowUpdateEvent{Kind: event.Insert, Fields: event.FieldSet("id", "value", "label"), Row: row})
	if !ok || out.Kind != event.Insert {
		t.Fatalf("setup INSERT failed: ok=%v kind=%v", ok, out.Kind)
	}

	// Only "label" changed; filter only reads "value". Even though the
	// unmatch predicate is never given a value that would keep it visible
	// by direct evaluation, the short-circuit rule must keep it visible
	// without inspecting "value" at all.
	updated := wire.Row{"id": int64(1), "value": 40, "label": "b"}
	out, ok = v.Transform(event.RowUpdateEvent{Kind: event.Update, Fields: event.FieldSet("label"), Row: updated})
	if !ok {
		t.Fatal("expected the row to remain visible via short-circuit")
	}
	if out.Kind != event.Update {
		t.Errorf("Kind = %v, want Update (pass-through)", out.Kind)
	}
}

func TestViewDeleteWhileNotVisibleIsDropped(t *testing.T) {
	f := mustFilter(t, "value >= 100", "")
	v := New("id", f, zerolog.Nop())

	_, ok := v.Transform(event.RowUpdateEvent{Kind: event.Delete, Fields: event.FieldSet("id"), Row: wire.Row{"id": int64(9)}})
	if ok {
		t.Fatal("DELETE for a never-visible row must be dropped")
	}
}

func TestViewMatchEvaluateErrorStaysHidden(t *testing.T) {
	f := mustFilter(t, "value >= 100", "")
	v := New("id", f, zerolog.Nop())

	// "value" is a string here, so "value >= 100" errors at evaluation
	// time instead of returning a bool.
	row := wire.Row{"id": int64(1), "value": "not-a-number"}
	_, ok := v.Transform(event.RowUpdateEvent{Kind: event.Insert, Fields: event.FieldSet("id", "value"), Row: row})
	if ok {
		t.Fatal("a match predicate error must keep the row hidden")
	}
}

func TestViewUnmatchEvaluateErrorStaysVisible(t *testing.T) {
	f := mustFilter(t, "value >= 100", "value < 50")
	v := New("id", f, zerolog.Nop())

	row := func(value any) wire.Row { return wire.Row{"id": int64(1), "value": value} }

	_, ok := v.Transform(event.RowUpdateEvent{Kind: event.Insert, Fields: event.FieldSet("id", "value"), Row: row(100)})
	if !ok {
		t.Fatal("setup INSERT failed")
	}

	// "value" switches to a string, which both intersects the filter's
	// fields (so the short-circuit rule doesn't apply) and makes "value <
	// 50" error at evaluation time.
	out, ok := v.Transform(event.RowUpdateEvent{Kind: event.Update, Fields: event.FieldSet("value"), Row: row("not-a-number")})
	if !ok {
		t.Fatal("an unmatch predicate error must keep the row visible")
	}
	if out.Kind != event.Update {
		t.Errorf("Kind = %v, want Update (pass-through)", out.Kind)
	}
}

func TestViewDeleteWhileVisibleEmitsDelete(t *testing.T) {
	f := mustFilter(t, "value >= 100", "")
	v := New("id", f, zerolog.Nop())

	row := wire.Row{"id": int64(1), "value": 100}
	_, ok := v.Transform(event.RowUpdateEvent{Kind: event.Insert, Fields: event.FieldSet("id", "value"), Row: row})
	if !ok {
		t.Fatal("setup INSERT failed")
	}

	out, ok := v.Transform(event.RowUpdateEvent{Kind: event.Delete, Fields: event.FieldSet("id"), Row: wire.Row{"id": int64(1), "value": 100}})
	if !ok || out.Kind != event.Delete {
		t.Fatalf("expected DELETE to pass through for a visible row, got ok=%v kind=%v", ok, out.Kind)
	}
	if _, ok := out.Fields["id"]; !ok || len(out.Fields) != 1 {
		t.Errorf("DELETE Fields = %+v, want exactly {id}", out.Fields)
	}
}
