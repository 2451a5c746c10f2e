package trigger

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tycoworks/tycostream/internal/catalog"
	"github.com/tycoworks/tycostream/internal/hub"
	"github.com/tycoworks/tycostream/internal/wire"
)

type stubDispatcher struct {
	mu       sync.Mutex
	delivers []envelope
}

func (s *stubDispatcher) Deliver(_ context.Context, _ string, body []byte) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return err
	}
	s.mu.Lock()
	s.delivers = append(s.delivers, env)
	s.mu.Unlock()
	return nil
}

func (s *stubDispatcher) wait(t *testing.T, n int) []envelope {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		got := len(s.delivers)
		s.mu.Unlock()
		if got >= n {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]envelope, len(s.delivers))
	copy(out, s.delivers)
	return out
}

type fakeSubscriber struct {
	onRecord func(wire.Record)
	onError  func(error)
}

func (f *fakeSubscriber) Start(onRecord func(wire.Record), onError func(error)) error {
	f.onRecord = onRecord
	f.onError = onError
	return nil
}

func (f *fakeSubscriber) Stop() {}

func testDef(t *testing.T) *catalog.SourceDefinition {
	t.Helper()
	defs, err := catalog.Parse([]byte(`
sources:
  trades:
    primary_key: id
    columns:
      id: bigint
      value: numeric
`), func(string) bool { return true })
	if err != nil {
		t.Fatalf("parse catalog: %v", err)
	}
	return defs["trades"]
}

func TestTriggerEmitsMatchAndUnmatch(t *testing.T) {
	def := testDef(t)
	sub := &fakeSubscriber{}
	h := hub.New(def, sub, zerolog.Nop(), nil)

	dispatcher := &stubDispatcher{}
	tr, err := Start(context.Background(), Config{
		Name:      "big-trade",
		Source:    "trades",
		URL:       "http://example.invalid/webhook",
		MatchExpr: "value >= 100",
	}, h, zerolog.Nop(), dispatcher)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer tr.Stop()

	sub.onRecord(wire.Record{Timestamp: 100, Op: wire.OpUpsert, Row: wire.Row{"id": int64(1), "value": 150}})
	delivered := dispatcher.wait(t, 1)
	if len(delivered) != 1 {
		t.Fatalf("got %d deliveries, want 1", len(delivered))
	}
	if delivered[0].EventType != Match {
		t.Errorf("EventType = %v, want MATCH", delivered[0].EventType)
	}
	if delivered[0].TriggerName != "big-trade" {
		t.Errorf("TriggerName = %q, want big-trade", delivered[0].TriggerName)
	}
	if delivered[0].EventID == "" {
		t.Error("expected a non-empty event_id")
	}

	sub.onRecord(wire.Record{Timestamp: 200, Op: wire.OpUpsert, Row: wire.Row{"id": int64(1), "value": 10}})
	delivered = dispatcher.wait(t, 2)
	if len(delivered) != 2 {
		t.Fatalf("got %d deliveries, want 2", len(delivered))
	}
	if delivered[1].EventType != Unmatch {
		t.Errorf("EventType = %v, want UNMATCH", delivered[1].EventType)
	}
}

func TestTriggerSkipsSnapshotOnSubscribe(t *testing.T) {
	def := testDef(t)
	sub := &fakeSubscriber{}
	h := hub.New(def, sub, zerolog.Nop(), nil)

	_, _, _, err := h.Subscribe(false)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	sub.onRecord(wire.Record{Timestamp: 100, Op: wire.OpUpsert, Row: wire.Row{"id": int64(1), "value": 150}})

	dispatcher := &stubDispatcher{}
	tr, err := Start(context.Background(), Config{
		Name:      "big-trade",
		Source:    "trades",
		URL:       "http://example.invalid/webhook",
		MatchExpr: "value >= 100",
	}, h, zerolog.Nop(), dispatcher)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer tr.Stop()

	time.Sleep(50 * time.Millisecond)
	dispatcher.mu.Lock()
	got := len(dispatcher.delivers)
	dispatcher.mu.Unlock()
	if got != 0 {
		t.Fatalf("expected no delivery for pre-existing state, got %d", got)
	}
}
