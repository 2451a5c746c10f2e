// Package view implements the per-subscriber stateful transform that turns
// a hub's unfiltered RowUpdateEvent stream into the stream a single
// subscriber actually sees, applying asymmetric match/unmatch hysteresis so
// a subscriber can avoid flapping near a threshold.
package view

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tycoworks/tycostream/internal/event"
	"github.com/tycoworks/tycostream/internal/filter"
)

// View holds the per-subscriber visibility state. A nil Filter means
// pass-through: every event is forwarded unchanged.
type View struct {
	pkField     string
	filter      *filter.Filter
	logger      zerolog.Logger
	visibleKeys map[string]struct{}
}

// New constructs a View for one subscriber. f may be nil for pass-through.
func New(pkField string, f *filter.Filter, logger zerolog.Logger) *View {
	return &View{
		pkField:     pkField,
		filter:      f,
		logger:      logger.With().Str("component", "view").Logger(),
		visibleKeys: make(map[string]struct{}),
	}
}

// Transform applies one hub event to the view's visibility state and
// returns the event to emit to the subscriber, or ok=false to drop it.
// Called uniformly for both snapshot-replay synthetic INSERTs and live
// tail events.
func (v *View) Transform(evt event.RowUpdateEvent) (out event.RowUpdateEvent, ok bool) {
	if v.filter == nil {
		return evt, true
	}

	pk := keyString(evt.Row[v.pkField])
	_, was := v.visibleKeys[pk]

	if evt.Kind == event.Delete {
		if was {
			delete(v.visibleKeys, pk)
			return event.RowUpdateEvent{Kind: event.Delete, Fields: event.FieldSet(v.pkField), Row: evt.Row}, true
		}
		return event.RowUpdateEvent{}, false
	}

	is := v.evaluate(evt, was)

	switch {
	case !was && is:
		v.visibleKeys[pk] = struct{}{}
		return event.RowUpdateEvent{Kind: event.Insert, Fields: allKeys(evt.Row), Row: evt.Row}, true
	case was && !is:
		delete(v.visibleKeys, pk)
		return event.RowUpdateEvent{Kind: event.Delete, Fields: event.FieldSet(v.pkField), Row: evt.Row}, true
	case was && is:
		return evt, true
	default: // !was && !is
		return event.RowUpdateEvent{}, false
	}
}

// evaluate computes "is" for an INSERT/UPDATE event, implementing the
// short-circuit rule (an update that doesn't touch any field the filter
// reads can't have changed visibility) and the asymmetric match/unmatch
// hysteresis rule: a currently-visible row stays visible until unmatch
// fires, a currently-hidden row stays hidden until match fires.
func (v *View) evaluate(evt event.RowUpdateEvent, was bool) bool {
	if evt.Kind == event.Update && was && !v.filter.IntersectsChangedFields(evt.Fields) {
		return true
	}

	if was {
		matched, err := v.filter.Unmatch.Evaluate(evt.Row)
		if err != nil {
			// The unmatch predicate errored, so it is treated as not
			// matching: unmatch=false means the row stays visible.
			v.logger.Error().Err(err).Msg("unmatch predicate evaluation failed; treating row as not matching")
			return true
		}
		return !matched
	}

	matched, err := v.filter.Match.Evaluate(evt.Row)
	if err != nil {
		// The match predicate errored, so it is treated as not matching:
		// the row stays hidden.
		v.logger.Error().Err(err).Msg("match predicate evaluation failed; treating row as not matching")
		return false
	}
	return matched
}

func allKeys(row map[string]any) map[string]struct{} {
	out := make(map[string]struct{}, len(row))
	for k := range row {
		out[k] = struct{}{}
	}
	return out
}

// keyString mirrors internal/cache's own key stringification so the same
// primary-key value always maps to the same visibility-set entry.
func keyString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
