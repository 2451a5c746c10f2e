// Package trigger wraps a view whose emitted INSERT/DELETE translate to
// MATCH/UNMATCH webhook side effects. Delivery is fire-and-forget with
// respect to the pipeline — a failed POST never blocks or errors the
// source hub, it is retried in the background per the dispatcher's backoff
// policy and otherwise just logged.
package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tycoworks/tycostream/internal/event"
	"github.com/tycoworks/tycostream/internal/filter"
	"github.com/tycoworks/tycostream/internal/hub"
	"github.com/tycoworks/tycostream/internal/view"
)

// EventType is the webhook envelope's event_type field.
type EventType string

const (
	Match   EventType = "MATCH"
	Unmatch EventType = "UNMATCH"
)

// envelope is the JSON body POSTed to the configured URL.
type envelope struct {
	EventID     string    `json:"event_id"`
	TriggerName string    `json:"trigger_name"`
	EventType   EventType `json:"event_type"`
	Data        wireRow   `json:"data"`
}

// wireRow is a thin alias so the envelope's Data field marshals a plain map
// of row values without pulling the wire package into this file's surface.
type wireRow = map[string]any

// Dispatcher delivers one webhook POST, retrying per its own policy.
// The default implementation is newHTTPDispatcher; tests substitute a stub.
type Dispatcher interface {
	Deliver(ctx context.Context, url string, body []byte) error
}

// Config configures a single named trigger.
type Config struct {
	Name         string
	Source       string
	URL          string
	MatchExpr    string
	UnmatchExpr  string
	DeliveryTime time.Duration // bounds each delivery including retries; zero uses the dispatcher's default
}

// Trigger owns a view and a dispatcher, feeding every emitted INSERT/DELETE
// to the webhook as MATCH/UNMATCH.
type Trigger struct {
	cfg        Config
	logger     zerolog.Logger
	dispatcher Dispatcher
	cancel     func()
}

// Start subscribes to h with skipSnapshot=true, so a restarted trigger
// never fires on historical state, and runs the view loop until the hub
// disposes the subscription or ctx is cancelled.
func Start(ctx context.Context, cfg Config, h *hub.Hub, logger zerolog.Logger, dispatcher Dispatcher) (*Trigger, error) {
	if dispatcher == nil {
		dispatcher = newHTTPDispatcher(http.DefaultClient)
	}

	f, err := filter.New(cfg.MatchExpr, cfg.UnmatchExpr)
	if err != nil {
		return nil, fmt.Errorf("trigger %q: %w", cfg.Name, err)
	}
	if f == nil {
		return nil, fmt.Errorf("trigger %q: match expression is required", cfg.Name)
	}

	ch, errCh, unsubscribe, err := h.Subscribe(true)
	if err != nil {
		return nil, fmt.Errorf("trigger %q: subscribe: %w", cfg.Name, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	t := &Trigger{
		cfg:        cfg,
		logger:     logger.With().Str("component", "trigger").Str("trigger", cfg.Name).Logger(),
		dispatcher: dispatcher,
		cancel: func() {
			cancel()
			unsubscribe()
		},
	}

	v := view.New(h.PrimaryKeyField(), f, t.logger)
	go t.run(runCtx, v, ch, errCh)

	return t, nil
}

// Stop unsubscribes from the hub and stops the delivery loop.
func (t *Trigger) Stop() { t.cancel() }

func (t *Trigger) run(ctx context.Context, v *view.View, ch <-chan event.RowUpdateEvent, errCh <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errCh:
			if ok && err != nil {
				t.logger.Error().Err(err).Msg("trigger subscription terminated")
			}
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			out, emit := v.Transform(evt)
			if !emit {
				continue
			}
			t.deliver(ctx, out)
		}
	}
}

func (t *Trigger) deliver(ctx context.Context, evt event.RowUpdateEvent) {
	eventType := Match
	if evt.Kind == event.Delete {
		eventType = Unmatch
	}

	body, err := json.Marshal(envelope{
		EventID:     uuid.NewString(),
		TriggerName: t.cfg.Name,
		EventType:   eventType,
		Data:        wireRow(evt.Row),
	})
	if err != nil {
		t.logger.Error().Err(err).Msg("failed to marshal trigger envelope")
		return
	}

	// Fire-and-forget: the caller (the view loop) does not wait for
	// delivery, so a slow or failing webhook never stalls the hub's
	// broadcast.
	go func() {
		deliverCtx := ctx
		if t.cfg.DeliveryTime > 0 {
			var cancel context.CancelFunc
			deliverCtx, cancel = context.WithTimeout(ctx, t.cfg.DeliveryTime)
			defer cancel()
		}
		if err := t.dispatcher.Deliver(deliverCtx, t.cfg.URL, body); err != nil {
			t.logger.Error().Err(err).Str("event_type", string(eventType)).Msg("webhook delivery failed after retries")
		}
	}()
}

// httpDispatcher is the production Dispatcher: an http.Client wrapped with
// exponential backoff retries.
type httpDispatcher struct {
	client *http.Client
}

func newHTTPDispatcher(client *http.Client) *httpDispatcher {
	return &httpDispatcher{client: client}
}

func (d *httpDispatcher) Deliver(ctx context.Context, url string, body []byte) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)

	return backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("webhook returned status %d", resp.StatusCode)
		}
		return nil
	}, policy)
}
