// Package gateway is a minimal graphql-transport-ws server: it accepts
// connection_init/subscribe messages over a websocket and maps a single
// operation, rowUpdates(source, filter), onto registry.Subscribe. It does
// not execute general GraphQL queries or mutations, or generate a schema.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/tycoworks/tycostream/internal/event"
	"github.com/tycoworks/tycostream/internal/registry"
)

// Message types for the graphql-transport-ws protocol.
const (
	msgConnectionInit = "connection_init"
	msgConnectionAck  = "connection_ack"
	msgPing           = "ping"
	msgPong           = "pong"
	msgSubscribe      = "subscribe"
	msgNext           = "next"
	msgError          = "error"
	msgComplete       = "complete"
)

type wsMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type subscribePayload struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

// rowUpdatesPattern extracts the subscription field and its parenthesized
// argument list from a query like:
//
//	subscription { rowUpdates(source: "trades", filter: "value >= 100") { ... } }
var rowUpdatesPattern = regexp.MustCompile(`subscription\s*(?:\w+)?\s*(?:\([^)]*\))?\s*\{\s*(\w+)\s*(?:\(([^)]*)\))?`)

// argPattern matches one key: "value" or key: $var pair in an argument list.
var argPattern = regexp.MustCompile(`(\w+)\s*:\s*(?:"([^"]*)"|\$(\w+))`)

// Gateway serves the graphql-transport-ws protocol over a single HTTP
// endpoint, backed by a registry.Registry for the actual event stream.
type Gateway struct {
	registry *registry.Registry
	logger   zerolog.Logger
	connID   atomic.Uint64

	upgrader websocket.AcceptOptions
}

// New constructs a Gateway over the given registry.
func New(reg *registry.Registry, logger zerolog.Logger) *Gateway {
	return &Gateway{
		registry: reg,
		logger:   logger.With().Str("component", "gateway").Logger(),
		upgrader: websocket.AcceptOptions{
			Subprotocols: []string{"graphql-transport-ws"},
		},
	}
}

// ServeHTTP upgrades the connection and runs the protocol loop.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &g.upgrader)
	if err != nil {
		http.Error(w, "websocket upgrade failed", http.StatusBadRequest)
		return
	}
	id := g.connID.Add(1)
	g.handleConnection(r.Context(), conn, id)
}

func (g *Gateway) handleConnection(ctx context.Context, conn *websocket.Conn, connID uint64) {
	logger := g.logger.With().Uint64("conn", connID).Logger()
	sc := &connState{conn: conn, cancels: make(map[string]context.CancelFunc), logger: logger}

	defer func() {
		sc.cancelAll()
		_ = conn.Close(websocket.StatusNormalClosure, "connection closed")
	}()

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if msgType != websocket.MessageText {
			continue
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			g.sendError(sc, "", "invalid message format")
			continue
		}
		g.handleMessage(ctx, sc, &msg)
	}
}

func (g *Gateway) handleMessage(ctx context.Context, sc *connState, msg *wsMessage) {
	switch msg.Type {
	case msgConnectionInit:
		_ = g.send(sc, &wsMessage{Type: msgConnectionAck})
	case msgPing:
		_ = g.send(sc, &wsMessage{Type: msgPong, Payload: msg.Payload})
	case msgSubscribe:
		g.handleSubscribe(ctx, sc, msg.ID, msg.Payload)
	case msgComplete:
		sc.cancel(msg.ID)
	}
}

func (g *Gateway) handleSubscribe(ctx context.Context, sc *connState, id string, payload json.RawMessage) {
	if id == "" {
		g.sendError(sc, "", "subscription id is required")
		return
	}

	var sub subscribePayload
	if err := json.Unmarshal(payload, &sub); err != nil {
		g.sendError(sc, id, "invalid subscribe payload")
		return
	}

	source, filterExpr, err := parseRowUpdates(sub.Query, sub.Variables)
	if err != nil {
		g.sendError(sc, id, err.Error())
		return
	}

	ch, errCh, unsubscribe, err := g.registry.Subscribe(source, filterExpr, "")
	if err != nil {
		g.sendError(sc, id, err.Error())
		return
	}

	subCtx, cancel := context.WithCancel(ctx)
	if !sc.register(id, cancel) {
		cancel()
		unsubscribe()
		g.sendError(sc, id, "subscription id already in use")
		return
	}

	go g.stream(subCtx, sc, id, ch, errCh, unsubscribe)
}

func (g *Gateway) stream(ctx context.Context, sc *connState, id string, ch <-chan event.RowUpdateEvent, errCh <-chan error, unsubscribe func()) {
	defer func() {
		unsubscribe()
		sc.forget(id)
		g.sendComplete(sc, id)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errCh:
			if ok && err != nil {
				g.sendError(sc, id, err.Error())
			}
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			g.sendNext(sc, id, evt)
		}
	}
}

func (g *Gateway) sendNext(sc *connState, id string, evt event.RowUpdateEvent) {
	payload, err := json.Marshal(map[string]any{
		"data": map[string]any{
			"rowUpdates": map[string]any{
				"type": evt.Kind.String(),
				"row":  evt.Row,
			},
		},
	})
	if err != nil {
		g.sendError(sc, id, "failed to encode row update")
		return
	}
	_ = g.send(sc, &wsMessage{ID: id, Type: msgNext, Payload: payload})
}

func (g *Gateway) sendError(sc *connState, id, message string) {
	payload, _ := json.Marshal([]map[string]string{{"message": message}})
	_ = g.send(sc, &wsMessage{ID: id, Type: msgError, Payload: payload})
}

func (g *Gateway) sendComplete(sc *connState, id string) {
	_ = g.send(sc, &wsMessage{ID: id, Type: msgComplete})
}

func (g *Gateway) send(sc *connState, msg *wsMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	return sc.conn.Write(ctx, websocket.MessageText, data)
}

// connState tracks one websocket connection's active subscriptions.
type connState struct {
	conn    *websocket.Conn
	logger  zerolog.Logger
	writeMu sync.Mutex

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func (sc *connState) register(id string, cancel context.CancelFunc) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if _, exists := sc.cancels[id]; exists {
		return false
	}
	sc.cancels[id] = cancel
	return true
}

func (sc *connState) cancel(id string) {
	sc.mu.Lock()
	cancel, ok := sc.cancels[id]
	delete(sc.cancels, id)
	sc.mu.Unlock()
	if ok {
		cancel()
	}
}

func (sc *connState) forget(id string) {
	sc.mu.Lock()
	delete(sc.cancels, id)
	sc.mu.Unlock()
}

func (sc *connState) cancelAll() {
	sc.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(sc.cancels))
	for _, c := range sc.cancels {
		cancels = append(cancels, c)
	}
	sc.cancels = make(map[string]context.CancelFunc)
	sc.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

// parseRowUpdates extracts the source and filter arguments from a
// rowUpdates(source: "...", filter: "...") subscription query.
func parseRowUpdates(query string, variables map[string]any) (source, filterExpr string, err error) {
	matches := rowUpdatesPattern.FindStringSubmatch(query)
	if len(matches) < 2 {
		return "", "", fmt.Errorf("gateway: could not parse subscription query")
	}
	if matches[1] != "rowUpdates" {
		return "", "", fmt.Errorf("gateway: unsupported subscription field %q", matches[1])
	}

	args := make(map[string]string)
	if len(matches) >= 3 && matches[2] != "" {
		for _, m := range argPattern.FindAllStringSubmatch(matches[2], -1) {
			key, literal, varRef := m[1], m[2], m[3]
			if varRef != "" {
				if v, ok := variables[varRef]; ok {
					args[key] = fmt.Sprintf("%v", v)
				}
				continue
			}
			args[key] = literal
		}
	}

	source, ok := args["source"]
	if !ok || source == "" {
		return "", "", fmt.Errorf("gateway: rowUpdates requires a source argument")
	}
	return source, args["filter"], nil
}
