// Client wraps a graphql-transport-ws subscription client for opening and
// tracking rowUpdates subscriptions against a tycostreamd gateway.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hasura/go-graphql-client"
)

// Config configures the demo client's connection to a running tycostreamd.
type Config struct {
	// GatewayURL is the HTTP(S) base URL hosting the /graphql endpoint,
	// e.g. "http://localhost:8080".
	GatewayURL string

	// Timeout bounds each subscription operation.
	Timeout time.Duration
}

func (c *Config) wsURL() string {
	scheme := "ws"
	rest := c.GatewayURL
	if len(rest) >= 8 && rest[:8] == "https://" {
		scheme = "wss"
		rest = rest[8:]
	} else if len(rest) >= 7 && rest[:7] == "http://" {
		rest = rest[7:]
	}
	return fmt.Sprintf("%s://%s/graphql", scheme, rest)
}

// Client is the demo subscriber client.
type Client struct {
	config *Config

	subscriptionMutex  sync.Mutex
	subscriptionClient *graphql.SubscriptionClient

	subscriptionsMutex  sync.Mutex
	activeSubscriptions map[string]context.CancelFunc
}

// NewClient constructs a Client. The websocket connection is established
// lazily on the first Subscribe call.
func NewClient(config *Config) *Client {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	return &Client{
		config:              config,
		activeSubscriptions: make(map[string]context.CancelFunc),
	}
}

// Close cancels every active subscription and stops the websocket client.
func (c *Client) Close() error {
	c.subscriptionsMutex.Lock()
	for _, cancel := range c.activeSubscriptions {
		cancel()
	}
	c.activeSubscriptions = make(map[string]context.CancelFunc)
	c.subscriptionsMutex.Unlock()

	c.subscriptionMutex.Lock()
	defer c.subscriptionMutex.Unlock()
	if c.subscriptionClient != nil {
		err := c.subscriptionClient.Close()
		c.subscriptionClient = nil
		return err
	}
	return nil
}

// getSubscriptionClient returns or lazily creates the WebSocket
// subscription client.
func (c *Client) getSubscriptionClient() *graphql.SubscriptionClient {
	c.subscriptionMutex.Lock()
	defer c.subscriptionMutex.Unlock()

	if c.subscriptionClient != nil {
		return c.subscriptionClient
	}

	client := graphql.NewSubscriptionClient(c.config.wsURL()).
		WithProtocol(graphql.GraphQLWS).
		WithTimeout(c.config.Timeout).
		OnError(func(sc *graphql.SubscriptionClient, err error) error {
			return nil
		})

	c.subscriptionClient = client
	go func() {
		_ = c.subscriptionClient.Run()
	}()
	return client
}

// RowUpdate is one decoded rowUpdates event.
type RowUpdate struct {
	Type string         `json:"type"`
	Row  map[string]any `json:"row"`
}

// Subscription is an active rowUpdates subscription.
type Subscription struct {
	ID     string
	Source string
	Events chan RowUpdate
	Errors chan error
	Done   chan struct{}

	closeOnce sync.Once
}

func (s *Subscription) close() {
	s.closeOnce.Do(func() {
		close(s.Done)
		close(s.Events)
		close(s.Errors)
	})
}

// Subscribe opens a rowUpdates(source, filter) subscription and streams
// decoded events to the returned Subscription's channels.
func (c *Client) Subscribe(source, filterExpr string) (*Subscription, error) {
	subClient := c.getSubscriptionClient()

	query, variables := buildRowUpdatesQuery(source, filterExpr)

	sub := &Subscription{
		Source: source,
		Events: make(chan RowUpdate, 100),
		Errors: make(chan error, 10),
		Done:   make(chan struct{}),
	}

	subCtx, cancel := context.WithCancel(context.Background())

	graphqlSubID, err := subClient.Subscribe(query, variables, func(dataValue []byte, errValue error) error {
		if errValue != nil {
			select {
			case sub.Errors <- fmt.Errorf("democlient: subscription %q: %w", source, errValue):
			case <-subCtx.Done():
			}
			return nil
		}

		var payload struct {
			RowUpdates RowUpdate `json:"rowUpdates"`
		}
		if err := json.Unmarshal(dataValue, &payload); err != nil {
			select {
			case sub.Errors <- fmt.Errorf("democlient: decode event: %w", err):
			case <-subCtx.Done():
			}
			return nil
		}

		select {
		case sub.Events <- payload.RowUpdates:
		case <-subCtx.Done():
		}
		return nil
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("democlient: subscribe to %q: %w", source, err)
	}

	sub.ID = graphqlSubID

	c.subscriptionsMutex.Lock()
	c.activeSubscriptions[graphqlSubID] = cancel
	c.subscriptionsMutex.Unlock()

	go func() {
		<-subCtx.Done()
		_ = subClient.Unsubscribe(graphqlSubID)
		c.subscriptionsMutex.Lock()
		delete(c.activeSubscriptions, graphqlSubID)
		c.subscriptionsMutex.Unlock()
		sub.close()
	}()

	return sub, nil
}

// Unsubscribe tears down an active subscription.
func (c *Client) Unsubscribe(sub *Subscription) {
	c.subscriptionsMutex.Lock()
	cancel, ok := c.activeSubscriptions[sub.ID]
	c.subscriptionsMutex.Unlock()
	if ok {
		cancel()
	}
}

// buildRowUpdatesQuery constructs the subscription query and variables for
// rowUpdates(source, filter).
func buildRowUpdatesQuery(source, filterExpr string) (string, map[string]any) {
	if filterExpr == "" {
		return fmt.Sprintf(`subscription { rowUpdates(source: %q) { type row } }`, source), nil
	}
	return fmt.Sprintf(`subscription { rowUpdates(source: %q, filter: %q) { type row } }`, source, filterExpr), nil
}
