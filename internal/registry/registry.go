// Package registry interns one *hub.Hub per source name and builds it
// lazily on first subscribe, wiring its disposal back into the registry so
// a fully torn-down hub is rebuilt, not resurrected, on the next subscribe.
package registry

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tycoworks/tycostream/internal/catalog"
	"github.com/tycoworks/tycostream/internal/event"
	"github.com/tycoworks/tycostream/internal/filter"
	"github.com/tycoworks/tycostream/internal/hub"
	"github.com/tycoworks/tycostream/internal/pipelineerr"
	"github.com/tycoworks/tycostream/internal/view"
)

// StarterFactory builds the hub.Starter for a source, e.g.
// func(def *catalog.SourceDefinition) hub.Starter { return subscriber.New(dsn, def, logger) }.
type StarterFactory func(def *catalog.SourceDefinition) hub.Starter

// Registry owns every source's hub for the life of the process.
type Registry struct {
	defs    map[string]*catalog.SourceDefinition
	factory StarterFactory
	logger  zerolog.Logger

	mu        sync.Mutex
	hubs      map[string]*hub.Hub
	shutdown  bool
}

// New builds a Registry over a parsed catalog. Hubs are not created until a
// source is first subscribed to.
func New(defs map[string]*catalog.SourceDefinition, factory StarterFactory, logger zerolog.Logger) *Registry {
	return &Registry{
		defs:    defs,
		factory: factory,
		logger:  logger.With().Str("component", "registry").Logger(),
		hubs:    make(map[string]*hub.Hub),
	}
}

// Subscribe attaches a new subscriber to source, building its hub on first
// use, and returns a View-wrapped event stream already filtered per expr.
// An empty matchExpr means no filtering (pass-through).
func (r *Registry) Subscribe(sourceName, matchExpr, unmatchExpr string) (<-chan event.RowUpdateEvent, <-chan error, func(), error) {
	h, def, err := r.hubFor(sourceName)
	if err != nil {
		return nil, nil, nil, err
	}

	f, err := filter.New(matchExpr, unmatchExpr)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("registry: compile filter for %q: %w", sourceName, err)
	}

	rawCh, errCh, cancel, err := h.Subscribe(false)
	if err != nil {
		return nil, nil, nil, err
	}
	if f == nil {
		return rawCh, errCh, cancel, nil
	}

	out := make(chan event.RowUpdateEvent, cap(rawCh))
	v := view.New(def.PrimaryKeyField(), f, r.logger)
	go func() {
		defer close(out)
		for evt := range rawCh {
			if transformed, ok := v.Transform(evt); ok {
				out <- transformed
			}
		}
	}()

	return out, errCh, cancel, nil
}

// HubFor returns the hub for a known source, building it lazily if needed.
// Used by callers (e.g. triggers) that subscribe directly against a hub
// rather than through Subscribe's filter-wrapping path.
func (r *Registry) HubFor(sourceName string) (*hub.Hub, error) {
	h, _, err := r.hubFor(sourceName)
	return h, err
}

func (r *Registry) hubFor(sourceName string) (*hub.Hub, *catalog.SourceDefinition, error) {
	def, ok := r.defs[sourceName]
	if !ok {
		return nil, nil, pipelineerr.Wrap("registry.Subscribe", pipelineerr.ErrUnknownSource, sourceName)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.shutdown {
		return nil, nil, pipelineerr.Wrap("registry.Subscribe", pipelineerr.ErrShuttingDown, sourceName)
	}

	if h, ok := r.hubs[sourceName]; ok {
		return h, def, nil
	}

	h := hub.New(def, r.factory(def), r.logger, func() { r.onHubDisposed(sourceName) })
	r.hubs[sourceName] = h
	return h, def, nil
}

// onHubDisposed removes a fully torn-down hub so the next Subscribe for the
// same source builds a fresh one rather than reattaching to a dead pipeline.
func (r *Registry) onHubDisposed(sourceName string) {
	r.mu.Lock()
	delete(r.hubs, sourceName)
	r.mu.Unlock()
	r.logger.Info().Str("source", sourceName).Msg("source pipeline disposed")
}

// Shutdown refuses all future subscriptions but does not itself tear down
// existing hubs — callers drop their own subscriptions, which naturally
// disposes each hub once its last subscriber cancels.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.shutdown = true
	r.mu.Unlock()
}

// Sources returns the configured source names, for introspection by the
// gateway or CLI.
func (r *Registry) Sources() []string {
	out := make([]string, 0, len(r.defs))
	for name := range r.defs {
		out = append(out, name)
	}
	return out
}
