// Package subscriber owns one upstream DB connection per source (spec
// §4.2): it opens a COPY(SUBSCRIBE...) stream and surfaces decoded records
// through callbacks until stopped or the connection fails.
package subscriber

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/tycoworks/tycostream/internal/catalog"
	"github.com/tycoworks/tycostream/internal/wire"
)

// DefaultConnectTimeout bounds how long Start waits for the initial
// upstream connection before giving up.
const DefaultConnectTimeout = 10 * time.Second

// Subscriber streams one source's SUBSCRIBE output over a single pgconn
// connection. It satisfies internal/hub.Starter.
type Subscriber struct {
	dsn            string
	def            *catalog.SourceDefinition
	logger         zerolog.Logger
	connectTimeout time.Duration

	mu       sync.Mutex
	started  bool
	stopping bool
	conn     *pgconn.PgConn
	cancel   context.CancelFunc
}

// New constructs a Subscriber for one source. dsn is a standard Postgres
// connection string understood by pgconn.Connect.
func New(dsn string, def *catalog.SourceDefinition, logger zerolog.Logger) *Subscriber {
	return &Subscriber{
		dsn:            dsn,
		def:            def,
		logger:         logger.With().Str("component", "subscriber").Str("source", def.Name()).Logger(),
		connectTimeout: DefaultConnectTimeout,
	}
}

// ConnectTimeout overrides the default connect timeout. A zero duration
// leaves the default in place. Must be called before Start.
func (s *Subscriber) ConnectTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.connectTimeout = d
	s.mu.Unlock()
}

// Start opens the connection, issues COPY (<subscribeQuery>) TO STDOUT, and
// spawns a reader goroutine pushing decoded records to onRecord. Per spec
// §4.2, a second call while already running is a no-op with a warning, and
// connect failures are returned synchronously to this call.
func (s *Subscriber) Start(onRecord func(wire.Record), onError func(error)) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		s.logger.Warn().Msg("Start called while already running; ignoring")
		return nil
	}

	connectCtx, connectCancel := context.WithTimeout(context.Background(), s.connectTimeout)
	conn, err := pgconn.Connect(connectCtx, s.dsn)
	connectCancel()
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("subscriber: connect to %s: %w", s.def.Name(), err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.conn = conn
	s.cancel = cancel
	s.started = true
	s.mu.Unlock()

	go s.run(ctx, conn, onRecord, onError)
	return nil
}

// run executes the COPY stream until it ends, fails, or Stop cancels ctx.
// A stream error, or an end of stream, is reported to onError, except when
// Stop has already been requested.
func (s *Subscriber) run(ctx context.Context, conn *pgconn.PgConn, onRecord func(wire.Record), onError func(error)) {
	query := fmt.Sprintf("COPY (%s) TO STDOUT", wire.BuildSubscribeQuery(s.def))
	w := &recordSink{def: s.def, onRecord: onRecord, logger: s.logger}

	_, err := conn.CopyTo(ctx, w, query)

	s.mu.Lock()
	stopping := s.stopping
	s.mu.Unlock()

	if stopping {
		return
	}
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	onError(fmt.Errorf("subscriber: stream for %s: %w", s.def.Name(), err))
}

// Stop marks the subscriber shutting down, cancels the read loop, and
// closes the connection. A clean end-of-stream arriving after Stop is
// never reported as an error.
func (s *Subscriber) Stop() {
	s.mu.Lock()
	if s.stopping || !s.started {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	cancel := s.cancel
	conn := s.conn
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = conn.Close(closeCtx)
		closeCancel()
	}
}

// recordSink implements io.Writer, feeding raw COPY bytes through
// internal/wire's chunk buffering and line parser.
type recordSink struct {
	def      *catalog.SourceDefinition
	onRecord func(wire.Record)
	logger   zerolog.Logger
	splitter wire.LineSplitter
}

var _ io.Writer = (*recordSink)(nil)

func (w *recordSink) Write(p []byte) (int, error) {
	for _, line := range w.splitter.Feed(p) {
		rec, err := wire.ParseLine(w.def, line)
		if err != nil {
			w.logger.Debug().Err(err).Str("line", line).Msg("dropping malformed line")
			continue
		}
		if rec == nil {
			continue
		}
		w.onRecord(*rec)
	}
	return len(p), nil
}
