// Package connector implements the per-generation candidate establishment
// procedure (§4.5): fan out dials and listeners, run L2 negotiation on
// each candidate, and pick exactly one to hand to the L3 session.
package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dilation/core/internal/l2"
	"github.com/dilation/core/internal/logging"
	"github.com/dilation/core/internal/metrics"
	"github.com/dilation/core/internal/recovery"
	"github.com/dilation/core/internal/seal"
	"github.com/dilation/core/internal/wire"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Hint is an endpoint a peer might be reachable at, exchanged over the
// rendezvous channel as HINTS-n (§6).
type Hint struct {
	Hostname string
	Port     int
	Priority float64
	Type     string // "direct" or "relay"
}

func (h Hint) Addr() string { return fmt.Sprintf("%s:%d", h.Hostname, h.Port) }

// Pipe is a raw bidirectional byte pipe supplied by a candidate
// transport: an opaque reliable-within-lifetime stream per §1.
type Pipe = io.ReadWriteCloser

// Dialer opens a Pipe to a hint. Concrete transports (QUIC, WebSocket,
// HTTP/2) implement this by opening one stream/connection and handing
// it back as the entire L2 byte pipe.
type Dialer interface {
	Dial(ctx context.Context, hint Hint) (Pipe, error)
}

// CandidateListener accepts inbound Pipes on a locally bound address and
// reports the hint(s) peers should dial to reach it.
type CandidateListener interface {
	Hints() []Hint
	Accept(ctx context.Context) (Pipe, error)
	Close() error
}

// ErrNoCandidate is returned when a generation's fan-out produces no
// usable candidate before the overall giveup timeout.
var ErrNoCandidate = errors.New("connector: no candidate became ready")

// selectionMarkerSeq is the reserved sequence number for the leader's
// selection marker (§4.5 step 5). It sits just below the handshake's own
// reserved seqnum and above any seqnum a real L3 session will reach, so
// it can never collide with a session-assigned nonce on the winning L2.
const selectionMarkerSeq uint32 = 0xFFFFFFFE

// Config bounds the connector's timers (§5 defaults).
type Config struct {
	NothingBetterWindow time.Duration
	GiveupTimeout       time.Duration
	DialRateLimit       rate.Limit
}

// DefaultConfig returns the §5 defaults.
func DefaultConfig() Config {
	return Config{
		NothingBetterWindow: 1 * time.Second,
		GiveupTimeout:       30 * time.Second,
		DialRateLimit:       20,
	}
}

// candidate is one in-negotiation or negotiated transport attempt.
type candidate struct {
	pipe      Pipe
	l2        *l2.Conn
	sink      *markerSink
	rtt       time.Duration
	readyAt   time.Time
	cancel    context.CancelFunc
	firstSeen chan firstRecord
}

// Winner is the single candidate selected for a generation (§4.5 steps
// 5-6), handed to the dilation controller for attachment to L3.
type Winner struct {
	Conn *l2.Conn
	sink *markerSink
}

// AttachSink wires the L3 session as this L2's steady-state record
// sink, after the selection marker has already been consumed.
func (w *Winner) AttachSink(sink l2.Sink) {
	w.sink.SetForward(sink)
}

type firstRecord struct {
	seq uint32
	rec wire.Record
}

// markerSink is an l2.Sink that reports only the first inbound record it
// observes (the leader's selection marker, on the winning candidate), and
// queues every record after that until a real session sink is wired in
// via SetForward. The winning candidate keeps reading off the wire the
// moment it's selected — often before the dilation controller gets a
// chance to call AttachSink — so a second candidate can win selection on
// one side while the other side is still replaying its outbound queue
// onto the (now winning) L2; without queuing, those records would be
// silently dropped on the floor.
type markerSink struct {
	once  sync.Once
	first chan firstRecord

	mu      sync.Mutex
	forward l2.Sink
	queued  []firstRecord
}

func (m *markerSink) HandleInbound(seq uint32, r wire.Record) {
	delivered := false
	m.once.Do(func() {
		delivered = true
		m.first <- firstRecord{seq: seq, rec: r}
	})
	if delivered {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.forward == nil {
		m.queued = append(m.queued, firstRecord{seq: seq, rec: r})
		return
	}
	m.forward.HandleInbound(seq, r)
}

// SetForward wires the real session sink once the winning candidate has
// been attached to L3, flushing any records that arrived in the gap
// between selection and attachment, in the order they were received.
// Held under the same lock HandleInbound uses, so a record that arrives
// concurrently with this call either lands in the flushed queue or is
// forwarded directly afterward — never both, and never out of order.
func (m *markerSink) SetForward(sink l2.Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.queued {
		sink.HandleInbound(rec.seq, rec.rec)
	}
	m.queued = nil
	m.forward = sink
}

// Connector runs one generation's worth of candidate negotiation and
// selection.
type Connector struct {
	generation uint64
	isLeader   bool
	keys       seal.Keys
	dialers    []Dialer
	listeners  []CandidateListener
	logger     *slog.Logger
	cfg        Config
	limiter    *rate.Limiter
	markerWon  chan *candidate
	metrics    *metrics.Metrics
}

// SetMetrics attaches m so this generation's candidate attempts are
// exported as Prometheus metrics. nil is a valid no-op value (the
// default).
func (c *Connector) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
	if m != nil {
		m.Generation.Set(float64(c.generation))
		m.GenerationsStarted.Inc()
	}
}

// New creates a Connector scoped to one generation.
func New(generation uint64, isLeader bool, keys seal.Keys, dialers []Dialer, listeners []CandidateListener, logger *slog.Logger, cfg Config) *Connector {
	if logger == nil {
		logger = logging.NopLogger()
	}
	limit := cfg.DialRateLimit
	if limit <= 0 {
		limit = DefaultConfig().DialRateLimit
	}
	return &Connector{
		generation: generation,
		isLeader:   isLeader,
		keys:       keys,
		dialers:    dialers,
		listeners:  listeners,
		logger:     logger,
		cfg:        cfg,
		limiter:    rate.NewLimiter(limit, int(limit)+1),
		markerWon:  make(chan *candidate, 1),
	}
}

// Hints returns the hints to publish for this generation (HINTS-n, §4.5
// step 2), drawn from every local listener.
func (c *Connector) Hints() []Hint {
	var hints []Hint
	for _, l := range c.listeners {
		hints = append(hints, l.Hints()...)
	}
	return hints
}

// Run fans out dials to every hint and accepts on every local listener,
// negotiates each resulting pipe as an L2 candidate, and returns the one
// candidate selected per §4.5 steps 5-6. The returned Winner's L2 has
// already completed its handshake; the caller attaches the L3 session
// via Winner.AttachSink before relying on further inbound records.
func (c *Connector) Run(ctx context.Context, peerHints []Hint) (*Winner, error) {
	selectCtx, cancel := context.WithTimeout(ctx, c.effectiveGiveup())
	defer cancel()

	candCh := make(chan *candidate, 8)
	var eg errgroup.Group

	for _, ln := range c.listeners {
		ln := ln
		eg.Go(func() error {
			return c.acceptLoop(selectCtx, ctx, ln, candCh)
		})
	}
	for _, hint := range peerHints {
		hint := hint
		eg.Go(func() error {
			return c.dialOne(selectCtx, ctx, hint, candCh)
		})
	}
	go func() {
		_ = eg.Wait()
		close(candCh)
	}()

	started := time.Now()
	winner, err := c.selectWinner(selectCtx, candCh)
	if err != nil {
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.GenerationDuration.Observe(time.Since(started).Seconds())
	}
	return winner, nil
}

func (c *Connector) effectiveGiveup() time.Duration {
	if c.cfg.GiveupTimeout > 0 {
		return c.cfg.GiveupTimeout
	}
	return DefaultConfig().GiveupTimeout
}

func (c *Connector) dialOne(selectCtx, runCtx context.Context, hint Hint, out chan<- *candidate) error {
	if err := c.limiter.Wait(selectCtx); err != nil {
		return nil
	}
	kind := hint.Type
	if kind == "" {
		kind = "direct"
	}
	for _, d := range c.dialers {
		if c.metrics != nil {
			c.metrics.CandidatesAttempted.WithLabelValues(kind).Inc()
		}
		pipe, err := d.Dial(selectCtx, hint)
		if err != nil {
			c.logger.Debug("connector: dial failed", logging.KeyCandidate, hint.Addr(), logging.KeyError, err)
			continue
		}
		c.negotiateAndEmit(selectCtx, runCtx, pipe, kind, out)
		return nil
	}
	return nil
}

func (c *Connector) acceptLoop(selectCtx, runCtx context.Context, ln CandidateListener, out chan<- *candidate) error {
	kind := "direct"
	if hints := ln.Hints(); len(hints) > 0 && hints[0].Type != "" {
		kind = hints[0].Type
	}
	for {
		pipe, err := ln.Accept(selectCtx)
		if err != nil {
			return nil
		}
		if c.metrics != nil {
			c.metrics.CandidatesAttempted.WithLabelValues(kind).Inc()
		}
		c.negotiateAndEmit(selectCtx, runCtx, pipe, kind, out)
	}
}

// negotiateAndEmit runs one candidate's handshake and, if it survives to
// selection, reports it on out. selectCtx bounds how long this candidate
// is allowed to take to become ready and to wait for selection; runCtx is
// the caller's own, un-timed context, and is what the candidate's L2 read
// loop is actually parented on, so the winner's connection keeps running
// after Run returns instead of dying with the selection timeout.
func (c *Connector) negotiateAndEmit(selectCtx, runCtx context.Context, pipe Pipe, kind string, out chan<- *candidate) {
	candCtx, cancel := context.WithCancel(runCtx)
	first := make(chan firstRecord, 1)
	sink := &markerSink{first: first}
	if c.isLeader {
		// The leader sends the selection marker instead of receiving one,
		// so every inbound record on its candidates is session traffic.
		sink.once.Do(func() {})
	}
	conn := l2.New(pipe, c.keys, sink, c.logger)

	started := time.Now()
	go func() {
		defer recovery.RecoverWithLog(c.logger, "connector.negotiate")
		_ = conn.Run(candCtx)
	}()

	select {
	case <-conn.Ready():
	case <-selectCtx.Done():
		cancel()
		_ = pipe.Close()
		return
	}

	if c.metrics != nil {
		c.metrics.CandidatesReady.WithLabelValues(kind).Inc()
	}

	cand := &candidate{
		pipe:      pipe,
		l2:        conn,
		sink:      sink,
		rtt:       time.Since(started),
		readyAt:   time.Now(),
		cancel:    cancel,
		firstSeen: first,
	}
	select {
	case out <- cand:
	case <-selectCtx.Done():
		cancel()
		_ = pipe.Close()
	}
}

// selectWinner implements §4.5 steps 5 (leader) and 6 (follower).
func (c *Connector) selectWinner(ctx context.Context, candCh <-chan *candidate) (*Winner, error) {
	if c.isLeader {
		return c.selectWinnerLeader(ctx, candCh)
	}
	return c.selectWinnerFollower(ctx, candCh)
}

func (c *Connector) selectWinnerLeader(ctx context.Context, candCh <-chan *candidate) (*Winner, error) {
	var ready []*candidate
	var timer *time.Timer
	var timerCh <-chan time.Time

	window := c.cfg.NothingBetterWindow
	if window <= 0 {
		window = DefaultConfig().NothingBetterWindow
	}

	for {
		select {
		case cand, ok := <-candCh:
			if !ok && len(ready) == 0 {
				return nil, ErrNoCandidate
			}
			if ok {
				ready = append(ready, cand)
				if timer == nil {
					timer = time.NewTimer(window)
					timerCh = timer.C
				}
			}
		case <-timerCh:
			return c.pickAndCancelRest(ready)
		case <-ctx.Done():
			c.cancelAll(ready)
			return nil, fmt.Errorf("connector: %w", ctx.Err())
		}
	}
}

func (c *Connector) pickAndCancelRest(ready []*candidate) (*Winner, error) {
	if len(ready) == 0 {
		return nil, ErrNoCandidate
	}
	best := ready[0]
	for _, cand := range ready[1:] {
		if cand.rtt < best.rtt {
			best = cand
		}
	}
	if err := best.l2.SendRecord(selectionMarkerSeq, wire.Ping()); err != nil {
		c.logger.Warn("connector: failed to send selection marker", logging.KeyError, err)
	}
	for _, cand := range ready {
		if cand != best {
			cand.cancel()
			_ = cand.pipe.Close()
		}
	}
	return &Winner{Conn: best.l2, sink: best.sink}, nil
}

func (c *Connector) cancelAll(ready []*candidate) {
	for _, cand := range ready {
		cand.cancel()
		_ = cand.pipe.Close()
	}
}

func (c *Connector) selectWinnerFollower(ctx context.Context, candCh <-chan *candidate) (*Winner, error) {
	var pending []*candidate
	for {
		select {
		case cand, ok := <-candCh:
			if !ok {
				c.cancelAll(pending)
				return nil, ErrNoCandidate
			}
			pending = append(pending, cand)
			go c.watchForMarker(ctx, cand)
		case cand := <-c.markerWon:
			for _, other := range pending {
				if other != cand {
					other.cancel()
					_ = other.pipe.Close()
				}
			}
			return &Winner{Conn: cand.l2, sink: cand.sink}, nil
		case <-ctx.Done():
			c.cancelAll(pending)
			return nil, fmt.Errorf("connector: %w", ctx.Err())
		}
	}
}

func (c *Connector) watchForMarker(ctx context.Context, cand *candidate) {
	select {
	case <-cand.firstSeen:
		select {
		case c.markerWon <- cand:
		case <-ctx.Done():
		}
	case <-ctx.Done():
	}
}
