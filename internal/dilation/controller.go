// Package dilation implements the C6 controller: it resolves leader/
// follower role from the wormhole handshake, owns the generation
// counter, drives the Connector to produce successive L2s, hands each
// to the L3 session, and exposes the three client endpoints of §4.6.
package dilation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dilation/core/internal/connector"
	"github.com/dilation/core/internal/logging"
	"github.com/dilation/core/internal/metrics"
	"github.com/dilation/core/internal/seal"
	"github.com/dilation/core/internal/session"
	"github.com/dilation/core/internal/subchannel"
	"github.com/dilation/core/internal/wormhole"
)

// hintsGrace bounds how long runGeneration waits for a HINTS-n rendezvous
// message to arrive before fanning out dials with whatever hints (if any)
// have already been received. Hints that arrive after the grace window
// are not used by that generation; they stay buffered and are returned to
// the next awaitPeerHints call. The connector's own listeners still give
// the peer a candidate to dial into.
const hintsGrace = 500 * time.Millisecond

// State is one of the controller states named in §4.6.
type State int32

const (
	StateUndecided State = iota
	StateLeaderConnecting
	StateLeaderConnected
	StateFollowerWanted
	StateFollowerConnecting
	StateFollowerConnected
	StateImpossible
)

func (s State) String() string {
	switch s {
	case StateUndecided:
		return "undecided"
	case StateLeaderConnecting:
		return "leader_connecting"
	case StateLeaderConnected:
		return "leader_connected"
	case StateFollowerWanted:
		return "follower_wanted"
	case StateFollowerConnecting:
		return "follower_connecting"
	case StateFollowerConnected:
		return "follower_connected"
	case StateImpossible:
		return "impossible"
	default:
		return "unknown"
	}
}

// ErrOldPeerCannotDilate is the terminal error every endpoint resolves
// to once the peer advertised can-dilate < 1 (§4.6, §6).
var ErrOldPeerCannotDilate = errors.New("dilation: peer cannot dilate")

// TransportFactory builds the dialers/listeners a Connector should use
// for one generation. Kept as a factory (rather than a fixed slice) so
// listener addresses can be re-bound fresh on every generation.
type TransportFactory func() ([]connector.Dialer, []connector.CandidateListener)

// Config bounds session/connector tunables and supplies the transport
// factory.
type Config struct {
	Session   session.Config
	Connector connector.Config
	Transport TransportFactory
}

// Controller is one dilation controller for one wormhole session.
type Controller struct {
	wh     wormhole.Wormhole
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	state      State
	generation atomic.Uint64
	isLeader   bool
	keys       seal.Keys
	sess       *session.Session

	controlOnce sync.Once
	outboundMu  sync.Mutex
	inboundCh   chan *subchannel.Conn

	ready     chan struct{}
	readyOnce sync.Once
	failErr   error

	hintsCh chan []wormhole.Hint
	metrics *metrics.Metrics
}

// SetMetrics attaches m so this controller's session and every future
// generation's connector export Prometheus metrics. Call before Dilate;
// nil is a valid no-op value (the default).
func (c *Controller) SetMetrics(m *metrics.Metrics) {
	c.mu.Lock()
	c.metrics = m
	c.mu.Unlock()
}

// New creates a Controller for wh. Role is resolved and the controller
// started by calling Dilate.
func New(wh wormhole.Wormhole, cfg Config, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Controller{
		wh:        wh,
		cfg:       cfg,
		logger:    logger,
		state:     StateUndecided,
		inboundCh: make(chan *subchannel.Conn, 16),
		ready:     make(chan struct{}),
		hintsCh:   make(chan []wormhole.Hint, 1),
	}
}

// Dilate is the local dilate() input (§4.6): it checks the peer's
// version advertisement, resolves role by comparing sides, and starts
// the durable session and the first generation's Connector.
func (c *Controller) Dilate(ctx context.Context) error {
	info := c.wh.PeerVersionInfo()
	if info.CanDilate < 1 {
		c.setState(StateImpossible)
		c.fail(ErrOldPeerCannotDilate)
		return ErrOldPeerCannotDilate
	}

	c.isLeader = c.wh.Side() > c.wh.PeerSide()
	if c.isLeader {
		c.setState(StateLeaderConnecting)
	} else {
		c.setState(StateFollowerWanted)
	}

	keys, err := c.deriveKeys()
	if err != nil {
		c.fail(err)
		return err
	}

	c.keys = keys
	c.sess = session.New(c.isLeader, c.logger, c.cfg.Session, c.dispatchInbound)
	c.sess.SetMetrics(c.metrics)
	c.sess.OnL2Lost(func() {
		if c.isLeader {
			c.generation.Add(1)
			go c.runGeneration(ctx)
		}
	})

	go c.runGeneration(ctx)
	return nil
}

// deriveKeys derives the two directional session keys from the
// wormhole's shared master secret (§3).
func (c *Controller) deriveKeys() (seal.Keys, error) {
	master, err := c.wh.DeriveKey("dilation-v1", seal.KeySize)
	if err != nil {
		return seal.Keys{}, fmt.Errorf("dilation: derive master key: %w", err)
	}
	return seal.DeriveKeys(master, c.isLeader)
}

// runGeneration runs one Connector round for the current generation,
// attaching the winner to L3 on success. The counter is advanced only by
// the leader on L2 loss (per §4.4 invariant "n is owned by the leader"),
// before this is called for the new generation.
func (c *Controller) runGeneration(ctx context.Context) {
	gen := c.generation.Load()

	var dialers []connector.Dialer
	var listeners []connector.CandidateListener
	if c.cfg.Transport != nil {
		dialers, listeners = c.cfg.Transport()
	}

	conn := connector.New(gen, c.isLeader, c.keys, dialers, listeners, c.logger, c.cfg.Connector)
	conn.SetMetrics(c.metrics)

	if c.isLeader {
		c.setState(StateLeaderConnecting)
	} else {
		c.setState(StateFollowerConnecting)
	}

	hints := conn.Hints()
	if err := c.wh.SendRendezvousMessage("hints", wormhole.Hints{N: gen, Hints: hints}); err != nil {
		c.logger.Warn("dilation: failed to publish hints", logging.KeyGeneration, gen, logging.KeyError, err)
	}

	peerHints := c.awaitPeerHints(ctx)
	winner, err := conn.Run(ctx, peerHints)
	if err != nil {
		c.logger.Warn("dilation: generation failed", logging.KeyGeneration, gen, logging.KeyError, err)
		return
	}

	winner.AttachSink(c.sess)
	c.sess.L2Connected(winner.Conn)

	if c.isLeader {
		c.setState(StateLeaderConnected)
	} else {
		c.setState(StateFollowerConnected)
	}
	c.readyOnce.Do(func() { close(c.ready) })
}

// ReceiveHints handles an inbound HINTS-n rendezvous message (§6);
// stale generations are ignored per §4.5. The hints are handed to
// runGeneration's in-flight awaitPeerHints call for this generation.
func (c *Controller) ReceiveHints(n uint64, hints []wormhole.Hint) {
	if n < c.generation.Load() {
		return
	}
	c.deliverHints(hints)
}

// ReceiveLetsDilate is the rx_LETS_DILATE(n) input (§4.6), driving the
// follower to create its Connector for generation n. Messages with
// older n are ignored (§4.5). Any hints bundled with LETS_DILATE itself
// are delivered the same way as a standalone HINTS-n message.
func (c *Controller) ReceiveLetsDilate(ctx context.Context, n uint64, hints []wormhole.Hint) {
	if n < c.generation.Load() {
		return
	}
	c.generation.Store(n)
	if len(hints) > 0 {
		c.deliverHints(hints)
	}
	go c.runGeneration(ctx)
}

// deliverHints replaces whatever hints are currently buffered for the
// in-flight generation with the newest set.
func (c *Controller) deliverHints(hints []wormhole.Hint) {
	select {
	case <-c.hintsCh:
	default:
	}
	select {
	case c.hintsCh <- hints:
	default:
	}
}

// awaitPeerHints blocks up to hintsGrace for a HINTS-n message to arrive
// for the generation currently starting, returning nil if none shows up
// in time: the connector's own listeners still give the peer a candidate
// to dial into even with no peer hints to dial ourselves.
func (c *Controller) awaitPeerHints(ctx context.Context) []wormhole.Hint {
	select {
	case hints := <-c.hintsCh:
		return hints
	case <-time.After(hintsGrace):
		return nil
	case <-ctx.Done():
		return nil
	}
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// State returns the current controller state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) fail(err error) {
	c.mu.Lock()
	c.failErr = err
	c.mu.Unlock()
	c.readyOnce.Do(func() { close(c.ready) })
}

// dispatchInbound is the inbound subchannel endpoint's factory (§4.6):
// every peer-initiated subchannel (other than the control channel) is
// pushed here for the application to drain via AcceptInbound.
func (c *Controller) dispatchInbound(conn *subchannel.Conn) {
	select {
	case c.inboundCh <- conn:
	default:
		c.logger.Warn("dilation: inbound subchannel queue full, dropping")
	}
}

// ControlEndpoint is the single-use control endpoint (§4.6): it resolves
// once L3 is ready, bound to subchannel id 0.
func (c *Controller) ControlEndpoint(ctx context.Context) (*subchannel.Conn, error) {
	select {
	case <-c.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	c.mu.Lock()
	err := c.failErr
	sess := c.sess
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	var conn *subchannel.Conn
	c.controlOnce.Do(func() {
		conn, err = sess.OpenControlChannel()
	})
	if conn == nil && err == nil {
		return nil, session.ErrControlAlreadyOpened
	}
	return conn, err
}

// Connect is the outbound subchannel endpoint (§4.6): each call opens a
// fresh subchannel once L3 is ready.
func (c *Controller) Connect(ctx context.Context) (*subchannel.Conn, error) {
	select {
	case <-c.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	c.mu.Lock()
	err := c.failErr
	sess := c.sess
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	c.outboundMu.Lock()
	defer c.outboundMu.Unlock()
	return sess.OpenSubchannel()
}

// AcceptInbound is the inbound subchannel endpoint (§4.6): it blocks
// until the peer opens a subchannel or ctx is cancelled.
func (c *Controller) AcceptInbound(ctx context.Context) (*subchannel.Conn, error) {
	select {
	case <-c.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	c.mu.Lock()
	err := c.failErr
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	select {
	case conn := <-c.inboundCh:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears down L3, all L2s, and every pending endpoint — the hard
// wormhole-shutdown path of §5.
func (c *Controller) Close() {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess != nil {
		sess.Close()
	}
	c.fail(errors.New("dilation: controller closed"))
}
