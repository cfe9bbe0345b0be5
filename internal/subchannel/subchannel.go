package subchannel

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/dilation/core/internal/logging"
)

// ErrClosed reports a subchannel that is no longer open. Write and
// WriteSequence do not return it: once the subchannel has left the open
// state they fail with an *ErrProtocol from the FSM.
var ErrClosed = errors.New("subchannel: closed")

// Sender is the L3 session operations a subchannel needs: sending data
// and close records for its own id. Satisfied by *session.Session.
type Sender interface {
	SendData(subchannelID uint32, payload []byte) error
	SendClose(subchannelID uint32) error
}

// DataCallback is invoked once per inbound DATA record delivered to an
// open subchannel.
type DataCallback func(data []byte)

// ClosedCallback is invoked exactly once, when the subchannel reaches
// the closed state, either locally or remotely initiated.
type ClosedCallback func(err error)

// producerEntry is one registered producer/consumer, in the order
// registered, so resume_producing can release them FIFO (§4.2).
type producerEntry struct {
	producer  Producer
	streaming bool
	paused    bool
}

// Producer is the pause/resume contract a subchannel can push to an
// upstream data source. streaming=true producers are actively pushing
// and must honor Pause/Resume; streaming=false producers are pull-only
// and only Resume is meaningful to them.
type Producer interface {
	Pause()
	Resume()
}

// Conn is the application-facing handle for one subchannel: write,
// write_sequence, lose_connection, and the registered data/closed
// callbacks and producer/consumer contract described in §6.
type Conn struct {
	ID       uint32
	IsRemote bool // true if this subchannel was opened by the remote peer

	sender Sender
	logger *slog.Logger

	mu    sync.Mutex
	state State

	onData   DataCallback
	onClosed ClosedCallback

	producers []*producerEntry

	readBuffer chan []byte
	closeOnce  sync.Once
	doneCh     chan struct{}

	bufferCap int
	buffered  atomic.Int32
}

// Config bounds a Conn's internal read buffer, grounding the
// backpressure behavior required by §4.2: once the buffer is full the
// subchannel must report pause upward to its application.
type Config struct {
	BufferSize int
}

// DefaultConfig returns the subchannel buffer defaults.
func DefaultConfig() Config {
	return Config{BufferSize: 256}
}

// New creates a subchannel Conn. id is the remote or locally allocated
// subchannel id (odd for leader-opened, even for follower-opened, 0
// reserved for the control channel). A remotely-discovered subchannel
// (isRemote) starts idle: remote_open is its sole legal entry, delivered
// via HandleRemoteOpen once the OPEN record is dispatched. A
// locally-opened one starts open directly: it is the side that sent
// OPEN, so there is no remote_open event coming to drive it out of idle.
func New(id uint32, isRemote bool, sender Sender, logger *slog.Logger, cfg Config) *Conn {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	initial := StateOpen
	if isRemote {
		initial = StateIdle
	}
	return &Conn{
		ID:         id,
		IsRemote:   isRemote,
		sender:     sender,
		logger:     logger,
		state:      initial,
		readBuffer: make(chan []byte, cfg.BufferSize),
		doneCh:     make(chan struct{}),
		bufferCap:  cfg.BufferSize,
	}
}

// OnData registers the callback invoked for each inbound data payload.
func (c *Conn) OnData(cb DataCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onData = cb
}

// OnClosed registers the callback invoked once the subchannel closes.
func (c *Conn) OnClosed(cb ClosedCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClosed = cb
}

// State returns the current FSM state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done returns a channel closed once the subchannel reaches the closed
// state.
func (c *Conn) Done() <-chan struct{} {
	return c.doneCh
}

// HandleRemoteOpen drives the idle->open transition. Called by the
// session when dispatching an inbound OPEN record for this id.
func (c *Conn) HandleRemoteOpen() error {
	return c.apply(EventRemoteOpen, nil)
}

// HandleRemoteData drives remote_data. Called by the session when
// dispatching an inbound DATA record for this id.
func (c *Conn) HandleRemoteData(payload []byte) error {
	return c.apply(EventRemoteData, payload)
}

// HandleRemoteClose drives remote_close. Called by the session when
// dispatching an inbound CLOSE record for this id.
func (c *Conn) HandleRemoteClose() error {
	return c.apply(EventRemoteClose, nil)
}

// Write sends payload to the peer, chunked by the caller as needed. It
// is the local_data input to the FSM.
func (c *Conn) Write(data []byte) error {
	return c.apply(EventLocalData, data)
}

// WriteSequence concatenates chunks and writes them as a single DATA
// record, matching the write_sequence contract of §6.
func (c *Conn) WriteSequence(chunks [][]byte) error {
	total := 0
	for _, ch := range chunks {
		total += len(ch)
	}
	buf := make([]byte, 0, total)
	for _, ch := range chunks {
		buf = append(buf, ch...)
	}
	return c.Write(buf)
}

// LoseConnection performs a graceful local close: send CLOSE, transition
// to closing, await the peer's CLOSE (§4.5 Cancellation semantics).
func (c *Conn) LoseConnection() error {
	return c.apply(EventLocalClose, nil)
}

// RegisterProducer registers an upstream producer. streaming selects
// push (pause/resume honored) vs pull (resume only) semantics per §6.
func (c *Conn) RegisterProducer(p Producer, streaming bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.producers = append(c.producers, &producerEntry{producer: p, streaming: streaming})
}

// UnregisterProducer removes a previously registered producer.
func (c *Conn) UnregisterProducer(p Producer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.producers {
		if e.producer == p {
			c.producers = append(c.producers[:i], c.producers[i+1:]...)
			return
		}
	}
}

// pauseProducers pauses every streaming producer, most-recently
// registered last, matching the order they will later be resumed.
func (c *Conn) pauseProducers() {
	for _, e := range c.producers {
		if e.streaming && !e.paused {
			e.paused = true
			e.producer.Pause()
		}
	}
}

// resumeProducers releases paused producers in FIFO order of
// registration, per §4.2.
func (c *Conn) resumeProducers() {
	for _, e := range c.producers {
		if e.paused {
			e.paused = false
			e.producer.Resume()
		} else if !e.streaming {
			e.producer.Resume()
		}
	}
}

// PauseProducers pauses every registered streaming producer. Exported so the
// owning session can propagate its own L2-level backpressure (§4.2) down
// to whatever is pushing data into this subchannel, not just this
// subchannel's own read-buffer backpressure.
func (c *Conn) PauseProducers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pauseProducers()
}

// ResumeProducers resumes every paused producer; mirrors PauseProducers.
func (c *Conn) ResumeProducers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resumeProducers()
}

// apply runs one FSM step, performs its actions, and updates state.
func (c *Conn) apply(event Event, data []byte) error {
	c.mu.Lock()
	from := c.state
	to, actions := Step(from, event)
	c.state = to
	c.mu.Unlock()

	for _, action := range actions {
		switch action {
		case ActionDeliver:
			c.deliver(data)
		case ActionSendData:
			if err := c.sender.SendData(c.ID, data); err != nil {
				return fmt.Errorf("subchannel %d: send data: %w", c.ID, err)
			}
		case ActionSendClose:
			if err := c.sender.SendClose(c.ID); err != nil {
				return fmt.Errorf("subchannel %d: send close: %w", c.ID, err)
			}
		case ActionDeregister:
			// Session holds the registry and deletes this id itself once
			// it observes the closed state; finish runs below.
		case ActionFinalize:
			c.finish(nil)
		case ActionIgnore:
			c.logger.Debug("subchannel ignoring late data", logging.KeySubchannelID, c.ID)
		case ActionProtocolError:
			err := &ErrProtocol{State: from, Event: event}
			c.logger.Warn("subchannel protocol error",
				logging.KeySubchannelID, c.ID,
				"state", from.String(),
				"event", event.String())
			return err
		}
	}

	if to == StateClosed && from != StateClosed {
		c.finish(nil)
	}
	return nil
}

// deliver pushes an inbound payload to the registered callback, or
// buffers it and applies backpressure if the buffer is full.
func (c *Conn) deliver(data []byte) {
	c.mu.Lock()
	cb := c.onData
	c.mu.Unlock()

	if cb != nil {
		cb(data)
		return
	}

	select {
	case c.readBuffer <- data:
		if int(c.buffered.Add(1)) >= c.bufferCap {
			c.pauseProducers()
		}
	default:
		c.logger.Warn("subchannel read buffer full, dropping data", logging.KeySubchannelID, c.ID)
	}
}

// Read drains one buffered payload, for applications that poll instead
// of registering a callback. Returns false once the subchannel is
// closed and drained.
func (c *Conn) Read() ([]byte, bool) {
	select {
	case data, ok := <-c.readBuffer:
		if !ok {
			return nil, false
		}
		if c.buffered.Add(-1) == int32(c.bufferCap-1) {
			c.resumeProducers()
		}
		return data, true
	case <-c.doneCh:
		select {
		case data, ok := <-c.readBuffer:
			if ok {
				return data, true
			}
		default:
		}
		return nil, false
	}
}

// finish runs the terminal callback and closes doneCh exactly once.
func (c *Conn) finish(err error) {
	c.closeOnce.Do(func() {
		close(c.readBuffer)
		close(c.doneCh)
		c.mu.Lock()
		cb := c.onClosed
		c.mu.Unlock()
		if cb != nil {
			cb(err)
		}
	})
}
