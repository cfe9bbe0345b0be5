// Package l2 implements the per-connection L2 framed crypto protocol
// (§4.2): it owns one raw byte pipe, performs the handshake that proves
// knowledge of the session keys, and turns the pipe into a stream of
// authenticated records delivered to an L3 session.
package l2

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/dilation/core/internal/logging"
	"github.com/dilation/core/internal/recovery"
	"github.com/dilation/core/internal/seal"
	"github.com/dilation/core/internal/wire"
)

// magic is the fixed string exchanged during negotiation: each side
// sends it encrypted under its own outbound key, and advancing past
// decryption proves possession of the shared session keys (§4.2).
var magic = []byte("dilation-l2-negotiate")

// handshakeSeq is the fixed nonce counter used only for the negotiation
// frame; it is never reused once the session's real seqnum counter
// (which starts at 0 independently) begins.
const handshakeSeq uint32 = 0xFFFFFFFF

// writeBackpressureHighWater/LowWater bound the outbound pipe
// backpressure signal (§4.2): once this many SendRecord calls are
// piled up waiting on the same underlying pipe write, registered
// producers are paused; they're resumed once the backlog drains back
// down to the low watermark.
const (
	writeBackpressureHighWater = 4
	writeBackpressureLowWater  = 1
)

// ErrNotNegotiated is returned by SendRecord before the handshake
// completes.
var ErrNotNegotiated = errors.New("l2: not negotiated")

// state mirrors the connection lifecycle in the teacher's peer package,
// narrowed to what L2 itself needs: a raw pipe only ever negotiates
// once, then carries records until it is closed.
type state int32

const (
	stateHandshaking state = iota
	stateNegotiated
	stateClosed
)

// Sink receives decoded, authenticated records from an L2 once
// negotiated. Satisfied by *session.Session.
type Sink interface {
	HandleInbound(seq uint32, r wire.Record)
}

// Producer is the pause/resume contract L2 propagates to registered
// subchannel producers when the underlying pipe backs up (§4.2).
type Producer interface {
	Pause()
	Resume()
}

// Conn wraps one raw bidirectional byte pipe (a Connector candidate
// after it was selected, or the sole pipe in a test) as one L2
// connection.
type Conn struct {
	pipe   io.ReadWriteCloser
	keys   seal.Keys
	logger *slog.Logger
	sink   Sink
	fr     *wire.Reader

	state     atomic.Int32
	writeMu   sync.Mutex
	pending   atomic.Int32
	ready     chan struct{}
	readyOnce sync.Once

	producersMu sync.Mutex
	producers   []*producerEntry
	paused      bool

	closeOnce sync.Once
	closed    chan struct{}
}

type producerEntry struct {
	producer Producer
	paused   bool
}

// New wraps pipe as an L2 connection using keys and delivers negotiated
// records to sink. The handshake and read loop must be started with Run.
func New(pipe io.ReadWriteCloser, keys seal.Keys, sink Sink, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Conn{
		pipe:   pipe,
		keys:   keys,
		sink:   sink,
		logger: logger,
		ready:  make(chan struct{}),
		closed: make(chan struct{}),
	}
}

// Ready returns a channel closed once negotiation succeeds.
func (c *Conn) Ready() <-chan struct{} { return c.ready }

// Closed returns a channel closed once the connection has been torn down.
func (c *Conn) Closed() <-chan struct{} { return c.closed }

// Run performs the handshake and then the inbound read loop. It blocks
// until the pipe closes or ctx is cancelled; callers typically invoke it
// in its own goroutine.
func (c *Conn) Run(ctx context.Context) error {
	if err := c.negotiate(); err != nil {
		c.Close()
		return fmt.Errorf("l2: negotiate: %w", err)
	}
	c.state.Store(int32(stateNegotiated))
	c.readyOnce.Do(func() { close(c.ready) })

	return c.readLoop(ctx)
}

// negotiate exchanges the fixed magic string under each side's outbound
// key. Decrypting the peer's handshake frame proves it holds the shared
// session keys. The handshake rides a bare sealed magic string rather
// than a Record: it predates any seqnum the L3 session will ever assign.
func (c *Conn) negotiate() error {
	ciphertext := seal.Seal(c.keys.Outbound, handshakeSeq, magic)
	length := uint32(4 + len(ciphertext))
	buf := make([]byte, 8+len(ciphertext))
	buf[0] = byte(length)
	buf[1] = byte(length >> 8)
	buf[2] = byte(length >> 16)
	buf[3] = byte(length >> 24)
	buf[4] = byte(handshakeSeq)
	buf[5] = byte(handshakeSeq >> 8)
	buf[6] = byte(handshakeSeq >> 16)
	buf[7] = byte(handshakeSeq >> 24)
	copy(buf[8:], ciphertext)

	c.writeMu.Lock()
	_, err := c.pipe.Write(buf)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}

	fr := wire.NewReader(c.pipe)
	frame, err := fr.ReadFrame()
	if err != nil {
		return fmt.Errorf("read handshake: %w", err)
	}
	if len(frame) < 4 {
		return errors.New("handshake frame too short")
	}
	plaintext, err := seal.Open(c.keys.Inbound, handshakeSeq, frame[4:])
	if err != nil {
		return fmt.Errorf("decrypt handshake: %w", err)
	}
	if !bytes.Equal(plaintext, magic) {
		return errors.New("handshake payload mismatch")
	}
	c.fr = fr
	return nil
}

func (c *Conn) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			c.Close()
			return ctx.Err()
		default:
		}

		frame, err := c.fr.ReadFrame()
		if err != nil {
			c.Close()
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("l2: read: %w", err)
		}

		seq, rec, err := wire.Decode(c.keys.Inbound, frame)
		if err != nil {
			c.logger.Debug("l2: dropping malformed/unauthenticated frame", logging.KeyError, err)
			continue
		}
		c.sink.HandleInbound(seq, rec)
	}
}

// SendRecord serializes and writes one record under the given outbound
// seqnum. Safe for concurrent use.
func (c *Conn) SendRecord(seq uint32, r wire.Record) error {
	if state(c.state.Load()) != stateNegotiated {
		return ErrNotNegotiated
	}
	return c.writeRaw(seq, r)
}

func (c *Conn) writeRaw(seq uint32, r wire.Record) error {
	data, err := wire.Encode(c.keys.Outbound, seq, r)
	if err != nil {
		return err
	}
	if c.pending.Add(1) >= writeBackpressureHighWater {
		c.PauseProducing()
	}
	c.writeMu.Lock()
	_, err = c.pipe.Write(data)
	c.writeMu.Unlock()
	if c.pending.Add(-1) <= writeBackpressureLowWater {
		c.ResumeProducing()
	}
	return err
}

// RegisterProducer registers a producer to receive Pause/Resume calls
// as this L2's outbound path backs up.
func (c *Conn) RegisterProducer(p Producer) {
	c.producersMu.Lock()
	defer c.producersMu.Unlock()
	c.producers = append(c.producers, &producerEntry{producer: p})
	if c.paused {
		p.Pause()
	}
}

// UnregisterProducer removes a previously registered producer.
func (c *Conn) UnregisterProducer(p Producer) {
	c.producersMu.Lock()
	defer c.producersMu.Unlock()
	for i, e := range c.producers {
		if e.producer == p {
			c.producers = append(c.producers[:i], c.producers[i+1:]...)
			return
		}
	}
}

// PauseProducing propagates a pause to every registered producer.
func (c *Conn) PauseProducing() {
	c.producersMu.Lock()
	defer c.producersMu.Unlock()
	c.paused = true
	for _, e := range c.producers {
		if !e.paused {
			e.paused = true
			e.producer.Pause()
		}
	}
}

// ResumeProducing releases paused producers in FIFO order of
// registration (§4.2).
func (c *Conn) ResumeProducing() {
	c.producersMu.Lock()
	defer c.producersMu.Unlock()
	c.paused = false
	for _, e := range c.producers {
		if e.paused {
			e.paused = false
			e.producer.Resume()
		}
	}
}

// Close tears down the pipe exactly once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.state.Store(int32(stateClosed))
		err = c.pipe.Close()
		close(c.closed)
	})
	return err
}

// RunInBackground starts Run in its own recovered goroutine and logs
// its terminal error, for callers that don't need to block on it.
func (c *Conn) RunInBackground(ctx context.Context) {
	go func() {
		defer recovery.RecoverWithLog(c.logger, "l2.Run")
		if err := c.Run(ctx); err != nil {
			c.logger.Debug("l2: connection ended", logging.KeyError, err)
		}
	}()
}
