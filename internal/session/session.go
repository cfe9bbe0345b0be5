// Package session implements the L3 durable dilation session (§4.4): a
// reconnectable, multiplexed record stream that survives L2 loss by
// replaying an outbound queue and deduplicating inbound records against
// a seen set.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dilation/core/internal/l2"
	"github.com/dilation/core/internal/logging"
	"github.com/dilation/core/internal/metrics"
	"github.com/dilation/core/internal/recovery"
	"github.com/dilation/core/internal/subchannel"
	"github.com/dilation/core/internal/wire"
)

// producerRegistrar is implemented by L2 connections that support
// propagating backpressure to whatever feeds them (the real *l2.Conn);
// test doubles that only implement L2 are exempt, so a Session can
// safely attach to either.
type producerRegistrar interface {
	RegisterProducer(p l2.Producer)
	UnregisterProducer(p l2.Producer)
}

// ControlSubchannelID is the reserved id for the single-use control
// channel (§3).
const ControlSubchannelID uint32 = 0

// ErrControlAlreadyOpened is returned by OpenControlChannel on the
// second call.
var ErrControlAlreadyOpened = errors.New("session: control channel already opened")

// L2 is the minimal operation a durable session needs from its current
// transport attachment: write one wire record under the outbound
// direction's key and sequence number.
type L2 interface {
	SendRecord(seq uint32, r wire.Record) error
}

// outboundEntry is one queued, not-yet-acknowledged outbound record.
type outboundEntry struct {
	seq uint32
	rec wire.Record
}

// Config bounds the durable session's timers and buffers (§5).
type Config struct {
	PingInterval     time.Duration
	LivenessTimeout  time.Duration
	SubchannelBuffer int
	// SeenWindow is how many out-of-order seqnums ahead of the watermark
	// are still tracked individually for duplicate suppression.
	SeenWindow int
}

// DefaultConfig returns the tunables named in §5.
func DefaultConfig() Config {
	return Config{
		PingInterval:     30 * time.Second,
		LivenessTimeout:  60 * time.Second,
		SubchannelBuffer: subchannel.DefaultConfig().BufferSize,
		SeenWindow:       256,
	}
}

// IDAllocator hands out subchannel ids with the role's parity: leader
// allocates odd ids starting at 1, follower even starting at 2.
type IDAllocator struct {
	next uint32
}

// NewIDAllocator returns an allocator for the given role.
func NewIDAllocator(isLeader bool) *IDAllocator {
	if isLeader {
		return &IDAllocator{next: 1}
	}
	return &IDAllocator{next: 2}
}

// Next returns the next id and advances by 2, preserving parity.
func (a *IDAllocator) Next() uint32 {
	id := a.next
	a.next += 2
	return id
}

// Session is the L3 durable session for one dilation controller. All
// mutation happens through its exported methods, which callers must
// serialize onto a single goroutine (§5): Session itself guards its
// state with a mutex so concurrent callers are safe, but the ordering
// guarantees of §5 only hold if inbound dispatch is itself serialized.
type Session struct {
	logger *slog.Logger
	cfg    Config
	ids    *IDAllocator

	mu               sync.Mutex
	l2               L2
	nextOutboundSeq  uint32
	outboundQueue    []outboundEntry
	seenWatermark    int64 // highest contiguous inbound seqnum seen, -1 if none
	seenOutOfOrder   map[uint32]struct{}
	subchannels      map[uint32]*subchannel.Conn
	controlOpened    bool
	lastInboundAt    time.Time
	newSubchannel    func(id uint32, isRemote bool) *subchannel.Conn
	inboundOpenHook  func(conn *subchannel.Conn)
	livenessTimer    *time.Timer
	pingTimer        *time.Timer
	closed           bool
	onL2Lost         func()
	metrics          *metrics.Metrics
}

// SetMetrics attaches m so subsequent session events are exported as
// Prometheus metrics. Safe to call once before the session sees traffic;
// nil is a valid no-op value (the default).
func (s *Session) SetMetrics(m *metrics.Metrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = m
}

// New creates a Session for the given role. newSubchannel constructs a
// *subchannel.Conn wired back to this session's Sender methods;
// onInboundOpen is invoked for each peer-initiated subchannel (the
// inbound subchannel endpoint's factory, §4.6).
func New(isLeader bool, logger *slog.Logger, cfg Config, onInboundOpen func(conn *subchannel.Conn)) *Session {
	if logger == nil {
		logger = logging.NopLogger()
	}
	s := &Session{
		logger:          logger,
		cfg:             cfg,
		ids:             NewIDAllocator(isLeader),
		seenWatermark:   -1,
		seenOutOfOrder:  make(map[uint32]struct{}),
		subchannels:     make(map[uint32]*subchannel.Conn),
		inboundOpenHook: onInboundOpen,
	}
	s.newSubchannel = func(id uint32, isRemote bool) *subchannel.Conn {
		return subchannel.New(id, isRemote, s, logger, subchannel.Config{BufferSize: cfg.SubchannelBuffer})
	}
	return s
}

// OpenSubchannel allocates the next id for this role, sends OPEN,
// registers, and returns a handle (§4.4).
func (s *Session) OpenSubchannel() (*subchannel.Conn, error) {
	s.mu.Lock()
	id := s.ids.Next()
	conn := s.newSubchannel(id, false)
	s.subchannels[id] = conn
	s.mu.Unlock()

	if err := s.enqueue(wire.Open(id)); err != nil {
		return nil, err
	}
	return conn, nil
}

// OpenControlChannel returns the single-use handle bound to subchannel
// id 0. The second call fails.
func (s *Session) OpenControlChannel() (*subchannel.Conn, error) {
	s.mu.Lock()
	if s.controlOpened {
		s.mu.Unlock()
		return nil, ErrControlAlreadyOpened
	}
	s.controlOpened = true
	conn, exists := s.subchannels[ControlSubchannelID]
	if !exists {
		conn = s.newSubchannel(ControlSubchannelID, false)
		s.subchannels[ControlSubchannelID] = conn
	}
	s.mu.Unlock()
	return conn, nil
}

// SendData enqueues a DATA record for subchannelID and transmits
// immediately if an L2 is attached. Part of the subchannel.Sender
// interface.
func (s *Session) SendData(subchannelID uint32, payload []byte) error {
	return s.enqueue(wire.Data(subchannelID, payload))
}

// SendClose enqueues a CLOSE record for subchannelID. Part of the
// subchannel.Sender interface.
func (s *Session) SendClose(subchannelID uint32) error {
	return s.enqueue(wire.Close(subchannelID))
}

// enqueue appends rec to the outbound queue under the next seqnum and
// transmits it immediately if an L2 is attached.
func (s *Session) enqueue(rec wire.Record) error {
	s.mu.Lock()
	seq := s.nextOutboundSeq
	s.nextOutboundSeq++
	s.outboundQueue = append(s.outboundQueue, outboundEntry{seq: seq, rec: rec})
	l2 := s.l2
	m := s.metrics
	depth := len(s.outboundQueue)
	s.mu.Unlock()

	if m != nil {
		m.OutboundQueueDepth.Set(float64(depth))
	}

	if l2 == nil {
		return nil
	}
	if err := l2.SendRecord(seq, rec); err != nil {
		return fmt.Errorf("session: send %s: %w", wire.TagName(rec.Tag), err)
	}
	if m != nil {
		m.RecordsSent.WithLabelValues(wire.TagName(rec.Tag)).Inc()
	}
	return nil
}

// sendAck transmits an ACK for the given inbound seqnum. ACKs are
// sequenced but never enqueued: they are never retransmitted (§4.4).
func (s *Session) sendAck(inboundSeq uint32) {
	s.mu.Lock()
	seq := s.nextOutboundSeq
	s.nextOutboundSeq++
	l2 := s.l2
	s.mu.Unlock()

	if l2 == nil {
		return
	}
	if err := l2.SendRecord(seq, wire.Ack(inboundSeq)); err != nil {
		s.logger.Warn("session: failed to send ack", logging.KeyError, err)
	}
}

// L2Connected attaches conn and replays the entire outbound queue in
// order (§4.4). If conn supports producer registration, the session
// registers itself so conn can propagate its own outbound backpressure
// down to whatever is feeding this session's subchannels.
func (s *Session) L2Connected(conn L2) {
	s.mu.Lock()
	s.l2 = conn
	queue := make([]outboundEntry, len(s.outboundQueue))
	copy(queue, s.outboundQueue)
	s.mu.Unlock()

	if reg, ok := conn.(producerRegistrar); ok {
		reg.RegisterProducer(s)
	}

	for _, e := range queue {
		if err := conn.SendRecord(e.seq, e.rec); err != nil {
			s.logger.Warn("session: replay failed", logging.KeyError, err, logging.KeySeqNum, e.seq)
			return
		}
	}
	s.resetLiveness()

	s.mu.Lock()
	m := s.metrics
	s.mu.Unlock()
	if m != nil {
		m.L2Active.Set(1)
	}
}

// L2Lost detaches the current L2, keeping the outbound queue intact.
func (s *Session) L2Lost() {
	s.mu.Lock()
	old := s.l2
	s.l2 = nil
	hook := s.onL2Lost
	m := s.metrics
	s.mu.Unlock()
	if reg, ok := old.(producerRegistrar); ok {
		reg.UnregisterProducer(s)
	}
	if m != nil {
		m.L2Active.Set(0)
		m.L2Lost.Inc()
	}
	s.stopTimers()
	if hook != nil {
		func() {
			defer recovery.RecoverWithLog(s.logger, "session.onL2Lost")
			hook()
		}()
	}
}

// Pause implements l2.Producer: invoked when the attached L2's outbound
// write path backs up (§4.2). Propagated to every open subchannel's own
// registered producers, since those are what ultimately push the data
// that ends up as outbound records on this session's L2.
func (s *Session) Pause() {
	for _, c := range s.subchannelSnapshot() {
		c.PauseProducers()
	}
}

// Resume mirrors Pause.
func (s *Session) Resume() {
	for _, c := range s.subchannelSnapshot() {
		c.ResumeProducers()
	}
}

func (s *Session) subchannelSnapshot() []*subchannel.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := make([]*subchannel.Conn, 0, len(s.subchannels))
	for _, c := range s.subchannels {
		conns = append(conns, c)
	}
	return conns
}

// OnL2Lost registers a callback invoked after L2Lost detaches the
// transport, used by the dilation controller to advance the generation.
func (s *Session) OnL2Lost(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onL2Lost = fn
}

// HandleInbound is the upcall from L2 for one authenticated,
// already-decoded record (§4.4). It ACKs every non-ACK record after
// side-effect processing (an inbound ACK only retires queued records and
// is not itself acknowledged), applies dedup against the seen set, and
// dispatches.
func (s *Session) HandleInbound(seq uint32, rec wire.Record) {
	s.mu.Lock()
	s.lastInboundAt = time.Now()
	duplicate := s.isSeen(seq)
	m := s.metrics
	s.mu.Unlock()

	if m != nil {
		m.RecordsReceived.WithLabelValues(wire.TagName(rec.Tag)).Inc()
		if duplicate {
			m.RecordsDropped.WithLabelValues("duplicate").Inc()
		}
	}

	if rec.Tag == wire.TagAck {
		s.handleAck(rec.AckSeqNum)
		s.mu.Lock()
		s.markSeen(seq)
		s.mu.Unlock()
		return
	}

	if !duplicate {
		s.dispatch(rec)
		s.mu.Lock()
		s.markSeen(seq)
		s.mu.Unlock()
	}

	s.sendAck(seq)
}

// isSeen reports whether seq has already been applied, without
// mutating state. Caller holds s.mu.
func (s *Session) isSeen(seq uint32) bool {
	if int64(seq) <= s.seenWatermark {
		return true
	}
	_, seen := s.seenOutOfOrder[seq]
	return seen
}

// markSeen records seq as applied, advancing the watermark over any now-
// contiguous out-of-order entries. Caller holds s.mu.
func (s *Session) markSeen(seq uint32) {
	if int64(seq) == s.seenWatermark+1 {
		s.seenWatermark = int64(seq)
		for {
			next := uint32(s.seenWatermark + 1)
			if _, ok := s.seenOutOfOrder[next]; !ok {
				break
			}
			delete(s.seenOutOfOrder, next)
			s.seenWatermark++
		}
		return
	}
	if int64(seq) > s.seenWatermark {
		s.seenOutOfOrder[seq] = struct{}{}
		if len(s.seenOutOfOrder) > s.cfg.SeenWindow {
			s.evictOldestOutOfOrder()
		}
	}
}

// evictOldestOutOfOrder drops the smallest tracked out-of-order seqnum
// once the window is exceeded, bounding memory at the cost of no longer
// detecting a very late duplicate (§4.4 describes only a bounded window).
func (s *Session) evictOldestOutOfOrder() {
	var oldest uint32
	first := true
	for k := range s.seenOutOfOrder {
		if first || k < oldest {
			oldest = k
			first = false
		}
	}
	if !first {
		delete(s.seenOutOfOrder, oldest)
	}
}

// dispatch applies the side effect for one freshly observed record.
func (s *Session) dispatch(rec wire.Record) {
	switch rec.Tag {
	case wire.TagPing:
		// liveness only; ACK is sent unconditionally by the caller.
	case wire.TagOpen:
		s.handleRemoteOpen(rec.SubchannelID)
	case wire.TagData:
		s.handleRemoteData(rec.SubchannelID, rec.Payload)
	case wire.TagClose:
		s.handleRemoteClose(rec.SubchannelID)
	}
}

func (s *Session) handleRemoteOpen(id uint32) {
	s.mu.Lock()
	_, exists := s.subchannels[id]
	var conn *subchannel.Conn
	if !exists {
		conn = s.newSubchannel(id, true)
		s.subchannels[id] = conn
	} else {
		conn = s.subchannels[id]
	}
	hook := s.inboundOpenHook
	s.mu.Unlock()

	if err := conn.HandleRemoteOpen(); err != nil {
		s.logger.Warn("session: protocol error on open", logging.KeySubchannelID, id, logging.KeyError, err)
		s.bumpProtocolErrors()
		return
	}
	s.mu.Lock()
	m := s.metrics
	s.mu.Unlock()
	if !exists {
		if m != nil {
			m.SubchannelsOpened.Inc()
			m.SubchannelsActive.Inc()
		}
		if hook != nil && id != ControlSubchannelID {
			hook(conn)
		}
	}
}

func (s *Session) bumpProtocolErrors() {
	s.mu.Lock()
	m := s.metrics
	s.mu.Unlock()
	if m != nil {
		m.ProtocolErrors.Inc()
	}
}

func (s *Session) handleRemoteData(id uint32, payload []byte) {
	s.mu.Lock()
	conn, exists := s.subchannels[id]
	s.mu.Unlock()
	if !exists {
		s.logger.Warn("session: data for unknown subchannel", logging.KeySubchannelID, id)
		return
	}
	if err := conn.HandleRemoteData(payload); err != nil {
		s.logger.Warn("session: protocol error on data", logging.KeySubchannelID, id, logging.KeyError, err)
	}
}

func (s *Session) handleRemoteClose(id uint32) {
	s.mu.Lock()
	conn, exists := s.subchannels[id]
	s.mu.Unlock()
	if !exists {
		s.logger.Warn("session: close for unknown subchannel", logging.KeySubchannelID, id)
		return
	}
	if err := conn.HandleRemoteClose(); err != nil {
		s.logger.Warn("session: protocol error on close", logging.KeySubchannelID, id, logging.KeyError, err)
		s.bumpProtocolErrors()
		return
	}
	if conn.State() == subchannel.StateClosed {
		s.mu.Lock()
		delete(s.subchannels, id)
		m := s.metrics
		s.mu.Unlock()
		if m != nil {
			m.SubchannelsClosed.Inc()
			m.SubchannelsActive.Dec()
		}
	}
}

// handleAck pops queued entries with seqnum <= ackSeq (cumulative, §4.4).
func (s *Session) handleAck(ackSeq uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := 0
	for ; i < len(s.outboundQueue); i++ {
		if s.outboundQueue[i].seq > ackSeq {
			break
		}
	}
	if i > 0 {
		s.outboundQueue = s.outboundQueue[i:]
	}
	if s.metrics != nil {
		s.metrics.OutboundQueueDepth.Set(float64(len(s.outboundQueue)))
	}
}

// resetLiveness (re)starts the PING and liveness timers for the
// currently attached L2 (§5 default intervals).
func (s *Session) resetLiveness() {
	s.stopTimers()
	s.mu.Lock()
	ping := s.cfg.PingInterval
	liveness := s.cfg.LivenessTimeout
	s.mu.Unlock()

	s.mu.Lock()
	s.pingTimer = time.AfterFunc(ping, func() {
		defer recovery.RecoverWithLog(s.logger, "session.pingTimer")
		s.sendPingIfIdle()
	})
	s.livenessTimer = time.AfterFunc(liveness, func() {
		defer recovery.RecoverWithLog(s.logger, "session.livenessTimer")
		s.declareL2Lost()
	})
	s.mu.Unlock()
}

func (s *Session) sendPingIfIdle() {
	s.mu.Lock()
	l2 := s.l2
	idleFor := time.Since(s.lastInboundAt)
	ping := s.cfg.PingInterval
	s.mu.Unlock()
	if l2 == nil {
		return
	}
	if idleFor >= ping {
		s.enqueuePing()
	}
	s.resetLiveness()
}

// enqueuePing sends a PING without adding it to the outbound queue: it
// is a liveness probe, not a record the peer must durably receive.
func (s *Session) enqueuePing() {
	s.mu.Lock()
	seq := s.nextOutboundSeq
	s.nextOutboundSeq++
	l2 := s.l2
	s.mu.Unlock()
	if l2 == nil {
		return
	}
	if err := l2.SendRecord(seq, wire.Ping()); err != nil {
		s.logger.Warn("session: ping failed", logging.KeyError, err)
	}
}

func (s *Session) declareL2Lost() {
	s.logger.Info("session: liveness timeout, declaring L2 lost")
	s.L2Lost()
}

func (s *Session) stopTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pingTimer != nil {
		s.pingTimer.Stop()
	}
	if s.livenessTimer != nil {
		s.livenessTimer.Stop()
	}
}

// Close tears down the session: every registered subchannel is driven
// through remote_close, the same path as a peer CLOSE, so a subchannel
// that reaches the closed state gets a nil error in its closed callback
// rather than a connection-lost cause. Timers are stopped. Part of the
// hard wormhole shutdown path (§5).
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conns := make([]*subchannel.Conn, 0, len(s.subchannels))
	for _, c := range s.subchannels {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.stopTimers()
	for _, c := range conns {
		_ = c.HandleRemoteClose()
	}
}
