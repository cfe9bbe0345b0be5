package connector

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// ALPNProtocol is advertised over TLS during the QUIC handshake so the
// listener can reject connections that aren't speaking this protocol.
const ALPNProtocol = "dilation/1"

const (
	quicMaxIdleTimeout  = 60 * time.Second
	quicKeepAlivePeriod = 30 * time.Second
)

// QUICDialer dials a hint as one QUIC connection, opens exactly one
// stream immediately, and hands that stream back as the raw L2 pipe:
// the Connector never sees more than one logical stream per QUIC
// connection because dilation multiplexes at the record layer, not the
// transport layer.
type QUICDialer struct {
	TLSConfig *tls.Config
}

// Dial implements Dialer.
func (d *QUICDialer) Dial(ctx context.Context, hint Hint) (Pipe, error) {
	tlsConfig := d.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{NextProtos: []string{ALPNProtocol}, MinVersion: tls.VersionTLS13}
	}
	qconn, err := quic.DialAddr(ctx, hint.Addr(), tlsConfig, &quic.Config{
		MaxIdleTimeout:  quicMaxIdleTimeout,
		KeepAlivePeriod: quicKeepAlivePeriod,
	})
	if err != nil {
		return nil, fmt.Errorf("quic dial %s: %w", hint.Addr(), err)
	}
	stream, err := qconn.OpenStreamSync(ctx)
	if err != nil {
		_ = qconn.CloseWithError(0, "stream open failed")
		return nil, fmt.Errorf("quic open stream: %w", err)
	}
	return &quicPipe{conn: qconn, stream: stream}, nil
}

// QUICListener accepts inbound QUIC candidates on one bound address and
// reports it as a "direct" hint.
type QUICListener struct {
	TLSConfig *tls.Config
	Priority  float64

	mu       sync.Mutex
	listener *quic.Listener
}

// Listen binds addr and starts accepting QUIC connections.
func (l *QUICListener) Listen(addr string) error {
	tlsConfig := l.TLSConfig
	if tlsConfig == nil {
		return fmt.Errorf("quic listener requires a TLS config")
	}
	if len(tlsConfig.NextProtos) == 0 {
		tlsConfig = tlsConfig.Clone()
		tlsConfig.NextProtos = []string{ALPNProtocol}
	}
	ln, err := quic.ListenAddr(addr, tlsConfig, &quic.Config{
		MaxIdleTimeout:  quicMaxIdleTimeout,
		KeepAlivePeriod: quicKeepAlivePeriod,
	})
	if err != nil {
		return fmt.Errorf("quic listen %s: %w", addr, err)
	}
	l.mu.Lock()
	l.listener = ln
	l.mu.Unlock()
	return nil
}

// Hints implements CandidateListener.
func (l *QUICListener) Hints() []Hint {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return nil
	}
	addr, ok := l.listener.Addr().(*net.UDPAddr)
	if !ok {
		return nil
	}
	return []Hint{{Hostname: addr.IP.String(), Port: addr.Port, Priority: l.Priority, Type: "direct"}}
}

// Accept implements CandidateListener.
func (l *QUICListener) Accept(ctx context.Context) (Pipe, error) {
	l.mu.Lock()
	ln := l.listener
	l.mu.Unlock()
	if ln == nil {
		return nil, fmt.Errorf("quic listener not started")
	}
	qconn, err := ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := qconn.AcceptStream(ctx)
	if err != nil {
		_ = qconn.CloseWithError(0, "stream accept failed")
		return nil, err
	}
	return &quicPipe{conn: qconn, stream: stream}, nil
}

// Close implements CandidateListener.
func (l *QUICListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return nil
	}
	return l.listener.Close()
}

// quicPipe adapts one QUIC stream, plus the connection that owns it, to
// io.ReadWriteCloser.
type quicPipe struct {
	conn   quic.Connection
	stream quic.Stream
}

func (p *quicPipe) Read(b []byte) (int, error)  { return p.stream.Read(b) }
func (p *quicPipe) Write(b []byte) (int, error) { return p.stream.Write(b) }

func (p *quicPipe) Close() error {
	_ = p.stream.Close()
	return p.conn.CloseWithError(0, "")
}
