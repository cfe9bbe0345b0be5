package connector

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"

	"nhooyr.io/websocket"
)

const (
	wsDefaultPath      = "/dilate"
	wsDefaultReadLimit = 1 << 20
)

// DefaultWSSubprotocol is advertised during the WebSocket handshake so a
// relay can distinguish dilation traffic from other WebSocket clients.
const DefaultWSSubprotocol = "dilation.v1"

// WebSocketDialer dials a hint as a single WebSocket connection and uses
// it directly as the raw L2 pipe: unlike the teacher's mesh transport,
// dilation never multiplexes multiple logical streams over one
// WebSocket connection, so no inner framing is needed here.
type WebSocketDialer struct {
	TLSConfig *tls.Config
	Path      string
}

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context, hint Hint) (Pipe, error) {
	path := d.Path
	if path == "" {
		path = wsDefaultPath
	}
	u := url.URL{Scheme: "wss", Host: hint.Addr(), Path: path}

	httpClient := &http.Client{}
	if d.TLSConfig != nil {
		httpClient.Transport = &http.Transport{TLSClientConfig: d.TLSConfig}
	}

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient:   httpClient,
		Subprotocols: []string{DefaultWSSubprotocol},
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", u.String(), err)
	}
	conn.SetReadLimit(wsDefaultReadLimit)
	return &wsPipe{ctx: ctx, conn: conn}, nil
}

// WebSocketListener accepts inbound WebSocket candidates on one bound
// HTTP server and reports it as a "relay" hint (WebSocket's usual role:
// traversing HTTP proxies a direct QUIC dial cannot).
type WebSocketListener struct {
	Addr      string
	Path      string
	TLSConfig *tls.Config
	Priority  float64

	mu        sync.Mutex
	server    *http.Server
	connCh    chan Pipe
	started   bool
	boundHost string
	boundPort int
}

// Listen starts the HTTP server backing this listener.
func (l *WebSocketListener) Listen() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return nil
	}
	path := l.Path
	if path == "" {
		path = wsDefaultPath
	}
	l.connCh = make(chan Pipe, 16)

	mux := http.NewServeMux()
	mux.HandleFunc(path, l.handle)
	l.server = &http.Server{Addr: l.Addr, Handler: mux, TLSConfig: l.TLSConfig}

	ln, err := net.Listen("tcp", l.Addr)
	if err != nil {
		return err
	}
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		l.boundHost = tcpAddr.IP.String()
		l.boundPort = tcpAddr.Port
	}
	l.started = true

	go func() {
		if l.TLSConfig != nil {
			_ = l.server.ServeTLS(ln, "", "")
		} else {
			_ = l.server.Serve(ln)
		}
	}()
	return nil
}

func (l *WebSocketListener) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{DefaultWSSubprotocol},
	})
	if err != nil {
		return
	}
	conn.SetReadLimit(wsDefaultReadLimit)
	pipe := &wsPipe{ctx: r.Context(), conn: conn}
	select {
	case l.connCh <- pipe:
	default:
		_ = pipe.Close()
	}
}

// Hints implements CandidateListener.
func (l *WebSocketListener) Hints() []Hint {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.started {
		return nil
	}
	return []Hint{{Hostname: l.boundHost, Port: l.boundPort, Priority: l.Priority, Type: "relay"}}
}

// Accept implements CandidateListener.
func (l *WebSocketListener) Accept(ctx context.Context) (Pipe, error) {
	l.mu.Lock()
	ch := l.connCh
	l.mu.Unlock()
	if ch == nil {
		return nil, fmt.Errorf("websocket listener not started")
	}
	select {
	case p, ok := <-ch:
		if !ok {
			return nil, io.EOF
		}
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements CandidateListener.
func (l *WebSocketListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.server == nil {
		return nil
	}
	return l.server.Close()
}

// wsPipe adapts one WebSocket connection to io.ReadWriteCloser, used as
// a raw L2 byte pipe: each Write is one binary WebSocket message, and
// Read drains messages in order, re-slicing across message boundaries
// the way a TCP stream would.
type wsPipe struct {
	ctx  context.Context
	conn *websocket.Conn

	mu     sync.Mutex
	reader io.Reader
}

func (p *wsPipe) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.reader != nil {
			n, err := p.reader.Read(b)
			if err == io.EOF {
				p.reader = nil
				if n > 0 {
					return n, nil
				}
				continue
			}
			return n, err
		}
		msgType, reader, err := p.conn.Reader(p.ctx)
		if err != nil {
			return 0, err
		}
		if msgType != websocket.MessageBinary {
			continue
		}
		p.reader = reader
	}
}

func (p *wsPipe) Write(b []byte) (int, error) {
	if err := p.conn.Write(p.ctx, websocket.MessageBinary, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (p *wsPipe) Close() error {
	return p.conn.Close(websocket.StatusNormalClosure, "")
}
