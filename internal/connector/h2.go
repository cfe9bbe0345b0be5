package connector

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"
)

const h2DefaultPath = "/dilate"

// H2Dialer dials a hint as a single streaming HTTP/2 POST request and
// uses the request/response body pair directly as the raw L2 pipe:
// HTTP/2's own stream multiplexing goes unused here, since dilation
// multiplexes at the record layer.
type H2Dialer struct {
	TLSConfig *tls.Config
	Path      string
}

// Dial implements Dialer.
func (d *H2Dialer) Dial(ctx context.Context, hint Hint) (Pipe, error) {
	path := d.Path
	if path == "" {
		path = h2DefaultPath
	}

	tlsConfig := d.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{InsecureSkipVerify: true}
	}
	tlsConfig = tlsConfig.Clone()
	if !hasALPN(tlsConfig.NextProtos, "h2") {
		tlsConfig.NextProtos = append([]string{"h2"}, tlsConfig.NextProtos...)
	}

	transport := &http2.Transport{TLSClientConfig: tlsConfig}

	connCtx, connCancel := context.WithCancel(context.Background())
	pr, pw := io.Pipe()

	req, err := http.NewRequestWithContext(connCtx, http.MethodPost, "https://"+hint.Addr()+path, pr)
	if err != nil {
		connCancel()
		_ = pw.Close()
		return nil, fmt.Errorf("h2 dial %s: build request: %w", hint.Addr(), err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Dilation-Protocol", ALPNProtocol)

	type result struct {
		resp *http.Response
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		resp, err := transport.RoundTrip(req)
		resCh <- result{resp, err}
	}()

	select {
	case res := <-resCh:
		if res.err != nil {
			connCancel()
			_ = pw.Close()
			return nil, fmt.Errorf("h2 dial %s: %w", hint.Addr(), res.err)
		}
		if res.resp.StatusCode != http.StatusOK {
			connCancel()
			_ = res.resp.Body.Close()
			_ = pw.Close()
			return nil, fmt.Errorf("h2 dial %s: status %d", hint.Addr(), res.resp.StatusCode)
		}
		return &h2Pipe{reader: res.resp.Body, writer: pw, cancel: connCancel}, nil
	case <-ctx.Done():
		connCancel()
		_ = pw.Close()
		return nil, ctx.Err()
	}
}

func hasALPN(protos []string, want string) bool {
	for _, p := range protos {
		if p == want {
			return true
		}
	}
	return false
}

// H2Listener accepts inbound HTTP/2 candidates on one bound HTTPS server
// and reports it as a "relay" hint, the same role WebSocket plays:
// traversing an HTTP-only path a direct QUIC dial cannot.
type H2Listener struct {
	Addr      string
	Path      string
	TLSConfig *tls.Config
	Priority  float64

	mu        sync.Mutex
	server    *http.Server
	netLn     net.Listener
	connCh    chan Pipe
	started   bool
	boundHost string
	boundPort int
}

// Listen starts the HTTP/2 server backing this listener.
func (l *H2Listener) Listen() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return nil
	}
	if l.TLSConfig == nil {
		return fmt.Errorf("h2 listener requires a TLS config")
	}
	path := l.Path
	if path == "" {
		path = h2DefaultPath
	}

	tlsConfig := l.TLSConfig.Clone()
	if !hasALPN(tlsConfig.NextProtos, "h2") {
		tlsConfig.NextProtos = append([]string{"h2"}, tlsConfig.NextProtos...)
	}

	l.connCh = make(chan Pipe, 16)

	mux := http.NewServeMux()
	mux.HandleFunc(path, l.handle)
	l.server = &http.Server{Addr: l.Addr, Handler: mux, TLSConfig: tlsConfig}
	if err := http2.ConfigureServer(l.server, &http2.Server{}); err != nil {
		return fmt.Errorf("h2 listen %s: configure: %w", l.Addr, err)
	}

	ln, err := net.Listen("tcp", l.Addr)
	if err != nil {
		return fmt.Errorf("h2 listen %s: %w", l.Addr, err)
	}
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		l.boundHost = tcpAddr.IP.String()
		l.boundPort = tcpAddr.Port
	}
	l.netLn = ln
	l.started = true

	go func() {
		_ = l.server.ServeTLS(ln, "", "")
	}()
	return nil
}

func (l *H2Listener) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	pr, pw := io.Pipe()
	done := make(chan struct{})
	pumpDone := make(chan struct{})

	go func() {
		defer close(pumpDone)
		defer pr.Close()
		buf := make([]byte, 32*1024)
		for {
			n, err := pr.Read(buf)
			if n > 0 {
				if _, werr := w.Write(buf[:n]); werr != nil {
					return
				}
				flusher.Flush()
			}
			if err != nil {
				return
			}
		}
	}()

	pipe := &h2Pipe{reader: r.Body, writer: pw, done: done}
	select {
	case l.connCh <- pipe:
	default:
		_ = pipe.Close()
		return
	}
	<-done
	_ = pw.Close()
	<-pumpDone
}

// Hints implements CandidateListener.
func (l *H2Listener) Hints() []Hint {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.started {
		return nil
	}
	return []Hint{{Hostname: l.boundHost, Port: l.boundPort, Priority: l.Priority, Type: "relay"}}
}

// Accept implements CandidateListener.
func (l *H2Listener) Accept(ctx context.Context) (Pipe, error) {
	l.mu.Lock()
	ch := l.connCh
	l.mu.Unlock()
	if ch == nil {
		return nil, fmt.Errorf("h2 listener not started")
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
func (l *H2Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return l.server.Shutdown(ctx)
}

// h2Pipe adapts one streaming HTTP/2 request/response pair to
// io.ReadWriteCloser.
type h2Pipe struct {
	reader io.ReadCloser
	writer io.WriteCloser
	cancel context.CancelFunc
	done   chan struct{}
	closed atomic.Bool
}

func (p *h2Pipe) Read(b []byte) (int, error)  { return p.reader.Read(b) }
func (p *h2Pipe) Write(b []byte) (int, error) { return p.writer.Write(b) }

func (p *h2Pipe) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	if p.done != nil {
		close(p.done)
	}
	if p.cancel != nil {
		p.cancel()
	}
	werr := p.writer.Close()
	rerr := p.reader.Close()
	if werr != nil {
		return werr
	}
	return rerr
}
