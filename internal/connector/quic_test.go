package connector

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/dilation/core/internal/certutil"
)

func TestQUICListenerDialRoundTrip(t *testing.T) {
	serverTLS, err := certutil.ServerTLSConfig("quic-test", time.Hour, ALPNProtocol)
	if err != nil {
		t.Fatalf("ServerTLSConfig: %v", err)
	}

	ln := &QUICListener{TLSConfig: serverTLS, Priority: 1}
	if err := ln.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	hints := ln.Hints()
	if len(hints) != 1 {
		t.Fatalf("len(Hints()) = %d, want 1", len(hints))
	}
	hint := hints[0]
	if hint.Port == 0 {
		t.Error("expected a nonzero bound port in the hint")
	}
	if hint.Type != "direct" {
		t.Errorf("hint.Type = %q, want direct", hint.Type)
	}

	clientTLS := certutil.InsecureClientTLSConfig(ALPNProtocol)
	dialer := &QUICDialer{TLSConfig: clientTLS}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	acceptErrCh := make(chan error, 1)
	var serverPipe Pipe
	go func() {
		p, err := ln.Accept(ctx)
		serverPipe = p
		acceptErrCh <- err
	}()

	clientPipe, err := dialer.Dial(ctx, hint)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer clientPipe.Close()

	if err := <-acceptErrCh; err != nil {
		t.Fatalf("Accept: %v", err)
	}
	defer serverPipe.Close()

	msg := []byte("dilation over quic")
	if _, err := clientPipe.Write(msg); err != nil {
		t.Fatalf("Write: %v", err)
	}

	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(serverPipe, buf); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if string(buf) != string(msg) {
		t.Errorf("received %q, want %q", buf, msg)
	}
}

func TestQUICListenerRequiresTLSConfig(t *testing.T) {
	ln := &QUICListener{}
	if err := ln.Listen("127.0.0.1:0"); err == nil {
		t.Fatal("expected an error when TLSConfig is nil")
	}
}

func TestQUICListenerHintsEmptyBeforeListen(t *testing.T) {
	ln := &QUICListener{}
	if hints := ln.Hints(); hints != nil {
		t.Errorf("Hints() before Listen = %v, want nil", hints)
	}
}
