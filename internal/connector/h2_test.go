package connector

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/dilation/core/internal/certutil"
)

func TestH2ListenerDialRoundTrip(t *testing.T) {
	serverTLS, err := certutil.ServerTLSConfig("h2-test", time.Hour, "h2")
	if err != nil {
		t.Fatalf("ServerTLSConfig: %v", err)
	}

	ln := &H2Listener{Addr: "127.0.0.1:0", TLSConfig: serverTLS, Priority: 0.5}
	if err := ln.Listen(); err != nil {
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
	if hint.Type != "relay" {
		t.Errorf("hint.Type = %q, want relay", hint.Type)
	}

	clientTLS := certutil.InsecureClientTLSConfig("h2")
	dialer := &H2Dialer{TLSConfig: clientTLS}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	acceptCh := make(chan acceptResult, 1)
	go func() {
		p, err := ln.Accept(ctx)
		acceptCh <- acceptResult{p, err}
	}()

	clientPipe, err := dialer.Dial(ctx, hint)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer clientPipe.Close()

	accepted := <-acceptCh
	if accepted.err != nil {
		t.Fatalf("Accept: %v", accepted.err)
	}
	serverPipe := accepted.pipe
	defer serverPipe.Close()

	msg := []byte("dilation over h2")
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

func TestH2ListenerRequiresTLSConfig(t *testing.T) {
	ln := &H2Listener{Addr: "127.0.0.1:0"}
	if err := ln.Listen(); err == nil {
		t.Fatal("expected an error when TLSConfig is nil")
	}
}

func TestH2ListenerHintsEmptyBeforeListen(t *testing.T) {
	ln := &H2Listener{Addr: "127.0.0.1:0"}
	if hints := ln.Hints(); hints != nil {
		t.Errorf("Hints() before Listen = %v, want nil", hints)
	}
}
