package dilation

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/dilation/core/internal/connector"
	"github.com/dilation/core/internal/session"
	"github.com/dilation/core/internal/wormhole"
)

type fakeWormhole struct {
	side      string
	peerSide  string
	canDilate int
	master    []byte

	mu          sync.Mutex
	peer        *fakeWormhole
	onHintsFunc func(n uint64, hints []wormhole.Hint)
}

func (w *fakeWormhole) Side() string     { return w.side }
func (w *fakeWormhole) PeerSide() string { return w.peerSide }
func (w *fakeWormhole) PeerVersionInfo() wormhole.VersionInfo {
	return wormhole.VersionInfo{CanDilate: w.canDilate}
}
func (w *fakeWormhole) DeriveKey(purpose string, length int) ([]byte, error) {
	out := make([]byte, length)
	copy(out, w.master)
	return out, nil
}
func (w *fakeWormhole) SendRendezvousMessage(kind string, payload any) error {
	w.mu.Lock()
	peer := w.peer
	w.mu.Unlock()
	if peer == nil {
		return nil
	}
	hints, ok := payload.(wormhole.Hints)
	if !ok {
		return nil
	}
	peer.mu.Lock()
	fn := peer.onHintsFunc
	peer.mu.Unlock()
	if fn != nil {
		fn(hints.N, hints.Hints)
	}
	return nil
}

func TestDilateOldPeerCannotDilate(t *testing.T) {
	wh := &fakeWormhole{side: "aaa", peerSide: "bbb", canDilate: 0}
	c := New(wh, Config{}, nil)

	err := c.Dilate(context.Background())
	if err != ErrOldPeerCannotDilate {
		t.Fatalf("Dilate: err = %v, want ErrOldPeerCannotDilate", err)
	}
	if c.State() != StateImpossible {
		t.Errorf("State() = %v, want StateImpossible", c.State())
	}
	_, err = c.ControlEndpoint(context.Background())
	if err != ErrOldPeerCannotDilate {
		t.Errorf("ControlEndpoint after impossible dilate: err = %v, want ErrOldPeerCannotDilate", err)
	}
}

func TestRoleResolvedBySideComparison(t *testing.T) {
	higher := &fakeWormhole{side: "zzz", peerSide: "aaa", canDilate: 1, master: make([]byte, 32)}
	lower := &fakeWormhole{side: "aaa", peerSide: "zzz", canDilate: 1, master: make([]byte, 32)}

	cHigh := New(higher, Config{Transport: noopTransport}, nil)
	cLow := New(lower, Config{Transport: noopTransport}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = cHigh.Dilate(ctx)
	_ = cLow.Dilate(ctx)

	if !cHigh.isLeader {
		t.Error("higher side string should resolve to leader")
	}
	if cLow.isLeader {
		t.Error("lower side string should resolve to follower")
	}
}

func noopTransport() ([]connector.Dialer, []connector.CandidateListener) { return nil, nil }

// pairedTestTransport mirrors connector package's test helper: one
// Dialer wired to one CandidateListener over net.Pipe.
type pairedTestTransport struct {
	connCh chan connector.Pipe
}

func newPairedTestTransport() *pairedTestTransport {
	return &pairedTestTransport{connCh: make(chan connector.Pipe, 4)}
}

func (p *pairedTestTransport) Dial(ctx context.Context, hint connector.Hint) (connector.Pipe, error) {
	a, b := net.Pipe()
	select {
	case p.connCh <- b:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return a, nil
}

func (p *pairedTestTransport) Hints() []connector.Hint {
	return []connector.Hint{{Hostname: "local", Port: 0, Priority: 1, Type: "direct"}}
}

func (p *pairedTestTransport) Accept(ctx context.Context) (connector.Pipe, error) {
	select {
	case pipe := <-p.connCh:
		return pipe, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pairedTestTransport) Close() error { return nil }

func TestControllersEndToEndOpenAndExchangeData(t *testing.T) {
	transport := newPairedTestTransport()
	master := make([]byte, 32)
	for i := range master {
		master[i] = byte(i + 7)
	}

	leaderWH := &fakeWormhole{side: "zzz", peerSide: "aaa", canDilate: 1, master: master}
	followerWH := &fakeWormhole{side: "aaa", peerSide: "zzz", canDilate: 1, master: master}

	sessionCfg := session.DefaultConfig()
	sessionCfg.PingInterval = time.Hour
	sessionCfg.LivenessTimeout = 2 * time.Hour

	connCfg := connector.DefaultConfig()
	connCfg.NothingBetterWindow = 50 * time.Millisecond
	connCfg.GiveupTimeout = 5 * time.Second

	leader := New(leaderWH, Config{
		Session:   sessionCfg,
		Connector: connCfg,
		Transport: func() ([]connector.Dialer, []connector.CandidateListener) { return []connector.Dialer{transport}, nil },
	}, nil)
	follower := New(followerWH, Config{
		Session:   sessionCfg,
		Connector: connCfg,
		Transport: func() ([]connector.Dialer, []connector.CandidateListener) { return nil, []connector.CandidateListener{transport} },
	}, nil)

	leaderWH.mu.Lock()
	leaderWH.peer = followerWH
	leaderWH.onHintsFunc = leader.ReceiveHints
	leaderWH.mu.Unlock()
	followerWH.mu.Lock()
	followerWH.peer = leaderWH
	followerWH.onHintsFunc = follower.ReceiveHints
	followerWH.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := leader.Dilate(ctx); err != nil {
		t.Fatalf("leader.Dilate: %v", err)
	}
	if err := follower.Dilate(ctx); err != nil {
		t.Fatalf("follower.Dilate: %v", err)
	}

	leaderConn, err := leader.Connect(ctx)
	if err != nil {
		t.Fatalf("leader.Connect: %v", err)
	}

	received := make(chan []byte, 1)
	registered := make(chan struct{})
	go func() {
		inbound, err := follower.AcceptInbound(ctx)
		if err != nil {
			close(registered)
			return
		}
		inbound.OnData(func(data []byte) { received <- data })
		close(registered)
	}()

	select {
	case <-registered:
	case <-time.After(4 * time.Second):
		t.Fatal("follower never accepted the inbound subchannel")
	}

	if err := leaderConn.Write([]byte("hello over dilation")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case data := <-received:
		if string(data) != "hello over dilation" {
			t.Errorf("received = %q, want %q", data, "hello over dilation")
		}
	case <-time.After(4 * time.Second):
		t.Fatal("follower never received the subchannel data")
	}
}
