package connector

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/dilation/core/internal/seal"
)

// pairedTransport wires one in-process Dialer to one in-process
// CandidateListener over net.Pipe, so a Connector's fan-out can be
// exercised without real sockets.
type pairedTransport struct {
	mu      sync.Mutex
	connCh  chan Pipe
	hintTag string
}

func newPairedTransport(tag string) *pairedTransport {
	return &pairedTransport{connCh: make(chan Pipe, 8), hintTag: tag}
}

func (p *pairedTransport) Dial(ctx context.Context, hint Hint) (Pipe, error) {
	a, b := net.Pipe()
	select {
	case p.connCh <- b:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return a, nil
}

func (p *pairedTransport) Hints() []Hint {
	return []Hint{{Hostname: "local", Port: 0, Priority: 1, Type: p.hintTag}}
}

func (p *pairedTransport) Accept(ctx context.Context) (Pipe, error) {
	select {
	case pipe := <-p.connCh:
		return pipe, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pairedTransport) Close() error { return nil }

func testKeys(t *testing.T) seal.Keys {
	t.Helper()
	master := make([]byte, seal.KeySize)
	for i := range master {
		master[i] = byte(i + 1)
	}
	keys, err := seal.DeriveKeys(master, true)
	if err != nil {
		t.Fatal(err)
	}
	return keys
}

func TestConnectorLeaderFollowerBothSelectWinner(t *testing.T) {
	transport := newPairedTransport("direct")
	keys := testKeys(t)

	leaderCfg := DefaultConfig()
	leaderCfg.NothingBetterWindow = 50 * time.Millisecond
	leaderCfg.GiveupTimeout = 5 * time.Second

	followerCfg := leaderCfg

	leader := New(1, true, keys, []Dialer{transport}, nil, nil, leaderCfg)
	follower := New(1, false, keys, nil, []CandidateListener{transport}, nil, followerCfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var leaderWinner, followerWinner *Winner
	var leaderErr, followerErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		followerWinner, followerErr = follower.Run(ctx, nil)
	}()
	go func() {
		defer wg.Done()
		leaderWinner, leaderErr = leader.Run(ctx, []Hint{{Hostname: "local", Port: 0}})
	}()
	wg.Wait()

	if leaderErr != nil {
		t.Fatalf("leader.Run: %v", leaderErr)
	}
	if followerErr != nil {
		t.Fatalf("follower.Run: %v", followerErr)
	}
	if leaderWinner == nil || followerWinner == nil {
		t.Fatal("expected both sides to select a winner")
	}
}

func TestConnectorNoCandidateReturnsError(t *testing.T) {
	keys := testKeys(t)
	cfg := DefaultConfig()
	cfg.GiveupTimeout = 100 * time.Millisecond
	cfg.NothingBetterWindow = 10 * time.Millisecond

	leader := New(1, true, keys, nil, nil, nil, cfg)
	ctx := context.Background()
	_, err := leader.Run(ctx, nil)
	if err == nil {
		t.Fatal("expected an error when no candidate ever appears")
	}
}
