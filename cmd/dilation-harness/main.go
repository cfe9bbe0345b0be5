// Package main provides a command-line demo harness for the dilation
// core: it wires two Controllers together over an in-process loopback
// pair, using a locally shared key in place of a real wormhole
// rendezvous, and drives one subchannel open/data/close round trip end
// to end.
package main

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dilation/core/internal/config"
	"github.com/dilation/core/internal/connector"
	"github.com/dilation/core/internal/dilation"
	"github.com/dilation/core/internal/logging"
	"github.com/dilation/core/internal/metrics"
	"github.com/dilation/core/internal/session"
	"github.com/dilation/core/internal/wormhole"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "dilation-harness",
		Short:   "Loopback demo harness for the dilation core",
		Version: Version,
	}
	rootCmd.AddCommand(demoCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func demoCmd() *cobra.Command {
	var configPath string
	var metricsAddr string
	var message string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Dilate two in-process controllers over a loopback pair and exchange one message",
		Long: `Demo wires a leader and a follower Controller together over a single
net.Pipe-backed candidate transport, standing in for a real wormhole
rendezvous and network path. It drives both sides through Dilate,
opens one subchannel from the leader, and prints the message the
follower receives on it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				cfg = loaded
			}
			if metricsAddr != "" {
				cfg.Metrics.Enabled = true
				cfg.Metrics.Address = metricsAddr
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return runDemo(ctx, cfg, message)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file (defaults are used when empty)")
	cmd.Flags().StringVar(&metricsAddr, "metrics", "", "address to serve Prometheus metrics on (overrides config, empty leaves config as-is)")
	cmd.Flags().StringVar(&message, "message", "hello from the leader", "payload written to the demo subchannel")
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "overall demo timeout")

	return cmd
}

func runDemo(ctx context.Context, cfg *config.Config, message string) error {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

	style := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	fmt.Println(style.Render("dilation-harness: starting loopback demo"))

	registry := prometheus.NewRegistry()
	leaderMetrics := metrics.NewWithRegistry(prometheus.WrapRegistererWith(prometheus.Labels{"side": "leader"}, registry))
	followerMetrics := metrics.NewWithRegistry(prometheus.WrapRegistererWith(prometheus.Labels{"side": "follower"}, registry))

	var stopMetrics func(context.Context) error
	if cfg.Metrics.Enabled {
		stopMetrics = serveMetrics(cfg.Metrics.Address, registry)
		fmt.Printf("metrics exposed on http://%s/metrics\n", cfg.Metrics.Address)
	}

	transport := newLoopbackTransport()

	master := sha256.Sum256([]byte("dilation-harness shared demo secret"))
	leaderWH := newLoopbackWormhole("leader", "follower", master[:])
	followerWH := newLoopbackWormhole("follower", "leader", master[:])
	leaderWH.peer, followerWH.peer = followerWH, leaderWH

	sessCfg := session.Config{
		PingInterval:     cfg.Session.PingInterval,
		LivenessTimeout:  cfg.Session.LivenessTimeout,
		SubchannelBuffer: cfg.Session.SubchannelBuffer,
		SeenWindow:       cfg.Session.SeenWindow,
	}
	connCfg := connector.Config{
		NothingBetterWindow: 100 * time.Millisecond,
		GiveupTimeout:       cfg.Connector.GiveupTimeout,
		DialRateLimit:       rate.Limit(cfg.Connector.DialRateLimit),
	}

	leader := dilation.New(leaderWH, dilation.Config{
		Session:   sessCfg,
		Connector: connCfg,
		Transport: func() ([]connector.Dialer, []connector.CandidateListener) {
			return []connector.Dialer{transport}, nil
		},
	}, logger.With(logging.KeyRole, "leader"))
	leader.SetMetrics(leaderMetrics)

	follower := dilation.New(followerWH, dilation.Config{
		Session:   sessCfg,
		Connector: connCfg,
		Transport: func() ([]connector.Dialer, []connector.CandidateListener) {
			return nil, []connector.CandidateListener{transport}
		},
	}, logger.With(logging.KeyRole, "follower"))
	follower.SetMetrics(followerMetrics)

	leaderWH.setReceiveHints(leader.ReceiveHints)
	followerWH.setReceiveHints(follower.ReceiveHints)

	if err := leader.Dilate(sigCtx); err != nil {
		return fmt.Errorf("leader dilate: %w", err)
	}
	if err := follower.Dilate(sigCtx); err != nil {
		return fmt.Errorf("follower dilate: %w", err)
	}

	received := make(chan []byte, 1)
	accepted := make(chan struct{})
	go func() {
		conn, err := follower.AcceptInbound(sigCtx)
		if err != nil {
			close(accepted)
			return
		}
		conn.OnData(func(data []byte) { received <- data })
		close(accepted)
	}()

	leaderConn, err := leader.Connect(sigCtx)
	if err != nil {
		return fmt.Errorf("leader connect: %w", err)
	}

	select {
	case <-accepted:
	case <-sigCtx.Done():
		return fmt.Errorf("follower never accepted the subchannel: %w", sigCtx.Err())
	}

	if err := leaderConn.Write([]byte(message)); err != nil {
		return fmt.Errorf("write: %w", err)
	}

	select {
	case data := <-received:
		fmt.Println(style.Render("follower received: ") + string(data))
	case <-sigCtx.Done():
		return fmt.Errorf("follower never received the message: %w", sigCtx.Err())
	}

	_ = leaderConn.LoseConnection()
	leader.Close()
	follower.Close()

	if stopMetrics != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = stopMetrics(shutdownCtx)
	}

	fmt.Println(style.Render("dilation-harness: demo complete"))
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry) func(context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		_ = srv.ListenAndServe()
	}()
	return srv.Shutdown
}

// loopbackTransport is a single net.Pipe-backed candidate transport
// shared by both demo controllers: the leader dials it, the follower
// listens on it, and each Dial hands the follower side a fresh pipe via
// Accept.
type loopbackTransport struct {
	connCh chan connector.Pipe
}

func newLoopbackTransport() *loopbackTransport {
	return &loopbackTransport{connCh: make(chan connector.Pipe, 4)}
}

func (t *loopbackTransport) Dial(ctx context.Context, hint connector.Hint) (connector.Pipe, error) {
	a, b := net.Pipe()
	select {
	case t.connCh <- b:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return a, nil
}

func (t *loopbackTransport) Hints() []connector.Hint {
	return []connector.Hint{{Hostname: "loopback", Port: 0, Priority: 1, Type: "direct"}}
}

func (t *loopbackTransport) Accept(ctx context.Context) (connector.Pipe, error) {
	select {
	case pipe := <-t.connCh:
		return pipe, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *loopbackTransport) Close() error { return nil }

// loopbackWormhole is a minimal wormhole.Wormhole that stands in for a
// completed key-agreement session: both sides share a fixed master key
// and forward rendezvous messages to each other directly in-process,
// instead of through a real relay.
type loopbackWormhole struct {
	side     string
	peerSide string
	master   []byte

	mu   sync.Mutex
	peer *loopbackWormhole
	recv func(n uint64, hints []wormhole.Hint)
}

func newLoopbackWormhole(side, peerSide string, master []byte) *loopbackWormhole {
	return &loopbackWormhole{side: side, peerSide: peerSide, master: master}
}

func (w *loopbackWormhole) Side() string     { return w.side }
func (w *loopbackWormhole) PeerSide() string { return w.peerSide }
func (w *loopbackWormhole) PeerVersionInfo() wormhole.VersionInfo {
	return wormhole.VersionInfo{CanDilate: 1}
}

func (w *loopbackWormhole) DeriveKey(purpose string, length int) ([]byte, error) {
	h := sha256.Sum256(append([]byte(purpose), w.master...))
	out := make([]byte, length)
	for i := range out {
		out[i] = h[i%len(h)]
	}
	return out, nil
}

func (w *loopbackWormhole) SendRendezvousMessage(kind string, payload any) error {
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
	recv := peer.recv
	peer.mu.Unlock()
	if recv != nil {
		recv(hints.N, hints.Hints)
	}
	return nil
}

// setReceiveHints lets the Controller register its ReceiveHints callback
// against this wormhole so inbound rendezvous traffic actually reaches it.
func (w *loopbackWormhole) setReceiveHints(fn func(n uint64, hints []wormhole.Hint)) {
	w.mu.Lock()
	w.recv = fn
	w.mu.Unlock()
}
