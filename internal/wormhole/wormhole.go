// Package wormhole declares the documented interfaces of the external
// collaborator this core builds on: the prior key-agreement protocol,
// its rendezvous message channel, and its hint/version vocabulary. Per
// §1 none of that protocol is implemented here; only the shapes the
// dilation controller needs to depend on are.
package wormhole

import "github.com/dilation/core/internal/connector"

// VersionInfo is the version dictionary exchanged during the wormhole
// handshake (§6). CanDilate must be >= 1 on both sides for dilation to
// proceed.
type VersionInfo struct {
	CanDilate int
}

// Hint is re-exported from connector so callers constructing rendezvous
// messages don't need to import both packages for one type.
type Hint = connector.Hint

// PleaseDilate is sent by either peer that wants dilation (§6).
type PleaseDilate struct {
	Side string
}

// LetsDilate is sent leader -> follower to start generation N (§6).
type LetsDilate struct {
	N     uint64
	Hints []Hint
}

// Hints is sent in either direction within generation N (§6).
type Hints struct {
	N     uint64
	Hints []Hint
}

// Wormhole is the minimal set of operations the dilation controller
// needs from the completed key-agreement session: its own and the
// peer's side identifiers, the negotiated version info, a way to derive
// dilation's directional keys from the shared master secret, and a way
// to send one rendezvous message to the peer.
type Wormhole interface {
	Side() string
	PeerSide() string
	PeerVersionInfo() VersionInfo
	DeriveKey(purpose string, length int) ([]byte, error)
	SendRendezvousMessage(kind string, payload any) error
}
