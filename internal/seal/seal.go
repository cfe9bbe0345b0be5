// Package seal derives the two directional session keys used by the
// dilation session and performs the per-record authenticated encryption
// described in the frame codec (§4.1): a 24-byte nonce built from the
// little-endian sequence number, sealed with NaCl secretbox
// (XSalsa20 + Poly1305, 16-byte tag).
package seal

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

// KeySize is the size of a session key in bytes.
const KeySize = 32

// NonceSize is the size of the secretbox nonce in bytes.
const NonceSize = 24

// Overhead is the authentication tag size appended by secretbox.
const Overhead = secretbox.Overhead

// Labels used to derive the two directional keys from the wormhole
// master key, matching the dilation key-schedule exactly.
const (
	LabelLeaderToFollower = "dilation: leader->follower"
	LabelFollowerToLeader = "dilation: follower->leader"
)

// ErrAuthFailed is returned when a frame fails authentication. Per §4.1
// this is never fatal to the session: callers drop the frame and continue.
var ErrAuthFailed = errors.New("seal: authentication failed")

// DeriveKey derives a single session key from the wormhole master key
// using HKDF-SHA256 with the given dilation label as context info.
func DeriveKey(masterKey []byte, label string) ([KeySize]byte, error) {
	var out [KeySize]byte
	reader := hkdf.New(sha256.New, masterKey, nil, []byte(label))
	if _, err := io.ReadFull(reader, out[:]); err != nil {
		return out, fmt.Errorf("derive key %q: %w", label, err)
	}
	return out, nil
}

// Keys holds the two directional session keys for one peer. Which key is
// "outbound" vs "inbound" depends on role: the leader sends under
// LabelLeaderToFollower and receives under LabelFollowerToLeader; the
// follower is the mirror image.
type Keys struct {
	Outbound [KeySize]byte
	Inbound  [KeySize]byte
}

// DeriveKeys derives both directional keys and assigns Outbound/Inbound
// according to the local role.
func DeriveKeys(masterKey []byte, isLeader bool) (Keys, error) {
	lf, err := DeriveKey(masterKey, LabelLeaderToFollower)
	if err != nil {
		return Keys{}, err
	}
	fl, err := DeriveKey(masterKey, LabelFollowerToLeader)
	if err != nil {
		return Keys{}, err
	}
	if isLeader {
		return Keys{Outbound: lf, Inbound: fl}, nil
	}
	return Keys{Outbound: fl, Inbound: lf}, nil
}

// Nonce builds the 24-byte nonce for sequence number seq: the 4-byte
// little-endian sequence number followed by 20 zero bytes.
func Nonce(seq uint32) [NonceSize]byte {
	var n [NonceSize]byte
	n[0] = byte(seq)
	n[1] = byte(seq >> 8)
	n[2] = byte(seq >> 16)
	n[3] = byte(seq >> 24)
	return n
}

// Seal encrypts body under key with the nonce derived from seq, returning
// the ciphertext (with the 16-byte authentication tag appended).
func Seal(key [KeySize]byte, seq uint32, body []byte) []byte {
	nonce := Nonce(seq)
	return secretbox.Seal(nil, body, &nonce, &key)
}

// Open decrypts and authenticates ciphertext under key with the nonce
// derived from seq. Returns ErrAuthFailed on a bad tag, which callers
// must treat as a dropped frame rather than a fatal session error.
func Open(key [KeySize]byte, seq uint32, ciphertext []byte) ([]byte, error) {
	nonce := Nonce(seq)
	body, ok := secretbox.Open(nil, ciphertext, &nonce, &key)
	if !ok {
		return nil, ErrAuthFailed
	}
	return body, nil
}
