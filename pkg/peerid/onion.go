package peerid

import (
	"crypto/ed25519"
	"encoding/base32"
	"errors"
	"strings"

	"golang.org/x/crypto/sha3"
)

var (
	// ErrUnsupportedCode is returned for multihashes whose code is not
	// identity or SHA2-256, or whose identity digest is oversized.
	ErrUnsupportedCode = errors.New("peerid: unsupported multihash code")

	// ErrNotEd25519 is returned when an operation requires an inline
	// Ed25519 identity and the ID does not carry one.
	ErrNotEd25519 = errors.New("peerid: not an ed25519 identity peer id")
)

// onionEncoding is plain RFC 4648 base32 without padding; the onion
// convention lowercases the result.
var onionEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// OnionAddress renders the ID as a v3 onion address. Only inline
// Ed25519 identities have one.
func (id ID) OnionAddress() (string, error) {
	pk, err := id.Ed25519PublicKey()
	if err != nil {
		return "", err
	}
	return OnionV3(pk), nil
}

// OnionV3 renders the standard onion-v3 address of an Ed25519 public
// key: key || checksum[0:2] || 0x03, base32-encoded and lowercased,
// where checksum = SHA3-256(".onion checksum" || key || 0x03).
func OnionV3(pk ed25519.PublicKey) string {
	h := sha3.New256()
	h.Write([]byte(".onion checksum"))
	h.Write(pk)
	h.Write([]byte{0x03})
	sum := h.Sum(nil)

	addr := make([]byte, 0, len(pk)+3)
	addr = append(addr, pk...)
	addr = append(addr, sum[0], sum[1], 0x03)
	return strings.ToLower(onionEncoding.EncodeToString(addr))
}
