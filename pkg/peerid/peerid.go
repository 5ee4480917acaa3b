// Package peerid implements self-certifying peer identifiers.
//
// An ID is the multihash of a peer's public key. Key encodings of up
// to MaxInlineKeyLength bytes are inlined with the identity code, so
// the identifier carries the key itself; longer encodings are hashed
// with SHA2-256. Ed25519 identities additionally render as v3 onion
// addresses.
package peerid

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/mr-tron/base58"
	multihash "github.com/multiformats/go-multihash"
)

// MaxInlineKeyLength is the inclusive threshold up to which public key
// encodings are used verbatim as the peer id, wrapped in an identity
// multihash.
const MaxInlineKeyLength = 42

// ID is a peer identifier: the raw bytes of a multihash whose code is
// either identity (digest at most MaxInlineKeyLength bytes) or
// SHA2-256. IDs are immutable values and usable as map keys.
type ID string

// FromPublicKey derives the ID for a public key. The key's canonical
// encoding is inlined when it fits MaxInlineKeyLength, hashed with
// SHA2-256 otherwise. Deterministic.
func FromPublicKey(pk crypto.PubKey) (ID, error) {
	enc, err := crypto.MarshalPublicKey(pk)
	if err != nil {
		return "", fmt.Errorf("peerid: encode public key: %w", err)
	}
	code := uint64(multihash.SHA2_256)
	if len(enc) <= MaxInlineKeyLength {
		code = multihash.IDENTITY
	}
	mh, err := multihash.Sum(enc, code, -1)
	if err != nil {
		return "", fmt.Errorf("peerid: hash public key: %w", err)
	}
	return ID(mh), nil
}

// FromPrivateKey derives the ID for the public half of priv.
func FromPrivateKey(priv crypto.PrivKey) (ID, error) {
	return FromPublicKey(priv.GetPublic())
}

// FromBytes parses an ID from its raw multihash bytes.
func FromBytes(b []byte) (ID, error) {
	dec, err := multihash.Decode(b)
	if err != nil {
		return "", fmt.Errorf("peerid: decode multihash: %w", err)
	}
	if err := checkCode(dec); err != nil {
		return "", err
	}
	return ID(b), nil
}

// FromMultihash turns a multihash into an ID. Multihashes with an
// unrecognized code, or identity digests longer than
// MaxInlineKeyLength, are rejected with ErrUnsupportedCode; the input
// is untouched and remains usable by the caller.
func FromMultihash(mh multihash.Multihash) (ID, error) {
	return FromBytes(mh)
}

// Parse decodes a base-58 string into an ID.
func Parse(s string) (ID, error) {
	b, err := base58.Decode(s)
	if err != nil {
		return "", fmt.Errorf("peerid: base-58 decode: %w", err)
	}
	return FromBytes(b)
}

// Random returns an ID built from 32 cryptographically random bytes
// wrapped in an identity multihash. The result is not derived from any
// public key and cannot be re-derived into one; it is intended for
// random DHT walks and tests.
func Random() ID {
	buf := make([]byte, 32)
	rand.Read(buf)
	mh, err := multihash.Sum(buf, multihash.IDENTITY, -1)
	if err != nil {
		// 32 bytes always fit an identity multihash.
		panic(err)
	}
	return ID(mh)
}

// Bytes returns the raw multihash bytes.
func (id ID) Bytes() []byte { return []byte(id) }

// Multihash returns the ID as a multihash.
func (id ID) Multihash() multihash.Multihash { return multihash.Multihash(id) }

// Base58 returns the canonical base-58 text form.
func (id ID) Base58() string { return base58.Encode([]byte(id)) }

// MatchesPublicKey reports whether pk re-encodes to this ID under the
// ID's own hashing code. ErrUnsupportedCode is returned when the code
// cannot be used for re-encoding.
func (id ID) MatchesPublicKey(pk crypto.PubKey) (bool, error) {
	dec, err := multihash.Decode([]byte(id))
	if err != nil {
		return false, fmt.Errorf("peerid: decode multihash: %w", err)
	}
	if dec.Code != multihash.IDENTITY && dec.Code != multihash.SHA2_256 {
		return false, ErrUnsupportedCode
	}
	enc, err := crypto.MarshalPublicKey(pk)
	if err != nil {
		return false, fmt.Errorf("peerid: encode public key: %w", err)
	}
	mh, err := multihash.Sum(enc, dec.Code, -1)
	if err != nil {
		return false, fmt.Errorf("peerid: hash public key: %w", err)
	}
	return bytes.Equal(mh, []byte(id)), nil
}

// Ed25519PublicKey extracts the Ed25519 public key from an inline
// identity. It fails with ErrNotEd25519 unless the multihash code is
// identity and the inlined encoding carries an Ed25519 key.
func (id ID) Ed25519PublicKey() (ed25519.PublicKey, error) {
	dec, err := multihash.Decode([]byte(id))
	if err != nil {
		return nil, fmt.Errorf("peerid: decode multihash: %w", err)
	}
	if dec.Code != multihash.IDENTITY {
		return nil, ErrNotEd25519
	}
	pk, err := crypto.UnmarshalPublicKey(dec.Digest)
	if err != nil {
		return nil, fmt.Errorf("%w: parse inline key: %v", ErrNotEd25519, err)
	}
	if _, ok := pk.(*crypto.Ed25519PublicKey); !ok {
		return nil, ErrNotEd25519
	}
	raw, err := pk.Raw()
	if err != nil {
		return nil, fmt.Errorf("peerid: raw key bytes: %w", err)
	}
	return ed25519.PublicKey(raw), nil
}

// String renders the onion-v3 form when the ID is an Ed25519 identity
// and falls back to base-58 otherwise.
func (id ID) String() string {
	if onion, err := id.OnionAddress(); err == nil {
		return onion
	}
	return id.Base58()
}

// GoString always renders base-58, keeping debug output unambiguous.
func (id ID) GoString() string {
	return fmt.Sprintf("peerid.ID(%s)", id.Base58())
}

// checkCode validates the decoded multihash against the recognized
// codes and the inline length bound. The 42-byte bound is inclusive.
func checkCode(dec *multihash.DecodedMultihash) error {
	switch dec.Code {
	case multihash.SHA2_256:
		return nil
	case multihash.IDENTITY:
		if dec.Length > MaxInlineKeyLength {
			return fmt.Errorf("%w: identity digest of %d bytes", ErrUnsupportedCode, dec.Length)
		}
		return nil
	default:
		return fmt.Errorf("%w: 0x%x", ErrUnsupportedCode, dec.Code)
	}
}
