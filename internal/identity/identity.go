// Package identity derives a peer's Ed25519 keypair and IDs from a
// 32-byte seed. All of it is pure and deterministic: the same Seed
// always yields the same KeyPair, FullID, and ShortID. Persistent
// storage of the seed is left to the embedding application — see
// spec.md §1 ("persistent key storage" is an external collaborator).
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/mr-tron/base58"

	"github.com/ehrlich-b/switchboard/internal/digest"
)

// SeedSize is the number of raw random bytes behind a Seed.
const SeedSize = 32

// ShortIDLen is the number of hex characters in a ShortID.
const ShortIDLen = 20

// Seed is the 32 raw bytes an identity is derived from.
type Seed [SeedSize]byte

// NewSeed generates a fresh random Seed using a CSPRNG.
func NewSeed() (Seed, error) {
	var s Seed
	if _, err := rand.Read(s[:]); err != nil {
		return s, fmt.Errorf("generate seed: %w", err)
	}
	return s, nil
}

// String Base58-encodes the seed for display or persistence by the caller.
func (s Seed) String() string {
	return base58.Encode(s[:])
}

// ParseSeed decodes a Base58-encoded seed string.
func ParseSeed(encoded string) (Seed, error) {
	var s Seed
	raw, err := base58.Decode(encoded)
	if err != nil {
		return s, fmt.Errorf("decode seed: %w", err)
	}
	if len(raw) != SeedSize {
		return s, fmt.Errorf("decode seed: want %d bytes, got %d", SeedSize, len(raw))
	}
	copy(s[:], raw)
	return s, nil
}

// KeyPair is the Ed25519 signing pair derived from a Seed.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// DeriveKeyPair deterministically derives an Ed25519 keypair from a seed.
func DeriveKeyPair(seed Seed) KeyPair {
	priv := ed25519.NewKeyFromSeed(seed[:])
	return KeyPair{
		Public:  priv.Public().(ed25519.PublicKey),
		Private: priv,
	}
}

// Sign produces an Ed25519 signature over msg.
func (kp KeyPair) Sign(msg []byte) []byte {
	return ed25519.Sign(kp.Private, msg)
}

// FullID is the lowercase hex SHA-1 of an Ed25519 public key (40 chars).
func FullID(pub ed25519.PublicKey) string {
	return digest.HexSum(digest.Default, pub)
}

// ShortID is the first 20 hex characters of FullID.
func ShortID(pub ed25519.PublicKey) string {
	return FullID(pub)[:ShortIDLen]
}

// Identity bundles a Seed, its derived KeyPair, and its derived IDs.
type Identity struct {
	Seed    Seed
	KeyPair KeyPair
	FullID  string
	ShortID string
}

// New derives a full Identity from a Seed.
func New(seed Seed) Identity {
	kp := DeriveKeyPair(seed)
	return Identity{
		Seed:    seed,
		KeyPair: kp,
		FullID:  FullID(kp.Public),
		ShortID: ShortID(kp.Public),
	}
}

// NewRandom generates a fresh random Identity.
func NewRandom() (Identity, error) {
	seed, err := NewSeed()
	if err != nil {
		return Identity{}, err
	}
	return New(seed), nil
}

// Verify reports whether sig is a valid Ed25519 signature over msg by pub.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// IDsMatch reports whether a candidate FullID derived from pub is
// consistent with an advertised ID that may be either a ShortID or a
// FullID — the prefix comparison spec.md §4.5 calls "symmetric on the
// shorter of the two lengths, to tolerate ShortID↔FullID".
func IDsMatch(derivedFullID, advertisedID string) bool {
	n := len(advertisedID)
	if n > len(derivedFullID) {
		n = len(derivedFullID)
	}
	if n == 0 {
		return false
	}
	return derivedFullID[:n] == advertisedID[:n]
}

// InfoHash computes the rendezvous namespace key: SHA1(realm + "::" + userKey).
// Two Switchboards with different realms never produce the same InfoHash
// for the same userKey (spec.md §3).
func InfoHash(realm, userKey string) [20]byte {
	var out [20]byte
	sum := digest.Sum(digest.Default, []byte(realm+"::"+userKey))
	copy(out[:], sum)
	return out
}

// InfoHashHex is the 40-hex-char form of InfoHash.
func InfoHashHex(realm, userKey string) string {
	h := InfoHash(realm, userKey)
	return hex.EncodeToString(h[:])
}

// PubKeyFromHex is a convenience for tests and wire decoding.
func PubKeyFromHex(h string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(h)
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("pubkey: want %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}
