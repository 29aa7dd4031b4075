// Package digest wraps the hash function used for the InfoHash and the
// SDP-binding hash in the auth packet. The wire format is fixed to
// SHA-1 for compatibility with existing Switchboard deployments (see
// spec.md §9's Open Question); this package exists so a future
// migration away from SHA-1 only has to change one constructor.
package digest

import (
	"crypto/sha1"
	"encoding/hex"
	"hash"
)

// Hasher produces a fresh hash.Hash for each call, matching the
// crypto/sha1.New signature so any stdlib hash constructor satisfies it.
type Hasher func() hash.Hash

// Default is the wire-compatible hash: SHA-1.
var Default Hasher = sha1.New

// Sum returns h(data) using the given Hasher, or Default if h is nil.
func Sum(h Hasher, data []byte) []byte {
	if h == nil {
		h = Default
	}
	sum := h()
	sum.Write(data)
	return sum.Sum(nil)
}

// HexSum returns Sum as lowercase hex.
func HexSum(h Hasher, data []byte) string {
	return hex.EncodeToString(Sum(h, data))
}

// Latin1Binary reinterprets a binary hash digest as a Latin-1 string —
// the WebTorrent tracker dialect's historical encoding for info_hash on
// the wire (spec.md §4.3, §6). Each byte maps 1:1 to a rune ≤ 0xFF, so
// the resulting string round-trips through JSON as long as the decoder
// treats it as a byte string rather than re-encoding as UTF-8.
func Latin1Binary(raw []byte) string {
	runes := make([]rune, len(raw))
	for i, b := range raw {
		runes[i] = rune(b)
	}
	return string(runes)
}

// Latin1Decode reverses Latin1Binary: each rune in s must be ≤ 0xFF.
// Returns false if s contains a rune outside that range (not a valid
// re-encoded binary digest).
func Latin1Decode(s string) ([]byte, bool) {
	raw := make([]byte, 0, len(s))
	for _, r := range s {
		if r > 0xFF {
			return nil, false
		}
		raw = append(raw, byte(r))
	}
	return raw, true
}
