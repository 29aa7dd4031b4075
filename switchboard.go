// Package switchboard is the public entry point for the switchboard
// matchmaking and authenticated-signaling library (spec.md §1). It
// re-exports the Supervisor (C5) and the identity/config types an
// embedding application needs; everything else lives under internal/
// and is not part of the public surface.
package switchboard

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/ehrlich-b/switchboard/internal/config"
	"github.com/ehrlich-b/switchboard/internal/identity"
	"github.com/ehrlich-b/switchboard/internal/peer"
	internalsb "github.com/ehrlich-b/switchboard/internal/switchboard"
)

// Supervisor is the Switchboard Supervisor (C5): it owns rendezvous
// connectors, gates candidates through the signed handshake, and
// surfaces authenticated peers.
type Supervisor = internalsb.Supervisor

// PeerSession is one authenticated WebRTC session (C2).
type PeerSession = peer.Session

// Options are a Supervisor's tunables; see config.Default for the
// spec-mandated defaults.
type Options = config.Options

// TrackerOption describes one configured rendezvous.
type TrackerOption = config.TrackerOption

// Identity bundles an Ed25519 keypair with its derived FullID/ShortID.
type Identity = identity.Identity

// Seed is the 32 raw bytes an Identity is derived from.
type Seed = identity.Seed

// DefaultOptions returns the spec-mandated defaults (spec.md §3, §4.2, §4.5).
func DefaultOptions() Options {
	return config.Default()
}

// NewIdentity derives an Identity from a caller-supplied Seed. Seed
// persistence is the embedding application's responsibility (spec.md
// §1 excludes "persistent key storage" from this library's scope).
func NewIdentity(seed Seed) Identity {
	return identity.New(seed)
}

// NewRandomIdentity generates a fresh random Identity.
func NewRandomIdentity() (Identity, error) {
	return identity.NewRandom()
}

// ParseSeed decodes a Base58-encoded seed string.
func ParseSeed(encoded string) (Seed, error) {
	return identity.ParseSeed(encoded)
}

// NewSupervisor constructs a Supervisor for the given identity and
// options. It does nothing network-visible until Host, FindHost, or
// Swarm is called on it.
func NewSupervisor(opts Options, id Identity, iceServers []webrtc.ICEServer) *Supervisor {
	return internalsb.New(opts, id, iceServers)
}

// DefaultICEServers is a minimal STUN-only server list suitable for
// development; production callers should supply their own (TURN
// included) via NewSupervisor's iceServers parameter.
func DefaultICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
}

// Background is a convenience re-export so callers that only import
// this package (not context) can still call Host/FindHost/Swarm with
// the background context.
func Background() context.Context {
	return context.Background()
}
