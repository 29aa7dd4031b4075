package switchboard

import (
	"testing"
	"time"

	"github.com/ehrlich-b/switchboard/internal/config"
	"github.com/ehrlich-b/switchboard/internal/identity"
)

// TestSignedAuthRoundTrip covers spec.md §8 scenario 2.
func TestSignedAuthRoundTrip(t *testing.T) {
	id, err := identity.NewRandom()
	if err != nil {
		t.Fatalf("new identity: %v", err)
	}
	const localSDP = "v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\ns=-"

	packet := signAuthPacket(id.KeyPair.Public, id.KeyPair.Private, localSDP)

	if packet[0] != 32 {
		t.Errorf("pubLen byte = %d, want 32", packet[0])
	}
	if packet[1] != 40 {
		t.Errorf("sdpHashLen byte = %d, want 40", packet[1])
	}
	pub := packet[2:34]
	if string(pub) != string(id.KeyPair.Public) {
		t.Errorf("pub bytes mismatch")
	}

	fullID, err := verifyAuthPacket(packet, id.ShortID, "", localSDP)
	if err != nil {
		t.Fatalf("verifyAuthPacket: %v", err)
	}
	if fullID != id.FullID {
		t.Errorf("recovered FullID = %q, want %q", fullID, id.FullID)
	}

	mutated := append([]byte(nil), packet...)
	mutated[len(mutated)-1] ^= 0xFF
	if _, err := verifyAuthPacket(mutated, id.ShortID, "", localSDP); err == nil {
		t.Error("mutated signature byte verified, want error")
	}

	if _, err := verifyAuthPacket(packet, id.ShortID, "", "v=0\r\no=- 2 2 IN IP4 0.0.0.0\r\ns=-"); err == nil {
		t.Error("mismatched remote SDP verified, want error")
	}
}

func newTestSupervisor(t *testing.T, opts config.Options) *Supervisor {
	t.Helper()
	id, err := identity.NewRandom()
	if err != nil {
		t.Fatalf("new identity: %v", err)
	}
	return New(opts, id, nil)
}

// TestBlacklistExpiry covers spec.md §8 scenario 6.
func TestBlacklistExpiry(t *testing.T) {
	opts := config.Default()
	opts.ClientMaxRetries = 1
	opts.ClientBlacklistDuration = 50 * time.Millisecond

	s := newTestSupervisor(t, opts)
	const peerID = "abcdefabcdefabcdefabcdefabcdefabcdefabcd"

	blacklisted := make(chan any, 1)
	s.On("peer-blacklisted", func(v any) { blacklisted <- v })

	s.AddPeerFailure(peerID, 1)
	s.AddPeerFailure(peerID, 1)

	select {
	case <-blacklisted:
	case <-time.After(time.Second):
		t.Fatal("peer-blacklisted not emitted")
	}
	if !s.IsBlackListed(peerID) {
		t.Fatal("expected peer to be blacklisted")
	}

	time.Sleep(200 * time.Millisecond)
	if s.IsBlackListed(peerID) {
		t.Fatal("expected blacklist entry to have expired")
	}
}

// TestAdmissionGatePrefixMatch covers spec.md §8 scenario 5.
func TestAdmissionGatePrefixMatch(t *testing.T) {
	s := newTestSupervisor(t, config.Default())
	s.wantedSpecificID = "abcd"

	if s.shouldBlockConnection("abcdef1234abcdef1234abcdef1234abcdef1234") {
		t.Error("expected prefix match to be admitted")
	}
	if !s.shouldBlockConnection("abce56781234567812345678123456781234abcd") {
		t.Error("expected mismatched prefix to be rejected")
	}
}

// TestAdmissionGateRejectsDuplicateID covers the "Uniqueness" invariant
// from spec.md §8: a second authenticated session for an already
// connected ShortID is rejected by the gate before a handshake starts.
func TestAdmissionGateRejectsDuplicateID(t *testing.T) {
	s := newTestSupervisor(t, config.Default())
	s.connected["abcdefabcdefabcdefabcdefabcdefabcdefabcd"[:20]] = nil

	if !s.shouldBlockConnection("abcdefabcdefabcdefabcdefabcdefabcdefabcd"[:20]) {
		t.Error("expected duplicate ShortID to be rejected")
	}
}
