// Package switchboard implements the Switchboard Supervisor (C5,
// spec.md §4.5): the component that owns a set of rendezvous
// connectors, gates every candidate Peer Session through a signed
// handshake bound to its SDP, and maintains the blacklist.
//
// Grounded on internal/ws/client.go's OnStateChange/OnReconnect
// callback-wiring style, generalized to own multiple connectors.
package switchboard

import (
	"crypto/ed25519"
	"fmt"

	"github.com/ehrlich-b/switchboard/internal/digest"
	"github.com/ehrlich-b/switchboard/internal/identity"
)

// authPacket is the binary, length-prefixed auth packet from spec.md §6:
//
//	byte 0     : pubLen (always 32)
//	byte 1     : sdpHashLen (always 40)
//	bytes[2..]: pub || sdpHash || signature
type authPacket struct {
	Pub     ed25519.PublicKey
	SDPHash string // ASCII hex SHA-1 of the signer's local SDP, 40 chars
	Sig     []byte
}

func encodeAuthPacket(p authPacket) []byte {
	buf := make([]byte, 0, 2+len(p.Pub)+len(p.SDPHash)+len(p.Sig))
	buf = append(buf, byte(len(p.Pub)), byte(len(p.SDPHash)))
	buf = append(buf, p.Pub...)
	buf = append(buf, []byte(p.SDPHash)...)
	buf = append(buf, p.Sig...)
	return buf
}

func decodeAuthPacket(data []byte) (authPacket, error) {
	if len(data) < 2 {
		return authPacket{}, fmt.Errorf("auth packet too short")
	}
	pubLen := int(data[0])
	sdpHashLen := int(data[1])
	if pubLen != ed25519.PublicKeySize || sdpHashLen != 40 {
		return authPacket{}, fmt.Errorf("auth packet: bad length prefix %d/%d", pubLen, sdpHashLen)
	}
	want := 2 + pubLen + sdpHashLen
	if len(data) <= want {
		return authPacket{}, fmt.Errorf("auth packet: missing signature")
	}
	pub := ed25519.PublicKey(data[2 : 2+pubLen])
	sdpHash := string(data[2+pubLen : want])
	sig := data[want:]
	return authPacket{Pub: pub, SDPHash: sdpHash, Sig: sig}, nil
}

// signAuthPacket builds and signs a packet per spec.md §4.5 step 3:
// sig is an Ed25519 signature over (pub || sdpHash).
func signAuthPacket(pub ed25519.PublicKey, priv ed25519.PrivateKey, localSDP string) []byte {
	sdpHash := digest.HexSum(digest.Default, []byte(localSDP))
	sig := ed25519.Sign(priv, append(append([]byte{}, pub...), []byte(sdpHash)...))
	return encodeAuthPacket(authPacket{Pub: pub, SDPHash: sdpHash, Sig: sig})
}

// verifyAuthPacket checks scenario 2's four conditions (spec.md §4.5 step
// 4, §8): signature validity and the identity/SDP bindings. remoteSDP is
// *our* observation of the peer's local SDP (the SDP WE received from
// them during the WebRTC handshake), used to foil rendezvous-level MITM.
func verifyAuthPacket(data []byte, advertisedID, wantedSpecificID, remoteSDP string) (fullID string, err error) {
	p, err := decodeAuthPacket(data)
	if err != nil {
		return "", err
	}

	derived := identity.FullID(p.Pub)
	if advertisedID != "" && !identity.IDsMatch(derived, advertisedID) {
		return "", fmt.Errorf("id mismatch: derived %s, advertised %s", derived, advertisedID)
	}
	if wantedSpecificID != "" && !identity.IDsMatch(derived, wantedSpecificID) {
		return "", fmt.Errorf("id %s does not match wanted specific id %s", derived, wantedSpecificID)
	}
	if !ed25519.Verify(p.Pub, append(append([]byte{}, p.Pub...), []byte(p.SDPHash)...), p.Sig) {
		return "", fmt.Errorf("bad signature")
	}
	if want := digest.HexSum(digest.Default, []byte(remoteSDP)); p.SDPHash != want {
		return "", fmt.Errorf("sdp hash mismatch: got %s, want %s", p.SDPHash, want)
	}

	return derived, nil
}
