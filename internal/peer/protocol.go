package peer

import "github.com/pion/webrtc/v4"

// handshakePayload is the JSON envelope exchanged during the initial
// offer/answer/candidate handshake (spec.md §4.2). Exactly one of SDP or
// Candidate is set.
type handshakePayload struct {
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// renegotiatePayload is sent over the _meta control channel to drive
// in-band renegotiation (spec.md §4.2 "Renegotiation (in-band)").
type renegotiatePayload struct {
	Description *webrtc.SessionDescription `json:"description"`
}
