package tracker

import "github.com/pion/webrtc/v4"

// offerEntry is one entry of an announce's `offers` batch (spec.md §4.3, §6).
type offerEntry struct {
	Offer   *webrtc.SessionDescription `json:"offer"`
	OfferID string                     `json:"offer_id"`
}

// announceMsg is every outbound frame this dialect sends. Unused fields
// are omitted by their `omitempty` tag rather than modeled as separate
// message types, matching WebTorrent's single flat announce shape.
type announceMsg struct {
	Action     string       `json:"action"`
	InfoHash   string       `json:"info_hash"`
	PeerID     string       `json:"peer_id"`
	Downloaded int          `json:"downloaded"`
	Left       int          `json:"left"`
	NumWant    int          `json:"numwant"`
	Event      string       `json:"event,omitempty"`
	Offers     []offerEntry `json:"offers,omitempty"`

	Answer    *webrtc.SessionDescription `json:"answer,omitempty"`
	OfferID   string                     `json:"offer_id,omitempty"`
	ToPeerID  string                     `json:"to_peer_id,omitempty"`
	TrackerID string                     `json:"tracker id,omitempty"`
}

// serverMsg is every inbound frame shape, superimposed — a given wire
// message only ever populates a subset of these fields.
type serverMsg struct {
	Action        string `json:"action,omitempty"`
	InfoHash      string `json:"info_hash,omitempty"`
	PeerID        string `json:"peer_id,omitempty"`
	Interval      *int   `json:"interval,omitempty"`
	MinInterval   *int   `json:"min interval,omitempty"`
	FailureReason string `json:"failure reason,omitempty"`
	TrackerID     string `json:"tracker id,omitempty"`

	Offer    *webrtc.SessionDescription `json:"offer,omitempty"`
	OfferID  string                     `json:"offer_id,omitempty"`
	Answer   *webrtc.SessionDescription `json:"answer,omitempty"`
	ToPeerID string                     `json:"to_peer_id,omitempty"`
}

// handshakeWire mirrors internal/peer's unexported handshakePayload just
// enough to decode a Session's "handshake" event payload from outside
// the package — the wire shape is the public contract, not the Go type.
type handshakeWire struct {
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}
