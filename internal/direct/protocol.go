package direct

import "encoding/json"

// ClientIntro is the first message a client sends after the socket
// opens (spec.md §4.4). pubKey and signature are encoded as base64 by
// Go's standard []byte JSON marshaling — the distilled spec leaves the
// exact byte encoding unspecified and the original TypeScript source
// was not available to settle it (see DESIGN.md).
type ClientIntro struct {
	ID           string `json:"id"`
	PubKey       []byte `json:"pubKey"`
	Signature    []byte `json:"signature"`
	Hosting      bool   `json:"hosting"`
	SwarmChannel string `json:"swarmChannel,omitempty"`
	HostTarget   string `json:"hostTarget,omitempty"`
	PassCode     string `json:"passCode,omitempty"`
}

// joinData is the payload of a JOIN packet.
type joinData struct {
	ID string `json:"id"`
}

// joinMsg is S→C: a new peer has appeared in the client's channel.
type joinMsg struct {
	Type string   `json:"type"`
	Data joinData `json:"data"`
}

const msgTypeJoin = "JOIN"

func newJoinMsg(id string) joinMsg {
	return joinMsg{Type: msgTypeJoin, Data: joinData{ID: id}}
}

// msgMsg carries handshake payloads between two clients relayed by the
// server. Server advisories such as "dc" are raw text frames, not this
// envelope. Data is kept as raw JSON so it can be
// handed directly to a Peer Session's Handshake without a re-marshal
// round trip changing field order or precision.
type msgMsg struct {
	Type         string          `json:"type"`
	From         string          `json:"from"`
	TargetClient string          `json:"targetClient,omitempty"`
	Data         json.RawMessage `json:"data"`
}

const msgTypeMsg = "MSG"

// envelope is used to sniff the `type` field of an inbound frame before
// committing to a concrete shape.
type envelope struct {
	Type string `json:"type"`
}

const (
	frameTextPing = "ping"
	frameTextPong = "pong"
	frameTextDC   = "dc"
)
