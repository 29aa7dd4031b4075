// Package peer implements the Peer Session (spec.md §4.2): a single
// WebRTC connection with reserved pre-negotiated channels, an
// offer/answer/candidate handshake, in-band renegotiation with glare
// resolution, and send-before-open buffering.
//
// Grounded on internal/webrtc/peer.go (PeerManager's data-channel and
// connection-state wiring, GatheringCompletePromise usage) and
// internal/webrtc/transport.go (SwappableWriter's mutex-guarded mode
// switch, generalized here into the per-channel send queue).
package peer

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/ehrlich-b/switchboard/internal/event"
)

// State is the Peer Session's discriminator (spec.md §3).
type State int

const (
	StateNew State = iota
	StateOffering
	StateAnswering
	StateIceGathering
	StateSignalStable
	StateAuthenticating
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateOffering:
		return "offering"
	case StateAnswering:
		return "answering"
	case StateIceGathering:
		return "ice-gathering"
	case StateSignalStable:
		return "signal-stable"
	case StateAuthenticating:
		return "authenticating"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	metaChannelLabel    = "_meta"
	defaultChannelLabel = "default"
	metaChannelID       = uint16(0)
	defaultChannelID    = uint16(1)

	defaultTrickleTimeout = 2 * time.Second
)

// Config configures a new Session.
type Config struct {
	ICEServers     []webrtc.ICEServer
	Initiator      bool
	TrickleICE     bool
	TrickleTimeout time.Duration // 0 means defaultTrickleTimeout
}

// Session wraps one UA-provided WebRTC PeerConnection (spec.md §4.2).
// It is owned exclusively by whichever connector created it until
// authenticated, at which point the supervisor takes over — Session
// itself has no notion of "owner", it just exposes operations and
// events; ownership is a convention enforced by callers.
type Session struct {
	mu sync.Mutex

	pc        *webrtc.PeerConnection
	bus       *event.Bus
	initiator bool

	trickleICE     bool
	trickleTimeout time.Duration

	state            State
	closed           bool
	intentionalClose bool
	connectEmitted   bool

	metaChan    *webrtc.DataChannel
	defaultChan *webrtc.DataChannel
	extraChans  map[string]*webrtc.DataChannel

	metaOpen bool

	sendQueues map[string][][]byte

	remoteDescSet     bool
	pendingCandidates []webrtc.ICECandidateInit

	// RemoteShortID is learned pre-auth from the rendezvous dialect
	// (e.g. the tracker's peer_id). VerifiedFullID is learned post-auth
	// by the supervisor via SetVerifiedFullID.
	RemoteShortID  string
	VerifiedFullID string

	timeoutTimer *time.Timer
}

// NewSession creates a PeerConnection and pre-negotiates the reserved
// _meta and default channels (spec.md §4.2's "Reserved channels").
func NewSession(cfg Config) (*Session, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	trickleTimeout := cfg.TrickleTimeout
	if trickleTimeout <= 0 {
		trickleTimeout = defaultTrickleTimeout
	}

	s := &Session{
		pc:             pc,
		bus:            event.New(nil),
		initiator:      cfg.Initiator,
		trickleICE:     cfg.TrickleICE,
		trickleTimeout: trickleTimeout,
		state:          StateNew,
		extraChans:     make(map[string]*webrtc.DataChannel),
		sendQueues:     make(map[string][][]byte),
	}

	ordered := true
	metaID := metaChannelID
	defID := defaultChannelID
	negotiated := true

	metaChan, err := pc.CreateDataChannel(metaChannelLabel, &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &metaID,
	})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create _meta channel: %w", err)
	}
	defaultChan, err := pc.CreateDataChannel(defaultChannelLabel, &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &defID,
	})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create default channel: %w", err)
	}

	s.metaChan = metaChan
	s.defaultChan = defaultChan

	s.wireChannel(metaChannelLabel, metaChan)
	s.wireChannel(defaultChannelLabel, defaultChan)

	metaChan.OnOpen(s.handleMetaOpen)
	metaChan.OnMessage(s.handleMetaMessage)
	metaChan.OnClose(s.handleMetaClose)

	defaultChan.OnMessage(func(msg webrtc.DataChannelMessage) {
		s.bus.Emit("message", msg.Data)
		s.bus.Emit("data", msg.Data)
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		s.mu.Lock()
		s.extraChans[dc.Label()] = dc
		s.mu.Unlock()
		s.wireChannel(dc.Label(), dc)
		s.bus.Emit("dataChannel", dc)
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		s.bus.Emit("stream", track)
	})

	pc.OnNegotiationNeeded(func() {
		s.mu.Lock()
		open := s.metaOpen
		s.mu.Unlock()
		if open {
			s.renegotiate()
		}
	})

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		if st == webrtc.PeerConnectionStateFailed {
			s.FatalError(fmt.Errorf("signaling state failed"))
		}
	})

	return s, nil
}

func (s *Session) wireChannel(label string, dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		s.flushQueue(label, dc)
	})
}

// State returns the Session's current discriminator.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// On registers an event handler. Events: handshake, connect, ready,
// message, data, dataChannel, stream, iceEvent, iceFinished, error, close,
// disconnect (spec.md §4.2).
func (s *Session) On(evt string, cb event.Handler) event.Unsubscribe {
	return s.bus.On(evt, cb)
}

// Once registers a one-shot event handler.
func (s *Session) Once(evt string, cb event.Handler) event.Unsubscribe {
	return s.bus.Once(evt, cb)
}

// Permanent registers a handler immune to RemoveAllListeners.
func (s *Session) Permanent(evt string, cb event.Handler) event.Unsubscribe {
	return s.bus.Permanent(evt, cb)
}

// PeerConnection exposes the underlying pion PeerConnection for callers
// that need to add media tracks directly (addMedia, spec.md §4.2).
func (s *Session) PeerConnection() *webrtc.PeerConnection {
	return s.pc
}

// Handshake drives the offer/answer/candidate state machine (spec.md
// §4.2 "Handshake protocol"). Call with nil on the initiator to start;
// call with each payload received from the rendezvous thereafter.
func (s *Session) Handshake(payload []byte) error {
	if s.isClosed() {
		return nil
	}

	if payload == nil {
		if !s.initiator {
			return s.FatalError(fmt.Errorf("handshake() with no payload on a non-initiator session"))
		}
		return s.startOffer()
	}

	var msg handshakePayload
	if err := json.Unmarshal(payload, &msg); err != nil {
		return s.FatalError(fmt.Errorf("malformed handshake payload: %w", err))
	}

	switch {
	case msg.SDP != nil:
		return s.handleRemoteSDP(*msg.SDP)
	case msg.Candidate != nil:
		return s.handleRemoteCandidate(*msg.Candidate)
	default:
		return s.FatalError(fmt.Errorf("handshake payload has neither sdp nor candidate"))
	}
}

func (s *Session) startOffer() error {
	s.setState(StateOffering)
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return s.FatalError(fmt.Errorf("create offer: %w", err))
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return s.FatalError(fmt.Errorf("set local description: %w", err))
	}
	s.setState(StateIceGathering)
	s.gatherAndEmit()
	return nil
}

func (s *Session) handleRemoteSDP(sdp webrtc.SessionDescription) error {
	if err := s.pc.SetRemoteDescription(sdp); err != nil {
		return s.FatalError(fmt.Errorf("set remote description: %w", err))
	}
	s.mu.Lock()
	s.remoteDescSet = true
	pending := s.pendingCandidates
	s.pendingCandidates = nil
	s.mu.Unlock()

	for _, c := range pending {
		if err := s.pc.AddICECandidate(c); err != nil {
			return s.FatalError(fmt.Errorf("add buffered ice candidate: %w", err))
		}
	}

	if sdp.Type == webrtc.SDPTypeOffer {
		s.setState(StateAnswering)
		answer, err := s.pc.CreateAnswer(nil)
		if err != nil {
			return s.FatalError(fmt.Errorf("create answer: %w", err))
		}
		if err := s.pc.SetLocalDescription(answer); err != nil {
			return s.FatalError(fmt.Errorf("set local description: %w", err))
		}
		s.setState(StateIceGathering)
		s.gatherAndEmit()
		return nil
	}

	// Remote description was an answer: signaling completes, no new
	// local description to gather or emit.
	s.onSignalStable()
	return nil
}

func (s *Session) handleRemoteCandidate(c webrtc.ICECandidateInit) error {
	s.mu.Lock()
	haveRemote := s.remoteDescSet
	if !haveRemote {
		s.pendingCandidates = append(s.pendingCandidates, c)
	}
	s.mu.Unlock()

	if haveRemote {
		if err := s.pc.AddICECandidate(c); err != nil {
			return s.FatalError(fmt.Errorf("add ice candidate: %w", err))
		}
	}
	return nil
}

// gatherAndEmit implements the ICE policy (spec.md §4.2, §9). In
// non-trickle mode, a single handshake event carries the local
// description once gathering finishes or trickleTimeout elapses,
// whichever is first. In trickle mode, the local description is emitted
// at once and each non-nil candidate follows as its own handshake event.
func (s *Session) gatherAndEmit() {
	wasInitiatorOffering := s.initiator && s.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer
	if s.trickleICE {
		data, _ := json.Marshal(handshakePayload{SDP: s.pc.LocalDescription()})
		s.bus.Emit("handshake", data)
	}

	// iceEvent is observable during the wait under both policies
	// (spec.md §4.2); only what happens with a candidate once gathered
	// (emit immediately vs. batch into the final handshake message)
	// differs between trickle and non-trickle.
	s.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			s.bus.Emit("iceFinished", nil)
			return
		}
		init := c.ToJSON()
		s.bus.Emit("iceEvent", init)
		if s.trickleICE {
			data, _ := json.Marshal(handshakePayload{Candidate: &init})
			s.bus.Emit("handshake", data)
		}
	})
	if s.trickleICE {
		return
	}

	gatherComplete := webrtc.GatheringCompletePromise(s.pc)
	go func() {
		select {
		case <-gatherComplete:
		case <-time.After(s.trickleTimeout):
		}
		desc := s.pc.LocalDescription()
		if desc == nil {
			s.FatalError(fmt.Errorf("no local description after ICE gathering"))
			return
		}
		data, _ := json.Marshal(handshakePayload{SDP: desc})
		s.bus.Emit("handshake", data)

		if wasInitiatorOffering {
			// Offer side becomes signal-stable only once the answer arrives.
			return
		}
		s.onSignalStable()
	}()
}

func (s *Session) onSignalStable() {
	s.setState(StateSignalStable)
}

// handleMetaOpen fires when the reserved _meta control channel opens —
// the point at which the session is considered stable and ready
// (spec.md §4.2's "ready fires each time connection stabilizes").
func (s *Session) handleMetaOpen() {
	s.mu.Lock()
	s.metaOpen = true
	alreadyConnected := s.connectEmitted
	s.connectEmitted = true
	s.mu.Unlock()

	s.setState(StateSignalStable)
	s.flushQueue(metaChannelLabel, s.metaChan)

	s.bus.Emit("ready", nil)
	if !alreadyConnected {
		s.bus.Emit("connect", nil)
	}
}

func (s *Session) handleMetaClose() {
	if !s.isClosed() {
		s.FatalError(fmt.Errorf("_meta channel closed while session was not closed"))
	}
}

// renegotiate implements in-band renegotiation over _meta (spec.md
// §4.2's "Renegotiation (in-band)"), used by addMedia after auth.
func (s *Session) renegotiate() {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		s.FatalError(fmt.Errorf("renegotiate: create offer: %w", err))
		return
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		s.FatalError(fmt.Errorf("renegotiate: set local description: %w", err))
		return
	}
	s.sendMeta(renegotiatePayload{Description: s.pc.LocalDescription()})
}

func (s *Session) handleMetaMessage(msg webrtc.DataChannelMessage) {
	var payload renegotiatePayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil || payload.Description == nil {
		s.FatalError(fmt.Errorf("malformed _meta payload: %w", err))
		return
	}
	desc := *payload.Description

	if desc.Type == webrtc.SDPTypeOffer && s.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		// Glare: both sides offered simultaneously.
		if s.initiator {
			// Initiator role wins the collision; ignore the remote offer.
			return
		}
		// Non-initiator rolls back its own local offer, then accepts
		// the remote one.
		if err := s.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			s.FatalError(fmt.Errorf("glare rollback: %w", err))
			return
		}
	}

	if err := s.pc.SetRemoteDescription(desc); err != nil {
		s.FatalError(fmt.Errorf("renegotiate: set remote description: %w", err))
		return
	}

	if desc.Type == webrtc.SDPTypeOffer {
		answer, err := s.pc.CreateAnswer(nil)
		if err != nil {
			s.FatalError(fmt.Errorf("renegotiate: create answer: %w", err))
			return
		}
		if err := s.pc.SetLocalDescription(answer); err != nil {
			s.FatalError(fmt.Errorf("renegotiate: set local description: %w", err))
			return
		}
		s.sendMeta(renegotiatePayload{Description: s.pc.LocalDescription()})
	}

	s.bus.Emit("ready", nil)
}

func (s *Session) sendMeta(v renegotiatePayload) {
	data, err := json.Marshal(v)
	if err != nil {
		s.FatalError(fmt.Errorf("marshal _meta payload: %w", err))
		return
	}
	s.sendOn(metaChannelLabel, s.metaChan, data)
}

// Send enqueues data for delivery on the named channel ("default" if
// omitted), flushing immediately if the channel is already open or
// buffering until it opens (spec.md §4.2's "Send buffering").
func (s *Session) Send(data []byte, channel string) error {
	if s.isClosed() {
		return nil
	}
	if channel == "" {
		channel = defaultChannelLabel
	}
	dc := s.channelByLabel(channel)
	if dc == nil {
		return fmt.Errorf("no such channel %q", channel)
	}
	s.sendOn(channel, dc, data)
	return nil
}

func (s *Session) sendOn(label string, dc *webrtc.DataChannel, data []byte) {
	if dc.ReadyState() != webrtc.DataChannelStateOpen {
		s.mu.Lock()
		s.sendQueues[label] = append(s.sendQueues[label], data)
		s.mu.Unlock()
		return
	}
	if err := dc.Send(data); err != nil {
		s.FatalError(fmt.Errorf("send on %q: %w", label, err))
	}
}

func (s *Session) flushQueue(label string, dc *webrtc.DataChannel) {
	s.mu.Lock()
	queued := s.sendQueues[label]
	s.sendQueues[label] = nil
	s.mu.Unlock()

	for _, data := range queued {
		if err := dc.Send(data); err != nil {
			s.FatalError(fmt.Errorf("flush queue %q: %w", label, err))
			return
		}
	}
}

func (s *Session) channelByLabel(label string) *webrtc.DataChannel {
	switch label {
	case metaChannelLabel:
		return s.metaChan
	case defaultChannelLabel:
		return s.defaultChan
	default:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.extraChans[label]
	}
}

// AddDataChannel opens a new, non-reserved data channel. Unlike _meta
// and default, it is negotiated in-band by the UA (not pre-negotiated),
// so the caller must wait for the remote's dataChannel event.
func (s *Session) AddDataChannel(name string, ordered bool) (*webrtc.DataChannel, error) {
	dc, err := s.pc.CreateDataChannel(name, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, fmt.Errorf("add data channel %q: %w", name, err)
	}
	s.mu.Lock()
	s.extraChans[name] = dc
	s.mu.Unlock()
	s.wireChannel(name, dc)
	return dc, nil
}

// RemoveDataChannel closes and forgets a previously added channel.
func (s *Session) RemoveDataChannel(name string) {
	s.mu.Lock()
	dc := s.extraChans[name]
	delete(s.extraChans, name)
	delete(s.sendQueues, name)
	s.mu.Unlock()
	if dc != nil {
		dc.Close()
	}
}

// AddMedia attaches a local track and triggers in-band renegotiation
// (spec.md §4.2's "addMedia"). It never needs the rendezvous service.
func (s *Session) AddMedia(track webrtc.TrackLocal) error {
	if _, err := s.pc.AddTrack(track); err != nil {
		return fmt.Errorf("add media track: %w", err)
	}
	return nil
}

// SetVerifiedFullID records the post-auth verified FullID. Called by the
// supervisor once the Ed25519 handshake succeeds.
func (s *Session) SetVerifiedFullID(id string) {
	s.mu.Lock()
	s.VerifiedFullID = id
	s.mu.Unlock()
}

// MarkAuthenticating transitions a SignalStable session into the
// supervisor-owned Authenticating state.
func (s *Session) MarkAuthenticating() {
	s.setState(StateAuthenticating)
}

// MarkOpen transitions an authenticated session to Open.
func (s *Session) MarkOpen() {
	s.setState(StateOpen)
}

// FatalError puts the session into a terminal error state: it emits
// `error` then closes non-intentionally (spec.md §4.2's "Fatal
// conditions"). Safe to call multiple times.
func (s *Session) FatalError(err error) error {
	if s.isClosed() {
		return err
	}
	s.bus.Emit("error", err)
	s.Close(false)
	return err
}

// Close shuts down the session's PeerConnection and every channel it
// owns. Idempotent: closing twice emits `close` only once (spec.md §8).
// intentional distinguishes a caller-initiated close from a
// remote/failure-initiated one for the `disconnect` event.
func (s *Session) Close(intentional bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.intentionalClose = intentional
	if s.timeoutTimer != nil {
		s.timeoutTimer.Stop()
	}
	s.mu.Unlock()

	s.setState(StateClosed)
	s.pc.Close()

	s.bus.Emit("close", nil)
	if !intentional {
		s.bus.Emit("disconnect", nil)
	}
}
