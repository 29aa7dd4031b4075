// Package tracker implements the BT-style rendezvous dialect (C3,
// spec.md §4.3): a WebSocket connection to a WebTorrent-compatible
// tracker that exchanges pre-generated WebRTC offers in batches and
// matches inbound offers/answers to Peer Sessions.
//
// Grounded on internal/ws/client.go's Run/connectAndServe reconnect
// loop and read-loop goroutine, and internal/ws/backoff.go's Backoff
// type (reused here via internal/backoff with the dialect's own
// min(attempt,10)×2000ms parameters).
package tracker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/ehrlich-b/switchboard/internal/backoff"
	"github.com/ehrlich-b/switchboard/internal/digest"
	"github.com/ehrlich-b/switchboard/internal/event"
	"github.com/ehrlich-b/switchboard/internal/peer"
	"github.com/ehrlich-b/switchboard/internal/swberr"
)

const (
	defaultInvites       = 10
	defaultNumWant       = 50
	backoffUnit          = 2 * time.Second
	backoffCapAttempts   = 10
	writeTimeout         = 10 * time.Second
	offerGatherTimeout   = 10 * time.Second
)

// Config configures one tracker Connector.
type Config struct {
	URL      string
	InfoHash [20]byte
	ShortID  string

	Invites              int // default 10
	MaxReconnectAttempts int // default 10; 0 keeps the package default

	ICEServers []webrtc.ICEServer
	TrickleICE bool

	// Gate lets the owning supervisor veto an inbound offer before any
	// handshake resources are spent (spec.md §4.5's admission gate,
	// consulted before ICE/SDP negotiation starts, not after).
	Gate func(peerID string) bool
}

type offerRecord struct {
	id      string
	session *peer.Session
}

// Connector is one BT-style rendezvous connection (spec.md §4.3).
type Connector struct {
	cfg Config
	bus *event.Bus

	mu         sync.Mutex
	conn       *websocket.Conn
	offers     map[string]*offerRecord
	offerOrder []string
	killed     bool
	isOpen     bool
}

// IsOpen reports whether the connector currently has a live socket to
// the tracker (spec.md §4.5's "connected event fires once every
// currently-tracked connector reports isOpen").
func (c *Connector) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isOpen
}

// New creates a Connector. It does nothing network-visible until Run is called.
func New(cfg Config) *Connector {
	if cfg.Invites <= 0 {
		cfg.Invites = defaultInvites
	}
	return &Connector{
		cfg:    cfg,
		bus:    event.New(nil),
		offers: make(map[string]*offerRecord),
	}
}

// On, Once, and Permanent expose the connector's event stream: "peer"
// (a graduated Peer Session), "open", "warn", "kill". A lost socket is
// reported through "warn" before each reconnect; no separate
// "disconnect" event is emitted.
func (c *Connector) On(evt string, cb event.Handler) event.Unsubscribe      { return c.bus.On(evt, cb) }
func (c *Connector) Once(evt string, cb event.Handler) event.Unsubscribe   { return c.bus.Once(evt, cb) }
func (c *Connector) Permanent(evt string, cb event.Handler) event.Unsubscribe {
	return c.bus.Permanent(evt, cb)
}

// Run dials the tracker and services it until ctx is cancelled or the
// connector is fatally killed, reconnecting with backoff on
// post-connect disconnects (spec.md §4.3 "Reconnect").
func (c *Connector) Run(ctx context.Context) error {
	maxAttempts := c.cfg.MaxReconnectAttempts
	if maxAttempts <= 0 {
		maxAttempts = backoffCapAttempts
	}
	bo := backoff.NewPolicy(backoffUnit, backoffCapAttempts, backoffUnit*time.Duration(backoffCapAttempts))

	everConnected := false
	attempts := 0
	for {
		connected, err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			everConnected = true
			bo.Reset()
			attempts = 0
		}
		if !everConnected {
			// Pre-first-connect failure: immediately fatal (spec.md §4.3).
			return c.kill(swberr.ConnectionFailed(c.cfg.URL, errString(err)))
		}

		attempts++
		if attempts > maxAttempts {
			return c.kill(swberr.ConnectionFailed(c.cfg.URL, "max reconnect attempts exceeded"))
		}

		delay := bo.Next()
		c.bus.Emit("warn", swberr.Warn(fmt.Sprintf("tracker %s disconnected, reconnecting in %s: %v", c.cfg.URL, delay, err)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func errString(err error) string {
	if err == nil {
		return "unknown"
	}
	return err.Error()
}

func (c *Connector) connectAndServe(ctx context.Context) (connected bool, err error) {
	conn, _, dialErr := websocket.Dial(ctx, c.cfg.URL, nil)
	if dialErr != nil {
		return false, fmt.Errorf("dial: %w", dialErr)
	}
	defer conn.CloseNow()

	c.mu.Lock()
	c.conn = conn
	c.isOpen = true
	c.mu.Unlock()
	connected = true
	c.bus.Emit("open", nil)
	defer func() {
		c.mu.Lock()
		c.isOpen = false
		c.mu.Unlock()
	}()

	if err := c.sendAnnounce(ctx, announceMsg{
		Action:     "announce",
		InfoHash:   digest.Latin1Binary(c.cfg.InfoHash[:]),
		PeerID:     c.cfg.ShortID,
		Downloaded: 0,
		Left:       0,
		NumWant:    defaultNumWant,
		Event:      "completed",
	}); err != nil {
		return connected, fmt.Errorf("intro announce: %w", err)
	}

	startedBatch, err := c.buildOfferBatch(ctx)
	if err != nil {
		return connected, fmt.Errorf("build offer batch: %w", err)
	}
	if err := c.sendAnnounce(ctx, announceMsg{
		Action:     "announce",
		InfoHash:   digest.Latin1Binary(c.cfg.InfoHash[:]),
		PeerID:     c.cfg.ShortID,
		Downloaded: 0,
		Left:       0,
		NumWant:    defaultNumWant,
		Event:      "started",
		Offers:     startedBatch,
	}); err != nil {
		return connected, fmt.Errorf("started announce: %w", err)
	}

	cadence := make(chan time.Duration, 1)
	announceTimer := time.NewTimer(24 * time.Hour) // replaced once interval is known
	defer announceTimer.Stop()

	readErrCh := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				readErrCh <- err
				return
			}
			var msg serverMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if iv := msg.Interval; iv != nil {
				select {
				case cadence <- time.Duration(*iv) * time.Second:
				default:
				}
			}
			if iv := msg.MinInterval; iv != nil {
				select {
				case cadence <- time.Duration(*iv) * time.Second:
				default:
				}
			}
			c.handleServerMsg(ctx, msg)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return connected, ctx.Err()
		case err := <-readErrCh:
			return connected, fmt.Errorf("read: %w", err)
		case d := <-cadence:
			announceTimer.Reset(d)
		case <-announceTimer.C:
			batch, err := c.buildOfferBatch(ctx)
			if err != nil {
				c.bus.Emit("warn", swberr.Warn(fmt.Sprintf("build offer batch: %v", err)))
				continue
			}
			if err := c.sendAnnounce(ctx, announceMsg{
				Action:     "announce",
				InfoHash:   digest.Latin1Binary(c.cfg.InfoHash[:]),
				PeerID:     c.cfg.ShortID,
				Downloaded: 0,
				Left:       0,
				NumWant:    defaultNumWant,
				Offers:     batch,
			}); err != nil {
				return connected, fmt.Errorf("cadence announce: %w", err)
			}
		}
	}
}

func (c *Connector) handleServerMsg(ctx context.Context, msg serverMsg) {
	if msg.FailureReason != "" {
		c.kill(swberr.ProtocolFailure(msg.FailureReason))
		return
	}

	switch {
	case msg.Offer != nil && msg.PeerID != "" && msg.OfferID != "":
		c.handleInboundOffer(ctx, msg)
	case msg.Answer != nil && msg.OfferID != "":
		c.handleInboundAnswer(msg)
	}
}

func (c *Connector) handleInboundOffer(ctx context.Context, msg serverMsg) {
	if c.cfg.Gate != nil && c.cfg.Gate(msg.PeerID) {
		return
	}

	sess, err := peer.NewSession(peer.Config{
		ICEServers: c.cfg.ICEServers,
		Initiator:  false,
		TrickleICE: c.cfg.TrickleICE,
	})
	if err != nil {
		c.bus.Emit("warn", swberr.Warn(fmt.Sprintf("create answerer session: %v", err)))
		return
	}
	sess.RemoteShortID = msg.PeerID

	answerCh := make(chan *webrtc.SessionDescription, 1)
	sess.Once("handshake", func(v any) {
		var hw handshakeWire
		if err := json.Unmarshal(v.([]byte), &hw); err == nil && hw.SDP != nil {
			answerCh <- hw.SDP
		}
	})
	sess.On("connect", func(v any) { c.graduate(sess) })

	offerID := msg.OfferID
	data, _ := json.Marshal(handshakeWire{SDP: msg.Offer})
	if err := sess.Handshake(data); err != nil {
		return
	}

	select {
	case answer := <-answerCh:
		c.sendAnnounce(ctx, announceMsg{
			Action:   "announce",
			InfoHash: digest.Latin1Binary(c.cfg.InfoHash[:]),
			PeerID:   c.cfg.ShortID,
			ToPeerID: msg.PeerID,
			Answer:   answer,
			OfferID:  offerID,
		})
	case <-time.After(offerGatherTimeout):
		sess.Close(true)
	case <-ctx.Done():
		sess.Close(true)
	}
}

func (c *Connector) handleInboundAnswer(msg serverMsg) {
	c.mu.Lock()
	rec, ok := c.offers[msg.OfferID]
	if ok {
		delete(c.offers, msg.OfferID)
		for i, id := range c.offerOrder {
			if id == msg.OfferID {
				c.offerOrder = append(c.offerOrder[:i:i], c.offerOrder[i+1:]...)
				break
			}
		}
	}
	c.mu.Unlock()

	if !ok {
		return
	}

	rec.session.RemoteShortID = msg.PeerID
	data, _ := json.Marshal(handshakeWire{SDP: msg.Answer})
	rec.session.Handshake(data)
	// The session self-graduates via its "connect" handler, registered
	// when it was created in buildOfferBatch.
}

// graduate forwards a newly connected Peer Session upward, transferring
// ownership away from the connector (spec.md §4.3 step 6).
func (c *Connector) graduate(sess *peer.Session) {
	c.bus.Emit("peer", sess)
}

// buildOfferBatch creates c.cfg.Invites offering Peer Sessions, records
// each under a fresh random offer_id in the Offer Table, evicts the
// oldest entries past 2×invites, and returns the wire batch.
func (c *Connector) buildOfferBatch(ctx context.Context) ([]offerEntry, error) {
	batch := make([]offerEntry, 0, c.cfg.Invites)

	for i := 0; i < c.cfg.Invites; i++ {
		offerID, err := randomOfferID()
		if err != nil {
			return nil, err
		}

		sess, err := peer.NewSession(peer.Config{
			ICEServers: c.cfg.ICEServers,
			Initiator:  true,
			TrickleICE: c.cfg.TrickleICE,
		})
		if err != nil {
			return nil, fmt.Errorf("create offering session: %w", err)
		}

		offerCh := make(chan *webrtc.SessionDescription, 1)
		sess.Once("handshake", func(v any) {
			var hw handshakeWire
			if err := json.Unmarshal(v.([]byte), &hw); err == nil && hw.SDP != nil {
				offerCh <- hw.SDP
			}
		})
		sess.On("connect", func(v any) { c.graduate(sess) })

		if err := sess.Handshake(nil); err != nil {
			sess.Close(true)
			return nil, fmt.Errorf("start offer: %w", err)
		}

		var offerSDP *webrtc.SessionDescription
		select {
		case offerSDP = <-offerCh:
		case <-time.After(offerGatherTimeout):
			sess.Close(true)
			return nil, fmt.Errorf("timed out gathering offer %d/%d", i+1, c.cfg.Invites)
		case <-ctx.Done():
			sess.Close(true)
			return nil, ctx.Err()
		}

		c.addOffer(offerID, sess)
		batch = append(batch, offerEntry{Offer: offerSDP, OfferID: offerID})
	}

	return batch, nil
}

// addOffer records an offering session in the Offer Table, evicting the
// oldest entry once the table exceeds 2×invites (spec.md §4.3 step 4, §8).
func (c *Connector) addOffer(offerID string, sess *peer.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.offers[offerID] = &offerRecord{id: offerID, session: sess}
	c.offerOrder = append(c.offerOrder, offerID)

	limit := 2 * c.cfg.Invites
	for len(c.offerOrder) > limit {
		oldest := c.offerOrder[0]
		c.offerOrder = c.offerOrder[1:]
		if rec, ok := c.offers[oldest]; ok {
			delete(c.offers, oldest)
			rec.session.Close(true)
		}
	}
}

// OpenOfferCount reports the current size of the Offer Table (used by
// tests asserting the §8 cap invariant).
func (c *Connector) OpenOfferCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.offerOrder)
}

func (c *Connector) sendAnnounce(ctx context.Context, msg announceMsg) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

// kill is the connector's internal fatal-close path (spec.md §4.3
// "close() (internal)"): clears all unmatched offers and emits kill
// once. Idempotent.
func (c *Connector) kill(err error) error {
	c.mu.Lock()
	if c.killed {
		c.mu.Unlock()
		return err
	}
	c.killed = true
	offers := c.offers
	c.offers = make(map[string]*offerRecord)
	c.offerOrder = nil
	c.mu.Unlock()

	for _, rec := range offers {
		rec.session.Close(true)
	}

	c.bus.Emit("kill", err)
	return err
}

// offerIDBytes is spec.md §6's "20 random bytes in lowercase hex (40 chars)".
const offerIDBytes = 20

func randomOfferID() (string, error) {
	buf := make([]byte, offerIDBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
