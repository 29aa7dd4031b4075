package direct

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/ehrlich-b/switchboard/internal/backoff"
	"github.com/ehrlich-b/switchboard/internal/event"
	"github.com/ehrlich-b/switchboard/internal/identity"
	"github.com/ehrlich-b/switchboard/internal/peer"
	"github.com/ehrlich-b/switchboard/internal/swberr"
)

const (
	clientBackoffUnit        = 2 * time.Second
	clientBackoffCapAttempts = 10
)

// ClientConfig configures a C4 connector.
type ClientConfig struct {
	URL      string
	Identity identity.Identity

	Hosting      bool
	SwarmChannel string
	HostTarget   string
	PassCode     string

	// Gate lets the owning supervisor veto an inbound JOIN/MSG before a
	// Peer Session is constructed and negotiated (spec.md §4.5's
	// admission gate).
	Gate func(peerID string) bool

	MaxReconnectAttempts int

	ICEServers []webrtc.ICEServer
	TrickleICE bool
}

// Client is one SPS rendezvous connection (spec.md §4.4).
type Client struct {
	cfg ClientConfig
	bus *event.Bus

	mu       sync.Mutex
	conn     *websocket.Conn
	sessions map[string]*peer.Session
	isOpen   bool

	nonReconnectable bool
}

// IsOpen reports whether the connector currently has a live socket to
// the SPS server (spec.md §4.5's per-connector isOpen check).
func (c *Client) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isOpen
}

// NewClient creates an SPS connector. It does nothing network-visible
// until Run is called.
func NewClient(cfg ClientConfig) *Client {
	return &Client{
		cfg:      cfg,
		bus:      event.New(nil),
		sessions: make(map[string]*peer.Session),
	}
}

// On, Once, and Permanent expose the connector's event stream: "peer",
// "open", "warn", "kill". A lost socket is reported through "warn"
// before each reconnect; no separate "disconnect" event is emitted.
func (c *Client) On(evt string, cb event.Handler) event.Unsubscribe      { return c.bus.On(evt, cb) }
func (c *Client) Once(evt string, cb event.Handler) event.Unsubscribe   { return c.bus.Once(evt, cb) }
func (c *Client) Permanent(evt string, cb event.Handler) event.Unsubscribe {
	return c.bus.Permanent(evt, cb)
}

// Run dials the SPS server and services it until ctx is cancelled,
// reconnecting with backoff mirroring C3 (spec.md §4.4 "Reconnect
// policy mirrors C3"), except a server "dc" marks the connector
// non-reconnectable.
func (c *Client) Run(ctx context.Context) error {
	maxAttempts := c.cfg.MaxReconnectAttempts
	if maxAttempts <= 0 {
		maxAttempts = clientBackoffCapAttempts
	}
	bo := backoff.NewPolicy(clientBackoffUnit, clientBackoffCapAttempts, clientBackoffUnit*time.Duration(clientBackoffCapAttempts))

	everConnected := false
	attempts := 0
	for {
		connected, err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.mu.Lock()
		nonReconnectable := c.nonReconnectable
		c.mu.Unlock()
		if nonReconnectable {
			return c.kill(swberr.ConnectionFailed(c.cfg.URL, "invalid server credentials"))
		}

		if connected {
			everConnected = true
			bo.Reset()
			attempts = 0
		}
		if !everConnected {
			return c.kill(swberr.ConnectionFailed(c.cfg.URL, errString(err)))
		}

		attempts++
		if attempts > maxAttempts {
			return c.kill(swberr.ConnectionFailed(c.cfg.URL, "max reconnect attempts exceeded"))
		}

		delay := bo.Next()
		c.bus.Emit("warn", swberr.Warn(fmt.Sprintf("sps %s disconnected, reconnecting in %s: %v", c.cfg.URL, delay, err)))
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

func (c *Client) connectAndServe(ctx context.Context) (connected bool, err error) {
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

	id := c.cfg.Identity
	intro := ClientIntro{
		ID:           id.FullID,
		PubKey:       []byte(id.KeyPair.Public),
		Signature:    ed25519.Sign(id.KeyPair.Private, []byte(id.KeyPair.Public)),
		Hosting:      c.cfg.Hosting,
		SwarmChannel: c.cfg.SwarmChannel,
		HostTarget:   c.cfg.HostTarget,
		PassCode:     c.cfg.PassCode,
	}
	data, err := json.Marshal(intro)
	if err != nil {
		return connected, fmt.Errorf("marshal intro: %w", err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	err = conn.Write(writeCtx, websocket.MessageText, data)
	cancel()
	if err != nil {
		return connected, fmt.Errorf("send intro: %w", err)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return connected, fmt.Errorf("read: %w", err)
		}

		switch string(data) {
		case frameTextPing:
			c.sendRaw(ctx, frameTextPong)
			continue
		case frameTextPong:
			continue
		case frameTextDC:
			c.mu.Lock()
			c.nonReconnectable = true
			c.mu.Unlock()
			return connected, swberr.ProtocolFailure("server sent dc: auth rejected")
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case msgTypeJoin:
			var msg joinMsg
			if err := json.Unmarshal(data, &msg); err == nil {
				c.handleJoin(msg.Data.ID)
			}
		case msgTypeMsg:
			var msg msgMsg
			if err := json.Unmarshal(data, &msg); err == nil {
				c.handleMsg(msg)
			}
		}
	}
}

// handleJoin reacts to a server-announced peer by opening an initiator
// Peer Session and driving its handshake outward as MSG packets
// (spec.md §4.4 "Client side").
func (c *Client) handleJoin(peerID string) {
	if c.cfg.Gate != nil && c.cfg.Gate(peerID) {
		return
	}

	sess, err := peer.NewSession(peer.Config{
		ICEServers: c.cfg.ICEServers,
		Initiator:  true,
		TrickleICE: c.cfg.TrickleICE,
	})
	if err != nil {
		c.bus.Emit("warn", swberr.Warn(fmt.Sprintf("create initiator session for %s: %v", peerID, err)))
		return
	}
	sess.RemoteShortID = peerID
	c.wireSession(peerID, sess)

	if err := sess.Handshake(nil); err != nil {
		c.bus.Emit("warn", swberr.Warn(fmt.Sprintf("start handshake with %s: %v", peerID, err)))
	}
}

// handleMsg feeds an inbound MSG's payload into the session keyed by
// its sender, creating a non-initiator session on first contact.
func (c *Client) handleMsg(msg msgMsg) {
	c.mu.Lock()
	sess, ok := c.sessions[msg.From]
	c.mu.Unlock()

	if !ok {
		if c.cfg.Gate != nil && c.cfg.Gate(msg.From) {
			return
		}

		var err error
		sess, err = peer.NewSession(peer.Config{
			ICEServers: c.cfg.ICEServers,
			Initiator:  false,
			TrickleICE: c.cfg.TrickleICE,
		})
		if err != nil {
			c.bus.Emit("warn", swberr.Warn(fmt.Sprintf("create answerer session for %s: %v", msg.From, err)))
			return
		}
		sess.RemoteShortID = msg.From
		c.wireSession(msg.From, sess)
	}

	if err := sess.Handshake([]byte(msg.Data)); err != nil {
		c.bus.Emit("warn", swberr.Warn(fmt.Sprintf("handshake from %s: %v", msg.From, err)))
	}
}

func (c *Client) wireSession(peerID string, sess *peer.Session) {
	c.mu.Lock()
	c.sessions[peerID] = sess
	c.mu.Unlock()

	sess.On("handshake", func(v any) {
		c.sendMsg(peerID, v.([]byte))
	})
	sess.Once("connect", func(v any) {
		c.bus.Emit("peer", sess)
	})
	sess.On("close", func(v any) {
		c.mu.Lock()
		if c.sessions[peerID] == sess {
			delete(c.sessions, peerID)
		}
		c.mu.Unlock()
	})
}

func (c *Client) sendMsg(targetID string, payload []byte) {
	msg := msgMsg{
		Type:         msgTypeMsg,
		From:         c.cfg.Identity.FullID,
		TargetClient: targetID,
		Data:         payload,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	conn.Write(writeCtx, websocket.MessageText, data)
}

func (c *Client) sendRaw(ctx context.Context, text string) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	conn.Write(writeCtx, websocket.MessageText, []byte(text))
}

func (c *Client) kill(err error) error {
	c.mu.Lock()
	sessions := c.sessions
	c.sessions = make(map[string]*peer.Session)
	c.mu.Unlock()

	for _, sess := range sessions {
		sess.Close(true)
	}

	c.bus.Emit("kill", err)
	return err
}
