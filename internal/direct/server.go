// Package direct implements the SPS rendezvous dialect (C4, spec.md
// §4.4): a narrower, self-hostable relay protocol for both the server
// side (this file) and the client side (client.go).
//
// The server is grounded on internal/transport/server.go's
// ListenAndServe (net.Listen + http.Server + graceful ctx-driven
// shutdown) and net/http.ServeMux pattern routes.
package direct

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/ehrlich-b/switchboard/internal/digest"
)

const (
	introTimeout = 15 * time.Second
	writeTimeout = 10 * time.Second
)

// ServerConfig configures a standalone SPS relay server (spec.md §6's
// CLI surface maps onto these fields).
type ServerConfig struct {
	Addr          string // host:port
	PassCode      string
	Quiet         bool
	StatsInterval time.Duration // 0 disables periodic stats
	PingText      bool          // true: text "ping" frames; false: WS-level ping
	PingInterval  time.Duration
	Log           *slog.Logger
}

type client struct {
	conn     *websocket.Conn
	fullID   string
	shortID  string
	channels []string

	mu          sync.Mutex
	missedPings int
}

// Server is the SPS relay.
type Server struct {
	cfg ServerConfig
	log *slog.Logger

	mu       sync.Mutex
	byID     map[string]*client
	channels map[string][]*client

	// pingLimiter bounds the liveness loop's outbound ping rate so a
	// large client population can't turn each tick into a send storm
	// (SPEC_FULL.md §10's domain-stack wiring for golang.org/x/time/rate).
	pingLimiter *rate.Limiter
}

// NewServer constructs a Server. Call ListenAndServe to start it.
func NewServer(cfg ServerConfig) *Server {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	return &Server{
		cfg:         cfg,
		log:         log,
		byID:        make(map[string]*client),
		channels:    make(map[string][]*client),
		pingLimiter: rate.NewLimiter(rate.Limit(pingRateLimit), pingRateBurst),
	}
}

// pingRateLimit/pingRateBurst cap the liveness loop at a sustainable
// fan-out regardless of how many clients are connected.
const (
	pingRateLimit = 200 // pings/sec
	pingRateBurst = 50
)

// ListenAndServe runs the relay until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /", s.handleUpgrade)

	srv := &http.Server{Handler: mux}

	go s.livenessLoop(ctx)
	if s.cfg.StatsInterval > 0 {
		go s.statsLoop(ctx)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	s.serveClient(r.Context(), conn)
}

func (s *Server) serveClient(ctx context.Context, conn *websocket.Conn) {
	introCtx, cancel := context.WithTimeout(ctx, introTimeout)
	_, data, err := conn.Read(introCtx)
	cancel()
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, "no intro")
		return
	}

	var intro ClientIntro
	if err := json.Unmarshal(data, &intro); err != nil {
		s.reject(ctx, conn, "malformed intro")
		return
	}

	if s.cfg.PassCode != "" && intro.PassCode != s.cfg.PassCode {
		s.reject(ctx, conn, "bad passcode")
		return
	}
	if len(intro.PubKey) != ed25519.PublicKeySize {
		s.reject(ctx, conn, "bad pubkey length")
		return
	}
	// Self-signed witness: the signature is over the public key itself.
	if !ed25519.Verify(intro.PubKey, intro.PubKey, intro.Signature) {
		s.reject(ctx, conn, "bad witness signature")
		return
	}
	fullID := digest.HexSum(digest.Default, intro.PubKey)
	if fullID != intro.ID {
		s.reject(ctx, conn, "id does not match pubkey")
		return
	}

	c := &client{conn: conn, fullID: fullID, shortID: fullID[:20]}
	s.register(c)
	defer s.unregister(c)

	s.placeInChannel(ctx, c, intro)

	s.readLoop(ctx, c)
}

func (s *Server) reject(ctx context.Context, conn *websocket.Conn, reason string) {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	conn.Write(writeCtx, websocket.MessageText, []byte(frameTextDC))
	cancel()
	conn.Close(websocket.StatusPolicyViolation, reason)
}

func (s *Server) register(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[c.fullID] = c
	s.byID[c.shortID] = c
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byID[c.fullID] == c {
		delete(s.byID, c.fullID)
	}
	if s.byID[c.shortID] == c {
		delete(s.byID, c.shortID)
	}
	for _, key := range c.channels {
		members := s.channels[key]
		for i, m := range members {
			if m == c {
				s.channels[key] = append(members[:i:i], members[i+1:]...)
				break
			}
		}
	}
}

// placeInChannel buckets a freshly validated client per spec.md §4.4:
// HOST if hosting, SWARM if swarmChannel is set, JOIN_HOST if
// hostTarget is set. At most one of these applies.
func (s *Server) placeInChannel(ctx context.Context, c *client, intro ClientIntro) {
	switch {
	case intro.Hosting:
		shortKey := "host-" + c.shortID
		fullKey := "host-" + c.fullID
		s.joinChannel(shortKey, c)
		s.joinChannel(fullKey, c)
		s.send(ctx, c, newJoinMsg(c.fullID))

	case intro.SwarmChannel != "":
		key := "#" + intro.SwarmChannel
		s.mu.Lock()
		existing := append([]*client(nil), s.channels[key]...)
		s.mu.Unlock()
		s.joinChannel(key, c)
		for _, member := range existing {
			s.send(ctx, member, newJoinMsg(c.fullID))
		}

	case intro.HostTarget != "":
		key := "host-" + intro.HostTarget
		s.mu.Lock()
		var host *client
		if members := s.channels[key]; len(members) > 0 {
			host = members[0]
		}
		s.mu.Unlock()
		s.joinChannel(key, c)
		if host != nil {
			s.send(ctx, c, newJoinMsg(host.fullID))
		}
	}
}

func (s *Server) joinChannel(key string, c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[key] = append(s.channels[key], c)
	c.channels = append(c.channels, key)
}

func (s *Server) readLoop(ctx context.Context, c *client) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}

		switch string(data) {
		case frameTextPing:
			s.sendRaw(ctx, c, frameTextPong)
			continue
		case frameTextPong:
			c.mu.Lock()
			c.missedPings = 0
			c.mu.Unlock()
			continue
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.Type != msgTypeMsg {
			continue
		}
		var m msgMsg
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		m.From = c.fullID

		s.mu.Lock()
		target := s.byID[m.TargetClient]
		s.mu.Unlock()
		if target == nil {
			continue // unknown targets silently dropped
		}
		s.send(ctx, target, m)
	}
}

func (s *Server) send(ctx context.Context, c *client, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.sendRaw(ctx, c, string(data))
}

func (s *Server) sendRaw(ctx context.Context, c *client, text string) {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	c.conn.Write(writeCtx, websocket.MessageText, []byte(text))
}

// livenessLoop pings every connected client at pingInterval; a client
// that misses two consecutive pings is terminated (spec.md §4.4).
func (s *Server) livenessLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			clients := make(map[*client]struct{})
			for _, c := range s.byID {
				clients[c] = struct{}{}
			}
			s.mu.Unlock()

			for c := range clients {
				c.mu.Lock()
				missed := c.missedPings
				c.mu.Unlock()
				if missed >= 2 {
					s.sendRaw(ctx, c, frameTextDC)
					c.conn.Close(websocket.StatusPolicyViolation, "missed pings")
					continue
				}
				if err := s.pingLimiter.Wait(ctx); err != nil {
					return
				}
				c.mu.Lock()
				c.missedPings++
				c.mu.Unlock()
				if s.cfg.PingText {
					s.sendRaw(ctx, c, frameTextPing)
				} else {
					pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
					err := c.conn.Ping(pingCtx)
					cancel()
					if err == nil {
						c.mu.Lock()
						c.missedPings = 0
						c.mu.Unlock()
					}
				}
			}
		}
	}
}

func (s *Server) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.cfg.Quiet {
				continue
			}
			s.mu.Lock()
			clients := len(s.byID) / 2 // each client is keyed twice
			channels := len(s.channels)
			s.mu.Unlock()
			s.log.Info("sps stats", "clients", clients, "channels", channels)
		}
	}
}
