package direct

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/ehrlich-b/switchboard/internal/identity"
)

func newTestServer(t *testing.T, cfg ServerConfig) (*Server, *httptest.Server) {
	t.Helper()
	srv := NewServer(cfg)
	hs := httptest.NewServer(http.HandlerFunc(srv.handleUpgrade))
	return srv, hs
}

func wsURL(hs *httptest.Server) string {
	return "ws" + strings.TrimPrefix(hs.URL, "http")
}

// dialWitness dials the server and sends a correctly self-signed intro
// for a fresh random identity, returning the connection and identity.
func dialWitness(t *testing.T, ctx context.Context, url string, mutate func(*ClientIntro)) (*websocket.Conn, identity.Identity) {
	t.Helper()
	id, err := identity.NewRandom()
	if err != nil {
		t.Fatalf("new identity: %v", err)
	}
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	intro := ClientIntro{
		ID:        id.FullID,
		PubKey:    []byte(id.KeyPair.Public),
		Signature: ed25519.Sign(id.KeyPair.Private, []byte(id.KeyPair.Public)),
	}
	if mutate != nil {
		mutate(&intro)
	}
	data, err := json.Marshal(intro)
	if err != nil {
		t.Fatalf("marshal intro: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write intro: %v", err)
	}
	return conn, id
}

func TestServerRejectsMismatchedID(t *testing.T) {
	_, hs := newTestServer(t, ServerConfig{})
	defer hs.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _ := dialWitness(t, ctx, wsURL(hs), func(intro *ClientIntro) {
		intro.ID = "0000000000000000000000000000000000000000"
	})
	defer conn.Close(websocket.StatusNormalClosure, "done")

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != frameTextDC {
		t.Errorf("got %q, want dc", data)
	}
}

func TestServerRejectsBadPassCode(t *testing.T) {
	_, hs := newTestServer(t, ServerConfig{PassCode: "secret"})
	defer hs.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _ := dialWitness(t, ctx, wsURL(hs), func(intro *ClientIntro) {
		intro.PassCode = "wrong"
	})
	defer conn.Close(websocket.StatusNormalClosure, "done")

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != frameTextDC {
		t.Errorf("got %q, want dc", data)
	}
}

// TestSwarmJoinBroadcast covers spec.md §4.4's SWARM channel rule: a
// second joiner triggers a JOIN(self) broadcast to existing members.
func TestSwarmJoinBroadcast(t *testing.T) {
	_, hs := newTestServer(t, ServerConfig{})
	defer hs.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, firstID := dialWitness(t, ctx, wsURL(hs), func(intro *ClientIntro) {
		intro.SwarmChannel = "room1"
	})
	defer first.Close(websocket.StatusNormalClosure, "done")

	// Give the server a moment to register the first client.
	time.Sleep(50 * time.Millisecond)

	second, _ := dialWitness(t, ctx, wsURL(hs), func(intro *ClientIntro) {
		intro.SwarmChannel = "room1"
	})
	defer second.Close(websocket.StatusNormalClosure, "done")

	_, data, err := first.Read(ctx)
	if err != nil {
		t.Fatalf("read join broadcast: %v", err)
	}
	var msg joinMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal join: %v", err)
	}
	if msg.Type != msgTypeJoin {
		t.Errorf("type = %q, want JOIN", msg.Type)
	}
	_ = firstID
}

// TestJoinHostImmediateJoin covers the JOIN_HOST bucket: a joiner whose
// hostTarget already has a hosting client present gets an immediate
// JOIN(host).
func TestJoinHostImmediateJoin(t *testing.T) {
	_, hs := newTestServer(t, ServerConfig{})
	defer hs.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	host, hostID := dialWitness(t, ctx, wsURL(hs), func(intro *ClientIntro) {
		intro.Hosting = true
	})
	defer host.Close(websocket.StatusNormalClosure, "done")

	// Drain the host's own self-JOIN before the joiner connects.
	host.Read(ctx)

	time.Sleep(50 * time.Millisecond)

	joiner, _ := dialWitness(t, ctx, wsURL(hs), func(intro *ClientIntro) {
		intro.HostTarget = hostID.ShortID
	})
	defer joiner.Close(websocket.StatusNormalClosure, "done")

	_, data, err := joiner.Read(ctx)
	if err != nil {
		t.Fatalf("read immediate join: %v", err)
	}
	var msg joinMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal join: %v", err)
	}
	if msg.Data.ID != hostID.FullID {
		t.Errorf("join id = %q, want host full id %q", msg.Data.ID, hostID.FullID)
	}
}

// TestLivenessLoopSurvivesWSPing covers a regression in WS-level-ping
// mode (PingText=false): a successful Ping round trip must reset
// missedPings, or every client gets force-disconnected after exactly
// two ping intervals regardless of actual liveness.
func TestLivenessLoopSurvivesWSPing(t *testing.T) {
	srv, hs := newTestServer(t, ServerConfig{PingInterval: 20 * time.Millisecond})
	defer hs.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go srv.livenessLoop(ctx)

	conn, _ := dialWitness(t, ctx, wsURL(hs), nil)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// Outlive three ping intervals; a buggy counter that never resets
	// would have force-disconnected this client after the second one.
	// Reading (even a single blocking call) is what lets the underlying
	// connection service the server's Ping frames with automatic Pongs.
	readCtx, readCancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer readCancel()
	_, data, err := conn.Read(readCtx)
	if err == nil && string(data) == frameTextDC {
		t.Fatalf("connection was force-disconnected despite responding to pings")
	}
	if websocket.CloseStatus(err) == websocket.StatusPolicyViolation {
		t.Fatalf("connection was force-disconnected despite responding to pings: %v", err)
	}
}
