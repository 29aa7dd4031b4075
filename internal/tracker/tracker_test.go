package tracker

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/ehrlich-b/switchboard/internal/identity"
	"github.com/ehrlich-b/switchboard/internal/peer"
)

func newTestTracker(t *testing.T, handler func(ctx context.Context, conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		handler(r.Context(), conn)
	}))
}

// TestIntroThenStartedAnnounce covers spec.md §8 scenario 3: the intro
// announce carries event:"completed", and the immediately following
// started announce carries exactly `invites` offers, each with a
// unique 40-hex offer_id.
func TestIntroThenStartedAnnounce(t *testing.T) {
	frames := make(chan announceMsg, 4)

	srv := newTestTracker(t, func(ctx context.Context, conn *websocket.Conn) {
		defer conn.Close(websocket.StatusNormalClosure, "done")
		for i := 0; i < 2; i++ {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg announceMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				t.Errorf("server: bad announce: %v", err)
				return
			}
			frames <- msg
		}
		time.Sleep(200 * time.Millisecond)
	})
	defer srv.Close()

	id, err := identity.NewRandom()
	if err != nil {
		t.Fatalf("new identity: %v", err)
	}

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	c := New(Config{
		URL:     wsURL,
		ShortID: id.ShortID,
		Invites: 10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	go c.Run(ctx)

	intro := <-frames
	if intro.Event != "completed" {
		t.Errorf("intro event = %q, want completed", intro.Event)
	}
	if intro.Action != "announce" {
		t.Errorf("intro action = %q, want announce", intro.Action)
	}

	started := <-frames
	if started.Event != "started" {
		t.Errorf("started event = %q, want started", started.Event)
	}
	if len(started.Offers) != 10 {
		t.Fatalf("started offers = %d, want 10", len(started.Offers))
	}

	seen := make(map[string]bool)
	for _, o := range started.Offers {
		if len(o.OfferID) != 40 {
			t.Errorf("offer_id %q: want 40 hex chars", o.OfferID)
		}
		if _, err := hex.DecodeString(o.OfferID); err != nil {
			t.Errorf("offer_id %q is not valid hex: %v", o.OfferID, err)
		}
		if seen[o.OfferID] {
			t.Errorf("duplicate offer_id %q", o.OfferID)
		}
		seen[o.OfferID] = true
		if o.Offer == nil || o.Offer.SDP == "" {
			t.Error("offer entry missing SDP")
		}
	}
}

// TestOfferTableEvictionCap covers spec.md §8's "Offer Table cap"
// invariant: |openOffers| ≤ 2×invites at all times.
func TestOfferTableEvictionCap(t *testing.T) {
	c := New(Config{Invites: 3})

	for i := 0; i < 20; i++ {
		sess, err := peer.NewSession(peer.Config{Initiator: true})
		if err != nil {
			t.Fatalf("new session: %v", err)
		}
		offerID, err := randomOfferID()
		if err != nil {
			t.Fatalf("random offer id: %v", err)
		}
		c.addOffer(offerID, sess)

		if n := c.OpenOfferCount(); n > 2*c.cfg.Invites {
			t.Fatalf("offer table size %d exceeds cap %d", n, 2*c.cfg.Invites)
		}
	}

	if n := c.OpenOfferCount(); n != 2*c.cfg.Invites {
		t.Errorf("final offer table size = %d, want %d", n, 2*c.cfg.Invites)
	}
}
