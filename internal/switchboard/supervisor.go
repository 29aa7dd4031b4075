package switchboard

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"golang.org/x/time/rate"

	"github.com/ehrlich-b/switchboard/internal/config"
	"github.com/ehrlich-b/switchboard/internal/direct"
	"github.com/ehrlich-b/switchboard/internal/event"
	"github.com/ehrlich-b/switchboard/internal/identity"
	"github.com/ehrlich-b/switchboard/internal/logger"
	"github.com/ehrlich-b/switchboard/internal/peer"
	"github.com/ehrlich-b/switchboard/internal/swberr"
	"github.com/ehrlich-b/switchboard/internal/tracker"
)

// rendezvousConnector is satisfied implicitly by both *tracker.Connector
// (C3) and *direct.Client (C4) — neither declares it.
type rendezvousConnector interface {
	On(evt string, cb event.Handler) event.Unsubscribe
	Once(evt string, cb event.Handler) event.Unsubscribe
	Permanent(evt string, cb event.Handler) event.Unsubscribe
	Run(ctx context.Context) error
	IsOpen() bool
}

type trackedConnector struct {
	url       string
	required  bool
	connector rendezvousConnector
	cancel    context.CancelFunc
}

// Supervisor is the Switchboard Supervisor (C5, spec.md §4.5).
type Supervisor struct {
	opts     config.Options
	identity identity.Identity
	infoHash [20]byte
	iceSvrs  []webrtc.ICEServer

	bus *event.Bus

	mu               sync.Mutex
	connectors       map[string]*trackedConnector
	candidates       map[*peer.Session]struct{}
	connected        map[string]*peer.Session // ShortID -> authenticated session
	blacklist        map[string]*blacklistEntry
	wantedPeerCount  int
	wantedSpecificID string
	role             config.Role
	killed           bool
	connectedEmitted bool

	startOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
}

// New constructs a Supervisor. It does nothing network-visible until
// Host, FindHost, or Swarm is called.
func New(opts config.Options, id identity.Identity, iceServers []webrtc.ICEServer) *Supervisor {
	return &Supervisor{
		opts:       opts,
		identity:   id,
		infoHash:   identity.InfoHash(opts.Realm, opts.UserKey),
		iceSvrs:    iceServers,
		bus:        event.New(logger.Log),
		connectors: make(map[string]*trackedConnector),
		candidates: make(map[*peer.Session]struct{}),
		connected:  make(map[string]*peer.Session),
		blacklist:  make(map[string]*blacklistEntry),
	}
}

// On, Once, and Permanent expose the supervisor's event stream: "peer",
// "peer-seen", "peer-blacklisted", "warn", "connected", "kill".
func (s *Supervisor) On(evt string, cb event.Handler) event.Unsubscribe      { return s.bus.On(evt, cb) }
func (s *Supervisor) Once(evt string, cb event.Handler) event.Unsubscribe   { return s.bus.Once(evt, cb) }
func (s *Supervisor) Permanent(evt string, cb event.Handler) event.Unsubscribe {
	return s.bus.Permanent(evt, cb)
}

// PeerID, ShortID, FullID, and SecretSeed are read-only identity accessors.
func (s *Supervisor) PeerID() string     { return s.identity.FullID }
func (s *Supervisor) ShortID() string    { return s.identity.ShortID }
func (s *Supervisor) FullID() string     { return s.identity.FullID }
func (s *Supervisor) SecretSeed() string { return s.identity.Seed.String() }

// TrackerCount reports the number of currently tracked connectors.
func (s *Supervisor) TrackerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connectors)
}

// ConnectedPeers returns the currently authenticated peer sessions.
func (s *Supervisor) ConnectedPeers() []*peer.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*peer.Session, 0, len(s.connected))
	for _, sess := range s.connected {
		out = append(out, sess)
	}
	return out
}

// Host advertises as HOST: SPS connectors subscribe as the hosting
// client. maxPeers becomes wantedPeerCount, which the admission gate
// compares with the blacklist size; it does not cap the number of
// authenticated peers.
func (s *Supervisor) Host(ctx context.Context, maxPeers int) error {
	s.role = config.Role{Kind: config.RoleHost}
	s.wantedPeerCount = maxPeers
	return s.start(ctx)
}

// FindHost advertises as JOIN_HOST(hostID): SPS connectors look for a
// specific host, and the admission gate restricts matches to hostID.
func (s *Supervisor) FindHost(ctx context.Context, hostID string) error {
	s.role = config.Role{Kind: config.RoleJoinHost, TargetID: hostID}
	s.wantedSpecificID = hostID
	s.wantedPeerCount = 1
	return s.start(ctx)
}

// Swarm advertises as SWARM(swarmID): SPS connectors join the named
// channel. maxPeers becomes wantedPeerCount, as in Host; it does not cap
// the number of authenticated peers.
func (s *Supervisor) Swarm(ctx context.Context, swarmID string, maxPeers int) error {
	s.role = config.Role{Kind: config.RoleSwarm, SwarmID: swarmID}
	s.wantedPeerCount = maxPeers
	return s.start(ctx)
}

func (s *Supervisor) start(ctx context.Context) error {
	var err error
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(ctx)
		err = s.startLocked()
	})
	return err
}

func (s *Supervisor) startLocked() error {
	trackers := append([]config.TrackerOption{}, s.opts.Trackers...)
	if !s.opts.SkipExtraTrackers {
		trackers = append(trackers, s.fetchExtraTrackers()...)
	}
	trackers = dedupeTrackers(trackers)

	for _, t := range trackers {
		s.addConnector(t)
	}

	for url, tc := range s.connectors {
		s.runConnector(url, tc)
	}
	return nil
}

// fetchExtraTrackers implements spec.md §9's Open Question resolution:
// warn-and-continue, never fatal. It keeps only wss:// lines, rate
// limited per SPEC_FULL.md §10 so repeated Supervisor startups in the
// same process can't hammer the list URL.
var fetchLimiter = rate.NewLimiter(rate.Every(time.Second), 1)

func (s *Supervisor) fetchExtraTrackers() []config.TrackerOption {
	if s.opts.ExtraTrackerListURL == "" {
		return nil
	}
	if err := fetchLimiter.Wait(s.ctxOrBackground()); err != nil {
		return nil
	}

	httpCtx, cancel := context.WithTimeout(s.ctxOrBackground(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(httpCtx, http.MethodGet, s.opts.ExtraTrackerListURL, nil)
	if err != nil {
		s.bus.Emit("warn", swberr.Warn(fmt.Sprintf("build tracker list request: %v", err)))
		return nil
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		s.bus.Emit("warn", swberr.Warn(fmt.Sprintf("fetch tracker list: %v", err)))
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		s.bus.Emit("warn", swberr.Warn(fmt.Sprintf("tracker list fetch: status %d", resp.StatusCode)))
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		s.bus.Emit("warn", swberr.Warn(fmt.Sprintf("read tracker list: %v", err)))
		return nil
	}

	var out []config.TrackerOption
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "wss://") {
			out = append(out, config.TrackerOption{URL: line})
		}
	}
	return out
}

func (s *Supervisor) ctxOrBackground() context.Context {
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}

func dedupeTrackers(in []config.TrackerOption) []config.TrackerOption {
	seen := make(map[string]bool, len(in))
	out := make([]config.TrackerOption, 0, len(in))
	for _, t := range in {
		if seen[t.URL] {
			continue
		}
		seen[t.URL] = true
		out = append(out, t)
	}
	return out
}

func (s *Supervisor) addConnector(t config.TrackerOption) {
	var rc rendezvousConnector
	if t.IsNativeServer {
		rc = direct.NewClient(direct.ClientConfig{
			URL:                  t.URL,
			Identity:             s.identity,
			Hosting:              s.role.Kind == config.RoleHost,
			SwarmChannel:         swarmChannelFor(s.role),
			HostTarget:           hostTargetFor(s.role),
			PassCode:             t.PassCode,
			Gate:                 s.shouldBlockConnection,
			MaxReconnectAttempts: s.opts.MaxReconnectAttempts,
			ICEServers:           s.iceSvrs,
			TrickleICE:           s.opts.TrickleICE,
		})
	} else {
		rc = tracker.New(tracker.Config{
			URL:                  t.URL,
			InfoHash:             s.infoHash,
			ShortID:              s.identity.ShortID,
			Invites:              s.opts.Invites,
			Gate:                 s.shouldBlockConnection,
			MaxReconnectAttempts: s.opts.MaxReconnectAttempts,
			ICEServers:           s.iceSvrs,
			TrickleICE:           s.opts.TrickleICE,
		})
	}

	rc.On("peer", func(v any) { s.handleCandidate(v.(*peer.Session)) })
	rc.On("open", func(v any) { s.checkConnected() })
	rc.On("warn", func(v any) { s.bus.Emit("warn", v) })
	rc.Once("kill", func(v any) { s.handleConnectorKill(t.URL, v) })

	s.mu.Lock()
	s.connectors[t.URL] = &trackedConnector{url: t.URL, required: t.IsRequired, connector: rc}
	s.mu.Unlock()
}

func swarmChannelFor(r config.Role) string {
	if r.Kind == config.RoleSwarm {
		return r.SwarmID
	}
	return ""
}

func hostTargetFor(r config.Role) string {
	if r.Kind == config.RoleJoinHost {
		return r.TargetID
	}
	return ""
}

func (s *Supervisor) runConnector(url string, tc *trackedConnector) {
	ctx, cancel := context.WithCancel(s.ctx)
	tc.cancel = cancel
	go tc.connector.Run(ctx)
}

// checkConnected emits "connected" once, the first time every currently
// tracked connector reports IsOpen (spec.md §4.5's "Startup").
func (s *Supervisor) checkConnected() {
	s.mu.Lock()
	if s.connectedEmitted || s.killed {
		s.mu.Unlock()
		return
	}
	allOpen := len(s.connectors) > 0
	for _, tc := range s.connectors {
		if !tc.connector.IsOpen() {
			allOpen = false
			break
		}
	}
	if allOpen {
		s.connectedEmitted = true
	}
	s.mu.Unlock()

	if allOpen {
		s.bus.Emit("connected", nil)
	}
}

// handleConnectorKill implements spec.md §4.5's "Graceful degradation":
// remove the dead connector; kill the supervisor if none remain or the
// connector was required, otherwise warn and continue.
func (s *Supervisor) handleConnectorKill(url string, err any) {
	s.mu.Lock()
	tc, ok := s.connectors[url]
	if ok {
		delete(s.connectors, url)
	}
	remaining := len(s.connectors)
	s.mu.Unlock()

	if !ok {
		return
	}

	if remaining == 0 || tc.required {
		s.Kill(swberr.ConnectionFailed(url, "rendezvous connector killed"), false)
		return
	}
	s.bus.Emit("warn", swberr.Warn(fmt.Sprintf("rendezvous %s lost, %d remaining", url, remaining)))
}

// Kill terminates the supervisor (spec.md §4.5's "kill(err, killPeers)").
// Idempotent: marks killed, kills every connector, optionally closes
// every authenticated peer, emits kill(err) exactly once.
func (s *Supervisor) Kill(err error, killPeers bool) error {
	s.mu.Lock()
	if s.killed {
		s.mu.Unlock()
		return err
	}
	s.killed = true
	connectors := s.connectors
	s.connectors = make(map[string]*trackedConnector)
	candidates := s.candidates
	s.candidates = make(map[*peer.Session]struct{})
	var peers map[string]*peer.Session
	if killPeers {
		peers = s.connected
		s.connected = make(map[string]*peer.Session)
	}
	s.mu.Unlock()

	for _, tc := range connectors {
		if tc.cancel != nil {
			tc.cancel()
		}
	}
	for sess := range candidates {
		sess.Close(true)
	}
	for _, sess := range peers {
		sess.Close(true)
	}

	if s.cancel != nil {
		s.cancel()
	}

	s.bus.Emit("kill", err)
	return err
}
