package switchboard

import (
	"time"

	"github.com/ehrlich-b/switchboard/internal/identity"
)

// infinityInc is the "inc=∞" default for AddPeerFailure (spec.md §4.5):
// calling it with no explicit increment blacklists the peer on the
// first call, regardless of clientMaxRetries. The entry still expires
// after clientBlacklistDuration unless that duration is permanent.
const infinityInc = int(^uint(0) >> 1)

type blacklistEntry struct {
	count int
	timer *time.Timer
}

// AddPeerFailure increments the failure counter for peerID, crossing the
// blacklist threshold (clientMaxRetries) if the increment pushes it over.
// inc defaults to infinityInc (immediate, permanent-for-now blacklist)
// when omitted; internal callers (timeout, ClientAuth) pass 1.
func (s *Supervisor) AddPeerFailure(peerID string, inc ...int) {
	n := infinityInc
	if len(inc) > 0 {
		n = inc[0]
	}
	s.addPeerFailure(peerID, n)
}

func (s *Supervisor) addPeerFailure(peerID string, inc int) {
	if s.opts.ClientBlacklistDuration == 0 {
		return
	}

	s.mu.Lock()
	wasOver := s.blacklist[peerID] != nil && s.blacklist[peerID].count > s.opts.ClientMaxRetries
	entry := s.blacklist[peerID]
	if entry == nil {
		entry = &blacklistEntry{}
		s.blacklist[peerID] = entry
	}
	if inc > infinityInc-entry.count {
		entry.count = infinityInc
	} else {
		entry.count += inc
	}
	nowOver := entry.count > s.opts.ClientMaxRetries
	crossed := nowOver && !wasOver
	duration := s.opts.ClientBlacklistDuration
	s.mu.Unlock()

	if !crossed {
		return
	}

	s.bus.Emit("peer-blacklisted", peerID)

	if !isPermanentDuration(duration) {
		timer := time.AfterFunc(duration, func() {
			s.mu.Lock()
			delete(s.blacklist, peerID)
			s.mu.Unlock()
		})
		s.mu.Lock()
		if e := s.blacklist[peerID]; e == entry {
			e.timer = timer
		} else {
			timer.Stop()
		}
		s.mu.Unlock()
	}
}

func isPermanentDuration(d time.Duration) bool {
	return d < 0
}

// IsBlackListed reports whether id's failure count exceeds clientMaxRetries.
func (s *Supervisor) IsBlackListed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.blacklist[id]
	return entry != nil && entry.count > s.opts.ClientMaxRetries
}

// clearPeerFailure drops id from the blacklist entirely, used on a
// successful auth (spec.md §4.5 step 5: "drop the FullID from the
// blacklist").
func (s *Supervisor) clearPeerFailure(id string) {
	s.mu.Lock()
	entry := s.blacklist[id]
	delete(s.blacklist, id)
	s.mu.Unlock()
	if entry != nil && entry.timer != nil {
		entry.timer.Stop()
	}
}

// shouldBlockConnection implements the admission gate (spec.md §4.5):
// reject when blacklisted, when a wantedSpecificID is set and peerID
// doesn't prefix-match it, when a session for that ID already exists, or
// when the blacklist has already reached wantedPeerCount (defensive cap).
func (s *Supervisor) shouldBlockConnection(peerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry := s.blacklist[peerID]; entry != nil && entry.count > s.opts.ClientMaxRetries {
		s.bus.Emit("peer-seen", peerID)
		return true
	}
	if s.wantedSpecificID != "" && !identity.IDsMatch(peerID, s.wantedSpecificID) {
		s.bus.Emit("peer-seen", peerID)
		return true
	}
	for shortID, sess := range s.connected {
		if shortID == peerID || sess.VerifiedFullID == peerID {
			s.bus.Emit("peer-seen", peerID)
			return true
		}
	}
	if s.wantedPeerCount > 0 && len(s.blacklist) >= s.wantedPeerCount {
		s.bus.Emit("peer-seen", peerID)
		return true
	}

	s.bus.Emit("peer-seen", peerID)
	return false
}
