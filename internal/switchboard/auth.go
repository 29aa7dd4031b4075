package switchboard

import (
	"fmt"
	"time"

	"github.com/ehrlich-b/switchboard/internal/peer"
	"github.com/ehrlich-b/switchboard/internal/swberr"
)

// handleCandidate implements spec.md §4.5's "Authentication": gates a
// freshly SignalStable Peer Session through the signed handshake and, on
// success, transfers ownership into s.connected.
func (s *Supervisor) handleCandidate(sess *peer.Session) {
	if s.shouldBlockConnection(sess.RemoteShortID) {
		sess.Close(true)
		return
	}

	s.mu.Lock()
	if s.killed {
		s.mu.Unlock()
		sess.Close(true)
		return
	}
	s.candidates[sess] = struct{}{}
	s.mu.Unlock()

	timeout := s.opts.ClientTimeout
	if timeout <= 0 {
		timeout = 150 * time.Second
	}
	timer := time.AfterFunc(timeout, func() {
		s.AddPeerFailure(sess.RemoteShortID, 1)
		s.dropCandidate(sess)
		sess.Close(true)
	})

	sess.Permanent("close", func(v any) {
		timer.Stop()
		s.dropCandidate(sess)
	})
	sess.Permanent("error", func(v any) {
		s.bus.Emit("warn", swberr.Warn(fmt.Sprintf("peer %s: %v", sess.RemoteShortID, v)))
	})

	pc := sess.PeerConnection()
	localDesc := pc.LocalDescription()
	if localDesc == nil {
		s.addAuthFailure(sess, "missing local description")
		return
	}
	intro := signAuthPacket(s.identity.KeyPair.Public, s.identity.KeyPair.Private, localDesc.SDP)
	if err := sess.Send(intro, "default"); err != nil {
		s.addAuthFailure(sess, "send intro: "+err.Error())
		return
	}

	sess.Once("message", func(v any) {
		timer.Stop()
		s.verifyCandidate(sess, v.([]byte))
	})
}

func (s *Supervisor) verifyCandidate(sess *peer.Session, data []byte) {
	remoteDesc := sess.PeerConnection().RemoteDescription()
	if remoteDesc == nil {
		s.addAuthFailure(sess, "missing remote description")
		return
	}

	fullID, err := verifyAuthPacket(data, sess.RemoteShortID, s.wantedSpecificID, remoteDesc.SDP)
	if err != nil {
		s.addAuthFailure(sess, err.Error())
		return
	}

	s.clearPeerFailure(fullID)
	sess.SetVerifiedFullID(fullID)
	sess.MarkOpen()

	s.mu.Lock()
	delete(s.candidates, sess)
	if existing, ok := s.connected[fullID[:20]]; ok && existing != sess {
		// spec.md §5: supervisor's peer event is first-wins per ShortID.
		s.mu.Unlock()
		sess.Close(true)
		return
	}
	s.connected[fullID[:20]] = sess
	s.mu.Unlock()

	s.bus.Emit("peer", sess)
}

func (s *Supervisor) addAuthFailure(sess *peer.Session, reason string) {
	s.AddPeerFailure(sess.RemoteShortID, 1)
	s.dropCandidate(sess)
	s.bus.Emit("warn", swberr.ClientAuth(sess.RemoteShortID, reason))
	sess.Close(true)
}

func (s *Supervisor) dropCandidate(sess *peer.Session) {
	s.mu.Lock()
	delete(s.candidates, sess)
	s.mu.Unlock()
}
