// Package swberr implements the error taxonomy from spec.md §7:
// ConnectionFailed, ClientAuth, PeerFatal, ProtocolFailure, and Warn.
// Each is a distinct type so callers can discriminate with errors.As
// instead of matching on message strings.
package swberr

import "fmt"

// ConnectionFailedError means a rendezvous could not be reached or kept
// alive. Fatal at the supervisor only when it exhausts all rendezvous.
type ConnectionFailedError struct {
	Rendezvous string
	Reason     string
}

func (e *ConnectionFailedError) Error() string {
	return fmt.Sprintf("connection failed (%s): %s", e.Rendezvous, e.Reason)
}

// ClientAuthError means a handshake invariant was violated: bad
// signature, ID mismatch, or SDP-hash mismatch.
type ClientAuthError struct {
	PeerID string
	Reason string
}

func (e *ClientAuthError) Error() string {
	return fmt.Sprintf("client auth failed (%s): %s", e.PeerID, e.Reason)
}

// PeerFatalError means a WebRTC transport failure, in-band control
// channel death, or malformed in-band payload.
type PeerFatalError struct {
	Reason string
}

func (e *PeerFatalError) Error() string {
	return fmt.Sprintf("peer fatal: %s", e.Reason)
}

// ProtocolFailureError means the rendezvous itself reported failure:
// a tracker's `failure reason`, or SPS's `"dc"` control frame.
type ProtocolFailureError struct {
	Reason string
}

func (e *ProtocolFailureError) Error() string {
	return fmt.Sprintf("protocol failure: %s", e.Reason)
}

// WarnError is a non-fatal issue worth reporting while the operation
// continues (a tracker disconnected but others remain, an individual
// peer's handshake was rejected, etc).
type WarnError struct {
	Reason string
}

func (e *WarnError) Error() string {
	return fmt.Sprintf("warn: %s", e.Reason)
}

func ConnectionFailed(rendezvous, reason string) error {
	return &ConnectionFailedError{Rendezvous: rendezvous, Reason: reason}
}

func ClientAuth(peerID, reason string) error {
	return &ClientAuthError{PeerID: peerID, Reason: reason}
}

func PeerFatal(reason string) error {
	return &PeerFatalError{Reason: reason}
}

func ProtocolFailure(reason string) error {
	return &ProtocolFailureError{Reason: reason}
}

func Warn(reason string) error {
	return &WarnError{Reason: reason}
}
