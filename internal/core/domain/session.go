package domain

import "time"

// ConnectionState is the lifecycle state of a peer session. Transitions are
// driven by the session manager only; see internal/session.
type ConnectionState string

const (
	StateNew               ConnectionState = "new"
	StateConnecting        ConnectionState = "connecting"
	StateConnected         ConnectionState = "connected"
	StateDisconnected      ConnectionState = "disconnected"
	StateReconnecting      ConnectionState = "reconnecting"
	StateFailed            ConnectionState = "failed"
	StateFailedMaxAttempts ConnectionState = "failed-max-attempts"
	StateClosed            ConnectionState = "closed"
)

// Terminal reports whether no further automatic transitions may occur.
func (s ConnectionState) Terminal() bool {
	return s == StateClosed || s == StateFailedMaxAttempts
}

// PeerState mirrors the negotiation object's connection state.
type PeerState string

const (
	PeerStateNew          PeerState = "new"
	PeerStateConnecting   PeerState = "connecting"
	PeerStateConnected    PeerState = "connected"
	PeerStateDisconnected PeerState = "disconnected"
	PeerStateFailed       PeerState = "failed"
	PeerStateClosed       PeerState = "closed"
)

// SDPKind discriminates session descriptions.
type SDPKind string

const (
	SDPOffer  SDPKind = "offer"
	SDPAnswer SDPKind = "answer"
)

// SessionDescription is the handshake payload exchanged through the relay.
// The JSON field names match what browser peers produce, so the relay can
// forward payloads untouched in either direction.
type SessionDescription struct {
	Kind SDPKind `json:"type"`
	SDP  string  `json:"sdp"`
}

// ICECandidate is a single trickled connectivity candidate.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// HostSessionRecord is the client-local note that a host session is (or was
// recently) running for a key, used to offer resume after a restart.
type HostSessionRecord struct {
	Key       MatchKey  `json:"key"`
	CreatedAt time.Time `json:"createdAt"`
}

// Fresh reports whether the record is young enough to offer a resume.
func (r HostSessionRecord) Fresh(window time.Duration, now time.Time) bool {
	return now.Sub(r.CreatedAt) <= window
}
