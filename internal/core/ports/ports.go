package ports

import (
	"context"

	"teamcast/internal/core/domain"
)

// Negotiator is the local transport-negotiation object: it turns exchanged
// session descriptions and trickled candidates into an established direct
// link. Implemented by internal/infrastructure/webrtc; faked in tests.
type Negotiator interface {
	AddTrack(track MediaTrack) error
	CreateOffer() (domain.SessionDescription, error)
	CreateAnswer() (domain.SessionDescription, error)
	SetLocalDescription(desc domain.SessionDescription) error
	SetRemoteDescription(desc domain.SessionDescription) error
	AddICECandidate(candidate domain.ICECandidate) error

	// OnICECandidate registers the trickle callback. The callback may fire
	// from negotiation-internal goroutines.
	OnICECandidate(fn func(domain.ICECandidate))
	// OnStateChange reports transport-level connection state transitions.
	OnStateChange(fn func(domain.PeerState))

	Close() error
}

// NegotiatorFactory builds a fresh negotiation object per connection attempt.
type NegotiatorFactory func() (Negotiator, error)

// MediaTrack is one live capture track, independently stoppable.
type MediaTrack interface {
	ID() string
	Kind() string
	Live() bool
	Stop() error
}

// MediaSource acquires capture tracks (screen plus optional camera). Acquire
// blocks until capture is ready or ctx is cancelled.
type MediaSource interface {
	Acquire(ctx context.Context) ([]MediaTrack, error)
}

// RecordStore is a device-scoped key/value store used for the host session
// record.
type RecordStore interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Remove(key string) error
}
