// Package protocol defines the JSON messages exchanged between peers and the
// signaling relay. The relay reads only Type, EventID and TeamID; handshake
// payloads are forwarded opaque.
package protocol

import (
	"encoding/json"

	"teamcast/internal/core/domain"
)

// MessageType identifies the kind of signaling message.
type MessageType string

const (
	TypeWelcome           MessageType = "welcome"
	TypeRegisterHost      MessageType = "register-host"
	TypeHostRegistered    MessageType = "host-registered"
	TypeRequestConnection MessageType = "request-connection"
	TypeConnectionRequest MessageType = "connection-request"
	TypeHostAvailable     MessageType = "host-available"
	TypeOffer             MessageType = "offer"
	TypeAnswer            MessageType = "answer"
	TypeICECandidate      MessageType = "ice-candidate"
	TypePing              MessageType = "ping"
	TypePong              MessageType = "pong"
	TypeError             MessageType = "error"
)

// Envelope is the wire structure for every relay message. Payload carries the
// session description or ICE candidate for handshake messages and is never
// inspected by the relay. Message carries human-readable text on TypeError.
type Envelope struct {
	Type    MessageType     `json:"type"`
	EventID domain.FlexID   `json:"eventId,omitempty"`
	TeamID  domain.FlexID   `json:"teamId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Key builds the MatchKey from the envelope's identifiers.
func (e Envelope) Key() domain.MatchKey {
	return domain.NewMatchKey(e.EventID, e.TeamID)
}

// NewError builds an error reply.
func NewError(message string) Envelope {
	return Envelope{Type: TypeError, Message: message}
}

// WithPayload marshals v into the envelope payload.
func WithPayload(t MessageType, key domain.MatchKey, v interface{}) (Envelope, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Type:    t,
		EventID: domain.FlexID(key.EventID),
		TeamID:  domain.FlexID(key.TeamID),
		Payload: raw,
	}, nil
}
