// Package webrtc adapts pion to the negotiation port. One Negotiator wraps one
// peer connection; every reconnect attempt builds a fresh one through the
// factory while capture tracks are reused across attempts.
package webrtc

import (
	"errors"
	"fmt"
	"io"

	"teamcast/internal/core/domain"
	"teamcast/internal/core/ports"
	"teamcast/internal/infrastructure/media"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// NewFactory builds negotiation objects configured with the given ICE servers.
// sink may be nil on the capture side; when set, remote tracks are handed to
// it as they arrive.
func NewFactory(iceServers []string, sink *media.RemoteSink, logger *zap.Logger) ports.NegotiatorFactory {
	return func() (ports.Negotiator, error) {
		return New(iceServers, sink, logger)
	}
}

// Negotiator implements ports.Negotiator over a pion peer connection.
type Negotiator struct {
	pc     *webrtc.PeerConnection
	sink   *media.RemoteSink
	logger *zap.SugaredLogger
}

func New(iceServers []string, sink *media.RemoteSink, logger *zap.Logger) (*Negotiator, error) {
	config := webrtc.Configuration{}
	if len(iceServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}

	pc, err := webrtc.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	n := &Negotiator{pc: pc, sink: sink, logger: logger.Sugar()}

	if sink != nil {
		pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
			n.logger.Infow("remote track received", "kind", track.Kind().String(), "ssrc", track.SSRC())
			go sink.HandleTrack(track, pc)
		})
	}

	return n, nil
}

// AddTrack attaches a local capture track. The track must come from the media
// package; the port interface hides the pion type from the session layer.
func (n *Negotiator) AddTrack(track ports.MediaTrack) error {
	mt, ok := track.(*media.Track)
	if !ok {
		return fmt.Errorf("unsupported track type %T", track)
	}

	sender, err := n.pc.AddTrack(mt.Local())
	if err != nil {
		return fmt.Errorf("failed to add track %s: %w", track.ID(), err)
	}

	go n.readRTCP(sender, track.ID())
	return nil
}

// readRTCP drains sender reports so interceptors run, logging feedback that
// matters for diagnosing a bad link.
func (n *Negotiator) readRTCP(sender *webrtc.RTPSender, trackID string) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				n.logger.Debugw("rtcp read ended", "track", trackID, "error", err)
			}
			return
		}

		for _, pkt := range packets {
			switch p := pkt.(type) {
			case *rtcp.PictureLossIndication:
				n.logger.Debugw("keyframe requested", "track", trackID, "ssrc", p.MediaSSRC)
			case *rtcp.TransportLayerNack:
				n.logger.Debugw("nack received", "track", trackID, "lost", len(p.Nacks))
			}
		}
	}
}

func (n *Negotiator) CreateOffer() (domain.SessionDescription, error) {
	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	return fromPion(offer), nil
}

func (n *Negotiator) CreateAnswer() (domain.SessionDescription, error) {
	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	return fromPion(answer), nil
}

func (n *Negotiator) SetLocalDescription(desc domain.SessionDescription) error {
	return n.pc.SetLocalDescription(toPion(desc))
}

func (n *Negotiator) SetRemoteDescription(desc domain.SessionDescription) error {
	return n.pc.SetRemoteDescription(toPion(desc))
}

func (n *Negotiator) AddICECandidate(candidate domain.ICECandidate) error {
	return n.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMid:        candidate.SDPMid,
		SDPMLineIndex: candidate.SDPMLineIndex,
	})
}

func (n *Negotiator) OnICECandidate(fn func(domain.ICECandidate)) {
	n.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		fn(domain.ICECandidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})
}

func (n *Negotiator) OnStateChange(fn func(domain.PeerState)) {
	n.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		fn(peerState(state))
	})
}

func (n *Negotiator) Close() error {
	return n.pc.Close()
}

func toPion(desc domain.SessionDescription) webrtc.SessionDescription {
	kind := webrtc.SDPTypeOffer
	if desc.Kind == domain.SDPAnswer {
		kind = webrtc.SDPTypeAnswer
	}
	return webrtc.SessionDescription{Type: kind, SDP: desc.SDP}
}

func fromPion(desc webrtc.SessionDescription) domain.SessionDescription {
	kind := domain.SDPOffer
	if desc.Type == webrtc.SDPTypeAnswer {
		kind = domain.SDPAnswer
	}
	return domain.SessionDescription{Kind: kind, SDP: desc.SDP}
}

func peerState(state webrtc.PeerConnectionState) domain.PeerState {
	switch state {
	case webrtc.PeerConnectionStateNew:
		return domain.PeerStateNew
	case webrtc.PeerConnectionStateConnecting:
		return domain.PeerStateConnecting
	case webrtc.PeerConnectionStateConnected:
		return domain.PeerStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return domain.PeerStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return domain.PeerStateFailed
	default:
		return domain.PeerStateClosed
	}
}
