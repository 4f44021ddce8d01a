package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"teamcast/internal/core/domain"
	"teamcast/internal/core/ports"
	"teamcast/internal/protocol"

	"go.uber.org/zap"
)

// NewViewer builds a viewer session: it asks the relay for the host of its
// key, answers the host's offer and renders the resulting remote tracks.
func NewViewer(opts Options, factory ports.NegotiatorFactory, logger *zap.Logger) *Manager {
	return newManager(opts, factory, &viewerRunner{}, logger)
}

type viewerRunner struct{}

// begin runs the viewer initiation sequence: relay connection, fresh
// negotiation object, request-connection, then wait for the host's offer
// under a deadline.
func (v *viewerRunner) begin(m *Manager, epoch int) error {
	conn, err := dialRelay(context.Background(), m.opts.RelayURL, m.opts.Token)
	if err != nil {
		return err
	}

	if _, err := m.newNegotiator(epoch); err != nil {
		conn.forceClose()
		return err
	}
	if err := m.attach(conn, epoch); err != nil {
		return err
	}
	if err := conn.Send(keyEnvelope(protocol.TypeRequestConnection, m.opts.Key)); err != nil {
		return fmt.Errorf("failed to request connection: %w", err)
	}

	v.armOfferTimer(m, epoch)
	return nil
}

// armOfferTimer fails the attempt when no offer arrives within the wait
// window; the host may have disappeared between the match and its offer.
func (v *viewerRunner) armOfferTimer(m *Manager, epoch int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Terminal() || epoch != m.epoch {
		return
	}
	m.offerTimer = time.AfterFunc(m.opts.OfferWait, func() {
		m.attemptFailed(epoch, errors.New("no offer within wait window"))
	})
}

func (v *viewerRunner) handle(m *Manager, epoch int, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeHostAvailable:
		m.logger.Infow("host available, waiting for offer")
	case protocol.TypeOffer:
		v.handleOffer(m, epoch, env)
	case protocol.TypeICECandidate:
		m.applyCandidate(epoch, env)
	case protocol.TypeError:
		if env.Message == "Host not available" {
			m.attemptFailed(epoch, domain.ErrHostNotAvailable)
			return
		}
		m.logger.Warnw("relay reported error", "message", env.Message)
	case protocol.TypeWelcome, protocol.TypePong:
	default:
		m.logger.Debugw("ignoring unexpected message", "type", env.Type)
	}
}

func (v *viewerRunner) handleOffer(m *Manager, epoch int, env protocol.Envelope) {
	m.mu.Lock()
	if m.offerTimer != nil {
		m.offerTimer.Stop()
		m.offerTimer = nil
	}
	neg := m.neg
	conn := m.conn
	m.mu.Unlock()
	if neg == nil || conn == nil {
		return
	}

	var desc domain.SessionDescription
	if err := json.Unmarshal(env.Payload, &desc); err != nil {
		m.logger.Warnw("malformed offer payload", "error", err)
		return
	}

	if err := m.setRemoteAndFlush(epoch, desc); err != nil {
		m.attemptFailed(epoch, err)
		return
	}

	answer, err := neg.CreateAnswer()
	if err != nil {
		m.attemptFailed(epoch, err)
		return
	}
	if err := neg.SetLocalDescription(answer); err != nil {
		m.attemptFailed(epoch, err)
		return
	}

	reply, err := protocol.WithPayload(protocol.TypeAnswer, m.opts.Key, answer)
	if err != nil {
		m.attemptFailed(epoch, err)
		return
	}
	if err := conn.Send(reply); err != nil {
		m.attemptFailed(epoch, fmt.Errorf("failed to send answer: %w", err))
		return
	}
	m.logger.Infow("answer sent")
}

func (v *viewerRunner) closed(m *Manager) {}
