package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"teamcast/internal/core/domain"
	"teamcast/internal/core/ports"
	"teamcast/internal/protocol"

	"go.uber.org/zap"
)

// hostRecordKey is the device-scoped storage key for the resume record.
const hostRecordKey = "teamcast.host-session"

// NewHost builds a host session: it captures local media, registers at the
// relay and answers incoming connection requests with an offer.
func NewHost(opts Options, factory ports.NegotiatorFactory, source ports.MediaSource, store ports.RecordStore, logger *zap.Logger) *Manager {
	return newManager(opts, factory, &hostRunner{source: source, store: store}, logger)
}

type hostRunner struct {
	source ports.MediaSource
	store  ports.RecordStore
}

// begin runs the host initiation sequence: capture, relay connection, a fresh
// negotiation object carrying the local tracks, then register-host.
func (h *hostRunner) begin(m *Manager, epoch int) error {
	tracks, err := m.ensureTracks(h.source, epoch)
	if err != nil {
		return fmt.Errorf("capture failed: %w", err)
	}

	conn, err := dialRelay(context.Background(), m.opts.RelayURL, m.opts.Token)
	if err != nil {
		return err
	}

	neg, err := m.newNegotiator(epoch)
	if err != nil {
		conn.forceClose()
		return err
	}
	for _, t := range tracks {
		if err := neg.AddTrack(t); err != nil {
			conn.forceClose()
			return fmt.Errorf("failed to attach track %s: %w", t.ID(), err)
		}
	}

	if err := m.attach(conn, epoch); err != nil {
		return err
	}
	if err := conn.Send(keyEnvelope(protocol.TypeRegisterHost, m.opts.Key)); err != nil {
		return fmt.Errorf("failed to register host: %w", err)
	}
	return nil
}

func (h *hostRunner) handle(m *Manager, epoch int, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeHostRegistered:
		h.persistRecord(m)
	case protocol.TypeConnectionRequest:
		h.sendOffer(m, epoch)
	case protocol.TypeAnswer:
		var desc domain.SessionDescription
		if err := json.Unmarshal(env.Payload, &desc); err != nil {
			m.logger.Warnw("malformed answer payload", "error", err)
			return
		}
		if err := m.setRemoteAndFlush(epoch, desc); err != nil {
			m.attemptFailed(epoch, err)
		}
	case protocol.TypeICECandidate:
		m.applyCandidate(epoch, env)
	case protocol.TypeError:
		m.logger.Warnw("relay reported error", "message", env.Message)
	case protocol.TypeWelcome, protocol.TypePong:
		// liveness bookkeeping happens in the read path
	default:
		m.logger.Debugw("ignoring unexpected message", "type", env.Type)
	}
}

// sendOffer produces an offer for the viewer that just requested a
// connection. A later request means the previous viewer was replaced, so the
// already-used negotiation object is swapped for a fresh one carrying the
// same tracks.
func (h *hostRunner) sendOffer(m *Manager, epoch int) {
	m.mu.Lock()
	neg := m.neg
	conn := m.conn
	used := m.offered
	tracks := m.tracks
	m.mu.Unlock()
	if neg == nil || conn == nil {
		return
	}

	if used {
		fresh, err := m.newNegotiator(epoch)
		if err != nil {
			m.attemptFailed(epoch, err)
			return
		}
		for _, t := range tracks {
			if err := fresh.AddTrack(t); err != nil {
				m.attemptFailed(epoch, fmt.Errorf("failed to attach track %s: %w", t.ID(), err))
				return
			}
		}
		neg = fresh
	}

	offer, err := neg.CreateOffer()
	if err != nil {
		m.attemptFailed(epoch, err)
		return
	}
	if err := neg.SetLocalDescription(offer); err != nil {
		m.attemptFailed(epoch, err)
		return
	}

	env, err := protocol.WithPayload(protocol.TypeOffer, m.opts.Key, offer)
	if err != nil {
		m.attemptFailed(epoch, err)
		return
	}
	if err := conn.Send(env); err != nil {
		m.attemptFailed(epoch, fmt.Errorf("failed to send offer: %w", err))
		return
	}

	m.mu.Lock()
	m.offered = true
	m.mu.Unlock()
	m.logger.Infow("offer sent")
}

func (h *hostRunner) persistRecord(m *Manager) {
	rec := domain.HostSessionRecord{Key: m.opts.Key, CreatedAt: time.Now()}
	raw, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := h.store.Set(hostRecordKey, raw); err != nil {
		m.logger.Warnw("failed to persist session record", "error", err)
		return
	}
	m.logger.Infow("host registered, session record persisted")
}

func (h *hostRunner) closed(m *Manager) {
	if err := h.store.Remove(hostRecordKey); err != nil {
		m.logger.Warnw("failed to remove session record", "error", err)
	}
}

// ResumableSession reports the stored host record when it is fresh enough to
// offer a resume. Capture needs a user gesture, so callers surface this as an
// affordance instead of auto-starting.
func ResumableSession(store ports.RecordStore, window time.Duration) (*domain.HostSessionRecord, bool) {
	raw, ok, err := store.Get(hostRecordKey)
	if err != nil || !ok {
		return nil, false
	}
	var rec domain.HostSessionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false
	}
	if !rec.Fresh(window, time.Now()) {
		return nil, false
	}
	return &rec, true
}
