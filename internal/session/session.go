// Package session implements the client-side peer session: a role-specific
// initiation sequence supervised by a single reconnection state machine.
// Transport and negotiation errors never escape as raw failures; they are
// re-expressed as connection state transitions.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"teamcast/internal/core/domain"
	"teamcast/internal/core/ports"
	"teamcast/internal/protocol"
	"teamcast/pkg/backoff"
	"teamcast/pkg/config"

	"go.uber.org/zap"
)

// Options configures one peer session.
type Options struct {
	Key      domain.MatchKey
	RelayURL string
	Token    string // bearer token for the relay, empty when auth is off

	Backoff           backoff.Policy
	MaxAttempts       int
	OfferWait         time.Duration
	PingInterval      time.Duration
	LivenessThreshold time.Duration
}

// OptionsFromConfig builds session options from the shared configuration.
func OptionsFromConfig(cfg *config.Config, key domain.MatchKey, relayURL string) Options {
	return Options{
		Key:      key,
		RelayURL: relayURL,
		Backoff: backoff.Policy{
			Base: cfg.Session.BaseDelay,
			Max:  cfg.Session.MaxDelay,
		},
		MaxAttempts:       cfg.Session.MaxAttempts,
		OfferWait:         cfg.Session.OfferWait,
		PingInterval:      cfg.Session.PingInterval,
		LivenessThreshold: cfg.Session.LivenessThreshold,
	}
}

func (o *Options) applyDefaults() {
	if o.Backoff.Base <= 0 {
		o.Backoff = backoff.DefaultPolicy()
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 8
	}
	if o.OfferWait <= 0 {
		o.OfferWait = 15 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 10 * time.Second
	}
	if o.LivenessThreshold <= o.PingInterval {
		o.LivenessThreshold = o.PingInterval*3 + 5*time.Second
	}
}

// roleRunner is the role-specific half of a session: how an attempt starts and
// how relay messages are interpreted.
type roleRunner interface {
	begin(m *Manager, epoch int) error
	handle(m *Manager, epoch int, env protocol.Envelope)
	closed(m *Manager)
}

// Manager owns one peer session. All mutation funnels through its mutex; the
// epoch counter invalidates callbacks from superseded attempts, so a late
// negotiation or socket event can never corrupt a newer attempt's state.
type Manager struct {
	opts    Options
	factory ports.NegotiatorFactory
	runner  roleRunner
	logger  *zap.SugaredLogger

	mu           sync.Mutex
	state        domain.ConnectionState
	epoch        int
	attempts     int
	reconnecting bool

	conn      *relayConn
	neg       ports.Negotiator
	tracks    []ports.MediaTrack
	remoteSet bool
	offered   bool
	pending   []domain.ICECandidate

	reconnectTimer *time.Timer
	offerTimer     *time.Timer

	onState func(domain.ConnectionState, string)
}

func newManager(opts Options, factory ports.NegotiatorFactory, runner roleRunner, logger *zap.Logger) *Manager {
	opts.applyDefaults()
	return &Manager{
		opts:    opts,
		factory: factory,
		runner:  runner,
		state:   domain.StateNew,
		logger:  logger.Sugar().With("key", opts.Key.String()),
	}
}

// OnStateChange registers the state observer. Must be called before Start.
func (m *Manager) OnStateChange(fn func(domain.ConnectionState, string)) {
	m.mu.Lock()
	m.onState = fn
	m.mu.Unlock()
}

func (m *Manager) State() domain.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *Manager) Key() domain.MatchKey { return m.opts.Key }

// Start runs the first connection attempt. A first-attempt failure is
// returned to the caller (so a capture prompt denial can be explained to the
// user) and still enters the automatic retry cycle.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.state != domain.StateNew {
		m.mu.Unlock()
		return fmt.Errorf("session already started (state %s)", m.state)
	}
	m.epoch = 1
	m.mu.Unlock()

	m.setState(domain.StateConnecting, "starting")
	if err := m.runner.begin(m, 1); err != nil {
		m.attemptFailed(1, err)
		return err
	}
	return nil
}

/// Close stops the session from any state: pending timers are cancelled,
// captured tracks released, the relay connection and negotiation object torn
// down. Safe to call repeatedly.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.state == domain.StateClosed {
		m.mu.Unlock()
		return nil
	}
	m.state = domain.StateClosed
	m.epoch++ // strands every in-flight callback
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	if m.offerTimer != nil {
		m.offerTimer.Stop()
		m.offerTimer = nil
	}
	conn, neg, tracks := m.conn, m.neg, m.tracks
	m.conn, m.neg, m.tracks = nil, nil, nil
	fn := m.onState
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if neg != nil {
		_ = neg.Close()
	}
	for _, t := range tracks {
		_ = t.Stop()
	}
	m.runner.closed(m)

	m.logger.Infow("session closed")
	if fn != nil {
		fn(domain.StateClosed, "stopped")
	}
	return nil
}

func (m *Manager) setState(state domain.ConnectionState, reason string) {
	m.mu.Lock()
	if m.state == state || m.state.Terminal() {
		m.mu.Unlock()
		return
	}
	m.state = state
	fn := m.onState
	m.mu.Unlock()

	m.logger.Infow("session state changed", "state", state, "reason", reason)
	if fn != nil {
		fn(state, reason)
	}
}

// attemptFailed concludes the in-flight attempt and hands control to the
// retry policy. Only one failure may conclude an attempt: once the state has
// left connecting, every other failure signal from the same epoch (the torn
// down socket, a stale timer) is ignored.
func (m *Manager) attemptFailed(epoch int, err error) {
	m.mu.Lock()
	if m.state != domain.StateConnecting || epoch != m.epoch {
		m.mu.Unlock()
		return
	}
	m.reconnecting = false
	m.mu.Unlock()

	m.logger.Warnw("connection attempt failed", "error", err)
	m.setState(domain.StateFailed, err.Error())
	m.teardownAttempt()
	m.scheduleReconnect(err.Error())
}

// scheduleReconnect arms the backoff timer for the next attempt. At most one
// attempt may be pending; a second request while one is in flight is refused.
func (m *Manager) scheduleReconnect(reason string) {
	m.mu.Lock()
	if m.state.Terminal() {
		m.mu.Unlock()
		return
	}
	if m.reconnecting {
		m.mu.Unlock()
		m.logger.Debugw("refusing duplicate reconnect", "error", domain.ErrReconnectInFlight, "reason", reason)
		return
	}
	m.reconnecting = true
	m.attempts++

	if m.attempts > m.opts.MaxAttempts {
		m.state = domain.StateFailedMaxAttempts
		fn := m.onState
		m.mu.Unlock()

		m.logger.Errorw("giving up on reconnecting", "error", domain.ErrMaxAttemptsExceeded, "max_attempts", m.opts.MaxAttempts)
		m.teardownAttempt()
		m.releaseTracks()
		if fn != nil {
			fn(domain.StateFailedMaxAttempts, reason)
		}
		return
	}

	attempt := m.attempts
	delay := m.opts.Backoff.Delay(attempt)
	m.state = domain.StateReconnecting
	fn := m.onState
	m.reconnectTimer = time.AfterFunc(delay, m.retry)
	m.mu.Unlock()

	m.logger.Infow("reconnect scheduled",
		"attempt", attempt, "max_attempts", m.opts.MaxAttempts, "delay", delay, "reason", reason)
	if fn != nil {
		fn(domain.StateReconnecting, reason)
	}
}

func (m *Manager) retry() {
	m.mu.Lock()
	if m.state.Terminal() {
		m.mu.Unlock()
		return
	}
	m.epoch++
	epoch := m.epoch
	m.mu.Unlock()

	m.teardownAttempt()
	m.setState(domain.StateConnecting, "retrying")
	if err := m.runner.begin(m, epoch); err != nil {
		m.attemptFailed(epoch, err)
	}
}

// handlePeerState reacts to negotiation-object connection state changes.
func (m *Manager) handlePeerState(epoch int, ps domain.PeerState) {
	m.mu.Lock()
	if m.state.Terminal() || epoch != m.epoch {
		m.mu.Unlock()
		return
	}
	switch ps {
	case domain.PeerStateConnected:
		m.attempts = 0
		m.reconnecting = false
		m.mu.Unlock()
		m.setState(domain.StateConnected, "transport established")
	case domain.PeerStateDisconnected, domain.PeerStateFailed:
		connected := m.state == domain.StateConnected
		m.mu.Unlock()
		if connected {
			m.setState(domain.StateDisconnected, "transport lost")
			m.teardownAttempt()
			m.scheduleReconnect("transport " + string(ps))
			return
		}
		m.attemptFailed(epoch, fmt.Errorf("transport %s during negotiation", ps))
	default:
		m.mu.Unlock()
	}
}

// socketDown reacts to the relay read loop ending.
func (m *Manager) socketDown(epoch int, err error) {
	m.mu.Lock()
	if m.state.Terminal() || epoch != m.epoch {
		m.mu.Unlock()
		return
	}
	connected := m.state == domain.StateConnected
	m.mu.Unlock()

	if connected {
		m.setState(domain.StateDisconnected, "relay connection lost")
		m.teardownAttempt()
		m.scheduleReconnect("relay connection lost")
		return
	}
	m.attemptFailed(epoch, fmt.Errorf("relay connection lost: %w", err))
}

// attach takes ownership of a freshly dialed relay connection and starts its
// read and heartbeat pumps.
func (m *Manager) attach(conn *relayConn, epoch int) error {
	m.mu.Lock()
	if m.state.Terminal() || epoch != m.epoch {
		m.mu.Unlock()
		conn.forceClose()
		return domain.ErrSessionClosed
	}
	m.conn = conn
	m.mu.Unlock()

	go m.readLoop(conn, epoch)
	go m.heartbeat(conn, epoch)
	return nil
}

func (m *Manager) readLoop(conn *relayConn, epoch int) {
	for {
		env, err := conn.Read()
		if err != nil {
			m.socketDown(epoch, err)
			return
		}
		m.runner.handle(m, epoch, env)
	}
}

// heartbeat pings the relay and forces a reconnect when the relay has been
// silent past the liveness threshold, catching a half-open socket that never
// reports closure on its own.
func (m *Manager) heartbeat(conn *relayConn, epoch int) {
	ticker := time.NewTicker(m.opts.PingInterval)
	defer ticker.Stop()

	for range ticker.C {
		if conn.isClosed() {
			return
		}
		m.mu.Lock()
		stale := m.state.Terminal() || epoch != m.epoch
		m.mu.Unlock()
		if stale {
			return
		}

		if idle := conn.sinceActivity(); idle > m.opts.LivenessThreshold {
			m.logger.Warnw("relay silent past liveness threshold, forcing reconnect", "idle", idle)
			conn.forceClose() // unblocks the read loop, which drives the disconnect path
			return
		}
		if err := conn.Send(protocol.Envelope{Type: protocol.TypePing}); err != nil {
			return
		}
	}
}

// newNegotiator replaces the session's negotiation object with a fresh one
// wired to this attempt's epoch.
func (m *Manager) newNegotiator(epoch int) (ports.Negotiator, error) {
	neg, err := m.factory()
	if err != nil {
		return nil, fmt.Errorf("failed to create negotiation object: %w", err)
	}
	neg.OnICECandidate(func(c domain.ICECandidate) { m.sendCandidate(epoch, c) })
	neg.OnStateChange(func(ps domain.PeerState) { m.handlePeerState(epoch, ps) })

	m.mu.Lock()
	if m.state.Terminal() || epoch != m.epoch {
		m.mu.Unlock()
		_ = neg.Close()
		return nil, domain.ErrSessionClosed
	}
	old := m.neg
	m.neg = neg
	m.remoteSet = false
	m.offered = false
	m.pending = nil
	m.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return neg, nil
}

func (m *Manager) sendCandidate(epoch int, cand domain.ICECandidate) {
	m.mu.Lock()
	conn := m.conn
	stale := m.state.Terminal() || epoch != m.epoch
	m.mu.Unlock()
	if stale || conn == nil {
		return
	}

	env, err := protocol.WithPayload(protocol.TypeICECandidate, m.opts.Key, cand)
	if err != nil {
		return
	}
	if err := conn.Send(env); err != nil {
		m.logger.Debugw("failed to send candidate", "error", err)
	}
}

// applyCandidate applies a trickled remote candidate, buffering it until the
// remote description is in place. Application failures are logged, never
// fatal; candidates may legitimately race the description.
func (m *Manager) applyCandidate(epoch int, env protocol.Envelope) {
	var cand domain.ICECandidate
	if err := json.Unmarshal(env.Payload, &cand); err != nil {
		m.logger.Debugw("malformed remote candidate", "error", err)
		return
	}

	m.mu.Lock()
	if m.state.Terminal() || epoch != m.epoch {
		m.mu.Unlock()
		return
	}
	if m.neg == nil || !m.remoteSet {
		m.pending = append(m.pending, cand)
		m.mu.Unlock()
		return
	}
	neg := m.neg
	m.mu.Unlock()

	if err := neg.AddICECandidate(cand); err != nil {
		m.logger.Debugw("failed to apply remote candidate", "error", err)
	}
}

// setRemoteAndFlush applies the counterpart's description and drains any
// candidates that arrived ahead of it.
func (m *Manager) setRemoteAndFlush(epoch int, desc domain.SessionDescription) error {
	m.mu.Lock()
	stale := m.state.Terminal() || epoch != m.epoch
	neg := m.neg
	m.mu.Unlock()
	if stale || neg == nil {
		return domain.ErrSessionClosed
	}

	if err := neg.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}

	m.mu.Lock()
	m.remoteSet = true
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	for _, c := range pending {
		if err := neg.AddICECandidate(c); err != nil {
			m.logger.Debugw("failed to apply buffered candidate", "error", err)
		}
	}
	return nil
}

// teardownAttempt drops the current relay connection and negotiation object.
// Captured tracks are kept for reuse by the next attempt.
func (m *Manager) teardownAttempt() {
	m.mu.Lock()
	conn, neg := m.conn, m.neg
	m.conn, m.neg = nil, nil
	m.remoteSet = false
	m.offered = false
	m.pending = nil
	if m.offerTimer != nil {
		m.offerTimer.Stop()
		m.offerTimer = nil
	}
	m.mu.Unlock()

	if conn != nil {
		conn.forceClose()
	}
	if neg != nil {
		_ = neg.Close()
	}
}

func (m *Manager) releaseTracks() {
	m.mu.Lock()
	tracks := m.tracks
	m.tracks = nil
	m.mu.Unlock()

	for _, t := range tracks {
		_ = t.Stop()
	}
}

// ensureTracks reuses still-live captured tracks across retries so the user
// is not re-prompted for capture permission on every attempt.
func (m *Manager) ensureTracks(source ports.MediaSource, epoch int) ([]ports.MediaTrack, error) {
	m.mu.Lock()
	live := make([]ports.MediaTrack, 0, len(m.tracks))
	for _, t := range m.tracks {
		if t.Live() {
			live = append(live, t)
		}
	}
	m.mu.Unlock()
	if len(live) > 0 {
		return live, nil
	}

	// Acquire may block on a capture-permission prompt; the session can be
	// closed or the attempt superseded in the meantime.
	tracks, err := source.Acquire(context.Background())
	if err != nil {
		return nil, err
	}
	if len(tracks) == 0 {
		return nil, domain.ErrNoLiveTracks
	}

	m.mu.Lock()
	if m.state.Terminal() || epoch != m.epoch {
		m.mu.Unlock()
		for _, t := range tracks {
			_ = t.Stop()
		}
		return nil, domain.ErrSessionClosed
	}
	m.tracks = tracks
	m.mu.Unlock()
	return tracks, nil
}

func keyEnvelope(t protocol.MessageType, key domain.MatchKey) protocol.Envelope {
	return protocol.Envelope{
		Type:    t,
		EventID: domain.FlexID(key.EventID),
		TeamID:  domain.FlexID(key.TeamID),
	}
}
