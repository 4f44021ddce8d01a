package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"teamcast/internal/core/domain"
	"teamcast/internal/core/services"
	"teamcast/internal/infrastructure/middleware"
	"teamcast/internal/infrastructure/monitoring"
	"teamcast/internal/protocol"
	"teamcast/pkg/config"
	"teamcast/pkg/tracing"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Should be configured properly for production
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Server is the signaling relay: it matches a host and a viewer per key and
// blindly forwards handshake payloads between them. It holds no state that
// survives a restart.
type Server struct {
	cfg      *config.Config
	registry *Registry
	metrics  *monitoring.Collector
	tokens   services.TokenService // nil when auth is disabled

	conns map[string]*Conn
	mu    sync.Mutex

	started time.Time
	logger  *zap.SugaredLogger
}

func NewServer(cfg *config.Config, registry *Registry, metrics *monitoring.Collector, tokens services.TokenService, logger *zap.Logger) *Server {
	return &Server{
		cfg:      cfg,
		registry: registry,
		metrics:  metrics,
		tokens:   tokens,
		conns:    make(map[string]*Conn),
		started:  time.Now(),
		logger:   logger.Sugar(),
	}
}

// Run drives the liveness sweep until ctx is cancelled. Connections that did
// not ping since the previous sweep are force-closed; their read pumps then
// perform the normal disconnect cleanup.
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Relay.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Server) sweep() {
	s.mu.Lock()
	snapshot := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		snapshot = append(snapshot, c)
	}
	s.mu.Unlock()

	for _, c := range snapshot {
		if !c.checkAndClear() {
			s.logger.Infow("evicting unresponsive connection", "conn_id", c.ID(), "role", c.Role())
			s.metrics.SweepEviction()
			c.forceClose()
		}
	}
}

func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.tokens != nil {
		token := middleware.TokenFromRequest(r)
		if _, err := s.tokens.Validate(token); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	c := newConn(ws, s.cfg.Relay.WriteTimeout)

	s.mu.Lock()
	s.conns[c.ID()] = c
	s.mu.Unlock()
	s.metrics.ConnectionOpened()

	s.logger.Infow("connection opened", "conn_id", c.ID())
	if err := c.send(protocol.Envelope{Type: protocol.TypeWelcome}); err != nil {
		s.logger.Infow("failed to send welcome", "conn_id", c.ID(), "error", err)
	}

	limiter := middleware.NewMessageLimiter(s.cfg)

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Infow("read error", "conn_id", c.ID(), "error", err)
			}
			break
		}

		if limiter != nil && !limiter.Allow() {
			s.logger.Warnw("message rate limit exceeded, dropping", "conn_id", c.ID())
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
			s.metrics.ProtocolError()
			c.sendError("Invalid message format")
			continue
		}

		s.handleMessage(c, env)
	}

	s.cleanup(c)
}

func (s *Server) handleMessage(c *Conn, env protocol.Envelope) {
	ctx, span := tracing.TraceSignalMessage(context.Background(), string(env.Type), c.ID())
	defer span.End()
	if key := env.Key(); !key.IsZero() {
		tracing.AddSpanAttributes(ctx,
			tracing.EventIDKey.String(key.EventID),
			tracing.TeamIDKey.String(key.TeamID),
			tracing.RoleKey.String(string(c.Role())),
		)
	}

	switch env.Type {
	case protocol.TypeRegisterHost:
		s.handleRegisterHost(c, env)
	case protocol.TypeRequestConnection:
		s.handleRequestConnection(c, env)
	case protocol.TypeOffer, protocol.TypeAnswer:
		s.forwardDescription(c, env)
	case protocol.TypeICECandidate:
		s.forwardCandidate(c, env)
	case protocol.TypePing:
		c.markAlive()
		_ = c.send(protocol.Envelope{Type: protocol.TypePong})
	case protocol.TypePong:
		c.markAlive()
	default:
		s.metrics.ProtocolError()
		c.sendError("Unknown message type")
	}
}

func (s *Server) handleRegisterHost(c *Conn, env protocol.Envelope) {
	key := env.Key()
	if key.IsZero() {
		s.metrics.ProtocolError()
		c.sendError("Invalid message format")
		return
	}

	c.classify(domain.RoleHost, key)
	prev := s.registry.RegisterHost(key, c)
	if prev != nil {
		s.logger.Infow("replacing host", "key", key.String(), "old_conn", prev.ID(), "new_conn", c.ID())
		s.metrics.HostEvicted()
		// The evicted connection no longer owns the key, so its own
		// cleanup will not decrement the gauge.
		s.metrics.HostRemoved()
		prev.closeGraceful("replaced by new host")
	}
	s.metrics.HostRegistered()

	_ = c.send(protocol.Envelope{
		Type:    protocol.TypeHostRegistered,
		EventID: env.EventID,
		TeamID:  env.TeamID,
	})
	s.logger.Infow("host registered", "key", key.String(), "conn_id", c.ID())
}

func (s *Server) handleRequestConnection(c *Conn, env protocol.Envelope) {
	key := env.Key()
	if key.IsZero() {
		s.metrics.ProtocolError()
		c.sendError("Invalid message format")
		return
	}

	host := s.registry.Host(key)
	if host == nil || !host.Alive() {
		s.logger.Infow("request for unavailable host", "key", key.String(), "conn_id", c.ID())
		c.sendError("Host not available")
		return
	}

	c.classify(domain.RoleViewer, key)
	if prev := s.registry.RegisterViewer(key, c); prev != nil {
		// Last-writer-wins: the previous viewer for this key is abandoned
		// without notification.
		s.logger.Infow("replacing viewer", "key", key.String(), "old_conn", prev.ID(), "new_conn", c.ID())
	}
	s.metrics.ViewerRegistered()

	// Two one-way notifications, not a transaction: the host is told to
	// produce an offer, the viewer is told to wait for one.
	if err := host.send(protocol.Envelope{
		Type:    protocol.TypeConnectionRequest,
		EventID: env.EventID,
		TeamID:  env.TeamID,
	}); err != nil {
		s.logger.Infow("host unreachable during match", "key", key.String(), "error", err)
		host.forceClose()
		c.sendError("Host not available")
		return
	}

	_ = c.send(protocol.Envelope{
		Type:    protocol.TypeHostAvailable,
		EventID: env.EventID,
		TeamID:  env.TeamID,
	})
	s.metrics.MatchMade()
	s.logger.Infow("matched host and viewer", "key", key.String(), "host_conn", host.ID(), "viewer_conn", c.ID())
}

// forwardDescription routes an offer to the viewer and an answer to the host
// registered for the same key. Payload internals are never inspected. A
// missing counterpart drops the message; the counterpart may have
// disconnected mid-handshake.
func (s *Server) forwardDescription(c *Conn, env protocol.Envelope) {
	key := env.Key()
	if key.IsZero() {
		key = c.Key()
	}

	var target *Conn
	if env.Type == protocol.TypeOffer {
		target = s.registry.Viewer(key)
	} else {
		target = s.registry.Host(key)
	}

	if target == nil {
		s.logger.Infow("dropping message without counterpart", "type", env.Type, "key", key.String(), "conn_id", c.ID())
		s.metrics.MessageDropped(string(env.Type))
		return
	}

	if err := target.send(env); err != nil {
		s.logger.Infow("forward failed", "type", env.Type, "key", key.String(), "error", err)
		s.metrics.MessageDropped(string(env.Type))
		return
	}
	s.metrics.MessageForwarded(string(env.Type))
}

// forwardCandidate routes a trickled candidate by the sender's own role:
// host to viewer, viewer to host. Candidates are forwarded individually and
// promptly; no ordering with respect to offer/answer is provided.
func (s *Server) forwardCandidate(c *Conn, env protocol.Envelope) {
	key := env.Key()
	if key.IsZero() {
		key = c.Key()
	}

	var target *Conn
	switch c.Role() {
	case domain.RoleHost:
		target = s.registry.Viewer(key)
	case domain.RoleViewer:
		target = s.registry.Host(key)
	default:
		s.logger.Infow("candidate from unclassified connection", "conn_id", c.ID())
		s.metrics.MessageDropped(string(env.Type))
		return
	}

	if target == nil {
		s.logger.Debugw("dropping candidate without counterpart", "key", key.String(), "conn_id", c.ID())
		s.metrics.MessageDropped(string(env.Type))
		return
	}

	if err := target.send(env); err != nil {
		s.metrics.MessageDropped(string(env.Type))
		return
	}
	s.metrics.MessageForwarded(string(env.Type))
}

// cleanup applies uniformly to socket close, send failure and sweep eviction.
func (s *Server) cleanup(c *Conn) {
	c.forceClose()

	s.mu.Lock()
	delete(s.conns, c.ID())
	s.mu.Unlock()
	s.metrics.ConnectionClosed()

	wasHost, wasViewer := s.registry.Remove(c)
	if wasHost {
		s.metrics.HostRemoved()
	}
	if wasViewer {
		s.metrics.ViewerRemoved()
	}
	s.logger.Infow("connection closed", "conn_id", c.ID(), "role", c.Role(), "was_host", wasHost, "was_viewer", wasViewer)
}

// HandleHealth reports process status and uptime. It deliberately does not
// touch the registry.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":         "ok",
		"timestamp":      time.Now().Unix(),
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// Stats is a point-in-time snapshot for the operational stats endpoint.
type Stats struct {
	Connections int `json:"connections"`
	Hosts       int `json:"hosts"`
	Viewers     int `json:"viewers"`
}

func (s *Server) Stats() Stats {
	s.mu.Lock()
	connections := len(s.conns)
	s.mu.Unlock()

	hosts, viewers := s.registry.Counts()
	return Stats{Connections: connections, Hosts: hosts, Viewers: viewers}
}
