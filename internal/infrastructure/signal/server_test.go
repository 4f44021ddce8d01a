package signal_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"teamcast/internal/core/domain"
	"teamcast/internal/core/services"
	"teamcast/internal/infrastructure/monitoring"
	"teamcast/internal/infrastructure/signal"
	"teamcast/internal/protocol"
	"teamcast/pkg/config"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) (*signal.Server, *httptest.Server) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Relay.SweepInterval = 50 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}

	var tokens services.TokenService
	if cfg.Auth.Enabled {
		tokens = services.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	}

	srv := signal.NewServer(cfg, signal.NewRegistry(), monitoring.NewCollector(prometheus.NewRegistry()), tokens, zap.NewNop())

	ts := httptest.NewServer(http.HandlerFunc(srv.HandleWebSocket))
	t.Cleanup(ts.Close)
	return srv, ts
}

func contextWithCancel(t *testing.T) (context.Context, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx, cancel
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+ts.URL[4:], nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	// Every connection starts with a welcome.
	env := readEnvelope(t, conn)
	require.Equal(t, protocol.TypeWelcome, env.Type)
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env protocol.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func send(t *testing.T, conn *websocket.Conn, env protocol.Envelope) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(env))
}

func registerHost(t *testing.T, conn *websocket.Conn, event, team string) {
	t.Helper()

	send(t, conn, protocol.Envelope{Type: protocol.TypeRegisterHost, EventID: domain.FlexID("e-" + event), TeamID: domain.FlexID("t-" + team)})
	env := readEnvelope(t, conn)
	require.Equal(t, protocol.TypeHostRegistered, env.Type)
}

func TestServer_RegisterHost(t *testing.T) {
	srv, ts := newTestServer(t, nil)

	host := dial(t, ts)
	send(t, host, protocol.Envelope{Type: protocol.TypeRegisterHost, EventID: "e1", TeamID: "t1"})

	env := readEnvelope(t, host)
	assert.Equal(t, protocol.TypeHostRegistered, env.Type)
	assert.Equal(t, "e1", string(env.EventID))
	assert.Equal(t, "t1", string(env.TeamID))

	stats := srv.Stats()
	assert.Equal(t, 1, stats.Hosts)
}

func TestServer_NumericIdentifiersMatchStringForm(t *testing.T) {
	_, ts := newTestServer(t, nil)

	host := dial(t, ts)
	send(t, host, protocol.Envelope{Type: protocol.TypeRegisterHost, EventID: "42", TeamID: "7"})
	require.Equal(t, protocol.TypeHostRegistered, readEnvelope(t, host).Type)

	viewer := dial(t, ts)
	// Raw JSON with numeric ids must address the same key as "42"/"7".
	require.NoError(t, viewer.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"request-connection","eventId":42,"teamId":7}`)))

	assert.Equal(t, protocol.TypeHostAvailable, readEnvelope(t, viewer).Type)
	assert.Equal(t, protocol.TypeConnectionRequest, readEnvelope(t, host).Type)
}

func TestServer_RequestConnectionWithoutHost(t *testing.T) {
	_, ts := newTestServer(t, nil)

	viewer := dial(t, ts)
	send(t, viewer, protocol.Envelope{Type: protocol.TypeRequestConnection, EventID: "e1", TeamID: "t1"})

	env := readEnvelope(t, viewer)
	assert.Equal(t, protocol.TypeError, env.Type)
	assert.Equal(t, "Host not available", env.Message)
}

func TestServer_FullHandshake(t *testing.T) {
	_, ts := newTestServer(t, nil)

	host := dial(t, ts)
	send(t, host, protocol.Envelope{Type: protocol.TypeRegisterHost, EventID: "e1", TeamID: "t1"})
	require.Equal(t, protocol.TypeHostRegistered, readEnvelope(t, host).Type)

	viewer := dial(t, ts)
	send(t, viewer, protocol.Envelope{Type: protocol.TypeRequestConnection, EventID: "e1", TeamID: "t1"})

	// The viewer is told to wait, the host is told to offer.
	assert.Equal(t, protocol.TypeHostAvailable, readEnvelope(t, viewer).Type)
	assert.Equal(t, protocol.TypeConnectionRequest, readEnvelope(t, host).Type)

	// Offer travels host -> viewer with the payload untouched.
	offerPayload := json.RawMessage(`{"type":"offer","sdp":"v=0\r\no=- 0 0 IN IP4 0.0.0.0\r\n"}`)
	send(t, host, protocol.Envelope{Type: protocol.TypeOffer, EventID: "e1", TeamID: "t1", Payload: offerPayload})

	env := readEnvelope(t, viewer)
	require.Equal(t, protocol.TypeOffer, env.Type)
	assert.JSONEq(t, string(offerPayload), string(env.Payload))

	// Answer travels viewer -> host.
	answerPayload := json.RawMessage(`{"type":"answer","sdp":"v=0\r\n"}`)
	send(t, viewer, protocol.Envelope{Type: protocol.TypeAnswer, EventID: "e1", TeamID: "t1", Payload: answerPayload})

	env = readEnvelope(t, host)
	require.Equal(t, protocol.TypeAnswer, env.Type)
	assert.JSONEq(t, string(answerPayload), string(env.Payload))

	// Candidates route by sender role in both directions.
	send(t, host, protocol.Envelope{Type: protocol.TypeICECandidate, EventID: "e1", TeamID: "t1", Payload: json.RawMessage(`{"candidate":"a"}`)})
	assert.Equal(t, protocol.TypeICECandidate, readEnvelope(t, viewer).Type)

	send(t, viewer, protocol.Envelope{Type: protocol.TypeICECandidate, EventID: "e1", TeamID: "t1", Payload: json.RawMessage(`{"candidate":"b"}`)})
	assert.Equal(t, protocol.TypeICECandidate, readEnvelope(t, host).Type)
}

func TestServer_HostReplacement(t *testing.T) {
	_, ts := newTestServer(t, nil)

	hostA := dial(t, ts)
	send(t, hostA, protocol.Envelope{Type: protocol.TypeRegisterHost, EventID: "e1", TeamID: "t1"})
	require.Equal(t, protocol.TypeHostRegistered, readEnvelope(t, hostA).Type)

	hostB := dial(t, ts)
	send(t, hostB, protocol.Envelope{Type: protocol.TypeRegisterHost, EventID: "e1", TeamID: "t1"})
	require.Equal(t, protocol.TypeHostRegistered, readEnvelope(t, hostB).Type)

	// Host A gets a graceful close, not an abrupt kill.
	hostA.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := hostA.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))

	// A subsequent request matches host B.
	viewer := dial(t, ts)
	send(t, viewer, protocol.Envelope{Type: protocol.TypeRequestConnection, EventID: "e1", TeamID: "t1"})
	assert.Equal(t, protocol.TypeHostAvailable, readEnvelope(t, viewer).Type)
	assert.Equal(t, protocol.TypeConnectionRequest, readEnvelope(t, hostB).Type)
}

func TestServer_HostReplacementKeepsGaugeAccurate(t *testing.T) {
	reg := prometheus.NewRegistry()
	cfg := config.DefaultConfig()
	cfg.Relay.SweepInterval = 50 * time.Millisecond

	srv := signal.NewServer(cfg, signal.NewRegistry(), monitoring.NewCollector(reg), nil, zap.NewNop())
	ts := httptest.NewServer(http.HandlerFunc(srv.HandleWebSocket))
	t.Cleanup(ts.Close)

	hostA := dial(t, ts)
	send(t, hostA, protocol.Envelope{Type: protocol.TypeRegisterHost, EventID: "e1", TeamID: "t1"})
	require.Equal(t, protocol.TypeHostRegistered, readEnvelope(t, hostA).Type)

	hostB := dial(t, ts)
	send(t, hostB, protocol.Envelope{Type: protocol.TypeRegisterHost, EventID: "e1", TeamID: "t1"})
	require.Equal(t, protocol.TypeHostRegistered, readEnvelope(t, hostB).Type)

	// Drain host A until its close frame arrives so its cleanup has run.
	hostA.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := hostA.ReadMessage(); err != nil {
			break
		}
	}

	// One host registered, not two: the evicted one was already counted
	// out when its replacement took over.
	expected := `
# HELP teamcast_relay_hosts_registered Number of registered hosts
# TYPE teamcast_relay_hosts_registered gauge
teamcast_relay_hosts_registered 1
`
	require.Eventually(t, func() bool {
		return testutil.GatherAndCompare(reg, strings.NewReader(expected), "teamcast_relay_hosts_registered") == nil
	}, 2*time.Second, 20*time.Millisecond)
}

func TestServer_HostDisconnectClearsRegistration(t *testing.T) {
	srv, ts := newTestServer(t, nil)

	host := dial(t, ts)
	registerHost(t, host, "e1", "t1")
	host.Close()

	require.Eventually(t, func() bool {
		return srv.Stats().Hosts == 0
	}, 2*time.Second, 10*time.Millisecond)

	viewer := dial(t, ts)
	send(t, viewer, protocol.Envelope{Type: protocol.TypeRequestConnection, EventID: "e-e1", TeamID: "t-t1"})
	env := readEnvelope(t, viewer)
	assert.Equal(t, protocol.TypeError, env.Type)
	assert.Equal(t, "Host not available", env.Message)
}

func TestServer_ForwardWithoutCounterpartIsDropped(t *testing.T) {
	_, ts := newTestServer(t, nil)

	host := dial(t, ts)
	send(t, host, protocol.Envelope{Type: protocol.TypeRegisterHost, EventID: "e1", TeamID: "t1"})
	require.Equal(t, protocol.TypeHostRegistered, readEnvelope(t, host).Type)

	// No viewer registered: the offer vanishes without an error reply and
	// the connection stays healthy.
	send(t, host, protocol.Envelope{Type: protocol.TypeOffer, EventID: "e1", TeamID: "t1", Payload: json.RawMessage(`{}`)})
	send(t, host, protocol.Envelope{Type: protocol.TypePing})

	env := readEnvelope(t, host)
	assert.Equal(t, protocol.TypePong, env.Type)
}

func TestServer_MalformedMessageKeepsConnectionOpen(t *testing.T) {
	_, ts := newTestServer(t, nil)

	conn := dial(t, ts)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))

	env := readEnvelope(t, conn)
	assert.Equal(t, protocol.TypeError, env.Type)
	assert.Equal(t, "Invalid message format", env.Message)

	// Still usable afterwards.
	send(t, conn, protocol.Envelope{Type: protocol.TypePing})
	assert.Equal(t, protocol.TypePong, readEnvelope(t, conn).Type)
}

func TestServer_UnknownMessageType(t *testing.T) {
	_, ts := newTestServer(t, nil)

	conn := dial(t, ts)
	send(t, conn, protocol.Envelope{Type: "defragment"})

	env := readEnvelope(t, conn)
	assert.Equal(t, protocol.TypeError, env.Type)
	assert.Equal(t, "Unknown message type", env.Message)
}

func TestServer_RegisterHostWithoutKey(t *testing.T) {
	_, ts := newTestServer(t, nil)

	conn := dial(t, ts)
	send(t, conn, protocol.Envelope{Type: protocol.TypeRegisterHost})

	env := readEnvelope(t, conn)
	assert.Equal(t, protocol.TypeError, env.Type)
	assert.Equal(t, "Invalid message format", env.Message)
}

func TestServer_SweepEvictsSilentConnections(t *testing.T) {
	srv, ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Relay.SweepInterval = 40 * time.Millisecond
	})

	ctx, cancel := contextWithCancel(t)
	go srv.Run(ctx)
	defer cancel()

	host := dial(t, ts)
	registerHost(t, host, "e1", "t1")

	// Never ping: after two sweeps the connection must be gone.
	host.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := host.ReadMessage(); err != nil {
			break
		}
	}

	require.Eventually(t, func() bool {
		return srv.Stats().Hosts == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServer_PingKeepsConnectionAcrossSweeps(t *testing.T) {
	srv, ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Relay.SweepInterval = 60 * time.Millisecond
	})

	ctx, cancel := contextWithCancel(t)
	go srv.Run(ctx)
	defer cancel()

	host := dial(t, ts)
	registerHost(t, host, "e1", "t1")

	deadline := time.Now().Add(400 * time.Millisecond)
	for time.Now().Before(deadline) {
		send(t, host, protocol.Envelope{Type: protocol.TypePing})
		assert.Equal(t, protocol.TypePong, readEnvelope(t, host).Type)
		time.Sleep(25 * time.Millisecond)
	}

	assert.Equal(t, 1, srv.Stats().Hosts)
}

func TestServer_AuthRequiredWhenEnabled(t *testing.T) {
	var tokens services.TokenService
	_, ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Auth.Enabled = true
		cfg.Auth.JWTSecret = "test-secret"
		cfg.Auth.TokenTTL = time.Hour
	})
	tokens = services.NewTokenService("test-secret", time.Hour)

	// Without a token the upgrade is rejected.
	_, resp, err := websocket.DefaultDialer.Dial("ws"+ts.URL[4:], nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// With a valid token the handshake proceeds.
	token, err := tokens.Issue("test")
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+ts.URL[4:]+"?token="+token, nil)
	require.NoError(t, err)
	defer conn.Close()

	var env protocol.Envelope
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, protocol.TypeWelcome, env.Type)
}

func TestServer_Health(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	srv.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "timestamp")
	assert.Contains(t, body, "uptime_seconds")
}
