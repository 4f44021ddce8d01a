// Package media implements the capture and playback ends of a session as
// RTP-over-UDP bridges: an external encoder (for example a GStreamer
// pipeline) pushes RTP to a local port, and remote tracks are forwarded to a
// local port for an external player.
package media

import (
	"context"
	"fmt"
	"net"
	"sync"

	"teamcast/internal/core/ports"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// SourceConfig names the local RTP ingest addresses. Screen is mandatory;
// Camera may be empty when no front camera feed exists.
type SourceConfig struct {
	ScreenAddr string
	CameraAddr string
}

// Track is one live capture track backed by a UDP listener.
type Track struct {
	id    string
	kind  string
	local *webrtc.TrackLocalStaticRTP

	cancel context.CancelFunc
	conn   net.PacketConn

	mu   sync.Mutex
	live bool
}

func (t *Track) ID() string   { return t.id }
func (t *Track) Kind() string { return t.kind }

func (t *Track) Live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

// Local exposes the underlying pion track for the negotiation object.
func (t *Track) Local() webrtc.TrackLocal { return t.local }

func (t *Track) Stop() error {
	t.mu.Lock()
	if !t.live {
		t.mu.Unlock()
		return nil
	}
	t.live = false
	t.mu.Unlock()

	t.cancel()
	return t.conn.Close()
}

// UDPSource acquires capture tracks by binding the configured ingest ports.
type UDPSource struct {
	cfg    SourceConfig
	logger *zap.SugaredLogger
}

func NewUDPSource(cfg SourceConfig, logger *zap.Logger) *UDPSource {
	return &UDPSource{cfg: cfg, logger: logger.Sugar()}
}

// Acquire binds the screen ingest port and, when configured, the camera port.
// A screen bind failure is a capture failure; a camera failure only loses the
// camera feed.
func (s *UDPSource) Acquire(ctx context.Context) ([]ports.MediaTrack, error) {
	screen, err := s.openTrack(ctx, "screen", s.cfg.ScreenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire screen capture: %w", err)
	}

	tracks := []ports.MediaTrack{screen}

	if s.cfg.CameraAddr != "" {
		camera, err := s.openTrack(ctx, "camera", s.cfg.CameraAddr)
		if err != nil {
			s.logger.Warnw("camera capture unavailable, continuing with screen only", "error", err)
		} else {
			tracks = append(tracks, camera)
		}
	}

	return tracks, nil
}

func (s *UDPSource) openTrack(ctx context.Context, name, addr string) (*Track, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	local, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264},
		name, "teamcast-"+name,
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create %s track: %w", name, err)
	}

	trackCtx, cancel := context.WithCancel(ctx)
	t := &Track{
		id:     name,
		kind:   "video",
		local:  local,
		cancel: cancel,
		conn:   conn,
		live:   true,
	}

	go s.pump(trackCtx, t)
	return t, nil
}

// pump copies RTP packets from the ingest socket into the track until the
// track is stopped.
func (s *UDPSource) pump(ctx context.Context, t *Track) {
	buf := make([]byte, 1500)
	pkt := &rtp.Packet{}

	for {
		n, _, err := t.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				s.logger.Infow("capture read ended", "track", t.id, "error", err)
			}
			t.mu.Lock()
			t.live = false
			t.mu.Unlock()
			return
		}

		if err := pkt.Unmarshal(buf[:n]); err != nil {
			s.logger.Debugw("dropping malformed RTP packet", "track", t.id, "error", err)
			continue
		}

		if err := t.local.WriteRTP(pkt); err != nil {
			s.logger.Debugw("track write failed", "track", t.id, "error", err)
		}
	}
}
