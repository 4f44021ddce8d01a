package media

import (
	"net"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const pliInterval = 3 * time.Second

// RemoteSink forwards remote RTP tracks to local UDP ports so an external
// player can render them.
type RemoteSink struct {
	VideoAddr string
	AudioAddr string

	logger *zap.SugaredLogger
}

func NewRemoteSink(videoAddr, audioAddr string, logger *zap.Logger) *RemoteSink {
	return &RemoteSink{
		VideoAddr: videoAddr,
		AudioAddr: audioAddr,
		logger:    logger.Sugar(),
	}
}

// HandleTrack consumes one remote track until it ends. For video tracks it
// also asks the sender for periodic keyframes, since an external player may
// attach mid-stream.
func (s *RemoteSink) HandleTrack(track *webrtc.TrackRemote, pc *webrtc.PeerConnection) {
	addr := s.VideoAddr
	if track.Kind() == webrtc.RTPCodecTypeAudio {
		addr = s.AudioAddr
	}

	out, err := net.Dial("udp", addr)
	if err != nil {
		s.logger.Errorw("failed to open playback socket", "addr", addr, "error", err)
		return
	}
	defer out.Close()

	done := make(chan struct{})
	defer close(done)

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go s.requestKeyframes(track, pc, done)
	}

	s.logger.Infow("forwarding remote track", "kind", track.Kind().String(), "addr", addr)

	buf := make([]byte, 1500)
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			s.logger.Infow("remote track ended", "kind", track.Kind().String(), "error", err)
			return
		}
		if _, err := out.Write(buf[:n]); err != nil {
			s.logger.Debugw("playback write failed", "error", err)
		}
	}
}

func (s *RemoteSink) requestKeyframes(track *webrtc.TrackRemote, pc *webrtc.PeerConnection, done <-chan struct{}) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			err := pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
			})
			if err != nil {
				return
			}
		}
	}
}
