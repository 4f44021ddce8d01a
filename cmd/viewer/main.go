// Viewer entry point: connects to the host matched through the relay and
// forwards the received tracks to local UDP ports for an external player,
// e.g.:
//
//	gst-launch-1.0 udpsrc port=6004 caps="application/x-rtp" \
//	  ! rtph264depay ! avdec_h264 ! autovideosink
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"

	"teamcast/internal/core/domain"
	"teamcast/internal/infrastructure/media"
	"teamcast/internal/infrastructure/webrtc"
	"teamcast/internal/session"
	"teamcast/pkg/config"
	"teamcast/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	relayURL := flag.String("relay", "ws://localhost:8081/ws", "relay websocket URL")
	event := flag.String("event", "", "event identifier")
	team := flag.String("team", "", "team identifier")
	token := flag.String("token", "", "relay auth token (when the relay requires one)")
	configPath := flag.String("config", "configs/config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		pterm.Error.Printfln("failed to load config: %v", err)
		os.Exit(1)
	}
	zlog := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zlog.Sync()

	key := domain.MatchKey{EventID: *event, TeamID: *team}
	if key.IsZero() {
		pterm.Error.Println("missing -event and -team")
		os.Exit(1)
	}

	sink := media.NewRemoteSink(cfg.Media.PlaybackVideo, cfg.Media.PlaybackAudio, zlog)
	factory := webrtc.NewFactory(iceServerURLs(cfg), sink, zlog)

	opts := session.OptionsFromConfig(cfg, key, *relayURL)
	opts.Token = *token

	mgr := session.NewViewer(opts, factory, zlog)
	mgr.OnStateChange(func(state domain.ConnectionState, reason string) {
		switch state {
		case domain.StateConnected:
			pterm.Success.Printfln("connected, playing to %s (video) and %s (audio)",
				cfg.Media.PlaybackVideo, cfg.Media.PlaybackAudio)
		case domain.StateReconnecting:
			pterm.Warning.Printfln("not connected, retrying (attempt %d of %d): %s",
				mgr.Attempts(), cfg.Session.MaxAttempts, reason)
		case domain.StateFailedMaxAttempts:
			pterm.Error.Printfln("could not connect after %d attempts; check network and firewall",
				cfg.Session.MaxAttempts)
			stop()
		}
	})

	pterm.Info.Printfln("watching event %s, team %s via %s", key.EventID, key.TeamID, *relayURL)

	if err := mgr.Start(); err != nil {
		pterm.Warning.Printfln("first attempt failed, retrying automatically: %v", err)
	}

	<-ctx.Done()
	mgr.Close()
	pterm.Info.Println("stopped")
}

func iceServerURLs(cfg *config.Config) []string {
	var urls []string
	for _, srv := range cfg.WebRTC.ICEServers {
		urls = append(urls, srv.URLs...)
	}
	return urls
}
