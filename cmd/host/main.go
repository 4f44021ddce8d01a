// Host entry point: captures local RTP feeds and shares them with the viewer
// matched through the relay.
//
// An external encoder pushes RTP to the configured local ports, e.g.:
//
//	gst-launch-1.0 ximagesrc ! videoconvert ! x264enc tune=zerolatency \
//	  ! rtph264pay ! udpsink host=127.0.0.1 port=5004
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"

	"teamcast/internal/core/domain"
	"teamcast/internal/infrastructure/media"
	"teamcast/internal/infrastructure/store"
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

	storePath, err := store.DefaultPath()
	if err != nil {
		pterm.Error.Printfln("no usable storage location: %v", err)
		os.Exit(1)
	}
	st := store.NewFileStore(storePath)

	key := domain.MatchKey{EventID: *event, TeamID: *team}
	if key.IsZero() {
		// A fresh record from a previous run means the process likely died
		// mid-session; offer to pick up the same key.
		if rec, ok := session.ResumableSession(st, cfg.Session.ResumeWindow); ok {
			resume, _ := pterm.DefaultInteractiveConfirm.
				WithDefaultText(fmt.Sprintf("Resume sharing for event %s, team %s?", rec.Key.EventID, rec.Key.TeamID)).
				Show()
			if resume {
				key = rec.Key
			}
		}
	}
	if key.IsZero() {
		pterm.Error.Println("missing -event and -team (and no recent session to resume)")
		os.Exit(1)
	}

	source := media.NewUDPSource(media.SourceConfig{
		ScreenAddr: cfg.Media.ScreenRTPAddress,
		CameraAddr: cfg.Media.CameraRTPAddress,
	}, zlog)
	factory := webrtc.NewFactory(iceServerURLs(cfg), nil, zlog)

	opts := session.OptionsFromConfig(cfg, key, *relayURL)
	opts.Token = *token

	mgr := session.NewHost(opts, factory, source, st, zlog)
	mgr.OnStateChange(func(state domain.ConnectionState, reason string) {
		switch state {
		case domain.StateConnected:
			pterm.Success.Println("viewer connected, streaming")
		case domain.StateReconnecting:
			pterm.Warning.Printfln("connection lost, retrying (attempt %d of %d): %s",
				mgr.Attempts(), cfg.Session.MaxAttempts, reason)
		case domain.StateFailedMaxAttempts:
			pterm.Error.Printfln("could not connect after %d attempts; check network and firewall",
				cfg.Session.MaxAttempts)
			stop()
		}
	})

	pterm.Info.Printfln("sharing for event %s, team %s via %s", key.EventID, key.TeamID, *relayURL)
	pterm.Info.Printfln("push RTP to %s (screen) and %s (camera)",
		cfg.Media.ScreenRTPAddress, cfg.Media.CameraRTPAddress)

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
