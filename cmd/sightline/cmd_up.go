package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/drosenbauer/sightline/internal/config"
	"github.com/drosenbauer/sightline/internal/rtc"
	"github.com/drosenbauer/sightline/internal/telemetry"
	"github.com/drosenbauer/sightline/internal/viewer"
)

var (
	upRoom   string
	upMode   string
	upServer string
)

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Start a viewing session",
	Long: `Start the sightline viewer: join a room on the signaling server, wait
for a capture device to pair, and run detection on the incoming frames.

The capture device joins the same room by opening the join link (or
scanning 'sightline qr'). Detection runs in-process with --mode local,
or on the server with --mode offload.`,
	RunE: runUp,
}

func init() {
	upCmd.Flags().StringVar(&upRoom, "room", "", "room ID (default: from config, or random)")
	upCmd.Flags().StringVar(&upMode, "mode", "", "detection mode: local or offload (default: from config)")
	upCmd.Flags().StringVar(&upServer, "server", "", "server URL (default: from config)")
}

func runUp(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// CLI flags override the config file.
	if upServer != "" {
		cfg.Server.URL = upServer
	}
	if upMode != "" {
		cfg.Session.Mode = upMode
	}
	if upRoom != "" {
		cfg.Session.Room = upRoom
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	room := cfg.Session.Room
	if room == "" {
		room = uuid.NewString()[:8]
	}

	sigURL, err := signalingURL(cfg.Server.URL)
	if err != nil {
		return err
	}
	link, err := joinURL(cfg.Server.URL, room)
	if err != nil {
		return err
	}

	disp, err := buildDispatcher(cfg, room)
	if err != nil {
		return err
	}
	defer disp.Close()

	fmt.Fprintln(os.Stderr, styleHeader.Render("sightline viewer"))
	fmt.Fprintf(os.Stderr, "%s %s\n", styleKey.Render("Room:"), room)
	fmt.Fprintf(os.Stderr, "%s %s\n", styleKey.Render("Mode:"), cfg.Session.Mode)
	fmt.Fprintf(os.Stderr, "%s %s\n\n", styleKey.Render("Join:"), link)

	stats := &sessionStats{}
	v := viewer.New(viewer.Config{
		ServerURL: sigURL,
		Room:      room,
		ICE:       rtc.ICEConfig{STUNServers: cfg.STUN.Servers},
		Channel: rtc.ChannelConfig{
			Ordered:        cfg.WebRTC.Ordered,
			MaxRetransmits: channelMaxRetransmits(cfg.WebRTC.MaxRetransmits),
		},
		Dispatcher: disp,
		Metrics:    stats,
		Logger:     globalLogger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	globalLogger.Info("starting viewer", "server", sigURL, "room", room, "mode", cfg.Session.Mode)

	if err := v.Run(ctx); err != nil {
		if ctx.Err() != nil {
			globalLogger.Info("session ended")
			printSessionSummary(v, stats.frames)
			return nil
		}
		return fmt.Errorf("viewer session failed: %w", err)
	}
	printSessionSummary(v, stats.frames)
	return nil
}

// buildDispatcher constructs the detection path for the configured mode. The
// offload dispatcher starts without a sender; the viewer binds its signaling
// client before the first frame.
func buildDispatcher(cfg *config.Config, room string) (viewer.Dispatcher, error) {
	switch cfg.Session.Mode {
	case config.ModeLocal:
		return viewer.NewLocalDispatcher(viewer.LocalDispatcherConfig{
			ModelPath:      cfg.Inference.ModelPath,
			InputSize:      cfg.Inference.InputSize,
			ScoreThreshold: cfg.Inference.ScoreThreshold,
			IOUThreshold:   cfg.Inference.IOUThreshold,
		}), nil
	case config.ModeOffload:
		return viewer.NewOffloadDispatcher(viewer.OffloadDispatcherConfig{
			Room:      room,
			InputSize: cfg.Inference.InputSize,
			Timeout:   cfg.OffloadTimeout(),
		}), nil
	default:
		return nil, fmt.Errorf("unknown mode %q (expected %q or %q)", cfg.Session.Mode, config.ModeLocal, config.ModeOffload)
	}
}

// sessionStats logs a rolling session line every statsEvery frames so the
// terminal shows progress without scrolling one line per frame.
type sessionStats struct {
	frames     uint64
	detections uint64
	lastE2E    time.Duration
}

const statsEvery = 30

func (s *sessionStats) FrameProcessed(m viewer.FrameMetrics) {
	s.frames++
	s.detections += uint64(m.Detections)
	s.lastE2E = time.Duration(m.EndToEnd * float64(time.Millisecond))
	if s.frames%statsEvery == 0 {
		globalLogger.Info("session progress",
			"frames", s.frames,
			"detections", s.detections,
			"e2e", s.lastE2E.Round(time.Millisecond),
		)
	}
}

func (s *sessionStats) Bandwidth(bw telemetry.BandwidthEstimate) {
	globalLogger.Debug("bandwidth",
		"uplink_kbps", fmt.Sprintf("%.1f", bw.UplinkKbps),
		"downlink_kbps", fmt.Sprintf("%.1f", bw.DownlinkKbps),
	)
}

// printSessionSummary prints the latency windows collected over the session.
func printSessionSummary(v *viewer.Viewer, frames uint64) {
	if frames == 0 {
		return
	}
	e2e, server, network := v.LatencySummaries()

	var b strings.Builder
	b.WriteString(styleHeader.Render("Session summary") + "\n")
	fmt.Fprintf(&b, "  %s median %.1fms  p95 %.1fms  max %.1fms\n",
		styleKey.Render("e2e:"), e2e.Median, e2e.P95, e2e.Max)
	fmt.Fprintf(&b, "  %s median %.1fms  p95 %.1fms\n",
		styleKey.Render("server:"), server.Median, server.P95)
	fmt.Fprintf(&b, "  %s median %.1fms  p95 %.1fms\n",
		styleKey.Render("network:"), network.Median, network.P95)
	fmt.Fprint(os.Stderr, b.String())
}
