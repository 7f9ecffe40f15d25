package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/drosenbauer/sightline/internal/capture"
	"github.com/drosenbauer/sightline/internal/rtc"
	"github.com/drosenbauer/sightline/pkg/protocol"
)

var (
	captureRoom   string
	captureServer string
	captureFPS    int
)

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Run a synthetic capture peer",
	Long: `Join a room as the capture side and stream synthetic test frames to
the viewer. Useful for trying out a session or debugging a server
without a phone at hand; the benchmark uses the same peer internally.`,
	RunE: runCapture,
}

func init() {
	captureCmd.Flags().StringVar(&captureRoom, "room", "", "room ID to join (required)")
	captureCmd.Flags().StringVar(&captureServer, "server", "", "server URL (default: from config)")
	captureCmd.Flags().IntVar(&captureFPS, "fps", 15, "synthetic frame rate")
	_ = captureCmd.MarkFlagRequired("room")
}

func runCapture(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if captureServer != "" {
		cfg.Server.URL = captureServer
	}

	sigURL, err := signalingURL(cfg.Server.URL)
	if err != nil {
		return err
	}

	c := capture.New(capture.Config{
		ServerURL: sigURL,
		Room:      captureRoom,
		ICE:       rtc.ICEConfig{STUNServers: cfg.STUN.Servers},
		FPS:       captureFPS,
		OnResult: func(res *protocol.DetectionResultMessage) {
			globalLogger.Debug("detection result",
				"frame", res.FrameID,
				"detections", len(res.Detections),
			)
		},
		Logger: globalLogger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	globalLogger.Info("starting capture peer", "server", sigURL, "room", captureRoom, "fps", captureFPS)

	if err := c.Run(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("capture session failed: %w", err)
	}
	return nil
}
