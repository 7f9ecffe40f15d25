// Command sightline-server runs the signaling and inference server. It
// relays WebRTC signaling (SDP offers/answers, ICE candidates) between
// paired viewer and capture peers, and hosts the detection engine that
// serves offloaded frames.
//
// Usage:
//
//	sightline-server -addr :8080 -model /models/det.onnx -preload
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/drosenbauer/sightline/internal/broker"
	"github.com/drosenbauer/sightline/internal/config"
	"github.com/drosenbauer/sightline/internal/engine"
	"github.com/drosenbauer/sightline/pkg/protocol"
)

// hubSink forwards engine results to the hub. The hub needs the engine at
// construction and the engine needs somewhere to send results, so the sink
// holds a pointer filled in once both exist.
type hubSink struct{ h **broker.Hub }

func (s hubSink) SendResult(room string, res *protocol.DetectionResultMessage) {
	(*s.h).SendResult(room, res)
}

func (s hubSink) SendError(origin, message string) {
	(*s.h).SendError(origin, message)
}

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	cfgPath := flag.String("config", "", "path to config file (optional)")
	modelPath := flag.String("model", "", "model asset path (overrides config)")
	preload := flag.Bool("preload", false, "load the model at startup instead of on first frame")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))

	cfg := config.DefaultConfig()
	if *cfgPath != "" {
		loaded, err := config.LoadConfig(*cfgPath)
		if err != nil {
			logger.Error("loading config", "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *modelPath != "" {
		cfg.Inference.ModelPath = *modelPath
	}

	var hub *broker.Hub
	eng := engine.New(engine.Config{
		ModelPath:      cfg.Inference.ModelPath,
		InputSize:      cfg.Inference.InputSize,
		ScoreThreshold: cfg.Inference.ScoreThreshold,
		IOUThreshold:   cfg.Inference.IOUThreshold,
		MinInterval:    cfg.MinInterval(),
		Preload:        *preload || cfg.Inference.Preload,
		Logger:         logger,
	}, hubSink{h: &hub})
	hub = broker.NewHub(eng, logger)

	srv := &http.Server{
		Addr:    *addr,
		Handler: broker.NewMux(hub),
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("engine stopped", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		hub.Close()
		if err := srv.Close(); err != nil {
			logger.Error("server close", "error", err)
		}
	}()

	logger.Info("sightline server listening",
		"addr", *addr,
		"model", cfg.Inference.ModelPath,
		"preload", *preload || cfg.Inference.Preload,
	)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
