package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/drosenbauer/sightline/internal/bench"
)

var (
	benchDuration time.Duration
	benchMode     string
	benchOutput   string
	benchRoom     string
	benchServer   string
	benchFPS      int
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Run a detection benchmark against the server",
	Long: `Run a self-contained benchmark: a synthetic capture peer and a
measuring viewer pair up through the server, stream frames for the
configured duration, and the collected latency and bandwidth
statistics are written as a JSON report.

The run requires a reachable sightline server. Interrupting the run
after samples were collected writes a partial report next to the
configured output.`,
	RunE: runBench,
}

func init() {
	benchCmd.Flags().DurationVar(&benchDuration, "duration", 30*time.Second, "how long to collect samples (minimum 5s)")
	benchCmd.Flags().StringVar(&benchMode, "mode", "", "detection mode: local or offload (default: from config)")
	benchCmd.Flags().StringVar(&benchOutput, "output", "benchmark_results.json", "report output path")
	benchCmd.Flags().StringVar(&benchRoom, "room", "", "room ID (default: random per run)")
	benchCmd.Flags().StringVar(&benchServer, "server", "", "server URL (default: from config)")
	benchCmd.Flags().IntVar(&benchFPS, "fps", 15, "synthetic capture frame rate")
}

func runBench(cmd *cobra.Command, args []string) error {
	if benchDuration < 5*time.Second {
		return fmt.Errorf("duration %s too short: benchmark needs at least 5s of samples", benchDuration)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if benchServer != "" {
		cfg.Server.URL = benchServer
	}
	if benchMode != "" {
		cfg.Session.Mode = benchMode
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	room := benchRoom
	if room == "" {
		// A fresh room per run avoids colliding with a live session.
		room = "bench-" + uuid.NewString()[:8]
	}

	sigURL, err := signalingURL(cfg.Server.URL)
	if err != nil {
		return err
	}

	// The runner handles partial reports on cancellation; the signal is
	// remembered so the exit code reflects how the run ended.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	got := make(chan os.Signal, 1)
	go func() {
		s, ok := <-sigCh
		if !ok {
			return
		}
		got <- s
		cancel()
	}()

	r := bench.NewRunner(bench.Config{
		ServerURL:      sigURL,
		Room:           room,
		Mode:           cfg.Session.Mode,
		Duration:       benchDuration,
		Output:         benchOutput,
		FPS:            benchFPS,
		Inference:      cfg.Inference,
		OffloadTimeout: cfg.OffloadTimeout(),
		Logger:         globalLogger,
	})

	globalLogger.Info("starting benchmark",
		"server", sigURL,
		"room", room,
		"mode", cfg.Session.Mode,
		"duration", benchDuration,
	)

	path, err := r.Run(ctx)
	if err != nil {
		if errors.Is(err, bench.ErrServerUnreachable) {
			fmt.Fprintln(os.Stderr, styleErr.Render("server unreachable: ")+err.Error())
			os.Exit(1)
		}
		if ctx.Err() != nil {
			// Cancelled before any sample landed; nothing was written.
			os.Exit(interruptExitCode(got))
		}
		return fmt.Errorf("benchmark failed: %w", err)
	}

	fmt.Fprintf(os.Stderr, "%s %s\n", styleOK.Render("Report written:"), path)

	// A partial run still wrote a report, but the exit code reflects the
	// interrupt so wrapping scripts can tell the runs apart.
	select {
	case <-ctx.Done():
		os.Exit(interruptExitCode(got))
	default:
	}
	return nil
}

// interruptExitCode maps the terminating signal to the conventional
// 128+signum shell exit code.
func interruptExitCode(got <-chan os.Signal) int {
	select {
	case s := <-got:
		if s == syscall.SIGTERM {
			return 143
		}
		return 130
	default:
		return 130
	}
}
