// Package config loads and persists the sightline TOML configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultSTUNServers are the public STUN servers used when none are configured.
var DefaultSTUNServers = []string{
	"stun:stun.cloudflare.com:3478",
	"stun:stun.l.google.com:19302",
}

// Detection mode names accepted in config and on the command line.
const (
	ModeLocal   = "local"
	ModeOffload = "offload"
)

// Config is the top-level configuration for sightline.
// It is persisted as a TOML file at DefaultConfigPath().
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Session   SessionConfig   `toml:"session"`
	Inference InferenceConfig `toml:"inference"`
	STUN      STUNConfig      `toml:"stun"`
	WebRTC    WebRTCConfig    `toml:"webrtc"`
}

// ServerConfig identifies the signaling/inference server.
type ServerConfig struct {
	// URL is the base HTTP(S) URL of the sightline server
	// (e.g. "http://localhost:8080"). The WebSocket endpoint and the
	// health/model side channel are derived from it.
	URL string `toml:"url"`
}

// SessionConfig controls the viewer session.
type SessionConfig struct {
	// Room is the rendezvous identifier shared with the capture peer.
	// If empty, a random room ID is generated per session.
	Room string `toml:"room,omitempty"`

	// Mode selects where inference runs: "local" (in-process detector)
	// or "offload" (frames forwarded to the server engine).
	Mode string `toml:"mode"`

	// OffloadTimeoutMS bounds the wait for a server detection result
	// before an empty result is synthesized. Defaults to 200.
	OffloadTimeoutMS int `toml:"offload_timeout_ms,omitempty"`
}

// InferenceConfig controls the detector on whichever side runs it.
type InferenceConfig struct {
	// ModelPath is the path to the serialized detection model asset.
	ModelPath string `toml:"model_path,omitempty"`

	// InputSize is the square detector input edge in pixels. Defaults to 640.
	InputSize int `toml:"input_size,omitempty"`

	// ScoreThreshold discards detections with score <= threshold.
	// Defaults to 0.45.
	ScoreThreshold float64 `toml:"score_threshold,omitempty"`

	// IOUThreshold is the non-maximum-suppression overlap threshold.
	// Defaults to 0.5.
	IOUThreshold float64 `toml:"iou_threshold,omitempty"`

	// MinIntervalMS is the per-room minimum inter-frame interval enforced
	// at engine ingress. Defaults to 100.
	MinIntervalMS int `toml:"min_interval_ms,omitempty"`

	// Preload loads the model at server start instead of on first use.
	Preload bool `toml:"preload,omitempty"`
}

// STUNConfig lists the STUN servers used for ICE NAT traversal.
type STUNConfig struct {
	// Servers is a list of STUN server URIs (e.g. "stun:stun.cloudflare.com:3478").
	Servers []string `toml:"servers"`
}

// WebRTCConfig controls data channel behavior.
type WebRTCConfig struct {
	// Ordered controls whether the frame data channel delivers messages in
	// order. Frames are self-contained JSON messages and the viewer keeps
	// only the newest one, so unordered delivery is safe; ordered is the
	// default because it matches what browser capture peers negotiate.
	Ordered bool `toml:"ordered"`

	// MaxRetransmits limits retransmission attempts on the frame channel.
	// Negative means fully reliable (the default).
	MaxRetransmits int `toml:"max_retransmits"`
}

// DefaultConfig returns a Config populated with sensible defaults.
// The server URL and room are left empty and must be filled in by the user
// or by `sightline init`.
func DefaultConfig() *Config {
	return &Config{
		Session: SessionConfig{
			Mode:             ModeOffload,
			OffloadTimeoutMS: 200,
		},
		Inference: InferenceConfig{
			InputSize:      640,
			ScoreThreshold: 0.45,
			IOUThreshold:   0.5,
			MinIntervalMS:  100,
		},
		STUN: STUNConfig{
			Servers: append([]string(nil), DefaultSTUNServers...),
		},
		WebRTC: WebRTCConfig{
			Ordered:        true,
			MaxRetransmits: -1,
		},
	}
}

// OffloadTimeout returns the offload timeout as a duration.
func (c *Config) OffloadTimeout() time.Duration {
	return time.Duration(c.Session.OffloadTimeoutMS) * time.Millisecond
}

// MinInterval returns the engine throttle interval as a duration.
func (c *Config) MinInterval() time.Duration {
	return time.Duration(c.Inference.MinIntervalMS) * time.Millisecond
}

// Validate checks fields whose misconfiguration would only surface deep in a
// session: the mode name and the detector geometry.
func (c *Config) Validate() error {
	if c.Session.Mode != ModeLocal && c.Session.Mode != ModeOffload {
		return fmt.Errorf("invalid session mode %q (want %q or %q)", c.Session.Mode, ModeLocal, ModeOffload)
	}
	if c.Inference.InputSize <= 0 {
		return fmt.Errorf("invalid detector input size %d", c.Inference.InputSize)
	}
	if c.Inference.ScoreThreshold < 0 || c.Inference.ScoreThreshold >= 1 {
		return fmt.Errorf("score threshold %v out of range [0,1)", c.Inference.ScoreThreshold)
	}
	return nil
}

// DefaultConfigPath returns the default path for the sightline config file.
// It respects $XDG_CONFIG_HOME if set, otherwise falls back to ~/.config.
func DefaultConfigPath() (string, error) {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("determining home directory: %w", err)
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "sightline", "config.toml"), nil
}

// LoadConfig reads and decodes a TOML config file from the given path.
// If the file does not exist, it returns an error wrapping fs.ErrNotExist.
// After loading, defaults are applied for any unset optional fields.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config file not found: %w", err)
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

// SaveConfig encodes the config as TOML and writes it to the given path.
// Parent directories are created if they don't exist.
func SaveConfig(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("creating config file %s: %w", path, err)
	}
	defer f.Close()

	enc := toml.NewEncoder(f)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	return nil
}

// applyDefaults fills in default values for optional fields that are
// zero-valued after TOML decoding.
func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Session.Mode == "" {
		cfg.Session.Mode = def.Session.Mode
	}
	if cfg.Session.OffloadTimeoutMS <= 0 {
		cfg.Session.OffloadTimeoutMS = def.Session.OffloadTimeoutMS
	}
	if cfg.Inference.InputSize <= 0 {
		cfg.Inference.InputSize = def.Inference.InputSize
	}
	if cfg.Inference.ScoreThreshold == 0 {
		cfg.Inference.ScoreThreshold = def.Inference.ScoreThreshold
	}
	if cfg.Inference.IOUThreshold == 0 {
		cfg.Inference.IOUThreshold = def.Inference.IOUThreshold
	}
	if cfg.Inference.MinIntervalMS <= 0 {
		cfg.Inference.MinIntervalMS = def.Inference.MinIntervalMS
	}
	if len(cfg.STUN.Servers) == 0 {
		cfg.STUN.Servers = append([]string(nil), DefaultSTUNServers...)
	}
}
