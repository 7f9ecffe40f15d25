package main

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/drosenbauer/sightline/internal/config"
)

// resolvedConfigPath returns the config path from the --config flag, or the
// default user-level path.
func resolvedConfigPath() (string, error) {
	if globalConfigPath != "" {
		return globalConfigPath, nil
	}
	return config.DefaultConfigPath()
}

// loadConfig loads the config file from the resolved path.
func loadConfig() (*config.Config, error) {
	path, err := resolvedConfigPath()
	if err != nil {
		return nil, err
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("%w (run 'sightline init' first)", err)
	}
	return cfg, nil
}

// signalingURL derives the WebSocket signaling endpoint from the configured
// server base URL. http(s) schemes are converted to ws(s); a missing scheme
// gets wss:// prepended (coder/websocket accepts both forms).
func signalingURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("server URL not configured")
	}
	if !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parsing server URL: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
		// Already correct.
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q (expected ws, wss, http, or https)", u.Scheme)
	}

	u.Path = "/ws"
	return u.String(), nil
}

// joinURL builds the capture-peer join link for a room: the server base URL
// with the room as a query parameter.
func joinURL(raw, room string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("server URL not configured")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parsing server URL: %w", err)
	}

	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}

	q := u.Query()
	q.Set("room", room)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// channelMaxRetransmits narrows the config value to the data channel range.
// Negative means fully reliable, which the channel config expresses as
// ordered delivery with no retransmit cap.
func channelMaxRetransmits(n int) uint16 {
	if n < 0 {
		return 0
	}
	if n > 65535 {
		return 65535
	}
	return uint16(n)
}
