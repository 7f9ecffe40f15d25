package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/drosenbauer/sightline/internal/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the sightline configuration interactively",
	Long: `Interactive wizard that writes the sightline config file: the server
URL, the default detection mode, and an optional fixed room ID.

An existing config is left alone unless --force is given.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config")
}

func runInit(cmd *cobra.Command, args []string) error {
	cfgPath, err := resolvedConfigPath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); err == nil && !initForce {
		return fmt.Errorf("config already exists at %s (use --force to overwrite)", cfgPath)
	}

	cfg := config.DefaultConfig()
	serverURL := ""
	mode := cfg.Session.Mode
	room := ""

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Server URL").
				Description("The sightline server, e.g. https://sightline.example.com").
				Placeholder("http://localhost:8080").
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("server URL is required")
					}
					_, err := signalingURL(s)
					return err
				}).
				Value(&serverURL),
			huh.NewSelect[string]().
				Title("Detection mode").
				Description("Where inference runs for new sessions").
				Options(
					huh.NewOption("offload — run detection on the server", config.ModeOffload),
					huh.NewOption("local — run detection in this process", config.ModeLocal),
				).
				Value(&mode),
			huh.NewInput().
				Title("Room ID").
				Description("Fixed room for every session; leave empty for a random room per session").
				Value(&room),
		),
	).WithTheme(customHuhTheme())

	if err := form.Run(); err != nil {
		return fmt.Errorf("setup cancelled: %w", err)
	}

	cfg.Server.URL = strings.TrimSpace(serverURL)
	cfg.Session.Mode = mode
	cfg.Session.Room = strings.TrimSpace(room)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := config.SaveConfig(cfgPath, cfg); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "%s %s\n", styleOK.Render("Config written:"), cfgPath)
	fmt.Fprintln(os.Stderr, "Run 'sightline up' to start a session, or 'sightline qr' for the capture join link.")
	return nil
}
