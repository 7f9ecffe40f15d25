package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
)

var qrRoom string

var qrCmd = &cobra.Command{
	Use:   "qr",
	Short: "Display a QR code for the capture join link",
	Long: `Displays a QR code containing the join link for a room. Scanning it on
a phone opens the capture page already pointed at the right room, so
nothing has to be typed on the device.

Requires an existing configuration (run 'sightline init' first).`,
	RunE: runQR,
}

func init() {
	qrCmd.Flags().StringVar(&qrRoom, "room", "", "room ID (default: from config, or random)")
}

func runQR(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	room := qrRoom
	if room == "" {
		room = cfg.Session.Room
	}
	if room == "" {
		room = uuid.NewString()[:8]
	}

	link, err := joinURL(cfg.Server.URL, room)
	if err != nil {
		return err
	}

	// Generate QR code as ASCII art for the terminal.
	qr, err := qrcode.New(link, qrcode.Medium)
	if err != nil {
		return fmt.Errorf("generating QR code: %w", err)
	}

	fmt.Fprintln(os.Stderr, qr.ToSmallString(false))
	fmt.Fprintf(os.Stderr, "%s %s\n", styleKey.Render("Room:"), room)
	fmt.Fprintf(os.Stderr, "%s %s\n", styleKey.Render("Join:"), link)
	fmt.Fprintln(os.Stderr, "Scan this QR code with the capture device, then run 'sightline up --room "+room+"'.")

	return nil
}
