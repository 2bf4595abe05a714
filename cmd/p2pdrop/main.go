// p2pdrop: CLI entry point.
//
// One binary plays every part: `serve` runs the relay, `receive` waits for
// files, `send` offers one to a receiver. Transfers go over a direct WebRTC
// DataChannel when possible, or through the relay with --relay.
package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/p2pdrop/internal/config"
	"github.com/1ureka/p2pdrop/internal/endpoint"
	"github.com/1ureka/p2pdrop/internal/util"
)

var version = "dev"

var (
	cfg       config.Config
	debugMode bool
	serverURL string
)

var rootCmd = &cobra.Command{
	Use:           "p2pdrop",
	Short:         "Drop files to peers over WebRTC or a relay",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(); err != nil {
			return err
		}

		if !util.SetLevel(cfg.LogLevel) {
			util.LogWarning("unknown log level %q, using info", cfg.LogLevel)
		}
		if debugMode {
			util.EnableDebug()
		}

		if serverURL != "" {
			cfg.ServerURL = serverURL
		}

		pterm.Info.Println(fmt.Sprintf("p2pdrop — v%s", version))
		pterm.Println()
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Relay URL for send and receive (default from P2PDROP_SERVER_URL)")

	rootCmd.AddCommand(serveCmd, sendCmd, receiveCmd)
}

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		util.LogError("%v", err)
		stop()
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// dialRelay connects to the configured relay as a peer.
func dialRelay(ctx context.Context, opts endpoint.Options) (*endpoint.Endpoint, error) {
	wsURL, err := normalizeWSURL(cfg.ServerURL)
	if err != nil {
		return nil, err
	}

	opts.ReadLimit = cfg.MaxMessageSize
	opts.AckTimeout = cfg.AckTimeout
	opts.NegotiationTimeout = cfg.NegotiationTimeout

	e, err := endpoint.Dial(ctx, wsURL, opts)
	if err != nil {
		return nil, err
	}

	self := e.Self()
	util.LogSuccess("connected to %s as %s", wsURL, pterm.Bold.Sprint(self.Name))
	util.LogDebug("peer id %s", self.ID)
	return e, nil
}

// normalizeWSURL validates and normalizes a raw WebSocket URL string. A bare
// host defaults to wss; the path is always /ws.
func normalizeWSURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid WebSocket URL: %s", raw)
	}

	scheme := "wss"
	switch u.Scheme {
	case "ws", "http":
		scheme = "ws"
	}
	return fmt.Sprintf("%s://%s/ws", scheme, u.Host), nil
}
