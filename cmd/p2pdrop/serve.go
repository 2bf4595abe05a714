package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/1ureka/p2pdrop/internal/iceconfig"
	"github.com/1ureka/p2pdrop/internal/relay"
	"github.com/1ureka/p2pdrop/internal/util"
)

var listenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay",
	Long: `Run the relay that peers join. It keeps the directory of connected
peers, forwards signaling and carries relayed transfers.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if listenAddr != "" {
			cfg.ListenAddr = listenAddr
		}

		hub := relay.NewHub(relay.Options{
			MaxMessageSize:     cfg.MaxMessageSize,
			SessionIdleTimeout: cfg.SessionIdleTimeout,
			ICE: &iceconfig.Provider{
				URL:     cfg.ICEServersURL,
				Token:   cfg.ICEServersToken,
				Timeout: cfg.ICELookupTimeout,
			},
		})
		go hub.Run(ctx)

		srv := relay.NewServer(hub)
		addr, err := srv.Start(cfg.ListenAddr)
		if err != nil {
			return err
		}
		if cfg.ICEServersURL == "" {
			util.LogWarning("no ICE server service configured, handing out public STUN only")
		}
		util.LogSuccess("relay listening on %s (ws path /ws)", addr)

		util.StartStatsReporter(ctx, cfg.StatsInterval)

		<-ctx.Done()

		util.LogInfo("shutting down relay")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address (default from P2PDROP_LISTEN_ADDR)")
}
