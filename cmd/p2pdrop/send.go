package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/pterm/pterm"
	"github.com/samber/lo"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/1ureka/p2pdrop/internal/endpoint"
	"github.com/1ureka/p2pdrop/internal/protocol"
	"github.com/1ureka/p2pdrop/internal/session"
	"github.com/1ureka/p2pdrop/internal/util"
)

var (
	sendTo    string
	sendRelay bool
)

var sendCmd = &cobra.Command{
	Use:   "send <file>",
	Short: "Send a file to a receiver",
	Long: `Send a file to a receiver connected to the same relay. Without --to, pick
one from the receivers currently online.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		path := args[0]

		meta, err := endpoint.DescribeFile(path)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		bar := progressbar.DefaultBytes(meta.FileSize, "sending "+meta.FileName)
		e, err := dialRelay(ctx, endpoint.Options{
			OnProgress: func(p endpoint.Progress) { _ = bar.Set64(p.Transferred) },
		})
		if err != nil {
			return err
		}
		defer e.Close()

		if err := e.SetRole(ctx, protocol.RoleSender); err != nil {
			return err
		}

		target, err := pickReceiver(cmd, e)
		if err != nil {
			return err
		}

		mode := "direct"
		send := e.SendDirect
		if sendRelay {
			mode = "relayed"
			send = e.SendRelayed
		}
		util.LogInfo("sending %q (%s) to %s, %s", meta.FileName, util.FormatBytes(meta.FileSize), target.Name, mode)

		_, err = send(ctx, target.ID, f, meta)
		_ = bar.Finish()
		pterm.Println()

		var rejected *endpoint.RejectedError
		switch {
		case err == nil:
			util.LogSuccess("%s received %q", target.Name, meta.FileName)
			return nil
		case errors.As(err, &rejected):
			return fmt.Errorf("%s cannot take the file: %w", target.Name, err)
		case errors.Is(err, session.ErrTimeout) && !sendRelay:
			return fmt.Errorf("%w (try --relay if a firewall blocks direct connections)", err)
		default:
			return err
		}
	},
}

func init() {
	sendCmd.Flags().StringVar(&sendTo, "to", "", "Receiver id or name")
	sendCmd.Flags().BoolVar(&sendRelay, "relay", false, "Send through the relay instead of a direct connection")
}

// pickReceiver resolves --to, or waits for receivers and asks which one.
func pickReceiver(cmd *cobra.Command, e *endpoint.Endpoint) (protocol.PeerInfo, error) {
	ctx := cmd.Context()

	spinner, _ := pterm.DefaultSpinner.Start("waiting for receivers...")
	peers, err := e.WaitForPeers(ctx, func(peers []protocol.PeerInfo) bool {
		if sendTo == "" {
			return len(peers) > 0
		}
		_, ok := findPeer(peers, sendTo)
		return ok
	})
	if spinner != nil {
		_ = spinner.Stop()
	}
	if err != nil {
		return protocol.PeerInfo{}, err
	}

	if sendTo != "" {
		p, _ := findPeer(peers, sendTo)
		return p, nil
	}
	if len(peers) == 1 {
		return peers[0], nil
	}

	options := lo.Map(peers, func(p protocol.PeerInfo, _ int) string {
		return fmt.Sprintf("%s (%s)", p.Name, p.ID[:8])
	})
	choice, err := pterm.DefaultInteractiveSelect.
		WithOptions(options).
		WithDefaultText("Select a receiver").
		Show()
	if err != nil {
		return protocol.PeerInfo{}, err
	}
	pterm.Println()

	return peers[lo.IndexOf(options, choice)], nil
}

func findPeer(peers []protocol.PeerInfo, key string) (protocol.PeerInfo, bool) {
	return lo.Find(peers, func(p protocol.PeerInfo) bool {
		return p.ID == key || p.Name == key
	})
}
