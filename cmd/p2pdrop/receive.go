package main

import (
	"errors"
	"sync"

	"github.com/pterm/pterm"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/1ureka/p2pdrop/internal/assembler"
	"github.com/1ureka/p2pdrop/internal/endpoint"
	"github.com/1ureka/p2pdrop/internal/protocol"
	"github.com/1ureka/p2pdrop/internal/util"
)

var (
	receiveOut  string
	receiveOnce bool
)

var receiveCmd = &cobra.Command{
	Use:   "receive",
	Short: "Wait for files from senders",
	Long: `Join the relay as a receiver and store every incoming file in the
output directory until interrupted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if receiveOut != "" {
			cfg.OutputDir = receiveOut
		}

		bars := &progressBars{bars: make(map[string]*progressbar.ProgressBar)}
		e, err := dialRelay(ctx, endpoint.Options{
			Sink:       endpoint.NewFileSink(cfg.OutputDir),
			OnProgress: bars.update,
		})
		if err != nil {
			return err
		}
		defer e.Close()

		if err := e.SetRole(ctx, protocol.RoleReceiver); err != nil {
			return err
		}
		util.LogInfo("waiting for files as %s, saving to %s", pterm.Bold.Sprint(e.Self().Name), cfg.OutputDir)

		for {
			select {
			case res := <-e.Results():
				bars.finish(res.SessionID)
				report(res)
				if receiveOnce {
					return res.Err
				}

			case <-e.Done():
				if err := e.Err(); err != nil {
					return err
				}
				return endpoint.ErrDisconnected

			case <-ctx.Done():
				return nil
			}
		}
	},
}

func init() {
	receiveCmd.Flags().StringVar(&receiveOut, "out", "", "Output directory (default from P2PDROP_OUTPUT_DIR)")
	receiveCmd.Flags().BoolVar(&receiveOnce, "once", false, "Exit after the first transfer")
}

func report(res endpoint.Result) {
	var mismatch *assembler.SizeMismatchError
	switch {
	case res.Err == nil:
		util.LogSuccess("saved %q from %s", res.Meta.FileName, res.From.Name)
	case errors.As(res.Err, &mismatch):
		util.LogWarning("saved %q from %s, but %v", res.Meta.FileName, res.From.Name, mismatch)
	default:
		util.LogError("transfer of %q from %s failed: %v", res.Meta.FileName, res.From.Name, res.Err)
	}
}

// progressBars keeps one bar per incoming transfer.
type progressBars struct {
	mu   sync.Mutex
	bars map[string]*progressbar.ProgressBar
}

func (b *progressBars) update(p endpoint.Progress) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bar, ok := b.bars[p.SessionID]
	if !ok {
		bar = progressbar.DefaultBytes(p.Meta.FileSize, "receiving "+p.Meta.FileName)
		b.bars[p.SessionID] = bar
	}
	_ = bar.Set64(p.Transferred)
}

func (b *progressBars) finish(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if bar, ok := b.bars[id]; ok {
		_ = bar.Finish()
		delete(b.bars, id)
		pterm.Println()
	}
}
