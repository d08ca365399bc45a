// Package sender implements the hosting flow: open a session, print its
// share code, announce the selected files and serve download requests until
// interrupted.
package sender

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/beamlink/beamlink/internal/config"
	"github.com/beamlink/beamlink/internal/engine"
	"github.com/beamlink/beamlink/internal/logging"
	"github.com/beamlink/beamlink/internal/termio"
	"github.com/beamlink/beamlink/internal/transfer"
)

const connectTimeout = 15 * time.Second

// Run hosts the given paths until ctx is cancelled.
func Run(ctx context.Context, cfg config.ClientConfig, paths []string) error {
	logger := logging.New("beamlink", cfg.LogLevel)
	eng := engine.New(engine.Config{
		RelayURL:    cfg.RelayURL,
		DisplayName: cfg.DisplayName,
		DownloadDir: cfg.DownloadDir,
		Logger:      logger,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go eng.Run(runCtx)

	if err := waitConnected(runCtx, eng); err != nil {
		return err
	}

	code, err := eng.CreateSession(runCtx)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	metas, err := eng.ShareFiles(paths)
	if err != nil {
		return err
	}

	identity, _ := eng.Identity()
	fmt.Fprintf(termio.Stdout(), "Sharing as %s\n", identity.DisplayName)
	for _, meta := range metas {
		fmt.Fprintf(termio.Stdout(), "  %s (%s)\n", meta.Name, formatBytes(meta.Size))
	}
	fmt.Fprintf(termio.Stdout(), "\nShare code: %s\n", code)
	fmt.Fprintln(termio.Stdout(), "Waiting for a receiver. Press Ctrl-C to stop.")

	attachProgress(eng.Outgoing(), "sending")

	<-runCtx.Done()
	eng.LeaveSession()
	return nil
}

// waitConnected blocks until the relay has assigned an identity.
func waitConnected(ctx context.Context, eng *engine.Engine) error {
	deadline := time.Now().Add(connectTimeout)
	for time.Now().Before(deadline) {
		if _, ok := eng.Identity(); ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return errors.New("timed out connecting to relay")
}

// attachProgress renders a percent bar driven by the store's aggregate. The
// bar appears when a transfer starts and finishes with the batch.
func attachProgress(store *transfer.Store, description string) {
	var mu sync.Mutex
	var bar *progressbar.ProgressBar
	store.Observe(func(agg transfer.Aggregate) {
		mu.Lock()
		defer mu.Unlock()
		switch agg.Status {
		case transfer.AggregateTransferring:
			if bar == nil {
				bar = progressbar.NewOptions(100,
					progressbar.OptionSetDescription(description),
					progressbar.OptionSetWriter(termio.Stderr()),
					progressbar.OptionThrottle(65*time.Millisecond),
					progressbar.OptionShowCount(),
					progressbar.OptionSetVisibility(termio.IsTTY(os.Stderr)),
				)
			}
			bar.Set(agg.Progress)
		case transfer.AggregateComplete:
			if bar != nil {
				bar.Set(100)
				bar.Finish()
				fmt.Fprintln(termio.Stderr())
				bar = nil
			}
		}
	})
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
