// Package receiver implements the download flow: join a session by share
// code, wait for the host's offer and fetch every advertised file.
package receiver

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
	"github.com/beamlink/beamlink/internal/file"
	"github.com/beamlink/beamlink/internal/logging"
	"github.com/beamlink/beamlink/internal/progress"
	"github.com/beamlink/beamlink/internal/termio"
	"github.com/beamlink/beamlink/internal/transfer"
)

const (
	connectTimeout = 15 * time.Second
	offerTimeout   = 60 * time.Second
)

type offer struct {
	peerID string
	files  []file.Metadata
}

// Run joins the session behind code and downloads the advertised files.
func Run(ctx context.Context, cfg config.ClientConfig, code string) error {
	logger := logging.New("beamlink", cfg.LogLevel)
	eng := engine.New(engine.Config{
		RelayURL:    cfg.RelayURL,
		DisplayName: cfg.DisplayName,
		DownloadDir: cfg.DownloadDir,
		Logger:      logger,
	})

	offers := make(chan offer, 1)
	eng.OnAdvertised(func(peerID string, files []file.Metadata) {
		if len(files) == 0 {
			return
		}
		select {
		case offers <- offer{peerID: peerID, files: files}:
		default:
		}
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go eng.Run(runCtx)

	if err := waitConnected(runCtx, eng); err != nil {
		return err
	}

	sess, err := eng.JoinSession(runCtx, code)
	if err != nil {
		return fmt.Errorf("join session: %w", err)
	}
	if host, ok := sess.Find(sess.Host); ok {
		fmt.Fprintf(termio.Stdout(), "Joined session hosted by %s\n", host.DisplayName)
	}

	var got offer
	select {
	case got = <-offers:
	case <-runCtx.Done():
		return nil
	case <-time.After(offerTimeout):
		return errors.New("host never offered any files")
	}

	var total int64
	fmt.Fprintln(termio.Stdout(), "Receiving:")
	for _, meta := range got.files {
		fmt.Fprintf(termio.Stdout(), "  %s (%s)\n", meta.Name, formatBytes(meta.Size))
		total += meta.Size
	}

	done := make(chan struct{})
	meter := progress.NewMeter()
	meter.Start(total)
	bar := progressbar.NewOptions64(total,
		progressbar.OptionSetDescription("receiving"),
		progressbar.OptionSetWriter(termio.Stderr()),
		progressbar.OptionShowBytes(true),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionSetVisibility(termio.IsTTY(os.Stderr)),
	)

	var finishOnce sync.Once
	eng.Incoming().Observe(func(agg transfer.Aggregate) {
		var received int64
		for _, t := range eng.Incoming().List() {
			received += t.TransferredBytes
		}
		meter.Update(received)
		bar.Set64(received)
		if agg.Status == transfer.AggregateComplete {
			finishOnce.Do(func() { close(done) })
		}
	})

	if err := eng.RequestAll(got.peerID); err != nil {
		return err
	}

	select {
	case <-done:
	case <-runCtx.Done():
		return nil
	}

	bar.Finish()
	fmt.Fprintln(termio.Stderr())
	stats := meter.Snapshot()
	elapsed := time.Since(stats.StartedAt).Round(time.Millisecond)
	fmt.Fprintf(termio.Stdout(), "Received %s in %s (%s/s)\n",
		formatBytes(stats.BytesDone), elapsed, formatBytes(int64(stats.RateBps)))

	eng.LeaveSession()
	return nil
}

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
