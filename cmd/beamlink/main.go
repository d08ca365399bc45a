package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/beamlink/beamlink/internal/cli/receiver"
	"github.com/beamlink/beamlink/internal/cli/sender"
	"github.com/beamlink/beamlink/internal/config"
)

var cfg = config.ClientDefaults()

var rootCmd = &cobra.Command{
	Use:           "beamlink",
	Short:         "peer to peer file transfer over WebRTC",
	Long:          `beamlink transfers files directly between two machines over WebRTC data channels, using a lightweight relay only for session setup.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var shareCmd = &cobra.Command{
	Use:   "share <files...>",
	Short: "host files behind a share code",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sender.Run(cmd.Context(), cfg, args)
	},
}

var receiveCmd = &cobra.Command{
	Use:   "receive <code>",
	Short: "join a session and download its files",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return receiver.Run(cmd.Context(), cfg, args[0])
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfg.RelayURL, "server-url", cfg.RelayURL, "relay websocket URL")
	rootCmd.PersistentFlags().StringVar(&cfg.DisplayName, "name", cfg.DisplayName, "display name shown to the other side")
	rootCmd.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	receiveCmd.Flags().StringVar(&cfg.DownloadDir, "out", cfg.DownloadDir, "directory to write received files to")
	rootCmd.AddCommand(shareCmd)
	rootCmd.AddCommand(receiveCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
