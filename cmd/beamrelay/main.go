package main

import (
	"net/http"
	"os"

	"github.com/beamlink/beamlink/internal/config"
	"github.com/beamlink/beamlink/internal/logging"
	"github.com/beamlink/beamlink/internal/relay"
)

func main() {
	cfg := config.ParseRelayConfig()
	logger := logging.New("beamrelay", cfg.LogLevel)

	server := relay.NewServer(logger)
	logger.Info("starting relay", "addr", cfg.Addr)
	if err := http.ListenAndServe(cfg.Addr, server.Handler()); err != nil {
		logger.Error("relay failed", "error", err)
		os.Exit(1)
	}
}
