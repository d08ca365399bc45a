// Package config resolves settings for the relay and client binaries from
// environment variables and flags. Flags take precedence over environment.
package config

import (
	"flag"
	"os"
)

// RelayConfig holds configuration for the relay binary.
type RelayConfig struct {
	Addr     string
	LogLevel string
}

// ClientConfig holds configuration shared by the share and receive commands.
type ClientConfig struct {
	RelayURL    string
	LogLevel    string
	DisplayName string
	DownloadDir string
}

// ParseRelayConfig parses relay configuration from flags and environment.
// Defaults: addr=":8080", logLevel="info".
func ParseRelayConfig() RelayConfig {
	return parseRelayConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

func parseRelayConfigWithFlagSet(fs *flag.FlagSet, args []string) RelayConfig {
	cfg := RelayConfig{
		Addr:     ":8080",
		LogLevel: "info",
	}

	if addr := os.Getenv("BEAMLINK_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if logLevel := os.Getenv("BEAMLINK_LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}

	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.Parse(args)

	return cfg
}

// ClientDefaults returns client configuration seeded from the environment.
// The CLI layer binds its flags on top of these values, so flags override.
func ClientDefaults() ClientConfig {
	cfg := ClientConfig{
		RelayURL:    "ws://localhost:8080/ws",
		LogLevel:    "info",
		DownloadDir: ".",
	}

	if url := os.Getenv("BEAMLINK_RELAY_URL"); url != "" {
		cfg.RelayURL = url
	}
	if logLevel := os.Getenv("BEAMLINK_LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if name := os.Getenv("BEAMLINK_DISPLAY_NAME"); name != "" {
		cfg.DisplayName = name
	}
	if dir := os.Getenv("BEAMLINK_DOWNLOAD_DIR"); dir != "" {
		cfg.DownloadDir = dir
	}

	return cfg
}
