package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ragtag/mcplink/internal/config"
)

// version can be set during build with -ldflags
var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "mcplink",
	Short: "OAuth-protected bridge to local MCP servers",
	Long: `mcplink runs an embedded OAuth 2.0 authorization server and proxies
tool calls to local MCP servers speaking JSON-RPC over stdio.

Clients, tokens, API keys and backend definitions live in one shared JSON
document that other applications may edit concurrently.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.Version = version
	rootCmd.SetVersionTemplate(`{{printf "mcplink version %s\n" .Version}}`)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "mcplink.yaml", "path of the YAML configuration file")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newToolsCmd())
	rootCmd.AddCommand(newUsersCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads the configuration and builds the process logger.
func setup() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return cfg, logger, nil
}
