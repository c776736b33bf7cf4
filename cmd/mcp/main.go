// Command mcp serves settlement operator lookups as MCP tools over stdio.
//
// Stdout carries the MCP protocol, so diagnostics go to stderr.
package main

import (
	"os"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/settlement/internal/logging"
	"github.com/mbd888/settlement/internal/mcpserver"
)

// Version is set at build time.
var Version = "dev"

func main() {
	_ = godotenv.Load()
	logger := logging.NewTo(os.Stderr, os.Getenv("LOG_LEVEL"), "text")

	var cfg mcpserver.Config
	if err := env.Parse(&cfg); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger.Info("settlement MCP server starting", "version", Version, "api", cfg.APIURL)

	if err := server.ServeStdio(mcpserver.NewMCPServer(cfg, Version)); err != nil {
		logger.Error("MCP server stopped", "error", err)
		os.Exit(1)
	}
}
