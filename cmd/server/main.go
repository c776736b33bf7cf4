// Command server runs the marketplace settlement API together with the
// escrow release scheduler and in-flight reconciliation.
//
//	server              run the API
//	server version      print build info
//	server healthcheck  probe /health/live on PORT, for container HEALTHCHECK
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/mbd888/settlement/internal/config"
	"github.com/mbd888/settlement/internal/logging"
	"github.com/mbd888/settlement/internal/server"
)

// Build info, set by ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	cmd := ""
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}
	switch cmd {
	case "":
		os.Exit(run())
	case "version":
		fmt.Printf("settlement %s (commit %s, built %s)\n", Version, Commit, BuildTime)
	case "healthcheck":
		os.Exit(healthcheck())
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		os.Exit(2)
	}
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		logging.NewTo(os.Stderr, "info", "text").Error("failed to load config", "error", err)
		return 1
	}

	format := cfg.LogFormat
	if cfg.IsProduction() {
		format = "json"
	}
	logger := logging.New(cfg.LogLevel, format)
	logger.Info("starting settlement",
		"version", Version, "commit", Commit, "build_time", BuildTime, "env", cfg.Env)

	srv, err := server.New(cfg, server.WithLogger(logger), server.WithVersion(Version))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		return 1
	}
	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		return 1
	}
	return 0
}

func healthcheck() int {
	port := os.Getenv("PORT")
	if port == "" {
		port = config.DefaultPort
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://127.0.0.1:"+port+"/health/live", nil)
	if err != nil {
		return 1
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "liveness returned %d\n", resp.StatusCode)
		return 1
	}
	return 0
}
