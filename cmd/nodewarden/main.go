// Command nodewarden runs the node-lifecycle orchestrator in either api or
// worker mode, selected by NODEWARDEN_MODE.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fleetward/nodewarden/internal/app"
	"github.com/fleetward/nodewarden/internal/config"
	"github.com/fleetward/nodewarden/pkg/classify"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "nodewarden:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return classify.FatalConfig("loading configuration", err)
	}
	if cfg.Mode != "api" && cfg.Mode != "worker" {
		return classify.FatalConfig(fmt.Sprintf("NODEWARDEN_MODE must be \"api\" or \"worker\", got %q", cfg.Mode), nil)
	}
	if cfg.Mode == "api" && cfg.APITokenSecret == "" {
		return classify.FatalConfig("NODEWARDEN_API_TOKEN_SECRET must be set in api mode", nil)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return app.Run(ctx, cfg)
}
