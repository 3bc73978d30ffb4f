// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nishisan-dev/n-fleet/internal/config"
	"github.com/nishisan-dev/n-fleet/internal/hub"
	"github.com/nishisan-dev/n-fleet/internal/logging"
)

func main() {
	configPath := flag.String("config", "/etc/nfleet/hub.yaml", "path to hub config file")
	flag.Parse()

	cfg, err := config.LoadHubConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	// Context com cancelamento via signal
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := hub.Run(ctx, cfg, logger); err != nil {
		logger.Error("hub error", "error", err)
		os.Exit(1)
	}
}
