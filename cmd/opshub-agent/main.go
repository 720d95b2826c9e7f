package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/opshub/opshub/internal/agent"
	"github.com/opshub/opshub/internal/clock"
	"github.com/opshub/opshub/internal/config"
	"github.com/opshub/opshub/internal/logging"
)

var version = "dev"

func main() {
	cfg, err := config.LoadAgent()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON, cfg.LogLevel)

	fmt.Println("opshub-agent " + version)
	fmt.Println("=============================================")
	fmt.Printf("OPS_SERVER_HOST=%s\n", cfg.ServerHost)
	fmt.Printf("OPS_SERVER_PORT=%d\n", cfg.ServerPort)
	fmt.Printf("OPS_HEARTBEAT_INTERVAL=%s\n", cfg.HeartbeatInterval)
	fmt.Printf("OPS_APPS_BASE_DIR=%s\n", cfg.AppsBaseDir)
	fmt.Printf("OPS_TCP_AUTH_ENABLED=%t\n", cfg.TCPAuthEnabled)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	host := agent.NewLocalHost(cfg.AppsBaseDir, cfg.CommandLogFile, log)
	a := agent.New(cfg, host, clock.Real{}, log)

	log.Info("agent started", "version", version, "server", cfg.ServerAddress())

	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("agent exited with error", "error", err)
		os.Exit(1)
	}

	log.Info("agent shutdown complete")
}
