package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/opshub/opshub/internal/clock"
	"github.com/opshub/opshub/internal/config"
	"github.com/opshub/opshub/internal/events"
	"github.com/opshub/opshub/internal/logging"
	"github.com/opshub/opshub/internal/notify"
	"github.com/opshub/opshub/internal/server"
	"github.com/opshub/opshub/internal/web"
)

var version = "dev"

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON, cfg.LogLevel)

	fmt.Println("opshub " + version)
	fmt.Println("=============================================")
	fmt.Printf("OPS_TCP_PORT=%d\n", cfg.TCPPort)
	fmt.Printf("OPS_HTTP_PORT=%d\n", cfg.HTTPPort)
	fmt.Printf("OPS_CLIENT_TIMEOUT=%s\n", cfg.ClientTimeout)
	fmt.Printf("OPS_COMMAND_TIMEOUT=%s\n", cfg.CommandTimeout)
	fmt.Printf("OPS_MAX_CONNECTIONS=%d\n", cfg.MaxConnections)
	fmt.Printf("OPS_TCP_AUTH_ENABLED=%t\n", cfg.TCPAuthEnabled)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if cfg.TCPAuthEnabled && cfg.TCPAuthSecret == config.DefaultTCPAuthSecret {
		log.Warn("agent authentication uses the built-in secret, set OPS_TCP_AUTH_SECRET")
	}

	// Build notification chain.
	notifiers := []notify.Notifier{notify.NewLogNotifier(log)}
	channels, err := notify.BuildNotifiers(cfg.Channels, log)
	if err != nil {
		log.Error("failed to build notification channels", "error", err)
		os.Exit(1)
	}
	notifiers = append(notifiers, channels...)
	notifier := notify.NewMulti(log, notifiers...)

	clk := clock.Real{}
	bus := events.New()

	srv := server.New(cfg, bus, notifier, clk, log)
	if err := srv.Start(ctx); err != nil {
		log.Error("failed to start agent listener", "error", err)
		os.Exit(1)
	}

	sessions, err := web.NewSessionStore(cfg.AdminUser, cfg.AdminPassword, clk)
	if err != nil {
		log.Error("failed to initialise session store", "error", err)
		os.Exit(1)
	}
	go sessions.Run(ctx)

	api := web.NewServer(web.Dependencies{
		Fleet:      srv.Registry(),
		Commands:   srv.Tracker(),
		Dispatcher: srv,
		EventBus:   bus,
		Sessions:   sessions,
		AuthToken:  cfg.AuthToken,
		Log:        log,
	})

	go func() {
		if err := api.ListenAndServe(cfg.HTTPAddress()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http api error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		_ = api.Shutdown(context.Background())
	}()

	log.Info("opshub started", "version", version, "tcp", cfg.TCPAddress(), "http", cfg.HTTPAddress())

	<-ctx.Done()
	srv.Stop()

	log.Info("opshub shutdown complete")
}
