package internal

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/carapace-gateway/carapace/internal/adapter"
	"github.com/carapace-gateway/carapace/internal/audit"
	"github.com/carapace-gateway/carapace/internal/config"
	"github.com/carapace-gateway/carapace/internal/gateway"
	"github.com/carapace-gateway/carapace/internal/logger"
	"github.com/carapace-gateway/carapace/internal/policy"
	"github.com/carapace-gateway/carapace/internal/router"
	"github.com/carapace-gateway/carapace/internal/sub"
)

// NewServeCommand builds the "serve" subcommand: load config, construct
// every service, bind the endpoint, and run until signalled.
func NewServeCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Carapace gateway daemon",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return serve(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to the gateway config file (default: "+DefaultConfigPath()+")")
	return cmd
}

func serve(configPath string) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	resolvedPath := configPath
	if resolvedPath == "" {
		resolvedPath = DefaultConfigPath()
	}

	log := logger.New(logger.ParseLevel(cfg.Endpoint.LogLevel))
	if err := log.EnableFileLogging("/var/log/carapace/gateway.log"); err != nil {
		log.WarnF("startup", "file logging disabled", map[string]any{"error": err.Error()})
	}

	journal, err := audit.Open(cfg.Security.AuditPath, cfg.Security.AuditEnabled)
	if err != nil {
		return fmt.Errorf("opening audit journal: %w", err)
	}
	defer journal.Close()

	deadLetters, err := audit.OpenDeadLetterStore(cfg.Security.DeadLetterDir)
	if err != nil {
		return fmt.Errorf("opening dead-letter store: %w", err)
	}

	adapters, err := BuildAdapters(cfg)
	if err != nil {
		return fmt.Errorf("constructing adapters: %w", err)
	}
	log.InfoF("startup", "adapters constructed", map[string]any{"channels": channelNames(adapters)})

	store := config.NewStore(cfg, resolvedPath)
	eng := policy.NewEngine(store)
	registry := sub.NewRegistry()

	identity := resolveIdentity()
	r := router.New(store, eng, adapters, journal, deadLetters, registry, log, identity)

	ln := gateway.New(gateway.Options{
		Path:           cfg.Endpoint.Path,
		ClientGroup:    cfg.Endpoint.ClientGroup,
		MaxConnections: cfg.Advanced.MaxConnections,
		RequestTimeout: time.Duration(cfg.Endpoint.RequestTimeout) * time.Second,
	}, r, log)

	if err := ln.Start(); err != nil {
		return fmt.Errorf("binding endpoint: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := ln.Serve(ctx); err != nil {
			log.ErrorF("startup", "accept loop exited", map[string]any{"error": err.Error()})
		}
	}()
	log.InfoF("startup", "gateway listening", map[string]any{"path": cfg.Endpoint.Path})

	for id, ad := range adapters {
		task := gateway.NewWatchTask(id, ad, eng, registry, journal, deadLetters, log)
		go task.Run(ctx)
	}

	sweeper, err := config.NewSweeper(cfg.Advanced.SweepSchedule, func() {
		eng.Sweep()
		registry.Reap()
	})
	if err != nil {
		return fmt.Errorf("starting sweeper: %w", err)
	}
	go sweeper.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown", "signal received, draining connections")
	cancel()
	if err := ln.Shutdown(); err != nil {
		log.ErrorF("shutdown", "error during shutdown", map[string]any{"error": err.Error()})
	}
	log.Info("shutdown", "gateway stopped")
	return nil
}

func channelNames(adapters map[string]adapter.Adapter) []string {
	names := make([]string, 0, len(adapters))
	for id := range adapters {
		names = append(names, id)
	}
	return names
}

// resolveIdentity captures the holder OS user/uid once at startup, per
// admin.whoami's contract that this never changes for the life of the
// process.
func resolveIdentity() router.Identity {
	u, err := user.Current()
	if err != nil {
		return router.Identity{User: "unknown", UID: -1}
	}
	uid, _ := strconv.Atoi(u.Uid)
	return router.Identity{User: u.Username, UID: uid}
}
