package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/hcclrt/internal/admin"
	"github.com/piwi3910/hcclrt/internal/bootstrap"
	"github.com/piwi3910/hcclrt/internal/config"
	"github.com/piwi3910/hcclrt/internal/diagstore"
	"github.com/piwi3910/hcclrt/internal/health"
	"github.com/piwi3910/hcclrt/internal/portwatch"
	"github.com/piwi3910/hcclrt/internal/shutdown"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

// namedServer gives the admin server a name for the shutdown log.
type namedServer struct {
	*http.Server
	name string
}

func (s namedServer) Name() string { return s.name }

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	addr := flag.String("addr", "", "Bootstrap listen address (overrides bootstrap.coordinator_addr)")
	adminAddr := flag.String("admin-addr", "", "Admin API listen address")
	diagDir := flag.String("diag-dir", "", "Diagnostics store directory")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("hccl-coordinator %s\n", version)
		fmt.Printf("  Commit: %s\n", commit)
		fmt.Printf("  Built:  %s\n", buildDate)
		os.Exit(0)
	}

	opts := config.Options{
		CoordinatorAddr: *addr,
		AdminAddr:       *adminAddr,
		DiagDir:         *diagDir,
	}
	if *debug {
		opts.LogLevel = "debug"
	}

	cfg, err := config.Load(*configPath, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if *debug {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Info().
		Str("version", version).
		Str("commit", commit).
		Msg("Starting bootstrap coordinator")

	store, err := diagstore.Open(cfg.DiagStoreConfig())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open diagnostics store")
	}

	ccfg := cfg.CoordinatorConfig()
	ccfg.Sink = store

	coord, err := bootstrap.NewCoordinator(ccfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create coordinator")
	}
	if err := coord.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start coordinator")
	}

	components := shutdown.ShutdownComponents{
		Sessions:    coord,
		Coordinator: coord,
		DiagStore:   store,
	}

	// The coordinator doubles as a seed member of the port event gossip.
	if cfg.PortWatch.Enabled {
		gossip, err := portwatch.NewGossipNotifier(cfg.GossipConfig())
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to join port event gossip")
		}
		components.PortWatch = gossip
	}

	if cfg.AdminAddr != "" {
		srv := admin.NewServer(cfg.AdminAddr, admin.NewHandler(coord, store).WithProbes(health.NewChecker(coord, store)))
		components.HTTPServers = append(components.HTTPServers, namedServer{Server: srv, name: "admin"})

		go func() {
			log.Info().Str("addr", cfg.AdminAddr).Msg("Admin API listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Admin API failed")
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	sd := shutdown.NewCoordinator(shutdown.DefaultConfig())
	_ = sd.Shutdown(context.Background(), components)

	log.Info().Msg("Bootstrap coordinator shutdown complete")
}
