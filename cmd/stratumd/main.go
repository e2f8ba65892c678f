package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/stratumdb/stratum/admin"
	"github.com/stratumdb/stratum/cfg"
	"github.com/stratumdb/stratum/db"
	"github.com/stratumdb/stratum/engine"
	"github.com/stratumdb/stratum/publisher"
	"github.com/stratumdb/stratum/telemetry"

	// Registers the nats and kafka sink factories.
	_ "github.com/stratumdb/stratum/publisher/sink"
)

func main() {
	flag.Parse()

	if err := cfg.Load(*cfg.ConfigPathFlag); err != nil {
		panic(err)
	}
	if err := cfg.Config.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	if cfg.Config.Prometheus.Enabled {
		telemetry.Initialize()
	}

	log.Info().Str("data_root", cfg.Config.DataRoot).Msg("Stratum starting")

	registry := db.NewRegistry(cfg.Config)
	defer registry.Shutdown()

	handle, err := registry.Open(cfg.Config.DataRoot, db.OpenOptions{Mode: engine.Optimistic})
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Config.DataRoot).Msg("Failed to open database")
		return
	}
	defer handle.Close()

	if cfg.Config.Admin.Enabled {
		srv := admin.Start(cfg.Config.Admin.BindAddress, registry)
		defer srv.Close()
	}

	if cfg.Config.Publisher.Enabled {
		pub, err := publisher.New(handle, cfg.Config.Publisher)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize publisher")
			return
		}
		pub.Start()
		defer pub.Close()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	log.Info().Stringer("signal", sig).Msg("Shutting down")
}
