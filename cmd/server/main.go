package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"streamly/internal/config"
	"streamly/internal/hertzapi"
	"streamly/internal/httpapi"
	"streamly/internal/logging"
	"streamly/internal/relay"
	"streamly/internal/relay/natsbus"
	"streamly/internal/rooms"
)

func main() {
	configPath := flag.String("config", os.Getenv("STREAMLY_CONFIG"), "path to a YAML config file")
	flag.Parse()

	// Load .env file if it exists
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			log.Warn().Err(err).Msg("could not load .env file")
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := logging.Setup(os.Stderr, cfg.Log.Level, cfg.Log.Console); err != nil {
		log.Fatal().Err(err).Msg("failed to set up logging")
	}

	var opts []rooms.Option
	var bus *natsbus.Bus
	if cfg.NATS.URL != "" {
		bus, err = natsbus.Connect(cfg.NATSConfig())
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to NATS")
		}
		opts = append(opts, rooms.WithBackplane(bus))
	}

	hub := relay.NewHub(cfg.RelayConfig(), rooms.NewManager(opts...))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	log.Info().
		Str("engine", cfg.Server.Engine).
		Str("addr", cfg.Server.Addr).
		Bool("nats", bus != nil).
		Msg("starting relay")

	var shutdown func(context.Context) error
	switch cfg.Server.Engine {
	case config.EngineEcho:
		srv := &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           httpapi.NewServer(hub, cfg.CORS.AllowedOrigins).Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatal().Err(err).Msg("HTTP server failed")
			}
		}()
		shutdown = srv.Shutdown
	default:
		h := server.Default(server.WithHostPorts(cfg.Server.Addr))
		// Upgraded connections must not return to the pool.
		h.NoHijackConnPool = true
		hertzapi.NewRouter(h, hub)
		go func() {
			if err := h.Run(); err != nil {
				log.Fatal().Err(err).Msg("Hertz server failed")
			}
		}()
		shutdown = h.Shutdown
	}

	// 优雅关闭
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	sig := <-stop
	log.Info().Str("signal", sig.String()).Msg("shutting down relay")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
	cancel()
	hub.CloseAll()
	if bus != nil {
		bus.Close()
	}

	log.Info().Msg("relay stopped")
}
