package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dennisdiepolder/monti/webphone/internal/app"
	"github.com/dennisdiepolder/monti/webphone/internal/audit"
	"github.com/dennisdiepolder/monti/webphone/internal/config"
	"github.com/dennisdiepolder/monti/webphone/internal/control"
	"github.com/dennisdiepolder/monti/webphone/internal/devices"
	"github.com/dennisdiepolder/monti/webphone/internal/events"
	"github.com/dennisdiepolder/monti/webphone/internal/media"
	"github.com/dennisdiepolder/monti/webphone/pkg/middleware"
)

func main() {
	// CLI flags override the environment
	var (
		port     = flag.String("port", "", "Control API port (overrides PORT)")
		logLevel = flag.String("log-level", "", "Log level (overrides LOG_LEVEL)")
		token    = flag.String("token", "", "Bearer token (overrides AUTH_TOKEN)")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().
		Str("service", "webphone").
		Logger()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *port != "" {
		cfg.Port = *port
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *token != "" {
		cfg.Identity.Token = *token
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Warn().Str("level", cfg.LogLevel).Msg("invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	logger.Info().
		Str("port", cfg.Port).
		Str("feed_url", cfg.Feed.URL).
		Str("sip_ws_url", cfg.SIP.WSURL).
		Str("dynamo_mode", string(cfg.Dynamo.Mode)).
		Msg("starting webphone")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := audit.NewStore(ctx, cfg.Dynamo, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise audit store")
	}

	mediaFactory, err := media.NewFactory(media.Config{ICEServers: cfg.SIP.STUNURLs}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise media")
	}

	phoneApp, err := app.New(app.Options{
		Config: cfg,
		Media:  mediaFactory.Open,
		Devices: devices.NewStatic(cfg.Devices.Permission,
			devices.Device{ID: cfg.Devices.Input, Label: cfg.Devices.Input, Kind: devices.KindInput},
			devices.Device{ID: cfg.Devices.Output, Label: cfg.Devices.Output, Kind: devices.KindOutput},
		),
		AuditStore: store,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build webphone")
	}
	go phoneApp.Events.Run(ctx)
	go events.NewTicker(phoneApp.Events, cfg.StatusInterval, func() any {
		return control.StatusResponse{Connectivity: phoneApp.Snapshot(), Phone: phoneApp.Phone.Status()}
	}, logger).Start(ctx)

	api := control.NewAPI(phoneApp.Phone, phoneApp, phoneApp.Metrics,
		events.NewHandler(phoneApp.Events, cfg.AllowedOrigins, logger), logger)

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     newRouter(cfg, api, logger),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info().Msgf("control API listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	if cfg.Identity.Token == "" {
		logger.Warn().Msg("no AUTH_TOKEN configured, staying offline")
	} else if err := phoneApp.Start(ctx, cfg.Identity.Token); err != nil {
		logger.Error().Err(err).Msg("failed to start webphone")
	}

	<-ctx.Done()
	logger.Info().Msg("shutting down...")

	phoneApp.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("webphone stopped")
}

// newRouter mounts the control API behind the shared middleware stack
func newRouter(cfg *config.Config, api *control.API, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	api.SetupRoutes(r)
	return r
}
