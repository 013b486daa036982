package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/camlink/config"
	"github.com/mossy-p/camlink/internal/handlers"
	"github.com/mossy-p/camlink/internal/media"
	"github.com/mossy-p/camlink/internal/negotiator"
	"github.com/mossy-p/camlink/internal/redis"
	"github.com/mossy-p/camlink/internal/signaling"
	"github.com/mossy-p/camlink/internal/transport"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Load configuration
	cfg := config.Load()
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	channel, closeChannel, err := newChannel(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open signaling store")
	}
	defer closeChannel()

	transports, err := transport.NewPionFactory(cfg.Signaling.ICEServers, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build WebRTC stack")
	}

	// received media, from cameras or from the anchor's talk-back
	consume := drainTrack(logger)

	participant, err := negotiator.NewParticipant(negotiator.Config{
		Identity:           cfg.Signaling.DeviceIdentity,
		Channel:            channel,
		Transports:         transports,
		NegotiationTimeout: cfg.Signaling.NegotiationTimeout,
		OnTalkback:         consume,
		Logger:             logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create participant")
	}
	defer participant.LeaveRoom()

	source := media.FileSource{
		VideoFile:    cfg.Media.VideoFile,
		AudioFile:    cfg.Media.AudioFile,
		TalkbackFile: cfg.Media.TalkbackFile,
		Logger:       logger,
	}

	// Set Gin mode
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))
	router.Use(handlers.OriginFilter(cfg.AllowedOrigins))

	handlers.New(handlers.Options{
		Participant: participant,
		Channel:     channel,
		Source:      source,
		Logger:      logger,
		OnTrack:     consume,
	}).Register(router, cfg.JWTSecret)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("device_id", participant.DeviceID()).
			Str("store", cfg.Signaling.Store).
			Strs("allowed_origins", cfg.AllowedOrigins).
			Msg("Starting camlink server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("Shutting down")

	participant.LeaveRoom()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown failed")
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.Environment == "production" {
		logger = zerolog.New(os.Stdout)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	return logger.Level(level).With().Timestamp().Str("service", "camlink").Logger()
}

// newChannel opens the configured signaling store.
func newChannel(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (signaling.Channel, func(), error) {
	switch cfg.Signaling.Store {
	case "memory":
		logger.Warn().Msg("Using in-process signaling store; peers must share this process")
		return signaling.NewMemory(), func() {}, nil
	default:
		client, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		logger.Info().Str("host", cfg.Redis.Host).Str("port", cfg.Redis.Port).Msg("Connected to Redis")
		closeFn := func() {
			if err := client.Close(); err != nil {
				logger.Warn().Err(err).Msg("Failed to close Redis client")
			}
		}
		return redis.NewChannel(client, cfg.Signaling.RoomTTL, logger), closeFn, nil
	}
}

// drainTrack reads every received track so its buffers never fill. Rendering
// is left to whatever consumes the packets downstream.
func drainTrack(logger zerolog.Logger) func(negotiator.TrackEvent) {
	return func(ev negotiator.TrackEvent) {
		logger.Info().
			Str("peer_id", ev.PeerID).
			Str("track_id", ev.Track.ID).
			Str("kind", ev.Track.Kind).
			Msg("Receiving track")

		remote := ev.Track.Remote
		if remote == nil {
			return
		}
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := remote.Read(buf); err != nil {
					return
				}
			}
		}()
	}
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("Request")
	}
}
