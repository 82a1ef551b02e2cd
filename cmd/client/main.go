package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Voice/internal/adapters/rtc"
	"github.com/dkeye/Voice/internal/adapters/ws"
	"github.com/dkeye/Voice/internal/client"
	"github.com/dkeye/Voice/internal/config"
	"github.com/dkeye/Voice/internal/domain"
	"github.com/dkeye/Voice/internal/events"
	"github.com/dkeye/Voice/internal/session"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	} else {
		log.Warn().Str("log_level", cfg.LogLevel).Msg("unknown log level, keeping info")
	}

	if cfg.Room == "" {
		log.Fatal().Msg("room is required (--room or VOICE_ROOM)")
	}
	userID := domain.UserID(cfg.User)
	if userID == "" {
		userID = domain.NewUserID()
	}

	dialer := ws.NewDialer(ws.Options{
		HandshakeTimeout: cfg.HandshakeTimeout,
		ReadLimit:        cfg.ReadLimit,
		PingPeriod:       cfg.PingPeriod,
		WriteWait:        cfg.WriteWait,
		WriteQueueSize:   cfg.WriteQueueSize,
	})
	ctl := session.New(cfg.ServerURL, dialer, session.Options{
		MaxAttempts:    cfg.Reconnect.MaxAttempts,
		BaseDelay:      cfg.Reconnect.BaseDelay,
		MaxDelay:       cfg.Reconnect.MaxDelay,
		OpenTimeout:    cfg.Reconnect.OpenTimeout,
		RequestTimeout: cfg.RequestTimeout,
	})

	engine := rtc.NewEngine(rtc.Config{ICEServers: cfg.ICEServers})
	engine.OnTrack(func(producerID string, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		go discard(producerID, track)
	})
	c := client.New(ctl, engine)

	ctl.Hub().SubscribeAll(func(name events.Name, payload any) {
		ev := log.Info().Str("module", "cmd.client").Str("event", string(name))
		if err, ok := payload.(error); ok {
			ev = ev.Err(err)
		}
		ev.Msg("session event")
	})

	joinCtx, joinCancel := context.WithTimeout(ctx, cfg.Reconnect.OpenTimeout)
	err = c.Join(joinCtx, domain.RoomID(cfg.Room), userID)
	joinCancel()
	if err != nil {
		log.Error().Err(err).Msg("join failed")
		_ = c.Close()
		os.Exit(1)
	}
	log.Info().Str("room_id", cfg.Room).Str("user_id", string(userID)).Str("server", cfg.ServerURL).Msg("Voice client started")

	statusEvery := cfg.PingPeriod
	if statusEvery <= 0 {
		statusEvery = 30 * time.Second
	}
	ticker := time.NewTicker(statusEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Shutting down")
			leaveCtx, leaveCancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.Leave(leaveCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
				log.Error().Err(err).Msg("leave")
			}
			leaveCancel()
			if err := c.Close(); err != nil {
				log.Error().Err(err).Msg("close")
			}
			log.Info().Msg("Client exited gracefully")
			return
		case <-ticker.C:
			st := c.Status()
			ev := log.Info().
				Bool("connected", st.Connected).
				Bool("in_room", st.InRoom).
				Bool("engine_ready", st.EngineReady).
				Int("queue", st.QueueSize)
			if st.Connected {
				if rtt, err := ctl.Ping(ctx); err == nil {
					ev = ev.Dur("rtt", rtt)
				}
			}
			ev.Msg("status")
		}
	}
}

// discard reads a remote track until it ends so its buffers drain.
func discard(producerID string, track *webrtc.TrackRemote) {
	logger := log.With().Str("module", "cmd.client").Str("producer_id", producerID).Logger()
	logger.Info().Str("codec", track.Codec().MimeType).Msg("receiving track")
	var packets int
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			logger.Info().Int("packets", packets).Msg("track ended")
			return
		}
		packets++
	}
}
