package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"personal/discordie_go/src/audio"
	"personal/discordie_go/src/client"
	"personal/discordie_go/src/config"
	"personal/discordie_go/src/dispatch"
	"personal/discordie_go/src/gateway"
	"personal/discordie_go/src/logging"
	"personal/discordie_go/src/models"

	"github.com/jessevdk/go-flags"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, closeLog, err := logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer closeLog()

	if err := run(cfg, logger); err != nil {
		logger.Error("main: exiting", "error", err)
		closeLog()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := client.New(client.Options{
		Token:                cfg.Token,
		GatewayURL:           cfg.GatewayURL,
		APIBase:              cfg.APIBase,
		Policy:               cfg.Policy(),
		DisableAutoReconnect: cfg.NoAutoReconnect,
		ResumeWindow:         cfg.ResumeWindow,
		MessageLimit:         cfg.MessageLimit,
		EditsLimit:           cfg.EditsLimit,
		FetchTimeout:         cfg.FetchTimeout,
		Logger:               logger,
	})
	defer c.Close()

	unsub := c.Bus().SubscribeAllQueued(func(name string, _ any) {
		logger.Debug("run: event", "name", name)
	})
	defer unsub()

	ready := make(chan struct{}, 1)
	unsubReady := dispatch.Subscribe(c.Bus(), gateway.KindReady, func(gateway.Ready) {
		select {
		case ready <- struct{}{}:
		default:
		}
	})
	defer unsubReady()

	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("could not connect: %w", err)
	}

	if cfg.VoiceChannel != "" {
		select {
		case <-ready:
		case <-ctx.Done():
			return nil
		}
		if err := play(ctx, c, cfg, logger); err != nil {
			return err
		}
	}

	<-ctx.Done()
	logger.Info("main: shutting down")
	return nil
}

func play(ctx context.Context, c *client.Client, cfg *config.Config, logger *slog.Logger) error {
	joinCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	conn, err := c.JoinVoice(joinCtx, models.Snowflake(cfg.VoiceGuild), models.Snowflake(cfg.VoiceChannel), false, false)
	if err != nil {
		return fmt.Errorf("could not join voice: %w", err)
	}
	logger.Info("play: joined voice", "guild", conn.GuildID(), "channel", conn.ChannelID())

	if cfg.Play == "" {
		return nil
	}
	pipeline, err := conn.Audio()
	if err != nil {
		return fmt.Errorf("could not open audio: %w", err)
	}
	encoder := audio.NewFFmpegEncoder(pipeline.Stream(), audio.FFmpegOptions{
		Path:   cfg.FFmpegPath,
		Source: cfg.Play,
		Logger: logger,
	})
	if err := encoder.Play(); err != nil {
		return fmt.Errorf("could not play %s: %w", cfg.Play, err)
	}
	go func() {
		<-ctx.Done()
		encoder.Destroy()
	}()
	return nil
}
