// Package config loads settings from a .env file, the environment and the
// command line, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"personal/discordie_go/src/reconnect"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
)

var (
	ErrNoToken          = errors.New("config: DISCORD_TOKEN is required")
	ErrNoVoiceGuild     = errors.New("config: --voice-channel needs --voice-guild")
	ErrPlayWithoutVoice = errors.New("config: --play needs --voice-channel")
)

type Config struct {
	Token      string `long:"token" env:"DISCORD_TOKEN" description:"Account or bot token sent with identify"`
	GatewayURL string `long:"gateway-url" env:"DISCORD_GATEWAY_URL" description:"Gateway address; looked up through the API when empty"`
	APIBase    string `long:"api-base" env:"DISCORD_API_BASE" default:"https://discord.com/api/v6" description:"REST API base URL"`

	NoAutoReconnect bool          `long:"no-auto-reconnect" env:"DISCORD_NO_AUTO_RECONNECT" description:"Do not reconnect after the connection drops"`
	ReconnectMin    time.Duration `long:"reconnect-min" env:"DISCORD_RECONNECT_MIN" default:"1s" description:"Shortest reconnect delay"`
	ReconnectMax    time.Duration `long:"reconnect-max" env:"DISCORD_RECONNECT_MAX" default:"60s" description:"Longest reconnect delay, at least 5s"`
	ResumeWindow    time.Duration `long:"resume-window" env:"DISCORD_RESUME_WINDOW" default:"90s" description:"How long after a drop the session is resumed instead of identifying again"`

	MessageLimit int           `long:"message-limit" env:"DISCORD_MESSAGE_LIMIT" default:"1000" description:"Messages kept in the cache"`
	EditsLimit   int           `long:"edits-limit" env:"DISCORD_EDITS_LIMIT" default:"50" description:"Edits kept per message"`
	FetchTimeout time.Duration `long:"fetch-timeout" env:"DISCORD_FETCH_TIMEOUT" default:"60s" description:"Member fetch timeout"`

	LogLevel string `long:"log-level" env:"LOG_LEVEL" default:"info" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Minimum log level"`
	LogFile  string `long:"log-file" env:"LOG_FILE" description:"Also write JSON logs to this file"`

	FFmpegPath   string `long:"ffmpeg" env:"FFMPEG_PATH" default:"ffmpeg" description:"ffmpeg binary used for playback"`
	VoiceGuild   string `long:"voice-guild" env:"DISCORD_VOICE_GUILD" description:"Guild of the voice channel to join after connecting"`
	VoiceChannel string `long:"voice-channel" env:"DISCORD_VOICE_CHANNEL" description:"Voice channel to join after connecting"`
	Play         string `long:"play" env:"DISCORD_PLAY" description:"File or URL played into the voice channel"`
}

// Load reads the .env files, if present, then parses args over the
// environment. A help request comes back as a *flags.Error of type
// flags.ErrHelp.
func Load(args []string, envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("could not load env file: %w", err)
	}

	var cfg Config
	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Policy is the reconnect policy described by the config.
func (c *Config) Policy() reconnect.Policy {
	p := reconnect.DefaultPolicy()
	p.Min = c.ReconnectMin
	p.Max = c.ReconnectMax
	return p
}

func (c *Config) Validate() error {
	if c.Token == "" {
		return ErrNoToken
	}
	if err := c.Policy().Validate(); err != nil {
		return fmt.Errorf("invalid reconnect range: %w", err)
	}
	if c.MessageLimit < 1 || c.EditsLimit < 0 {
		return fmt.Errorf("invalid cache limits: messages=%d edits=%d", c.MessageLimit, c.EditsLimit)
	}
	if c.VoiceChannel != "" && c.VoiceGuild == "" {
		return ErrNoVoiceGuild
	}
	if c.Play != "" && c.VoiceChannel == "" {
		return ErrPlayWithoutVoice
	}
	return nil
}
