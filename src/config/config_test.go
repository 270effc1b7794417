package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"personal/discordie_go/src/reconnect"

	"github.com/jessevdk/go-flags"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeEnv(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DISCORD_TOKEN", "tok")

	cfg, err := Load(nil, filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "tok", cfg.Token)
	assert.Equal(t, "https://discord.com/api/v6", cfg.APIBase)
	assert.Equal(t, time.Second, cfg.ReconnectMin)
	assert.Equal(t, time.Minute, cfg.ReconnectMax)
	assert.Equal(t, 90*time.Second, cfg.ResumeWindow)
	assert.Equal(t, 1000, cfg.MessageLimit)
	assert.Equal(t, 50, cfg.EditsLimit)
	assert.Equal(t, time.Minute, cfg.FetchTimeout)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "ffmpeg", cfg.FFmpegPath)
	assert.False(t, cfg.NoAutoReconnect)
}

func TestLoadFlagsOverrideEnvFile(t *testing.T) {
	t.Setenv("DISCORD_TOKEN", "")
	os.Unsetenv("DISCORD_TOKEN")
	os.Unsetenv("DISCORD_RECONNECT_MAX")
	t.Cleanup(func() {
		os.Unsetenv("DISCORD_TOKEN")
		os.Unsetenv("DISCORD_RECONNECT_MAX")
	})
	path := writeEnv(t, "DISCORD_TOKEN=from-file\nDISCORD_RECONNECT_MAX=2m\n")

	cfg, err := Load([]string{"--reconnect-max", "30s", "--no-auto-reconnect", "--log-level", "debug"}, path)
	require.NoError(t, err)

	assert.Equal(t, "from-file", cfg.Token)
	assert.Equal(t, 30*time.Second, cfg.ReconnectMax)
	assert.True(t, cfg.NoAutoReconnect)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadRejectsUnknownLevel(t *testing.T) {
	_, err := Load([]string{"--log-level", "loud"}, filepath.Join(t.TempDir(), "missing.env"))
	require.Error(t, err)
}

func TestLoadHelp(t *testing.T) {
	_, err := Load([]string{"--help"}, filepath.Join(t.TempDir(), "missing.env"))
	var flagsErr *flags.Error
	require.ErrorAs(t, err, &flagsErr)
	assert.Equal(t, flags.ErrHelp, flagsErr.Type)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Token:        "tok",
			ReconnectMin: time.Second,
			ReconnectMax: time.Minute,
			MessageLimit: 1000,
			EditsLimit:   50,
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		err    error
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "no token", mutate: func(c *Config) { c.Token = "" }, err: ErrNoToken},
		{name: "max too small", mutate: func(c *Config) { c.ReconnectMax = time.Second }, err: reconnect.ErrMaxTooSmall},
		{name: "min above max", mutate: func(c *Config) { c.ReconnectMin = 2 * time.Minute }, err: reconnect.ErrMinAboveMax},
		{name: "channel without guild", mutate: func(c *Config) { c.VoiceChannel = "v" }, err: ErrNoVoiceGuild},
		{name: "play without channel", mutate: func(c *Config) { c.Play = "song.mp3" }, err: ErrPlayWithoutVoice},
		{name: "voice", mutate: func(c *Config) {
			c.VoiceGuild = "g"
			c.VoiceChannel = "v"
			c.Play = "song.mp3"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.err == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestPolicy(t *testing.T) {
	cfg := Config{ReconnectMin: 2 * time.Second, ReconnectMax: 10 * time.Second}
	p := cfg.Policy()
	assert.Equal(t, 2*time.Second, p.Min)
	assert.Equal(t, 10*time.Second, p.Max)
	assert.Equal(t, reconnect.DefaultPolicy().Factor, p.Factor)
}
