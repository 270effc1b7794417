package audio

import (
	"context"
	"errors"
	"time"
)

const (
	DefaultFrameDuration = 20 * time.Millisecond
	DefaultSampleRate    = 48000
	DefaultChannels      = 2
	DefaultVolume        = 100
)

var (
	ErrPipeActive     = errors.New("audio: a stream is piped into the encoder")
	ErrProxyMode      = errors.New("audio: not available in proxy mode")
	ErrKilled         = errors.New("audio: encoder killed")
	ErrNotInitialized = errors.New("audio: encoder not initialized")
	ErrNoEncoder      = errors.New("audio: no frame encoder available")
	ErrFrameSize      = errors.New("audio: frame size does not match encoder options")
	// ErrSinkNotReady is returned by a Sink that cannot take frames right
	// now. The pipeline keeps the frame queued and retries on the next tick.
	ErrSinkNotReady = errors.New("audio: sink not ready")
)

// Sink is where encoded frames go, usually a voice connection.
type Sink interface {
	WriteOpus(ctx context.Context, frame []byte, samples int) error
	SetSpeaking(speaking bool) error
}

// FrameEncoder turns one frame of interleaved PCM into an Opus packet.
type FrameEncoder interface {
	Encode(pcm []int16, frameSize int) ([]byte, error)
	SetBitrate(bps int) error
}

type EncoderFactory func(sampleRate, channels int) (FrameEncoder, error)

type Options struct {
	FrameDuration time.Duration
	SampleRate    int
	Channels      int
	// Proxy passes already encoded Opus frames through untouched.
	Proxy bool
	// Bitrate in bits per second, 0 keeps the encoder default.
	Bitrate int
	// Volume in percent.
	Volume int
}

func (o Options) withDefaults() Options {
	if o.FrameDuration <= 0 {
		o.FrameDuration = DefaultFrameDuration
	}
	if o.SampleRate <= 0 {
		o.SampleRate = DefaultSampleRate
	}
	if o.Channels <= 0 {
		o.Channels = DefaultChannels
	}
	if o.Volume <= 0 {
		o.Volume = DefaultVolume
	}
	return o
}

// FrameSamples is the per-channel sample count of one frame.
func (o Options) FrameSamples() int {
	o = o.withDefaults()
	return int(int64(o.SampleRate) * int64(o.FrameDuration) / int64(time.Second))
}

// FrameBytes is the size of one frame of s16le PCM.
func (o Options) FrameBytes() int {
	o = o.withDefaults()
	return o.FrameSamples() * o.Channels * 2
}
