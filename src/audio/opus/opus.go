// Package opus provides the cgo Opus encoder used for voice audio.
package opus

import (
	"fmt"

	"personal/discordie_go/src/audio"

	"layeh.com/gopus"
)

const (
	minBitrate = 500
	maxBitrate = 512000
)

type Encoder struct {
	enc      *gopus.Encoder
	maxBytes int
}

func NewEncoder(sampleRate, channels int) (*Encoder, error) {
	enc, err := gopus.NewEncoder(sampleRate, channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("could not create opus encoder: %w", err)
	}
	// 20 ms of stereo s16 is far above any single packet
	maxBytes := sampleRate / 50 * channels * 2
	return &Encoder{enc: enc, maxBytes: maxBytes}, nil
}

// Factory creates encoders for audio.Pipeline.
func Factory(sampleRate, channels int) (audio.FrameEncoder, error) {
	enc, err := NewEncoder(sampleRate, channels)
	if err != nil {
		return nil, err
	}
	return enc, nil
}

func (e *Encoder) Encode(pcm []int16, frameSize int) ([]byte, error) {
	packet, err := e.enc.Encode(pcm, frameSize, e.maxBytes)
	if err != nil {
		return nil, fmt.Errorf("could not encode opus frame: %w", err)
	}
	return packet, nil
}

func (e *Encoder) SetBitrate(bps int) error {
	if bps < minBitrate || bps > maxBitrate {
		return fmt.Errorf("bitrate %d outside [%d, %d]", bps, minBitrate, maxBitrate)
	}
	e.enc.SetBitrate(bps)
	return nil
}
