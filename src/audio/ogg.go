package audio

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/jonas747/ogg"
)

// Source opens the input of a player. It is called again after Stop.
type Source func() (io.ReadCloser, error)

func FileSource(path string) Source {
	return func() (io.ReadCloser, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("could not open %s: %w", path, err)
		}
		return f, nil
	}
}

// OggFrameReader demuxes Opus packets from an Ogg stream, skipping the
// OpusHead and OpusTags header packets.
type OggFrameReader struct {
	mu  sync.Mutex
	dec *ogg.PacketDecoder
}

func NewOggFrameReader(r io.Reader) *OggFrameReader {
	return &OggFrameReader{dec: ogg.NewPacketDecoder(ogg.NewDecoder(r))}
}

func (r *OggFrameReader) ReadFrame() ([]byte, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		packet, _, err := r.dec.Decode()
		if err != nil {
			return nil, 0, err
		}
		if len(packet) == 0 || bytes.HasPrefix(packet, []byte("OpusHead")) || bytes.HasPrefix(packet, []byte("OpusTags")) {
			continue
		}
		return packet, OpusPacketSamples(packet), nil
	}
}

// OpusPacketSamples reads the per-channel sample count at 48 kHz from an
// Opus packet's TOC byte.
func OpusPacketSamples(packet []byte) int {
	if len(packet) == 0 {
		return 0
	}
	toc := packet[0]
	config := toc >> 3

	// frame duration in units of 1/400 s (2.5 ms)
	var units int
	switch {
	case config < 12:
		units = []int{4, 8, 16, 24}[config%4]
	case config < 16:
		units = []int{4, 8}[config%2]
	default:
		units = []int{1, 2, 4, 8}[config%4]
	}

	frames := 1
	switch toc & 0x3 {
	case 1, 2:
		frames = 2
	case 3:
		if len(packet) < 2 {
			return 0
		}
		frames = int(packet[1] & 0x3F)
	}
	return frames * units * 120
}

// OggOpusPlayer plays an Ogg Opus file without re-encoding it.
type OggOpusPlayer struct {
	stream *Stream
	open   Source
	logger *slog.Logger

	mu         sync.Mutex
	src        io.ReadCloser
	frames     *frameSource
	attachment *Attachment
	destroyed  bool
}

func NewOggOpusPlayer(stream *Stream, open Source, logger *slog.Logger) *OggOpusPlayer {
	if logger == nil {
		logger = slog.Default()
	}
	return &OggOpusPlayer{stream: stream, open: open, logger: logger.With("component", "ogg")}
}

func (o *OggOpusPlayer) Play() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.destroyed {
		return ErrDestroyed
	}
	if o.frames == nil {
		src, err := o.open()
		if err != nil {
			return err
		}
		o.src = src
		o.frames = newFrameSource(NewOggFrameReader(src).ReadFrame)
	}
	return o.pipeLocked()
}

func (o *OggOpusPlayer) Pipe() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.destroyed {
		return ErrDestroyed
	}
	if o.frames == nil {
		return ErrNotPlaying
	}
	return o.pipeLocked()
}

func (o *OggOpusPlayer) pipeLocked() error {
	if o.attachment != nil {
		return nil
	}
	a, err := o.stream.pipeSource(o.frames, true)
	if err != nil {
		return err
	}
	o.attachment = a
	go o.watch(a)
	return nil
}

func (o *OggOpusPlayer) watch(a *Attachment) {
	<-a.Done()
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.attachment == a {
		o.attachment = nil
	}
	if err := a.err; err != nil {
		o.logger.Warn("watch: ogg stream ended with error", "error", err)
	}
}

func (o *OggOpusPlayer) Unpipe() {
	o.mu.Lock()
	a := o.attachment
	o.attachment = nil
	o.mu.Unlock()
	if a != nil {
		a.Detach()
	}
}

// Stop unpipes and closes the source; Play reopens it from the start.
func (o *OggOpusPlayer) Stop() {
	o.Unpipe()

	o.mu.Lock()
	src := o.src
	o.src = nil
	o.frames = nil
	o.mu.Unlock()
	if src != nil {
		if err := src.Close(); err != nil {
			o.logger.Debug("Stop: could not close source", "error", err)
		}
	}
}

func (o *OggOpusPlayer) Destroy() {
	o.Stop()
	o.mu.Lock()
	o.destroyed = true
	o.mu.Unlock()
}
