package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/deque"
)

const (
	silenceFrames = 5
	// piped producers block while this many frames are queued
	maxQueuedFrames = 10
	// OnNeedBuffer fires when fewer frames than this are queued
	lowWater = 2
)

var silenceFrame = []byte{0xF8, 0xFF, 0xFE}

type frame struct {
	data    []byte
	samples int
	piped   bool
}

// Pipeline paces encoded frames into a Sink on a fixed clock. It has a
// single producer slot: either direct Enqueue calls or one piped stream.
type Pipeline struct {
	sink    Sink
	factory EncoderFactory
	logger  *slog.Logger

	mu         sync.Mutex
	space      *sync.Cond
	opts       Options
	encoder    FrameEncoder
	volume     int
	queue      *deque.Deque[frame]
	pipe       *Attachment
	needBuffer func()
	notifying  atomic.Bool

	running bool
	killed  bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error

	speaking     bool
	silenceLeft  int
	pipedSamples int64
	// bumped by ClearQueue so a held-back frame is not put back
	clears uint64
}

func NewPipeline(sink Sink, factory EncoderFactory, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		sink:    sink,
		factory: factory,
		logger:  logger.With("component", "audio"),
		queue:   deque.New[frame](),
	}
	p.space = sync.NewCond(&p.mu)
	return p
}

// Initialize applies opts and starts the worker. Calling it again swaps
// the options and encoder of the running worker.
func (p *Pipeline) Initialize(opts Options) error {
	opts = opts.withDefaults()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.killed {
		return ErrKilled
	}

	var enc FrameEncoder
	if !opts.Proxy {
		if p.factory == nil {
			return ErrNoEncoder
		}
		var err error
		enc, err = p.factory(opts.SampleRate, opts.Channels)
		if err != nil {
			return fmt.Errorf("could not create frame encoder: %w", err)
		}
		if opts.Bitrate > 0 {
			if err := enc.SetBitrate(opts.Bitrate); err != nil {
				return fmt.Errorf("could not set bitrate: %w", err)
			}
		}
	}

	p.opts = opts
	p.encoder = enc
	p.volume = opts.Volume

	if !p.running {
		ctx, cancel := context.WithCancel(context.Background())
		p.cancel = cancel
		p.done = make(chan struct{})
		p.running = true
		go p.run(ctx, opts.FrameDuration)
		p.logger.Debug("Initialize: worker started", "proxy", opts.Proxy, "frame", opts.FrameDuration)
	}
	return nil
}

func (p *Pipeline) Options() Options {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opts
}

// OnNeedBuffer registers fn to be called whenever the queue runs low and no
// stream is piped in. fn runs on its own goroutine, one call at a time, so
// it may call Enqueue or Kill.
func (p *Pipeline) OnNeedBuffer(fn func()) {
	p.mu.Lock()
	p.needBuffer = fn
	p.mu.Unlock()
}

// Enqueue adds one frame. pcm is interleaved s16le, or an Opus packet in
// proxy mode; samples is the per-channel sample count it covers.
func (p *Pipeline) Enqueue(pcm []byte, samples int) error {
	return p.EnqueueMultiple([][]byte{pcm}, samples)
}

// EnqueueMultiple adds several frames of the same sample count. Either all
// of them are queued or none.
func (p *Pipeline) EnqueueMultiple(frames [][]byte, samples int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.usableLocked(); err != nil {
		return err
	}
	if p.pipe != nil {
		return ErrPipeActive
	}

	encoded := make([]frame, 0, len(frames))
	for _, data := range frames {
		f, err := p.encodeLocked(data, samples)
		if err != nil {
			return err
		}
		encoded = append(encoded, f)
	}
	for _, f := range encoded {
		p.queue.PushBack(f)
	}
	return nil
}

func (p *Pipeline) ClearQueue() {
	p.mu.Lock()
	p.queue.Clear()
	p.clears++
	p.space.Broadcast()
	p.mu.Unlock()
}

func (p *Pipeline) QueueLength() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Len()
}

// SetVolume scales PCM input, in percent.
func (p *Pipeline) SetVolume(percent int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.opts.Proxy {
		return ErrProxyMode
	}
	if percent < 0 {
		percent = 0
	}
	p.volume = percent
	return nil
}

func (p *Pipeline) Volume() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

func (p *Pipeline) SetBitrate(bps int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.opts.Proxy {
		return ErrProxyMode
	}
	if p.encoder == nil {
		return ErrNoEncoder
	}
	if err := p.encoder.SetBitrate(bps); err != nil {
		return fmt.Errorf("could not set bitrate: %w", err)
	}
	p.opts.Bitrate = bps
	return nil
}

// Killed reports whether the pipeline was shut down, and the worker error
// that caused it if any.
func (p *Pipeline) Killed() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed, p.err
}

// Kill stops the worker, unpipes any stream and drops the encoder. It waits
// for the worker to exit and is safe to call more than once.
func (p *Pipeline) Kill() {
	if done := p.kill(nil); done != nil {
		<-done
	}
}

func (p *Pipeline) kill(cause error) chan struct{} {
	p.mu.Lock()
	if p.killed {
		p.mu.Unlock()
		return nil
	}
	p.killed = true
	p.err = cause
	if p.cancel != nil {
		p.cancel()
	}
	pipe := p.pipe
	p.pipe = nil
	p.queue.Clear()
	p.encoder = nil
	p.space.Broadcast()
	done := p.done
	p.mu.Unlock()

	if pipe != nil {
		pipe.finish(ErrKilled)
	}
	p.logger.Debug("kill: pipeline stopped", "error", cause)
	return done
}

func (p *Pipeline) usableLocked() error {
	if p.killed {
		return ErrKilled
	}
	if !p.running {
		return ErrNotInitialized
	}
	return nil
}

func (p *Pipeline) encodeLocked(data []byte, samples int) (frame, error) {
	if p.opts.Proxy {
		return frame{data: append([]byte(nil), data...), samples: samples}, nil
	}
	if p.encoder == nil {
		return frame{}, ErrNoEncoder
	}
	if samples != p.opts.FrameSamples() || len(data) != samples*p.opts.Channels*2 {
		return frame{}, fmt.Errorf("%w: %d bytes for %d samples", ErrFrameSize, len(data), samples)
	}

	pcm := make([]int16, len(data)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	if p.volume != DefaultVolume {
		scale(pcm, p.volume)
	}

	packet, err := p.encoder.Encode(pcm, samples)
	if err != nil {
		return frame{}, fmt.Errorf("could not encode frame: %w", err)
	}
	return frame{data: packet, samples: samples}, nil
}

func scale(pcm []int16, percent int) {
	for i, s := range pcm {
		v := int32(s) * int32(percent) / 100
		switch {
		case v > 32767:
			v = 32767
		case v < -32768:
			v = -32768
		}
		pcm[i] = int16(v)
	}
}

func (p *Pipeline) run(ctx context.Context, interval time.Duration) {
	defer close(p.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.tick(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				p.logger.Warn("run: failed to send audio frame", "error", err)
				p.kill(err)
				return
			}
		}
	}
}

// tick sends one queued frame. With an empty queue a speaking sink gets
// silence frames before speaking is turned off. A sink that is not ready
// leaves the queue and the speaking state as they were.
func (p *Pipeline) tick(ctx context.Context) error {
	p.mu.Lock()
	var f frame
	have := p.queue.Len() > 0
	if have {
		f = p.queue.PopFront()
	}
	wasSpeaking, silenceLeft, clears := p.speaking, p.silenceLeft, p.clears

	startSpeaking := have && !p.speaking
	sendSilence := false
	stopSpeaking := false
	if have {
		p.speaking = true
		p.silenceLeft = silenceFrames
	} else if p.speaking && p.silenceLeft > 0 {
		sendSilence = true
		p.silenceLeft--
		if p.silenceLeft == 0 {
			p.speaking = false
			stopSpeaking = true
		}
	}
	samples := p.opts.FrameSamples()
	p.mu.Unlock()

	err := p.send(ctx, f, have, startSpeaking, sendSilence, stopSpeaking, samples)
	if errors.Is(err, ErrSinkNotReady) {
		p.mu.Lock()
		if have && !p.killed && p.clears == clears {
			p.queue.PushFront(f)
		}
		p.speaking, p.silenceLeft = wasSpeaking, silenceLeft
		p.mu.Unlock()
		return nil
	}
	if err != nil {
		return err
	}

	p.mu.Lock()
	if have {
		p.space.Broadcast()
		if f.piped {
			p.pipedSamples += int64(f.samples)
		}
	}
	var notify func()
	if p.queue.Len() < lowWater && p.pipe == nil {
		notify = p.needBuffer
	}
	p.mu.Unlock()

	if notify != nil && p.notifying.CompareAndSwap(false, true) {
		go func() {
			defer p.notifying.Store(false)
			notify()
		}()
	}
	return nil
}

func (p *Pipeline) send(ctx context.Context, f frame, have, startSpeaking, sendSilence, stopSpeaking bool, samples int) error {
	if startSpeaking {
		if err := p.sink.SetSpeaking(true); err != nil {
			return fmt.Errorf("could not set speaking: %w", err)
		}
	}
	switch {
	case have:
		return p.sink.WriteOpus(ctx, f.data, f.samples)
	case sendSilence:
		if err := p.sink.WriteOpus(ctx, silenceFrame, samples); err != nil {
			return err
		}
		if stopSpeaking {
			if err := p.sink.SetSpeaking(false); err != nil {
				return fmt.Errorf("could not clear speaking: %w", err)
			}
		}
	}
	return nil
}
