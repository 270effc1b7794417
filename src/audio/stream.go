package audio

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

var errDetached = errors.New("audio: source detached")

// FrameReader yields pre-encoded Opus frames.
type FrameReader interface {
	ReadFrame() (frame []byte, samples int, err error)
}

// Attachment is one piped source. Done closes when the source ends, is
// detached or the pipeline is killed.
type Attachment struct {
	p       *Pipeline
	done    chan struct{}
	once    sync.Once
	stopped atomic.Bool
	err     error
}

func newAttachment(p *Pipeline) *Attachment {
	return &Attachment{p: p, done: make(chan struct{})}
}

func (a *Attachment) Done() <-chan struct{} {
	return a.done
}

// Err waits for the source to end and returns the read or encode error
// that ended it; nil after a clean end of stream or Detach.
func (a *Attachment) Err() error {
	<-a.done
	return a.err
}

// Detach stops reading the source. Frames already queued still play.
func (a *Attachment) Detach() {
	a.stopped.Store(true)
	a.p.detach(a, nil)
}

func (a *Attachment) finish(err error) {
	a.once.Do(func() {
		a.err = err
		close(a.done)
	})
}

// Stream is the piping side of a Pipeline.
type Stream struct {
	p *Pipeline
}

func (p *Pipeline) Stream() *Stream {
	return &Stream{p: p}
}

func (s *Stream) Pipeline() *Pipeline {
	return s.p
}

// Pipe reads interleaved s16le PCM from r, one frame at a time, and queues
// it for encoding. A short final frame is padded with silence.
func (s *Stream) Pipe(r io.Reader) (*Attachment, error) {
	opts := s.p.Options()
	return s.p.attach(newFrameSource(pcmFrames(r, opts.FrameBytes(), opts.FrameSamples())), false)
}

// PipeFrames queues Opus frames from r without re-encoding them.
func (s *Stream) PipeFrames(r FrameReader) (*Attachment, error) {
	return s.p.attach(newFrameSource(r.ReadFrame), true)
}

func (s *Stream) pipeSource(src *frameSource, raw bool) (*Attachment, error) {
	return s.p.attach(src, raw)
}

// Timestamp is the playback time of piped audio sent so far, in seconds.
func (s *Stream) Timestamp() float64 {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	return float64(s.p.pipedSamples) / float64(s.p.opts.withDefaults().SampleRate)
}

func (s *Stream) ResetTimestamp() {
	s.p.mu.Lock()
	s.p.pipedSamples = 0
	s.p.mu.Unlock()
}

// UnpipeAll detaches the current source and leaves the worker running.
func (s *Stream) UnpipeAll() {
	s.p.mu.Lock()
	a := s.p.pipe
	s.p.mu.Unlock()
	if a != nil {
		a.Detach()
	}
}

func (p *Pipeline) attach(src *frameSource, raw bool) (*Attachment, error) {
	p.mu.Lock()
	if err := p.usableLocked(); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	if p.pipe != nil {
		p.mu.Unlock()
		return nil, ErrPipeActive
	}
	a := newAttachment(p)
	p.pipe = a
	p.mu.Unlock()

	go p.pump(a, src, raw)
	return a, nil
}

func (p *Pipeline) detach(a *Attachment, err error) {
	p.mu.Lock()
	if p.pipe == a {
		p.pipe = nil
		p.space.Broadcast()
	}
	p.mu.Unlock()
	a.finish(err)
}

func (p *Pipeline) pump(a *Attachment, src *frameSource, raw bool) {
	deliver := func(data []byte, samples int) error {
		return p.push(a, data, samples, raw)
	}
	for !a.stopped.Load() {
		err := src.next(deliver)
		if err == nil {
			continue
		}
		if errors.Is(err, errDetached) || a.stopped.Load() {
			return
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			err = nil
		}
		p.detach(a, err)
		return
	}
}

// push queues one piped frame once there is room. It fails with
// errDetached when a stops being the piped source first.
func (p *Pipeline) push(a *Attachment, data []byte, samples int, raw bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.pipe == a && p.queue.Len() >= maxQueuedFrames {
		p.space.Wait()
	}
	if p.pipe != a {
		return errDetached
	}

	f := frame{data: data, samples: samples}
	if !raw {
		var err error
		if f, err = p.encodeLocked(data, samples); err != nil {
			return err
		}
	}
	f.piped = true
	p.queue.PushBack(f)
	return nil
}

// frameSource serializes frame reads of one source across successive
// attachments. A frame read on behalf of an attachment that went away in
// the meantime is held for the next one, so re-piping a source neither
// drops nor reorders frames.
type frameSource struct {
	read func() ([]byte, int, error)

	mu          sync.Mutex
	held        bool
	heldData    []byte
	heldSamples int
	err         error
}

func newFrameSource(read func() ([]byte, int, error)) *frameSource {
	return &frameSource{read: read}
}

// next reads one frame, or takes the held one, and hands it to deliver
// without releasing the source in between.
func (s *frameSource) next(deliver func(data []byte, samples int) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, samples := s.heldData, s.heldSamples
	if s.held {
		s.held, s.heldData = false, nil
	} else {
		if s.err != nil {
			return s.err
		}
		var err error
		if data, samples, err = s.read(); err != nil {
			s.err = err
			return err
		}
	}

	err := deliver(data, samples)
	if errors.Is(err, errDetached) {
		s.held, s.heldData, s.heldSamples = true, data, samples
	}
	return err
}

// exhausted reports whether reading has ended with nothing held back.
func (s *frameSource) exhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err != nil && !s.held
}

// pcmFrames cuts r into frames of size bytes. A short final frame is padded
// with silence.
func pcmFrames(r io.Reader, size, samples int) func() ([]byte, int, error) {
	eof := false
	return func() ([]byte, int, error) {
		if eof {
			return nil, 0, io.EOF
		}
		buf := make([]byte, size)
		n, err := io.ReadFull(r, buf)
		if errors.Is(err, io.ErrUnexpectedEOF) && n > 0 {
			eof = true
			return buf, samples, nil
		}
		if err != nil {
			return nil, 0, err
		}
		return buf, samples, nil
	}
}
