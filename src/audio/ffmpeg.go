package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
)

var (
	ErrNotPlaying = errors.New("audio: nothing is playing")
	ErrDestroyed  = errors.New("audio: player destroyed")
)

// Command builds the process for an ffmpeg invocation; it exists so the
// binary can be swapped.
type Command func(ctx context.Context, path string, args ...string) *exec.Cmd

func defaultCommand(ctx context.Context, path string, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, path, args...)
}

type FFmpegOptions struct {
	// Path to the ffmpeg binary, "ffmpeg" by default.
	Path string
	// Source is a file or URL; "-" reads from Stdin.
	Source    string
	InputArgs []string
	Command   Command
	Logger    *slog.Logger
}

func (o FFmpegOptions) withDefaults() FFmpegOptions {
	if o.Path == "" {
		o.Path = "ffmpeg"
	}
	if o.Source == "" {
		o.Source = "-"
	}
	if o.Command == nil {
		o.Command = defaultCommand
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// process is one running ffmpeg child.
type process struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdin  io.WriteCloser
	stdout io.ReadCloser

	waitOnce sync.Once
}

func startProcess(opts FFmpegOptions, args []string, withStdin bool) (*process, error) {
	ctx, cancel := context.WithCancel(context.Background())
	cmd := opts.Command(ctx, opts.Path, args...)

	p := &process{cmd: cmd, cancel: cancel}
	var err error
	if withStdin {
		if p.stdin, err = cmd.StdinPipe(); err != nil {
			cancel()
			return nil, fmt.Errorf("could not open ffmpeg stdin: %w", err)
		}
	}
	if p.stdout, err = cmd.StdoutPipe(); err != nil {
		cancel()
		return nil, fmt.Errorf("could not open ffmpeg stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("could not start ffmpeg: %w", err)
	}
	return p, nil
}

func (p *process) Read(buf []byte) (int, error) {
	return p.stdout.Read(buf)
}

// Close kills the process if it is still running and reaps it.
func (p *process) Close() error {
	p.cancel()
	p.waitOnce.Do(func() {
		if p.stdin != nil {
			_ = p.stdin.Close()
		}
		_ = p.cmd.Wait()
	})
	return nil
}

// FFmpegEncoder decodes any input ffmpeg understands into PCM and pipes it
// into a Stream.
type FFmpegEncoder struct {
	stream *Stream
	opts   FFmpegOptions
	logger *slog.Logger

	mu         sync.Mutex
	proc       *process
	frames     *frameSource
	attachment *Attachment
	destroyed  bool
}

func NewFFmpegEncoder(stream *Stream, opts FFmpegOptions) *FFmpegEncoder {
	opts = opts.withDefaults()
	return &FFmpegEncoder{
		stream: stream,
		opts:   opts,
		logger: opts.Logger.With("component", "ffmpeg"),
	}
}

func (e *FFmpegEncoder) args() []string {
	o := e.stream.Pipeline().Options()
	args := []string{"-hide_banner", "-loglevel", "error"}
	args = append(args, e.opts.InputArgs...)
	return append(args,
		"-i", e.opts.Source,
		"-f", "s16le",
		"-ar", strconv.Itoa(o.SampleRate),
		"-ac", strconv.Itoa(o.Channels),
		"pipe:1",
	)
}

// Play starts ffmpeg if needed and pipes its output into the stream.
func (e *FFmpegEncoder) Play() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return ErrDestroyed
	}
	if e.proc == nil {
		proc, err := startProcess(e.opts, e.args(), e.opts.Source == "-")
		if err != nil {
			return err
		}
		o := e.stream.Pipeline().Options()
		e.proc = proc
		e.frames = newFrameSource(pcmFrames(proc, o.FrameBytes(), o.FrameSamples()))
		e.logger.Info("Play: ffmpeg started", "source", e.opts.Source)
	}
	return e.pipeLocked()
}

// Pipe resumes feeding the stream after Unpipe.
func (e *FFmpegEncoder) Pipe() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return ErrDestroyed
	}
	if e.proc == nil {
		return ErrNotPlaying
	}
	return e.pipeLocked()
}

func (e *FFmpegEncoder) pipeLocked() error {
	if e.attachment != nil {
		return nil
	}
	a, err := e.stream.pipeSource(e.frames, false)
	if err != nil {
		return err
	}
	e.attachment = a
	go e.watch(e.proc, e.frames, a)
	return nil
}

// watch reaps the process once its output has been fully consumed.
func (e *FFmpegEncoder) watch(proc *process, frames *frameSource, a *Attachment) {
	<-a.Done()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.attachment == a {
		e.attachment = nil
	}
	if e.proc == proc && frames.exhausted() {
		_ = proc.Close()
		e.proc = nil
		e.frames = nil
		e.logger.Debug("watch: ffmpeg finished", "error", a.err)
	}
}

// Unpipe pauses: the process stays alive and output is read again on Pipe.
func (e *FFmpegEncoder) Unpipe() {
	e.mu.Lock()
	a := e.attachment
	e.attachment = nil
	e.mu.Unlock()
	if a != nil {
		a.Detach()
	}
}

// Stop unpipes and kills the process. Play starts over from the source.
func (e *FFmpegEncoder) Stop() {
	e.Unpipe()

	e.mu.Lock()
	proc := e.proc
	e.proc = nil
	e.frames = nil
	e.mu.Unlock()
	if proc != nil {
		_ = proc.Close()
	}
}

func (e *FFmpegEncoder) Destroy() {
	e.Stop()
	e.mu.Lock()
	e.destroyed = true
	e.mu.Unlock()
}

// Stdin feeds the process when Source is "-"; nil otherwise or before Play.
func (e *FFmpegEncoder) Stdin() io.WriteCloser {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.proc == nil {
		return nil
	}
	return e.proc.stdin
}

func (e *FFmpegEncoder) Playing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attachment != nil
}
