package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testFrame   = 5 * time.Millisecond
	testSamples = 240 // 5 ms at 48 kHz
	waitFor     = 2 * time.Second
)

type fakeSink struct {
	mu       sync.Mutex
	frames   [][]byte
	speaking []bool
	err      error
	notReady bool
}

func (s *fakeSink) WriteOpus(_ context.Context, frame []byte, _ int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.notReady {
		return ErrSinkNotReady
	}
	s.frames = append(s.frames, append([]byte(nil), frame...))
	return nil
}

func (s *fakeSink) SetSpeaking(speaking bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.notReady {
		return ErrSinkNotReady
	}
	s.speaking = append(s.speaking, speaking)
	return nil
}

func (s *fakeSink) setReady(ready bool) {
	s.mu.Lock()
	s.notReady = !ready
	s.mu.Unlock()
}

// audioFrames returns the non-silence frames written so far.
func (s *fakeSink) audioFrames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out [][]byte
	for _, f := range s.frames {
		if !bytes.Equal(f, silenceFrame) {
			out = append(out, f)
		}
	}
	return out
}

func (s *fakeSink) snapshot() (audio int, silence int, speaking []bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.frames {
		if bytes.Equal(f, silenceFrame) {
			silence++
		} else {
			audio++
		}
	}
	return audio, silence, append([]bool(nil), s.speaking...)
}

type fakeEncoder struct {
	mu      sync.Mutex
	last    []int16
	bitrate int
}

func (e *fakeEncoder) Encode(pcm []int16, _ int) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.last = append([]int16(nil), pcm...)
	return []byte{0xAA, byte(pcm[0])}, nil
}

func (e *fakeEncoder) SetBitrate(bps int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bitrate = bps
	return nil
}

func newTestPipeline(t *testing.T, opts Options) (*Pipeline, *fakeSink, *fakeEncoder) {
	t.Helper()
	sink := &fakeSink{}
	enc := &fakeEncoder{}
	p := NewPipeline(sink, func(int, int) (FrameEncoder, error) { return enc, nil }, nil)
	opts.FrameDuration = testFrame
	require.NoError(t, p.Initialize(opts))
	t.Cleanup(p.Kill)
	return p, sink, enc
}

func pcmFrame(value int16) []byte {
	buf := make([]byte, testSamples*DefaultChannels*2)
	for i := 0; i < len(buf); i += 2 {
		binary.LittleEndian.PutUint16(buf[i:], uint16(value))
	}
	return buf
}

func TestOptionsFrameMath(t *testing.T) {
	o := Options{}
	assert.Equal(t, 960, o.FrameSamples())
	assert.Equal(t, 3840, o.FrameBytes())
	assert.Equal(t, 240, Options{FrameDuration: testFrame}.FrameSamples())
}

func TestEnqueueBeforeInitialize(t *testing.T) {
	p := NewPipeline(&fakeSink{}, nil, nil)
	assert.ErrorIs(t, p.Enqueue(pcmFrame(0), testSamples), ErrNotInitialized)
	assert.ErrorIs(t, p.Initialize(Options{}), ErrNoEncoder)
}

func TestFramesThenSilenceThenQuiet(t *testing.T) {
	p, sink, _ := newTestPipeline(t, Options{})

	require.NoError(t, p.EnqueueMultiple([][]byte{pcmFrame(1), pcmFrame(2), pcmFrame(3)}, testSamples))

	assert.Eventually(t, func() bool {
		audio, silence, speaking := sink.snapshot()
		return audio == 3 && silence == silenceFrames && len(speaking) == 2
	}, waitFor, testFrame)

	_, _, speaking := sink.snapshot()
	assert.Equal(t, []bool{true, false}, speaking)

	time.Sleep(10 * testFrame)
	audio, silence, _ := sink.snapshot()
	assert.Equal(t, 3, audio)
	assert.Equal(t, silenceFrames, silence)
}

func TestFrameSizeMismatch(t *testing.T) {
	p, _, _ := newTestPipeline(t, Options{})

	assert.ErrorIs(t, p.Enqueue(pcmFrame(0)[:10], testSamples), ErrFrameSize)
	assert.ErrorIs(t, p.Enqueue(pcmFrame(0), 960), ErrFrameSize)
	assert.ErrorIs(t, p.EnqueueMultiple([][]byte{pcmFrame(0), {1}}, testSamples), ErrFrameSize)
	assert.Equal(t, 0, p.QueueLength())
}

func TestVolumeScalesSamples(t *testing.T) {
	p, _, enc := newTestPipeline(t, Options{})

	require.NoError(t, p.SetVolume(50))
	require.NoError(t, p.Enqueue(pcmFrame(1000), testSamples))

	enc.mu.Lock()
	defer enc.mu.Unlock()
	require.NotEmpty(t, enc.last)
	assert.Equal(t, int16(500), enc.last[0])
}

func TestProxyModeRejectsEncoderSettings(t *testing.T) {
	p, sink, _ := newTestPipeline(t, Options{Proxy: true})

	assert.ErrorIs(t, p.SetVolume(50), ErrProxyMode)
	assert.ErrorIs(t, p.SetBitrate(64000), ErrProxyMode)
	assert.Equal(t, DefaultVolume, p.Volume())

	require.NoError(t, p.Enqueue([]byte{0x01, 0x02}, testSamples))
	assert.Eventually(t, func() bool {
		audio, _, _ := sink.snapshot()
		return audio == 1
	}, waitFor, testFrame)
}

func TestSetBitrateReachesEncoder(t *testing.T) {
	p, _, enc := newTestPipeline(t, Options{Bitrate: 32000})
	enc.mu.Lock()
	assert.Equal(t, 32000, enc.bitrate)
	enc.mu.Unlock()

	require.NoError(t, p.SetBitrate(96000))
	enc.mu.Lock()
	assert.Equal(t, 96000, enc.bitrate)
	enc.mu.Unlock()
	assert.Equal(t, 96000, p.Options().Bitrate)
}

func TestPipeHoldsProducerSlot(t *testing.T) {
	p, sink, _ := newTestPipeline(t, Options{})
	stream := p.Stream()

	pr, pw := io.Pipe()
	a, err := stream.Pipe(pr)
	require.NoError(t, err)

	assert.ErrorIs(t, p.Enqueue(pcmFrame(0), testSamples), ErrPipeActive)
	_, err = stream.Pipe(bytes.NewReader(nil))
	assert.ErrorIs(t, err, ErrPipeActive)

	go func() {
		for i := 0; i < 4; i++ {
			_, _ = pw.Write(pcmFrame(int16(i)))
		}
		_ = pw.Close()
	}()

	select {
	case <-a.Done():
	case <-time.After(waitFor):
		t.Fatal("pipe did not finish")
	}
	assert.NoError(t, a.Err())

	assert.Eventually(t, func() bool {
		audio, _, _ := sink.snapshot()
		return audio == 4
	}, waitFor, testFrame)
	assert.InDelta(t, 4*testFrame.Seconds(), stream.Timestamp(), 1e-9)

	stream.ResetTimestamp()
	assert.Zero(t, stream.Timestamp())
	assert.NoError(t, p.Enqueue(pcmFrame(0), testSamples))
}

func TestShortFinalFrameIsPadded(t *testing.T) {
	p, sink, _ := newTestPipeline(t, Options{})

	data := append(pcmFrame(1), pcmFrame(2)[:100]...)
	a, err := p.Stream().Pipe(bytes.NewReader(data))
	require.NoError(t, err)
	<-a.Done()

	assert.Eventually(t, func() bool {
		audio, _, _ := sink.snapshot()
		return audio == 2
	}, waitFor, testFrame)
}

func TestNeedBufferSuspendedWhilePiped(t *testing.T) {
	p, _, _ := newTestPipeline(t, Options{})
	var calls atomic.Int32
	p.OnNeedBuffer(func() { calls.Add(1) })

	assert.Eventually(t, func() bool { return calls.Load() > 0 }, waitFor, testFrame)

	pr, pw := io.Pipe()
	defer pw.Close()
	_, err := p.Stream().Pipe(pr)
	require.NoError(t, err)

	time.Sleep(2 * testFrame)
	before := calls.Load()
	time.Sleep(10 * testFrame)
	assert.Equal(t, before, calls.Load())

	p.Stream().UnpipeAll()
	assert.Eventually(t, func() bool { return calls.Load() > before }, waitFor, testFrame)
}

func TestKillStopsEverything(t *testing.T) {
	p, _, _ := newTestPipeline(t, Options{})

	pr, pw := io.Pipe()
	defer pw.Close()
	a, err := p.Stream().Pipe(pr)
	require.NoError(t, err)

	p.Kill()
	p.Kill()

	<-a.Done()
	assert.ErrorIs(t, a.Err(), ErrKilled)
	assert.ErrorIs(t, p.Enqueue(pcmFrame(0), testSamples), ErrKilled)
	assert.ErrorIs(t, p.Initialize(Options{}), ErrKilled)

	killed, cause := p.Killed()
	assert.True(t, killed)
	assert.NoError(t, cause)
}

func TestSinkErrorKillsPipeline(t *testing.T) {
	p, sink, _ := newTestPipeline(t, Options{})
	boom := errors.New("udp write failed")
	sink.mu.Lock()
	sink.err = boom
	sink.mu.Unlock()

	require.NoError(t, p.Enqueue(pcmFrame(0), testSamples))

	assert.Eventually(t, func() bool {
		killed, _ := p.Killed()
		return killed
	}, waitFor, testFrame)
	_, cause := p.Killed()
	assert.ErrorIs(t, cause, boom)
}

func TestOpusPacketSamples(t *testing.T) {
	tests := []struct {
		name   string
		packet []byte
		want   int
	}{
		{"celt 20ms single", []byte{0xF8}, 960},
		{"celt 10ms single", []byte{0xF0}, 480},
		{"silk 60ms single", []byte{0x18}, 2880},
		{"hybrid 20ms double", []byte{0x69}, 1920},
		{"celt 2.5ms arbitrary count", []byte{0xE3, 0x04}, 480},
		{"empty", nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, OpusPacketSamples(tt.packet))
		})
	}
}

var oggCRCTable = func() [256]uint32 {
	var table [256]uint32
	for i := range table {
		r := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if r&0x80000000 != 0 {
				r = r<<1 ^ 0x04c11db7
			} else {
				r <<= 1
			}
		}
		table[i] = r
	}
	return table
}()

func oggPage(headerType byte, seq uint32, granule int64, packets ...[]byte) []byte {
	var segments, body []byte
	for _, packet := range packets {
		n := len(packet)
		for n >= 255 {
			segments = append(segments, 255)
			n -= 255
		}
		segments = append(segments, byte(n))
		body = append(body, packet...)
	}

	page := make([]byte, 27, 27+len(segments)+len(body))
	copy(page, "OggS")
	page[5] = headerType
	binary.LittleEndian.PutUint64(page[6:14], uint64(granule))
	binary.LittleEndian.PutUint32(page[14:18], 1)
	binary.LittleEndian.PutUint32(page[18:22], seq)
	page[26] = byte(len(segments))
	page = append(page, segments...)
	page = append(page, body...)

	var crc uint32
	for _, b := range page {
		crc = crc<<8 ^ oggCRCTable[byte(crc>>24)^b]
	}
	binary.LittleEndian.PutUint32(page[22:26], crc)
	return page
}

func oggOpusFile(packets ...[]byte) []byte {
	var out []byte
	out = append(out, oggPage(0x02, 0, 0, []byte("OpusHead\x01\x02\x38\x01\x80\xbb\x00\x00\x00\x00\x00"))...)
	out = append(out, oggPage(0x00, 1, 0, []byte("OpusTags\x00\x00\x00\x00\x00\x00\x00\x00"))...)
	out = append(out, oggPage(0x04, 2, int64(960*len(packets)), packets...)...)
	return out
}

func TestOggFrameReaderSkipsHeaders(t *testing.T) {
	r := NewOggFrameReader(bytes.NewReader(oggOpusFile([]byte{0xF8, 0x01}, []byte{0xF8, 0x02})))

	frame, samples, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, []byte{0xF8, 0x01}, frame)
	assert.Equal(t, 960, samples)

	frame, _, err = r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, []byte{0xF8, 0x02}, frame)

	_, _, err = r.ReadFrame()
	assert.Error(t, err)
}

func TestOggOpusPlayerPassesFramesThrough(t *testing.T) {
	p, sink, _ := newTestPipeline(t, Options{Proxy: true})
	data := oggOpusFile([]byte{0xF8, 0x01}, []byte{0xF8, 0x02}, []byte{0xF8, 0x03})

	player := NewOggOpusPlayer(p.Stream(), func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}, nil)
	require.NoError(t, player.Play())

	assert.Eventually(t, func() bool {
		audio, _, _ := sink.snapshot()
		return audio == 3
	}, waitFor, testFrame)

	player.Destroy()
	assert.ErrorIs(t, player.Play(), ErrDestroyed)
}

func TestFFmpegEncoderPipesProcessOutput(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}
	p, sink, _ := newTestPipeline(t, Options{})

	file := filepath.Join(t.TempDir(), "audio.pcm")
	data := append(append(pcmFrame(1), pcmFrame(2)...), pcmFrame(3)[:50]...)
	require.NoError(t, os.WriteFile(file, data, 0o600))

	var gotArgs []string
	enc := NewFFmpegEncoder(p.Stream(), FFmpegOptions{
		Source: file,
		Command: func(ctx context.Context, _ string, args ...string) *exec.Cmd {
			gotArgs = args
			return exec.CommandContext(ctx, "cat", file)
		},
	})
	require.NoError(t, enc.Play())
	assert.Contains(t, gotArgs, "s16le")
	assert.Contains(t, gotArgs, "pipe:1")
	assert.Nil(t, enc.Stdin())

	assert.Eventually(t, func() bool {
		audio, _, _ := sink.snapshot()
		return audio == 3
	}, waitFor, testFrame)
	assert.Eventually(t, func() bool { return !enc.Playing() }, waitFor, testFrame)

	enc.Destroy()
	assert.ErrorIs(t, enc.Play(), ErrDestroyed)
	assert.ErrorIs(t, enc.Pipe(), ErrDestroyed)
}

func TestSinkNotReadyKeepsFramesQueued(t *testing.T) {
	p, sink, _ := newTestPipeline(t, Options{Proxy: true})
	sink.setReady(false)

	require.NoError(t, p.EnqueueMultiple([][]byte{{0xF8, 1}, {0xF8, 2}, {0xF8, 3}}, testSamples))
	time.Sleep(10 * testFrame)
	assert.Equal(t, 3, p.QueueLength())
	audio, _, speaking := sink.snapshot()
	assert.Zero(t, audio)
	assert.Empty(t, speaking)

	sink.setReady(true)
	assert.Eventually(t, func() bool {
		_, _, speaking := sink.snapshot()
		return len(sink.audioFrames()) == 3 && len(speaking) == 2
	}, waitFor, testFrame)
	assert.Equal(t, [][]byte{{0xF8, 1}, {0xF8, 2}, {0xF8, 3}}, sink.audioFrames())
	_, _, speaking = sink.snapshot()
	assert.Equal(t, []bool{true, false}, speaking)
}

func TestClearQueueWhileSinkNotReady(t *testing.T) {
	p, sink, _ := newTestPipeline(t, Options{Proxy: true})
	sink.setReady(false)

	require.NoError(t, p.Enqueue([]byte{0xF8, 1}, testSamples))
	time.Sleep(3 * testFrame)
	p.ClearQueue()
	time.Sleep(5 * testFrame)
	assert.Zero(t, p.QueueLength())

	sink.setReady(true)
	time.Sleep(5 * testFrame)
	assert.Empty(t, sink.audioFrames())
}

func TestNeedBufferCallbackMayKill(t *testing.T) {
	p, _, _ := newTestPipeline(t, Options{})
	returned := make(chan struct{})
	var once sync.Once
	p.OnNeedBuffer(func() {
		p.Kill()
		once.Do(func() { close(returned) })
	})

	select {
	case <-returned:
	case <-time.After(waitFor):
		t.Fatal("Kill called from the callback did not return")
	}
	killed, cause := p.Killed()
	assert.True(t, killed)
	assert.NoError(t, cause)
}

type chanFrames chan []byte

func (c chanFrames) ReadFrame() ([]byte, int, error) {
	f, ok := <-c
	if !ok {
		return nil, 0, io.EOF
	}
	return f, testSamples, nil
}

func TestRepipedSourceKeepsEveryFrameInOrder(t *testing.T) {
	p, sink, _ := newTestPipeline(t, Options{Proxy: true})
	frames := make(chanFrames)
	src := newFrameSource(frames.ReadFrame)
	stream := p.Stream()

	first, err := stream.pipeSource(src, true)
	require.NoError(t, err)
	frames <- []byte{0xF8, 1}
	require.Eventually(t, func() bool { return len(sink.audioFrames()) == 1 }, waitFor, testFrame)

	// the first pump is blocked reading the next frame when it is detached
	first.Detach()
	second, err := stream.pipeSource(src, true)
	require.NoError(t, err)

	frames <- []byte{0xF8, 2}
	frames <- []byte{0xF8, 3}
	close(frames)

	select {
	case <-second.Done():
	case <-time.After(waitFor):
		t.Fatal("second pipe did not finish")
	}
	assert.NoError(t, second.Err())
	assert.Eventually(t, func() bool { return len(sink.audioFrames()) == 3 }, waitFor, testFrame)
	assert.Equal(t, [][]byte{{0xF8, 1}, {0xF8, 2}, {0xF8, 3}}, sink.audioFrames())
}

func TestFFmpegEncoderResumesAfterUnpipe(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}
	p, sink, _ := newTestPipeline(t, Options{})
	enc := NewFFmpegEncoder(p.Stream(), FFmpegOptions{
		Command: func(ctx context.Context, _ string, _ ...string) *exec.Cmd {
			return exec.CommandContext(ctx, "cat")
		},
	})
	defer enc.Destroy()

	require.NoError(t, enc.Play())
	stdin := enc.Stdin()
	require.NotNil(t, stdin)

	_, err := stdin.Write(pcmFrame(1))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(sink.audioFrames()) == 1 }, waitFor, testFrame)

	enc.Unpipe()
	assert.False(t, enc.Playing())

	second := pcmFrame(2)
	_, err = stdin.Write(second[:len(second)/2])
	require.NoError(t, err)
	require.NoError(t, enc.Pipe())
	_, err = stdin.Write(second[len(second)/2:])
	require.NoError(t, err)
	_, err = stdin.Write(pcmFrame(3))
	require.NoError(t, err)
	require.NoError(t, stdin.Close())

	assert.Eventually(t, func() bool { return len(sink.audioFrames()) == 3 }, waitFor, testFrame)
	assert.Equal(t, [][]byte{{0xAA, 1}, {0xAA, 2}, {0xAA, 3}}, sink.audioFrames())
	assert.Eventually(t, func() bool { return !enc.Playing() }, waitFor, testFrame)
}
