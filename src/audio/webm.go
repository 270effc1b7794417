package audio

import (
	"io"
)

// WebmOpusPlayer plays the Opus track of a WebM file. ffmpeg remuxes it to
// Ogg without transcoding and the result is played like an Ogg file.
type WebmOpusPlayer struct {
	*OggOpusPlayer
}

func NewWebmOpusPlayer(stream *Stream, opts FFmpegOptions) *WebmOpusPlayer {
	opts = opts.withDefaults()
	args := []string{"-hide_banner", "-loglevel", "error"}
	args = append(args, opts.InputArgs...)
	args = append(args, "-i", opts.Source, "-vn", "-c:a", "copy", "-f", "ogg", "pipe:1")

	open := func() (io.ReadCloser, error) {
		proc, err := startProcess(opts, args, false)
		if err != nil {
			return nil, err
		}
		return proc, nil
	}
	return &WebmOpusPlayer{OggOpusPlayer: NewOggOpusPlayer(stream, open, opts.Logger.With("source", "webm"))}
}
