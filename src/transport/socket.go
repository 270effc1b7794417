package transport

import (
	"context"
	"fmt"
)

// Socket is a framed, message-oriented connection. ReadFrame blocks until a
// whole frame arrives; a closed peer yields a *CloseError.
type Socket interface {
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	Close(code int) error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Socket, error)
}

// MediaConn carries voice packets. Discover performs IP discovery and
// returns our external address as seen by the voice server.
type MediaConn interface {
	Discover(ctx context.Context, ssrc uint32) (ip string, port int, err error)
	Write(packet []byte) (int, error)
	Read(buf []byte) (int, error)
	Close() error
}

type MediaDialer interface {
	DialMedia(ctx context.Context, address string) (MediaConn, error)
}

// CloseError reports the close frame the peer sent.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("socket closed with code %d", e.Code)
	}
	return fmt.Sprintf("socket closed with code %d: %s", e.Code, e.Reason)
}

const (
	CloseNormal    = 1000
	CloseGoingAway = 1001
	// CloseAbnormal is reported when the connection dropped without a close
	// frame.
	CloseAbnormal = 1006
)
