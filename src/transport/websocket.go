package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zlib"
)

const closeWriteTimeout = 5 * time.Second

// WebsocketDialer opens sockets with gorilla/websocket. Binary frames are
// treated as zlib-compressed JSON and inflated before they are returned.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
	Logger *slog.Logger
}

func (d WebsocketDialer) Dial(ctx context.Context, url string) (Socket, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, res, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		if res != nil {
			return nil, fmt.Errorf("could not connect to WebSocket (status %d): %w", res.StatusCode, err)
		}
		return nil, fmt.Errorf("could not connect to WebSocket: %w", err)
	}

	logger.Debug("Dial: connected", "url", url)
	return &websocketSocket{conn: conn, logger: logger.With("component", "websocket")}, nil
}

type websocketSocket struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex
}

func (s *websocketSocket) ReadFrame() ([]byte, error) {
	messageType, body, err := s.conn.ReadMessage()
	if err != nil {
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			return nil, &CloseError{Code: closeErr.Code, Reason: closeErr.Text}
		}
		return nil, fmt.Errorf("could not receive message from WebSocket: %w", err)
	}

	if messageType == websocket.BinaryMessage {
		inflated, err := Inflate(body)
		if err != nil {
			return nil, err
		}
		return inflated, nil
	}
	return body, nil
}

func (s *websocketSocket) WriteFrame(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("could not send message: %w", err)
	}
	return nil
}

// Close sends a close frame with code and closes the connection. A failing
// close frame is logged and the connection is closed anyway.
func (s *websocketSocket) Close(code int) error {
	s.writeMu.Lock()
	err := s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""),
		time.Now().Add(closeWriteTimeout),
	)
	s.writeMu.Unlock()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		s.logger.Debug("Close: failed to send close message", "error", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close connection: %w", err)
	}
	return nil
}

// Inflate decompresses one zlib-compressed payload.
func Inflate(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("could not open compressed payload: %w", err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("could not inflate payload: %w", err)
	}
	return out, nil
}
