package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compress(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	_, err := w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestInflate(t *testing.T) {
	out, err := Inflate(compress(t, []byte(`{"op":10}`)))
	require.NoError(t, err)
	assert.Equal(t, `{"op":10}`, string(out))

	_, err = Inflate([]byte("not zlib"))
	assert.Error(t, err)
}

func wsServer(t *testing.T, serve func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		serve(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebsocketSocketFrames(t *testing.T) {
	url := wsServer(t, func(conn *websocket.Conn) {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, msg)

		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		_, _ = w.Write([]byte(`{"op":11}`))
		_ = w.Close()
		_ = conn.WriteMessage(websocket.BinaryMessage, buf.Bytes())

		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(4004, "authentication failed"))
		_, _, _ = conn.ReadMessage()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sock, err := WebsocketDialer{}.Dial(ctx, url)
	require.NoError(t, err)
	defer sock.Close(CloseNormal)

	require.NoError(t, sock.WriteFrame([]byte(`{"op":1}`)))

	frame, err := sock.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, `{"op":1}`, string(frame))

	frame, err = sock.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, `{"op":11}`, string(frame))

	_, err = sock.ReadFrame()
	var closeErr *CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, 4004, closeErr.Code)
	assert.Equal(t, "authentication failed", closeErr.Reason)
}

func TestWebsocketDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := WebsocketDialer{}.Dial(ctx, "ws://127.0.0.1:1/")
	assert.Error(t, err)
}

func TestDiscoveryPacketLayout(t *testing.T) {
	packet := DiscoveryPacket(0xdeadbeef)
	require.Len(t, packet, 74)
	assert.Equal(t, uint16(1), binary.BigEndian.Uint16(packet[0:2]))
	assert.Equal(t, uint16(70), binary.BigEndian.Uint16(packet[2:4]))
	assert.Equal(t, uint32(0xdeadbeef), binary.BigEndian.Uint32(packet[4:8]))
}

func discoveryReply(ssrc uint32, ip string, port uint16) []byte {
	reply := make([]byte, 74)
	binary.BigEndian.PutUint16(reply[0:2], 2)
	binary.BigEndian.PutUint16(reply[2:4], 70)
	binary.BigEndian.PutUint32(reply[4:8], ssrc)
	copy(reply[8:], ip)
	binary.BigEndian.PutUint16(reply[72:74], port)
	return reply
}

func TestParseDiscovery(t *testing.T) {
	ip, port, err := ParseDiscovery(discoveryReply(1, "203.0.113.7", 50004))
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.7", ip)
	assert.Equal(t, 50004, port)

	_, _, err = ParseDiscovery([]byte{0, 2})
	assert.ErrorIs(t, err, ErrDiscovery)

	_, _, err = ParseDiscovery(DiscoveryPacket(1))
	assert.ErrorIs(t, err, ErrDiscovery)
}

func TestUDPDiscoverRoundTrip(t *testing.T) {
	server, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer server.Close()

	go func() {
		buf := make([]byte, 128)
		n, addr, err := server.ReadFrom(buf)
		if err != nil || n != 74 {
			return
		}
		ssrc := binary.BigEndian.Uint32(buf[4:8])
		_, _ = server.WriteTo(discoveryReply(ssrc, "198.51.100.1", 1234), addr)

		n, addr, err = server.ReadFrom(buf)
		if err != nil {
			return
		}
		_, _ = server.WriteTo(buf[:n], addr)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := UDPDialer{}.DialMedia(ctx, server.LocalAddr().String())
	require.NoError(t, err)
	defer conn.Close()

	ip, port, err := conn.Discover(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.1", ip)
	assert.Equal(t, 1234, port)

	_, err = conn.Write([]byte("media"))
	require.NoError(t, err)
	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "media", string(buf[:n]))
}

func TestResolveGatewayURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/gateway/bot" || r.Header.Get("Authorization") != "tok" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"401: Unauthorized"}`))
			return
		}
		_, _ = w.Write([]byte(`{"url":"wss://gateway.example"}`))
	}))
	defer srv.Close()

	rest := NewREST(srv.Client(), srv.URL, "tok")
	defer rest.Close()
	got, err := ResolveGatewayURL(context.Background(), rest)
	require.NoError(t, err)
	assert.Equal(t, "wss://gateway.example?encoding=json&v=6", got)

	bad := NewREST(srv.Client(), srv.URL, "bad")
	defer bad.Close()
	_, err = ResolveGatewayURL(context.Background(), bad)
	assert.ErrorContains(t, err, "status 401")
}

func TestGetJSONSendsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/channels/1/messages", r.URL.Path)
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		assert.Equal(t, "tok", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`[{"id":"9"}]`))
	}))
	defer srv.Close()

	rest := NewREST(srv.Client(), srv.URL, "tok")
	defer rest.Close()

	var out []struct {
		ID string `json:"id"`
	}
	require.NoError(t, GetJSON(context.Background(), rest, "/channels/1/messages", map[string]string{"limit": "50"}, &out))
	require.Len(t, out, 1)
	assert.Equal(t, "9", out[0].ID)
}
