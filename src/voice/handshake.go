package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"personal/discordie_go/src/models"
	"personal/discordie_go/src/opcodes"
	"personal/discordie_go/src/transport"

	"github.com/samber/lo"
)

var (
	ErrUnsupportedMode  = errors.New("voice: server does not offer a supported encryption mode")
	ErrHeartbeatTimeout = errors.New("voice: heartbeat not acknowledged")
)

const (
	protocolVersion = 4
	maxMissedAcks   = 2
)

// HandshakeError reports the step of the voice handshake that failed.
type HandshakeError struct {
	Stage string
	Err   error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("voice handshake failed at %s: %v", e.Stage, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

type packet struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
}

type outgoing struct {
	Op int `json:"op"`
	D  any `json:"d"`
}

type identifyData struct {
	ServerID  models.Snowflake `json:"server_id"`
	UserID    models.Snowflake `json:"user_id"`
	SessionID string           `json:"session_id"`
	Token     string           `json:"token"`
}

type helloData struct {
	HeartbeatInterval float64 `json:"heartbeat_interval"`
}

type readyData struct {
	SSRC  uint32   `json:"ssrc"`
	IP    string   `json:"ip"`
	Port  int      `json:"port"`
	Modes []string `json:"modes"`
}

type selectProtocolData struct {
	Protocol string       `json:"protocol"`
	Data     protocolData `json:"data"`
}

type protocolData struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
	Mode    string `json:"mode"`
}

type sessionDescriptionData struct {
	Mode      string `json:"mode"`
	SecretKey []int  `json:"secret_key"`
}

type speakingData struct {
	Speaking int    `json:"speaking"`
	Delay    int    `json:"delay"`
	SSRC     uint32 `json:"ssrc"`
}

type speakingEvent struct {
	UserID models.Snowflake `json:"user_id"`
	SSRC   uint32           `json:"ssrc"`
}

type clientDisconnectData struct {
	UserID models.Snowflake `json:"user_id"`
}

// serverInfo is what one handshake attempt needs, captured when it starts.
type serverInfo struct {
	serverID  models.Snowflake
	userID    models.Snowflake
	sessionID string
	token     string
	endpoint  string
}

// voiceURL turns a voice server endpoint into the socket address. The
// port the service appends is not the websocket port.
func voiceURL(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "wss://")
	host, _, _ := strings.Cut(endpoint, ":")
	return "wss://" + host + "/?v=" + strconv.Itoa(protocolVersion)
}

// voiceSession is one voice socket plus its media transport. A migration
// replaces the session while the Connection stays.
type voiceSession struct {
	info   serverInfo
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	sock  transport.Socket
	media transport.MediaConn
	pkt   *packetizer
	ready bool

	unacked   atomic.Int32
	closeOnce sync.Once
}

func newVoiceSession(info serverInfo) *voiceSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &voiceSession{info: info, ctx: ctx, cancel: cancel}
}

func (vs *voiceSession) send(op int, data any) error {
	vs.mu.Lock()
	sock := vs.sock
	vs.mu.Unlock()
	if sock == nil {
		return ErrNotReady
	}
	payload, err := json.Marshal(outgoing{Op: op, D: data})
	if err != nil {
		return fmt.Errorf("could not marshal voice op %d: %w", op, err)
	}
	if err := sock.WriteFrame(payload); err != nil {
		return fmt.Errorf("could not send voice op %d: %w", op, err)
	}
	return nil
}

func (vs *voiceSession) sealer() *packetizer {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if !vs.ready {
		return nil
	}
	return vs.pkt
}

func (vs *voiceSession) mediaConn() transport.MediaConn {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.media
}

func (vs *voiceSession) key() *[32]byte {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if vs.pkt == nil {
		return nil
	}
	key := vs.pkt.key
	return &key
}

func (vs *voiceSession) close() {
	vs.closeOnce.Do(func() {
		vs.cancel()
		vs.mu.Lock()
		sock, media := vs.sock, vs.media
		vs.mu.Unlock()
		if sock != nil {
			_ = sock.Close(transport.CloseNormal)
		}
		if media != nil {
			_ = media.Close()
		}
	})
}

// runSession dials the voice socket, runs the handshake and then keeps
// reading until the socket fails or the session is closed.
func (m *Manager) runSession(c *Connection, vs *voiceSession) {
	err := m.serve(c, vs)
	if vs.ctx.Err() != nil {
		return
	}
	m.lost(c, vs, err)
}

func (m *Manager) serve(c *Connection, vs *voiceSession) error {
	url := voiceURL(vs.info.endpoint)
	m.logger.Debug("serve: dialing voice server", "url", url, "server", vs.info.serverID)

	sock, err := m.dialer.Dial(vs.ctx, url)
	if err != nil {
		return &HandshakeError{Stage: "dial", Err: err}
	}
	vs.mu.Lock()
	vs.sock = sock
	vs.mu.Unlock()
	if vs.ctx.Err() != nil {
		_ = sock.Close(transport.CloseNormal)
		return vs.ctx.Err()
	}

	err = vs.send(opcodes.VoiceIdentify, identifyData{
		ServerID:  vs.info.serverID,
		UserID:    vs.info.userID,
		SessionID: vs.info.sessionID,
		Token:     vs.info.token,
	})
	if err != nil {
		return &HandshakeError{Stage: "identify", Err: err}
	}

	for {
		frame, err := sock.ReadFrame()
		if err != nil {
			if !vs.isReady() {
				return &HandshakeError{Stage: "read", Err: err}
			}
			return fmt.Errorf("voice socket closed: %w", err)
		}
		if err := m.handleFrame(c, vs, frame); err != nil {
			return err
		}
	}
}

func (vs *voiceSession) isReady() bool {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.ready
}

func (m *Manager) handleFrame(c *Connection, vs *voiceSession, frame []byte) error {
	var p packet
	if err := json.Unmarshal(frame, &p); err != nil {
		m.logger.Warn("handleFrame: could not unmarshal voice message", "error", err)
		return nil
	}

	switch p.Op {
	case opcodes.VoiceHello:
		var hello helloData
		if err := json.Unmarshal(p.D, &hello); err != nil || hello.HeartbeatInterval <= 0 {
			return &HandshakeError{Stage: "hello", Err: fmt.Errorf("invalid heartbeat interval in %s", p.D)}
		}
		interval := time.Duration(hello.HeartbeatInterval * float64(time.Millisecond))
		go m.heartbeat(c, vs, interval)

	case opcodes.VoiceReady:
		var ready readyData
		if err := json.Unmarshal(p.D, &ready); err != nil {
			return &HandshakeError{Stage: "ready", Err: err}
		}
		return m.selectProtocol(vs, ready)

	case opcodes.VoiceSessionDescription:
		var desc sessionDescriptionData
		if err := json.Unmarshal(p.D, &desc); err != nil {
			return &HandshakeError{Stage: "session description", Err: err}
		}
		if len(desc.SecretKey) != 32 {
			return &HandshakeError{Stage: "session description", Err: fmt.Errorf("secret key has %d bytes", len(desc.SecretKey))}
		}
		vs.mu.Lock()
		if vs.pkt == nil {
			vs.mu.Unlock()
			return &HandshakeError{Stage: "session description", Err: errors.New("received before ready")}
		}
		for i, b := range desc.SecretKey {
			vs.pkt.key[i] = byte(b)
		}
		vs.ready = true
		vs.mu.Unlock()
		m.established(c, vs)

	case opcodes.VoiceSpeaking:
		var ev speakingEvent
		if err := json.Unmarshal(p.D, &ev); err != nil {
			m.logger.Debug("handleFrame: could not unmarshal speaking event", "error", err)
			return nil
		}
		if ev.UserID != "" {
			c.ssrcs.Set(ev.SSRC, ev.UserID)
		}

	case opcodes.VoiceClientDisconnect:
		var ev clientDisconnectData
		if err := json.Unmarshal(p.D, &ev); err != nil {
			m.logger.Debug("handleFrame: could not unmarshal client disconnect", "error", err)
			return nil
		}
		c.ssrcs.RemoveUser(ev.UserID)

	case opcodes.VoiceHeartbeatACK:
		vs.unacked.Store(0)

	default:
		m.logger.Debug("handleFrame: received unknown voice opcode", "op", p.Op)
	}
	return nil
}

// selectProtocol opens the media transport, discovers our external address
// and tells the server where to send media.
func (m *Manager) selectProtocol(vs *voiceSession, ready readyData) error {
	if !lo.Contains(ready.Modes, encryptionMode) {
		return &HandshakeError{Stage: "ready", Err: fmt.Errorf("%w: %v", ErrUnsupportedMode, ready.Modes)}
	}

	media, err := m.media.DialMedia(vs.ctx, net.JoinHostPort(ready.IP, strconv.Itoa(ready.Port)))
	if err != nil {
		return &HandshakeError{Stage: "media", Err: err}
	}
	vs.mu.Lock()
	vs.media = media
	vs.pkt = &packetizer{ssrc: ready.SSRC}
	vs.mu.Unlock()
	if vs.ctx.Err() != nil {
		_ = media.Close()
		return vs.ctx.Err()
	}

	ip, port, err := media.Discover(vs.ctx, ready.SSRC)
	if err != nil {
		return &HandshakeError{Stage: "ip discovery", Err: err}
	}
	m.logger.Debug("selectProtocol: discovered external address", "ip", ip, "port", port, "ssrc", ready.SSRC)

	err = vs.send(opcodes.VoiceSelectProtocol, selectProtocolData{
		Protocol: "udp",
		Data:     protocolData{Address: ip, Port: port, Mode: encryptionMode},
	})
	if err != nil {
		return &HandshakeError{Stage: "select protocol", Err: err}
	}
	return nil
}

func (m *Manager) heartbeat(c *Connection, vs *voiceSession, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-vs.ctx.Done():
			return
		case <-ticker.C:
			if vs.unacked.Load() >= maxMissedAcks {
				m.lost(c, vs, ErrHeartbeatTimeout)
				return
			}
			vs.unacked.Add(1)
			if err := vs.send(opcodes.VoiceHeartbeat, time.Now().UnixMilli()); err != nil {
				m.logger.Warn("heartbeat: failed to send voice heartbeat", "error", err)
			}
		}
	}
}
