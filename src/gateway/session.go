package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"personal/discordie_go/src/dispatch"
	"personal/discordie_go/src/opcodes"
	"personal/discordie_go/src/reconnect"
	"personal/discordie_go/src/transport"

	"github.com/samber/mo"
)

var (
	ErrNoToken              = errors.New("gateway: no token")
	ErrAlreadyConnected     = errors.New("gateway: already connected")
	ErrNotConnected         = errors.New("gateway: not connected")
	ErrInvalidHandshake     = errors.New("gateway: invalid handshake")
	ErrHeartbeatTimeout     = errors.New("gateway: heartbeat not acknowledged")
	ErrReconnectRequested   = errors.New("gateway: server requested reconnect")
	ErrAuthenticationFailed = errors.New("gateway: authentication failed")
	ErrFatalClose           = errors.New("gateway: session closed permanently")
	ErrDisconnectRequested  = errors.New("gateway: disconnect requested")
)

const (
	DefaultResumeWindow   = 90 * time.Second
	DefaultLargeThreshold = 250

	maxMissedAcks = 2
	// non-1000 close keeps the session resumable on the server
	closeResumable = 4000
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateEstablished
	StateResuming
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateEstablished:
		return "established"
	case StateResuming:
		return "resuming"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Handler receives every dispatch event in sequence order.
type Handler interface {
	Handle(eventType string, data json.RawMessage) error
}

type Config struct {
	URL     string
	Dialer  transport.Dialer
	Handler Handler
	Bus     *dispatch.Dispatcher

	// Policy defaults to reconnect.DefaultPolicy.
	Policy               reconnect.Policy
	DisableAutoReconnect bool
	StableAfter          time.Duration
	ResumeWindow         time.Duration

	Compress       bool
	LargeThreshold int
	Logger         *slog.Logger
}

type Credentials struct {
	Token string
}

// Session maintains the control connection: it authenticates, keeps the
// heartbeat, feeds dispatch events to the Handler in order and reconnects
// after unintended drops, resuming when it can.
type Session struct {
	url          string
	dialer       transport.Dialer
	handler      Handler
	bus          *dispatch.Dispatcher
	logger       *slog.Logger
	auto         *AutoReconnect
	resumeWindow time.Duration
	compress     bool
	largeThresh  int

	mu          sync.Mutex
	state       State
	token       string
	sessionID   string
	resumeURL   string
	established bool
	manual      bool
	gen         uint64
	sock        transport.Socket
	cancel      context.CancelFunc
	timer       *time.Timer
	connectedAt time.Time
	droppedAt   time.Time
	stopWatch   func() bool

	sequence atomic.Int64
	unacked  atomic.Int32
}

func New(cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := cfg.Policy
	if policy == (reconnect.Policy{}) {
		policy = reconnect.DefaultPolicy()
	}
	stableAfter := cfg.StableAfter
	if stableAfter == 0 {
		stableAfter = reconnect.DefaultStableAfter
	}
	resumeWindow := cfg.ResumeWindow
	if resumeWindow == 0 {
		resumeWindow = DefaultResumeWindow
	}
	largeThreshold := cfg.LargeThreshold
	if largeThreshold == 0 {
		largeThreshold = DefaultLargeThreshold
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = transport.WebsocketDialer{Logger: logger}
	}

	return &Session{
		url:          cfg.URL,
		dialer:       dialer,
		handler:      cfg.Handler,
		bus:          cfg.Bus,
		logger:       logger.With("component", "gateway"),
		auto:         newAutoReconnect(!cfg.DisableAutoReconnect, reconnect.NewBackoff(policy, stableAfter)),
		resumeWindow: resumeWindow,
		compress:     cfg.Compress,
		largeThresh:  largeThreshold,
	}
}

func (s *Session) AutoReconnect() *AutoReconnect {
	return s.auto
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *Session) Sequence() int64 {
	return s.sequence.Load()
}

// SetURL changes the gateway address used by the next fresh connection.
func (s *Session) SetURL(url string) {
	s.mu.Lock()
	s.url = url
	s.mu.Unlock()
}

func (s *Session) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

// Connect starts connecting in the background and returns at once. Only
// local misuse is reported here; the outcome of the connection arrives as
// GATEWAY_READY or DISCONNECTED. Cancelling ctx disconnects the session.
func (s *Session) Connect(ctx context.Context, creds Credentials) error {
	if creds.Token == "" {
		return ErrNoToken
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateDisconnected || s.timer != nil {
		return ErrAlreadyConnected
	}

	s.token = creds.Token
	s.manual = false
	s.established = false
	s.droppedAt = time.Time{}
	s.clearSessionLocked()
	s.auto.backoff.Reset()

	if s.stopWatch != nil {
		s.stopWatch()
	}
	s.stopWatch = context.AfterFunc(ctx, func() {
		if err := s.Disconnect(); err != nil {
			s.logger.Debug("Connect: disconnect after context end failed", "error", err)
		}
	})

	s.startLocked()
	return nil
}

// Disconnect closes the session for good: a scheduled reconnect is
// cancelled and the session is not resumed.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	active := s.state != StateDisconnected || s.timer != nil
	s.manual = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	sock := s.sock
	s.sock = nil
	s.state = StateDisconnected
	s.established = false
	s.clearSessionLocked()
	if s.stopWatch != nil {
		s.stopWatch()
		s.stopWatch = nil
	}
	s.mu.Unlock()

	if !active {
		return nil
	}

	s.logger.Info("Disconnect: closing gateway connection")
	var err error
	if sock != nil {
		if cerr := sock.Close(transport.CloseNormal); cerr != nil {
			err = fmt.Errorf("failed to close connection: %w", cerr)
		}
	}
	dispatch.Publish(s.bus, KindDisconnected, Disconnected{Err: ErrDisconnectRequested})
	return err
}

// Send writes an op to the established session.
func (s *Session) Send(op int, data any) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != StateEstablished {
		return ErrNotConnected
	}
	return s.send(op, data)
}

func (s *Session) startLocked() {
	s.gen++
	gen := s.gen
	s.state = StateConnecting
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(ctx, gen)
}

func (s *Session) run(ctx context.Context, gen uint64) {
	s.mu.Lock()
	url := s.url
	allowResume := !s.droppedAt.IsZero() && time.Since(s.droppedAt) <= s.resumeWindow
	if allowResume && s.sessionID != "" && s.resumeURL != "" {
		url = s.resumeURL
	}
	s.mu.Unlock()

	s.logger.Debug("run: connecting", "url", url)
	sock, err := s.dialer.Dial(ctx, url)
	if err != nil {
		s.drop(gen, fmt.Errorf("could not connect to gateway: %w", err))
		return
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		_ = sock.Close(transport.CloseNormal)
		return
	}
	s.sock = sock
	s.state = StateAuthenticating
	s.mu.Unlock()

	interval, err := s.awaitHello(sock)
	if err != nil {
		s.drop(gen, err)
		return
	}
	s.logger.Debug("run: received hello", "heartbeat_interval", interval)

	s.unacked.Store(0)
	if err := s.authenticate(gen, allowResume); err != nil {
		s.drop(gen, err)
		return
	}
	go s.heartbeat(ctx, gen, interval)

	for {
		frame, err := sock.ReadFrame()
		if err != nil {
			s.drop(gen, err)
			return
		}
		if err := s.handleFrame(gen, frame); err != nil {
			s.drop(gen, err)
			return
		}
	}
}

func (s *Session) awaitHello(sock transport.Socket) (time.Duration, error) {
	frame, err := sock.ReadFrame()
	if err != nil {
		return 0, fmt.Errorf("could not receive hello message: %w", err)
	}

	var packet Packet
	if err := json.Unmarshal(frame, &packet); err != nil {
		return 0, fmt.Errorf("could not unmarshal hello message: %w", err)
	}
	if packet.Op != opcodes.Hello {
		return 0, fmt.Errorf("%w: expected Hello (opcode %d), got %d", ErrInvalidHandshake, opcodes.Hello, packet.Op)
	}

	var hello HelloData
	if err := json.Unmarshal(packet.D, &hello); err != nil {
		return 0, fmt.Errorf("could not unmarshal hello data: %w", err)
	}
	if hello.HeartbeatInterval <= 0 {
		return 0, fmt.Errorf("%w: heartbeat interval %d", ErrInvalidHandshake, hello.HeartbeatInterval)
	}
	return time.Duration(hello.HeartbeatInterval) * time.Millisecond, nil
}

// authenticate resumes when allowed and a session is held, and identifies
// otherwise.
func (s *Session) authenticate(gen uint64, allowResume bool) error {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return nil
	}
	seq := s.sequence.Load()
	resume := allowResume && s.sessionID != "" && seq > 0

	var op int
	var data any
	if resume {
		s.state = StateResuming
		op = opcodes.Resume
		data = ResumeData{Token: s.token, SessionID: s.sessionID, Sequence: seq}
	} else {
		s.state = StateAuthenticating
		op = opcodes.Identify
		data = IdentifyData{
			Token: s.token,
			Properties: IdentifyProperties{
				Os:      "linux",
				Browser: "discordie_go",
				Device:  "discordie_go",
			},
			Compress:       s.compress,
			LargeThreshold: s.largeThresh,
		}
	}
	sessionID := s.sessionID
	s.mu.Unlock()

	if err := s.send(op, data); err != nil {
		return fmt.Errorf("failed to authenticate: %w", err)
	}
	if resume {
		s.logger.Info("authenticate: resuming session", "session", sessionID, "seq", seq)
	} else {
		s.logger.Info("authenticate: sent identify message")
	}
	return nil
}

func (s *Session) send(op int, data any) error {
	s.mu.Lock()
	sock := s.sock
	s.mu.Unlock()
	if sock == nil {
		return ErrNotConnected
	}

	payload, err := json.Marshal(outgoing{Op: op, D: data})
	if err != nil {
		return fmt.Errorf("could not marshal op %d: %w", op, err)
	}
	if err := sock.WriteFrame(payload); err != nil {
		return fmt.Errorf("could not send op %d: %w", op, err)
	}
	return nil
}

func (s *Session) heartbeat(ctx context.Context, gen uint64, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.unacked.Load() >= maxMissedAcks {
				s.drop(gen, ErrHeartbeatTimeout)
				return
			}
			s.unacked.Add(1)
			if err := s.sendHeartbeat(); err != nil {
				s.logger.Warn("heartbeat: failed to send heartbeat", "error", err)
			}
		}
	}
}

func (s *Session) sendHeartbeat() error {
	return s.send(opcodes.Heartbeat, heartbeatData(s.sequence.Load()))
}

func (s *Session) handleFrame(gen uint64, frame []byte) error {
	var packet Packet
	if err := json.Unmarshal(frame, &packet); err != nil {
		s.logger.Warn("handleFrame: could not unmarshal message body", "error", err)
		return nil
	}

	if packet.S > 0 {
		s.updateSequence(packet.S)
	}

	switch packet.Op {
	case opcodes.Dispatch:
		s.onDispatch(gen, packet)

	case opcodes.Heartbeat:
		if err := s.sendHeartbeat(); err != nil {
			return fmt.Errorf("failed to send requested heartbeat: %w", err)
		}

	case opcodes.HeartbeatACK:
		s.unacked.Store(0)

	case opcodes.Reconnect:
		return ErrReconnectRequested

	case opcodes.InvalidSession:
		return s.onInvalidSession(gen, packet.D)

	default:
		s.logger.Debug("handleFrame: received unknown opcode", "op", packet.Op)
	}
	return nil
}

// updateSequence only moves the sequence forward.
func (s *Session) updateSequence(seq int64) {
	for {
		old := s.sequence.Load()
		if seq <= old {
			return
		}
		if s.sequence.CompareAndSwap(old, seq) {
			return
		}
	}
}

func (s *Session) onDispatch(gen uint64, packet Packet) {
	switch packet.T {
	case "READY":
		var data readyData
		if err := json.Unmarshal(packet.D, &data); err != nil {
			s.logger.Warn("onDispatch: could not unmarshal READY event data", "error", err)
		}

		s.mu.Lock()
		if gen != s.gen {
			s.mu.Unlock()
			return
		}
		s.sessionID = data.SessionID
		s.resumeURL = data.ResumeGatewayURL
		s.state = StateEstablished
		s.established = true
		s.connectedAt = time.Now()
		s.mu.Unlock()

		s.logger.Info("onDispatch: session established", "session", data.SessionID)
		s.deliver(packet)
		dispatch.Publish(s.bus, KindReady, Ready{SessionID: data.SessionID, Data: packet.D})
		return

	case "RESUMED":
		s.mu.Lock()
		if gen != s.gen {
			s.mu.Unlock()
			return
		}
		s.state = StateEstablished
		s.connectedAt = time.Now()
		s.mu.Unlock()

		s.logger.Info("onDispatch: session resumed", "seq", s.sequence.Load())
		s.deliver(packet)
		dispatch.Publish(s.bus, KindResumed, Resumed{Data: packet.D})
		return
	}

	s.deliver(packet)
}

func (s *Session) deliver(packet Packet) {
	if s.handler == nil {
		return
	}
	if err := s.handler.Handle(packet.T, packet.D); err != nil {
		s.logger.Warn("deliver: could not handle event", "type", packet.T, "error", err)
	}
}

// onInvalidSession starts over with a fresh identify unless the server
// marked the session resumable.
func (s *Session) onInvalidSession(gen uint64, data json.RawMessage) error {
	var resumable bool
	if err := json.Unmarshal(data, &resumable); err != nil {
		s.logger.Debug("onInvalidSession: could not unmarshal invalid session data", "error", err)
	}

	s.mu.Lock()
	if !resumable {
		s.clearSessionLocked()
	}
	s.mu.Unlock()

	s.logger.Warn("onInvalidSession: session invalidated", "resumable", resumable)
	return s.authenticate(gen, resumable)
}

func (s *Session) clearSessionLocked() {
	s.sessionID = ""
	s.resumeURL = ""
	s.sequence.Store(0)
}

// drop ends connection attempt gen after an unintended failure and decides
// whether to retry. Failures before the first established session, fatal
// close codes and drops after Disconnect are terminal.
func (s *Session) drop(gen uint64, cause error) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.gen++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	sock := s.sock
	s.sock = nil
	s.state = StateDisconnected

	now := time.Now()
	var uptime time.Duration
	if !s.connectedAt.IsZero() {
		uptime = now.Sub(s.connectedAt)
	}
	s.connectedAt = time.Time{}
	s.droppedAt = now

	err := cause
	fatal := false
	var closeErr *transport.CloseError
	if errors.As(cause, &closeErr) && opcodes.IsFatalClose(closeErr.Code) {
		fatal = true
		if closeErr.Code == opcodes.CloseAuthenticationFailed {
			err = fmt.Errorf("%w: %w", ErrAuthenticationFailed, cause)
		} else {
			err = fmt.Errorf("%w: %w", ErrFatalClose, cause)
		}
	}

	ev := Disconnected{Err: err}
	terminal := fatal || s.manual || !s.established
	if terminal {
		s.established = false
		s.clearSessionLocked()
	} else if delay, ok := s.auto.next(uptime); ok {
		ev.AutoReconnect = true
		ev.Delay = mo.Some(delay)
		s.timer = time.AfterFunc(delay, s.reconnect)
	}
	s.mu.Unlock()

	if sock != nil {
		_ = sock.Close(closeResumable)
	}

	s.logger.Warn("drop: gateway connection lost",
		"error", err,
		"terminal", terminal,
		"auto_reconnect", ev.AutoReconnect,
		"delay", ev.Delay.OrEmpty())
	dispatch.Publish(s.bus, KindDisconnected, ev)
}

func (s *Session) reconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer == nil || s.manual || s.state != StateDisconnected {
		return
	}
	s.timer = nil
	s.logger.Info("reconnect: attempting to reconnect")
	s.startLocked()
}
