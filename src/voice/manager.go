// Package voice runs one voice connection per guild or DM call: it pairs
// the voice state and voice server events of the gateway, performs the
// voice handshake and sends encrypted audio.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"personal/discordie_go/src/audio"
	"personal/discordie_go/src/dispatch"
	"personal/discordie_go/src/gateway"
	"personal/discordie_go/src/models"
	"personal/discordie_go/src/opcodes"
	"personal/discordie_go/src/processor"
	"personal/discordie_go/src/transport"

	"github.com/samber/lo"
	"github.com/samber/mo"
)

const DefaultHandshakeTimeout = 10 * time.Second

var (
	ErrHandshakeTimeout = errors.New("voice: connection not established in time")
	ErrNoChannel        = errors.New("voice: no channel given")
	ErrRemoved          = errors.New("voice: removed from voice channel")
)

// Sender sends gateway ops.
type Sender interface {
	Send(op int, data any) error
}

// Users resolves users for SSRC lookups and identifies the local user.
type Users interface {
	SelfID() models.Snowflake
	User(id models.Snowflake) *models.User
}

type Config struct {
	Gateway     Sender
	Users       Users
	Bus         *dispatch.Dispatcher
	Dialer      transport.Dialer
	MediaDialer transport.MediaDialer
	// Encoder is required unless Audio.Proxy is set.
	Encoder          audio.EncoderFactory
	Audio            audio.Options
	HandshakeTimeout time.Duration
	Logger           *slog.Logger
}

type voiceStateData struct {
	GuildID   mo.Option[models.Snowflake] `json:"guild_id"`
	ChannelID mo.Option[models.Snowflake] `json:"channel_id"`
	SelfMute  bool                        `json:"self_mute"`
	SelfDeaf  bool                        `json:"self_deaf"`
}

func optionalID(id models.Snowflake) mo.Option[models.Snowflake] {
	if id == "" {
		return mo.None[models.Snowflake]()
	}
	return mo.Some(id)
}

type Manager struct {
	gateway   Sender
	users     Users
	bus       *dispatch.Dispatcher
	dialer    transport.Dialer
	media     transport.MediaDialer
	encoder   audio.EncoderFactory
	audioOpts audio.Options
	timeout   time.Duration
	logger    *slog.Logger

	mu     sync.Mutex
	conns  map[models.Snowflake]*Connection
	unsubs []func()
}

// NewManager creates a manager and subscribes it to the gateway events
// that drive voice connections.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = transport.WebsocketDialer{Logger: logger}
	}
	media := cfg.MediaDialer
	if media == nil {
		media = transport.UDPDialer{Logger: logger}
	}

	m := &Manager{
		gateway:   cfg.Gateway,
		users:     cfg.Users,
		bus:       cfg.Bus,
		dialer:    dialer,
		media:     media,
		encoder:   cfg.Encoder,
		audioOpts: cfg.Audio,
		timeout:   timeout,
		logger:    logger.With("component", "voice"),
		conns:     make(map[models.Snowflake]*Connection),
	}

	m.unsubs = []func(){
		dispatch.Subscribe(m.bus, processor.KindVoiceStateUpdate, m.onVoiceStateUpdate),
		dispatch.Subscribe(m.bus, processor.KindVoiceServerUpdate, m.onVoiceServerUpdate),
		dispatch.Subscribe(m.bus, processor.KindGuildDelete, func(ev processor.GuildDelete) {
			m.disposeKey(ev.GuildID)
		}),
		dispatch.Subscribe(m.bus, processor.KindGuildUnavailable, func(ev processor.GuildUnavailable) {
			m.disposeKey(ev.GuildID)
		}),
		dispatch.Subscribe(m.bus, processor.KindChannelDelete, func(ev processor.ChannelDelete) {
			m.disposeChannel(ev.ChannelID)
		}),
		dispatch.Subscribe(m.bus, processor.KindCallDelete, func(ev processor.CallDelete) {
			m.disposeKey(ev.ChannelID)
		}),
		dispatch.Subscribe(m.bus, gateway.KindReady, func(gateway.Ready) {
			m.DisposeAll()
		}),
	}
	return m
}

// Close disposes every connection and stops listening to the gateway.
func (m *Manager) Close() {
	m.mu.Lock()
	unsubs := m.unsubs
	m.unsubs = nil
	m.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
	m.DisposeAll()
}

// Connection returns the live connection of a guild, or of a DM call by
// its channel id.
func (m *Manager) Connection(scope models.Snowflake) *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[scope]
}

func (m *Manager) Connections() []*Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lo.Values(m.conns)
}

// Join connects to channelID, in guildID or as a DM call when guildID is
// empty. It resolves at once when already connected there and shares an
// attempt that is still in progress.
func (m *Manager) Join(ctx context.Context, guildID, channelID models.Snowflake, selfMute, selfDeaf bool) (*Connection, error) {
	if channelID == "" {
		return nil, ErrNoChannel
	}
	key := guildID
	if key == "" {
		key = channelID
	}

	m.mu.Lock()
	c := m.conns[key]
	if c == nil {
		c = m.newConnectionLocked(key, guildID, channelID)
	}
	if c.state == StateReady && c.channelID == channelID {
		m.mu.Unlock()
		return c, nil
	}
	w := c.addWaiterLocked(channelID)
	inProgress := c.state != StateIdle && c.state != StateReady && c.channelID == channelID
	fresh := c.state == StateIdle
	if fresh {
		c.state = StateConnecting
		m.armTimerLocked(c)
	}
	m.mu.Unlock()

	if !inProgress {
		err := m.gateway.Send(opcodes.VoiceStateUpdate, voiceStateData{
			GuildID:   optionalID(guildID),
			ChannelID: mo.Some(channelID),
			SelfMute:  selfMute,
			SelfDeaf:  selfDeaf,
		})
		if err != nil {
			err = fmt.Errorf("could not request voice state: %w", err)
			if fresh {
				m.dispose(c, err, false)
			} else {
				m.mu.Lock()
				c.removeWaiterLocked(w)
				m.mu.Unlock()
			}
			return nil, err
		}
		m.logger.Info("Join: requested voice channel", "guild", guildID, "channel", channelID)
	}

	select {
	case err := <-w.done:
		if err != nil {
			return nil, err
		}
		return c, nil
	case <-ctx.Done():
		m.mu.Lock()
		c.removeWaiterLocked(w)
		m.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Leave disconnects c from its channel and disposes it.
func (m *Manager) Leave(c *Connection) error {
	m.mu.Lock()
	if c.state == StateDisposed {
		m.mu.Unlock()
		return nil
	}
	guildID := c.guildID
	m.mu.Unlock()

	err := m.gateway.Send(opcodes.VoiceStateUpdate, voiceStateData{
		GuildID:   optionalID(guildID),
		ChannelID: mo.None[models.Snowflake](),
	})
	m.dispose(c, nil, true)
	if err != nil {
		return fmt.Errorf("could not send voice leave: %w", err)
	}
	return nil
}

// DisposeAll tears down every connection as a manual disconnect.
func (m *Manager) DisposeAll() {
	for _, c := range m.Connections() {
		m.dispose(c, nil, true)
	}
}

func (m *Manager) newConnectionLocked(key, guildID, channelID models.Snowflake) *Connection {
	c := &Connection{
		m:         m,
		key:       key,
		ssrcs:     NewSSRCMap(),
		guildID:   guildID,
		channelID: channelID,
	}
	m.conns[key] = c
	return c
}

// armTimerLocked disposes c unless it becomes ready within the handshake
// timeout.
func (m *Manager) armTimerLocked(c *Connection) {
	if c.stopTimer != nil {
		c.stopTimer()
	}
	c.timerGen++
	gen := c.timerGen
	t := time.AfterFunc(m.timeout, func() { m.establishTimeout(c, gen) })
	c.stopTimer = t.Stop
}

func (m *Manager) stopTimerLocked(c *Connection) {
	c.timerGen++
	if c.stopTimer != nil {
		c.stopTimer()
		c.stopTimer = nil
	}
}

func (m *Manager) establishTimeout(c *Connection, gen uint64) {
	m.mu.Lock()
	expired := c.timerGen == gen && c.state != StateReady && c.state != StateDisposed
	m.mu.Unlock()
	if expired {
		m.logger.Warn("establishTimeout: voice connection timed out", "scope", c.key)
		m.dispose(c, ErrHandshakeTimeout, false)
	}
}

func (m *Manager) onVoiceStateUpdate(ev processor.VoiceStateUpdate) {
	st := ev.State
	if st == nil || m.users == nil || st.UserID != m.users.SelfID() {
		return
	}

	if st.ChannelID == "" {
		key := st.GuildID
		if key == "" && ev.Previous != nil {
			key = ev.Previous.Scope()
		}
		if c := m.Connection(key); c != nil {
			m.logger.Info("onVoiceStateUpdate: removed from voice channel", "scope", key)
			m.dispose(c, ErrRemoved, false)
		}
		return
	}

	key := st.Scope()
	m.mu.Lock()
	c := m.conns[key]
	if c == nil {
		c = m.newConnectionLocked(key, st.GuildID, st.ChannelID)
	}
	if c.state == StateIdle {
		c.state = StateConnecting
		m.armTimerLocked(c)
	}
	c.channelID = st.ChannelID
	c.sessionID = st.SessionID
	c.resolveWaitersLocked()
	vs := m.prepareHandshakeLocked(c)
	m.mu.Unlock()

	if vs != nil {
		go m.runSession(c, vs)
	}
}

func (m *Manager) onVoiceServerUpdate(ev processor.VoiceServerUpdate) {
	key := ev.Scope()
	if key == "" {
		return
	}

	m.mu.Lock()
	c := m.conns[key]
	if c == nil {
		c = m.newConnectionLocked(key, ev.GuildID, ev.ChannelID)
	}
	if c.state == StateIdle {
		c.state = StateConnecting
		m.armTimerLocked(c)
	}
	c.token = ev.Token
	c.endpoint = ev.Endpoint

	var migration *Migration
	old := c.vs
	switch c.state {
	case StateReady:
		migration = newMigration()
		c.migration = migration
		c.state = StateMigrating
		c.vs = nil
		c.ssrcs.Clear()
		m.armTimerLocked(c)
	case StateHandshaking, StateMigrating:
		c.vs = nil
		if c.state == StateHandshaking {
			c.state = StateConnecting
		}
	default:
		old = nil
	}
	vs := m.prepareHandshakeLocked(c)
	m.mu.Unlock()

	if old != nil {
		old.close()
	}
	if migration != nil {
		m.logger.Info("onVoiceServerUpdate: voice server changed", "scope", key, "endpoint", ev.Endpoint)
		dispatch.Publish(m.bus, KindDisconnected, Disconnected{Conn: c, EndpointAwait: migration})
	}
	if vs != nil {
		go m.runSession(c, vs)
	}
}

// prepareHandshakeLocked starts a voice session once both halves of the
// server assignment are known.
func (m *Manager) prepareHandshakeLocked(c *Connection) *voiceSession {
	if c.vs != nil || c.sessionID == "" || c.token == "" || c.endpoint == "" {
		return nil
	}
	switch c.state {
	case StateConnecting:
		c.state = StateHandshaking
	case StateMigrating:
	default:
		return nil
	}

	c.vs = newVoiceSession(serverInfo{
		serverID:  c.key,
		userID:    m.users.SelfID(),
		sessionID: c.sessionID,
		token:     c.token,
		endpoint:  c.endpoint,
	})
	return c.vs
}

func (m *Manager) established(c *Connection, vs *voiceSession) {
	m.mu.Lock()
	if c.vs != vs || c.state == StateDisposed {
		m.mu.Unlock()
		vs.close()
		return
	}
	c.state = StateReady
	m.stopTimerLocked(c)
	migration := c.migration
	c.migration = nil
	c.resolveWaitersLocked()
	m.mu.Unlock()

	m.logger.Info("established: voice connection ready", "scope", c.key, "channel", c.ChannelID())
	if migration != nil {
		migration.resolve(c, nil)
	}
	dispatch.Publish(m.bus, KindConnected, Connected{Conn: c})
}

// lost handles a failed handshake or a dropped voice socket. Failures of a
// replaced session are ignored.
func (m *Manager) lost(c *Connection, vs *voiceSession, err error) {
	m.mu.Lock()
	current := c.vs == vs
	m.mu.Unlock()
	if !current {
		vs.close()
		return
	}
	m.logger.Warn("lost: voice connection failed", "scope", c.key, "error", err)
	m.dispose(c, err, false)
}

func (m *Manager) disposeKey(key models.Snowflake) {
	if c := m.Connection(key); c != nil {
		m.dispose(c, nil, true)
	}
}

func (m *Manager) disposeChannel(channelID models.Snowflake) {
	for _, c := range m.Connections() {
		if c.ChannelID() == channelID {
			m.dispose(c, nil, true)
		}
	}
}

// dispose is the single teardown path: the session is closed, the audio
// pipeline killed, pending joins and migrations fail and
// VOICE_DISCONNECTED is published once.
func (m *Manager) dispose(c *Connection, err error, manual bool) {
	m.mu.Lock()
	if c.state == StateDisposed {
		m.mu.Unlock()
		return
	}
	c.state = StateDisposed
	c.err = err
	m.stopTimerLocked(c)
	if m.conns[c.key] == c {
		delete(m.conns, c.key)
	}
	vs := c.vs
	c.vs = nil
	pipeline := c.pipeline
	migration := c.migration
	c.migration = nil

	failErr := err
	if failErr == nil {
		failErr = ErrDisposed
	}
	c.failWaitersLocked(failErr)
	m.mu.Unlock()

	if vs != nil {
		vs.close()
	}
	if pipeline != nil {
		pipeline.Kill()
	}
	if migration != nil {
		migration.resolve(nil, failErr)
	}
	c.ssrcs.Clear()

	m.logger.Info("dispose: voice connection disposed", "scope", c.key, "manual", manual, "error", err)
	dispatch.Publish(m.bus, KindDisconnected, Disconnected{Conn: c, Err: err, Manual: manual})
}
