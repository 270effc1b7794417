package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"personal/discordie_go/src/audio"
	"personal/discordie_go/src/models"
	"personal/discordie_go/src/opcodes"
)

var (
	ErrDisposed = errors.New("voice: connection disposed")
	ErrNotReady = errors.New("voice: connection not ready")
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateHandshaking
	StateReady
	StateMigrating
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateMigrating:
		return "migrating"
	case StateDisposed:
		return "disposed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Connection is the voice connection of one guild or DM call. Its mutable
// fields are guarded by the manager's lock.
type Connection struct {
	m     *Manager
	key   models.Snowflake
	ssrcs *SSRCMap

	guildID   models.Snowflake
	channelID models.Snowflake
	state     State
	sessionID string
	token     string
	endpoint  string
	vs        *voiceSession
	pipeline  *audio.Pipeline
	migration *Migration
	waiters   []*waiter
	timerGen  uint64
	stopTimer func() bool
	err       error
}

type waiter struct {
	channelID models.Snowflake
	done      chan error
}

func (c *Connection) GuildID() models.Snowflake {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	return c.guildID
}

// ChannelID is kept after disposal.
func (c *Connection) ChannelID() models.Snowflake {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	return c.channelID
}

func (c *Connection) State() State {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	return c.state
}

func (c *Connection) Disposed() bool {
	return c.State() == StateDisposed
}

func (c *Connection) CanStream() bool {
	return c.State() == StateReady
}

// Err is the error the connection was disposed with, if any.
func (c *Connection) Err() error {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	return c.err
}

// UserBySSRC resolves the user sending on ssrc; nil when the ssrc or the
// user is unknown.
func (c *Connection) UserBySSRC(ssrc uint32) *models.User {
	id, ok := c.ssrcs.User(ssrc)
	if !ok {
		return nil
	}
	return c.m.users.User(id)
}

func (c *Connection) SSRCOf(userID models.Snowflake) (uint32, bool) {
	return c.ssrcs.SSRC(userID)
}

// Audio returns the encoding pipeline of the connection, creating it on
// first use. It lives until the connection is disposed.
func (c *Connection) Audio() (*audio.Pipeline, error) {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	switch c.state {
	case StateDisposed:
		return nil, ErrDisposed
	case StateReady, StateMigrating:
	default:
		return nil, ErrNotReady
	}

	if c.pipeline != nil {
		if killed, _ := c.pipeline.Killed(); !killed {
			return c.pipeline, nil
		}
	}
	p := audio.NewPipeline(c, c.m.encoder, c.m.logger)
	if err := p.Initialize(c.m.audioOpts); err != nil {
		return nil, fmt.Errorf("could not initialize audio pipeline: %w", err)
	}
	c.pipeline = p
	return p, nil
}

// Leave disconnects from the channel and disposes the connection.
func (c *Connection) Leave() error {
	return c.m.Leave(c)
}

// WriteOpus sends one encoded frame. While the connection is migrating it
// returns audio.ErrSinkNotReady and the frame is not sent.
func (c *Connection) WriteOpus(_ context.Context, frame []byte, samples int) error {
	c.m.mu.Lock()
	state, vs := c.state, c.vs
	c.m.mu.Unlock()
	if state == StateDisposed {
		return ErrDisposed
	}
	if state != StateReady || vs == nil {
		return audio.ErrSinkNotReady
	}

	pkt := vs.sealer()
	media := vs.mediaConn()
	if pkt == nil || media == nil {
		return audio.ErrSinkNotReady
	}
	packet, err := pkt.seal(frame, samples)
	if err != nil {
		return err
	}
	if _, err := media.Write(packet); err != nil {
		return fmt.Errorf("could not send voice packet: %w", err)
	}
	return nil
}

func (c *Connection) SetSpeaking(speaking bool) error {
	c.m.mu.Lock()
	state, vs := c.state, c.vs
	c.m.mu.Unlock()
	if state == StateDisposed {
		return ErrDisposed
	}
	if state != StateReady || vs == nil {
		return audio.ErrSinkNotReady
	}

	pkt := vs.sealer()
	if pkt == nil {
		return audio.ErrSinkNotReady
	}
	data := speakingData{SSRC: pkt.ssrc}
	if speaking {
		data.Speaking = 1
	}
	return vs.send(opcodes.VoiceSpeaking, data)
}

// ReadPacket blocks until a voice packet arrives and returns it decrypted.
// Packets that fail to decrypt are skipped.
func (c *Connection) ReadPacket() (*Packet, error) {
	c.m.mu.Lock()
	state, vs := c.state, c.vs
	c.m.mu.Unlock()
	if state == StateDisposed {
		return nil, ErrDisposed
	}
	if state != StateReady || vs == nil {
		return nil, ErrNotReady
	}
	media := vs.mediaConn()
	key := vs.key()
	if media == nil || key == nil {
		return nil, ErrNotReady
	}

	buf := make([]byte, 1500)
	for {
		n, err := media.Read(buf)
		if err != nil {
			if vs.ctx.Err() != nil {
				return nil, ErrDisposed
			}
			return nil, fmt.Errorf("could not read voice packet: %w", err)
		}
		p, err := openPacket(buf[:n], key)
		if err != nil {
			c.m.logger.Debug("ReadPacket: dropping packet", "error", err)
			continue
		}
		if id, ok := c.ssrcs.User(p.SSRC); ok {
			p.UserID = id
		}
		return p, nil
	}
}

func (c *Connection) addWaiterLocked(channelID models.Snowflake) *waiter {
	w := &waiter{channelID: channelID, done: make(chan error, 1)}
	c.waiters = append(c.waiters, w)
	return w
}

func (c *Connection) removeWaiterLocked(w *waiter) {
	for i, o := range c.waiters {
		if o == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

// resolveWaitersLocked releases the joins waiting for the current channel.
func (c *Connection) resolveWaitersLocked() {
	if c.state != StateReady {
		return
	}
	kept := c.waiters[:0]
	for _, w := range c.waiters {
		if w.channelID == c.channelID {
			w.done <- nil
		} else {
			kept = append(kept, w)
		}
	}
	c.waiters = kept
}

func (c *Connection) failWaitersLocked(err error) {
	for _, w := range c.waiters {
		w.done <- err
	}
	c.waiters = nil
}

// Migration resolves once a connection moved to a new voice server is
// ready again, or fails when it is disposed instead.
type Migration struct {
	done chan struct{}
	once sync.Once
	conn *Connection
	err  error
}

func newMigration() *Migration {
	return &Migration{done: make(chan struct{})}
}

func (mg *Migration) Done() <-chan struct{} {
	return mg.done
}

func (mg *Migration) Wait(ctx context.Context) (*Connection, error) {
	select {
	case <-mg.done:
		return mg.conn, mg.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (mg *Migration) resolve(c *Connection, err error) {
	mg.once.Do(func() {
		mg.conn = c
		mg.err = err
		close(mg.done)
	})
}
