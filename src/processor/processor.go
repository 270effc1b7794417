package processor

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"personal/discordie_go/src/cache"
	"personal/discordie_go/src/dispatch"
	"personal/discordie_go/src/models"
)

// DefaultRemovalGrace is how long a self member-remove notification is held
// waiting for a matching GUILD_DELETE.
const DefaultRemovalGrace = 250 * time.Millisecond

type handler func(data json.RawMessage) error

// Processor applies gateway events to the cache one at a time and publishes
// the resulting notifications. Subscribers run while the event is being
// applied and must not call Handle.
type Processor struct {
	mu       sync.Mutex
	cache    *cache.Cache
	bus      *dispatch.Dispatcher
	logger   *slog.Logger
	handlers map[string]handler

	grace       time.Duration
	heldRemoval *GuildMemberRemove
	heldTimer   *time.Timer
}

type Option func(*Processor)

// WithRemovalGrace overrides DefaultRemovalGrace.
func WithRemovalGrace(d time.Duration) Option {
	return func(p *Processor) { p.grace = d }
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) { p.logger = logger }
}

func New(c *cache.Cache, bus *dispatch.Dispatcher, opts ...Option) *Processor {
	p := &Processor{
		cache:  c,
		bus:    bus,
		logger: slog.Default(),
		grace:  DefaultRemovalGrace,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "processor")

	p.handlers = map[string]handler{
		"READY":                    p.onReady,
		"GUILD_CREATE":             p.onGuildCreate,
		"GUILD_UPDATE":             p.onGuildUpdate,
		"GUILD_DELETE":             p.onGuildDelete,
		"GUILD_BAN_ADD":            p.onGuildBan(KindGuildBanAdd),
		"GUILD_BAN_REMOVE":         p.onGuildBan(KindGuildBanRemove),
		"GUILD_MEMBER_ADD":         p.onGuildMemberAdd,
		"GUILD_MEMBER_UPDATE":      p.onGuildMemberUpdate,
		"GUILD_MEMBER_REMOVE":      p.onGuildMemberRemove,
		"GUILD_MEMBERS_CHUNK":      p.onGuildMembersChunk,
		"GUILD_ROLE_CREATE":        p.onGuildRoleCreate,
		"GUILD_ROLE_UPDATE":        p.onGuildRoleUpdate,
		"GUILD_ROLE_DELETE":        p.onGuildRoleDelete,
		"CHANNEL_CREATE":           p.onChannelCreate,
		"CHANNEL_UPDATE":           p.onChannelUpdate,
		"CHANNEL_DELETE":           p.onChannelDelete,
		"CHANNEL_RECIPIENT_ADD":    p.onChannelRecipient(KindChannelRecipientAdd, true),
		"CHANNEL_RECIPIENT_REMOVE": p.onChannelRecipient(KindChannelRecipientRemove, false),
		"MESSAGE_CREATE":           p.onMessageCreate,
		"MESSAGE_UPDATE":           p.onMessageUpdate,
		"MESSAGE_DELETE":           p.onMessageDelete,
		"MESSAGE_DELETE_BULK":      p.onMessageDeleteBulk,
		"PRESENCE_UPDATE":          p.onPresenceUpdate,
		"TYPING_START":             p.onTypingStart,
		"USER_UPDATE":              p.onUserUpdate,
		"VOICE_STATE_UPDATE":       p.onVoiceStateUpdate,
		"VOICE_SERVER_UPDATE":      p.onVoiceServerUpdate,
		"CALL_CREATE":              p.onCallCreate,
		"CALL_UPDATE":              p.onCallUpdate,
		"CALL_DELETE":              p.onCallDelete,
	}
	return p
}

func (p *Processor) Cache() *cache.Cache {
	return p.cache
}

// Handle applies one dispatch event. Unknown event types are ignored.
func (p *Processor) Handle(eventType string, data json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.resolveHeldRemoval(eventType, data)

	h, ok := p.handlers[eventType]
	if !ok {
		p.logger.Debug("Handle: ignoring event", "type", eventType)
		return nil
	}
	if err := h(data); err != nil {
		return fmt.Errorf("could not handle %s: %w", eventType, err)
	}
	return nil
}

// Flush publishes a held notification right away.
func (p *Processor) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushHeldRemoval()
}

// holdRemoval delays the notification for our own removal from a guild.
// Leaving a guild produces GUILD_MEMBER_REMOVE immediately followed by
// GUILD_DELETE; only the latter is reported.
func (p *Processor) holdRemoval(ev GuildMemberRemove) {
	p.flushHeldRemoval()
	p.heldRemoval = &ev
	p.heldTimer = time.AfterFunc(p.grace, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.heldRemoval == &ev {
			p.flushHeldRemoval()
		}
	})
}

func (p *Processor) resolveHeldRemoval(eventType string, data json.RawMessage) {
	if p.heldRemoval == nil {
		return
	}
	if eventType == "GUILD_DELETE" {
		var payload models.GuildDeletePayload
		if err := json.Unmarshal(data, &payload); err == nil && payload.ID == p.heldRemoval.GuildID {
			p.logger.Debug("resolveHeldRemoval: dropping member remove superseded by guild delete",
				"guild", payload.ID)
			p.clearHeldRemoval()
			return
		}
	}
	p.flushHeldRemoval()
}

func (p *Processor) flushHeldRemoval() {
	ev := p.heldRemoval
	p.clearHeldRemoval()
	if ev != nil {
		dispatch.Publish(p.bus, KindGuildMemberRemove, *ev)
	}
}

func (p *Processor) clearHeldRemoval() {
	if p.heldTimer != nil {
		p.heldTimer.Stop()
		p.heldTimer = nil
	}
	p.heldRemoval = nil
}

func decode[T any](data json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("could not unmarshal payload: %w", err)
	}
	return v, nil
}

// putUser merges a user payload into the cache and returns the new record.
func (p *Processor) putUser(payload models.UserPayload) *models.User {
	if payload.ID == "" {
		return nil
	}
	u := payload.Apply(p.cache.User(payload.ID))
	p.cache.PutUser(u)
	return u
}

func (p *Processor) onReady(data json.RawMessage) error {
	ready, err := decode[models.ReadyPayload](data)
	if err != nil {
		return err
	}

	p.cache.Reset(ready.User.ID)
	self := ready.User.Apply(nil)
	self.Status = models.StatusOnline
	p.cache.PutUser(self)

	for _, ch := range ready.PrivateChannels {
		p.putChannel(ch)
	}
	for _, g := range ready.Guilds {
		if g.Unavailable.OrElse(false) {
			p.cache.MarkUnavailable(g.ID)
			continue
		}
		p.ingestGuild(g)
	}

	p.logger.Info("onReady: cache rebuilt",
		"guilds", p.cache.GuildCount(),
		"unavailable", len(p.cache.UnavailableGuilds()),
		"private_channels", len(ready.PrivateChannels))
	return nil
}
