package cache

import (
	"log/slog"
	"sort"
	"sync"

	"personal/discordie_go/src/models"

	"github.com/samber/lo"
)

// Cache is the in-memory view of server state. The event processor is its
// only writer. Stored records are never modified in place and every getter
// hands out a clone, so callers may keep or change what they receive.
type Cache struct {
	mu sync.RWMutex

	selfID      models.Snowflake
	guilds      map[models.Snowflake]*models.Guild
	unavailable map[models.Snowflake]struct{}
	channels    map[models.Snowflake]*models.Channel
	users       map[models.Snowflake]*models.User
	members     map[models.Snowflake]map[models.Snowflake]*models.Member
	roles       map[models.Snowflake]map[models.Snowflake]*models.Role
	voiceStates map[models.Snowflake]map[models.Snowflake]*models.VoiceState
	calls       map[models.Snowflake]*models.Call

	membersLoaded  map[models.Snowflake]bool
	membersWaiters map[models.Snowflake]chan struct{}

	messages *MessageStore
	logger   *slog.Logger
}

func New(logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		messages: NewMessageStore(DefaultMessageLimit, DefaultEditsLimit),
		logger:   logger.With("component", "cache"),
	}
	c.resetLocked()
	return c
}

// Messages returns the message store.
func (c *Cache) Messages() *MessageStore {
	return c.messages
}

// Reset drops everything except message limits and records the id of the
// session's own user.
func (c *Cache) Reset(selfID models.Snowflake) {
	c.mu.Lock()
	for _, ch := range c.membersWaiters {
		close(ch)
	}
	c.resetLocked()
	c.selfID = selfID
	c.mu.Unlock()

	c.messages.PurgeAll()
	c.logger.Debug("Reset: cache cleared", "self", selfID)
}

func (c *Cache) resetLocked() {
	c.selfID = ""
	c.guilds = make(map[models.Snowflake]*models.Guild)
	c.unavailable = make(map[models.Snowflake]struct{})
	c.channels = make(map[models.Snowflake]*models.Channel)
	c.users = make(map[models.Snowflake]*models.User)
	c.members = make(map[models.Snowflake]map[models.Snowflake]*models.Member)
	c.roles = make(map[models.Snowflake]map[models.Snowflake]*models.Role)
	c.voiceStates = make(map[models.Snowflake]map[models.Snowflake]*models.VoiceState)
	c.calls = make(map[models.Snowflake]*models.Call)
	c.membersLoaded = make(map[models.Snowflake]bool)
	c.membersWaiters = make(map[models.Snowflake]chan struct{})
}

func (c *Cache) SelfID() models.Snowflake {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.selfID
}

func (c *Cache) Self() *models.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.users[c.selfID].Clone()
}

// Guilds

func (c *Cache) Guild(id models.Snowflake) *models.Guild {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.guilds[id].Clone()
}

func (c *Cache) Guilds() []*models.Guild {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := lo.MapToSlice(c.guilds, func(_ models.Snowflake, g *models.Guild) *models.Guild { return g.Clone() })
	sortByID(out, func(g *models.Guild) models.Snowflake { return g.ID })
	return out
}

func (c *Cache) GuildCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.guilds)
}

func (c *Cache) IsUnavailable(id models.Snowflake) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.unavailable[id]
	return ok
}

func (c *Cache) UnavailableGuilds() []models.Snowflake {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := lo.Keys(c.unavailable)
	sortByID(out, func(id models.Snowflake) models.Snowflake { return id })
	return out
}

// PutGuild stores g and clears its unavailable mark. It reports whether the
// guild was unavailable before.
func (c *Cache) PutGuild(g *models.Guild) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, wasUnavailable := c.unavailable[g.ID]
	delete(c.unavailable, g.ID)
	c.guilds[g.ID] = g
	return wasUnavailable
}

// RemoveGuild evicts the guild with everything scoped to it: channels,
// members, roles, voice states and the messages of its channels. Users are
// global and stay. When unavailable is set the guild is remembered as
// unavailable. The evicted record is returned, nil if it was not cached.
func (c *Cache) RemoveGuild(id models.Snowflake, unavailable bool) *models.Guild {
	c.mu.Lock()
	g := c.guilds[id]
	delete(c.guilds, id)
	delete(c.members, id)
	delete(c.roles, id)
	delete(c.voiceStates, id)
	delete(c.membersLoaded, id)
	if ch, ok := c.membersWaiters[id]; ok {
		close(ch)
		delete(c.membersWaiters, id)
	}
	if unavailable {
		c.unavailable[id] = struct{}{}
	} else {
		delete(c.unavailable, id)
	}

	var channelIDs []models.Snowflake
	for chID, ch := range c.channels {
		if ch.GuildID == id {
			channelIDs = append(channelIDs, chID)
			delete(c.channels, chID)
		}
	}
	c.mu.Unlock()

	for _, chID := range channelIDs {
		c.messages.PurgeChannel(chID)
	}
	return g
}

// MarkUnavailable records a guild that is known but not loaded.
func (c *Cache) MarkUnavailable(id models.Snowflake) {
	c.mu.Lock()
	c.unavailable[id] = struct{}{}
	c.mu.Unlock()
}

// Channels

func (c *Cache) Channel(id models.Snowflake) *models.Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channels[id].Clone()
}

// GuildChannels returns the channels of a guild ordered by position.
func (c *Cache) GuildChannels(guildID models.Snowflake) []*models.Channel {
	return c.filterChannels(func(ch *models.Channel) bool { return ch.GuildID == guildID })
}

func (c *Cache) TextChannels(guildID models.Snowflake) []*models.Channel {
	return c.filterChannels(func(ch *models.Channel) bool {
		return ch.GuildID == guildID && ch.Type == models.ChannelTypeText
	})
}

func (c *Cache) VoiceChannels(guildID models.Snowflake) []*models.Channel {
	return c.filterChannels(func(ch *models.Channel) bool {
		return ch.GuildID == guildID && ch.Type == models.ChannelTypeVoice
	})
}

// PrivateChannels returns DM and group channels.
func (c *Cache) PrivateChannels() []*models.Channel {
	return c.filterChannels(func(ch *models.Channel) bool { return ch.IsPrivate() })
}

// DirectMessageChannel finds the DM channel shared with userID.
func (c *Cache) DirectMessageChannel(userID models.Snowflake) *models.Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, ch := range c.channels {
		if ch.Type == models.ChannelTypeDM && len(ch.Recipients) == 1 && ch.Recipients[0] == userID {
			return ch.Clone()
		}
	}
	return nil
}

func (c *Cache) filterChannels(keep func(*models.Channel) bool) []*models.Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*models.Channel
	for _, ch := range c.channels {
		if keep(ch) {
			out = append(out, ch.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].ID.Less(out[j].ID)
	})
	return out
}

func (c *Cache) PutChannel(ch *models.Channel) {
	c.mu.Lock()
	c.channels[ch.ID] = ch
	c.mu.Unlock()
}

// RemoveChannel evicts a channel and its call. Its messages stay until
// purged.
func (c *Cache) RemoveChannel(id models.Snowflake) *models.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := c.channels[id]
	delete(c.channels, id)
	delete(c.calls, id)
	delete(c.voiceStates, id)
	return ch
}

// Users

func (c *Cache) User(id models.Snowflake) *models.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.users[id].Clone()
}

func (c *Cache) Users() []*models.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := lo.MapToSlice(c.users, func(_ models.Snowflake, u *models.User) *models.User { return u.Clone() })
	sortByID(out, func(u *models.User) models.Snowflake { return u.ID })
	return out
}

func (c *Cache) PutUser(u *models.User) {
	c.mu.Lock()
	c.users[u.ID] = u
	c.mu.Unlock()
}

// Members

func (c *Cache) Member(guildID, userID models.Snowflake) *models.Member {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.members[guildID][userID].Clone()
}

func (c *Cache) Members(guildID models.Snowflake) []*models.Member {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.membersLocked(guildID, func(*models.Member) bool { return true })
}

// OnlineMembers returns members whose user is not offline.
func (c *Cache) OnlineMembers(guildID models.Snowflake) []*models.Member {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.membersLocked(guildID, func(m *models.Member) bool { return c.onlineLocked(m.UserID) })
}

func (c *Cache) OfflineMembers(guildID models.Snowflake) []*models.Member {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.membersLocked(guildID, func(m *models.Member) bool { return !c.onlineLocked(m.UserID) })
}

func (c *Cache) onlineLocked(userID models.Snowflake) bool {
	u := c.users[userID]
	return u != nil && u.Status != "" && u.Status != models.StatusOffline
}

func (c *Cache) membersLocked(guildID models.Snowflake, keep func(*models.Member) bool) []*models.Member {
	var out []*models.Member
	for _, m := range c.members[guildID] {
		if keep(m) {
			out = append(out, m.Clone())
		}
	}
	sortByID(out, func(m *models.Member) models.Snowflake { return m.UserID })
	return out
}

// GuildsOfMember lists the cached guilds where userID is a member.
func (c *Cache) GuildsOfMember(userID models.Snowflake) []*models.Guild {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*models.Guild
	for guildID, members := range c.members {
		if _, ok := members[userID]; !ok {
			continue
		}
		if g, ok := c.guilds[guildID]; ok {
			out = append(out, g.Clone())
		}
	}
	sortByID(out, func(g *models.Guild) models.Snowflake { return g.ID })
	return out
}

func (c *Cache) PutMember(m *models.Member) {
	c.mu.Lock()
	defer c.mu.Unlock()
	members, ok := c.members[m.GuildID]
	if !ok {
		members = make(map[models.Snowflake]*models.Member)
		c.members[m.GuildID] = members
	}
	members[m.UserID] = m
}

func (c *Cache) RemoveMember(guildID, userID models.Snowflake) *models.Member {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.members[guildID][userID]
	delete(c.members[guildID], userID)
	if vs := c.voiceStates[guildID]; vs != nil {
		delete(vs, userID)
	}
	return m
}

// MembersLoaded reports whether a full member list has been received for
// the guild.
func (c *Cache) MembersLoaded(guildID models.Snowflake) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.membersLoaded[guildID]
}

// AwaitMembers returns a channel closed once the guild's member list is
// complete, or once the guild leaves the cache.
func (c *Cache) AwaitMembers(guildID models.Snowflake) <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.membersLoaded[guildID] {
		return closedChan
	}
	ch, ok := c.membersWaiters[guildID]
	if !ok {
		ch = make(chan struct{})
		c.membersWaiters[guildID] = ch
	}
	return ch
}

func (c *Cache) SetMembersLoaded(guildID models.Snowflake) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.membersLoaded[guildID] = true
	if ch, ok := c.membersWaiters[guildID]; ok {
		close(ch)
		delete(c.membersWaiters, guildID)
	}
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Roles

func (c *Cache) Role(guildID, roleID models.Snowflake) *models.Role {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.roles[guildID][roleID].Clone()
}

// Roles returns the guild's roles ordered by position, lowest first.
func (c *Cache) Roles(guildID models.Snowflake) []*models.Role {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := lo.MapToSlice(c.roles[guildID], func(_ models.Snowflake, r *models.Role) *models.Role { return r.Clone() })
	sortRoles(out)
	return out
}

func sortRoles(roles []*models.Role) {
	sort.Slice(roles, func(i, j int) bool {
		if roles[i].Position != roles[j].Position {
			return roles[i].Position < roles[j].Position
		}
		return roles[i].ID.Less(roles[j].ID)
	})
}

func (c *Cache) PutRole(r *models.Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	roles, ok := c.roles[r.GuildID]
	if !ok {
		roles = make(map[models.Snowflake]*models.Role)
		c.roles[r.GuildID] = roles
	}
	roles[r.ID] = r
}

// RemoveRole evicts a role and strips it from every member that held it.
func (c *Cache) RemoveRole(guildID, roleID models.Snowflake) *models.Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.roles[guildID][roleID]
	delete(c.roles[guildID], roleID)
	for userID, m := range c.members[guildID] {
		if !m.HasRole(roleID) {
			continue
		}
		next := m.Clone()
		next.Roles = lo.Without(next.Roles, roleID)
		c.members[guildID][userID] = next
	}
	return r
}

// Voice states

func (c *Cache) VoiceState(scope, userID models.Snowflake) *models.VoiceState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.voiceStates[scope][userID].Clone()
}

// VoiceStates returns the voice states grouped under a guild or call.
func (c *Cache) VoiceStates(scope models.Snowflake) []*models.VoiceState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := lo.MapToSlice(c.voiceStates[scope], func(_ models.Snowflake, v *models.VoiceState) *models.VoiceState { return v.Clone() })
	sortByID(out, func(v *models.VoiceState) models.Snowflake { return v.UserID })
	return out
}

// FindVoiceState looks a user up across every scope; used when a leave
// event no longer names the call it left.
func (c *Cache) FindVoiceState(userID models.Snowflake, private bool) *models.VoiceState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, states := range c.voiceStates {
		if v, ok := states[userID]; ok && (v.GuildID == "") == private {
			return v.Clone()
		}
	}
	return nil
}

// MembersInVoiceChannel returns the members connected to a guild voice
// channel.
func (c *Cache) MembersInVoiceChannel(channelID models.Snowflake) []*models.Member {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ch := c.channels[channelID]
	if ch == nil || ch.GuildID == "" {
		return nil
	}
	var out []*models.Member
	for userID, v := range c.voiceStates[ch.GuildID] {
		if v.ChannelID != channelID {
			continue
		}
		if m := c.members[ch.GuildID][userID]; m != nil {
			out = append(out, m.Clone())
		}
	}
	sortByID(out, func(m *models.Member) models.Snowflake { return m.UserID })
	return out
}

// UsersInCall returns the users connected to a DM or group call.
func (c *Cache) UsersInCall(channelID models.Snowflake) []*models.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*models.User
	for userID, v := range c.voiceStates[channelID] {
		if v.ChannelID != channelID {
			continue
		}
		if u := c.users[userID]; u != nil {
			out = append(out, u.Clone())
		}
	}
	sortByID(out, func(u *models.User) models.Snowflake { return u.ID })
	return out
}

func (c *Cache) PutVoiceState(v *models.VoiceState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	scope := v.Scope()
	states, ok := c.voiceStates[scope]
	if !ok {
		states = make(map[models.Snowflake]*models.VoiceState)
		c.voiceStates[scope] = states
	}
	states[v.UserID] = v

	if m := c.members[v.GuildID][v.UserID]; m != nil && v.GuildID != "" {
		next := m.Clone()
		next.Mute, next.Deaf = v.Mute, v.Deaf
		next.SelfMute, next.SelfDeaf = v.SelfMute, v.SelfDeaf
		c.members[v.GuildID][v.UserID] = next
	}
}

func (c *Cache) RemoveVoiceState(scope, userID models.Snowflake) *models.VoiceState {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.voiceStates[scope][userID]
	delete(c.voiceStates[scope], userID)
	return v
}

// Calls

func (c *Cache) Call(channelID models.Snowflake) *models.Call {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.calls[channelID].Clone()
}

func (c *Cache) PutCall(call *models.Call) {
	c.mu.Lock()
	c.calls[call.ChannelID] = call
	c.mu.Unlock()
}

// RemoveCall drops the call and the voice states grouped under it.
func (c *Cache) RemoveCall(channelID models.Snowflake) *models.Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	call := c.calls[channelID]
	delete(c.calls, channelID)
	delete(c.voiceStates, channelID)
	return call
}

func sortByID[T any](items []T, id func(T) models.Snowflake) {
	sort.Slice(items, func(i, j int) bool { return id(items[i]).Less(id(items[j])) })
}
