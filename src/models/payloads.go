package models

import (
	"time"

	"github.com/samber/mo"
)

// Wire payloads. Fields that the server may omit from partial updates are
// mo.Option so "absent" and "zero" stay distinguishable. Fields the server
// always sends in full (member nick, presence game) stay plain so a null
// clears them.

type UserPayload struct {
	ID            Snowflake         `json:"id"`
	Username      mo.Option[string] `json:"username"`
	Discriminator mo.Option[string] `json:"discriminator"`
	Avatar        mo.Option[string] `json:"avatar"`
	Bot           mo.Option[bool]   `json:"bot"`
}

// Apply returns a copy of base with the present fields overwritten. A nil
// base starts a new record.
func (p UserPayload) Apply(base *User) *User {
	u := base.Clone()
	if u == nil {
		u = &User{ID: p.ID, Status: StatusOffline}
	}
	u.Username = p.Username.OrElse(u.Username)
	u.Discriminator = p.Discriminator.OrElse(u.Discriminator)
	u.Avatar = p.Avatar.OrElse(u.Avatar)
	u.Bot = p.Bot.OrElse(u.Bot)
	return u
}

type RolePayload struct {
	ID          Snowflake              `json:"id"`
	Name        mo.Option[string]      `json:"name"`
	Color       mo.Option[int]         `json:"color"`
	Hoist       mo.Option[bool]        `json:"hoist"`
	Position    mo.Option[int]         `json:"position"`
	Permissions mo.Option[Permissions] `json:"permissions"`
	Managed     mo.Option[bool]        `json:"managed"`
	Mentionable mo.Option[bool]        `json:"mentionable"`
}

func (p RolePayload) Apply(guildID Snowflake, base *Role) *Role {
	r := base.Clone()
	if r == nil {
		r = &Role{ID: p.ID}
	}
	r.GuildID = guildID
	r.Name = p.Name.OrElse(r.Name)
	r.Color = p.Color.OrElse(r.Color)
	r.Hoist = p.Hoist.OrElse(r.Hoist)
	r.Position = p.Position.OrElse(r.Position)
	r.Permissions = p.Permissions.OrElse(r.Permissions)
	r.Managed = p.Managed.OrElse(r.Managed)
	r.Mentionable = p.Mentionable.OrElse(r.Mentionable)
	return r
}

type ChannelPayload struct {
	ID                   Snowflake                `json:"id"`
	Type                 mo.Option[ChannelType]   `json:"type"`
	GuildID              mo.Option[Snowflake]     `json:"guild_id"`
	Name                 mo.Option[string]        `json:"name"`
	Topic                mo.Option[string]        `json:"topic"`
	Position             mo.Option[int]           `json:"position"`
	Bitrate              mo.Option[int]           `json:"bitrate"`
	UserLimit            mo.Option[int]           `json:"user_limit"`
	PermissionOverwrites mo.Option[[]Overwrite]   `json:"permission_overwrites"`
	LastMessageID        mo.Option[Snowflake]     `json:"last_message_id"`
	Recipients           mo.Option[[]UserPayload] `json:"recipients"`
	OwnerID              mo.Option[Snowflake]     `json:"owner_id"`
}

func (p ChannelPayload) Apply(base *Channel) *Channel {
	c := base.Clone()
	if c == nil {
		c = &Channel{ID: p.ID}
	}
	c.Type = p.Type.OrElse(c.Type)
	c.GuildID = p.GuildID.OrElse(c.GuildID)
	c.Name = p.Name.OrElse(c.Name)
	c.Topic = p.Topic.OrElse(c.Topic)
	c.Position = p.Position.OrElse(c.Position)
	c.Bitrate = p.Bitrate.OrElse(c.Bitrate)
	c.UserLimit = p.UserLimit.OrElse(c.UserLimit)
	c.Overwrites = p.PermissionOverwrites.OrElse(c.Overwrites)
	c.LastMessageID = p.LastMessageID.OrElse(c.LastMessageID)
	c.OwnerID = p.OwnerID.OrElse(c.OwnerID)
	if recipients, ok := p.Recipients.Get(); ok {
		c.Recipients = make([]Snowflake, 0, len(recipients))
		for _, r := range recipients {
			c.Recipients = append(c.Recipients, r.ID)
		}
	}
	return c
}

type MemberPayload struct {
	GuildID  mo.Option[Snowflake]   `json:"guild_id"`
	User     UserPayload            `json:"user"`
	Nick     string                 `json:"nick"`
	Roles    mo.Option[[]Snowflake] `json:"roles"`
	JoinedAt mo.Option[string]      `json:"joined_at"`
	Mute     mo.Option[bool]        `json:"mute"`
	Deaf     mo.Option[bool]        `json:"deaf"`
}

func (p MemberPayload) Apply(guildID Snowflake, base *Member) *Member {
	m := base.Clone()
	if m == nil {
		m = &Member{UserID: p.User.ID, Roles: []Snowflake{}}
	}
	m.GuildID = guildID
	m.Nick = p.Nick
	m.Roles = p.Roles.OrElse(m.Roles)
	m.Mute = p.Mute.OrElse(m.Mute)
	m.Deaf = p.Deaf.OrElse(m.Deaf)
	if joined, ok := p.JoinedAt.Get(); ok {
		m.JoinedAt = ParseTime(joined)
	}
	return m
}

type PresencePayload struct {
	User    UserPayload            `json:"user"`
	GuildID mo.Option[Snowflake]   `json:"guild_id"`
	Status  mo.Option[Status]      `json:"status"`
	Game    *Game                  `json:"game"`
	Roles   mo.Option[[]Snowflake] `json:"roles"`
	Nick    mo.Option[string]      `json:"nick"`
}

// ApplyPresence stores the current presence of base as the previous one and
// applies the new status and game.
func (p PresencePayload) ApplyPresence(base *User) *User {
	u := p.User.Apply(base)
	u.PreviousStatus = u.Status
	u.PreviousGame = cloneGame(u.Game)
	u.Status = p.Status.OrElse(u.Status)
	u.Game = cloneGame(p.Game)
	return u
}

type VoiceStatePayload struct {
	GuildID   mo.Option[Snowflake]     `json:"guild_id"`
	ChannelID Snowflake                `json:"channel_id"`
	UserID    Snowflake                `json:"user_id"`
	SessionID string                   `json:"session_id"`
	Mute      bool                     `json:"mute"`
	Deaf      bool                     `json:"deaf"`
	SelfMute  bool                     `json:"self_mute"`
	SelfDeaf  bool                     `json:"self_deaf"`
	Suppress  bool                     `json:"suppress"`
	Member    mo.Option[MemberPayload] `json:"member"`
}

func (p VoiceStatePayload) State(guildID Snowflake) *VoiceState {
	return &VoiceState{
		GuildID:   p.GuildID.OrElse(guildID),
		ChannelID: p.ChannelID,
		UserID:    p.UserID,
		SessionID: p.SessionID,
		Mute:      p.Mute,
		Deaf:      p.Deaf,
		SelfMute:  p.SelfMute,
		SelfDeaf:  p.SelfDeaf,
		Suppress:  p.Suppress,
	}
}

type GuildPayload struct {
	ID                Snowflake                `json:"id"`
	Unavailable       mo.Option[bool]          `json:"unavailable"`
	Name              mo.Option[string]        `json:"name"`
	OwnerID           mo.Option[Snowflake]     `json:"owner_id"`
	Region            mo.Option[string]        `json:"region"`
	Icon              mo.Option[string]        `json:"icon"`
	MemberCount       mo.Option[int]           `json:"member_count"`
	Features          mo.Option[[]string]      `json:"features"`
	AFKChannelID      mo.Option[Snowflake]     `json:"afk_channel_id"`
	AFKTimeout        mo.Option[int]           `json:"afk_timeout"`
	VerificationLevel mo.Option[int]           `json:"verification_level"`
	Large             mo.Option[bool]          `json:"large"`
	JoinedAt          mo.Option[string]        `json:"joined_at"`
	Roles             mo.Option[[]RolePayload] `json:"roles"`

	// Only present in GUILD_CREATE.
	Channels    []ChannelPayload    `json:"channels"`
	Members     []MemberPayload     `json:"members"`
	Presences   []PresencePayload   `json:"presences"`
	VoiceStates []VoiceStatePayload `json:"voice_states"`
}

func (p GuildPayload) Apply(base *Guild) *Guild {
	g := base.Clone()
	if g == nil {
		g = &Guild{ID: p.ID}
	}
	g.Name = p.Name.OrElse(g.Name)
	g.OwnerID = p.OwnerID.OrElse(g.OwnerID)
	g.Region = p.Region.OrElse(g.Region)
	g.Icon = p.Icon.OrElse(g.Icon)
	g.MemberCount = p.MemberCount.OrElse(g.MemberCount)
	g.Features = p.Features.OrElse(g.Features)
	g.AFKChannelID = p.AFKChannelID.OrElse(g.AFKChannelID)
	g.AFKTimeout = p.AFKTimeout.OrElse(g.AFKTimeout)
	g.VerificationLevel = p.VerificationLevel.OrElse(g.VerificationLevel)
	g.Large = p.Large.OrElse(g.Large)
	if joined, ok := p.JoinedAt.Get(); ok {
		g.JoinedAt = ParseTime(joined)
	}
	return g
}

type GuildDeletePayload struct {
	ID          Snowflake       `json:"id"`
	Unavailable mo.Option[bool] `json:"unavailable"`
}

type GuildMemberRemovePayload struct {
	GuildID Snowflake   `json:"guild_id"`
	User    UserPayload `json:"user"`
}

type GuildMembersChunkPayload struct {
	GuildID    Snowflake         `json:"guild_id"`
	Members    []MemberPayload   `json:"members"`
	ChunkIndex mo.Option[int]    `json:"chunk_index"`
	ChunkCount mo.Option[int]    `json:"chunk_count"`
	Nonce      mo.Option[string] `json:"nonce"`
}

type GuildBanPayload struct {
	GuildID Snowflake   `json:"guild_id"`
	User    UserPayload `json:"user"`
}

type GuildRolePayload struct {
	GuildID Snowflake   `json:"guild_id"`
	Role    RolePayload `json:"role"`
}

type GuildRoleDeletePayload struct {
	GuildID Snowflake `json:"guild_id"`
	RoleID  Snowflake `json:"role_id"`
}

type ChannelRecipientPayload struct {
	ChannelID Snowflake   `json:"channel_id"`
	User      UserPayload `json:"user"`
}

type MessagePayload struct {
	ID              Snowflake                `json:"id"`
	ChannelID       Snowflake                `json:"channel_id"`
	GuildID         mo.Option[Snowflake]     `json:"guild_id"`
	Author          mo.Option[UserPayload]   `json:"author"`
	Member          mo.Option[MemberPayload] `json:"member"`
	Type            mo.Option[int]           `json:"type"`
	Content         mo.Option[string]        `json:"content"`
	Timestamp       mo.Option[string]        `json:"timestamp"`
	EditedTimestamp mo.Option[string]        `json:"edited_timestamp"`
	TTS             mo.Option[bool]          `json:"tts"`
	Pinned          mo.Option[bool]          `json:"pinned"`
	MentionEveryone mo.Option[bool]          `json:"mention_everyone"`
	Mentions        mo.Option[[]UserPayload] `json:"mentions"`
	Nonce           mo.Option[string]        `json:"nonce"`
}

func (p MessagePayload) Apply(base *Message) *Message {
	m := base.Clone()
	if m == nil {
		m = &Message{ID: p.ID, ChannelID: p.ChannelID}
	}
	m.GuildID = p.GuildID.OrElse(m.GuildID)
	if author, ok := p.Author.Get(); ok {
		m.AuthorID = author.ID
	}
	m.Type = p.Type.OrElse(m.Type)
	m.Content = p.Content.OrElse(m.Content)
	m.TTS = p.TTS.OrElse(m.TTS)
	m.Pinned = p.Pinned.OrElse(m.Pinned)
	m.MentionEveryone = p.MentionEveryone.OrElse(m.MentionEveryone)
	m.Nonce = p.Nonce.OrElse(m.Nonce)
	if ts, ok := p.Timestamp.Get(); ok {
		m.Timestamp = ParseTime(ts)
	}
	if ts, ok := p.EditedTimestamp.Get(); ok {
		m.EditedTimestamp = ParseTime(ts)
	}
	if mentions, ok := p.Mentions.Get(); ok {
		m.Mentions = make([]Snowflake, 0, len(mentions))
		for _, u := range mentions {
			m.Mentions = append(m.Mentions, u.ID)
		}
	}
	return m
}

type MessageDeletePayload struct {
	ID        Snowflake            `json:"id"`
	ChannelID Snowflake            `json:"channel_id"`
	GuildID   mo.Option[Snowflake] `json:"guild_id"`
}

type MessageDeleteBulkPayload struct {
	IDs       []Snowflake          `json:"ids"`
	ChannelID Snowflake            `json:"channel_id"`
	GuildID   mo.Option[Snowflake] `json:"guild_id"`
}

type TypingStartPayload struct {
	ChannelID Snowflake            `json:"channel_id"`
	GuildID   mo.Option[Snowflake] `json:"guild_id"`
	UserID    Snowflake            `json:"user_id"`
	Timestamp int64                `json:"timestamp"`
}

type VoiceServerUpdatePayload struct {
	Token     string               `json:"token"`
	GuildID   mo.Option[Snowflake] `json:"guild_id"`
	ChannelID mo.Option[Snowflake] `json:"channel_id"`
	Endpoint  string               `json:"endpoint"`
}

type CallPayload struct {
	ChannelID   Snowflake              `json:"channel_id"`
	MessageID   mo.Option[Snowflake]   `json:"message_id"`
	Region      mo.Option[string]      `json:"region"`
	Ringing     mo.Option[[]Snowflake] `json:"ringing"`
	Unavailable mo.Option[bool]        `json:"unavailable"`
	VoiceStates []VoiceStatePayload    `json:"voice_states"`
}

func (p CallPayload) Apply(base *Call) *Call {
	c := base.Clone()
	if c == nil {
		c = &Call{ChannelID: p.ChannelID}
	}
	c.MessageID = p.MessageID.OrElse(c.MessageID)
	c.Region = p.Region.OrElse(c.Region)
	c.Ringing = p.Ringing.OrElse(c.Ringing)
	c.Unavailable = p.Unavailable.OrElse(c.Unavailable)
	return c
}

type ReadyPayload struct {
	Version          int              `json:"v"`
	User             UserPayload      `json:"user"`
	SessionID        string           `json:"session_id"`
	ResumeGatewayURL string           `json:"resume_gateway_url"`
	Guilds           []GuildPayload   `json:"guilds"`
	PrivateChannels  []ChannelPayload `json:"private_channels"`
}

// ParseTime parses a wire timestamp; malformed values give the zero time.
func ParseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
