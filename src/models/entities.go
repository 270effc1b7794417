package models

import (
	"slices"
	"time"
)

type ChannelType int

const (
	ChannelTypeText     ChannelType = 0
	ChannelTypeDM       ChannelType = 1
	ChannelTypeVoice    ChannelType = 2
	ChannelTypeGroup    ChannelType = 3
	ChannelTypeCategory ChannelType = 4
)

func (t ChannelType) IsPrivate() bool {
	return t == ChannelTypeDM || t == ChannelTypeGroup
}

type Status string

const (
	StatusOnline    Status = "online"
	StatusIdle      Status = "idle"
	StatusDND       Status = "dnd"
	StatusInvisible Status = "invisible"
	StatusOffline   Status = "offline"
)

type OverwriteType int

const (
	OverwriteRole   OverwriteType = 0
	OverwriteMember OverwriteType = 1
)

type Game struct {
	Name string `json:"name"`
	Type int    `json:"type"`
	URL  string `json:"url,omitempty"`
}

// Records below are stored immutably by the cache: an update replaces the
// pointer, it never writes through it. Clone before modifying.

type User struct {
	ID            Snowflake
	Username      string
	Discriminator string
	Avatar        string
	Bot           bool

	Status Status
	Game   *Game

	PreviousStatus Status
	PreviousGame   *Game
}

func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	c.Game = cloneGame(u.Game)
	c.PreviousGame = cloneGame(u.PreviousGame)
	return &c
}

func cloneGame(g *Game) *Game {
	if g == nil {
		return nil
	}
	c := *g
	return &c
}

type Guild struct {
	ID                Snowflake
	Name              string
	OwnerID           Snowflake
	Region            string
	Icon              string
	MemberCount       int
	Features          []string
	AFKChannelID      Snowflake
	AFKTimeout        int
	VerificationLevel int
	Large             bool
	JoinedAt          time.Time
}

func (g *Guild) Clone() *Guild {
	if g == nil {
		return nil
	}
	c := *g
	c.Features = slices.Clone(g.Features)
	return &c
}

type Overwrite struct {
	ID    Snowflake     `json:"id"`
	Type  OverwriteType `json:"type"`
	Allow Permissions   `json:"allow"`
	Deny  Permissions   `json:"deny"`
}

type Channel struct {
	ID            Snowflake
	Type          ChannelType
	GuildID       Snowflake
	Name          string
	Topic         string
	Position      int
	Bitrate       int
	UserLimit     int
	Overwrites    []Overwrite
	LastMessageID Snowflake

	// DM and group channels only.
	Recipients []Snowflake
	OwnerID    Snowflake
}

func (c *Channel) Clone() *Channel {
	if c == nil {
		return nil
	}
	n := *c
	n.Overwrites = slices.Clone(c.Overwrites)
	n.Recipients = slices.Clone(c.Recipients)
	return &n
}

func (c *Channel) IsPrivate() bool {
	return c.Type.IsPrivate()
}

type Member struct {
	GuildID  Snowflake
	UserID   Snowflake
	Nick     string
	Roles    []Snowflake
	JoinedAt time.Time
	Mute     bool
	Deaf     bool
	SelfMute bool
	SelfDeaf bool
}

func (m *Member) Clone() *Member {
	if m == nil {
		return nil
	}
	c := *m
	c.Roles = slices.Clone(m.Roles)
	return &c
}

func (m *Member) HasRole(id Snowflake) bool {
	return slices.Contains(m.Roles, id)
}

type Role struct {
	ID          Snowflake
	GuildID     Snowflake
	Name        string
	Color       int
	Hoist       bool
	Position    int
	Permissions Permissions
	Managed     bool
	Mentionable bool
}

func (r *Role) Clone() *Role {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

type Message struct {
	ID              Snowflake
	ChannelID       Snowflake
	GuildID         Snowflake
	AuthorID        Snowflake
	Type            int
	Content         string
	Timestamp       time.Time
	EditedTimestamp time.Time
	TTS             bool
	Pinned          bool
	MentionEveryone bool
	Mentions        []Snowflake
	Nonce           string

	Deleted bool

	// Edits holds earlier versions, newest first.
	Edits []*Message
}

func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.Mentions = slices.Clone(m.Mentions)
	if m.Edits != nil {
		c.Edits = make([]*Message, len(m.Edits))
		for i, e := range m.Edits {
			c.Edits[i] = e.Clone()
		}
	}
	return &c
}

// Call is an active call in a DM or group channel.
type Call struct {
	ChannelID   Snowflake
	MessageID   Snowflake
	Region      string
	Ringing     []Snowflake
	Unavailable bool
}

func (c *Call) Clone() *Call {
	if c == nil {
		return nil
	}
	n := *c
	n.Ringing = slices.Clone(c.Ringing)
	return &n
}

type VoiceState struct {
	GuildID   Snowflake
	ChannelID Snowflake
	UserID    Snowflake
	SessionID string
	Mute      bool
	Deaf      bool
	SelfMute  bool
	SelfDeaf  bool
	Suppress  bool
}

func (v *VoiceState) Clone() *VoiceState {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// Scope is the key voice state is grouped under: the guild, or the call
// channel for DM calls.
func (v *VoiceState) Scope() Snowflake {
	if v.GuildID != "" {
		return v.GuildID
	}
	return v.ChannelID
}
