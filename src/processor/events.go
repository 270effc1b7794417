package processor

import (
	"time"

	"personal/discordie_go/src/dispatch"
	"personal/discordie_go/src/models"
)

// Notifications published while applying gateway events.
var (
	KindGuildCreate       = dispatch.NewKind[GuildCreate]("GUILD_CREATE")
	KindGuildUpdate       = dispatch.NewKind[GuildUpdate]("GUILD_UPDATE")
	KindGuildDelete       = dispatch.NewKind[GuildDelete]("GUILD_DELETE")
	KindGuildUnavailable  = dispatch.NewKind[GuildUnavailable]("GUILD_UNAVAILABLE")
	KindGuildBanAdd       = dispatch.NewKind[GuildBan]("GUILD_BAN_ADD")
	KindGuildBanRemove    = dispatch.NewKind[GuildBan]("GUILD_BAN_REMOVE")
	KindGuildMemberAdd    = dispatch.NewKind[GuildMemberAdd]("GUILD_MEMBER_ADD")
	KindGuildMemberUpdate = dispatch.NewKind[GuildMemberUpdate]("GUILD_MEMBER_UPDATE")
	KindGuildMemberRemove = dispatch.NewKind[GuildMemberRemove]("GUILD_MEMBER_REMOVE")
	KindGuildMembersChunk = dispatch.NewKind[GuildMembersChunk]("GUILD_MEMBERS_CHUNK")
	KindGuildRoleCreate   = dispatch.NewKind[GuildRoleCreate]("GUILD_ROLE_CREATE")
	KindGuildRoleUpdate   = dispatch.NewKind[GuildRoleUpdate]("GUILD_ROLE_UPDATE")
	KindGuildRoleDelete   = dispatch.NewKind[GuildRoleDelete]("GUILD_ROLE_DELETE")

	KindChannelCreate          = dispatch.NewKind[ChannelCreate]("CHANNEL_CREATE")
	KindChannelUpdate          = dispatch.NewKind[ChannelUpdate]("CHANNEL_UPDATE")
	KindChannelDelete          = dispatch.NewKind[ChannelDelete]("CHANNEL_DELETE")
	KindChannelRecipientAdd    = dispatch.NewKind[ChannelRecipient]("CHANNEL_RECIPIENT_ADD")
	KindChannelRecipientRemove = dispatch.NewKind[ChannelRecipient]("CHANNEL_RECIPIENT_REMOVE")

	KindMessageCreate     = dispatch.NewKind[MessageCreate]("MESSAGE_CREATE")
	KindMessageUpdate     = dispatch.NewKind[MessageUpdate]("MESSAGE_UPDATE")
	KindMessageDelete     = dispatch.NewKind[MessageDelete]("MESSAGE_DELETE")
	KindMessageDeleteBulk = dispatch.NewKind[MessageDeleteBulk]("MESSAGE_DELETE_BULK")

	KindPresenceUpdate = dispatch.NewKind[PresenceUpdate]("PRESENCE_UPDATE")
	KindTypingStart    = dispatch.NewKind[TypingStart]("TYPING_START")
	KindUserUpdate     = dispatch.NewKind[UserUpdate]("USER_UPDATE")

	KindVoiceStateUpdate  = dispatch.NewKind[VoiceStateUpdate]("VOICE_STATE_UPDATE")
	KindVoiceServerUpdate = dispatch.NewKind[VoiceServerUpdate]("VOICE_SERVER_UPDATE")
	KindVoiceChannelJoin  = dispatch.NewKind[VoiceChannelJoin]("VOICE_CHANNEL_JOIN")
	KindVoiceChannelLeave = dispatch.NewKind[VoiceChannelLeave]("VOICE_CHANNEL_LEAVE")

	KindCallCreate      = dispatch.NewKind[CallCreate]("CALL_CREATE")
	KindCallUpdate      = dispatch.NewKind[CallUpdate]("CALL_UPDATE")
	KindCallDelete      = dispatch.NewKind[CallDelete]("CALL_DELETE")
	KindCallUnavailable = dispatch.NewKind[CallUnavailable]("CALL_UNAVAILABLE")
)

type GuildCreate struct {
	Guild *models.Guild
	// BecameAvailable is set when the guild was previously unavailable.
	BecameAvailable bool
}

type GuildUpdate struct {
	GuildID models.Snowflake
	*Diff[models.Guild]
}

type GuildDelete struct {
	GuildID models.Snowflake
	Cached[models.Guild]
}

type GuildUnavailable struct {
	GuildID models.Snowflake
}

type GuildBan struct {
	GuildID models.Snowflake
	User    *models.User
}

type GuildMemberAdd struct {
	GuildID models.Snowflake
	Member  *models.Member
	User    *models.User
}

type GuildMemberUpdate struct {
	GuildID models.Snowflake
	User    *models.User
	*Diff[models.Member]
}

type GuildMemberRemove struct {
	GuildID models.Snowflake
	User    *models.User
	Cached[models.Member]
}

type GuildMembersChunk struct {
	GuildID  models.Snowflake
	Members  []*models.Member
	Complete bool
}

type GuildRoleCreate struct {
	GuildID models.Snowflake
	Role    *models.Role
}

type GuildRoleUpdate struct {
	GuildID models.Snowflake
	*Diff[models.Role]
}

type GuildRoleDelete struct {
	GuildID models.Snowflake
	RoleID  models.Snowflake
	Cached[models.Role]
}

type ChannelCreate struct {
	Channel *models.Channel
}

type ChannelUpdate struct {
	ChannelID models.Snowflake
	*Diff[models.Channel]
}

type ChannelDelete struct {
	ChannelID models.Snowflake
	GuildID   models.Snowflake
	Cached[models.Channel]
}

type ChannelRecipient struct {
	Channel *models.Channel
	User    *models.User
}

type MessageCreate struct {
	Message *models.Message
}

// MessageUpdate carries the updated message, or nil with the raw payload
// when the message was not cached.
type MessageUpdate struct {
	Message *models.Message
	Data    models.MessagePayload
	*Diff[models.Message]
}

// MessageDelete carries the tombstone, nil when the message was not cached.
type MessageDelete struct {
	ChannelID models.Snowflake
	MessageID models.Snowflake
	Message   *models.Message
}

// MessageDeleteBulk lists every deleted id; Messages holds tombstones for
// the ones that were cached.
type MessageDeleteBulk struct {
	ChannelID  models.Snowflake
	MessageIDs []models.Snowflake
	Messages   []*models.Message
}

// PresenceUpdate is published once per cached guild the user belongs to.
// Guild and Member are nil when the user shares no cached guild.
type PresenceUpdate struct {
	Guild  *models.Guild
	User   *models.User
	Member *models.Member
}

type TypingStart struct {
	User      *models.User
	UserID    models.Snowflake
	Channel   *models.Channel
	Timestamp time.Time
}

type UserUpdate struct {
	*Diff[models.User]
}

type VoiceStateUpdate struct {
	State    *models.VoiceState
	Previous *models.VoiceState
}

type VoiceServerUpdate struct {
	GuildID   models.Snowflake
	ChannelID models.Snowflake
	Token     string
	Endpoint  string
}

// Scope is the guild id, or the call channel for DM calls.
func (v VoiceServerUpdate) Scope() models.Snowflake {
	if v.GuildID != "" {
		return v.GuildID
	}
	return v.ChannelID
}

type VoiceChannelJoin struct {
	User      *models.User
	Channel   *models.Channel
	ChannelID models.Snowflake
	GuildID   models.Snowflake
}

type VoiceChannelLeave struct {
	User         *models.User
	ChannelID    models.Snowflake
	GuildID      models.Snowflake
	NewChannelID models.Snowflake
	NewGuildID   models.Snowflake
}

type CallCreate struct {
	Channel *models.Channel
	Call    *models.Call
}

type CallUpdate struct {
	ChannelID models.Snowflake
	*Diff[models.Call]
}

type CallDelete struct {
	ChannelID models.Snowflake
	Cached[models.Call]
}

type CallUnavailable struct {
	ChannelID models.Snowflake
}
