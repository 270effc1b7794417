package processor

import (
	"encoding/json"
	"testing"
	"time"

	"personal/discordie_go/src/cache"
	"personal/discordie_go/src/dispatch"
	"personal/discordie_go/src/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	t     *testing.T
	cache *cache.Cache
	bus   *dispatch.Dispatcher
	proc  *Processor
	names []string
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	f := &fixture{t: t, cache: cache.New(nil), bus: dispatch.New(nil)}
	f.proc = New(f.cache, f.bus, opts...)
	f.bus.SubscribeAll(func(name string, _ any) { f.names = append(f.names, name) })
	t.Cleanup(f.bus.Close)
	return f
}

func (f *fixture) handle(eventType string, payload string) {
	f.t.Helper()
	require.NoError(f.t, f.proc.Handle(eventType, json.RawMessage(payload)))
}

func collect[T any](f *fixture, k dispatch.Kind[T]) *[]T {
	var got []T
	dispatch.Subscribe(f.bus, k, func(v T) { got = append(got, v) })
	return &got
}

const readyPayload = `{
	"v": 6,
	"session_id": "s1",
	"user": {"id": "self", "username": "me"},
	"private_channels": [{"id": "dm1", "type": 1, "recipients": [{"id": "u9", "username": "nine"}]}],
	"guilds": [{"id": "g2", "unavailable": true}]
}`

const guildPayload = `{
	"id": "g1",
	"name": "guild",
	"owner_id": "u1",
	"member_count": 2,
	"roles": [{"id": "g1", "name": "@everyone", "position": 0, "permissions": 1024}],
	"channels": [{"id": "c1", "type": 0, "name": "general"}, {"id": "v1", "type": 2, "name": "voice"}],
	"members": [
		{"user": {"id": "u1", "username": "one"}, "roles": []},
		{"user": {"id": "self", "username": "me"}, "roles": []}
	],
	"presences": [{"user": {"id": "u1"}, "status": "online"}],
	"voice_states": []
}`

func (f *fixture) ready() {
	f.handle("READY", readyPayload)
	f.handle("GUILD_CREATE", guildPayload)
}

func TestReadyRebuildsCache(t *testing.T) {
	f := newFixture(t)
	f.cache.PutGuild(&models.Guild{ID: "stale"})

	f.handle("READY", readyPayload)

	assert.Nil(t, f.cache.Guild("stale"))
	assert.Equal(t, models.Snowflake("self"), f.cache.SelfID())
	assert.Equal(t, "me", f.cache.Self().Username)
	assert.True(t, f.cache.IsUnavailable("g2"))
	assert.Equal(t, "nine", f.cache.User("u9").Username)
	assert.Equal(t, []models.Snowflake{"u9"}, f.cache.Channel("dm1").Recipients)
}

func TestGuildCreateIngestsEverything(t *testing.T) {
	f := newFixture(t)
	created := collect(f, KindGuildCreate)
	f.ready()

	require.Len(t, *created, 1)
	assert.Equal(t, "guild", (*created)[0].Guild.Name)
	assert.False(t, (*created)[0].BecameAvailable)

	assert.Equal(t, models.Snowflake("g1"), f.cache.Channel("c1").GuildID)
	assert.Len(t, f.cache.Members("g1"), 2)
	assert.Equal(t, models.StatusOnline, f.cache.User("u1").Status)
	assert.True(t, f.cache.MembersLoaded("g1"))
	assert.Equal(t, models.PermissionViewChannel, f.cache.Role("g1", "g1").Permissions)
}

func TestMessageLifecycleScenario(t *testing.T) {
	f := newFixture(t)
	f.ready()
	f.names = nil

	f.handle("CHANNEL_CREATE", `{"id": "c2", "type": 0, "guild_id": "g1", "name": "new"}`)
	f.handle("MESSAGE_CREATE", `{"id": "m1", "channel_id": "c2", "content": "hello", "author": {"id": "u1"}}`)

	deleted := collect(f, KindMessageDelete)
	f.handle("MESSAGE_DELETE", `{"id": "m1", "channel_id": "c2"}`)

	assert.Equal(t, []string{"CHANNEL_CREATE", "MESSAGE_CREATE", "MESSAGE_DELETE"}, f.names)

	require.Len(t, *deleted, 1)
	require.NotNil(t, (*deleted)[0].Message)
	assert.True(t, (*deleted)[0].Message.Deleted)
	assert.Equal(t, "hello", (*deleted)[0].Message.Content)

	assert.True(t, f.cache.Messages().Get("m1").Deleted)
	assert.Empty(t, f.cache.Messages().ForChannel("c2"))
	assert.Equal(t, models.Snowflake("m1"), f.cache.Channel("c2").LastMessageID)
	assert.Equal(t, models.Snowflake("g1"), f.cache.Messages().Get("m1").GuildID)
}

func TestMessageUpdateRecordsEdits(t *testing.T) {
	f := newFixture(t)
	f.ready()
	updates := collect(f, KindMessageUpdate)

	f.handle("MESSAGE_CREATE", `{"id": "m1", "channel_id": "c1", "content": "v1", "author": {"id": "u1"}}`)
	f.handle("MESSAGE_UPDATE", `{"id": "m1", "channel_id": "c1", "content": "v2", "edited_timestamp": "2020-01-01T00:00:00Z"}`)
	f.handle("MESSAGE_UPDATE", `{"id": "m1", "channel_id": "c1"}`)
	f.handle("MESSAGE_UPDATE", `{"id": "unknown", "channel_id": "c1", "content": "x"}`)

	require.Len(t, *updates, 3)
	change := (*updates)[0].Changes()
	assert.Equal(t, "v1", change.Before.Content)
	assert.Equal(t, "v2", change.After.Content)
	assert.Same(t, change.After, (*updates)[0].Changes().After)

	m := f.cache.Messages().Get("m1")
	require.Len(t, m.Edits, 1)
	assert.Equal(t, "v1", m.Edits[0].Content)

	assert.Nil(t, (*updates)[2].Message)
	assert.Equal(t, "x", (*updates)[2].Data.Content.OrEmpty())
}

func TestMemberUpdateThenRemoveCachedData(t *testing.T) {
	f := newFixture(t)
	f.ready()
	updates := collect(f, KindGuildMemberUpdate)
	removes := collect(f, KindGuildMemberRemove)

	f.handle("GUILD_MEMBER_UPDATE", `{"guild_id": "g1", "user": {"id": "u1"}, "nick": "renamed", "roles": []}`)
	f.handle("GUILD_MEMBER_REMOVE", `{"guild_id": "g1", "user": {"id": "u1"}}`)

	require.Len(t, *updates, 1)
	change := (*updates)[0].Changes()
	assert.Equal(t, "", change.Before.Nick)
	assert.Equal(t, "renamed", change.After.Nick)

	require.Len(t, *removes, 1)
	cached := (*removes)[0].CachedData()
	require.NotNil(t, cached)
	assert.Equal(t, "renamed", cached.Nick)
	assert.Nil(t, f.cache.Member("g1", "u1"))
	assert.Equal(t, 1, f.cache.Guild("g1").MemberCount)
}

func TestSelfRemovalFollowedByGuildDeleteIsSuppressed(t *testing.T) {
	f := newFixture(t, WithRemovalGrace(time.Hour))
	f.ready()
	f.names = nil
	deletes := collect(f, KindGuildDelete)

	f.handle("GUILD_MEMBER_REMOVE", `{"guild_id": "g1", "user": {"id": "self"}}`)
	assert.Nil(t, f.cache.Member("g1", "self"))
	f.handle("GUILD_DELETE", `{"id": "g1"}`)

	assert.Equal(t, []string{"GUILD_DELETE"}, f.names)
	require.Len(t, *deletes, 1)
	assert.Equal(t, "guild", (*deletes)[0].CachedData().Name)
	assert.Nil(t, f.cache.Channel("c1"))
}

func TestSelfRemovalFlushedByOtherEvent(t *testing.T) {
	f := newFixture(t, WithRemovalGrace(time.Hour))
	f.ready()
	f.names = nil

	f.handle("GUILD_MEMBER_REMOVE", `{"guild_id": "g1", "user": {"id": "self"}}`)
	assert.Empty(t, f.names)
	f.handle("TYPING_START", `{"channel_id": "c1", "user_id": "u1", "timestamp": 1}`)

	assert.Equal(t, []string{"GUILD_MEMBER_REMOVE", "TYPING_START"}, f.names)
}

func TestSelfRemovalFlushedByTimer(t *testing.T) {
	f := newFixture(t, WithRemovalGrace(10*time.Millisecond))
	f.ready()
	removes := make(chan GuildMemberRemove, 1)
	dispatch.Subscribe(f.bus, KindGuildMemberRemove, func(ev GuildMemberRemove) { removes <- ev })

	f.handle("GUILD_MEMBER_REMOVE", `{"guild_id": "g1", "user": {"id": "self"}}`)

	select {
	case ev := <-removes:
		assert.Equal(t, models.Snowflake("g1"), ev.GuildID)
	case <-time.After(time.Second):
		t.Fatal("held removal was never flushed")
	}
}

func TestGuildDeleteUnavailable(t *testing.T) {
	f := newFixture(t)
	f.ready()
	f.names = nil

	f.handle("GUILD_DELETE", `{"id": "g1", "unavailable": true}`)

	assert.Equal(t, []string{"GUILD_UNAVAILABLE"}, f.names)
	assert.True(t, f.cache.IsUnavailable("g1"))
	assert.Empty(t, f.cache.Members("g1"))
	assert.NotNil(t, f.cache.User("u1"))

	created := collect(f, KindGuildCreate)
	f.handle("GUILD_CREATE", guildPayload)
	require.Len(t, *created, 1)
	assert.True(t, (*created)[0].BecameAvailable)
}

func TestBulkDeleteResolvesEachID(t *testing.T) {
	f := newFixture(t)
	f.ready()
	bulk := collect(f, KindMessageDeleteBulk)

	f.handle("MESSAGE_CREATE", `{"id": "m1", "channel_id": "c1", "content": "a", "author": {"id": "u1"}}`)
	f.handle("MESSAGE_CREATE", `{"id": "m2", "channel_id": "c1", "content": "b", "author": {"id": "u1"}}`)
	f.handle("MESSAGE_DELETE_BULK", `{"ids": ["m1", "zz", "m2"], "channel_id": "c1"}`)

	require.Len(t, *bulk, 1)
	ev := (*bulk)[0]
	assert.Equal(t, []models.Snowflake{"m1", "zz", "m2"}, ev.MessageIDs)
	require.Len(t, ev.Messages, 2)
	for _, m := range ev.Messages {
		assert.True(t, m.Deleted)
	}
}

func TestPresenceUpdateFansOutPerGuild(t *testing.T) {
	f := newFixture(t)
	f.ready()
	f.handle("GUILD_CREATE", `{"id": "g3", "name": "third", "members": [{"user": {"id": "u1"}, "roles": []}]}`)
	presences := collect(f, KindPresenceUpdate)

	f.handle("PRESENCE_UPDATE", `{"user": {"id": "u1"}, "status": "idle", "game": {"name": "chess"}}`)

	require.Len(t, *presences, 2)
	guilds := []models.Snowflake{(*presences)[0].Guild.ID, (*presences)[1].Guild.ID}
	assert.ElementsMatch(t, []models.Snowflake{"g1", "g3"}, guilds)
	u := f.cache.User("u1")
	assert.Equal(t, models.StatusIdle, u.Status)
	assert.Equal(t, models.StatusOnline, u.PreviousStatus)
	assert.Equal(t, "chess", u.Game.Name)

	*presences = nil
	f.handle("PRESENCE_UPDATE", `{"user": {"id": "stranger"}, "status": "online"}`)
	require.Len(t, *presences, 1)
	assert.Nil(t, (*presences)[0].Guild)
}

func TestVoiceJoinMoveLeave(t *testing.T) {
	f := newFixture(t)
	f.ready()
	f.handle("CHANNEL_CREATE", `{"id": "v2", "type": 2, "guild_id": "g1"}`)
	f.names = nil
	joins := collect(f, KindVoiceChannelJoin)
	leaves := collect(f, KindVoiceChannelLeave)

	f.handle("VOICE_STATE_UPDATE", `{"guild_id": "g1", "channel_id": "v1", "user_id": "u1", "session_id": "x"}`)
	f.handle("VOICE_STATE_UPDATE", `{"guild_id": "g1", "channel_id": "v2", "user_id": "u1", "session_id": "x", "self_mute": true}`)
	f.handle("VOICE_STATE_UPDATE", `{"guild_id": "g1", "channel_id": null, "user_id": "u1", "session_id": "x"}`)

	assert.Equal(t, []string{
		"VOICE_STATE_UPDATE", "VOICE_CHANNEL_JOIN",
		"VOICE_STATE_UPDATE", "VOICE_CHANNEL_LEAVE", "VOICE_CHANNEL_JOIN",
		"VOICE_STATE_UPDATE", "VOICE_CHANNEL_LEAVE",
	}, f.names)

	require.Len(t, *joins, 2)
	assert.Equal(t, models.Snowflake("v2"), (*joins)[1].ChannelID)
	require.Len(t, *leaves, 2)
	assert.Equal(t, models.Snowflake("v2"), (*leaves)[0].NewChannelID)
	assert.Equal(t, models.Snowflake(""), (*leaves)[1].NewChannelID)
	assert.Nil(t, f.cache.VoiceState("g1", "u1"))
}

func TestMembersChunkCompletesFetch(t *testing.T) {
	f := newFixture(t)
	f.handle("READY", readyPayload)
	f.handle("GUILD_CREATE", `{"id": "big", "member_count": 3, "large": true, "members": [{"user": {"id": "a"}, "roles": []}]}`)
	require.False(t, f.cache.MembersLoaded("big"))
	done := f.cache.AwaitMembers("big")

	f.handle("GUILD_MEMBERS_CHUNK", `{"guild_id": "big", "chunk_index": 0, "chunk_count": 2, "members": [{"user": {"id": "b"}, "roles": []}]}`)
	assert.False(t, f.cache.MembersLoaded("big"))

	f.handle("GUILD_MEMBERS_CHUNK", `{"guild_id": "big", "chunk_index": 1, "chunk_count": 2, "members": [{"user": {"id": "c"}, "roles": []}]}`)
	<-done
	assert.Len(t, f.cache.Members("big"), 3)
}

func TestCallLifecycle(t *testing.T) {
	f := newFixture(t)
	f.handle("READY", readyPayload)
	f.names = nil

	f.handle("CALL_CREATE", `{"channel_id": "dm1", "message_id": "m", "region": "eu", "ringing": ["u9"], "voice_states": [{"channel_id": "dm1", "user_id": "u9", "session_id": "s"}]}`)
	f.handle("CALL_UPDATE", `{"channel_id": "dm1", "ringing": []}`)
	f.handle("CALL_DELETE", `{"channel_id": "dm1", "unavailable": true}`)
	assert.True(t, f.cache.Call("dm1").Unavailable)
	f.handle("CALL_DELETE", `{"channel_id": "dm1"}`)

	assert.Equal(t, []string{"CALL_CREATE", "CALL_UPDATE", "CALL_UNAVAILABLE", "CALL_DELETE"}, f.names)
	assert.Nil(t, f.cache.Call("dm1"))
	assert.Empty(t, f.cache.UsersInCall("dm1"))
}

func TestRoleDeleteAndChannelDelete(t *testing.T) {
	f := newFixture(t)
	f.ready()
	roleDeletes := collect(f, KindGuildRoleDelete)
	channelDeletes := collect(f, KindChannelDelete)

	f.handle("GUILD_ROLE_CREATE", `{"guild_id": "g1", "role": {"id": "r1", "name": "mod", "position": 1}}`)
	f.handle("GUILD_MEMBER_UPDATE", `{"guild_id": "g1", "user": {"id": "u1"}, "roles": ["r1"]}`)
	f.handle("GUILD_ROLE_DELETE", `{"guild_id": "g1", "role_id": "r1"}`)
	f.handle("CHANNEL_DELETE", `{"id": "c1", "guild_id": "g1"}`)

	require.Len(t, *roleDeletes, 1)
	assert.Equal(t, "mod", (*roleDeletes)[0].CachedData().Name)
	assert.Empty(t, f.cache.Member("g1", "u1").Roles)

	require.Len(t, *channelDeletes, 1)
	assert.Equal(t, "general", (*channelDeletes)[0].CachedData().Name)
}

func TestIngestMessagesMarksHistoryLoaded(t *testing.T) {
	f := newFixture(t)
	f.ready()

	var payloads []models.MessagePayload
	require.NoError(t, json.Unmarshal([]byte(`[{"id": "2", "channel_id": "c1", "content": "b"}, {"id": "1", "channel_id": "c1", "content": "a"}]`), &payloads))

	got := f.proc.IngestMessages("c1", payloads, 50)

	require.Len(t, got, 2)
	assert.True(t, f.cache.Messages().AllMessagesLoaded("c1"))
	live := f.cache.Messages().ForChannel("c1")
	require.Len(t, live, 2)
	assert.Equal(t, "a", live[0].Content)
}
