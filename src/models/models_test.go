package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnowflakeCreatedAt(t *testing.T) {
	id := Snowflake("175928847299117063")

	assert.True(t, id.Valid())
	assert.Equal(t, time.Date(2016, 4, 30, 11, 18, 25, 796*int(time.Millisecond), time.UTC), id.CreatedAt().UTC())

	assert.False(t, Snowflake("nope").Valid())
	assert.True(t, Snowflake("nope").CreatedAt().IsZero())
}

func TestSnowflakeLess(t *testing.T) {
	assert.True(t, Snowflake("99").Less("100"))
	assert.True(t, Snowflake("100").Less("101"))
	assert.False(t, Snowflake("101").Less("101"))
}

func TestPermissionsUnmarshal(t *testing.T) {
	var numeric, str, empty Permissions
	require.NoError(t, json.Unmarshal([]byte(`8`), &numeric))
	require.NoError(t, json.Unmarshal([]byte(`"2048"`), &str))
	require.NoError(t, json.Unmarshal([]byte(`""`), &empty))

	assert.Equal(t, PermissionAdministrator, numeric)
	assert.Equal(t, PermissionSendMessages, str)
	assert.Zero(t, empty)

	var bad Permissions
	assert.Error(t, json.Unmarshal([]byte(`"x"`), &bad))
}

func TestPartialPayloadKeepsAbsentFields(t *testing.T) {
	base := &Member{GuildID: "1", UserID: "2", Nick: "old", Roles: []Snowflake{"r1"}}

	var p MemberPayload
	require.NoError(t, json.Unmarshal([]byte(`{"user":{"id":"2"},"nick":"new"}`), &p))

	next := p.Apply("1", base)
	assert.Equal(t, "new", next.Nick)
	assert.Equal(t, []Snowflake{"r1"}, next.Roles)

	var roles MemberPayload
	require.NoError(t, json.Unmarshal([]byte(`{"user":{"id":"2"},"roles":["r2","r3"]}`), &roles))
	next = roles.Apply("1", base)
	assert.Equal(t, []Snowflake{"r2", "r3"}, next.Roles)
	assert.Equal(t, "", next.Nick)
	// the base record is never written through
	assert.Equal(t, []Snowflake{"r1"}, base.Roles)
	assert.Equal(t, "old", base.Nick)
}

func TestApplyPresenceRecordsPrevious(t *testing.T) {
	base := &User{ID: "2", Username: "u", Status: StatusOnline, Game: &Game{Name: "chess"}}

	var p PresencePayload
	require.NoError(t, json.Unmarshal([]byte(`{"user":{"id":"2"},"status":"idle","game":null}`), &p))

	next := p.ApplyPresence(base)
	assert.Equal(t, StatusIdle, next.Status)
	assert.Nil(t, next.Game)
	assert.Equal(t, StatusOnline, next.PreviousStatus)
	assert.Equal(t, "chess", next.PreviousGame.Name)
	assert.Equal(t, "u", next.Username)
}

func TestMessageCloneIsDeep(t *testing.T) {
	m := &Message{ID: "1", Content: "b", Edits: []*Message{{ID: "1", Content: "a"}}}

	c := m.Clone()
	c.Edits[0].Content = "changed"

	assert.Equal(t, "a", m.Edits[0].Content)
}
