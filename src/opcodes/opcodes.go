package opcodes

// Gateway opcodes.
//
// 0	Dispatch	Receive	An event was dispatched.
// 1	Heartbeat	Send/Receive	Fired periodically by the client to keep the connection alive.
// 2	Identify	Send	Starts a new session during the initial handshake.
// 3	Presence Update	Send	Update the client's presence.
// 4	Voice State Update	Send	Used to join/leave or move between voice channels.
// 6	Resume	Send	Resume a previous session that was disconnected.
// 7	Reconnect	Receive	You should attempt to reconnect and resume immediately.
// 8	Request Guild Members	Send	Request information about offline guild members in a large guild.
// 9	Invalid Session	Receive	The session has been invalidated. You should reconnect and identify/resume accordingly.
// 10	Hello	Receive	Sent immediately after connecting, contains the heartbeat_interval to use.
// 11	Heartbeat ACK	Receive	Sent in response to receiving a heartbeat to acknowledge that it has been received.
const (
	Dispatch            = 0
	Heartbeat           = 1
	Identify            = 2
	PresenceUpdate      = 3
	VoiceStateUpdate    = 4
	Resume              = 6
	Reconnect           = 7
	RequestGuildMembers = 8
	InvalidSession      = 9
	Hello               = 10
	HeartbeatACK        = 11
)

// Voice gateway opcodes (protocol v4).
const (
	VoiceIdentify           = 0
	VoiceSelectProtocol     = 1
	VoiceReady              = 2
	VoiceHeartbeat          = 3
	VoiceSessionDescription = 4
	VoiceSpeaking           = 5
	VoiceHeartbeatACK       = 6
	VoiceResume             = 7
	VoiceHello              = 8
	VoiceResumed            = 9
	VoiceClientDisconnect   = 13
)

// Gateway close codes that end a session for good.
const (
	CloseAuthenticationFailed = 4004
	CloseInvalidShard         = 4010
	CloseShardingRequired     = 4011
	CloseInvalidAPIVersion    = 4012
	CloseInvalidIntents       = 4013
	CloseDisallowedIntents    = 4014
)

// IsFatalClose reports whether a gateway close code forbids reconnecting.
func IsFatalClose(code int) bool {
	switch code {
	case CloseAuthenticationFailed, CloseInvalidShard, CloseShardingRequired,
		CloseInvalidAPIVersion, CloseInvalidIntents, CloseDisallowedIntents:
		return true
	}
	return false
}
