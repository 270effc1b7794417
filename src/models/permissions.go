package models

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Permissions is a permission bitmask.
type Permissions uint64

const (
	PermissionCreateInstantInvite Permissions = 1 << iota
	PermissionKickMembers
	PermissionBanMembers
	PermissionAdministrator
	PermissionManageChannels
	PermissionManageGuild
	PermissionAddReactions
	PermissionViewAuditLog
	PermissionPrioritySpeaker
	PermissionStream
	PermissionViewChannel
	PermissionSendMessages
	PermissionSendTTSMessages
	PermissionManageMessages
	PermissionEmbedLinks
	PermissionAttachFiles
	PermissionReadMessageHistory
	PermissionMentionEveryone
	PermissionUseExternalEmojis
	PermissionViewGuildInsights
	PermissionConnect
	PermissionSpeak
	PermissionMuteMembers
	PermissionDeafenMembers
	PermissionMoveMembers
	PermissionUseVAD
	PermissionChangeNickname
	PermissionManageNicknames
	PermissionManageRoles
	PermissionManageWebhooks
	PermissionManageEmojis
)

const PermissionsAll = PermissionManageEmojis<<1 - 1

// PermissionsDirect is what a user can do in a DM or group channel.
const PermissionsDirect = PermissionViewChannel |
	PermissionSendMessages |
	PermissionSendTTSMessages |
	PermissionEmbedLinks |
	PermissionAttachFiles |
	PermissionReadMessageHistory |
	PermissionMentionEveryone |
	PermissionUseExternalEmojis |
	PermissionAddReactions |
	PermissionConnect |
	PermissionSpeak |
	PermissionUseVAD

func (p Permissions) Has(flags Permissions) bool {
	return p&flags == flags
}

// UnmarshalJSON accepts both the numeric and the string encoding.
func (p *Permissions) UnmarshalJSON(b []byte) error {
	var raw json.Number
	if err := json.Unmarshal(b, &raw); err != nil {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("could not unmarshal permissions: %w", err)
		}
		raw = json.Number(s)
	}
	if raw == "" {
		*p = 0
		return nil
	}
	v, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return fmt.Errorf("could not parse permissions %q: %w", raw, err)
	}
	*p = Permissions(v)
	return nil
}

func (p Permissions) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatUint(uint64(p), 10))
}
