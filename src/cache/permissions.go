package cache

import (
	"personal/discordie_go/src/models"
)

// PermissionsFor resolves what userID may do in channelID. The guild owner
// and administrators get everything; otherwise the @everyone role and the
// member's roles are combined, then channel overwrites apply in order:
// @everyone, roles from lowest to highest position, and the member last.
// Unknown channels or non-members resolve to no permissions.
func (c *Cache) PermissionsFor(userID, channelID models.Snowflake) models.Permissions {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ch := c.channels[channelID]
	if ch == nil {
		return 0
	}
	if ch.IsPrivate() {
		return models.PermissionsDirect
	}

	g := c.guilds[ch.GuildID]
	m := c.members[ch.GuildID][userID]
	if g == nil || m == nil {
		return 0
	}
	if g.OwnerID == userID {
		return models.PermissionsAll
	}

	roles := c.roles[ch.GuildID]
	everyoneID := ch.GuildID

	perms := models.Permissions(0)
	if everyone := roles[everyoneID]; everyone != nil {
		perms = everyone.Permissions
	}

	var memberRoles []*models.Role
	for _, id := range m.Roles {
		if r := roles[id]; r != nil {
			memberRoles = append(memberRoles, r)
			perms |= r.Permissions
		}
	}
	if perms.Has(models.PermissionAdministrator) {
		return models.PermissionsAll
	}

	overwrites := make(map[models.Snowflake]models.Overwrite, len(ch.Overwrites))
	for _, o := range ch.Overwrites {
		overwrites[o.ID] = o
	}
	apply := func(o models.Overwrite) {
		perms &^= o.Deny
		perms |= o.Allow
	}

	if o, ok := overwrites[everyoneID]; ok && o.Type == models.OverwriteRole {
		apply(o)
	}

	sortRoles(memberRoles)
	for _, r := range memberRoles {
		if o, ok := overwrites[r.ID]; ok && o.Type == models.OverwriteRole {
			apply(o)
		}
	}

	if o, ok := overwrites[userID]; ok && o.Type == models.OverwriteMember {
		apply(o)
	}

	return perms
}

// Can reports whether userID holds every permission in flags for channelID.
func (c *Cache) Can(flags models.Permissions, userID, channelID models.Snowflake) bool {
	return c.PermissionsFor(userID, channelID).Has(flags)
}
