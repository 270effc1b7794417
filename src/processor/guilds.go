package processor

import (
	"encoding/json"

	"personal/discordie_go/src/dispatch"
	"personal/discordie_go/src/models"

	"github.com/samber/mo"
)

// ingestGuild stores a full guild payload with its roles, channels, members,
// presences and voice states. It reports whether the guild was unavailable.
func (p *Processor) ingestGuild(payload models.GuildPayload) (*models.Guild, bool) {
	g := payload.Apply(p.cache.Guild(payload.ID))
	wasUnavailable := p.cache.PutGuild(g)

	for _, r := range payload.Roles.OrEmpty() {
		p.cache.PutRole(r.Apply(g.ID, nil))
	}
	for _, ch := range payload.Channels {
		ch.GuildID = mo.Some(ch.GuildID.OrElse(g.ID))
		p.putChannel(ch)
	}
	for _, m := range payload.Members {
		p.putUser(m.User)
		p.cache.PutMember(m.Apply(g.ID, p.cache.Member(g.ID, m.User.ID)))
	}
	for _, presence := range payload.Presences {
		p.cache.PutUser(presence.ApplyPresence(p.cache.User(presence.User.ID)))
	}
	for _, v := range payload.VoiceStates {
		p.cache.PutVoiceState(v.State(g.ID))
	}

	if len(payload.Members) > 0 && len(payload.Members) >= g.MemberCount {
		p.cache.SetMembersLoaded(g.ID)
	}
	return g, wasUnavailable
}

func (p *Processor) onGuildCreate(data json.RawMessage) error {
	payload, err := decode[models.GuildPayload](data)
	if err != nil {
		return err
	}
	if payload.Unavailable.OrElse(false) {
		p.cache.MarkUnavailable(payload.ID)
		return nil
	}

	g, wasUnavailable := p.ingestGuild(payload)
	dispatch.Publish(p.bus, KindGuildCreate, GuildCreate{Guild: g.Clone(), BecameAvailable: wasUnavailable})
	return nil
}

func (p *Processor) onGuildUpdate(data json.RawMessage) error {
	payload, err := decode[models.GuildPayload](data)
	if err != nil {
		return err
	}

	before := p.cache.Guild(payload.ID)
	after := payload.Apply(before)
	p.cache.PutGuild(after)
	for _, r := range payload.Roles.OrEmpty() {
		p.cache.PutRole(r.Apply(after.ID, p.cache.Role(after.ID, r.ID)))
	}

	dispatch.Publish(p.bus, KindGuildUpdate, GuildUpdate{
		GuildID: after.ID,
		Diff:    newDiff(before, after, (*models.Guild).Clone),
	})
	return nil
}

func (p *Processor) onGuildDelete(data json.RawMessage) error {
	payload, err := decode[models.GuildDeletePayload](data)
	if err != nil {
		return err
	}

	if payload.Unavailable.OrElse(false) {
		p.cache.RemoveGuild(payload.ID, true)
		dispatch.Publish(p.bus, KindGuildUnavailable, GuildUnavailable{GuildID: payload.ID})
		return nil
	}

	removed := p.cache.RemoveGuild(payload.ID, false)
	dispatch.Publish(p.bus, KindGuildDelete, GuildDelete{
		GuildID: payload.ID,
		Cached:  Cached[models.Guild]{data: removed},
	})
	return nil
}

func (p *Processor) onGuildBan(kind dispatch.Kind[GuildBan]) handler {
	return func(data json.RawMessage) error {
		payload, err := decode[models.GuildBanPayload](data)
		if err != nil {
			return err
		}
		u := p.putUser(payload.User)
		dispatch.Publish(p.bus, kind, GuildBan{GuildID: payload.GuildID, User: u.Clone()})
		return nil
	}
}

func (p *Processor) onGuildMemberAdd(data json.RawMessage) error {
	payload, err := decode[models.MemberPayload](data)
	if err != nil {
		return err
	}
	guildID := payload.GuildID.OrEmpty()

	u := p.putUser(payload.User)
	m := payload.Apply(guildID, nil)
	p.cache.PutMember(m)
	p.adjustMemberCount(guildID, 1)

	dispatch.Publish(p.bus, KindGuildMemberAdd, GuildMemberAdd{GuildID: guildID, Member: m.Clone(), User: u.Clone()})
	return nil
}

func (p *Processor) onGuildMemberUpdate(data json.RawMessage) error {
	payload, err := decode[models.MemberPayload](data)
	if err != nil {
		return err
	}
	guildID := payload.GuildID.OrEmpty()

	u := p.putUser(payload.User)
	before := p.cache.Member(guildID, payload.User.ID)
	after := payload.Apply(guildID, before)
	p.cache.PutMember(after)

	dispatch.Publish(p.bus, KindGuildMemberUpdate, GuildMemberUpdate{
		GuildID: guildID,
		User:    u.Clone(),
		Diff:    newDiff(before, after, (*models.Member).Clone),
	})
	return nil
}

func (p *Processor) onGuildMemberRemove(data json.RawMessage) error {
	payload, err := decode[models.GuildMemberRemovePayload](data)
	if err != nil {
		return err
	}

	u := p.putUser(payload.User)
	removed := p.cache.RemoveMember(payload.GuildID, payload.User.ID)
	if removed != nil {
		p.adjustMemberCount(payload.GuildID, -1)
	}

	ev := GuildMemberRemove{
		GuildID: payload.GuildID,
		User:    u.Clone(),
		Cached:  Cached[models.Member]{data: removed},
	}
	if payload.User.ID == p.cache.SelfID() {
		p.holdRemoval(ev)
		return nil
	}
	dispatch.Publish(p.bus, KindGuildMemberRemove, ev)
	return nil
}

func (p *Processor) adjustMemberCount(guildID models.Snowflake, delta int) {
	g := p.cache.Guild(guildID)
	if g == nil {
		return
	}
	g.MemberCount += delta
	p.cache.PutGuild(g)
}

// onGuildMembersChunk stores one chunk of a member request. The last chunk
// marks the guild's member list complete.
func (p *Processor) onGuildMembersChunk(data json.RawMessage) error {
	payload, err := decode[models.GuildMembersChunkPayload](data)
	if err != nil {
		return err
	}

	members := make([]*models.Member, 0, len(payload.Members))
	for _, mp := range payload.Members {
		p.putUser(mp.User)
		m := mp.Apply(payload.GuildID, p.cache.Member(payload.GuildID, mp.User.ID))
		p.cache.PutMember(m)
		members = append(members, m.Clone())
	}

	complete := len(payload.Members) < maxChunkSize
	if count, ok := payload.ChunkCount.Get(); ok {
		complete = payload.ChunkIndex.OrEmpty() >= count-1
	}
	if complete {
		p.cache.SetMembersLoaded(payload.GuildID)
	}

	dispatch.Publish(p.bus, KindGuildMembersChunk, GuildMembersChunk{
		GuildID:  payload.GuildID,
		Members:  members,
		Complete: complete,
	})
	return nil
}

// chunks without index information are full until the last one
const maxChunkSize = 1000

func (p *Processor) onGuildRoleCreate(data json.RawMessage) error {
	payload, err := decode[models.GuildRolePayload](data)
	if err != nil {
		return err
	}
	r := payload.Role.Apply(payload.GuildID, nil)
	p.cache.PutRole(r)
	dispatch.Publish(p.bus, KindGuildRoleCreate, GuildRoleCreate{GuildID: payload.GuildID, Role: r.Clone()})
	return nil
}

func (p *Processor) onGuildRoleUpdate(data json.RawMessage) error {
	payload, err := decode[models.GuildRolePayload](data)
	if err != nil {
		return err
	}
	before := p.cache.Role(payload.GuildID, payload.Role.ID)
	after := payload.Role.Apply(payload.GuildID, before)
	p.cache.PutRole(after)
	dispatch.Publish(p.bus, KindGuildRoleUpdate, GuildRoleUpdate{
		GuildID: payload.GuildID,
		Diff:    newDiff(before, after, (*models.Role).Clone),
	})
	return nil
}

func (p *Processor) onGuildRoleDelete(data json.RawMessage) error {
	payload, err := decode[models.GuildRoleDeletePayload](data)
	if err != nil {
		return err
	}
	removed := p.cache.RemoveRole(payload.GuildID, payload.RoleID)
	dispatch.Publish(p.bus, KindGuildRoleDelete, GuildRoleDelete{
		GuildID: payload.GuildID,
		RoleID:  payload.RoleID,
		Cached:  Cached[models.Role]{data: removed},
	})
	return nil
}
