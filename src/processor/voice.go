package processor

import (
	"encoding/json"

	"personal/discordie_go/src/dispatch"
	"personal/discordie_go/src/models"
)

// onVoiceStateUpdate tracks where users are connected and derives channel
// join and leave notifications from the previous state.
func (p *Processor) onVoiceStateUpdate(data json.RawMessage) error {
	payload, err := decode[models.VoiceStatePayload](data)
	if err != nil {
		return err
	}

	state := payload.State("")
	if m, ok := payload.Member.Get(); ok && state.GuildID != "" {
		p.putUser(m.User)
		p.cache.PutMember(m.Apply(state.GuildID, p.cache.Member(state.GuildID, m.User.ID)))
	}

	var previous *models.VoiceState
	if state.GuildID != "" {
		previous = p.cache.VoiceState(state.GuildID, state.UserID)
	} else {
		previous = p.cache.FindVoiceState(state.UserID, true)
	}

	if previous != nil && previous.Scope() != state.Scope() {
		p.cache.RemoveVoiceState(previous.Scope(), state.UserID)
	}
	if state.ChannelID == "" {
		if state.GuildID != "" {
			p.cache.RemoveVoiceState(state.GuildID, state.UserID)
		}
	} else {
		p.cache.PutVoiceState(state)
	}

	dispatch.Publish(p.bus, KindVoiceStateUpdate, VoiceStateUpdate{State: state.Clone(), Previous: previous})

	user := p.cache.User(state.UserID)
	if previous != nil && previous.ChannelID != "" && previous.ChannelID != state.ChannelID {
		dispatch.Publish(p.bus, KindVoiceChannelLeave, VoiceChannelLeave{
			User:         user,
			ChannelID:    previous.ChannelID,
			GuildID:      previous.GuildID,
			NewChannelID: state.ChannelID,
			NewGuildID:   state.GuildID,
		})
	}
	if state.ChannelID != "" && (previous == nil || previous.ChannelID != state.ChannelID) {
		dispatch.Publish(p.bus, KindVoiceChannelJoin, VoiceChannelJoin{
			User:      user.Clone(),
			Channel:   p.cache.Channel(state.ChannelID),
			ChannelID: state.ChannelID,
			GuildID:   state.GuildID,
		})
	}
	return nil
}

func (p *Processor) onVoiceServerUpdate(data json.RawMessage) error {
	payload, err := decode[models.VoiceServerUpdatePayload](data)
	if err != nil {
		return err
	}
	dispatch.Publish(p.bus, KindVoiceServerUpdate, VoiceServerUpdate{
		GuildID:   payload.GuildID.OrEmpty(),
		ChannelID: payload.ChannelID.OrEmpty(),
		Token:     payload.Token,
		Endpoint:  payload.Endpoint,
	})
	return nil
}

func (p *Processor) onCallCreate(data json.RawMessage) error {
	payload, err := decode[models.CallPayload](data)
	if err != nil {
		return err
	}

	call := payload.Apply(nil)
	p.cache.PutCall(call)
	for _, v := range payload.VoiceStates {
		if v.ChannelID != "" {
			p.cache.PutVoiceState(v.State(""))
		}
	}

	if call.Unavailable {
		dispatch.Publish(p.bus, KindCallUnavailable, CallUnavailable{ChannelID: call.ChannelID})
		return nil
	}
	dispatch.Publish(p.bus, KindCallCreate, CallCreate{Channel: p.cache.Channel(call.ChannelID), Call: call.Clone()})
	return nil
}

func (p *Processor) onCallUpdate(data json.RawMessage) error {
	payload, err := decode[models.CallPayload](data)
	if err != nil {
		return err
	}
	before := p.cache.Call(payload.ChannelID)
	after := payload.Apply(before)
	p.cache.PutCall(after)
	dispatch.Publish(p.bus, KindCallUpdate, CallUpdate{
		ChannelID: after.ChannelID,
		Diff:      newDiff(before, after, (*models.Call).Clone),
	})
	return nil
}

// onCallDelete ends a call. An unavailable flag means the call's server
// went away and the call is kept as unavailable.
func (p *Processor) onCallDelete(data json.RawMessage) error {
	payload, err := decode[models.CallPayload](data)
	if err != nil {
		return err
	}

	if payload.Unavailable.OrElse(false) {
		if call := p.cache.Call(payload.ChannelID); call != nil {
			call.Unavailable = true
			p.cache.PutCall(call)
		}
		dispatch.Publish(p.bus, KindCallUnavailable, CallUnavailable{ChannelID: payload.ChannelID})
		return nil
	}

	removed := p.cache.RemoveCall(payload.ChannelID)
	dispatch.Publish(p.bus, KindCallDelete, CallDelete{
		ChannelID: payload.ChannelID,
		Cached:    Cached[models.Call]{data: removed},
	})
	return nil
}
