package processor

import (
	"encoding/json"
	"slices"

	"personal/discordie_go/src/dispatch"
	"personal/discordie_go/src/models"
)

func (p *Processor) putChannel(payload models.ChannelPayload) *models.Channel {
	for _, r := range payload.Recipients.OrEmpty() {
		p.putUser(r)
	}
	ch := payload.Apply(p.cache.Channel(payload.ID))
	p.cache.PutChannel(ch)
	return ch
}

func (p *Processor) onChannelCreate(data json.RawMessage) error {
	payload, err := decode[models.ChannelPayload](data)
	if err != nil {
		return err
	}
	ch := p.putChannel(payload)
	dispatch.Publish(p.bus, KindChannelCreate, ChannelCreate{Channel: ch.Clone()})
	return nil
}

func (p *Processor) onChannelUpdate(data json.RawMessage) error {
	payload, err := decode[models.ChannelPayload](data)
	if err != nil {
		return err
	}
	before := p.cache.Channel(payload.ID)
	after := p.putChannel(payload)
	dispatch.Publish(p.bus, KindChannelUpdate, ChannelUpdate{
		ChannelID: after.ID,
		Diff:      newDiff(before, after, (*models.Channel).Clone),
	})
	return nil
}

func (p *Processor) onChannelDelete(data json.RawMessage) error {
	payload, err := decode[models.ChannelPayload](data)
	if err != nil {
		return err
	}
	removed := p.cache.RemoveChannel(payload.ID)
	guildID := payload.GuildID.OrEmpty()
	if removed != nil && guildID == "" {
		guildID = removed.GuildID
	}
	dispatch.Publish(p.bus, KindChannelDelete, ChannelDelete{
		ChannelID: payload.ID,
		GuildID:   guildID,
		Cached:    Cached[models.Channel]{data: removed},
	})
	return nil
}

func (p *Processor) onChannelRecipient(kind dispatch.Kind[ChannelRecipient], add bool) handler {
	return func(data json.RawMessage) error {
		payload, err := decode[models.ChannelRecipientPayload](data)
		if err != nil {
			return err
		}
		u := p.putUser(payload.User)

		ch := p.cache.Channel(payload.ChannelID)
		if ch != nil {
			ch.Recipients = slices.DeleteFunc(ch.Recipients, func(id models.Snowflake) bool { return id == payload.User.ID })
			if add {
				ch.Recipients = append(ch.Recipients, payload.User.ID)
			}
			p.cache.PutChannel(ch)
		}

		dispatch.Publish(p.bus, kind, ChannelRecipient{Channel: ch.Clone(), User: u.Clone()})
		return nil
	}
}
