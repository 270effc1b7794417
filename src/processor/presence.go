package processor

import (
	"encoding/json"
	"time"

	"personal/discordie_go/src/dispatch"
	"personal/discordie_go/src/models"
)

// onPresenceUpdate updates the user's presence, keeping the previous one,
// and publishes a notification per cached guild the user is a member of.
func (p *Processor) onPresenceUpdate(data json.RawMessage) error {
	payload, err := decode[models.PresencePayload](data)
	if err != nil {
		return err
	}

	u := payload.ApplyPresence(p.cache.User(payload.User.ID))
	p.cache.PutUser(u)

	if guildID, ok := payload.GuildID.Get(); ok {
		if m := p.cache.Member(guildID, u.ID); m != nil {
			if roles, ok := payload.Roles.Get(); ok {
				m.Roles = roles
			}
			m.Nick = payload.Nick.OrElse(m.Nick)
			p.cache.PutMember(m)
		}
	}

	guilds := p.cache.GuildsOfMember(u.ID)
	if len(guilds) == 0 {
		dispatch.Publish(p.bus, KindPresenceUpdate, PresenceUpdate{User: u.Clone()})
		return nil
	}
	for _, g := range guilds {
		dispatch.Publish(p.bus, KindPresenceUpdate, PresenceUpdate{
			Guild:  g,
			User:   u.Clone(),
			Member: p.cache.Member(g.ID, u.ID),
		})
	}
	return nil
}

func (p *Processor) onTypingStart(data json.RawMessage) error {
	payload, err := decode[models.TypingStartPayload](data)
	if err != nil {
		return err
	}
	dispatch.Publish(p.bus, KindTypingStart, TypingStart{
		User:      p.cache.User(payload.UserID),
		UserID:    payload.UserID,
		Channel:   p.cache.Channel(payload.ChannelID),
		Timestamp: time.Unix(payload.Timestamp, 0),
	})
	return nil
}

func (p *Processor) onUserUpdate(data json.RawMessage) error {
	payload, err := decode[models.UserPayload](data)
	if err != nil {
		return err
	}
	before := p.cache.User(payload.ID)
	after := payload.Apply(before)
	p.cache.PutUser(after)
	dispatch.Publish(p.bus, KindUserUpdate, UserUpdate{Diff: newDiff(before, after, (*models.User).Clone)})
	return nil
}
