package processor

import (
	"encoding/json"

	"personal/discordie_go/src/dispatch"
	"personal/discordie_go/src/models"
)

func (p *Processor) storeMessage(payload models.MessagePayload) *models.Message {
	if author, ok := payload.Author.Get(); ok {
		p.putUser(author)
		if member, ok := payload.Member.Get(); ok && payload.GuildID.IsPresent() {
			guildID := payload.GuildID.MustGet()
			p.cache.PutMember(member.Apply(guildID, p.cache.Member(guildID, author.ID)))
		}
	}
	for _, u := range payload.Mentions.OrEmpty() {
		p.putUser(u)
	}

	m := payload.Apply(nil)
	if m.GuildID == "" {
		if ch := p.cache.Channel(m.ChannelID); ch != nil {
			m.GuildID = ch.GuildID
		}
	}
	p.cache.Messages().Put(m)
	return m
}

func (p *Processor) onMessageCreate(data json.RawMessage) error {
	payload, err := decode[models.MessagePayload](data)
	if err != nil {
		return err
	}

	m := p.storeMessage(payload)
	if ch := p.cache.Channel(m.ChannelID); ch != nil {
		ch.LastMessageID = m.ID
		p.cache.PutChannel(ch)
	}

	dispatch.Publish(p.bus, KindMessageCreate, MessageCreate{Message: m.Clone()})
	return nil
}

// onMessageUpdate merges a partial update. Only changes to the content or
// the edit timestamp count as an edit; embed-only updates replace the
// record without growing its history.
func (p *Processor) onMessageUpdate(data json.RawMessage) error {
	payload, err := decode[models.MessagePayload](data)
	if err != nil {
		return err
	}

	messages := p.cache.Messages()
	before := messages.Get(payload.ID)
	if before == nil {
		dispatch.Publish(p.bus, KindMessageUpdate, MessageUpdate{Data: payload})
		return nil
	}

	after := payload.Apply(before)
	if after.Content != before.Content || !after.EditedTimestamp.Equal(before.EditedTimestamp) {
		messages.Update(after)
	} else {
		messages.Put(after)
	}
	if author, ok := payload.Author.Get(); ok {
		p.putUser(author)
	}

	stored := messages.Get(payload.ID)
	dispatch.Publish(p.bus, KindMessageUpdate, MessageUpdate{
		Message: stored,
		Data:    payload,
		Diff:    newDiff(before, stored, (*models.Message).Clone),
	})
	return nil
}

func (p *Processor) onMessageDelete(data json.RawMessage) error {
	payload, err := decode[models.MessageDeletePayload](data)
	if err != nil {
		return err
	}
	tomb := p.cache.Messages().MarkDeleted(payload.ID)
	dispatch.Publish(p.bus, KindMessageDelete, MessageDelete{
		ChannelID: payload.ChannelID,
		MessageID: payload.ID,
		Message:   tomb,
	})
	return nil
}

// onMessageDeleteBulk tombstones every id it can resolve. Ids that were not
// cached are still listed in MessageIDs.
func (p *Processor) onMessageDeleteBulk(data json.RawMessage) error {
	payload, err := decode[models.MessageDeleteBulkPayload](data)
	if err != nil {
		return err
	}

	var known []*models.Message
	for _, id := range payload.IDs {
		if tomb := p.cache.Messages().MarkDeleted(id); tomb != nil {
			known = append(known, tomb)
		}
	}

	dispatch.Publish(p.bus, KindMessageDeleteBulk, MessageDeleteBulk{
		ChannelID:  payload.ChannelID,
		MessageIDs: payload.IDs,
		Messages:   known,
	})
	return nil
}

// IngestMessages stores messages fetched outside the event stream, such as
// a channel history request. When fewer than limit came back the channel's
// history is marked fully loaded.
func (p *Processor) IngestMessages(channelID models.Snowflake, payloads []models.MessagePayload, limit int) []*models.Message {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*models.Message, 0, len(payloads))
	for _, payload := range payloads {
		if existing := p.cache.Messages().Get(payload.ID); existing != nil {
			out = append(out, existing)
			continue
		}
		out = append(out, p.storeMessage(payload).Clone())
	}
	if len(payloads) < limit {
		p.cache.Messages().SetAllMessagesLoaded(channelID, true)
	}
	return out
}
