package client

import (
	"context"
	"strconv"

	"personal/discordie_go/src/models"
	"personal/discordie_go/src/transport"
)

// FetchMessages loads up to limit messages of a channel, older than before
// when it is set, and adds them to the cache. limit is passed to the API
// as is. A short page marks the channel history as fully loaded.
func (c *Client) FetchMessages(ctx context.Context, channelID models.Snowflake, limit int, before models.Snowflake) ([]*models.Message, error) {
	query := map[string]string{"limit": strconv.Itoa(limit)}
	if before != "" {
		query["before"] = string(before)
	}

	var payloads []models.MessagePayload
	if err := transport.GetJSON(ctx, c.rest, "/channels/"+string(channelID)+"/messages", query, &payloads); err != nil {
		return nil, err
	}
	for i := range payloads {
		if payloads[i].ChannelID == "" {
			payloads[i].ChannelID = channelID
		}
	}
	return c.processor.IngestMessages(channelID, payloads, limit), nil
}
