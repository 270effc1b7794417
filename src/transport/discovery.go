package transport

import (
	"context"
	"fmt"
	"net/url"

	"resty.dev/v3"
)

const (
	DefaultAPIBase = "https://discord.com/api/v6"
	gatewayVersion = "6"
)

type gatewayResponse struct {
	URL string `json:"url"`
}

// ResolveGatewayURL asks the API for the gateway address and returns it with
// the protocol version and encoding appended.
func ResolveGatewayURL(ctx context.Context, rest *resty.Client) (string, error) {
	var response gatewayResponse
	if err := GetJSON(ctx, rest, "/gateway/bot", nil, &response); err != nil {
		return "", fmt.Errorf("could not look up gateway: %w", err)
	}
	if response.URL == "" {
		return "", fmt.Errorf("gateway lookup returned no url")
	}

	u, err := url.Parse(response.URL)
	if err != nil {
		return "", fmt.Errorf("could not parse gateway url: %w", err)
	}
	q := u.Query()
	q.Set("v", gatewayVersion)
	q.Set("encoding", "json")
	u.RawQuery = q.Encode()
	return u.String(), nil
}
