package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"resty.dev/v3"
)

const defaultRESTTimeout = 30 * time.Second

// NewREST returns an API client carrying the base url and the token on
// every request. A nil httpClient gets a plain client with a timeout.
func NewREST(httpClient *http.Client, apiBase, token string) *resty.Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRESTTimeout}
	}
	if apiBase == "" {
		apiBase = DefaultAPIBase
	}
	return resty.NewWithClient(httpClient).
		SetBaseURL(apiBase).
		SetHeader("Authorization", token).
		SetHeader("Accept", "application/json")
}

// GetJSON requests path with the given query and decodes a 200 response
// into out.
func GetJSON(ctx context.Context, rest *resty.Client, path string, query map[string]string, out any) error {
	res, err := rest.R().
		SetContext(ctx).
		SetQueryParams(query).
		Get(path)
	if err != nil {
		return fmt.Errorf("error making http request: %w", err)
	}
	if res.StatusCode() != http.StatusOK {
		return fmt.Errorf("GET %s failed with status %d: %s", path, res.StatusCode(), res.String())
	}
	if err := json.Unmarshal(res.Bytes(), out); err != nil {
		return fmt.Errorf("could not unmarshal response body: %w", err)
	}
	return nil
}
