package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nerrad567/wearlink-core/internal/api"
)

// requestTimeout bounds one API call. Sends wait up to the device send
// timeout on the server, so it must exceed that.
const requestTimeout = 60 * time.Second

// apiClient calls the WearLink HTTP API.
type apiClient struct {
	base  *url.URL
	token string
	http  *http.Client
}

func newAPIClient(flags *clientFlags) (*apiClient, error) {
	base, err := url.Parse(strings.TrimRight(flags.server, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing server URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("server URL must be http:// or https://, got %q", flags.server)
	}
	return &apiClient{
		base:  base,
		token: flags.token,
		http:  &http.Client{Timeout: requestTimeout},
	}, nil
}

// endpoint resolves an /api/v1 path against the server URL.
func (c *apiClient) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/api/v1" + path
	u.RawQuery = query.Encode()
	return u.String()
}

// do sends body as JSON and decodes a 2xx reply into out. Error replies are
// returned as errors carrying the server's code and message.
func (c *apiClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr api.Error
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Code != "" {
			return fmt.Errorf("%s %s: %s: %s", method, path, apiErr.Code, apiErr.Message)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// printJSON writes v indented, for humans and jq alike.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
