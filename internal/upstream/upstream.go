package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client reads keys from another instance speaking the same REST protocol.
type Client struct {
	URL    string
	Client *http.Client
}

func New(url string, timeout time.Duration) *Client {
	return &Client{
		URL: strings.TrimRight(url, "/"),
		Client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Fetch returns the raw JSON value stored under collection/key upstream.
// A 404 is reported as found == false with a nil error.
func (c *Client) Fetch(ctx context.Context, collection, key string) ([]byte, bool, error) {
	if c == nil || c.URL == "" {
		return nil, false, nil
	}
	u := c.URL + "/" + url.PathEscape(collection) + "/" + url.PathEscape(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("upstream %s: unexpected status %d", u, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, err
	}
	return body, true, nil
}
