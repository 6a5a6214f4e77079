package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"
)

// Client issues JSON requests with bounded retry. Transport failures and 5xx
// replies retry with a linearly growing pause; 4xx replies are final. The
// zero value uses http.DefaultClient and a single attempt.
type Client struct {
	HTTP    *http.Client
	Retries int
	Backoff time.Duration
	Header  http.Header
}

// DoJSON marshals in (nil means no body), sends it, and returns the status
// and raw response body. A non-2xx status is not an error: callers decode
// the body for the failure envelope. On the last attempt a 5xx status is
// returned as-is rather than swallowed.
func (c *Client) DoJSON(ctx context.Context, method, url string, in interface{}) (int, []byte, error) {
	var payload []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, nil, err
		}
		payload = b
	}
	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	retries := c.Retries
	if retries < 0 {
		retries = 0
	}
	backoff := c.Backoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, nil, ctx.Err()
			case <-time.After(backoff * time.Duration(attempt)):
			}
		}
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
		if err != nil {
			return 0, nil, err
		}
		if len(payload) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, vs := range c.Header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode >= http.StatusInternalServerError && attempt < retries {
			continue
		}
		return resp.StatusCode, body, nil
	}
	return 0, nil, lastErr
}
